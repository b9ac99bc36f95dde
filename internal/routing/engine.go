package routing

import (
	"sync"

	pkgerrors "github.com/diatomic/LowFive/pkg/errors"
	"github.com/diatomic/LowFive/pkg/types"
)

// Category separates exclusive route rules from the additive ones.
type Category uint8

const (
	// CategoryRoute rules are exclusive: the first match picks the mode.
	CategoryRoute Category = iota
	// CategoryMirror rules add a best-effort pass-through copy to memory
	// and remote objects for structural operations and writes.
	CategoryMirror
	// CategoryZerocopy rules make dataset writes alias the caller's buffer.
	CategoryZerocopy
	// CategoryChannel rules select the transport channel of a file.
	CategoryChannel
)

func (c Category) String() string {
	switch c {
	case CategoryRoute:
		return "route"
	case CategoryMirror:
		return "mirror"
	case CategoryZerocopy:
		return "zerocopy"
	case CategoryChannel:
		return "channel"
	default:
		return "unknown"
	}
}

// Rule is one registered routing rule.
type Rule struct {
	Category Category
	File     Pattern
	Object   Pattern
	Mode     types.Mode
	Ops      types.OpClass
	Channel  string
}

func (r Rule) matches(object, file string, op types.OpClass) bool {
	return r.Ops&op != 0 && r.File.MatchFile(file) && r.Object.Match(object)
}

// Status renders the rule for diagnostics.
func (r Rule) Status() types.RuleStatus {
	s := types.RuleStatus{
		Category: r.Category.String(),
		File:     r.File.String(),
		Object:   r.Object.String(),
		Ops:      r.Ops.String(),
		Channel:  r.Channel,
	}
	if r.Category == CategoryRoute {
		s.Mode = r.Mode.String()
	}
	return s
}

// Decision is the full routing outcome for one operation.
type Decision struct {
	Mode     types.Mode
	Mirror   bool
	Zerocopy bool
	// Channel is empty when no channel rule matched; the connector then
	// uses its default channel.
	Channel string
	// Route is the route rule that picked Mode, nil for the default.
	Route *Rule
}

// Engine evaluates routing rules in registration order. It is safe for
// concurrent use; rules may be added while a session runs.
type Engine struct {
	mu    sync.RWMutex
	rules []Rule
}

// NewEngine creates an engine with no rules: everything passes through.
func NewEngine() *Engine {
	return &Engine{}
}

func (e *Engine) add(category Category, filePat, objPat string, mode types.Mode, ops types.OpClass, channel string) error {
	fp, err := Compile(filePat)
	if err != nil {
		return err
	}
	op, err := Compile(objPat)
	if err != nil {
		return err
	}
	if ops == 0 {
		ops = types.OpAll
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	e.rules = append(e.rules, Rule{
		Category: category,
		File:     fp,
		Object:   op,
		Mode:     mode,
		Ops:      ops,
		Channel:  channel,
	})
	return nil
}

// AddRule registers a route rule. With no ops the rule applies to every
// operation class.
func (e *Engine) AddRule(filePat, objPat string, mode types.Mode, ops ...types.OpClass) error {
	switch mode {
	case types.ModePassthru, types.ModeMemory, types.ModeRemote:
	default:
		return pkgerrors.Newf(pkgerrors.ErrCodeInvalidArgument, "unknown routing mode %d", int(mode)).
			WithComponent("routing")
	}
	return e.add(CategoryRoute, filePat, objPat, mode, combine(ops), "")
}

// AddMirror registers a mirror rule. Reads never consult mirrors.
func (e *Engine) AddMirror(filePat, objPat string) error {
	return e.add(CategoryMirror, filePat, objPat, types.ModePassthru, types.OpStructural|types.OpDataWrite, "")
}

// AddZerocopy registers a zerocopy rule for dataset writes.
func (e *Engine) AddZerocopy(filePat, objPat string) error {
	return e.add(CategoryZerocopy, filePat, objPat, types.ModeMemory, types.OpDataWrite, "")
}

// AddChannel routes files matching filePat over the named channel.
func (e *Engine) AddChannel(filePat, objPat, channel string) error {
	if channel == "" {
		return pkgerrors.NewError(pkgerrors.ErrCodeInvalidArgument, "channel id cannot be empty").
			WithComponent("routing")
	}
	return e.add(CategoryChannel, filePat, objPat, types.ModeRemote, types.OpAll, channel)
}

func combine(ops []types.OpClass) types.OpClass {
	var c types.OpClass
	for _, o := range ops {
		c |= o
	}
	return c
}

// Resolve returns the mode of the first route rule matching the object,
// file and operation class, or pass-through when none matches.
func (e *Engine) Resolve(object, file string, op types.OpClass) types.Mode {
	return e.Decide(object, file, op).Mode
}

// Decide evaluates every rule category for one operation.
func (e *Engine) Decide(object, file string, op types.OpClass) Decision {
	e.mu.RLock()
	defer e.mu.RUnlock()

	d := Decision{Mode: types.ModePassthru}
	var mirror, zerocopy, routed, channeled bool
	for i := range e.rules {
		r := &e.rules[i]
		if !r.matches(object, file, op) {
			continue
		}
		switch r.Category {
		case CategoryRoute:
			if !routed {
				rule := *r
				d.Mode = r.Mode
				d.Route = &rule
				routed = true
			}
		case CategoryMirror:
			mirror = true
		case CategoryZerocopy:
			zerocopy = true
		case CategoryChannel:
			if !channeled {
				d.Channel = r.Channel
				channeled = true
			}
		}
	}

	d.Mirror = mirror && d.Mode != types.ModePassthru && op != types.OpDataRead
	d.Zerocopy = zerocopy && op == types.OpDataWrite && d.Mode != types.ModePassthru
	return d
}

// FileMode returns the mode of the first route rule whose file pattern
// matches and that routes structural operations or data writes, or
// pass-through. Rules limited to reads never make a file resident. A File
// keeps this mode for the lifetime of its handle.
func (e *Engine) FileMode(file string) types.Mode {
	e.mu.RLock()
	defer e.mu.RUnlock()
	for _, r := range e.rules {
		if r.Category == CategoryRoute && r.Ops&(types.OpStructural|types.OpDataWrite) != 0 && r.File.MatchFile(file) {
			return r.Mode
		}
	}
	return types.ModePassthru
}

// FileChannel returns the channel selected for a file, or "".
func (e *Engine) FileChannel(file string) string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	for _, r := range e.rules {
		if r.Category == CategoryChannel && r.File.MatchFile(file) {
			return r.Channel
		}
	}
	return ""
}

// HasMirror reports whether any mirror rule selects the file.
func (e *Engine) HasMirror(file string) bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	for _, r := range e.rules {
		if r.Category == CategoryMirror && r.File.MatchFile(file) {
			return true
		}
	}
	return false
}

// Rules returns a snapshot of the registered rules in evaluation order.
func (e *Engine) Rules() []Rule {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return append([]Rule(nil), e.rules...)
}

// Statuses renders every rule for diagnostics.
func (e *Engine) Statuses() []types.RuleStatus {
	rules := e.Rules()
	out := make([]types.RuleStatus, len(rules))
	for i, r := range rules {
		out[i] = r.Status()
	}
	return out
}

// Reset removes every rule.
func (e *Engine) Reset() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.rules = nil
}
