package routing

import (
	"path"
	"strings"

	pkgerrors "github.com/diatomic/LowFive/pkg/errors"
	"github.com/diatomic/LowFive/pkg/utils"
)

type segmentKind uint8

const (
	segLiteral segmentKind = iota
	segGlob
	segAny
	segRecursive
)

type segment struct {
	kind segmentKind
	text string
}

// Pattern is a precompiled path pattern. Segments are literal names, globs
// ("*", "?" and "[...]" inside one segment), "*" (exactly one segment) or
// "**" (zero or more segments). The pattern "*" on its own matches every
// path.
type Pattern struct {
	raw      string
	segments []segment
	all      bool
	basename bool
}

// Compile parses a pattern once so matching never re-parses it.
func Compile(pattern string) (Pattern, error) {
	p := Pattern{raw: pattern}
	trimmed := strings.TrimSpace(pattern)
	if trimmed == "" {
		return Pattern{}, pkgerrors.NewError(pkgerrors.ErrCodeInvalidArgument, "pattern cannot be empty").
			WithComponent("routing")
	}
	if trimmed == "*" || trimmed == "**" || trimmed == "/**" {
		p.all = true
		return p, nil
	}
	p.basename = !strings.Contains(trimmed, "/")

	for _, s := range utils.SplitObjectPath(trimmed) {
		seg := segment{text: s}
		switch {
		case s == "**":
			seg.kind = segRecursive
		case s == "*":
			seg.kind = segAny
		case strings.ContainsAny(s, "*?["):
			if _, err := path.Match(s, ""); err != nil {
				return Pattern{}, pkgerrors.Wrap(pkgerrors.ErrCodeInvalidArgument, "malformed pattern segment", err).
					WithComponent("routing").
					WithContext("pattern", pattern).
					WithContext("segment", s)
			}
			seg.kind = segGlob
		default:
			seg.kind = segLiteral
		}
		p.segments = append(p.segments, seg)
	}
	return p, nil
}

// MustCompile is like Compile but panics on a malformed pattern.
func MustCompile(pattern string) Pattern {
	p, err := Compile(pattern)
	if err != nil {
		panic(err)
	}
	return p
}

func (p Pattern) String() string {
	return p.raw
}

// CatchAll reports whether the pattern matches every path.
func (p Pattern) CatchAll() bool {
	return p.all
}

// Match reports whether path matches the pattern.
func (p Pattern) Match(name string) bool {
	if p.all {
		return true
	}
	return matchSegments(p.segments, utils.SplitObjectPath(name))
}

// MatchFile matches a file path. A pattern without any "/" is matched
// against the base name of the file, so "out.h5" selects "/scratch/out.h5".
func (p Pattern) MatchFile(file string) bool {
	if p.all {
		return true
	}
	segs := utils.SplitObjectPath(file)
	if p.basename && len(segs) > 1 {
		segs = segs[len(segs)-1:]
	}
	return matchSegments(p.segments, segs)
}

func matchSegments(pat []segment, segs []string) bool {
	for len(pat) > 0 {
		seg := pat[0]
		if seg.kind == segRecursive {
			rest := pat[1:]
			for i := 0; i <= len(segs); i++ {
				if matchSegments(rest, segs[i:]) {
					return true
				}
			}
			return false
		}
		if len(segs) == 0 || !seg.match(segs[0]) {
			return false
		}
		pat, segs = pat[1:], segs[1:]
	}
	return len(segs) == 0
}

func (s segment) match(name string) bool {
	switch s.kind {
	case segLiteral:
		return s.text == name
	case segAny:
		return true
	case segGlob:
		ok, _ := path.Match(s.text, name)
		return ok
	default:
		return false
	}
}
