package transport

import (
	"sort"
	"sync"

	"go.uber.org/multierr"

	pkgerrors "github.com/diatomic/LowFive/pkg/errors"
)

type groupPair struct {
	local  GroupID
	remote GroupID
}

// Registry holds at most one channel per (local, remote) group pair.
type Registry struct {
	mu     sync.RWMutex
	byPair map[groupPair]*Channel
	byName map[string]*Channel
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		byPair: make(map[groupPair]*Channel),
		byName: make(map[string]*Channel),
	}
}

// Add registers ch. A second channel for the same group pair, or with the
// same name, fails with CHANNEL_EXISTS.
func (r *Registry) Add(ch *Channel) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	pair := groupPair{local: ch.Local(), remote: ch.Remote()}
	if _, ok := r.byPair[pair]; ok {
		return pkgerrors.Newf(pkgerrors.ErrCodeChannelExists, "a channel between %s and %s already exists", pair.local, pair.remote).
			WithComponent("transport")
	}
	if _, ok := r.byName[ch.Name()]; ok {
		return pkgerrors.Newf(pkgerrors.ErrCodeChannelExists, "channel name %q is taken", ch.Name()).
			WithComponent("transport")
	}
	r.byPair[pair] = ch
	r.byName[ch.Name()] = ch
	return nil
}

// Get returns the channel registered under name.
func (r *Registry) Get(name string) (*Channel, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ch, ok := r.byName[name]
	return ch, ok
}

// Between returns the channel bridging local and remote.
func (r *Registry) Between(local, remote GroupID) (*Channel, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ch, ok := r.byPair[groupPair{local: local, remote: remote}]
	return ch, ok
}

// All returns the channels sorted by name.
func (r *Registry) All() []*Channel {
	r.mu.RLock()
	out := make([]*Channel, 0, len(r.byName))
	for _, ch := range r.byName {
		out = append(out, ch)
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Name() < out[j].Name() })
	return out
}

// Len returns the number of registered channels.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byName)
}

// Remove unregisters and closes the named channel.
func (r *Registry) Remove(name string) error {
	r.mu.Lock()
	ch, ok := r.byName[name]
	if ok {
		delete(r.byName, name)
		delete(r.byPair, groupPair{local: ch.Local(), remote: ch.Remote()})
	}
	r.mu.Unlock()
	if !ok {
		return pkgerrors.Newf(pkgerrors.ErrCodeNotFound, "no channel named %q", name).WithComponent("transport")
	}
	return ch.Close()
}

// Close closes every channel and empties the registry.
func (r *Registry) Close() error {
	r.mu.Lock()
	channels := make([]*Channel, 0, len(r.byName))
	for _, ch := range r.byName {
		channels = append(channels, ch)
	}
	r.byPair = make(map[groupPair]*Channel)
	r.byName = make(map[string]*Channel)
	r.mu.Unlock()

	var err error
	for _, ch := range channels {
		err = multierr.Append(err, ch.Close())
	}
	return err
}
