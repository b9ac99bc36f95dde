package vol

import (
	"context"
	"sort"
	"sync"

	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"

	"github.com/diatomic/LowFive/internal/metadata"
	"github.com/diatomic/LowFive/internal/transport"
	pkgerrors "github.com/diatomic/LowFive/pkg/errors"
	"github.com/diatomic/LowFive/pkg/types"
	"github.com/diatomic/LowFive/pkg/utils"
)

// channelFor picks the channel of a file: the first matching channel rule,
// else the default channel, else the only channel with the given role.
func (c *Connector) channelFor(path string, role transport.Role) (*transport.Channel, error) {
	name := c.engine.FileChannel(path)
	if name == "" {
		name = c.defaultChannel
	}
	if name != "" {
		ch, ok := c.channels.Get(name)
		if !ok {
			return nil, pkgerrors.Newf(pkgerrors.ErrCodeNotFound, "channel %q is not registered", name).
				WithComponent("vol").
				WithContext("file", path)
		}
		return ch, nil
	}
	var match []*transport.Channel
	for _, ch := range c.channels.All() {
		if ch.Role() == role {
			match = append(match, ch)
		}
	}
	if len(match) != 1 {
		return nil, pkgerrors.Newf(pkgerrors.ErrCodeNotFound, "no channel selected for file %q (%d %s channels)", path, len(match), role).
			WithComponent("vol")
	}
	return match[0], nil
}

// Serve runs one producer round on every producer channel, sending the
// resident remote-mode files each channel carries. Channels are served
// concurrently; a channel with no files still runs an empty round so that
// its consumer stays in step.
func (c *Connector) Serve(ctx context.Context) ([]*transport.Report, error) {
	c.mu.Lock()
	entries := c.files.all()
	c.mu.Unlock()

	var producers []*fileEntry
	for _, e := range entries {
		if e.mode == types.ModeRemote && !e.consumer {
			producers = append(producers, e)
		}
	}
	groups, err := c.groupByChannel(producers)
	if err != nil {
		return nil, err
	}
	for _, ch := range c.channels.All() {
		if _, ok := groups[ch]; !ok && ch.Role() == transport.RoleProducer {
			groups[ch] = nil
		}
	}
	return c.sendGroups(ctx, groups)
}

// serveFiles sends the given producer files over their channels.
func (c *Connector) serveFiles(ctx context.Context, entries []*fileEntry) ([]*transport.Report, error) {
	groups, err := c.groupByChannel(entries)
	if err != nil {
		return nil, err
	}
	return c.sendGroups(ctx, groups)
}

func (c *Connector) groupByChannel(entries []*fileEntry) (map[*transport.Channel][]*fileEntry, error) {
	groups := make(map[*transport.Channel][]*fileEntry)
	for _, e := range entries {
		ch, err := c.channelFor(e.path, transport.RoleProducer)
		if err != nil {
			return nil, err
		}
		groups[ch] = append(groups[ch], e)
	}
	return groups, nil
}

func (c *Connector) sendGroups(ctx context.Context, groups map[*transport.Channel][]*fileEntry) ([]*transport.Report, error) {
	chs := make([]*transport.Channel, 0, len(groups))
	for ch := range groups {
		chs = append(chs, ch)
	}
	sort.Slice(chs, func(i, j int) bool { return chs[i].Name() < chs[j].Name() })

	reports := make([]*transport.Report, len(chs))
	var g errgroup.Group
	for i, ch := range chs {
		entries := groups[ch]
		g.Go(func() error {
			files := make([]*metadata.File, len(entries))
			for j, e := range entries {
				files[j] = e.file
			}
			rep, err := ch.Send(ctx, files)
			reports[i] = rep
			if err != nil {
				return err
			}
			c.afterRound(ch, entries)
			return nil
		})
	}
	return reports, g.Wait()
}

// afterRound releases the files of a completed round unless retention
// keeps them or a handle is still open.
func (c *Connector) afterRound(ch *transport.Channel, entries []*fileEntry) {
	for _, e := range entries {
		c.mu.Lock()
		open := e.handles > 0
		c.mu.Unlock()
		if open || !c.lifecycle.ReleaseAfterRound(e.path, ch.Name()) {
			continue
		}
		c.drop(e)
	}
}

// Receive runs one consumer round on the named channel, or on the only
// consumer channel when name is empty. Files arrive under their producer
// paths, merging into placeholders opened earlier. It returns once the
// structure is in place; dataset buffers keep arriving in the background.
func (c *Connector) Receive(ctx context.Context, name string) (*transport.Round, error) {
	ch, err := c.consumerChannel(name)
	if err != nil {
		return nil, err
	}
	round, err := ch.Receive(ctx, transport.FileSourceFunc(c.receiveFile))
	if err != nil {
		return nil, err
	}
	c.logger.Info("round received", utils.Fields{"channel": ch.Name(), "round": round.ID, "files": len(round.Files)})
	return round, nil
}

func (c *Connector) consumerChannel(name string) (*transport.Channel, error) {
	if name != "" {
		ch, ok := c.channels.Get(name)
		if !ok {
			return nil, pkgerrors.Newf(pkgerrors.ErrCodeNotFound, "channel %q is not registered", name).
				WithComponent("vol")
		}
		return ch, nil
	}
	var match []*transport.Channel
	for _, ch := range c.channels.All() {
		if ch.Role() == transport.RoleConsumer {
			match = append(match, ch)
		}
	}
	if len(match) != 1 {
		return nil, pkgerrors.Newf(pkgerrors.ErrCodeInvalidArgument, "%d consumer channels registered, name one", len(match)).
			WithComponent("vol")
	}
	return match[0], nil
}

// receiveFile resolves the file a received structure merges into.
func (c *Connector) receiveFile(path string, _ types.Mode) (*metadata.File, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if e, ok := c.files.get(path); ok {
		if !e.consumer {
			return nil, pkgerrors.Newf(pkgerrors.ErrCodeAlreadyExists, "file %q is produced by this process", path).
				WithComponent("vol")
		}
		return e.file, nil
	}
	e := &fileEntry{path: path, file: metadata.NewFile(path, types.ModeRemote), mode: types.ModeRemote, consumer: true}
	e.file.Subscribe(c.lifecycle.Observer())
	c.files.put(e)
	if c.metrics != nil {
		c.metrics.SetResidentFiles(c.files.len())
	}
	return e.file, nil
}

// ReceiveAll receives rounds on every consumer channel concurrently until
// each producer finishes its session or ctx ends. fn, when set, is called
// with every round; calls are serialized across channels.
func (c *Connector) ReceiveAll(ctx context.Context, fn func(ch string, r *transport.Round) error) error {
	var consumers []*transport.Channel
	for _, ch := range c.channels.All() {
		if ch.Role() == transport.RoleConsumer {
			consumers = append(consumers, ch)
		}
	}

	var mu sync.Mutex
	g, ctx := errgroup.WithContext(ctx)
	for _, ch := range consumers {
		g.Go(func() error {
			for {
				r, err := c.Receive(ctx, ch.Name())
				if pkgerrors.IsCode(err, pkgerrors.ErrCodeSessionDone) {
					return nil
				}
				if err != nil {
					return err
				}
				if fn == nil {
					continue
				}
				mu.Lock()
				err = fn(ch.Name(), r)
				mu.Unlock()
				if err != nil {
					return err
				}
			}
		})
	}
	return g.Wait()
}

// Finish tells the consumer of every producer channel that the session is
// over.
func (c *Connector) Finish(ctx context.Context) error {
	var err error
	for _, ch := range c.channels.All() {
		if ch.Role() == transport.RoleProducer {
			err = multierr.Append(err, ch.Finish(ctx))
		}
	}
	return err
}
