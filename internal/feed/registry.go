package feed

import (
	"errors"
	"fmt"
	"time"

	"github.com/loqalabs/loqa-captions/internal/config"
)

// ErrUnknownFeed is returned when a feed id is not configured.
var ErrUnknownFeed = errors.New("feed not found")

// Registry is the fixed set of feeds for the process. Membership never
// changes after construction, so lookups need no locking.
type Registry struct {
	order []string
	feeds map[string]*Feed
}

type Option func(*registryOptions)

type registryOptions struct {
	clock func() time.Time
}

// WithClock overrides the clock used for history retention.
func WithClock(clock func() time.Time) Option {
	return func(o *registryOptions) { o.clock = clock }
}

func NewRegistry(infos []Info, window time.Duration, opts ...Option) (*Registry, error) {
	o := registryOptions{clock: time.Now}
	for _, opt := range opts {
		opt(&o)
	}
	if window <= 0 {
		return nil, errors.New("history window must be positive")
	}
	r := &Registry{feeds: make(map[string]*Feed, len(infos))}
	for _, info := range infos {
		if info.ID == "" {
			return nil, errors.New("feed id must not be empty")
		}
		if _, dup := r.feeds[info.ID]; dup {
			return nil, fmt.Errorf("duplicate feed id %q", info.ID)
		}
		if info.Name == "" {
			info.Name = info.ID
		}
		r.feeds[info.ID] = newFeed(info, NewHistory(window, o.clock))
		r.order = append(r.order, info.ID)
	}
	return r, nil
}

// FromConfig builds the registry from the configured feed list.
func FromConfig(cfg config.Config, opts ...Option) (*Registry, error) {
	infos := make([]Info, 0, len(cfg.Feeds))
	for _, f := range cfg.Feeds {
		infos = append(infos, Info{
			ID:        f.ID,
			Name:      f.Name,
			Channel:   f.Channel,
			VMixInput: f.VMixInput,
			Enabled:   f.IsEnabled(),
		})
	}
	return NewRegistry(infos, cfg.History.Window(), opts...)
}

func (r *Registry) Get(id string) (*Feed, error) {
	f, ok := r.feeds[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownFeed, id)
	}
	return f, nil
}

// List returns every feed's metadata in configuration order.
func (r *Registry) List() []Info {
	out := make([]Info, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, r.feeds[id].info)
	}
	return out
}

// Feeds returns the feeds in configuration order.
func (r *Registry) Feeds() []*Feed {
	out := make([]*Feed, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, r.feeds[id])
	}
	return out
}
