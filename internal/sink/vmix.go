package sink

import (
	"context"
	"sync"

	"github.com/loqalabs/loqa-captions/internal/caption"
	"github.com/loqalabs/loqa-captions/internal/feed"
	"github.com/loqalabs/loqa-captions/internal/vmix"
)

// VMix pushes caption text to each feed's title input.
type VMix struct {
	client      *vmix.Client
	inputs      map[string]string
	sendInterim bool

	mu   sync.Mutex
	last map[string]string
}

func NewVMix(client *vmix.Client, feeds []feed.Info, sendInterim bool) *VMix {
	inputs := make(map[string]string, len(feeds))
	for _, f := range feeds {
		if f.VMixInput != "" {
			inputs[f.ID] = f.VMixInput
		}
	}
	return &VMix{
		client:      client,
		inputs:      inputs,
		sendInterim: sendInterim,
		last:        make(map[string]string),
	}
}

func (v *VMix) Name() string { return "vmix" }

func (v *VMix) Handle(ctx context.Context, evt caption.Event) error {
	if !evt.IsFinal && !v.sendInterim {
		return nil
	}
	input, ok := v.inputs[evt.FeedID]
	if !ok {
		return nil
	}
	v.mu.Lock()
	unchanged := v.last[input] == evt.Text
	v.mu.Unlock()
	if unchanged {
		return nil
	}
	if err := v.client.SetText(ctx, input, 0, evt.Text); err != nil {
		return err
	}
	v.mu.Lock()
	v.last[input] = evt.Text
	v.mu.Unlock()
	return nil
}

func (v *VMix) Close(context.Context) error { return nil }
