package sink

import (
	"context"

	"github.com/loqalabs/loqa-captions/internal/caption"
	"github.com/loqalabs/loqa-captions/internal/eventstore"
)

// Archive records finals in the SQLite caption store. The store is owned
// by the caller and stays open after Close.
type Archive struct {
	store *eventstore.Store
}

func NewArchive(store *eventstore.Store) *Archive {
	return &Archive{store: store}
}

func (a *Archive) Name() string { return "archive" }

func (a *Archive) Handle(ctx context.Context, evt caption.Event) error {
	return a.store.Append(ctx, evt)
}

func (a *Archive) Close(context.Context) error { return nil }
