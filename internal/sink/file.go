package sink

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/loqalabs/loqa-captions/internal/caption"
	"github.com/loqalabs/loqa-captions/internal/config"
)

// File writes <feed>.txt with the caption currently on screen and appends
// finals to <feed>_history.txt. vMix can read either as a data source.
type File struct {
	dir        string
	timestamps bool
	current    bool

	mu      sync.Mutex
	last    map[string]string
	history map[string]*os.File
}

func NewFile(cfg config.FileOutputConfig) (*File, error) {
	if err := os.MkdirAll(cfg.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("create caption output dir: %w", err)
	}
	return &File{
		dir:        cfg.Dir,
		timestamps: cfg.Timestamps,
		current:    cfg.CurrentFile,
		last:       make(map[string]string),
		history:    make(map[string]*os.File),
	}, nil
}

func (f *File) Name() string { return "file" }

func (f *File) Handle(_ context.Context, evt caption.Event) error {
	if evt.FeedID == "" || strings.ContainsAny(evt.FeedID, `/\`) || strings.HasPrefix(evt.FeedID, ".") {
		return fmt.Errorf("feed id %q is not usable as a file name", evt.FeedID)
	}
	f.mu.Lock()
	defer f.mu.Unlock()

	var errs []error
	if f.current {
		errs = append(errs, f.writeCurrentLocked(evt.FeedID, evt.Text))
	}
	if evt.IsFinal {
		errs = append(errs, f.appendHistoryLocked(evt))
	}
	return errors.Join(errs...)
}

// CurrentPath is where the on-screen caption for feedID is written.
func (f *File) CurrentPath(feedID string) string {
	return filepath.Join(f.dir, feedID+".txt")
}

func (f *File) HistoryPath(feedID string) string {
	return filepath.Join(f.dir, feedID+"_history.txt")
}

func (f *File) writeCurrentLocked(feedID, text string) error {
	if prev, ok := f.last[feedID]; ok && prev == text {
		return nil
	}
	if err := os.WriteFile(f.CurrentPath(feedID), []byte(text), 0o644); err != nil {
		return err
	}
	f.last[feedID] = text
	return nil
}

func (f *File) appendHistoryLocked(evt caption.Event) error {
	w, ok := f.history[evt.FeedID]
	if !ok {
		var err error
		w, err = os.OpenFile(f.HistoryPath(evt.FeedID), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
		if err != nil {
			return err
		}
		f.history[evt.FeedID] = w
	}
	line := evt.Text
	if f.timestamps {
		line = fmt.Sprintf("[%s] %s", evt.Timestamp.Format("15:04:05"), evt.Text)
	}
	_, err := w.WriteString(line + "\n")
	return err
}

// Close blanks every current-caption file so titles do not show stale text
// after shutdown.
func (f *File) Close(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	var errs []error
	for feedID := range f.last {
		errs = append(errs, f.writeCurrentLocked(feedID, ""))
	}
	for feedID, w := range f.history {
		errs = append(errs, w.Close())
		delete(f.history, feedID)
	}
	return errors.Join(errs...)
}
