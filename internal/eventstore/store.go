package eventstore

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"time"

	"github.com/loqalabs/loqa-captions/internal/caption"
	"github.com/loqalabs/loqa-captions/internal/config"
	_ "modernc.org/sqlite"
)

// Record is one archived final caption.
type Record struct {
	ID         int64
	CaptionID  string
	FeedID     string
	Text       string
	Timestamp  time.Time
	Confidence float64
	CreatedAt  time.Time
}

func (r Record) Event() caption.Event {
	return caption.Event{
		ID:         r.CaptionID,
		FeedID:     r.FeedID,
		Text:       r.Text,
		IsFinal:    true,
		Timestamp:  r.Timestamp,
		Confidence: r.Confidence,
	}
}

// Store archives final captions in SQLite beyond the in-memory history
// window. A disabled store accepts every call and keeps nothing.
type Store struct {
	db    *sql.DB
	cfg   config.ArchiveConfig
	log   *slog.Logger
	clock func() time.Time
}

// Open initializes the archive according to config.
func Open(ctx context.Context, cfg config.ArchiveConfig, log *slog.Logger) (*Store, error) {
	if !cfg.Enabled {
		return &Store{cfg: cfg, log: log, clock: time.Now}, nil
	}

	dir := filepath.Dir(cfg.Path)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create data dir: %w", err)
		}
	}

	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)", cfg.Path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}

	s := &Store{db: db, cfg: cfg, log: log, clock: time.Now}
	if err := s.initSchema(ctx); err != nil {
		db.Close()
		return nil, err
	}

	if cfg.VacuumOnStart {
		if _, err := db.ExecContext(ctx, "VACUUM"); err != nil {
			log.Warn("caption archive vacuum failed", slog.String("error", err.Error()))
		}
	}
	if _, err := s.Prune(ctx); err != nil {
		log.Warn("caption archive prune on start failed", slog.String("error", err.Error()))
	}
	return s, nil
}

func (s *Store) initSchema(ctx context.Context) error {
	ddl := `
CREATE TABLE IF NOT EXISTS captions (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    caption_id TEXT,
    feed_id TEXT NOT NULL,
    text TEXT NOT NULL,
    ts_unix_nano INTEGER NOT NULL,
    confidence REAL,
    created_unix_nano INTEGER NOT NULL,
    UNIQUE(feed_id, ts_unix_nano, text)
);
CREATE INDEX IF NOT EXISTS idx_captions_feed_ts ON captions(feed_id, ts_unix_nano);
`
	_, err := s.db.ExecContext(ctx, ddl)
	return err
}

func (s *Store) Enabled() bool { return s.db != nil }

func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Append stores a final caption. A caption already archived under the same
// feed and dedup key is ignored.
func (s *Store) Append(ctx context.Context, evt caption.Event) error {
	if s.db == nil || !evt.IsFinal {
		return nil
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO captions(caption_id, feed_id, text, ts_unix_nano, confidence, created_unix_nano)
		 VALUES(?, ?, ?, ?, ?, ?)
		 ON CONFLICT(feed_id, ts_unix_nano, text) DO NOTHING`,
		evt.ID, evt.FeedID, evt.Text, evt.Timestamp.UnixNano(), evt.Confidence, s.clock().UnixNano())
	return err
}

// List returns up to limit captions for feedID with a timestamp at or after
// since, oldest first.
func (s *Store) List(ctx context.Context, feedID string, since time.Time, limit int) ([]Record, error) {
	if s.db == nil {
		return nil, nil
	}
	if limit <= 0 {
		limit = 100
	}
	var from int64 = math.MinInt64
	if !since.IsZero() {
		from = since.UnixNano()
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, caption_id, feed_id, text, ts_unix_nano, confidence, created_unix_nano
		 FROM captions WHERE feed_id = ? AND ts_unix_nano >= ?
		 ORDER BY ts_unix_nano ASC, id ASC LIMIT ?`, feedID, from, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		var r Record
		var captionID sql.NullString
		var confidence sql.NullFloat64
		var ts, created int64
		if err := rows.Scan(&r.ID, &captionID, &r.FeedID, &r.Text, &ts, &confidence, &created); err != nil {
			return nil, err
		}
		r.CaptionID = captionID.String
		r.Confidence = confidence.Float64
		r.Timestamp = time.Unix(0, ts).UTC()
		r.CreatedAt = time.Unix(0, created).UTC()
		out = append(out, r)
	}
	return out, rows.Err()
}

// Prune deletes captions archived longer ago than the retention period and
// reports how many rows went.
func (s *Store) Prune(ctx context.Context) (int64, error) {
	if s.db == nil || s.cfg.RetentionDays <= 0 {
		return 0, nil
	}
	cutoff := s.clock().Add(-time.Duration(s.cfg.RetentionDays) * 24 * time.Hour)
	res, err := s.db.ExecContext(ctx, `DELETE FROM captions WHERE created_unix_nano < ?`, cutoff.UnixNano())
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
