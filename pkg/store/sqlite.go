package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/pkg/errors"

	"github.com/go-go-golems/marionette/pkg/protocol"
)

// SQLiteStore is the durable Store implementation. Threads and attachments
// are rows of JSON metadata; items are append-ordered rows keyed by a
// monotonic sequence per thread, with the full item payload in tagged JSON.
type SQLiteStore struct {
	IDGenerator
	db *sql.DB
}

var _ Store = &SQLiteStore{}

// SQLiteDSNForFile derives a DSN with sane defaults for a database file path.
func SQLiteDSNForFile(path string) (string, error) {
	if strings.TrimSpace(path) == "" {
		return "", errors.New("sqlite store: empty path")
	}
	return fmt.Sprintf("file:%s?_journal_mode=WAL&_busy_timeout=5000&_fk=1", path), nil
}

func NewSQLiteStore(dsn string) (*SQLiteStore, error) {
	if strings.TrimSpace(dsn) == "" {
		return nil, errors.New("sqlite store: empty dsn")
	}
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, errors.Wrap(err, "sqlite store: open")
	}
	s := &SQLiteStore{IDGenerator: UUIDIDs{}, db: db}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *SQLiteStore) migrate() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS threads (
			id TEXT PRIMARY KEY,
			title TEXT NOT NULL DEFAULT '',
			created_at_ms INTEGER NOT NULL,
			status TEXT NOT NULL DEFAULT 'active',
			status_reason TEXT NOT NULL DEFAULT '',
			metadata_json TEXT NOT NULL DEFAULT '{}'
		);`,
		`CREATE TABLE IF NOT EXISTS items (
			thread_id TEXT NOT NULL,
			id TEXT NOT NULL,
			seq INTEGER NOT NULL,
			kind TEXT NOT NULL,
			created_at_ms INTEGER NOT NULL,
			payload_json TEXT NOT NULL,
			PRIMARY KEY (thread_id, id),
			FOREIGN KEY (thread_id) REFERENCES threads(id) ON DELETE CASCADE
		);`,
		`CREATE TABLE IF NOT EXISTS attachments (
			id TEXT PRIMARY KEY,
			payload_json TEXT NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS items_by_thread_seq ON items(thread_id, seq);`,
		`CREATE INDEX IF NOT EXISTS threads_by_created ON threads(created_at_ms, id);`,
	}
	for _, st := range stmts {
		if _, err := s.db.Exec(st); err != nil {
			return errors.Wrap(err, "sqlite store: migrate")
		}
	}
	return nil
}

func (s *SQLiteStore) SaveThread(ctx context.Context, th *protocol.Thread) error {
	if th == nil || th.ID == "" {
		return errors.New("sqlite store: thread id is empty")
	}
	meta, err := json.Marshal(th.Metadata)
	if err != nil {
		return errors.Wrap(err, "sqlite store: encode thread metadata")
	}
	createdAt := th.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO threads (id, title, created_at_ms, status, status_reason, metadata_json)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			title = excluded.title,
			status = excluded.status,
			status_reason = excluded.status_reason,
			metadata_json = excluded.metadata_json`,
		th.ID, th.Title, createdAt.UnixMilli(), string(th.Status.State), th.Status.Reason, string(meta))
	return errors.Wrap(err, "sqlite store: save thread")
}

func (s *SQLiteStore) LoadThread(ctx context.Context, threadID string) (*protocol.Thread, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, title, created_at_ms, status, status_reason, metadata_json
		FROM threads WHERE id = ?`, threadID)
	return scanThread(row)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanThread(row rowScanner) (*protocol.Thread, error) {
	var (
		th        protocol.Thread
		createdMs int64
		state     string
		metaJSON  string
	)
	err := row.Scan(&th.ID, &th.Title, &createdMs, &state, &th.Status.Reason, &metaJSON)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errors.Wrap(ErrNotFound, "thread")
	}
	if err != nil {
		return nil, errors.Wrap(err, "sqlite store: scan thread")
	}
	th.CreatedAt = time.UnixMilli(createdMs).UTC()
	th.Status.State = protocol.ThreadState(state)
	if metaJSON != "" && metaJSON != "{}" {
		if err := json.Unmarshal([]byte(metaJSON), &th.Metadata); err != nil {
			return nil, errors.Wrap(err, "sqlite store: decode thread metadata")
		}
	}
	return &th, nil
}

func (s *SQLiteStore) DeleteThread(ctx context.Context, threadID string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM threads WHERE id = ?`, threadID)
	if err != nil {
		return errors.Wrap(err, "sqlite store: delete thread")
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return errors.Wrapf(ErrNotFound, "thread %s", threadID)
	}
	_, err = s.db.ExecContext(ctx, `DELETE FROM items WHERE thread_id = ?`, threadID)
	return errors.Wrap(err, "sqlite store: delete thread items")
}

func (s *SQLiteStore) ListThreads(ctx context.Context, after string, limit int, order Order) (ThreadPage, error) {
	limit = clampLimit(limit)
	order = normalizeOrder(order)

	q := `SELECT id, title, created_at_ms, status, status_reason, metadata_json FROM threads`
	args := []any{}
	if after != "" {
		cmp := ">"
		if order == OrderDesc {
			cmp = "<"
		}
		q += fmt.Sprintf(` WHERE (created_at_ms, id) %s (SELECT created_at_ms, id FROM threads WHERE id = ?)`, cmp)
		args = append(args, after)
	}
	dir := "ASC"
	if order == OrderDesc {
		dir = "DESC"
	}
	q += fmt.Sprintf(` ORDER BY created_at_ms %s, id %s LIMIT ?`, dir, dir)
	args = append(args, limit+1)

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return ThreadPage{}, errors.Wrap(err, "sqlite store: list threads")
	}
	defer func() { _ = rows.Close() }()

	page := ThreadPage{}
	for rows.Next() {
		th, err := scanThread(rows)
		if err != nil {
			return ThreadPage{}, err
		}
		page.Threads = append(page.Threads, th)
	}
	if err := rows.Err(); err != nil {
		return ThreadPage{}, errors.Wrap(err, "sqlite store: list threads")
	}
	if len(page.Threads) > limit {
		page.Threads = page.Threads[:limit]
		page.HasMore = true
	}
	if n := len(page.Threads); n > 0 {
		page.After = page.Threads[n-1].ID
	}
	return page, nil
}

func (s *SQLiteStore) AddItem(ctx context.Context, threadID string, item protocol.Item) error {
	if item == nil || item.Base().ID == "" {
		return errors.New("sqlite store: item id is empty")
	}
	payload, err := protocol.MarshalItem(item)
	if err != nil {
		return errors.Wrap(err, "sqlite store: encode item")
	}
	createdAt := item.Base().CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO items (thread_id, id, seq, kind, created_at_ms, payload_json)
		VALUES (?, ?, (SELECT COALESCE(MAX(seq), 0) + 1 FROM items WHERE thread_id = ?), ?, ?, ?)`,
		threadID, item.Base().ID, threadID, string(item.Kind()), createdAt.UnixMilli(), string(payload))
	return errors.Wrap(err, "sqlite store: add item")
}

func (s *SQLiteStore) SaveItem(ctx context.Context, threadID string, item protocol.Item) error {
	if item == nil || item.Base().ID == "" {
		return errors.New("sqlite store: item id is empty")
	}
	payload, err := protocol.MarshalItem(item)
	if err != nil {
		return errors.Wrap(err, "sqlite store: encode item")
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE items SET kind = ?, payload_json = ? WHERE thread_id = ? AND id = ?`,
		string(item.Kind()), string(payload), threadID, item.Base().ID)
	if err != nil {
		return errors.Wrap(err, "sqlite store: save item")
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return errors.Wrapf(ErrNotFound, "item %s", item.Base().ID)
	}
	return nil
}

func (s *SQLiteStore) LoadItem(ctx context.Context, threadID, itemID string) (protocol.Item, error) {
	var payload string
	err := s.db.QueryRowContext(ctx, `
		SELECT payload_json FROM items WHERE thread_id = ? AND id = ?`, threadID, itemID).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errors.Wrapf(ErrNotFound, "item %s", itemID)
	}
	if err != nil {
		return nil, errors.Wrap(err, "sqlite store: load item")
	}
	return protocol.UnmarshalItem([]byte(payload))
}

func (s *SQLiteStore) DeleteItem(ctx context.Context, threadID, itemID string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM items WHERE thread_id = ? AND id = ?`, threadID, itemID)
	if err != nil {
		return errors.Wrap(err, "sqlite store: delete item")
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return errors.Wrapf(ErrNotFound, "item %s", itemID)
	}
	return nil
}

func (s *SQLiteStore) LoadItems(ctx context.Context, threadID, after string, limit int, order Order) (ItemPage, error) {
	limit = clampLimit(limit)
	order = normalizeOrder(order)

	if _, err := s.LoadThread(ctx, threadID); err != nil {
		return ItemPage{}, err
	}

	q := `SELECT payload_json FROM items WHERE thread_id = ?`
	args := []any{threadID}
	if after != "" {
		cmp := ">"
		if order == OrderDesc {
			cmp = "<"
		}
		q += fmt.Sprintf(` AND seq %s (SELECT seq FROM items WHERE thread_id = ? AND id = ?)`, cmp)
		args = append(args, threadID, after)
	}
	dir := "ASC"
	if order == OrderDesc {
		dir = "DESC"
	}
	q += fmt.Sprintf(` ORDER BY seq %s LIMIT ?`, dir)
	args = append(args, limit+1)

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return ItemPage{}, errors.Wrap(err, "sqlite store: load items")
	}
	defer func() { _ = rows.Close() }()

	page := ItemPage{}
	for rows.Next() {
		var payload string
		if err := rows.Scan(&payload); err != nil {
			return ItemPage{}, errors.Wrap(err, "sqlite store: scan item")
		}
		item, err := protocol.UnmarshalItem([]byte(payload))
		if err != nil {
			return ItemPage{}, err
		}
		page.Items = append(page.Items, item)
	}
	if err := rows.Err(); err != nil {
		return ItemPage{}, errors.Wrap(err, "sqlite store: load items")
	}
	if len(page.Items) > limit {
		page.Items = page.Items[:limit]
		page.HasMore = true
	}
	if n := len(page.Items); n > 0 {
		page.After = page.Items[n-1].Base().ID
	}
	return page, nil
}

func (s *SQLiteStore) SaveAttachment(ctx context.Context, att protocol.Attachment) error {
	if att.ID == "" {
		return errors.New("sqlite store: attachment id is empty")
	}
	payload, err := json.Marshal(att)
	if err != nil {
		return errors.Wrap(err, "sqlite store: encode attachment")
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO attachments (id, payload_json) VALUES (?, ?)
		ON CONFLICT(id) DO UPDATE SET payload_json = excluded.payload_json`,
		att.ID, string(payload))
	return errors.Wrap(err, "sqlite store: save attachment")
}

func (s *SQLiteStore) LoadAttachment(ctx context.Context, attachmentID string) (protocol.Attachment, error) {
	var payload string
	err := s.db.QueryRowContext(ctx, `SELECT payload_json FROM attachments WHERE id = ?`, attachmentID).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return protocol.Attachment{}, errors.Wrapf(ErrNotFound, "attachment %s", attachmentID)
	}
	if err != nil {
		return protocol.Attachment{}, errors.Wrap(err, "sqlite store: load attachment")
	}
	var att protocol.Attachment
	if err := json.Unmarshal([]byte(payload), &att); err != nil {
		return protocol.Attachment{}, errors.Wrap(err, "sqlite store: decode attachment")
	}
	return att, nil
}

func (s *SQLiteStore) DeleteAttachment(ctx context.Context, attachmentID string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM attachments WHERE id = ?`, attachmentID)
	if err != nil {
		return errors.Wrap(err, "sqlite store: delete attachment")
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return errors.Wrapf(ErrNotFound, "attachment %s", attachmentID)
	}
	return nil
}
