package memory

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	_ "modernc.org/sqlite"
)

const timeLayout = "2006-01-02 15:04:05"

type Engine struct {
	db *sql.DB
	mu sync.Mutex
}

func NewEngine(dbPath string) (*Engine, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("create db dir: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	e := &Engine{db: db}
	if err := e.configure(); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := e.initSchema(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return e, nil
}

func (e *Engine) configure() error {
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=ON",
	}
	for _, p := range pragmas {
		if _, err := e.db.Exec(p); err != nil {
			return fmt.Errorf("sqlite pragma %q: %w", p, err)
		}
	}
	return nil
}

func (e *Engine) Close() error {
	if e.db == nil {
		return nil
	}
	return e.db.Close()
}

func (e *Engine) initSchema() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS memories (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			actor_id INTEGER NOT NULL DEFAULT 0,
			channel_id INTEGER NOT NULL DEFAULT 0,
			category TEXT NOT NULL DEFAULT 'fact',
			categories TEXT NOT NULL DEFAULT '',
			content TEXT NOT NULL,
			metadata TEXT NOT NULL DEFAULT '{}',
			created_at TEXT NOT NULL DEFAULT (datetime('now')),
			updated_at TEXT NOT NULL DEFAULT (datetime('now'))
		)`,
		`CREATE INDEX IF NOT EXISTS idx_memories_actor ON memories(actor_id, category)`,
		`CREATE INDEX IF NOT EXISTS idx_memories_channel ON memories(channel_id, created_at)`,
		`CREATE VIRTUAL TABLE IF NOT EXISTS memories_fts USING fts5(
			content,
			content='memories',
			content_rowid='id',
			tokenize='unicode61'
		)`,
		`CREATE TRIGGER IF NOT EXISTS memories_ai AFTER INSERT ON memories BEGIN
			INSERT INTO memories_fts(rowid, content) VALUES (new.id, new.content);
		END`,
		`CREATE TRIGGER IF NOT EXISTS memories_ad AFTER DELETE ON memories BEGIN
			INSERT INTO memories_fts(memories_fts, rowid, content) VALUES('delete', old.id, old.content);
		END`,
		`CREATE TRIGGER IF NOT EXISTS memories_au AFTER UPDATE ON memories BEGIN
			INSERT INTO memories_fts(memories_fts, rowid, content) VALUES('delete', old.id, old.content);
			INSERT INTO memories_fts(rowid, content) VALUES (new.id, new.content);
		END`,
		`CREATE TABLE IF NOT EXISTS daily_reports (
			report_date TEXT PRIMARY KEY,
			title TEXT NOT NULL,
			body TEXT NOT NULL,
			created_at TEXT NOT NULL DEFAULT (datetime('now'))
		)`,
	}

	for _, stmt := range stmts {
		if _, err := e.db.Exec(stmt); err != nil {
			return fmt.Errorf("init schema: %w", err)
		}
	}
	return nil
}

// Create inserts a memory. The first category is indexed as the primary one;
// a "channel_id" metadata entry, when present, is lifted into its own column.
func (e *Engine) Create(ctx context.Context, content string, categories []string, actorID int64, metadata map[string]any) (int64, error) {
	content = strings.TrimSpace(content)
	if content == "" {
		return 0, fmt.Errorf("create memory: empty content")
	}
	cats := normalizeCategories(categories)
	primary := "fact"
	if len(cats) > 0 {
		primary = cats[0]
	}
	meta, err := encodeMetadata(metadata)
	if err != nil {
		return 0, fmt.Errorf("create memory: %w", err)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	res, err := e.db.ExecContext(ctx, `
		INSERT INTO memories (actor_id, channel_id, category, categories, content, metadata)
		VALUES (?, ?, ?, ?, ?, ?)
	`, actorID, channelFromMetadata(metadata), primary, strings.Join(cats, ","), content, meta)
	if err != nil {
		return 0, fmt.Errorf("create memory: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("create memory id: %w", err)
	}
	return id, nil
}

// Update replaces the content of a memory and merges metadata into the
// stored map; keys in metadata win.
func (e *Engine) Update(ctx context.Context, id int64, content string, metadata map[string]any) error {
	content = strings.TrimSpace(content)
	if content == "" {
		return fmt.Errorf("update memory %d: empty content", id)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	var raw string
	err := e.db.QueryRowContext(ctx, `SELECT metadata FROM memories WHERE id = ?`, id).Scan(&raw)
	if err == sql.ErrNoRows {
		return fmt.Errorf("update memory %d: not found", id)
	}
	if err != nil {
		return fmt.Errorf("update memory %d: %w", id, err)
	}

	merged := decodeMetadata(raw)
	for k, v := range metadata {
		merged[k] = v
	}
	meta, err := encodeMetadata(merged)
	if err != nil {
		return fmt.Errorf("update memory %d: %w", id, err)
	}

	if _, err := e.db.ExecContext(ctx, `
		UPDATE memories SET content = ?, metadata = ?, updated_at = datetime('now')
		WHERE id = ?
	`, content, meta, id); err != nil {
		return fmt.Errorf("update memory %d: %w", id, err)
	}
	return nil
}

// Search runs a full-text query over one actor's memories. An actorID of 0
// searches every actor; an empty query returns the actor's newest memories.
func (e *Engine) Search(ctx context.Context, actorID int64, query string, limit int) ([]Record, error) {
	if limit <= 0 {
		limit = 10
	}

	match := matchQuery(query)
	var (
		rows *sql.Rows
		err  error
	)
	if match == "" {
		q := `
			SELECT id, actor_id, channel_id, category, categories, content, metadata, created_at, updated_at
			FROM memories`
		args := []any{}
		if actorID != 0 {
			q += ` WHERE actor_id = ?`
			args = append(args, actorID)
		}
		q += ` ORDER BY id DESC LIMIT ?`
		args = append(args, limit)
		rows, err = e.db.QueryContext(ctx, q, args...)
	} else {
		q := `
			SELECT m.id, m.actor_id, m.channel_id, m.category, m.categories, m.content, m.metadata, m.created_at, m.updated_at
			FROM memories m
			JOIN memories_fts f ON m.id = f.rowid
			WHERE memories_fts MATCH ?`
		args := []any{match}
		if actorID != 0 {
			q += ` AND m.actor_id = ?`
			args = append(args, actorID)
		}
		q += ` ORDER BY bm25(memories_fts), m.id DESC LIMIT ?`
		args = append(args, limit)
		rows, err = e.db.QueryContext(ctx, q, args...)
	}
	if err != nil {
		return nil, fmt.Errorf("search memories: %w", err)
	}
	defer rows.Close()
	return scanRecords(rows)
}

func (e *Engine) Get(ctx context.Context, id int64) (Record, error) {
	rows, err := e.db.QueryContext(ctx, `
		SELECT id, actor_id, channel_id, category, categories, content, metadata, created_at, updated_at
		FROM memories WHERE id = ?
	`, id)
	if err != nil {
		return Record{}, fmt.Errorf("get memory %d: %w", id, err)
	}
	defer rows.Close()

	recs, err := scanRecords(rows)
	if err != nil {
		return Record{}, err
	}
	if len(recs) == 0 {
		return Record{}, fmt.Errorf("get memory %d: not found", id)
	}
	return recs[0], nil
}

// SaveReport stores the report for date, replacing an earlier one.
func (e *Engine) SaveReport(ctx context.Context, date, title string, body any) error {
	data, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("marshal report: %w", err)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	_, err = e.db.ExecContext(ctx, `
		INSERT INTO daily_reports (report_date, title, body) VALUES (?, ?, ?)
		ON CONFLICT(report_date) DO UPDATE SET title = excluded.title, body = excluded.body, created_at = datetime('now')
	`, strings.TrimSpace(date), title, string(data))
	if err != nil {
		return fmt.Errorf("save report: %w", err)
	}
	return nil
}

func (e *Engine) LoadReport(ctx context.Context, date string) (Report, error) {
	var (
		r       Report
		body    string
		created string
	)
	err := e.db.QueryRowContext(ctx, `
		SELECT report_date, title, body, created_at FROM daily_reports WHERE report_date = ?
	`, date).Scan(&r.Date, &r.Title, &body, &created)
	if err == sql.ErrNoRows {
		return Report{}, fmt.Errorf("load report %s: not found", date)
	}
	if err != nil {
		return Report{}, fmt.Errorf("load report %s: %w", date, err)
	}
	r.Body = []byte(body)
	r.CreatedAt = parseTime(created)
	return r, nil
}

func (e *Engine) Stats(ctx context.Context) (Stats, error) {
	var s Stats
	row := e.db.QueryRowContext(ctx, `SELECT COUNT(*), COUNT(DISTINCT actor_id) FROM memories`)
	if err := row.Scan(&s.Memories, &s.Actors); err != nil {
		return Stats{}, fmt.Errorf("memory stats: %w", err)
	}
	row = e.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM daily_reports`)
	if err := row.Scan(&s.Reports); err != nil {
		return Stats{}, fmt.Errorf("report stats: %w", err)
	}
	return s, nil
}

func scanRecords(rows *sql.Rows) ([]Record, error) {
	result := make([]Record, 0)
	for rows.Next() {
		var (
			r       Record
			cats    string
			meta    string
			created string
			updated string
		)
		if err := rows.Scan(&r.ID, &r.ActorID, &r.ChannelID, &r.Category, &cats, &r.Content, &meta, &created, &updated); err != nil {
			return nil, fmt.Errorf("scan memory: %w", err)
		}
		if cats != "" {
			r.Categories = strings.Split(cats, ",")
		}
		r.Metadata = decodeMetadata(meta)
		r.CreatedAt = parseTime(created)
		r.UpdatedAt = parseTime(updated)
		result = append(result, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate memories: %w", err)
	}
	return result, nil
}

func normalizeCategories(categories []string) []string {
	seen := make(map[string]struct{}, len(categories))
	out := make([]string, 0, len(categories))
	for _, c := range categories {
		c = strings.ToLower(strings.TrimSpace(c))
		if c == "" || strings.Contains(c, ",") {
			continue
		}
		if _, ok := seen[c]; ok {
			continue
		}
		seen[c] = struct{}{}
		out = append(out, c)
	}
	return out
}

func encodeMetadata(metadata map[string]any) (string, error) {
	if len(metadata) == 0 {
		return "{}", nil
	}
	data, err := json.Marshal(metadata)
	if err != nil {
		return "", fmt.Errorf("encode metadata: %w", err)
	}
	return string(data), nil
}

func decodeMetadata(raw string) map[string]any {
	out := map[string]any{}
	if strings.TrimSpace(raw) == "" {
		return out
	}
	_ = json.Unmarshal([]byte(raw), &out)
	return out
}

func channelFromMetadata(metadata map[string]any) int64 {
	switch v := metadata["channel_id"].(type) {
	case int64:
		return v
	case int:
		return int64(v)
	case float64:
		return int64(v)
	}
	return 0
}

func parseTime(s string) time.Time {
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		return time.Time{}
	}
	return t
}
