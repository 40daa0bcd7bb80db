package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/blufio/blufio/internal/errs"
	"github.com/blufio/blufio/internal/storage/migrations"
	"github.com/blufio/blufio/pkg/models"
	"github.com/golang-migrate/migrate/v4/source"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "modernc.org/sqlite" // pure-Go SQLite driver
)

// writeReq is one unit of serialized work handed to the single writer
// goroutine. Readers never go through this channel.
type writeReq struct {
	fn   func(*sql.Tx) error
	done chan error
}

// SQLiteStore is the production Store backed by a single WAL-journaled
// SQLite file. All mutations pass through one dedicated writer goroutine;
// reads use the shared connection pool directly, which is safe under WAL
// because readers never block on (or are blocked by) the writer.
type SQLiteStore struct {
	db     *sql.DB
	path   string
	writes chan writeReq
	done   chan struct{}
	logger *slog.Logger
}

// Open opens (creating if necessary) the database at path, applies
// forward-only migrations, and starts the writer goroutine.
func Open(ctx context.Context, path string, logger *slog.Logger) (*SQLiteStore, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, errs.New(errs.KindStorage, err, "create database directory")
		}
	}

	dsn := path
	if path != ":memory:" {
		dsn = fmt.Sprintf("%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(on)", path)
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, errs.New(errs.KindStorage, err, "open database %s", path)
	}
	// Every write goes through one goroutine; a single connection avoids
	// SQLITE_BUSY from concurrent writers fighting the OS-level lock.
	db.SetMaxOpenConns(1)

	if err := applyMigrations(db); err != nil {
		db.Close()
		return nil, err
	}

	s := &SQLiteStore{
		db:     db,
		path:   path,
		writes: make(chan writeReq, 256),
		done:   make(chan struct{}),
		logger: logger,
	}
	go s.runWriter()
	return s, nil
}

// applyMigrations walks the embedded migration set with golang-migrate's
// iofs source driver and applies any version newer than schema_migrations
// records, in order, each inside its own transaction. golang-migrate's own
// database/sqlite3 driver pulls in mattn/go-sqlite3 (cgo) purely to satisfy
// its Open(dsn) constructor; since modernc.org/sqlite is the pure-Go driver
// already holding the connection, driving the iofs source directly against
// it avoids linking a second, cgo-based sqlite driver for no benefit.
func applyMigrations(db *sql.DB) error {
	src, err := iofs.New(migrations.FS, ".")
	if err != nil {
		return errs.New(errs.KindStorage, err, "load embedded migrations")
	}
	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS schema_migrations (version INTEGER NOT NULL PRIMARY KEY)
	`); err != nil {
		return errs.New(errs.KindStorage, err, "init schema_migrations")
	}

	applied := make(map[uint]bool)
	rows, err := db.Query(`SELECT version FROM schema_migrations`)
	if err != nil {
		return errs.New(errs.KindStorage, err, "read schema_migrations")
	}
	for rows.Next() {
		var v uint
		if err := rows.Scan(&v); err != nil {
			rows.Close()
			return errs.New(errs.KindStorage, err, "scan schema_migrations")
		}
		applied[v] = true
	}
	rows.Close()

	version, err := src.First()
	for ; err == nil; version, err = src.Next(version) {
		if applied[version] {
			continue
		}
		if aerr := applyOneMigration(db, src, version); aerr != nil {
			return aerr
		}
	}
	if err != nil && err != io.EOF {
		return errs.New(errs.KindStorage, err, "walk embedded migrations")
	}
	return nil
}

func applyOneMigration(db *sql.DB, src source.Driver, version uint) error {
	rc, _, err := src.ReadUp(version)
	if err != nil {
		return errs.New(errs.KindStorage, err, "read migration %d", version)
	}
	defer rc.Close()
	body, err := io.ReadAll(rc)
	if err != nil {
		return errs.New(errs.KindStorage, err, "read migration %d body", version)
	}
	tx, err := db.Begin()
	if err != nil {
		return errs.New(errs.KindStorage, err, "begin migration %d", version)
	}
	if _, err := tx.Exec(string(body)); err != nil {
		_ = tx.Rollback()
		return errs.New(errs.KindStorage, err, "apply migration %d", version)
	}
	if _, err := tx.Exec(`INSERT INTO schema_migrations (version) VALUES (?)`, version); err != nil {
		_ = tx.Rollback()
		return errs.New(errs.KindStorage, err, "record migration %d", version)
	}
	if err := tx.Commit(); err != nil {
		return errs.New(errs.KindStorage, err, "commit migration %d", version)
	}
	return nil
}

// runWriter drains writes sequentially, each in its own transaction.
func (s *SQLiteStore) runWriter() {
	for {
		select {
		case req := <-s.writes:
			req.done <- s.runTx(req.fn)
		case <-s.done:
			return
		}
	}
}

func (s *SQLiteStore) runTx(fn func(*sql.Tx) error) error {
	tx, err := s.db.Begin()
	if err != nil {
		return errs.New(errs.KindStorage, err, "begin transaction")
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return errs.New(errs.KindStorage, err, "commit transaction")
	}
	return nil
}

// write enqueues fn on the single writer goroutine and blocks for its result.
func (s *SQLiteStore) write(ctx context.Context, fn func(*sql.Tx) error) error {
	req := writeReq{fn: fn, done: make(chan error, 1)}
	select {
	case s.writes <- req:
	case <-ctx.Done():
		return errs.New(errs.KindCancelled, ctx.Err(), "enqueue write")
	case <-s.done:
		return errs.New(errs.KindStorage, nil, "store closed")
	}
	select {
	case err := <-req.done:
		return err
	case <-ctx.Done():
		return errs.New(errs.KindCancelled, ctx.Err(), "await write")
	}
}

// Close stops the writer goroutine and closes the underlying database.
func (s *SQLiteStore) Close() error {
	close(s.done)
	return s.db.Close()
}

// ---- Sessions ----

func (s *SQLiteStore) UpsertSession(ctx context.Context, sess *models.Session) error {
	return s.write(ctx, func(tx *sql.Tx) error {
		metaJSON, err := json.Marshal(sess.Metadata)
		if err != nil {
			return errs.New(errs.KindInternal, err, "marshal session metadata")
		}
		var routingJSON []byte
		if sess.LastRouting != nil {
			routingJSON, err = json.Marshal(sess.LastRouting)
			if err != nil {
				return errs.New(errs.KindInternal, err, "marshal routing decision")
			}
		}
		now := time.Now()
		if sess.CreatedAt.IsZero() {
			sess.CreatedAt = now
		}
		sess.UpdatedAt = now
		_, err = tx.ExecContext(ctx, `
			INSERT INTO sessions (id, channel, sender_id, state, last_routing, metadata, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(channel, sender_id) DO UPDATE SET
				state = excluded.state,
				last_routing = excluded.last_routing,
				metadata = excluded.metadata,
				updated_at = excluded.updated_at
		`, sess.ID, sess.Channel, sess.SenderID, string(sess.State), string(routingJSON), string(metaJSON), sess.CreatedAt, sess.UpdatedAt)
		if err != nil {
			return errs.New(errs.KindStorage, err, "upsert session")
		}
		return nil
	})
}

func (s *SQLiteStore) GetSession(ctx context.Context, channel, senderID string) (*models.Session, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, channel, sender_id, state, last_routing, metadata, created_at, updated_at
		FROM sessions WHERE channel = ? AND sender_id = ?
	`, channel, senderID)
	sess, err := scanSession(row)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, errs.New(errs.KindStorage, errs.ErrNotFound, "session %s:%s", channel, senderID)
		}
		return nil, errs.New(errs.KindStorage, err, "get session")
	}
	return sess, nil
}

func (s *SQLiteStore) ListSessions(ctx context.Context, state models.SessionState) ([]*models.Session, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, channel, sender_id, state, last_routing, metadata, created_at, updated_at
		FROM sessions WHERE state = ? ORDER BY updated_at DESC
	`, string(state))
	if err != nil {
		return nil, errs.New(errs.KindStorage, err, "list sessions")
	}
	defer rows.Close()
	var out []*models.Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, errs.New(errs.KindStorage, err, "scan session")
		}
		out = append(out, sess)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) MarkStaleSessions(ctx context.Context) (int, error) {
	var n int
	err := s.write(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			UPDATE sessions SET state = ?, updated_at = ?
			WHERE state NOT IN (?, ?)
		`, string(models.SessionStale), time.Now(), string(models.SessionClosed), string(models.SessionStale))
		if err != nil {
			return errs.New(errs.KindStorage, err, "mark stale sessions")
		}
		affected, _ := res.RowsAffected()
		n = int(affected)
		return nil
	})
	return n, err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSession(row rowScanner) (*models.Session, error) {
	var sess models.Session
	var state, routingJSON, metaJSON sql.NullString
	if err := row.Scan(&sess.ID, &sess.Channel, &sess.SenderID, &state, &routingJSON, &metaJSON, &sess.CreatedAt, &sess.UpdatedAt); err != nil {
		return nil, err
	}
	sess.State = models.SessionState(state.String)
	if routingJSON.Valid && routingJSON.String != "" {
		var rd models.RoutingDecision
		if err := json.Unmarshal([]byte(routingJSON.String), &rd); err == nil {
			sess.LastRouting = &rd
		}
	}
	if metaJSON.Valid && metaJSON.String != "" {
		_ = json.Unmarshal([]byte(metaJSON.String), &sess.Metadata)
	}
	return &sess, nil
}

// ---- Messages ----

func (s *SQLiteStore) InsertMessage(ctx context.Context, m *models.Message) error {
	return s.write(ctx, func(tx *sql.Tx) error {
		contentJSON, err := json.Marshal(m.Content)
		if err != nil {
			return errs.New(errs.KindInternal, err, "marshal message content")
		}
		if m.CreatedAt.IsZero() {
			m.CreatedAt = time.Now()
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO messages (id, session_id, role, content, token_count, created_at)
			VALUES (?, ?, ?, ?, ?, ?)
		`, m.ID, m.SessionID, string(m.Role), string(contentJSON), m.TokenCount, m.CreatedAt)
		if err != nil {
			return errs.New(errs.KindStorage, err, "insert message")
		}
		return nil
	})
}

func (s *SQLiteStore) ListMessages(ctx context.Context, sessionID string, limit int, order Ordering) ([]*models.Message, error) {
	dir := "ASC"
	if order == NewestFirst {
		dir = "DESC"
	}
	if limit <= 0 {
		limit = 1000
	}
	rows, err := s.db.QueryContext(ctx, fmt.Sprintf(`
		SELECT id, session_id, role, content, token_count, created_at
		FROM messages WHERE session_id = ? ORDER BY created_at %s LIMIT ?
	`, dir), sessionID, limit)
	if err != nil {
		return nil, errs.New(errs.KindStorage, err, "list messages")
	}
	defer rows.Close()
	var out []*models.Message
	for rows.Next() {
		var m models.Message
		var role, contentJSON string
		var tokenCount sql.NullInt64
		if err := rows.Scan(&m.ID, &m.SessionID, &role, &contentJSON, &tokenCount, &m.CreatedAt); err != nil {
			return nil, errs.New(errs.KindStorage, err, "scan message")
		}
		m.Role = models.Role(role)
		if tokenCount.Valid {
			v := int(tokenCount.Int64)
			m.TokenCount = &v
		}
		if err := json.Unmarshal([]byte(contentJSON), &m.Content); err != nil {
			return nil, errs.New(errs.KindInternal, err, "unmarshal message content")
		}
		out = append(out, &m)
	}
	return out, rows.Err()
}

// ---- Queue ----

func (s *SQLiteStore) Enqueue(ctx context.Context, e *models.QueueEntry) error {
	return s.write(ctx, func(tx *sql.Tx) error {
		now := time.Now()
		if e.CreatedAt.IsZero() {
			e.CreatedAt = now
		}
		e.UpdatedAt = now
		if e.Status == "" {
			e.Status = models.QueuePending
		}
		if e.MaxAttempts == 0 {
			e.MaxAttempts = 5
		}
		_, err := tx.ExecContext(ctx, `
			INSERT INTO queue_entries (id, queue, payload, status, attempts, max_attempts, lock_deadline, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		`, e.ID, e.Queue, e.Payload, string(e.Status), e.Attempts, e.MaxAttempts, nullTime(e.LockDeadline), e.CreatedAt, e.UpdatedAt)
		if err != nil {
			return errs.New(errs.KindStorage, err, "enqueue")
		}
		return nil
	})
}

func (s *SQLiteStore) Claim(ctx context.Context, queue string, n int, lockFor time.Duration) ([]*models.QueueEntry, error) {
	var claimed []*models.QueueEntry
	err := s.write(ctx, func(tx *sql.Tx) error {
		rows, err := tx.QueryContext(ctx, `
			SELECT id FROM queue_entries
			WHERE queue = ? AND status = ?
			ORDER BY created_at ASC LIMIT ?
		`, queue, string(models.QueuePending), n)
		if err != nil {
			return errs.New(errs.KindStorage, err, "select claimable")
		}
		var ids []string
		for rows.Next() {
			var id string
			if err := rows.Scan(&id); err != nil {
				rows.Close()
				return errs.New(errs.KindStorage, err, "scan claimable id")
			}
			ids = append(ids, id)
		}
		rows.Close()

		deadline := time.Now().Add(lockFor)
		for _, id := range ids {
			if _, err := tx.ExecContext(ctx, `
				UPDATE queue_entries SET status = ?, lock_deadline = ?, updated_at = ? WHERE id = ?
			`, string(models.QueueProcessing), deadline, time.Now(), id); err != nil {
				return errs.New(errs.KindStorage, err, "claim entry")
			}
			row := tx.QueryRowContext(ctx, `
				SELECT id, queue, payload, status, attempts, max_attempts, lock_deadline, created_at, updated_at
				FROM queue_entries WHERE id = ?
			`, id)
			e, err := scanQueueEntry(row)
			if err != nil {
				return errs.New(errs.KindStorage, err, "reload claimed entry")
			}
			claimed = append(claimed, e)
		}
		return nil
	})
	return claimed, err
}

func (s *SQLiteStore) Ack(ctx context.Context, id string) error {
	return s.write(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			UPDATE queue_entries SET status = ?, updated_at = ? WHERE id = ?
		`, string(models.QueueCompleted), time.Now(), id)
		if err != nil {
			return errs.New(errs.KindStorage, err, "ack queue entry")
		}
		return nil
	})
}

func (s *SQLiteStore) Fail(ctx context.Context, id string, reason string) error {
	return s.write(ctx, func(tx *sql.Tx) error {
		var attempts, maxAttempts int
		if err := tx.QueryRowContext(ctx, `SELECT attempts, max_attempts FROM queue_entries WHERE id = ?`, id).Scan(&attempts, &maxAttempts); err != nil {
			return errs.New(errs.KindStorage, err, "read attempts")
		}
		attempts++
		status := models.QueuePending
		if attempts >= maxAttempts {
			status = models.QueueFailed
		}
		_, err := tx.ExecContext(ctx, `
			UPDATE queue_entries SET status = ?, attempts = ?, updated_at = ? WHERE id = ?
		`, string(status), attempts, time.Now(), id)
		if err != nil {
			return errs.New(errs.KindStorage, err, "fail queue entry")
		}
		return nil
	})
}

func (s *SQLiteStore) ReleaseExpiredLocks(ctx context.Context) (int, error) {
	var n int
	err := s.write(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			UPDATE queue_entries SET status = ?, lock_deadline = NULL, updated_at = ?
			WHERE status = ? AND lock_deadline IS NOT NULL AND lock_deadline < ?
		`, string(models.QueuePending), time.Now(), string(models.QueueProcessing), time.Now())
		if err != nil {
			return errs.New(errs.KindStorage, err, "release expired locks")
		}
		affected, _ := res.RowsAffected()
		n = int(affected)
		return nil
	})
	return n, err
}

func scanQueueEntry(row rowScanner) (*models.QueueEntry, error) {
	var e models.QueueEntry
	var status string
	var lockDeadline sql.NullTime
	if err := row.Scan(&e.ID, &e.Queue, &e.Payload, &status, &e.Attempts, &e.MaxAttempts, &lockDeadline, &e.CreatedAt, &e.UpdatedAt); err != nil {
		return nil, err
	}
	e.Status = models.QueueStatus(status)
	if lockDeadline.Valid {
		t := lockDeadline.Time
		e.LockDeadline = &t
	}
	return &e, nil
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return *t
}

// ---- Memories ----

func (s *SQLiteStore) InsertMemory(ctx context.Context, m *models.Memory) error {
	return s.write(ctx, func(tx *sql.Tx) error {
		now := time.Now()
		if m.CreatedAt.IsZero() {
			m.CreatedAt = now
		}
		m.UpdatedAt = now
		if m.Status == "" {
			m.Status = models.MemoryActive
		}
		_, err := tx.ExecContext(ctx, `
			INSERT INTO memories (id, content, embedding, source, confidence, status, superseded_by, origin_session_id, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		`, m.ID, m.Content, encodeEmbedding(m.Embedding), string(m.Source), m.Confidence, string(m.Status),
			nullStr(m.SupersededByID), m.OriginSessionID, m.CreatedAt, m.UpdatedAt)
		if err != nil {
			return errs.New(errs.KindMemory, err, "insert memory")
		}
		return nil
	})
}

func (s *SQLiteStore) GetMemory(ctx context.Context, id string) (*models.Memory, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, content, embedding, source, confidence, status, superseded_by, origin_session_id, created_at, updated_at
		FROM memories WHERE id = ?
	`, id)
	m, err := scanMemory(row)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, errs.New(errs.KindMemory, errs.ErrNotFound, "memory %s", id)
		}
		return nil, errs.New(errs.KindMemory, err, "get memory")
	}
	return m, nil
}

// SearchVector ranks all active memories by cosine similarity to queryVec
// and returns the top K. Vectors are assumed L2-normalized, so cosine
// reduces to a dot product.
func (s *SQLiteStore) SearchVector(ctx context.Context, queryVec []float32, topK int) ([]models.ScoredMemory, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, content, embedding, source, confidence, status, superseded_by, origin_session_id, created_at, updated_at
		FROM memories WHERE status = ?
	`, string(models.MemoryActive))
	if err != nil {
		return nil, errs.New(errs.KindMemory, err, "search vector")
	}
	defer rows.Close()

	var scored []models.ScoredMemory
	for rows.Next() {
		m, err := scanMemory(rows)
		if err != nil {
			return nil, errs.New(errs.KindMemory, err, "scan memory")
		}
		score := dot(queryVec, m.Embedding)
		scored = append(scored, models.ScoredMemory{Memory: m, Score: float64(score)})
	}
	sort.Slice(scored, func(i, j int) bool { return scored[i].Score > scored[j].Score })
	if topK > 0 && len(scored) > topK {
		scored = scored[:topK]
	}
	return scored, rows.Err()
}

// SearchKeyword ranks active memories by the FTS5 BM25 function over the
// keyword index kept in sync by the memories_ai/ad/au triggers.
func (s *SQLiteStore) SearchKeyword(ctx context.Context, queryText string, topK int) ([]models.ScoredMemory, error) {
	if queryText == "" {
		return nil, nil
	}
	if topK <= 0 {
		topK = 10
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT m.id, m.content, m.embedding, m.source, m.confidence, m.status, m.superseded_by, m.origin_session_id, m.created_at, m.updated_at,
		       bm25(memories_fts) AS rank
		FROM memories_fts
		JOIN memories m ON m.rowid = memories_fts.rowid
		WHERE memories_fts MATCH ? AND m.status = ?
		ORDER BY rank LIMIT ?
	`, ftsQuery(queryText), string(models.MemoryActive), topK)
	if err != nil {
		return nil, errs.New(errs.KindMemory, err, "search keyword")
	}
	defer rows.Close()

	var scored []models.ScoredMemory
	for rows.Next() {
		var m models.Memory
		var source, status string
		var supersededBy, origin sql.NullString
		var embedding []byte
		var rank float64
		if err := rows.Scan(&m.ID, &m.Content, &embedding, &source, &m.Confidence, &status, &supersededBy, &origin, &m.CreatedAt, &m.UpdatedAt, &rank); err != nil {
			return nil, errs.New(errs.KindMemory, err, "scan keyword result")
		}
		m.Source = models.MemorySource(source)
		m.Status = models.MemoryStatus(status)
		m.SupersededByID = supersededBy.String
		m.OriginSessionID = origin.String
		m.Embedding = decodeEmbedding(embedding)
		// bm25() returns lower-is-better; invert to a positive, larger-is-better score.
		scored = append(scored, models.ScoredMemory{Memory: &m, Score: -rank})
	}
	return scored, rows.Err()
}

// ftsQuery quotes the raw query as a single FTS5 phrase so punctuation in
// user text (which FTS5's default tokenizer would otherwise choke on as
// query syntax) is treated literally.
func ftsQuery(q string) string {
	escaped := ""
	for _, r := range q {
		if r == '"' {
			escaped += `""`
		} else {
			escaped += string(r)
		}
	}
	return `"` + escaped + `"`
}

func (s *SQLiteStore) SoftDeleteMemory(ctx context.Context, id string) error {
	return s.write(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			UPDATE memories SET status = ?, updated_at = ? WHERE id = ?
		`, string(models.MemoryForgotten), time.Now(), id)
		if err != nil {
			return errs.New(errs.KindMemory, err, "soft delete memory")
		}
		return nil
	})
}

func (s *SQLiteStore) SupersedeMemory(ctx context.Context, oldID, newID string) error {
	return s.write(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			UPDATE memories SET status = ?, superseded_by = ?, updated_at = ? WHERE id = ?
		`, string(models.MemorySuperseded), newID, time.Now(), oldID)
		if err != nil {
			return errs.New(errs.KindMemory, err, "supersede memory")
		}
		return nil
	})
}

func scanMemory(row rowScanner) (*models.Memory, error) {
	var m models.Memory
	var source, status string
	var supersededBy, origin sql.NullString
	var embedding []byte
	if err := row.Scan(&m.ID, &m.Content, &embedding, &source, &m.Confidence, &status, &supersededBy, &origin, &m.CreatedAt, &m.UpdatedAt); err != nil {
		return nil, err
	}
	m.Source = models.MemorySource(source)
	m.Status = models.MemoryStatus(status)
	m.SupersededByID = supersededBy.String
	m.OriginSessionID = origin.String
	m.Embedding = decodeEmbedding(embedding)
	return &m, nil
}

func encodeEmbedding(v []float32) []byte {
	if len(v) == 0 {
		return nil
	}
	buf := make([]byte, len(v)*4)
	for i, f := range v {
		bits := math.Float32bits(f)
		buf[i*4] = byte(bits)
		buf[i*4+1] = byte(bits >> 8)
		buf[i*4+2] = byte(bits >> 16)
		buf[i*4+3] = byte(bits >> 24)
	}
	return buf
}

func decodeEmbedding(data []byte) []float32 {
	if len(data) == 0 || len(data)%4 != 0 {
		return nil
	}
	out := make([]float32, len(data)/4)
	for i := range out {
		bits := uint32(data[i*4]) | uint32(data[i*4+1])<<8 | uint32(data[i*4+2])<<16 | uint32(data[i*4+3])<<24
		out[i] = math.Float32frombits(bits)
	}
	return out
}

func dot(a, b []float32) float32 {
	if len(a) != len(b) {
		return 0
	}
	var sum float32
	for i := range a {
		sum += a[i] * b[i]
	}
	return sum
}

func nullStr(v string) any {
	if v == "" {
		return nil
	}
	return v
}

// ---- Cost ledger ----

func (s *SQLiteStore) InsertCostRecord(ctx context.Context, r *models.CostRecord) error {
	return s.write(ctx, func(tx *sql.Tx) error {
		if r.CreatedAt.IsZero() {
			r.CreatedAt = time.Now()
		}
		_, err := tx.ExecContext(ctx, `
			INSERT INTO cost_ledger (id, session_id, model, feature_type, input_tokens, output_tokens, cache_read_tokens, cache_creation_tokens, cost_usd, intended_model, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		`, r.ID, r.SessionID, r.Model, string(r.FeatureType), r.InputTokens, r.OutputTokens, r.CacheReadTokens, r.CacheCreationTokens, r.CostUSD, r.IntendedModel, r.CreatedAt)
		if err != nil {
			return errs.New(errs.KindStorage, err, "insert cost record")
		}
		return nil
	})
}

func (s *SQLiteStore) SumRange(ctx context.Context, window TimeWindow) (float64, error) {
	var sum sql.NullFloat64
	err := s.db.QueryRowContext(ctx, `
		SELECT SUM(cost_usd) FROM cost_ledger WHERE created_at >= ? AND created_at < ?
	`, window.From, window.To).Scan(&sum)
	if err != nil {
		return 0, errs.New(errs.KindStorage, err, "sum cost range")
	}
	return sum.Float64, nil
}

func (s *SQLiteStore) SumBySession(ctx context.Context, sessionID string) (float64, error) {
	var sum sql.NullFloat64
	err := s.db.QueryRowContext(ctx, `SELECT SUM(cost_usd) FROM cost_ledger WHERE session_id = ?`, sessionID).Scan(&sum)
	if err != nil {
		return 0, errs.New(errs.KindStorage, err, "sum cost by session")
	}
	return sum.Float64, nil
}

func (s *SQLiteStore) SumByFeature(ctx context.Context, feature models.FeatureType, window TimeWindow) (float64, error) {
	var sum sql.NullFloat64
	err := s.db.QueryRowContext(ctx, `
		SELECT SUM(cost_usd) FROM cost_ledger WHERE feature_type = ? AND created_at >= ? AND created_at < ?
	`, string(feature), window.From, window.To).Scan(&sum)
	if err != nil {
		return 0, errs.New(errs.KindStorage, err, "sum cost by feature")
	}
	return sum.Float64, nil
}

// ---- Skills ----

func (s *SQLiteStore) InstallSkill(ctx context.Context, m *models.SkillManifest) error {
	return s.write(ctx, func(tx *sql.Tx) error {
		capJSON, err := json.Marshal(m.Capabilities)
		if err != nil {
			return errs.New(errs.KindInternal, err, "marshal capabilities")
		}
		resJSON, err := json.Marshal(m.Resources)
		if err != nil {
			return errs.New(errs.KindInternal, err, "marshal resource limits")
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO skills (name, version, description, author, capabilities, resources, entry_path, installed_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(name) DO UPDATE SET
				version = excluded.version, description = excluded.description, author = excluded.author,
				capabilities = excluded.capabilities, resources = excluded.resources, entry_path = excluded.entry_path
		`, m.Name, m.Version, m.Description, m.Author, string(capJSON), string(resJSON), m.EntryPath, time.Now())
		if err != nil {
			return errs.New(errs.KindSkill, err, "install skill")
		}
		return nil
	})
}

func (s *SQLiteStore) RemoveSkill(ctx context.Context, name string) error {
	return s.write(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `DELETE FROM skills WHERE name = ?`, name)
		if err != nil {
			return errs.New(errs.KindSkill, err, "remove skill")
		}
		return nil
	})
}

func (s *SQLiteStore) ListSkills(ctx context.Context) ([]*models.SkillManifest, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT name, version, description, author, capabilities, resources, entry_path FROM skills
	`)
	if err != nil {
		return nil, errs.New(errs.KindSkill, err, "list skills")
	}
	defer rows.Close()
	var out []*models.SkillManifest
	for rows.Next() {
		m, err := scanSkill(rows)
		if err != nil {
			return nil, errs.New(errs.KindSkill, err, "scan skill")
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) GetSkill(ctx context.Context, name string) (*models.SkillManifest, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT name, version, description, author, capabilities, resources, entry_path FROM skills WHERE name = ?
	`, name)
	m, err := scanSkill(row)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, errs.New(errs.KindSkill, errs.ErrNotFound, "skill %s", name)
		}
		return nil, errs.New(errs.KindSkill, err, "get skill")
	}
	return m, nil
}

func scanSkill(row rowScanner) (*models.SkillManifest, error) {
	var m models.SkillManifest
	var capJSON, resJSON string
	if err := row.Scan(&m.Name, &m.Version, &m.Description, &m.Author, &capJSON, &resJSON, &m.EntryPath); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(capJSON), &m.Capabilities); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(resJSON), &m.Resources); err != nil {
		return nil, err
	}
	return &m, nil
}

// ---- Vault ----

func (s *SQLiteStore) PutVaultEntry(ctx context.Context, e *models.VaultEntry) error {
	return s.write(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO vault_entries (name, ciphertext, nonce) VALUES (?, ?, ?)
			ON CONFLICT(name) DO UPDATE SET ciphertext = excluded.ciphertext, nonce = excluded.nonce
		`, e.Name, e.Ciphertext, e.Nonce)
		if err != nil {
			return errs.New(errs.KindSecurity, err, "put vault entry")
		}
		return nil
	})
}

func (s *SQLiteStore) GetVaultEntry(ctx context.Context, name string) (*models.VaultEntry, error) {
	var e models.VaultEntry
	e.Name = name
	err := s.db.QueryRowContext(ctx, `SELECT ciphertext, nonce FROM vault_entries WHERE name = ?`, name).Scan(&e.Ciphertext, &e.Nonce)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, errs.New(errs.KindSecurity, errs.ErrNotFound, "vault entry %s", name)
		}
		return nil, errs.New(errs.KindSecurity, err, "get vault entry")
	}
	return &e, nil
}

// Backup copies the database file to dstPath using SQLite's VACUUM INTO,
// the pure-Go equivalent of the native page-stepping online-backup API in a
// single-process embedded deployment. A pre-restore snapshot should be
// taken the same way before calling Restore.
func (s *SQLiteStore) Backup(ctx context.Context, dstPath string) error {
	_, err := s.db.ExecContext(ctx, `VACUUM INTO ?`, dstPath)
	if err != nil {
		return errs.New(errs.KindStorage, err, "backup database")
	}
	return nil
}

// Restore overwrites the live database file with srcPath's contents after
// taking an atomic pre-restore snapshot alongside it. Callers must Close
// the store, call Restore, then Open a fresh store.
func Restore(srcPath, dstPath string) error {
	snapshot := dstPath + ".pre-restore"
	if err := copyFile(dstPath, snapshot); err != nil {
		return errs.New(errs.KindStorage, err, "snapshot before restore")
	}
	tmp := dstPath + ".restoring"
	if err := copyFile(srcPath, tmp); err != nil {
		return errs.New(errs.KindStorage, err, "stage restore")
	}
	if err := os.Rename(tmp, dstPath); err != nil {
		return errs.New(errs.KindStorage, err, "finalize restore")
	}
	return nil
}

func copyFile(src, dst string) error {
	data, err := os.ReadFile(src)
	if err != nil {
		return err
	}
	return os.WriteFile(dst, data, 0o600)
}
