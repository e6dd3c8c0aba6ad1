// Package reqlog implements the append-only Request Log Store: a
// SQLite-backed table of completed request/response records, written
// through a bounded queue by a single background writer, and purged by a
// periodic retention sweep.
package reqlog

import (
	"database/sql"
	"encoding/json"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"dlp-proxy/internal/dlperr"
	"dlp-proxy/internal/logger"
)

// DLPAction classifies what the DLP Engine did to a request's body.
type DLPAction int

const (
	ActionPassed DLPAction = iota
	ActionRedacted
	ActionBlocked
)

func (a DLPAction) String() string {
	switch a {
	case ActionRedacted:
		return "redacted"
	case ActionBlocked:
		return "blocked"
	default:
		return "passed"
	}
}

// Record is one completed request/response pair as written to the log.
type Record struct {
	ID                   int64
	Timestamp            time.Time
	Backend              string
	Model                string
	InputTokens          int64
	OutputTokens         int64
	CacheReadTokens      int64
	CacheCreationTokens  int64
	LatencyMs            int64
	DLPAction            DLPAction
	RequestHeaders       string // JSON
	RequestBody          string // JSON, redacted form
	ResponseHeaders      string // JSON
	ResponseBody         string // JSON, unredacted form as seen by the client
	ExtraMetadata        string // opaque JSON
}

// Query filters a Record listing by time range and/or backend.
type Query struct {
	Since   *time.Time
	Until   *time.Time
	Backend string
	Limit   int
	Offset  int
}

// Store is the SQLite-backed append-only request log. Writes are
// serialized through a single background goroutine draining a bounded
// channel, so a burst of concurrent requests cannot block the proxy's hot
// path on disk I/O.
type Store struct {
	db  *sql.DB
	log *logger.Logger

	writeCh chan Record
	wg      sync.WaitGroup
	closeCh chan struct{}

	retentionDays int
}

const writeQueueCapacity = 1024

// Open opens (creating if necessary) a SQLite-backed request log at path,
// migrates its schema, and starts the background writer.
func Open(path string, retentionDays int, log *logger.Logger) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, dlperr.Wrap(dlperr.KindStorage, "open request log", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close() //nolint:errcheck
		return nil, dlperr.Wrap(dlperr.KindStorage, "enable WAL mode", err)
	}

	s := &Store{
		db:            db,
		log:           log,
		writeCh:       make(chan Record, writeQueueCapacity),
		closeCh:       make(chan struct{}),
		retentionDays: retentionDays,
	}
	if err := s.migrate(); err != nil {
		db.Close() //nolint:errcheck
		return nil, err
	}

	s.wg.Add(1)
	go s.writeLoop()
	return s, nil
}

func (s *Store) migrate() error {
	const schema = `
	CREATE TABLE IF NOT EXISTS requests (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		timestamp DATETIME NOT NULL,
		backend TEXT NOT NULL,
		model TEXT,
		input_tokens INTEGER NOT NULL DEFAULT 0,
		output_tokens INTEGER NOT NULL DEFAULT 0,
		cache_read_tokens INTEGER NOT NULL DEFAULT 0,
		cache_creation_tokens INTEGER NOT NULL DEFAULT 0,
		latency_ms INTEGER NOT NULL DEFAULT 0,
		dlp_action INTEGER NOT NULL DEFAULT 0,
		request_headers TEXT,
		request_body TEXT,
		response_headers TEXT,
		response_body TEXT,
		extra_metadata TEXT
	);
	CREATE INDEX IF NOT EXISTS idx_requests_timestamp ON requests(timestamp);
	CREATE INDEX IF NOT EXISTS idx_requests_backend ON requests(backend);
	`
	if _, err := s.db.Exec(schema); err != nil {
		return dlperr.Wrap(dlperr.KindStorage, "migrate request log schema", err)
	}
	return nil
}

// Enqueue hands a completed record to the background writer. It never
// blocks the caller on disk I/O; if the queue is full the record is
// dropped and logged, trading durability for proxy latency under load.
func (s *Store) Enqueue(r Record) {
	select {
	case s.writeCh <- r:
	default:
		if s.log != nil {
			s.log.Warnf("enqueue", "request log queue full, dropping record for backend %s", r.Backend)
		}
	}
}

func (s *Store) writeLoop() {
	defer s.wg.Done()
	for {
		select {
		case r := <-s.writeCh:
			if err := s.insert(r); err != nil && s.log != nil {
				s.log.Errorf("write", "request log write failed: %v", err)
			}
		case <-s.closeCh:
			// drain whatever is left before returning.
			for {
				select {
				case r := <-s.writeCh:
					if err := s.insert(r); err != nil && s.log != nil {
						s.log.Errorf("write", "request log write failed: %v", err)
					}
				default:
					return
				}
			}
		}
	}
}

func (s *Store) insert(r Record) error {
	_, err := s.db.Exec(`
		INSERT INTO requests
		(timestamp, backend, model, input_tokens, output_tokens, cache_read_tokens, cache_creation_tokens,
		 latency_ms, dlp_action, request_headers, request_body, response_headers, response_body, extra_metadata)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.Timestamp, r.Backend, r.Model, r.InputTokens, r.OutputTokens, r.CacheReadTokens, r.CacheCreationTokens,
		r.LatencyMs, int(r.DLPAction), r.RequestHeaders, r.RequestBody, r.ResponseHeaders, r.ResponseBody, r.ExtraMetadata,
	)
	if err != nil {
		return dlperr.Wrap(dlperr.KindStorage, "insert request log record", err)
	}
	return nil
}

// Query returns records matching q, most recent first.
func (s *Store) Query(q Query) ([]Record, error) {
	query := `
		SELECT id, timestamp, backend, model, input_tokens, output_tokens, cache_read_tokens, cache_creation_tokens,
		       latency_ms, dlp_action, request_headers, request_body, response_headers, response_body, extra_metadata
		FROM requests WHERE 1=1`
	var args []any
	if q.Since != nil {
		query += " AND timestamp >= ?"
		args = append(args, *q.Since)
	}
	if q.Until != nil {
		query += " AND timestamp <= ?"
		args = append(args, *q.Until)
	}
	if q.Backend != "" {
		query += " AND backend = ?"
		args = append(args, q.Backend)
	}
	query += " ORDER BY timestamp DESC"
	if q.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, q.Limit)
	}
	if q.Offset > 0 {
		query += " OFFSET ?"
		args = append(args, q.Offset)
	}

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, dlperr.Wrap(dlperr.KindStorage, "query request log", err)
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		var r Record
		var action int
		var model, reqHeaders, reqBody, respHeaders, respBody, extra sql.NullString
		if err := rows.Scan(&r.ID, &r.Timestamp, &r.Backend, &model, &r.InputTokens, &r.OutputTokens,
			&r.CacheReadTokens, &r.CacheCreationTokens, &r.LatencyMs, &action,
			&reqHeaders, &reqBody, &respHeaders, &respBody, &extra); err != nil {
			return nil, dlperr.Wrap(dlperr.KindStorage, "scan request log row", err)
		}
		r.Model = model.String
		r.DLPAction = DLPAction(action)
		r.RequestHeaders = reqHeaders.String
		r.RequestBody = reqBody.String
		r.ResponseHeaders = respHeaders.String
		r.ResponseBody = respBody.String
		r.ExtraMetadata = extra.String
		out = append(out, r)
	}
	return out, nil
}

// Cleanup deletes records older than the store's retention window. It is
// intended to be called periodically by a background sweeper.
func (s *Store) Cleanup() (int64, error) {
	cutoff := time.Now().AddDate(0, 0, -s.retentionDays)
	result, err := s.db.Exec("DELETE FROM requests WHERE timestamp < ?", cutoff)
	if err != nil {
		return 0, dlperr.Wrap(dlperr.KindStorage, "cleanup request log", err)
	}
	n, _ := result.RowsAffected()
	if n > 0 && s.log != nil {
		s.log.Infof("sweep", "purged %d request log records older than %d days", n, s.retentionDays)
	}
	return n, nil
}

// RunSweeper starts a background goroutine that calls Cleanup on interval
// until stop is closed.
func (s *Store) RunSweeper(interval time.Duration, stop <-chan struct{}) {
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if _, err := s.Cleanup(); err != nil && s.log != nil {
					s.log.Errorf("sweep", "request log sweep failed: %v", err)
				}
			case <-stop:
				return
			}
		}
	}()
}

// MarshalHeaders is a small helper for callers that need to persist an
// http.Header (or any header-shaped map) as the JSON text this store
// expects in its header columns.
func MarshalHeaders(h map[string][]string) string {
	data, err := json.Marshal(h)
	if err != nil {
		return "{}"
	}
	return string(data)
}

// Close stops the background writer (draining any queued records) and
// closes the underlying database handle.
func (s *Store) Close() error {
	close(s.closeCh)
	s.wg.Wait()
	return s.db.Close()
}
