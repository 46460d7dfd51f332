// Shoal is a Redfish aggregator service.
// Copyright (C) 2025 Matthew Burns
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <https://www.gnu.org/licenses/>.

// Package store is the SQLite-backed Metadata Store: transactional
// storage for processes, documents, and jobs, with schema migrations
// and the uniqueness helpers the scheduler builds its admission
// guarantee on top of. Ticket leasing lives in the broker package.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"materializer/pkg/materializer"
)

const (
	defaultBusyTimeout = 5 * time.Second
	schemaVersionKey   = "schema_version"
)

// ErrNotFound indicates no rows matched the query.
var ErrNotFound = errors.New("store: not found")

// Store wraps a SQLite connection and provides typed accessors for the
// Process/Document/Job entities.
type Store struct {
	db *sql.DB
}

// Open opens (or creates) a SQLite database at path, applies the same
// connection pragmas the rest of this codebase relies on, runs
// migrations, and returns a ready Store.
func Open(ctx context.Context, path string) (*Store, error) {
	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(%d)&_pragma=journal_mode(WAL)&_pragma=foreign_keys(ON)&_pragma=synchronous(NORMAL)",
		path, int(defaultBusyTimeout.Milliseconds()))

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetConnMaxLifetime(0)
	db.SetMaxIdleConns(4)
	db.SetMaxOpenConns(8)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}

	s := &Store{db: db}
	if err := s.migrate(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

// DB exposes the underlying connection so sibling components (the
// broker) that are conceptually separate but share the same embedded
// database can open their own tables against it.
func (s *Store) DB() *sql.DB { return s.db }

// Close closes the underlying database connection.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// WithTx executes fn inside a serializable transaction, rolling back
// on error or panic and committing otherwise.
func (s *Store) WithTx(ctx context.Context, fn func(*sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback()
			panic(p)
		}
	}()
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

// --------------- Migrations ---------------

func (s *Store) migrate(ctx context.Context) error {
	if err := s.ensureSettingsTable(ctx); err != nil {
		return err
	}
	cur, err := s.getSchemaVersion(ctx)
	if err != nil {
		return err
	}
	const target = 1
	if cur < 1 {
		if err := s.migrateToV1(ctx); err != nil {
			return fmt.Errorf("migrate to v1: %w", err)
		}
		if err := s.setSchemaVersion(ctx, 1); err != nil {
			return err
		}
		cur = 1
	}
	_ = target // future migrations append here
	return nil
}

func (s *Store) ensureSettingsTable(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS settings (key TEXT PRIMARY KEY, value TEXT NOT NULL);`)
	return err
}

func (s *Store) getSchemaVersion(ctx context.Context) (int, error) {
	const q = `SELECT value FROM settings WHERE key=?`
	var val string
	err := s.db.QueryRowContext(ctx, q, schemaVersionKey).Scan(&val)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("read schema version: %w", err)
	}
	var v int
	if _, err := fmt.Sscanf(val, "%d", &v); err != nil {
		return 0, nil
	}
	return v, nil
}

func (s *Store) setSchemaVersion(ctx context.Context, v int) error {
	const upsert = `INSERT INTO settings(key, value) VALUES(?, ?) ON CONFLICT(key) DO UPDATE SET value=excluded.value;`
	_, err := s.db.ExecContext(ctx, upsert, schemaVersionKey, fmt.Sprintf("%d", v))
	return err
}

func (s *Store) migrateToV1(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS processes (
  process_number TEXT PRIMARY KEY,
  court           TEXT NOT NULL,
  subject         TEXT NOT NULL,
  summary         BLOB NULL,
  has_documents   INTEGER NOT NULL DEFAULT 0,
  created_at      TIMESTAMP NOT NULL,
  updated_at      TIMESTAMP NOT NULL
);`,
		`CREATE TABLE IF NOT EXISTS documents (
  uuid                   TEXT PRIMARY KEY,
  id                     TEXT NOT NULL,
  process_ref            TEXT NOT NULL REFERENCES processes(process_number) ON DELETE CASCADE,
  name                   TEXT NOT NULL,
  mime_type              TEXT NULL,
  size                   INTEGER NOT NULL DEFAULT 0,
  source_handle          TEXT NOT NULL,
  blob_key               TEXT NULL,
  status                 TEXT NOT NULL CHECK (status IN ('PENDING','PROCESSING','AVAILABLE','FAILED')),
  error_message          TEXT NULL,
  download_started_at    TIMESTAMP NULL,
  download_completed_at  TIMESTAMP NULL
);`,
		`CREATE INDEX IF NOT EXISTS idx_documents_process ON documents(process_ref);`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_documents_process_docid ON documents(process_ref, id);`,
		`CREATE TABLE IF NOT EXISTS jobs (
  id                    TEXT PRIMARY KEY,
  process_ref           TEXT NOT NULL REFERENCES processes(process_number) ON DELETE RESTRICT,
  webhook_url           TEXT NULL,
  status                TEXT NOT NULL CHECK (status IN ('PENDING','PROCESSING','COMPLETED','FAILED','CANCELLED')),
  total_documents        INTEGER NOT NULL DEFAULT 0,
  completed_documents    INTEGER NOT NULL DEFAULT 0,
  failed_documents       INTEGER NOT NULL DEFAULT 0,
  progress_percentage    INTEGER NOT NULL DEFAULT 0,
  created_at             TIMESTAMP NOT NULL,
  started_at             TIMESTAMP NULL,
  completed_at           TIMESTAMP NULL,
  webhook_sent           INTEGER NOT NULL DEFAULT 0,
  webhook_sent_at        TIMESTAMP NULL,
  webhook_attempts       INTEGER NOT NULL DEFAULT 0,
  webhook_last_error     TEXT NULL,
  error_message          TEXT NULL
);`,
		`CREATE INDEX IF NOT EXISTS idx_jobs_process ON jobs(process_ref);`,
		// Backs invariant I3: at most one active job per process.
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_jobs_process_active ON jobs(process_ref) WHERE status IN ('PENDING','PROCESSING');`,
		`CREATE TABLE IF NOT EXISTS job_events (
  id       INTEGER PRIMARY KEY AUTOINCREMENT,
  job_id   TEXT NOT NULL REFERENCES jobs(id) ON DELETE CASCADE,
  time     TIMESTAMP NOT NULL,
  level    TEXT NOT NULL CHECK (level IN ('info','warn','error')),
  message  TEXT NOT NULL
);`,
		`CREATE INDEX IF NOT EXISTS idx_job_events_job_time ON job_events(job_id, time);`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("execute ddl: %w", err)
		}
	}
	return nil
}

// IsUniqueViolation reports whether err came from a UNIQUE/PRIMARY KEY
// constraint failure, e.g. the invariant-I3 partial unique index on
// active jobs. modernc.org/sqlite surfaces this as a plain error whose
// message contains the SQLite diagnostic text, so string matching is
// the pragmatic check — the same style the ingress validators in this
// codebase use for narrow, low-stakes classification.
func IsUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

// --------------- Processes ---------------

// UpsertProcess inserts a process or updates it if it already exists.
func (s *Store) UpsertProcess(ctx context.Context, p materializer.Process) error {
	now := time.Now().UTC()
	if p.CreatedAt.IsZero() {
		p.CreatedAt = now
	}
	p.UpdatedAt = now
	const upsert = `
INSERT INTO processes(process_number, court, subject, summary, has_documents, created_at, updated_at)
VALUES(?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(process_number) DO UPDATE SET
  court=excluded.court, subject=excluded.subject, summary=excluded.summary,
  has_documents=excluded.has_documents, updated_at=excluded.updated_at;`
	_, err := s.db.ExecContext(ctx, upsert, p.ProcessNumber, p.Court, p.Subject, p.Summary, boolToInt(p.HasDocuments), p.CreatedAt, p.UpdatedAt)
	if err != nil {
		return fmt.Errorf("upsert process: %w", err)
	}
	return nil
}

// GetProcess retrieves a process by its number, or ErrNotFound.
func (s *Store) GetProcess(ctx context.Context, processNumber string) (*materializer.Process, error) {
	const q = `SELECT process_number, court, subject, summary, has_documents, created_at, updated_at FROM processes WHERE process_number=?`
	var row struct {
		num, court, subject string
		summary             []byte
		hasDocs             int
		createdAt, updatedAt time.Time
	}
	err := s.db.QueryRowContext(ctx, q, processNumber).Scan(&row.num, &row.court, &row.subject, &row.summary, &row.hasDocs, &row.createdAt, &row.updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get process: %w", err)
	}
	return &materializer.Process{
		ProcessNumber: row.num,
		Court:         row.court,
		Subject:       row.subject,
		Summary:       row.summary,
		HasDocuments:  row.hasDocs != 0,
		CreatedAt:     row.createdAt.UTC(),
		UpdatedAt:     row.updatedAt.UTC(),
	}, nil
}

// --------------- Documents ---------------

// InsertDocuments inserts document rows for a process in one
// transaction. Callers seed documents exactly once, at admission; the
// Worker mutates them afterwards but never inserts more.
func (s *Store) InsertDocuments(ctx context.Context, docs []materializer.Document) error {
	if len(docs) == 0 {
		return nil
	}
	return s.WithTx(ctx, func(tx *sql.Tx) error {
		const ins = `
INSERT INTO documents(uuid, id, process_ref, name, mime_type, size, source_handle, blob_key, status, error_message, download_started_at, download_completed_at)
VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?);`
		for _, d := range docs {
			if _, err := tx.ExecContext(ctx, ins,
				d.UUID, d.ID, d.ProcessRef, d.Name, nullIfEmpty(d.MimeType), d.Size, d.SourceHandle,
				nullIfEmpty(d.BlobKey), d.Status.String(), nullIfEmpty(d.ErrorMessage),
				nullTime(d.DownloadStartedAt), nullTime(d.DownloadCompletedAt)); err != nil {
				return fmt.Errorf("insert document: %w", err)
			}
		}
		return nil
	})
}

// ListDocumentsByProcess returns every document belonging to a process.
func (s *Store) ListDocumentsByProcess(ctx context.Context, processRef string) ([]materializer.Document, error) {
	const q = `SELECT uuid, id, process_ref, name, mime_type, size, source_handle, blob_key, status, error_message, download_started_at, download_completed_at
FROM documents WHERE process_ref=? ORDER BY rowid ASC`
	rows, err := s.db.QueryContext(ctx, q, processRef)
	if err != nil {
		return nil, fmt.Errorf("list documents: %w", err)
	}
	defer rows.Close()
	return scanDocuments(rows)
}

// UpdateDocument persists the full mutable state of a document. The
// caller is responsible for having validated the transition via
// statusmgr before calling this.
func (s *Store) UpdateDocument(ctx context.Context, d materializer.Document) error {
	const upd = `
UPDATE documents SET name=?, mime_type=?, size=?, blob_key=?, status=?, error_message=?, download_started_at=?, download_completed_at=?
WHERE uuid=?;`
	res, err := s.db.ExecContext(ctx, upd, d.Name, nullIfEmpty(d.MimeType), d.Size, nullIfEmpty(d.BlobKey), d.Status.String(),
		nullIfEmpty(d.ErrorMessage), nullTime(d.DownloadStartedAt), nullTime(d.DownloadCompletedAt), d.UUID)
	if err != nil {
		return fmt.Errorf("update document: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return materializer.ErrDocumentNotFound
	}
	return nil
}

func scanDocuments(rows *sql.Rows) ([]materializer.Document, error) {
	var out []materializer.Document
	for rows.Next() {
		var (
			uuid, id, processRef, name string
			mimeType                   sql.NullString
			size                       int64
			sourceHandle               string
			blobKey                    sql.NullString
			status, errMsg             sql.NullString
			startedAt, completedAt     sql.NullTime
		)
		if err := rows.Scan(&uuid, &id, &processRef, &name, &mimeType, &size, &sourceHandle, &blobKey, &status, &errMsg, &startedAt, &completedAt); err != nil {
			return nil, fmt.Errorf("scan document: %w", err)
		}
		out = append(out, materializer.Document{
			UUID:                uuid,
			ID:                  id,
			ProcessRef:          processRef,
			Name:                name,
			MimeType:            mimeType.String,
			Size:                size,
			SourceHandle:        sourceHandle,
			BlobKey:             blobKey.String,
			Status:              materializer.DocumentStatus(status.String),
			ErrorMessage:        errMsg.String,
			DownloadStartedAt:   fromNullTimePtr(startedAt),
			DownloadCompletedAt: fromNullTimePtr(completedAt),
		})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate documents: %w", err)
	}
	return out, nil
}

// --------------- Jobs ---------------

// InsertJob inserts a new PENDING job inside a transaction that also
// seeds its documents (when seedDocs is non-nil). If an active job
// already exists for the process, the unique index on
// (process_ref, is-active) rejects the insert and IsUniqueViolation(err)
// is true; callers should then read back the existing active job via
// GetActiveJobByProcess.
func (s *Store) InsertJob(ctx context.Context, job *materializer.Job, seedDocs []materializer.Document) error {
	return s.WithTx(ctx, func(tx *sql.Tx) error {
		const ins = `
INSERT INTO jobs(id, process_ref, webhook_url, status, total_documents, completed_documents, failed_documents, progress_percentage, created_at, started_at, completed_at, webhook_sent, webhook_sent_at, webhook_attempts, webhook_last_error, error_message)
VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?);`
		_, err := tx.ExecContext(ctx, ins, job.ID, job.ProcessRef, nullIfEmpty(job.WebhookURL), job.Status.String(),
			job.TotalDocuments, job.CompletedDocuments, job.FailedDocuments, job.ProgressPercentage,
			job.CreatedAt, nullTime(job.StartedAt), nullTime(job.CompletedAt), boolToInt(job.WebhookSent),
			nullTime(job.WebhookSentAt), job.WebhookAttempts, nullIfEmpty(job.WebhookLastError), nullIfEmpty(job.ErrorMessage))
		if err != nil {
			return err
		}
		for _, d := range seedDocs {
			const insDoc = `
INSERT INTO documents(uuid, id, process_ref, name, mime_type, size, source_handle, blob_key, status, error_message, download_started_at, download_completed_at)
VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?);`
			if _, err := tx.ExecContext(ctx, insDoc, d.UUID, d.ID, d.ProcessRef, d.Name, nullIfEmpty(d.MimeType), d.Size,
				d.SourceHandle, nullIfEmpty(d.BlobKey), d.Status.String(), nullIfEmpty(d.ErrorMessage), nullTime(d.DownloadStartedAt), nullTime(d.DownloadCompletedAt)); err != nil {
				return fmt.Errorf("seed document: %w", err)
			}
		}
		return nil
	})
}

// GetJob retrieves a job by id, or ErrNotFound.
func (s *Store) GetJob(ctx context.Context, id string) (*materializer.Job, error) {
	return s.getJob(ctx, s.db, `SELECT `+jobColumns+` FROM jobs WHERE id=?`, id)
}

// GetActiveJobByProcess returns the job with status PENDING or
// PROCESSING for a process, or ErrNotFound if none exists. Invariant
// I3 guarantees at most one row ever matches.
func (s *Store) GetActiveJobByProcess(ctx context.Context, processRef string) (*materializer.Job, error) {
	return s.getJob(ctx, s.db, `SELECT `+jobColumns+` FROM jobs WHERE process_ref=? AND status IN ('PENDING','PROCESSING') LIMIT 1`, processRef)
}

// GetLatestJobByProcess returns the most recently created job for a
// process regardless of status, used by the Status Projection to show
// webhook state even after a job has gone terminal.
func (s *Store) GetLatestJobByProcess(ctx context.Context, processRef string) (*materializer.Job, error) {
	return s.getJob(ctx, s.db, `SELECT `+jobColumns+` FROM jobs WHERE process_ref=? ORDER BY created_at DESC LIMIT 1`, processRef)
}

const jobColumns = `id, process_ref, webhook_url, status, total_documents, completed_documents, failed_documents, progress_percentage, created_at, started_at, completed_at, webhook_sent, webhook_sent_at, webhook_attempts, webhook_last_error, error_message`

func (s *Store) getJob(ctx context.Context, q queryer, query string, arg string) (*materializer.Job, error) {
	var (
		id, processRef, status      string
		webhookURL                  sql.NullString
		total, completed, failed    int
		progress                    int
		createdAt                   time.Time
		startedAt, completedAt      sql.NullTime
		webhookSent                 int
		webhookSentAt               sql.NullTime
		webhookAttempts             int
		webhookLastError, errorMsg  sql.NullString
	)
	err := q.QueryRowContext(ctx, query, arg).Scan(&id, &processRef, &webhookURL, &status, &total, &completed, &failed, &progress,
		&createdAt, &startedAt, &completedAt, &webhookSent, &webhookSentAt, &webhookAttempts, &webhookLastError, &errorMsg)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get job: %w", err)
	}
	return &materializer.Job{
		ID:                 id,
		ProcessRef:         processRef,
		WebhookURL:         webhookURL.String,
		Status:             materializer.JobStatus(status),
		TotalDocuments:     total,
		CompletedDocuments: completed,
		FailedDocuments:    failed,
		ProgressPercentage: progress,
		CreatedAt:          createdAt.UTC(),
		StartedAt:          fromNullTimePtr(startedAt),
		CompletedAt:        fromNullTimePtr(completedAt),
		WebhookSent:        webhookSent != 0,
		WebhookSentAt:      fromNullTimePtr(webhookSentAt),
		WebhookAttempts:    webhookAttempts,
		WebhookLastError:   webhookLastError.String,
		ErrorMessage:       errorMsg.String,
	}, nil
}

// UpdateJob persists the full mutable state of a job. Callers validate
// the status transition via statusmgr before calling this.
func (s *Store) UpdateJob(ctx context.Context, job *materializer.Job) error {
	const upd = `
UPDATE jobs SET webhook_url=?, status=?, total_documents=?, completed_documents=?, failed_documents=?, progress_percentage=?,
  started_at=?, completed_at=?, webhook_sent=?, webhook_sent_at=?, webhook_attempts=?, webhook_last_error=?, error_message=?
WHERE id=?;`
	res, err := s.db.ExecContext(ctx, upd, nullIfEmpty(job.WebhookURL), job.Status.String(), job.TotalDocuments, job.CompletedDocuments,
		job.FailedDocuments, job.ProgressPercentage, nullTime(job.StartedAt), nullTime(job.CompletedAt), boolToInt(job.WebhookSent),
		nullTime(job.WebhookSentAt), job.WebhookAttempts, nullIfEmpty(job.WebhookLastError), nullIfEmpty(job.ErrorMessage), job.ID)
	if err != nil {
		return fmt.Errorf("update job: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return materializer.ErrJobNotFound
	}
	return nil
}

// --------------- Job events ---------------

// AppendJobEvent inserts an append-only observability record.
func (s *Store) AppendJobEvent(ctx context.Context, ev materializer.JobEvent) error {
	const ins = `INSERT INTO job_events(job_id, time, level, message) VALUES(?, ?, ?, ?)`
	_, err := s.db.ExecContext(ctx, ins, ev.JobID, ev.Time.UTC(), ev.Level.String(), ev.Message)
	if err != nil {
		return fmt.Errorf("insert job event: %w", err)
	}
	return nil
}

// --------------- helpers ---------------

type queryer interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func nullIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC()
}

func fromNullTimePtr(nt sql.NullTime) *time.Time {
	if nt.Valid {
		t := nt.Time.UTC()
		return &t
	}
	return nil
}
