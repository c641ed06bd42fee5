// Package store provides the crash-safe SQLite-backed job store: the jobs,
// tests, and treeherder-submission tables described in the fleet
// controller's data model, plus the claim/enqueue/cancel primitives that
// give them their ordering and attempt-budget invariants.
//
// Schema and leasing shape are grounded on the teacher's
// internal/provisioner/store/store.go: same pragma set, same settings-table
// schema-version migration, same withTx helper.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/mozilla/autophone/internal/faults"
	"github.com/mozilla/autophone/pkg/autophone"
)

const (
	defaultBusyTimeout = 5 * time.Second
	schemaVersionKey    = "schema_version"

	// SQLRetryDelay and SQLMaxRetries bound the transient storage-error
	// retry described in spec.md §4.1 / §7 StorageFault: a fixed delay
	// between attempts, and a single mail notification after the
	// threshold is crossed. Grounded on jobs.py's _execute_sql /
	// report_sql_error retry loop (original_source).
	SQLRetryDelay = 60 * time.Second
	SQLMaxRetries = 10
)

// ErrNotFound indicates no rows matched the query.
var ErrNotFound = errors.New("not found")

// Mailer sends a single operator notification. Open installs a no-op
// Mailer unless WithMailer supplies one.
type Mailer interface {
	Send(ctx context.Context, subject, body string) error
}

type nopMailer struct{}

func (nopMailer) Send(context.Context, string, string) error { return nil }

// Store wraps a SQLite database connection and provides typed accessors for
// the jobs/tests/treeherder tables.
type Store struct {
	db              *sql.DB
	mailer          Mailer
	allowDuplicates bool
	lifo            bool
}

// Option configures a Store at Open time.
type Option func(*Store)

// WithMailer overrides the default no-op mailer used for StorageFault
// notifications.
func WithMailer(m Mailer) Option {
	return func(s *Store) { s.mailer = m }
}

// WithAllowDuplicateJobs controls whether Enqueue de-duplicates by
// (device, build-url) for jobs and by (name, config-file, chunk, repos,
// job-id) for tests.
func WithAllowDuplicateJobs(allow bool) Option {
	return func(s *Store) { s.allowDuplicates = allow }
}

// WithLIFO controls ClaimNext's ordering among non-try jobs of equal
// try-ness: FIFO (created asc) by default, LIFO (created desc) if set.
func WithLIFO(lifo bool) Option {
	return func(s *Store) { s.lifo = lifo }
}

// Open opens (or creates) a SQLite database at path, applies durability
// pragmas, runs migrations, and returns a ready Store.
func Open(ctx context.Context, path string, opts ...Option) (*Store, error) {
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

	s := &Store{db: db, mailer: nopMailer{}}
	for _, opt := range opts {
		opt(s)
	}
	if err := s.migrate(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// withTx executes fn inside a serializable transaction, rolling back on
// error or panic.
func (s *Store) withTx(ctx context.Context, fn func(*sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return s.storageErr(ctx, "begin tx", err)
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
		return s.storageErr(ctx, "commit tx", err)
	}
	return nil
}

// storageErr wraps a failure to begin or commit a transaction as a
// StorageFault annotated with op. It neither retries nor mails; the retry
// and the single mail notification are done by retryStorage, which wraps
// each exported method.
func (s *Store) storageErr(ctx context.Context, op string, err error) error {
	if err == nil {
		return nil
	}
	return &faults.StorageFault{Op: op, Err: err}
}

// retryStorage runs fn, retrying on failure with SQLRetryDelay between
// attempts up to SQLMaxRetries; past that it sends one mail notification
// and keeps retrying until fn succeeds or ctx is canceled. This mirrors the
// original implementation's "retry forever, mail once" policy rather than
// giving up, since a store call failing forever means the whole fleet is
// wedged and there is no safe place to drop the operation. ErrNotFound is
// an answer, not a failure, and is returned at once without retrying.
func (s *Store) retryStorage(ctx context.Context, op string, fn func() error) error {
	var attempt int
	var mailed bool
	for {
		attempt++
		err := fn()
		if err == nil {
			return nil
		}
		if errors.Is(err, ErrNotFound) {
			return err
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if attempt == SQLMaxRetries && !mailed {
			mailed = true
			_ = s.mailer.Send(ctx, "autophone jobs store error",
				fmt.Sprintf("attempt %d to execute %s failed: %v\nstill retrying every %s", attempt, op, err, SQLRetryDelay))
		}
		select {
		case <-ctx.Done():
			return &faults.StorageFault{Op: op, Err: ctx.Err()}
		case <-time.After(SQLRetryDelay):
		}
	}
}

// --------------- migrations ---------------

func (s *Store) migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS settings (key TEXT PRIMARY KEY, value TEXT NOT NULL);`); err != nil {
		return err
	}
	cur, err := s.schemaVersion(ctx)
	if err != nil {
		return err
	}
	if cur < 1 {
		if err := s.migrateToV1(ctx); err != nil {
			return fmt.Errorf("migrate to v1: %w", err)
		}
		if err := s.setSchemaVersion(ctx, 1); err != nil {
			return err
		}
	}
	// A submission left claimed=1 belongs to a submitter process that died
	// before deleting it; release it so the next claim loop can pick it
	// back up instead of leaving it stranded forever.
	if _, err := s.db.ExecContext(ctx, `UPDATE treeherder_submissions SET claimed=0 WHERE claimed!=0`); err != nil {
		return fmt.Errorf("release stranded submission claims: %w", err)
	}
	return nil
}

func (s *Store) schemaVersion(ctx context.Context) (int, error) {
	var val string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM settings WHERE key=?`, schemaVersionKey).Scan(&val)
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
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO settings(key, value) VALUES(?, ?) ON CONFLICT(key) DO UPDATE SET value=excluded.value;`,
		schemaVersionKey, fmt.Sprintf("%d", v))
	return err
}

func (s *Store) migrateToV1(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS jobs (
  id                INTEGER PRIMARY KEY AUTOINCREMENT,
  created_at        TIMESTAMP NOT NULL,
  last_attempt_at   TIMESTAMP NULL,
  build_url         TEXT NOT NULL,
  build_id          TEXT NULL,
  changeset         TEXT NULL,
  tree              TEXT NULL,
  revision          TEXT NULL,
  revision_hash     TEXT NULL,
  enable_unittests  INTEGER NOT NULL DEFAULT 0,
  attempts          INTEGER NOT NULL DEFAULT 0,
  device_id         TEXT NOT NULL
);`,
		`CREATE INDEX IF NOT EXISTS idx_jobs_device ON jobs(device_id);`,
		`CREATE TABLE IF NOT EXISTS tests (
  id          INTEGER PRIMARY KEY AUTOINCREMENT,
  name        TEXT NOT NULL,
  config_file TEXT NOT NULL,
  chunk       INTEGER NOT NULL DEFAULT 0,
  guid        TEXT NOT NULL,
  repos       TEXT NOT NULL,
  job_id      INTEGER NOT NULL REFERENCES jobs(id) ON DELETE CASCADE
);`,
		`CREATE INDEX IF NOT EXISTS idx_tests_job ON tests(job_id);`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_tests_guid ON tests(guid);`,
		`CREATE TABLE IF NOT EXISTS treeherder_submissions (
  id              INTEGER PRIMARY KEY AUTOINCREMENT,
  attempts        INTEGER NOT NULL DEFAULT 0,
  last_attempt_at TIMESTAMP NULL,
  machine         TEXT NOT NULL,
  project         TEXT NOT NULL,
  payload         TEXT NOT NULL,
  claimed         INTEGER NOT NULL DEFAULT 0
);`,
		`CREATE INDEX IF NOT EXISTS idx_submissions_order ON treeherder_submissions(machine, project, id);`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("execute ddl: %w", err)
		}
	}
	return nil
}

// --------------- jobs / tests ---------------

// Enqueue inserts a job row (or reuses an existing one for the same
// device+build-url when duplicates are disallowed) and one test row per
// test, minting a fresh GUID for each newly inserted test. It returns only
// the tests actually inserted, per spec.md §4.1 enqueue.
func (s *Store) Enqueue(ctx context.Context, job autophone.Job, tests []autophone.TestItem) ([]autophone.TestItem, error) {
	var inserted []autophone.TestItem
	err := s.retryStorage(ctx, "Enqueue", func() error {
		inserted = nil
		return s.withTx(ctx, func(tx *sql.Tx) error {
			now := time.Now().UTC()
			var jobID int64

			if !s.allowDuplicates {
				var existing int64
				err := tx.QueryRowContext(ctx,
					`SELECT id FROM jobs WHERE device_id=? AND build_url=?`,
					job.DeviceID, job.BuildURL).Scan(&existing)
				if err == nil {
					jobID = existing
				} else if !errors.Is(err, sql.ErrNoRows) {
					return err
				}
			}

			if jobID == 0 {
				res, err := tx.ExecContext(ctx,
					`INSERT INTO jobs(created_at, last_attempt_at, build_url, build_id, changeset, tree, revision, revision_hash, enable_unittests, attempts, device_id)
					 VALUES(?, NULL, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
					now, job.BuildURL, job.BuildID, job.Changeset, job.Tree, job.Revision, job.RevisionHash,
					boolToInt(job.EnableUnittests), job.Attempts, job.DeviceID)
				if err != nil {
					return err
				}
				jobID, err = res.LastInsertId()
				if err != nil {
					return err
				}
			}

			for _, t := range tests {
				reposJSON, err := json.Marshal(t.Repos)
				if err != nil {
					return err
				}
				if !s.allowDuplicates {
					var dummy int64
					err := tx.QueryRowContext(ctx,
						`SELECT id FROM tests WHERE name=? AND config_file=? AND chunk=? AND repos=? AND job_id=?`,
						t.Name, t.ConfigFile, t.Chunk, string(reposJSON), jobID).Scan(&dummy)
					if err == nil {
						continue // duplicate test, not inserted
					} else if !errors.Is(err, sql.ErrNoRows) {
						return err
					}
				}
				t.GUID = uuid.NewString()
				t.JobID = jobID
				if _, err := tx.ExecContext(ctx,
					`INSERT INTO tests(name, config_file, chunk, guid, repos, job_id) VALUES(?, ?, ?, ?, ?, ?)`,
					t.Name, t.ConfigFile, t.Chunk, t.GUID, string(reposJSON), jobID); err != nil {
					return err
				}
				inserted = append(inserted, t)
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return inserted, nil
}

// ClaimNext atomically purges jobs with attempts >= MaxAttempts (and their
// children), then selects the next job for device ordered by
// is-try-build desc, created asc|desc (per the store's configured LIFO
// setting), increments its attempts, sets last-attempt-at, and returns the
// job plus its current test rows. Returns ErrNotFound when no job is
// available.
func (s *Store) ClaimNext(ctx context.Context, deviceID string) (*autophone.Job, []autophone.TestItem, error) {
	var job *autophone.Job
	var tests []autophone.TestItem
	err := s.retryStorage(ctx, "ClaimNext", func() error {
		job, tests = nil, nil
		return s.withTx(ctx, func(tx *sql.Tx) error {
			rows, err := tx.QueryContext(ctx, `SELECT id FROM jobs WHERE device_id=? AND attempts>=?`, deviceID, autophone.MaxAttempts)
			if err != nil {
				return err
			}
			var purgeIDs []int64
			for rows.Next() {
				var id int64
				if err := rows.Scan(&id); err != nil {
					rows.Close()
					return err
				}
				purgeIDs = append(purgeIDs, id)
			}
			if err := rows.Err(); err != nil {
				return err
			}
			rows.Close()
			for _, id := range purgeIDs {
				if _, err := tx.ExecContext(ctx, `DELETE FROM tests WHERE job_id=?`, id); err != nil {
					return err
				}
				if _, err := tx.ExecContext(ctx, `DELETE FROM jobs WHERE id=?`, id); err != nil {
					return err
				}
			}

			order := "ASC"
			if s.lifo {
				order = "DESC"
			}
			q := fmt.Sprintf(`SELECT id, created_at, last_attempt_at, build_url, build_id, changeset, tree, revision,
				revision_hash, enable_unittests, attempts
				FROM jobs WHERE device_id=?
				ORDER BY (INSTR(build_url, 'try') > 0) DESC, created_at %s LIMIT 1`, order)

			var (
				id                                                     int64
				createdAt                                              time.Time
				lastAttempt                                            sql.NullTime
				buildURL, buildID, changeset, tree, revision, revHash   sql.NullString
				enableUnittests, attempts                               int
			)
			if err := tx.QueryRowContext(ctx, q, deviceID).Scan(
				&id, &createdAt, &lastAttempt, &buildURL, &buildID, &changeset, &tree, &revision, &revHash,
				&enableUnittests, &attempts); err != nil {
				if errors.Is(err, sql.ErrNoRows) {
					return ErrNotFound
				}
				return err
			}

			attempts++
			now := time.Now().UTC()
			if _, err := tx.ExecContext(ctx, `UPDATE jobs SET attempts=?, last_attempt_at=? WHERE id=?`, attempts, now, id); err != nil {
				return err
			}

			j := &autophone.Job{
				ID:              id,
				CreatedAt:       createdAt.UTC(),
				LastAttemptAt:   &now,
				BuildURL:        buildURL.String,
				BuildID:         buildID.String,
				Changeset:       changeset.String,
				Tree:            tree.String,
				Revision:        revision.String,
				RevisionHash:    revHash.String,
				EnableUnittests: enableUnittests != 0,
				Attempts:        attempts,
				DeviceID:        deviceID,
			}

			trows, err := tx.QueryContext(ctx, `SELECT id, name, config_file, chunk, guid, repos, job_id FROM tests WHERE job_id=?`, id)
			if err != nil {
				return err
			}
			defer trows.Close()
			for trows.Next() {
				var (
					tid, jid          int64
					name, cfgFile     string
					chunk             int
					guid, reposJSON   string
				)
				if err := trows.Scan(&tid, &name, &cfgFile, &chunk, &guid, &reposJSON, &jid); err != nil {
					return err
				}
				var repos []string
				if err := json.Unmarshal([]byte(reposJSON), &repos); err != nil {
					return err
				}
				tests = append(tests, autophone.TestItem{ID: tid, Name: name, ConfigFile: cfgFile, Chunk: chunk, GUID: guid, Repos: repos, JobID: jid})
			}
			if err := trows.Err(); err != nil {
				return err
			}
			sort.Slice(tests, func(i, j int) bool { return tests[i].ID < tests[j].ID })
			job = j
			return nil
		})
	})
	if errors.Is(err, ErrNotFound) {
		return nil, nil, ErrNotFound
	}
	if err != nil {
		return nil, nil, err
	}
	return job, tests, nil
}

// SetAttempts undoes (or otherwise overrides) the attempt increment
// performed by ClaimNext, used when an operator command or device fault
// interrupts a run so the attempt budget is preserved for retry.
func (s *Store) SetAttempts(ctx context.Context, jobID int64, attempts int) error {
	return s.retryStorage(ctx, "SetAttempts", func() error {
		_, err := s.db.ExecContext(ctx, `UPDATE jobs SET attempts=? WHERE id=?`, attempts, jobID)
		return err
	})
}

// CancelTest deletes the test row for guid; if it was the last child of its
// job, the job is deleted too.
func (s *Store) CancelTest(ctx context.Context, guid string) error {
	return s.retryStorage(ctx, "CancelTest", func() error {
		return s.withTx(ctx, func(tx *sql.Tx) error {
			var jobID int64
			err := tx.QueryRowContext(ctx, `SELECT job_id FROM tests WHERE guid=?`, guid).Scan(&jobID)
			if errors.Is(err, sql.ErrNoRows) {
				return nil // already gone
			}
			if err != nil {
				return err
			}
			if _, err := tx.ExecContext(ctx, `DELETE FROM tests WHERE guid=?`, guid); err != nil {
				return err
			}
			var remaining int
			if err := tx.QueryRowContext(ctx, `SELECT COUNT(id) FROM tests WHERE job_id=?`, jobID).Scan(&remaining); err != nil {
				return err
			}
			if remaining == 0 {
				if _, err := tx.ExecContext(ctx, `DELETE FROM jobs WHERE id=?`, jobID); err != nil {
					return err
				}
			}
			return nil
		})
	})
}

// TestCompleted deletes the test row for guid.
func (s *Store) TestCompleted(ctx context.Context, guid string) error {
	return s.retryStorage(ctx, "TestCompleted", func() error {
		_, err := s.db.ExecContext(ctx, `DELETE FROM tests WHERE guid=?`, guid)
		return err
	})
}

// JobCompleted deletes a job and all of its remaining test rows.
func (s *Store) JobCompleted(ctx context.Context, jobID int64) error {
	return s.retryStorage(ctx, "JobCompleted", func() error {
		return s.withTx(ctx, func(tx *sql.Tx) error {
			if _, err := tx.ExecContext(ctx, `DELETE FROM tests WHERE job_id=?`, jobID); err != nil {
				return err
			}
			_, err := tx.ExecContext(ctx, `DELETE FROM jobs WHERE id=?`, jobID)
			return err
		})
	})
}

// JobsPending returns the number of job rows queued for device.
func (s *Store) JobsPending(ctx context.Context, deviceID string) (int, error) {
	var n int
	err := s.retryStorage(ctx, "JobsPending", func() error {
		return s.db.QueryRowContext(ctx, `SELECT COUNT(id) FROM jobs WHERE device_id=?`, deviceID).Scan(&n)
	})
	return n, err
}

// --------------- treeherder submissions ---------------

// EnqueueSubmission appends a new PENDING/RUNNING/COMPLETED submission row.
func (s *Store) EnqueueSubmission(ctx context.Context, machine, project string, payload []byte) (int64, error) {
	var id int64
	err := s.retryStorage(ctx, "EnqueueSubmission", func() error {
		now := time.Now().UTC()
		res, err := s.db.ExecContext(ctx,
			`INSERT INTO treeherder_submissions(attempts, last_attempt_at, machine, project, payload) VALUES(0, ?, ?, ?, ?)`,
			now, machine, project, string(payload))
		if err != nil {
			return err
		}
		id, err = res.LastInsertId()
		return err
	})
	return id, err
}

// ClaimNextSubmission returns the oldest unclaimed submission row (FIFO by
// insertion order, scoped to no particular machine/project — per-pair
// ordering is enforced by the submitter, which drains one in-flight
// submission per (machine, project) key at a time), marks it claimed so a
// concurrent or immediately-following call never returns the same row
// again, and bumps its attempt counter. A row stays claimed until
// SubmissionCompleted deletes it, or until the store is reopened after a
// crash releases it.
func (s *Store) ClaimNextSubmission(ctx context.Context) (*autophone.ResultsSubmission, error) {
	var sub *autophone.ResultsSubmission
	err := s.retryStorage(ctx, "ClaimNextSubmission", func() error {
		sub = nil
		return s.withTx(ctx, func(tx *sql.Tx) error {
			var (
				id, attempts int64
				lastAttempt  sql.NullTime
				machine, project, payload string
			)
			err := tx.QueryRowContext(ctx,
				`SELECT id, attempts, last_attempt_at, machine, project, payload FROM treeherder_submissions WHERE claimed=0 ORDER BY id ASC LIMIT 1`,
			).Scan(&id, &attempts, &lastAttempt, &machine, &project, &payload)
			if errors.Is(err, sql.ErrNoRows) {
				return ErrNotFound
			}
			if err != nil {
				return err
			}
			attempts++
			now := time.Now().UTC()
			if _, err := tx.ExecContext(ctx, `UPDATE treeherder_submissions SET attempts=?, last_attempt_at=?, claimed=1 WHERE id=?`, attempts, now, id); err != nil {
				return err
			}
			sub = &autophone.ResultsSubmission{
				ID: id, Attempts: int(attempts), LastAttemptAt: &now,
				Machine: machine, Project: project, Payload: []byte(payload),
			}
			return nil
		})
	})
	if errors.Is(err, ErrNotFound) {
		return nil, ErrNotFound
	}
	return sub, err
}

// SubmissionCompleted deletes a submission row once it has been POSTed
// successfully.
func (s *Store) SubmissionCompleted(ctx context.Context, id int64) error {
	return s.retryStorage(ctx, "SubmissionCompleted", func() error {
		_, err := s.db.ExecContext(ctx, `DELETE FROM treeherder_submissions WHERE id=?`, id)
		return err
	})
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
