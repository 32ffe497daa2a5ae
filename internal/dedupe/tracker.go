package dedupe

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	_ "github.com/lib/pq"
	"github.com/pressly/goose/v3"
	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Supported ledger drivers
const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// ErrNotFound is returned when a request id has no ledger entry
var ErrNotFound = errors.New("ledger entry not found")

// Entry is one request in the job ledger
type Entry struct {
	RequestID   string     `json:"request_id"`
	Requester   string     `json:"requester"`
	State       string     `json:"state"`
	Error       string     `json:"error,omitempty"`
	SeenCount   int        `json:"seen_count"`
	FirstSeenAt time.Time  `json:"first_seen_at"`
	LastSeenAt  time.Time  `json:"last_seen_at"`
	FinishedAt  *time.Time `json:"finished_at,omitempty"`
}

// Tracker is a durable ledger of request ids and their final job state.
// It lets a restarted worker skip requests an earlier process already took.
type Tracker struct {
	db     *sql.DB
	driver string
	now    func() time.Time
}

// OpenTracker opens the ledger database and applies migrations
func OpenTracker(ctx context.Context, driver, dsn string) (*Tracker, error) {
	switch driver {
	case DriverSQLite:
		dsn = sqliteDSN(dsn)
	case DriverPostgres:
	default:
		return nil, fmt.Errorf("unsupported ledger driver %q", driver)
	}

	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open ledger: %w", err)
	}
	if driver == DriverSQLite {
		db.SetMaxOpenConns(1)
	}

	goose.SetBaseFS(migrationsFS)
	if err := goose.SetDialect(driver); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to set goose dialect: %w", err)
	}
	if err := goose.UpContext(ctx, db, "migrations"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate ledger: %w", err)
	}

	return &Tracker{db: db, driver: driver, now: time.Now}, nil
}

// Record upserts a request and returns how many times it has been seen
func (t *Tracker) Record(ctx context.Context, requestID, requester, state string) (int, error) {
	now := t.now().Unix()
	query := t.rebind(`
		INSERT INTO job_ledger (request_id, requester, state, first_seen_at, last_seen_at, seen_count)
		VALUES (?, ?, ?, ?, ?, 1)
		ON CONFLICT (request_id) DO UPDATE
		SET last_seen_at = EXCLUDED.last_seen_at,
		    seen_count = job_ledger.seen_count + 1
		RETURNING seen_count
	`)

	var seenCount int
	if err := t.db.QueryRowContext(ctx, query, requestID, requester, state, now, now).Scan(&seenCount); err != nil {
		return 0, fmt.Errorf("failed to record request: %w", err)
	}
	return seenCount, nil
}

// Finish stores the final state of a request
func (t *Tracker) Finish(ctx context.Context, requestID, state string, jobErr error) error {
	msg := ""
	if jobErr != nil {
		msg = jobErr.Error()
	}

	query := t.rebind(`UPDATE job_ledger SET state = ?, error = ?, finished_at = ? WHERE request_id = ?`)
	res, err := t.db.ExecContext(ctx, query, state, msg, t.now().Unix(), requestID)
	if err != nil {
		return fmt.Errorf("failed to finish request: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrNotFound
	}
	return nil
}

// Get retrieves the ledger entry for a request id
func (t *Tracker) Get(ctx context.Context, requestID string) (*Entry, error) {
	query := t.rebind(`
		SELECT request_id, requester, state, error, seen_count, first_seen_at, last_seen_at, finished_at
		FROM job_ledger WHERE request_id = ?
	`)

	var (
		e           Entry
		first, last int64
		finished    sql.NullInt64
	)
	err := t.db.QueryRowContext(ctx, query, requestID).Scan(
		&e.RequestID, &e.Requester, &e.State, &e.Error, &e.SeenCount, &first, &last, &finished,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get ledger entry: %w", err)
	}

	e.FirstSeenAt = time.Unix(first, 0).UTC()
	e.LastSeenAt = time.Unix(last, 0).UTC()
	if finished.Valid {
		at := time.Unix(finished.Int64, 0).UTC()
		e.FinishedAt = &at
	}
	return &e, nil
}

// Close closes the ledger database
func (t *Tracker) Close() error {
	return t.db.Close()
}

// rebind rewrites ? placeholders into $n for postgres
func (t *Tracker) rebind(query string) string {
	if t.driver != DriverPostgres {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteString("$" + strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func sqliteDSN(path string) string {
	if strings.HasPrefix(path, "file:") {
		return path
	}
	values := url.Values{}
	values.Add("_pragma", "journal_mode(WAL)")
	values.Add("_pragma", "busy_timeout(5000)")
	values.Add("_pragma", "synchronous(NORMAL)")
	return fmt.Sprintf("file:%s?%s", path, values.Encode())
}
