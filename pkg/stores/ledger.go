package stores

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database"
	migratepgx "github.com/golang-migrate/migrate/v4/database/pgx/v5"
	migratesqlite "github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/jackc/pgx/v5/pgconn"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	// PostgreSQL driver
	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/teraunit/teraunit/pkg/engine"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Supported drivers.
const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// ErrDuplicateInstance is returned by Insert when the instance or heartbeat id is taken.
var ErrDuplicateInstance = errors.New("instance already recorded")

// Config holds ledger store configuration
type Config struct {
	// Driver is "sqlite" or "postgres".
	Driver string `yaml:"driver" validate:"omitempty,oneof=sqlite postgres"`

	// DSN is a file path (or ":memory:") for sqlite, a connection URL for postgres.
	DSN string `yaml:"dsn"`

	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
}

// LedgerStore implements engine.Ledger on SQLite or PostgreSQL.
type LedgerStore struct {
	db  *sql.DB
	cfg Config
}

var _ engine.Ledger = (*LedgerStore)(nil)

// NewLedgerStore creates a new ledger store instance
func NewLedgerStore(cfg Config) (*LedgerStore, error) {
	if cfg.Driver == "" {
		cfg.Driver = DriverSQLite
	}
	if cfg.Driver != DriverSQLite && cfg.Driver != DriverPostgres {
		return nil, fmt.Errorf("unsupported ledger driver: %s", cfg.Driver)
	}
	if cfg.DSN == "" {
		return nil, fmt.Errorf("ledger dsn is required")
	}

	// SQLite serialises writers anyway; one connection also keeps
	// ":memory:" databases from splitting per connection.
	if cfg.Driver == DriverSQLite {
		cfg.MaxOpenConns = 1
		cfg.MaxIdleConns = 1
	}
	if cfg.MaxOpenConns == 0 {
		cfg.MaxOpenConns = 25
	}
	if cfg.MaxIdleConns == 0 {
		cfg.MaxIdleConns = 5
	}
	if cfg.ConnMaxLifetime == 0 {
		cfg.ConnMaxLifetime = 5 * time.Minute
	}

	return &LedgerStore{cfg: cfg}, nil
}

// Init opens the database connection.
func (s *LedgerStore) Init(ctx context.Context) error {
	driverName, dsn := "pgx", s.cfg.DSN
	if s.cfg.Driver == DriverSQLite {
		driverName = "sqlite"
		if dsn != ":memory:" {
			dsn = fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)", dsn)
		}
	}

	db, err := sql.Open(driverName, dsn)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(s.cfg.MaxOpenConns)
	db.SetMaxIdleConns(s.cfg.MaxIdleConns)
	db.SetConnMaxLifetime(s.cfg.ConnMaxLifetime)
	if s.cfg.Driver == DriverSQLite {
		// an in-memory database lives only as long as its connection
		db.SetConnMaxLifetime(0)
	}

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return fmt.Errorf("failed to ping database: %w", err)
	}

	s.db = db
	return nil
}

// Close closes the database connection
func (s *LedgerStore) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// Migrate runs database migrations.
func (s *LedgerStore) Migrate(_ context.Context) error {
	if s.db == nil {
		return fmt.Errorf("database not initialized")
	}

	sourceDriver, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("failed to create migration source: %w", err)
	}

	var driver database.Driver
	switch s.cfg.Driver {
	case DriverPostgres:
		driver, err = migratepgx.WithInstance(s.db, &migratepgx.Config{})
	default:
		driver, err = migratesqlite.WithInstance(s.db, &migratesqlite.Config{})
	}
	if err != nil {
		return fmt.Errorf("failed to create database driver: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", sourceDriver, s.cfg.Driver, driver)
	if err != nil {
		return fmt.Errorf("failed to create migration instance: %w", err)
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	return nil
}

// HealthCheck verifies the database connection is healthy
func (s *LedgerStore) HealthCheck(ctx context.Context) error {
	if s.db == nil {
		return fmt.Errorf("database not initialized")
	}

	return s.db.PingContext(ctx)
}

const instanceColumns = `instance_id, heartbeat_id, heartbeat_token_hash, provider, sealed_credential,
	start_time_ms, last_heartbeat_ms, expires_at_ms, active`

// Insert stores a new instance record
func (s *LedgerStore) Insert(ctx context.Context, inst *engine.Instance) error {
	query := `
		INSERT INTO instances (` + instanceColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err := s.db.ExecContext(ctx, s.rebind(query),
		inst.InstanceID,
		inst.HeartbeatID,
		inst.HeartbeatTokenHash,
		string(inst.Provider),
		inst.SealedCredential,
		toMillis(inst.StartTime),
		toMillis(inst.LastHeartbeat),
		nullMillis(inst.ExpiresAt),
		inst.Active,
	)
	if isUniqueViolation(err) {
		return fmt.Errorf("failed to insert instance %s: %w", inst.InstanceID, ErrDuplicateInstance)
	}
	if err != nil {
		return fmt.Errorf("failed to insert instance %s: %w", inst.InstanceID, err)
	}

	return nil
}

// FindByInstanceID retrieves a record by provider instance id
func (s *LedgerStore) FindByInstanceID(ctx context.Context, instanceID string) (*engine.Instance, error) {
	return s.findOne(ctx, "instance_id", instanceID)
}

// FindByHeartbeatID retrieves a record by heartbeat id
func (s *LedgerStore) FindByHeartbeatID(ctx context.Context, heartbeatID string) (*engine.Instance, error) {
	return s.findOne(ctx, "heartbeat_id", heartbeatID)
}

func (s *LedgerStore) findOne(ctx context.Context, column, value string) (*engine.Instance, error) {
	query := `SELECT ` + instanceColumns + ` FROM instances WHERE ` + column + ` = ?`

	inst, err := scanInstance(s.db.QueryRowContext(ctx, s.rebind(query), value))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, engine.ErrInstanceNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get instance by %s: %w", column, err)
	}

	return inst, nil
}

// FindStale returns active records whose last heartbeat is before cutoff
func (s *LedgerStore) FindStale(ctx context.Context, cutoff time.Time) ([]*engine.Instance, error) {
	query := `
		SELECT ` + instanceColumns + `
		FROM instances
		WHERE active = TRUE AND last_heartbeat_ms < ?
		ORDER BY last_heartbeat_ms ASC
	`
	return s.findMany(ctx, query, toMillis(cutoff))
}

// FindExpired returns active records whose lease deadline has passed
func (s *LedgerStore) FindExpired(ctx context.Context, now time.Time) ([]*engine.Instance, error) {
	query := `
		SELECT ` + instanceColumns + `
		FROM instances
		WHERE active = TRUE AND expires_at_ms IS NOT NULL AND expires_at_ms < ?
		ORDER BY expires_at_ms ASC
	`
	return s.findMany(ctx, query, toMillis(now))
}

// FindActive returns every active record, newest first
func (s *LedgerStore) FindActive(ctx context.Context) ([]*engine.Instance, error) {
	query := `
		SELECT ` + instanceColumns + `
		FROM instances
		WHERE active = TRUE
		ORDER BY start_time_ms DESC
	`
	return s.findMany(ctx, query)
}

func (s *LedgerStore) findMany(ctx context.Context, query string, args ...any) ([]*engine.Instance, error) {
	rows, err := s.db.QueryContext(ctx, s.rebind(query), args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query instances: %w", err)
	}
	defer rows.Close()

	var out []*engine.Instance
	for rows.Next() {
		inst, err := scanInstance(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan instance: %w", err)
		}
		out = append(out, inst)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating instances: %w", err)
	}

	return out, nil
}

// TouchHeartbeat advances last_heartbeat monotonically and backfills a missing lease
func (s *LedgerStore) TouchHeartbeat(ctx context.Context, heartbeatID string, at time.Time, backfill *time.Time) (bool, error) {
	query := `
		UPDATE instances
		SET last_heartbeat_ms = CASE WHEN last_heartbeat_ms < ? THEN ? ELSE last_heartbeat_ms END,
		    expires_at_ms = COALESCE(expires_at_ms, ?)
		WHERE heartbeat_id = ? AND active = TRUE
	`

	ms := toMillis(at)
	res, err := s.db.ExecContext(ctx, s.rebind(query), ms, ms, nullMillis(backfill), heartbeatID)
	if err != nil {
		return false, fmt.Errorf("failed to record heartbeat: %w", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get affected rows: %w", err)
	}

	return n > 0, nil
}

// MarkInactive flips an active record to inactive
func (s *LedgerStore) MarkInactive(ctx context.Context, instanceID string) (bool, error) {
	query := `UPDATE instances SET active = FALSE WHERE instance_id = ? AND active = TRUE`

	res, err := s.db.ExecContext(ctx, s.rebind(query), instanceID)
	if err != nil {
		return false, fmt.Errorf("failed to deactivate instance %s: %w", instanceID, err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get affected rows: %w", err)
	}

	return n > 0, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanInstance(row rowScanner) (*engine.Instance, error) {
	var (
		inst      engine.Instance
		provider  string
		startMs   int64
		lastMs    int64
		expiresMs sql.NullInt64
	)

	if err := row.Scan(
		&inst.InstanceID,
		&inst.HeartbeatID,
		&inst.HeartbeatTokenHash,
		&provider,
		&inst.SealedCredential,
		&startMs,
		&lastMs,
		&expiresMs,
		&inst.Active,
	); err != nil {
		return nil, err
	}

	inst.Provider = engine.ProviderName(provider)
	inst.StartTime = fromMillis(startMs)
	inst.LastHeartbeat = fromMillis(lastMs)
	if expiresMs.Valid {
		t := fromMillis(expiresMs.Int64)
		inst.ExpiresAt = &t
	}

	return &inst, nil
}

// rebind rewrites ? placeholders to $n for PostgreSQL.
func (s *LedgerStore) rebind(query string) string {
	if s.cfg.Driver != DriverPostgres {
		return query
	}

	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}

	var liteErr *sqlite.Error
	if errors.As(err, &liteErr) {
		code := liteErr.Code()
		return code == sqlite3.SQLITE_CONSTRAINT_UNIQUE || code == sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY
	}

	return false
}

func toMillis(t time.Time) int64 {
	return t.UTC().UnixMilli()
}

func nullMillis(t *time.Time) any {
	if t == nil {
		return nil
	}
	return toMillis(*t)
}

func fromMillis(ms int64) time.Time {
	return time.UnixMilli(ms).UTC()
}
