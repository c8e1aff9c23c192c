package evidence

import (
	"context"
	"database/sql"
	"fmt"
	"regexp"
	"time"

	_ "github.com/lib/pq" // PostgreSQL driver
	sf "github.com/snowflakedb/gosnowflake"
)

// Dialect selects the SQL flavour of a SQLStore.
type Dialect string

const (
	DialectPostgres  Dialect = "postgres"
	DialectSnowflake Dialect = "snowflake"
)

// DefaultTable is the evidence table name.
const DefaultTable = "closedcspm_evidence"

var tableName = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*(\.[A-Za-z_][A-Za-z0-9_]*){0,2}$`)

// SnowflakeConfig holds Snowflake connection settings.
type SnowflakeConfig struct {
	Account   string `mapstructure:"account"`
	User      string `mapstructure:"user"`
	Password  string `mapstructure:"password"`
	Database  string `mapstructure:"database"`
	Schema    string `mapstructure:"schema"`
	Warehouse string `mapstructure:"warehouse"`
	Role      string `mapstructure:"role"`
}

// DSN renders the gosnowflake connection string.
func (c SnowflakeConfig) DSN() (string, error) {
	dsn, err := sf.DSN(&sf.Config{
		Account:   c.Account,
		User:      c.User,
		Password:  c.Password,
		Database:  c.Database,
		Schema:    c.Schema,
		Warehouse: c.Warehouse,
		Role:      c.Role,
	})
	if err != nil {
		return "", fmt.Errorf("building snowflake dsn: %w", err)
	}
	return dsn, nil
}

// OpenSQL opens a database handle for dialect.
func OpenSQL(dialect Dialect, dsn string) (*sql.DB, error) {
	switch dialect {
	case DialectPostgres, DialectSnowflake:
	default:
		return nil, fmt.Errorf("unsupported evidence dialect %q", dialect)
	}
	db, err := sql.Open(string(dialect), dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	db.SetMaxOpenConns(4)
	db.SetMaxIdleConns(2)
	db.SetConnMaxLifetime(5 * time.Minute)
	return db, nil
}

// SQLStore writes evidence objects as rows of a table.
type SQLStore struct {
	db      *sql.DB
	dialect Dialect
	table   string
}

// NewSQLStore returns a store writing to table ("" for DefaultTable).
func NewSQLStore(db *sql.DB, dialect Dialect, table string) (*SQLStore, error) {
	if table == "" {
		table = DefaultTable
	}
	if !tableName.MatchString(table) {
		return nil, fmt.Errorf("invalid evidence table name %q", table)
	}
	switch dialect {
	case DialectPostgres, DialectSnowflake:
	default:
		return nil, fmt.Errorf("unsupported evidence dialect %q", dialect)
	}
	return &SQLStore{db: db, dialect: dialect, table: table}, nil
}

// Name returns the dialect.
func (s *SQLStore) Name() string { return string(s.dialect) }

// EnsureSchema creates the evidence table if it does not exist.
func (s *SQLStore) EnsureSchema(ctx context.Context) error {
	blob := "BYTEA"
	if s.dialect == DialectSnowflake {
		blob = "BINARY"
	}
	stmt := fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
	object_key VARCHAR(512) PRIMARY KEY,
	scan_type VARCHAR(64) NOT NULL,
	digest CHAR(64) NOT NULL,
	created_at TIMESTAMP NOT NULL,
	body %s NOT NULL
)`, s.table, blob)
	if _, err := s.db.ExecContext(ctx, stmt); err != nil {
		return fmt.Errorf("creating evidence table: %w", err)
	}
	return nil
}

// Put inserts obj and returns a <dialect>://<table>/<key> URI.
func (s *SQLStore) Put(ctx context.Context, obj Object) (string, error) {
	stmt := fmt.Sprintf("INSERT INTO %s (object_key, scan_type, digest, created_at, body) VALUES (%s)",
		s.table, s.placeholders(5))
	if _, err := s.db.ExecContext(ctx, stmt, obj.Key, obj.ScanType, obj.Digest, obj.CreatedAt, obj.Body); err != nil {
		return "", fmt.Errorf("inserting evidence: %w", err)
	}
	return fmt.Sprintf("%s://%s/%s", s.dialect, s.table, obj.Key), nil
}

// Get reads the body stored under key.
func (s *SQLStore) Get(ctx context.Context, key string) ([]byte, error) {
	stmt := fmt.Sprintf("SELECT body FROM %s WHERE object_key = %s", s.table, s.placeholders(1))
	var body []byte
	if err := s.db.QueryRowContext(ctx, stmt, key).Scan(&body); err != nil {
		return nil, fmt.Errorf("reading evidence %s: %w", key, err)
	}
	return body, nil
}

func (s *SQLStore) placeholders(n int) string {
	out := ""
	for i := 1; i <= n; i++ {
		if i > 1 {
			out += ", "
		}
		if s.dialect == DialectPostgres {
			out += fmt.Sprintf("$%d", i)
		} else {
			out += "?"
		}
	}
	return out
}
