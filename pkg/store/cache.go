package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	_ "modernc.org/sqlite" // Pure Go SQLite driver, registers as "sqlite".

	"github.com/riverdelta/eddy/pkg/fact"
)

// walJournalSizeLimit caps the WAL journal at 64 MiB.
const walJournalSizeLimit = 67108864

// SQL statements for the facts table.
const (
	sqlGetFact = `SELECT type, value, cause, ref, asserted_at, accessed_at
		FROM facts WHERE space = ? AND entity = ?`

	sqlPutFact = `INSERT INTO facts
		(space, entity, type, value, cause, ref, asserted_at, accessed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(space, entity) DO UPDATE SET
		 type = excluded.type,
		 value = excluded.value,
		 cause = excluded.cause,
		 ref = excluded.ref,
		 asserted_at = excluded.asserted_at,
		 accessed_at = excluded.accessed_at`

	sqlTouchFact = `UPDATE facts SET accessed_at = ? WHERE space = ? AND entity = ?`

	sqlEvictFacts = `DELETE FROM facts WHERE accessed_at < ?`

	sqlListFacts = `SELECT entity, type, value, cause, ref, asserted_at, accessed_at
		FROM facts WHERE space = ? ORDER BY entity`

	sqlListSpaces = `SELECT DISTINCT space FROM facts ORDER BY space`
)

// Row is one cached fact with its tier bookkeeping.
type Row struct {
	Space      string
	Fact       fact.Fact
	Ref        fact.Ref
	AccessedAt int64
}

// factStatements holds the prepared statements for repeated queries.
type factStatements struct {
	get, put, touch, evict, list, spaces *sql.Stmt
}

// Cache is the persistent cross-session tier, backed by SQLite in WAL
// mode. It holds confirmed facts only: commits write through on
// promotion and remote updates write through on arrival, but it is
// never the target of a direct local write.
type Cache struct {
	db     *sql.DB
	logger *slog.Logger
	stmts  factStatements
}

// OpenCache opens the cache database at dbPath, applies migrations,
// and prepares all repeated statements.
func OpenCache(dbPath string, logger *slog.Logger) (*Cache, error) {
	if logger == nil {
		logger = slog.Default()
	}

	// DSN parameters ensure pragmas apply to every connection from the pool.
	dsn := fmt.Sprintf(
		"file:%s?_pragma=journal_mode(WAL)&_pragma=synchronous(FULL)"+
			"&_pragma=foreign_keys(ON)&_pragma=busy_timeout(5000)"+
			"&_pragma=journal_size_limit(%d)",
		dbPath, walJournalSizeLimit,
	)

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("store: opening cache %s: %w", dbPath, err)
	}

	// Sole-writer pattern: only one connection writes at a time.
	db.SetMaxOpenConns(1)

	ctx := context.Background()
	if err := runMigrations(ctx, db, logger); err != nil {
		db.Close()
		return nil, err
	}

	c := &Cache{db: db, logger: logger}

	if err := c.prepareStatements(ctx); err != nil {
		db.Close()
		return nil, err
	}

	logger.Debug("fact cache ready", "path", dbPath)

	return c, nil
}

// stmtDef maps a SQL string to the prepared statement pointer it should
// populate.
type stmtDef struct {
	dest **sql.Stmt
	sql  string
	name string
}

func (c *Cache) prepareStatements(ctx context.Context) error {
	defs := []stmtDef{
		{&c.stmts.get, sqlGetFact, "getFact"},
		{&c.stmts.put, sqlPutFact, "putFact"},
		{&c.stmts.touch, sqlTouchFact, "touchFact"},
		{&c.stmts.evict, sqlEvictFacts, "evictFacts"},
		{&c.stmts.list, sqlListFacts, "listFacts"},
		{&c.stmts.spaces, sqlListSpaces, "listSpaces"},
	}

	for i := range defs {
		stmt, err := c.db.PrepareContext(ctx, defs[i].sql)
		if err != nil {
			return fmt.Errorf("store: preparing %s: %w", defs[i].name, err)
		}

		*defs[i].dest = stmt
	}

	return nil
}

// Get retrieves a cached fact by tier key. Returns (nil, nil) on a
// miss — callers use the nil row to distinguish "not cached" from
// "found".
func (c *Cache) Get(ctx context.Context, key fact.EntityKey) (*Row, error) {
	row := &Row{Space: key.Space, Fact: fact.Fact{Entity: key.Entity}}

	err := c.stmts.get.QueryRowContext(ctx, key.Space, key.Entity).Scan(
		&row.Fact.Type, &row.Fact.Value, &row.Fact.Cause,
		&row.Ref, &row.Fact.Asserted, &row.AccessedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil //nolint:nilnil // nil row means "not cached"
	}

	if err != nil {
		return nil, fmt.Errorf("store: reading cache for %s: %w", key, err)
	}

	return row, nil
}

// Put inserts or replaces the cached fact for its entity, stamping the
// access time.
func (c *Cache) Put(ctx context.Context, space string, f fact.Fact) error {
	ref, err := f.Ref()
	if err != nil {
		return err
	}

	_, err = c.stmts.put.ExecContext(ctx,
		space, f.Entity, f.Type, []byte(f.Value), string(f.Cause),
		string(ref), f.Asserted, fact.NowNano(),
	)
	if err != nil {
		return fmt.Errorf("store: caching %s/%s: %w", space, f.Entity, err)
	}

	return nil
}

// Touch bumps the access time of a cached fact so retention eviction
// sees it as live.
func (c *Cache) Touch(ctx context.Context, key fact.EntityKey) error {
	_, err := c.stmts.touch.ExecContext(ctx, fact.NowNano(), key.Space, key.Entity)
	if err != nil {
		return fmt.Errorf("store: touching cache for %s: %w", key, err)
	}

	return nil
}

// EvictStale removes facts not accessed within the retention window.
// Returns the number of rows deleted.
func (c *Cache) EvictStale(ctx context.Context, retention time.Duration) (int64, error) {
	cutoff := time.Now().Add(-retention).UnixNano()

	result, err := c.stmts.evict.ExecContext(ctx, cutoff)
	if err != nil {
		return 0, fmt.Errorf("store: evicting stale facts: %w", err)
	}

	affected, rowsErr := result.RowsAffected()
	if rowsErr != nil {
		c.logger.Warn("could not read rows affected", "error", rowsErr)
	}

	if affected > 0 {
		c.logger.Debug("evicted stale cached facts", "count", affected)
	}

	return affected, nil
}

// List returns all cached facts in a space, ordered by entity.
func (c *Cache) List(ctx context.Context, space string) ([]Row, error) {
	rows, err := c.stmts.list.QueryContext(ctx, space)
	if err != nil {
		return nil, fmt.Errorf("store: listing cache for %s: %w", space, err)
	}
	defer rows.Close()

	var result []Row

	for rows.Next() {
		row := Row{Space: space}

		err := rows.Scan(
			&row.Fact.Entity, &row.Fact.Type, &row.Fact.Value, &row.Fact.Cause,
			&row.Ref, &row.Fact.Asserted, &row.AccessedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("store: scanning cache row: %w", err)
		}

		result = append(result, row)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: iterating cache rows: %w", err)
	}

	return result, nil
}

// Spaces returns every space with at least one cached fact.
func (c *Cache) Spaces(ctx context.Context) ([]string, error) {
	rows, err := c.stmts.spaces.QueryContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("store: listing spaces: %w", err)
	}
	defer rows.Close()

	var spaces []string

	for rows.Next() {
		var space string
		if err := rows.Scan(&space); err != nil {
			return nil, fmt.Errorf("store: scanning space row: %w", err)
		}

		spaces = append(spaces, space)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: iterating space rows: %w", err)
	}

	return spaces, nil
}

// Checkpoint forces a WAL checkpoint to consolidate the WAL file into
// the main database.
func (c *Cache) Checkpoint() error {
	_, err := c.db.ExecContext(context.Background(), "PRAGMA wal_checkpoint(TRUNCATE)")
	if err != nil {
		return fmt.Errorf("store: wal checkpoint: %w", err)
	}

	return nil
}

// Close closes all prepared statements and the database connection.
func (c *Cache) Close() error {
	stmts := []*sql.Stmt{
		c.stmts.get, c.stmts.put, c.stmts.touch,
		c.stmts.evict, c.stmts.list, c.stmts.spaces,
	}

	for _, stmt := range stmts {
		if stmt != nil {
			if err := stmt.Close(); err != nil {
				c.logger.Warn("error closing statement", "error", err)
			}
		}
	}

	if err := c.db.Close(); err != nil {
		return fmt.Errorf("store: closing cache: %w", err)
	}

	return nil
}
