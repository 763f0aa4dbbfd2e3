// Copyright 2025 Kadir Pekel
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package store

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"
	"strings"
	"time"

	// Database drivers. sqlite is the default dialect (spec: "a single
	// relational store file"); postgres and mysql are supported for
	// operators who point DatabaseURL elsewhere.
	_ "github.com/go-sql-driver/mysql"
	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
)

// Dialect names accepted by New.
const (
	DialectSQLite   = "sqlite"
	DialectPostgres = "postgres"
	DialectMySQL    = "mysql"
)

// Config configures the Store's database connection.
type Config struct {
	Driver          string // "sqlite" (default), "postgres", or "mysql"
	DataSourceName  string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// SetDefaults fills zero-value fields with sensible single-host defaults.
func (c *Config) SetDefaults() {
	if c.Driver == "" {
		c.Driver = DialectSQLite
	}
	if c.DataSourceName == "" {
		c.DataSourceName = "hephaestus.db"
	}
	if c.MaxOpenConns == 0 {
		c.MaxOpenConns = 10
	}
	if c.MaxIdleConns == 0 {
		c.MaxIdleConns = 5
	}
	if c.ConnMaxLifetime == 0 {
		c.ConnMaxLifetime = time.Hour
	}
}

// Store wraps *sql.DB with a dialect tag so callers never hand-write
// dialect-specific SQL.
type Store struct {
	db      *sql.DB
	dialect string
}

// Dialect reports the database dialect this Store was opened with, for
// callers that need to fall back off a dialect-specific feature (e.g. the
// sqlite-only ticket FTS index).
func (s *Store) Dialect() string {
	return s.dialect
}

// Open creates the database connection described by cfg, pings it, and
// runs migrate().
func Open(cfg Config) (*Store, error) {
	cfg.SetDefaults()

	switch cfg.Driver {
	case DialectSQLite, DialectPostgres, DialectMySQL:
	default:
		return nil, fmt.Errorf("unsupported dialect: %s (supported: sqlite, postgres, mysql)", cfg.Driver)
	}

	driverName := cfg.Driver
	if driverName == DialectSQLite {
		driverName = "sqlite3"
	}

	db, err := sql.Open(driverName, cfg.DataSourceName)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	s := &Store{db: db, dialect: cfg.Driver}
	if err := s.migrate(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate schema: %w", err)
	}
	return s, nil
}

// Close releases the underlying connection pool.
func (s *Store) Close() error {
	return s.db.Close()
}

// querier is satisfied by both *sql.DB and *sql.Tx so helpers written
// against it work inside and outside a WithTx scope.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// rebind rewrites the `?` placeholders a query is written with into `$1,
// $2, ...` for the postgres dialect. sqlite and mysql both accept `?`
// unchanged. Writing every query once with `?` and rebinding here keeps the
// dialect-switch explicit and auditable without duplicating every query
// string by hand, the way the teacher's task_service_sql.go does per-call.
func (s *Store) rebind(query string) string {
	if s.dialect != DialectPostgres {
		return query
	}
	var b strings.Builder
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

func (s *Store) exec(ctx context.Context, q querier, query string, args ...any) (sql.Result, error) {
	return q.ExecContext(ctx, s.rebind(query), args...)
}

func (s *Store) query(ctx context.Context, q querier, query string, args ...any) (*sql.Rows, error) {
	return q.QueryContext(ctx, s.rebind(query), args...)
}

func (s *Store) queryRow(ctx context.Context, q querier, query string, args ...any) *sql.Row {
	return q.QueryRowContext(ctx, s.rebind(query), args...)
}

// q is how WithTx hands its *sql.Tx down to entity methods: every CRUD
// method takes an optional tx and runs against it, or against s.db when tx
// is nil (called outside WithTx).
func (s *Store) q(tx *sql.Tx) querier {
	if tx != nil {
		return tx
	}
	return s.db
}

// WithTx runs fn inside a single transaction. Any error returned by fn (or a
// panic) rolls the transaction back; a nil error commits it. Writes that
// span multiple entities (ticket status transition + history row, task
// dedup + embedding write, merge bookkeeping) must go through this.
func (s *Store) WithTx(ctx context.Context, fn func(tx *sql.Tx) error) (err error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}

	defer func() {
		if p := recover(); p != nil {
			tx.Rollback()
			panic(p)
		}
		if err != nil {
			tx.Rollback()
			return
		}
		err = tx.Commit()
	}()

	err = fn(tx)
	return err
}
