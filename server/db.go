// Copyright 2023 The Rift Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
// http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package server

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	"github.com/jackc/pgconn"
	"github.com/jackc/pgerrcode"
	_ "github.com/jackc/pgx/v4/stdlib"
	"go.uber.org/zap"
)

const dbErrorUniqueViolation = pgerrcode.UniqueViolation

var ErrRowsAffectedCount = errors.New("rows_affected_count")

// Scannable accepts either *sql.Row or *sql.Rows for scanning one row at a time.
type Scannable interface {
	Scan(dest ...interface{}) error
}

// DbConnect opens the database pool handed to user hooks and facades.
func DbConnect(ctx context.Context, logger *zap.Logger, config Config) *sql.DB {
	dbConfig := config.GetDatabase()
	if len(dbConfig.Address) == 0 {
		logger.Fatal("At least one database address must be specified")
	}
	rawURL := dbConfig.Address[0]
	if !strings.HasPrefix(rawURL, "postgresql://") && !strings.HasPrefix(rawURL, "postgres://") {
		rawURL = "postgresql://" + rawURL
	}

	db, err := sql.Open("pgx", rawURL)
	if err != nil {
		logger.Fatal("Error connecting to database", zap.Error(err))
	}

	pingCtx, pingCancel := context.WithTimeout(ctx, 15*time.Second)
	defer pingCancel()
	if err = db.PingContext(pingCtx); err != nil {
		logger.Fatal("Error pinging database", zap.Error(err))
	}

	db.SetConnMaxLifetime(time.Duration(dbConfig.ConnMaxLifetimeMs) * time.Millisecond)
	db.SetMaxOpenConns(dbConfig.MaxOpenConns)
	db.SetMaxIdleConns(dbConfig.MaxIdleConns)

	return db
}

func isRetryableError(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == pgerrcode.SerializationFailure || pgErr.Code == "CR000"
	}
	return false
}

// ExecuteRetryable retries non-transactional database operations that fail
// with a serialization error.
func ExecuteRetryable(fn func() error) error {
	if err := fn(); err != nil {
		if isRetryableError(err) {
			return ExecuteRetryable(fn)
		}
		return err
	}
	return nil
}

// ExecuteInTx runs fn inside a transaction, retrying it when the database
// reports a serialization failure. fn may be called multiple times and must
// not assume partial effects survive a retry.
func ExecuteInTx(ctx context.Context, db *sql.DB, fn func(*sql.Tx) error) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if tx != nil {
			_ = tx.Rollback()
		}
	}()

	for {
		if err = fn(tx); err == nil {
			err = tx.Commit()
		}
		if err == nil {
			tx = nil
			return nil
		}
		if !isRetryableError(err) {
			return err
		}
		_ = tx.Rollback()
		if tx, err = db.BeginTx(ctx, nil); err != nil {
			return err
		}
	}
}
