// Copyright 2026 The Streamvisor Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use file except in compliance with the License.
// You may obtain a copy of the license at
//
//    http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package exptid

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
)

const (
	createTable = `CREATE TABLE IF NOT EXISTS puffer_experiment
		(id SERIAL PRIMARY KEY, hash VARCHAR(64) UNIQUE NOT NULL, data jsonb)`
	selectID   = `SELECT id FROM puffer_experiment WHERE hash = $1`
	insertData = `INSERT INTO puffer_experiment (hash, data) VALUES ($1, $2)
		ON CONFLICT (hash) DO NOTHING RETURNING id`
)

// querier is the part of pgxpool.Pool (and pgx.Conn) used by PGStore.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// PGStore keeps experiment ids in the puffer_experiment table, keyed by
// the hash of the canonical settings.
type PGStore struct {
	q      querier
	pool   *pgxpool.Pool
	logger *zap.Logger
}

// NewPGStore connects to dsn and makes sure the table exists.
func NewPGStore(ctx context.Context, dsn string, logger *zap.Logger) (*PGStore, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to postgres: %w", err)
	}
	s, err := newPGStore(ctx, pool, logger)
	if err != nil {
		pool.Close()
		return nil, err
	}
	s.pool = pool
	return s, nil
}

func newPGStore(ctx context.Context, q querier, logger *zap.Logger) (*PGStore, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if _, err := q.Exec(ctx, createTable); err != nil {
		return nil, fmt.Errorf("failed to create puffer_experiment: %w", err)
	}
	return &PGStore{q: q, logger: logger}, nil
}

// ID returns the id of canonical, inserting it if it is new.  Concurrent
// inserts of the same settings converge on one row.
func (s *PGStore) ID(ctx context.Context, canonical string) (int, error) {
	hash := Hash(canonical)
	id, err := s.lookup(ctx, hash)
	if err == nil {
		return id, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return 0, err
	}

	err = s.q.QueryRow(ctx, insertData, hash, canonical).Scan(&id)
	switch {
	case err == nil:
		s.logger.Info("Registered new experiment", zap.Int("id", id), zap.String("hash", hash))
		return id, nil
	case errors.Is(err, pgx.ErrNoRows):
		// Lost a race with another inserter.
		return s.lookup(ctx, hash)
	}
	return 0, fmt.Errorf("failed to insert experiment %s: %w", hash, err)
}

func (s *PGStore) lookup(ctx context.Context, hash string) (int, error) {
	var id int
	err := s.q.QueryRow(ctx, selectID, hash).Scan(&id)
	if err != nil && !errors.Is(err, pgx.ErrNoRows) {
		return 0, fmt.Errorf("failed to look up experiment %s: %w", hash, err)
	}
	return id, err
}

// Close releases the connection pool.
func (s *PGStore) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}
