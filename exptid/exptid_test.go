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
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCanonical(t *testing.T) {
	a := map[string]any{"cc": "bbr", "abr": map[string]any{"name": "mpc", "horizon": 5}}
	b := map[any]any{"abr": map[any]any{"horizon": 5, "name": "mpc"}, "cc": "bbr"}

	ca, err := Canonical(a)
	require.NoError(t, err)
	cb, err := Canonical(b)
	require.NoError(t, err)

	assert.Equal(t, `{"abr":{"horizon":5,"name":"mpc"},"cc":"bbr"}`, ca)
	assert.Equal(t, ca, cb)
	assert.Equal(t, Hash(ca), Hash(cb))
	assert.Len(t, Hash(ca), 64)
	assert.Equal(t,
		"e3b0c44298fc1c149afbf4c8996fb92427ae41e4649b934ca495991b7852b855",
		Hash(""))
}

func TestMemStore(t *testing.T) {
	ctx := context.Background()
	m := NewMemStore()
	a, _ := m.ID(ctx, `{"a":1}`)
	b, _ := m.ID(ctx, `{"b":2}`)
	again, _ := m.ID(ctx, `{"a":1}`)
	assert.Equal(t, 1, a)
	assert.Equal(t, 2, b)
	assert.Equal(t, a, again)
}

// fakeDB stands in for the puffer_experiment table.
type fakeDB struct {
	rows    map[string]int
	created bool
	// raced makes the next insert behave as if another writer won.
	raced  bool
	broken error
	mx     sync.Mutex
}

type fakeRow struct {
	id  int
	err error
}

func (r fakeRow) Scan(dest ...any) error {
	if r.err != nil {
		return r.err
	}
	*dest[0].(*int) = r.id
	return nil
}

func (f *fakeDB) Exec(_ context.Context, sql string, _ ...any) (pgconn.CommandTag, error) {
	if strings.HasPrefix(sql, "CREATE TABLE") {
		f.created = true
	}
	return pgconn.CommandTag{}, f.broken
}

func (f *fakeDB) QueryRow(_ context.Context, sql string, args ...any) pgx.Row {
	f.mx.Lock()
	defer f.mx.Unlock()
	if f.broken != nil {
		return fakeRow{err: f.broken}
	}
	hash := args[0].(string)
	switch {
	case sql == selectID:
		if id, ok := f.rows[hash]; ok {
			return fakeRow{id: id}
		}
		return fakeRow{err: pgx.ErrNoRows}
	case sql == insertData:
		if f.raced {
			f.raced = false
			f.rows[hash] = 42
			return fakeRow{err: pgx.ErrNoRows}
		}
		if _, ok := f.rows[hash]; ok {
			return fakeRow{err: pgx.ErrNoRows}
		}
		f.rows[hash] = len(f.rows) + 1
		return fakeRow{id: f.rows[hash]}
	}
	return fakeRow{err: errors.New("unexpected query")}
}

func TestPGStore(t *testing.T) {
	ctx := context.Background()

	t.Run("insert then select", func(t *testing.T) {
		db := &fakeDB{rows: map[string]int{}}
		s, err := newPGStore(ctx, db, nil)
		require.NoError(t, err)
		assert.True(t, db.created)

		id, err := s.ID(ctx, `{"a":1}`)
		require.NoError(t, err)
		assert.Equal(t, 1, id)

		again, err := s.ID(ctx, `{"a":1}`)
		require.NoError(t, err)
		assert.Equal(t, id, again)
		assert.Len(t, db.rows, 1)

		other, err := s.ID(ctx, `{"a":2}`)
		require.NoError(t, err)
		assert.Equal(t, 2, other)
	})

	t.Run("lost insert race", func(t *testing.T) {
		db := &fakeDB{rows: map[string]int{}, raced: true}
		s, err := newPGStore(ctx, db, nil)
		require.NoError(t, err)
		id, err := s.ID(ctx, `{"a":1}`)
		require.NoError(t, err)
		assert.Equal(t, 42, id)
	})

	t.Run("database failure", func(t *testing.T) {
		db := &fakeDB{rows: map[string]int{}}
		s, err := newPGStore(ctx, db, nil)
		require.NoError(t, err)
		db.broken = errors.New("connection reset")
		_, err = s.ID(ctx, `{"a":1}`)
		assert.ErrorContains(t, err, "connection reset")
	})

	t.Run("table creation failure", func(t *testing.T) {
		db := &fakeDB{broken: errors.New("permission denied")}
		_, err := newPGStore(ctx, db, nil)
		assert.Error(t, err)
	})
}

func writeScript(t *testing.T, body string) string {
	path := filepath.Join(t.TempDir(), "expt_json.py")
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\n"+body+"\n"), 0o755))
	return path
}

func TestScript(t *testing.T) {
	ctx := context.Background()
	fp := map[string]any{"abr": "mpc"}

	t.Run("stdout is the canonical form", func(t *testing.T) {
		c := Script(writeScript(t, `echo "{\"fp\": \"$(echo "$1" | tr -d '\n')\"}"`))
		s, err := c(ctx, fp)
		require.NoError(t, err)
		assert.Equal(t, "{\"fp\": \"abr: mpc\"}\n", s)
	})

	t.Run("failure carries stderr", func(t *testing.T) {
		c := Script(writeScript(t, "echo 'bad settings' >&2; exit 2"))
		_, err := c(ctx, fp)
		assert.ErrorContains(t, err, "bad settings")
	})

	t.Run("no output is an error", func(t *testing.T) {
		c := Script(writeScript(t, "exit 0"))
		_, err := c(ctx, fp)
		assert.ErrorContains(t, err, "no output")
	})

	t.Run("missing script", func(t *testing.T) {
		_, err := Script(filepath.Join(t.TempDir(), "absent"))(ctx, fp)
		assert.Error(t, err)
	})

	t.Run("JSON needs no script", func(t *testing.T) {
		s, err := JSON(ctx, fp)
		require.NoError(t, err)
		assert.Equal(t, `{"abr":"mpc"}`, s)
	})
}
