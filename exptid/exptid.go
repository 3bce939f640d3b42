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

// Package exptid maps experiment settings to stable integer identifiers.
// Settings are reduced to a canonical JSON string, and identical strings
// always map to the same id.
package exptid

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sync"

	"github.com/bytedance/sonic"
)

// Store resolves a canonical settings string to its experiment id.
// Repeated calls with the same string return the same id.
type Store interface {
	ID(ctx context.Context, canonical string) (int, error)
}

// Canonical renders a fingerprint as JSON with object keys sorted, so that
// equal settings give byte-identical output.
func Canonical(fingerprint any) (string, error) {
	s, err := sonic.ConfigStd.MarshalToString(normalize(fingerprint))
	if err != nil {
		return "", fmt.Errorf("failed to encode fingerprint: %w", err)
	}
	return s, nil
}

// normalize turns YAML maps with non-string keys into JSON objects.
func normalize(v any) any {
	switch v := v.(type) {
	case map[any]any:
		m := make(map[string]any, len(v))
		for k, x := range v {
			m[fmt.Sprint(k)] = normalize(x)
		}
		return m
	case map[string]any:
		m := make(map[string]any, len(v))
		for k, x := range v {
			m[k] = normalize(x)
		}
		return m
	case []any:
		l := make([]any, len(v))
		for i, x := range v {
			l[i] = normalize(x)
		}
		return l
	}
	return v
}

// Hash is the lowercase hex SHA-256 of s.
func Hash(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])
}

// MemStore is an in-process Store, numbering settings from 1 in the order
// first seen.
type MemStore struct {
	ids map[string]int
	mx  sync.Mutex
}

func NewMemStore() *MemStore {
	return &MemStore{ids: make(map[string]int)}
}

func (m *MemStore) ID(_ context.Context, canonical string) (int, error) {
	h := Hash(canonical)
	m.mx.Lock()
	defer m.mx.Unlock()
	id, ok := m.ids[h]
	if !ok {
		id = len(m.ids) + 1
		m.ids[h] = id
	}
	return id, nil
}
