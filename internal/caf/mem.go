package caf

import (
	"context"
	"sync"
)

// MemStore is a process-local backend.
type MemStore struct {
	mu      sync.RWMutex
	objects map[string][]byte
}

// NewMemStore returns an empty in-memory store.
func NewMemStore() *MemStore {
	return &MemStore{objects: make(map[string][]byte)}
}

func (m *MemStore) Clean(ctx context.Context, b []byte) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	oid := OID(b)
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.objects[oid]; !ok {
		m.objects[oid] = append([]byte(nil), b...)
	}
	return oid, nil
}

func (m *MemStore) Smudge(ctx context.Context, oid string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := checkOID(oid); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	b, ok := m.objects[oid]
	if !ok {
		return nil, notFound(oid)
	}
	return append([]byte(nil), b...), nil
}

func (m *MemStore) Exists(ctx context.Context, oid string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.objects[oid]
	return ok, nil
}

// Len returns the number of stored objects.
func (m *MemStore) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.objects)
}
