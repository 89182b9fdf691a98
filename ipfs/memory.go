package ipfs

import (
	"context"
	"fmt"
	"sync"
)

// MemoryStore keeps published documents in process. It addresses content the
// same way a local IPFS node would for raw blocks, which makes it suitable
// for development and tests.
type MemoryStore struct {
	mu   sync.RWMutex
	docs map[string][]byte
}

// NewMemoryStore constructs an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{docs: make(map[string][]byte)}
}

// Publish stores doc under its CID.
func (m *MemoryStore) Publish(_ context.Context, doc []byte, _ string) (string, error) {
	c, err := ComputeCID(doc)
	if err != nil {
		return "", err
	}
	key := c.String()
	m.mu.Lock()
	m.docs[key] = append([]byte(nil), doc...)
	m.mu.Unlock()
	return key, nil
}

// Get returns a previously published document.
func (m *MemoryStore) Get(contentAddress string) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	doc, ok := m.docs[contentAddress]
	if !ok {
		return nil, fmt.Errorf("ipfs: %s not found", contentAddress)
	}
	return append([]byte(nil), doc...), nil
}

// Len reports the number of stored documents.
func (m *MemoryStore) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.docs)
}
