package storage

import "sync"

// MemoryStorage keeps documents in process memory. Used for tests and
// for running without durable state.
type MemoryStorage struct {
	mu   sync.RWMutex
	data map[string][]byte

	// FailSaves makes every Save return this error when set
	FailSaves error
}

func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{data: make(map[string][]byte)}
}

func (m *MemoryStorage) Save(key string, data []byte) error {
	if err := validateKey(key); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.FailSaves != nil {
		return m.FailSaves
	}
	m.data[key] = append([]byte(nil), data...)
	return nil
}

func (m *MemoryStorage) Load(key string) ([]byte, error) {
	if err := validateKey(key); err != nil {
		return nil, err
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	data, ok := m.data[key]
	if !ok {
		return nil, nil
	}
	return append([]byte(nil), data...), nil
}

func (m *MemoryStorage) Close() error {
	return nil
}
