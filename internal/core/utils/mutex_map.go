package utils

import (
	"errors"
	"fmt"
	"sync"
)

var ErrTooManyKeys = errors.New("too many keys held")

type keyLock struct {
	mu   sync.Mutex
	refs int
}

// MutexMap hands out one mutex per key. Entries are dropped once no goroutine
// holds or waits on them, so at most maxKeys distinct keys are live at once.
type MutexMap struct {
	mu      sync.Mutex
	locks   map[string]*keyLock
	maxKeys int
}

func NewMutexMap(maxKeys int) *MutexMap {
	return &MutexMap{
		locks:   make(map[string]*keyLock),
		maxKeys: maxKeys,
	}
}

func (m *MutexMap) Lock(key string) error {
	m.mu.Lock()
	l, ok := m.locks[key]
	if !ok {
		if len(m.locks) >= m.maxKeys {
			m.mu.Unlock()
			return fmt.Errorf("%w: cannot lock '%s'", ErrTooManyKeys, key)
		}
		l = &keyLock{}
		m.locks[key] = l
	}
	l.refs++
	m.mu.Unlock()

	l.mu.Lock()
	return nil
}

func (m *MutexMap) Unlock(key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	l, ok := m.locks[key]
	if !ok {
		return fmt.Errorf("key '%s' is not locked", key)
	}

	l.mu.Unlock()
	l.refs--
	if l.refs == 0 {
		delete(m.locks, key)
	}
	return nil
}

// Len is the number of keys currently held or waited on.
func (m *MutexMap) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.locks)
}
