package utils_test

import (
	"sync"
	"testing"
	"time"

	"segmentation-backend/internal/core/utils"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func holdFor(t *testing.T, m *utils.MutexMap, key string, d time.Duration, wg *sync.WaitGroup) {
	defer wg.Done()
	if err := m.Lock(key); err != nil {
		t.Errorf("error locking %s: %v", key, err)
		return
	}
	time.Sleep(d)
	if err := m.Unlock(key); err != nil {
		t.Errorf("error unlocking %s: %v", key, err)
	}
}

func TestMutexMapSameKeyIsSequential(t *testing.T) {
	m := utils.NewMutexMap(10)
	hold := 200 * time.Millisecond

	var wg sync.WaitGroup
	wg.Add(2)
	start := time.Now()
	go holdFor(t, m, "spleen_1", hold, &wg)
	go holdFor(t, m, "spleen_1", hold, &wg)
	wg.Wait()

	assert.GreaterOrEqual(t, time.Since(start), 2*hold)
	assert.Equal(t, 0, m.Len())
}

func TestMutexMapDifferentKeysAreConcurrent(t *testing.T) {
	m := utils.NewMutexMap(10)
	hold := 300 * time.Millisecond

	var wg sync.WaitGroup
	wg.Add(2)
	start := time.Now()
	go holdFor(t, m, "spleen_1", hold, &wg)
	go holdFor(t, m, "spleen_2", hold, &wg)
	wg.Wait()

	assert.Less(t, time.Since(start), 2*hold)
}

func TestMutexMapMaxKeys(t *testing.T) {
	m := utils.NewMutexMap(1)

	require.NoError(t, m.Lock("a"))
	assert.ErrorIs(t, m.Lock("b"), utils.ErrTooManyKeys)

	require.NoError(t, m.Unlock("a"))
	require.NoError(t, m.Lock("b"))
	require.NoError(t, m.Unlock("b"))
}

func TestMutexMapUnlockUnknownKey(t *testing.T) {
	m := utils.NewMutexMap(10)
	assert.Error(t, m.Unlock("missing"))
}
