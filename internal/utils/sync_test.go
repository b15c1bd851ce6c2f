package utils

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestOptionalMutexEnabled(t *testing.T) {
	mutex := NewOptionalMutex(true)
	require.True(t, mutex.Enabled())

	var wg sync.WaitGroup
	counter := 0
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 1000; j++ {
				mutex.Lock()
				counter++
				mutex.Unlock()
			}
		}()
	}
	wg.Wait()

	require.Equal(t, 8000, counter)
}

func TestOptionalRWMutexDisabled(t *testing.T) {
	mutex := NewOptionalRWMutex(false)
	require.False(t, mutex.Enabled())

	// A disabled mutex never blocks, even when locked re-entrantly
	mutex.Lock()
	mutex.RLock()
	mutex.Lock()
	mutex.RUnlock()
	mutex.Unlock()
	mutex.Unlock()
}
