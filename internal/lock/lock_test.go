package lock

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMutexMap_LockUnlock(t *testing.T) {
	m := NewMutexMap()

	m.Lock("36.02.40.")
	m.Unlock("36.02.40.")

	m.Lock("36.02.40.")
	m.Unlock("36.02.40.")
	assert.Equal(t, 0, m.Len(), "released keys are dropped")
}

func TestMutexMap_DifferentKeys(t *testing.T) {
	m := NewMutexMap()

	done := make(chan struct{})

	m.Lock("36.02.40.")
	go func() {
		// another zone must not be blocked
		m.Lock("36.03.10.")
		m.Unlock("36.03.10.")
		close(done)
	}()

	<-done
	m.Unlock("36.02.40.")
}

func TestMutexMap_Concurrent(t *testing.T) {
	m := NewMutexMap()
	var counter int64
	var inside int32

	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			m.Lock("shared")
			if atomic.AddInt32(&inside, 1) != 1 {
				t.Error("two goroutines inside the same key")
			}
			counter++
			atomic.AddInt32(&inside, -1)
			m.Unlock("shared")
		}()
	}
	wg.Wait()

	assert.Equal(t, int64(100), counter)
	assert.Equal(t, 0, m.Len())
}

func TestMutexMap_WithLock(t *testing.T) {
	m := NewMutexMap()
	boom := errors.New("boom")

	err := m.WithLock("36.02.40.", func() error {
		assert.Equal(t, 1, m.Len())
		return boom
	})
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, 0, m.Len())
}

func TestMutexMap_UnlockUnknownPanics(t *testing.T) {
	m := NewMutexMap()
	assert.Panics(t, func() { m.Unlock("never-locked") })
}

func TestFileLock_TryLock(t *testing.T) {
	lockPath := filepath.Join(t.TempDir(), "daemon.lock")

	fl := NewFileLock(lockPath)
	require.NoError(t, fl.TryLock())
	defer fl.Unlock()
}

func TestFileLock_DoubleLockRejected(t *testing.T) {
	lockPath := filepath.Join(t.TempDir(), "daemon.lock")

	fl1 := NewFileLock(lockPath)
	require.NoError(t, fl1.TryLock())
	defer fl1.Unlock()

	fl2 := NewFileLock(lockPath)
	err := fl2.TryLock()
	require.ErrorIs(t, err, ErrLocked)
	assert.Contains(t, err.Error(), fmt.Sprintf("pid %d", os.Getpid()))
	assert.NoError(t, fl2.Unlock())

	content, err := os.ReadFile(lockPath)
	require.NoError(t, err)
	assert.Equal(t, fmt.Sprintf("%d\n", os.Getpid()), string(content))
}

func TestFileLock_UnlockAllowsRelock(t *testing.T) {
	lockPath := filepath.Join(t.TempDir(), "daemon.lock")

	fl1 := NewFileLock(lockPath)
	require.NoError(t, fl1.TryLock())
	require.NoError(t, fl1.Unlock())

	fl2 := NewFileLock(lockPath)
	require.NoError(t, fl2.TryLock())
	fl2.Unlock()
}

func TestFileLock_DoubleUnlockSafe(t *testing.T) {
	fl := NewFileLock(filepath.Join(t.TempDir(), "daemon.lock"))
	require.NoError(t, fl.TryLock())
	require.NoError(t, fl.Unlock())
	assert.NoError(t, fl.Unlock())
}
