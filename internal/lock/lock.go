// Package lock provides keyed in-process mutexes and the single-daemon file lock.
package lock

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"

	"golang.org/x/sys/unix"
)

// MutexMap hands out one mutex per key. Entries are reference counted and
// dropped when no goroutine holds or waits on them, so a large key space
// (one key per zone prefix) does not grow without bound.
type MutexMap struct {
	mu      sync.Mutex
	mutexes map[string]*refMutex
}

type refMutex struct {
	sync.Mutex
	refs int
}

func NewMutexMap() *MutexMap {
	return &MutexMap{
		mutexes: make(map[string]*refMutex),
	}
}

func (m *MutexMap) Lock(key string) {
	m.acquire(key).Lock()
}

func (m *MutexMap) Unlock(key string) {
	m.mu.Lock()
	rm, ok := m.mutexes[key]
	if !ok {
		m.mu.Unlock()
		panic(fmt.Sprintf("lock: unlock of unlocked key %q", key))
	}
	rm.refs--
	if rm.refs == 0 {
		delete(m.mutexes, key)
	}
	m.mu.Unlock()
	rm.Unlock()
}

// WithLock runs fn while holding the mutex for key.
func (m *MutexMap) WithLock(key string, fn func() error) error {
	m.Lock(key)
	defer m.Unlock(key)
	return fn()
}

// Len returns the number of keys currently held or waited on.
func (m *MutexMap) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.mutexes)
}

func (m *MutexMap) acquire(key string) *refMutex {
	m.mu.Lock()
	defer m.mu.Unlock()

	rm, ok := m.mutexes[key]
	if !ok {
		rm = &refMutex{}
		m.mutexes[key] = rm
	}
	rm.refs++
	return rm
}

// ErrLocked means another process holds the file lock.
var ErrLocked = errors.New("lock held by another process")

// FileLock is an exclusive flock on a pid file, held for the daemon's
// lifetime. The file contains the holder's PID.
type FileLock struct {
	path string
	f    *os.File
}

func NewFileLock(path string) *FileLock {
	return &FileLock{path: path}
}

// TryLock takes the lock without blocking. When it is already held the
// error wraps ErrLocked and names the holder's PID if known.
func (fl *FileLock) TryLock() error {
	f, err := os.OpenFile(fl.path, os.O_CREATE|os.O_RDWR, 0600)
	if err != nil {
		return fmt.Errorf("open lock file: %w", err)
	}
	fd := int(f.Fd())
	if err := unix.Flock(fd, unix.LOCK_EX|unix.LOCK_NB); err != nil {
		holder := readPID(f)
		f.Close()
		if errors.Is(err, unix.EWOULDBLOCK) {
			if holder > 0 {
				return fmt.Errorf("%w (pid %d)", ErrLocked, holder)
			}
			return ErrLocked
		}
		return fmt.Errorf("flock %s: %w", fl.path, err)
	}

	if err := writePID(f); err != nil {
		unix.Flock(fd, unix.LOCK_UN)
		f.Close()
		return fmt.Errorf("record pid in %s: %w", fl.path, err)
	}
	fl.f = f
	return nil
}

// Unlock releases the lock and removes the file. Calling it on a lock that
// is not held is a no-op.
func (fl *FileLock) Unlock() error {
	f := fl.f
	if f == nil {
		return nil
	}
	fl.f = nil
	os.Remove(fl.path)
	ferr := unix.Flock(int(f.Fd()), unix.LOCK_UN)
	cerr := f.Close()
	if ferr != nil {
		return fmt.Errorf("release lock: %w", ferr)
	}
	return cerr
}

func writePID(f *os.File) error {
	if err := f.Truncate(0); err != nil {
		return err
	}
	if _, err := f.WriteAt([]byte(strconv.Itoa(os.Getpid())+"\n"), 0); err != nil {
		return err
	}
	return f.Sync()
}

func readPID(f *os.File) int {
	buf := make([]byte, 32)
	n, _ := f.ReadAt(buf, 0)
	pid, err := strconv.Atoi(strings.TrimSpace(string(buf[:n])))
	if err != nil {
		return 0
	}
	return pid
}
