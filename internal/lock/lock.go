// Package lock provides in-process keyed mutexes and the daemon's singleton file lock.
package lock

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"

	"golang.org/x/sys/unix"
)

// MutexMap hands out one mutex per key, e.g. per task file name. An entry
// lives only while some goroutine holds or waits for it.
type MutexMap struct {
	mu      sync.Mutex
	entries map[string]*keyedMutex
}

type keyedMutex struct {
	sync.Mutex
	refs int
}

func NewMutexMap() *MutexMap {
	return &MutexMap{entries: make(map[string]*keyedMutex)}
}

func (m *MutexMap) Lock(key string) {
	m.acquire(key).Lock()
}

// TryLock acquires key without blocking and reports success.
func (m *MutexMap) TryLock(key string) bool {
	e := m.acquire(key)
	if e.TryLock() {
		return true
	}
	m.release(key, e)
	return false
}

// Unlock releases key. Unlocking a key that is not locked panics, as with sync.Mutex.
func (m *MutexMap) Unlock(key string) {
	m.mu.Lock()
	e, ok := m.entries[key]
	m.mu.Unlock()
	if !ok {
		panic(fmt.Sprintf("lock: unlock of unlocked key %q", key))
	}
	e.Unlock()
	m.release(key, e)
}

// Len is the number of keys currently held or awaited.
func (m *MutexMap) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.entries)
}

func (m *MutexMap) acquire(key string) *keyedMutex {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[key]
	if !ok {
		e = &keyedMutex{}
		m.entries[key] = e
	}
	e.refs++
	return e
}

func (m *MutexMap) release(key string, e *keyedMutex) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e.refs--
	if e.refs == 0 {
		delete(m.entries, key)
	}
}

// FileLock is an exclusive flock(2) held for the life of a daemon. The
// holder's PID is written into the file for status reporting.
type FileLock struct {
	path string
	file *os.File
}

func NewFileLock(path string) *FileLock {
	return &FileLock{path: path}
}

func (fl *FileLock) Path() string { return fl.path }

func (fl *FileLock) TryLock() error {
	f, err := os.OpenFile(fl.path, os.O_CREATE|os.O_RDWR, 0600)
	if err != nil {
		return fmt.Errorf("open lock file: %w", err)
	}

	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		f.Close()
		return fmt.Errorf("acquire lock (another daemon may be running for this agent): %w", err)
	}

	fail := func(step string, err error) error {
		_ = unix.Flock(int(f.Fd()), unix.LOCK_UN)
		f.Close()
		return fmt.Errorf("%s lock file: %w", step, err)
	}
	if err := f.Truncate(0); err != nil {
		return fail("truncate", err)
	}
	if _, err := f.Seek(0, 0); err != nil {
		return fail("seek", err)
	}
	if _, err := fmt.Fprintf(f, "%d\n", os.Getpid()); err != nil {
		return fail("write PID to", err)
	}
	if err := f.Sync(); err != nil {
		return fail("sync", err)
	}

	fl.file = f
	return nil
}

func (fl *FileLock) Unlock() error {
	if fl.file == nil {
		return nil
	}

	if err := unix.Flock(int(fl.file.Fd()), unix.LOCK_UN); err != nil {
		fl.file.Close()
		fl.file = nil
		return fmt.Errorf("release lock: %w", err)
	}
	if err := fl.file.Close(); err != nil {
		fl.file = nil
		return fmt.Errorf("close lock file: %w", err)
	}

	os.Remove(fl.path)
	fl.file = nil
	return nil
}

// Held reports whether some process currently holds the lock at path, and
// the PID it recorded.
func Held(path string) (int, bool) {
	f, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		return 0, false
	}
	defer f.Close()

	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB); err == nil {
		_ = unix.Flock(int(f.Fd()), unix.LOCK_UN)
		return 0, false
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return 0, true
	}
	pid, _ := strconv.Atoi(strings.TrimSpace(string(data)))
	return pid, true
}
