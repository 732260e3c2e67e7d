//go:build windows

package daal

import (
	"os"
	"sync"
)

// Windows has no flock; locks only exclude handles within this process.
// The table is keyed by the committed path.
var (
	lockMu    sync.Mutex
	lockTable = make(map[string]*os.File)
)

func lockFile(f *os.File, path string) error {
	lockMu.Lock()
	defer lockMu.Unlock()
	if holder, ok := lockTable[path]; ok && holder != f {
		return ErrLocked
	}
	lockTable[path] = f
	return nil
}

func unlockFile(f *os.File, path string) error {
	lockMu.Lock()
	defer lockMu.Unlock()
	if lockTable[path] == f {
		delete(lockTable, path)
	}
	return nil
}

func handOver(from, to *os.File, path string) error {
	lockMu.Lock()
	defer lockMu.Unlock()
	if holder, ok := lockTable[path]; ok && holder != from {
		return ErrLocked
	}
	lockTable[path] = to
	return nil
}
