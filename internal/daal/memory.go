package daal

import (
	"context"
	"fmt"
	"io"
	"sort"
	"sync"
	"time"

	"github.com/tunnelmesh/oarchive/internal/layout"
	"github.com/tunnelmesh/oarchive/internal/oid"
)

type memKey struct {
	disk layout.DiskID
	name string
}

type memFile struct {
	data []byte
}

// Memory keeps fragments in process memory. It supports fault injection
// and is used by tests and dry runs.
type Memory struct {
	mu       sync.Mutex
	perm     map[memKey]*memFile
	temp     map[memKey]*memFile
	contexts map[memKey][]byte
	locks    map[memKey]*memFragment
	offline  map[layout.DiskID]bool
}

// NewMemory creates an empty in-memory backend.
func NewMemory() *Memory {
	return &Memory{
		perm:     make(map[memKey]*memFile),
		temp:     make(map[memKey]*memFile),
		contexts: make(map[memKey][]byte),
		locks:    make(map[memKey]*memFragment),
		offline:  make(map[layout.DiskID]bool),
	}
}

// Fragment implements Backend.
func (m *Memory) Fragment(disk *layout.Disk, id oid.ID, frag int) Fragment {
	return &memFragment{m: m, key: memKey{disk: disk.ID, name: fileName(id, frag)}}
}

// Locate implements Backend.
func (m *Memory) Locate(ctx context.Context, disk *layout.Disk, id oid.ID) ([]int, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.offline[disk.ID] {
		return nil, fmt.Errorf("%w: %s", ErrDiskOffline, disk.ID)
	}
	var frags []int
	for k := range m.perm {
		if k.disk != disk.ID {
			continue
		}
		if n, ok := parseFragNum(k.name, id); ok {
			frags = append(frags, n)
		}
	}
	sort.Ints(frags)
	return frags, nil
}

// Check implements Backend.
func (m *Memory) Check(_ context.Context, disk *layout.Disk, _ time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.offline[disk.ID] {
		return fmt.Errorf("%w: %s", ErrDiskOffline, disk.ID)
	}
	return nil
}

// FailDisk makes every operation on disk fail with ErrDiskOffline until it
// is called again with failed=false.
func (m *Memory) FailDisk(disk layout.DiskID, failed bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if failed {
		m.offline[disk] = true
	} else {
		delete(m.offline, disk)
	}
}

// Corrupt flips the byte at off in the committed (or else temporary) file.
// A negative off counts from the end.
func (m *Memory) Corrupt(disk layout.DiskID, id oid.ID, frag int, off int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	f := m.lookup(memKey{disk, fileName(id, frag)})
	if f == nil {
		return ErrNotFound
	}
	if off < 0 {
		off += int64(len(f.data))
	}
	if off < 0 || off >= int64(len(f.data)) {
		return fmt.Errorf("corrupt offset %d out of range", off)
	}
	f.data[off] ^= 0xff
	return nil
}

// Truncate cuts the committed (or else temporary) file to size bytes.
func (m *Memory) Truncate(disk layout.DiskID, id oid.ID, frag int, size int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	f := m.lookup(memKey{disk, fileName(id, frag)})
	if f == nil {
		return ErrNotFound
	}
	if size < int64(len(f.data)) {
		f.data = f.data[:size]
	}
	return nil
}

// Remove drops the committed file, simulating a lost fragment.
func (m *Memory) Remove(disk layout.DiskID, id oid.ID, frag int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.perm, memKey{disk, fileName(id, frag)})
}

// Contents returns a copy of the committed (or else temporary) file.
func (m *Memory) Contents(disk layout.DiskID, id oid.ID, frag int) ([]byte, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	f := m.lookup(memKey{disk, fileName(id, frag)})
	if f == nil {
		return nil, false
	}
	return append([]byte(nil), f.data...), true
}

// Exists reports where a fragment is stored.
func (m *Memory) Exists(disk layout.DiskID, id oid.ID, frag int) (committed, temporary bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := memKey{disk, fileName(id, frag)}
	_, committed = m.perm[k]
	_, temporary = m.temp[k]
	return committed, temporary
}

func (m *Memory) lookup(k memKey) *memFile {
	if f, ok := m.perm[k]; ok {
		return f
	}
	return m.temp[k]
}

func (m *Memory) checkDisk(k memKey) error {
	if m.offline[k.disk] {
		return fmt.Errorf("%w: %s", ErrDiskOffline, k.disk)
	}
	return nil
}

type memFragment struct {
	m   *Memory
	key memKey

	file      *memFile
	writable  bool
	transient bool
	committed bool
}

func (f *memFragment) Create() error {
	f.m.mu.Lock()
	defer f.m.mu.Unlock()
	if err := f.m.checkDisk(f.key); err != nil {
		return err
	}
	if _, ok := f.m.perm[f.key]; ok {
		return fmt.Errorf("%w: %s", ErrExists, f.key.name)
	}
	mf := &memFile{}
	f.m.temp[f.key] = mf
	f.file = mf
	f.writable, f.transient, f.committed = true, true, false
	return nil
}

func (f *memFragment) Open() error {
	return f.open(false)
}

func (f *memFragment) RWOpen() error {
	return f.open(true)
}

func (f *memFragment) open(writable bool) error {
	f.m.mu.Lock()
	defer f.m.mu.Unlock()
	if err := f.m.checkDisk(f.key); err != nil {
		return err
	}
	mf, ok := f.m.perm[f.key]
	if !ok {
		if _, tok := f.m.temp[f.key]; tok {
			return fmt.Errorf("%w: %s", ErrTransientOnly, f.key.name)
		}
		return fmt.Errorf("%w: %s", ErrNotFound, f.key.name)
	}
	f.file = mf
	f.writable, f.transient, f.committed = writable, false, true
	return nil
}

// begin locks the backend and validates the handle. The caller must unlock.
func (f *memFragment) begin(write bool) error {
	f.m.mu.Lock()
	if err := f.m.checkDisk(f.key); err != nil {
		return err
	}
	if f.file == nil {
		return ErrClosed
	}
	if write && !f.writable {
		return ErrReadOnly
	}
	return nil
}

func (f *memFragment) Append(p []byte) (int, error) {
	defer f.m.mu.Unlock()
	if err := f.begin(true); err != nil {
		return 0, err
	}
	f.file.data = append(f.file.data, p...)
	return len(p), nil
}

func (f *memFragment) WriteAt(p []byte, off int64) (int, error) {
	defer f.m.mu.Unlock()
	if err := f.begin(true); err != nil {
		return 0, err
	}
	if end := off + int64(len(p)); end > int64(len(f.file.data)) {
		grown := make([]byte, end)
		copy(grown, f.file.data)
		f.file.data = grown
	}
	copy(f.file.data[off:], p)
	return len(p), nil
}

func (f *memFragment) ReadAt(p []byte, off int64) (int, error) {
	defer f.m.mu.Unlock()
	if err := f.begin(false); err != nil {
		return 0, err
	}
	if off >= int64(len(f.file.data)) {
		return 0, io.EOF
	}
	n := copy(p, f.file.data[off:])
	if n < len(p) {
		return n, io.EOF
	}
	return n, nil
}

func (f *memFragment) Length() (int64, error) {
	defer f.m.mu.Unlock()
	if err := f.begin(false); err != nil {
		return 0, err
	}
	return int64(len(f.file.data)), nil
}

func (f *memFragment) Truncate(size int64) error {
	defer f.m.mu.Unlock()
	if err := f.begin(true); err != nil {
		return err
	}
	if size < int64(len(f.file.data)) {
		f.file.data = f.file.data[:size]
	}
	return nil
}

func (f *memFragment) Commit() error {
	f.m.mu.Lock()
	defer f.m.mu.Unlock()
	if err := f.m.checkDisk(f.key); err != nil {
		return err
	}
	mf, ok := f.m.temp[f.key]
	if !ok {
		if _, pok := f.m.perm[f.key]; pok {
			f.committed = true
			return nil
		}
		return fmt.Errorf("%w: %s", ErrNotFound, f.key.name)
	}
	delete(f.m.temp, f.key)
	f.m.perm[f.key] = mf
	f.transient, f.committed = false, true
	return nil
}

func (f *memFragment) Rollback() error {
	f.m.mu.Lock()
	defer f.m.mu.Unlock()
	if err := f.m.checkDisk(f.key); err != nil {
		return err
	}
	delete(f.m.temp, f.key)
	if f.transient {
		f.file = nil
		f.transient = false
	}
	return nil
}

func (f *memFragment) Delete() error {
	f.m.mu.Lock()
	defer f.m.mu.Unlock()
	if err := f.m.checkDisk(f.key); err != nil {
		return err
	}
	if _, ok := f.m.perm[f.key]; !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, f.key.name)
	}
	delete(f.m.perm, f.key)
	f.committed = false
	return nil
}

func (f *memFragment) Replace(p []byte) error {
	f.m.mu.Lock()
	defer f.m.mu.Unlock()
	if err := f.m.checkDisk(f.key); err != nil {
		return err
	}
	mf := &memFile{data: append([]byte(nil), p...)}
	f.m.perm[f.key] = mf
	f.committed = true
	if f.file != nil {
		f.file = mf
	}
	return nil
}

func (f *memFragment) Lock() error {
	defer f.m.mu.Unlock()
	if err := f.begin(false); err != nil {
		return err
	}
	if holder, ok := f.m.locks[f.key]; ok && holder != f {
		return ErrLocked
	}
	// Follow a replacement made while this handle waited.
	if !f.transient {
		mf, ok := f.m.perm[f.key]
		if !ok {
			return fmt.Errorf("%w: %s", ErrNotFound, f.key.name)
		}
		f.file = mf
	}
	f.m.locks[f.key] = f
	return nil
}

func (f *memFragment) Unlock() error {
	f.m.mu.Lock()
	defer f.m.mu.Unlock()
	if f.m.locks[f.key] == f {
		delete(f.m.locks, f.key)
	}
	return nil
}

func (f *memFragment) IsTransient() bool {
	return f.transient
}

func (f *memFragment) IsCommitted() bool {
	if f.committed {
		return true
	}
	f.m.mu.Lock()
	defer f.m.mu.Unlock()
	_, ok := f.m.perm[f.key]
	return ok
}

func (f *memFragment) Close() error {
	_ = f.Unlock()
	f.file = nil
	return nil
}

func (f *memFragment) SaveContext(p []byte) error {
	f.m.mu.Lock()
	defer f.m.mu.Unlock()
	if err := f.m.checkDisk(f.key); err != nil {
		return err
	}
	f.m.contexts[f.key] = append([]byte(nil), p...)
	return nil
}

func (f *memFragment) LoadContext() ([]byte, error) {
	f.m.mu.Lock()
	defer f.m.mu.Unlock()
	if err := f.m.checkDisk(f.key); err != nil {
		return nil, err
	}
	b, ok := f.m.contexts[f.key]
	if !ok {
		return nil, fmt.Errorf("%w: context %s", ErrNotFound, f.key.name)
	}
	return append([]byte(nil), b...), nil
}

func (f *memFragment) DeleteContext() error {
	f.m.mu.Lock()
	defer f.m.mu.Unlock()
	if err := f.m.checkDisk(f.key); err != nil {
		return err
	}
	delete(f.m.contexts, f.key)
	return nil
}
