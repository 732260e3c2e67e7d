package daal

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/rs/zerolog"

	"github.com/tunnelmesh/oarchive/internal/layout"
	"github.com/tunnelmesh/oarchive/internal/oid"
)

const (
	dataDir = "data"
	tmpDir  = "tmp"
	ctxExt  = ".ctx"
)

// Local stores fragments as plain files under each disk's path:
//
//	<disk>/data/<uuid[0:2]>/<oid>_<frag>   committed fragments
//	<disk>/tmp/<oid>_<frag>                fragments being written
//	<disk>/tmp/<oid>_<frag>.ctx            in-flight store context
type Local struct {
	logger zerolog.Logger
}

// NewLocal creates a filesystem backend.
func NewLocal(logger zerolog.Logger) *Local {
	return &Local{logger: logger.With().Str("component", "daal-local").Logger()}
}

// Fragment implements Backend.
func (l *Local) Fragment(disk *layout.Disk, id oid.ID, frag int) Fragment {
	name := fileName(id, frag)
	return &localFragment{
		permPath: filepath.Join(disk.Path, dataDir, shard(id), name),
		tempPath: filepath.Join(disk.Path, tmpDir, name),
	}
}

func shard(id oid.ID) string {
	return id.UID.String()[:2]
}

// Locate implements Backend.
func (l *Local) Locate(ctx context.Context, disk *layout.Disk, id oid.ID) ([]int, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(filepath.Join(disk.Path, dataDir, shard(id)))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", disk.ID, err)
	}
	var frags []int
	for _, e := range entries {
		if n, ok := parseFragNum(e.Name(), id); ok {
			frags = append(frags, n)
		}
	}
	sort.Ints(frags)
	return frags, nil
}

// Check implements Backend. The check runs on its own goroutine; if it
// hangs past timeout it is left behind and the disk is reported as failed.
func (l *Local) Check(ctx context.Context, disk *layout.Disk, timeout time.Duration) error {
	done := make(chan error, 1)
	go func() {
		done <- writeCanary(disk.Path)
	}()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case err := <-done:
		if err != nil {
			l.logger.Warn().Err(err).Str("disk", disk.ID.String()).Msg("disk check failed")
		}
		return err
	case <-timer.C:
		l.logger.Warn().
			Str("disk", disk.ID.String()).
			Str("path", disk.Path).
			Dur("timeout", timeout).
			Msg("possible disk problem: directory check did not finish")
		return fmt.Errorf("%w: %s", ErrCheckTimeout, disk.ID)
	case <-ctx.Done():
		return ctx.Err()
	}
}

func writeCanary(root string) error {
	for _, dir := range []string{dataDir, tmpDir} {
		if err := os.MkdirAll(filepath.Join(root, dir), 0755); err != nil {
			return fmt.Errorf("create %s: %w", dir, err)
		}
	}
	canary, err := os.CreateTemp(filepath.Join(root, tmpDir), ".check-*")
	if err != nil {
		return fmt.Errorf("create canary: %w", err)
	}
	name := canary.Name()
	_, werr := canary.Write([]byte("ok"))
	cerr := canary.Close()
	_ = os.Remove(name)
	if werr != nil {
		return fmt.Errorf("write canary: %w", werr)
	}
	if cerr != nil {
		return fmt.Errorf("close canary: %w", cerr)
	}
	if _, err := os.ReadDir(filepath.Join(root, dataDir)); err != nil {
		return fmt.Errorf("list data: %w", err)
	}
	return nil
}

type localFragment struct {
	permPath string
	tempPath string

	f         *os.File
	size      int64
	writable  bool
	transient bool
	committed bool
	locked    bool
}

func (lf *localFragment) Create() error {
	if _, err := os.Stat(lf.permPath); err == nil {
		return fmt.Errorf("%w: %s", ErrExists, lf.permPath)
	}
	if err := os.MkdirAll(filepath.Dir(lf.tempPath), 0755); err != nil {
		return fmt.Errorf("create tmp dir: %w", err)
	}
	f, err := os.OpenFile(lf.tempPath, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0644)
	if err != nil {
		return fmt.Errorf("create %s: %w", lf.tempPath, err)
	}
	lf.f, lf.size = f, 0
	lf.writable, lf.transient, lf.committed = true, true, false
	return nil
}

func (lf *localFragment) Open() error {
	return lf.open(os.O_RDONLY)
}

func (lf *localFragment) RWOpen() error {
	return lf.open(os.O_RDWR)
}

func (lf *localFragment) open(flag int) error {
	f, err := os.OpenFile(lf.permPath, flag, 0)
	if errors.Is(err, fs.ErrNotExist) {
		if _, terr := os.Stat(lf.tempPath); terr == nil {
			return fmt.Errorf("%w: %s", ErrTransientOnly, lf.tempPath)
		}
		return fmt.Errorf("%w: %s", ErrNotFound, lf.permPath)
	}
	if err != nil {
		return fmt.Errorf("open %s: %w", lf.permPath, err)
	}
	st, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return fmt.Errorf("stat %s: %w", lf.permPath, err)
	}
	lf.f, lf.size = f, st.Size()
	lf.writable = flag&os.O_RDWR != 0
	lf.transient, lf.committed = false, true
	return nil
}

func (lf *localFragment) Append(p []byte) (int, error) {
	if err := lf.checkWritable(); err != nil {
		return 0, err
	}
	n, err := lf.f.WriteAt(p, lf.size)
	lf.size += int64(n)
	return n, err
}

func (lf *localFragment) WriteAt(p []byte, off int64) (int, error) {
	if err := lf.checkWritable(); err != nil {
		return 0, err
	}
	n, err := lf.f.WriteAt(p, off)
	if end := off + int64(n); end > lf.size {
		lf.size = end
	}
	return n, err
}

func (lf *localFragment) ReadAt(p []byte, off int64) (int, error) {
	if lf.f == nil {
		return 0, ErrClosed
	}
	return lf.f.ReadAt(p, off)
}

func (lf *localFragment) Length() (int64, error) {
	if lf.f == nil {
		return 0, ErrClosed
	}
	return lf.size, nil
}

func (lf *localFragment) Truncate(size int64) error {
	if err := lf.checkWritable(); err != nil {
		return err
	}
	if err := lf.f.Truncate(size); err != nil {
		return fmt.Errorf("truncate %s: %w", lf.f.Name(), err)
	}
	lf.size = size
	return nil
}

func (lf *localFragment) checkWritable() error {
	if lf.f == nil {
		return ErrClosed
	}
	if !lf.writable {
		return ErrReadOnly
	}
	return nil
}

func (lf *localFragment) Commit() error {
	if lf.f != nil && lf.transient {
		if err := lf.f.Sync(); err != nil {
			return fmt.Errorf("sync %s: %w", lf.tempPath, err)
		}
	}
	if err := os.MkdirAll(filepath.Dir(lf.permPath), 0755); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}
	if err := os.Rename(lf.tempPath, lf.permPath); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			if _, serr := os.Stat(lf.permPath); serr == nil {
				lf.committed = true
				return nil
			}
			return fmt.Errorf("%w: %s", ErrNotFound, lf.tempPath)
		}
		return fmt.Errorf("commit %s: %w", lf.permPath, err)
	}
	lf.transient, lf.committed = false, true
	return nil
}

func (lf *localFragment) Rollback() error {
	if lf.f != nil && lf.transient {
		_ = lf.Close()
	}
	if err := os.Remove(lf.tempPath); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("rollback %s: %w", lf.tempPath, err)
	}
	lf.transient = false
	return nil
}

func (lf *localFragment) Delete() error {
	if err := os.Remove(lf.permPath); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("%w: %s", ErrNotFound, lf.permPath)
		}
		return fmt.Errorf("delete %s: %w", lf.permPath, err)
	}
	lf.committed = false
	return nil
}

// Replace writes p to a sibling temp file and renames it over the committed
// fragment. An open handle moves to the new file; a held lock is taken on
// the new file before the rename so waiters on the old one cannot slip in.
func (lf *localFragment) Replace(p []byte) error {
	dir := filepath.Dir(lf.permPath)
	tmp, err := os.CreateTemp(dir, ".replace-*.tmp")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpPath := tmp.Name()
	discard := func() {
		_ = tmp.Close()
		_ = os.Remove(tmpPath)
	}
	if _, err := tmp.Write(p); err != nil {
		discard()
		return fmt.Errorf("write replacement: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		discard()
		return fmt.Errorf("sync replacement: %w", err)
	}
	if lf.f != nil && lf.locked {
		if err := handOver(lf.f, tmp, lf.permPath); err != nil {
			discard()
			return fmt.Errorf("lock replacement: %w", err)
		}
	}
	if err := os.Rename(tmpPath, lf.permPath); err != nil {
		if lf.f != nil && lf.locked {
			_ = handOver(tmp, lf.f, lf.permPath)
			_ = unlockFile(tmp, lf.permPath)
		}
		discard()
		return fmt.Errorf("replace %s: %w", lf.permPath, err)
	}
	lf.committed = true

	if lf.f == nil {
		return tmp.Close()
	}
	old := lf.f
	lf.f, lf.size = tmp, int64(len(p))
	lf.transient = false
	if err := old.Close(); err != nil {
		return fmt.Errorf("close replaced file: %w", err)
	}
	return nil
}

// Lock takes the lock and then makes sure the handle still names the
// committed file. A fragment replaced or deleted while the caller waited
// is followed to its new file, or reported as ErrNotFound.
func (lf *localFragment) Lock() error {
	if lf.f == nil {
		return ErrClosed
	}
	if lf.locked {
		return nil
	}
	for {
		if err := lockFile(lf.f, lf.permPath); err != nil {
			return err
		}
		if lf.transient {
			lf.locked = true
			return nil
		}
		current, err := lf.isCurrent()
		if err == nil && current {
			lf.locked = true
			return nil
		}
		_ = unlockFile(lf.f, lf.permPath)
		if err != nil {
			return err
		}
		flag := os.O_RDONLY
		if lf.writable {
			flag = os.O_RDWR
		}
		_ = lf.f.Close()
		lf.f = nil
		if err := lf.open(flag); err != nil {
			return err
		}
	}
}

func (lf *localFragment) isCurrent() (bool, error) {
	held, err := lf.f.Stat()
	if err != nil {
		return false, fmt.Errorf("stat %s: %w", lf.permPath, err)
	}
	cur, err := os.Stat(lf.permPath)
	if errors.Is(err, fs.ErrNotExist) {
		return false, fmt.Errorf("%w: %s", ErrNotFound, lf.permPath)
	}
	if err != nil {
		return false, fmt.Errorf("stat %s: %w", lf.permPath, err)
	}
	return os.SameFile(held, cur), nil
}

func (lf *localFragment) Unlock() error {
	if lf.f == nil || !lf.locked {
		return nil
	}
	lf.locked = false
	return unlockFile(lf.f, lf.permPath)
}

func (lf *localFragment) IsTransient() bool {
	return lf.transient
}

func (lf *localFragment) IsCommitted() bool {
	if lf.committed {
		return true
	}
	_, err := os.Stat(lf.permPath)
	return err == nil
}

func (lf *localFragment) Close() error {
	if lf.f == nil {
		return nil
	}
	if lf.locked {
		_ = lf.Unlock()
	}
	err := lf.f.Close()
	lf.f = nil
	return err
}

func (lf *localFragment) ctxPath() string {
	return lf.tempPath + ctxExt
}

func (lf *localFragment) SaveContext(p []byte) error {
	path := lf.ctxPath()
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("create tmp dir: %w", err)
	}
	tmp := path + ".new"
	if err := os.WriteFile(tmp, p, 0644); err != nil {
		return fmt.Errorf("write context: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("rename context: %w", err)
	}
	return nil
}

func (lf *localFragment) LoadContext() ([]byte, error) {
	b, err := os.ReadFile(lf.ctxPath())
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, lf.ctxPath())
	}
	if err != nil {
		return nil, fmt.Errorf("read context: %w", err)
	}
	return b, nil
}

func (lf *localFragment) DeleteContext() error {
	if err := os.Remove(lf.ctxPath()); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("delete context: %w", err)
	}
	return nil
}

var _ io.ReaderAt = (*localFragment)(nil)
