package cache

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

const tempPattern = ".cache-*"

// chtimes 可在测试中替换。
var chtimes = os.Chtimes

// NewStore 以 basePath 为根目录构建磁盘缓存，整站复用一份实例。
func NewStore(basePath string) (Store, error) {
	if strings.TrimSpace(basePath) == "" {
		return nil, errors.New("storage path required")
	}

	abs, err := filepath.Abs(basePath)
	if err != nil {
		return nil, fmt.Errorf("resolve storage path: %w", err)
	}

	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, fmt.Errorf("create storage path: %w", err)
	}

	return &fileStore{
		basePath: abs,
		locks:    make(map[string]*entryLock),
	}, nil
}

// fileStore 通过 entryLock 避免同一条目并发写入，同时复用 basePath。
type fileStore struct {
	basePath string

	mu    sync.Mutex
	locks map[string]*entryLock
}

type entryLock struct {
	mu   sync.Mutex
	refs int
}

func (s *fileStore) Root() string {
	return s.basePath
}

// Stat 不检查 ctx：本地 stat 足够快，已取消的请求也应看到命中。
func (s *fileStore) Stat(_ context.Context, name string) (*Entry, error) {
	filePath, err := s.entryPath(name)
	if err != nil {
		return nil, err
	}

	info, err := os.Stat(filePath)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	if !info.Mode().IsRegular() {
		return nil, ErrNotFound
	}

	return &Entry{
		Name:      name,
		FilePath:  filePath,
		SizeBytes: info.Size(),
		ModTime:   info.ModTime(),
	}, nil
}

func (s *fileStore) Get(ctx context.Context, name string) (*ReadResult, error) {
	entry, err := s.Stat(ctx, name)
	if err != nil {
		return nil, err
	}

	f, err := os.Open(entry.FilePath)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, ErrNotFound
		}
		return nil, err
	}

	return &ReadResult{
		Entry:  *entry,
		Reader: f,
	}, nil
}

func (s *fileStore) Put(ctx context.Context, name string, body io.Reader, opts PutOptions) (*Entry, error) {
	filePath, err := s.entryPath(name)
	if err != nil {
		return nil, err
	}

	unlock := s.lockEntry(name)
	defer unlock()

	tempFile, err := os.CreateTemp(s.basePath, tempPattern)
	if err != nil {
		return nil, err
	}
	tempName := tempFile.Name()

	written, err := copyWithContext(ctx, tempFile, body)
	if err == nil {
		err = tempFile.Sync()
	}
	closeErr := tempFile.Close()
	if err == nil {
		err = closeErr
	}
	if err == nil {
		// CreateTemp 默认 0600，静态服务需要其他进程可读。
		err = os.Chmod(tempName, 0o644)
	}
	if err != nil {
		os.Remove(tempName)
		return nil, err
	}

	if err := os.Rename(tempName, filePath); err != nil {
		os.Remove(tempName)
		return nil, err
	}

	// rename 之后条目已完整落盘，时间戳设置失败不再视为写入失败。
	modTime := opts.ModTime
	if modTime.IsZero() {
		modTime = time.Now().UTC()
	}
	if err := chtimes(filePath, modTime, modTime); err != nil {
		if info, statErr := os.Stat(filePath); statErr == nil {
			modTime = info.ModTime()
		}
	}

	return &Entry{
		Name:      name,
		FilePath:  filePath,
		SizeBytes: written,
		ModTime:   modTime,
	}, nil
}

func (s *fileStore) Remove(ctx context.Context, name string) error {
	filePath, err := s.entryPath(name)
	if err != nil {
		return err
	}

	unlock := s.lockEntry(name)
	defer unlock()

	if err := os.Remove(filePath); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return nil
}

func (s *fileStore) Count(ctx context.Context, suffix string) (int, error) {
	entries, err := os.ReadDir(s.basePath)
	if err != nil {
		return 0, err
	}
	count := 0
	for _, entry := range entries {
		if err := ctx.Err(); err != nil {
			return count, err
		}
		if !entry.Type().IsRegular() || isTempName(entry.Name()) {
			continue
		}
		if suffix != "" && !strings.HasSuffix(entry.Name(), suffix) {
			continue
		}
		count++
	}
	return count, nil
}

func (s *fileStore) SweepTemp(ctx context.Context) (int, error) {
	matches, err := filepath.Glob(filepath.Join(s.basePath, tempPattern))
	if err != nil {
		return 0, err
	}
	removed := 0
	for _, match := range matches {
		if err := ctx.Err(); err != nil {
			return removed, err
		}
		if err := os.Remove(match); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return removed, err
		}
		removed++
	}
	return removed, nil
}

func (s *fileStore) lockEntry(name string) func() {
	s.mu.Lock()
	lock := s.locks[name]
	if lock == nil {
		lock = &entryLock{}
		s.locks[name] = lock
	}
	lock.refs++
	s.mu.Unlock()

	lock.mu.Lock()
	return func() {
		lock.mu.Unlock()
		s.mu.Lock()
		lock.refs--
		if lock.refs == 0 {
			delete(s.locks, name)
		}
		s.mu.Unlock()
	}
}

// entryPath 只接受单层文件名，拒绝路径分隔符、隐藏文件与 ..。
func (s *fileStore) entryPath(name string) (string, error) {
	if name == "" || name == "." || name == ".." {
		return "", ErrInvalidName
	}
	if strings.ContainsAny(name, `/\`) || strings.HasPrefix(name, ".") || strings.ContainsRune(name, 0) {
		return "", ErrInvalidName
	}
	return filepath.Join(s.basePath, name), nil
}

func isTempName(name string) bool {
	return strings.HasPrefix(name, ".cache-")
}

func copyWithContext(ctx context.Context, dst io.Writer, src io.Reader) (int64, error) {
	var copied int64
	buf := make([]byte, 32*1024)
	for {
		if err := ctx.Err(); err != nil {
			return copied, err
		}
		n, err := src.Read(buf)
		if n > 0 {
			w, wErr := dst.Write(buf[:n])
			copied += int64(w)
			if wErr != nil {
				return copied, wErr
			}
			if w < n {
				return copied, io.ErrShortWrite
			}
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				return copied, nil
			}
			return copied, err
		}
	}
}
