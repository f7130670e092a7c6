package cache

import (
	"context"
	"errors"
	"io"
	"time"
)

// Store 负责管理磁盘缓存的读写。磁盘布局为单层目录：
//
//	<StoragePath>/<name>        # 例如 <digest>.jpg、<digest>.origin
//
// 目录中文件存在即代表条目存在，没有额外的索引或元数据库。
type Store interface {
	// Root 返回缓存目录的绝对路径。
	Root() string

	// Stat 仅检查条目是否存在，不打开文件。若不存在则返回 ErrNotFound。
	Stat(ctx context.Context, name string) (*Entry, error)

	// Get 返回一个可流式读取的缓存条目。若不存在则返回 ErrNotFound。
	Get(ctx context.Context, name string) (*ReadResult, error)

	// Put 将正文写入缓存，并产出新的 Entry 描述。实现需通过临时文件 + rename
	// 保证写入原子性，并在失败时清理临时文件。可选地根据 opts.ModTime 设置文件时间戳。
	Put(ctx context.Context, name string, body io.Reader, opts PutOptions) (*Entry, error)

	// Remove 删除条目文件，不存在时视为成功。
	Remove(ctx context.Context, name string) error

	// Count 统计以 suffix 结尾的条目数量，suffix 为空时统计全部正式条目。
	Count(ctx context.Context, suffix string) (int, error)

	// SweepTemp 清理进程异常退出后残留的临时文件，返回清理数量。
	SweepTemp(ctx context.Context) (int, error)
}

// PutOptions 控制写入过程中的可选属性。
type PutOptions struct {
	ModTime time.Time
}

// Entry 表示一次缓存命中结果，包含绝对文件路径及文件信息。
type Entry struct {
	Name      string `json:"name"`
	FilePath  string `json:"file_path"`
	SizeBytes int64  `json:"size_bytes"`
	ModTime   time.Time
}

// ReadResult 组合 Entry 与正文 Reader，便于 HTTP 层直接将 Body 流式返回。
type ReadResult struct {
	Entry  Entry
	Reader io.ReadSeekCloser
}

var (
	// ErrNotFound 表示缓存不存在。
	ErrNotFound = errors.New("cache entry not found")
	// ErrInvalidName 表示条目名称不是合法的单层文件名。
	ErrInvalidName = errors.New("invalid cache entry name")
)
