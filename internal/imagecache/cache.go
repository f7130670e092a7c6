package imagecache

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"

	"github.com/bookdigest/covercache/internal/cache"
	"github.com/bookdigest/covercache/internal/config"
	"github.com/bookdigest/covercache/internal/logging"
	"github.com/bookdigest/covercache/internal/metrics"
)

// PopulateMode 复用配置层定义，调用方无需同时引入 config 包。
type PopulateMode = config.PopulateMode

const (
	PopulateSync  = config.PopulateSync
	PopulateAsync = config.PopulateAsync
	PopulateOff   = config.PopulateOff
)

const (
	defaultFetchTimeout  = 15 * time.Second
	defaultMaxImageBytes = 10 << 20
	defaultWorkers       = 4
	defaultQueueSize     = 256
	defaultUserAgent     = "covercache"
)

// Options 汇总 ImageCache 的依赖与参数，由组合根（main）一次性注入。
type Options struct {
	Store   cache.Store
	Client  *http.Client
	Logger  *logrus.Logger
	Metrics *metrics.Collector

	// PublicPrefix 是改写地址前缀，默认 /cache/images。
	PublicPrefix string
	// DefaultMode 是 ResolveURL 使用的回填策略，默认 async。
	DefaultMode PopulateMode
	// MaxImageBytes 限制单张图片大小。
	MaxImageBytes int64
	UserAgent     string
	// Workers/QueueSize 控制后台回填的并发与排队长度。
	Workers   int
	QueueSize int
	// Digest 默认为 MD5Digest。
	Digest DigestFunc
}

// ImageCache 是封面图片缓存的唯一入口，可被多个 goroutine 并发使用。
type ImageCache struct {
	store       cache.Store
	client      *http.Client
	logger      *logrus.Logger
	metrics     *metrics.Collector
	prefix      string
	defaultMode PopulateMode
	maxBytes    int64
	userAgent   string
	digest      DigestFunc

	flight     singleflight.Group
	background *populator
}

// New 校验依赖、清理残留临时文件并启动后台回填 worker。
func New(opts Options) (*ImageCache, error) {
	if opts.Store == nil {
		return nil, errors.New("cache store is required")
	}

	mode := opts.DefaultMode
	if mode == "" {
		mode = PopulateAsync
	}
	if _, err := config.ParsePopulateMode(string(mode)); err != nil {
		return nil, err
	}
	if opts.MaxImageBytes < 0 {
		return nil, fmt.Errorf("invalid max image bytes: %d", opts.MaxImageBytes)
	}

	client := opts.Client
	if client == nil {
		client = &http.Client{Timeout: defaultFetchTimeout}
	}
	logger := opts.Logger
	if logger == nil {
		logger = logging.Discard()
	}
	maxBytes := opts.MaxImageBytes
	if maxBytes == 0 {
		maxBytes = defaultMaxImageBytes
	}
	userAgent := strings.TrimSpace(opts.UserAgent)
	if userAgent == "" {
		userAgent = defaultUserAgent
	}
	digest := opts.Digest
	if digest == nil {
		digest = MD5Digest
	}
	workers := opts.Workers
	if workers <= 0 {
		workers = defaultWorkers
	}
	queueSize := opts.QueueSize
	if queueSize <= 0 {
		queueSize = defaultQueueSize
	}

	c := &ImageCache{
		store:       opts.Store,
		client:      client,
		logger:      logger,
		metrics:     opts.Metrics,
		prefix:      config.NormalizePrefix(opts.PublicPrefix),
		defaultMode: mode,
		maxBytes:    maxBytes,
		userAgent:   userAgent,
		digest:      digest,
	}

	removed, err := c.store.SweepTemp(context.Background())
	if err != nil {
		return nil, fmt.Errorf("sweep stale temp files: %w", err)
	}

	c.background = newPopulator(c, workers, queueSize)

	c.logger.WithFields(logrus.Fields{
		"action":        "cache_init",
		"storage_path":  c.store.Root(),
		"public_prefix": c.prefix,
		"populate_mode": string(c.defaultMode),
		"workers":       workers,
		"swept_temp":    removed,
	}).Info("image cache ready")

	return c, nil
}

// Root 返回缓存目录，HTTP 层用于静态服务同一目录。
func (c *ImageCache) Root() string {
	return c.store.Root()
}

// PublicPrefix 返回规范化后的改写地址前缀。
func (c *ImageCache) PublicPrefix() string {
	return c.prefix
}

// DefaultMode 返回 ResolveURL 采用的回填策略。
func (c *ImageCache) DefaultMode() PopulateMode {
	return c.defaultMode
}

// Lookup 只做文件存在性检查，命中返回绝对路径，永不触发网络请求。
func (c *ImageCache) Lookup(ctx context.Context, originURL string) (string, bool) {
	entry := c.Derive(originURL)
	if entry.Digest == "" {
		return "", false
	}
	return c.lookupEntry(ctx, entry, originURL)
}

func (c *ImageCache) lookupEntry(ctx context.Context, entry Entry, originURL string) (string, bool) {
	stat, err := c.store.Stat(ctx, entry.Name)
	switch {
	case err == nil:
		c.metrics.RecordLookup(true)
		return stat.FilePath, true
	case errors.Is(err, cache.ErrNotFound):
		// miss
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		c.logger.WithFields(logging.CacheFields("cache_lookup", entry.Digest, originURL, false)).
			WithError(err).
			Debug("cache_lookup_caller_gone")
	default:
		c.logger.WithFields(logging.CacheFields("cache_lookup", entry.Digest, originURL, false)).
			WithError(err).
			Warn("cache_stat_failed")
	}
	c.metrics.RecordLookup(false)
	return "", false
}

// Ensure 保证图片已缓存：命中直接返回路径；未命中则回源、校验并原子写入。
// 同一摘要的并发调用共享一次回源。失败只记录日志并返回 ("", false)，
// 调用方应退回原始地址。
func (c *ImageCache) Ensure(ctx context.Context, originURL string) (string, bool) {
	path, _, ok := c.EnsureEntry(ctx, originURL)
	return path, ok
}

// EnsureEntry 与 Ensure 相同，额外返回本次调用是否直接命中缓存。
func (c *ImageCache) EnsureEntry(ctx context.Context, originURL string) (path string, cacheHit bool, ok bool) {
	entry := c.Derive(originURL)
	if entry.Digest == "" {
		return "", false, false
	}
	if hitPath, hit := c.lookupEntry(ctx, entry, originURL); hit {
		return hitPath, true, true
	}
	path, ok = c.ensureMiss(ctx, entry, originURL)
	return path, false, ok
}

// ensureMiss 处理已确认未命中的条目，不再记录 lookup 指标。
func (c *ImageCache) ensureMiss(ctx context.Context, entry Entry, originURL string) (string, bool) {
	if err := validateOriginURL(originURL); err != nil {
		c.metrics.RecordFetch(metrics.FetchInvalidURL, 0, 0)
		c.logger.WithFields(logging.CacheFields("cache_fetch", entry.Digest, originURL, false)).
			WithField("error_class", errorClass(err)).
			WithError(err).
			Debug("cache_fetch_skipped")
		return "", false
	}

	// 回源使用脱离调用方取消信号的 context：共享同一次下载的其他等待者不应被连累，
	// 下载时长由 http.Client 超时约束。
	fetchCtx := context.WithoutCancel(ctx)
	results := c.flight.DoChan(entry.Digest, func() (interface{}, error) {
		return c.fetchAndStore(fetchCtx, entry, originURL)
	})

	select {
	case res := <-results:
		if res.Err != nil {
			return "", false
		}
		stored, ok := res.Val.(*cache.Entry)
		if !ok || stored == nil {
			return "", false
		}
		return stored.FilePath, true
	case <-ctx.Done():
		c.logger.WithFields(logging.CacheFields("cache_fetch", entry.Digest, originURL, false)).
			WithError(ctx.Err()).
			Debug("cache_fetch_caller_gone")
		return "", false
	}
}

// Schedule 将回填任务放入后台队列，返回是否被接受（含与已排队任务合并的情况）。
// 非 http/https 地址直接拒绝。
func (c *ImageCache) Schedule(originURL string) bool {
	if validateOriginURL(originURL) != nil {
		return false
	}
	return c.background.schedule(originURL)
}

// Pending 返回后台队列中尚未完成的任务数。
func (c *ImageCache) Pending() int {
	return c.background.pendingCount()
}

// Close 停止接收后台任务，并等待已排队的任务完成或 ctx 到期。
func (c *ImageCache) Close(ctx context.Context) error {
	return c.background.close(ctx)
}

// Open 打开 <digest>.jpg 形式的缓存文件，非法文件名与缺失条目都返回 cache.ErrNotFound。
func (c *ImageCache) Open(ctx context.Context, name string) (*cache.ReadResult, error) {
	if _, ok := parseImageName(name); !ok {
		return nil, cache.ErrNotFound
	}
	return c.store.Get(ctx, name)
}

// Stats 汇总缓存目录的概况，供诊断接口输出。
type Stats struct {
	StoragePath  string       `json:"storage_path"`
	PublicPrefix string       `json:"public_prefix"`
	PopulateMode PopulateMode `json:"populate_mode"`
	Entries      int          `json:"entries"`
	Pending      int          `json:"pending"`
}

// Stats 统计当前缓存条目数量。
func (c *ImageCache) Stats(ctx context.Context) (Stats, error) {
	count, err := c.store.Count(ctx, imageExt)
	if err != nil {
		return Stats{}, err
	}
	return Stats{
		StoragePath:  c.store.Root(),
		PublicPrefix: c.prefix,
		PopulateMode: c.defaultMode,
		Entries:      count,
		Pending:      c.Pending(),
	}, nil
}
