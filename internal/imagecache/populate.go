package imagecache

import (
	"context"
	"sync"

	"github.com/sirupsen/logrus"
)

// populator 以固定数量的 worker 消费后台回填队列。任务不继承请求的取消信号，
// 失败只记录日志，不会回传给触发方。
type populator struct {
	cache *ImageCache
	queue chan string

	mu      sync.RWMutex
	closed  bool
	pending map[string]struct{}

	wg sync.WaitGroup
}

func newPopulator(c *ImageCache, workers, queueSize int) *populator {
	p := &populator{
		cache:   c,
		queue:   make(chan string, queueSize),
		pending: make(map[string]struct{}),
	}
	for i := 0; i < workers; i++ {
		p.wg.Add(1)
		go p.run()
	}
	return p
}

func (p *populator) run() {
	defer p.wg.Done()
	for originURL := range p.queue {
		// 入队前调用方已完成 lookup，fetchAndStore 内部还会复查文件。
		p.cache.ensureMiss(context.Background(), p.cache.Derive(originURL), originURL)
		p.done(originURL)
	}
}

// schedule 非阻塞入队；同一摘要已在队列或执行中时直接合并。
func (p *populator) schedule(originURL string) bool {
	digest := p.cache.Derive(originURL).Digest
	if digest == "" {
		return false
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		p.cache.metrics.RecordDropped()
		p.cache.logger.WithFields(logrus.Fields{
			"action": "cache_schedule",
			"origin": originURL,
			"reason": "closed",
		}).Warn("cache_schedule_dropped")
		return false
	}
	if _, exists := p.pending[digest]; exists {
		return true
	}

	select {
	case p.queue <- originURL:
		p.pending[digest] = struct{}{}
		p.cache.metrics.SetQueueDepth(len(p.pending))
		return true
	default:
		p.cache.metrics.RecordDropped()
		p.cache.logger.WithFields(logrus.Fields{
			"action": "cache_schedule",
			"origin": originURL,
			"reason": "queue_full",
		}).Warn("cache_schedule_dropped")
		return false
	}
}

func (p *populator) done(originURL string) {
	digest := p.cache.Derive(originURL).Digest
	p.mu.Lock()
	delete(p.pending, digest)
	depth := len(p.pending)
	p.mu.Unlock()
	p.cache.metrics.SetQueueDepth(depth)
}

func (p *populator) pendingCount() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.pending)
}

// close 关闭队列并等待 worker 退出；重复调用安全。
func (p *populator) close(ctx context.Context) error {
	p.mu.Lock()
	if !p.closed {
		p.closed = true
		close(p.queue)
	}
	p.mu.Unlock()

	finished := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(finished)
	}()

	select {
	case <-finished:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
