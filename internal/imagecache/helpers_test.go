package imagecache

import (
	"bytes"
	"context"
	"image"
	"image/color"
	"image/jpeg"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/bookdigest/covercache/internal/cache"
	"github.com/bookdigest/covercache/internal/logging"
	"github.com/bookdigest/covercache/internal/metrics"
)

// originStub 模拟封面源站，记录每个路径的请求次数。
type originStub struct {
	*httptest.Server

	mu          sync.Mutex
	hits        map[string]int
	status      int
	contentType string
	body        []byte
	gate        chan struct{}
}

func newOriginStub(t *testing.T, body []byte) *originStub {
	t.Helper()
	stub := &originStub{
		hits:        make(map[string]int),
		status:      http.StatusOK,
		contentType: "image/jpeg",
		body:        body,
	}
	stub.Server = httptest.NewServer(http.HandlerFunc(stub.serve))
	t.Cleanup(stub.Close)
	return stub
}

func (s *originStub) serve(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	s.hits[r.URL.Path]++
	status, contentType, body, gate := s.status, s.contentType, s.body, s.gate
	s.mu.Unlock()

	if gate != nil {
		<-gate
	}
	w.Header().Set("Content-Type", contentType)
	w.WriteHeader(status)
	_, _ = w.Write(body)
}

func (s *originStub) respond(status int, contentType string, body []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.status = status
	s.contentType = contentType
	s.body = body
}

// block 让后续请求阻塞，直到返回的 release 被调用。
func (s *originStub) block() func() {
	gate := make(chan struct{})
	s.mu.Lock()
	s.gate = gate
	s.mu.Unlock()
	var once sync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			s.gate = nil
			s.mu.Unlock()
			close(gate)
		})
	}
}

func (s *originStub) hitCount(path string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.hits[path]
}

func (s *originStub) url(path string) string {
	return s.Server.URL + path
}

// jpegBytes 生成一张可解码的小尺寸 JPEG。
func jpegBytes(t *testing.T) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, 4, 6))
	for x := 0; x < 4; x++ {
		for y := 0; y < 6; y++ {
			img.Set(x, y, color.RGBA{R: uint8(40 * x), G: uint8(30 * y), B: 200, A: 255})
		}
	}
	buf := &bytes.Buffer{}
	if err := jpeg.Encode(buf, img, nil); err != nil {
		t.Fatalf("encode jpeg: %v", err)
	}
	return buf.Bytes()
}

type testCacheOption func(*Options)

func newTestCache(t *testing.T, opts ...testCacheOption) *ImageCache {
	t.Helper()
	store, err := cache.NewStore(t.TempDir())
	if err != nil {
		t.Fatalf("store error: %v", err)
	}
	options := Options{
		Store:        store,
		Client:       &http.Client{Timeout: 5 * time.Second},
		Logger:       logging.Discard(),
		Metrics:      metrics.MustNewCollector(),
		PublicPrefix: "/cache/images",
		DefaultMode:  PopulateSync,
		Workers:      2,
		QueueSize:    16,
	}
	for _, opt := range opts {
		opt(&options)
	}
	ic, err := New(options)
	if err != nil {
		t.Fatalf("new image cache: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = ic.Close(ctx)
	})
	return ic
}

// waitFor 轮询 cond 直到为真或超时。
func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("condition not met within %s", timeout)
}
