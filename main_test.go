package main

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"image/jpeg"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/bookdigest/covercache/internal/cache"
	"github.com/bookdigest/covercache/internal/imagecache"
	"github.com/bookdigest/covercache/internal/logging"
)

func TestParseCLIFlagsPriority(t *testing.T) {
	t.Setenv("COVERCACHE_CONFIG", "/tmp/env.toml")

	opts, err := parseCLIFlags([]string{})
	if err != nil {
		t.Fatalf("解析失败: %v", err)
	}
	if opts.configPath != "/tmp/env.toml" {
		t.Fatalf("应优先使用环境变量，得到 %s", opts.configPath)
	}

	opts, err = parseCLIFlags([]string{"--config", "/tmp/flag.toml", "--warm", "urls.txt"})
	if err != nil {
		t.Fatalf("解析失败: %v", err)
	}
	if opts.configPath != "/tmp/flag.toml" {
		t.Fatalf("flag 应高于环境变量，得到 %s", opts.configPath)
	}
	if opts.warmFile != "urls.txt" {
		t.Fatalf("warm 参数未解析，得到 %q", opts.warmFile)
	}
}

func TestParseCLIFlagsDefaultPath(t *testing.T) {
	t.Setenv("COVERCACHE_CONFIG", "")
	opts, err := parseCLIFlags(nil)
	if err != nil {
		t.Fatalf("解析失败: %v", err)
	}
	if opts.configPath != "config.toml" {
		t.Fatalf("默认配置路径应为 config.toml，得到 %s", opts.configPath)
	}
	if _, err := parseCLIFlags([]string{"--unknown"}); err == nil {
		t.Fatalf("未知参数应返回错误")
	}
}

func TestRunCheckConfigSuccess(t *testing.T) {
	useBufferWriters(t)
	code := run(cliOptions{configPath: configFixture(t, "valid.toml"), checkOnly: true})
	if code != 0 {
		t.Fatalf("期望退出码 0，得到 %d (stderr=%s)", code, stdErrBuffer().String())
	}
}

func TestRunCheckConfigFailure(t *testing.T) {
	useBufferWriters(t)
	code := run(cliOptions{configPath: configFixture(t, "invalid.toml"), checkOnly: true})
	if code == 0 {
		t.Fatalf("无效配置应返回非零退出码")
	}
	if !strings.Contains(stdErrBuffer().String(), "加载配置失败") {
		t.Fatalf("stderr 应包含错误信息，得到 %s", stdErrBuffer().String())
	}
}

func TestRunVersionOutput(t *testing.T) {
	useBufferWriters(t)
	code := run(cliOptions{showVersion: true})
	if code != 0 {
		t.Fatalf("version 模式应成功退出，得到 %d", code)
	}
	if !strings.Contains(stdOutBuffer().String(), "covercache") {
		t.Fatalf("version 输出应包含 covercache 标识")
	}
}

func TestRunWarmCachesListedCovers(t *testing.T) {
	var hits atomic.Int64
	payload := encodeJPEG(t)
	origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		if r.URL.Path == "/broken.jpg" {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "image/jpeg")
		_, _ = w.Write(payload)
	}))
	defer origin.Close()

	dir := t.TempDir()
	storage := filepath.Join(dir, "covers")
	configPath := writeConfigFile(t, fmt.Sprintf(`
StoragePath = "%s"
WarmConcurrency = 2
`, storage))

	good := []string{origin.URL + "/a.jpg", origin.URL + "/b.jpg"}
	list := strings.Join([]string{
		"# covers for the home page",
		good[0],
		"",
		origin.URL + "/broken.jpg",
		"   " + good[1] + "   ",
		good[0],
	}, "\n")
	listPath := filepath.Join(dir, "urls.txt")
	if err := os.WriteFile(listPath, []byte(list), 0o600); err != nil {
		t.Fatalf("写入预热列表失败: %v", err)
	}

	useBufferWriters(t)
	code := run(cliOptions{configPath: configPath, warmFile: listPath})
	if code != 0 {
		t.Fatalf("部分失败仍应返回 0，得到 %d (stderr=%s)", code, stdErrBuffer().String())
	}
	if !strings.Contains(stdOutBuffer().String(), "warmed 3/4 covers (1 failed)") {
		t.Fatalf("预热摘要不符合预期: %s", stdOutBuffer().String())
	}
	if got := hits.Load(); got != 3 {
		t.Fatalf("重复地址不应重复回源，源站请求 %d 次", got)
	}
	for _, u := range good {
		stored, err := os.ReadFile(filepath.Join(storage, imagecache.MD5Digest(u)+".jpg"))
		if err != nil {
			t.Fatalf("%s 应已缓存: %v", u, err)
		}
		if !bytes.Equal(stored, payload) {
			t.Fatalf("%s 缓存内容与源站不一致", u)
		}
	}
}

func TestRunWarmMissingList(t *testing.T) {
	configPath := writeConfigFile(t, fmt.Sprintf("StoragePath = %q\n", t.TempDir()))
	useBufferWriters(t)
	code := run(cliOptions{configPath: configPath, warmFile: filepath.Join(t.TempDir(), "absent.txt")})
	if code != 1 {
		t.Fatalf("预热列表缺失应返回 1，得到 %d", code)
	}
}

func TestWarmAllStopsAfterCancel(t *testing.T) {
	ic := newTestImageCache(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	summary := warmAll(ctx, ic, []string{"http://127.0.0.1:1/a.jpg", "http://127.0.0.1:1/b.jpg"}, 2)
	if summary.Total != 2 || summary.Failed != 2 || summary.Cached != 0 {
		t.Fatalf("取消后应全部计为失败，得到 %+v", summary)
	}
}

func newTestImageCache(t *testing.T) *imagecache.ImageCache {
	t.Helper()
	store, err := cache.NewStore(t.TempDir())
	if err != nil {
		t.Fatalf("初始化缓存目录失败: %v", err)
	}
	ic, err := imagecache.New(imagecache.Options{Store: store, Logger: logging.Discard()})
	if err != nil {
		t.Fatalf("初始化图片缓存失败: %v", err)
	}
	t.Cleanup(func() { _ = ic.Close(context.Background()) })
	return ic
}

func encodeJPEG(t *testing.T) []byte {
	t.Helper()
	buf := &bytes.Buffer{}
	if err := jpeg.Encode(buf, image.NewGray(image.Rect(0, 0, 2, 3)), nil); err != nil {
		t.Fatalf("编码 JPEG 失败: %v", err)
	}
	return buf.Bytes()
}
