package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v3"
	"github.com/sirupsen/logrus"

	"github.com/bookdigest/covercache/internal/cache"
	"github.com/bookdigest/covercache/internal/config"
	"github.com/bookdigest/covercache/internal/imagecache"
	"github.com/bookdigest/covercache/internal/logging"
	"github.com/bookdigest/covercache/internal/metrics"
	"github.com/bookdigest/covercache/internal/server"
	"github.com/bookdigest/covercache/internal/server/routes"
	"github.com/bookdigest/covercache/internal/version"
)

// cliOptions 汇总 CLI 标志解析后的结果，便于在测试中注入。
type cliOptions struct {
	configPath  string
	checkOnly   bool
	showVersion bool
	warmFile    string
}

var (
	stdOut io.Writer = os.Stdout
	stdErr io.Writer = os.Stderr
)

const shutdownTimeout = 30 * time.Second

func main() {
	opts, err := parseCLIFlags(os.Args[1:])
	if err != nil {
		fmt.Fprintln(stdErr, err.Error())
		os.Exit(2)
	}
	os.Exit(run(opts))
}

// run 根据解析到的 CLI 选项执行业务流程，并返回退出码，方便测试。
func run(opts cliOptions) int {
	if opts.showVersion {
		printVersion()
		return 0
	}

	cfg, err := config.Load(opts.configPath)
	if err != nil {
		fmt.Fprintf(stdErr, "加载配置失败: %v\n", err)
		return 1
	}

	logger, err := logging.InitLogger(cfg.Global)
	if err != nil {
		fmt.Fprintf(stdErr, "初始化日志失败: %v\n", err)
		return 1
	}

	if opts.checkOnly {
		fields := configFields(logging.BaseFields("check_config", opts.configPath), cfg)
		fields["result"] = "ok"
		logger.WithFields(fields).Info("配置校验通过")
		return 0
	}

	// 启动顺序：配置 → 缓存目录 → 指标 → 回源客户端 → ImageCache → Fiber server，
	// 所有入口共享同一个 ImageCache 实例。
	store, err := cache.NewStore(cfg.Global.StoragePath)
	if err != nil {
		fmt.Fprintf(stdErr, "初始化缓存目录失败: %v\n", err)
		return 1
	}

	collector, err := metrics.NewCollector()
	if err != nil {
		fmt.Fprintf(stdErr, "初始化指标失败: %v\n", err)
		return 1
	}

	ic, err := newImageCache(cfg, store, collector, logger)
	if err != nil {
		fmt.Fprintf(stdErr, "初始化图片缓存失败: %v\n", err)
		return 1
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if opts.warmFile != "" {
		code := runWarm(ctx, ic, opts.warmFile, cfg.Cache.WarmConcurrency, logger)
		closeCache(ic, logger)
		return code
	}

	fields := configFields(logging.BaseFields("startup", opts.configPath), cfg)
	fields["listen_port"] = cfg.Global.ListenPort
	fields["version"] = version.Full()
	logger.WithFields(fields).Info("配置加载完成")

	err = startHTTPServer(ctx, cfg, ic, collector, logger)
	closeCache(ic, logger)
	if err != nil {
		fmt.Fprintf(stdErr, "HTTP 服务启动失败: %v\n", err)
		return 1
	}
	return 0
}

func newImageCache(cfg *config.Config, store cache.Store, collector *metrics.Collector, logger *logrus.Logger) (*imagecache.ImageCache, error) {
	userAgent := cfg.Cache.UserAgent
	if userAgent == "" {
		userAgent = version.UserAgent()
	}
	return imagecache.New(imagecache.Options{
		Store:         store,
		Client:        server.NewOriginClient(cfg),
		Logger:        logger,
		Metrics:       collector,
		PublicPrefix:  cfg.Cache.PublicPrefix,
		DefaultMode:   cfg.Cache.PopulateMode,
		MaxImageBytes: cfg.Cache.MaxImageBytes,
		UserAgent:     userAgent,
		Workers:       cfg.Cache.WarmConcurrency,
		QueueSize:     cfg.Cache.WarmQueueSize,
	})
}

func configFields(fields logrus.Fields, cfg *config.Config) logrus.Fields {
	fields["storage_path"] = cfg.Global.StoragePath
	fields["public_prefix"] = cfg.Cache.PublicPrefix
	fields["populate_mode"] = string(cfg.Cache.PopulateMode)
	return fields
}

// closeCache 等待后台回填任务排空，超时后放弃剩余任务。
func closeCache(ic *imagecache.ImageCache, logger *logrus.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	pending := ic.Pending()
	if err := ic.Close(ctx); err != nil {
		logger.WithFields(logrus.Fields{
			"action":  "shutdown",
			"pending": ic.Pending(),
		}).WithError(err).Warn("background_drain_incomplete")
		return
	}
	logger.WithFields(logrus.Fields{
		"action":  "shutdown",
		"drained": pending,
	}).Info("background_drained")
}

// parseCLIFlags 解析 CLI 参数，并结合环境变量计算最终的配置路径。
func parseCLIFlags(args []string) (cliOptions, error) {
	fs := flag.NewFlagSet("covercache", flag.ContinueOnError)
	fs.SetOutput(io.Discard)

	var (
		configFlag string
		checkOnly  bool
		showVer    bool
		warmFile   string
	)

	fs.StringVar(&configFlag, "config", "", "配置文件路径（默认 ./config.toml，可被 COVERCACHE_CONFIG 覆盖）")
	fs.BoolVar(&checkOnly, "check-config", false, "仅校验配置后退出")
	fs.BoolVar(&showVer, "version", false, "显示版本信息")
	fs.StringVar(&warmFile, "warm", "", "从文件逐行读取封面地址并预热缓存后退出")

	if err := fs.Parse(args); err != nil {
		return cliOptions{}, fmt.Errorf("解析参数失败: %w", err)
	}

	path := os.Getenv("COVERCACHE_CONFIG")
	if configFlag != "" {
		path = configFlag
	}
	if path == "" {
		path = "config.toml"
	}

	return cliOptions{
		configPath:  path,
		checkOnly:   checkOnly,
		showVersion: showVer,
		warmFile:    warmFile,
	}, nil
}

func startHTTPServer(ctx context.Context, cfg *config.Config, ic *imagecache.ImageCache, collector *metrics.Collector, logger *logrus.Logger) error {
	port := cfg.Global.ListenPort
	app, err := server.NewApp(server.AppOptions{
		Logger:     logger,
		ListenPort: port,
	})
	if err != nil {
		return err
	}
	routes.RegisterImageRoutes(app, ic, logger)
	routes.RegisterCoverRoutes(app, ic, logger)
	routes.RegisterDiagnosticRoutes(app, ic, collector)

	logger.WithFields(logrus.Fields{
		"action": "listen",
		"port":   port,
	}).Info("Fiber 服务启动")

	errCh := make(chan error, 1)
	go func() {
		errCh <- app.Listen(fmt.Sprintf(":%d", port), fiber.ListenConfig{DisableStartupMessage: true})
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logger.WithField("action", "shutdown").Info("收到退出信号，停止接收请求")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := app.ShutdownWithContext(shutdownCtx); err != nil {
		return err
	}
	return <-errCh
}
