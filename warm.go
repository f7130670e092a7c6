package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"strings"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/bookdigest/covercache/internal/imagecache"
)

// warmSummary 记录一次批量预热的结果。
type warmSummary struct {
	Total  int
	Cached int64
	Failed int64
}

// runWarm 读取 path 中的封面地址并以 concurrency 并发逐个 Ensure。
// 单个地址失败只计入 Failed，不影响退出码；文件无法读取时返回 1。
func runWarm(ctx context.Context, ic *imagecache.ImageCache, path string, concurrency int, logger *logrus.Logger) int {
	urls, err := readWarmList(path)
	if err != nil {
		fmt.Fprintf(stdErr, "读取预热列表失败: %v\n", err)
		return 1
	}

	started := time.Now()
	summary := warmAll(ctx, ic, urls, concurrency)

	logger.WithFields(logrus.Fields{
		"action":     "cache_warm",
		"source":     path,
		"total":      summary.Total,
		"cached":     summary.Cached,
		"failed":     summary.Failed,
		"elapsed_ms": time.Since(started).Milliseconds(),
	}).Info("cache_warm_complete")
	fmt.Fprintf(stdOut, "warmed %d/%d covers (%d failed)\n", summary.Cached, summary.Total, summary.Failed)
	return 0
}

func warmAll(ctx context.Context, ic *imagecache.ImageCache, urls []string, concurrency int) warmSummary {
	if concurrency <= 0 {
		concurrency = 1
	}
	var (
		group  errgroup.Group
		cached atomic.Int64
		failed atomic.Int64
	)
	group.SetLimit(concurrency)

	for _, u := range urls {
		if ctx.Err() != nil {
			failed.Add(1)
			continue
		}
		group.Go(func() error {
			if _, ok := ic.Ensure(ctx, u); ok {
				cached.Add(1)
			} else {
				failed.Add(1)
			}
			return nil
		})
	}
	_ = group.Wait()

	return warmSummary{Total: len(urls), Cached: cached.Load(), Failed: failed.Load()}
}

// readWarmList 逐行读取地址，跳过空行与 # 注释。
func readWarmList(path string) ([]string, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	var urls []string
	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		urls = append(urls, line)
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return urls, nil
}
