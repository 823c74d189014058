package source

import (
	"context"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"

	xerrors "Cerberus-Core/internal/errors"
	"Cerberus-Core/pkg/logger"
)

const defaultSettle = 500 * time.Millisecond

// WatchOption 配置目录监听。
type WatchOption func(*watchConfig)

type watchConfig struct {
	settle time.Duration
}

// WithSettleDelay 设置文件最后一次写入后等待多久再读取。
func WithSettleDelay(d time.Duration) WatchOption {
	return func(c *watchConfig) {
		if d > 0 {
			c.settle = d
		}
	}
}

// Watch 监听目录中新建或改写的文件，文件稳定后交给 fn 处理，直到 ctx 结束。
// 单个文件的处理错误只记录日志，不中断监听。
func (s *FolderSource) Watch(ctx context.Context, fn Handler, opts ...WatchOption) error {
	cfg := watchConfig{settle: defaultSettle}
	for _, opt := range opts {
		opt(&cfg)
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return xerrors.Wrap(xerrors.CodeInitializationFailure, err, "创建目录监听失败")
	}
	defer watcher.Close()
	if err := watcher.Add(s.dir); err != nil {
		return xerrors.Wrap(xerrors.CodeInitializationFailure, err, "监听目录失败: "+s.dir)
	}

	log := logger.Named("source").With(slog.String("dir", s.dir))
	log.Info("开始监听文档目录")

	pending := make(map[string]time.Time)
	ticker := time.NewTicker(cfg.settle / 2)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if ev.Op&(fsnotify.Create|fsnotify.Write) == 0 || !s.accepts(filepath.Base(ev.Name)) {
				continue
			}
			pending[ev.Name] = time.Now()
		case werr, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			log.Warn("目录监听出错", slog.Any("error", werr))
		case now := <-ticker.C:
			for path, last := range pending {
				if now.Sub(last) < cfg.settle {
					continue
				}
				delete(pending, path)
				doc, err := s.read(path)
				if err != nil {
					log.Warn("读取新文档失败", slog.String("path", path), slog.Any("error", err))
					continue
				}
				if err := fn(ctx, doc); err != nil {
					log.Error("处理新文档失败", slog.String("document_id", doc.ID), slog.Any("error", err))
				}
			}
		}
	}
}
