package main

import (
	"context"
	stdErrors "errors"
	"io/fs"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/joho/godotenv"

	"Cerberus-Core/internal/app"
	"Cerberus-Core/internal/config"
	"Cerberus-Core/pkg/logger"
)

// main 是 Cerberus 守护进程的入口。
func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx); err != nil {
		log.Fatalf("cerberusd 运行失败: %v", err)
	}
}

func run(ctx context.Context) error {
	// .env 只用于本地开发，缺失时忽略。
	if err := godotenv.Load(); err != nil && !stdErrors.Is(err, fs.ErrNotExist) {
		return err
	}

	cfg, err := loadConfig(os.Getenv("CERBERUS_CONFIG"))
	if err != nil {
		return err
	}

	a, err := app.New(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() {
		if err := a.Close(); err != nil {
			logger.L().Warn("释放资源失败", slog.Any("error", err))
		}
		_ = logger.Sync()
	}()

	if err := a.Run(ctx); err != nil && !stdErrors.Is(err, context.Canceled) {
		return err
	}
	logger.L().Info("cerberusd 已退出")
	return nil
}

func loadConfig(path string) (*config.Config, error) {
	if path != "" {
		return config.Load(path)
	}
	path = filepath.Join("configs", "cerberus.yaml")
	if _, err := os.Stat(path); err == nil {
		return config.Load(path)
	}
	return config.Default("."), nil
}
