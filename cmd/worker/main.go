package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"review-pipeline/internal/app"
	"review-pipeline/internal/app/worker"
	"review-pipeline/pkg/config"
	pkglog "review-pipeline/pkg/log"
)

func main() {
	cfg, err := config.LoadWorkerConfig()
	if err != nil {
		log.Fatalf("加载配置失败: %v", err)
	}

	logger, err := pkglog.NewLogger(&pkglog.Config{
		Level:  cfg.Log.Level,
		Format: cfg.Log.Format,
		File:   cfg.Log.File,
	})
	if err != nil {
		log.Fatalf("初始化日志失败: %v", err)
	}

	bootstrap, err := app.NewBootstrap(context.Background(), cfg, logger)
	if err != nil {
		log.Fatalf("初始化失败: %v", err)
	}

	application, err := worker.NewApp(bootstrap)
	if err != nil {
		log.Fatalf("初始化 Worker 失败: %v", err)
	}
	if err := application.Start(); err != nil {
		log.Fatalf("启动 Worker 失败: %v", err)
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := application.Shutdown(ctx); err != nil {
		log.Printf("关闭失败: %v", err)
	}
	log.Println("Worker 已关闭")
}
