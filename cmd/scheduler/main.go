package main

import (
	"context"
	stdlog "log"
	"os"
	"os/signal"
	"syscall"
	"time"

	appscheduler "github.com/ShadowPlague21/Tessera/internal/app/scheduler"
	"github.com/ShadowPlague21/Tessera/pkg/config"
	"github.com/ShadowPlague21/Tessera/pkg/log"
)

func main() {
	cfg, err := config.LoadSchedulerConfig()
	if err != nil {
		stdlog.Fatalf("加载配置失败: %v", err)
	}

	logger, err := log.NewLogger(&log.Config{
		Level:  cfg.Log.Level,
		Format: cfg.Log.Format,
		File:   cfg.Log.File,
	})
	if err != nil {
		stdlog.Fatalf("初始化日志失败: %v", err)
	}

	application, err := appscheduler.NewApp(cfg, logger)
	if err != nil {
		stdlog.Fatalf("创建调度器应用失败: %v", err)
	}

	go func() {
		if err := application.Run(cfg.API.ListenAddr); err != nil {
			stdlog.Printf("调度器服务异常退出: %v", err)
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := application.Shutdown(ctx); err != nil {
		stdlog.Printf("关闭失败: %v", err)
	}
	stdlog.Println("调度器已关闭")
}
