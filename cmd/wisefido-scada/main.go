package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"wisefido-scada/internal/config"
	"wisefido-scada/internal/service"
	logpkg "wisefido-scada/owl-common/logger"

	"github.com/spf13/pflag"
	"go.uber.org/zap"
)

func main() {
	rulesFile := pflag.String("rules", "", "validation rules YAML (overrides VALIDATION_RULES_FILE)")
	shutdownTimeout := pflag.Duration("shutdown-timeout", 30*time.Second, "graceful shutdown deadline")
	pflag.Parse()

	// 加载配置
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}
	if *rulesFile != "" {
		cfg.Validation.RulesFile = *rulesFile
	}

	// 初始化日志
	log, err := logpkg.NewLogger(cfg.Log.Level, cfg.Log.Format, "wisefido-scada")
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	rules, err := config.LoadRules(cfg.Validation.RulesFile)
	if err != nil {
		log.Fatal("Failed to load validation rules", zap.Error(err))
	}

	log.Info("Starting wisefido-scada service",
		zap.String("rules_file", cfg.Validation.RulesFile),
		zap.Int("tag_ranges", len(rules.Ranges)),
		zap.Int("well_overrides", len(rules.Wells)),
	)

	// 创建服务
	svc, err := service.NewIngestService(cfg, rules, log)
	if err != nil {
		log.Fatal("Failed to create ingest service", zap.Error(err))
	}

	// 创建上下文
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// 监听系统信号
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	// 启动服务（在 goroutine 中）
	errChan := make(chan error, 1)
	go func() {
		if err := svc.Start(ctx); err != nil {
			errChan <- err
		}
	}()

	// 等待信号或错误
	select {
	case sig := <-sigChan:
		log.Info("Received signal, shutting down", zap.String("signal", sig.String()))
	case err := <-errChan:
		log.Error("Service error", zap.Error(err))
	}
	cancel()

	// 停止服务，使用新的超时上下文完成最后一次刷新
	stopCtx, stopCancel := context.WithTimeout(context.Background(), *shutdownTimeout)
	defer stopCancel()
	if err := svc.Stop(stopCtx); err != nil {
		log.Error("Error stopping service", zap.Error(err))
	}

	log.Info("Service stopped")
}
