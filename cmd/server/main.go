package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/koopa0/pacnem-server/internal"
)

func main() {
	// .env 存在時先載入，讓環境變數成為旗標的預設值
	if err := godotenv.Load(); err != nil {
		slog.Info(".env 未載入", "error", err)
	}

	var (
		port      = flag.Int("port", envInt("PACNEM_PORT", 2908), "服務器端口")
		logLevel  = flag.String("log-level", envStr("PACNEM_LOG_LEVEL", "info"), "日誌級別 (debug, info, warn, error)")
		logFormat = flag.String("log-format", envStr("PACNEM_LOG_FORMAT", "text"), "日誌格式 (text, json)")
	)
	flag.Parse()

	logger := setupLogger(*logLevel, *logFormat)

	// Hub 與 Manager 互相依賴：Hub 是 Manager 的廣播出口，
	// Manager 是 Hub 的指令目的地，先建 Hub 再綁定
	hub := internal.NewHub(logger)
	manager := internal.NewManager(
		hub,
		internal.NewMazeSessionFactory(hub, internal.NewScheduler(), logger),
		internal.NewScheduler(),
		logger,
	)
	hub.Attach(manager)

	handler := internal.NewHandler(manager, logger)

	mux := http.NewServeMux()
	mux.Handle("/", handler.Routes())
	mux.HandleFunc("/ws", hub.ServeWS)

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", *port),
		Handler:      mux,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		logger.Info("pacNEM 遊戲服務器啟動",
			"port", *port,
			"log_level", *logLevel,
			"log_format", *logFormat)

		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("服務器啟動失敗", "error", err)
			os.Exit(1)
		}
	}()

	// 等待中斷信號
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	logger.Info("收到關閉信號，開始優雅關閉...")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		logger.Error("服務器關閉失敗", "error", err)
	}

	// 先關連線（觸發各連線的離場流程），再停管理器
	hub.Stop()
	manager.Stop()

	logger.Info("服務器已關閉")
}

// setupLogger 設置日誌
func setupLogger(level, format string) *slog.Logger {
	var logLevel slog.Level
	switch level {
	case "debug":
		logLevel = slog.LevelDebug
	case "info":
		logLevel = slog.LevelInfo
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	default:
		logLevel = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{
		Level:     logLevel,
		AddSource: level == "debug",
	}

	var handler slog.Handler
	if format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}

	return slog.New(handler)
}

// envStr 讀取環境變數，未設定時回傳預設值
func envStr(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

// envInt 讀取整數環境變數，未設定或無法解析時回傳預設值
func envInt(key string, fallback int) int {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return fallback
	}
	return parsed
}
