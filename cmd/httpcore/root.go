package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.uber.org/fx"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	configimpl "github.com/weisyn/httpcore/internal/config"
	"github.com/weisyn/httpcore/internal/core/dispatch"
	logimpl "github.com/weisyn/httpcore/internal/core/infrastructure/log"
	"github.com/weisyn/httpcore/pkg/interfaces/config"
	"github.com/weisyn/httpcore/pkg/types"
)

// GlobalFlags 全局标志
type GlobalFlags struct {
	ConfigPath     string        // 配置文件路径，空则使用内嵌默认配置
	HTTP2          bool          // 在 ALPN 中声明 h2
	Insecure       bool          // 跳过证书校验
	Timeout        time.Duration // 统一超时，覆盖配置中的分阶段超时
	MaxConnections int           // 门闸容量，0 表示沿用配置
	LogLevel       string        // 日志级别
	MetricsAddr    string        // Prometheus 指标监听地址
}

func newRootCmd() *cobra.Command {
	flags := &GlobalFlags{}
	cmd := &cobra.Command{
		Use:   "httpcore",
		Short: "基于连接池的 HTTP/1.1 与 HTTP/2 请求工具",
		Long: `httpcore - 连接池分发器命令行

请求经并发门闸获取连接，空闲连接按目标与 TLS 配置复用；
TLS 目标可通过 ALPN 协商 HTTP/2，多个请求共享同一条连接。

示例:
  httpcore get https://example.com/ --http2
  httpcore post http://localhost:8080/items -d '{"a":1}' -H 'Content-Type: application/json'
  httpcore get http://localhost:8080/ --repeat 100 --concurrency 8`,
		SilenceUsage: true,
	}

	pf := cmd.PersistentFlags()
	pf.StringVarP(&flags.ConfigPath, "config", "c", "", "配置文件路径 (JSON 或 YAML)")
	pf.BoolVar(&flags.HTTP2, "http2", false, "TLS 目标在 ALPN 中声明 h2")
	pf.BoolVarP(&flags.Insecure, "insecure", "k", false, "跳过 TLS 证书校验")
	pf.DurationVar(&flags.Timeout, "timeout", 0, "统一超时 (连接/写/读响应头/读响应体/获取连接)")
	pf.IntVar(&flags.MaxConnections, "max-connections", 0, "并发门闸容量")
	pf.StringVar(&flags.LogLevel, "log-level", "", "日志级别: debug|info|warn|error")
	pf.StringVar(&flags.MetricsAddr, "metrics-addr", "", "Prometheus 指标监听地址 (如 :9090)")

	cmd.AddCommand(
		newRequestCmd(flags, ""),
		newRequestCmd(flags, http.MethodGet),
		newRequestCmd(flags, http.MethodPost),
		newRequestCmd(flags, http.MethodPut),
		newRequestCmd(flags, http.MethodDelete),
		newRequestCmd(flags, http.MethodHead),
	)
	return cmd
}

// loadAppConfig 加载配置文件并叠加命令行覆盖项
func loadAppConfig(flags *GlobalFlags, cmd *cobra.Command) (*types.AppConfig, error) {
	appConfig, err := configimpl.Load(flags.ConfigPath)
	if err != nil {
		return nil, err
	}
	if appConfig.Dispatch == nil {
		appConfig.Dispatch = &types.UserDispatchConfig{}
	}
	if cmd.Flags().Changed("http2") {
		http2 := flags.HTTP2
		appConfig.Dispatch.HTTP2 = &http2
	}
	if flags.MaxConnections > 0 {
		maxConns := flags.MaxConnections
		appConfig.Dispatch.MaxConnections = &maxConns
	}
	if flags.LogLevel != "" {
		if appConfig.Log == nil {
			appConfig.Log = &types.UserLogConfig{}
		}
		level := flags.LogLevel
		appConfig.Log.Level = &level
	}
	return appConfig, nil
}

// session 一次命令执行期间的依赖
type session struct {
	Dispatcher *dispatch.PooledDispatcher
	Provider   config.Provider
	Logger     *zap.Logger
}

// runWithDispatcher 启动 fx 应用，执行 fn 后停止应用（关闭全部连接）
func runWithDispatcher(ctx context.Context, flags *GlobalFlags, cmd *cobra.Command, fn func(ctx context.Context, s *session) error) (err error) {
	appConfig, err := loadAppConfig(flags, cmd)
	if err != nil {
		return err
	}

	var s session
	app := fx.New(
		fx.NopLogger,
		fx.Provide(func() config.AppOptions { return configimpl.StaticAppOptions{Config: appConfig} }),
		configimpl.Module(),
		logimpl.Module(),
		dispatch.Module(),
		fx.Populate(&s.Dispatcher, &s.Provider, &s.Logger),
	)
	if err := app.Err(); err != nil {
		return fmt.Errorf("初始化失败: %w", err)
	}
	if err := app.Start(ctx); err != nil {
		return fmt.Errorf("启动失败: %w", err)
	}
	defer func() {
		stopCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		err = multierr.Append(err, app.Stop(stopCtx))
	}()

	if flags.MetricsAddr != "" {
		stop, err := serveMetrics(flags.MetricsAddr, s.Logger)
		if err != nil {
			return err
		}
		defer stop()
	}
	return fn(ctx, &s)
}

// serveMetrics 在 addr 上暴露默认 Registry 的指标
func serveMetrics(addr string, logger *zap.Logger) (func(), error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("监听指标地址失败: %w", err)
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Warn("metrics server stopped", zap.Error(err))
		}
	}()
	logger.Info("metrics server listening", zap.String("addr", ln.Addr().String()))
	return func() { _ = srv.Close() }, nil
}
