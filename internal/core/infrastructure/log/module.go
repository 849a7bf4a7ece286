// Package log 提供日志管理功能
package log

import (
	"fmt"

	"go.uber.org/fx"
	"go.uber.org/zap"

	logconfig "github.com/weisyn/httpcore/internal/config/log"
	"github.com/weisyn/httpcore/pkg/interfaces/config"
	logInterface "github.com/weisyn/httpcore/pkg/interfaces/infrastructure/log"
)

// ModuleParams 日志模块的依赖参数
type ModuleParams struct {
	fx.In

	Provider config.Provider
}

// ModuleOutput 日志模块的输出
type ModuleOutput struct {
	fx.Out

	Logger    logInterface.Logger
	ZapLogger *zap.Logger // 供需要结构化字段的模块使用
}

// Module 返回日志模块
func Module() fx.Option {
	return fx.Module("log",
		fx.Provide(ProvideServices),
	)
}

// ProvideServices 根据配置创建日志记录器，并替换 init() 时创建的全局日志器
func ProvideServices(params ModuleParams) (ModuleOutput, error) {
	logger, err := New(logconfig.NewFromProvider(params.Provider))
	if err != nil {
		return ModuleOutput{}, fmt.Errorf("根据用户配置创建日志记录器失败: %w", err)
	}
	SetLogger(logger)

	return ModuleOutput{
		Logger:    logger,
		ZapLogger: logger.GetZapLogger(),
	}, nil
}

// NewModuleZapLogger 创建带 module 字段的 zap logger
func NewModuleZapLogger(baseLogger *zap.Logger, module string) *zap.Logger {
	if baseLogger == nil {
		return zap.NewNop()
	}
	return baseLogger.With(zap.String("module", module))
}
