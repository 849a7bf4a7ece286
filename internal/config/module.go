// Package config 提供应用配置管理功能
package config

import (
	"go.uber.org/fx"

	"github.com/weisyn/httpcore/pkg/interfaces/config"
	"github.com/weisyn/httpcore/pkg/types"
)

// ConfigParams 配置模块的依赖参数
type ConfigParams struct {
	fx.In

	AppOptions config.AppOptions `optional:"true"`
}

// ConfigOutput 配置模块的输出
type ConfigOutput struct {
	fx.Out

	Provider config.Provider
}

// Module 返回配置模块
func Module() fx.Option {
	return fx.Module("config",
		fx.Provide(ProvideConfigServices),
	)
}

// ProvideConfigServices 提供配置服务；配置非法时启动失败
func ProvideConfigServices(params ConfigParams) (ConfigOutput, error) {
	var appConfig *types.AppConfig
	if params.AppOptions != nil {
		appConfig = params.AppOptions.GetAppConfig()
	}
	provider := NewProvider(appConfig)
	if err := provider.Validate(); err != nil {
		return ConfigOutput{}, err
	}
	return ConfigOutput{Provider: provider}, nil
}

// StaticAppOptions 直接持有应用配置的 AppOptions
type StaticAppOptions struct {
	Config *types.AppConfig
}

// GetAppConfig 实现 config.AppOptions
func (o StaticAppOptions) GetAppConfig() *types.AppConfig { return o.Config }
