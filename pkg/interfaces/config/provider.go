// Package config provides configuration provider interfaces.
package config

import (
	dispatchconfig "github.com/weisyn/httpcore/internal/config/dispatch"
	logconfig "github.com/weisyn/httpcore/internal/config/log"
)

// Provider 配置提供者接口
type Provider interface {
	// GetAppName 获取应用名称
	GetAppName() string

	// GetLog 获取日志配置
	GetLog() *logconfig.LogOptions

	// GetDispatch 获取分发层配置（连接池、并发门闸、超时）
	GetDispatch() *dispatchconfig.DispatchOptions
}
