package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/weisyn/httpcore/configs"
	"github.com/weisyn/httpcore/internal/config/dispatch"
	"github.com/weisyn/httpcore/internal/config/log"
	"github.com/weisyn/httpcore/pkg/interfaces/config"
	"github.com/weisyn/httpcore/pkg/types"
)

const defaultAppName = "httpcore"

// Provider 实现配置提供者接口
type Provider struct {
	appConfig *types.AppConfig
}

var _ config.Provider = (*Provider)(nil)

// NewProvider 创建配置提供者；appConfig 为 nil 时全部使用默认值
func NewProvider(appConfig *types.AppConfig) *Provider {
	return &Provider{
		appConfig: appConfig,
	}
}

// GetAppName 获取应用名称
func (p *Provider) GetAppName() string {
	if p.appConfig != nil && p.appConfig.AppName != nil && *p.appConfig.AppName != "" {
		return *p.appConfig.AppName
	}
	return defaultAppName
}

// GetLog 获取日志配置
func (p *Provider) GetLog() *log.LogOptions {
	var userLogConfig *types.UserLogConfig
	if p.appConfig != nil {
		userLogConfig = p.appConfig.Log
	}
	return log.New(userLogConfig).GetOptions()
}

// GetDispatch 获取分发层配置
func (p *Provider) GetDispatch() *dispatch.DispatchOptions {
	var userDispatchConfig *types.UserDispatchConfig
	if p.appConfig != nil {
		userDispatchConfig = p.appConfig.Dispatch
	}
	return dispatch.New(userDispatchConfig).GetOptions()
}

// ValidationError 配置验证错误
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("配置验证失败 [%s]: %s", e.Field, e.Message)
}

// Validate 校验 New 会静默忽略的非法字段
func (p *Provider) Validate() error {
	if p.appConfig == nil {
		return nil
	}
	if _, err := dispatch.Parse(p.appConfig.Dispatch); err != nil {
		return &ValidationError{Field: "dispatch", Message: err.Error()}
	}
	return nil
}

// Load 从文件加载应用配置，按扩展名选择 YAML 或 JSON；path 为空时使用内嵌默认配置
func Load(path string) (*types.AppConfig, error) {
	if path == "" {
		return Parse(configs.GetDefaultConfig(), ".json")
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("读取配置文件失败: %w", err)
	}
	return Parse(data, filepath.Ext(path))
}

// Parse 解析配置内容；ext 为 .yaml / .yml 时按 YAML 解析，否则按 JSON
func Parse(data []byte, ext string) (*types.AppConfig, error) {
	var appConfig types.AppConfig
	switch strings.ToLower(ext) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, &appConfig); err != nil {
			return nil, fmt.Errorf("解析 YAML 配置失败: %w", err)
		}
	default:
		if err := json.Unmarshal(data, &appConfig); err != nil {
			return nil, fmt.Errorf("解析 JSON 配置失败: %w", err)
		}
	}
	return &appConfig, nil
}
