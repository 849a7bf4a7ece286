package configs

import _ "embed"

// 内嵌的默认配置
//
//go:embed httpcore.json
var defaultConfig []byte

// GetDefaultConfig 获取内嵌的默认配置
func GetDefaultConfig() []byte {
	return defaultConfig
}
