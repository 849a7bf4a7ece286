package log

import (
	"go.uber.org/zap/zapcore"
)

// 日志配置默认值
const (
	// === 基础日志配置 ===

	// defaultLogLevel 默认日志级别设为"info"
	// 原因：连接建立、淘汰等事件在 debug 级别，默认不输出
	defaultLogLevel = "info"

	// defaultToConsole 默认启用控制台输出
	defaultToConsole = true

	// defaultFilePath 默认输出到标准错误
	// 原因：CLI 把响应体写到标准输出，日志不能混入
	defaultFilePath = "stderr"

	// === 日志轮转配置 ===

	// defaultMaxSize 单个日志文件最大大小设为100MB
	defaultMaxSize = 100

	// defaultMaxBackups 最大备份文件数设为10
	defaultMaxBackups = 10

	// defaultMaxAge 日志文件最大保留天数设为30天
	defaultMaxAge = 30

	// defaultCompress 默认启用历史日志压缩
	defaultCompress = true

	// === 调试配置 ===

	// defaultEnableCaller 默认启用调用者信息
	defaultEnableCaller = true

	// defaultEnableStacktrace 默认对Error级别启用堆栈跟踪
	defaultEnableStacktrace = true
)

// 默认的日志级别映射
var defaultLevelMap = map[string]zapcore.Level{
	"debug": zapcore.DebugLevel,
	"info":  zapcore.InfoLevel,
	"warn":  zapcore.WarnLevel,
	"error": zapcore.ErrorLevel,
	"panic": zapcore.PanicLevel,
	"fatal": zapcore.FatalLevel,
}
