package log

import (
	"os"

	"go.uber.org/zap/zapcore"

	configtypes "github.com/weisyn/httpcore/pkg/types"
)

// 控制台输出目标
const (
	sinkStdout = "stdout"
	sinkStderr = "stderr"
)

// LogOptions 日志配置选项
type LogOptions struct {
	Level string `json:"level"` // debug, info, warn, error, fatal
	// ToConsole 写文件时是否同时输出到标准错误
	ToConsole bool `json:"to_console"`
	// FilePath 为 stdout / stderr 时只输出到对应控制台，其他路径写 JSON 文件
	FilePath string `json:"file_path"`

	// 文件轮转（lumberjack）
	MaxSize    int  `json:"max_size"` // MB
	MaxBackups int  `json:"max_backups"`
	MaxAge     int  `json:"max_age"` // 天
	Compress   bool `json:"compress"`

	EnableCaller     bool `json:"enable_caller"`
	EnableStacktrace bool `json:"enable_stacktrace"`

	LevelMap map[string]zapcore.Level `json:"-"`
}

// Config 日志配置
type Config struct {
	options *LogOptions
}

// New 创建日志配置
//
// userConfig 为 *types.UserLogConfig 时只覆盖出现的字段；为 *LogOptions 时原样使用。
func New(userConfig interface{}) *Config {
	switch cfg := userConfig.(type) {
	case *LogOptions:
		if cfg != nil {
			if cfg.LevelMap == nil {
				cfg.LevelMap = defaultLevelMap
			}
			return &Config{options: cfg}
		}
	case *configtypes.UserLogConfig:
		opts := defaultOptions()
		if cfg != nil {
			if cfg.Level != nil {
				opts.Level = *cfg.Level
			}
			if cfg.FilePath != nil {
				opts.FilePath = *cfg.FilePath
				opts.ToConsole = isConsoleSink(opts.FilePath)
			}
		}
		return &Config{options: opts}
	}
	return &Config{options: defaultOptions()}
}

// NewFromProvider 从配置提供者创建日志配置，provider 为 nil 时使用默认值
func NewFromProvider(provider interface{ GetLog() *LogOptions }) *Config {
	if provider == nil {
		return New(nil)
	}
	return New(provider.GetLog())
}

func defaultOptions() *LogOptions {
	return &LogOptions{
		Level:            defaultLogLevel,
		ToConsole:        defaultToConsole,
		FilePath:         defaultFilePath,
		MaxSize:          defaultMaxSize,
		MaxBackups:       defaultMaxBackups,
		MaxAge:           defaultMaxAge,
		Compress:         defaultCompress,
		EnableCaller:     defaultEnableCaller,
		EnableStacktrace: defaultEnableStacktrace,
		LevelMap:         defaultLevelMap,
	}
}

func isConsoleSink(path string) bool {
	return path == sinkStdout || path == sinkStderr
}

// GetOptions 获取完整的日志配置选项
func (c *Config) GetOptions() *LogOptions {
	return c.options
}

// ZapLevel 未知级别按 info 处理
func (c *Config) ZapLevel() zapcore.Level {
	if level, ok := c.options.LevelMap[c.options.Level]; ok {
		return level
	}
	return zapcore.InfoLevel
}

// Console 控制台输出目标，不输出到控制台时返回 nil
func (c *Config) Console() zapcore.WriteSyncer {
	switch path := c.options.FilePath; {
	case path == sinkStdout:
		return zapcore.Lock(os.Stdout)
	case path == sinkStderr, c.options.ToConsole:
		return zapcore.Lock(os.Stderr)
	}
	return nil
}

// LogFile 日志文件路径，只输出到控制台时为空
func (c *Config) LogFile() string {
	if isConsoleSink(c.options.FilePath) {
		return ""
	}
	return c.options.FilePath
}

// FileEncoder 文件使用 JSON 行
func (c *Config) FileEncoder() zapcore.Encoder {
	ec := baseEncoderConfig()
	ec.EncodeTime = zapcore.ISO8601TimeEncoder
	ec.EncodeLevel = zapcore.LowercaseLevelEncoder
	return zapcore.NewJSONEncoder(ec)
}

// ConsoleEncoder 控制台使用带颜色级别的单行格式
func (c *Config) ConsoleEncoder() zapcore.Encoder {
	ec := baseEncoderConfig()
	ec.EncodeTime = zapcore.TimeEncoderOfLayout("15:04:05.000")
	ec.EncodeLevel = zapcore.CapitalColorLevelEncoder
	return zapcore.NewConsoleEncoder(ec)
}

func baseEncoderConfig() zapcore.EncoderConfig {
	return zapcore.EncoderConfig{
		TimeKey:        "timestamp",
		LevelKey:       "level",
		NameKey:        "logger",
		CallerKey:      "caller",
		FunctionKey:    zapcore.OmitKey,
		MessageKey:     "message",
		StacktraceKey:  "stacktrace",
		LineEnding:     zapcore.DefaultLineEnding,
		EncodeDuration: zapcore.StringDurationEncoder,
		EncodeCaller:   zapcore.ShortCallerEncoder,
	}
}
