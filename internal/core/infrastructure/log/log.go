// Package log 提供基于 zap 的日志记录器实现
// 支持控制台输出与带轮转的 JSON 文件输出
package log

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"

	logconfig "github.com/weisyn/httpcore/internal/config/log"
	logInterface "github.com/weisyn/httpcore/pkg/interfaces/infrastructure/log"
)

// 日志级别定义
const (
	DebugLevel = string(logInterface.DebugLevel)
	InfoLevel  = string(logInterface.InfoLevel)
	WarnLevel  = string(logInterface.WarnLevel)
	ErrorLevel = string(logInterface.ErrorLevel)
	FatalLevel = string(logInterface.FatalLevel)
)

var (
	// 全局日志实例
	globalLogger logInterface.Logger
	mu           sync.RWMutex
)

// Logger 实现 log.Logger 接口
type Logger struct {
	zapLogger *zap.Logger
	sugar     *zap.SugaredLogger
}

func init() {
	ResetDefault()
}

// ResetDefault 重置全局日志记录器为默认配置
func ResetDefault() {
	logger, err := New(logconfig.New(nil))
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize default logger: %v\n", err)
		return
	}
	SetLogger(logger)
}

// createFileWriter 创建带轮转的日志文件写入器
func createFileWriter(logPath string, opts *logconfig.LogOptions) (zapcore.WriteSyncer, error) {
	if err := os.MkdirAll(filepath.Dir(logPath), 0700); err != nil {
		return nil, fmt.Errorf("创建日志目录失败: %w", err)
	}
	return zapcore.AddSync(&lumberjack.Logger{
		Filename:   logPath,
		MaxSize:    opts.MaxSize, // megabytes
		MaxBackups: opts.MaxBackups,
		MaxAge:     opts.MaxAge, // days
		Compress:   opts.Compress,
	}), nil
}

// New 根据配置创建日志记录器
//
// 文件输出为 JSON 行；控制台输出（stdout / stderr，或写文件时的附加标准错误）为单行格式。
func New(config *logconfig.Config) (logInterface.Logger, error) {
	level := zap.NewAtomicLevelAt(config.ZapLevel())
	opts := config.GetOptions()

	var cores []zapcore.Core
	if path := config.LogFile(); path != "" {
		absPath, err := filepath.Abs(path)
		if err != nil {
			return nil, fmt.Errorf("获取日志文件绝对路径失败: %w", err)
		}
		writer, err := createFileWriter(absPath, opts)
		if err != nil {
			return nil, err
		}
		cores = append(cores, zapcore.NewCore(config.FileEncoder(), writer, level))
	}
	if console := config.Console(); console != nil {
		cores = append(cores, zapcore.NewCore(config.ConsoleEncoder(), console, level))
	}

	var zapOptions []zap.Option
	if opts.EnableCaller {
		zapOptions = append(zapOptions, zap.AddCaller(), zap.AddCallerSkip(1))
	}
	if opts.EnableStacktrace {
		zapOptions = append(zapOptions, zap.AddStacktrace(zapcore.ErrorLevel))
	}

	zapLogger := zap.New(zapcore.NewTee(cores...), zapOptions...)
	return &Logger{
		zapLogger: zapLogger,
		sugar:     zapLogger.Sugar(),
	}, nil
}

// GetZapLogger 获取底层的zap日志记录器
func (l *Logger) GetZapLogger() *zap.Logger {
	return l.zapLogger
}

// SetLogger 设置全局日志记录器
func SetLogger(logger logInterface.Logger) {
	if logger == nil {
		return
	}
	mu.Lock()
	globalLogger = logger
	mu.Unlock()
}

// GetLogger 获取全局日志记录器
func GetLogger() logInterface.Logger {
	mu.RLock()
	defer mu.RUnlock()
	return globalLogger
}

// With 基于全局日志记录器创建带有额外字段的日志记录器
func With(args ...interface{}) logInterface.Logger {
	return GetLogger().With(args...)
}

// 将键值对参数转换为zap字段，奇数个参数时丢弃最后一个
func toZapFields(args ...interface{}) []zap.Field {
	if len(args)%2 != 0 {
		args = args[:len(args)-1]
	}
	fields := make([]zap.Field, 0, len(args)/2)
	for i := 0; i < len(args); i += 2 {
		key, ok := args[i].(string)
		if !ok {
			key = fmt.Sprint(args[i])
		}
		fields = append(fields, zap.Any(key, args[i+1]))
	}
	return fields
}

// Debug 记录调试级别的日志
func (l *Logger) Debug(msg string) {
	l.sugar.Debug(msg)
}

// Debugf 使用格式化字符串记录调试级别的日志
func (l *Logger) Debugf(format string, args ...interface{}) {
	l.sugar.Debugf(format, args...)
}

// Info 记录信息级别的日志
func (l *Logger) Info(msg string) {
	l.sugar.Info(msg)
}

// Infof 使用格式化字符串记录信息级别的日志
func (l *Logger) Infof(format string, args ...interface{}) {
	l.sugar.Infof(format, args...)
}

// Warn 记录警告级别的日志
func (l *Logger) Warn(msg string) {
	l.sugar.Warn(msg)
}

// Warnf 使用格式化字符串记录警告级别的日志
func (l *Logger) Warnf(format string, args ...interface{}) {
	l.sugar.Warnf(format, args...)
}

// Error 记录错误级别的日志
func (l *Logger) Error(msg string) {
	l.sugar.Error(msg)
}

// Errorf 使用格式化字符串记录错误级别的日志
func (l *Logger) Errorf(format string, args ...interface{}) {
	l.sugar.Errorf(format, args...)
}

// Fatal 记录致命级别的日志，然后退出程序
func (l *Logger) Fatal(msg string) {
	l.sugar.Fatal(msg)
}

// Fatalf 使用格式化字符串记录致命级别的日志，然后退出程序
func (l *Logger) Fatalf(format string, args ...interface{}) {
	l.sugar.Fatalf(format, args...)
}

// With 返回一个带有额外字段的Logger
func (l *Logger) With(args ...interface{}) logInterface.Logger {
	zapLogger := l.zapLogger.With(toZapFields(args...)...)
	return &Logger{
		zapLogger: zapLogger,
		sugar:     zapLogger.Sugar(),
	}
}

// Sync 同步日志缓冲区到输出
func (l *Logger) Sync() error {
	return l.zapLogger.Sync()
}
