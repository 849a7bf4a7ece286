package log

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	logconfig "github.com/weisyn/httpcore/internal/config/log"
	"github.com/weisyn/httpcore/pkg/types"
)

// newFileLogger 创建写入临时文件的 JSON 日志器
func newFileLogger(t *testing.T, level string) (*Logger, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "logs", "httpcore.log")
	logger, err := New(logconfig.New(&logconfig.LogOptions{
		Level:    level,
		FilePath: path,
		MaxSize:  1,
	}))
	require.NoError(t, err)
	return logger.(*Logger), path
}

// readEntries 读取日志文件中的 JSON 行
func readEntries(t *testing.T, path string) []map[string]interface{} {
	t.Helper()
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	var entries []map[string]interface{}
	for _, line := range strings.Split(strings.TrimSpace(string(data)), "\n") {
		if line == "" {
			continue
		}
		var entry map[string]interface{}
		require.NoError(t, json.Unmarshal([]byte(line), &entry))
		entries = append(entries, entry)
	}
	return entries
}

// ==================== 文件输出测试 ====================

// TestNew_WithFilePath_WritesJSONLines 测试文件输出为 JSON 行并创建目录
func TestNew_WithFilePath_WritesJSONLines(t *testing.T) {
	// Arrange
	logger, path := newFileLogger(t, InfoLevel)

	// Act
	logger.Info("connection opened")
	logger.Debug("filtered out")
	_ = logger.Sync()

	// Assert
	entries := readEntries(t, path)
	require.Len(t, entries, 1)
	assert.Equal(t, "connection opened", entries[0]["message"])
	assert.Equal(t, "info", entries[0]["level"])
}

// TestLogger_With_AddsStructuredFields 测试结构化字段
func TestLogger_With_AddsStructuredFields(t *testing.T) {
	// Arrange
	logger, path := newFileLogger(t, DebugLevel)

	// Act
	logger.With("module", "dispatch", "connections", 3, "dangling").Warn("pool near capacity")
	logger.GetZapLogger().Debug("zap direct", zap.String("destination", "http://a.test:80"))
	_ = logger.Sync()

	// Assert
	entries := readEntries(t, path)
	require.Len(t, entries, 2)
	assert.Equal(t, "dispatch", entries[0]["module"])
	assert.Equal(t, float64(3), entries[0]["connections"])
	assert.NotContains(t, entries[0], "dangling", "奇数个参数时丢弃最后一个")
	assert.Equal(t, "http://a.test:80", entries[1]["destination"])
}

// TestNewFromProvider_WithUserConfig_AppliesLevel 测试用户配置覆盖级别
func TestNewFromProvider_WithUserConfig_AppliesLevel(t *testing.T) {
	level := "warn"
	path := filepath.Join(t.TempDir(), "user.log")
	cfg := logconfig.New(&types.UserLogConfig{Level: &level, FilePath: &path})

	assert.Equal(t, zapcore.WarnLevel, cfg.ZapLevel())
	assert.Equal(t, path, cfg.LogFile())
	assert.Nil(t, cfg.Console(), "指定文件路径时不输出到控制台")
}

// TestConfig_ConsoleSinks 测试 stdout / stderr 只输出到控制台
func TestConfig_ConsoleSinks(t *testing.T) {
	for _, sink := range []string{"stdout", "stderr"} {
		cfg := logconfig.New(&types.UserLogConfig{FilePath: &sink})

		assert.Empty(t, cfg.LogFile(), sink)
		assert.NotNil(t, cfg.Console(), sink)
	}

	unknown := "verbose"
	cfg := logconfig.New(&types.UserLogConfig{Level: &unknown})
	assert.Equal(t, zapcore.InfoLevel, cfg.ZapLevel(), "未知级别按 info 处理")
	assert.NotNil(t, cfg.Console(), "默认输出到标准错误")
}

// ==================== 全局日志器测试 ====================

// TestSetLogger_ReplacesGlobalLogger 测试设置全局日志记录器
func TestSetLogger_ReplacesGlobalLogger(t *testing.T) {
	original := GetLogger()
	defer SetLogger(original)

	logger, path := newFileLogger(t, InfoLevel)
	SetLogger(logger)
	SetLogger(nil)

	assert.Same(t, logger, GetLogger(), "nil 不应替换全局日志器")
	With("k", "v").Info("via global")
	_ = logger.Sync()
	entries := readEntries(t, path)
	require.Len(t, entries, 1)
	assert.Equal(t, "v", entries[0]["k"])
}

// TestResetDefault_RestoresDefaultLogger 测试重置默认日志记录器
func TestResetDefault_RestoresDefaultLogger(t *testing.T) {
	original := GetLogger()
	defer SetLogger(original)

	custom, _ := newFileLogger(t, WarnLevel)
	SetLogger(custom)

	ResetDefault()

	assert.NotSame(t, custom, GetLogger())
	assert.NotNil(t, GetLogger().GetZapLogger())
}

// TestNewModuleZapLogger_WithNil_ReturnsNop 测试模块日志器
func TestNewModuleZapLogger_WithNil_ReturnsNop(t *testing.T) {
	assert.NotNil(t, NewModuleZapLogger(nil, "dispatch"))
}
