package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/weisyn/httpcore/pkg/types"
)

func strPtr(s string) *string { return &s }

// ==================== 加载测试 ====================

// TestLoad_WithEmptyPath_UsesEmbeddedDefaults 测试内嵌默认配置
func TestLoad_WithEmptyPath_UsesEmbeddedDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	provider := NewProvider(cfg)
	require.NoError(t, provider.Validate())
	assert.Equal(t, "httpcore", provider.GetAppName())
	assert.Equal(t, 100, provider.GetDispatch().MaxConnections)
	assert.Equal(t, 90*time.Second, provider.GetDispatch().IdleLifetime)
	assert.Equal(t, "stderr", provider.GetLog().FilePath)
}

// TestLoad_WithYAMLFile_ParsesByExtension 测试按扩展名解析 YAML
func TestLoad_WithYAMLFile_ParsesByExtension(t *testing.T) {
	// Arrange
	path := filepath.Join(t.TempDir(), "httpcore.yaml")
	content := "app_name: probe\ndispatch:\n  max_connections: 4\n  gate_scope: destination\n  pool_acquire_timeout: 50ms\n"
	require.NoError(t, os.WriteFile(path, []byte(content), 0600))

	// Act
	cfg, err := Load(path)

	// Assert
	require.NoError(t, err)
	provider := NewProvider(cfg)
	dispatch := provider.GetDispatch()
	assert.Equal(t, "probe", provider.GetAppName())
	assert.Equal(t, 4, dispatch.MaxConnections)
	assert.Equal(t, "destination", dispatch.GateScope)
	assert.Equal(t, 50*time.Millisecond, dispatch.Timeout.PoolAcquire)
}

// TestLoad_WithMissingFile_ReturnsError 测试文件不存在
func TestLoad_WithMissingFile_ReturnsError(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.json"))
	assert.Error(t, err)
}

// TestParse_WithMalformedJSON_ReturnsError 测试非法 JSON
func TestParse_WithMalformedJSON_ReturnsError(t *testing.T) {
	_, err := Parse([]byte("{"), ".json")
	assert.ErrorContains(t, err, "JSON")
}

// ==================== 提供者测试 ====================

// TestProvider_WithNilConfig_UsesDefaults 测试空配置
func TestProvider_WithNilConfig_UsesDefaults(t *testing.T) {
	provider := NewProvider(nil)

	assert.Equal(t, "httpcore", provider.GetAppName())
	assert.NotNil(t, provider.GetLog())
	assert.Equal(t, "global", provider.GetDispatch().GateScope)
	assert.NoError(t, provider.Validate())
}

// TestProvider_Validate_RejectsBadDuration 测试校验非法时长
func TestProvider_Validate_RejectsBadDuration(t *testing.T) {
	provider := NewProvider(&types.AppConfig{
		Dispatch: &types.UserDispatchConfig{ConnectTimeout: strPtr("ten seconds")},
	})

	err := provider.Validate()

	assert.ErrorContains(t, err, "connect_timeout")
	_, err = ProvideConfigServices(ConfigParams{AppOptions: StaticAppOptions{Config: &types.AppConfig{
		Dispatch: &types.UserDispatchConfig{ConnectTimeout: strPtr("ten seconds")},
	}}})
	assert.Error(t, err)
}
