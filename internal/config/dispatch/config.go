package dispatch

import (
	"fmt"
	"time"

	"github.com/weisyn/httpcore/pkg/types"
)

// DispatchOptions 分发层配置选项
type DispatchOptions struct {
	// === 并发门闸 ===
	MaxConnections int    `json:"max_connections"` // 门闸容量
	GateScope      string `json:"gate_scope"`      // global | destination

	// === 空闲连接管理 ===
	MaxIdlePerDestination int           `json:"max_idle_per_destination"` // 每个目标的空闲连接上限
	IdleLifetime          time.Duration `json:"idle_lifetime"`            // 空闲连接存活时长
	SweepInterval         time.Duration `json:"sweep_interval"`           // 清扫周期
	MaxDrainBytes         int64         `json:"max_drain_bytes"`          // 丢弃响应体时最多排空的字节数

	// === 分阶段超时 ===
	Timeout types.TimeoutConfig `json:"timeout"`

	// === 协议 ===
	HTTP2 bool `json:"http2"` // 是否在 TLS ALPN 中声明 h2
}

// Config 分发层配置实现
type Config struct {
	options *DispatchOptions
}

// New 创建分发层配置；userConfig 为 *types.UserDispatchConfig 时覆盖默认值
//
// 非法的时长字符串被忽略并保留默认值，需要报错时使用 Parse。
func New(userConfig interface{}) *Config {
	options := createDefaultDispatchOptions()
	if user, ok := userConfig.(*types.UserDispatchConfig); ok && user != nil {
		_ = applyUserDispatchConfig(options, user)
	}
	return &Config{options: options}
}

// Parse 与 New 相同，但遇到非法字段时返回错误
func Parse(user *types.UserDispatchConfig) (*Config, error) {
	options := createDefaultDispatchOptions()
	if user != nil {
		if err := applyUserDispatchConfig(options, user); err != nil {
			return nil, err
		}
	}
	if options.MaxConnections <= 0 {
		return nil, fmt.Errorf("max_connections must be positive, got %d", options.MaxConnections)
	}
	if options.GateScope != "global" && options.GateScope != "destination" {
		return nil, fmt.Errorf("unknown gate_scope %q", options.GateScope)
	}
	return &Config{options: options}, nil
}

// NewFromProvider 从配置提供者创建分发层配置
func NewFromProvider(provider interface{}) *Config {
	if p, ok := provider.(interface{ GetDispatch() *DispatchOptions }); ok {
		if opts := p.GetDispatch(); opts != nil {
			return &Config{options: opts}
		}
	}
	return New(nil)
}

// createDefaultDispatchOptions 创建默认分发层配置
func createDefaultDispatchOptions() *DispatchOptions {
	return &DispatchOptions{
		MaxConnections: defaultMaxConnections,
		GateScope:      defaultGateScope,

		MaxIdlePerDestination: defaultMaxIdlePerDestination,
		IdleLifetime:          defaultIdleLifetime,
		SweepInterval:         defaultSweepInterval,
		MaxDrainBytes:         defaultMaxDrainBytes,

		Timeout: types.TimeoutConfig{
			Connect:     defaultConnectTimeout,
			Write:       defaultWriteTimeout,
			ReadHeader:  defaultReadHeaderTimeout,
			ReadBody:    defaultReadBodyTimeout,
			PoolAcquire: defaultPoolAcquireTimeout,
		},

		HTTP2: defaultHTTP2,
	}
}

// applyUserDispatchConfig 只处理配置文件中实际出现的字段
func applyUserDispatchConfig(options *DispatchOptions, user *types.UserDispatchConfig) error {
	if user.MaxConnections != nil {
		options.MaxConnections = *user.MaxConnections
	}
	if user.GateScope != nil {
		options.GateScope = *user.GateScope
	}
	if user.MaxIdlePerDestination != nil {
		options.MaxIdlePerDestination = *user.MaxIdlePerDestination
	}
	if user.MaxDrainBytes != nil {
		options.MaxDrainBytes = *user.MaxDrainBytes
	}
	if user.HTTP2 != nil {
		options.HTTP2 = *user.HTTP2
	}

	durations := []struct {
		name  string
		value *string
		dst   *time.Duration
	}{
		{"idle_lifetime", user.IdleLifetime, &options.IdleLifetime},
		{"sweep_interval", user.SweepInterval, &options.SweepInterval},
		{"connect_timeout", user.ConnectTimeout, &options.Timeout.Connect},
		{"write_timeout", user.WriteTimeout, &options.Timeout.Write},
		{"read_header_timeout", user.ReadHeaderTimeout, &options.Timeout.ReadHeader},
		{"read_body_timeout", user.ReadBodyTimeout, &options.Timeout.ReadBody},
		{"pool_acquire_timeout", user.PoolAcquireTimeout, &options.Timeout.PoolAcquire},
	}
	for _, d := range durations {
		if d.value == nil {
			continue
		}
		v, err := time.ParseDuration(*d.value)
		if err != nil {
			return fmt.Errorf("%s: %w", d.name, err)
		}
		if v < 0 {
			return fmt.Errorf("%s must not be negative", d.name)
		}
		*d.dst = v
	}
	return nil
}

// GetOptions 获取完整的分发层配置选项
func (c *Config) GetOptions() *DispatchOptions {
	return c.options
}

// GetMaxConnections 获取门闸容量
func (c *Config) GetMaxConnections() int {
	return c.options.MaxConnections
}

// GetGateScope 获取门闸作用域
func (c *Config) GetGateScope() string {
	return c.options.GateScope
}

// GetTimeout 获取默认分阶段超时
func (c *Config) GetTimeout() types.TimeoutConfig {
	return c.options.Timeout
}

// IsHTTP2Enabled 是否声明 h2
func (c *Config) IsHTTP2Enabled() bool {
	return c.options.HTTP2
}
