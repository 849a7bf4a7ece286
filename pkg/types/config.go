package types

// AppConfig 应用配置根结构
//
// 所有字段都是指针：只有配置文件中实际出现的字段才会覆盖默认值
type AppConfig struct {
	// 应用程序基本信息
	AppName *string `json:"app_name,omitempty" yaml:"app_name,omitempty"` // 应用名称
	Version *string `json:"version,omitempty" yaml:"version,omitempty"`   // 应用版本

	// 日志配置
	Log *UserLogConfig `json:"log,omitempty" yaml:"log,omitempty"`

	// 分发层配置（连接池、并发门闸、超时）
	Dispatch *UserDispatchConfig `json:"dispatch,omitempty" yaml:"dispatch,omitempty"`
}

// UserLogConfig 用户日志配置
// 只包含JSON配置文件中实际出现的字段
type UserLogConfig struct {
	Level    *string `json:"level,omitempty" yaml:"level,omitempty"`         // 日志级别：debug, info, warn, error, fatal
	FilePath *string `json:"file_path,omitempty" yaml:"file_path,omitempty"` // 日志文件路径
}

// UserDispatchConfig 用户分发层配置
//
// 时长字段使用 Go duration 字符串（如 "5s"、"250ms"）
type UserDispatchConfig struct {
	// 并发门闸
	MaxConnections *int    `json:"max_connections,omitempty" yaml:"max_connections,omitempty"` // 门闸容量
	GateScope      *string `json:"gate_scope,omitempty" yaml:"gate_scope,omitempty"`           // global | destination

	// 空闲连接管理
	MaxIdlePerDestination *int    `json:"max_idle_per_destination,omitempty" yaml:"max_idle_per_destination,omitempty"`
	IdleLifetime          *string `json:"idle_lifetime,omitempty" yaml:"idle_lifetime,omitempty"`
	SweepInterval         *string `json:"sweep_interval,omitempty" yaml:"sweep_interval,omitempty"`
	MaxDrainBytes         *int64  `json:"max_drain_bytes,omitempty" yaml:"max_drain_bytes,omitempty"`

	// 分阶段超时
	ConnectTimeout     *string `json:"connect_timeout,omitempty" yaml:"connect_timeout,omitempty"`
	WriteTimeout       *string `json:"write_timeout,omitempty" yaml:"write_timeout,omitempty"`
	ReadHeaderTimeout  *string `json:"read_header_timeout,omitempty" yaml:"read_header_timeout,omitempty"`
	ReadBodyTimeout    *string `json:"read_body_timeout,omitempty" yaml:"read_body_timeout,omitempty"`
	PoolAcquireTimeout *string `json:"pool_acquire_timeout,omitempty" yaml:"pool_acquire_timeout,omitempty"`

	// 协议
	HTTP2 *bool `json:"http2,omitempty" yaml:"http2,omitempty"` // 是否在 TLS ALPN 中声明 h2
}
