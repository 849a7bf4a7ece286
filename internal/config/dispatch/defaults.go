package dispatch

import "time"

// 分发层配置默认值
const (
	// === 并发门闸 ===

	// defaultMaxConnections 默认门闸容量设为100
	// 原因：覆盖常见的并发请求量，同时限制单进程打开的套接字数量
	defaultMaxConnections = 100

	// defaultGateScope 默认全池共享一个门闸
	defaultGateScope = "global"

	// === 空闲连接管理 ===

	// defaultMaxIdlePerDestination 每个目标默认保留10条空闲连接
	defaultMaxIdlePerDestination = 10

	// defaultIdleLifetime 空闲连接默认保留90秒
	// 原因：多数服务端的 keep-alive 超时在 60~120 秒之间
	defaultIdleLifetime = 90 * time.Second

	// defaultSweepInterval 默认每15秒清扫一次
	defaultSweepInterval = 15 * time.Second

	// defaultMaxDrainBytes 丢弃响应体时最多排空256KiB
	// 原因：超过该大小时重建连接比读完剩余数据更便宜
	defaultMaxDrainBytes = 256 * 1024

	// === 分阶段超时 ===

	defaultConnectTimeout     = 10 * time.Second
	defaultWriteTimeout       = 30 * time.Second
	defaultReadHeaderTimeout  = 30 * time.Second
	defaultReadBodyTimeout    = 60 * time.Second
	defaultPoolAcquireTimeout = 30 * time.Second

	// === 协议 ===

	// defaultHTTP2 默认在 TLS ALPN 中声明 h2
	defaultHTTP2 = true
)
