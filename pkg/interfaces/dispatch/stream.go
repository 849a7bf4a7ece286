// Package dispatch 定义 HTTP 分发核心的公共契约
//
// 组件自底向上：
//   - Stream：带超时的双向字节通道
//   - Gate：FIFO 并发许可门闸
//   - Backend：按目标地址建立 Stream
//   - Dispatcher：请求入口
//
// 具体实现位于 internal/core/dispatch 下各子包
package dispatch

import (
	"context"
	"time"

	"github.com/weisyn/httpcore/pkg/types"
)

// Reader 流读取端
type Reader interface {
	// Read 读取 1..maxBytes 字节
	//
	// 对端正常关闭时返回 io.EOF；timeout 内没有数据到达返回 *TimeoutError；
	// I/O 失败或 ctx 取消返回 *ConnectionError。timeout 为 0 表示不设超时。
	Read(ctx context.Context, maxBytes int, timeout time.Duration) ([]byte, error)
}

// Writer 流写入端
type Writer interface {
	// WriteNoBlock 不挂起地接收数据，返回接收的字节数
	//
	// 数据进入待发送缓冲，在下一次 Write / Flush 时先于新数据发出
	WriteNoBlock(data []byte) (int, error)

	// Write 写出待发送缓冲与 data 的全部字节
	Write(ctx context.Context, data []byte, timeout time.Duration) error

	// Flush 只写出待发送缓冲
	Flush(ctx context.Context, timeout time.Duration) error
}

// Stream 双向字节通道，生命周期内只属于一个 Connection
type Stream interface {
	Reader
	Writer

	// Close 幂等地释放底层资源
	Close() error

	// NegotiatedProtocol 返回握手阶段协商出的 ALPN 标识（"h2"、"http/1.1" 或空）
	NegotiatedProtocol() string
}

// Backend 按目标地址建立 Stream（DNS / TCP / TLS 细节由实现负责）
type Backend interface {
	Open(ctx context.Context, dest types.Destination, ssl *types.SSLConfig, connectTimeout time.Duration) (Stream, error)
}
