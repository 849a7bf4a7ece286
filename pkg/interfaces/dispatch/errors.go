package dispatch

import (
	"errors"
	"fmt"
	"time"

	"github.com/weisyn/httpcore/pkg/types"
)

// errors.go
// 分发层错误模型：
// - 哨兵错误用于 errors.Is 分支
// - 结构化错误携带阶段、目标地址等上下文
// - 核心层不做重试，重试策略由调用方决定

var (
	ErrTimeout             = errors.New("timeout")                        // 任一阶段超时
	ErrPoolTimeout         = errors.New("pool acquire timeout")           // 等待并发许可超时
	ErrConnection          = errors.New("connection error")               // I/O 失败、对端重置、意外关闭
	ErrProtocolNegotiation = errors.New("protocol negotiation failed")    // 无可接受的协议
	ErrPoolClosed          = errors.New("pool closed")                    // 连接池已关闭
	ErrStreamClosed        = errors.New("stream closed")                  // 流已关闭
	ErrConnectionClosed    = errors.New("use of closed connection")       // 误用：对已关闭连接发送
	ErrConnectionBusy      = errors.New("connection busy")                // 误用：HTTP/1.1 连接被并发使用
	ErrDoubleRelease       = errors.New("gate ticket released twice")     // 误用：重复释放许可
	ErrInvalidCapacity     = errors.New("gate capacity must be positive") // 构造参数非法
	ErrDestinationMismatch = errors.New("destination mismatch")           // 误用：单连接分发器收到其他目标的请求
)

// Phase 超时发生的阶段
type Phase string

const (
	PhaseConnect     Phase = "connect"
	PhaseWrite       Phase = "write"
	PhaseReadHeader  Phase = "read_header"
	PhaseReadBody    Phase = "read_body"
	PhasePoolAcquire Phase = "pool_acquire"

	// 流层面的超时，由编解码层按当前阶段重新标注
	PhaseRead Phase = "read"
)

// TimeoutError 分阶段超时错误
type TimeoutError struct {
	Phase Phase
	// Limit 触发超时的时限，未知时为 0
	Limit time.Duration
	Cause error
}

func (e *TimeoutError) Error() string {
	if e.Limit > 0 {
		return fmt.Sprintf("%s timeout after %s", e.Phase, e.Limit)
	}
	return fmt.Sprintf("%s timeout", e.Phase)
}

func (e *TimeoutError) Unwrap() error { return e.Cause }

// Is 支持 errors.Is(err, ErrTimeout) 与 errors.Is(err, ErrPoolTimeout)
func (e *TimeoutError) Is(target error) bool {
	switch target {
	case ErrTimeout:
		return true
	case ErrPoolTimeout:
		return e.Phase == PhasePoolAcquire
	}
	return false
}

// Timeout 兼容 net.Error
func (e *TimeoutError) Timeout() bool { return true }

// Temporary 兼容 net.Error
func (e *TimeoutError) Temporary() bool { return true }

// WithPhase 以新阶段重新标注超时错误，非超时错误原样返回
func WithPhase(err error, phase Phase, timeout time.Duration) error {
	var te *TimeoutError
	if errors.As(err, &te) {
		if te.Phase == phase {
			return err
		}
		return &TimeoutError{Phase: phase, Limit: timeout, Cause: te.Cause}
	}
	return err
}

// ConnectionError 连接级错误
type ConnectionError struct {
	Op          string
	Destination types.Destination
	Err         error
}

func (e *ConnectionError) Error() string {
	dest := e.Destination.Key()
	if e.Destination.Host == "" {
		dest = "-"
	}
	if e.Err == nil {
		return fmt.Sprintf("connection %s %s failed", e.Op, dest)
	}
	return fmt.Sprintf("connection %s %s: %v", e.Op, dest, e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

// Is 支持 errors.Is(err, ErrConnection)
func (e *ConnectionError) Is(target error) bool { return target == ErrConnection }

// ProtocolNegotiationError 协议协商失败
type ProtocolNegotiationError struct {
	Destination types.Destination
	Offered     string
}

func (e *ProtocolNegotiationError) Error() string {
	return fmt.Sprintf("protocol negotiation failed for %s: peer selected %q", e.Destination.Key(), e.Offered)
}

// Is 支持 errors.Is(err, ErrProtocolNegotiation)
func (e *ProtocolNegotiationError) Is(target error) bool { return target == ErrProtocolNegotiation }

// StreamError HTTP/2 子流错误，仅影响单个交换
type StreamError struct {
	StreamID uint32
	Code     string
	Cause    error
}

func (e *StreamError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("stream %d reset (%s): %v", e.StreamID, e.Code, e.Cause)
	}
	return fmt.Sprintf("stream %d reset (%s)", e.StreamID, e.Code)
}

func (e *StreamError) Unwrap() error { return e.Cause }

// IsTimeout 是否为超时错误
func IsTimeout(err error) bool { return errors.Is(err, ErrTimeout) }

// IsConnectionError 是否为连接级错误
func IsConnectionError(err error) bool { return errors.Is(err, ErrConnection) }
