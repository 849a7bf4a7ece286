// Package stream provides timeout-bounded byte streams over network connections.
package stream

import (
	"context"
	"crypto/tls"
	"errors"
	"io"
	"net"
	"os"
	"sync"
	"sync/atomic"
	"time"

	iface "github.com/weisyn/httpcore/pkg/interfaces/dispatch"
	"github.com/weisyn/httpcore/pkg/types"
)

// DefaultReadSize maxBytes 非正时单次读取的上限
const DefaultReadSize = 64 * 1024

// aLongTimeAgo 用于立即打断阻塞中的读写
var aLongTimeAgo = time.Unix(1, 0)

// NetStream 基于 net.Conn 的 Stream 实现
//
// 超时通过读写 deadline 实现；ctx 取消时把 deadline 拨到过去以打断阻塞调用。
// 读端只允许一个 goroutine 使用；写端由 wmu 串行化。
type NetStream struct {
	conn     net.Conn
	dest     types.Destination
	protocol string

	wmu     sync.Mutex // 串行化 Write/Flush
	pmu     sync.Mutex // 保护 pending，WriteNoBlock 只持有它
	pending []byte

	closed    atomic.Bool
	closeOnce sync.Once
	closeErr  error
}

var _ iface.Stream = (*NetStream)(nil)

// NewNetStream 包装连接；*tls.Conn 的 ALPN 结果作为协商协议
func NewNetStream(conn net.Conn, dest types.Destination) *NetStream {
	protocol := ""
	if tc, ok := conn.(*tls.Conn); ok {
		protocol = tc.ConnectionState().NegotiatedProtocol
	}
	return NewNetStreamWithProtocol(conn, dest, protocol)
}

// NewNetStreamWithProtocol 包装连接并显式指定协商协议（明文 h2 先验知识、测试管道）
func NewNetStreamWithProtocol(conn net.Conn, dest types.Destination, protocol string) *NetStream {
	return &NetStream{conn: conn, dest: dest, protocol: protocol}
}

// NegotiatedProtocol 返回 ALPN 结果
func (s *NetStream) NegotiatedProtocol() string { return s.protocol }

// Destination 返回流的目标地址
func (s *NetStream) Destination() types.Destination { return s.dest }

// Read 读取 1..maxBytes 字节
func (s *NetStream) Read(ctx context.Context, maxBytes int, timeout time.Duration) ([]byte, error) {
	if s.closed.Load() {
		return nil, s.connErr("read", iface.ErrStreamClosed)
	}
	if err := ctx.Err(); err != nil {
		return nil, s.connErr("read", err)
	}
	if maxBytes <= 0 {
		maxBytes = DefaultReadSize
	}

	var deadline time.Time
	if timeout > 0 {
		deadline = time.Now().Add(timeout)
	}
	if err := s.conn.SetReadDeadline(deadline); err != nil {
		return nil, s.mapErr(ctx, "read", err, timeout)
	}
	stop := context.AfterFunc(ctx, func() { _ = s.conn.SetReadDeadline(aLongTimeAgo) })
	defer stop()

	buf := make([]byte, maxBytes)
	for {
		n, err := s.conn.Read(buf)
		if n > 0 {
			// 数据优先；伴随的错误会在下一次读取时再次出现
			return buf[:n], nil
		}
		if err != nil {
			return nil, s.mapErr(ctx, "read", err, timeout)
		}
	}
}

// WriteNoBlock 把数据放入待发送缓冲，不挂起
func (s *NetStream) WriteNoBlock(data []byte) (int, error) {
	if s.closed.Load() {
		return 0, s.connErr("write", iface.ErrStreamClosed)
	}
	s.pmu.Lock()
	s.pending = append(s.pending, data...)
	s.pmu.Unlock()
	return len(data), nil
}

// Write 写出待发送缓冲与 data
func (s *NetStream) Write(ctx context.Context, data []byte, timeout time.Duration) error {
	s.wmu.Lock()
	defer s.wmu.Unlock()
	buf := s.takePending()
	if len(buf) == 0 {
		buf = data
	} else {
		buf = append(buf, data...)
	}
	return s.writeLocked(ctx, buf, timeout)
}

// Flush 只写出待发送缓冲
func (s *NetStream) Flush(ctx context.Context, timeout time.Duration) error {
	s.wmu.Lock()
	defer s.wmu.Unlock()
	return s.writeLocked(ctx, s.takePending(), timeout)
}

func (s *NetStream) takePending() []byte {
	s.pmu.Lock()
	defer s.pmu.Unlock()
	if len(s.pending) == 0 {
		return nil
	}
	buf := s.pending
	s.pending = nil
	return buf
}

func (s *NetStream) writeLocked(ctx context.Context, buf []byte, timeout time.Duration) error {
	if s.closed.Load() {
		return s.connErr("write", iface.ErrStreamClosed)
	}
	if len(buf) == 0 {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return s.connErr("write", err)
	}

	var deadline time.Time
	if timeout > 0 {
		deadline = time.Now().Add(timeout)
	}
	if err := s.conn.SetWriteDeadline(deadline); err != nil {
		return s.mapErr(ctx, "write", err, timeout)
	}
	stop := context.AfterFunc(ctx, func() { _ = s.conn.SetWriteDeadline(aLongTimeAgo) })
	defer stop()

	if _, err := s.conn.Write(buf); err != nil {
		return s.mapErr(ctx, "write", err, timeout)
	}
	return nil
}

// Close 幂等关闭
func (s *NetStream) Close() error {
	s.closeOnce.Do(func() {
		s.closed.Store(true)
		s.closeErr = s.conn.Close()
	})
	return s.closeErr
}

// Closed 是否已关闭
func (s *NetStream) Closed() bool { return s.closed.Load() }

func (s *NetStream) connErr(op string, err error) error {
	return &iface.ConnectionError{Op: op, Destination: s.dest, Err: err}
}

// mapErr 把底层错误归类为 io.EOF / TimeoutError / ConnectionError
func (s *NetStream) mapErr(ctx context.Context, op string, err error, timeout time.Duration) error {
	if op == "read" && errors.Is(err, io.EOF) {
		return io.EOF
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return s.connErr(op, ctxErr)
	}
	if s.closed.Load() || errors.Is(err, net.ErrClosed) || errors.Is(err, io.ErrClosedPipe) {
		return s.connErr(op, iface.ErrStreamClosed)
	}
	if isTimeout(err) {
		phase := iface.PhaseRead
		if op == "write" {
			phase = iface.PhaseWrite
		}
		return &iface.TimeoutError{Phase: phase, Limit: timeout, Cause: err}
	}
	return s.connErr(op, err)
}

func isTimeout(err error) bool {
	if errors.Is(err, os.ErrDeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

// Use 在 fn 的所有退出路径（正常、错误、panic）上关闭 s
func Use(s iface.Stream, fn func(iface.Stream) error) (err error) {
	defer func() {
		if cerr := s.Close(); err == nil {
			err = cerr
		}
	}()
	return fn(s)
}
