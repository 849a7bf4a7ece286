package stream

import (
	"context"
	"crypto/tls"
	"errors"
	"net"
	"time"

	"go.uber.org/zap"

	iface "github.com/weisyn/httpcore/pkg/interfaces/dispatch"
	"github.com/weisyn/httpcore/pkg/types"
)

// Dialer 默认 Backend：TCP 连接 + 可选 TLS 握手（ALPN 协商 h2 / http/1.1）
type Dialer struct {
	dialer *net.Dialer
	logger *zap.Logger
}

var _ iface.Backend = (*Dialer)(nil)

// NewDialer 创建拨号器
func NewDialer(logger *zap.Logger) *Dialer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Dialer{
		dialer: &net.Dialer{KeepAlive: 30 * time.Second},
		logger: logger,
	}
}

// Open 建立到 dest 的流；失败时已打开的套接字会被关闭
func (d *Dialer) Open(ctx context.Context, dest types.Destination, ssl *types.SSLConfig, connectTimeout time.Duration) (iface.Stream, error) {
	parent := ctx
	if connectTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, connectTimeout)
		defer cancel()
	}

	conn, err := d.dialer.DialContext(ctx, "tcp", dest.Address())
	if err != nil {
		return nil, connectErr(parent, dest, err, connectTimeout)
	}
	if !dest.TLS {
		d.logger.Debug("stream opened", zap.String("destination", dest.Key()))
		return NewNetStream(conn, dest), nil
	}

	tlsConn := tls.Client(conn, ssl.TLSConfig(dest.Host))
	if err := tlsConn.HandshakeContext(ctx); err != nil {
		_ = conn.Close()
		return nil, connectErr(parent, dest, err, connectTimeout)
	}
	s := NewNetStream(tlsConn, dest)
	d.logger.Debug("tls stream opened",
		zap.String("destination", dest.Key()),
		zap.String("alpn", s.NegotiatedProtocol()))
	return s, nil
}

// connectErr 只有建连时限本身到期才算连接阶段超时；调用方 ctx 结束归为连接错误
func connectErr(parent context.Context, dest types.Destination, err error, timeout time.Duration) error {
	if cause := parent.Err(); cause != nil {
		return &iface.ConnectionError{Op: "connect", Destination: dest, Err: cause}
	}
	if timeout > 0 && (errors.Is(err, context.DeadlineExceeded) || isTimeout(err)) {
		return &iface.TimeoutError{Phase: iface.PhaseConnect, Limit: timeout, Cause: err}
	}
	return &iface.ConnectionError{Op: "connect", Destination: dest, Err: err}
}
