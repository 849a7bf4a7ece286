// Package dispatch 实现分发器：把逻辑请求发送到连接池中协议已协商的连接上
package dispatch

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"github.com/weisyn/httpcore/internal/core/dispatch/connection"
	"github.com/weisyn/httpcore/internal/core/dispatch/pool"
	"github.com/weisyn/httpcore/internal/core/dispatch/stream"
	clockimpl "github.com/weisyn/httpcore/internal/core/infrastructure/clock"
	iface "github.com/weisyn/httpcore/pkg/interfaces/dispatch"
	"github.com/weisyn/httpcore/pkg/interfaces/infrastructure/clock"
	"github.com/weisyn/httpcore/pkg/types"
)

// Options 分发器参数
type Options struct {
	// SSL 默认 TLS 配置，单次发送可覆盖
	SSL *types.SSLConfig
	// Timeout 默认分阶段超时，nil 表示不设超时
	Timeout *types.TimeoutConfig
	// Preparer 请求发送前的钩子，默认调用 Request.Prepare
	Preparer iface.Preparer
	// Backend 建流实现，默认 stream.Dialer
	Backend iface.Backend
	Logger  *zap.Logger
	Clock   clock.Clock
	Metrics *Metrics
}

// PooledDispatcher 基于连接池的分发器
type PooledDispatcher struct {
	pool     *pool.Pool
	ssl      *types.SSLConfig
	timeout  *types.TimeoutConfig
	preparer iface.Preparer
	clock    clock.Clock
	metrics  *Metrics
	logger   *zap.Logger
}

var _ iface.Dispatcher = (*PooledDispatcher)(nil)

// NewPooledDispatcher 创建连接池分发器
func NewPooledDispatcher(cfg pool.Config, opts Options) (*PooledDispatcher, error) {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.With(zap.String("module", "dispatch"))
	clk := opts.Clock
	if clk == nil {
		clk = clockimpl.NewSystemClock()
	}
	backend := opts.Backend
	if backend == nil {
		backend = stream.NewDialer(logger)
	}
	poolOpts := pool.Options{Logger: logger, Clock: clk}
	if opts.Metrics != nil {
		poolOpts.Observer = opts.Metrics
	}
	p, err := pool.New(cfg, backend, poolOpts)
	if err != nil {
		return nil, err
	}
	preparer := opts.Preparer
	if preparer == nil {
		preparer = iface.PreparerFunc(func(req *types.Request) error { return req.Prepare() })
	}
	return &PooledDispatcher{
		pool:     p,
		ssl:      opts.SSL,
		timeout:  opts.Timeout,
		preparer: preparer,
		clock:    clk,
		metrics:  opts.Metrics,
		logger:   logger,
	}, nil
}

// Pool 返回底层连接池
func (d *PooledDispatcher) Pool() *pool.Pool { return d.pool }

// Request 由分散参数构造请求，经 Preparer 处理后发送
func (d *PooledDispatcher) Request(ctx context.Context, method, rawURL string, opts *iface.RequestOptions) (*types.Response, error) {
	req, err := buildRequest(method, rawURL, opts, d.preparer)
	if err != nil {
		return nil, err
	}
	return d.Send(ctx, req, opts.SendOptions())
}

// Send 发送已构造的请求
//
// 非流式发送在返回前读完响应体并归还连接；流式发送立即归还，
// 连接在响应体读完或 Close 之前保持 Draining。
func (d *PooledDispatcher) Send(ctx context.Context, req *types.Request, opts *iface.SendOptions) (*types.Response, error) {
	if err := req.Prepare(); err != nil {
		return nil, err
	}
	dest, err := req.Destination()
	if err != nil {
		return nil, err
	}
	return d.send(ctx, dest, req, opts)
}

func (d *PooledDispatcher) send(ctx context.Context, dest types.Destination, req *types.Request, opts *iface.SendOptions) (*types.Response, error) {
	ssl, timeouts, streaming := d.resolve(opts)
	start := d.clock.Now()

	c, err := d.pool.Acquire(ctx, dest, ssl, timeouts)
	d.metrics.ObservePool(d.pool.Stats())
	if err != nil {
		return nil, err
	}

	resp, err := c.Send(ctx, req, timeouts)
	if err != nil {
		if closesConnection(c, err) {
			_ = c.Close()
		}
		d.release(c)
		d.logger.Debug("send failed",
			zap.String("method", req.Method),
			zap.String("destination", dest.Key()),
			zap.Error(err))
		return nil, err
	}

	if streaming {
		d.release(c)
		d.metrics.ObserveRequest(resp.Protocol, d.clock.Since(start))
		return resp, nil
	}

	_, err = resp.Read()
	d.release(c)
	if err != nil {
		return nil, err
	}
	d.metrics.ObserveRequest(resp.Protocol, d.clock.Since(start))
	return resp, nil
}

func (d *PooledDispatcher) release(c *connection.Connection) {
	d.pool.Release(c)
	d.metrics.ObservePool(d.pool.Stats())
}

func (d *PooledDispatcher) resolve(opts *iface.SendOptions) (*types.SSLConfig, types.TimeoutConfig, bool) {
	if opts == nil {
		return d.ssl, d.timeout.Resolve(nil), false
	}
	ssl := d.ssl
	if opts.SSL != nil {
		ssl = opts.SSL
	}
	return ssl, d.timeout.Resolve(opts.Timeout), opts.Stream
}

// Close 关闭全部连接，进行中的请求以 ConnectionError 失败
func (d *PooledDispatcher) Close() error {
	err := d.pool.CloseAll()
	d.metrics.ObservePool(d.pool.Stats())
	return err
}

// closesConnection 发送失败后是否需要关闭连接
//
// HTTP/2 子流错误与子流超时只影响本次交换，连接继续为其他调用方服务。
func closesConnection(c *connection.Connection, err error) bool {
	if c.Protocol() != types.HTTP2 {
		return true
	}
	var se *iface.StreamError
	var te *iface.TimeoutError
	return !errors.As(err, &se) && !errors.As(err, &te)
}

// buildRequest 构造请求并执行 Preparer
func buildRequest(method, rawURL string, opts *iface.RequestOptions, preparer iface.Preparer) (*types.Request, error) {
	var req *types.Request
	var err error
	if opts == nil {
		req, err = types.NewRequest(method, rawURL, nil, nil, nil)
	} else {
		req, err = types.NewRequest(method, rawURL, opts.Data, opts.QueryParams, opts.Headers)
	}
	if err != nil {
		return nil, err
	}
	if err := preparer.PrepareRequest(req); err != nil {
		return nil, err
	}
	return req, nil
}
