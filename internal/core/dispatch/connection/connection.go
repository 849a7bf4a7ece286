// Package connection implements a protocol-negotiated connection owning one stream.
package connection

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/weisyn/httpcore/internal/core/dispatch/protocol/h1"
	"github.com/weisyn/httpcore/internal/core/dispatch/protocol/h2"
	clockimpl "github.com/weisyn/httpcore/internal/core/infrastructure/clock"
	iface "github.com/weisyn/httpcore/pkg/interfaces/dispatch"
	"github.com/weisyn/httpcore/pkg/interfaces/infrastructure/clock"
	"github.com/weisyn/httpcore/pkg/types"
)

// State 连接状态
type State int32

const (
	Idle State = iota
	Active
	Draining
	Closed
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Active:
		return "active"
	case Draining:
		return "draining"
	case Closed:
		return "closed"
	}
	return "unknown"
}

// Listener 连接状态回调（由连接池实现）
//
// 回调时连接不持有自身的锁，实现方可以安全地回查连接状态。
type Listener interface {
	// ConnectionDrained Draining 连接的响应体已处理完，回到 Idle
	ConnectionDrained(c *Connection)
	// ConnectionClosed 连接进入 Closed，每个连接只回调一次
	ConnectionClosed(c *Connection)
}

// Options 连接参数
type Options struct {
	// MaxDrainBytes 丢弃 HTTP/1.1 响应体时最多排空的字节数
	MaxDrainBytes int64
	Clock         clock.Clock
	Logger        *zap.Logger
	Listener      Listener
}

// Connection 一条协议已协商的连接
//
// 状态机：Idle → Active → {Idle, Draining, Closed}，Draining → {Idle, Closed}，Closed 为终态。
// HTTP/1.1 同一时刻只承载一个交换；HTTP/2 由多个调用方共享。
type Connection struct {
	id       string
	dest     types.Destination
	sslKey   string
	stream   iface.Stream
	maxDrain int64
	clock    clock.Clock
	logger   *zap.Logger
	listener Listener

	mu        sync.Mutex
	state     State
	protocol  types.Protocol
	opened    bool
	h1        *h1.Codec
	h2        *h2.ClientConn
	checkouts int
	exchanges int // 进行中的交换，含未处理完的响应体
	createdAt time.Time
	lastUsed  time.Time
}

// New 包装一条已建立的流；新连接处于 Active 并被创建者持有
func New(dest types.Destination, sslKey string, s iface.Stream, opts Options) *Connection {
	clk := opts.Clock
	if clk == nil {
		clk = clockimpl.NewSystemClock()
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	id := uuid.NewString()
	now := clk.Now()
	return &Connection{
		id:        id,
		dest:      dest,
		sslKey:    sslKey,
		stream:    s,
		maxDrain:  opts.MaxDrainBytes,
		clock:     clk,
		logger:    logger.With(zap.String("connection", id), zap.String("destination", dest.Key())),
		listener:  opts.Listener,
		state:     Active,
		checkouts: 1,
		createdAt: now,
		lastUsed:  now,
	}
}

// Open 按流的 ALPN 结果协商协议；失败时连接被关闭
func (c *Connection) Open(ctx context.Context, timeouts types.TimeoutConfig) error {
	alpn := c.stream.NegotiatedProtocol()
	switch alpn {
	case "h2":
		cc, err := h2.NewClientConn(ctx, c.stream, c.dest, h2.Options{
			WriteTimeout: timeouts.Write,
			OnClose:      func(error) { _ = c.Close() },
			Logger:       c.logger,
		})
		if err != nil {
			_ = c.Close()
			return err
		}
		c.mu.Lock()
		c.h2 = cc
		c.protocol = types.HTTP2
		c.opened = true
		c.mu.Unlock()
	case "", "http/1.1":
		c.mu.Lock()
		c.h1 = h1.New(c.stream, c.dest, c.maxDrain, c.logger)
		c.protocol = types.HTTP11
		c.opened = true
		c.mu.Unlock()
	default:
		_ = c.Close()
		return &iface.ProtocolNegotiationError{Destination: c.dest, Offered: alpn}
	}
	c.logger.Debug("connection opened", zap.String("protocol", c.protocol.String()))
	return nil
}

// Send 在本连接上完成一次交换的请求部分，返回响应头与惰性响应体
//
// HTTP/1.1 交换失败（含任一阶段超时）会关闭连接；HTTP/2 子流失败只影响本次交换。
func (c *Connection) Send(ctx context.Context, req *types.Request, timeouts types.TimeoutConfig) (*types.Response, error) {
	if err := req.Prepare(); err != nil {
		return nil, err
	}

	c.mu.Lock()
	if c.state == Closed || !c.opened {
		c.mu.Unlock()
		return nil, iface.ErrConnectionClosed
	}
	if c.protocol == types.HTTP11 && c.exchanges > 0 {
		c.mu.Unlock()
		return nil, iface.ErrConnectionBusy
	}
	c.exchanges++
	c.lastUsed = c.clock.Now()
	protocol, h1c, h2c := c.protocol, c.h1, c.h2
	c.mu.Unlock()

	var resp *types.Response
	var err error
	if protocol == types.HTTP2 {
		resp, err = h2c.RoundTrip(ctx, req, timeouts, c.exchangeDone)
		if err != nil {
			c.exchangeDone(true)
		}
	} else {
		resp, err = h1c.RoundTrip(ctx, req, timeouts, c.exchangeDone)
		if err != nil {
			c.exchangeDone(false)
		}
	}
	if err != nil {
		c.logger.Debug("exchange failed", zap.String("method", req.Method), zap.Error(err))
		return nil, err
	}
	return resp, nil
}

// exchangeDone 一次交换结束（响应体读完、被丢弃或交换失败）
func (c *Connection) exchangeDone(reusable bool) {
	c.mu.Lock()
	if c.exchanges > 0 {
		c.exchanges--
	}
	c.lastUsed = c.clock.Now()
	if !reusable {
		c.mu.Unlock()
		_ = c.Close()
		return
	}
	drained := c.state == Draining && c.exchanges == 0 && c.checkouts == 0
	if drained {
		c.state = Idle
	}
	listener := c.listener
	c.mu.Unlock()

	if drained && listener != nil {
		listener.ConnectionDrained(c)
	}
}

// Checkout 调用方取得连接使用权；HTTP/1.1 只能从 Idle 取出，HTTP/2 在有并发余量时可共享
func (c *Connection) Checkout() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch {
	case c.state == Closed || !c.opened:
		return false
	case c.protocol == types.HTTP11:
		if c.state != Idle {
			return false
		}
	case c.protocol == types.HTTP2:
		if !c.h2.CanTakeNewRequest() || c.checkouts >= c.h2.MaxConcurrentStreams() {
			return false
		}
	}
	c.checkouts++
	c.state = Active
	c.lastUsed = c.clock.Now()
	return true
}

// Checkin 调用方归还使用权，返回归还后的状态
//
// 仍有未处理完的响应体时进入 Draining，由响应体结束回调把连接带回 Idle。
func (c *Connection) Checkin() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.checkouts > 0 {
		c.checkouts--
	}
	if c.state == Closed {
		return Closed
	}
	if c.checkouts == 0 {
		if c.exchanges > 0 {
			c.state = Draining
		} else {
			c.state = Idle
		}
	}
	c.lastUsed = c.clock.Now()
	return c.state
}

// Close 关闭连接与底层流，幂等
func (c *Connection) Close() error {
	c.mu.Lock()
	if c.state == Closed {
		c.mu.Unlock()
		return nil
	}
	c.state = Closed
	h2c := c.h2
	listener := c.listener
	c.mu.Unlock()

	if h2c != nil {
		_ = h2c.Close()
	}
	err := c.stream.Close()
	c.logger.Debug("connection closed")
	if listener != nil {
		listener.ConnectionClosed(c)
	}
	return err
}

// ==================== 只读访问 ====================

// ID 连接标识
func (c *Connection) ID() string { return c.id }

// Destination 目标地址
func (c *Connection) Destination() types.Destination { return c.dest }

// SSLKey TLS 配置兼容键
func (c *Connection) SSLKey() string { return c.sslKey }

// Protocol 协商得到的协议，Open 之后不再变化
func (c *Connection) Protocol() types.Protocol {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.protocol
}

// State 当前状态
func (c *Connection) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// HasUnreadBody 是否有尚未处理完的响应体（或进行中的交换）
func (c *Connection) HasUnreadBody() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.exchanges > 0
}

// LastUsed 最近一次使用时间
func (c *Connection) LastUsed() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastUsed
}

// CreatedAt 创建时间
func (c *Connection) CreatedAt() time.Time { return c.createdAt }

// IdleFor 连接处于 Idle 的时长；非 Idle 返回 0
func (c *Connection) IdleFor() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != Idle {
		return 0
	}
	return c.clock.Since(c.lastUsed)
}
