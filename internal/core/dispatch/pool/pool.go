// Package pool keeps protocol-negotiated connections keyed by destination.
package pool

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/weisyn/httpcore/internal/core/dispatch/connection"
	"github.com/weisyn/httpcore/internal/core/dispatch/gate"
	clockimpl "github.com/weisyn/httpcore/internal/core/infrastructure/clock"
	iface "github.com/weisyn/httpcore/pkg/interfaces/dispatch"
	"github.com/weisyn/httpcore/pkg/interfaces/infrastructure/clock"
	"github.com/weisyn/httpcore/pkg/types"
)

// 门闸作用域
const (
	GateScopeGlobal      = "global"
	GateScopeDestination = "destination"
)

// 获取结果（指标标签）
const (
	ResultReused  = "reused"
	ResultCreated = "created"
	ResultTimeout = "timeout"
	ResultError   = "error"
	ResultClosed  = "closed"
)

// 淘汰原因（指标标签）
const (
	EvictIdleCap  = "idle_cap"
	EvictExpired  = "idle_expired"
	EvictCapacity = "capacity"
)

// Config 连接池参数
type Config struct {
	// MaxConnections 并发连接上限（门闸容量）
	MaxConnections int
	// GateScope global：全池共享一个门闸；destination：每个目标一个门闸
	GateScope string
	// MaxIdlePerDestination 每个目标保留的 HTTP/1.1 空闲连接上限，超出时先淘汰最早空闲的
	MaxIdlePerDestination int
	// IdleLifetime 空闲超过该时长的连接被清扫，0 表示不过期
	IdleLifetime time.Duration
	// SweepInterval 后台清扫周期，0 表示不启动清扫
	SweepInterval time.Duration
	// MaxDrainBytes 丢弃 HTTP/1.1 响应体时最多排空的字节数
	MaxDrainBytes int64
}

// Observer 池事件观察者（指标）
type Observer interface {
	AcquireDone(result string)
	ConnectionEvicted(reason string)
}

type nopObserver struct{}

func (nopObserver) AcquireDone(string)       {}
func (nopObserver) ConnectionEvicted(string) {}

// Options 可选依赖
type Options struct {
	Logger   *zap.Logger
	Clock    clock.Clock
	Observer Observer
}

// Stats 池状态快照
type Stats struct {
	Idle         int
	Active       int
	Draining     int
	Total        int
	Destinations int
	GateInUse    int
	GateCapacity int
}

// entry 单个目标的连接
type entry struct {
	idle   []*connection.Connection // HTTP/1.1 空闲连接，最早空闲的在前
	shared []*connection.Connection // HTTP/2 连接
	wake   chan struct{}            // 按目标划分门闸时使用：有连接回到 Idle 时关闭并替换
}

// record 被池跟踪的连接及其许可
type record struct {
	conn   *connection.Connection
	ticket iface.Ticket
	key    string
}

// Pool 连接池
//
// 池成员关系与许可计数都在 mu 下变更；关闭连接总在 mu 之外进行，
// 因为连接关闭会回调 ConnectionClosed。锁顺序：Pool.mu → Connection.mu。
type Pool struct {
	cfg      Config
	backend  iface.Backend
	clock    clock.Clock
	logger   *zap.Logger
	observer Observer

	mu       sync.Mutex
	closed   bool
	closedCh chan struct{}
	global   *gate.Gate
	wake     chan struct{} // 共享门闸下全池的唤醒信号
	gates    map[string]*gate.Gate
	entries  map[string]*entry
	tracked  map[*connection.Connection]*record
}

var _ connection.Listener = (*Pool)(nil)

// New 创建连接池
func New(cfg Config, backend iface.Backend, opts Options) (*Pool, error) {
	if cfg.MaxConnections <= 0 {
		return nil, iface.ErrInvalidCapacity
	}
	if cfg.GateScope == "" {
		cfg.GateScope = GateScopeGlobal
	}
	if cfg.GateScope != GateScopeGlobal && cfg.GateScope != GateScopeDestination {
		return nil, fmt.Errorf("unknown gate scope %q", cfg.GateScope)
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	clk := opts.Clock
	if clk == nil {
		clk = clockimpl.NewSystemClock()
	}
	observer := opts.Observer
	if observer == nil {
		observer = nopObserver{}
	}

	p := &Pool{
		cfg:      cfg,
		backend:  backend,
		clock:    clk,
		logger:   logger.With(zap.String("component", "pool")),
		observer: observer,
		closedCh: make(chan struct{}),
		wake:     make(chan struct{}),
		gates:    make(map[string]*gate.Gate),
		entries:  make(map[string]*entry),
		tracked:  make(map[*connection.Connection]*record),
	}
	if cfg.GateScope == GateScopeGlobal {
		g, err := gate.NewNamed("global", cfg.MaxConnections, p.logger)
		if err != nil {
			return nil, err
		}
		p.global = g
	}
	return p, nil
}

// Config 返回池参数
func (p *Pool) Config() Config { return p.cfg }

// ==================== 获取 ====================

// Acquire 取得一条到 dest 的可用连接
//
// 优先复用 SSL 兼容键相同的空闲连接（或有并发余量的 HTTP/2 连接），复用不经过门闸；
// 否则在 timeouts.PoolAcquire 内排队等待许可并新建连接。排队期间有连接回到 Idle 时
// 等待者被唤醒：可复用则放弃排队，否则淘汰一条占用同一门闸且无法复用的空闲连接，
// 腾出的许可按 FIFO 交给队首。
func (p *Pool) Acquire(ctx context.Context, dest types.Destination, ssl *types.SSLConfig, timeouts types.TimeoutConfig) (*connection.Connection, error) {
	key := dest.Key()
	sslKey := ssl.Key()

	acquireCtx := ctx
	if timeouts.PoolAcquire > 0 {
		var cancel context.CancelFunc
		acquireCtx, cancel = context.WithTimeout(ctx, timeouts.PoolAcquire)
		defer cancel()
	}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		p.observer.AcquireDone(ResultClosed)
		return nil, p.closedErr(dest)
	}
	if c := p.reuseLocked(key, sslKey); c != nil {
		p.mu.Unlock()
		p.observer.AcquireDone(ResultReused)
		return c, nil
	}
	g := p.gateLocked(key)
	wake := p.wakeChanLocked(key)
	ticket, ok := g.TryAcquire()
	var victim *connection.Connection
	if !ok {
		if victim = p.idleVictimLocked(key, sslKey); victim != nil {
			p.untrackLocked(victim)
			ticket, ok = g.TryAcquire()
		}
	}
	p.mu.Unlock()
	p.evictForCapacity(victim)

	if !ok {
		t, c, err := p.waitTicket(ctx, acquireCtx, g, wake, dest, sslKey, timeouts.PoolAcquire)
		if err != nil {
			return nil, err
		}
		if c != nil {
			p.observer.AcquireDone(ResultReused)
			return c, nil
		}
		ticket = t
	}

	c, err := p.open(ctx, dest, ssl, sslKey, timeouts)
	if err != nil {
		_ = ticket.Release()
		p.observer.AcquireDone(ResultError)
		return nil, err
	}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		_ = ticket.Release()
		_ = c.Close()
		p.observer.AcquireDone(ResultClosed)
		return nil, p.closedErr(dest)
	}
	p.tracked[c] = &record{conn: c, ticket: ticket, key: key}
	if c.Protocol() == types.HTTP2 {
		e := p.entryLocked(key)
		e.shared = append(e.shared, c)
	}
	p.mu.Unlock()

	p.observer.AcquireDone(ResultCreated)
	return c, nil
}

type granted struct {
	ticket iface.Ticket
	err    error
}

// waitTicket 在门闸上排队等待许可
//
// 排队位置在整个等待期间保持不变。唤醒后的复用与淘汰在锁内进行；复用成功时撤销排队，
// 撤销前许可若已到手则立即归还，交给下一个等待者。
func (p *Pool) waitTicket(ctx, acquireCtx context.Context, g *gate.Gate, wake <-chan struct{}, dest types.Destination, sslKey string, timeout time.Duration) (iface.Ticket, *connection.Connection, error) {
	key := dest.Key()
	waitCtx, cancel := context.WithCancel(acquireCtx)
	defer cancel()
	result := make(chan granted, 1)
	go func() {
		t, err := g.Acquire(waitCtx)
		result <- granted{ticket: t, err: err}
	}()
	withdraw := func() {
		cancel()
		if r := <-result; r.err == nil {
			_ = r.ticket.Release()
		}
	}

	for {
		select {
		case r := <-result:
			if r.err != nil {
				return nil, nil, p.acquireErr(ctx, acquireCtx, dest, timeout, r.err)
			}
			return r.ticket, nil, nil
		case <-p.closedCh:
			withdraw()
			p.observer.AcquireDone(ResultClosed)
			return nil, nil, p.closedErr(dest)
		case <-wake:
		}

		p.mu.Lock()
		wake = p.wakeChanLocked(key)
		c := p.reuseLocked(key, sslKey)
		var victim *connection.Connection
		if c == nil && g.Available() == 0 {
			if victim = p.idleVictimLocked(key, sslKey); victim != nil {
				p.untrackLocked(victim)
			}
		}
		p.mu.Unlock()
		p.evictForCapacity(victim)

		if c != nil {
			withdraw()
			return nil, c, nil
		}
	}
}

func (p *Pool) acquireErr(parent, acquireCtx context.Context, dest types.Destination, timeout time.Duration, err error) error {
	select {
	case <-p.closedCh:
		p.observer.AcquireDone(ResultClosed)
		return p.closedErr(dest)
	default:
	}
	if parent.Err() == nil && errors.Is(acquireCtx.Err(), context.DeadlineExceeded) {
		p.observer.AcquireDone(ResultTimeout)
		p.logger.Warn("pool acquire timed out",
			zap.String("destination", dest.Key()),
			zap.Duration("timeout", timeout))
		return &iface.TimeoutError{Phase: iface.PhasePoolAcquire, Limit: timeout, Cause: err}
	}
	p.observer.AcquireDone(ResultError)
	return &iface.ConnectionError{Op: "acquire", Destination: dest, Err: err}
}

// open 建立流并协商协议；失败时流已关闭
func (p *Pool) open(ctx context.Context, dest types.Destination, ssl *types.SSLConfig, sslKey string, timeouts types.TimeoutConfig) (*connection.Connection, error) {
	s, err := p.backend.Open(ctx, dest, ssl, timeouts.Connect)
	if err != nil {
		p.logger.Debug("open stream failed", zap.String("destination", dest.Key()), zap.Error(err))
		return nil, err
	}
	c := connection.New(dest, sslKey, s, connection.Options{
		MaxDrainBytes: p.cfg.MaxDrainBytes,
		Clock:         p.clock,
		Logger:        p.logger,
		Listener:      p,
	})
	if err := c.Open(ctx, timeouts); err != nil {
		return nil, err
	}
	p.logger.Debug("connection created",
		zap.String("destination", dest.Key()),
		zap.String("connection", c.ID()),
		zap.String("protocol", c.Protocol().String()))
	return c, nil
}

func (p *Pool) closedErr(dest types.Destination) error {
	return &iface.ConnectionError{Op: "acquire", Destination: dest, Err: iface.ErrPoolClosed}
}

// reuseLocked 复用连接：先找有余量的 HTTP/2 连接，再取最近空闲的 HTTP/1.1 连接
func (p *Pool) reuseLocked(key, sslKey string) *connection.Connection {
	e := p.entries[key]
	if e == nil {
		return nil
	}
	for _, c := range e.shared {
		if c.SSLKey() == sslKey && c.Checkout() {
			return c
		}
	}
	for i := len(e.idle) - 1; i >= 0; i-- {
		c := e.idle[i]
		if c.SSLKey() != sslKey {
			continue
		}
		e.idle = append(e.idle[:i], e.idle[i+1:]...)
		if c.Checkout() {
			return c
		}
	}
	return nil
}

func (p *Pool) gateLocked(key string) *gate.Gate {
	if p.global != nil {
		return p.global
	}
	g := p.gates[key]
	if g == nil {
		// 容量已在 New 中校验
		g, _ = gate.NewNamed(key, p.cfg.MaxConnections, p.logger)
		p.gates[key] = g
	}
	return g
}

func (p *Pool) entryLocked(key string) *entry {
	e := p.entries[key]
	if e == nil {
		e = &entry{wake: make(chan struct{})}
		p.entries[key] = e
	}
	return e
}

// idleVictimLocked 占用同一门闸、且本次请求无法复用的空闲最久的 HTTP/1.1 连接
//
// 共享门闸下在全部目标中查找；按目标划分门闸时只在本目标中查找（SSL 兼容键不同的连接）。
func (p *Pool) idleVictimLocked(key, sslKey string) *connection.Connection {
	var oldest *connection.Connection
	var oldestAt time.Time
	for k, e := range p.entries {
		if p.global == nil && k != key {
			continue
		}
		for _, c := range e.idle {
			if k == key && c.SSLKey() == sslKey {
				continue
			}
			if at := c.LastUsed(); oldest == nil || at.Before(oldestAt) {
				oldest, oldestAt = c, at
			}
			break
		}
	}
	return oldest
}

func (p *Pool) evictForCapacity(victim *connection.Connection) {
	if victim == nil {
		return
	}
	p.closeEvicted([]*connection.Connection{victim}, EvictCapacity)
}

// ==================== 归还 ====================

// Release 归还连接
//
// 仍有未读完的响应体 → Draining，由响应体结束回调放回空闲列表；
// 已关闭 → 移出池并释放许可；否则回到 Idle（受空闲上限约束）。
func (p *Pool) Release(c *connection.Connection) {
	var evicted []*connection.Connection
	p.mu.Lock()
	rec := p.tracked[c]
	if rec == nil {
		p.mu.Unlock()
		return
	}
	switch c.Checkin() {
	case connection.Closed:
		p.untrackLocked(c)
	case connection.Idle:
		if c.Protocol() == types.HTTP11 {
			evicted = p.pushIdleLocked(rec.key, c)
		}
		p.wakeLocked(rec.key)
	}
	p.mu.Unlock()
	p.closeEvicted(evicted, EvictIdleCap)
}

// ConnectionDrained 实现 connection.Listener
func (p *Pool) ConnectionDrained(c *connection.Connection) {
	var evicted []*connection.Connection
	p.mu.Lock()
	rec := p.tracked[c]
	if rec == nil || c.State() != connection.Idle {
		p.mu.Unlock()
		return
	}
	if c.Protocol() == types.HTTP11 {
		evicted = p.pushIdleLocked(rec.key, c)
	}
	p.wakeLocked(rec.key)
	p.mu.Unlock()
	p.closeEvicted(evicted, EvictIdleCap)
}

// ConnectionClosed 实现 connection.Listener
func (p *Pool) ConnectionClosed(c *connection.Connection) {
	p.mu.Lock()
	tracked := p.tracked[c] != nil
	if tracked {
		p.untrackLocked(c)
	}
	p.mu.Unlock()
	if tracked {
		p.logger.Debug("tracked connection closed",
			zap.String("destination", c.Destination().Key()),
			zap.String("connection", c.ID()))
	}
}

// pushIdleLocked 放入空闲列表，超出上限时返回被淘汰（已移出池）的连接
func (p *Pool) pushIdleLocked(key string, c *connection.Connection) []*connection.Connection {
	e := p.entryLocked(key)
	for _, existing := range e.idle {
		if existing == c {
			return nil
		}
	}
	e.idle = append(e.idle, c)
	var evicted []*connection.Connection
	for len(e.idle) > max(p.cfg.MaxIdlePerDestination, 0) {
		victim := e.idle[0]
		p.untrackLocked(victim)
		evicted = append(evicted, victim)
	}
	return evicted
}

// wakeLocked 唤醒等待者：共享门闸下唤醒全池，否则只唤醒本目标
func (p *Pool) wakeLocked(key string) {
	if p.global != nil {
		close(p.wake)
		p.wake = make(chan struct{})
		return
	}
	e := p.entryLocked(key)
	close(e.wake)
	e.wake = make(chan struct{})
}

func (p *Pool) wakeChanLocked(key string) <-chan struct{} {
	if p.global != nil {
		return p.wake
	}
	return p.entryLocked(key).wake
}

// untrackLocked 移出池并释放许可；许可释放不挂起
func (p *Pool) untrackLocked(c *connection.Connection) {
	rec := p.tracked[c]
	if rec == nil {
		return
	}
	delete(p.tracked, c)
	if e := p.entries[rec.key]; e != nil {
		e.idle = removeConn(e.idle, c)
		e.shared = removeConn(e.shared, c)
	}
	_ = rec.ticket.Release()
}

func removeConn(list []*connection.Connection, c *connection.Connection) []*connection.Connection {
	for i, existing := range list {
		if existing == c {
			return append(list[:i], list[i+1:]...)
		}
	}
	return list
}

func (p *Pool) closeEvicted(conns []*connection.Connection, reason string) {
	for _, c := range conns {
		_ = c.Close()
		p.observer.ConnectionEvicted(reason)
		p.logger.Debug("connection evicted",
			zap.String("destination", c.Destination().Key()),
			zap.String("connection", c.ID()),
			zap.String("reason", reason))
	}
}

// ==================== 关闭与清扫 ====================

// CloseAll 关闭全部连接（含使用中的），释放全部许可，唤醒所有等待者；幂等
func (p *Pool) CloseAll() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	close(p.closedCh)
	conns := make([]*connection.Connection, 0, len(p.tracked))
	for c := range p.tracked {
		conns = append(conns, c)
	}
	for _, c := range conns {
		p.untrackLocked(c)
	}
	p.entries = make(map[string]*entry)
	p.mu.Unlock()

	var err error
	for _, c := range conns {
		err = multierr.Append(err, c.Close())
	}
	p.logger.Debug("pool closed", zap.Int("connections", len(conns)))
	return err
}

// Closed 池是否已关闭
func (p *Pool) Closed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

// Sweep 关闭空闲超过 IdleLifetime 的连接，返回关闭数量
func (p *Pool) Sweep() int {
	if p.cfg.IdleLifetime <= 0 {
		return 0
	}
	var expired []*connection.Connection
	p.mu.Lock()
	for _, e := range p.entries {
		for _, c := range append(append([]*connection.Connection(nil), e.idle...), e.shared...) {
			if c.State() == connection.Idle && c.IdleFor() >= p.cfg.IdleLifetime {
				expired = append(expired, c)
			}
		}
	}
	for _, c := range expired {
		p.untrackLocked(c)
	}
	p.mu.Unlock()

	p.closeEvicted(expired, EvictExpired)
	return len(expired)
}

// StartSweeper 按 SweepInterval 周期清扫，直到 ctx 取消或池关闭
func (p *Pool) StartSweeper(ctx context.Context) {
	if p.cfg.SweepInterval <= 0 || p.cfg.IdleLifetime <= 0 {
		return
	}
	go func() {
		ticker := time.NewTicker(p.cfg.SweepInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-p.closedCh:
				return
			case <-ticker.C:
				if n := p.Sweep(); n > 0 {
					p.logger.Debug("idle sweep", zap.Int("closed", n))
				}
			}
		}
	}()
}

// Stats 返回池状态快照
func (p *Pool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	var s Stats
	keys := make(map[string]struct{})
	for c, rec := range p.tracked {
		keys[rec.key] = struct{}{}
		switch c.State() {
		case connection.Idle:
			s.Idle++
		case connection.Active:
			s.Active++
		case connection.Draining:
			s.Draining++
		}
	}
	s.Total = len(p.tracked)
	s.Destinations = len(keys)
	if p.global != nil {
		s.GateInUse, s.GateCapacity = p.global.InUse(), p.global.Capacity()
	} else {
		for _, g := range p.gates {
			s.GateInUse += g.InUse()
			s.GateCapacity += g.Capacity()
		}
	}
	return s
}
