// Package gate provides the FIFO concurrency gate used for connection backpressure.
package gate

import (
	"context"
	"sync/atomic"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	iface "github.com/weisyn/httpcore/pkg/interfaces/dispatch"
)

// Gate 计数许可门闸
//
// 基于 semaphore.Weighted：等待者按 FIFO 顺序被唤醒，避免饥饿。
// 每次 Acquire 得到一个独立的 ticket，重复释放不会多还许可。
type Gate struct {
	name     string
	sem      *semaphore.Weighted
	capacity int
	inUse    atomic.Int64
	logger   *zap.Logger
}

var _ iface.Gate = (*Gate)(nil)

// New 创建指定容量的门闸，容量必须为正
func New(capacity int, logger *zap.Logger) (*Gate, error) {
	return NewNamed("", capacity, logger)
}

// NewNamed 创建带名称的门闸（名称用于日志）
func NewNamed(name string, capacity int, logger *zap.Logger) (*Gate, error) {
	if capacity <= 0 {
		return nil, iface.ErrInvalidCapacity
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Gate{
		name:     name,
		sem:      semaphore.NewWeighted(int64(capacity)),
		capacity: capacity,
		logger:   logger,
	}, nil
}

// Acquire 获取许可（阻塞直到有可用资源）
func (g *Gate) Acquire(ctx context.Context) (iface.Ticket, error) {
	// 若 ctx 已取消，应立即失败（避免在“资源可用”时仍然成功获取，导致调用方误判）。
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := g.sem.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	return g.issue(), nil
}

// TryAcquire 非阻塞获取许可
func (g *Gate) TryAcquire() (iface.Ticket, bool) {
	if !g.sem.TryAcquire(1) {
		return nil, false
	}
	return g.issue(), true
}

// Capacity 返回总容量
func (g *Gate) Capacity() int { return g.capacity }

// InUse 返回已发放未释放的许可数
func (g *Gate) InUse() int { return int(g.inUse.Load()) }

// Available 返回可用许可数
func (g *Gate) Available() int { return g.capacity - g.InUse() }

func (g *Gate) issue() *ticket {
	g.inUse.Add(1)
	return &ticket{gate: g}
}

// ticket 单次许可
type ticket struct {
	gate     *Gate
	released atomic.Bool
}

// Release 归还许可；重复释放是误用，记录告警后忽略
func (t *ticket) Release() error {
	if !t.released.CompareAndSwap(false, true) {
		t.gate.logger.Warn("gate ticket released twice",
			zap.String("gate", t.gate.name),
			zap.Stack("stack"))
		return iface.ErrDoubleRelease
	}
	t.gate.inUse.Add(-1)
	t.gate.sem.Release(1)
	return nil
}
