package stream

import (
	"context"
	"time"

	iface "github.com/weisyn/httpcore/pkg/interfaces/dispatch"
)

// PhaseReader 把 dispatch.Reader 适配为 io.Reader，并按阶段施加截止时间
//
// 一个阶段（读响应头、读响应体）的超时是整个阶段的总预算，
// 每次底层读取只等待剩余时间；超时错误按当前阶段重新标注。
// 不支持并发使用。
type PhaseReader struct {
	r        iface.Reader
	ctx      context.Context
	phase    iface.Phase
	timeout  time.Duration
	deadline time.Time
}

// NewPhaseReader 创建适配器，初始阶段为不限时的 read
func NewPhaseReader(r iface.Reader) *PhaseReader {
	return &PhaseReader{r: r, ctx: context.Background(), phase: iface.PhaseRead}
}

// Begin 开始新阶段
func (p *PhaseReader) Begin(ctx context.Context, phase iface.Phase, timeout time.Duration) {
	if ctx == nil {
		ctx = context.Background()
	}
	p.ctx = ctx
	p.phase = phase
	p.timeout = timeout
	p.deadline = time.Time{}
	if timeout > 0 {
		p.deadline = time.Now().Add(timeout)
	}
}

// Phase 当前阶段
func (p *PhaseReader) Phase() iface.Phase { return p.phase }

// Read 实现 io.Reader
func (p *PhaseReader) Read(b []byte) (int, error) {
	if len(b) == 0 {
		return 0, nil
	}
	var wait time.Duration
	if !p.deadline.IsZero() {
		wait = time.Until(p.deadline)
		if wait <= 0 {
			return 0, &iface.TimeoutError{Phase: p.phase, Limit: p.timeout}
		}
	}
	data, err := p.r.Read(p.ctx, len(b), wait)
	if err != nil {
		return 0, iface.WithPhase(err, p.phase, p.timeout)
	}
	return copy(b, data), nil
}
