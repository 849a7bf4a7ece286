package clock

import (
	"sync"
	"time"

	infraClock "github.com/weisyn/httpcore/pkg/interfaces/infrastructure/clock"
)

// MockClock 测试用时钟，时间可控，可被多个 goroutine 同时读取
type MockClock struct {
	mu          sync.RWMutex
	currentTime time.Time
}

func NewMockClock(initial time.Time) *MockClock { return &MockClock{currentTime: initial} }

func (c *MockClock) Now() time.Time {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.currentTime
}

func (c *MockClock) Since(t time.Time) time.Duration { return c.Now().Sub(t) }

// Advance 推进时间
func (c *MockClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.currentTime = c.currentTime.Add(d)
	c.mu.Unlock()
}

// Ensure接口实现满足 infraClock.Clock
var _ infraClock.Clock = (*MockClock)(nil)
