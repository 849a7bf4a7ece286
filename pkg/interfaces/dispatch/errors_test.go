package dispatch

import (
	"context"
	"errors"
	"fmt"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

// TestTimeoutError_MatchesSentinels 测试超时错误的哨兵匹配
func TestTimeoutError_MatchesSentinels(t *testing.T) {
	pool := fmt.Errorf("send: %w", &TimeoutError{Phase: PhasePoolAcquire, Limit: time.Second})
	read := &TimeoutError{Phase: PhaseReadBody}

	assert.True(t, IsTimeout(pool))
	assert.ErrorIs(t, pool, ErrPoolTimeout)
	assert.True(t, IsTimeout(read))
	assert.False(t, errors.Is(read, ErrPoolTimeout))
	assert.Equal(t, "pool_acquire timeout after 1s", errors.Unwrap(pool).Error())

	var ne net.Error
	assert.True(t, errors.As(pool, &ne))
	assert.True(t, ne.Timeout())
}

// TestWithPhase_RetagsOnlyTimeouts 测试阶段重标注
func TestWithPhase_RetagsOnlyTimeouts(t *testing.T) {
	cause := errors.New("deadline")
	retagged := WithPhase(&TimeoutError{Phase: PhaseRead, Cause: cause}, PhaseReadHeader, time.Second)

	var te *TimeoutError
	assert.True(t, errors.As(retagged, &te))
	assert.Equal(t, PhaseReadHeader, te.Phase)
	assert.Equal(t, time.Second, te.Limit)
	assert.ErrorIs(t, retagged, cause)

	other := errors.New("other")
	assert.Same(t, other, WithPhase(other, PhaseReadHeader, time.Second))
}

// TestConnectionError_WrapsCause 测试连接错误的包装
func TestConnectionError_WrapsCause(t *testing.T) {
	err := &ConnectionError{Op: "acquire", Err: ErrPoolClosed}

	assert.True(t, IsConnectionError(err))
	assert.ErrorIs(t, err, ErrPoolClosed)
	assert.False(t, IsConnectionError(context.Canceled))
	assert.Contains(t, err.Error(), "-")
}
