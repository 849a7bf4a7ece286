package dispatch

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/weisyn/httpcore/internal/core/dispatch/pool"
	iface "github.com/weisyn/httpcore/pkg/interfaces/dispatch"
	"github.com/weisyn/httpcore/pkg/types"
)

// ==================== 测试辅助 ====================

// upstream 基于 gin 的上游服务
type upstream struct {
	*httptest.Server
	inFlight atomic.Int32
	peak     atomic.Int32
	release  chan struct{}
}

func newRouter(u *upstream) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.GET("/hello", func(c *gin.Context) {
		c.Header("X-Proto", c.Request.Proto)
		c.String(http.StatusOK, "hello %s", c.DefaultQuery("name", "world"))
	})
	r.POST("/echo", func(c *gin.Context) {
		body, _ := io.ReadAll(c.Request.Body)
		c.Header("X-Trace", c.GetHeader("X-Trace"))
		c.Data(http.StatusOK, "application/octet-stream", body)
	})
	r.GET("/serial", func(c *gin.Context) {
		n := u.inFlight.Add(1)
		for {
			p := u.peak.Load()
			if n <= p || u.peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(10 * time.Millisecond)
		u.inFlight.Add(-1)
		c.String(http.StatusOK, "ok")
	})
	r.GET("/block", func(c *gin.Context) {
		select {
		case <-u.release:
		case <-c.Request.Context().Done():
		}
		c.String(http.StatusOK, "released")
	})
	return r
}

func newUpstream(t *testing.T) *upstream {
	t.Helper()
	u := &upstream{release: make(chan struct{})}
	u.Server = httptest.NewServer(newRouter(u))
	t.Cleanup(func() {
		close(u.release)
		u.Close()
	})
	return u
}

// newTLSUpstream 启用 HTTP/2 的 TLS 上游
func newTLSUpstream(t *testing.T) *upstream {
	t.Helper()
	u := &upstream{release: make(chan struct{})}
	u.Server = httptest.NewUnstartedServer(newRouter(u))
	u.EnableHTTP2 = true
	u.StartTLS()
	t.Cleanup(func() {
		close(u.release)
		u.Close()
	})
	return u
}

func newDispatcher(t *testing.T, cfg pool.Config, opts Options) *PooledDispatcher {
	t.Helper()
	if cfg.MaxConnections == 0 {
		cfg.MaxConnections = 4
	}
	if cfg.MaxIdlePerDestination == 0 {
		cfg.MaxIdlePerDestination = 10
	}
	d, err := NewPooledDispatcher(cfg, opts)
	require.NoError(t, err)
	t.Cleanup(func() { _ = d.Close() })
	return d
}

var h2SSL = &types.SSLConfig{HTTP2: true, InsecureSkipVerify: true}

// ==================== HTTP/1.1 端到端测试 ====================

// TestPooledDispatcher_Request_ReturnsMaterializedResponse 测试基本请求
func TestPooledDispatcher_Request_ReturnsMaterializedResponse(t *testing.T) {
	// Arrange
	u := newUpstream(t)
	d := newDispatcher(t, pool.Config{}, Options{})

	// Act
	resp, err := d.Request(context.Background(), "GET", u.URL+"/hello", &iface.RequestOptions{
		QueryParams: map[string][]string{"name": {"pool"}},
	})

	// Assert
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, types.HTTP11, resp.Protocol)
	assert.True(t, resp.Loaded())
	assert.Equal(t, "hello pool", resp.Text())
	stats := d.Pool().Stats()
	assert.Equal(t, 1, stats.Idle, "连接归还后应处于空闲")
	assert.Equal(t, 1, stats.GateInUse)
}

// TestPooledDispatcher_Request_ReusesConnection 测试连续请求复用同一连接
func TestPooledDispatcher_Request_ReusesConnection(t *testing.T) {
	u := newUpstream(t)
	metrics := NewMetrics(nil)
	d := newDispatcher(t, pool.Config{}, Options{Metrics: metrics})

	for i := 0; i < 3; i++ {
		resp, err := d.Request(context.Background(), "POST", u.URL+"/echo", &iface.RequestOptions{Data: []byte("ping")})
		require.NoError(t, err)
		assert.Equal(t, "ping", resp.Text())
	}

	assert.Equal(t, 1, d.Pool().Stats().Total)
}

// TestPooledDispatcher_Preparer_RunsBeforeSend 测试发送前钩子
func TestPooledDispatcher_Preparer_RunsBeforeSend(t *testing.T) {
	// Arrange
	u := newUpstream(t)
	denied := errors.New("denied")
	d := newDispatcher(t, pool.Config{}, Options{
		Preparer: iface.PreparerFunc(func(req *types.Request) error {
			if req.URL.Query().Get("deny") != "" {
				return denied
			}
			req.Headers.Set("X-Trace", "abc")
			return req.Prepare()
		}),
	})

	// Act
	resp, err := d.Request(context.Background(), "POST", u.URL+"/echo", &iface.RequestOptions{Data: []byte("x")})
	_, deniedErr := d.Request(context.Background(), "POST", u.URL+"/echo?deny=1", nil)

	// Assert
	require.NoError(t, err)
	assert.Equal(t, "abc", resp.Headers.Get("X-Trace"))
	assert.ErrorIs(t, deniedErr, denied)
}

// TestPooledDispatcher_Stream_KeepsConnectionDrainingUntilRead 测试流式响应
func TestPooledDispatcher_Stream_KeepsConnectionDrainingUntilRead(t *testing.T) {
	// Arrange
	u := newUpstream(t)
	d := newDispatcher(t, pool.Config{}, Options{})

	// Act
	resp, err := d.Request(context.Background(), "GET", u.URL+"/hello", &iface.RequestOptions{Stream: true})
	require.NoError(t, err)

	// Assert
	assert.False(t, resp.Loaded())
	assert.Equal(t, 1, d.Pool().Stats().Draining)
	data, err := resp.Read()
	require.NoError(t, err)
	assert.Equal(t, "hello world", string(data))
	assert.Equal(t, 1, d.Pool().Stats().Idle)
}

// TestPooledDispatcher_CapacityOne_SerializesRequests 测试容量为 1 时端到端串行
func TestPooledDispatcher_CapacityOne_SerializesRequests(t *testing.T) {
	// Arrange
	u := newUpstream(t)
	d := newDispatcher(t, pool.Config{MaxConnections: 1}, Options{})
	var wg sync.WaitGroup

	// Act
	for i := 0; i < 6; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			resp, err := d.Request(context.Background(), "GET", u.URL+"/serial", nil)
			if assert.NoError(t, err) {
				assert.Equal(t, "ok", resp.Text())
			}
		}()
	}
	wg.Wait()

	// Assert
	assert.Equal(t, int32(1), u.peak.Load())
	assert.Equal(t, 1, d.Pool().Stats().Total)
}

// TestPooledDispatcher_PoolTimeout_FailsWithinBudget 测试等待许可超时
func TestPooledDispatcher_PoolTimeout_FailsWithinBudget(t *testing.T) {
	// Arrange
	u := newUpstream(t)
	d := newDispatcher(t, pool.Config{MaxConnections: 1}, Options{})
	go func() { _, _ = d.Request(context.Background(), "GET", u.URL+"/block", nil) }()
	require.Eventually(t, func() bool { return d.Pool().Stats().Active == 1 }, time.Second, 5*time.Millisecond)

	// Act
	start := time.Now()
	_, err := d.Request(context.Background(), "GET", u.URL+"/hello", &iface.RequestOptions{
		Timeout: &types.TimeoutConfig{PoolAcquire: 50 * time.Millisecond},
	})

	// Assert
	assert.ErrorIs(t, err, iface.ErrPoolTimeout)
	assert.InDelta(t, 0.05, time.Since(start).Seconds(), 0.04)
}

// TestPooledDispatcher_ReadTimeout_ReleasesTicket 测试读超时后许可归还
func TestPooledDispatcher_ReadTimeout_ReleasesTicket(t *testing.T) {
	u := newUpstream(t)
	d := newDispatcher(t, pool.Config{MaxConnections: 1}, Options{})

	_, err := d.Request(context.Background(), "GET", u.URL+"/block", &iface.RequestOptions{
		Timeout: &types.TimeoutConfig{ReadHeader: 30 * time.Millisecond},
	})

	var te *iface.TimeoutError
	require.True(t, errors.As(err, &te))
	assert.Equal(t, iface.PhaseReadHeader, te.Phase)
	assert.Equal(t, 0, d.Pool().Stats().GateInUse)
	resp, err := d.Request(context.Background(), "GET", u.URL+"/hello", nil)
	require.NoError(t, err)
	assert.Equal(t, "hello world", resp.Text())
}

// TestPooledDispatcher_Close_DuringInFlightRequest 测试关闭时进行中的请求以连接错误失败
func TestPooledDispatcher_Close_DuringInFlightRequest(t *testing.T) {
	// Arrange
	u := newUpstream(t)
	d := newDispatcher(t, pool.Config{}, Options{})
	errs := make(chan error, 1)
	go func() {
		_, err := d.Request(context.Background(), "GET", u.URL+"/block", nil)
		errs <- err
	}()
	require.Eventually(t, func() bool { return d.Pool().Stats().Active == 1 }, time.Second, 5*time.Millisecond)

	// Act
	require.NoError(t, d.Close())

	// Assert
	select {
	case err := <-errs:
		assert.True(t, iface.IsConnectionError(err), "got %v", err)
	case <-time.After(2 * time.Second):
		t.Fatal("进行中的请求未失败")
	}
	_, err := d.Request(context.Background(), "GET", u.URL+"/hello", nil)
	assert.ErrorIs(t, err, iface.ErrPoolClosed)
}

// TestPooledDispatcher_Request_WithUnreachableHost_ReturnsConnectionError 测试连接失败
func TestPooledDispatcher_Request_WithUnreachableHost_ReturnsConnectionError(t *testing.T) {
	u := newUpstream(t)
	addr := u.URL
	u.Close()
	d := newDispatcher(t, pool.Config{}, Options{})

	_, err := d.Request(context.Background(), "GET", addr+"/hello", nil)

	assert.True(t, iface.IsConnectionError(err) || iface.IsTimeout(err), "got %v", err)
	assert.Equal(t, 0, d.Pool().Stats().GateInUse)
}

// ==================== HTTP/2 端到端测试 ====================

// TestPooledDispatcher_HTTP2_NegotiatedViaALPN 测试 ALPN 协商 HTTP/2 并共享连接
func TestPooledDispatcher_HTTP2_NegotiatedViaALPN(t *testing.T) {
	// Arrange
	u := newTLSUpstream(t)
	d := newDispatcher(t, pool.Config{}, Options{SSL: h2SSL, Timeout: &types.TimeoutConfig{
		Connect: 2 * time.Second, Write: 2 * time.Second, ReadHeader: 2 * time.Second, ReadBody: 2 * time.Second,
	}})
	var wg sync.WaitGroup
	protos := make(chan types.Protocol, 4)

	// Act
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			resp, err := d.Request(context.Background(), "GET", u.URL+"/serial", nil)
			if assert.NoError(t, err) {
				protos <- resp.Protocol
			}
		}()
	}
	wg.Wait()
	close(protos)

	// Assert
	for p := range protos {
		assert.Equal(t, types.HTTP2, p)
	}
	resp, err := d.Request(context.Background(), "GET", u.URL+"/hello", nil)
	require.NoError(t, err)
	assert.Equal(t, "HTTP/2.0", resp.Headers.Get("X-Proto"))
	assert.LessOrEqual(t, d.Pool().Stats().Total, 4)
}

// TestPooledDispatcher_HTTP2_SubstreamTimeoutKeepsConnection 测试子流超时不关闭连接
func TestPooledDispatcher_HTTP2_SubstreamTimeoutKeepsConnection(t *testing.T) {
	// Arrange
	u := newTLSUpstream(t)
	d := newDispatcher(t, pool.Config{}, Options{SSL: h2SSL})
	_, err := d.Request(context.Background(), "GET", u.URL+"/hello", nil)
	require.NoError(t, err)

	// Act
	_, err = d.Request(context.Background(), "GET", u.URL+"/block", &iface.RequestOptions{
		Timeout: &types.TimeoutConfig{ReadHeader: 40 * time.Millisecond},
	})

	// Assert
	assert.True(t, iface.IsTimeout(err))
	assert.Equal(t, 1, d.Pool().Stats().Total, "HTTP/2 连接应保留")
	resp, err := d.Request(context.Background(), "GET", u.URL+"/hello", nil)
	require.NoError(t, err)
	assert.Equal(t, types.HTTP2, resp.Protocol)
	assert.Equal(t, 1, d.Pool().Stats().Total)
}

// TestPooledDispatcher_TLSWithoutH2_FallsBackToHTTP11 测试未声明 h2 时使用 HTTP/1.1
func TestPooledDispatcher_TLSWithoutH2_FallsBackToHTTP11(t *testing.T) {
	u := newTLSUpstream(t)
	d := newDispatcher(t, pool.Config{}, Options{SSL: &types.SSLConfig{InsecureSkipVerify: true}})

	resp, err := d.Request(context.Background(), "GET", u.URL+"/hello", nil)

	require.NoError(t, err)
	assert.Equal(t, types.HTTP11, resp.Protocol)
}

// ==================== 单连接分发器测试 ====================

// TestSingleConnectionDispatcher_RejectsOtherDestination 测试目标绑定
func TestSingleConnectionDispatcher_RejectsOtherDestination(t *testing.T) {
	// Arrange
	u := newUpstream(t)
	req, err := types.NewRequest("GET", u.URL+"/hello", nil, nil, nil)
	require.NoError(t, err)
	dest, err := req.Destination()
	require.NoError(t, err)
	d, err := NewSingleConnectionDispatcher(dest, 1024, Options{})
	require.NoError(t, err)
	defer d.Close()

	// Act
	resp, err := d.Send(context.Background(), req, nil)
	_, mismatch := d.Request(context.Background(), "GET", "http://other.test/hello", nil)

	// Assert
	require.NoError(t, err)
	assert.Equal(t, "hello world", resp.Text())
	assert.ErrorIs(t, mismatch, iface.ErrDestinationMismatch)
	assert.Equal(t, dest, d.Destination())
}

// TestSingleConnectionDispatcher_ReopensAfterClosure 测试连接关闭后重新建立
func TestSingleConnectionDispatcher_ReopensAfterClosure(t *testing.T) {
	// Arrange
	u := newUpstream(t)
	req, _ := types.NewRequest("GET", u.URL+"/hello", nil, nil, nil)
	dest, _ := req.Destination()
	d, err := NewSingleConnectionDispatcher(dest, 1024, Options{})
	require.NoError(t, err)
	defer d.Close()
	_, err = d.Request(context.Background(), "GET", u.URL+"/block", &iface.RequestOptions{
		Timeout: &types.TimeoutConfig{ReadHeader: 20 * time.Millisecond},
	})
	require.True(t, iface.IsTimeout(err))

	// Act
	resp, err := d.Request(context.Background(), "GET", u.URL+"/hello", nil)

	// Assert
	require.NoError(t, err)
	assert.Equal(t, "hello world", resp.Text())
	stats := d.Pool().Stats()
	assert.Equal(t, 1, stats.Total)
	assert.Equal(t, 1, stats.GateCapacity)
}
