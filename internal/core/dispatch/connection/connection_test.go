package connection

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/net/http2"

	"github.com/weisyn/httpcore/internal/core/dispatch/stream"
	clockimpl "github.com/weisyn/httpcore/internal/core/infrastructure/clock"
	iface "github.com/weisyn/httpcore/pkg/interfaces/dispatch"
	"github.com/weisyn/httpcore/pkg/types"
)

// ==================== 测试辅助 ====================

var testDest = types.Destination{Scheme: "http", Host: "example.test", Port: 80}

// recordingListener 记录连接回调
type recordingListener struct {
	mu      sync.Mutex
	drained int
	closed  int
}

func (l *recordingListener) ConnectionDrained(*Connection) {
	l.mu.Lock()
	l.drained++
	l.mu.Unlock()
}

func (l *recordingListener) ConnectionClosed(*Connection) {
	l.mu.Lock()
	l.closed++
	l.mu.Unlock()
}

func (l *recordingListener) counts() (int, int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.drained, l.closed
}

// pipeServer 基于 net.Pipe 的脚本化 HTTP/1.1 服务端；respond 返回空串表示不应答
func pipeServer(t *testing.T, respond func(req *http.Request) string) net.Conn {
	t.Helper()
	client, server := net.Pipe()
	t.Cleanup(func() {
		_ = client.Close()
		_ = server.Close()
	})
	go func() {
		br := bufio.NewReader(server)
		for {
			req, err := http.ReadRequest(br)
			if err != nil {
				return
			}
			_, _ = io.Copy(io.Discard, req.Body)
			if raw := respond(req); raw != "" {
				if _, err := server.Write([]byte(raw)); err != nil {
					return
				}
			}
		}
	}()
	return client
}

func okResponse(body string) string {
	return fmt.Sprintf("HTTP/1.1 200 OK\r\nContent-Length: %d\r\n\r\n%s", len(body), body)
}

func newH1Connection(t *testing.T, l Listener, respond func(req *http.Request) string) *Connection {
	t.Helper()
	s := stream.NewNetStreamWithProtocol(pipeServer(t, respond), testDest, "")
	c := New(testDest, "default", s, Options{MaxDrainBytes: 1024, Listener: l})
	require.NoError(t, c.Open(context.Background(), types.TimeoutConfig{}))
	return c
}

func getRequest(t *testing.T, path string) *types.Request {
	t.Helper()
	req, err := types.NewRequest("GET", "http://example.test"+path, nil, nil, nil)
	require.NoError(t, err)
	return req
}

// ==================== 协商测试 ====================

// TestConnection_Open_WithoutALPN_NegotiatesHTTP11 测试无 ALPN 时使用 HTTP/1.1
func TestConnection_Open_WithoutALPN_NegotiatesHTTP11(t *testing.T) {
	c := newH1Connection(t, nil, func(*http.Request) string { return okResponse("x") })

	assert.Equal(t, types.HTTP11, c.Protocol())
	assert.Equal(t, Active, c.State(), "新连接由创建者持有")
	assert.NotEmpty(t, c.ID())
}

// TestConnection_Open_WithUnknownALPN_FailsAndCloses 测试无法接受的协议
func TestConnection_Open_WithUnknownALPN_FailsAndCloses(t *testing.T) {
	// Arrange
	client, _ := net.Pipe()
	s := stream.NewNetStreamWithProtocol(client, testDest, "spdy/3.1")
	l := &recordingListener{}
	c := New(testDest, "default", s, Options{Listener: l})

	// Act
	err := c.Open(context.Background(), types.TimeoutConfig{})

	// Assert
	var pe *iface.ProtocolNegotiationError
	require.True(t, errors.As(err, &pe))
	assert.Equal(t, "spdy/3.1", pe.Offered)
	assert.ErrorIs(t, err, iface.ErrProtocolNegotiation)
	assert.Equal(t, Closed, c.State())
	assert.True(t, s.Closed())
	_, closed := l.counts()
	assert.Equal(t, 1, closed)
}

// TestConnection_Open_WithH2ALPN_NegotiatesHTTP2 测试 ALPN 为 h2 时使用 HTTP/2
func TestConnection_Open_WithH2ALPN_NegotiatesHTTP2(t *testing.T) {
	// Arrange
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		(&http2.Server{}).ServeConn(conn, &http2.ServeConnOpts{Handler: http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			_, _ = w.Write([]byte(r.Proto))
		})})
	}()
	raw, err := net.Dial("tcp", ln.Addr().String())
	require.NoError(t, err)
	dest := types.Destination{Scheme: "http", Host: "127.0.0.1", Port: ln.Addr().(*net.TCPAddr).Port}
	c := New(dest, "default", stream.NewNetStreamWithProtocol(raw, dest, "h2"), Options{})
	defer c.Close()

	// Act
	require.NoError(t, c.Open(context.Background(), types.UniformTimeout(time.Second)))
	req, _ := types.NewRequest("GET", "http://"+dest.Address()+"/", nil, nil, nil)
	resp, err := c.Send(context.Background(), req, types.UniformTimeout(time.Second))
	require.NoError(t, err)
	data, err := resp.Read()

	// Assert
	require.NoError(t, err)
	assert.Equal(t, types.HTTP2, c.Protocol())
	assert.Equal(t, "HTTP/2.0", string(data))
	assert.Equal(t, Idle, c.Checkin())
	assert.True(t, c.Checkout(), "HTTP/2 连接可被再次取出")
	assert.True(t, c.Checkout(), "HTTP/2 连接可被共享")
}

// ==================== 状态机测试 ====================

// TestConnection_UnreadBody_CheckinEntersDraining 测试未读完响应体时归还进入 Draining
func TestConnection_UnreadBody_CheckinEntersDraining(t *testing.T) {
	// Arrange
	l := &recordingListener{}
	c := newH1Connection(t, l, func(*http.Request) string { return okResponse("streamed body") })
	resp, err := c.Send(context.Background(), getRequest(t, "/"), types.UniformTimeout(time.Second))
	require.NoError(t, err)

	// Act
	state := c.Checkin()

	// Assert
	assert.Equal(t, Draining, state)
	assert.True(t, c.HasUnreadBody())
	assert.False(t, c.Checkout(), "Draining 连接不能被复用")

	_, err = resp.Read()
	require.NoError(t, err)
	assert.Equal(t, Idle, c.State())
	drained, _ := l.counts()
	assert.Equal(t, 1, drained)
}

// TestConnection_Reuse_PreservesProtocol 测试复用不重新协商
func TestConnection_Reuse_PreservesProtocol(t *testing.T) {
	// Arrange
	c := newH1Connection(t, nil, func(*http.Request) string { return okResponse("again") })

	for i := 0; i < 3; i++ {
		// Act
		if i > 0 {
			require.True(t, c.Checkout())
		}
		resp, err := c.Send(context.Background(), getRequest(t, "/"), types.UniformTimeout(time.Second))
		require.NoError(t, err)
		_, err = resp.Read()
		require.NoError(t, err)

		// Assert
		assert.Equal(t, types.HTTP11, resp.Protocol)
		assert.Equal(t, Idle, c.Checkin())
	}
	assert.Equal(t, types.HTTP11, c.Protocol())
}

// TestConnection_Send_WhileBodyOpen_ReturnsBusy 测试 HTTP/1.1 并发使用
func TestConnection_Send_WhileBodyOpen_ReturnsBusy(t *testing.T) {
	c := newH1Connection(t, nil, func(*http.Request) string { return okResponse("first") })
	resp, err := c.Send(context.Background(), getRequest(t, "/"), types.TimeoutConfig{})
	require.NoError(t, err)
	defer resp.Close()

	_, err = c.Send(context.Background(), getRequest(t, "/"), types.TimeoutConfig{})

	assert.ErrorIs(t, err, iface.ErrConnectionBusy)
}

// TestConnection_Send_AfterClose_ReturnsErrConnectionClosed 测试对已关闭连接发送
func TestConnection_Send_AfterClose_ReturnsErrConnectionClosed(t *testing.T) {
	// Arrange
	l := &recordingListener{}
	c := newH1Connection(t, l, func(*http.Request) string { return okResponse("x") })
	require.NoError(t, c.Close())
	require.NoError(t, c.Close())

	// Act
	_, err := c.Send(context.Background(), getRequest(t, "/"), types.TimeoutConfig{})

	// Assert
	assert.ErrorIs(t, err, iface.ErrConnectionClosed)
	assert.Equal(t, Closed, c.Checkin())
	_, closed := l.counts()
	assert.Equal(t, 1, closed, "关闭回调只触发一次")
}

// TestConnection_ReadHeaderTimeout_ForcesClosed 测试 HTTP/1.1 超时强制关闭连接
func TestConnection_ReadHeaderTimeout_ForcesClosed(t *testing.T) {
	// Arrange
	l := &recordingListener{}
	c := newH1Connection(t, l, func(*http.Request) string { return "" })
	timeouts := types.TimeoutConfig{Write: time.Second, ReadHeader: 30 * time.Millisecond}

	// Act
	_, err := c.Send(context.Background(), getRequest(t, "/"), timeouts)

	// Assert
	var te *iface.TimeoutError
	require.True(t, errors.As(err, &te))
	assert.Equal(t, iface.PhaseReadHeader, te.Phase)
	assert.Equal(t, Closed, c.State())
	_, closed := l.counts()
	assert.Equal(t, 1, closed)
}

// TestConnection_IdleFor_UsesClock 测试空闲时长按时钟计算
func TestConnection_IdleFor_UsesClock(t *testing.T) {
	// Arrange
	clk := clockimpl.NewMockClock(time.Unix(1000, 0))
	s := stream.NewNetStreamWithProtocol(pipeServer(t, func(*http.Request) string { return "" }), testDest, "")
	c := New(testDest, "default", s, Options{Clock: clk})
	require.NoError(t, c.Open(context.Background(), types.TimeoutConfig{}))
	assert.Equal(t, time.Duration(0), c.IdleFor(), "Active 连接不计空闲")

	// Act
	require.Equal(t, Idle, c.Checkin())
	clk.Advance(45 * time.Second)

	// Assert
	assert.Equal(t, 45*time.Second, c.IdleFor())
}
