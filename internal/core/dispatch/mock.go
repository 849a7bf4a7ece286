package dispatch

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"sync"

	iface "github.com/weisyn/httpcore/pkg/interfaces/dispatch"
	"github.com/weisyn/httpcore/pkg/types"
)

// MockHandler 为请求生成响应
type MockHandler func(ctx context.Context, req *types.Request) (*types.Response, error)

// MockDispatcher 不访问网络的分发器，供协作方测试使用
type MockDispatcher struct {
	handler  MockHandler
	preparer iface.Preparer

	mu       sync.Mutex
	requests []*types.Request
	closed   bool
}

var _ iface.Dispatcher = (*MockDispatcher)(nil)

// NewMockDispatcher 创建 Mock 分发器；handler 为 nil 时对所有请求返回 200 空响应
func NewMockDispatcher(handler MockHandler) *MockDispatcher {
	if handler == nil {
		handler = StaticResponse(http.StatusOK, nil, "")
	}
	return &MockDispatcher{
		handler:  handler,
		preparer: iface.PreparerFunc(func(req *types.Request) error { return req.Prepare() }),
	}
}

// StaticResponse 返回固定响应的 MockHandler
func StaticResponse(status int, headers http.Header, body string) MockHandler {
	return func(_ context.Context, req *types.Request) (*types.Response, error) {
		h := make(http.Header, len(headers))
		for k, vs := range headers {
			h[k] = append([]string(nil), vs...)
		}
		return &types.Response{
			StatusCode: status,
			Reason:     http.StatusText(status),
			Protocol:   types.HTTP11,
			Headers:    h,
			Body:       io.NopCloser(bytes.NewReader([]byte(body))),
			Request:    req,
		}, nil
	}
}

// Request 由分散参数构造请求并交给 handler
func (d *MockDispatcher) Request(ctx context.Context, method, rawURL string, opts *iface.RequestOptions) (*types.Response, error) {
	req, err := buildRequest(method, rawURL, opts, d.preparer)
	if err != nil {
		return nil, err
	}
	return d.Send(ctx, req, opts.SendOptions())
}

// Send 记录请求并交给 handler；关闭后返回 ErrPoolClosed
func (d *MockDispatcher) Send(ctx context.Context, req *types.Request, opts *iface.SendOptions) (*types.Response, error) {
	if err := req.Prepare(); err != nil {
		return nil, err
	}
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		dest, _ := req.Destination()
		return nil, &iface.ConnectionError{Op: "acquire", Destination: dest, Err: iface.ErrPoolClosed}
	}
	d.requests = append(d.requests, req)
	d.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	resp, err := d.handler(ctx, req)
	if err != nil {
		return nil, err
	}
	if resp.Request == nil {
		resp.Request = req
	}
	if opts == nil || !opts.Stream {
		if _, err := resp.Read(); err != nil {
			return nil, err
		}
	}
	return resp, nil
}

// Close 实现 Dispatcher，幂等
func (d *MockDispatcher) Close() error {
	d.mu.Lock()
	d.closed = true
	d.mu.Unlock()
	return nil
}

// Requests 返回已收到的请求
func (d *MockDispatcher) Requests() []*types.Request {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]*types.Request(nil), d.requests...)
}

// Closed 是否已关闭
func (d *MockDispatcher) Closed() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.closed
}
