package dispatch

import (
	"context"
	"net/http"
	"net/url"

	"github.com/weisyn/httpcore/pkg/types"
)

// Dispatcher 分发器
//
// 变体：连接池分发器、单连接分发器、测试用 Mock 分发器
type Dispatcher interface {
	// Request 由分散参数构造请求并发送
	Request(ctx context.Context, method, rawURL string, opts *RequestOptions) (*types.Response, error)

	// Send 发送已构造的请求
	Send(ctx context.Context, req *types.Request, opts *SendOptions) (*types.Response, error)

	// Close 释放分发器持有的全部连接
	Close() error
}

// Preparer 请求发送前的校验/改写钩子
type Preparer interface {
	PrepareRequest(req *types.Request) error
}

// PreparerFunc 函数形式的 Preparer
type PreparerFunc func(req *types.Request) error

// PrepareRequest 实现 Preparer
func (f PreparerFunc) PrepareRequest(req *types.Request) error { return f(req) }

// SendOptions 单次发送选项，nil 等价于零值
type SendOptions struct {
	// Stream 为 true 时响应体保持惰性，调用方负责读完或 Close
	Stream bool
	// SSL 覆盖分发器默认 TLS 配置
	SSL *types.SSLConfig
	// Timeout 非 nil 时整体替换分发器默认超时
	Timeout *types.TimeoutConfig
}

// RequestOptions Request 的可选参数
type RequestOptions struct {
	Data        []byte
	QueryParams url.Values
	Headers     http.Header

	Stream  bool
	SSL     *types.SSLConfig
	Timeout *types.TimeoutConfig
}

// SendOptions 提取发送选项
func (o *RequestOptions) SendOptions() *SendOptions {
	if o == nil {
		return nil
	}
	return &SendOptions{Stream: o.Stream, SSL: o.SSL, Timeout: o.Timeout}
}
