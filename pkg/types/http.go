package types

import (
	"bytes"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"golang.org/x/net/http/httpguts"
)

// DefaultUserAgent 请求未设置 User-Agent 时使用
const DefaultUserAgent = "httpcore/1.0"

// Request 逻辑请求（外部请求模型的最小实现）
//
// 分发器只依赖 Prepare 与可序列化字段，不关心请求如何构造
type Request struct {
	Method  string
	URL     *url.URL
	Headers http.Header
	Body    []byte

	prepared bool
}

// NewRequest 由分散参数构造请求，query 会合并到 URL 已有的查询串之后
func NewRequest(method, rawURL string, data []byte, query url.Values, headers http.Header) (*Request, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("parse url: %w", err)
	}
	if len(query) > 0 {
		merged := u.Query()
		for k, vs := range query {
			for _, v := range vs {
				merged.Add(k, v)
			}
		}
		u.RawQuery = merged.Encode()
	}
	h := make(http.Header, len(headers)+4)
	for k, vs := range headers {
		h[http.CanonicalHeaderKey(k)] = append([]string(nil), vs...)
	}
	return &Request{
		Method:  strings.ToUpper(method),
		URL:     u,
		Headers: h,
		Body:    data,
	}, nil
}

// Destination 返回请求的目标地址
func (r *Request) Destination() (Destination, error) {
	return DestinationFromURL(r.URL)
}

// Target 返回 HTTP/1.1 请求行与 HTTP/2 :path 使用的路径
func (r *Request) Target() string {
	p := r.URL.EscapedPath()
	if p == "" {
		p = "/"
	}
	if r.URL.RawQuery != "" {
		p += "?" + r.URL.RawQuery
	}
	return p
}

// Prepare 校验并规范化请求头与请求体，可重复调用
func (r *Request) Prepare() error {
	if r.prepared {
		return nil
	}
	if r.Method == "" {
		r.Method = http.MethodGet
	}
	if !httpguts.ValidHeaderFieldName(r.Method) {
		return fmt.Errorf("invalid method %q", r.Method)
	}
	dest, err := r.Destination()
	if err != nil {
		return err
	}
	if r.Headers == nil {
		r.Headers = make(http.Header)
	}
	for k, vs := range r.Headers {
		if !httpguts.ValidHeaderFieldName(k) {
			return fmt.Errorf("invalid header name %q", k)
		}
		for _, v := range vs {
			if !httpguts.ValidHeaderFieldValue(v) {
				return fmt.Errorf("invalid value for header %q", k)
			}
		}
	}
	if r.Headers.Get("Host") == "" {
		r.Headers.Set("Host", dest.Authority())
	}
	if r.Headers.Get("User-Agent") == "" {
		r.Headers.Set("User-Agent", DefaultUserAgent)
	}
	if r.Headers.Get("Accept") == "" {
		r.Headers.Set("Accept", "*/*")
	}
	r.Headers.Del("Transfer-Encoding")
	if len(r.Body) > 0 || methodExpectsBody(r.Method) {
		r.Headers.Set("Content-Length", strconv.Itoa(len(r.Body)))
	}
	r.prepared = true
	return nil
}

// Prepared 是否已调用过 Prepare
func (r *Request) Prepared() bool { return r.prepared }

func methodExpectsBody(method string) bool {
	switch method {
	case http.MethodPost, http.MethodPut, http.MethodPatch:
		return true
	}
	return false
}

// Response 响应值对象
//
// Body 可能是已物化的字节，也可能是绑定到发起连接的惰性流；
// 惰性流在读到 EOF 或被 Close 之前，连接不会回到空闲池
type Response struct {
	StatusCode int
	Reason     string
	Protocol   Protocol
	Headers    http.Header
	Body       io.ReadCloser
	Request    *Request

	content []byte
	loaded  bool
}

// Read 读取并缓存完整响应体，随后关闭 Body
func (r *Response) Read() ([]byte, error) {
	if r.loaded {
		return r.content, nil
	}
	if r.Body == nil {
		r.loaded = true
		return nil, nil
	}
	data, err := io.ReadAll(r.Body)
	closeErr := r.Body.Close()
	if err != nil {
		return nil, err
	}
	if closeErr != nil {
		return nil, closeErr
	}
	r.content = data
	r.loaded = true
	r.Body = io.NopCloser(bytes.NewReader(data))
	return data, nil
}

// Content 返回已物化的响应体；未调用 Read 时为 nil
func (r *Response) Content() []byte { return r.content }

// Loaded 响应体是否已物化
func (r *Response) Loaded() bool { return r.loaded }

// Text 以字符串形式返回已物化的响应体
func (r *Response) Text() string { return string(r.content) }

// Close 丢弃未读完的响应体
func (r *Response) Close() error {
	if r.Body == nil {
		return nil
	}
	return r.Body.Close()
}
