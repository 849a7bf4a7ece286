// Package h1 implements the HTTP/1.1 exchange codec on top of a dispatch stream.
package h1

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/weisyn/httpcore/internal/core/dispatch/stream"
	iface "github.com/weisyn/httpcore/pkg/interfaces/dispatch"
	"github.com/weisyn/httpcore/pkg/types"
)

// DefaultDrainTimeout 读体阶段未设超时时，丢弃剩余响应体的最长等待
const DefaultDrainTimeout = time.Second

// DoneFunc 交换结束回调；reusable 为 false 时连接必须关闭
type DoneFunc func(reusable bool)

// Codec HTTP/1.1 编解码器
//
// 同一时刻只承载一个交换。响应头由 net/http 的解析器读取，
// 响应体保持惰性，读到 EOF 或被 Close 时通过 DoneFunc 报告连接是否可复用。
type Codec struct {
	s        iface.Stream
	dest     types.Destination
	reader   *stream.PhaseReader
	br       *bufio.Reader
	maxDrain int64
	logger   *zap.Logger
}

// New 创建编解码器
func New(s iface.Stream, dest types.Destination, maxDrainBytes int64, logger *zap.Logger) *Codec {
	if logger == nil {
		logger = zap.NewNop()
	}
	r := stream.NewPhaseReader(s)
	return &Codec{
		s:        s,
		dest:     dest,
		reader:   r,
		br:       bufio.NewReader(r),
		maxDrain: maxDrainBytes,
		logger:   logger,
	}
}

// RoundTrip 写出请求并读取响应头
//
// 返回错误时 done 不会被调用，调用方应关闭连接。
func (c *Codec) RoundTrip(ctx context.Context, req *types.Request, timeouts types.TimeoutConfig, done DoneFunc) (*types.Response, error) {
	head := serializeHead(req)
	if _, err := c.s.WriteNoBlock(head); err != nil {
		return nil, err
	}
	if err := c.s.Write(ctx, req.Body, timeouts.Write); err != nil {
		return nil, iface.WithPhase(err, iface.PhaseWrite, timeouts.Write)
	}

	c.reader.Begin(ctx, iface.PhaseReadHeader, timeouts.ReadHeader)
	resp, err := c.readResponseHead(req.Method)
	if err != nil {
		return nil, err
	}

	out := &types.Response{
		StatusCode: resp.StatusCode,
		Reason:     reasonPhrase(resp),
		Protocol:   types.HTTP11,
		Headers:    resp.Header,
		Request:    req,
	}
	reusable := !resp.Close && framed(resp)

	if resp.Body == nil || resp.Body == http.NoBody {
		out.Body = http.NoBody
		done(!resp.Close && resp.StatusCode != http.StatusSwitchingProtocols)
		return out, nil
	}

	c.reader.Begin(ctx, iface.PhaseReadBody, timeouts.ReadBody)
	out.Body = &body{
		codec:       c,
		rc:          resp.Body,
		reusable:    reusable,
		done:        done,
		ctx:         ctx,
		readTimeout: timeouts.ReadBody,
	}
	return out, nil
}

func (c *Codec) readResponseHead(method string) (*http.Response, error) {
	for {
		resp, err := http.ReadResponse(c.br, &http.Request{Method: method})
		if err != nil {
			return nil, c.readErr(err, iface.PhaseReadHeader)
		}
		// 1xx 中间响应直接跳过，101 交给调用方
		if resp.StatusCode >= 100 && resp.StatusCode < 200 && resp.StatusCode != http.StatusSwitchingProtocols {
			continue
		}
		return resp, nil
	}
}

func (c *Codec) readErr(err error, phase iface.Phase) error {
	var te *iface.TimeoutError
	if errors.As(err, &te) {
		return iface.WithPhase(err, phase, te.Limit)
	}
	var ce *iface.ConnectionError
	if errors.As(err, &ce) {
		return err
	}
	// 对端提前关闭或报文畸形
	return &iface.ConnectionError{Op: "read", Destination: c.dest, Err: err}
}

// serializeHead 序列化请求行与请求头，Host 总在首位
func serializeHead(req *types.Request) []byte {
	var buf bytes.Buffer
	buf.WriteString(req.Method)
	buf.WriteByte(' ')
	buf.WriteString(req.Target())
	buf.WriteString(" HTTP/1.1\r\n")
	if host := req.Headers.Get("Host"); host != "" {
		buf.WriteString("Host: ")
		buf.WriteString(host)
		buf.WriteString("\r\n")
	}
	_ = req.Headers.WriteSubset(&buf, map[string]bool{"Host": true})
	buf.WriteString("\r\n")
	return buf.Bytes()
}

// framed 响应体是否有明确边界（否则只能读到连接关闭）
func framed(resp *http.Response) bool {
	if resp.ContentLength >= 0 {
		return true
	}
	for _, te := range resp.TransferEncoding {
		if strings.EqualFold(te, "chunked") {
			return true
		}
	}
	return false
}

func reasonPhrase(resp *http.Response) string {
	reason := strings.TrimPrefix(resp.Status, strconv.Itoa(resp.StatusCode))
	reason = strings.TrimSpace(reason)
	if reason == "" {
		reason = http.StatusText(resp.StatusCode)
	}
	return reason
}

// body 绑定在连接上的惰性响应体
type body struct {
	codec       *Codec
	rc          io.ReadCloser
	reusable    bool
	done        DoneFunc
	ctx         context.Context
	readTimeout time.Duration

	mu       sync.Mutex
	finished bool
	err      error
}

func (b *body) Read(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.finished {
		if b.err != nil {
			return 0, b.err
		}
		return 0, io.EOF
	}
	n, err := b.rc.Read(p)
	switch {
	case err == nil:
		return n, nil
	case errors.Is(err, io.EOF):
		b.finish(b.reusable, nil)
		return n, io.EOF
	default:
		err = b.codec.readErr(err, iface.PhaseReadBody)
		b.finish(false, err)
		return n, err
	}
}

// Close 丢弃剩余响应体：限量排空成功则连接可复用，否则关闭连接
func (b *body) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.finished {
		return nil
	}
	if !b.reusable || b.codec.maxDrain <= 0 {
		b.finish(false, iface.ErrStreamClosed)
		return nil
	}

	timeout := b.readTimeout
	if timeout <= 0 {
		timeout = DefaultDrainTimeout
	}
	b.codec.reader.Begin(b.ctx, iface.PhaseReadBody, timeout)
	n, err := io.CopyN(io.Discard, b.rc, b.codec.maxDrain+1)
	drained := errors.Is(err, io.EOF) && n <= b.codec.maxDrain
	if !drained {
		b.codec.logger.Debug("response body not drained, closing connection",
			zap.String("destination", b.codec.dest.Key()),
			zap.Int64("discarded", n))
	}
	b.finish(drained, iface.ErrStreamClosed)
	return nil
}

func (b *body) finish(reusable bool, err error) {
	b.finished = true
	b.err = err
	b.done(reusable)
}
