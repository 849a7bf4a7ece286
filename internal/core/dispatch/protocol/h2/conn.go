// Package h2 implements a multiplexed HTTP/2 client connection over a dispatch stream.
//
// Framing and header compression come from golang.org/x/net/http2; this package
// owns stream bookkeeping, flow control and failure isolation between substreams.
package h2

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/hpack"

	"github.com/weisyn/httpcore/internal/core/dispatch/stream"
	iface "github.com/weisyn/httpcore/pkg/interfaces/dispatch"
	"github.com/weisyn/httpcore/pkg/types"
)

const (
	// 协议默认值
	defaultWindowSize      = 65535
	defaultMaxFrameSize    = 16384
	defaultHeaderTableSize = 4096

	// 未收到对端 SETTINGS 前假定的并发流上限
	defaultMaxConcurrentStreams = 100

	// 本端通告的接收窗口
	streamReceiveWindow = 1 << 20
	connReceiveWindow   = 4 << 20

	maxHeaderListSize = 10 << 20
)

// DoneFunc 子流结束回调；HTTP/2 子流失败不影响连接复用
type DoneFunc func(reusable bool)

// ClientConn HTTP/2 客户端连接
//
// 锁顺序：wmu → mu。读循环只持有 mu，写帧前必须先释放 mu。
type ClientConn struct {
	s      iface.Stream
	dest   types.Destination
	logger *zap.Logger

	writeTimeout time.Duration
	onClose      func(error)

	wmu    sync.Mutex // 串行化帧写入与 hpack 编码
	wbuf   bytes.Buffer
	framer *http2.Framer
	hbuf   bytes.Buffer
	henc   *hpack.Encoder

	mu             sync.Mutex
	cond           *sync.Cond
	streams        map[uint32]*clientStream
	nextStreamID   uint32
	reserved       int // 已占位但尚未分配 ID 的流
	maxConcurrent  int
	peerMaxFrame   uint32
	peerInitWindow int32
	sendWindow     int64 // 连接级发送窗口
	closed         bool
	closeErr       error

	readDone chan struct{}
}

// Options 连接参数
type Options struct {
	// WriteTimeout 控制帧（SETTINGS ACK、PING、WINDOW_UPDATE、RST_STREAM）的写超时
	WriteTimeout time.Duration
	// OnClose 连接因任何原因关闭后调用一次，不持有任何锁
	OnClose func(error)
	Logger  *zap.Logger
}

// NewClientConn 写出连接前言与本端 SETTINGS，并启动读循环
func NewClientConn(ctx context.Context, s iface.Stream, dest types.Destination, opts Options) (*ClientConn, error) {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	cc := &ClientConn{
		s:              s,
		dest:           dest,
		logger:         logger,
		writeTimeout:   opts.WriteTimeout,
		onClose:        opts.OnClose,
		streams:        make(map[uint32]*clientStream),
		nextStreamID:   1,
		maxConcurrent:  defaultMaxConcurrentStreams,
		peerMaxFrame:   defaultMaxFrameSize,
		peerInitWindow: defaultWindowSize,
		sendWindow:     defaultWindowSize,
		readDone:       make(chan struct{}),
	}
	cc.cond = sync.NewCond(&cc.mu)
	cc.henc = hpack.NewEncoder(&cc.hbuf)

	reader := stream.NewPhaseReader(s)
	cc.framer = http2.NewFramer(&cc.wbuf, bufio.NewReader(reader))
	cc.framer.ReadMetaHeaders = hpack.NewDecoder(defaultHeaderTableSize, nil)
	cc.framer.MaxHeaderListSize = maxHeaderListSize

	cc.wmu.Lock()
	cc.wbuf.WriteString(http2.ClientPreface)
	err := cc.framer.WriteSettings(
		http2.Setting{ID: http2.SettingEnablePush, Val: 0},
		http2.Setting{ID: http2.SettingInitialWindowSize, Val: streamReceiveWindow},
		http2.Setting{ID: http2.SettingMaxHeaderListSize, Val: maxHeaderListSize},
	)
	if err == nil {
		err = cc.framer.WriteWindowUpdate(0, connReceiveWindow-defaultWindowSize)
	}
	if err == nil {
		err = cc.flushLocked(ctx, opts.WriteTimeout)
	}
	cc.wmu.Unlock()
	if err != nil {
		_ = s.Close()
		return nil, iface.WithPhase(err, iface.PhaseWrite, opts.WriteTimeout)
	}

	go cc.readLoop()
	return cc, nil
}

// flushLocked 把缓冲的帧写出；调用方持有 wmu
func (cc *ClientConn) flushLocked(ctx context.Context, timeout time.Duration) error {
	if cc.wbuf.Len() == 0 {
		return nil
	}
	err := cc.s.Write(ctx, cc.wbuf.Bytes(), timeout)
	cc.wbuf.Reset()
	return err
}

// writeControl 写控制帧；失败说明传输已不可用，关闭连接
func (cc *ClientConn) writeControl(fn func(fr *http2.Framer) error) {
	cc.wmu.Lock()
	err := fn(cc.framer)
	if err == nil {
		err = cc.flushLocked(context.Background(), cc.writeTimeout)
	}
	cc.wmu.Unlock()
	if err != nil {
		cc.closeWithError(cc.transportErr("write", err))
	}
}

// ==================== 连接状态 ====================

// MaxConcurrentStreams 对端允许的并发流上限
func (cc *ClientConn) MaxConcurrentStreams() int {
	cc.mu.Lock()
	defer cc.mu.Unlock()
	return cc.maxConcurrent
}

// ActiveStreams 当前活跃（含占位）的流数
func (cc *ClientConn) ActiveStreams() int {
	cc.mu.Lock()
	defer cc.mu.Unlock()
	return len(cc.streams) + cc.reserved
}

// CanTakeNewRequest 是否还能承载新的子流
func (cc *ClientConn) CanTakeNewRequest() bool {
	cc.mu.Lock()
	defer cc.mu.Unlock()
	return !cc.closed && len(cc.streams)+cc.reserved < cc.maxConcurrent
}

// Closed 连接是否已关闭
func (cc *ClientConn) Closed() bool {
	cc.mu.Lock()
	defer cc.mu.Unlock()
	return cc.closed
}

// Close 关闭连接，所有活跃子流以连接错误失败
func (cc *ClientConn) Close() error {
	cc.closeWithError(&iface.ConnectionError{Op: "close", Destination: cc.dest, Err: iface.ErrConnectionClosed})
	return nil
}

// Done 读循环退出后关闭
func (cc *ClientConn) Done() <-chan struct{} { return cc.readDone }

func (cc *ClientConn) closeWithError(err error) {
	cc.mu.Lock()
	if cc.closed {
		cc.mu.Unlock()
		return
	}
	cc.closed = true
	cc.closeErr = err
	for id, cs := range cc.streams {
		if cs.err == nil {
			cs.err = err
		}
		delete(cc.streams, id)
	}
	cc.cond.Broadcast()
	cc.mu.Unlock()

	_ = cc.s.Close()
	cc.logger.Debug("http2 connection closed",
		zap.String("destination", cc.dest.Key()),
		zap.Error(err))
	if cc.onClose != nil {
		cc.onClose(err)
	}
}

func (cc *ClientConn) transportErr(op string, err error) error {
	var ce *iface.ConnectionError
	var te *iface.TimeoutError
	if errors.As(err, &ce) || errors.As(err, &te) {
		return err
	}
	return &iface.ConnectionError{Op: op, Destination: cc.dest, Err: err}
}

func (cc *ClientConn) broadcast() {
	cc.mu.Lock()
	cc.cond.Broadcast()
	cc.mu.Unlock()
}

var errWaitDeadline = errors.New("wait deadline exceeded")

// waitLocked 在 mu 持有下等待 ready 成立，可被 ctx 取消或截止时间打断
func (cc *ClientConn) waitLocked(ctx context.Context, deadline time.Time, ready func() bool) error {
	if ready() {
		return nil
	}
	stopCtx := context.AfterFunc(ctx, cc.broadcast)
	defer stopCtx()
	if !deadline.IsZero() {
		t := time.AfterFunc(time.Until(deadline), cc.broadcast)
		defer t.Stop()
	}
	for !ready() {
		if err := ctx.Err(); err != nil {
			return err
		}
		if !deadline.IsZero() && !time.Now().Before(deadline) {
			return errWaitDeadline
		}
		cc.cond.Wait()
	}
	return nil
}

func deadlineFor(timeout time.Duration) time.Time {
	if timeout <= 0 {
		return time.Time{}
	}
	return time.Now().Add(timeout)
}

// ==================== 读循环 ====================

func (cc *ClientConn) readLoop() {
	defer close(cc.readDone)
	for {
		f, err := cc.framer.ReadFrame()
		if err != nil {
			var se http2.StreamError
			if errors.As(err, &se) {
				cc.resetStream(se.StreamID, se.Code, &iface.StreamError{StreamID: se.StreamID, Code: se.Code.String(), Cause: err})
				continue
			}
			if errors.Is(err, io.EOF) {
				err = io.ErrUnexpectedEOF
			}
			cc.closeWithError(cc.transportErr("read", err))
			return
		}
		if err := cc.processFrame(f); err != nil {
			cc.closeWithError(err)
			return
		}
	}
}

func (cc *ClientConn) processFrame(f http2.Frame) error {
	switch f := f.(type) {
	case *http2.SettingsFrame:
		return cc.processSettings(f)
	case *http2.PingFrame:
		if !f.IsAck() {
			data := f.Data
			cc.writeControl(func(fr *http2.Framer) error { return fr.WritePing(true, data) })
		}
	case *http2.WindowUpdateFrame:
		cc.processWindowUpdate(f)
	case *http2.MetaHeadersFrame:
		cc.processHeaders(f)
	case *http2.DataFrame:
		cc.processData(f)
	case *http2.RSTStreamFrame:
		cc.mu.Lock()
		if cs := cc.streams[f.StreamID]; cs != nil {
			cs.fail(&iface.StreamError{StreamID: f.StreamID, Code: f.ErrCode.String()})
			cc.removeStreamLocked(cs)
		}
		cc.mu.Unlock()
	case *http2.GoAwayFrame:
		return &iface.ConnectionError{
			Op:          "read",
			Destination: cc.dest,
			Err:         fmt.Errorf("received GOAWAY (%s, last stream %d)", f.ErrCode, f.LastStreamID),
		}
	case *http2.PushPromiseFrame:
		return &iface.ConnectionError{Op: "read", Destination: cc.dest, Err: errors.New("unexpected PUSH_PROMISE")}
	}
	return nil
}

func (cc *ClientConn) processSettings(f *http2.SettingsFrame) error {
	if f.IsAck() {
		return nil
	}
	var tableSize uint32
	var hasTableSize bool
	cc.mu.Lock()
	err := f.ForeachSetting(func(s http2.Setting) error {
		switch s.ID {
		case http2.SettingMaxConcurrentStreams:
			cc.maxConcurrent = int(s.Val)
		case http2.SettingMaxFrameSize:
			cc.peerMaxFrame = s.Val
		case http2.SettingInitialWindowSize:
			delta := int64(s.Val) - int64(cc.peerInitWindow)
			for _, cs := range cc.streams {
				cs.sendWindow += delta
			}
			cc.peerInitWindow = int32(s.Val)
		case http2.SettingHeaderTableSize:
			tableSize, hasTableSize = s.Val, true
		}
		return nil
	})
	cc.cond.Broadcast()
	cc.mu.Unlock()
	if err != nil {
		return cc.transportErr("read", err)
	}

	cc.writeControl(func(fr *http2.Framer) error {
		if hasTableSize {
			cc.henc.SetMaxDynamicTableSizeLimit(tableSize)
		}
		return fr.WriteSettingsAck()
	})
	return nil
}

func (cc *ClientConn) processWindowUpdate(f *http2.WindowUpdateFrame) {
	cc.mu.Lock()
	defer cc.mu.Unlock()
	if f.StreamID == 0 {
		cc.sendWindow += int64(f.Increment)
	} else if cs := cc.streams[f.StreamID]; cs != nil {
		cs.sendWindow += int64(f.Increment)
	}
	cc.cond.Broadcast()
}

func (cc *ClientConn) processHeaders(f *http2.MetaHeadersFrame) {
	cc.mu.Lock()
	defer cc.mu.Unlock()
	cs := cc.streams[f.StreamID]
	if cs == nil {
		return
	}
	if !cs.headersDone {
		status, err := strconv.Atoi(f.PseudoValue("status"))
		if err != nil {
			cs.fail(&iface.StreamError{StreamID: cs.id, Code: http2.ErrCodeProtocol.String(), Cause: fmt.Errorf("malformed :status %q", f.PseudoValue("status"))})
			cc.removeStreamLocked(cs)
			go cc.writeControl(func(fr *http2.Framer) error { return fr.WriteRSTStream(cs.id, http2.ErrCodeProtocol) })
			return
		}
		// 1xx 中间响应
		if status >= 100 && status < 200 {
			return
		}
		header := make(http.Header, len(f.Fields))
		for _, hf := range f.RegularFields() {
			header.Add(http.CanonicalHeaderKey(hf.Name), hf.Value)
		}
		cs.status = status
		cs.header = header
		cs.headersDone = true
	}
	if f.StreamEnded() {
		cs.ended = true
	}
	cc.cond.Broadcast()
}

func (cc *ClientConn) processData(f *http2.DataFrame) {
	data := f.Data()
	padding := int(f.Length) - len(data)

	cc.mu.Lock()
	cs := cc.streams[f.StreamID]
	if cs != nil {
		if len(data) > 0 {
			cs.buf.Write(data)
		}
		if f.StreamEnded() {
			cs.ended = true
		}
		cc.cond.Broadcast()
	}
	cc.mu.Unlock()

	// 填充字节与已失效流的数据立即归还连接窗口
	refund := padding
	if cs == nil {
		refund = int(f.Length)
	}
	if refund > 0 {
		cc.writeControl(func(fr *http2.Framer) error { return fr.WriteWindowUpdate(0, uint32(refund)) })
	}
}

// removeStreamLocked 移除流并唤醒等待并发配额的请求
func (cc *ClientConn) removeStreamLocked(cs *clientStream) {
	if cc.streams[cs.id] == cs {
		delete(cc.streams, cs.id)
		cc.cond.Broadcast()
	}
}

// resetStream 本端重置仍然活跃的子流，连接保持可用
func (cc *ClientConn) resetStream(id uint32, code http2.ErrCode, cause error) {
	cc.mu.Lock()
	cs := cc.streams[id]
	closed := cc.closed
	if cs != nil {
		cs.fail(cause)
		cc.removeStreamLocked(cs)
	}
	cc.mu.Unlock()
	if cs == nil || closed {
		return
	}
	cc.writeControl(func(fr *http2.Framer) error { return fr.WriteRSTStream(id, code) })
}

// ==================== 请求 ====================

// RoundTrip 在新子流上发送请求并等待响应头
//
// 子流级失败（RST_STREAM、读超时）只影响本次交换；
// 写超时可能撕裂帧，此时关闭整个连接。
func (cc *ClientConn) RoundTrip(ctx context.Context, req *types.Request, timeouts types.TimeoutConfig, done DoneFunc) (*types.Response, error) {
	if err := ctx.Err(); err != nil {
		return nil, &iface.ConnectionError{Op: "write", Destination: cc.dest, Err: err}
	}
	writeDeadline := deadlineFor(timeouts.Write)

	// 占位：等待并发配额
	cc.mu.Lock()
	err := cc.waitLocked(ctx, writeDeadline, func() bool {
		return cc.closed || len(cc.streams)+cc.reserved < cc.maxConcurrent
	})
	if err == nil && cc.closed {
		err = cc.closeErr
	}
	if err != nil {
		cc.mu.Unlock()
		return nil, cc.waitErr(err, iface.PhaseWrite, timeouts.Write, 0)
	}
	cc.reserved++
	cc.mu.Unlock()

	cs, err := cc.writeHeaders(ctx, req, timeouts)
	if err != nil {
		return nil, err
	}
	if len(req.Body) > 0 {
		if err := cc.writeBody(ctx, cs, req.Body, writeDeadline, timeouts.Write); err != nil {
			return nil, err
		}
	}

	// 等待响应头
	cc.mu.Lock()
	err = cc.waitLocked(ctx, deadlineFor(timeouts.ReadHeader), func() bool {
		return cs.headersDone || cs.err != nil
	})
	if err == nil && cs.err != nil {
		err = cs.err
	}
	if err != nil {
		cc.mu.Unlock()
		err = cc.waitErr(err, iface.PhaseReadHeader, timeouts.ReadHeader, cs.id)
		cc.resetStream(cs.id, http2.ErrCodeCancel, err)
		return nil, err
	}
	resp := &types.Response{
		StatusCode: cs.status,
		Reason:     http.StatusText(cs.status),
		Protocol:   types.HTTP2,
		Headers:    cs.header,
		Request:    req,
	}
	noBody := cs.ended && cs.buf.Len() == 0
	if noBody {
		cc.removeStreamLocked(cs)
	}
	cc.mu.Unlock()

	if noBody || req.Method == http.MethodHead {
		if !noBody {
			cc.resetStream(cs.id, http2.ErrCodeCancel, iface.ErrStreamClosed)
		}
		resp.Body = http.NoBody
		done(true)
		return resp, nil
	}
	resp.Body = &body{
		cc:       cc,
		cs:       cs,
		ctx:      ctx,
		timeout:  timeouts.ReadBody,
		deadline: deadlineFor(timeouts.ReadBody),
		done:     done,
	}
	return resp, nil
}

// waitErr 把等待失败转换为对外错误
func (cc *ClientConn) waitErr(err error, phase iface.Phase, timeout time.Duration, id uint32) error {
	switch {
	case errors.Is(err, errWaitDeadline):
		return &iface.TimeoutError{Phase: phase, Limit: timeout}
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		if id == 0 {
			return &iface.ConnectionError{Op: "write", Destination: cc.dest, Err: err}
		}
		return &iface.StreamError{StreamID: id, Code: http2.ErrCodeCancel.String(), Cause: err}
	}
	return err
}

func (cc *ClientConn) writeHeaders(ctx context.Context, req *types.Request, timeouts types.TimeoutConfig) (*clientStream, error) {
	cc.wmu.Lock()
	defer cc.wmu.Unlock()

	cc.mu.Lock()
	cc.reserved--
	err := cc.closeErr
	if !cc.closed {
		err = ctx.Err()
		if err != nil {
			err = &iface.ConnectionError{Op: "write", Destination: cc.dest, Err: err}
		}
	}
	if err != nil {
		cc.cond.Broadcast()
		cc.mu.Unlock()
		return nil, err
	}
	cs := &clientStream{
		id:         cc.nextStreamID,
		sendWindow: int64(cc.peerInitWindow),
	}
	cc.nextStreamID += 2
	cc.streams[cs.id] = cs
	maxFrame := int(cc.peerMaxFrame)
	cc.mu.Unlock()

	block := cc.encodeHeaders(req)
	endStream := len(req.Body) == 0
	first := true
	for first || len(block) > 0 {
		chunk := block
		if len(chunk) > maxFrame {
			chunk = chunk[:maxFrame]
		}
		block = block[len(chunk):]
		endHeaders := len(block) == 0
		if first {
			err = cc.framer.WriteHeaders(http2.HeadersFrameParam{
				StreamID:      cs.id,
				BlockFragment: chunk,
				EndStream:     endStream,
				EndHeaders:    endHeaders,
			})
			first = false
		} else {
			err = cc.framer.WriteContinuation(cs.id, endHeaders, chunk)
		}
		if err != nil {
			break
		}
	}
	if err == nil {
		err = cc.flushLocked(ctx, timeouts.Write)
	}
	if err != nil {
		// hpack 状态已前进，帧可能不完整：连接不可再用
		err = iface.WithPhase(cc.transportErr("write", err), iface.PhaseWrite, timeouts.Write)
		cc.closeWithError(err)
		return nil, err
	}
	return cs, nil
}

// encodeHeaders 编码请求头块；调用方持有 wmu
func (cc *ClientConn) encodeHeaders(req *types.Request) []byte {
	cc.hbuf.Reset()
	authority := req.Headers.Get("Host")
	if authority == "" {
		authority = cc.dest.Authority()
	}
	write := func(name, value string) {
		_ = cc.henc.WriteField(hpack.HeaderField{Name: name, Value: value})
	}
	write(":method", req.Method)
	write(":scheme", cc.dest.Scheme)
	write(":authority", authority)
	write(":path", req.Target())
	for k, vs := range req.Headers {
		if isConnectionSpecific(k) {
			continue
		}
		name := strings.ToLower(k)
		for _, v := range vs {
			if name == "te" && !strings.EqualFold(v, "trailers") {
				continue
			}
			write(name, v)
		}
	}
	return append([]byte(nil), cc.hbuf.Bytes()...)
}

func isConnectionSpecific(key string) bool {
	switch http.CanonicalHeaderKey(key) {
	case "Host", "Connection", "Keep-Alive", "Proxy-Connection", "Transfer-Encoding", "Upgrade":
		return true
	}
	return false
}

// writeBody 按流控窗口分帧发送请求体
func (cc *ClientConn) writeBody(ctx context.Context, cs *clientStream, data []byte, deadline time.Time, timeout time.Duration) error {
	for len(data) > 0 {
		cc.mu.Lock()
		err := cc.waitLocked(ctx, deadline, func() bool {
			return cc.closed || cs.err != nil || (cs.sendWindow > 0 && cc.sendWindow > 0)
		})
		if err == nil {
			switch {
			case cs.err != nil:
				err = cs.err
			case cc.closed:
				err = cc.closeErr
			}
		}
		if err != nil {
			cc.mu.Unlock()
			err = cc.waitErr(err, iface.PhaseWrite, timeout, cs.id)
			cc.resetStream(cs.id, http2.ErrCodeCancel, err)
			return err
		}
		n := int64(len(data))
		n = min(n, cs.sendWindow, cc.sendWindow, int64(cc.peerMaxFrame))
		cs.sendWindow -= n
		cc.sendWindow -= n
		cc.mu.Unlock()

		chunk := data[:n]
		data = data[n:]
		cc.wmu.Lock()
		err = cc.framer.WriteData(cs.id, len(data) == 0, chunk)
		if err == nil {
			err = cc.flushLocked(ctx, timeout)
		}
		cc.wmu.Unlock()
		if err != nil {
			err = iface.WithPhase(cc.transportErr("write", err), iface.PhaseWrite, timeout)
			cc.closeWithError(err)
			return err
		}
	}
	return nil
}

// ==================== 子流 ====================

// clientStream 子流状态，全部字段由 ClientConn.mu 保护
type clientStream struct {
	id          uint32
	sendWindow  int64
	headersDone bool
	status      int
	header      http.Header
	buf         bytes.Buffer
	ended       bool
	err         error
}

func (cs *clientStream) fail(err error) {
	if cs.err == nil {
		cs.err = err
	}
}

// body 子流响应体
type body struct {
	cc       *ClientConn
	cs       *clientStream
	ctx      context.Context
	timeout  time.Duration
	deadline time.Time
	done     DoneFunc

	mu       sync.Mutex
	unacked  uint32 // 已消费但尚未归还窗口的字节
	finished bool
	err      error
}

// windowUpdateThreshold 累计消费达到该值才发送 WINDOW_UPDATE
const windowUpdateThreshold = streamReceiveWindow / 4

func (b *body) Read(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.finished {
		if b.err != nil {
			return 0, b.err
		}
		return 0, io.EOF
	}
	if len(p) == 0 {
		return 0, nil
	}

	cc, cs := b.cc, b.cs
	cc.mu.Lock()
	err := cc.waitLocked(b.ctx, b.deadline, func() bool {
		return cs.buf.Len() > 0 || cs.ended || cs.err != nil
	})
	if err != nil {
		cc.mu.Unlock()
		err = cc.waitErr(err, iface.PhaseReadBody, b.timeout, cs.id)
		cc.resetStream(cs.id, http2.ErrCodeCancel, err)
		b.finish(err)
		return 0, err
	}
	if cs.buf.Len() == 0 {
		serr := cs.err
		if serr == nil {
			cc.removeStreamLocked(cs)
		}
		cc.mu.Unlock()
		if serr != nil {
			b.finish(serr)
			return 0, serr
		}
		b.finish(nil)
		return 0, io.EOF
	}
	n, _ := cs.buf.Read(p)
	ended := cs.ended && cs.buf.Len() == 0
	if ended {
		cc.removeStreamLocked(cs)
	}
	cc.mu.Unlock()

	b.unacked += uint32(n)
	if ended {
		b.refund(b.unacked, false)
		b.unacked = 0
		b.finish(nil)
		return n, io.EOF
	}
	if b.unacked >= windowUpdateThreshold {
		b.refund(b.unacked, true)
		b.unacked = 0
	}
	return n, nil
}

// refund 归还接收窗口；子流已结束时只归还连接窗口
func (b *body) refund(n uint32, stream bool) {
	if n == 0 {
		return
	}
	id := b.cs.id
	b.cc.writeControl(func(fr *http2.Framer) error {
		if err := fr.WriteWindowUpdate(0, n); err != nil {
			return err
		}
		if !stream {
			return nil
		}
		return fr.WriteWindowUpdate(id, n)
	})
}

// Close 放弃剩余响应体：重置子流，连接继续可用
func (b *body) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.finished {
		return nil
	}
	cc, cs := b.cc, b.cs
	cc.mu.Lock()
	ended := cs.ended
	unread := uint32(cs.buf.Len())
	cs.buf.Reset()
	if ended {
		cc.removeStreamLocked(cs)
	}
	cc.mu.Unlock()
	if !ended {
		cc.resetStream(cs.id, http2.ErrCodeCancel, iface.ErrStreamClosed)
	}
	b.refund(b.unacked+unread, false)
	b.unacked = 0
	b.finish(iface.ErrStreamClosed)
	return nil
}

func (b *body) finish(err error) {
	b.finished = true
	b.err = err
	b.done(true)
}
