package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"sort"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	iface "github.com/weisyn/httpcore/pkg/interfaces/dispatch"
	"github.com/weisyn/httpcore/pkg/types"
)

// RequestFlags 请求子命令标志
type RequestFlags struct {
	Headers     []string
	Query       []string
	Data        string
	Stream      bool
	Include     bool
	Repeat      int
	Concurrency int
}

// newRequestCmd 创建请求子命令；method 为空时从第一个参数读取方法
func newRequestCmd(global *GlobalFlags, method string) *cobra.Command {
	flags := &RequestFlags{}
	cmd := &cobra.Command{}
	if method == "" {
		cmd.Use = "request METHOD URL"
		cmd.Short = "发送任意方法的请求"
		cmd.Args = cobra.ExactArgs(2)
	} else {
		cmd.Use = strings.ToLower(method) + " URL"
		cmd.Short = "发送 " + method + " 请求"
		cmd.Args = cobra.ExactArgs(1)
	}
	cmd.RunE = func(cmd *cobra.Command, args []string) error {
		m, target := method, ""
		if m == "" {
			m, target = args[0], args[1]
		} else {
			target = args[0]
		}
		opts, err := buildRequestOptions(global, flags)
		if err != nil {
			return err
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		return runWithDispatcher(ctx, global, cmd, func(ctx context.Context, s *session) error {
			if opts.SSL != nil {
				opts.SSL.HTTP2 = s.Provider.GetDispatch().HTTP2
			}
			if flags.Repeat > 1 {
				return runBatch(ctx, cmd.OutOrStdout(), s, m, target, opts, flags)
			}
			return runOnce(ctx, cmd.OutOrStdout(), s, m, target, opts, flags)
		})
	}

	f := cmd.Flags()
	f.StringArrayVarP(&flags.Headers, "header", "H", nil, "请求头 'Name: value'，可重复")
	f.StringArrayVarP(&flags.Query, "query", "q", nil, "查询参数 'key=value'，可重复")
	f.StringVarP(&flags.Data, "data", "d", "", "请求体，@path 表示从文件读取")
	f.BoolVar(&flags.Stream, "stream", false, "流式输出响应体")
	f.BoolVarP(&flags.Include, "include", "i", false, "输出状态行与响应头")
	f.IntVar(&flags.Repeat, "repeat", 1, "重复发送次数")
	f.IntVar(&flags.Concurrency, "concurrency", 1, "重复发送时的并发数")
	return cmd
}

// buildRequestOptions 把命令行标志转换为请求选项
func buildRequestOptions(global *GlobalFlags, flags *RequestFlags) (*iface.RequestOptions, error) {
	headers, err := parseHeaders(flags.Headers)
	if err != nil {
		return nil, err
	}
	query, err := parseQuery(flags.Query)
	if err != nil {
		return nil, err
	}
	data, err := readData(flags.Data)
	if err != nil {
		return nil, err
	}
	opts := &iface.RequestOptions{
		Data:        data,
		QueryParams: query,
		Headers:     headers,
		Stream:      flags.Stream,
	}
	if global.Timeout > 0 {
		t := types.UniformTimeout(global.Timeout)
		opts.Timeout = &t
	}
	if global.Insecure {
		opts.SSL = &types.SSLConfig{InsecureSkipVerify: true}
	}
	return opts, nil
}

// parseHeaders 解析 'Name: value' 形式的请求头
func parseHeaders(raw []string) (http.Header, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	h := make(http.Header, len(raw))
	for _, line := range raw {
		name, value, ok := strings.Cut(line, ":")
		name = strings.TrimSpace(name)
		if !ok || name == "" {
			return nil, fmt.Errorf("无效的请求头 %q，应为 'Name: value'", line)
		}
		h.Add(name, strings.TrimSpace(value))
	}
	return h, nil
}

// parseQuery 解析 'key=value' 形式的查询参数
func parseQuery(raw []string) (url.Values, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	q := make(url.Values, len(raw))
	for _, pair := range raw {
		key, value, ok := strings.Cut(pair, "=")
		if !ok || key == "" {
			return nil, fmt.Errorf("无效的查询参数 %q，应为 'key=value'", pair)
		}
		q.Add(key, value)
	}
	return q, nil
}

func readData(data string) ([]byte, error) {
	if data == "" {
		return nil, nil
	}
	if path, ok := strings.CutPrefix(data, "@"); ok {
		b, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("读取请求体文件失败: %w", err)
		}
		return b, nil
	}
	return []byte(data), nil
}

// runOnce 发送一次请求并输出响应
func runOnce(ctx context.Context, w io.Writer, s *session, method, target string, opts *iface.RequestOptions, flags *RequestFlags) error {
	resp, err := s.Dispatcher.Request(ctx, method, target, opts)
	if err != nil {
		return describeError(err)
	}
	defer resp.Close()

	if flags.Include {
		printHead(w, resp)
	}
	if opts.Stream {
		_, err = io.Copy(w, resp.Body)
		return err
	}
	_, err = w.Write(resp.Content())
	return err
}

func printHead(w io.Writer, resp *types.Response) {
	fmt.Fprintf(w, "%s %d %s\n", resp.Protocol, resp.StatusCode, resp.Reason)
	names := make([]string, 0, len(resp.Headers))
	for name := range resp.Headers {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		for _, v := range resp.Headers[name] {
			fmt.Fprintf(w, "%s: %s\n", name, v)
		}
	}
	fmt.Fprintln(w)
}

// batchResult 批量发送的统计
type batchResult struct {
	mu        sync.Mutex
	statuses  map[int]int
	protocols map[types.Protocol]int
	failures  map[string]int
	latencies []time.Duration
}

func (r *batchResult) record(resp *types.Response, err error, d time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err != nil {
		r.failures[failureKind(err)]++
		return
	}
	r.statuses[resp.StatusCode]++
	r.protocols[resp.Protocol]++
	r.latencies = append(r.latencies, d)
}

// runBatch 以给定并发重复发送同一请求，输出汇总表
func runBatch(ctx context.Context, w io.Writer, s *session, method, target string, opts *iface.RequestOptions, flags *RequestFlags) error {
	result := &batchResult{
		statuses:  make(map[int]int),
		protocols: make(map[types.Protocol]int),
		failures:  make(map[string]int),
	}
	// 批量模式下只关心状态，响应体总是物化后丢弃
	batchOpts := *opts
	batchOpts.Stream = false

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(max(flags.Concurrency, 1))
	start := time.Now()
	for i := 0; i < flags.Repeat; i++ {
		if gctx.Err() != nil {
			break
		}
		g.Go(func() error {
			t0 := time.Now()
			resp, err := s.Dispatcher.Request(gctx, method, target, &batchOpts)
			result.record(resp, err, time.Since(t0))
			if err != nil {
				s.Logger.Debug("request failed", zap.Error(err))
			}
			return nil
		})
	}
	_ = g.Wait()

	renderSummary(w, result, time.Since(start), s.Dispatcher.Pool().Stats().Total)
	return ctx.Err()
}

func renderSummary(w io.Writer, r *batchResult, elapsed time.Duration, connections int) {
	data := pterm.TableData{{"指标", "值"}}
	for status, n := range r.statuses {
		data = append(data, []string{fmt.Sprintf("status %d", status), fmt.Sprint(n)})
	}
	for proto, n := range r.protocols {
		data = append(data, []string{"protocol " + proto.String(), fmt.Sprint(n)})
	}
	for kind, n := range r.failures {
		data = append(data, []string{"failed " + kind, fmt.Sprint(n)})
	}
	if len(r.latencies) > 0 {
		sort.Slice(r.latencies, func(i, j int) bool { return r.latencies[i] < r.latencies[j] })
		data = append(data,
			[]string{"p50", r.latencies[len(r.latencies)/2].String()},
			[]string{"max", r.latencies[len(r.latencies)-1].String()},
		)
	}
	data = append(data,
		[]string{"elapsed", elapsed.Round(time.Millisecond).String()},
		[]string{"open connections", fmt.Sprint(connections)},
	)
	_ = pterm.DefaultTable.WithHasHeader().WithHeaderRowSeparator("-").WithData(data).WithWriter(w).Render()
}

// failureKind 按错误类别归类失败
func failureKind(err error) string {
	switch {
	case iface.IsTimeout(err):
		return "timeout"
	case iface.IsConnectionError(err):
		return "connection"
	default:
		return "other"
	}
}

// describeError 为常见错误附加提示
func describeError(err error) error {
	var te *iface.TimeoutError
	switch {
	case errors.As(err, &te):
		return fmt.Errorf("%w (阶段 %s 超过 %s，可调整 --timeout)", err, te.Phase, te.Limit)
	case iface.IsConnectionError(err):
		return fmt.Errorf("%w (检查目标地址与网络)", err)
	default:
		return err
	}
}
