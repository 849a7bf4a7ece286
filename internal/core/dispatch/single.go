package dispatch

import (
	"context"
	"fmt"

	"github.com/weisyn/httpcore/internal/core/dispatch/pool"
	iface "github.com/weisyn/httpcore/pkg/interfaces/dispatch"
	"github.com/weisyn/httpcore/pkg/types"
)

// SingleConnectionDispatcher 只向一个目标发送请求，至多持有一条连接
//
// 连接关闭后下一次发送重新建立；HTTP/1.1 下请求经容量为 1 的门闸串行化，
// HTTP/2 下并发请求共享同一条连接。
type SingleConnectionDispatcher struct {
	*PooledDispatcher
	dest types.Destination
}

var _ iface.Dispatcher = (*SingleConnectionDispatcher)(nil)

// NewSingleConnectionDispatcher 创建单连接分发器
func NewSingleConnectionDispatcher(dest types.Destination, maxDrainBytes int64, opts Options) (*SingleConnectionDispatcher, error) {
	pd, err := NewPooledDispatcher(pool.Config{
		MaxConnections:        1,
		GateScope:             pool.GateScopeGlobal,
		MaxIdlePerDestination: 1,
		MaxDrainBytes:         maxDrainBytes,
	}, opts)
	if err != nil {
		return nil, err
	}
	return &SingleConnectionDispatcher{PooledDispatcher: pd, dest: dest}, nil
}

// Destination 绑定的目标
func (d *SingleConnectionDispatcher) Destination() types.Destination { return d.dest }

// Request 由分散参数构造请求并发送
func (d *SingleConnectionDispatcher) Request(ctx context.Context, method, rawURL string, opts *iface.RequestOptions) (*types.Response, error) {
	req, err := buildRequest(method, rawURL, opts, d.preparer)
	if err != nil {
		return nil, err
	}
	return d.Send(ctx, req, opts.SendOptions())
}

// Send 发送请求；目标与绑定目标不一致时返回 ErrDestinationMismatch
func (d *SingleConnectionDispatcher) Send(ctx context.Context, req *types.Request, opts *iface.SendOptions) (*types.Response, error) {
	if err := req.Prepare(); err != nil {
		return nil, err
	}
	dest, err := req.Destination()
	if err != nil {
		return nil, err
	}
	if dest != d.dest {
		return nil, fmt.Errorf("%w: dispatcher bound to %s, request for %s", iface.ErrDestinationMismatch, d.dest.Key(), dest.Key())
	}
	return d.send(ctx, dest, req, opts)
}
