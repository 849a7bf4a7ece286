package dispatch

import (
	"context"

	"go.uber.org/multierr"

	iface "github.com/weisyn/httpcore/pkg/interfaces/dispatch"
)

// Use 在 fn 返回（含 panic）后关闭分发器，返回 fn 与 Close 的合并错误
func Use[D iface.Dispatcher](ctx context.Context, d D, fn func(ctx context.Context, d D) error) (err error) {
	defer func() {
		err = multierr.Append(err, d.Close())
	}()
	return fn(ctx, d)
}
