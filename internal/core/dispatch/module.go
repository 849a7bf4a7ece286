package dispatch

import (
	"context"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/fx"
	"go.uber.org/zap"

	dispatchconfig "github.com/weisyn/httpcore/internal/config/dispatch"
	"github.com/weisyn/httpcore/internal/core/dispatch/pool"
	logimpl "github.com/weisyn/httpcore/internal/core/infrastructure/log"
	"github.com/weisyn/httpcore/pkg/interfaces/config"
	iface "github.com/weisyn/httpcore/pkg/interfaces/dispatch"
	"github.com/weisyn/httpcore/pkg/types"
)

// ModuleParams 分发模块的依赖参数
type ModuleParams struct {
	fx.In

	Provider   config.Provider
	Logger     *zap.Logger           `optional:"true"`
	Backend    iface.Backend         `optional:"true"`
	Preparer   iface.Preparer        `optional:"true"`
	Registerer prometheus.Registerer `optional:"true"`
}

// ModuleOutput 分发模块的输出
type ModuleOutput struct {
	fx.Out

	Pooled     *PooledDispatcher
	Dispatcher iface.Dispatcher
	Metrics    *Metrics
}

// Module 返回分发模块
//
// 启动时开始空闲连接清扫，停止时关闭分发器。
func Module() fx.Option {
	return fx.Module("dispatch",
		fx.Provide(ProvideServices),
		fx.Invoke(registerLifecycle),
	)
}

// ProvideServices 根据配置创建连接池分发器
func ProvideServices(params ModuleParams) (ModuleOutput, error) {
	opts := dispatchconfig.NewFromProvider(params.Provider).GetOptions()

	// 未注入 Registerer 时使用默认 Registry（进程内只注册一次）
	metrics := DefaultMetrics()
	if params.Registerer != nil {
		metrics = NewMetrics(params.Registerer)
	}

	timeout := opts.Timeout
	d, err := NewPooledDispatcher(PoolConfig(opts), Options{
		SSL:      &types.SSLConfig{HTTP2: opts.HTTP2},
		Timeout:  &timeout,
		Preparer: params.Preparer,
		Backend:  params.Backend,
		Logger:   logimpl.NewModuleZapLogger(params.Logger, "dispatch"),
		Metrics:  metrics,
	})
	if err != nil {
		return ModuleOutput{}, err
	}
	return ModuleOutput{
		Pooled:     d,
		Dispatcher: d,
		Metrics:    metrics,
	}, nil
}

// PoolConfig 把分发层配置转换为连接池参数
func PoolConfig(opts *dispatchconfig.DispatchOptions) pool.Config {
	return pool.Config{
		MaxConnections:        opts.MaxConnections,
		GateScope:             opts.GateScope,
		MaxIdlePerDestination: opts.MaxIdlePerDestination,
		IdleLifetime:          opts.IdleLifetime,
		SweepInterval:         opts.SweepInterval,
		MaxDrainBytes:         opts.MaxDrainBytes,
	}
}

func registerLifecycle(lc fx.Lifecycle, d *PooledDispatcher) {
	// OnStart 的 ctx 在钩子返回后即失效，清扫使用独立的长生命周期 ctx
	ctx, cancel := context.WithCancel(context.Background())
	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			d.Pool().StartSweeper(ctx)
			d.logger.Info("dispatcher started",
				zap.Int("max_connections", d.Pool().Config().MaxConnections),
				zap.String("gate_scope", d.Pool().Config().GateScope))
			return nil
		},
		OnStop: func(context.Context) error {
			cancel()
			return d.Close()
		},
	})
}
