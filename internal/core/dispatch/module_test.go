package dispatch

import (
	"context"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/fx"
	"go.uber.org/fx/fxtest"

	configimpl "github.com/weisyn/httpcore/internal/config"
	"github.com/weisyn/httpcore/pkg/interfaces/config"
	iface "github.com/weisyn/httpcore/pkg/interfaces/dispatch"
	"github.com/weisyn/httpcore/pkg/types"
)

// TestModule_ProvidesDispatcherAndClosesOnStop 测试 fx 模块生命周期
func TestModule_ProvidesDispatcherAndClosesOnStop(t *testing.T) {
	// Arrange
	u := newUpstream(t)
	maxConns := 2
	var d iface.Dispatcher
	var pooled *PooledDispatcher
	app := fxtest.New(t,
		fx.Provide(func() config.Provider {
			return configimpl.NewProvider(&types.AppConfig{
				Dispatch: &types.UserDispatchConfig{MaxConnections: &maxConns},
			})
		}),
		fx.Provide(func() prometheus.Registerer { return prometheus.NewRegistry() }),
		Module(),
		fx.Populate(&d, &pooled),
	)

	// Act
	app.RequireStart()
	resp, err := d.Request(context.Background(), "GET", u.URL+"/hello", nil)
	require.NoError(t, err)
	app.RequireStop()

	// Assert
	assert.Equal(t, "hello world", resp.Text())
	assert.Equal(t, 2, pooled.Pool().Config().MaxConnections)
	assert.True(t, pooled.Pool().Closed())
}
