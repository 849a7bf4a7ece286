// Package clock provides the time source interface.
package clock

import "time"

// Clock 统一时间源接口
//
// 连接的空闲时长、池的空闲清扫都通过它取时间，测试中可替换为可控时钟。
type Clock interface {
	// Now 获取当前时间
	Now() time.Time

	// Since 计算从指定时间到现在的持续时间
	Since(t time.Time) time.Duration
}
