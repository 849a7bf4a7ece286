package dispatch

import "context"

// Gate 并发许可门闸
//
// 容量为 N 的计数门闸；许可耗尽时 Acquire 挂起，按 FIFO 顺序唤醒。
// 定义为接口以便测试替换为确定性实现。
type Gate interface {
	// Acquire 获取一个许可，ctx 取消或超时返回 ctx.Err()
	Acquire(ctx context.Context) (Ticket, error)

	// TryAcquire 非阻塞获取
	TryAcquire() (Ticket, bool)

	// Capacity 总容量
	Capacity() int

	// InUse 已发放且未释放的许可数
	InUse() int
}

// Ticket 一次获取得到的许可，必须且只能释放一次
type Ticket interface {
	// Release 不挂起；重复释放记录告警并返回 ErrDoubleRelease
	Release() error
}
