// Package sigchan 合并重复触发的信号通知
package sigchan

// Chan 容量为 1 的信号通道
// Emit 非阻塞；消费之前的重复 Emit 合并为一次触发，
// 适合"立即执行一轮"这类只关心有没有、不关心几次的通知
type Chan struct {
	c chan struct{}
}

// NewCoalescing 创建合并信号通道
func NewCoalescing() *Chan {
	return &Chan{c: make(chan struct{}, 1)}
}

// Emit 发送信号；通道里已有未消费的信号时直接丢弃
func (c *Chan) Emit() {
	select {
	case c.c <- struct{}{}:
	default:
	}
}

// C 返回用于 select 的接收端
func (c *Chan) C() <-chan struct{} {
	return c.c
}
