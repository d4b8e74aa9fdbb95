package events

import (
	"errors"
	"sync"
	"time"
)

// 事件类型
const (
	WorkbookCreated      = "workbook.created"
	WorkbookImported     = "workbook.imported"
	SheetAdded           = "sheet.added"
	ChartUpserted        = "chart.upserted"
	WarningAdded         = "warning.added"
	CellsUpdated         = "cells.updated"
	WorkbookRecalculated = "workbook.recalculated"
)

// DefaultBufferSize 单个订阅者队列默认容量
const DefaultBufferSize = 256

var (
	// ErrSubscriberLagged 订阅者队列已满，被强制断开
	ErrSubscriberLagged = errors.New("subscriber lagged behind and was detached")
	// ErrSubscriptionClosed 订阅者主动关闭或总线已关闭
	ErrSubscriptionClosed = errors.New("subscription closed")
)

// Event 工作簿事件，创建后不可修改
type Event struct {
	Seq        uint64         `json:"seq"`
	Type       string         `json:"type"`
	WorkbookID string         `json:"workbookId"`
	Timestamp  time.Time      `json:"timestamp"`
	Actor      string         `json:"actor"`
	Payload    map[string]any `json:"payload"`
}

// Bus 单个工作簿的事件广播
// Publish 从不阻塞：队列满的订阅者被断开并收到 ErrSubscriberLagged
type Bus struct {
	mu       sync.Mutex
	capacity int
	subs     map[*Subscription]struct{}
	closed   bool
}

// NewBus 创建事件总线，capacity<=0 时使用默认容量
func NewBus(capacity int) *Bus {
	if capacity <= 0 {
		capacity = DefaultBufferSize
	}
	return &Bus{
		capacity: capacity,
		subs:     make(map[*Subscription]struct{}),
	}
}

// Subscribe 注册订阅者，只接收之后发布的事件
func (b *Bus) Subscribe() *Subscription {
	sub := &Subscription{
		bus:  b,
		ch:   make(chan Event, b.capacity),
		done: make(chan struct{}),
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		sub.detach(ErrSubscriptionClosed)
		return sub
	}
	b.subs[sub] = struct{}{}
	return sub
}

// Publish 广播事件，返回成功投递的订阅者数量
// 没有订阅者时事件直接丢弃
func (b *Bus) Publish(ev Event) int {
	b.mu.Lock()
	defer b.mu.Unlock()

	delivered := 0
	for sub := range b.subs {
		select {
		case sub.ch <- ev:
			delivered++
		default:
			delete(b.subs, sub)
			sub.detach(ErrSubscriberLagged)
		}
	}
	return delivered
}

// Subscribers 当前订阅者数量
func (b *Bus) Subscribers() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}

// Close 关闭总线并断开全部订阅者
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}
	b.closed = true
	for sub := range b.subs {
		delete(b.subs, sub)
		sub.detach(ErrSubscriptionClosed)
	}
}

func (b *Bus) remove(sub *Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.subs[sub]; !ok {
		return
	}
	delete(b.subs, sub)
	sub.detach(ErrSubscriptionClosed)
}

// Subscription 单个订阅者
// C() 在断开后关闭；已入队的事件仍可读完
type Subscription struct {
	bus  *Bus
	ch   chan Event
	done chan struct{}

	once sync.Once
	mu   sync.Mutex
	err  error
}

// C 事件通道
func (s *Subscription) C() <-chan Event {
	return s.ch
}

// Done 断开信号
func (s *Subscription) Done() <-chan struct{} {
	return s.done
}

// Err 断开原因；仍在订阅中时返回 nil
func (s *Subscription) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Close 取消订阅（可重复调用）
func (s *Subscription) Close() {
	s.bus.remove(s)
}

// detach 调用方需持有 bus.mu
func (s *Subscription) detach(reason error) {
	s.once.Do(func() {
		s.mu.Lock()
		s.err = reason
		s.mu.Unlock()
		close(s.done)
		close(s.ch)
	})
}
