package events

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"TreasuryMind-Chain/pkg/logger"
)

const (
	defaultMaxAttempts = 3
	defaultBackoff     = 50 * time.Millisecond
)

// Bus 是进程内事件总线。
type Bus struct {
	mu          sync.Mutex
	seq         uint64
	subs        map[int]*subscription
	nextID      int
	closed      bool
	maxAttempts int
	backoff     time.Duration
	clock       func() time.Time
	logger      *slog.Logger
}

// BusOption 定义可选配置。
type BusOption func(*Bus)

// WithRetry 设置订阅者失败时的最大尝试次数与退避间隔。
func WithRetry(maxAttempts int, backoff time.Duration) BusOption {
	return func(b *Bus) {
		if maxAttempts > 0 {
			b.maxAttempts = maxAttempts
		}
		if backoff >= 0 {
			b.backoff = backoff
		}
	}
}

// WithClock 替换时间来源，主要用于测试。
func WithClock(clock func() time.Time) BusOption {
	return func(b *Bus) {
		if clock != nil {
			b.clock = clock
		}
	}
}

// NewBus 创建事件总线。
func NewBus(opts ...BusOption) *Bus {
	b := &Bus{
		subs:        make(map[int]*subscription),
		maxAttempts: defaultMaxAttempts,
		backoff:     defaultBackoff,
		clock:       time.Now,
		logger:      logger.Named("events"),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(b)
		}
	}
	return b
}

type subscription struct {
	name    string
	handler Subscriber
	mu      sync.Mutex
	cond    *sync.Cond
	queue   []Event
	stopped bool
	done    chan struct{}
}

// Subscribe 注册订阅者，返回取消函数。取消后队列中尚未投递的事件会被丢弃。
func (b *Bus) Subscribe(name string, handler Subscriber) (cancel func()) {
	sub := &subscription{name: name, handler: handler, done: make(chan struct{})}
	sub.cond = sync.NewCond(&sub.mu)

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		close(sub.done)
		return func() {}
	}
	id := b.nextID
	b.nextID++
	b.subs[id] = sub
	b.mu.Unlock()

	go b.deliver(sub)

	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			b.mu.Unlock()
			sub.stop(true)
			<-sub.done
		})
	}
}

// Publish 分配序号并把事件放入每个订阅者的队列，不会阻塞发布方。
func (b *Bus) Publish(kind Kind, source string, payload any) {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.seq++
	event := Event{Seq: b.seq, Kind: kind, Source: source, Payload: payload, OccurredAt: b.clock()}
	// 入队在总线锁内完成，保证所有订阅者看到相同的全局顺序。
	for _, sub := range b.subs {
		sub.enqueue(event)
	}
	b.mu.Unlock()
}

// Close 停止接收新事件，并等待所有订阅者处理完已入队的事件。
func (b *Bus) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	subs := make([]*subscription, 0, len(b.subs))
	for _, sub := range b.subs {
		subs = append(subs, sub)
	}
	b.subs = map[int]*subscription{}
	b.mu.Unlock()

	for _, sub := range subs {
		sub.stop(false)
		<-sub.done
	}
}

func (s *subscription) enqueue(event Event) {
	s.mu.Lock()
	if !s.stopped {
		s.queue = append(s.queue, event)
		s.cond.Signal()
	}
	s.mu.Unlock()
}

func (s *subscription) stop(discard bool) {
	s.mu.Lock()
	s.stopped = true
	if discard {
		s.queue = nil
	}
	s.cond.Broadcast()
	s.mu.Unlock()
}

func (b *Bus) deliver(sub *subscription) {
	defer close(sub.done)
	for {
		sub.mu.Lock()
		for len(sub.queue) == 0 && !sub.stopped {
			sub.cond.Wait()
		}
		if len(sub.queue) == 0 && sub.stopped {
			sub.mu.Unlock()
			return
		}
		event := sub.queue[0]
		sub.queue[0] = Event{}
		sub.queue = sub.queue[1:]
		sub.mu.Unlock()

		b.dispatch(sub, event)
	}
}

func (b *Bus) dispatch(sub *subscription, event Event) {
	for attempt := 1; attempt <= b.maxAttempts; attempt++ {
		err := b.safeHandle(sub, event)
		if err == nil {
			return
		}
		if attempt == b.maxAttempts {
			b.logger.Error("事件投递失败，已放弃",
				slog.String("subscriber", sub.name),
				slog.String("kind", string(event.Kind)),
				slog.Uint64("seq", event.Seq),
				slog.Int("attempts", attempt),
				slog.Any("error", err))
			return
		}
		b.logger.Warn("事件投递失败，准备重试",
			slog.String("subscriber", sub.name),
			slog.String("kind", string(event.Kind)),
			slog.Int("attempt", attempt),
			slog.Any("error", err))
		if b.backoff > 0 {
			time.Sleep(b.backoff * time.Duration(attempt))
		}
	}
}

func (b *Bus) safeHandle(sub *subscription, event Event) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = panicError{value: r}
		}
	}()
	return sub.handler.Handle(context.Background(), event)
}

type panicError struct{ value any }

func (p panicError) Error() string {
	return "subscriber panic: " + slog.AnyValue(p.value).String()
}
