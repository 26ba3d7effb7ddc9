// Package amqpsink 将事件总线上的事件以 JSON 形式转发到 RabbitMQ topic exchange。
package amqpsink

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"TreasuryMind-Chain/internal/events"
)

// Config 描述 RabbitMQ 连接参数。
type Config struct {
	URL      string
	Exchange string
	Durable  bool
	Timeout  time.Duration
}

// channel 是 Sink 对 amqp.Channel 的最小依赖，便于测试替换。
type channel interface {
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Close() error
}

// Sink 是一个事件订阅者。
type Sink struct {
	conn     *amqp.Connection
	mu       sync.Mutex
	ch       channel
	exchange string
	timeout  time.Duration
}

// Dial 连接 RabbitMQ 并声明 exchange。
func Dial(cfg Config) (*Sink, error) {
	if cfg.URL == "" {
		return nil, errors.New("RabbitMQ URL 不能为空")
	}
	exchange := cfg.Exchange
	if exchange == "" {
		exchange = "treasury.events"
	}
	conn, err := amqp.Dial(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("连接 RabbitMQ 失败: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("创建 RabbitMQ channel 失败: %w", err)
	}
	if err := ch.ExchangeDeclare(exchange, "topic", cfg.Durable, !cfg.Durable, false, false, nil); err != nil {
		ch.Close()
		conn.Close()
		return nil, fmt.Errorf("声明 RabbitMQ exchange 失败: %w", err)
	}
	sink := newSink(ch, exchange, cfg.Timeout)
	sink.conn = conn
	return sink, nil
}

func newSink(ch channel, exchange string, timeout time.Duration) *Sink {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Sink{ch: ch, exchange: exchange, timeout: timeout}
}

// Handle 实现 events.Subscriber，routing key 为事件类型。
func (s *Sink) Handle(ctx context.Context, event events.Event) error {
	body, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("序列化事件失败: %w", err)
	}
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ch == nil {
		return errors.New("RabbitMQ sink 已关闭")
	}
	return s.ch.PublishWithContext(ctx, s.exchange, string(event.Kind), false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    fmt.Sprintf("%s-%d", event.Source, event.Seq),
		Timestamp:    event.OccurredAt,
		Type:         string(event.Kind),
		Body:         body,
	})
}

// Close 关闭 RabbitMQ 连接。
func (s *Sink) Close() error {
	if s == nil {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ch != nil {
		_ = s.ch.Close()
		s.ch = nil
	}
	if s.conn != nil {
		return s.conn.Close()
	}
	return nil
}
