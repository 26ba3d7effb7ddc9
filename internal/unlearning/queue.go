package unlearning

import "context"

// Handler 处理一个遗忘请求 ID。
type Handler func(ctx context.Context, requestID string) error

// Producer 负责投递请求 ID。
type Producer interface {
	Publish(ctx context.Context, requestID string) error
	Close() error
}

// Consumer 负责消费请求 ID。
type Consumer interface {
	Consume(ctx context.Context, workerCount int, handler Handler) error
	Close() error
}

// Queue 同时具备生产与消费能力。
type Queue interface {
	Producer
	Consumer
}
