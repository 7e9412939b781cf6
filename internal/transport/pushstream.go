package transport

import (
	"context"
	"iter"
	"sync"

	"github.com/hongjun500/opend-go/internal/protocol"
)

// PushStream 某一协议号的推送订阅。由消费者按需拉取，队列不设上限，
// 读循环投递时从不阻塞；同一订阅内按到达顺序交付。
type PushStream struct {
	protoID uint32
	d       *Dispatcher

	mu     sync.Mutex
	queue  []protocol.Message
	err    error
	notify chan struct{}
	done   chan struct{}
}

func newPushStream(protoID uint32, d *Dispatcher) *PushStream {
	return &PushStream{
		protoID: protoID,
		d:       d,
		notify:  make(chan struct{}, 1),
		done:    make(chan struct{}),
	}
}

// ProtoID 订阅的协议号
func (s *PushStream) ProtoID() uint32 { return s.protoID }

// push 投递一条推送；订阅已关闭时返回 false
func (s *PushStream) push(m protocol.Message) bool {
	s.mu.Lock()
	if s.err != nil {
		s.mu.Unlock()
		return false
	}
	s.queue = append(s.queue, m)
	s.mu.Unlock()
	select {
	case s.notify <- struct{}{}:
	default:
	}
	return true
}

// Next 取下一条推送。订阅关闭后立即返回关闭原因，不再交付队列中剩余的推送。
func (s *PushStream) Next(ctx context.Context) (protocol.Message, error) {
	for {
		s.mu.Lock()
		if s.err != nil {
			err := s.err
			s.mu.Unlock()
			return protocol.Message{}, err
		}
		if len(s.queue) > 0 {
			m := s.queue[0]
			s.queue[0] = protocol.Message{}
			s.queue = s.queue[1:]
			s.mu.Unlock()
			return m, nil
		}
		s.mu.Unlock()

		select {
		case <-s.notify:
		case <-s.done:
		case <-ctx.Done():
			return protocol.Message{}, ctx.Err()
		}
	}
}

// All 以迭代器形式消费推送，直到 ctx 结束或订阅关闭；结束原因见 Err
func (s *PushStream) All(ctx context.Context) iter.Seq[protocol.Message] {
	return func(yield func(protocol.Message) bool) {
		for {
			m, err := s.Next(ctx)
			if err != nil {
				return
			}
			if !yield(m) {
				return
			}
		}
	}
}

// Len 尚未取走的推送数
func (s *PushStream) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queue)
}

// Err 订阅关闭的原因，未关闭时为 nil
func (s *PushStream) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Done 订阅关闭时关闭
func (s *PushStream) Done() <-chan struct{} { return s.done }

// Close 取消订阅，可重复调用
func (s *PushStream) Close() error {
	if s.d != nil {
		s.d.unsubscribe(s)
	}
	s.terminate(ErrStreamClosed)
	return nil
}

func (s *PushStream) terminate(err error) {
	s.mu.Lock()
	if s.err != nil {
		s.mu.Unlock()
		return
	}
	s.err = err
	s.queue = nil
	s.mu.Unlock()
	close(s.done)
}
