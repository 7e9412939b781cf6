package transport

import (
	"sync"

	"go.uber.org/zap"

	"github.com/hongjun500/opend-go/internal/observe"
	"github.com/hongjun500/opend-go/internal/protocol"
)

// Route 入站帧的去向
type Route int

const (
	RouteResponse Route = iota
	RoutePush
	RouteUnmatched
)

func (r Route) String() string {
	switch r {
	case RouteResponse:
		return "response"
	case RoutePush:
		return "push"
	default:
		return "unmatched"
	}
}

// Dispatcher 入站帧分发：在途请求优先，其次按协议号广播给推送订阅者，都不匹配则丢弃
type Dispatcher struct {
	registry *Registry
	log      *zap.SugaredLogger

	mu     sync.RWMutex
	subs   map[uint32][]*PushStream
	closed error
}

func NewDispatcher(registry *Registry, log *zap.Logger) *Dispatcher {
	if log == nil {
		log = zap.NewNop()
	}
	return &Dispatcher{
		registry: registry,
		log:      log.Sugar(),
		subs:     make(map[uint32][]*PushStream),
	}
}

// Dispatch 只由读循环调用
func (d *Dispatcher) Dispatch(msg protocol.Message) Route {
	if want, ok := d.registry.Resolve(msg); ok {
		if want != msg.ProtoID {
			d.log.Warnw("dispatch_proto_mismatch", "proto_id", msg.ProtoID, "serial_no", msg.SerialNo, "pending_proto_id", want)
		}
		return RouteResponse
	}

	d.mu.RLock()
	streams := append([]*PushStream(nil), d.subs[msg.ProtoID]...)
	d.mu.RUnlock()

	if len(streams) == 0 {
		d.log.Debugw("dispatch_unmatched", "proto_id", msg.ProtoID, "serial_no", msg.SerialNo, "body_len", len(msg.Body))
		observe.IncUnmatched(protocol.ProtoName(msg.ProtoID))
		return RouteUnmatched
	}

	delivered := 0
	for i, s := range streams {
		m := msg
		if i > 0 {
			// 每个订阅者拿到独立的包体副本
			m.Body = append([]byte(nil), msg.Body...)
		}
		if s.push(m) {
			delivered++
		} else {
			d.unsubscribe(s)
		}
	}
	observe.IncPush(protocol.ProtoName(msg.ProtoID))
	if delivered == 0 {
		observe.IncUnmatched(protocol.ProtoName(msg.ProtoID))
		return RouteUnmatched
	}
	return RoutePush
}

// Subscribe 注册一个推送订阅；分发器已关闭时返回的订阅立即处于关闭状态
func (d *Dispatcher) Subscribe(protoID uint32) *PushStream {
	s := newPushStream(protoID, d)
	d.mu.Lock()
	if d.closed != nil {
		err := d.closed
		d.mu.Unlock()
		s.terminate(err)
		return s
	}
	d.subs[protoID] = append(d.subs[protoID], s)
	d.mu.Unlock()
	return s
}

// Subscribers 某协议号当前的订阅数
func (d *Dispatcher) Subscribers(protoID uint32) int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.subs[protoID])
}

func (d *Dispatcher) unsubscribe(s *PushStream) {
	d.mu.Lock()
	defer d.mu.Unlock()
	entries := d.subs[s.protoID]
	if len(entries) == 0 {
		return
	}
	filtered := make([]*PushStream, 0, len(entries))
	for _, e := range entries {
		if e != s {
			filtered = append(filtered, e)
		}
	}
	if len(filtered) == 0 {
		delete(d.subs, s.protoID)
	} else {
		d.subs[s.protoID] = filtered
	}
}

// Close 以 err 关闭全部订阅并拒绝新的订阅，可重复调用
func (d *Dispatcher) Close(err error) {
	d.mu.Lock()
	if d.closed == nil {
		d.closed = err
	}
	subs := d.subs
	d.subs = make(map[uint32][]*PushStream)
	d.mu.Unlock()

	for _, streams := range subs {
		for _, s := range streams {
			s.terminate(err)
		}
	}
}
