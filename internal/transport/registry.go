package transport

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/hongjun500/opend-go/internal/observe"
	"github.com/hongjun500/opend-go/internal/protocol"
)

type result struct {
	msg protocol.Message
	err error
}

// pendingRequest 等待应答的请求。done 容量为 1，
// 只有把条目从表中删除的一方才会写入，因此恰好完成一次。
type pendingRequest struct {
	serial   uint32
	protoID  uint32
	deadline time.Time
	done     chan result
	timer    *time.Timer
	onReply  func(protocol.Message)
}

// Ticket 登记成功后得到的发送凭证，Serial 即要写入包头的流水号
type Ticket struct {
	Serial   uint32
	ProtoID  uint32
	Deadline time.Time
	done     <-chan result
}

// Wait 等待应答、超时淘汰或连接断开。ctx 取消只让调用方提前返回，
// 登记项仍保留到自然超时。
func (t *Ticket) Wait(ctx context.Context) (protocol.Message, error) {
	select {
	case res := <-t.done:
		return res.msg, res.err
	case <-ctx.Done():
		return protocol.Message{}, ctx.Err()
	}
}

// Registry 在途请求表。流水号计数器与请求表由同一把锁保护，
// 分配流水号与登记是一个原子步骤。
type Registry struct {
	mu      sync.Mutex
	next    uint32
	pending map[uint32]*pendingRequest
	closed  error
}

func NewRegistry() *Registry {
	return &Registry{
		next:    1,
		pending: make(map[uint32]*pendingRequest),
	}
}

// Register 分配流水号并登记，之后调用方才可以发送对应的帧
func (r *Registry) Register(protoID uint32, timeout time.Duration) (*Ticket, error) {
	return r.RegisterHook(protoID, timeout, nil)
}

// RegisterHook 同 Register；onReply 在读协程上、唤醒等待方之前执行，
// 用于必须先于下一帧生效的状态切换（例如握手后启用加密）
func (r *Registry) RegisterHook(protoID uint32, timeout time.Duration, onReply func(protocol.Message)) (*Ticket, error) {
	if timeout <= 0 {
		return nil, fmt.Errorf("register: timeout must be positive, got %s", timeout)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed != nil {
		return nil, r.closed
	}
	serial := r.allocLocked()
	p := &pendingRequest{
		serial:   serial,
		protoID:  protoID,
		deadline: time.Now().Add(timeout),
		done:     make(chan result, 1),
		onReply:  onReply,
	}
	r.pending[serial] = p
	p.timer = time.AfterFunc(timeout, func() { r.expire(p) })
	observe.AddPending(1)
	return &Ticket{Serial: serial, ProtoID: protoID, Deadline: p.deadline, done: p.done}, nil
}

// allocLocked 计数器从 1 开始，回绕时跳过 0 和仍在途的流水号
func (r *Registry) allocLocked() uint32 {
	for {
		s := r.next
		r.next++
		if r.next == 0 {
			r.next = 1
		}
		if _, busy := r.pending[s]; !busy {
			return s
		}
	}
}

func (r *Registry) expire(p *pendingRequest) {
	r.mu.Lock()
	cur, ok := r.pending[p.serial]
	if !ok || cur != p {
		r.mu.Unlock()
		return
	}
	delete(r.pending, p.serial)
	r.mu.Unlock()

	observe.AddPending(-1)
	p.done <- result{err: ErrTimeout.with(fmt.Sprintf("proto_id=%d serial_no=%d", p.protoID, p.serial), nil)}
}

// Resolve 若存在该流水号的在途请求，则以 msg 完成它，与协议号无关。
// 返回登记时的协议号，调用方据此发现协议号不一致的应答。
func (r *Registry) Resolve(msg protocol.Message) (protoID uint32, ok bool) {
	r.mu.Lock()
	p, ok := r.pending[msg.SerialNo]
	if !ok {
		r.mu.Unlock()
		return 0, false
	}
	delete(r.pending, msg.SerialNo)
	r.mu.Unlock()

	p.timer.Stop()
	observe.AddPending(-1)
	if p.onReply != nil {
		p.onReply(msg)
	}
	p.done <- result{msg: msg}
	return p.protoID, true
}

// FailAll 以 err 完成所有在途请求，并拒绝之后的登记。可重复调用。
func (r *Registry) FailAll(err error) int {
	r.mu.Lock()
	if r.closed == nil {
		r.closed = err
	}
	drained := r.pending
	r.pending = make(map[uint32]*pendingRequest)
	r.mu.Unlock()

	for _, p := range drained {
		p.timer.Stop()
		p.done <- result{err: err}
	}
	observe.AddPending(-float64(len(drained)))
	return len(drained)
}

// Len 在途请求数
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.pending)
}
