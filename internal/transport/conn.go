package transport

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/hongjun500/opend-go/internal/observe"
	"github.com/hongjun500/opend-go/internal/protocol"
)

// Conn 到网关的一条 TCP 连接。一个读协程负责拆帧、解密和分发，
// 写路径由多个调用方并发使用，按整帧串行写出。
type Conn struct {
	id       string
	raw      net.Conn
	r        *bufio.Reader
	codec    *protocol.FrameCodec
	sealer   *protocol.Sealer
	session  *Session
	registry *Registry
	disp     *Dispatcher
	opt      Options
	log      *zap.SugaredLogger

	wmu sync.Mutex // 写超时与整帧写出一起串行

	closeOnce sync.Once
	done      chan struct{}
	errMu     sync.Mutex
	err       error
}

// Dial 建立 TCP 连接（开启 TCP_NODELAY）并启动读协程；尚未握手
func Dial(ctx context.Context, addr string, opt Options) (*Conn, error) {
	opt = opt.withDefaults()
	d := net.Dialer{Timeout: opt.DialTimeout}
	raw, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, ErrConnect.with(addr, err)
	}
	if tc, ok := raw.(*net.TCPConn); ok {
		_ = tc.SetNoDelay(true)
	}
	return NewConn(raw, opt), nil
}

// NewConn 接管一个已建立的连接并启动读协程
func NewConn(raw net.Conn, opt Options) *Conn {
	opt = opt.withDefaults()
	id := uuid.NewString()
	remote := ""
	if a := raw.RemoteAddr(); a != nil {
		remote = a.String()
	}
	log := opt.Logger.With(zap.String("conn_uid", id), zap.String("remote", remote))

	sealer := protocol.NewSealer()
	registry := NewRegistry()
	c := &Conn{
		id:       id,
		raw:      raw,
		r:        bufio.NewReaderSize(raw, 64*1024),
		codec:    protocol.NewFrameCodec(opt.MaxBodySize),
		sealer:   sealer,
		session:  newSession(sealer),
		registry: registry,
		disp:     NewDispatcher(registry, log),
		opt:      opt,
		log:      log.Sugar(),
		done:     make(chan struct{}),
	}
	observe.AddConnections(1)
	c.log.Infow("conn_open")
	go c.readLoop()
	return c
}

func (c *Conn) readLoop() {
	strikes := 0
	for {
		h, err := c.codec.ReadHeader(c.r)
		if err != nil {
			c.readFailed(err)
			return
		}
		if c.opt.BodyReadTimeout > 0 {
			_ = c.raw.SetReadDeadline(time.Now().Add(c.opt.BodyReadTimeout))
		}
		body, err := c.codec.ReadBody(c.r, h)
		if c.opt.BodyReadTimeout > 0 {
			_ = c.raw.SetReadDeadline(time.Time{})
		}
		if err != nil {
			c.readFailed(err)
			return
		}

		msg, downgraded, err := c.sealer.Open(&protocol.Frame{Header: h, Body: body})
		if downgraded {
			observe.IncCipherDowngrade()
			c.log.Warnw("cipher_downgrade", "proto_id", h.ProtoID, "serial_no", h.SerialNo, "body_len", len(body))
		}
		if err != nil {
			strikes++
			observe.IncFramingError("integrity")
			c.log.Warnw("frame_discarded", "err", err, "strikes", strikes)
			if strikes >= c.opt.MaxFramingErrors {
				c.closeWith(ErrConnectionLost.with(fmt.Sprintf("%d consecutive bad frames", strikes), err))
				return
			}
			continue
		}
		strikes = 0
		c.disp.Dispatch(msg)
	}
}

func (c *Conn) readFailed(err error) {
	if c.closed() {
		return
	}
	switch {
	case errors.Is(err, io.EOF):
		c.closeWith(ErrConnectionLost.with("peer closed", err))
	case errors.Is(err, protocol.ErrFraming):
		observe.IncFramingError("framing")
		c.log.Errorw("stream_desync", "err", err)
		c.closeWith(ErrConnectionLost.with("stream out of sync", err))
	default:
		c.closeWith(ErrConnectionLost.with("read failed", err))
	}
}

// send 封包并整帧写出；写失败意味着连接已不可用
func (c *Conn) send(m *protocol.Message) error {
	f := c.sealer.Seal(m)

	c.wmu.Lock()
	if c.opt.WriteTimeout > 0 {
		_ = c.raw.SetWriteDeadline(time.Now().Add(c.opt.WriteTimeout))
	}
	err := c.codec.WriteFrame(c.raw, f)
	c.wmu.Unlock()

	if err != nil {
		lost := ErrConnectionLost.with("write failed", err)
		c.closeWith(lost)
		return lost
	}
	return nil
}

// issue 先登记再发送，返回用于等待应答的凭证。onReply 可为 nil。
func (c *Conn) issue(protoID uint32, body []byte, timeout time.Duration, onReply func(protocol.Message)) (*Ticket, error) {
	limit := c.codec.MaxBody()
	if c.sealer.Encrypted() {
		limit -= protocol.BlockSize
	}
	if len(body) > limit {
		return nil, ErrBodyTooLarge.with(fmt.Sprintf("%d bytes (max %d)", len(body), limit), nil)
	}
	t, err := c.registry.RegisterHook(protoID, timeout, onReply)
	if err != nil {
		return nil, err
	}
	if err := c.send(&protocol.Message{ProtoID: protoID, SerialNo: t.Serial, Body: body}); err != nil {
		return nil, err
	}
	return t, nil
}

func (c *Conn) roundTrip(ctx context.Context, protoID uint32, body []byte, timeout time.Duration, onReply func(protocol.Message)) (protocol.Message, error) {
	name := protocol.ProtoName(protoID)
	start := time.Now()
	t, err := c.issue(protoID, body, timeout, onReply)
	if err != nil {
		observe.IncRequest(name, resultLabel(err))
		return protocol.Message{}, err
	}
	msg, err := t.Wait(ctx)
	observe.IncRequest(name, resultLabel(err))
	if err == nil {
		observe.ObserveRequestDuration(name, time.Since(start))
	}
	return msg, err
}

// Call 发送请求并等待同流水号的应答（应答的协议号不作校验）。timeout<=0 时使用默认请求超时。
// 握手完成之前返回 ErrNotReady。
func (c *Conn) Call(ctx context.Context, protoID uint32, body []byte, timeout time.Duration) (protocol.Message, error) {
	if c.closed() {
		return protocol.Message{}, c.Err()
	}
	if st := c.session.State(); st != HandshakeEstablished {
		observe.IncRequest(protocol.ProtoName(protoID), resultLabel(ErrNotReady))
		return protocol.Message{}, ErrNotReady.with("state "+st.String(), nil)
	}
	if timeout <= 0 {
		timeout = c.opt.RequestTimeout
	}
	return c.roundTrip(ctx, protoID, body, timeout, nil)
}

func resultLabel(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrTimeout):
		return "timeout"
	case errors.Is(err, ErrNotReady):
		return "not_ready"
	case errors.Is(err, ErrConnectionLost):
		return "connection_lost"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return "canceled"
	default:
		return "error"
	}
}

// Subscribe 订阅某协议号的推送
func (c *Conn) Subscribe(protoID uint32) *PushStream { return c.disp.Subscribe(protoID) }

// Session 会话参数快照
func (c *Conn) Session() SessionInfo { return c.session.Info() }

// State 握手状态
func (c *Conn) State() HandshakeState { return c.session.State() }

// Pending 在途请求数
func (c *Conn) Pending() int { return c.registry.Len() }

func (c *Conn) ID() string { return c.id }

func (c *Conn) RemoteAddr() net.Addr { return c.raw.RemoteAddr() }

// Done 连接关闭时关闭
func (c *Conn) Done() <-chan struct{} { return c.done }

// Err 连接关闭的原因，未关闭时为 nil
func (c *Conn) Err() error {
	c.errMu.Lock()
	defer c.errMu.Unlock()
	return c.err
}

func (c *Conn) closed() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}

// Close 主动断开，可重复调用。在途请求与推送订阅均以 ErrConnectionLost 结束。
func (c *Conn) Close() error {
	c.closeWith(ErrConnectionLost.with("closed by client", nil))
	return nil
}

func (c *Conn) closeWith(err error) {
	c.closeOnce.Do(func() {
		c.errMu.Lock()
		c.err = err
		c.errMu.Unlock()
		close(c.done)

		_ = c.raw.Close()
		failed := c.registry.FailAll(err)
		c.disp.Close(err)
		observe.AddConnections(-1)
		c.log.Infow("conn_closed", "reason", err.Error(), "failed_pending", failed)
	})
}
