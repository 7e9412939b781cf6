// Package client 是网关连接的对外入口：建立连接、握手、心跳、请求与推送订阅。
package client

import (
	"context"
	"errors"
	"net"
	"strconv"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/hongjun500/opend-go/internal/protocol"
	"github.com/hongjun500/opend-go/internal/transport"
	"github.com/hongjun500/opend-go/pkg/logger"
)

const tracerName = "opend-go"

// Options 连接参数
type Options struct {
	Transport        transport.Options
	Keepalive        transport.KeepaliveConfig
	HandshakeTimeout time.Duration // 0 使用 Transport.RequestTimeout
	DisableKeepalive bool
}

// Result RequestAsync 的结果
type Result struct {
	Message protocol.Message
	Err     error
}

// Client 一条已完成握手的网关连接
type Client struct {
	conn   *transport.Conn
	ka     *transport.Keepalive
	cancel context.CancelFunc
	kaDone chan struct{}
	tracer trace.Tracer
	log    *zap.SugaredLogger
}

// Connect 连接 host:port 并完成握手，随后在后台维持心跳
func Connect(ctx context.Context, host string, port int, id transport.Identity, opt Options) (*Client, error) {
	if opt.Transport.Logger == nil {
		opt.Transport.Logger = logger.Named("opend")
	}
	addr := net.JoinHostPort(host, strconv.Itoa(port))
	conn, err := transport.Dial(ctx, addr, opt.Transport)
	if err != nil {
		return nil, err
	}
	if _, err := conn.Handshake(ctx, id, opt.HandshakeTimeout); err != nil {
		_ = conn.Close()
		return nil, err
	}

	kctx, cancel := context.WithCancel(context.Background())
	c := &Client{
		conn:   conn,
		ka:     transport.NewKeepalive(conn, opt.Keepalive),
		cancel: cancel,
		kaDone: make(chan struct{}),
		tracer: otel.Tracer(tracerName),
		log:    opt.Transport.Logger.Sugar().With("conn_uid", conn.ID()),
	}
	if opt.DisableKeepalive {
		close(c.kaDone)
		return c, nil
	}
	go func() {
		defer close(c.kaDone)
		if err := c.ka.Run(kctx); err != nil && !errors.Is(err, context.Canceled) {
			c.log.Warnw("keepalive_stopped", "err", err)
		}
	}()
	return c, nil
}

// Request 发送请求并等待应答。timeout<=0 使用默认请求超时。
func (c *Client) Request(ctx context.Context, protoID uint32, body []byte, timeout time.Duration) (protocol.Message, error) {
	ctx, span := c.tracer.Start(ctx, "opend."+protocol.ProtoName(protoID),
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.Int64("opend.proto_id", int64(protoID)),
			attribute.Int("opend.body_len", len(body)),
			attribute.String("opend.conn_uid", c.conn.ID()),
		),
	)
	defer span.End()

	msg, err := c.conn.Call(ctx, protoID, body, timeout)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return msg, err
	}
	span.SetAttributes(
		attribute.Int64("opend.serial_no", int64(msg.SerialNo)),
		attribute.Int("opend.reply_len", len(msg.Body)),
	)
	span.SetStatus(codes.Ok, "")
	return msg, nil
}

// RequestAsync 在后台执行 Request，结果从返回的通道取出（恰好一个）
func (c *Client) RequestAsync(ctx context.Context, protoID uint32, body []byte, timeout time.Duration) <-chan Result {
	ch := make(chan Result, 1)
	go func() {
		msg, err := c.Request(ctx, protoID, body, timeout)
		ch <- Result{Message: msg, Err: err}
		close(ch)
	}()
	return ch
}

// Ping 发送一次 KeepAlive，返回往返时间
func (c *Client) Ping(ctx context.Context) (time.Duration, error) {
	return c.ka.Probe(ctx)
}

// Subscribe 订阅某协议号的推送，不再需要时调用 Close
func (c *Client) Subscribe(protoID uint32) *transport.PushStream {
	return c.conn.Subscribe(protoID)
}

// Session 握手得到的会话参数
func (c *Client) Session() transport.SessionInfo { return c.conn.Session() }

// Done 连接断开时关闭
func (c *Client) Done() <-chan struct{} { return c.conn.Done() }

// Err 连接断开的原因
func (c *Client) Err() error { return c.conn.Err() }

// Disconnect 断开连接，可重复调用。在途请求和推送订阅以 ErrConnectionLost 结束。
func (c *Client) Disconnect() error {
	c.cancel()
	err := c.conn.Close()
	<-c.kaDone
	return err
}
