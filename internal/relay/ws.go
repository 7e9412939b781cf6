// Package relay 把网关推送转发给 WebSocket 客户端（浏览器看盘页、调试工具）。
package relay

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/hongjun500/opend-go/internal/observe"
	"github.com/hongjun500/opend-go/internal/protocol"
)

// Source 推送来源，*transport.PushStream 满足该接口
type Source interface {
	Next(ctx context.Context) (protocol.Message, error)
}

// Event 发给 WebSocket 客户端的 JSON 消息
type Event struct {
	ProtoID  uint32 `json:"proto_id"`
	Proto    string `json:"proto"`
	SerialNo uint32 `json:"serial_no"`
	Body     []byte `json:"body"` // base64
	Ts       int64  `json:"ts"`   // unix 毫秒
}

// NewEvent 由推送消息构造事件
func NewEvent(m protocol.Message) Event {
	return Event{
		ProtoID:  m.ProtoID,
		Proto:    protocol.ProtoName(m.ProtoID),
		SerialNo: m.SerialNo,
		Body:     m.Body,
		Ts:       time.Now().UnixMilli(),
	}
}

type wsClient struct {
	id     string
	conn   *websocket.Conn
	send   chan []byte
	protos map[uint32]bool // 为空表示接收全部
	once   sync.Once
}

func (c *wsClient) wants(protoID uint32) bool {
	return len(c.protos) == 0 || c.protos[protoID]
}

func (c *wsClient) close() {
	c.once.Do(func() { close(c.send) })
}

// Options 中继参数
type Options struct {
	OutBuffer    int           // 每个客户端的发送队列，0 为 256
	WriteTimeout time.Duration // 0 为 10s
	PingInterval time.Duration // 0 为 30s
	Logger       *zap.Logger
}

// Relay 是一个 http.Handler：升级为 WebSocket 后按协议号过滤推送。
// 客户端可用查询参数 ?proto=3005,3011 只接收部分协议。
type Relay struct {
	opt      Options
	upgrader websocket.Upgrader
	log      *zap.SugaredLogger

	mu      sync.Mutex
	clients map[*wsClient]struct{}
	closed  bool
}

func New(opt Options) *Relay {
	if opt.OutBuffer <= 0 {
		opt.OutBuffer = 256
	}
	if opt.WriteTimeout <= 0 {
		opt.WriteTimeout = 10 * time.Second
	}
	if opt.PingInterval <= 0 {
		opt.PingInterval = 30 * time.Second
	}
	if opt.Logger == nil {
		opt.Logger = zap.NewNop()
	}
	return &Relay{
		opt: opt,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		log:     opt.Logger.Sugar(),
		clients: make(map[*wsClient]struct{}),
	}
}

func parseProtos(q string) map[uint32]bool {
	if q == "" {
		return nil
	}
	out := make(map[uint32]bool)
	for _, part := range strings.Split(q, ",") {
		if n, err := strconv.ParseUint(strings.TrimSpace(part), 10, 32); err == nil {
			out[uint32(n)] = true
		}
	}
	return out
}

func (r *Relay) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	conn, err := r.upgrader.Upgrade(w, req, nil)
	if err != nil {
		r.log.Warnw("relay_upgrade_error", "err", err)
		return
	}
	c := &wsClient{
		id:     uuid.NewString(),
		conn:   conn,
		send:   make(chan []byte, r.opt.OutBuffer),
		protos: parseProtos(req.URL.Query().Get("proto")),
	}

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		_ = conn.Close()
		return
	}
	r.clients[c] = struct{}{}
	r.mu.Unlock()
	observe.AddRelayClients(1)
	r.log.Infow("relay_client_open", "client", c.id, "remote", conn.RemoteAddr().String(), "protos", len(c.protos))

	go r.writeLoop(c)
	r.readLoop(c)
}

// readLoop 只用于感知对端关闭和响应 pong
func (r *Relay) readLoop(c *wsClient) {
	defer r.remove(c)
	c.conn.SetReadLimit(4096)
	_ = c.conn.SetReadDeadline(time.Now().Add(2 * r.opt.PingInterval))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(2 * r.opt.PingInterval))
	})
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (r *Relay) writeLoop(c *wsClient) {
	ticker := time.NewTicker(r.opt.PingInterval)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()
	for {
		select {
		case data, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(r.opt.WriteTimeout))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				r.log.Warnw("relay_write_error", "client", c.id, "err", err)
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(r.opt.WriteTimeout))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (r *Relay) remove(c *wsClient) {
	r.mu.Lock()
	_, ok := r.clients[c]
	delete(r.clients, c)
	r.mu.Unlock()
	if ok {
		observe.AddRelayClients(-1)
		r.log.Infow("relay_client_close", "client", c.id)
	}
	c.close()
}

// Clients 当前连接的客户端数
func (r *Relay) Clients() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.clients)
}

// Publish 把一条推送发给感兴趣的客户端；客户端队列满时丢弃，不阻塞调用方
func (r *Relay) Publish(m protocol.Message) int {
	data, err := json.Marshal(NewEvent(m))
	if err != nil {
		return 0
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	sent := 0
	for c := range r.clients {
		if !c.wants(m.ProtoID) {
			continue
		}
		select {
		case c.send <- data:
			sent++
		default:
			observe.IncRelayDropped()
		}
	}
	return sent
}

// Pump 持续从 src 取推送并转发，直到 src 结束或 ctx 取消
func (r *Relay) Pump(ctx context.Context, src Source) error {
	for {
		m, err := src.Next(ctx)
		if err != nil {
			return err
		}
		r.Publish(m)
	}
}

// Close 断开所有客户端并拒绝新连接
func (r *Relay) Close() {
	r.mu.Lock()
	r.closed = true
	clients := r.clients
	r.clients = make(map[*wsClient]struct{})
	r.mu.Unlock()
	for c := range clients {
		observe.AddRelayClients(-1)
		c.close()
	}
}
