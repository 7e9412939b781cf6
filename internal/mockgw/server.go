// Package mockgw 一个可编排的假网关，说同样的帧协议，用于测试和本地调试。
package mockgw

import (
	"errors"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/hongjun500/opend-go/internal/protocol"
)

// Options 假网关的应答参数
type Options struct {
	AESKey            string // 16 字节；客户端请求加密时下发
	KeepAliveInterval int32  // 秒
	ServerVer         int32
	LoginUserID       uint64
	InitRetType       int32 // 非 0 时拒绝握手
	InitRetMsg        string
	Echo              bool   // 未注册处理函数的请求原样回显包体
	WelcomeProtoID    uint32 // 非 0 时握手应答之后紧跟一条该协议号的推送，按会话加密
	WelcomeBody       []byte
	Logger            *zap.Logger
}

// Handler 处理一个请求；需要应答时调用 req.Reply
type Handler func(req *Request)

// Request 网关收到的一个请求
type Request struct {
	protocol.Message
	sess *session
}

// Reply 以相同协议号和流水号应答
func (r *Request) Reply(body []byte) error {
	return r.sess.write(&protocol.Message{ProtoID: r.ProtoID, SerialNo: r.SerialNo, Body: body})
}

// ReplyAs 以相同流水号、指定协议号应答
func (r *Request) ReplyAs(protoID uint32, body []byte) error {
	return r.sess.write(&protocol.Message{ProtoID: protoID, SerialNo: r.SerialNo, Body: body})
}

// Server 假网关
type Server struct {
	opt Options
	ln  net.Listener
	log *zap.SugaredLogger

	mu       sync.Mutex
	sessions map[string]*session
	handlers map[uint32]Handler
	silenced map[uint32]bool
	connID   uint64

	pushSerial atomic.Uint32
	requests   chan *Request
	wg         sync.WaitGroup
	closed     chan struct{}
	closeOnce  sync.Once
}

type session struct {
	id    string
	conn  net.Conn
	codec *protocol.FrameCodec // 读锁按连接独立
	in    *protocol.Sealer
	out   *protocol.Sealer
	wmu   sync.Mutex
}

// Listen 在 addr 上监听并开始接受连接；addr 形如 "127.0.0.1:0"
func Listen(addr string, opt Options) (*Server, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}
	if opt.Logger == nil {
		opt.Logger = zap.NewNop()
	}
	if opt.KeepAliveInterval == 0 {
		opt.KeepAliveInterval = 10
	}
	s := &Server{
		opt:      opt,
		ln:       ln,
		log:      opt.Logger.Sugar(),
		sessions: make(map[string]*session),
		handlers: make(map[uint32]Handler),
		silenced: make(map[uint32]bool),
		requests: make(chan *Request, 256),
		closed:   make(chan struct{}),
	}
	s.log.Infow("mockgw_listen", "addr", ln.Addr().String())
	s.wg.Add(1)
	go s.acceptLoop()
	return s, nil
}

// Addr 实际监听地址
func (s *Server) Addr() string { return s.ln.Addr().String() }

// Handle 为某协议号注册处理函数，覆盖内置行为
func (s *Server) Handle(protoID uint32, h Handler) {
	s.mu.Lock()
	s.handlers[protoID] = h
	s.mu.Unlock()
}

// Silence 收到该协议号的请求后不做任何应答
func (s *Server) Silence(protoID uint32) {
	s.mu.Lock()
	s.silenced[protoID] = true
	s.mu.Unlock()
}

// Requests 没有处理函数、也没有回显的请求从这里取出，由测试决定如何应答
func (s *Server) Requests() <-chan *Request { return s.requests }

// Push 向所有连接发送一条推送
func (s *Server) Push(protoID uint32, body []byte) {
	serial := s.pushSerial.Add(1)
	for _, ss := range s.snapshot() {
		if err := ss.write(&protocol.Message{ProtoID: protoID, SerialNo: serial, Body: body}); err != nil {
			s.log.Warnw("mockgw_push_error", "session", ss.id, "err", err)
		}
	}
}

// Inject 原样写出一个已封好的帧，不经过本端的摘要和加密
func (s *Server) Inject(f *protocol.Frame) {
	for _, ss := range s.snapshot() {
		ss.wmu.Lock()
		err := ss.codec.WriteFrame(ss.conn, f)
		ss.wmu.Unlock()
		if err != nil {
			s.log.Warnw("mockgw_inject_error", "session", ss.id, "err", err)
		}
	}
}

// WriteRaw 原样写出任意字节
func (s *Server) WriteRaw(b []byte) {
	for _, ss := range s.snapshot() {
		ss.wmu.Lock()
		_, _ = ss.conn.Write(b)
		ss.wmu.Unlock()
	}
}

// DropConnections 断开所有现有连接，继续接受新连接
func (s *Server) DropConnections() {
	for _, ss := range s.snapshot() {
		_ = ss.conn.Close()
	}
}

// Sessions 当前连接数
func (s *Server) Sessions() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}

// Close 停止监听并断开所有连接
func (s *Server) Close() error {
	s.closeOnce.Do(func() {
		close(s.closed)
		_ = s.ln.Close()
		s.DropConnections()
	})
	s.wg.Wait()
	return nil
}

func (s *Server) snapshot() []*session {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*session, 0, len(s.sessions))
	for _, ss := range s.sessions {
		out = append(out, ss)
	}
	return out
}

func (s *Server) acceptLoop() {
	defer s.wg.Done()
	for {
		conn, err := s.ln.Accept()
		if err != nil {
			select {
			case <-s.closed:
				return
			default:
			}
			if errors.Is(err, net.ErrClosed) {
				return
			}
			s.log.Warnw("mockgw_accept_error", "err", err)
			continue
		}
		ss := &session{
			id:    uuid.NewString(),
			conn:  conn,
			codec: protocol.NewFrameCodec(0),
			in:    protocol.NewSealer(),
			out:   protocol.NewSealer(),
		}
		s.mu.Lock()
		s.sessions[ss.id] = ss
		s.mu.Unlock()
		s.wg.Add(1)
		go s.serveConn(ss)
	}
}

func (s *Server) serveConn(ss *session) {
	defer s.wg.Done()
	defer func() {
		s.mu.Lock()
		delete(s.sessions, ss.id)
		s.mu.Unlock()
		_ = ss.conn.Close()
	}()
	s.log.Infow("mockgw_session_open", "session", ss.id, "remote", ss.conn.RemoteAddr().String())

	for {
		f, err := ss.codec.ReadFrame(ss.conn)
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed) {
				s.log.Warnw("mockgw_read_error", "session", ss.id, "err", err)
			}
			return
		}
		msg, _, err := ss.in.Open(f)
		if err != nil {
			s.log.Warnw("mockgw_bad_frame", "session", ss.id, "err", err)
			continue
		}
		s.handle(&Request{Message: msg, sess: ss})
	}
}

func (s *Server) handle(req *Request) {
	s.mu.Lock()
	silenced := s.silenced[req.ProtoID]
	h := s.handlers[req.ProtoID]
	s.mu.Unlock()

	switch {
	case silenced:
		return
	case h != nil:
		h(req)
	case req.ProtoID == protocol.ProtoInitConnect:
		s.initConnect(req)
	case req.ProtoID == protocol.ProtoKeepAlive:
		_ = req.Reply(protocol.MarshalKeepAliveResponse(protocol.ResponseStatus{}, time.Now().Unix()))
	case s.opt.Echo:
		_ = req.Reply(req.Body)
	default:
		select {
		case s.requests <- req:
		default:
			s.log.Warnw("mockgw_request_dropped", "proto_id", req.ProtoID, "serial_no", req.SerialNo)
		}
	}
}

func (s *Server) initConnect(req *Request) {
	c2s, err := protocol.ParseInitConnectRequest(req.Body)
	if err != nil {
		s.log.Warnw("mockgw_bad_initconnect", "err", err)
		return
	}
	resp := &protocol.InitConnectResponse{
		ResponseStatus: protocol.ResponseStatus{RetType: s.opt.InitRetType, RetMsg: s.opt.InitRetMsg},
	}
	encrypt := false
	if s.opt.InitRetType == 0 {
		s.mu.Lock()
		s.connID++
		connID := s.connID
		s.mu.Unlock()

		resp.HasS2C = true
		resp.ServerVer = s.opt.ServerVer
		resp.LoginUserID = s.opt.LoginUserID
		resp.ConnID = connID
		resp.KeepAliveInterval = s.opt.KeepAliveInterval
		if c2s.PacketEncAlgo == protocol.EncAlgoAESECB && s.opt.AESKey != "" {
			resp.ConnAESKey = s.opt.AESKey
			encrypt = len(s.opt.AESKey) == 16
		}
	}
	s.log.Infow("mockgw_initconnect", "client_id", c2s.ClientID, "client_ver", c2s.ClientVer, "encrypt", encrypt)
	// 应答本身为明文，此后双向加密
	ack := protocol.NewSealer().Seal(&protocol.Message{ProtoID: req.ProtoID, SerialNo: req.SerialNo, Body: resp.Marshal()})
	ss := req.sess
	ss.wmu.Lock()
	defer ss.wmu.Unlock()
	if encrypt {
		_ = ss.in.EnableAES([]byte(s.opt.AESKey))
		_ = ss.out.EnableAES([]byte(s.opt.AESKey))
	}
	if err := ss.codec.WriteFrame(ss.conn, ack); err != nil {
		s.log.Warnw("mockgw_write_error", "session", ss.id, "err", err)
		return
	}
	if s.opt.WelcomeProtoID != 0 && s.opt.InitRetType == 0 {
		f := ss.out.Seal(&protocol.Message{ProtoID: s.opt.WelcomeProtoID, SerialNo: s.pushSerial.Add(1), Body: s.opt.WelcomeBody})
		if err := ss.codec.WriteFrame(ss.conn, f); err != nil {
			s.log.Warnw("mockgw_write_error", "session", ss.id, "err", err)
		}
	}
}

func (ss *session) write(m *protocol.Message) error {
	ss.wmu.Lock()
	defer ss.wmu.Unlock()
	f := ss.out.Seal(m)
	return ss.codec.WriteFrame(ss.conn, f)
}
