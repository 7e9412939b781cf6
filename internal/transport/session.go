package transport

import (
	"sync"
	"time"

	"github.com/hongjun500/opend-go/internal/protocol"
)

// HandshakeState 握手状态机：Unauthenticated → AwaitingAck → Established | Failed
type HandshakeState int32

const (
	HandshakeUnauthenticated HandshakeState = iota
	HandshakeAwaitingAck
	HandshakeEstablished
	HandshakeFailed
)

func (s HandshakeState) String() string {
	switch s {
	case HandshakeUnauthenticated:
		return "unauthenticated"
	case HandshakeAwaitingAck:
		return "awaiting_ack"
	case HandshakeEstablished:
		return "established"
	case HandshakeFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// SessionInfo 会话参数快照
type SessionInfo struct {
	State             HandshakeState
	ConnID            uint64
	ServerVer         int32
	LoginUserID       uint64
	KeepAliveInterval time.Duration
	Encrypted         bool
}

// Session 单条连接的会话状态，只由握手修改；流水号计数器在 Registry 中
type Session struct {
	mu          sync.RWMutex
	state       HandshakeState
	connID      uint64
	serverVer   int32
	loginUserID uint64
	keepAlive   time.Duration

	sealer *protocol.Sealer
}

func newSession(sealer *protocol.Sealer) *Session {
	return &Session{state: HandshakeUnauthenticated, sealer: sealer}
}

// State 当前握手状态
func (s *Session) State() HandshakeState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

func (s *Session) transition(from, to HandshakeState) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != from {
		return false
	}
	s.state = to
	return true
}

func (s *Session) fail() {
	s.mu.Lock()
	s.state = HandshakeFailed
	s.mu.Unlock()
}

func (s *Session) establish(resp *protocol.InitConnectResponse) {
	interval := time.Duration(resp.KeepAliveInterval) * time.Second
	if interval < time.Second {
		interval = time.Second
	}
	s.mu.Lock()
	s.connID = resp.ConnID
	s.serverVer = resp.ServerVer
	s.loginUserID = resp.LoginUserID
	s.keepAlive = interval
	s.state = HandshakeEstablished
	s.mu.Unlock()
}

// Info 返回会话参数快照
func (s *Session) Info() SessionInfo {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return SessionInfo{
		State:             s.state,
		ConnID:            s.connID,
		ServerVer:         s.serverVer,
		LoginUserID:       s.loginUserID,
		KeepAliveInterval: s.keepAlive,
		Encrypted:         s.sealer.Encrypted(),
	}
}
