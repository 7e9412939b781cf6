package transport

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/hongjun500/opend-go/internal/protocol"
)

// Identity 握手时上报的客户端身份
type Identity struct {
	ClientID  string // 为空时生成一个 uuid
	ClientVer int32
	Encrypt   bool   // 请求会话加密
	Language  string // 为空时为 "Go"
}

// Handshake 发送 InitConnect 并等待应答，只能执行一次。
// 失败时状态置为 Failed，连接以 ErrHandshakeFailed 关闭。
func (c *Conn) Handshake(ctx context.Context, id Identity, timeout time.Duration) (SessionInfo, error) {
	if !c.session.transition(HandshakeUnauthenticated, HandshakeAwaitingAck) {
		return c.session.Info(), ErrHandshakeFailed.with("state "+c.session.State().String(), nil)
	}
	if timeout <= 0 {
		timeout = c.opt.RequestTimeout
	}
	if id.ClientID == "" {
		id.ClientID = uuid.NewString()
	}
	if id.Language == "" {
		id.Language = "Go"
	}
	algo := protocol.EncAlgoNone
	if id.Encrypt {
		algo = protocol.EncAlgoAESECB
	}
	req := protocol.InitConnectRequest{
		ClientVer:           id.ClientVer,
		ClientID:            id.ClientID,
		RecvNotify:          true,
		PacketEncAlgo:       algo,
		PushProtoFmt:        int32(protocol.FmtProtobuf),
		ProgrammingLanguage: id.Language,
	}

	// 应答在读协程上解析，加密必须在读取下一帧之前启用
	var (
		resp     *protocol.InitConnectResponse
		parseErr error
		keyErr   error
		keyUsed  bool
	)
	onAck := func(m protocol.Message) {
		resp, parseErr = protocol.ParseInitConnectResponse(m.Body)
		if parseErr != nil || !resp.OK() || !resp.HasS2C || !id.Encrypt || len(resp.ConnAESKey) != 16 {
			return
		}
		keyErr = c.sealer.EnableAES([]byte(resp.ConnAESKey))
		keyUsed = keyErr == nil
	}
	if _, err := c.roundTrip(ctx, protocol.ProtoInitConnect, req.Marshal(), timeout, onAck); err != nil {
		return c.failHandshake("no ack", err)
	}
	if parseErr != nil {
		return c.failHandshake("malformed ack", parseErr)
	}
	if !resp.OK() {
		return c.failHandshake("rejected", resp.ResponseStatus)
	}
	if !resp.HasS2C {
		return c.failHandshake("ack without s2c", nil)
	}
	if keyErr != nil {
		return c.failHandshake("bad aes key", keyErr)
	}
	if id.Encrypt && !keyUsed {
		c.log.Warnw("handshake_plaintext", "key_len", len(resp.ConnAESKey))
	}
	c.session.establish(resp)

	info := c.session.Info()
	c.log.Infow("handshake_established",
		"client_id", id.ClientID,
		"conn_id", info.ConnID,
		"server_ver", info.ServerVer,
		"login_user_id", info.LoginUserID,
		"keepalive", info.KeepAliveInterval.String(),
		"encrypted", info.Encrypted,
	)
	return info, nil
}

func (c *Conn) failHandshake(reason string, cause error) (SessionInfo, error) {
	c.session.fail()
	err := ErrHandshakeFailed.with(reason, cause)
	c.log.Errorw("handshake_failed", "reason", reason, "err", fmt.Sprint(cause))
	c.closeWith(err)
	return c.session.Info(), err
}
