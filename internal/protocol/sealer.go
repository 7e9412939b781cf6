package protocol

import (
	"crypto/sha1"
	"sync/atomic"
)

// Sealer 会话级包体处理：摘要 + 可选对称加密。
// 摘要始终针对明文计算：发送时先算摘要再加密，接收时先解密再校验。
type Sealer struct {
	cipher atomic.Pointer[ecbCipher]
}

func NewSealer() *Sealer { return &Sealer{} }

// EnableAES 启用会话加密，key 必须为 16 字节
func (s *Sealer) EnableAES(key []byte) error {
	c, err := newECBCipher(key)
	if err != nil {
		return err
	}
	s.cipher.Store(c)
	return nil
}

// Disable 本会话剩余时间内按明文处理
func (s *Sealer) Disable() { s.cipher.Store(nil) }

// Encrypted 当前是否按密文处理
func (s *Sealer) Encrypted() bool { return s.cipher.Load() != nil }

// Seal 构造待发送的帧
func (s *Sealer) Seal(m *Message) *Frame {
	h := Header{
		ProtoID:  m.ProtoID,
		FmtType:  m.FmtType,
		ProtoVer: m.ProtoVer,
		SerialNo: m.SerialNo,
		BodySHA1: sha1.Sum(m.Body),
		Reserved: m.Reserved,
	}
	body := m.Body
	if c := s.cipher.Load(); c != nil {
		body = c.encrypt(m.Body)
	}
	h.BodyLen = uint32(len(body))
	return &Frame{Header: h, Body: body}
}

// Open 解密并校验一个入站帧。
//
// 部分网关不会如实声明加密状态：加密生效时若非空包体长度不是分组长度的整数倍，
// 则视为明文并在本会话内关闭加密，此时 downgraded 为 true。空包体不参与判断。
func (s *Sealer) Open(f *Frame) (msg Message, downgraded bool, err error) {
	h := f.Header
	body := f.Body
	if c := s.cipher.Load(); c != nil && len(body) > 0 {
		if len(body)%BlockSize != 0 {
			s.cipher.CompareAndSwap(c, nil)
			downgraded = true
		} else {
			plain, derr := c.decrypt(body)
			if derr != nil {
				return msg, false, &IntegrityError{Reason: "decrypt failed", ProtoID: h.ProtoID, SerialNo: h.SerialNo, Err: derr}
			}
			body = plain
		}
	}
	if sha1.Sum(body) != h.BodySHA1 {
		return msg, downgraded, &IntegrityError{Reason: "sha1 mismatch", ProtoID: h.ProtoID, SerialNo: h.SerialNo}
	}
	return Message{
		ProtoID:  h.ProtoID,
		SerialNo: h.SerialNo,
		FmtType:  h.FmtType,
		ProtoVer: h.ProtoVer,
		Reserved: h.Reserved,
		Body:     body,
	}, downgraded, nil
}
