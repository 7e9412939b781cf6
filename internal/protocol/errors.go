package protocol

import (
	"errors"
	"fmt"
)

var (
	// ErrFraming 所有帧级错误（格式、截断、校验）都满足 errors.Is(err, ErrFraming)
	ErrFraming = errors.New("protocol: framing error")
	// ErrIntegrity 包体摘要不匹配或无法解密
	ErrIntegrity = errors.New("protocol: integrity check failed")
)

// FramingError 字节流无法切分为合法的帧。发生在读路径上时，
// 流的位置已不可信，调用方应放弃该连接。
type FramingError struct {
	Reason   string
	ProtoID  uint32
	SerialNo uint32
	Err      error
}

func (e *FramingError) Error() string {
	msg := "framing error: " + e.Reason
	if e.ProtoID != 0 || e.SerialNo != 0 {
		msg += fmt.Sprintf(" (proto_id=%d, serial_no=%d)", e.ProtoID, e.SerialNo)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *FramingError) Unwrap() error { return e.Err }

func (e *FramingError) Is(target error) bool { return target == ErrFraming }

// IntegrityError 帧边界完整但包体不可信，仅丢弃该帧
type IntegrityError struct {
	Reason   string
	ProtoID  uint32
	SerialNo uint32
	Err      error
}

func (e *IntegrityError) Error() string {
	msg := fmt.Sprintf("integrity error: %s (proto_id=%d, serial_no=%d)", e.Reason, e.ProtoID, e.SerialNo)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *IntegrityError) Unwrap() error { return e.Err }

func (e *IntegrityError) Is(target error) bool {
	return target == ErrFraming || target == ErrIntegrity
}
