package protocol

import (
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"
)

// 握手与心跳的包体是很小的 protobuf 消息，这里直接用 protowire 读写字段，
// 不引入生成代码。其余业务包体由上层自行编解码。

type wireField struct {
	typ    protowire.Type
	varint uint64
	bytes  []byte
}

// decodeFields 解析一层字段；同一字段出现多次时以最后一次为准
func decodeFields(b []byte) (map[protowire.Number]wireField, error) {
	fields := make(map[protowire.Number]wireField)
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return nil, fmt.Errorf("decode tag: %w", protowire.ParseError(n))
		}
		b = b[n:]
		f := wireField{typ: typ}
		switch typ {
		case protowire.VarintType:
			v, m := protowire.ConsumeVarint(b)
			if m < 0 {
				return nil, fmt.Errorf("decode field %d: %w", num, protowire.ParseError(m))
			}
			f.varint, n = v, m
		case protowire.BytesType:
			v, m := protowire.ConsumeBytes(b)
			if m < 0 {
				return nil, fmt.Errorf("decode field %d: %w", num, protowire.ParseError(m))
			}
			f.bytes, n = v, m
		default:
			n = protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return nil, fmt.Errorf("decode field %d: %w", num, protowire.ParseError(n))
			}
		}
		fields[num] = f
		b = b[n:]
	}
	return fields, nil
}

func appendVarintField(b []byte, num protowire.Number, v uint64) []byte {
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, v)
}

func appendInt32Field(b []byte, num protowire.Number, v int32) []byte {
	return appendVarintField(b, num, uint64(int64(v)))
}

func appendBoolField(b []byte, num protowire.Number, v bool) []byte {
	return appendVarintField(b, num, protowire.EncodeBool(v))
}

func appendBytesField(b []byte, num protowire.Number, v []byte) []byte {
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendBytes(b, v)
}

func appendStringField(b []byte, num protowire.Number, v string) []byte {
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendString(b, v)
}

// retDefault 响应缺少 retType 时的默认值
const retDefault int32 = -400

// ResponseStatus 所有响应包体共有的前三个字段
type ResponseStatus struct {
	RetType int32
	RetMsg  string
	ErrCode int32
}

// OK retType 为 0 表示成功
func (s ResponseStatus) OK() bool { return s.RetType == 0 }

func (s ResponseStatus) Error() string {
	return fmt.Sprintf("retType=%d errCode=%d: %s", s.RetType, s.ErrCode, s.RetMsg)
}

func statusFrom(fields map[protowire.Number]wireField) ResponseStatus {
	st := ResponseStatus{RetType: retDefault}
	if f, ok := fields[1]; ok {
		st.RetType = int32(f.varint)
	}
	if f, ok := fields[2]; ok {
		st.RetMsg = string(f.bytes)
	}
	if f, ok := fields[3]; ok {
		st.ErrCode = int32(f.varint)
	}
	return st
}

func appendStatus(b []byte, st ResponseStatus) []byte {
	b = appendInt32Field(b, 1, st.RetType)
	if st.RetMsg != "" {
		b = appendStringField(b, 2, st.RetMsg)
	}
	if st.ErrCode != 0 {
		b = appendInt32Field(b, 3, st.ErrCode)
	}
	return b
}

// ParseResponseStatus 读取任意响应包体的 retType/retMsg/errCode
func ParseResponseStatus(body []byte) (ResponseStatus, error) {
	fields, err := decodeFields(body)
	if err != nil {
		return ResponseStatus{RetType: retDefault}, err
	}
	return statusFrom(fields), nil
}
