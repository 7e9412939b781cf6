package protocol

import (
	"encoding/binary"
	"fmt"
)

const (
	// HeaderSize 固定包头长度
	HeaderSize = 44
	// MaxBodySize 包体上限，防止损坏数据导致的超大分配
	MaxBodySize = 100_000_000
)

// Magic 包头起始标记 "FT"
var Magic = [2]byte{'F', 'T'}

// FmtType 包体编码格式
type FmtType uint8

const (
	FmtProtobuf FmtType = 0
	FmtJSON     FmtType = 1
)

func (f FmtType) String() string {
	switch f {
	case FmtProtobuf:
		return "protobuf"
	case FmtJSON:
		return "json"
	default:
		return fmt.Sprintf("fmt(%d)", uint8(f))
	}
}

// Header 包头，所有多字节整数均为小端序
//
//	offset  size  field
//	0       2     magic "FT"
//	2       4     proto id
//	6       1     fmt type
//	7       1     proto version
//	8       4     serial no
//	12      4     body length
//	16      20    SHA-1 of plaintext body
//	36      8     reserved
type Header struct {
	ProtoID  uint32
	FmtType  FmtType
	ProtoVer uint8
	SerialNo uint32
	BodyLen  uint32
	BodySHA1 [20]byte
	Reserved [8]byte
}

// Put 将包头写入 b，b 至少 HeaderSize 字节
func (h *Header) Put(b []byte) {
	_ = b[HeaderSize-1]
	b[0], b[1] = Magic[0], Magic[1]
	binary.LittleEndian.PutUint32(b[2:6], h.ProtoID)
	b[6] = byte(h.FmtType)
	b[7] = h.ProtoVer
	binary.LittleEndian.PutUint32(b[8:12], h.SerialNo)
	binary.LittleEndian.PutUint32(b[12:16], h.BodyLen)
	copy(b[16:36], h.BodySHA1[:])
	copy(b[36:44], h.Reserved[:])
}

// ParseHeader 解析包头；标记不匹配或长度越界返回 *FramingError
func ParseHeader(b []byte) (Header, error) {
	var h Header
	if len(b) < HeaderSize {
		return h, &FramingError{Reason: fmt.Sprintf("short header: %d bytes", len(b))}
	}
	if b[0] != Magic[0] || b[1] != Magic[1] {
		return h, &FramingError{Reason: fmt.Sprintf("bad magic %q", b[0:2])}
	}
	h.ProtoID = binary.LittleEndian.Uint32(b[2:6])
	h.FmtType = FmtType(b[6])
	h.ProtoVer = b[7]
	h.SerialNo = binary.LittleEndian.Uint32(b[8:12])
	h.BodyLen = binary.LittleEndian.Uint32(b[12:16])
	copy(h.BodySHA1[:], b[16:36])
	copy(h.Reserved[:], b[36:44])
	return h, nil
}
