package protocol

import (
	"errors"
	"fmt"
	"io"
	"sync"
)

// Frame 线上传输单元：包头 + 包体（可能已加密）
type Frame struct {
	Header Header
	Body   []byte
}

// Message 解密、校验之后交给调用方的消息
type Message struct {
	ProtoID  uint32
	SerialNo uint32
	FmtType  FmtType
	ProtoVer uint8
	Reserved [8]byte
	Body     []byte
}

// FrameCodec 帧编解码器。写路径整帧一次写出，读路径先读包头、
// 再按声明长度精确读取包体，从不根据内容猜测帧边界。
type FrameCodec struct {
	readMu  sync.Mutex // 读锁
	writeMu sync.Mutex // 写锁
	bufPool *sync.Pool // 复用写缓冲
	maxBody uint32
}

// NewFrameCodec maxBody<=0 时使用 MaxBodySize
func NewFrameCodec(maxBody int) *FrameCodec {
	if maxBody <= 0 || maxBody > MaxBodySize {
		maxBody = MaxBodySize
	}
	return &FrameCodec{
		bufPool: &sync.Pool{
			New: func() any {
				b := make([]byte, 0, 4*1024)
				return &b
			},
		},
		maxBody: uint32(maxBody),
	}
}

// MaxBody 返回允许的最大包体长度
func (c *FrameCodec) MaxBody() int { return int(c.maxBody) }

// WriteFrame 写入一个帧；BodyLen 以实际包体长度为准
func (c *FrameCodec) WriteFrame(w io.Writer, f *Frame) error {
	if c == nil || w == nil || f == nil {
		return fmt.Errorf("framecodec: nil codec, writer or frame")
	}
	if uint64(len(f.Body)) > uint64(c.maxBody) {
		return fmt.Errorf("framecodec: body too large: %d bytes (max %d)", len(f.Body), c.maxBody)
	}
	f.Header.BodyLen = uint32(len(f.Body))

	bp := c.bufPool.Get().(*[]byte)
	buf := (*bp)[:0]
	if need := HeaderSize + len(f.Body); cap(buf) < need {
		buf = make([]byte, 0, need)
	}
	buf = buf[:HeaderSize]
	f.Header.Put(buf)
	buf = append(buf, f.Body...)

	c.writeMu.Lock()
	_, err := w.Write(buf)
	c.writeMu.Unlock()

	*bp = buf[:0]
	c.bufPool.Put(bp)
	return err
}

// ReadHeader 读取并解析一个包头。在任何字节到达之前对端关闭时返回 io.EOF。
func (c *FrameCodec) ReadHeader(r io.Reader) (Header, error) {
	var raw [HeaderSize]byte
	c.readMu.Lock()
	defer c.readMu.Unlock()
	if _, err := io.ReadFull(r, raw[:]); err != nil {
		if errors.Is(err, io.ErrUnexpectedEOF) {
			return Header{}, &FramingError{Reason: "truncated header", Err: err}
		}
		return Header{}, err
	}
	h, err := ParseHeader(raw[:])
	if err != nil {
		return h, err
	}
	if h.BodyLen > c.maxBody {
		return h, &FramingError{
			Reason:   fmt.Sprintf("body too large: %d bytes (max %d)", h.BodyLen, c.maxBody),
			ProtoID:  h.ProtoID,
			SerialNo: h.SerialNo,
		}
	}
	return h, nil
}

// ReadBody 按包头声明的长度精确读取包体；读不满（EOF、超时）即为 *FramingError
func (c *FrameCodec) ReadBody(r io.Reader, h Header) ([]byte, error) {
	body := make([]byte, h.BodyLen)
	if h.BodyLen == 0 {
		return body, nil
	}
	c.readMu.Lock()
	defer c.readMu.Unlock()
	if n, err := io.ReadFull(r, body); err != nil {
		return nil, &FramingError{
			Reason:   fmt.Sprintf("truncated body: got %d of %d bytes", n, h.BodyLen),
			ProtoID:  h.ProtoID,
			SerialNo: h.SerialNo,
			Err:      err,
		}
	}
	return body, nil
}

// ReadFrame 读取一个完整帧
func (c *FrameCodec) ReadFrame(r io.Reader) (*Frame, error) {
	if c == nil || r == nil {
		return nil, fmt.Errorf("framecodec: nil codec or reader")
	}
	h, err := c.ReadHeader(r)
	if err != nil {
		return nil, err
	}
	body, err := c.ReadBody(r, h)
	if err != nil {
		return nil, err
	}
	return &Frame{Header: h, Body: body}, nil
}
