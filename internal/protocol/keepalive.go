package protocol

import "fmt"

// MarshalKeepAliveRequest Request{c2s=1{time=1}}，time 为 unix 秒
func MarshalKeepAliveRequest(unix int64) []byte {
	c2s := appendVarintField(nil, 1, uint64(unix))
	return appendBytesField(nil, 1, c2s)
}

// ParseKeepAliveRequest 返回请求中的时间戳
func ParseKeepAliveRequest(body []byte) (int64, error) {
	top, err := decodeFields(body)
	if err != nil {
		return 0, err
	}
	c2s, err := decodeFields(top[1].bytes)
	if err != nil {
		return 0, fmt.Errorf("keepalive c2s: %w", err)
	}
	return int64(c2s[1].varint), nil
}

// MarshalKeepAliveResponse Response{retType, retMsg, errCode, s2c=4{time=1}}
func MarshalKeepAliveResponse(st ResponseStatus, unix int64) []byte {
	b := appendStatus(nil, st)
	s2c := appendVarintField(nil, 1, uint64(unix))
	return appendBytesField(b, 4, s2c)
}

// ParseKeepAliveResponse 返回应答状态与服务端时间
func ParseKeepAliveResponse(body []byte) (ResponseStatus, int64, error) {
	top, err := decodeFields(body)
	if err != nil {
		return ResponseStatus{RetType: retDefault}, 0, err
	}
	st := statusFrom(top)
	f, ok := top[4]
	if !ok {
		return st, 0, nil
	}
	s2c, err := decodeFields(f.bytes)
	if err != nil {
		return st, 0, fmt.Errorf("keepalive s2c: %w", err)
	}
	return st, int64(s2c[1].varint), nil
}
