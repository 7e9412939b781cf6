package protocol

import (
	"errors"
	"fmt"
)

// 加密算法取值
const (
	EncAlgoNone   int32 = -1
	EncAlgoAESECB int32 = 0
)

// InitConnectRequest 握手请求 C2S
type InitConnectRequest struct {
	ClientVer           int32
	ClientID            string
	RecvNotify          bool
	PacketEncAlgo       int32
	PushProtoFmt        int32
	ProgrammingLanguage string
}

// Marshal Request{c2s=1}
func (r *InitConnectRequest) Marshal() []byte {
	var c2s []byte
	c2s = appendInt32Field(c2s, 1, r.ClientVer)
	c2s = appendStringField(c2s, 2, r.ClientID)
	c2s = appendBoolField(c2s, 3, r.RecvNotify)
	c2s = appendInt32Field(c2s, 4, r.PacketEncAlgo)
	c2s = appendInt32Field(c2s, 5, r.PushProtoFmt)
	if r.ProgrammingLanguage != "" {
		c2s = appendStringField(c2s, 6, r.ProgrammingLanguage)
	}
	return appendBytesField(nil, 1, c2s)
}

// ParseInitConnectRequest 网关侧（及测试）解析握手请求
func ParseInitConnectRequest(body []byte) (*InitConnectRequest, error) {
	top, err := decodeFields(body)
	if err != nil {
		return nil, err
	}
	f, ok := top[1]
	if !ok {
		return nil, errors.New("initconnect: missing c2s")
	}
	c2s, err := decodeFields(f.bytes)
	if err != nil {
		return nil, fmt.Errorf("initconnect c2s: %w", err)
	}
	return &InitConnectRequest{
		ClientVer:           int32(c2s[1].varint),
		ClientID:            string(c2s[2].bytes),
		RecvNotify:          c2s[3].varint != 0,
		PacketEncAlgo:       int32(c2s[4].varint),
		PushProtoFmt:        int32(c2s[5].varint),
		ProgrammingLanguage: string(c2s[6].bytes),
	}, nil
}

// InitConnectResponse 握手应答
type InitConnectResponse struct {
	ResponseStatus
	HasS2C            bool
	ServerVer         int32
	LoginUserID       uint64
	ConnID            uint64
	ConnAESKey        string
	KeepAliveInterval int32
}

// Marshal Response{retType=1, retMsg=2, errCode=3, s2c=4}
func (r *InitConnectResponse) Marshal() []byte {
	b := appendStatus(nil, r.ResponseStatus)
	if !r.HasS2C {
		return b
	}
	var s2c []byte
	s2c = appendInt32Field(s2c, 1, r.ServerVer)
	s2c = appendVarintField(s2c, 2, r.LoginUserID)
	s2c = appendVarintField(s2c, 3, r.ConnID)
	s2c = appendStringField(s2c, 4, r.ConnAESKey)
	s2c = appendInt32Field(s2c, 5, r.KeepAliveInterval)
	return appendBytesField(b, 4, s2c)
}

// ParseInitConnectResponse 解析握手应答；retType 非 0 不视为解析错误，由调用方判断
func ParseInitConnectResponse(body []byte) (*InitConnectResponse, error) {
	top, err := decodeFields(body)
	if err != nil {
		return nil, err
	}
	resp := &InitConnectResponse{ResponseStatus: statusFrom(top)}
	f, ok := top[4]
	if !ok {
		return resp, nil
	}
	s2c, err := decodeFields(f.bytes)
	if err != nil {
		return nil, fmt.Errorf("initconnect s2c: %w", err)
	}
	resp.HasS2C = true
	resp.ServerVer = int32(s2c[1].varint)
	resp.LoginUserID = s2c[2].varint
	resp.ConnID = s2c[3].varint
	resp.ConnAESKey = string(s2c[4].bytes)
	resp.KeepAliveInterval = int32(s2c[5].varint)
	return resp, nil
}
