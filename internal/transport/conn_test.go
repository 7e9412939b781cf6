package transport

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/hongjun500/opend-go/internal/mockgw"
	"github.com/hongjun500/opend-go/internal/protocol"
)

const testAESKey = "0123456789abcdef"

func startGateway(t *testing.T, opt mockgw.Options) *mockgw.Server {
	t.Helper()
	gw, err := mockgw.Listen("127.0.0.1:0", opt)
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	t.Cleanup(func() { _ = gw.Close() })
	return gw
}

func dial(t *testing.T, gw *mockgw.Server) *Conn {
	t.Helper()
	c, err := Dial(context.Background(), gw.Addr(), Options{RequestTimeout: 2 * time.Second})
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func dialEstablished(t *testing.T, gw *mockgw.Server, id Identity) *Conn {
	t.Helper()
	c := dial(t, gw)
	if _, err := c.Handshake(context.Background(), id, 2*time.Second); err != nil {
		t.Fatalf("handshake: %v", err)
	}
	return c
}

func nextRequest(t *testing.T, gw *mockgw.Server) *mockgw.Request {
	t.Helper()
	select {
	case r := <-gw.Requests():
		return r
	case <-time.After(2 * time.Second):
		t.Fatalf("gateway received no request")
		return nil
	}
}

func waitClosed(t *testing.T, c *Conn) {
	t.Helper()
	select {
	case <-c.Done():
	case <-time.After(2 * time.Second):
		t.Fatalf("connection still open")
	}
}

func TestConn_HandshakeThenRequest(t *testing.T) {
	gw := startGateway(t, mockgw.Options{ServerVer: 800, LoginUserID: 42, KeepAliveInterval: 10})
	c := dial(t, gw)

	if c.State() != HandshakeUnauthenticated {
		t.Fatalf("state = %s", c.State())
	}
	info, err := c.Handshake(context.Background(), Identity{ClientID: "test", ClientVer: 100}, time.Second)
	if err != nil {
		t.Fatalf("handshake: %v", err)
	}
	if info.State != HandshakeEstablished || info.ServerVer != 800 || info.LoginUserID != 42 {
		t.Fatalf("info = %+v", info)
	}
	if info.KeepAliveInterval != 10*time.Second {
		t.Errorf("keepalive = %s", info.KeepAliveInterval)
	}
	if info.Encrypted {
		t.Errorf("encryption enabled without request")
	}

	type reply struct {
		msg protocol.Message
		err error
	}
	done := make(chan reply, 1)
	go func() {
		m, err := c.Call(context.Background(), protocol.ProtoQotGetBasicQot, []byte("P"), time.Second)
		done <- reply{m, err}
	}()

	req := nextRequest(t, gw)
	// 握手占用了流水号 1
	if req.SerialNo != 2 || req.ProtoID != protocol.ProtoQotGetBasicQot || string(req.Body) != "P" {
		t.Fatalf("request = proto %d serial %d body %q", req.ProtoID, req.SerialNo, req.Body)
	}
	if err := req.Reply([]byte("Q")); err != nil {
		t.Fatalf("reply: %v", err)
	}
	r := <-done
	if r.err != nil {
		t.Fatalf("call: %v", r.err)
	}
	if string(r.msg.Body) != "Q" || r.msg.SerialNo != 2 {
		t.Fatalf("response = serial %d body %q", r.msg.SerialNo, r.msg.Body)
	}
}

func TestConn_NotReadyBeforeHandshake(t *testing.T) {
	gw := startGateway(t, mockgw.Options{})
	c := dial(t, gw)
	_, err := c.Call(context.Background(), protocol.ProtoQotGetBasicQot, nil, time.Second)
	if !errors.Is(err, ErrNotReady) {
		t.Fatalf("err = %v, want ErrNotReady", err)
	}
	if c.Pending() != 0 {
		t.Fatalf("pending = %d", c.Pending())
	}
}

func TestConn_HandshakeRejected(t *testing.T) {
	gw := startGateway(t, mockgw.Options{InitRetType: -1, InitRetMsg: "client version too old"})
	c := dial(t, gw)
	_, err := c.Handshake(context.Background(), Identity{ClientVer: 1}, time.Second)
	if !errors.Is(err, ErrHandshakeFailed) {
		t.Fatalf("err = %v, want ErrHandshakeFailed", err)
	}
	if c.State() != HandshakeFailed {
		t.Fatalf("state = %s", c.State())
	}
	waitClosed(t, c)
	if _, err := c.Handshake(context.Background(), Identity{}, time.Second); !errors.Is(err, ErrHandshakeFailed) {
		t.Fatalf("second handshake: %v", err)
	}
}

func TestConn_HandshakeAckMatchedBySerial(t *testing.T) {
	gw := startGateway(t, mockgw.Options{})
	gw.Handle(protocol.ProtoInitConnect, func(req *mockgw.Request) {
		_ = req.ReplyAs(protocol.ProtoGetGlobalState, nil)
	})
	c := dial(t, gw)
	_, err := c.Handshake(context.Background(), Identity{}, time.Second)
	// 同流水号的帧即为应答；空包体没有 s2c，握手失败而不是超时
	if !errors.Is(err, ErrHandshakeFailed) {
		t.Fatalf("err = %v, want ErrHandshakeFailed", err)
	}
	if errors.Is(err, ErrTimeout) {
		t.Fatalf("ack was not matched by serial: %v", err)
	}
}

func TestConn_ReplyWithOtherProtoReachesCaller(t *testing.T) {
	gw := startGateway(t, mockgw.Options{})
	c := dialEstablished(t, gw, Identity{})
	s := c.Subscribe(protocol.ProtoGetGlobalState)
	defer s.Close()

	type reply struct {
		msg protocol.Message
		err error
	}
	done := make(chan reply, 1)
	go func() {
		m, err := c.Call(context.Background(), protocol.ProtoQotGetBasicQot, nil, time.Second)
		done <- reply{m, err}
	}()
	req := nextRequest(t, gw)
	if err := req.ReplyAs(protocol.ProtoGetGlobalState, []byte("R")); err != nil {
		t.Fatalf("reply: %v", err)
	}
	r := <-done
	if r.err != nil {
		t.Fatalf("call: %v", r.err)
	}
	if r.msg.ProtoID != protocol.ProtoGetGlobalState || string(r.msg.Body) != "R" {
		t.Fatalf("msg = proto %d body %q", r.msg.ProtoID, r.msg.Body)
	}
	if s.Len() != 0 {
		t.Fatalf("response leaked to push subscriber")
	}
}

func TestConn_TimeoutThenLateReplyDiscarded(t *testing.T) {
	gw := startGateway(t, mockgw.Options{})
	c := dialEstablished(t, gw, Identity{})

	errc := make(chan error, 1)
	go func() {
		_, err := c.Call(context.Background(), protocol.ProtoQotGetKL, []byte("a"), 50*time.Millisecond)
		errc <- err
	}()
	first := nextRequest(t, gw)
	if err := <-errc; !errors.Is(err, ErrTimeout) {
		t.Fatalf("err = %v, want ErrTimeout", err)
	}
	if c.Pending() != 0 {
		t.Fatalf("pending = %d after eviction", c.Pending())
	}
	_ = first.Reply([]byte("late"))

	got := make(chan []byte, 1)
	go func() {
		m, err := c.Call(context.Background(), protocol.ProtoQotGetKL, []byte("b"), time.Second)
		if err != nil {
			got <- []byte(err.Error())
			return
		}
		got <- m.Body
	}()
	second := nextRequest(t, gw)
	if second.SerialNo == first.SerialNo {
		t.Fatalf("serial reused while late reply in flight")
	}
	_ = second.Reply([]byte("fresh"))
	if b := <-got; string(b) != "fresh" {
		t.Fatalf("second call got %q", b)
	}
	select {
	case <-c.Done():
		t.Fatalf("connection closed by late reply: %v", c.Err())
	default:
	}
}

func TestConn_ConcurrentCorrelation(t *testing.T) {
	gw := startGateway(t, mockgw.Options{Echo: true})
	c := dialEstablished(t, gw, Identity{})

	const n = 64
	var wg sync.WaitGroup
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			body := []byte(fmt.Sprintf("req-%d", i))
			m, err := c.Call(context.Background(), protocol.ProtoQotGetSecuritySnapshot, body, 2*time.Second)
			if err != nil {
				errs <- err
				return
			}
			if !bytes.Equal(m.Body, body) {
				errs <- fmt.Errorf("call %d got %q", i, m.Body)
			}
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Error(err)
	}
	if c.Pending() != 0 {
		t.Fatalf("pending = %d", c.Pending())
	}
}

func TestConn_EncryptedRoundTrip(t *testing.T) {
	gw := startGateway(t, mockgw.Options{AESKey: testAESKey, Echo: true})
	c := dialEstablished(t, gw, Identity{Encrypt: true})
	if !c.Session().Encrypted {
		t.Fatalf("session not encrypted")
	}
	for _, body := range [][]byte{nil, []byte("x"), bytes.Repeat([]byte{7}, 16), bytes.Repeat([]byte{9}, 1000)} {
		m, err := c.Call(context.Background(), protocol.ProtoTrdGetFunds, body, time.Second)
		if err != nil {
			t.Fatalf("call(%d bytes): %v", len(body), err)
		}
		if !bytes.Equal(m.Body, body) {
			t.Fatalf("echo mismatch for %d bytes", len(body))
		}
	}
}

func TestConn_EncryptedPushRightAfterAck(t *testing.T) {
	body := bytes.Repeat([]byte{'w'}, 21)
	gw := startGateway(t, mockgw.Options{
		AESKey:         testAESKey,
		WelcomeProtoID: protocol.ProtoNotify,
		WelcomeBody:    body,
	})
	c := dial(t, gw)
	s := c.Subscribe(protocol.ProtoNotify)
	defer s.Close()
	if _, err := c.Handshake(context.Background(), Identity{Encrypt: true}, 2*time.Second); err != nil {
		t.Fatalf("handshake: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	m, err := s.Next(ctx)
	if err != nil {
		t.Fatalf("next: %v", err)
	}
	if !bytes.Equal(m.Body, body) {
		t.Fatalf("body = %q", m.Body)
	}
	if !c.Session().Encrypted {
		t.Fatalf("session downgraded")
	}
}

func TestConn_PlaintextPushDowngradesSession(t *testing.T) {
	gw := startGateway(t, mockgw.Options{AESKey: testAESKey})
	c := dialEstablished(t, gw, Identity{Encrypt: true})
	s := c.Subscribe(protocol.ProtoQotUpdateBasicQot)
	defer s.Close()

	body := bytes.Repeat([]byte{'q'}, 37)
	gw.Inject(protocol.NewSealer().Seal(&protocol.Message{ProtoID: protocol.ProtoQotUpdateBasicQot, SerialNo: 9, Body: body}))

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	m, err := s.Next(ctx)
	if err != nil {
		t.Fatalf("next: %v", err)
	}
	if !bytes.Equal(m.Body, body) {
		t.Fatalf("body = %q", m.Body)
	}
	if c.Session().Encrypted {
		t.Fatalf("session still encrypted after plaintext frame")
	}
}

func TestConn_PushFanOut(t *testing.T) {
	gw := startGateway(t, mockgw.Options{})
	c := dialEstablished(t, gw, Identity{})
	a := c.Subscribe(protocol.ProtoQotUpdateTicker)
	b := c.Subscribe(protocol.ProtoQotUpdateTicker)

	gw.Push(protocol.ProtoQotUpdateTicker, []byte("t1"))
	gw.Push(protocol.ProtoQotUpdateTicker, []byte("t2"))

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	for _, s := range []*PushStream{a, b} {
		for _, want := range []string{"t1", "t2"} {
			m, err := s.Next(ctx)
			if err != nil {
				t.Fatalf("next: %v", err)
			}
			if string(m.Body) != want {
				t.Fatalf("got %q, want %q", m.Body, want)
			}
		}
	}
}

func TestConn_IntegrityErrorsDiscardThenDrop(t *testing.T) {
	gw := startGateway(t, mockgw.Options{})
	c := dialEstablished(t, gw, Identity{})
	s := c.Subscribe(protocol.ProtoNotify)

	bad := func() *protocol.Frame {
		f := protocol.NewSealer().Seal(&protocol.Message{ProtoID: protocol.ProtoNotify, Body: []byte("tampered")})
		f.Header.BodySHA1[0] ^= 0xff
		return f
	}

	gw.Inject(bad())
	gw.Push(protocol.ProtoNotify, []byte("good"))
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	m, err := s.Next(ctx)
	if err != nil || string(m.Body) != "good" {
		t.Fatalf("next = %q, %v", m.Body, err)
	}

	for i := 0; i < 3; i++ {
		gw.Inject(bad())
	}
	waitClosed(t, c)
	if !errors.Is(c.Err(), ErrConnectionLost) || !errors.Is(c.Err(), protocol.ErrIntegrity) {
		t.Fatalf("err = %v", c.Err())
	}
}

func TestConn_BadMagicDropsConnection(t *testing.T) {
	gw := startGateway(t, mockgw.Options{})
	c := dialEstablished(t, gw, Identity{})
	s := c.Subscribe(protocol.ProtoNotify)

	gw.WriteRaw(make([]byte, protocol.HeaderSize))
	waitClosed(t, c)
	if !errors.Is(c.Err(), ErrConnectionLost) || !errors.Is(c.Err(), protocol.ErrFraming) {
		t.Fatalf("err = %v", c.Err())
	}
	if _, err := s.Next(context.Background()); !errors.Is(err, ErrConnectionLost) {
		t.Fatalf("stream err = %v", err)
	}
}

func TestConn_PeerCloseFailsPending(t *testing.T) {
	gw := startGateway(t, mockgw.Options{})
	c := dialEstablished(t, gw, Identity{})

	errc := make(chan error, 1)
	go func() {
		_, err := c.Call(context.Background(), protocol.ProtoTrdPlaceOrder, nil, time.Minute)
		errc <- err
	}()
	nextRequest(t, gw)
	gw.DropConnections()

	select {
	case err := <-errc:
		if !errors.Is(err, ErrConnectionLost) {
			t.Fatalf("err = %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("pending request not failed")
	}
}

func TestConn_CloseIsIdempotent(t *testing.T) {
	gw := startGateway(t, mockgw.Options{})
	c := dialEstablished(t, gw, Identity{})
	s := c.Subscribe(protocol.ProtoNotify)

	errc := make(chan error, 1)
	go func() {
		_, err := c.Call(context.Background(), protocol.ProtoTrdGetAccList, nil, time.Minute)
		errc <- err
	}()
	nextRequest(t, gw)

	for i := 0; i < 3; i++ {
		if err := c.Close(); err != nil {
			t.Fatalf("close #%d: %v", i, err)
		}
	}
	if err := <-errc; !errors.Is(err, ErrConnectionLost) {
		t.Fatalf("pending err = %v", err)
	}
	if !errors.Is(s.Err(), ErrConnectionLost) {
		t.Fatalf("stream err = %v", s.Err())
	}
	if _, err := c.Call(context.Background(), protocol.ProtoTrdGetAccList, nil, time.Second); !errors.Is(err, ErrConnectionLost) {
		t.Fatalf("call after close: %v", err)
	}
}

func TestConn_BodyTooLarge(t *testing.T) {
	gw := startGateway(t, mockgw.Options{})
	c, err := Dial(context.Background(), gw.Addr(), Options{MaxBodySize: 64})
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer c.Close()
	if _, err := c.Handshake(context.Background(), Identity{}, time.Second); err != nil {
		t.Fatalf("handshake: %v", err)
	}
	_, err = c.Call(context.Background(), protocol.ProtoTrdPlaceOrder, make([]byte, 65), time.Second)
	if !errors.Is(err, ErrBodyTooLarge) {
		t.Fatalf("err = %v", err)
	}
	if c.Pending() != 0 {
		t.Fatalf("oversize request left pending")
	}
}

func TestDial_Refused(t *testing.T) {
	gw := startGateway(t, mockgw.Options{})
	addr := gw.Addr()
	_ = gw.Close()
	_, err := Dial(context.Background(), addr, Options{DialTimeout: 500 * time.Millisecond})
	if !errors.Is(err, ErrConnect) {
		t.Fatalf("err = %v, want ErrConnect", err)
	}
}
