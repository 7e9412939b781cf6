package transport

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/hongjun500/opend-go/internal/protocol"
)

func TestDispatcher_PendingWinsOverSubscriber(t *testing.T) {
	reg := NewRegistry()
	d := NewDispatcher(reg, nil)
	s := d.Subscribe(3005)
	defer s.Close()

	tk, _ := reg.Register(3005, time.Minute)
	if got := d.Dispatch(protocol.Message{ProtoID: 3005, SerialNo: tk.Serial, Body: []byte("resp")}); got != RouteResponse {
		t.Fatalf("route = %s, want response", got)
	}
	if s.Len() != 0 {
		t.Fatalf("subscriber saw a response")
	}
	if got := d.Dispatch(protocol.Message{ProtoID: 3005, SerialNo: 999, Body: []byte("push")}); got != RoutePush {
		t.Fatalf("route = %s, want push", got)
	}
	m, err := s.Next(context.Background())
	if err != nil || string(m.Body) != "push" {
		t.Fatalf("next = %q, %v", m.Body, err)
	}
}

func TestDispatcher_SerialWinsOverProtoID(t *testing.T) {
	reg := NewRegistry()
	d := NewDispatcher(reg, nil)
	s := d.Subscribe(protocol.ProtoInitConnect)
	defer s.Close()

	tk, _ := reg.Register(3004, time.Minute)
	got := d.Dispatch(protocol.Message{ProtoID: protocol.ProtoInitConnect, SerialNo: tk.Serial, Body: []byte("r")})
	if got != RouteResponse {
		t.Fatalf("route = %s, want response", got)
	}
	if s.Len() != 0 {
		t.Fatalf("subscriber saw a response")
	}
	m, err := tk.Wait(context.Background())
	if err != nil {
		t.Fatalf("wait: %v", err)
	}
	if m.ProtoID != protocol.ProtoInitConnect || string(m.Body) != "r" {
		t.Fatalf("msg = proto %d body %q", m.ProtoID, m.Body)
	}
}

func TestDispatcher_FanOutInOrder(t *testing.T) {
	d := NewDispatcher(NewRegistry(), nil)
	a := d.Subscribe(3005)
	b := d.Subscribe(3005)
	defer a.Close()
	defer b.Close()

	for _, body := range []string{"p1", "p2", "p3"} {
		d.Dispatch(protocol.Message{ProtoID: 3005, Body: []byte(body)})
	}
	for _, s := range []*PushStream{a, b} {
		for _, want := range []string{"p1", "p2", "p3"} {
			m, err := s.Next(context.Background())
			if err != nil {
				t.Fatalf("next: %v", err)
			}
			if string(m.Body) != want {
				t.Fatalf("got %q, want %q", m.Body, want)
			}
		}
	}
}

func TestDispatcher_SubscribersGetIndependentBodies(t *testing.T) {
	d := NewDispatcher(NewRegistry(), nil)
	a := d.Subscribe(3005)
	b := d.Subscribe(3005)
	d.Dispatch(protocol.Message{ProtoID: 3005, Body: []byte("abc")})

	ma, _ := a.Next(context.Background())
	mb, _ := b.Next(context.Background())
	ma.Body[0] = 'X'
	if string(mb.Body) != "abc" {
		t.Fatalf("bodies share memory: %q", mb.Body)
	}
}

func TestDispatcher_Unmatched(t *testing.T) {
	d := NewDispatcher(NewRegistry(), nil)
	if got := d.Dispatch(protocol.Message{ProtoID: 3011, SerialNo: 7}); got != RouteUnmatched {
		t.Fatalf("route = %s, want unmatched", got)
	}
}

func TestDispatcher_ClosedStreamPruned(t *testing.T) {
	d := NewDispatcher(NewRegistry(), nil)
	s := d.Subscribe(3005)
	if d.Subscribers(3005) != 1 {
		t.Fatalf("subscribers = %d", d.Subscribers(3005))
	}
	_ = s.Close()
	_ = s.Close()
	if d.Subscribers(3005) != 0 {
		t.Fatalf("closed stream still registered")
	}
	if got := d.Dispatch(protocol.Message{ProtoID: 3005}); got != RouteUnmatched {
		t.Fatalf("route = %s", got)
	}
	if _, err := s.Next(context.Background()); !errors.Is(err, ErrStreamClosed) {
		t.Fatalf("err = %v, want ErrStreamClosed", err)
	}
}

func TestDispatcher_CloseTerminatesStreams(t *testing.T) {
	d := NewDispatcher(NewRegistry(), nil)
	s := d.Subscribe(3005)
	d.Dispatch(protocol.Message{ProtoID: 3005, Body: []byte("queued")})

	d.Close(ErrConnectionLost)
	select {
	case <-s.Done():
	case <-time.After(time.Second):
		t.Fatalf("stream not terminated")
	}
	// 终止后不再交付队列中的推送
	if _, err := s.Next(context.Background()); !errors.Is(err, ErrConnectionLost) {
		t.Fatalf("err = %v", err)
	}
	late := d.Subscribe(3005)
	if !errors.Is(late.Err(), ErrConnectionLost) {
		t.Fatalf("subscribe after close: %v", late.Err())
	}
}

func TestPushStream_NextBlocksUntilPush(t *testing.T) {
	d := NewDispatcher(NewRegistry(), nil)
	s := d.Subscribe(3005)
	defer s.Close()

	got := make(chan string, 1)
	go func() {
		m, err := s.Next(context.Background())
		if err != nil {
			got <- "err: " + err.Error()
			return
		}
		got <- string(m.Body)
	}()
	d.Dispatch(protocol.Message{ProtoID: 3005, Body: []byte("late")})
	select {
	case v := <-got:
		if v != "late" {
			t.Fatalf("got %q", v)
		}
	case <-time.After(time.Second):
		t.Fatalf("next did not wake up")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	if _, err := s.Next(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("err = %v", err)
	}
}

func TestPushStream_All(t *testing.T) {
	d := NewDispatcher(NewRegistry(), nil)
	s := d.Subscribe(3005)
	for _, b := range []string{"a", "b", "c"} {
		d.Dispatch(protocol.Message{ProtoID: 3005, Body: []byte(b)})
	}
	var seen []string
	for m := range s.All(context.Background()) {
		seen = append(seen, string(m.Body))
		if len(seen) == 3 {
			break
		}
	}
	if len(seen) != 3 || seen[0] != "a" || seen[2] != "c" {
		t.Fatalf("seen = %v", seen)
	}
	_ = s.Close()
	for range s.All(context.Background()) {
		t.Fatalf("closed stream yielded")
	}
}
