package relay

import (
	"context"
	"encoding/json"
	"errors"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/hongjun500/opend-go/internal/protocol"
)

func dialRelay(t *testing.T, srv *httptest.Server, query string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/" + query
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func waitClients(t *testing.T, r *Relay, n int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for r.Clients() != n {
		if time.Now().After(deadline) {
			t.Fatalf("clients = %d, want %d", r.Clients(), n)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func readEvent(t *testing.T, conn *websocket.Conn) Event {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	var ev Event
	if err := json.Unmarshal(data, &ev); err != nil {
		t.Fatalf("decode: %v", err)
	}
	return ev
}

func TestRelay_FiltersByProto(t *testing.T) {
	r := New(Options{})
	srv := httptest.NewServer(r)
	defer srv.Close()
	defer r.Close()

	all := dialRelay(t, srv, "")
	quotes := dialRelay(t, srv, "?proto=3005")
	waitClients(t, r, 2)

	if n := r.Publish(protocol.Message{ProtoID: protocol.ProtoTrdUpdateOrder, SerialNo: 1, Body: []byte("order")}); n != 1 {
		t.Fatalf("sent = %d, want 1", n)
	}
	if n := r.Publish(protocol.Message{ProtoID: protocol.ProtoQotUpdateBasicQot, SerialNo: 2, Body: []byte("quote")}); n != 2 {
		t.Fatalf("sent = %d, want 2", n)
	}

	if ev := readEvent(t, all); ev.ProtoID != protocol.ProtoTrdUpdateOrder || string(ev.Body) != "order" {
		t.Fatalf("all[0] = %+v", ev)
	}
	if ev := readEvent(t, all); ev.ProtoID != protocol.ProtoQotUpdateBasicQot {
		t.Fatalf("all[1] = %+v", ev)
	}
	ev := readEvent(t, quotes)
	if ev.ProtoID != protocol.ProtoQotUpdateBasicQot || ev.Proto != "Qot_UpdateBasicQot" || string(ev.Body) != "quote" {
		t.Fatalf("quotes[0] = %+v", ev)
	}
}

type sliceSource struct {
	msgs []protocol.Message
}

var errDrained = errors.New("drained")

func (s *sliceSource) Next(ctx context.Context) (protocol.Message, error) {
	if len(s.msgs) == 0 {
		return protocol.Message{}, errDrained
	}
	m := s.msgs[0]
	s.msgs = s.msgs[1:]
	return m, nil
}

func TestRelay_PumpAndClose(t *testing.T) {
	r := New(Options{})
	srv := httptest.NewServer(r)
	defer srv.Close()

	conn := dialRelay(t, srv, "")
	waitClients(t, r, 1)

	src := &sliceSource{msgs: []protocol.Message{
		{ProtoID: 3011, Body: []byte("t1")},
		{ProtoID: 3011, Body: []byte("t2")},
	}}
	if err := r.Pump(context.Background(), src); !errors.Is(err, errDrained) {
		t.Fatalf("pump = %v", err)
	}
	for _, want := range []string{"t1", "t2"} {
		if ev := readEvent(t, conn); string(ev.Body) != want {
			t.Fatalf("got %q, want %q", ev.Body, want)
		}
	}

	r.Close()
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, _, err := conn.ReadMessage(); err == nil {
		t.Fatalf("expected close after relay shutdown")
	}
	if r.Clients() != 0 {
		t.Fatalf("clients = %d", r.Clients())
	}
}

func TestParseProtos(t *testing.T) {
	got := parseProtos("3005, 3011,bogus,")
	if len(got) != 2 || !got[3005] || !got[3011] {
		t.Fatalf("parseProtos = %v", got)
	}
	if parseProtos("") != nil {
		t.Fatalf("empty query should accept all")
	}
}
