package highway

import (
	"net"
	"testing"
	"time"

	"github.com/faanross/myotun/internal/dnsproto"
)

// startEchoServer answers every incoming UDP datagram with a minimal DNS
// response stamped with the same header id, so a lane's "send, await
// response" cycle can be exercised end to end.
func startEchoServer(t *testing.T) (addr string, stop func()) {
	t.Helper()
	conn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	if err != nil {
		t.Fatalf("ListenUDP: %v", err)
	}
	done := make(chan struct{})
	go func() {
		buf := make([]byte, 2048)
		for {
			conn.SetReadDeadline(time.Now().Add(5 * time.Second))
			n, from, err := conn.ReadFromUDP(buf)
			if err != nil {
				return
			}
			msg, err := dnsproto.DecodeMessage(buf[:n])
			if err != nil {
				continue
			}
			msg.Header.IsResponse = true
			raw, err := dnsproto.Encode(msg)
			if err != nil {
				continue
			}
			conn.WriteToUDP(raw, from)
		}
	}()
	return conn.LocalAddr().String(), func() { close(done); conn.Close() }
}

func TestHighwaySendReceivesResponse(t *testing.T) {
	addr, stop := startEchoServer(t)
	defer stop()

	h, events := Open(addr, 2)
	if h.NumLanes() != 2 {
		t.Fatalf("NumLanes = %d, want 2", h.NumLanes())
	}

	host := dnsproto.MustDomain("tun.example.com")
	msg := dnsproto.Message{
		Header:    dnsproto.Header{QuestionCount: 1, Opcode: dnsproto.OpcodeQuery},
		Questions: []dnsproto.Question{{Domain: host, Type: dnsproto.RecordTypeA, Class: dnsproto.RecordClassIN}},
	}
	h.Send(0, msg, 0, 2*time.Second)

	select {
	case ev := <-events:
		if ev.Kind != EventResponse {
			t.Fatalf("event = %v, want EventResponse", ev)
		}
		if !ev.Response.Header.IsResponse {
			t.Errorf("response header IsResponse = false")
		}
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for a lane event")
	}
}

func TestHighwayTimeoutWhenServerSilent(t *testing.T) {
	// Bind a socket that never replies, so the lane's own max_time fires.
	conn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	if err != nil {
		t.Fatalf("ListenUDP: %v", err)
	}
	defer conn.Close()

	h, events := Open(conn.LocalAddr().String(), 1)
	host := dnsproto.MustDomain("tun.example.com")
	msg := dnsproto.Message{
		Header:    dnsproto.Header{QuestionCount: 1, Opcode: dnsproto.OpcodeQuery},
		Questions: []dnsproto.Question{{Domain: host, Type: dnsproto.RecordTypeA, Class: dnsproto.RecordClassIN}},
	}
	h.Send(0, msg, 0, 100*time.Millisecond)

	select {
	case ev := <-events:
		if ev.Kind != EventTimeout {
			t.Fatalf("event = %v, want EventTimeout", ev)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for a lane event")
	}
}
