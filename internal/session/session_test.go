package session

import (
	"net"
	"strconv"
	"testing"
	"time"

	"github.com/faanross/myotun/internal/dnsproto"
	"github.com/faanross/myotun/internal/establish"
	"github.com/faanross/myotun/internal/namecode"
	"github.com/faanross/myotun/internal/recordcode"
	"github.com/faanross/myotun/internal/wire"
	"github.com/faanross/myotun/internal/wwr"
	"github.com/faanross/myotun/internal/xfer"
)

// startTargetEcho listens on a local TCP port and echoes every byte it
// receives back to the dialer, standing in for the real service a session
// proxies to.
func startTargetEcho(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		buf := make([]byte, 256)
		for {
			n, err := conn.Read(buf)
			if n > 0 {
				conn.Write(buf[:n])
			}
			if err != nil {
				return
			}
		}
	}()
	t.Cleanup(func() { ln.Close() })
	return ln.Addr().String()
}

func decodeRawTXT(t *testing.T, body dnsproto.RecordBody) []byte {
	t.Helper()
	code, _ := recordcode.Lookup(dnsproto.RecordTypeTXT, "raw")
	data, err := code.DecodeBody(body)
	if err != nil {
		t.Fatalf("DecodeBody: %v", err)
	}
	return data
}

func TestRouterEstablishThenXferRoundTrip(t *testing.T) {
	targetAddr := startTargetEcho(t)
	targetHost, targetPortStr, err := net.SplitHostPort(targetAddr)
	if err != nil {
		t.Fatalf("split target addr: %v", err)
	}
	targetPort, err := strconv.ParseUint(targetPortStr, 10, 16)
	if err != nil {
		t.Fatalf("parse target port: %v", err)
	}

	zone := dnsproto.MustDomain("tun.example.com")
	router := NewRouter(zone, "hunter2", 30, time.Second, time.Minute)

	now := uint64(time.Now().Unix())
	establishQuery := establish.Query{
		ResponseEncoding: "raw",
		MTU:              120,
		NameEncoding:     "b16",
		QueryWindow:      8,
		ResponseWindow:   8,
		Proof:            establish.PasswordProof("hunter2", now),
		Port:             uint16(targetPort),
		TargetHost:       dnsproto.MustDomain(targetHost),
	}
	domain, err := establishQuery.ToDomain(zone)
	if err != nil {
		t.Fatalf("ToDomain: %v", err)
	}
	establishMsg := dnsproto.Message{
		Header:    dnsproto.Header{QuestionCount: 1, Opcode: dnsproto.OpcodeQuery},
		Questions: []dnsproto.Question{{Domain: domain, Type: dnsproto.RecordTypeTXT, Class: dnsproto.RecordClassIN}},
	}

	establishResp, err := router.HandleMessage(establishMsg)
	if err != nil {
		t.Fatalf("HandleMessage(establish): %v", err)
	}
	if len(establishResp.Answers) != 1 {
		t.Fatalf("establish response has %d answers, want 1", len(establishResp.Answers))
	}

	rawBody := decodeRawTXT(t, establishResp.Answers[0].Body)
	result, err := establish.DecodeResponse(wire.NewDecoder(rawBody))
	if err != nil {
		t.Fatalf("DecodeResponse: %v", err)
	}
	if result.Tag != establish.ResponseSuccess {
		t.Fatalf("establish failed: %+v", result)
	}
	defer func() {
		for _, s := range router.sessions {
			s.Close()
		}
	}()

	apiCode, body := xfer.EncodeClientQuery(xfer.ClientQuery{
		SessionID: result.SessionID,
		Packet: xfer.Packet{
			Ack:      wwr.Ack{WindowStart: result.Seq, WindowMask: make([]bool, 7)},
			Chunk:    wwr.Chunk{Seq: result.Seq, Data: []byte("ping")},
			HasChunk: true,
		},
	}, 0)

	nc, ok := namecode.Lookup("b16")
	if !ok {
		t.Fatalf("b16 name code not registered")
	}
	xferDomain, err := namecode.EncodeDomain(nc, apiCode, result.SessionID, body, zone)
	if err != nil {
		t.Fatalf("encoding xfer domain: %v", err)
	}
	xferMsg := dnsproto.Message{
		Header:    dnsproto.Header{QuestionCount: 1, Opcode: dnsproto.OpcodeQuery},
		Questions: []dnsproto.Question{{Domain: xferDomain, Type: dnsproto.RecordTypeTXT, Class: dnsproto.RecordClassIN}},
	}

	deadline := time.Now().Add(2 * time.Second)
	var gotEcho bool
	for time.Now().Before(deadline) {
		xferResp, err := router.HandleMessage(xferMsg)
		if err != nil {
			t.Fatalf("HandleMessage(xfer): %v", err)
		}
		if len(xferResp.Answers) != 1 {
			t.Fatalf("xfer response has %d answers, want 1", len(xferResp.Answers))
		}
		packet, err := xfer.DecodeResponsePacket(wire.NewDecoder(decodeRawTXT(t, xferResp.Answers[0].Body)), establishQuery.QueryWindow)
		if err != nil {
			t.Fatalf("DecodeResponsePacket: %v", err)
		}
		if packet.HasChunk && string(packet.Chunk.Data) == "ping" {
			gotEcho = true
			break
		}
		time.Sleep(20 * time.Millisecond)
	}
	if !gotEcho {
		t.Fatalf("never observed the echoed chunk come back through the session")
	}
}
