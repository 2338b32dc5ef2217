package xfer

import (
	"bytes"
	"context"
	"net"
	"testing"
	"time"

	"github.com/faanross/myotun/internal/chunker"
	"github.com/faanross/myotun/internal/dnsproto"
	"github.com/faanross/myotun/internal/wire"
	"github.com/faanross/myotun/internal/wwr"
)

func TestAckRoundTrip(t *testing.T) {
	ack := wwr.Ack{WindowStart: 99, WindowMask: []bool{true, false, true, true, false, false, true}}
	e := wire.NewEncoder()
	EncodeAck(e, ack)
	got, err := DecodeAck(wire.NewDecoder(e.Bytes()), 8)
	if err != nil {
		t.Fatalf("DecodeAck: %v", err)
	}
	if got.WindowStart != ack.WindowStart {
		t.Errorf("WindowStart = %d, want %d", got.WindowStart, ack.WindowStart)
	}
	if len(got.WindowMask) != len(ack.WindowMask) {
		t.Fatalf("WindowMask len = %d, want %d", len(got.WindowMask), len(ack.WindowMask))
	}
	for i := range ack.WindowMask {
		if got.WindowMask[i] != ack.WindowMask[i] {
			t.Errorf("WindowMask[%d] = %v, want %v", i, got.WindowMask[i], ack.WindowMask[i])
		}
	}
}

func TestChunkRoundTrip(t *testing.T) {
	c := wwr.Chunk{Seq: 0xcafef00d, Data: []byte("hello myotun")}
	e := wire.NewEncoder()
	EncodeChunk(e, c)
	got, err := DecodeChunk(wire.NewDecoder(e.Bytes()))
	if err != nil {
		t.Fatalf("DecodeChunk: %v", err)
	}
	if got.Seq != c.Seq || !bytes.Equal(got.Data, c.Data) {
		t.Errorf("decoded = %+v, want %+v", got, c)
	}
}

func TestClientQueryRoundTripWithChunk(t *testing.T) {
	q := ClientQuery{
		SessionID: 7,
		Packet: Packet{
			Ack:      wwr.Ack{WindowStart: 3, WindowMask: []bool{false, true, false, true, true, false, true}},
			Chunk:    wwr.Chunk{Seq: 10, Data: []byte("payload")},
			HasChunk: true,
		},
	}
	apiCode, body := EncodeClientQuery(q, 0)
	if apiCode != apiChunk {
		t.Fatalf("apiCode = %c, want %c", apiCode, apiChunk)
	}
	decoded, err := DecodeClientQuery(apiCode, body, 8)
	if err != nil {
		t.Fatalf("DecodeClientQuery: %v", err)
	}
	if decoded.SessionID != q.SessionID || !decoded.Packet.HasChunk {
		t.Fatalf("decoded = %+v", decoded)
	}
	if decoded.Packet.Chunk.Seq != q.Packet.Chunk.Seq || !bytes.Equal(decoded.Packet.Chunk.Data, q.Packet.Chunk.Data) {
		t.Errorf("chunk mismatch: got %+v, want %+v", decoded.Packet.Chunk, q.Packet.Chunk)
	}
}

func TestClientQueryRoundTripPingOnly(t *testing.T) {
	q := ClientQuery{
		SessionID: 3,
		Packet:    Packet{Ack: wwr.Ack{WindowStart: 1, WindowMask: []bool{false, false, false, false, false, false, false}}},
	}
	apiCode, body := EncodeClientQuery(q, 0xabcdef0123456789)
	if apiCode != apiPing {
		t.Fatalf("apiCode = %c, want %c", apiCode, apiPing)
	}
	decoded, err := DecodeClientQuery(apiCode, body, 8)
	if err != nil {
		t.Fatalf("DecodeClientQuery: %v", err)
	}
	if decoded.Packet.HasChunk {
		t.Errorf("ping-only query decoded with a chunk")
	}
}

func TestIsXferQuery(t *testing.T) {
	host := dnsproto.MustDomain("tun.example.com")
	label, err := dnsproto.WithLabels([]string{"t42"}, host)
	if err != nil {
		t.Fatalf("building domain: %v", err)
	}
	msg := dnsproto.Message{Questions: []dnsproto.Question{{Domain: label}}}
	id, api, ok := IsXferQuery(msg)
	if !ok || id != 42 || api != apiChunk {
		t.Fatalf("IsXferQuery = (%d, %c, %v), want (42, 't', true)", id, api, ok)
	}

	notXfer, err := dnsproto.WithLabels([]string{"f16"}, host)
	if err != nil {
		t.Fatalf("building domain: %v", err)
	}
	if _, _, ok := IsXferQuery(dnsproto.Message{Questions: []dnsproto.Question{{Domain: notXfer}}}); ok {
		t.Errorf("a discovery-shaped label must not be treated as an xfer query")
	}
}

// TestHandlePacketInDrainsChunkToChunker exercises HandlePacketIn/NextPacketOut
// against a real chunker wired to an in-memory pipe, mirroring how a session
// drives bytes between WWR and its TCP connection.
func TestHandlePacketInDrainsChunkToChunker(t *testing.T) {
	server, client := net.Pipe()
	defer client.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	conn := chunker.New(ctx, server, 256, 4, 4)
	defer conn.Close()

	state := wwr.New(4, 4, 0)
	packet := Packet{
		Ack:      wwr.Ack{WindowStart: 0, WindowMask: []bool{false, false, false}},
		Chunk:    wwr.Chunk{Seq: 0, Data: []byte("hi")},
		HasChunk: true,
	}
	HandlePacketIn(packet, state, conn)

	client.SetReadDeadline(time.Now().Add(time.Second))
	buf := make([]byte, 16)
	n, err := client.Read(buf)
	if err != nil {
		t.Fatalf("reading relayed bytes: %v", err)
	}
	if string(buf[:n]) != "hi" {
		t.Errorf("relayed bytes = %q, want %q", buf[:n], "hi")
	}
}

func TestNextPacketOutDrainsChunkerIntoChunk(t *testing.T) {
	server, client := net.Pipe()
	defer server.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	conn := chunker.New(ctx, server, 256, 4, 4)
	defer conn.Close()

	go func() {
		client.Write([]byte("bytes from target"))
	}()

	state := wwr.New(4, 4, 0)
	deadline := time.Now().Add(2 * time.Second)
	var packet Packet
	for time.Now().Before(deadline) {
		packet = NextPacketOut(state, conn)
		if packet.HasChunk && len(packet.Chunk.Data) > 0 {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	if !packet.HasChunk || string(packet.Chunk.Data) != "bytes from target" {
		t.Fatalf("packet = %+v, want a chunk carrying the written bytes", packet)
	}
}
