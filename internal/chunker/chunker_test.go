package chunker

import (
	"context"
	"net"
	"testing"
	"time"
)

func TestRecvDeliversReaderBytesThenEOF(t *testing.T) {
	server, client := net.Pipe()
	defer client.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	c := New(ctx, server, 64, 4, 4)
	defer c.Close()

	go func() {
		client.Write([]byte("abc"))
		client.Close()
	}()

	deadline := time.Now().Add(2 * time.Second)
	var got []byte
	for time.Now().Before(deadline) {
		if chunk, ok := c.Recv(); ok {
			got = chunk
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	if string(got) != "abc" {
		t.Fatalf("first chunk = %q, want %q", got, "abc")
	}

	deadline = time.Now().Add(2 * time.Second)
	sawEOF := false
	for time.Now().Before(deadline) {
		chunk, ok := c.Recv()
		if ok && len(chunk) == 0 {
			sawEOF = true
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	if !sawEOF {
		t.Fatalf("expected an empty chunk marking EOF")
	}
}

func TestSendWritesToConnection(t *testing.T) {
	server, client := net.Pipe()
	defer server.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	c := New(ctx, server, 64, 4, 4)
	defer c.Close()

	if !c.CanSend() {
		t.Fatalf("CanSend should report room on a fresh chunker")
	}
	c.Send([]byte("hello"))

	client.SetReadDeadline(time.Now().Add(2 * time.Second))
	buf := make([]byte, 16)
	n, err := client.Read(buf)
	if err != nil {
		t.Fatalf("reading written bytes: %v", err)
	}
	if string(buf[:n]) != "hello" {
		t.Errorf("wrote %q, want %q", buf[:n], "hello")
	}
}

func TestSendFinishedClosesOutgoing(t *testing.T) {
	server, client := net.Pipe()
	defer client.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	c := New(ctx, server, 64, 4, 4)

	c.SendFinished()
	// Close tears down the reader too; net.Pipe reports that as a plain
	// closed-pipe error rather than io.EOF, so only absence of a panic/hang
	// is asserted here.
	c.Close()
}
