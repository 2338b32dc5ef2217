// Package chunker wraps a TCP connection as a pair of bounded byte-chunk
// queues: inbound chunks read off the socket and outbound chunks waiting to
// be written to it. This lets a WWR session treat "the target TCP
// connection" as a non-blocking source and sink of byte chunks.
package chunker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"

	"golang.org/x/sync/errgroup"
)

// TCPChunker owns a TCP connection and the two background workers that pump
// bytes between it and bounded channels. The reader and writer are the only
// goroutines; everything else (CanSend, Send, SendFinished, Recv) is called
// from a single driver goroutine and never blocks.
type TCPChunker struct {
	conn net.Conn

	incoming <-chan []byte
	outgoing chan<- []byte

	group    *errgroup.Group
	cancel   context.CancelFunc
	pending  []byte // a chunk Send couldn't hand off yet
	finished bool
}

// New starts the reader and writer workers for conn and returns a
// TCPChunker. recvMTU bounds each inbound read; inBuf and outBuf bound the
// respective queue depths. Cancelling ctx, or an I/O error in either
// worker, tears both workers down.
func New(ctx context.Context, conn net.Conn, recvMTU, inBuf, outBuf int) *TCPChunker {
	in := make(chan []byte, inBuf)
	out := make(chan []byte, outBuf)

	ctx, cancel := context.WithCancel(ctx)
	group, gctx := errgroup.WithContext(ctx)
	group.Go(func() error { return readLoop(gctx, conn, in, recvMTU) })
	group.Go(func() error { return writeLoop(gctx, conn, out) })

	return &TCPChunker{
		conn:     conn,
		incoming: in,
		outgoing: out,
		group:    group,
		cancel:   cancel,
	}
}

// CanSend reports whether the outbound queue currently has room, first
// retrying any chunk left over from a prior Send that couldn't be queued.
func (c *TCPChunker) CanSend() bool {
	if c.pending == nil {
		return true
	}
	select {
	case c.outgoing <- c.pending:
		c.pending = nil
		if c.finished {
			close(c.outgoing)
		}
		return true
	default:
		return false
	}
}

// Send enqueues chunk for writing to the connection. Callers must have
// checked CanSend() first. If the queue turns out to be full anyway, the
// chunk is held and retried by the next CanSend/Send call.
func (c *TCPChunker) Send(chunk []byte) {
	if c.pending != nil {
		panic("chunker: Send called while a chunk is still pending")
	}
	select {
	case c.outgoing <- chunk:
	default:
		c.pending = chunk
	}
}

// SendFinished signals that no further Send calls will occur. Any chunk
// still held by Send must still be flushed by subsequent CanSend calls
// before the caller tears the chunker down.
func (c *TCPChunker) SendFinished() {
	if c.finished {
		return
	}
	c.finished = true
	if c.pending == nil {
		close(c.outgoing)
	}
}

// Recv returns the next inbound chunk without blocking. ok is false if
// nothing is available right now; that does not mean the stream is closed.
// An empty, non-nil chunk read off the wire denotes EOF and is delivered
// like any other chunk; it is the caller's job to recognize its zero
// length.
func (c *TCPChunker) Recv() (chunk []byte, ok bool) {
	select {
	case data, open := <-c.incoming:
		if !open {
			return nil, false
		}
		return data, true
	default:
		return nil, false
	}
}

// Close shuts down the read side of the connection, which unblocks the
// reader goroutine, cancels both workers, and waits for them to exit.
func (c *TCPChunker) Close() error {
	type readCloser interface{ CloseRead() error }
	if rc, ok := c.conn.(readCloser); ok {
		rc.CloseRead()
	} else {
		c.conn.Close()
	}
	c.cancel()
	if err := c.group.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

func readLoop(ctx context.Context, conn net.Conn, out chan<- []byte, mtu int) error {
	defer close(out)
	buf := make([]byte, mtu)
	for {
		n, err := conn.Read(buf)
		if n > 0 {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			select {
			case out <- chunk:
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		if err != nil {
			if err == io.EOF {
				select {
				case out <- []byte{}:
				case <-ctx.Done():
				}
				return nil
			}
			return fmt.Errorf("chunker: read: %w", err)
		}
	}
}

func writeLoop(ctx context.Context, conn net.Conn, in <-chan []byte) error {
	for {
		select {
		case chunk, open := <-in:
			if !open {
				return nil
			}
			if _, err := conn.Write(chunk); err != nil {
				return fmt.Errorf("chunker: write: %w", err)
			}
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}
