// Package highway implements the client side of the wire: a fixed pool of
// concurrent UDP "lanes", each sending one query at a time and reporting
// its outcome as a typed event on a shared stream.
package highway

import (
	"fmt"
	"net"
	"time"

	"github.com/faanross/myotun/internal/dnsproto"
)

// EventKind distinguishes the shape of an Event.
type EventKind int

const (
	EventResponse EventKind = iota
	EventTimeout
	EventSendError
	EventConnectError
	EventSocketError
)

// Event is something a lane reports back on the shared event stream.
type Event struct {
	Kind     EventKind
	Lane     int
	Response dnsproto.Message
	Err      error
}

func (e Event) String() string {
	switch e.Kind {
	case EventResponse:
		return fmt.Sprintf("lane %d: response", e.Lane)
	case EventTimeout:
		return fmt.Sprintf("lane %d: timeout", e.Lane)
	case EventSendError:
		return fmt.Sprintf("lane %d: send error: %v", e.Lane, e.Err)
	case EventConnectError:
		return fmt.Sprintf("lane %d: connect error: %v", e.Lane, e.Err)
	default:
		return fmt.Sprintf("lane %d: socket error: %v", e.Lane, e.Err)
	}
}

type sendRequest struct {
	message dnsproto.Message
	minTime time.Duration
	maxTime time.Duration
}

// Highway is a pool of lanes, each a private UDP socket connected to the
// server's DNS endpoint. Callers must not call Send on a lane that has not
// yet emitted an event for its previous send ("lane not busy").
type Highway struct {
	lanes []chan<- sendRequest
}

// Open dials remoteAddr once per lane and starts each lane's send/receive
// loop. It returns the Highway and the shared event stream; the stream
// closes once every lane's goroutine has exited.
func Open(remoteAddr string, lanes int) (*Highway, <-chan Event) {
	events := make(chan Event, lanes)
	senders := make([]chan<- sendRequest, lanes)

	done := make(chan struct{}, lanes)
	for i := 0; i < lanes; i++ {
		reqs := make(chan sendRequest, 1)
		senders[i] = reqs
		go func(lane int, reqs <-chan sendRequest) {
			runLane(lane, remoteAddr, reqs, events)
			done <- struct{}{}
		}(i, reqs)
	}
	go func() {
		for i := 0; i < lanes; i++ {
			<-done
		}
		close(events)
	}()

	return &Highway{lanes: senders}, events
}

// NumLanes returns the number of concurrent lanes.
func (h *Highway) NumLanes() int { return len(h.lanes) }

// Send dispatches message on lane, non-blocking. minTime smooths traffic by
// delaying the Response event until at least minTime has elapsed; maxTime
// bounds how long the lane waits before emitting Timeout.
func (h *Highway) Send(lane int, message dnsproto.Message, minTime, maxTime time.Duration) {
	select {
	case h.lanes[lane] <- sendRequest{message: message, minTime: minTime, maxTime: maxTime}:
	default:
		// The lane is still processing a previous send; per the "lane not
		// busy" contract this should never happen, so dropping here rather
		// than blocking the caller is safe.
	}
}

func runLane(lane int, addr string, reqs <-chan sendRequest, events chan<- Event) {
	conn, err := dialUDP(addr)
	if err != nil {
		events <- Event{Kind: EventConnectError, Lane: lane, Err: err}
		return
	}
	defer conn.Close()

	seq := uint16(lane) * 10
	for req := range reqs {
		seq++
		msg := req.message
		msg.Header.ID = seq

		raw, err := dnsproto.Encode(msg)
		if err != nil {
			events <- Event{Kind: EventSendError, Lane: lane, Err: err}
			continue
		}
		if _, err := conn.Write(raw); err != nil {
			events <- Event{Kind: EventSendError, Lane: lane, Err: err}
			continue
		}

		resp, err := recvResponse(conn, seq, req.minTime, req.maxTime)
		switch {
		case err != nil:
			events <- Event{Kind: EventSocketError, Lane: lane, Err: err}
		case resp == nil:
			events <- Event{Kind: EventTimeout, Lane: lane}
		default:
			events <- Event{Kind: EventResponse, Lane: lane, Response: *resp}
		}
	}
}

func recvResponse(conn net.Conn, wantID uint16, minTime, maxTime time.Duration) (*dnsproto.Message, error) {
	start := time.Now()
	buf := make([]byte, 2048)
	for {
		elapsed := time.Since(start)
		if elapsed >= maxTime {
			return nil, nil
		}
		if err := conn.SetReadDeadline(time.Now().Add(maxTime - elapsed)); err != nil {
			return nil, err
		}
		n, err := conn.Read(buf)
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				return nil, nil
			}
			return nil, err
		}
		msg, err := dnsproto.DecodeMessage(buf[:n])
		if err != nil {
			continue // not a well-formed response; keep waiting
		}
		if msg.Header.ID != wantID {
			continue
		}
		if passed := time.Since(start); passed < minTime {
			time.Sleep(minTime - passed)
		}
		return &msg, nil
	}
}

// dialUDP binds an ephemeral local port and connects it to addr, matching
// one lane's private socket.
func dialUDP(addr string) (net.Conn, error) {
	raddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return nil, fmt.Errorf("highway: resolve %q: %w", addr, err)
	}
	conn, err := net.DialUDP("udp", nil, raddr)
	if err != nil {
		return nil, fmt.Errorf("highway: dial %q: %w", addr, err)
	}
	return conn, nil
}
