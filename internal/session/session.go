// Package session implements the server side of a myotun session: routing
// incoming DNS queries to a stateless discovery/establish handler or to the
// matching live session, and the per-session WWR/chunker/codec plumbing an
// established session carries.
package session

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/faanross/myotun/internal/chunker"
	"github.com/faanross/myotun/internal/discovery"
	"github.com/faanross/myotun/internal/dnsproto"
	"github.com/faanross/myotun/internal/establish"
	"github.com/faanross/myotun/internal/namecode"
	"github.com/faanross/myotun/internal/recordcode"
	"github.com/faanross/myotun/internal/wire"
	"github.com/faanross/myotun/internal/wwr"
	"github.com/faanross/myotun/internal/xfer"
)

// Session is one established tunnel: a WWR state machine driving bytes
// between a TCP connection to the target and a myotun client, through a
// fixed name-code/record-code pair chosen at establish time.
type Session struct {
	id             uint16
	lastUsed       time.Time
	state          *wwr.State
	nameCode       namecode.NameCode
	recordCode     recordcode.RecordCode
	conn           *chunker.TCPChunker
	responseWindow uint16
	cancel         context.CancelFunc
}

// ID returns the session's allocated 16-bit identifier.
func (s *Session) ID() uint16 { return s.id }

// NewParams are the established parameters needed to start a session.
type NewParams struct {
	ID             uint16
	SeqStart       uint32
	QueryType      dnsproto.RecordType
	Query          establish.Query
	NameEncoding   string
	RecordEncoding string
	ConnTimeout    time.Duration
}

// New dials the query's target host:port and starts a session. TCP buffer
// sizes are chosen to match the peer's declared windows.
func New(p NewParams) (*Session, error) {
	nc, ok := namecode.Lookup(p.NameEncoding)
	if !ok {
		return nil, fmt.Errorf("session: unsupported name code %q", p.NameEncoding)
	}
	rc, ok := recordcode.Lookup(p.QueryType, p.RecordEncoding)
	if !ok {
		return nil, fmt.Errorf("session: unsupported record code %q", p.RecordEncoding)
	}

	addr := net.JoinHostPort(p.Query.TargetHost.String(), fmt.Sprintf("%d", p.Query.Port))
	conn, err := net.DialTimeout("tcp", addr, p.ConnTimeout)
	if err != nil {
		return nil, fmt.Errorf("session: connect to %s: %w", addr, err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	tc := chunker.New(ctx, conn, int(p.Query.MTU), int(p.Query.ResponseWindow), int(p.Query.QueryWindow))

	return &Session{
		id:             p.ID,
		lastUsed:       time.Now(),
		state:          wwr.New(p.Query.QueryWindow, p.Query.ResponseWindow, p.SeqStart),
		nameCode:       nc,
		recordCode:     rc,
		conn:           tc,
		responseWindow: p.Query.ResponseWindow,
		cancel:         cancel,
	}, nil
}

// IsDone reports whether the session's WWR state has finished both
// directions, or it has been idle past timeout.
func (s *Session) IsDone(timeout time.Duration) bool {
	return s.state.IsDone() || time.Since(s.lastUsed) > timeout
}

// Close tears down the session's TCP chunker.
func (s *Session) Close() error {
	s.cancel()
	return s.conn.Close()
}

// HandleMessage answers an xfer query directed at this session: decode the
// question's domain with the session's name code, decode the xfer payload,
// drive the WWR/chunker exchange, and encode the response.
func (s *Session) HandleMessage(message dnsproto.Message, host dnsproto.Domain) (dnsproto.Message, error) {
	s.lastUsed = time.Now()

	q := message.Questions[0]
	_, _, data, err := namecode.DecodeDomain(s.nameCode, q.Domain, host)
	if err != nil {
		return dnsproto.Message{}, fmt.Errorf("session: decode domain: %w", err)
	}
	_, apiCode, ok := xfer.IsXferQuery(message)
	if !ok {
		return dnsproto.Message{}, fmt.Errorf("session: not an xfer query")
	}
	query, err := xfer.DecodeClientQuery(apiCode, data, s.responseWindow)
	if err != nil {
		return dnsproto.Message{}, fmt.Errorf("session: decode xfer query: %w", err)
	}

	xfer.HandlePacketIn(query.Packet, s.state, s.conn)
	outPacket := xfer.NextPacketOut(s.state, s.conn)

	body, err := s.encodeResponsePacket(outPacket)
	if err != nil {
		return dnsproto.Message{}, err
	}

	result := message
	result.Answers = append(result.Answers, dnsproto.Record{
		Header: dnsproto.RecordHeader{Domain: q.Domain, Type: q.Type, Class: q.Class, TTL: 0},
		Body:   body,
	})
	result.Header.IsResponse = true
	return result, nil
}

func (s *Session) encodeResponsePacket(p xfer.Packet) (dnsproto.RecordBody, error) {
	e := wire.NewEncoder()
	xfer.EncodePacket(e, p)
	return s.recordCode.EncodeBody(e.Bytes())
}

// Router dispatches incoming DNS messages among the stateless discovery
// probes, the establish handshake, and live sessions, per spec.md §4.8.
type Router struct {
	Host           dnsproto.Domain
	Password       string
	ProofWindow    uint64
	ConnTimeout    time.Duration
	SessionTimeout time.Duration

	sessions map[uint16]*Session
}

// NewRouter returns a Router with an empty session table.
func NewRouter(host dnsproto.Domain, password string, proofWindow uint64, connTimeout, sessionTimeout time.Duration) *Router {
	return &Router{
		Host:           host,
		Password:       password,
		ProofWindow:    proofWindow,
		ConnTimeout:    connTimeout,
		SessionTimeout: sessionTimeout,
		sessions:       make(map[uint16]*Session),
	}
}

// GarbageCollect closes and removes every session that is done or idle past
// SessionTimeout. Called once per receive cycle.
func (r *Router) GarbageCollect() {
	for id, s := range r.sessions {
		if s.IsDone(r.SessionTimeout) {
			s.Close()
			delete(r.sessions, id)
		}
	}
}

// HandleMessage dispatches one incoming query and returns its response.
func (r *Router) HandleMessage(message dnsproto.Message) (dnsproto.Message, error) {
	switch {
	case discovery.IsDomainHashQuery(message):
		return discovery.DomainHashResponse(message)
	case discovery.IsDownloadGenQuery(message):
		return discovery.DownloadGenResponse(message)
	case establish.IsEstablishQuery(message):
		return r.handleEstablish(message)
	}
	if id, _, ok := xfer.IsXferQuery(message); ok {
		if s, found := r.sessions[id]; found {
			return s.HandleMessage(message, r.Host)
		}
	}

	result := message
	result.Header.IsResponse = true
	result.Header.ResponseCode = dnsproto.RCodeNoError
	return result, nil
}

func (r *Router) handleEstablish(message dnsproto.Message) (dnsproto.Message, error) {
	query, err := establish.QueryFromMessage(message, r.Host)
	if err != nil {
		return dnsproto.Message{}, fmt.Errorf("session: parse establish query: %w", err)
	}

	now := uint64(time.Now().Unix())
	var resp establish.Response
	if !query.CheckProof(r.Password, now, r.ProofWindow) {
		resp = establish.FailureResponse("invalid proof")
	} else if id, ok := r.unusedSessionID(); ok {
		const seqStart = 0 // design note in spec.md §9: randomize in a hardened build
		sess, err := New(NewParams{
			ID:             id,
			SeqStart:       seqStart,
			QueryType:      message.Questions[0].Type,
			Query:          query,
			NameEncoding:   query.NameEncoding,
			RecordEncoding: query.ResponseEncoding,
			ConnTimeout:    r.ConnTimeout,
		})
		if err != nil {
			resp = establish.FailureResponse(err.Error())
		} else {
			r.sessions[id] = sess
			resp = establish.SuccessResponse(id, seqStart)
		}
	} else {
		resp = establish.FailureResponse("no free session IDs")
	}

	recordCode, ok := recordcode.Lookup(message.Questions[0].Type, query.ResponseEncoding)
	if !ok {
		return dnsproto.Message{}, fmt.Errorf("session: unsupported record code %q", query.ResponseEncoding)
	}
	return establish.BuildResponseMessage(message, resp, recordCode.EncodeBody)
}

func (r *Router) unusedSessionID() (uint16, bool) {
	for id := 0; id < 65536; id++ {
		if _, taken := r.sessions[uint16(id)]; !taken {
			return uint16(id), true
		}
	}
	return 0, false
}
