// Command myotun-client establishes a myotun session against a server and
// relays a single local TCP connection through it to the server's
// configured target.
package main

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"flag"
	"fmt"
	"log"
	"net"
	"os"
	"time"

	"github.com/faanross/myotun/internal/chunker"
	"github.com/faanross/myotun/internal/dnsproto"
	"github.com/faanross/myotun/internal/establish"
	"github.com/faanross/myotun/internal/highway"
	"github.com/faanross/myotun/internal/namecode"
	"github.com/faanross/myotun/internal/recordcode"
	"github.com/faanross/myotun/internal/secureinput"
	"github.com/faanross/myotun/internal/wire"
	"github.com/faanross/myotun/internal/wwr"
	"github.com/faanross/myotun/internal/xfer"
)

// features are the name/record codec choice and MTU this client requests.
// Real feature negotiation via the discovery probes is not implemented;
// like the implementation this client is grounded on, it hardcodes the
// only codec pair the server is guaranteed to support.
type features struct {
	recordType   dnsproto.RecordType
	nameEncoding string
	respEncoding string
	mtu          uint16
}

func defaultFeatures(mtu uint16) features {
	return features{
		recordType:   dnsproto.RecordTypeTXT,
		nameEncoding: "b16",
		respEncoding: "raw",
		mtu:          mtu,
	}
}

func main() {
	server := flag.String("server", "127.0.0.1:53", "address of the myotun server")
	zone := flag.String("zone", "", "root domain the server answers for (required)")
	password := flag.String("password", "", "tunnel password (prompted for if unset and MYOTUN_PASSWORD is also unset)")
	listenAddr := flag.String("listen", "127.0.0.1:1080", "local address to accept one TCP connection to tunnel")
	targetHostFlag := flag.String("target-host", "", "host the server should connect to on your behalf (required)")
	targetPort := flag.Uint("target-port", 0, "port the server should connect to (required)")
	lanes := flag.Int("lanes", 8, "number of concurrent UDP lanes")
	queryWindow := flag.Uint("query-window", 8, "our outgoing window size")
	responseWindow := flag.Uint("response-window", 8, "requested server outgoing window size")
	mtu := flag.Uint("mtu", 120, "requested response payload size in bytes")
	minTime := flag.Duration("min-time", 0, "minimum time to wait before accepting a response")
	maxTime := flag.Duration("max-time", 5*time.Second, "per-query timeout")
	flag.Parse()

	if *zone == "" || *targetHostFlag == "" || *targetPort == 0 {
		fmt.Fprintln(os.Stderr, "usage: myotun-client -zone <zone> -target-host <h> -target-port <p> [flags]")
		os.Exit(2)
	}

	hostDomain, err := dnsproto.ParseDomain(*zone)
	if err != nil {
		log.Fatalf("invalid -zone %q: %v", *zone, err)
	}

	pw := *password
	if pw == "" {
		pw = os.Getenv("MYOTUN_PASSWORD")
	}
	if pw == "" {
		pw, err = secureinput.ReadPassword("tunnel password: ")
		if err != nil {
			log.Fatalf("reading password: %v", err)
		}
	}

	ln, err := net.Listen("tcp", *listenAddr)
	if err != nil {
		log.Fatalf("listen on %s: %v", *listenAddr, err)
	}
	log.Printf("waiting for a connection on %s to tunnel to %s:%d via %s", *listenAddr, *targetHostFlag, *targetPort, *server)
	conn, err := ln.Accept()
	ln.Close()
	if err != nil {
		log.Fatalf("accept: %v", err)
	}
	log.Printf("accepted connection from %s, establishing session", conn.RemoteAddr())

	feats := defaultFeatures(uint16(*mtu))
	target, err := dnsproto.ParseDomain(*targetHostFlag)
	if err != nil {
		log.Fatalf("invalid -target-host %q: %v", *targetHostFlag, err)
	}

	est, err := establishSession(*server, hostDomain, establishRequest{
		password:       pw,
		feats:          feats,
		queryWindow:    uint16(*queryWindow),
		responseWindow: uint16(*responseWindow),
		targetHost:     target,
		targetPort:     uint16(*targetPort),
	})
	if err != nil {
		log.Fatalf("establish: %v", err)
	}
	log.Printf("session established: id=%d seq_start=%d", est.sessionID, est.seqStart)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	tc := chunker.New(ctx, conn, int(feats.mtu), int(*queryWindow), int(*responseWindow))
	defer tc.Close()

	state := wwr.New(uint16(*responseWindow), uint16(*queryWindow), est.seqStart)
	hw, events := highway.Open(*server, *lanes)

	driver := &clientDriver{
		state:          state,
		conn:           tc,
		highway:        hw,
		est:            est,
		hostDomain:     hostDomain,
		minTime:        *minTime,
		maxTime:        *maxTime,
		queryWindow:    uint16(*queryWindow),
	}
	for lane := 0; lane < hw.NumLanes(); lane++ {
		driver.populateLane(lane)
	}
	for event := range events {
		switch event.Kind {
		case highway.EventResponse:
			driver.handleResponse(event.Response)
			driver.populateLane(event.Lane)
		case highway.EventTimeout:
			log.Printf("lane %d: timeout", event.Lane)
			driver.populateLane(event.Lane)
		case highway.EventSendError:
			log.Printf("lane %d: send error: %v", event.Lane, event.Err)
		case highway.EventConnectError:
			log.Fatalf("lane %d: connect error: %v", event.Lane, event.Err)
		case highway.EventSocketError:
			log.Fatalf("lane %d: socket error: %v", event.Lane, event.Err)
		}
		if state.IsDone() {
			break
		}
	}
	log.Println("session complete")
}

type establishRequest struct {
	password       string
	feats          features
	queryWindow    uint16
	responseWindow uint16
	targetHost     dnsproto.Domain
	targetPort     uint16
}

type establishment struct {
	sessionID  uint16
	seqStart   uint32
	recordType dnsproto.RecordType
	recordCode recordcode.RecordCode
	nameCode   namecode.NameCode
}

// establishSession sends the establish query over UDP, retrying a few times
// since the channel may silently drop a datagram.
func establishSession(addr string, host dnsproto.Domain, req establishRequest) (establishment, error) {
	nameCode, ok := namecode.Lookup(req.feats.nameEncoding)
	if !ok {
		return establishment{}, fmt.Errorf("unsupported name encoding %q", req.feats.nameEncoding)
	}
	recordCode, ok := recordcode.Lookup(req.feats.recordType, req.feats.respEncoding)
	if !ok {
		return establishment{}, fmt.Errorf("unsupported record encoding %q", req.feats.respEncoding)
	}

	query := establish.Query{
		ResponseEncoding: req.feats.respEncoding,
		MTU:              req.feats.mtu,
		NameEncoding:     req.feats.nameEncoding,
		QueryWindow:      req.queryWindow,
		ResponseWindow:   req.responseWindow,
		Proof:            establish.PasswordProof(req.password, uint64(time.Now().Unix())),
		Port:             req.targetPort,
		TargetHost:       req.targetHost,
	}
	domain, err := query.ToDomain(host)
	if err != nil {
		return establishment{}, fmt.Errorf("encode establish query: %w", err)
	}
	msg := dnsproto.Message{
		Header: dnsproto.Header{ID: 1, RecursionDesired: true, QuestionCount: 1},
		Questions: []dnsproto.Question{{
			Domain: domain,
			Type:   req.feats.recordType,
			Class:  dnsproto.RecordClassIN,
		}},
	}

	conn, err := net.DialTimeout("udp", addr, 5*time.Second)
	if err != nil {
		return establishment{}, fmt.Errorf("dial %s: %w", addr, err)
	}
	defer conn.Close()

	const retries = 5
	var response dnsproto.Message
	var gotResponse bool
	for i := 0; i < retries && !gotResponse; i++ {
		conn.SetDeadline(time.Now().Add(5 * time.Second))
		raw, err := dnsproto.Encode(msg)
		if err != nil {
			return establishment{}, err
		}
		if _, err := conn.Write(raw); err != nil {
			continue
		}
		buf := make([]byte, 2048)
		n, err := conn.Read(buf)
		if err != nil {
			continue
		}
		resp, err := dnsproto.DecodeMessage(buf[:n])
		if err != nil || resp.Header.ID != msg.Header.ID {
			continue
		}
		response, gotResponse = resp, true
	}
	if !gotResponse {
		return establishment{}, fmt.Errorf("no establish response after %d tries", retries)
	}
	if len(response.Answers) != 1 {
		return establishment{}, fmt.Errorf("invalid establish response message")
	}

	rawBody, err := recordCode.DecodeBody(response.Answers[0].Body)
	if err != nil {
		return establishment{}, fmt.Errorf("decode response body: %w", err)
	}
	result, err := establish.DecodeResponse(wire.NewDecoder(rawBody))
	if err != nil {
		return establishment{}, fmt.Errorf("decode establish response: %w", err)
	}
	switch result.Tag {
	case establish.ResponseSuccess:
		return establishment{
			sessionID:  result.SessionID,
			seqStart:   result.Seq,
			recordType: req.feats.recordType,
			recordCode: recordCode,
			nameCode:   nameCode,
		}, nil
	case establish.ResponseFailure:
		return establishment{}, fmt.Errorf("server rejected establish: %s", result.FailureText)
	default:
		return establishment{}, fmt.Errorf("unknown establish response tag %d", result.UnknownTag)
	}
}

type clientDriver struct {
	state       *wwr.State
	conn        *chunker.TCPChunker
	highway     *highway.Highway
	est         establishment
	hostDomain  dnsproto.Domain
	minTime     time.Duration
	maxTime     time.Duration
	queryWindow uint16
}

func (d *clientDriver) handleResponse(msg dnsproto.Message) {
	if len(msg.Answers) != 1 || msg.Header.Truncated {
		log.Printf("invalid response (truncated=%v answers=%d)", msg.Header.Truncated, len(msg.Answers))
		return
	}
	rawBody, err := d.est.recordCode.DecodeBody(msg.Answers[0].Body)
	if err != nil {
		log.Printf("decode response body: %v", err)
		return
	}
	packet, err := xfer.DecodeResponsePacket(wire.NewDecoder(rawBody), d.queryWindow)
	if err != nil {
		log.Printf("decode response packet: %v", err)
		return
	}
	xfer.HandlePacketIn(packet, d.state, d.conn)
}

func (d *clientDriver) populateLane(lane int) {
	packet := xfer.NextPacketOut(d.state, d.conn)
	query := xfer.ClientQuery{SessionID: d.est.sessionID, Packet: packet}
	apiCode, body := xfer.EncodeClientQuery(query, randomNonce())

	domain, err := namecode.EncodeDomain(d.est.nameCode, apiCode, d.est.sessionID, body, d.hostDomain)
	if err != nil {
		log.Printf("lane %d: encode domain: %v", lane, err)
		return
	}
	msg := dnsproto.Message{
		Header: dnsproto.Header{RecursionDesired: true, QuestionCount: 1},
		Questions: []dnsproto.Question{{
			Domain: domain,
			Type:   d.est.recordType,
			Class:  dnsproto.RecordClassIN,
		}},
	}
	d.highway.Send(lane, msg, d.minTime, d.maxTime)
}

func randomNonce() uint64 {
	var b [8]byte
	if _, err := rand.Read(b[:]); err != nil {
		return uint64(time.Now().UnixNano())
	}
	return binary.BigEndian.Uint64(b[:])
}
