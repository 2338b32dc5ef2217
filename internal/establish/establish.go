// Package establish implements the myotun handshake: the client's desired
// session parameters plus a time-bounded password proof, and the server's
// {session-id, starting sequence} or failure response.
package establish

import (
	"crypto/sha1" //nolint:gosec // spec-mandated hash, not used for security
	"encoding/binary"
	"fmt"
	"strconv"

	"github.com/faanross/myotun/internal/dnsproto"
	"github.com/faanross/myotun/internal/wire"
)

// apiFlag is the leading-character marker for an establish query.
const apiFlag = 'e'

// IsEstablishQuery reports whether msg's first question label starts with
// 'e', matching the discovery-style section-count preconditions.
func IsEstablishQuery(msg dnsproto.Message) bool {
	if msg.Header.IsResponse || len(msg.Questions) != 1 {
		return false
	}
	if len(msg.Answers) != 0 || len(msg.Authorities) != 0 || len(msg.Additional) != 0 {
		return false
	}
	labels := msg.Questions[0].Domain.Labels()
	if len(labels) == 0 || len(labels[0]) == 0 {
		return false
	}
	c := labels[0][0]
	if c >= 'A' && c <= 'Z' {
		c += 'a' - 'A'
	}
	return c == apiFlag
}

// Query is the client's parsed handshake request.
type Query struct {
	ResponseEncoding string
	MTU              uint16
	NameEncoding     string
	QueryWindow      uint16
	ResponseWindow   uint16
	Proof            uint64
	Port             uint16
	TargetHost       dnsproto.Domain
}

// QueryFromMessage extracts a Query from an establish DNS message's
// question domain.
func QueryFromMessage(msg dnsproto.Message, host dnsproto.Domain) (Query, error) {
	if !IsEstablishQuery(msg) {
		return Query{}, fmt.Errorf("establish: not an establish query")
	}
	return QueryFromDomain(msg.Questions[0].Domain, host)
}

// QueryFromDomain parses the establish grammar:
// "e<resp_enc>.<mtu>.<name_enc>.<qwin>.<rwin>.<proof_hex>.<port>.<target_host...>.<zone>".
func QueryFromDomain(domain dnsproto.Domain, host dnsproto.Domain) (Query, error) {
	if !domain.HasSuffixFold(host) {
		return Query{}, fmt.Errorf("establish: incorrect host domain")
	}
	rest := domain.TrimSuffix(host)
	if len(rest) < 8 {
		return Query{}, fmt.Errorf("establish: not enough labels")
	}

	first := rest[0]
	if len(first) < 1 {
		return Query{}, fmt.Errorf("establish: empty leading label")
	}
	responseEncoding := first[1:]

	mtu, err := strconv.ParseUint(rest[1], 10, 16)
	if err != nil {
		return Query{}, fmt.Errorf("establish: invalid mtu: %w", err)
	}
	nameEncoding := rest[2]
	queryWindow, err := strconv.ParseUint(rest[3], 10, 16)
	if err != nil {
		return Query{}, fmt.Errorf("establish: invalid query_window: %w", err)
	}
	responseWindow, err := strconv.ParseUint(rest[4], 10, 16)
	if err != nil {
		return Query{}, fmt.Errorf("establish: invalid response_window: %w", err)
	}
	proof, err := strconv.ParseUint(rest[5], 16, 64)
	if err != nil {
		return Query{}, fmt.Errorf("establish: invalid proof: %w", err)
	}
	port, err := strconv.ParseUint(rest[6], 10, 16)
	if err != nil {
		return Query{}, fmt.Errorf("establish: invalid port: %w", err)
	}

	targetLabels := rest[7:]
	target, err := dnsproto.NewDomain(targetLabels)
	if err != nil {
		return Query{}, fmt.Errorf("establish: invalid target host: %w", err)
	}

	return Query{
		ResponseEncoding: responseEncoding,
		MTU:              uint16(mtu),
		NameEncoding:     nameEncoding,
		QueryWindow:      uint16(queryWindow),
		ResponseWindow:   uint16(responseWindow),
		Proof:            proof,
		Port:             uint16(port),
		TargetHost:       target,
	}, nil
}

// ToDomain is the inverse of QueryFromDomain, used by the client to build
// the establish query.
func (q Query) ToDomain(host dnsproto.Domain) (dnsproto.Domain, error) {
	parts := []string{
		fmt.Sprintf("e%s", q.ResponseEncoding),
		strconv.Itoa(int(q.MTU)),
		q.NameEncoding,
		strconv.Itoa(int(q.QueryWindow)),
		strconv.Itoa(int(q.ResponseWindow)),
		fmt.Sprintf("%x", q.Proof),
		strconv.Itoa(int(q.Port)),
	}
	parts = append(parts, q.TargetHost.Labels()...)
	return dnsproto.WithLabels(parts, host)
}

// CheckProof reports whether q.Proof matches password_proof(password, t)
// for any t in [now-window, now+window), absorbing clock skew.
func (q Query) CheckProof(password string, now uint64, window uint64) bool {
	start := uint64(0)
	if now > window {
		start = now - window
	}
	for t := start; t < now+window; t++ {
		if q.Proof == PasswordProof(password, t) {
			return true
		}
	}
	return false
}

// PasswordProof returns the first 8 bytes, big-endian, of
// SHA1(password || decimal(t) || password).
func PasswordProof(password string, t uint64) uint64 {
	h := sha1.New() //nolint:gosec
	h.Write([]byte(password))
	h.Write([]byte(strconv.FormatUint(t, 10)))
	h.Write([]byte(password))
	sum := h.Sum(nil)
	return binary.BigEndian.Uint64(sum[:8])
}

// ResponseTag identifies the shape of an establish response body.
type ResponseTag int

const (
	ResponseSuccess ResponseTag = iota
	ResponseFailure
	ResponseUnknown
)

// Response is the tagged establish response body.
type Response struct {
	Tag         ResponseTag
	SessionID   uint16
	Seq         uint32
	FailureText string
	UnknownTag  uint8
}

// Encode serializes a Success or Failure response. Encoding an Unknown
// response is a programming error: the server never constructs one.
func (r Response) Encode(e *wire.Encoder) error {
	switch r.Tag {
	case ResponseSuccess:
		e.U8(0)
		e.U16(r.SessionID)
		e.U32(r.Seq)
		return nil
	case ResponseFailure:
		e.U8(1)
		e.Raw([]byte(r.FailureText))
		return nil
	default:
		return fmt.Errorf("establish: cannot encode unknown establish response")
	}
}

// DecodeResponse parses a response body. Any tag other than 0 (success) or
// 1 (failure) decodes to ResponseUnknown carrying no payload, per
// spec.md §4.5 and the Open Question in §9 about bounding future tags'
// length by the record body rather than consuming greedily.
func DecodeResponse(d *wire.Decoder) (Response, error) {
	tag, err := d.U8()
	if err != nil {
		return Response{}, err
	}
	switch tag {
	case 0:
		id, err := d.U16()
		if err != nil {
			return Response{}, err
		}
		seq, err := d.U32()
		if err != nil {
			return Response{}, err
		}
		return Response{Tag: ResponseSuccess, SessionID: id, Seq: seq}, nil
	case 1:
		raw, err := d.ReadBytes(d.Remaining())
		if err != nil {
			return Response{}, err
		}
		return Response{Tag: ResponseFailure, FailureText: string(raw)}, nil
	default:
		if _, err := d.ReadBytes(d.Remaining()); err != nil {
			return Response{}, err
		}
		return Response{Tag: ResponseUnknown, UnknownTag: tag}, nil
	}
}

// SuccessResponse is a convenience constructor.
func SuccessResponse(id uint16, seq uint32) Response {
	return Response{Tag: ResponseSuccess, SessionID: id, Seq: seq}
}

// FailureResponse is a convenience constructor.
func FailureResponse(msg string) Response {
	return Response{Tag: ResponseFailure, FailureText: msg}
}

// BuildResponseMessage wraps resp as the record-body produced by codec and
// places it as the sole answer of a reply to query, per spec.md §4.5.
func BuildResponseMessage(query dnsproto.Message, resp Response, encode func([]byte) (dnsproto.RecordBody, error)) (dnsproto.Message, error) {
	e := wire.NewEncoder()
	if err := resp.Encode(e); err != nil {
		return dnsproto.Message{}, err
	}
	body, err := encode(e.Bytes())
	if err != nil {
		return dnsproto.Message{}, err
	}
	q := query.Questions[0]
	result := query
	result.Answers = append(result.Answers, dnsproto.Record{
		Header: dnsproto.RecordHeader{Domain: q.Domain, Type: q.Type, Class: q.Class, TTL: 0},
		Body:   body,
	})
	result.Header.IsResponse = true
	return result, nil
}
