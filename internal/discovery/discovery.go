// Package discovery implements the two stateless probe query shapes a
// myotun server answers without any session state: domain-hash and
// download-generation.
package discovery

import (
	"crypto/sha1" //nolint:gosec // spec-mandated hash, not used for security
	"fmt"
	"net"
	"strconv"
	"strings"

	"github.com/faanross/myotun/internal/dnsproto"
	"github.com/faanross/myotun/internal/recordcode"
)

// apiFlag is the leading-character marker for every discovery query.
const apiFlag = 'f'

// IsDiscoveryQuery reports whether msg has the shape required of every
// discovery probe: non-response, exactly one question, empty answer/
// authority/additional sections, and a first query label whose first
// character (case-folded) is 'f'.
func IsDiscoveryQuery(msg dnsproto.Message) bool {
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
	return foldByte(labels[0][0]) == apiFlag
}

// IsDomainHashQuery reports whether msg is a domain-hash probe (A record).
func IsDomainHashQuery(msg dnsproto.Message) bool {
	return IsDiscoveryQuery(msg) && msg.Questions[0].Type == dnsproto.RecordTypeA
}

// IsDownloadGenQuery reports whether msg is a download-generation probe
// (TXT record).
func IsDownloadGenQuery(msg dnsproto.Message) bool {
	return IsDiscoveryQuery(msg) && msg.Questions[0].Type == dnsproto.RecordTypeTXT
}

// DomainHash returns the first 4 bytes of SHA-1 over the domain's canonical
// display form, as an IPv4 address.
func DomainHash(d dnsproto.Domain) net.IP {
	sum := sha1.Sum([]byte(d.String())) //nolint:gosec
	return net.IPv4(sum[0], sum[1], sum[2], sum[3])
}

// DomainHashResponse builds the answer message for a domain-hash query.
func DomainHashResponse(query dnsproto.Message) (dnsproto.Message, error) {
	if !IsDomainHashQuery(query) {
		return dnsproto.Message{}, fmt.Errorf("discovery: not a domain hash query")
	}
	q := query.Questions[0]
	result := query
	result.Answers = append(result.Answers, dnsproto.Record{
		Header: dnsproto.RecordHeader{Domain: q.Domain, Type: q.Type, Class: q.Class, TTL: 0},
		Body:   dnsproto.RecordBody{Tag: dnsproto.BodyA, A: DomainHash(q.Domain)},
	})
	result.Header.IsResponse = true
	return result, nil
}

// DownloadGenQuery describes a download-generation request: generate Len
// bytes of a deterministic linear sequence.
type DownloadGenQuery struct {
	Encoding string
	Len      uint16
	Bias     uint8
	Coeff    uint8
	Modulus  uint8
}

// GeneratedData returns out[i] = ((i + Bias) * Coeff) mod Modulus, computed
// in uint64 arithmetic and truncated to a byte.
func (q DownloadGenQuery) GeneratedData() []byte {
	out := make([]byte, q.Len)
	for i := range out {
		v := (uint64(i) + uint64(q.Bias)) * uint64(q.Coeff) % uint64(q.Modulus)
		out[i] = byte(v)
	}
	return out
}

// DownloadGenQueryFromDomain parses labels 0..5 (after the host suffix is
// removed) of a download-gen query domain: "f<enc>.<len>.<bias>.<coeff>.<modulus>".
func DownloadGenQueryFromDomain(d dnsproto.Domain) (DownloadGenQuery, error) {
	parts := d.Labels()
	if len(parts) < 5 {
		return DownloadGenQuery{}, fmt.Errorf("discovery: not enough domain parts")
	}
	encoding := strings.ToLower(parts[0])
	if len(encoding) < 1 {
		return DownloadGenQuery{}, fmt.Errorf("discovery: empty encoding label")
	}
	encoding = encoding[1:] // drop leading 'f'

	length, err := strconv.ParseUint(parts[1], 10, 16)
	if err != nil {
		return DownloadGenQuery{}, fmt.Errorf("discovery: invalid len: %w", err)
	}
	bias, err := strconv.ParseUint(parts[2], 10, 8)
	if err != nil {
		return DownloadGenQuery{}, fmt.Errorf("discovery: invalid bias: %w", err)
	}
	coeff, err := strconv.ParseUint(parts[3], 10, 8)
	if err != nil {
		return DownloadGenQuery{}, fmt.Errorf("discovery: invalid coefficient: %w", err)
	}
	modulus, err := strconv.ParseUint(parts[4], 10, 8)
	if err != nil {
		return DownloadGenQuery{}, fmt.Errorf("discovery: invalid modulus: %w", err)
	}
	if modulus < 2 {
		return DownloadGenQuery{}, fmt.Errorf("discovery: modulus must be >= 2, got %d", modulus)
	}
	return DownloadGenQuery{
		Encoding: encoding,
		Len:      uint16(length),
		Bias:     uint8(bias),
		Coeff:    uint8(coeff),
		Modulus:  uint8(modulus),
	}, nil
}

// ToDomain encodes the query as a domain under host, padding the total
// encoded length to padToLen bytes using "x"/"xx" filler labels. padToLen
// counts the wire-encoded length (length-prefixed labels plus the trailing
// zero byte), matching spec.md example 2.
func (q DownloadGenQuery) ToDomain(host dnsproto.Domain, padToLen int) (dnsproto.Domain, error) {
	parts := []string{
		fmt.Sprintf("f%s", q.Encoding),
		strconv.Itoa(int(q.Len)),
		strconv.Itoa(int(q.Bias)),
		strconv.Itoa(int(q.Coeff)),
		strconv.Itoa(int(q.Modulus)),
	}

	total := 1 // trailing zero-length label
	for _, p := range append(append([]string{}, host.Labels()...), parts...) {
		total += len(p) + 1
	}

	if total%2 != padToLen%2 {
		parts = append(parts, "xx")
		total += 3
	}
	for total < padToLen {
		parts = append(parts, "x")
		total += 2
	}
	if total > padToLen {
		return dnsproto.Domain{}, fmt.Errorf("discovery: target length %d is too short", padToLen)
	}
	return dnsproto.WithLabels(parts, host)
}

// DownloadGenResponse builds the answer message for a download-gen query,
// using the record code named in the query's encoding label.
func DownloadGenResponse(query dnsproto.Message) (dnsproto.Message, error) {
	if !IsDownloadGenQuery(query) {
		return dnsproto.Message{}, fmt.Errorf("discovery: not a download generation query")
	}
	q := query.Questions[0]
	parsed, err := DownloadGenQueryFromDomain(q.Domain)
	if err != nil {
		return dnsproto.Message{}, err
	}
	codec, ok := recordcode.Lookup(q.Type, parsed.Encoding)
	if !ok {
		return dnsproto.Message{}, fmt.Errorf("discovery: no record code found for %q", parsed.Encoding)
	}
	body, err := codec.EncodeBody(parsed.GeneratedData())
	if err != nil {
		return dnsproto.Message{}, err
	}
	result := query
	result.Answers = append(result.Answers, dnsproto.Record{
		Header: dnsproto.RecordHeader{Domain: q.Domain, Type: q.Type, Class: q.Class, TTL: 0},
		Body:   body,
	})
	result.Header.IsResponse = true
	return result, nil
}

func foldByte(b byte) byte {
	if b >= 'A' && b <= 'Z' {
		return b + ('a' - 'A')
	}
	return b
}
