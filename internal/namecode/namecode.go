// Package namecode implements the pluggable mapping between raw protocol
// bytes and DNS label sequences used by every myotun query shape.
package namecode

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/faanross/myotun/internal/dnsproto"
)

// NameCode is a bidirectional mapping between raw bytes and DNS labels,
// resolved once at establish time and carried as a concrete value inside
// the session (no dynamic registry on the hot path).
type NameCode interface {
	// EncodeParts renders data into the labels that sit between the
	// "<api><sess>" marker label and the host's own labels.
	EncodeParts(data []byte) ([]string, error)
	// DecodeParts is the inverse of EncodeParts.
	DecodeParts(parts []string) ([]byte, error)
}

// Lookup resolves a name-code identifier to its implementation. Unknown
// identifiers are a fatal UnsupportedCodec condition at establishment.
func Lookup(name string) (NameCode, bool) {
	switch name {
	case "b16":
		return HexNameCode{}, true
	default:
		return nil, false
	}
}

// EncodeDomain prepends label "<api><sess>", then the labels produced by
// EncodeParts(data), then host's own labels. Per spec.md §4.3 example 3:
// EncodeDomain('t', 13, []byte{0,1,2,0x34}, "hello.com") ==
// "t13.00010234.hello.com".
func EncodeDomain(nc NameCode, api byte, sess uint16, data []byte, host dnsproto.Domain) (dnsproto.Domain, error) {
	parts, err := nc.EncodeParts(data)
	if err != nil {
		return dnsproto.Domain{}, err
	}
	sessLabel := fmt.Sprintf("%c%d", api, sess)
	labels := append([]string{sessLabel}, parts...)
	return dnsproto.WithLabels(labels, host)
}

// DecodeDomain verifies name ends with host (case-insensitively), then
// parses the leading "<api><sess>" label and decodes the interior data
// labels.
func DecodeDomain(nc NameCode, name dnsproto.Domain, host dnsproto.Domain) (api byte, sess uint16, data []byte, err error) {
	if !name.HasSuffixFold(host) {
		return 0, 0, nil, fmt.Errorf("namecode: incorrect host domain suffix")
	}
	rest := name.TrimSuffix(host)
	if len(rest) == 0 {
		return 0, 0, nil, fmt.Errorf("namecode: no data in domain")
	}
	first := rest[0]
	if len(first) < 1 {
		return 0, 0, nil, fmt.Errorf("namecode: empty leading label")
	}
	apiFlag := first[0]
	sessNum, err := strconv.ParseUint(first[1:], 10, 16)
	if err != nil {
		return 0, 0, nil, fmt.Errorf("namecode: invalid session id in leading label %q: %w", first, err)
	}

	data, err = nc.DecodeParts(rest[1:])
	if err != nil {
		return 0, 0, nil, err
	}
	return apiFlag, uint16(sessNum), data, nil
}

// HexNameCode maps bytes to lowercase-hex labels, greedily packed into
// 63-byte labels. Encode always produces lowercase; decode tolerates
// uppercase via label lowercasing.
type HexNameCode struct{}

const hexDigits = "0123456789abcdef"

// EncodeParts emits as few labels as possible, each holding as many hex
// digit pairs as fit in 63 bytes.
func (HexNameCode) EncodeParts(data []byte) ([]string, error) {
	var labels []string
	cur := strings.Builder{}
	for _, b := range data {
		cur.WriteByte(hexDigits[b>>4])
		cur.WriteByte(hexDigits[b&0xf])
		if cur.Len()+2 > 63 {
			labels = append(labels, cur.String())
			cur = strings.Builder{}
		}
	}
	if cur.Len() > 0 {
		labels = append(labels, cur.String())
	}
	return labels, nil
}

// DecodeParts is the inverse of EncodeParts: each label must have an even
// length and decode as hex, tolerating uppercase.
func (HexNameCode) DecodeParts(parts []string) ([]byte, error) {
	var data []byte
	for _, rawPart := range parts {
		part := strings.ToLower(rawPart)
		if len(part)%2 != 0 {
			return nil, fmt.Errorf("namecode: invalid label length %d", len(part))
		}
		for j := 0; j < len(part); j += 2 {
			b, err := strconv.ParseUint(part[j:j+2], 16, 8)
			if err != nil {
				return nil, fmt.Errorf("namecode: invalid hex byte %q: %w", part[j:j+2], err)
			}
			data = append(data, byte(b))
		}
	}
	return data, nil
}
