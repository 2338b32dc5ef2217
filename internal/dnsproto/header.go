package dnsproto

import (
	"fmt"

	"github.com/faanross/myotun/internal/wire"
)

// Opcode is the 4-bit DNS operation code.
type Opcode int

const (
	OpcodeQuery Opcode = iota
	OpcodeIQuery
	OpcodeStatus
	OpcodeNotify
	OpcodeUpdate
	OpcodeUnknown
)

func opcodeToWire(o Opcode) (uint8, error) {
	switch o {
	case OpcodeQuery:
		return 0, nil
	case OpcodeIQuery:
		return 1, nil
	case OpcodeStatus:
		return 2, nil
	case OpcodeNotify:
		return 4, nil
	case OpcodeUpdate:
		return 5, nil
	default:
		return 0, fmt.Errorf("dnsproto: unknown opcode on encode: %v", o)
	}
}

func opcodeFromWire(v uint8) Opcode {
	switch v {
	case 0:
		return OpcodeQuery
	case 1:
		return OpcodeIQuery
	case 2:
		return OpcodeStatus
	case 4:
		return OpcodeNotify
	case 5:
		return OpcodeUpdate
	default:
		return OpcodeUnknown
	}
}

// ResponseCode is the 4-bit DNS response code.
type ResponseCode int

const (
	RCodeNoError ResponseCode = iota
	RCodeFormatError
	RCodeServerFailure
	RCodeNXDomain
	RCodeNotImplemented
	RCodeRefused
	RCodeYXDomain
	RCodeYXRRSet
	RCodeNXRRSet
	RCodeNotAuth
	RCodeNotZone
	RCodeUnknown
)

func rcodeToWire(r ResponseCode) (uint8, error) {
	switch r {
	case RCodeNoError, RCodeFormatError, RCodeServerFailure, RCodeNXDomain,
		RCodeNotImplemented, RCodeRefused, RCodeYXDomain, RCodeYXRRSet,
		RCodeNXRRSet, RCodeNotAuth, RCodeNotZone:
		return uint8(r), nil
	default:
		return 0, fmt.Errorf("dnsproto: unknown response code on encode: %v", r)
	}
}

func rcodeFromWire(v uint8) ResponseCode {
	if v <= uint8(RCodeNotZone) {
		return ResponseCode(v)
	}
	return RCodeUnknown
}

// Header is the fixed 12-byte DNS message header.
type Header struct {
	ID                 uint16
	IsResponse         bool
	Opcode             Opcode
	Authoritative      bool
	Truncated          bool
	RecursionDesired   bool
	RecursionAvailable bool
	ResponseCode       ResponseCode

	QuestionCount   uint16
	AnswerCount     uint16
	AuthorityCount  uint16
	AdditionalCount uint16
}

// Encode writes the header. The 3 reserved bits between RA and RCODE are
// always sent zero.
func (h Header) Encode(e *wire.Encoder) error {
	e.U16(h.ID)

	opcode, err := opcodeToWire(h.Opcode)
	if err != nil {
		return err
	}
	rcode, err := rcodeToWire(h.ResponseCode)
	if err != nil {
		return err
	}

	var bw wire.BitWriter
	bw.WriteBit(h.IsResponse)
	bw.WriteBits(uint64(opcode), 4)
	bw.WriteBit(h.Authoritative)
	bw.WriteBit(h.Truncated)
	bw.WriteBit(h.RecursionDesired)
	bw.WriteBit(h.RecursionAvailable)
	bw.WriteBits(0, 3) // reserved
	bw.WriteBits(uint64(rcode), 4)
	packed, ok := bw.Pack(16)
	if !ok {
		return fmt.Errorf("dnsproto: header flag field did not pack to 16 bits")
	}
	e.U16(uint16(packed))

	e.U16(h.QuestionCount)
	e.U16(h.AnswerCount)
	e.U16(h.AuthorityCount)
	e.U16(h.AdditionalCount)
	return nil
}

// DecodeHeader reads a 12-byte header. Unknown opcode/rcode values decode to
// the Unknown variant rather than failing.
func DecodeHeader(d *wire.Decoder) (Header, error) {
	var h Header
	id, err := d.U16()
	if err != nil {
		return h, err
	}
	h.ID = id

	flags, err := d.U16()
	if err != nil {
		return h, err
	}
	br := wire.NewBitReader(uint64(flags), 16)
	bit := func() bool { b, _ := br.ReadBit(); return b }
	bits := func(n int) uint64 { v, _ := br.ReadBits(n); return v }

	h.IsResponse = bit()
	h.Opcode = opcodeFromWire(uint8(bits(4)))
	h.Authoritative = bit()
	h.Truncated = bit()
	h.RecursionDesired = bit()
	h.RecursionAvailable = bit()
	bits(3) // reserved, ignored
	h.ResponseCode = rcodeFromWire(uint8(bits(4)))

	if h.QuestionCount, err = d.U16(); err != nil {
		return h, err
	}
	if h.AnswerCount, err = d.U16(); err != nil {
		return h, err
	}
	if h.AuthorityCount, err = d.U16(); err != nil {
		return h, err
	}
	if h.AdditionalCount, err = d.U16(); err != nil {
		return h, err
	}
	return h, nil
}
