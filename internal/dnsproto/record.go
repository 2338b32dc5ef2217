package dnsproto

import (
	"fmt"
	"net"

	"github.com/faanross/myotun/internal/wire"
)

// RecordType is the 16-bit DNS RR type. Unrecognized values round-trip as
// RecordTypeUnknown carrying the raw numeric type.
type RecordType struct {
	known   knownType
	unknown uint16 // valid only when known == typeUnknown
}

type knownType uint16

const (
	typeA knownType = iota
	typeNS
	typeCNAME
	typeSOA
	typePTR
	typeMX
	typeTXT
	typeAAAA
	typeUnknown
)

var (
	RecordTypeA     = RecordType{known: typeA}
	RecordTypeNS    = RecordType{known: typeNS}
	RecordTypeCNAME = RecordType{known: typeCNAME}
	RecordTypeSOA   = RecordType{known: typeSOA}
	RecordTypePTR   = RecordType{known: typePTR}
	RecordTypeMX    = RecordType{known: typeMX}
	RecordTypeTXT   = RecordType{known: typeTXT}
	RecordTypeAAAA  = RecordType{known: typeAAAA}
)

// RecordTypeUnknown wraps a numeric RR type not among the known constants.
func RecordTypeUnknown(v uint16) RecordType { return RecordType{known: typeUnknown, unknown: v} }

// Value returns the wire-format 16-bit type code.
func (t RecordType) Value() uint16 {
	switch t.known {
	case typeA:
		return 1
	case typeNS:
		return 2
	case typeCNAME:
		return 5
	case typeSOA:
		return 6
	case typePTR:
		return 12
	case typeMX:
		return 15
	case typeTXT:
		return 16
	case typeAAAA:
		return 28
	default:
		return t.unknown
	}
}

// IsUnknown reports whether this is a type not among the known constants.
func (t RecordType) IsUnknown() bool { return t.known == typeUnknown }

func decodeRecordType(v uint16) RecordType {
	switch v {
	case 1:
		return RecordTypeA
	case 2:
		return RecordTypeNS
	case 5:
		return RecordTypeCNAME
	case 6:
		return RecordTypeSOA
	case 12:
		return RecordTypePTR
	case 15:
		return RecordTypeMX
	case 16:
		return RecordTypeTXT
	case 28:
		return RecordTypeAAAA
	default:
		return RecordTypeUnknown(v)
	}
}

func (t RecordType) Encode(e *wire.Encoder) error {
	e.U16(t.Value())
	return nil
}

func decodeRecordType16(d *wire.Decoder) (RecordType, error) {
	v, err := d.U16()
	if err != nil {
		return RecordType{}, err
	}
	return decodeRecordType(v), nil
}

// RecordClass is the 16-bit DNS RR class.
type RecordClass struct {
	isIN    bool
	unknown uint16
}

// RecordClassIN is the Internet class.
var RecordClassIN = RecordClass{isIN: true}

// RecordClassUnknown wraps a numeric class not IN.
func RecordClassUnknown(v uint16) RecordClass { return RecordClass{unknown: v} }

func (c RecordClass) Value() uint16 {
	if c.isIN {
		return 1
	}
	return c.unknown
}

func decodeRecordClass(v uint16) RecordClass {
	if v == 1 {
		return RecordClassIN
	}
	return RecordClassUnknown(v)
}

// SOADetails is the body of an SOA record.
type SOADetails struct {
	MasterName      Domain
	ResponsibleName Domain
	Serial          uint32
	Refresh         uint32
	Retry           uint32
	Expire          uint32
	Minimum         uint32
}

// RecordBody is a tagged union of the record body shapes myotun needs to
// round-trip. Exactly one field is meaningful, selected by Tag.
type RecordBody struct {
	Tag     RecordBodyTag
	A       net.IP // 4 bytes
	AAAA    net.IP // 16 bytes
	Name    Domain // NS/CNAME/PTR
	SOA     SOADetails
	Unknown []byte
}

type RecordBodyTag int

const (
	BodyA RecordBodyTag = iota
	BodyAAAA
	BodyDomain
	BodySOA
	BodyUnknown
)

func (b RecordBody) encode(e *wire.Encoder) error {
	switch b.Tag {
	case BodyA:
		ip4 := b.A.To4()
		if ip4 == nil {
			return fmt.Errorf("dnsproto: A record body is not 4 bytes")
		}
		e.Raw(ip4)
		return nil
	case BodyAAAA:
		ip16 := b.AAAA.To16()
		if ip16 == nil {
			return fmt.Errorf("dnsproto: AAAA record body is not 16 bytes")
		}
		e.Raw(ip16)
		return nil
	case BodyDomain:
		return b.Name.Encode(e)
	case BodySOA:
		if err := b.SOA.MasterName.Encode(e); err != nil {
			return err
		}
		if err := b.SOA.ResponsibleName.Encode(e); err != nil {
			return err
		}
		e.U32(b.SOA.Serial)
		e.U32(b.SOA.Refresh)
		e.U32(b.SOA.Retry)
		e.U32(b.SOA.Expire)
		e.U32(b.SOA.Minimum)
		return nil
	case BodyUnknown:
		e.Raw(b.Unknown)
		return nil
	default:
		return fmt.Errorf("dnsproto: unknown record body tag %d", b.Tag)
	}
}

func decodeRecordBody(d *wire.Decoder, rtype RecordType, length int) (RecordBody, error) {
	switch rtype {
	case RecordTypeA:
		raw, err := d.ReadBytes(length)
		if err != nil {
			return RecordBody{}, err
		}
		if len(raw) != 4 {
			return RecordBody{}, fmt.Errorf("dnsproto: A record body must be 4 bytes, got %d", len(raw))
		}
		return RecordBody{Tag: BodyA, A: net.IP(raw)}, nil
	case RecordTypeAAAA:
		raw, err := d.ReadBytes(length)
		if err != nil {
			return RecordBody{}, err
		}
		if len(raw) != 16 {
			return RecordBody{}, fmt.Errorf("dnsproto: AAAA record body must be 16 bytes, got %d", len(raw))
		}
		return RecordBody{Tag: BodyAAAA, AAAA: net.IP(raw)}, nil
	case RecordTypeNS, RecordTypeCNAME, RecordTypePTR:
		name, err := DecodeDomain(d)
		if err != nil {
			return RecordBody{}, err
		}
		return RecordBody{Tag: BodyDomain, Name: name}, nil
	case RecordTypeSOA:
		master, err := DecodeDomain(d)
		if err != nil {
			return RecordBody{}, err
		}
		resp, err := DecodeDomain(d)
		if err != nil {
			return RecordBody{}, err
		}
		var soa SOADetails
		soa.MasterName, soa.ResponsibleName = master, resp
		if soa.Serial, err = d.U32(); err != nil {
			return RecordBody{}, err
		}
		if soa.Refresh, err = d.U32(); err != nil {
			return RecordBody{}, err
		}
		if soa.Retry, err = d.U32(); err != nil {
			return RecordBody{}, err
		}
		if soa.Expire, err = d.U32(); err != nil {
			return RecordBody{}, err
		}
		if soa.Minimum, err = d.U32(); err != nil {
			return RecordBody{}, err
		}
		return RecordBody{Tag: BodySOA, SOA: soa}, nil
	default:
		raw, err := d.ReadBytes(length)
		if err != nil {
			return RecordBody{}, err
		}
		return RecordBody{Tag: BodyUnknown, Unknown: raw}, nil
	}
}

// RecordHeader carries the shared fields of a resource record.
type RecordHeader struct {
	Domain Domain
	Type   RecordType
	Class  RecordClass
	TTL    uint32
}

// Record is a full resource record: header plus tagged body.
type Record struct {
	Header RecordHeader
	Body   RecordBody
}

func (r Record) Encode(e *wire.Encoder) error {
	if err := r.Header.Domain.Encode(e); err != nil {
		return err
	}
	if err := r.Header.Type.Encode(e); err != nil {
		return err
	}
	e.U16(r.Header.Class.Value())
	e.U32(r.Header.TTL)
	return e.WithLength(func() error {
		return r.Body.encode(e)
	})
}

func DecodeRecord(d *wire.Decoder) (Record, error) {
	var r Record
	name, err := DecodeDomain(d)
	if err != nil {
		return r, err
	}
	rtype, err := decodeRecordType16(d)
	if err != nil {
		return r, err
	}
	classVal, err := d.U16()
	if err != nil {
		return r, err
	}
	ttl, err := d.U32()
	if err != nil {
		return r, err
	}
	r.Header = RecordHeader{Domain: name, Type: rtype, Class: decodeRecordClass(classVal), TTL: ttl}

	var body RecordBody
	err = d.WithLength(func(n int) error {
		var berr error
		body, berr = decodeRecordBody(d, rtype, n)
		return berr
	})
	if err != nil {
		return r, err
	}
	r.Body = body
	return r, nil
}

// Question is a single entry of the DNS question section.
type Question struct {
	Domain Domain
	Type   RecordType
	Class  RecordClass
}

func (q Question) Encode(e *wire.Encoder) error {
	if err := q.Domain.Encode(e); err != nil {
		return err
	}
	if err := q.Type.Encode(e); err != nil {
		return err
	}
	e.U16(q.Class.Value())
	return nil
}

func DecodeQuestion(d *wire.Decoder) (Question, error) {
	var q Question
	name, err := DecodeDomain(d)
	if err != nil {
		return q, err
	}
	rtype, err := decodeRecordType16(d)
	if err != nil {
		return q, err
	}
	classVal, err := d.U16()
	if err != nil {
		return q, err
	}
	q.Domain, q.Type, q.Class = name, rtype, decodeRecordClass(classVal)
	return q, nil
}
