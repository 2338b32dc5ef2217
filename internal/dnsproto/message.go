package dnsproto

import (
	"fmt"

	"github.com/faanross/myotun/internal/wire"
)

// Message is a complete DNS message: one header plus the four sections.
type Message struct {
	Header      Header
	Questions   []Question
	Answers     []Record
	Authorities []Record
	Additional  []Record
}

// Encode serializes the message, setting the header's section counts from
// the slice lengths.
func (m Message) Encode(e *wire.Encoder) error {
	h := m.Header
	h.QuestionCount = uint16(len(m.Questions))
	h.AnswerCount = uint16(len(m.Answers))
	h.AuthorityCount = uint16(len(m.Authorities))
	h.AdditionalCount = uint16(len(m.Additional))
	if err := h.Encode(e); err != nil {
		return err
	}
	for _, q := range m.Questions {
		if err := q.Encode(e); err != nil {
			return err
		}
	}
	for _, sec := range [][]Record{m.Answers, m.Authorities, m.Additional} {
		for _, r := range sec {
			if err := r.Encode(e); err != nil {
				return err
			}
		}
	}
	return nil
}

// DecodeMessage parses a complete message. It reads exactly Header's
// section counts worth of entries from each section and requires zero
// trailing bytes remain.
func DecodeMessage(raw []byte) (Message, error) {
	d := wire.NewDecoder(raw)
	h, err := DecodeHeader(d)
	if err != nil {
		return Message{}, err
	}
	m := Message{Header: h}

	for i := 0; i < int(h.QuestionCount); i++ {
		q, err := DecodeQuestion(d)
		if err != nil {
			return Message{}, err
		}
		m.Questions = append(m.Questions, q)
	}
	for i := 0; i < int(h.AnswerCount); i++ {
		r, err := DecodeRecord(d)
		if err != nil {
			return Message{}, err
		}
		m.Answers = append(m.Answers, r)
	}
	for i := 0; i < int(h.AuthorityCount); i++ {
		r, err := DecodeRecord(d)
		if err != nil {
			return Message{}, err
		}
		m.Authorities = append(m.Authorities, r)
	}
	for i := 0; i < int(h.AdditionalCount); i++ {
		r, err := DecodeRecord(d)
		if err != nil {
			return Message{}, err
		}
		m.Additional = append(m.Additional, r)
	}

	if d.Remaining() != 0 {
		return Message{}, fmt.Errorf("dnsproto: %d trailing bytes after message", d.Remaining())
	}
	return m, nil
}

// Encode is a convenience wrapper returning the encoded byte slice.
func Encode(m Message) ([]byte, error) {
	e := wire.NewEncoder()
	if err := m.Encode(e); err != nil {
		return nil, err
	}
	return e.Bytes(), nil
}
