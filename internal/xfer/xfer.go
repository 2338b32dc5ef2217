// Package xfer implements the wire form of WWR traffic carried inside DNS
// queries and responses, and the session-side glue between a WWR state
// machine and a TCP chunker.
package xfer

import (
	"fmt"

	"github.com/faanross/myotun/internal/chunker"
	"github.com/faanross/myotun/internal/dnsproto"
	"github.com/faanross/myotun/internal/wire"
	"github.com/faanross/myotun/internal/wwr"
)

const (
	apiChunk = 't'
	apiPing  = 'p'
)

// EncodeAck writes an Ack as win_start:u32 followed by the packed window
// mask, MSB-first within each byte, trailing bits zero.
func EncodeAck(e *wire.Encoder, ack wwr.Ack) {
	e.U32(ack.WindowStart)
	var cur byte
	for i, b := range ack.WindowMask {
		cur <<= 1
		if b {
			cur |= 1
		}
		if i%8 == 7 {
			e.U8(cur)
			cur = 0
		}
	}
	if len(ack.WindowMask)%8 != 0 {
		cur <<= uint(8 - len(ack.WindowMask)%8)
		e.U8(cur)
	}
}

// DecodeAck reads an Ack, given the outgoing window size of the side whose
// chunks it acknowledges (the side decoding it, which is the producer's
// incoming window): the mask carries one bit per offset in [1, windowSize), so
// it is windowSize-1 bits wide, packed MSB-first and padded with zero bits
// to a byte boundary.
func DecodeAck(d *wire.Decoder, windowSize uint16) (wwr.Ack, error) {
	start, err := d.U32()
	if err != nil {
		return wwr.Ack{}, err
	}
	numBits := int(windowSize) - 1
	numBytes := numBits / 8
	if numBits%8 != 0 {
		numBytes++
	}
	raw, err := d.ReadBytes(numBytes)
	if err != nil {
		return wwr.Ack{}, err
	}
	bits := make([]bool, 0, numBits)
	for _, b := range raw {
		for j := 0; j < 8 && len(bits) < numBits; j++ {
			bits = append(bits, b&(1<<uint(7-j)) != 0)
		}
	}
	return wwr.Ack{WindowStart: start, WindowMask: bits}, nil
}

// EncodeChunk writes a Chunk as seq:u32 followed by its raw data, which
// runs to the end of the message.
func EncodeChunk(e *wire.Encoder, c wwr.Chunk) {
	e.U32(c.Seq)
	e.Raw(c.Data)
}

// DecodeChunk reads a Chunk, consuming all remaining bytes as its data.
func DecodeChunk(d *wire.Decoder) (wwr.Chunk, error) {
	seq, err := d.U32()
	if err != nil {
		return wwr.Chunk{}, err
	}
	data, err := d.ReadBytes(d.Remaining())
	if err != nil {
		return wwr.Chunk{}, err
	}
	return wwr.Chunk{Seq: seq, Data: data}, nil
}

// Packet is an ack plus an optional chunk; absence of a chunk denotes a pure
// keepalive/ack query or response.
type Packet struct {
	Ack   wwr.Ack
	Chunk wwr.Chunk
	HasChunk bool
}

// EncodePacket writes ack, then the chunk if present.
func EncodePacket(e *wire.Encoder, p Packet) {
	EncodeAck(e, p.Ack)
	if p.HasChunk {
		EncodeChunk(e, p.Chunk)
	}
}

// DecodeResponsePacket reads a response packet: an ack, then a chunk if any
// bytes remain.
func DecodeResponsePacket(d *wire.Decoder, windowSize uint16) (Packet, error) {
	ack, err := DecodeAck(d, windowSize)
	if err != nil {
		return Packet{}, err
	}
	if d.Remaining() == 0 {
		return Packet{Ack: ack}, nil
	}
	chunk, err := DecodeChunk(d)
	if err != nil {
		return Packet{}, err
	}
	return Packet{Ack: ack, Chunk: chunk, HasChunk: true}, nil
}

// ClientQuery is the client's per-query payload: its session id plus a
// packet, distinguished on the wire by the api code 't' (chunk-carrying) or
// 'p' (ack-only keepalive).
type ClientQuery struct {
	SessionID uint16
	Packet    Packet
}

// DecodeClientQuery parses a client query body. windowSize is the server's
// outgoing window size, needed to size the ack's mask.
func DecodeClientQuery(apiCode byte, data []byte, windowSize uint16) (ClientQuery, error) {
	if apiCode != apiChunk && apiCode != apiPing {
		return ClientQuery{}, fmt.Errorf("xfer: unknown api code %q", apiCode)
	}
	d := wire.NewDecoder(data)
	sessionID, err := d.U16()
	if err != nil {
		return ClientQuery{}, err
	}
	ack, err := DecodeAck(d, windowSize)
	if err != nil {
		return ClientQuery{}, err
	}
	if apiCode == apiPing {
		return ClientQuery{SessionID: sessionID, Packet: Packet{Ack: ack}}, nil
	}
	chunk, err := DecodeChunk(d)
	if err != nil {
		return ClientQuery{}, err
	}
	return ClientQuery{SessionID: sessionID, Packet: Packet{Ack: ack, Chunk: chunk, HasChunk: true}}, nil
}

// EncodeClientQuery is the inverse of DecodeClientQuery, returning the api
// code to stamp into the query's name-code marker label alongside the
// encoded body. A nonce source supplies the random 64-bit value appended to
// ack-only queries, so repeated pings aren't collapsed by caching resolvers.
func EncodeClientQuery(q ClientQuery, nonce uint64) (apiCode byte, body []byte) {
	e := wire.NewEncoder()
	e.U16(q.SessionID)
	EncodeAck(e, q.Packet.Ack)
	if q.Packet.HasChunk {
		EncodeChunk(e, q.Packet.Chunk)
		return apiChunk, e.Bytes()
	}
	e.U64(nonce)
	return apiPing, e.Bytes()
}

// IsXferQuery reports whether msg is an xfer query: a single question whose
// first label starts with 't' or 'p' followed by a decimal session id.
func IsXferQuery(msg dnsproto.Message) (sessionID uint16, apiCode byte, ok bool) {
	if msg.Header.IsResponse || len(msg.Questions) != 1 {
		return 0, 0, false
	}
	labels := msg.Questions[0].Domain.Labels()
	if len(labels) == 0 || len(labels[0]) < 2 {
		return 0, 0, false
	}
	first := labels[0]
	c := first[0]
	if c != apiChunk && c != apiPing {
		return 0, 0, false
	}
	var id uint16
	for i := 1; i < len(first); i++ {
		ch := first[i]
		if ch < '0' || ch > '9' {
			return 0, 0, false
		}
		id = id*10 + uint16(ch-'0')
	}
	return id, c, true
}

// HandlePacketIn applies an incoming packet's ack to state, then, if conn
// has room and the packet carries a chunk, drains everything the chunk
// newly makes available into conn in order, signalling EOF to conn if an
// empty chunk drained.
func HandlePacketIn(p Packet, state *wwr.State, conn *chunker.TCPChunker) {
	state.HandleAck(p.Ack)
	if !conn.CanSend() || !p.HasChunk {
		return
	}
	var buffer []byte
	finished := false
	for _, c := range state.HandleChunk(p.Chunk) {
		if len(c.Data) == 0 {
			finished = true
			break // data past EOF is meaningless
		}
		buffer = append(buffer, c.Data...)
	}
	if len(buffer) > 0 {
		conn.Send(buffer)
	}
	if finished {
		conn.SendFinished()
	}
}

// NextPacketOut drains as much of conn's inbound stream as state's send
// window allows, pushing EOF to state once conn reaches EOF, then returns
// the next packet to transmit.
func NextPacketOut(state *wwr.State, conn *chunker.TCPChunker) Packet {
	for state.SendBufferSpace() > 0 {
		data, ok := conn.Recv()
		if !ok {
			break
		}
		if len(data) > 0 {
			state.PushSendBuffer(data)
		} else {
			state.PushEOF()
		}
	}
	chunk, hasChunk := state.NextSendChunk()
	return Packet{Ack: state.NextSendAck(), Chunk: chunk, HasChunk: hasChunk}
}
