// Package wwr implements the window-within-window-of-retransmission state
// machine: a sliding-window, selective-ACK, round-robin-retransmission
// reliable bytestream running over a channel that can lose, reorder, or
// duplicate messages, with idempotent delivery.
//
// Sequence numbers are uint32 and all arithmetic on them wraps modulo 2^32,
// which Go's unsigned integer overflow gives us for free.
package wwr

// Chunk is one piece of outgoing or incoming stream data tagged with its
// sequence number. A zero-length Data marks end-of-stream.
type Chunk struct {
	Seq  uint32
	Data []byte
}

// Ack is a selective acknowledgement: everything before WindowStart has been
// fully received, and WindowMask[i] reports whether sequence number
// WindowStart+i+1 has also been received out of order.
type Ack struct {
	WindowStart uint32
	WindowMask  []bool
}

// State is one endpoint's view of a WWR session: an incoming window being
// assembled in order, and an outgoing window being drained via round-robin
// retransmission until acknowledged.
type State struct {
	inWinSize  uint16
	inWinStart uint32
	inReceived []Chunk
	inEOF      bool

	outWinSize  uint16
	outNextSeq  uint32
	outWinStart uint32
	outPending  []Chunk
	outRobin    int
	outEOF      bool
}

// New creates a State given the remote's outgoing window size, our outgoing
// window size, and the sequence number both directions start counting from.
func New(inWinSize, outWinSize uint16, seqStart uint32) *State {
	return &State{
		inWinSize:  inWinSize,
		inWinStart: seqStart,

		outWinSize:  outWinSize,
		outNextSeq:  seqStart,
		outWinStart: seqStart,
	}
}

// IsDone reports whether both directions have seen and sent EOF and every
// outgoing chunk, the EOF chunk included, has been acknowledged.
func (s *State) IsDone() bool {
	return s.inEOF && s.outEOF && len(s.outPending) == 0
}

// NextSendAck returns the acknowledgement to attach to the next outgoing
// message, describing everything received so far.
func (s *State) NextSendAck() Ack {
	mask := make([]bool, s.inWinSize-1)
	for _, c := range s.inReceived {
		offset := c.Seq - s.inWinStart - 1
		if offset >= uint32(s.inWinSize) {
			panic("wwr: received chunk outside declared window")
		}
		mask[offset] = true
	}
	return Ack{WindowStart: s.inWinStart, WindowMask: mask}
}

// NextSendChunk returns the next chunk to (re)transmit, cycling through the
// pending outgoing chunks round-robin so no chunk starves. Call this at most
// once per outgoing message. Returns ok=false if there is nothing pending.
func (s *State) NextSendChunk() (Chunk, bool) {
	if len(s.outPending) == 0 {
		return Chunk{}, false
	}
	if s.outRobin >= len(s.outPending) {
		s.outRobin = 0
	}
	c := s.outPending[s.outRobin]
	s.outRobin++
	return c, true
}

// SendBufferSpace returns how many more chunks PushSendBuffer will accept
// before the outgoing window fills.
func (s *State) SendBufferSpace() int {
	winUsed := s.outNextSeq - s.outWinStart
	if int(winUsed) > int(s.outWinSize) {
		panic("wwr: outgoing window overflowed")
	}
	return int(s.outWinSize) - int(winUsed)
}

// PushSendBuffer appends data as the next outgoing chunk. Callers must check
// SendBufferSpace() > 0 first, must not call this after PushEOF, and must
// not pass an empty chunk.
func (s *State) PushSendBuffer(data []byte) {
	if s.outEOF {
		panic("wwr: push to send buffer after EOF")
	}
	if s.SendBufferSpace() <= 0 {
		panic("wwr: push to send buffer with no space")
	}
	s.outPending = append(s.outPending, Chunk{Seq: s.outNextSeq, Data: data})
	s.outNextSeq++
}

// PushEOF appends the terminating empty chunk to the outgoing stream.
// Callers must check SendBufferSpace() > 0 before the first call; subsequent
// calls are no-ops.
func (s *State) PushEOF() {
	if s.outEOF {
		return
	}
	s.PushSendBuffer(nil)
	s.outEOF = true
}

// HandleAck applies a remote acknowledgement, dropping any outgoing chunks
// it confirms and discarding it outright if it is stale (further behind the
// current window than the window size allows) or if its window start lies
// past the next sequence number to be sent.
func (s *State) HandleAck(ack Ack) {
	if ack.WindowStart == s.outNextSeq {
		s.outPending = nil
		s.outRobin = 0
		s.outWinStart = s.outNextSeq
		return
	}
	residual := ack.WindowStart - s.outWinStart
	if residual > uint32(s.outWinSize) || residual > s.outNextSeq-s.outWinStart {
		return // stale ack, or one acknowledging chunks never sent
	}
	for i := uint32(0); i < residual; i++ {
		s.removeOutSeq(s.outWinStart + i)
	}
	s.outWinStart = ack.WindowStart
	for i, got := range ack.WindowMask {
		if got {
			s.removeOutSeq(ack.WindowStart + uint32(i) + 1)
		}
	}
}

// HandleChunk applies an incoming chunk, returning every chunk that chunk's
// arrival makes available for delivery, in order, starting from the current
// window start. If the returned slice's last element has empty Data, it
// marks end-of-stream and no further chunks will ever be returned.
func (s *State) HandleChunk(chunk Chunk) []Chunk {
	if s.inEOF {
		return nil
	}

	offset := chunk.Seq - s.inWinStart
	if offset >= uint32(s.inWinSize) {
		return nil // stale or premature
	}
	for _, c := range s.inReceived {
		if c.Seq == chunk.Seq {
			return nil // duplicate
		}
	}
	s.inReceived = append(s.inReceived, chunk)

	var result []Chunk
	for {
		found := -1
		for i, c := range s.inReceived {
			if c.Seq == s.inWinStart {
				found = i
				break
			}
		}
		if found < 0 {
			break
		}
		c := s.inReceived[found]
		s.inReceived[found] = s.inReceived[len(s.inReceived)-1]
		s.inReceived = s.inReceived[:len(s.inReceived)-1]

		result = append(result, c)
		s.inWinStart++
		if len(c.Data) == 0 {
			s.inEOF = true
			return result
		}
	}
	return result
}

func (s *State) removeOutSeq(seq uint32) {
	for i := len(s.outPending) - 1; i >= 0; i-- {
		if s.outPending[i].Seq == seq {
			s.outPending = append(s.outPending[:i], s.outPending[i+1:]...)
			if s.outRobin > i {
				s.outRobin--
			}
			return
		}
	}
}
