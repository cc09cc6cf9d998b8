// Package wire defines the fixed-layout records exchanged between workers:
// events, antimessages, and ECS control messages.
package wire

import "fmt"

// Mark uniquely identifies a send, for antimessage matching. It is a pairing
// of a sender id and a per-sender monotonic counter, kept stable across the
// lifetime of the simulation so antimessages can annihilate their positive
// twin regardless of where either currently lives.
type Mark uint64

// NewMark constructs a Mark from a sender id and a per-sender counter. The
// sender id occupies the high 24 bits, the counter the low 40; this bounds
// the model to 2^24 LPs and 2^40 sends per LP, which comfortably exceeds any
// realistic configuration while keeping the pairing a pure bit operation.
func NewMark(senderID uint32, counter uint64) Mark {
	return Mark(uint64(senderID)<<40 | (counter & (1<<40 - 1)))
}

// SenderID extracts the sender id encoded in the Mark.
func (m Mark) SenderID() uint32 { return uint32(m >> 40) }

// Counter extracts the per-sender counter encoded in the Mark.
func (m Mark) Counter() uint64 { return uint64(m) & (1<<40 - 1) }

func (m Mark) String() string {
	return fmt.Sprintf("mark(%d,%d)", m.SenderID(), m.Counter())
}

// Kind distinguishes the categories of record carried between workers.
type Kind uint8

const (
	KindPositive Kind = iota
	KindAntimessage
	KindRendezvousStart
	KindRendezvousAck
)

func (k Kind) String() string {
	switch k {
	case KindPositive:
		return "positive"
	case KindAntimessage:
		return "antimessage"
	case KindRendezvousStart:
		return "rendezvous_start"
	case KindRendezvousAck:
		return "rendezvous_ack"
	default:
		return "unknown"
	}
}

// ControlMessage is the fixed record exchanged between workers, per the wire
// format named in the external-interfaces section of the specification.
type ControlMessage struct {
	Sender      uint32
	Receiver    uint32
	SendTime    float64
	ReceiveTime float64
	Kind        Kind
	Type        uint32
	Mark        Mark
	Payload     []byte
}

// Annihilates reports whether positive and the antimessage anti cancel:
// equal mark, opposite polarity.
func Annihilates(positive, anti ControlMessage) bool {
	return positive.Kind == KindPositive && anti.Kind == KindAntimessage && positive.Mark == anti.Mark
}
