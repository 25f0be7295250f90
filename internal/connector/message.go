package connector

import "fmt"

// Header is struct cn_msg without its trailing data.
// Len must equal the serialized size of the payload; Emit does not fix it up.
type Header struct {
	Idx   uint32
	Val   uint32
	Seq   uint32
	Ack   uint32
	Len   uint16
	Flags uint16
}

func (h Header) emit(b []byte) {
	idxField.putUint32(b, h.Idx)
	valField.putUint32(b, h.Val)
	seqField.putUint32(b, h.Seq)
	ackField.putUint32(b, h.Ack)
	lenField.putUint16(b, h.Len)
	flagsField.putUint16(b, h.Flags)
}

// Payload is the data carried after a connector header.
type Payload interface {
	bufferLen() int
	emit(b []byte)
}

// ProcMessage is a payload of the process events connector:
// Listen, Ignore or ProcEvent.
type ProcMessage interface {
	Payload
	procMessage()
}

// Other stands for a connector protocol this package does not parse.
// Decoding drops its bytes, so encoding it writes only the header.
type Other struct{}

func (Other) bufferLen() int { return 0 }
func (Other) emit([]byte) {}

// Listen asks the kernel to start multicasting proc events.
type Listen struct{}

func (Listen) bufferLen() int { return McastOpLen }
func (Listen) emit(b []byte) { mcastOpField.putUint32(b, uint32(McastListen)) }
func (Listen) procMessage() {}
func (Listen) String() string { return McastListen.String() }

// Ignore asks the kernel to stop multicasting proc events.
type Ignore struct{}

func (Ignore) bufferLen() int { return McastOpLen }
func (Ignore) emit(b []byte) { mcastOpField.putUint32(b, uint32(McastIgnore)) }
func (Ignore) procMessage() {}
func (Ignore) String() string { return McastIgnore.String() }

// ProcEvent is a kernel notification together with the CPU it fired on and
// its timestamp in nanoseconds since boot.
type ProcEvent struct {
	CPU       uint32
	Timestamp uint64
	Event     Event
}

func (p ProcEvent) bufferLen() int {
	if p.Event == nil {
		return EventHeaderLen
	}
	return EventHeaderLen + p.Event.Size()
}

func (p ProcEvent) emit(b []byte) {
	if p.Event != nil {
		whatField.putUint32(b, uint32(p.Event.Kind()))
		p.Event.emit(b[eventPayloadOffset:])
	}
	cpuField.putUint32(b, p.CPU)
	timestampField.putUint64(b, p.Timestamp)
}

func (ProcEvent) procMessage() {}

// Message is a complete connector message.
type Message struct {
	Header  Header
	Payload Payload
}

// MessageType is the netlink message type the message is carried in.
func (m Message) MessageType() uint16 {
	return NetlinkTypeDone
}

// BufferLen returns the exact number of bytes Emit writes.
func (m Message) BufferLen() int {
	if m.Payload == nil {
		return HeaderLen
	}
	return HeaderLen + m.Payload.bufferLen()
}

// Emit serializes m into b, which must hold at least BufferLen bytes.
func (m Message) Emit(b []byte) error {
	if n := m.BufferLen(); len(b) < n {
		return fmt.Errorf("%w: need %d bytes, have %d", ErrBufferTooSmall, n, len(b))
	}
	m.Header.emit(b)
	if m.Payload != nil {
		m.Payload.emit(b[dataOffset:])
	}
	return nil
}

// MarshalBinary implements encoding.BinaryMarshaler.
func (m Message) MarshalBinary() ([]byte, error) {
	b := make([]byte, m.BufferLen())
	if err := m.Emit(b); err != nil {
		return nil, err
	}
	return b, nil
}

// UnmarshalBinary implements encoding.BinaryUnmarshaler.
func (m *Message) UnmarshalBinary(b []byte) error {
	msg, err := Decode(b)
	if err != nil {
		return err
	}
	*m = msg
	return nil
}

// NewControlMessage builds the message that subscribes to (McastListen) or
// unsubscribes from (McastIgnore) the process events connector.
func NewControlMessage(op McastOp) (Message, error) {
	var payload ProcMessage
	switch op {
	case McastListen:
		payload = Listen{}
	case McastIgnore:
		payload = Ignore{}
	default:
		return Message{}, &UnknownOpError{Op: uint32(op)}
	}
	return Message{
		Header: Header{
			Idx: IdxProc,
			Val: ValProc,
			Len: uint16(payload.bufferLen()),
		},
		Payload: payload,
	}, nil
}
