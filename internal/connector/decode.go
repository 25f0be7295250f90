package connector

// Decode parses a connector message out of a netlink payload.
//
// Messages for connector protocols other than proc events decode to an
// Other payload without error and without reading past the header.
// Unknown proc event kinds are an error.
func Decode(b []byte) (Message, error) {
	buf, err := NewBuffer(b)
	if err != nil {
		return Message{}, err
	}

	header := buf.Header()
	if header.Idx != IdxProc {
		return Message{Header: header, Payload: Other{}}, nil
	}

	payload, err := DecodeProcMessage(buf.Data())
	if err != nil {
		return Message{}, err
	}

	return Message{Header: header, Payload: payload}, nil
}

// DecodeProcMessage parses the data of a proc connector message.
// A McastOpLen sized body is a control message, anything else a proc_event.
func DecodeProcMessage(data []byte) (ProcMessage, error) {
	if len(data) == McastOpLen {
		return decodeControl(data)
	}

	ev, err := NewEventBuffer(data)
	if err != nil {
		return nil, err
	}

	what := ev.What()
	decode, ok := eventDecoders[what]
	if !ok {
		return nil, &DecodeError{Section: "proc event", Err: &UnknownEventError{What: uint32(what)}}
	}

	event, err := decode(ev.Payload())
	if err != nil {
		return nil, err
	}

	return ProcEvent{
		CPU:       ev.CPU(),
		Timestamp: ev.Timestamp(),
		Event:     event,
	}, nil
}

func decodeControl(data []byte) (ProcMessage, error) {
	switch op := McastOp(mcastOpField.uint32(data)); op {
	case McastListen:
		return Listen{}, nil
	case McastIgnore:
		return Ignore{}, nil
	default:
		return nil, &DecodeError{Section: "control message", Err: &UnknownOpError{Op: uint32(op)}}
	}
}
