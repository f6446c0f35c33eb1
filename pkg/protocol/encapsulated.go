package protocol

// splitFlag marks an encapsulation that carries a fragment of a larger
// message and therefore a split header.
const splitFlag byte = 0x10

// EncapsulatedPacket is one unit of application payload with its
// reliability metadata, packed (possibly several at a time) inside a
// CustomPacket.
type EncapsulatedPacket struct {
	Reliability Reliability
	Split       bool

	MessageIndex uint32 // reliable classes only, 24-bit
	OrderIndex   uint32 // ordered and sequenced classes, 24-bit
	OrderChannel byte

	SplitCount uint32
	SplitID    uint16
	SplitIndex uint32

	Payload []byte
}

// HeaderLen returns the encoded size of the encapsulation header for this
// message, excluding the payload.
func (ep *EncapsulatedPacket) HeaderLen() int {
	n := 3 // flags + bit length
	if ep.Reliability.IsReliable() {
		n += 3
	}
	if ep.Reliability.hasOrderIndex() {
		n += 4
	}
	if ep.Split {
		n += 10
	}
	return n
}

// TotalLen returns the full encoded size including the payload.
func (ep *EncapsulatedPacket) TotalLen() int {
	return ep.HeaderLen() + len(ep.Payload)
}

func (ep *EncapsulatedPacket) write(w *Writer) {
	flags := byte(ep.Reliability) << 5
	if ep.Split {
		flags |= splitFlag
	}
	w.Uint8(flags)
	w.Uint16(uint16(len(ep.Payload)) << 3)
	if ep.Reliability.IsReliable() {
		w.Uint24(ep.MessageIndex)
	}
	if ep.Reliability.hasOrderIndex() {
		w.Uint24(ep.OrderIndex)
		w.Uint8(ep.OrderChannel)
	}
	if ep.Split {
		w.Uint32(ep.SplitCount)
		w.Uint16(ep.SplitID)
		w.Uint32(ep.SplitIndex)
	}
	w.Write(ep.Payload)
}

func readEncapsulated(r *Reader) (*EncapsulatedPacket, error) {
	flags, err := r.Uint8()
	if err != nil {
		return nil, err
	}
	ep := &EncapsulatedPacket{
		Reliability: Reliability(flags >> 5),
		Split:       flags&splitFlag != 0,
	}
	bitLen, err := r.Uint16()
	if err != nil {
		return nil, err
	}
	length := int(bitLen) >> 3
	if bitLen&7 != 0 {
		length++
	}
	if ep.Reliability.IsReliable() {
		if ep.MessageIndex, err = r.Uint24(); err != nil {
			return nil, err
		}
	}
	if ep.Reliability.hasOrderIndex() {
		if ep.OrderIndex, err = r.Uint24(); err != nil {
			return nil, err
		}
		if ep.OrderChannel, err = r.Uint8(); err != nil {
			return nil, err
		}
		if ep.OrderChannel >= OrderChannels {
			return nil, &MalformedPacketError{Offset: r.Offset() - 1, Reason: "order channel out of range"}
		}
	}
	if ep.Split {
		if ep.SplitCount, err = r.Uint32(); err != nil {
			return nil, err
		}
		if ep.SplitID, err = r.Uint16(); err != nil {
			return nil, err
		}
		if ep.SplitIndex, err = r.Uint32(); err != nil {
			return nil, err
		}
		if ep.SplitCount == 0 || ep.SplitIndex >= ep.SplitCount {
			return nil, &MalformedPacketError{Offset: r.Offset(), Reason: "split index outside split count"}
		}
	}
	b, err := r.Bytes(length)
	if err != nil {
		return nil, err
	}
	ep.Payload = make([]byte, length)
	copy(ep.Payload, b)
	return ep, nil
}
