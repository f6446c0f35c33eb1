package raknet

import (
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/appnet-org/raknet/pkg/logging"
	"github.com/appnet-org/raknet/pkg/protocol"
)

const (
	// resendInterval is how long a reliable datagram may sit
	// unacknowledged before it is re-queued with a fresh sequence number.
	resendInterval = 500 * time.Millisecond

	// customHeaderSize is the CustomPacket overhead: one ID byte plus the
	// 24-bit sequence number.
	customHeaderSize = 4

	// maxSplitParts bounds the part count of a single split message.
	maxSplitParts = 256

	// maxActiveSplits bounds concurrent split reassemblies.
	maxActiveSplits = 16

	// maxOrderBuffer bounds the per-channel reassembly buffer for
	// out-of-order reliable-ordered messages.
	maxOrderBuffer = 512

	// maxNAKGap bounds the set of missing sequence numbers tracked for
	// NAKs; once it is full, further gaps are not recorded.
	maxNAKGap = 1024
)

// deliveryFunc receives each inbound user payload in delivery order.
type deliveryFunc func(payload []byte, reliability protocol.Reliability, channel byte)

// outgoingFunc transmits one encoded packet to the session's remote.
type outgoingFunc func(p protocol.Packet)

type resendEntry struct {
	messages []*protocol.EncapsulatedPacket
	sentAt   time.Time
}

type splitAssembly struct {
	parts    [][]byte
	received uint32

	reliability  protocol.Reliability
	orderIndex   uint32
	orderChannel byte
}

// reliabilityEngine is the per-session send/receive pipeline: datagram
// sequencing, ACK/NAK bookkeeping, retransmission, fragmentation, and the
// ordered/sequenced delivery channels. It holds no lock of its own; the
// owning session serializes access.
type reliabilityEngine struct {
	mtu     int
	deliver deliveryFunc
	send    outgoingFunc
	metrics *Metrics

	// Send side.
	nextSequence       uint32
	nextMessageIndex   uint32
	nextOrderIndex     [protocol.OrderChannels]uint32
	nextSequencedIndex [protocol.OrderChannels]uint32
	nextSplitID        uint16
	queue              []*protocol.EncapsulatedPacket
	resend             map[uint32]*resendEntry

	// Receive side. missing tracks every unfilled sequence hole so a
	// late arrival can be told apart from a duplicate; nakToSend is the
	// subset not yet reported to the sender.
	highestSequence uint32
	haveSequence    bool
	pendingACK      []uint32
	missing         map[uint32]struct{}
	nakToSend       []uint32

	expectedOrder   [protocol.OrderChannels]uint32
	orderBuffer     [protocol.OrderChannels]map[uint32]*protocol.EncapsulatedPacket
	latestSequenced [protocol.OrderChannels]uint32
	haveSequenced   [protocol.OrderChannels]bool

	reliableWatermark uint32
	seenReliable      map[uint32]struct{}

	splits map[uint16]*splitAssembly
}

func newReliabilityEngine(mtu uint16, deliver deliveryFunc, send outgoingFunc, metrics *Metrics) *reliabilityEngine {
	return &reliabilityEngine{
		mtu:          int(mtu),
		deliver:      deliver,
		send:         send,
		metrics:      metrics,
		resend:       make(map[uint32]*resendEntry),
		missing:      make(map[uint32]struct{}),
		seenReliable: make(map[uint32]struct{}),
		splits:       make(map[uint16]*splitAssembly),
	}
}

// Send enqueues one user payload, splitting it when it does not fit a
// single CustomPacket at the session MTU. The queued messages leave on
// the next Update.
func (e *reliabilityEngine) Send(rel protocol.Reliability, channel byte, payload []byte) error {
	if channel >= protocol.OrderChannels {
		return ErrInvalidChannel
	}

	ep := &protocol.EncapsulatedPacket{
		Reliability:  rel,
		OrderChannel: channel,
		Payload:      payload,
	}
	switch {
	case rel.IsOrdered():
		ep.OrderIndex = e.nextOrderIndex[channel]
		e.nextOrderIndex[channel] = (e.nextOrderIndex[channel] + 1) & protocol.SequenceMask
	case rel.IsSequenced():
		ep.OrderIndex = e.nextSequencedIndex[channel]
		e.nextSequencedIndex[channel] = (e.nextSequencedIndex[channel] + 1) & protocol.SequenceMask
	}

	if customHeaderSize+ep.TotalLen() <= e.mtu {
		if rel.IsReliable() {
			ep.MessageIndex = e.takeMessageIndex()
		}
		e.queue = append(e.queue, ep)
		return nil
	}

	// Oversize: fragment into parts that each fit a CustomPacket with a
	// split header.
	template := *ep
	template.Split = true
	chunk := e.mtu - customHeaderSize - template.HeaderLen()
	count := (len(payload) + chunk - 1) / chunk

	splitID := e.nextSplitID
	e.nextSplitID++

	for i := 0; i < count; i++ {
		lo := i * chunk
		hi := lo + chunk
		if hi > len(payload) {
			hi = len(payload)
		}
		part := &protocol.EncapsulatedPacket{
			Reliability:  rel,
			OrderIndex:   ep.OrderIndex,
			OrderChannel: channel,
			Split:        true,
			SplitCount:   uint32(count),
			SplitID:      splitID,
			SplitIndex:   uint32(i),
			Payload:      payload[lo:hi],
		}
		if rel.IsReliable() {
			part.MessageIndex = e.takeMessageIndex()
		}
		e.queue = append(e.queue, part)
	}
	return nil
}

func (e *reliabilityEngine) takeMessageIndex() uint32 {
	idx := e.nextMessageIndex
	e.nextMessageIndex = (e.nextMessageIndex + 1) & protocol.SequenceMask
	return idx
}

// HandleCustomPacket records the datagram's sequence number, schedules
// ACK/NAK traffic, and feeds each encapsulated message through the
// per-class delivery path.
func (e *reliabilityEngine) HandleCustomPacket(cp *protocol.CustomPacket) {
	seq := cp.Sequence & protocol.SequenceMask

	// Acknowledge everything we see, duplicates included.
	e.pendingACK = append(e.pendingACK, seq)

	switch {
	case !e.haveSequence:
		e.haveSequence = true
		e.highestSequence = seq

	case seq == e.highestSequence:
		e.metrics.DuplicateDatagrams.Inc()
		return

	case protocol.SequenceLess(e.highestSequence, seq):
		for g := (e.highestSequence + 1) & protocol.SequenceMask; g != seq; g = (g + 1) & protocol.SequenceMask {
			if len(e.missing) >= maxNAKGap {
				break
			}
			e.missing[g] = struct{}{}
			e.nakToSend = append(e.nakToSend, g)
		}
		e.highestSequence = seq

	default:
		// Behind the highest sequence: either a late arrival filling a
		// hole we recorded, or a duplicate.
		if _, ok := e.missing[seq]; !ok {
			e.metrics.DuplicateDatagrams.Inc()
			return
		}
		delete(e.missing, seq)
	}

	for _, ep := range cp.Messages {
		e.receiveEncapsulated(ep)
	}
}

func (e *reliabilityEngine) receiveEncapsulated(ep *protocol.EncapsulatedPacket) {
	if ep.Reliability.IsReliable() && e.duplicateReliable(ep.MessageIndex&protocol.SequenceMask) {
		return
	}
	if ep.Split {
		if combined := e.assembleSplit(ep); combined != nil {
			e.dispatchOrdered(combined)
		}
		return
	}
	e.dispatchOrdered(ep)
}

// duplicateReliable records idx as seen and reports whether it was seen
// before. The watermark advances over contiguous runs so the seen set
// stays bounded.
func (e *reliabilityEngine) duplicateReliable(idx uint32) bool {
	if idx != e.reliableWatermark && protocol.SequenceLess(idx, e.reliableWatermark) {
		return true
	}
	if _, ok := e.seenReliable[idx]; ok {
		return true
	}
	e.seenReliable[idx] = struct{}{}
	for {
		if _, ok := e.seenReliable[e.reliableWatermark]; !ok {
			break
		}
		delete(e.seenReliable, e.reliableWatermark)
		e.reliableWatermark = (e.reliableWatermark + 1) & protocol.SequenceMask
	}
	return false
}

func (e *reliabilityEngine) assembleSplit(ep *protocol.EncapsulatedPacket) *protocol.EncapsulatedPacket {
	a, ok := e.splits[ep.SplitID]
	if !ok {
		if ep.SplitCount > maxSplitParts || len(e.splits) >= maxActiveSplits {
			e.metrics.SplitsDropped.Inc()
			logging.Debug("split dropped",
				zap.Uint16("splitID", ep.SplitID),
				zap.Uint32("splitCount", ep.SplitCount))
			return nil
		}
		a = &splitAssembly{
			parts:        make([][]byte, ep.SplitCount),
			reliability:  ep.Reliability,
			orderIndex:   ep.OrderIndex,
			orderChannel: ep.OrderChannel,
		}
		e.splits[ep.SplitID] = a
	}
	if int(ep.SplitIndex) >= len(a.parts) {
		e.metrics.SplitsDropped.Inc()
		return nil
	}
	if a.parts[ep.SplitIndex] == nil {
		a.parts[ep.SplitIndex] = ep.Payload
		a.received++
	}
	if int(a.received) < len(a.parts) {
		return nil
	}

	size := 0
	for _, p := range a.parts {
		size += len(p)
	}
	joined := make([]byte, 0, size)
	for _, p := range a.parts {
		joined = append(joined, p...)
	}
	delete(e.splits, ep.SplitID)
	e.metrics.SplitsReassembled.Inc()

	return &protocol.EncapsulatedPacket{
		Reliability:  a.reliability,
		OrderIndex:   a.orderIndex,
		OrderChannel: a.orderChannel,
		Payload:      joined,
	}
}

func (e *reliabilityEngine) dispatchOrdered(ep *protocol.EncapsulatedPacket) {
	switch {
	case ep.Reliability.IsOrdered():
		ch := ep.OrderChannel
		idx := ep.OrderIndex & protocol.SequenceMask
		exp := e.expectedOrder[ch]
		switch {
		case idx == exp:
			e.deliver(ep.Payload, ep.Reliability, ch)
			exp = (exp + 1) & protocol.SequenceMask
			for {
				next, ok := e.orderBuffer[ch][exp]
				if !ok {
					break
				}
				delete(e.orderBuffer[ch], exp)
				e.deliver(next.Payload, next.Reliability, ch)
				exp = (exp + 1) & protocol.SequenceMask
			}
			e.expectedOrder[ch] = exp
		case protocol.SequenceLess(idx, exp):
			// Already delivered on this channel.
		default:
			if e.orderBuffer[ch] == nil {
				e.orderBuffer[ch] = make(map[uint32]*protocol.EncapsulatedPacket)
			}
			if len(e.orderBuffer[ch]) < maxOrderBuffer {
				e.orderBuffer[ch][idx] = ep
			}
		}

	case ep.Reliability.IsSequenced():
		ch := ep.OrderChannel
		idx := ep.OrderIndex & protocol.SequenceMask
		if e.haveSequenced[ch] && !protocol.SequenceLess(e.latestSequenced[ch], idx) {
			return
		}
		e.haveSequenced[ch] = true
		e.latestSequenced[ch] = idx
		e.deliver(ep.Payload, ep.Reliability, ch)

	default:
		e.deliver(ep.Payload, ep.Reliability, ep.OrderChannel)
	}
}

// HandleACK drops the acknowledged sequence numbers from the resend map.
// Sequences we no longer hold are silently ignored.
func (e *reliabilityEngine) HandleACK(ranges []protocol.AckRange) {
	for _, seq := range protocol.Sequences(ranges) {
		delete(e.resend, seq&protocol.SequenceMask)
	}
}

// HandleNAK moves the referenced reliable messages to the front of the
// send queue for retransmission under a fresh sequence number. Sequences
// we no longer hold are silently ignored.
func (e *reliabilityEngine) HandleNAK(ranges []protocol.AckRange) {
	for _, seq := range protocol.Sequences(ranges) {
		entry, ok := e.resend[seq&protocol.SequenceMask]
		if !ok {
			continue
		}
		delete(e.resend, seq&protocol.SequenceMask)
		e.queue = append(append([]*protocol.EncapsulatedPacket{}, entry.messages...), e.queue...)
		e.metrics.Retransmissions.Inc()
	}
}

// Update drives the outbound side: overdue retransmissions, queue
// flushing into MTU-sized CustomPackets, and ACK/NAK emission. Calling it
// twice with the same clock and no intervening I/O is a no-op on the
// second call.
func (e *reliabilityEngine) Update(now time.Time) {
	e.resendOverdue(now)
	e.flushQueue(now)
	e.flushAcknowledgements()
}

func (e *reliabilityEngine) resendOverdue(now time.Time) {
	var overdue []uint32
	for seq, entry := range e.resend {
		if now.Sub(entry.sentAt) >= resendInterval {
			overdue = append(overdue, seq)
		}
	}
	sort.Slice(overdue, func(i, j int) bool {
		return protocol.SequenceLess(overdue[i], overdue[j])
	})
	for _, seq := range overdue {
		entry := e.resend[seq]
		delete(e.resend, seq)
		e.queue = append(append([]*protocol.EncapsulatedPacket{}, entry.messages...), e.queue...)
		e.metrics.Retransmissions.Inc()
	}
}

func (e *reliabilityEngine) flushQueue(now time.Time) {
	for len(e.queue) > 0 {
		size := customHeaderSize
		var batch []*protocol.EncapsulatedPacket
		for len(e.queue) > 0 {
			ep := e.queue[0]
			if len(batch) > 0 && size+ep.TotalLen() > e.mtu {
				break
			}
			batch = append(batch, ep)
			size += ep.TotalLen()
			e.queue = e.queue[1:]
		}
		e.emitCustomPacket(batch, now)
	}
	e.queue = nil
}

func (e *reliabilityEngine) emitCustomPacket(batch []*protocol.EncapsulatedPacket, now time.Time) {
	cp := &protocol.CustomPacket{
		Sequence: e.nextSequence,
		Messages: batch,
	}
	e.nextSequence = (e.nextSequence + 1) & protocol.SequenceMask

	var reliable []*protocol.EncapsulatedPacket
	for _, ep := range batch {
		if ep.Reliability.IsReliable() {
			reliable = append(reliable, ep)
		}
	}
	if len(reliable) > 0 {
		e.resend[cp.Sequence] = &resendEntry{messages: reliable, sentAt: now}
	}
	e.send(cp)
}

func (e *reliabilityEngine) flushAcknowledgements() {
	if len(e.pendingACK) > 0 {
		e.send(&protocol.ACK{Ranges: protocol.CoalesceSequences(e.pendingACK)})
		e.pendingACK = nil
		e.metrics.AcksSent.Inc()
	}
	if len(e.nakToSend) > 0 {
		// Only report holes that are still open by flush time.
		seqs := e.nakToSend[:0]
		for _, s := range e.nakToSend {
			if _, ok := e.missing[s]; ok {
				seqs = append(seqs, s)
			}
		}
		e.nakToSend = nil
		if len(seqs) > 0 {
			e.send(&protocol.NAK{Ranges: protocol.CoalesceSequences(seqs)})
			e.metrics.NaksSent.Inc()
		}
	}
}

// reset discards every queue and partial reassembly; used on teardown.
func (e *reliabilityEngine) reset() {
	e.queue = nil
	e.resend = make(map[uint32]*resendEntry)
	e.pendingACK = nil
	e.missing = make(map[uint32]struct{})
	e.nakToSend = nil
	e.splits = make(map[uint16]*splitAssembly)
	for i := range e.orderBuffer {
		e.orderBuffer[i] = nil
	}
}
