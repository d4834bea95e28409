package sensor

import (
	"fmt"

	"github.com/openipts/ipts/protocol"
)

// slotState tracks who owns a data buffer. Ownership is handed over purely
// through the protocol: a doorbell advance passes a buffer to the host, the
// feedback command passes it back.
type slotState int

const (
	// slotFree: feedback acknowledged, the ME may take the buffer again.
	slotFree slotState = iota

	// slotAwaitingFirmware: the ME owns the buffer and may be writing it.
	slotAwaitingFirmware

	// slotFilled: announced through the doorbell, ready for the consumer.
	slotFilled

	// slotPendingFeedback: consumed, feedback not yet acknowledged.
	slotPendingFeedback
)

func (s slotState) String() string {
	switch s {
	case slotFree:
		return "free"
	case slotAwaitingFirmware:
		return "awaiting firmware"
	case slotFilled:
		return "filled"
	case slotPendingFeedback:
		return "pending feedback"
	}
	return fmt.Sprintf("invalid state %d", int(s))
}

// bufferRing resolves doorbell values to buffer slots and enforces the
// ownership handoff. The doorbell is a free-running counter; its value
// modulo the buffer count names the completed slot, and consecutive values
// must differ by exactly one. Violations are driver or firmware bugs and
// fail loudly instead of being absorbed.
type bufferRing struct {
	slots [protocol.NumBuffers]slotState

	// next is the doorbell value we have not trusted yet. Every value is
	// acted on exactly once.
	next  uint32
	armed bool
}

// arm hands all buffers to the ME. Called once the memory window has been
// accepted, after which the firmware may start advancing the doorbell.
func (r *bufferRing) arm() {
	for i := range r.slots {
		r.slots[i] = slotAwaitingFirmware
	}
	r.next = 0
	r.armed = true
}

// reset forgets all ownership state. Used on teardown, when the memory
// window has been cleared and the buffers are about to be freed.
func (r *bufferRing) reset() {
	for i := range r.slots {
		r.slots[i] = slotFree
	}
	r.next = 0
	r.armed = false
}

// observe acts on a single doorbell value and returns the slot it completed.
// Values must arrive in order with no gaps; a skipped value means buffers
// were lost, and a slot that is still filled or pending feedback means the
// ME is reusing memory the host has not returned yet.
func (r *bufferRing) observe(value uint32) (int, error) {
	if !r.armed {
		return 0, fmt.Errorf("doorbell %d observed before the memory window was set", value)
	}
	if value != r.next {
		return 0, fmt.Errorf("doorbell skipped from %d to %d", r.next, value)
	}

	slot := int(value % protocol.NumBuffers)
	switch r.slots[slot] {
	case slotFree, slotAwaitingFirmware:
	default:
		return 0, fmt.Errorf("doorbell %d names slot %d which is %v", value, slot, r.slots[slot])
	}

	r.slots[slot] = slotFilled
	r.next = value + 1

	return slot, nil
}

// consumed marks a filled slot as read by the consumer. Only after this may
// feedback for the slot be sent.
func (r *bufferRing) consumed(slot int) error {
	if err := r.check(slot, slotFilled); err != nil {
		return err
	}
	r.slots[slot] = slotPendingFeedback
	return nil
}

// release returns a slot to the ME after its feedback was acknowledged.
func (r *bufferRing) release(slot int) error {
	if err := r.check(slot, slotPendingFeedback); err != nil {
		return err
	}
	r.slots[slot] = slotFree
	return nil
}

func (r *bufferRing) check(slot int, want slotState) error {
	if slot < 0 || slot >= protocol.NumBuffers {
		return fmt.Errorf("slot %d out of range", slot)
	}
	if r.slots[slot] != want {
		return fmt.Errorf("slot %d is %v, not %v", slot, r.slots[slot], want)
	}
	return nil
}

// outstanding counts buffers the host holds but has not returned. If this
// reaches the buffer count the ME stalls until feedback catches up.
func (r *bufferRing) outstanding() int {
	n := 0
	for _, s := range r.slots {
		if s == slotFilled || s == slotPendingFeedback {
			n++
		}
	}
	return n
}
