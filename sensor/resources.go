package sensor

import (
	"fmt"

	"github.com/openipts/ipts/protocol"
)

// Buffer is a region of pinned, bus-addressable memory shared with the ME.
// The firmware writes into it without any host synchronization, so it must
// stay allocated and unmoved for the lifetime of the session.
type Buffer struct {
	Data    []byte
	BusAddr uint64
}

// Allocator provides the shared memory. Allocating DMA-capable memory is
// platform specific and owned by the caller.
type Allocator interface {
	Alloc(size int) (*Buffer, error)
	Free(buf *Buffer) error
}

// resources holds every buffer registered with the ME in one memory window.
// The workqueue and host2me buffers are required by the firmware but their
// contents are never touched by the host.
type resources struct {
	data     [protocol.NumBuffers]*Buffer
	feedback [protocol.NumBuffers]*Buffer

	doorbell  *Buffer
	workqueue *Buffer
	host2me   *Buffer
}

// The doorbell is a single firmware-written counter.
const doorbellSize = 4

func allocResources(alloc Allocator, info *protocol.DeviceInfo) (*resources, error) {
	if info.DataSize == 0 || info.FeedbackSize == 0 {
		return nil, fmt.Errorf("device info reports zero buffer size (data=%d feedback=%d)", info.DataSize, info.FeedbackSize)
	}

	res := &resources{}

	var err error
	for i := 0; i < protocol.NumBuffers; i++ {
		if res.data[i], err = alloc.Alloc(int(info.DataSize)); err != nil {
			goto failed
		}
		if res.feedback[i], err = alloc.Alloc(int(info.FeedbackSize)); err != nil {
			goto failed
		}
	}

	if res.doorbell, err = alloc.Alloc(doorbellSize); err != nil {
		goto failed
	}
	if res.workqueue, err = alloc.Alloc(protocol.WorkqueueSize); err != nil {
		goto failed
	}
	if res.host2me, err = alloc.Alloc(int(info.FeedbackSize)); err != nil {
		goto failed
	}

	return res, nil

failed:
	res.free(alloc)
	return nil, fmt.Errorf("failed to allocate buffers: %w", err)
}

// free releases every allocated buffer, returning the first error seen.
func (r *resources) free(alloc Allocator) error {
	var first error

	release := func(buf **Buffer) {
		if *buf == nil {
			return
		}
		if err := alloc.Free(*buf); err != nil && first == nil {
			first = err
		}
		*buf = nil
	}

	for i := 0; i < protocol.NumBuffers; i++ {
		release(&r.data[i])
		release(&r.feedback[i])
	}
	release(&r.doorbell)
	release(&r.workqueue)
	release(&r.host2me)

	return first
}

// memWindow builds the registration payload handing every buffer address to
// the ME, split into 32 bit halves.
func (r *resources) memWindow() *protocol.SetMemWindowCmd {
	cmd := &protocol.SetMemWindowCmd{}

	for i := 0; i < protocol.NumBuffers; i++ {
		cmd.DataAddrLower[i], cmd.DataAddrUpper[i] = protocol.SplitAddr(r.data[i].BusAddr)
		cmd.FeedbackAddrLower[i], cmd.FeedbackAddrUpper[i] = protocol.SplitAddr(r.feedback[i].BusAddr)
	}

	cmd.WorkqueueAddrLower, cmd.WorkqueueAddrUpper = protocol.SplitAddr(r.workqueue.BusAddr)
	cmd.DoorbellAddrLower, cmd.DoorbellAddrUpper = protocol.SplitAddr(r.doorbell.BusAddr)
	cmd.Host2MeAddrLower, cmd.Host2MeAddrUpper = protocol.SplitAddr(r.host2me.BusAddr)

	cmd.Host2MeSize = uint32(len(r.host2me.Data))
	cmd.WorkqueueItemSize = protocol.WorkqueueItemSize
	cmd.WorkqueueSize = protocol.WorkqueueSize

	return cmd
}
