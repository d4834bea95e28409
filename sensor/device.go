// Package sensor implements the host side of the touch/stylus sensor
// protocol spoken with the management engine (ME) firmware. It negotiates
// the device info, arms multitouch mode, registers the shared buffer set
// and runs the doorbell/feedback loop that hands raw heatmap buffers
// between firmware and host. The bus transport and the DMA-capable memory
// allocation are injected by the caller.
package sensor

import (
	"encoding/binary"
	"fmt"
	"sync"
	"time"

	"github.com/openipts/ipts/protocol"
)

type LogFunc func(format string, params ...interface{})

// defaultTimeout bounds every command round trip, including retries of
// transient firmware statuses.
const defaultTimeout = 3 * time.Second

// Device is one sensor session. It is created ready for data and must be
// closed to quiesce the firmware and release the shared buffers.
type Device struct {
	transport Transport
	alloc     Allocator
	logFunc   LogFunc
	timeout   time.Duration

	info protocol.DeviceInfo
	res  *resources
	ring bufferRing

	// cmdMutex serializes host-initiated commands, so at most one is in
	// flight at any time.
	cmdMutex sync.Mutex
	closed   bool
	ready    bool

	waitMutex sync.Mutex
	waiter    *awaiter

	done      chan struct{}
	closeOnce sync.Once
}

func (d *Device) log(format string, params ...interface{}) {
	if d.logFunc != nil {
		d.logFunc(" * "+format, params...)
	}
}

func newDevice(transport Transport, alloc Allocator, logFunc LogFunc) *Device {
	return &Device{
		transport: transport,
		alloc:     alloc,
		logFunc:   logFunc,
		timeout:   defaultTimeout,
		done:      make(chan struct{}),
	}
}

// New opens a session on the given transport and brings the sensor up:
// device info is negotiated, multitouch mode armed, and the memory window
// registered. On any failure the session is torn down completely and the
// transport closed; no partially-usable device is ever returned.
func New(transport Transport, alloc Allocator, logFunc LogFunc) (*Device, error) {
	d := newDevice(transport, alloc, logFunc)

	go d.recvLoop()

	if err := d.start(); err != nil {
		d.Close()
		return nil, err
	}

	return d, nil
}

func (d *Device) start() error {
	if err := d.getDeviceInfo(); err != nil {
		return fmt.Errorf("device info negotiation failed: %w", err)
	}

	if err := d.setMode(protocol.ModeMultitouch); err != nil {
		return fmt.Errorf("failed to set sensor mode: %w", err)
	}

	if err := d.setMemWindow(); err != nil {
		return fmt.Errorf("failed to set memory window: %w", err)
	}

	d.log("Device %04X:%04X ready", d.info.VendorID, d.info.DeviceID)

	return d.post(protocol.EvtReadyForData, nil)
}

// getDeviceInfo queries the sensor identity and the buffer sizes that gate
// every later allocation. Must run before any buffer exists.
func (d *Device) getDeviceInfo() error {
	rsp, err := d.send(protocol.EvtGetDeviceInfo, nil)
	if err != nil {
		return err
	}

	info, err := rsp.DeviceInfo()
	if err != nil {
		return err
	}

	d.info = *info
	d.log("Found sensor: %v", info)

	return nil
}

// setMode arms the sensor operating mode. Only multitouch is supported;
// some hardware generations reject everything else at the firmware level,
// and this implementation rejects it before it reaches the wire.
func (d *Device) setMode(mode protocol.SensorMode) error {
	if mode != protocol.ModeMultitouch {
		return fmt.Errorf("sensor mode %d is not supported", mode)
	}

	_, err := d.send(protocol.EvtSetMode, &protocol.SetModeCmd{Mode: mode})
	return err
}

// setMemWindow allocates the full buffer set from the negotiated sizes and
// registers it with the ME. On success the firmware owns the data buffers
// and may begin advancing the doorbell.
func (d *Device) setMemWindow() error {
	res, err := allocResources(d.alloc, &d.info)
	if err != nil {
		return err
	}

	if _, err := d.send(protocol.EvtSetMemWindow, res.memWindow()); err != nil {
		res.free(d.alloc)
		return err
	}

	d.cmdMutex.Lock()
	d.res = res
	d.ring.arm()
	d.ready = true
	d.cmdMutex.Unlock()

	return nil
}

// Info returns the negotiated device info.
func (d *Device) Info() protocol.DeviceInfo {
	return d.info
}

// Ready reports whether the memory window is armed and data may arrive.
func (d *Device) Ready() bool {
	d.cmdMutex.Lock()
	defer d.cmdMutex.Unlock()
	return d.ready && !d.closed
}

func (d *Device) readDoorbell() uint32 {
	return binary.LittleEndian.Uint32(d.res.doorbell.Data)
}

// Poll reads the doorbell and hands every newly completed data buffer to
// consume, in doorbell order. After consume returns, the buffer is fed back
// to the ME and may be overwritten immediately; consume must not retain the
// slice. Each doorbell value is acted on exactly once, and every
// read-consume-feedback step completes before the next buffer is touched.
func (d *Device) Poll(consume func(data []byte) error) error {
	if !d.Ready() {
		return fmt.Errorf("cannot poll: %w", ErrClosed)
	}

	doorbell := d.readDoorbell()

	for d.ring.next != doorbell {
		slot, err := d.ring.observe(d.ring.next)
		if err != nil {
			return err
		}

		buf := d.res.data[slot]
		hdr, err := protocol.ParseDataHeader(buf.Data)
		if err != nil {
			return fmt.Errorf("slot %d: %w", slot, err)
		}

		if err := consume(buf.Data); err != nil {
			return fmt.Errorf("consumer failed on slot %d: %w", slot, err)
		}

		if err := d.ring.consumed(slot); err != nil {
			return err
		}

		if err := d.feedback(slot, hdr.Transaction); err != nil {
			return fmt.Errorf("feedback for slot %d: %w", slot, err)
		}
	}

	return nil
}

// feedback returns one consumed buffer to the ME. The transaction id comes
// from the buffer's own header, never from the host. A failure is scoped to
// this buffer: the slot stays pending and the session remains usable.
func (d *Device) feedback(slot int, transaction uint32) error {
	if err := d.ring.check(slot, slotPendingFeedback); err != nil {
		return err
	}

	cmd := &protocol.FeedbackCmd{
		Buffer:      uint32(slot),
		Transaction: transaction,
	}

	if _, err := d.send(protocol.EvtFeedback, cmd); err != nil {
		return err
	}

	return d.ring.release(slot)
}

// Restart tears the memory window down and runs the bring-up again. Used
// after the firmware reports an unexpected sensor reset.
func (d *Device) Restart() error {
	d.log("Restarting sensor session")

	if err := d.stopDataFlow(); err != nil {
		return err
	}

	return d.start()
}

// stopDataFlow quiesces the firmware and releases the memory window. The
// in-flight command, if any, completes or times out first; the buffers are
// freed only afterwards, since the firmware may still be writing into them.
func (d *Device) stopDataFlow() error {
	d.cmdMutex.Lock()
	armed := d.ready
	d.ready = false
	d.cmdMutex.Unlock()

	if armed {
		if _, err := d.send(protocol.EvtQuiesceIO, nil); err != nil {
			d.log("Failed to quiesce: %v", err)
		}
		if _, err := d.send(protocol.EvtClearMemWindow, nil); err != nil {
			d.log("Failed to clear memory window: %v", err)
		}
	}

	d.cmdMutex.Lock()
	defer d.cmdMutex.Unlock()

	d.ring.reset()
	if d.res != nil {
		err := d.res.free(d.alloc)
		d.res = nil
		return err
	}

	return nil
}

// Close quiesces the firmware, releases all buffers and closes the
// transport. Safe to call multiple times and on a partially constructed
// session.
func (d *Device) Close() error {
	var err error

	d.closeOnce.Do(func() {
		err = d.stopDataFlow()

		d.cmdMutex.Lock()
		d.closed = true
		d.cmdMutex.Unlock()

		close(d.done)

		if cerr := d.transport.Close(); cerr != nil && err == nil {
			err = cerr
		}
	})

	return err
}

// Probe queries the device identity without arming the sensor or touching
// any buffers. It takes ownership of the transport and closes it.
func Probe(transport Transport, logFunc LogFunc) (*protocol.DeviceInfo, error) {
	d := newDevice(transport, nil, logFunc)

	go d.recvLoop()
	defer d.Close()

	if err := d.getDeviceInfo(); err != nil {
		return nil, fmt.Errorf("device info negotiation failed: %w", err)
	}

	info := d.info
	return &info, nil
}
