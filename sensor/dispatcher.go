package sensor

import (
	"errors"
	"fmt"
	"time"

	"github.com/jpillora/backoff"

	"github.com/openipts/ipts/protocol"
)

// Transport carries protocol messages between the host and the ME. Send
// transmits one complete command, Recv blocks until the next complete
// message from the ME arrives. Delivery timing is owned by the bus.
type Transport interface {
	Send(msg []byte) error
	Recv(buf []byte) (int, error)
	Close() error
}

var (
	// ErrTimeout is returned when the ME does not answer a command in time.
	// It is more severe than any firmware-reported status.
	ErrTimeout = errors.New("timed out waiting for response")

	// ErrResponseMismatch is returned when a response arrives whose code
	// does not answer the command in flight.
	ErrResponseMismatch = errors.New("response code does not match request")

	// ErrClosed is returned for operations on a closed device.
	ErrClosed = errors.New("device is closed")
)

// errTransient marks a firmware status the sender should retry out of.
var errTransient = errors.New("transient firmware status")

type awaiter struct {
	code protocol.Code
	ch   chan protocol.Response
}

// send transmits a command and blocks until its response arrives, the
// timeout elapses, or the device is closed. Only one command is ever in
// flight; transient firmware statuses are retried with backoff until the
// deadline.
func (d *Device) send(code protocol.Code, payload interface{}) (*protocol.Response, error) {
	d.cmdMutex.Lock()
	defer d.cmdMutex.Unlock()

	if d.closed {
		return nil, ErrClosed
	}

	b := &backoff.Backoff{
		Min:    10 * time.Millisecond,
		Max:    250 * time.Millisecond,
		Factor: 2,
	}
	deadline := time.Now().Add(d.timeout)

	for {
		rsp, err := d.transact(code, payload, deadline)
		if err != nil {
			return nil, err
		}

		err = classify(rsp)
		if err == nil {
			return rsp, nil
		}
		if !errors.Is(err, errTransient) {
			return nil, err
		}

		wait := b.Duration()
		if time.Now().Add(wait).After(deadline) {
			return nil, &protocol.StatusError{Code: rsp.Code, Status: rsp.Status}
		}

		d.log("Command 0x%08x: %v, retrying", uint32(code), rsp.Status)
		time.Sleep(wait)
	}
}

// post transmits a command without waiting for its response. Used only for
// ready-for-data, which the ME answers on its own schedule; the response is
// routed to the unsolicited handler when it shows up.
func (d *Device) post(code protocol.Code, payload interface{}) error {
	d.cmdMutex.Lock()
	defer d.cmdMutex.Unlock()

	if d.closed {
		return ErrClosed
	}

	cmd := protocol.Command{Code: code, Payload: payload}
	msg, err := cmd.MarshalBinary()
	if err != nil {
		return err
	}

	return d.transport.Send(msg)
}

func (d *Device) transact(code protocol.Code, payload interface{}, deadline time.Time) (*protocol.Response, error) {
	cmd := protocol.Command{Code: code, Payload: payload}
	msg, err := cmd.MarshalBinary()
	if err != nil {
		return nil, err
	}

	w := &awaiter{code: code.Response(), ch: make(chan protocol.Response, 1)}
	d.waitMutex.Lock()
	d.waiter = w
	d.waitMutex.Unlock()

	defer func() {
		d.waitMutex.Lock()
		d.waiter = nil
		d.waitMutex.Unlock()
	}()

	if err := d.transport.Send(msg); err != nil {
		return nil, fmt.Errorf("failed to send command 0x%08x: %w", uint32(code), err)
	}

	select {
	case rsp := <-w.ch:
		if rsp.Code != w.code {
			return nil, fmt.Errorf("sent 0x%08x, got 0x%08x: %w", uint32(code), uint32(rsp.Code), ErrResponseMismatch)
		}
		return &rsp, nil
	case <-time.After(time.Until(deadline)):
		return nil, fmt.Errorf("command 0x%08x: %w", uint32(code), ErrTimeout)
	case <-d.done:
		return nil, ErrClosed
	}
}

// recvLoop reads messages from the transport and routes them. Responses to
// the command in flight wake the sender, everything else goes to the
// unsolicited handler.
func (d *Device) recvLoop() {
	buf := make([]byte, protocol.ResponseSize)

	for {
		n, err := d.transport.Recv(buf)
		if err != nil {
			select {
			case <-d.done:
			default:
				d.log("Error while reading response: %v", err)
			}
			return
		}

		var rsp protocol.Response
		if err := rsp.UnmarshalBinary(buf[:n]); err != nil {
			d.log("Dropping malformed message: %v", err)
			continue
		}

		d.waitMutex.Lock()
		w := d.waiter
		d.waitMutex.Unlock()

		if w != nil && !unsolicited(rsp.Code) {
			select {
			case w.ch <- rsp:
				continue
			default:
			}
		}

		d.handleUnsolicited(&rsp)
	}
}

// unsolicited reports whether the ME sends this response code on its own,
// outside the request/response discipline.
func unsolicited(code protocol.Code) bool {
	switch code {
	case protocol.EvtReadyForData.Response(), protocol.EvtNotifyDevReady.Response():
		return true
	}
	return false
}

func (d *Device) handleUnsolicited(rsp *protocol.Response) {
	if rsp.Status == protocol.StatusSensorUnexpectedReset {
		d.log("Sensor was reset unexpectedly, session needs a restart")
		return
	}

	d.log("Unsolicited response 0x%08x: %v", uint32(rsp.Code), rsp.Status)
}

// classify decides how to treat a firmware-reported status. Success passes;
// invalid-params on a feedback response is tolerated because the ME reports
// it spuriously there; transient statuses are retried by the sender; all
// other statuses fail the command.
func classify(rsp *protocol.Response) error {
	switch rsp.Status {
	case protocol.StatusSuccess:
		return nil
	case protocol.StatusInvalidParams:
		if rsp.Code == protocol.EvtFeedback.Response() {
			return nil
		}
	default:
		if rsp.Status.Transient() {
			return fmt.Errorf("%v: %w", rsp.Status, errTransient)
		}
	}

	return &protocol.StatusError{Code: rsp.Code, Status: rsp.Status}
}
