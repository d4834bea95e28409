// Package protocol defines the wire format spoken between the host and the
// touch sensor management engine (ME) firmware. All layouts are fixed and
// little-endian; they are part of the firmware contract and must match it
// byte for byte.
package protocol

import (
	"bytes"
	"encoding/binary"
	"fmt"
)

// Protocol constants. These are never negotiated.
const (
	// NumBuffers is the number of data buffers and feedback buffers used.
	NumBuffers = 16

	// WorkqueueSize and WorkqueueItemSize describe the workqueue scratch
	// buffer the firmware requires. Its contents are opaque to the host.
	WorkqueueSize     = 8192
	WorkqueueItemSize = 16
)

// Wire sizes of the fixed structures.
const (
	CommandSize      = 324
	ResponseSize     = 88
	SetModeSize      = 16
	SetMemWindowSize = 320
	FeedbackSize     = 16
	DeviceInfoSize   = 44
	DataHeaderSize   = 64
)

// Code identifies a command sent to the ME, or the response to one.
type Code uint32

// Commands understood by the ME.
const (
	EvtGetDeviceInfo Code = iota + 1
	EvtSetMode
	EvtSetMemWindow
	EvtQuiesceIO
	EvtReadyForData
	EvtFeedback
	EvtClearMemWindow
	EvtNotifyDevReady
)

// The ME answers command X with response code X + 0x80000000.
const responseBit Code = 0x80000000

// Response returns the response code the ME uses to answer c.
func (c Code) Response() Code {
	return c | responseBit
}

// IsResponse reports whether c is a response code.
func (c Code) IsResponse() bool {
	return c&responseBit != 0
}

// Request returns the command code a response code answers.
func (c Code) Request() Code {
	return c &^ responseBit
}

// Status is the result code the ME returns for a command. Not all non-zero
// statuses are fatal, see Transient.
type Status uint32

const (
	StatusSuccess Status = iota
	StatusInvalidParams
	StatusAccessDenied
	StatusCmdSizeError
	StatusNotReady
	StatusRequestOutstanding
	StatusNoSensorFound
	StatusOutOfMemory
	StatusInternalError
	StatusSensorDisabled
	StatusCompatCheckFail
	StatusSensorExpectedReset
	StatusSensorUnexpectedReset
	StatusResetFailed
	StatusTimeout
	StatusTestModeFail
	StatusSensorFailFatal
	StatusSensorFailNonFatal
	StatusInvalidDeviceCaps
	StatusQuiesceIOInProgress
)

var statusNames = [...]string{
	"success",
	"invalid params",
	"access denied",
	"command size error",
	"not ready",
	"request outstanding",
	"no sensor found",
	"out of memory",
	"internal error",
	"sensor disabled",
	"compatibility check failed",
	"sensor expected reset",
	"sensor unexpected reset",
	"reset failed",
	"timeout",
	"test mode failed",
	"fatal sensor failure",
	"nonfatal sensor failure",
	"invalid device capabilities",
	"quiesce io in progress",
}

func (s Status) String() string {
	if int(s) < len(statusNames) {
		return statusNames[s]
	}
	return fmt.Sprintf("unknown status %d", uint32(s))
}

// Transient reports whether s describes a state the ME expects the host to
// retry out of, rather than a failure.
func (s Status) Transient() bool {
	switch s {
	case StatusRequestOutstanding, StatusNotReady, StatusQuiesceIOInProgress:
		return true
	}
	return false
}

// StatusError is returned when the ME answers a command with a status that
// the caller cannot ignore.
type StatusError struct {
	Code   Code
	Status Status
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("command 0x%08x failed: %v", uint32(e.Code), e.Status)
}

// SensorMode selects how the sensor reports input.
type SensorMode uint32

const (
	// ModeSingletouch disables the stylus and returns basic HID data only.
	// This implementation does not support it.
	ModeSingletouch SensorMode = iota

	// ModeMultitouch returns stylus and raw heatmap data.
	ModeMultitouch
)

// SetModeCmd is the payload of EvtSetMode.
type SetModeCmd struct {
	Mode     SensorMode
	Reserved [12]byte
}

// SetMemWindowCmd is the payload of EvtSetMemWindow. It hands the bus
// addresses of every shared buffer to the ME in one registration. The
// feedback, workqueue and host2me buffers stay empty but the ME refuses to
// operate without them.
type SetMemWindowCmd struct {
	DataAddrLower      [NumBuffers]uint32
	DataAddrUpper      [NumBuffers]uint32
	WorkqueueAddrLower uint32
	WorkqueueAddrUpper uint32
	DoorbellAddrLower  uint32
	DoorbellAddrUpper  uint32
	FeedbackAddrLower  [NumBuffers]uint32
	FeedbackAddrUpper  [NumBuffers]uint32
	Host2MeAddrLower   uint32
	Host2MeAddrUpper   uint32
	Host2MeSize        uint32
	Reserved1          byte
	WorkqueueItemSize  uint8
	WorkqueueSize      uint16
	Reserved2          [32]byte
}

// FeedbackCmd is the payload of EvtFeedback. It tells the ME the host has
// consumed a data buffer and its contents may be overwritten. Transaction
// must be the id read from the buffer itself.
type FeedbackCmd struct {
	Buffer      uint32
	Transaction uint32
	Reserved    [8]byte
}

// DeviceInfo is the payload of the EvtGetDeviceInfo response. DataSize and
// FeedbackSize are the required sizes of the data and feedback buffers.
type DeviceInfo struct {
	VendorID     uint16
	DeviceID     uint16
	HwRev        uint32
	FwRev        uint32
	DataSize     uint32
	FeedbackSize uint32
	Reserved     [24]byte
}

func (i *DeviceInfo) String() string {
	return fmt.Sprintf("Vendor=%04X Device=%04X HwRev=%08X FwRev=%08X DataSize=%d FeedbackSize=%d",
		i.VendorID, i.DeviceID, i.HwRev, i.FwRev, i.DataSize, i.FeedbackSize)
}

// DataHeader sits at the start of every filled data buffer. The transaction
// id it carries is echoed back to the ME in the feedback command for that
// buffer. The remainder of the buffer holds raw heatmap/stylus data that
// this package does not interpret.
type DataHeader struct {
	Type        uint32
	Size        uint32
	Buffer      uint32
	Transaction uint32
	Reserved    [48]byte
}

// Command is a host-to-ME message: a code plus an optional payload. Payload
// must be nil, *SetModeCmd, *SetMemWindowCmd or *FeedbackCmd, matching the
// code. Commands without parameters are sent as the bare code.
type Command struct {
	Code    Code
	Payload interface{}
}

// MarshalBinary encodes the command for the wire. The result is the code
// followed by the payload, if any; it never exceeds CommandSize bytes.
func (c *Command) MarshalBinary() ([]byte, error) {
	buf := new(bytes.Buffer)

	if err := binary.Write(buf, binary.LittleEndian, uint32(c.Code)); err != nil {
		return nil, err
	}

	if c.Payload != nil {
		if err := binary.Write(buf, binary.LittleEndian, c.Payload); err != nil {
			return nil, err
		}
	}

	if buf.Len() > CommandSize {
		return nil, fmt.Errorf("command 0x%08x payload too large: %d bytes", uint32(c.Code), buf.Len()-4)
	}

	return buf.Bytes(), nil
}

// Response is a ME-to-host message answering a command. The payload is kept
// opaque until the code identifies it; use DeviceInfo to decode it.
type Response struct {
	Code    Code
	Status  Status
	Payload [ResponseSize - 8]byte
}

// UnmarshalBinary decodes a response received from the wire. The ME may
// send fewer than ResponseSize bytes for responses with no payload.
func (r *Response) UnmarshalBinary(data []byte) error {
	if len(data) < 8 {
		return fmt.Errorf("response too short: %d bytes", len(data))
	}
	if len(data) > ResponseSize {
		return fmt.Errorf("response too long: %d bytes", len(data))
	}

	r.Code = Code(binary.LittleEndian.Uint32(data[0:4]))
	r.Status = Status(binary.LittleEndian.Uint32(data[4:8]))

	r.Payload = [ResponseSize - 8]byte{}
	copy(r.Payload[:], data[8:])

	return nil
}

// MarshalBinary encodes the response as the ME would send it, always the
// full ResponseSize bytes.
func (r *Response) MarshalBinary() ([]byte, error) {
	buf := new(bytes.Buffer)

	if err := binary.Write(buf, binary.LittleEndian, uint32(r.Code)); err != nil {
		return nil, err
	}
	if err := binary.Write(buf, binary.LittleEndian, uint32(r.Status)); err != nil {
		return nil, err
	}
	buf.Write(r.Payload[:])

	return buf.Bytes(), nil
}

// DeviceInfo decodes the payload of a get-device-info response. It fails
// for any other response code, so the wrong union member can never be read.
func (r *Response) DeviceInfo() (*DeviceInfo, error) {
	if r.Code != EvtGetDeviceInfo.Response() {
		return nil, fmt.Errorf("response 0x%08x carries no device info", uint32(r.Code))
	}

	var info DeviceInfo
	rd := bytes.NewReader(r.Payload[:DeviceInfoSize])
	if err := binary.Read(rd, binary.LittleEndian, &info); err != nil {
		return nil, err
	}

	return &info, nil
}

// ParseDataHeader decodes the header at the start of a filled data buffer.
func ParseDataHeader(data []byte) (*DataHeader, error) {
	if len(data) < DataHeaderSize {
		return nil, fmt.Errorf("data buffer too short for header: %d bytes", len(data))
	}

	var hdr DataHeader
	rd := bytes.NewReader(data[:DataHeaderSize])
	if err := binary.Read(rd, binary.LittleEndian, &hdr); err != nil {
		return nil, err
	}

	return &hdr, nil
}

// SplitAddr splits a bus address into the lower and upper halves used by
// SetMemWindowCmd.
func SplitAddr(addr uint64) (lower, upper uint32) {
	return uint32(addr), uint32(addr >> 32)
}
