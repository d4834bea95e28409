//go:build linux
// +build linux

// Package meibus connects to the touch sensor client on the Intel MEI bus
// through the mei character device and exposes it as a sensor.Transport.
package meibus

import (
	"encoding/binary"
	"fmt"
	"unsafe"

	uuid "github.com/satori/go.uuid"
	"golang.org/x/sys/unix"

	"github.com/openipts/ipts/protocol"
)

// DefaultDevice is the MEI character device most systems expose.
const DefaultDevice = "/dev/mei0"

// SensorUUID identifies the touch sensor client on the MEI bus.
var SensorUUID = uuid.Must(uuid.FromString("3e8d0870-271a-4208-8eb5-9acb9402ae04"))

// IOCTL_MEI_CONNECT_CLIENT, _IOWR('H', 0x01, struct mei_connect_client_data).
const iocConnectClient = 0xc0104801

// Bus is an open connection to one MEI client. Read and write calls on the
// fd carry whole protocol messages.
type Bus struct {
	fd int

	maxMsgLen       uint32
	protocolVersion uint8
}

// Open connects to the touch sensor client on the given MEI device.
func Open(path string) (*Bus, error) {
	fd, err := unix.Open(path, unix.O_RDWR, 0)
	if err != nil {
		return nil, fmt.Errorf("could not open %s: %w", path, err)
	}

	// The connect data is a union: the client uuid going in, the client
	// properties coming out.
	var data [16]byte
	copy(data[:], uuidLE(SensorUUID))

	if _, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(fd), iocConnectClient, uintptr(unsafe.Pointer(&data))); errno != 0 {
		unix.Close(fd)
		return nil, fmt.Errorf("could not connect to the touch sensor client: %v", errno)
	}

	b := &Bus{
		fd:              fd,
		maxMsgLen:       binary.LittleEndian.Uint32(data[0:4]),
		protocolVersion: data[4],
	}

	if b.maxMsgLen < protocol.CommandSize {
		unix.Close(fd)
		return nil, fmt.Errorf("bus message limit %d is below the command size %d", b.maxMsgLen, protocol.CommandSize)
	}

	return b, nil
}

func (b *Bus) Send(msg []byte) error {
	n, err := unix.Write(b.fd, msg)
	if err != nil {
		return fmt.Errorf("mei write: %w", err)
	}
	if n != len(msg) {
		return fmt.Errorf("mei write: short write, %d of %d bytes", n, len(msg))
	}
	return nil
}

func (b *Bus) Recv(buf []byte) (int, error) {
	n, err := unix.Read(b.fd, buf)
	if err != nil {
		return 0, fmt.Errorf("mei read: %w", err)
	}
	return n, nil
}

func (b *Bus) Close() error {
	return unix.Close(b.fd)
}

// MaxMessageLength returns the message size limit the bus reported for the
// sensor client.
func (b *Bus) MaxMessageLength() uint32 {
	return b.maxMsgLen
}

// ProtocolVersion returns the client protocol version the bus reported.
func (b *Bus) ProtocolVersion() uint8 {
	return b.protocolVersion
}

// uuidLE converts a uuid to the mixed-endian layout the kernel expects:
// the first three fields are little-endian, the rest stays as is.
func uuidLE(u uuid.UUID) []byte {
	b := u.Bytes()

	out := make([]byte, 16)
	out[0], out[1], out[2], out[3] = b[3], b[2], b[1], b[0]
	out[4], out[5] = b[5], b[4]
	out[6], out[7] = b[7], b[6]
	copy(out[8:], b[8:])

	return out
}
