//go:build linux
// +build linux

package meibus

import (
	"bytes"
	"testing"

	uuid "github.com/satori/go.uuid"
)

func TestSensorUUIDWireFormat(t *testing.T) {
	want := []byte{
		0x70, 0x08, 0x8d, 0x3e,
		0x1a, 0x27,
		0x08, 0x42,
		0x8e, 0xb5, 0x9a, 0xcb, 0x94, 0x02, 0xae, 0x04,
	}

	got := uuidLE(SensorUUID)
	if !bytes.Equal(got, want) {
		t.Errorf("uuidLE(SensorUUID) = % x, want % x", got, want)
	}
}

func TestUUIDLERoundtrip(t *testing.T) {
	u := uuid.Must(uuid.FromString("12345678-9abc-def0-1122-334455667788"))

	le := uuidLE(u)
	if len(le) != 16 {
		t.Fatalf("uuidLE returned %d bytes", len(le))
	}

	// The node part is not byte-swapped.
	if !bytes.Equal(le[8:], u.Bytes()[8:]) {
		t.Errorf("node bytes changed: % x", le[8:])
	}

	// The first field is.
	if le[0] != 0x78 || le[3] != 0x12 {
		t.Errorf("time_low not little-endian: % x", le[0:4])
	}
}

func TestConnectIoctlNumber(t *testing.T) {
	// _IOWR('H', 0x01, 16 bytes): dir=3<<30, size<<16, type<<8, nr.
	want := uintptr(3<<30 | 16<<16 | 'H'<<8 | 0x01)
	if iocConnectClient != want {
		t.Errorf("iocConnectClient = 0x%x, want 0x%x", iocConnectClient, want)
	}
}
