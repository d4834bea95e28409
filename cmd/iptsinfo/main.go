//go:build linux
// +build linux

// Command iptsinfo connects to the touch sensor over the MEI bus and prints
// the identity and buffer sizes reported by the firmware.
package main

import (
	"flag"
	"fmt"
	"log"

	"github.com/openipts/ipts/meibus"
	"github.com/openipts/ipts/sensor"
)

func main() {
	device := flag.String("device", meibus.DefaultDevice, "MEI device to use")
	verbose := flag.Bool("verbose", false, "Enable verbose logging")

	flag.Parse()

	var logOut sensor.LogFunc
	if *verbose {
		logOut = log.Printf
	}

	bus, err := meibus.Open(*device)
	if err != nil {
		log.Fatalf("Failed to open the bus: %v", err)
	}

	log.Printf("Connected to %s (max message %d bytes, protocol version %d)",
		*device, bus.MaxMessageLength(), bus.ProtocolVersion())

	info, err := sensor.Probe(bus, logOut)
	if err != nil {
		log.Fatalf("Failed to query the sensor: %v", err)
	}

	fmt.Printf("Vendor:          %04X\n", info.VendorID)
	fmt.Printf("Device:          %04X\n", info.DeviceID)
	fmt.Printf("Hardware rev:    %08X\n", info.HwRev)
	fmt.Printf("Firmware rev:    %08X\n", info.FwRev)
	fmt.Printf("Data buffers:    16 x %d bytes\n", info.DataSize)
	fmt.Printf("Feedback buffers: 16 x %d bytes\n", info.FeedbackSize)
}
