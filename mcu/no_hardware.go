package mcu

import (
	"sync"
)

// AckMode selects which handshake a NoHardware port withholds, so tests can
// drive each timeout path of the transaction engine.
type AckMode int

const (
	AckAll          AckMode = iota // acknowledge everything (default)
	NoAddressAck                   // never ack the address byte
	NoSubaddressAck                // ack address, never ack sub-address
	NoByteReady                    // ack handshakes, never raise byte-ready
)

// NoHardware is a drop-in replacement for the BAR register files
// (implements Port) that requires no hardware. It emulates the bus
// master's status codes and RX FIFO for canned status pages.
type NoHardware struct {
	mu         sync.Mutex
	Mode       AckMode
	Completion uint32 // status reported after the final byte; default statusComplete

	pages       map[byte][]byte
	page        []byte
	status      uint32
	subaddr     byte
	awaitSub    bool
	pendingRead bool
	reading     bool
	rlen        int
	pos         int
}

// NewNoHardware generates and returns a new simulated register port.
func NewNoHardware() *NoHardware {
	return &NoHardware{
		Completion: statusComplete,
		pages:      make(map[byte][]byte),
	}
}

// SetPage installs the response bytes served for one sub-address.
func (nh *NoHardware) SetPage(subaddr byte, data []byte) {
	nh.mu.Lock()
	defer nh.mu.Unlock()
	nh.pages[subaddr] = append([]byte(nil), data...)
}

// WriteReg decodes register pokes the way the bus master would.
func (nh *NoHardware) WriteReg(bar int, offset int64, value uint32) {
	if bar != 0 {
		return
	}
	nh.mu.Lock()
	defer nh.mu.Unlock()

	switch offset {
	case RegControl:
		if value == ctrlTXReset {
			nh.awaitSub = false
			nh.pendingRead = false
			nh.reading = false
			nh.pos = 0
			nh.rlen = 0
		}

	case RegTXFIFO:
		switch {
		case value&bitStart != 0:
			addr := byte(value)
			if addr&1 == 1 {
				// Read-address byte; length framing follows.
				nh.pendingRead = true
				return
			}
			nh.awaitSub = true
			if nh.Mode == NoAddressAck {
				nh.status = 0
			} else {
				nh.status = statusAddrAck
			}

		case value&bitStop != 0 && nh.pendingRead:
			nh.rlen = int(value & 0xff)
			nh.page = nh.pages[nh.subaddr]
			nh.reading = true
			nh.pos = 0
			nh.pendingRead = false
			if nh.Mode == NoByteReady {
				nh.status = 0
			} else {
				nh.status = statusByteReady
			}

		case nh.awaitSub:
			nh.subaddr = byte(value)
			nh.awaitSub = false
			if nh.Mode == NoSubaddressAck || nh.Mode == NoAddressAck {
				nh.status = 0
			} else {
				nh.status = statusSubAck
			}

		default:
			// Write-path payload byte.
			nh.status = statusWriteAck
			if nh.Mode != AckAll {
				nh.status = 0
			}
		}
	}
}

// ReadReg serves status codes and RX bytes.
func (nh *NoHardware) ReadReg(bar int, offset int64) uint32 {
	if bar != 0 {
		return 0
	}
	nh.mu.Lock()
	defer nh.mu.Unlock()

	switch offset {
	case RegStatus:
		if nh.reading && nh.pos >= nh.rlen {
			return nh.Completion
		}
		return nh.status

	case RegRXFIFO:
		var b byte
		if nh.pos < len(nh.page) {
			b = nh.page[nh.pos]
		}
		nh.pos++
		if nh.pos >= nh.rlen {
			nh.status = nh.Completion
		}
		return uint32(b)
	}
	return 0
}
