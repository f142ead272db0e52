// Package mcu drives the microcontroller that reports HDMI link status on
// sc0710-family capture boards. The MCU sits behind a register-level serial
// bus master in BAR 0; this package frames single write and write-then-read
// transactions against it, with every wait loop bounded by an iteration cap
// and a wall-clock deadline. Exports object MCU for general use. The caller
// is responsible for serializing transactions (the signal poller holds its
// own lock across each call); an MCU is not safe for concurrent use.
package mcu

import (
	"errors"
	"fmt"
	"log"
	"time"
)

// Port is the raw register access surface supplied by the PCI layer.
// Implementations: FileDevice (BAR resource files) and NoHardware (tests).
type Port interface {
	ReadReg(bar int, offset int64) uint32
	WriteReg(bar int, offset int64, value uint32)
}

// Transactor is the bus surface consumed by the signal state machine.
// *MCU implements it; tests substitute canned responders.
type Transactor interface {
	WriteRead(subaddr byte, rlen int) ([]byte, error)
	Write(subaddr byte, payload []byte) error
}

// Phase identifies where in the transaction sequence a failure occurred.
type Phase int

// Transaction phases, in protocol order.
const (
	PhaseIdle Phase = iota
	PhaseAddressSent
	PhaseAddressAcked
	PhaseSubaddrSent
	PhaseSubaddrAcked
	PhaseReading
	PhaseDone
)

func (p Phase) String() string {
	switch p {
	case PhaseIdle:
		return "idle"
	case PhaseAddressSent:
		return "address-sent"
	case PhaseAddressAcked:
		return "address-acked"
	case PhaseSubaddrSent:
		return "subaddress-sent"
	case PhaseSubaddrAcked:
		return "subaddress-acked"
	case PhaseReading:
		return "reading"
	case PhaseDone:
		return "done"
	}
	return fmt.Sprintf("phase(%d)", int(p))
}

// Sentinel errors for the bus taxonomy. All are transient: a failed
// transaction is retried on the next scheduled poll, never escalated.
var (
	ErrAddressAckTimeout    = errors.New("timeout waiting for device ack")
	ErrSubaddressAckTimeout = errors.New("timeout waiting for subaddress ack")
	ErrReadTimeout          = errors.New("timeout reading data")
	ErrBadCompletion        = errors.New("bad completion status")
	ErrNoAck                = errors.New("byte not acknowledged")
)

// BusError wraps a sentinel error with the phase that failed.
type BusError struct {
	Phase Phase
	Err   error
}

func (e *BusError) Error() string {
	return fmt.Sprintf("mcu: %s (%s)", e.Err.Error(), e.Phase)
}

func (e *BusError) Unwrap() error { return e.Err }

// Options configures an MCU. Zero values select the defaults proven against
// real hardware; tests shrink the deadlines.
type Options struct {
	// Address is the 7-bit device address. Default DefaultAddress.
	Address byte

	// StrictSubaddressAck fails the transaction when the sub-address byte
	// is never acknowledged. The default (false) logs the miss and carries
	// on, which is what some firmware revisions require.
	StrictSubaddressAck bool

	// AcceptedCompletion lists status codes treated as a clean completion.
	// Default accepts the standard code plus the rev B variant.
	AcceptedCompletion []uint32

	// AckTimeout is the global wall-clock deadline for one transaction.
	// Default 500ms.
	AckTimeout time.Duration

	// ByteTimeout bounds the wait for each RX byte before the error
	// sentinel is substituted. Default 100ms.
	ByteTimeout time.Duration

	// SettleDelay is inserted between the sub-address handshake and the
	// read setup. Default 1ms.
	SettleDelay time.Duration
}

// MCU is the high-level object used to run bus transactions against the
// status microcontroller.
type MCU struct {
	port      Port
	opts      Options
	verbosity int
}

// New returns an MCU driving the given register port.
func New(port Port, opts Options) *MCU {
	if opts.Address == 0 {
		opts.Address = DefaultAddress
	}
	if len(opts.AcceptedCompletion) == 0 {
		opts.AcceptedCompletion = []uint32{statusComplete, statusCompleteB}
	}
	if opts.AckTimeout <= 0 {
		opts.AckTimeout = 500 * time.Millisecond
	}
	if opts.ByteTimeout <= 0 {
		opts.ByteTimeout = 100 * time.Millisecond
	}
	if opts.SettleDelay <= 0 {
		opts.SettleDelay = time.Millisecond
	}
	return &MCU{port: port, opts: opts}
}

// SetVerbosity controls debug chatter: 0 silent, 3 per-transaction detail.
func (m *MCU) SetVerbosity(v int) { m.verbosity = v }

// waitStatus polls the status register for the wanted code. Bounded by an
// iteration cap and the transaction deadline; an unbounded poll here would
// stall the realtime-sensitive signal task.
func (m *MCU) waitStatus(deadline time.Time, want uint32) bool {
	for cnt := 16; cnt > 0; cnt-- {
		if time.Now().After(deadline) {
			return false
		}
		if m.port.ReadReg(0, RegStatus) == want {
			return true
		}
		time.Sleep(60 * time.Microsecond)
	}
	return false
}

// readByte fetches one RX byte, polling for a byte-ready code with its own
// deadline. On timeout the error sentinel is substituted, matching the
// hardware's behavior; the caller's global deadline decides whether the
// whole read fails.
func (m *MCU) readByte() byte {
	deadline := time.Now().Add(m.opts.ByteTimeout)
	for cnt := 32; cnt > 0; cnt-- {
		if time.Now().After(deadline) {
			log.Printf("mcu: byte-ready timeout, substituting sentinel")
			return errByte
		}
		v := m.port.ReadReg(0, RegStatus)
		if v == statusByteReady || v == statusByteAlt {
			break
		}
		time.Sleep(100 * time.Microsecond)
	}
	return byte(m.port.ReadReg(0, RegRXFIFO))
}

// WriteRead runs one write-then-read transaction: select the sub-address
// page, then read exactly rlen bytes back. Only single-byte sub-addresses
// are supported.
func (m *MCU) WriteRead(subaddr byte, rlen int) ([]byte, error) {
	deadline := time.Now().Add(m.opts.AckTimeout)
	addr8 := uint32(m.opts.Address) << 1

	// Reset the transmit path and frame the address+write byte.
	m.port.WriteReg(0, RegControl, ctrlTXReset)
	m.port.WriteReg(0, RegControl, ctrlEnable)
	m.port.WriteReg(0, RegTXFIFO, bitStart|addr8)

	if !m.waitStatus(deadline, statusAddrAck) {
		return nil, &BusError{Phase: PhaseAddressSent, Err: ErrAddressAckTimeout}
	}

	// Select the status page.
	m.port.WriteReg(0, RegTXFIFO, uint32(subaddr))

	if !m.waitStatus(deadline, statusSubAck) {
		if m.opts.StrictSubaddressAck {
			return nil, &BusError{Phase: PhaseSubaddrSent, Err: ErrSubaddressAckTimeout}
		}
		// Some firmware never raises this ack yet completes the read
		// correctly. Tolerate and continue.
		if m.verbosity >= 1 {
			log.Printf("mcu: subaddress 0x%02x not acked, continuing", subaddr)
		}
	}

	time.Sleep(m.opts.SettleDelay)

	// Frame the read: reset TX, start-bit read address, stop-bit length.
	m.port.WriteReg(0, RegRXDepth, 0x0000000f)
	m.port.WriteReg(0, RegControl, ctrlTXReset)
	m.port.WriteReg(0, RegControl, ctrlIdle)
	m.port.WriteReg(0, RegTXFIFO, bitStart|(addr8|1))
	m.port.WriteReg(0, RegTXFIFO, bitStop|uint32(rlen))
	m.port.WriteReg(0, RegControl, ctrlEnable)

	buf := make([]byte, rlen)
	for i := range buf {
		if time.Now().After(deadline) {
			return nil, &BusError{Phase: PhaseReading, Err: ErrReadTimeout}
		}
		buf[i] = m.readByte()
	}

	v := m.port.ReadReg(0, RegStatus)
	accepted := false
	for _, code := range m.opts.AcceptedCompletion {
		if v == code {
			accepted = true
			break
		}
	}
	if !accepted {
		if m.verbosity >= 1 {
			log.Printf("mcu: completion status 0x%08x, debug 0x%08x",
				v, m.port.ReadReg(0, RegDebug))
		}
		return nil, &BusError{Phase: PhaseDone, Err: ErrBadCompletion}
	}
	if m.verbosity >= 3 {
		log.Printf("mcu: read %d bytes from subaddress 0x%02x", rlen, subaddr)
	}
	return buf, nil
}

// didack spins for a data-byte acknowledgment on the write path.
func (m *MCU) didack() bool {
	for cnt := 16; cnt > 0; cnt-- {
		v := m.port.ReadReg(0, RegStatus)
		if v == statusAddrAck || v == statusWriteAck || v == statusSubAck {
			return true
		}
		time.Sleep(64 * time.Microsecond)
	}
	return false
}

// Write runs a single-direction write: sub-address byte then payload, with
// stop framing on the final byte. Each byte must be acknowledged within a
// bounded spin.
func (m *MCU) Write(subaddr byte, payload []byte) error {
	addr8 := uint32(m.opts.Address) << 1

	m.port.WriteReg(0, RegControl, ctrlTXReset)
	m.port.WriteReg(0, RegControl, ctrlEnable)
	m.port.WriteReg(0, RegTXFIFO, bitStart|addr8)
	if !m.didack() {
		return &BusError{Phase: PhaseAddressSent, Err: ErrNoAck}
	}

	bytes := append([]byte{subaddr}, payload...)
	for i, b := range bytes {
		v := uint32(b)
		if i == len(bytes)-1 {
			v |= bitStop
		}
		m.port.WriteReg(0, RegTXFIFO, v)
		if !m.didack() {
			return &BusError{Phase: PhaseSubaddrSent, Err: ErrNoAck}
		}
	}
	return nil
}
