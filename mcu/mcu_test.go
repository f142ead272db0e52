package mcu

import (
	"bytes"
	"errors"
	"testing"
	"time"
)

// fastOptions shrinks the deadlines so timeout paths finish quickly.
func fastOptions() Options {
	return Options{
		AckTimeout:  50 * time.Millisecond,
		ByteTimeout: 5 * time.Millisecond,
		SettleDelay: 100 * time.Microsecond,
	}
}

func TestWriteReadHappyPath(t *testing.T) {
	nh := NewNoHardware()
	page := []byte{0x00, 0x00, 0x00, 0x00, 0x65, 0x04, 0x98, 0x08,
		0x38, 0x04, 0x80, 0x07, 0x00, 0x11, 0x02, 0x01,
		0x01, 0x01, 0x00, 0x80, 0x80, 0x80, 0x80, 0x00, 0x00, 0x00}
	nh.SetPage(0x00, page)

	m := New(nh, fastOptions())
	got, err := m.WriteRead(0x00, len(page))
	if err != nil {
		t.Fatalf("WriteRead returned error: %v", err)
	}
	if !bytes.Equal(got, page) {
		t.Errorf("WriteRead returned % x, want % x", got, page)
	}
}

func TestWriteReadSecondPage(t *testing.T) {
	nh := NewNoHardware()
	nh.SetPage(0x12, []byte{0x00, 0x80, 0x80, 0x80, 0x00})
	m := New(nh, fastOptions())

	got, err := m.WriteRead(0x12, 5)
	if err != nil {
		t.Fatalf("WriteRead returned error: %v", err)
	}
	if got[1] != 0x80 || got[4] != 0x00 {
		t.Errorf("wrong page contents: % x", got)
	}
}

// A peripheral that never acknowledges must fail within the deadline with
// the timeout variant matching the phase that failed.
func TestWriteReadBoundedTimeouts(t *testing.T) {
	var tests = []struct {
		name   string
		mode   AckMode
		strict bool
		want   error
	}{
		{"address timeout", NoAddressAck, false, ErrAddressAckTimeout},
		{"subaddress timeout strict", NoSubaddressAck, true, ErrSubaddressAckTimeout},
		{"read timeout", NoByteReady, false, ErrReadTimeout},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			nh := NewNoHardware()
			nh.Mode = test.mode
			nh.SetPage(0x00, make([]byte, 0x1a))

			opts := fastOptions()
			opts.StrictSubaddressAck = test.strict
			m := New(nh, opts)

			start := time.Now()
			_, err := m.WriteRead(0x00, 0x1a)
			elapsed := time.Since(start)

			if err == nil {
				t.Fatalf("WriteRead succeeded, want %v", test.want)
			}
			if !errors.Is(err, test.want) {
				t.Errorf("WriteRead error = %v, want %v", err, test.want)
			}
			// The global deadline plus scheduling slack bounds every path.
			if elapsed > opts.AckTimeout+100*time.Millisecond {
				t.Errorf("WriteRead took %v, deadline was %v", elapsed, opts.AckTimeout)
			}
			var busErr *BusError
			if !errors.As(err, &busErr) {
				t.Fatalf("error %v is not a *BusError", err)
			}
			if busErr.Phase == PhaseIdle || busErr.Phase == PhaseDone {
				t.Errorf("timeout attributed to phase %v", busErr.Phase)
			}
		})
	}
}

// The lenient default tolerates a missing sub-address ack and still
// completes the read.
func TestSubaddressAckTolerance(t *testing.T) {
	nh := NewNoHardware()
	nh.Mode = NoSubaddressAck
	page := []byte{0xaa, 0xbb, 0xcc}
	nh.SetPage(0x00, page)

	m := New(nh, fastOptions())
	got, err := m.WriteRead(0x00, len(page))
	if err != nil {
		t.Fatalf("lenient WriteRead returned error: %v", err)
	}
	if !bytes.Equal(got, page) {
		t.Errorf("lenient WriteRead returned % x, want % x", got, page)
	}
}

func TestCompletionCodePolicy(t *testing.T) {
	// Rev B firmware reports the alternate completion code; the default
	// accepted set covers it.
	nh := NewNoHardware()
	nh.Completion = statusCompleteB
	nh.SetPage(0x00, []byte{1, 2})
	m := New(nh, fastOptions())
	if _, err := m.WriteRead(0x00, 2); err != nil {
		t.Errorf("rev B completion rejected: %v", err)
	}

	// An unknown code is a BadCompletion failure.
	nh = NewNoHardware()
	nh.Completion = 0x00000099
	nh.SetPage(0x00, []byte{1, 2})
	m = New(nh, fastOptions())
	_, err := m.WriteRead(0x00, 2)
	if !errors.Is(err, ErrBadCompletion) {
		t.Errorf("unknown completion: err = %v, want ErrBadCompletion", err)
	}

	// A restricted accepted set rejects the rev B code.
	nh = NewNoHardware()
	nh.Completion = statusCompleteB
	nh.SetPage(0x00, []byte{1, 2})
	opts := fastOptions()
	opts.AcceptedCompletion = []uint32{statusComplete}
	m = New(nh, opts)
	_, err = m.WriteRead(0x00, 2)
	if !errors.Is(err, ErrBadCompletion) {
		t.Errorf("restricted set: err = %v, want ErrBadCompletion", err)
	}
}

func TestWrite(t *testing.T) {
	nh := NewNoHardware()
	m := New(nh, fastOptions())
	if err := m.Write(0x10, []byte{0x01}); err != nil {
		t.Errorf("Write returned error: %v", err)
	}

	nh = NewNoHardware()
	nh.Mode = NoAddressAck
	m = New(nh, fastOptions())
	err := m.Write(0x10, []byte{0x01})
	if !errors.Is(err, ErrNoAck) {
		t.Errorf("Write with no ack: err = %v, want ErrNoAck", err)
	}
}
