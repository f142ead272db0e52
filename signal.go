package sc0710

import (
	"fmt"
	"log"
	"time"

	"github.com/davecgh/go-spew/spew"
)

// Colorimetry is the color primaries standard reported by the MCU.
type Colorimetry int

// Colorimetry values.
const (
	ColorimetryUndefined Colorimetry = iota
	ColorimetryBT601
	ColorimetryBT709
	ColorimetryBT2020
)

func (c Colorimetry) String() string {
	switch c {
	case ColorimetryBT601:
		return "BT_601"
	case ColorimetryBT709:
		return "BT_709"
	case ColorimetryBT2020:
		return "BT_2020"
	}
	return "BT_UNDEFINED"
}

// Colorspace is the pixel sample encoding reported by the MCU.
type Colorspace int

// Colorspace values.
const (
	ColorspaceUndefined Colorspace = iota
	ColorspaceYUV422420
	ColorspaceYUV444
	ColorspaceRGB444
)

func (c Colorspace) String() string {
	switch c {
	case ColorspaceYUV422420:
		return "YUV YCrCb 4:2:2 / 4:2:0"
	case ColorspaceYUV444:
		return "YUV YCrCb 4:4:4"
	case ColorspaceRGB444:
		return "RGB 4:4:4"
	}
	return "UNDEFINED"
}

// EOTF is the electro-optical transfer function of the incoming signal.
type EOTF int

// EOTF values.
const (
	EOTFSDR EOTF = iota
	EOTFHDRPQ
	EOTFHLG
	EOTFUnknown
)

func (e EOTF) String() string {
	switch e {
	case EOTFSDR:
		return "SDR"
	case EOTFHDRPQ:
		return "HDR-PQ"
	case EOTFHLG:
		return "HLG"
	}
	return "UNKNOWN"
}

// Quantization is the sample range convention for the capture-API layer.
type Quantization int

// Quantization values.
const (
	QuantizationDefault Quantization = iota
	QuantizationLimited              // 16-235
	QuantizationFull                 // 0-255
)

func (q Quantization) String() string {
	switch q {
	case QuantizationLimited:
		return "limited"
	case QuantizationFull:
		return "full"
	}
	return "default"
}

// Layout of the HDMI status page served at sub-address 0. All multi-byte
// fields are little-endian.
const (
	hdmiStatusPage byte = 0x00
	hdmiStatusLen       = 0x1a

	offTimingV     = 0x04 // total vertical lines
	offTimingH     = 0x06 // total horizontal samples
	offHeight      = 0x08 // visible height; low byte doubles as the lock flag
	offWidth       = 0x0a
	offFlags       = 0x0d // bit 0 interlaced, bits 4..5 colorimetry
	offColorspace  = 0x0f
	offRateHint    = 0x10
	offRateFlag    = 0x11

	procampPage byte = 0x12
	procampLen       = 0x05
	status2Page byte = 0x1a
	status2Len       = 0x10
	status3Page byte = 0x2a
	status3Len       = 0x10
)

// noTimingThreshold is the count of consecutive zero-timing polls before the
// device is reported as removed. At the ~200ms polling cadence this absorbs
// ~600ms of unlock/relock cycling from unsupported timings.
const noTimingThreshold = 3

func le16(buf []byte, off int) uint32 {
	return uint32(buf[off+1])<<8 | uint32(buf[off])
}

// rateFromHints maps the MCU's two rate-hint bytes to a target frame rate in
// Hz. The hint byte tracks the vertical refresh loosely, so a small
// tolerance is allowed; zero means no usable hint.
func rateFromHints(hint, flag byte) uint32 {
	near := func(b, want byte) bool {
		d := int(b) - int(want)
		return d >= -2 && d <= 2
	}
	switch {
	case near(hint, 0x78) && flag == 0x10:
		return 120
	case near(hint, 0x78) && flag == 0x50:
		return 30
	case near(hint, 0x3c):
		return 60
	}
	return 0
}

// clearSignalStateLocked resets the decoded link state. The last-known-good
// format pointer is deliberately left alone: placeholder sizing and
// capture-API readers keep using it across a signal loss.
func (dev *Device) clearSignalStateLocked() {
	dev.fmt = nil
	dev.locked = false
	dev.width = 0
	dev.height = 0
	dev.timingH = 0
	dev.timingV = 0
	dev.interlaced = false
	dev.colorimetry = ColorimetryUndefined
	dev.colorspace = ColorspaceUndefined
	dev.eotf = EOTFUnknown
}

// resolveFormatLocked re-runs the rate-aware catalog lookup for the measured
// timing tuple and installs the result. A match whose visible geometry
// disagrees with the measured width/height is rejected.
func (dev *Device) resolveFormatLocked() {
	target := rateFromHints(dev.rateHint[0], dev.rateHint[1])
	f := FindFormatByTimingAndRate(dev.timingH, dev.timingV, target)
	if f != nil && (f.Width != dev.width || f.Height != dev.height) {
		log.Printf("%s: format %s geometry %dx%d does not match measured %dx%d, rejecting",
			dev.Name, f.Name, f.Width, f.Height, dev.width, dev.height)
		f = nil
	}
	dev.fmt = f
	if f == nil {
		ProblemLogger.Printf("%s: no format for timing %dx%d (rate hint %d)",
			dev.Name, dev.timingH, dev.timingV, target)
		return
	}
	dev.lastFmt.Store(f)
	log.Printf("%s: resolved format %s (%dx%d, %d.%02d Hz)", dev.Name, f.Name,
		f.Width, f.Height, f.FPSx100/100, f.FPSx100%100)
}

// PollSignal reads the HDMI status page and updates the debounced link
// state. It is invoked on a steady cadence by the poll loop. On a lock or
// timing-change transition it releases the signal lock, sleeps out the
// stabilization interval, resynchronizes DMA, and returns without
// re-acquiring the lock.
func (dev *Device) PollSignal() error {
	dev.sigmu.Lock()
	wasLocked := dev.locked

	rbuf, err := dev.bus.WriteRead(hdmiStatusPage, hdmiStatusLen)
	if err != nil {
		dev.sigmu.Unlock()
		// Transient bus failure: no update this cycle, retry next poll.
		ProblemLogger.Printf("%s: status read failed: %v", dev.Name, err)
		return err
	}
	if dev.verbosity >= 3 {
		log.Print(spew.Sdump(rbuf))
	}

	if rbuf[offHeight] != 0 {
		timingChanged := false
		dev.locked = true
		dev.cableConnected = true
		dev.noTimingCount = 0

		switch (rbuf[offFlags] & 0x30) >> 4 {
		case 0x1:
			dev.colorimetry = ColorimetryBT709
		case 0x2:
			dev.colorimetry = ColorimetryBT601
		case 0x3:
			dev.colorimetry = ColorimetryBT2020
		default:
			dev.colorimetry = ColorimetryUndefined
		}

		switch rbuf[offColorspace] {
		case 0x0:
			dev.colorspace = ColorspaceYUV422420
		case 0x1:
			dev.colorspace = ColorspaceYUV444
		case 0x2:
			dev.colorspace = ColorspaceRGB444
		default:
			dev.colorspace = ColorspaceUndefined
		}

		// Default to SDR until InfoFrame parsing can say otherwise.
		dev.eotf = EOTFSDR
		if dev.forceEOTF != EOTFSDR {
			dev.eotf = dev.forceEOTF
		}

		newTimingV := le16(rbuf, offTimingV)
		newTimingH := le16(rbuf, offTimingH)
		hint, flag := rbuf[offRateHint], rbuf[offRateFlag]

		// A quick replug or a source-side mode switch shows up as new
		// totals (or a new rate hint) while we still think we're locked.
		if wasLocked && dev.timingH > 0 && dev.timingV > 0 {
			if newTimingH != dev.timingH || newTimingV != dev.timingV ||
				hint != dev.rateHint[0] || flag != dev.rateHint[1] {
				timingChanged = true
				log.Printf("%s: HDMI timing changed (%dx%d -> %dx%d)",
					dev.Name, dev.timingH, dev.timingV, newTimingH, newTimingV)
			}
		}

		dev.width = le16(rbuf, offWidth)
		dev.height = le16(rbuf, offHeight)
		dev.timingV = newTimingV
		dev.timingH = newTimingH
		dev.interlaced = rbuf[offFlags]&0x01 != 0
		if dev.interlaced {
			dev.height *= 2
		}
		dev.rateHint = [2]byte{hint, flag}

		if !wasLocked || timingChanged {
			dev.resolveFormatLocked()

			reason := "restored"
			if timingChanged {
				reason = "timing changed"
			}
			log.Printf("%s: HDMI signal %s, waiting for stabilization", dev.Name, reason)
			dev.recordEventLocked(reason)
			dev.sigmu.Unlock()

			// Give the source time to fully establish the link before
			// touching DMA; processing during the transition produces
			// torn frames.
			time.Sleep(dev.stabilizationDelay)

			log.Printf("%s: resynchronizing DMA frames", dev.Name)
			dev.resyncDMA()
			return nil
		}
	} else {
		anyHint := rbuf[offTimingV] | rbuf[offTimingV+1] | rbuf[offTimingH] | rbuf[offTimingH+1]
		if anyHint != 0 {
			// Cable present, no stable timing yet.
			dev.cableConnected = true
			dev.noTimingCount = 0
			if wasLocked {
				dev.recordEventLocked("signal lost")
			}
			dev.clearSignalStateLocked()
		} else {
			dev.noTimingCount++
			dev.locked = false
			if dev.noTimingCount >= noTimingThreshold {
				if dev.cableConnected {
					log.Printf("%s: no timing for %d polls, reporting device removed",
						dev.Name, dev.noTimingCount)
					dev.recordEventLocked("device removed")
				}
				dev.cableConnected = false
				dev.clearSignalStateLocked()
			}
			// Below the threshold the state stays "no signal, cable
			// connected" to absorb transient unlock/relock cycling.
		}
	}

	dev.sigmu.Unlock()
	return nil
}

// SignalState is a point-in-time snapshot of the decoded link state.
type SignalState struct {
	Locked         bool
	CableConnected bool
	Width          uint32
	Height         uint32
	TimingH        uint32
	TimingV        uint32
	Interlaced     bool
	Colorimetry    string
	Colorspace     string
	EOTF           string
	Quantization   string
	FormatName     string
}

// SignalStateSnapshot returns a consistent copy of the signal state.
func (dev *Device) SignalStateSnapshot() SignalState {
	dev.sigmu.Lock()
	defer dev.sigmu.Unlock()
	s := SignalState{
		Locked:         dev.locked,
		CableConnected: dev.cableConnected,
		Width:          dev.width,
		Height:         dev.height,
		TimingH:        dev.timingH,
		TimingV:        dev.timingV,
		Interlaced:     dev.interlaced,
		Colorimetry:    dev.colorimetry.String(),
		Colorspace:     dev.colorspace.String(),
		EOTF:           dev.eotf.String(),
		Quantization:   dev.quantizationLocked().String(),
	}
	if dev.fmt != nil {
		s.FormatName = dev.fmt.Name
	}
	return s
}

func (dev *Device) quantizationLocked() Quantization {
	switch dev.forceQuantization {
	case QuantizationLimited, QuantizationFull:
		return dev.forceQuantization
	}
	if dev.colorimetry == ColorimetryBT2020 {
		return QuantizationLimited
	}
	return QuantizationDefault
}

// CurrentFormat returns the last-known-good format without taking the
// signal lock, or nil if no signal was ever resolved. The pointer is
// published atomically after every successful format resolution.
func (dev *Device) CurrentFormat() *Format {
	return dev.lastFmt.Load()
}

// ResolvedFormat returns the currently matched format (nil during signal
// loss), observed under the signal lock.
func (dev *Device) ResolvedFormat() *Format {
	dev.sigmu.Lock()
	defer dev.sigmu.Unlock()
	return dev.fmt
}

// CurrentQuantization maps the detected colorimetry to a sample-range
// convention. BT.2020 sources conventionally use limited range.
func (dev *Device) CurrentQuantization() Quantization {
	dev.sigmu.Lock()
	defer dev.sigmu.Unlock()
	return dev.quantizationLocked()
}

// Procamp is a four-field user video control snapshot.
type Procamp struct {
	Brightness uint8
	Contrast   uint8
	Saturation uint8
	Hue        int8
}

// ReadProcamp fetches the procamp control block from its dedicated status
// page.
func (dev *Device) ReadProcamp() (Procamp, error) {
	dev.sigmu.Lock()
	defer dev.sigmu.Unlock()

	rbuf, err := dev.bus.WriteRead(procampPage, procampLen)
	if err != nil {
		return Procamp{}, err
	}
	p := Procamp{
		Brightness: rbuf[1],
		Contrast:   rbuf[2],
		Saturation: rbuf[3],
		Hue:        int8(rbuf[4]),
	}
	dev.procamp = p
	return p, nil
}

// SetProcamp writes the procamp control block back to the device. The
// cached copy is updated only on success.
func (dev *Device) SetProcamp(p Procamp) error {
	dev.sigmu.Lock()
	defer dev.sigmu.Unlock()

	// Same layout as the read page; byte 0 is reserved.
	payload := []byte{0x00, p.Brightness, p.Contrast, p.Saturation, byte(p.Hue)}
	if err := dev.bus.Write(procampPage, payload); err != nil {
		return err
	}
	dev.procamp = p
	return nil
}

// ReadDiagnosticPages dumps the two auxiliary status pages at debug
// verbosity. Their contents are not yet decoded.
func (dev *Device) ReadDiagnosticPages() error {
	dev.sigmu.Lock()
	defer dev.sigmu.Unlock()

	for _, page := range []struct {
		sub byte
		n   int
	}{{status2Page, status2Len}, {status3Page, status3Len}} {
		rbuf, err := dev.bus.WriteRead(page.sub, page.n)
		if err != nil {
			return fmt.Errorf("diagnostic page 0x%02x: %w", page.sub, err)
		}
		log.Printf("%s status page 0x%02x: % x", dev.Name, page.sub, rbuf)
	}
	return nil
}
