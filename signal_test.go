package sc0710

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kernellabs/sc0710/mcu"
)

// statusPage builds an HDMI status page the way the MCU serves it.
func statusPage(timingH, timingV, width, height uint32, flags, cspace, hint, hintFlag byte) []byte {
	b := make([]byte, hdmiStatusLen)
	b[offTimingV] = byte(timingV)
	b[offTimingV+1] = byte(timingV >> 8)
	b[offTimingH] = byte(timingH)
	b[offTimingH+1] = byte(timingH >> 8)
	b[offHeight] = byte(height)
	b[offHeight+1] = byte(height >> 8)
	b[offWidth] = byte(width)
	b[offWidth+1] = byte(width >> 8)
	b[offFlags] = flags
	b[offColorspace] = cspace
	b[offRateHint] = hint
	b[offRateFlag] = hintFlag
	return b
}

func page720p60() []byte {
	return statusPage(1650, 750, 1280, 720, 0x10, 0x00, 0x3c, 0x00)
}

func page1080p60() []byte {
	return statusPage(2200, 1125, 1920, 1080, 0x10, 0x00, 0x3c, 0x00)
}

func newTestDevice(port mcu.Port) *Device {
	return NewDevice(port, DeviceOptions{
		Name:               "test0",
		StabilizationDelay: minStabilizationDelay,
		Bus:                mcu.Options{SettleDelay: 100 * time.Microsecond},
	})
}

func TestSignalLockResolvesFormat(t *testing.T) {
	port := mcu.NewNoHardware()
	port.SetPage(hdmiStatusPage, page720p60())
	dev := newTestDevice(port)
	defer dev.Close()

	require.NoError(t, dev.PollSignal())

	s := dev.SignalStateSnapshot()
	assert.True(t, s.Locked)
	assert.True(t, s.CableConnected)
	assert.Equal(t, uint32(1280), s.Width)
	assert.Equal(t, uint32(720), s.Height)
	assert.Equal(t, uint32(1650), s.TimingH)
	assert.Equal(t, uint32(750), s.TimingV)
	assert.False(t, s.Interlaced)
	assert.Equal(t, "BT_709", s.Colorimetry)
	assert.Equal(t, "YUV YCrCb 4:2:2 / 4:2:0", s.Colorspace)
	assert.Equal(t, "1280x720p59.94", s.FormatName)

	f := dev.CurrentFormat()
	require.NotNil(t, f)
	assert.Equal(t, uint32(1280*2*720), f.FrameSize)
}

// Losing the stable timing must keep the cable-connected state and the
// last-known-good format, because sources routinely unlock and relock
// during mode switches.
func TestSignalLostKeepsLastFormat(t *testing.T) {
	port := mcu.NewNoHardware()
	port.SetPage(hdmiStatusPage, page720p60())
	dev := newTestDevice(port)
	defer dev.Close()
	require.NoError(t, dev.PollSignal())

	// Timing hints present, lock byte clear: cable is in, no stable timing.
	lost := make([]byte, hdmiStatusLen)
	lost[offTimingV] = 0xee
	lost[offTimingV+1] = 0x02
	port.SetPage(hdmiStatusPage, lost)
	require.NoError(t, dev.PollSignal())

	s := dev.SignalStateSnapshot()
	assert.False(t, s.Locked)
	assert.True(t, s.CableConnected)
	assert.Equal(t, "", s.FormatName)
	assert.Nil(t, dev.ResolvedFormat())

	f := dev.CurrentFormat()
	require.NotNil(t, f)
	assert.Equal(t, "1280x720p59.94", f.Name)
}

// An all-zero status page must be seen on several consecutive polls before
// the device is reported removed.
func TestNoTimingHysteresis(t *testing.T) {
	port := mcu.NewNoHardware()
	port.SetPage(hdmiStatusPage, page720p60())
	dev := newTestDevice(port)
	defer dev.Close()
	require.NoError(t, dev.PollSignal())

	port.SetPage(hdmiStatusPage, make([]byte, hdmiStatusLen))
	for poll := 1; poll < noTimingThreshold; poll++ {
		require.NoError(t, dev.PollSignal())
		s := dev.SignalStateSnapshot()
		assert.False(t, s.Locked, "poll %d", poll)
		assert.True(t, s.CableConnected, "poll %d: removal reported too early", poll)
	}

	// A single poll with timing hints resets the debounce counter.
	hinted := make([]byte, hdmiStatusLen)
	hinted[offTimingV] = 0xee
	port.SetPage(hdmiStatusPage, hinted)
	require.NoError(t, dev.PollSignal())

	port.SetPage(hdmiStatusPage, make([]byte, hdmiStatusLen))
	for poll := 1; poll < noTimingThreshold; poll++ {
		require.NoError(t, dev.PollSignal())
		assert.True(t, dev.SignalStateSnapshot().CableConnected,
			"poll %d after reset: removal reported too early", poll)
	}

	require.NoError(t, dev.PollSignal())
	s := dev.SignalStateSnapshot()
	assert.False(t, s.CableConnected)
	assert.NotNil(t, dev.CurrentFormat(), "last-known-good format must survive removal")

	// A fresh lock recovers the full state.
	port.SetPage(hdmiStatusPage, page1080p60())
	require.NoError(t, dev.PollSignal())
	s = dev.SignalStateSnapshot()
	assert.True(t, s.Locked)
	assert.Equal(t, "1920x1080p60", s.FormatName)
}

// A catalog match whose visible geometry disagrees with the measured
// geometry must be rejected rather than trusted.
func TestGeometryMismatchRejected(t *testing.T) {
	port := mcu.NewNoHardware()
	port.SetPage(hdmiStatusPage, statusPage(1650, 750, 1920, 1080, 0x10, 0x00, 0x3c, 0x00))
	dev := newTestDevice(port)
	defer dev.Close()

	require.NoError(t, dev.PollSignal())
	s := dev.SignalStateSnapshot()
	assert.True(t, s.Locked)
	assert.Equal(t, "", s.FormatName)
	assert.Nil(t, dev.ResolvedFormat())
}

// The rate hints separate formats sharing one timing tuple.
func TestRateHintSelectsFormat(t *testing.T) {
	port := mcu.NewNoHardware()
	port.SetPage(hdmiStatusPage, statusPage(2200, 1125, 1920, 1080, 0x10, 0x00, 0x78, 0x50))
	dev := newTestDevice(port)
	defer dev.Close()

	require.NoError(t, dev.PollSignal())
	s := dev.SignalStateSnapshot()
	assert.Equal(t, "1920x1080p30", s.FormatName)
}

// BT.2020 sources default to limited-range quantization.
func TestQuantizationFollowsColorimetry(t *testing.T) {
	port := mcu.NewNoHardware()
	port.SetPage(hdmiStatusPage, statusPage(2200, 1125, 1920, 1080, 0x30, 0x00, 0x3c, 0x00))
	dev := newTestDevice(port)
	defer dev.Close()

	assert.Equal(t, QuantizationDefault, dev.CurrentQuantization())
	require.NoError(t, dev.PollSignal())

	s := dev.SignalStateSnapshot()
	assert.Equal(t, "BT_2020", s.Colorimetry)
	assert.Equal(t, "limited", s.Quantization)
	assert.Equal(t, QuantizationLimited, dev.CurrentQuantization())
}

// countingPort wraps the simulated port and counts video pipeline
// reprogramming sequences.
type countingPort struct {
	*mcu.NoHardware
	mu             sync.Mutex
	pipelineWrites int
	heightWrites   int
}

func (p *countingPort) WriteReg(bar int, offset int64, value uint32) {
	if bar == 0 {
		p.mu.Lock()
		switch offset {
		case regVideoPipeline:
			p.pipelineWrites++
		case regVideoHeight:
			p.heightWrites++
		}
		p.mu.Unlock()
	}
	p.NoHardware.WriteReg(bar, offset, value)
}

func (p *countingPort) counts() (pipeline, height int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.pipelineWrites, p.heightWrites
}

// One timing change must produce exactly one DMA resynchronization, and a
// steady signal none at all.
func TestTimingChangeResyncsOnce(t *testing.T) {
	port := &countingPort{NoHardware: mcu.NewNoHardware()}
	port.SetPage(hdmiStatusPage, page720p60())
	dev := newTestDevice(port)
	defer dev.Close()

	c := dev.VideoChannel().OpenSession()
	require.NoError(t, c.SetStreaming(true))
	defer c.Close()

	// Lock transition: one resync, three pipeline pokes.
	require.NoError(t, dev.PollSignal())
	pipeline, height := port.counts()
	assert.Equal(t, 3, pipeline)
	assert.Equal(t, 1, height)

	// Steady signal: nothing to do.
	require.NoError(t, dev.PollSignal())
	require.NoError(t, dev.PollSignal())
	pipeline, _ = port.counts()
	assert.Equal(t, 3, pipeline)

	// Source-side mode switch while still locked: exactly one more.
	port.SetPage(hdmiStatusPage, page1080p60())
	require.NoError(t, dev.PollSignal())
	pipeline, height = port.counts()
	assert.Equal(t, 6, pipeline)
	assert.Equal(t, 2, height)
}

// Full attach/detach scenario: lock resolves a format and resyncs once;
// three empty polls report removal without any further DMA activity.
func TestAttachDetachScenario(t *testing.T) {
	port := &countingPort{NoHardware: mcu.NewNoHardware()}
	port.SetPage(hdmiStatusPage, statusPage(2200, 1125, 1920, 1080, 0x10, 0x00, 0x3c, 0x00))
	dev := newTestDevice(port)
	defer dev.Close()

	c := dev.VideoChannel().OpenSession()
	require.NoError(t, c.SetStreaming(true))
	defer c.Close()

	require.NoError(t, dev.PollSignal())
	s := dev.SignalStateSnapshot()
	assert.True(t, s.Locked)
	assert.Equal(t, "1920x1080p60", s.FormatName)
	pipeline, _ := port.counts()
	assert.Equal(t, 3, pipeline)

	port.SetPage(hdmiStatusPage, make([]byte, hdmiStatusLen))
	for poll := 0; poll < noTimingThreshold; poll++ {
		require.NoError(t, dev.PollSignal())
	}
	s = dev.SignalStateSnapshot()
	assert.False(t, s.CableConnected)
	assert.Equal(t, "", s.FormatName)
	assert.Nil(t, dev.ResolvedFormat())

	// No format to resync to: the pipeline was not touched again.
	pipeline, _ = port.counts()
	assert.Equal(t, 3, pipeline)
}

func TestReadProcamp(t *testing.T) {
	port := mcu.NewNoHardware()
	port.SetPage(procampPage, []byte{0x00, 0x80, 0x90, 0xa0, 0xf6})
	dev := newTestDevice(port)
	defer dev.Close()

	p, err := dev.ReadProcamp()
	require.NoError(t, err)
	assert.Equal(t, uint8(0x80), p.Brightness)
	assert.Equal(t, uint8(0x90), p.Contrast)
	assert.Equal(t, uint8(0xa0), p.Saturation)
	assert.Equal(t, int8(-10), p.Hue)
}

func TestSetProcamp(t *testing.T) {
	port := mcu.NewNoHardware()
	dev := newTestDevice(port)
	defer dev.Close()

	want := Procamp{Brightness: 0x88, Contrast: 0x80, Saturation: 0x80, Hue: 5}
	require.NoError(t, dev.SetProcamp(want))

	port.Mode = mcu.NoAddressAck
	if err := dev.SetProcamp(Procamp{}); err == nil {
		t.Error("write with no device ack must fail")
	}
}
