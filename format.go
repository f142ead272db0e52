package sc0710

import "sync"

// DVTimings is the presentation-timing payload handed through to the
// capture-API layer. The core treats it as opaque; values follow CEA-861.
type DVTimings struct {
	Width      uint32
	Height     uint32
	PixelClock uint64
	Interlaced bool
	Standard   string
}

func dvCEA(w, h uint32, pclk uint64) DVTimings {
	return DVTimings{Width: w, Height: h, PixelClock: pclk, Standard: "CEA-861"}
}

func dvCEAInterlaced(w, h uint32, pclk uint64) DVTimings {
	t := dvCEA(w, h, pclk)
	t.Interlaced = true
	return t
}

// Format describes one presentation format: the total timing tuple
// inclusive of blanking, the visible geometry, and the frame rate as both
// a x100 integer and a rational.
type Format struct {
	TimingH    uint32 // total horizontal samples per line
	TimingV    uint32 // total vertical lines per frame
	Width      uint32
	Height     uint32
	Interlaced bool
	FPSx100    uint32
	FPSNum     uint32
	FPSDen     uint32
	Depth      uint32
	FrameSize  uint32 // bytes per frame, computed at initialization
	Name       string
	Timings    DVTimings
}

// roundedRate is the frame rate in whole Hz.
func (f *Format) roundedRate() uint32 {
	return (f.FPSx100 + 50) / 100
}

// Interlaced capture is present in the tables but disabled by policy: the
// DMA engine's field pairing was never validated against an interlaced
// source.
const supportInterlaced = false

var formats = []Format{
	{858, 525, 720, 480, false, 5994, 60000, 1001, 8, 0, "720x480p59.94", dvCEA(720, 480, 27000000)},

	{1980, 750, 1280, 720, false, 5000, 50000, 1000, 8, 0, "1280x720p50", dvCEA(1280, 720, 74250000)},
	{1650, 750, 1280, 720, false, 5994, 60000, 1001, 8, 0, "1280x720p59.94", dvCEA(1280, 720, 74250000)},
	{1650, 750, 1280, 720, false, 6000, 60000, 1000, 8, 0, "1280x720p60", dvCEA(1280, 720, 74250000)},

	{2750, 1125, 1920, 1080, false, 2400, 24000, 1000, 8, 0, "1920x1080p24", dvCEA(1920, 1080, 74250000)},
	{2640, 1125, 1920, 1080, false, 2500, 25000, 1000, 8, 0, "1920x1080p25", dvCEA(1920, 1080, 74250000)},
	{2200, 1125, 1920, 1080, false, 3000, 30000, 1000, 8, 0, "1920x1080p30", dvCEA(1920, 1080, 74250000)},
	{2640, 1125, 1920, 1080, false, 5000, 50000, 1000, 8, 0, "1920x1080p50", dvCEA(1920, 1080, 148500000)},
	{2200, 1125, 1920, 1080, false, 6000, 60000, 1000, 8, 0, "1920x1080p60", dvCEA(1920, 1080, 148500000)},
	{2200, 1125, 1920, 1080, false, 11988, 120000, 1001, 8, 0, "1920x1080p119.88", dvCEA(1920, 1080, 148500000)},
	{2200, 1125, 1920, 1080, false, 12000, 120000, 1000, 8, 0, "1920x1080p120", dvCEA(1920, 1080, 148500000)},
	// CVT reduced blanking, common on laptops/monitors at high refresh.
	{2000, 1144, 1920, 1080, false, 12000, 120000, 1000, 8, 0, "1920x1080p120cvt", dvCEA(1920, 1080, 148500000)},
	// 1080p 240Hz, CVT-RB timing (2080x1310 total).
	{2080, 1310, 1920, 1080, false, 24000, 240000, 1000, 8, 0, "1920x1080p240", dvCEA(1920, 1080, 148500000)},
	{2080, 1310, 1920, 1080, false, 23976, 240000, 1001, 8, 0, "1920x1080p239.76", dvCEA(1920, 1080, 148500000)},

	// 2560x1440: multiple timing variants observed from different sources.
	{2720, 1481, 2560, 1440, false, 12000, 120000, 1000, 8, 0, "2560x1440p120a", dvCEA(2560, 1440, 148500000)},
	{2720, 1524, 2560, 1440, false, 12000, 120000, 1000, 8, 0, "2560x1440p120b", dvCEA(2560, 1440, 148500000)},
	{2720, 1525, 2560, 1440, false, 12000, 120000, 1000, 8, 0, "2560x1440p120c", dvCEA(2560, 1440, 148500000)},
	{2720, 1510, 2560, 1440, false, 12000, 120000, 1000, 8, 0, "2560x1440p120alt", dvCEA(2560, 1440, 148500000)},
	{2640, 1490, 2560, 1440, false, 12000, 120000, 1000, 8, 0, "2560x1440p120cvt", dvCEA(2560, 1440, 148500000)},
	{2720, 1527, 2560, 1440, false, 14400, 144000, 1000, 8, 0, "2560x1440p144", dvCEA(2560, 1440, 148500000)},

	{4400, 2250, 3840, 2160, false, 5994, 60000, 1001, 8, 0, "3840x2160p59.94", dvCEA(3840, 2160, 594000000)},
	{4400, 2250, 3840, 2160, false, 6000, 60000, 1000, 8, 0, "3840x2160p60", dvCEA(3840, 2160, 594000000)},
}

var interlacedFormats = []Format{
	{858, 262, 720, 240, true, 2997, 30000, 1001, 8, 0, "720x480i29.97", dvCEAInterlaced(720, 480, 27000000)},
	{864, 312, 720, 288, true, 2500, 25000, 1000, 8, 0, "720x576i25", dvCEAInterlaced(720, 576, 27000000)},
	{2640, 562, 1920, 540, true, 2500, 25000, 1000, 8, 0, "1920x1080i25", dvCEAInterlaced(1920, 1080, 74250000)},
	{2200, 562, 1920, 540, true, 2997, 30000, 1001, 8, 0, "1920x1080i29.97", dvCEAInterlaced(1920, 1080, 74250000)},
}

// defaultNoSignalFormat is the distinguished format used when no signal has
// ever been detected. It always exists and never disappears.
var defaultNoSignalFormat = Format{
	TimingH:    2200,
	TimingV:    1125,
	Width:      1920,
	Height:     1080,
	Interlaced: false,
	FPSx100:    6000,
	FPSNum:     60000,
	FPSDen:     1000,
	Depth:      8,
	FrameSize:  1920 * 2 * 1080, // YUV 4:2:2
	Name:       "No Signal (1920x1080)",
	Timings:    dvCEA(1920, 1080, 148500000),
}

// DefaultFormat returns the no-signal format.
func DefaultFormat() *Format {
	return &defaultNoSignalFormat
}

var formatInitOnce sync.Once

// FormatInitialize computes the frame byte size of every catalog entry
// (packed YUV 4:2:2, 2 bytes per pixel). The table is immutable afterward.
func FormatInitialize() {
	formatInitOnce.Do(func() {
		if supportInterlaced {
			formats = append(formats, interlacedFormats...)
		}
		for i := range formats {
			fmt := &formats[i]
			fmt.FrameSize = fmt.Width * 2 * fmt.Height
		}
	})
}

// FindFormatByTiming returns the first catalog entry whose total timing
// tuple matches, or nil.
func FindFormatByTiming(timingH, timingV uint32) *Format {
	for i := range formats {
		if formats[i].TimingH == timingH && formats[i].TimingV == timingV {
			return &formats[i]
		}
	}
	return nil
}

// FindFormatByTimingAndRate returns the catalog entry matching the timing
// tuple whose rounded frame rate is nearest targetFPS (in Hz). A zero
// targetFPS keeps the historical behavior of returning the first timing
// match; an exact rate match wins immediately.
func FindFormatByTimingAndRate(timingH, timingV, targetFPS uint32) *Format {
	var best *Format
	var bestDiff uint32
	for i := range formats {
		fmt := &formats[i]
		if fmt.TimingH != timingH || fmt.TimingV != timingV {
			continue
		}
		if targetFPS == 0 {
			return fmt
		}
		rate := fmt.roundedRate()
		if rate == targetFPS {
			return fmt
		}
		diff := rate - targetFPS
		if rate < targetFPS {
			diff = targetFPS - rate
		}
		if best == nil || diff < bestDiff {
			best = fmt
			bestDiff = diff
		}
	}
	return best
}

// FormatCount reports the size of the catalog, for timing enumeration.
func FormatCount() int {
	return len(formats)
}

// FormatByIndex returns catalog entry i, or nil when out of range.
func FormatByIndex(i int) *Format {
	if i < 0 || i >= len(formats) {
		return nil
	}
	return &formats[i]
}
