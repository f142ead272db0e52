package sc0710

import (
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/kernellabs/sc0710/internal/eventdb"
	"github.com/kernellabs/sc0710/mcu"
	"github.com/spf13/viper"
)

// DeviceOptions configures NewDevice.
type DeviceOptions struct {
	Name               string
	Verbosity          int
	StabilizationDelay time.Duration
	Bus                mcu.Options
	Events             *eventdb.Connection
}

// minStabilizationDelay bounds how short the post-lock settling interval
// can be configured. Below this the source is still negotiating and DMA
// restarts produce torn frames.
const minStabilizationDelay = 150 * time.Millisecond

const defaultStabilizationDelay = 300 * time.Millisecond

// Device is one capture card: its register window, MCU bus transactor,
// decoded signal state, and DMA channels.
type Device struct {
	Name string

	regs mcu.Port
	bus  mcu.Transactor

	// Signal state, guarded by sigmu.
	sigmu          sync.Mutex
	locked         bool
	cableConnected bool
	noTimingCount  int
	width          uint32
	height         uint32
	timingH        uint32
	timingV        uint32
	interlaced     bool
	colorimetry    Colorimetry
	colorspace     Colorspace
	eotf           EOTF
	rateHint       [2]byte
	fmt            *Format
	procamp        Procamp

	forceEOTF         EOTF
	forceQuantization Quantization

	lastFmt atomic.Pointer[Format]

	channels []*Channel

	stabilizationDelay time.Duration
	verbosity          int
	events             *eventdb.Connection
}

// NewDevice builds a Device over the given register port, creating its
// MCU transactor and its video and audio DMA channels, and starts the
// per-channel delivery tasks.
func NewDevice(port mcu.Port, opts DeviceOptions) *Device {
	FormatInitialize()

	name := opts.Name
	if name == "" {
		name = "sc0710"
	}
	delay := opts.StabilizationDelay
	if delay == 0 {
		delay = defaultStabilizationDelay
	}
	if delay < minStabilizationDelay {
		delay = minStabilizationDelay
	}

	bus := mcu.New(port, opts.Bus)
	bus.SetVerbosity(opts.Verbosity)

	dev := &Device{
		Name:               name,
		regs:               port,
		bus:                bus,
		eotf:               EOTFUnknown,
		stabilizationDelay: delay,
		verbosity:          opts.Verbosity,
		events:             opts.Events,
	}
	dev.applyOverrides()

	dev.channels = []*Channel{
		newChannel(dev, 0, MediaVideo),
		newChannel(dev, 1, MediaAudio),
	}
	for _, ch := range dev.channels {
		go ch.runDeliveryTask()
	}
	return dev
}

// applyOverrides picks up configured EOTF and quantization overrides.
// These exist for sources that misreport their transfer characteristics.
func (dev *Device) applyOverrides() {
	switch viper.GetString("force_eotf") {
	case "hdr-pq":
		dev.forceEOTF = EOTFHDRPQ
	case "hlg":
		dev.forceEOTF = EOTFHLG
	default:
		dev.forceEOTF = EOTFSDR
	}
	switch viper.GetString("force_quantization") {
	case "limited":
		dev.forceQuantization = QuantizationLimited
	case "full":
		dev.forceQuantization = QuantizationFull
	default:
		dev.forceQuantization = QuantizationDefault
	}
}

// VideoChannel returns the device's video DMA channel.
func (dev *Device) VideoChannel() *Channel { return dev.channels[0] }

// AudioChannel returns the device's audio DMA channel.
func (dev *Device) AudioChannel() *Channel { return dev.channels[1] }

// RunPollLoop polls the signal state at the given period until abort is
// closed. Poll errors are logged and do not stop the loop.
func (dev *Device) RunPollLoop(abort <-chan struct{}, period time.Duration) {
	ticker := time.NewTicker(period)
	defer ticker.Stop()
	for {
		select {
		case <-abort:
			return
		case <-ticker.C:
			if err := dev.PollSignal(); err != nil && dev.verbosity >= 1 {
				log.Printf("%s: signal poll: %v", dev.Name, err)
			}
		}
	}
}

// recordEventLocked publishes a signal transition to status subscribers
// and to the event sink. Callers hold sigmu.
func (dev *Device) recordEventLocked(reason string) {
	state := SignalState{
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
		state.FormatName = dev.fmt.Name
	}
	queueClientUpdate(ClientUpdate{tag: "SIGNAL", state: state})

	if dev.events.IsConnected() {
		dev.events.Record(eventdb.SignalEvent{
			Time:       time.Now(),
			Device:     dev.Name,
			Reason:     reason,
			Width:      state.Width,
			Height:     state.Height,
			TimingH:    state.TimingH,
			TimingV:    state.TimingV,
			FormatName: state.FormatName,
		})
	}
}

// Close stops all channels and their delivery tasks, and detaches any
// remaining clients.
func (dev *Device) Close() error {
	var firstErr error
	for _, ch := range dev.channels {
		ch.Stop()

		ch.clientListMu.Lock()
		clients := make([]*Client, len(ch.clients))
		copy(clients, ch.clients)
		ch.clientListMu.Unlock()
		for _, c := range clients {
			if err := c.Close(); err != nil && firstErr == nil {
				firstErr = fmt.Errorf("closing session on %s: %w", ch, err)
			}
		}
		close(ch.quitDelivery)
	}
	return firstErr
}
