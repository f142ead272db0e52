package sc0710

import (
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"
)

// MediaType distinguishes the two DMA channel flavors on the card.
type MediaType int

// MediaType values.
const (
	MediaVideo MediaType = iota
	MediaAudio
)

func (m MediaType) String() string {
	if m == MediaAudio {
		return "audio"
	}
	return "video"
}

// ChannelState is the run state of one DMA channel.
type ChannelState int

// ChannelState values.
const (
	ChannelStopped ChannelState = iota
	ChannelRunning
)

func (s ChannelState) String() string {
	if s == ChannelRunning {
		return "running"
	}
	return "stopped"
}

// Per-channel scatter-gather engine registers in BAR1. Channels are laid
// out at a fixed stride.
const (
	chanRegStride = 0x100

	regChanControlW1C = 0x04 // write-1-to-clear run/IRQ bits
	regChanCompleted  = 0x40 // completed descriptor counter, write 1 to reset
	regChanSGStartL   = 0x80
	regChanSGStartH   = 0x84
	regChanSGAdj      = 0x88
)

// Video pipeline registers in BAR0.
const (
	regVideoHeight   = 0x00c8
	regVideoPipeline = 0x00d0
	regVideoAuxA     = 0x00cc
	regVideoAuxB     = 0x00dc
)

const (
	chanControlStop = 0x00000001

	numDescriptorChains = 4
	maxAllocationBytes  = 0x400000
)

// Allocation is one DMA-visible buffer chunk. The two writeback slots are
// updated by the hardware as descriptors complete and are zeroed with
// atomic stores during resync so the completion collaborator observes the
// reset without ordering surprises.
type Allocation struct {
	buf []byte
	wbm [2]uint32
}

// Writeback returns the current value of writeback slot i.
func (a *Allocation) Writeback(i int) uint32 {
	return atomic.LoadUint32(&a.wbm[i])
}

// SetWriteback stores writeback slot i, standing in for the device write
// in simulated operation.
func (a *Allocation) SetWriteback(i int, v uint32) {
	atomic.StoreUint32(&a.wbm[i], v)
}

// DescriptorChain is one ring of transfer descriptors plus its backing
// allocations. One chain carries one frame (video) or one audio period.
type DescriptorChain struct {
	allocations []*Allocation
	totalBytes  int
	sgBase      uint64
}

// Channel is one DMA engine on the card, either video or audio.
type Channel struct {
	nr        int
	enabled   bool
	mediatype MediaType
	dev       *Device
	regBase   int64 // base of this channel's BAR1 register block

	mu            sync.Mutex
	state         ChannelState
	chains        []*DescriptorChain
	completedLast uint32
	frameSequence uint32

	streamingRefcount int32 // atomic

	clientListMu sync.Mutex
	clients      []*Client

	// Delivery task plumbing. kick schedules the placeholder timer,
	// cancel stops it and is acknowledged synchronously.
	deliverKick   chan struct{}
	deliverCancel chan chan struct{}
	quitDelivery  chan struct{}
}

func newChannel(dev *Device, nr int, mediatype MediaType) *Channel {
	ch := &Channel{
		nr:            nr,
		enabled:       true,
		mediatype:     mediatype,
		dev:           dev,
		regBase:       int64(nr * chanRegStride),
		deliverKick:   make(chan struct{}, 1),
		deliverCancel: make(chan chan struct{}),
		quitDelivery:  make(chan struct{}),
	}
	return ch
}

func (ch *Channel) String() string {
	return fmt.Sprintf("ch%d(%s)", ch.nr, ch.mediatype)
}

// StreamingClients reports the number of attached clients currently
// streaming.
func (ch *Channel) StreamingClients() int {
	ch.clientListMu.Lock()
	defer ch.clientListMu.Unlock()
	n := 0
	for _, c := range ch.clients {
		c.mu.Lock()
		if c.streaming {
			n++
		}
		c.mu.Unlock()
	}
	return n
}

// State returns the channel run state.
func (ch *Channel) State() ChannelState {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	return ch.state
}

// stopLocked halts the scatter-gather engine and resets the completion
// bookkeeping. Callers hold ch.mu. The writeback zeroing is the barrier
// after which the completion collaborator must treat all descriptors as
// incomplete.
func (ch *Channel) stopLocked() {
	ch.dev.regs.WriteReg(1, ch.regBase+regChanControlW1C, chanControlStop)

	// Let any in-flight transfer drain before touching the rings.
	time.Sleep(3 * time.Millisecond)

	for _, chain := range ch.chains {
		for _, a := range chain.allocations {
			atomic.StoreUint32(&a.wbm[0], 0)
			atomic.StoreUint32(&a.wbm[1], 0)
		}
	}
	ch.dev.regs.WriteReg(1, ch.regBase+regChanCompleted, 1)
	ch.completedLast = 0
	ch.state = ChannelStopped
}

// startLocked programs the scatter-gather base and releases the engine.
// Callers hold ch.mu and guarantee the chains are sized for the current
// format.
func (ch *Channel) startLocked() {
	if len(ch.chains) == 0 {
		return
	}
	base := ch.chains[0].sgBase
	ch.dev.regs.WriteReg(1, ch.regBase+regChanSGStartH, uint32(base>>32))
	ch.dev.regs.WriteReg(1, ch.regBase+regChanSGStartL, uint32(base))
	ch.dev.regs.WriteReg(1, ch.regBase+regChanSGAdj, uint32(len(ch.chains)-1))
	ch.state = ChannelRunning
}

// Stop halts the channel and cancels any pending placeholder delivery.
// The timer cancellation is synchronous: when Stop returns, no delivery
// callback is running or scheduled.
func (ch *Channel) Stop() {
	ch.cancelDelivery()
	ch.mu.Lock()
	defer ch.mu.Unlock()
	if ch.state == ChannelStopped {
		return
	}
	ch.stopLocked()
}

// Start releases the channel's DMA engine.
func (ch *Channel) Start() {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	ch.startLocked()
}

// Resize rebuilds the channel's descriptor chains for framesize bytes per
// frame. The channel must be stopped: resizing live rings would hand the
// hardware dangling descriptors.
func (ch *Channel) Resize(framesize int) error {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	if ch.state != ChannelStopped {
		return fmt.Errorf("%s: cannot resize while %s", ch, ch.state)
	}
	if framesize <= 0 {
		return fmt.Errorf("%s: invalid frame size %d", ch, framesize)
	}

	chains := make([]*DescriptorChain, 0, numDescriptorChains)
	for i := 0; i < numDescriptorChains; i++ {
		chain := &DescriptorChain{totalBytes: framesize,
			sgBase: uint64(ch.nr)<<32 | uint64(i)<<24}
		remain := framesize
		for remain > 0 {
			n := remain
			if n > maxAllocationBytes {
				n = maxAllocationBytes
			}
			chain.allocations = append(chain.allocations, &Allocation{buf: make([]byte, n)})
			remain -= n
		}
		chains = append(chains, chain)
	}
	ch.chains = chains
	ch.frameSequence = 0
	if ch.dev.verbosity >= 1 {
		log.Printf("%s: resized to %d chains of %d bytes", ch, len(chains), framesize)
	}
	return nil
}

// resyncDMA stops every enabled channel, reprograms the video pipeline for
// the newly resolved format, and restarts transfers. It is called from the
// poll path after stabilization, without the signal lock held. If no format
// is resolved, or no video client is streaming, the hardware is left alone.
func (dev *Device) resyncDMA() {
	f := dev.ResolvedFormat()
	if f == nil {
		return
	}

	streaming := false
	for _, ch := range dev.channels {
		if ch.enabled && ch.StreamingClients() > 0 {
			streaming = true
		}
	}
	if !streaming {
		if dev.verbosity >= 1 {
			log.Printf("%s: resync skipped, no streaming clients", dev.Name)
		}
		return
	}

	for _, ch := range dev.channels {
		if ch.enabled {
			ch.Stop()
		}
	}

	if err := dev.channelsResize(f); err != nil {
		ProblemLogger.Printf("%s: resize during resync failed: %v", dev.Name, err)
		return
	}

	dev.programVideoPipeline(f)

	// Settle interval between pipeline reprogramming and restart.
	time.Sleep(10 * time.Millisecond)

	for _, ch := range dev.channels {
		if ch.enabled {
			ch.Start()
			ch.kickDelivery()
		}
	}
	log.Printf("%s: DMA resynchronized for %s", dev.Name, f.Name)
}

// channelsResize rebuilds all enabled channels' rings for the format's
// frame size. Video channels take the full frame; audio rings use a fixed
// period size.
func (dev *Device) channelsResize(f *Format) error {
	for _, ch := range dev.channels {
		if !ch.enabled {
			continue
		}
		size := int(f.FrameSize)
		if ch.mediatype == MediaAudio {
			size = audioPeriodBytes
		}
		if err := ch.Resize(size); err != nil {
			return err
		}
	}
	return nil
}

const audioPeriodBytes = 16384

// programVideoPipeline writes the active line count and walks the capture
// pipeline through its reset sequence. The register values follow the
// card's bring-up procedure and are not otherwise documented.
func (dev *Device) programVideoPipeline(f *Format) {
	dev.regs.WriteReg(0, regVideoHeight, f.Height)
	dev.regs.WriteReg(0, regVideoPipeline, 0x4100)
	dev.regs.WriteReg(0, regVideoAuxA, 0)
	dev.regs.WriteReg(0, regVideoAuxB, 0)
	dev.regs.WriteReg(0, regVideoPipeline, 0x4300)
	dev.regs.WriteReg(0, regVideoPipeline, 0x4100)
}
