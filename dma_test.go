package sc0710

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kernellabs/sc0710/mcu"
)

func TestResizeRequiresStoppedChannel(t *testing.T) {
	dev := newTestDevice(mcu.NewNoHardware())
	defer dev.Close()
	ch := dev.VideoChannel()

	require.NoError(t, ch.Resize(4096))
	assert.Equal(t, numDescriptorChains, len(ch.chains))

	ch.Start()
	assert.Equal(t, ChannelRunning, ch.State())
	if err := ch.Resize(8192); err == nil {
		t.Error("resize of a running channel must fail")
	}

	ch.Stop()
	assert.Equal(t, ChannelStopped, ch.State())
	require.NoError(t, ch.Resize(8192))
}

func TestResizeRejectsBadSize(t *testing.T) {
	dev := newTestDevice(mcu.NewNoHardware())
	defer dev.Close()
	if err := dev.VideoChannel().Resize(0); err == nil {
		t.Error("zero frame size must be rejected")
	}
}

// Large frames are split into bounded allocations per chain.
func TestResizeSplitsAllocations(t *testing.T) {
	dev := newTestDevice(mcu.NewNoHardware())
	defer dev.Close()
	ch := dev.VideoChannel()

	framesize := maxAllocationBytes + maxAllocationBytes/2
	require.NoError(t, ch.Resize(framesize))
	for _, chain := range ch.chains {
		assert.Equal(t, 2, len(chain.allocations))
		assert.Equal(t, maxAllocationBytes, len(chain.allocations[0].buf))
		assert.Equal(t, framesize-maxAllocationBytes, len(chain.allocations[1].buf))
		assert.Equal(t, framesize, chain.totalBytes)
	}
}

// Stopping a channel zeroes every writeback slot, so stale completion
// words from the previous run can never be mistaken for fresh ones.
func TestStopClearsWritebacks(t *testing.T) {
	dev := newTestDevice(mcu.NewNoHardware())
	defer dev.Close()
	ch := dev.VideoChannel()

	require.NoError(t, ch.Resize(4096))
	ch.Start()
	for _, chain := range ch.chains {
		for _, a := range chain.allocations {
			a.SetWriteback(0, 0xdeadbeef)
			a.SetWriteback(1, 0x12345678)
		}
	}

	ch.Stop()
	for _, chain := range ch.chains {
		for _, a := range chain.allocations {
			assert.Equal(t, uint32(0), a.Writeback(0))
			assert.Equal(t, uint32(0), a.Writeback(1))
		}
	}
	assert.Equal(t, uint32(0), ch.completedLast)
}

func TestStopIsIdempotent(t *testing.T) {
	dev := newTestDevice(mcu.NewNoHardware())
	defer dev.Close()
	ch := dev.VideoChannel()
	ch.Stop()
	ch.Stop()
	assert.Equal(t, ChannelStopped, ch.State())
}
