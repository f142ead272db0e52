package sc0710

import (
	"context"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"
)

// BufferStatus is the disposition of a queued capture buffer.
type BufferStatus int

// BufferStatus values.
const (
	BufferQueued BufferStatus = iota
	BufferDone
	BufferError
)

func (s BufferStatus) String() string {
	switch s {
	case BufferDone:
		return "done"
	case BufferError:
		return "error"
	}
	return "queued"
}

// Buffer is one client-owned capture buffer cycling through the queued,
// filled, completed lifecycle.
type Buffer struct {
	Data      []byte
	Payload   uint32 // bytes actually filled
	Timestamp time.Time
	Sequence  uint32
	Status    BufferStatus
}

// bufferQueue couples a pair of channels with an unbounded in-between
// store, so producers never block on slow consumers.
type bufferQueue struct {
	in  chan *Buffer
	out chan *Buffer
}

func newBufferQueue() *bufferQueue {
	q := &bufferQueue{in: make(chan *Buffer), out: make(chan *Buffer)}
	go func() {
		var backlog []*Buffer
		defer close(q.out)
		for {
			if len(backlog) == 0 {
				b, ok := <-q.in
				if !ok {
					return
				}
				backlog = append(backlog, b)
			}
			select {
			case b, ok := <-q.in:
				if !ok {
					for _, p := range backlog {
						q.out <- p
					}
					return
				}
				backlog = append(backlog, b)
			case q.out <- backlog[0]:
				backlog = backlog[1:]
			}
		}
	}()
	return q
}

// Client is one capture session attached to a DMA channel.
type Client struct {
	ch        *Channel
	mu        sync.Mutex
	fifo      []*Buffer
	streaming bool
	closed    bool
	completed *bufferQueue
}

// OpenSession attaches a new client to the channel.
func (ch *Channel) OpenSession() *Client {
	c := &Client{ch: ch, completed: newBufferQueue()}
	ch.clientListMu.Lock()
	ch.clients = append(ch.clients, c)
	ch.clientListMu.Unlock()
	return c
}

// Enqueue hands a buffer to the driver for filling. The buffer must be
// large enough for the last-known-good frame size.
func (c *Client) Enqueue(b *Buffer) error {
	need := int(DefaultFormat().FrameSize)
	if f := c.ch.dev.CurrentFormat(); f != nil {
		need = int(f.FrameSize)
	}
	if len(b.Data) < need {
		return fmt.Errorf("buffer of %d bytes is smaller than frame size %d", len(b.Data), need)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return fmt.Errorf("session is closed")
	}
	b.Status = BufferQueued
	c.fifo = append(c.fifo, b)
	return nil
}

// DequeueCompleted blocks until a filled (or errored) buffer is available,
// or the context is done.
func (c *Client) DequeueCompleted(ctx context.Context) (*Buffer, error) {
	select {
	case b, ok := <-c.completed.out:
		if !ok {
			return nil, fmt.Errorf("session is closed")
		}
		return b, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// SetStreaming starts or stops this client's streaming state, managing the
// channel-wide refcount. The first streamer resizes and starts the DMA
// engine, but only when a format is resolved: with no signal the hardware
// stays quiet and placeholder delivery serves the client until the resync
// path starts transfers on lock. The last streamer stops the engine and
// flushes all pending buffers with an error status.
func (c *Client) SetStreaming(on bool) error {
	ch := c.ch

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return fmt.Errorf("session is closed")
	}
	if c.streaming == on {
		c.mu.Unlock()
		return nil
	}
	c.streaming = on
	c.mu.Unlock()

	if on {
		if atomic.AddInt32(&ch.streamingRefcount, 1) == 1 {
			if f := ch.dev.ResolvedFormat(); f != nil {
				if err := ch.Resize(resizeBytes(ch, f)); err != nil {
					// Roll back: the stream never started and queued
					// buffers stay queued.
					atomic.AddInt32(&ch.streamingRefcount, -1)
					c.mu.Lock()
					c.streaming = false
					c.mu.Unlock()
					return err
				}
				ch.Start()
			}
		}
		ch.kickDelivery()
		return nil
	}

	if n := atomic.AddInt32(&ch.streamingRefcount, -1); n <= 0 {
		if n < 0 {
			atomic.StoreInt32(&ch.streamingRefcount, 0)
		}
		ch.Stop()
	}
	c.flush(BufferError)
	return nil
}

// flush moves every queued buffer to the completed queue with the given
// status and zero payload. The sends happen under c.mu, like every other
// send on the completed queue; the queue is unbounded so they never block.
func (c *Client) flush(status BufferStatus) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, b := range c.fifo {
		b.Status = status
		b.Payload = 0
		c.completed.in <- b
	}
	c.fifo = nil
}

// Close detaches the client from its channel, stopping its stream first.
// The completed queue is closed under c.mu, after the closed flag is set,
// so a concurrent delivery can never send into a closed queue.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	streaming := c.streaming
	c.mu.Unlock()

	if streaming {
		if err := c.SetStreaming(false); err != nil {
			return err
		}
	} else {
		c.flush(BufferError)
	}

	ch := c.ch
	ch.clientListMu.Lock()
	for i, other := range ch.clients {
		if other == c {
			ch.clients = append(ch.clients[:i], ch.clients[i+1:]...)
			break
		}
	}
	ch.clientListMu.Unlock()

	c.mu.Lock()
	c.closed = true
	close(c.completed.in)
	c.mu.Unlock()
	return nil
}

func resizeBytes(ch *Channel, f *Format) int {
	if ch.mediatype == MediaAudio {
		return audioPeriodBytes
	}
	return int(f.FrameSize)
}

// placeholderInterval is the cadence of synthetic frame delivery while no
// signal is present. Roughly 60 Hz, matching the default format.
const placeholderInterval = 16 * time.Millisecond

// kickDelivery asks the delivery task to (re)arm its timer. Multiple kicks
// coalesce.
func (ch *Channel) kickDelivery() {
	select {
	case ch.deliverKick <- struct{}{}:
	default:
	}
}

// cancelDelivery stops the delivery timer and waits for the task to
// acknowledge, so no callback can run after this returns.
func (ch *Channel) cancelDelivery() {
	ack := make(chan struct{})
	select {
	case ch.deliverCancel <- ack:
		<-ack
	case <-ch.quitDelivery:
	}
}

// runDeliveryTask owns this channel's placeholder timer. All arming and
// cancellation happens on this goroutine; other goroutines only send
// messages, which makes the synchronous-cancel guarantee cheap to keep.
func (ch *Channel) runDeliveryTask() {
	timer := time.NewTimer(placeholderInterval)
	if !timer.Stop() {
		<-timer.C
	}
	armed := false

	disarm := func() {
		if armed && !timer.Stop() {
			<-timer.C
		}
		armed = false
	}

	for {
		select {
		case <-ch.quitDelivery:
			disarm()
			return
		case ack := <-ch.deliverCancel:
			disarm()
			ack <- struct{}{}
		case <-ch.deliverKick:
			disarm()
			timer.Reset(placeholderInterval)
			armed = true
		case <-timer.C:
			armed = false
			if ch.deliverPlaceholders() {
				timer.Reset(placeholderInterval)
				armed = true
			}
		}
	}
}

// deliverPlaceholders hands one synthetic frame to each streaming client
// that has a buffer queued. It reports whether the timer should be
// rearmed. Real DMA frames suppress placeholder generation entirely.
func (ch *Channel) deliverPlaceholders() bool {
	if ch.mediatype != MediaVideo {
		return false
	}

	dev := ch.dev
	dev.sigmu.Lock()
	haveSignal := dev.locked && dev.fmt != nil
	cable := dev.cableConnected
	dev.sigmu.Unlock()

	if haveSignal {
		// Signal present: the DMA completion path delivers frames.
		return atomic.LoadInt32(&ch.streamingRefcount) > 0
	}

	// Placeholders always use the default geometry, so clients need not
	// renegotiate buffer sizes while the source is absent.
	f := DefaultFormat()

	ch.clientListMu.Lock()
	clients := make([]*Client, len(ch.clients))
	copy(clients, ch.clients)
	ch.clientListMu.Unlock()

	delivered := false
	streaming := false
	for _, c := range clients {
		// The whole pop-fill-send runs under c.mu so a concurrent Close
		// cannot shut the completed queue mid-delivery. The send never
		// blocks (unbounded queue), so holding the lock is safe.
		c.mu.Lock()
		if !c.streaming || c.closed {
			c.mu.Unlock()
			continue
		}
		streaming = true
		if len(c.fifo) == 0 {
			c.mu.Unlock()
			continue
		}
		b := c.fifo[0]
		c.fifo = c.fifo[1:]

		b.Payload = uint32(fillFrame(b.Data, f, cable))
		b.Timestamp = time.Now()
		ch.mu.Lock()
		ch.frameSequence++
		b.Sequence = ch.frameSequence
		ch.mu.Unlock()
		b.Status = BufferDone
		c.completed.in <- b
		c.mu.Unlock()
		delivered = true
	}
	if delivered && dev.verbosity >= 2 {
		log.Printf("%s: delivered placeholder frame(s)", ch)
	}
	return streaming
}

// DeliverDMAFrame hands one hardware-filled frame to each streaming client
// with a queued buffer. It is the entry point for the descriptor
// completion collaborator.
func (ch *Channel) DeliverDMAFrame(frame []byte) {
	ch.clientListMu.Lock()
	clients := make([]*Client, len(ch.clients))
	copy(clients, ch.clients)
	ch.clientListMu.Unlock()

	ch.mu.Lock()
	ch.frameSequence++
	seq := ch.frameSequence
	ch.mu.Unlock()

	now := time.Now()
	for _, c := range clients {
		// Same locking discipline as placeholder delivery: the send must
		// not race a concurrent Close of the completed queue.
		c.mu.Lock()
		if !c.streaming || c.closed || len(c.fifo) == 0 {
			c.mu.Unlock()
			continue
		}
		b := c.fifo[0]
		c.fifo = c.fifo[1:]

		n := copy(b.Data, frame)
		b.Payload = uint32(n)
		b.Timestamp = now
		b.Sequence = seq
		b.Status = BufferDone
		c.completed.in <- b
		c.mu.Unlock()
	}
}

// colorbarYUYV holds the seven SMPTE bar colors as YUYV macropixels,
// left to right: white, yellow, cyan, green, magenta, red, blue.
var colorbarYUYV = [7][4]byte{
	{0xeb, 0x80, 0xeb, 0x80},
	{0xd2, 0x10, 0xd2, 0x92},
	{0xa9, 0xa5, 0xa9, 0x10},
	{0x91, 0x35, 0x91, 0x22},
	{0x6a, 0xca, 0x6a, 0xdd},
	{0x51, 0x5a, 0x51, 0xf0},
	{0x29, 0xf0, 0x29, 0x6d},
}

// fillFrame paints a frame into data: SMPTE color bars when a cable is
// connected, black otherwise. The fill is clamped to whole lines that fit
// the buffer; the byte count actually written is returned so callers never
// report a payload larger than the buffer.
func fillFrame(data []byte, f *Format, colorbars bool) int {
	widthBytes := int(f.Width) * 2
	height := int(f.Height)
	if len(data) < widthBytes*height {
		height = len(data) / widthBytes
	}
	if height <= 0 {
		return 0
	}

	if !colorbars {
		for i := 0; i < widthBytes*height; i += 4 {
			data[i] = 0x10
			data[i+1] = 0x80
			data[i+2] = 0x10
			data[i+3] = 0x80
		}
		return widthBytes * height
	}

	divider := widthBytes/7 + 1
	row := data[:widthBytes]
	for x := 0; x < widthBytes; x += 4 {
		bar := x / divider
		if bar > 6 {
			bar = 6
		}
		copy(row[x:], colorbarYUYV[bar][:])
	}
	for y := 1; y < height; y++ {
		copy(data[y*widthBytes:(y+1)*widthBytes], row)
	}
	return widthBytes * height
}
