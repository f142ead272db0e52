package mcu

// Register offsets of the bit-banged serial bus master in BAR 0. The
// microcontroller that reports HDMI link status sits behind this bus at a
// fixed 7-bit address.
const (
	RegControl int64 = 0x3100 // core control: bit 1 TX FIFO reset, bit 0 enable
	RegStatus  int64 = 0x3104 // transaction status codes
	RegTXFIFO  int64 = 0x3108 // TX byte; bit 8 start framing, bit 9 stop framing
	RegRXFIFO  int64 = 0x310c // RX byte
	RegRXDepth int64 = 0x3120 // RX FIFO programmable depth
	RegDebug   int64 = 0x00ac // secondary status, read on completion mismatch
)

// Control register values.
const (
	ctrlTXReset uint32 = 0x00000002
	ctrlEnable  uint32 = 0x00000001
	ctrlIdle    uint32 = 0x00000000
)

// TX FIFO framing bits.
const (
	bitStart uint32 = 1 << 8
	bitStop  uint32 = 1 << 9
)

// Status register codes observed from the bus master.
const (
	statusAddrAck   uint32 = 0x00000044 // device acknowledged address byte
	statusWriteAck  uint32 = 0x000000c0 // device acknowledged data byte (write path)
	statusSubAck    uint32 = 0x000000c4 // device acknowledged sub-address byte
	statusByteReady uint32 = 0x0000008c // RX byte available
	statusByteAlt   uint32 = 0x000000ac // RX byte available (alternate code)
	statusComplete  uint32 = 0x000000c8 // read transaction completed cleanly
	statusCompleteB uint32 = 0x000000cc // completion code reported by rev B firmware
)

// errByte is returned in place of real data when a byte never becomes ready.
const errByte byte = 0xff

// DefaultAddress is the 7-bit bus address of the status microcontroller.
const DefaultAddress byte = 0x32
