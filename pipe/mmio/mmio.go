// Package mmio implements the pipe device's MMIO register protocol.
//
// The device exposes one 0x2000-byte register window. The guest
// multiplexes any number of channels over it: registers latch a
// channel id, a buffer address and a size, and a command write runs
// the command against that snapshot. Host-side services signal
// readiness back through wakes, which the guest drains by reading the
// channel registers until they return 0.
package mmio

// Version is the device interface version reported by RegVersion.
const Version = 1

// WindowSize is the size of the device's register window in bytes.
const WindowSize = 0x2000

// Register offsets. All accesses are 32-bit; 64-bit values are split
// into low/high pairs.
const (
	RegCommand        = 0x00 // latch a command and run it (W)
	RegStatus         = 0x04 // result of the last command (R)
	RegChannel        = 0x08 // channel id, low word (W); next signaled channel, low word (R)
	RegSize           = 0x0c // transfer size in bytes (W)
	RegAddress        = 0x10 // guest buffer address, low word (W)
	RegWakes          = 0x14 // wake flags of the last signaled channel (R)
	RegParamsAddrLow  = 0x18 // access-params block address, low word (RW)
	RegParamsAddrHigh = 0x1c // access-params block address, high word (RW)
	RegAccessParams   = 0x20 // run the buffer command described by the params block (W)
	RegVersion        = 0x24 // device interface version (R)
	RegChannelHigh    = 0x30 // channel id, high word (W); next signaled channel, high word (R)
	RegAddressHigh    = 0x34 // guest buffer address, high word (W)
)

// Commands. The values match the guest kernel driver.
const (
	CmdOpen        = 1 // bind the latched channel id to a new service handler
	CmdClose       = 2 // unlink and destroy the latched channel
	CmdPoll        = 3 // report the channel's readiness in the status register
	CmdWriteBuffer = 4 // move size bytes at address from the guest to the service
	CmdWakeOnWrite = 5 // ask for a wake when the channel can accept bytes
	CmdReadBuffer  = 6 // move size bytes from the service to the guest at address
	CmdWakeOnRead  = 7 // ask for a wake when the channel has bytes to read
)

// The access-params block is an alternative, denser way to issue
// buffer commands: the guest builds a parameter struct in its own
// memory, points RegParamsAddr at it, and writes RegAccessParams. The
// struct exists in a 32-bit and a 64-bit shape; the device detects
// the 64-bit shape by reading the 32-bit one first and finding a
// nonzero flags word, which overlaps the 64-bit shape's cmd field.
const (
	sizeofParams32 = 24
	sizeofParams64 = 32

	params32Channel = 0  // u32
	params32Size    = 4  // u32
	params32Address = 8  // u32
	params32Cmd     = 12 // u32
	params32Result  = 16 // u32
	params32Flags   = 20 // u32

	params64Channel = 0  // u64
	params64Size    = 8  // u32
	params64Address = 12 // u64
	params64Cmd     = 20 // u32
	params64Result  = 24 // u32
	params64Flags   = 28 // u32
)
