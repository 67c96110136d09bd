package mmio

import (
	"encoding/binary"
	"errors"
	"log/slog"
	"sync"

	"github.com/c35s/gpipe/pipe"
)

// Memory maps guest physical addresses to host-addressable buffers.
// Mapping RAM doesn't copy: the returned slice aliases guest memory.
type Memory interface {

	// Map maps size bytes of guest memory starting at addr. write
	// reports whether the host intends to modify the bytes. The
	// returned slice may be shorter than size if the range runs past
	// the end of guest RAM; the device treats a short map as failure.
	Map(addr uint64, size int, write bool) ([]byte, error)

	// Unmap releases a mapping returned by Map. dirty reports whether
	// the host may have modified the bytes, and access is the number
	// of bytes actually touched.
	Unmap(b []byte, dirty bool, access int)
}

// IrqLine is the device's interrupt line. Set may be called from any
// goroutine: MMIO handling deasserts it, host wakes assert it.
type IrqLine interface {
	Set(high bool) error
}

// IrqFunc adapts a function to the IrqLine interface.
type IrqFunc func(high bool) error

func (f IrqFunc) Set(high bool) error {
	return f(high)
}

// Config describes a new pipe device.
type Config struct {

	// Memory gives the device access to guest memory.
	Memory Memory

	// IRQ is the device's interrupt line.
	IRQ IrqLine

	// Service opens a handler for every channel the guest opens.
	// Use a pipe.Registry to bind channels to services by name.
	Service pipe.Service
}

// Device is the pipe device: one MMIO register window multiplexing
// any number of guest channels onto host service handlers.
//
// HandleMMIO, ReadReg and WriteReg may be called from any vCPU
// thread; the register file is serialized internally. Handler upcalls
// run with no device locks held.
type Device struct {
	mem Memory
	irq IrqLine
	svc pipe.Service

	// mu serializes the register file and guards everything below. It
	// is dropped across handler calls, so bulk transfers don't stall
	// MMIO from other vCPUs.
	mu sync.Mutex

	// head is the wake scheduler's cursor into the channel list; the
	// guest's drain reads advance it. saved is the real list head,
	// restored when a drain round runs off the end.
	head  *hwPipe
	saved *hwPipe
	byID  map[uint64]*hwPipe

	// slotMu guards cache, the fast-path slot written by host wakes.
	// cache64 parks the channel between the low and high reads of a
	// drain pair and is only touched under mu.
	slotMu  sync.Mutex
	cache   *hwPipe
	cache64 *hwPipe

	// latest register writes, parameterizing the next command
	address    uint64
	size       uint32
	channel    uint64
	paramsAddr uint64

	// device outputs
	status int32
	wakes  uint32
}

// hwPipe is one live channel: the guest-assigned id, the bound
// service handler, and the wake state shared with host threads.
type hwPipe struct {
	next *hwPipe
	dev  *Device

	channel uint64
	h       pipe.Handler

	mu     sync.Mutex
	wanted pipe.Wake
	closed bool
}

var le = binary.LittleEndian

var (
	ErrNoMemory = errors.New("pipe: config has no guest memory")
	ErrNoIRQ    = errors.New("pipe: config has no irq line")
	ErrNoSvc    = errors.New("pipe: config has no service")
)

// New creates a pipe device.
func New(cfg Config) (*Device, error) {
	if cfg.Memory == nil {
		return nil, ErrNoMemory
	}

	if cfg.IRQ == nil {
		return nil, ErrNoIRQ
	}

	if cfg.Service == nil {
		return nil, ErrNoSvc
	}

	d := &Device{
		mem:  cfg.Memory,
		irq:  cfg.IRQ,
		svc:  cfg.Service,
		byID: make(map[uint64]*hwPipe),
	}

	return d, nil
}

// HandleMMIO handles one guest access to the device window. off is
// the offset of the access; reads fill data, writes consume it. The
// window only has 32-bit registers, so other widths are logged as
// guest errors and ignored.
func (d *Device) HandleMMIO(off int, data []byte, isWrite bool) {
	if len(data) != 4 {
		slog.Error("pipe: bad mmio access width", "off", off, "len", len(data))
		return
	}

	if isWrite {
		d.WriteReg(off, le.Uint32(data))
		return
	}

	le.PutUint32(data, d.ReadReg(off))
}

// WriteReg handles a guest write of v to the register at off.
func (d *Device) WriteReg(off int, v uint32) {
	d.mu.Lock()
	defer d.mu.Unlock()

	switch off {
	case RegCommand:
		d.doCommand(v)

	case RegSize:
		d.size = v

	case RegAddress:
		setLow(&d.address, v)

	case RegAddressHigh:
		setHigh(&d.address, v)

	case RegChannel:
		setLow(&d.channel, v)

	case RegChannelHigh:
		setHigh(&d.channel, v)

	case RegParamsAddrLow:
		setLow(&d.paramsAddr, v)

	case RegParamsAddrHigh:
		setHigh(&d.paramsAddr, v)

	case RegAccessParams:
		d.accessParams()

	default:
		slog.Error("pipe: write to unknown register", "off", off, "value", v)
	}
}

// ReadReg handles a guest read of the register at off.
func (d *Device) ReadReg(off int) uint32 {
	d.mu.Lock()
	defer d.mu.Unlock()

	switch off {
	case RegStatus:
		return uint32(d.status)

	case RegChannel:
		return d.nextSignaledLow()

	case RegChannelHigh:
		return d.nextSignaledHigh()

	case RegWakes:
		return d.wakes

	case RegParamsAddrLow:
		return uint32(d.paramsAddr)

	case RegParamsAddrHigh:
		return uint32(d.paramsAddr >> 32)

	case RegVersion:
		return Version

	default:
		slog.Error("pipe: read from unknown register", "off", off)
		return 0
	}
}

// Close tears down the device, closing every live channel's handler.
// The guest must not touch the register window afterwards.
func (d *Device) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	for _, p := range d.byID {
		p.mu.Lock()
		p.closed = true
		p.mu.Unlock()

		h := p.h
		d.unlocked(h.Close)
	}

	d.head = nil
	d.saved = nil
	d.byID = make(map[uint64]*hwPipe)
	d.clearCache(nil)

	return nil
}

// doCommand runs one guest command against the latched registers.
// Called with d.mu held.
func (d *Device) doCommand(cmd uint32) {
	p := d.byID[d.channel]

	// all commands except OPEN need a live channel
	if cmd != CmdOpen && p == nil {
		d.status = int32(pipe.ErrInval)
		return
	}

	// a host-closed channel only accepts CLOSE
	if p != nil && p.isClosed() && cmd != CmdClose {
		d.status = int32(pipe.ErrIO)
		return
	}

	switch cmd {
	case CmdOpen:
		if p != nil {
			d.status = int32(pipe.ErrInval)
			break
		}

		d.status = d.open(d.channel)

	case CmdClose:
		d.status = d.close(p)

	case CmdPoll:
		var r pipe.Poll
		d.unlocked(func() {
			r = p.h.Poll()
		})

		d.status = int32(r)

	case CmdReadBuffer:
		d.transfer(p, true)

	case CmdWriteBuffer:
		d.transfer(p, false)

	case CmdWakeOnRead:
		d.wakeOn(p, pipe.WakeRead)

	case CmdWakeOnWrite:
		d.wakeOn(p, pipe.WakeWrite)

	default:
		slog.Error("pipe: unknown command", "cmd", cmd, "channel", d.channel)
	}
}

// open binds a new channel to a fresh service handler and links it
// into the table and the traversal list.
func (d *Device) open(id uint64) int32 {
	p := &hwPipe{
		dev:     d,
		channel: id,
	}

	var (
		h   pipe.Handler
		err error
	)

	d.unlocked(func() {
		h, err = d.svc.Open(p)
	})

	if err != nil {
		slog.Error("pipe: open failed", "channel", id, "err", err)
		d.clearCache(p)
		return int32(pipe.ErrInval)
	}

	// the lock was dropped while the handler was built, so another
	// vCPU may have claimed the id in the meantime
	if _, taken := d.byID[id]; taken {
		d.unlocked(h.Close)
		d.clearCache(p)
		return int32(pipe.ErrInval)
	}

	p.h = h
	p.next = d.head
	d.head = p
	d.saved = d.head
	d.byID[id] = p

	return 0
}

// close unlinks p from the traversal list and the table, drops any
// fast-path references, and destroys it. The walk starts at the
// scheduler's cursor, like the rest of the protocol: a channel the
// current drain round has already passed is not found.
func (d *Device) close(p *hwPipe) int32 {
	pn := &d.head
	for *pn != nil && *pn != p {
		pn = &(*pn).next
	}

	if *pn == nil {
		return int32(pipe.ErrInval)
	}

	*pn = p.next
	p.next = nil
	d.saved = d.head

	delete(d.byID, p.channel)
	d.clearCache(p)

	// no more wakes reach the guest from here on, even if the handler
	// re-enters the wake path during teardown
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()

	d.unlocked(p.h.Close)

	return 0
}

// transfer runs READ_BUFFER (recv=true) or WRITE_BUFFER (recv=false)
// against the latched address and size.
func (d *Device) transfer(p *hwPipe, recv bool) {
	var (
		addr = d.address
		size = int(d.size)
		h    = p.h
	)

	// nothing to move, nothing to map
	if size == 0 {
		d.status = 0
		return
	}

	var st int32
	d.unlocked(func() {
		st = d.doTransfer(h, addr, size, recv)
	})

	d.status = st
}

// doTransfer maps the guest buffer and hands it to the handler as a
// single-entry vector. The mapping is always released, marked dirty
// iff the handler could have written it. Called with d.mu dropped.
func (d *Device) doTransfer(h pipe.Handler, addr uint64, size int, recv bool) int32 {
	b, err := d.mem.Map(addr, size, recv)
	if err != nil {
		return int32(pipe.ErrInval)
	}

	if len(b) < size {
		d.mem.Unmap(b, false, 0)
		return int32(pipe.ErrInval)
	}

	b = b[:size]

	var n int
	if recv {
		n, err = h.Recv([][]byte{b})
	} else {
		n, err = h.Send([][]byte{b})
	}

	d.mem.Unmap(b, recv, size)

	return pipe.Status(n, err)
}

// wakeOn subscribes the channel to a wake bit and tells the handler,
// once per bit.
func (d *Device) wakeOn(p *hwPipe, bit pipe.Wake) {
	p.mu.Lock()
	armed := p.wanted&bit == 0
	p.wanted |= bit
	mask := p.wanted
	p.mu.Unlock()

	if armed {
		d.unlocked(func() {
			p.h.WakeOn(mask)
		})
	}

	d.status = 0
}

// accessParams runs the packed-parameter path: read the param block,
// latch its fields, run the command if it's a buffer command, and
// write the result back in the block's own shape.
func (d *Device) accessParams() {
	addr := d.paramsAddr
	if addr == 0 {
		return
	}

	buf, ok := d.readGuest(addr, sizeofParams32)
	if !ok {
		return
	}

	// a 64-bit block has its nonzero cmd where the 32-bit block keeps
	// its (always zero) flags
	wide := le.Uint32(buf[params32Flags:]) != 0
	if wide {
		if buf, ok = d.readGuest(addr, sizeofParams64); !ok {
			return
		}
	}

	var cmd uint32

	if wide {
		d.channel = le.Uint64(buf[params64Channel:])
		d.size = le.Uint32(buf[params64Size:])
		d.address = le.Uint64(buf[params64Address:])
		cmd = le.Uint32(buf[params64Cmd:])
	} else {
		d.channel = uint64(le.Uint32(buf[params32Channel:]))
		d.size = le.Uint32(buf[params32Size:])
		d.address = uint64(le.Uint32(buf[params32Address:]))
		cmd = le.Uint32(buf[params32Cmd:])
	}

	// only buffer commands are honored on this path
	if cmd != CmdReadBuffer && cmd != CmdWriteBuffer {
		return
	}

	d.doCommand(cmd)

	if wide {
		le.PutUint32(buf[params64Result:], uint32(d.status))
	} else {
		le.PutUint32(buf[params32Result:], uint32(d.status))
	}

	d.writeGuest(addr, buf)
}

// nextSignaledLow is the RegChannel read: deliver one signaled
// channel's low id bits and latch its wake flags, or 0 if the drain
// is done. Consumes the fast-path slot if a host wake filled it.
func (d *Device) nextSignaledLow() uint32 {
	if p := d.takeCached(); p != nil {
		d.wakes = uint32(p.getAndClearWanted())
		return uint32(p.channel)
	}

	p := d.head
	had := p != nil

	for p != nil && !p.hasWanted() {
		p = p.next
	}

	if p == nil {
		// drain round over: rewind the cursor, and lower the IRQ if
		// this round saw any channels at all
		d.head = d.saved
		if had {
			d.irqSet(false)
		}

		return 0
	}

	d.wakes = uint32(p.getAndClearWanted())
	d.head = p.next

	if d.head == nil {
		d.irqSet(false)
	}

	return uint32(p.channel)
}

// nextSignaledHigh is the RegChannelHigh read: same walk as the low
// read, but the found channel is parked (not consumed) so the next
// low read delivers the same channel and the guest sees the id pair
// atomically.
//
// A high half of zero terminates the guest's drain loop: ids with
// zero high bits are conflated with "no signaled channels". The guest
// kernel driver must avoid such ids for wakes to be reliable.
func (d *Device) nextSignaledHigh() uint32 {
	if p := d.takeCached(); p != nil {
		d.cache64 = p
		return uint32(p.channel >> 32)
	}

	p := d.head
	had := p != nil

	for p != nil && !p.hasWanted() {
		p = p.next
	}

	if p == nil {
		d.head = d.saved
		if had {
			d.irqSet(false)
		}

		return 0
	}

	d.head = p
	d.cache64 = p

	return uint32(p.channel >> 32)
}

// takeCached consumes the fast-path slot: first the parked pair
// channel, then the host-written cache.
func (d *Device) takeCached() *hwPipe {
	if p := d.cache64; p != nil {
		d.cache64 = nil
		return p
	}

	d.slotMu.Lock()
	defer d.slotMu.Unlock()

	p := d.cache
	d.cache = nil

	return p
}

// setCache publishes p as the most recently woken channel.
// Called from host threads.
func (d *Device) setCache(p *hwPipe) {
	d.slotMu.Lock()
	defer d.slotMu.Unlock()

	d.cache = p
}

// clearCache drops any fast-path references to p.
// A nil p clears both slots unconditionally.
func (d *Device) clearCache(p *hwPipe) {
	d.slotMu.Lock()
	defer d.slotMu.Unlock()

	if p == nil || d.cache == p {
		d.cache = nil
	}

	if p == nil || d.cache64 == p {
		d.cache64 = nil
	}
}

func (d *Device) irqSet(high bool) {
	if err := d.irq.Set(high); err != nil {
		slog.Error("pipe: irq line", "high", high, "err", err)
	}
}

// unlocked runs fn with the register file unlocked. Every handler
// call goes through here: handlers may take their own time and may
// re-enter the device through the wake path.
func (d *Device) unlocked(fn func()) {
	d.mu.Unlock()
	defer d.mu.Lock()

	fn()
}

// readGuest copies n bytes out of guest memory.
func (d *Device) readGuest(addr uint64, n int) ([]byte, bool) {
	b, err := d.mem.Map(addr, n, false)
	if err != nil {
		slog.Error("pipe: guest read failed", "addr", addr, "err", err)
		return nil, false
	}

	if len(b) < n {
		d.mem.Unmap(b, false, 0)
		slog.Error("pipe: short guest read", "addr", addr, "len", n)
		return nil, false
	}

	out := make([]byte, n)
	copy(out, b)
	d.mem.Unmap(b, false, n)

	return out, true
}

// writeGuest copies p into guest memory.
func (d *Device) writeGuest(addr uint64, p []byte) {
	b, err := d.mem.Map(addr, len(p), true)
	if err != nil {
		slog.Error("pipe: guest write failed", "addr", addr, "err", err)
		return
	}

	if len(b) < len(p) {
		d.mem.Unmap(b, false, 0)
		slog.Error("pipe: short guest write", "addr", addr, "len", len(p))
		return
	}

	copy(b, p)
	d.mem.Unmap(b, true, len(p))
}

// Wake is the host-side wake upcall: fold the flags into the wanted
// mask, publish the channel on the fast path, and raise the IRQ.
// Safe to call from any goroutine.
func (p *hwPipe) Wake(flags pipe.Wake) {
	p.setWanted(flags)

	if !p.isClosed() {
		p.dev.setCache(p)
	}

	p.dev.irqSet(true)
}

// CloseFromHost closes the channel from the host side: the closed
// flag goes up exactly once, followed by a final WakeClosed. The
// channel record stays live until the guest closes it.
func (p *hwPipe) CloseFromHost() {
	p.mu.Lock()

	if p.closed {
		p.mu.Unlock()
		return
	}

	p.closed = true
	p.mu.Unlock()

	p.Wake(pipe.WakeClosed)
}

func (p *hwPipe) getAndClearWanted() pipe.Wake {
	p.mu.Lock()
	defer p.mu.Unlock()

	w := p.wanted
	p.wanted = 0

	return w
}

func (p *hwPipe) setWanted(bits pipe.Wake) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.wanted |= bits
}

func (p *hwPipe) hasWanted() bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	return p.wanted != 0
}

func (p *hwPipe) isClosed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	return p.closed
}

func setLow(v *uint64, low uint32) {
	*v = *v&^0xffffffff | uint64(low)
}

func setHigh(v *uint64, high uint32) {
	*v = *v&0xffffffff | uint64(high)<<32
}
