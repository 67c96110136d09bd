// Command gpipe runs a loopback demo of the pipe device: it plays the
// guest kernel driver's role against an in-process device, bridging
// the terminal to one channel of the chosen service. Interrupts are
// modeled as a channel the drain loop selects on.
package main

import (
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/c35s/gpipe/pipe"
	"github.com/c35s/gpipe/pipe/mmio"
	"golang.org/x/term"
)

const (
	memSize = 1 << 20
	bufAddr = 0x1000
	bufSize = 4096

	// ids with zero high bits can't be woken reliably,
	// so the demo channel keeps a bit up there
	chanID = 0x1_0000_0001
)

func main() {

	var (
		service   = flag.String("service", "pingpong", "connect the terminal to this pipe service")
		vsockAddr = flag.String("vsock", "", "register a \"vsock\" stream service dialing cid:port")
	)

	flag.Parse()

	reg := new(pipe.Registry)

	must(reg.Register("zero", pipe.Zero{}))
	must(reg.Register("pingpong", pipe.PingPong{}))
	must(reg.Register("throttle", &pipe.Throttle{}))

	if *vsockAddr != "" {
		cid, port, err := parseVSockAddr(*vsockAddr)
		if err != nil {
			panic(err)
		}

		must(reg.Register("vsock", &pipe.Stream{Dial: pipe.DialVSock(cid, port)}))
	}

	mem, err := mmio.AllocRAM(memSize)
	if err != nil {
		panic(err)
	}

	defer mem.Close()

	irqC := make(chan struct{}, 1)

	dev, err := mmio.New(mmio.Config{
		Memory: mem,
		IRQ: mmio.IrqFunc(func(high bool) error {
			if high {
				select {
				case irqC <- struct{}{}:
				default:
				}
			}

			return nil
		}),

		Service: reg,
	})

	if err != nil {
		panic(err)
	}

	defer dev.Close()

	g := &guest{dev: dev, mem: mem.Bytes()}

	if st := g.open(chanID); st != 0 {
		panic(fmt.Sprintf("open: status %d", st))
	}

	if st := g.write([]byte("pipe:" + *service + "\x00")); st < 0 {
		panic(fmt.Sprintf("connect %q: status %d", *service, st))
	}

	g.command(mmio.CmdWakeOnRead)

	if term.IsTerminal(int(os.Stdin.Fd())) {
		old, err := term.MakeRaw(int(os.Stdin.Fd()))
		if err != nil {
			panic(err)
		}

		defer term.Restore(int(os.Stdin.Fd()), old)
	}

	inC := make(chan []byte)
	go func() {
		defer close(inC)

		buf := make([]byte, 1024)
		for {
			n, err := os.Stdin.Read(buf)
			if n > 0 {
				b := make([]byte, n)
				copy(b, buf[:n])
				inC <- b
			}

			if err != nil {
				return
			}
		}
	}()

	for {
		select {
		case b, ok := <-inC:
			if !ok || strings.ContainsAny(string(b), "\x03\x04") {
				return
			}

			if st := g.write(b); st < 0 {
				fmt.Fprintf(os.Stderr, "write: status %d\r\n", st)
				return
			}

		case <-irqC:
			if hup := g.drain(os.Stdout); hup {
				return
			}
		}
	}
}

// guest is the driver side of the protocol, latching registers and
// issuing commands the way the guest kernel does.
type guest struct {
	dev *mmio.Device
	mem []byte
}

func (g *guest) command(cmd uint32) int32 {
	g.dev.WriteReg(mmio.RegCommand, cmd)
	return int32(g.dev.ReadReg(mmio.RegStatus))
}

func (g *guest) open(id uint64) int32 {
	g.dev.WriteReg(mmio.RegChannel, uint32(id))
	g.dev.WriteReg(mmio.RegChannelHigh, uint32(id>>32))
	return g.command(mmio.CmdOpen)
}

func (g *guest) write(b []byte) int32 {
	var done int32
	for len(b) > 0 {
		n := copy(g.mem[bufAddr:bufAddr+bufSize], b)

		g.dev.WriteReg(mmio.RegAddress, bufAddr)
		g.dev.WriteReg(mmio.RegAddressHigh, 0)
		g.dev.WriteReg(mmio.RegSize, uint32(n))

		if st := g.command(mmio.CmdWriteBuffer); st < 0 {
			return st
		}

		b = b[n:]
		done += int32(n)
	}

	return done
}

// drain runs one wake drain round, reading every signaled channel's
// pending bytes into out. The high half is read first: it parks the
// signaled channel so the following low read delivers the same one.
// It reports whether the host closed the channel.
func (g *guest) drain(out *os.File) (hup bool) {
	for {
		high := g.dev.ReadReg(mmio.RegChannelHigh)
		if high == 0 {
			return false
		}

		g.dev.ReadReg(mmio.RegChannel)
		wakes := g.dev.ReadReg(mmio.RegWakes)

		if wakes&uint32(pipe.WakeClosed) != 0 {
			return true
		}

		if wakes&uint32(pipe.WakeRead) == 0 {
			continue
		}

		for {
			g.dev.WriteReg(mmio.RegAddress, bufAddr)
			g.dev.WriteReg(mmio.RegAddressHigh, 0)
			g.dev.WriteReg(mmio.RegSize, bufSize)

			st := g.command(mmio.CmdReadBuffer)
			if st <= 0 {
				break
			}

			out.Write(g.mem[bufAddr : bufAddr+int(st)])
		}

		g.command(mmio.CmdWakeOnRead)
	}
}

func parseVSockAddr(s string) (cid, port uint32, err error) {
	cs, ps, ok := strings.Cut(s, ":")
	if !ok {
		return 0, 0, fmt.Errorf("gpipe: bad vsock address %q, want cid:port", s)
	}

	c, err := strconv.ParseUint(cs, 10, 32)
	if err != nil {
		return 0, 0, err
	}

	p, err := strconv.ParseUint(ps, 10, 32)
	if err != nil {
		return 0, 0, err
	}

	return uint32(c), uint32(p), nil
}

func must(err error) {
	if err != nil {
		panic(err)
	}
}
