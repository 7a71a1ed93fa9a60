//go:build linux

package crate

import (
	"encoding/binary"
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

// Register offsets within the mmap'd V120_IRQ block, matching the layout
// documented for struct V120_IRQ: four 32-bit control/status registers,
// 16 bytes reserved, then eight 32-bit acknowledge-vector registers
// (index 0 corresponds to VMEbus IRQ1, index 6 to IRQ7; one slot, index
// 7, is unused by any VME IRQ line but present for register alignment).
const (
	offIRQStatus = 0
	offIRQEnable = 4
	offIACKCfg   = 8
	offPCIIRQ    = 12
	offVectors   = 32
	regBlockSize = 64
)

// Linux is the real, mmap-backed Adapter for an attached V120 crate.
type Linux struct {
	regFile *os.File
	regs    []byte // mmap of regBlockSize bytes over the crate's IRQ endpoint
}

func attachPlatform(n Number) (Adapter, error) {
	return OpenLinux(n)
}

// OpenLinux opens the device nodes for crate number n. Following the
// naming convention implied by v120_open/v120_irq_open, the interrupt
// endpoint is /dev/v120_<n>_irq. ErrNoSuchCrate is returned (wrapped, with
// the device path appended) when that node doesn't exist, which the
// crate enumerator treats as "this crate slot is not populated" rather
// than a fatal error.
func OpenLinux(n Number) (*Linux, error) {
	path := fmt.Sprintf("/dev/v120_%d_irq", n)
	f, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrNoSuchCrate, path)
		}
		return nil, fmt.Errorf("crate: open %s: %w", path, err)
	}

	regs, err := unix.Mmap(int(f.Fd()), 0, regBlockSize, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("crate: mmap %s: %w", path, err)
	}
	return &Linux{regFile: f, regs: regs}, nil
}

func (l *Linux) InterruptFD() int { return int(l.regFile.Fd()) }

func (l *Linux) Consume() error {
	var b [8]byte
	_, err := unix.Read(int(l.regFile.Fd()), b[:])
	if err == unix.EAGAIN {
		return nil
	}
	return err
}

func (l *Linux) Pending() (uint8, error) {
	status := binary.LittleEndian.Uint32(l.regs[offIRQStatus:])
	return uint8(status), nil
}

func (l *Linux) EnableGet() (uint8, error) {
	en := binary.LittleEndian.Uint32(l.regs[offIRQEnable:])
	return uint8(en), nil
}

func (l *Linux) EnableSet(mask uint8) error {
	binary.LittleEndian.PutUint32(l.regs[offIRQEnable:], uint32(mask))
	return nil
}

func (l *Linux) FetchVector(irq uint) (uint32, error) {
	if irq < 1 || irq > 7 {
		return 0, fmt.Errorf("crate: irq %d out of range", irq)
	}
	off := offVectors + (irq-1)*4
	return binary.LittleEndian.Uint32(l.regs[off : off+4]), nil
}

func (l *Linux) Close() error {
	err := unix.Munmap(l.regs)
	if cerr := l.regFile.Close(); err == nil {
		err = cerr
	}
	return err
}
