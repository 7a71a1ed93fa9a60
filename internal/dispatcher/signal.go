package dispatcher

import (
	"os"
	"os/signal"
	"syscall"

	"golang.org/x/sys/unix"
)

// startSignalForwarding bridges Go's signal.Notify channel into the
// dispatcher's single Ppoll wait via a self-pipe. The original daemon
// blocks SIGTERM/SIGUSR1 at the OS thread level and only unblocks them
// around its call to ppoll(2); Go's runtime doesn't give a goroutine that
// same per-thread signal mask, since signal delivery is multiplexed onto
// a dedicated runtime thread regardless of which goroutine calls
// signal.Notify. The self-pipe achieves the same observable behavior —
// signals are only "seen" by the dispatcher at its single suspension
// point — without requiring raw sigprocmask/pthread_sigmask plumbing.
func (d *Dispatcher) startSignalForwarding() {
	d.stopSignal = make(chan os.Signal, 4)
	signal.Notify(d.stopSignal, syscall.SIGTERM, syscall.SIGUSR1)

	go func() {
		for sig := range d.stopSignal {
			var b byte
			switch sig {
			case syscall.SIGTERM:
				b = sigByteTerm
			case syscall.SIGUSR1:
				b = sigByteUsr1
			default:
				continue
			}
			if _, err := d.sigW.Write([]byte{b}); err != nil {
				return
			}
		}
	}()
}

// processSignal drains the self-pipe and reports whether a graceful
// termination was requested. A SIGUSR1 byte logs the status report and
// does not end the loop; a SIGTERM byte ends it once observed, even if
// other bytes follow in the same read.
func (d *Dispatcher) processSignal() (terminate bool) {
	var buf [64]byte
	n, err := unix.Read(int(d.sigR.Fd()), buf[:])
	if err != nil || n <= 0 {
		return false
	}
	for _, b := range buf[:n] {
		switch b {
		case sigByteTerm:
			terminate = true
		case sigByteUsr1:
			d.logStatus()
		}
	}
	return terminate
}
