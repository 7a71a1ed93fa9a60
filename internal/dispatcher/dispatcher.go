// Package dispatcher implements the daemon's single-threaded event loop:
// the one piece of this codebase genuinely restructured away from the
// teacher's goroutine-per-connection model, because the specification it
// implements calls for exactly one blocking wait per iteration rather
// than a worker pool. The ambient pieces around that loop (logging,
// metrics, configuration) still follow the teacher's conventions; only
// the scheduling model itself departs from it, and only because the
// domain requires it.
package dispatcher

import (
	"fmt"
	"os"
	"os/signal"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sys/unix"

	"github.com/hightec/v120irqd/internal/crate"
	"github.com/hightec/v120irqd/internal/metrics"
	"github.com/hightec/v120irqd/internal/socket"
	"github.com/hightec/v120irqd/internal/subscription"
	"github.com/hightec/v120irqd/internal/wire"
)

// Options configures a Dispatcher.
type Options struct {
	SocketName      string
	ListenBacklog   int
	DeliveryTimeout time.Duration
	FakeOK          bool
	NoVME           bool
	Metrics         *metrics.Metrics
	Logger          zerolog.Logger
}

type crateState struct {
	number  crate.Number
	adapter crate.Adapter
	enable  uint8
}

type clientConn struct {
	fd    int
	token subscription.Token
}

// Dispatcher owns every piece of state the event loop touches: the
// subscription table, the attached crates, the listener, and the
// currently connected clients. Nothing here is safe for concurrent use;
// only Run's own goroutine, and the brief window before it starts,
// touches these fields.
type Dispatcher struct {
	opts    Options
	logger  zerolog.Logger
	metrics *metrics.Metrics

	table    *subscription.Table
	listener *socket.Listener
	crates   []*crateState
	clients  []*clientConn

	sigR, sigW *os.File
	stopSignal chan os.Signal
}

const (
	sigByteTerm = 1
	sigByteUsr1 = 2
)

// New builds a Dispatcher, attaching crates (unless opts.NoVME) and
// binding the listener. Callers must call Close if Run is never invoked.
func New(opts Options) (*Dispatcher, error) {
	d := &Dispatcher{
		opts:    opts,
		logger:  opts.Logger,
		metrics: opts.Metrics,
		table:   subscription.New(),
	}

	if !opts.NoVME {
		entries, err := crate.AttachAll()
		if err != nil {
			return nil, fmt.Errorf("dispatcher: attach crates: %w", err)
		}
		for _, e := range entries {
			enable, err := e.Adapter.EnableGet()
			if err != nil {
				return nil, fmt.Errorf("dispatcher: read enable mask for crate %d: %w", e.Number, err)
			}
			d.crates = append(d.crates, &crateState{number: e.Number, adapter: e.Adapter, enable: enable})
		}
	}
	if d.metrics != nil {
		d.metrics.CratesAttached.Set(float64(len(d.crates)))
	}

	l, err := socket.Listen(opts.SocketName, opts.ListenBacklog)
	if err != nil {
		d.closeCrates()
		return nil, fmt.Errorf("dispatcher: listen: %w", err)
	}
	d.listener = l

	r, w, err := os.Pipe()
	if err != nil {
		d.listener.Close()
		d.closeCrates()
		return nil, fmt.Errorf("dispatcher: signal pipe: %w", err)
	}
	d.sigR, d.sigW = r, w

	return d, nil
}

func (d *Dispatcher) closeCrates() {
	for _, c := range d.crates {
		c.adapter.Close()
	}
}

// crateMask returns the bitmask of attached crates, for status reports.
func (d *Dispatcher) crateMask() uint32 {
	var mask uint32
	for _, c := range d.crates {
		mask |= 1 << uint(c.number)
	}
	return mask
}

func (d *Dispatcher) statusReport() wire.Status {
	return wire.Status{
		PID:               uint32(os.Getpid()),
		CrateMask:         d.crateMask(),
		ClientCount:       uint32(len(d.clients)),
		SubscriptionCount: uint32(d.table.Count()),
	}
}

// logStatus is the SIGUSR1 handler: log the status report instead of
// sending it over the wire.
func (d *Dispatcher) logStatus() {
	s := d.statusReport()
	d.logger.Info().
		Uint32("pid", s.PID).
		Uint32("crate_mask", s.CrateMask).
		Uint32("clients", s.ClientCount).
		Uint32("subscriptions", s.SubscriptionCount).
		Msg("status report")
}

// pollFD descriptor kinds, used to interpret Ppoll results.
type fdKind int

const (
	kindSignal fdKind = iota
	kindCrate
	kindListener
	kindClient
)

type fdTarget struct {
	kind fdKind
	// for kindCrate, index into d.crates; for kindClient, the client's
	// fd (looked up by value, not slice position, since a client earlier
	// in one pass's event list may already have been removed by the time
	// a later event in the same pass is processed).
	crateIdx int
	fd       int
}

func (d *Dispatcher) buildPollSet() ([]unix.PollFd, []fdTarget) {
	fds := make([]unix.PollFd, 0, 2+len(d.crates)+len(d.clients))
	targets := make([]fdTarget, 0, cap(fds))

	fds = append(fds, unix.PollFd{Fd: int32(d.sigR.Fd()), Events: unix.POLLIN})
	targets = append(targets, fdTarget{kind: kindSignal})

	for i, c := range d.crates {
		fds = append(fds, unix.PollFd{Fd: int32(c.adapter.InterruptFD()), Events: unix.POLLIN})
		targets = append(targets, fdTarget{kind: kindCrate, crateIdx: i})
	}

	fds = append(fds, unix.PollFd{Fd: int32(d.listener.FD), Events: unix.POLLIN})
	targets = append(targets, fdTarget{kind: kindListener})

	for _, cl := range d.clients {
		fds = append(fds, unix.PollFd{Fd: int32(cl.fd), Events: unix.POLLIN})
		targets = append(targets, fdTarget{kind: kindClient, fd: cl.fd})
	}

	return fds, targets
}

// Run blocks in the dispatcher's event loop until SIGTERM is observed or
// an unrecoverable error occurs (a failed Ppoll call). It always performs
// the graceful-shutdown sequence from spec before returning.
func (d *Dispatcher) Run() error {
	d.startSignalForwarding()
	defer d.shutdown()

	for {
		fds, targets := d.buildPollSet()
		n, err := unix.Ppoll(fds, nil, nil)
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			return fmt.Errorf("dispatcher: ppoll: %w", err)
		}
		if n == 0 {
			continue
		}

		for i := range fds {
			if fds[i].Revents&(unix.POLLIN|unix.POLLHUP|unix.POLLERR) == 0 {
				continue
			}
			switch t := targets[i]; t.kind {
			case kindSignal:
				if terminate := d.processSignal(); terminate {
					return nil
				}
			case kindCrate:
				d.processCrate(t.crateIdx)
			case kindListener:
				d.processListener()
			case kindClient:
				d.processClient(t.fd)
			}
		}
	}
}

// shutdown performs the graceful-exit sequence: close the listener and
// all clients, release every subscription, disable every crate's lines,
// and unlink any filesystem socket name (handled by listener.Close).
func (d *Dispatcher) shutdown() {
	d.logger.Info().Msg("shutting down")
	if d.listener != nil {
		d.listener.Close()
	}
	for _, cl := range d.clients {
		unix.Close(cl.fd)
		d.table.ReleaseAll(cl.token)
	}
	d.clients = nil
	d.recomputeEnables()
	d.closeCrates()
	if d.stopSignal != nil {
		signal.Stop(d.stopSignal)
		close(d.stopSignal)
	}
	if d.sigW != nil {
		d.sigW.Close()
	}
	if d.sigR != nil {
		d.sigR.Close()
	}
	d.logger.Info().Msg("shutdown complete")
}

func (d *Dispatcher) findClient(fd int) *clientConn {
	for _, cl := range d.clients {
		if cl.fd == fd {
			return cl
		}
	}
	return nil
}

func (d *Dispatcher) removeClient(fd int) {
	for i, cl := range d.clients {
		if cl.fd != fd {
			continue
		}
		d.table.ReleaseAll(cl.token)
		unix.Close(cl.fd)
		d.clients = append(d.clients[:i], d.clients[i+1:]...)
		if d.metrics != nil {
			d.metrics.ClientsConnected.Set(float64(len(d.clients)))
			d.metrics.SubscriptionsActive.Set(float64(d.table.Count()))
		}
		d.recomputeEnables()
		return
	}
}

// recomputeEnables writes each attached crate's enable register to the
// union of irq masks of subscriptions that include it, per Table.Snapshot,
// restricted to the lines currently enabled. It never widens a crate's
// enables, so a line disabled by maybeDisableLine stays off until a
// REQUEST widens it again; it is only ever called after a shrink
// (RELEASE, client close, or shutdown).
func (d *Dispatcher) recomputeEnables() {
	snapshot := d.table.Snapshot()
	for _, c := range d.crates {
		mask := snapshot[c.number] & c.enable
		if mask == c.enable {
			continue
		}
		if err := c.adapter.EnableSet(mask); err != nil {
			d.logger.Warn().Err(err).Int("crate", int(c.number)).Msg("failed to write enable mask")
			continue
		}
		c.enable = mask
	}
}
