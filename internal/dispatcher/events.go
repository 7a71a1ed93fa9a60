package dispatcher

import (
	"golang.org/x/sys/unix"

	"github.com/hightec/v120irqd/internal/subscription"
	"github.com/hightec/v120irqd/internal/wire"
)

// processListener accepts one pending connection and appends it to the
// client region. The token is the connection's own file descriptor,
// preserving the original's choice of "opaque handle comparable by
// equality".
func (d *Dispatcher) processListener() {
	fd, err := d.listener.Accept()
	if err != nil {
		d.logger.Warn().Err(err).Msg("accept failed")
		return
	}
	d.clients = append(d.clients, &clientConn{fd: fd, token: subscription.Token(fd)})
	if d.metrics != nil {
		d.metrics.ClientsTotal.Inc()
		d.metrics.ClientsConnected.Set(float64(len(d.clients)))
	}
}

// processCrate implements the priority sweep of spec §4.E: consume the
// notification, then repeatedly find the highest pending+enabled IRQ
// line, deliver it, and restart the sweep from the top — whether the
// delivery succeeded, was refused, or the target connection vanished.
// Any single pass always restarts at IRQ7 rather than continuing
// downward, matching the original's goto-based control flow exactly.
func (d *Dispatcher) processCrate(idx int) {
	c := d.crates[idx]
	if err := c.adapter.Consume(); err != nil {
		d.logger.Warn().Err(err).Int("crate", int(c.number)).Msg("failed to consume crate notification")
	}

	enable, err := c.adapter.EnableGet()
	if err != nil {
		d.logger.Warn().Err(err).Int("crate", int(c.number)).Msg("failed to read enable mask")
		return
	}
	c.enable = enable

	for {
		pending, err := c.adapter.Pending()
		if err != nil {
			d.logger.Warn().Err(err).Int("crate", int(c.number)).Msg("failed to read pending mask")
			return
		}
		masked := pending & c.enable
		if masked == 0 {
			return
		}

		irq := highestSetIRQ(masked)
		vector, err := c.adapter.FetchVector(uint(irq))
		if err != nil {
			d.logger.Warn().Err(err).Int("crate", int(c.number)).Int("irq", irq).Msg("failed to fetch vector")
			d.maybeDisableLine(c, irq)
			continue
		}

		concrete := wire.Selector{Crate: 1 << uint(c.number), IRQ: 1 << uint(irq), Vector: vector}
		if !d.deliverConcrete(concrete) {
			d.maybeDisableLine(c, irq)
		}
	}
}

// highestSetIRQ returns the index (1-7) of the highest set bit in a
// pending&enabled mask. Callers only invoke this when mask != 0.
func highestSetIRQ(mask uint8) int {
	for irq := 7; irq >= 1; irq-- {
		if mask&(1<<uint(irq)) != 0 {
			return irq
		}
	}
	return 0
}

// maybeDisableLine implements step (d) of the priority sweep: after a
// delivery attempt, if the same line is still asserted, it's wedged;
// disable it and log. This is the only path that shrinks an enable mask
// without a client RELEASE or disconnect.
func (d *Dispatcher) maybeDisableLine(c *crateState, irq int) {
	pending, err := c.adapter.Pending()
	if err != nil || pending&(1<<uint(irq)) == 0 {
		return
	}
	c.enable &^= 1 << uint(irq)
	if err := c.adapter.EnableSet(c.enable); err != nil {
		d.logger.Warn().Err(err).Int("crate", int(c.number)).Int("irq", irq).Msg("failed to disable wedged line")
		return
	}
	d.logger.Warn().Int("crate", int(c.number)).Int("irq", irq).Msg("disabling line stuck after delivery")
	if d.metrics != nil {
		d.metrics.LinesDisabledTotal.Inc()
	}
}

// deliverConcrete looks up concrete's owner and runs the SIGNAL/ACK/NAK
// handshake, reporting whether the delivery was acknowledged. Callers
// delivering a real hardware event re-check their line themselves
// (maybeDisableLine) when the delivery was not acknowledged; a synthetic event injected by a
// client's own SIGNAL frame (--fake-ok) has no hardware line to re-check.
func (d *Dispatcher) deliverConcrete(concrete wire.Selector) (acked bool) {
	owner, payload, ok := d.table.Match(concrete)
	if !ok {
		if d.metrics != nil {
			d.metrics.DeliveriesNoMatch.Inc()
		}
		d.logger.Warn().
			Uint16("crate", concrete.Crate).Uint8("irq", concrete.IRQ).Uint32("vector", concrete.Vector).
			Msg("interrupt pending with no matching subscription")
		return false
	}

	cl := d.findClient(int(owner))
	if cl == nil {
		// The owning connection vanished between registration and
		// delivery; treat exactly like a NAK/peer-closed outcome.
		return false
	}

	concrete.Payload = payload
	frame := wire.Encode(wire.Frame{Tag: wire.SIGNAL, Selector: concrete})
	if d.metrics != nil {
		d.metrics.DeliveriesTotal.Inc()
	}

	if _, err := unix.Write(cl.fd, frame[:]); err != nil {
		d.logger.Warn().Err(err).Int("fd", cl.fd).Msg("failed to send SIGNAL, closing connection")
		d.removeClient(cl.fd)
		return false
	}

	resp, outcome := d.waitForResponse(cl.fd)
	switch outcome {
	case responseACK:
		if d.metrics != nil {
			d.metrics.DeliveriesACKed.Inc()
		}
		return true
	case responseTimeout:
		if d.metrics != nil {
			d.metrics.DeliveriesTimedOut.Inc()
		}
		d.logger.Warn().Int("fd", cl.fd).Msg("delivery timed out, treating as NAK")
		return false
	case responsePeerClosed:
		d.removeClient(cl.fd)
		return false
	case responseNAK:
		if d.metrics != nil {
			d.metrics.DeliveriesNAKed.Inc()
		}
		return false
	case responseBadMessage:
		d.logger.Warn().Int("fd", cl.fd).Any("tag", resp.Tag).Msg("unexpected reply to SIGNAL")
		return false
	default:
		return false
	}
}

type responseOutcome int

const (
	responseACK responseOutcome = iota
	responseNAK
	responseTimeout
	responsePeerClosed
	responseBadMessage
)

// waitForResponse bounds the SIGNAL -> ACK/NAK wait with the configured
// delivery timeout (the redesign resolving spec's Open Question on
// timeouts): expiry is treated identically to an explicit NAK rather than
// closing the connection.
func (d *Dispatcher) waitForResponse(fd int) (wire.Frame, responseOutcome) {
	var timeout *unix.Timespec
	if d.opts.DeliveryTimeout > 0 {
		ts := unix.NsecToTimespec(d.opts.DeliveryTimeout.Nanoseconds())
		timeout = &ts
	}

	fds := []unix.PollFd{{Fd: int32(fd), Events: unix.POLLIN}}
	for {
		n, err := unix.Ppoll(fds, timeout, nil)
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			return wire.Frame{}, responseBadMessage
		}
		if n == 0 {
			return wire.Frame{}, responseTimeout
		}
		break
	}

	var buf [wire.FrameSize]byte
	n, err := unix.Read(fd, buf[:])
	if err != nil {
		return wire.Frame{}, responseBadMessage
	}
	if n == 0 {
		return wire.Frame{}, responsePeerClosed
	}
	frame, err := wire.Decode(buf[:n])
	if err != nil {
		return wire.Frame{}, responseBadMessage
	}
	switch frame.Tag {
	case wire.ACK:
		return frame, responseACK
	case wire.NAK:
		return frame, responseNAK
	default:
		return frame, responseBadMessage
	}
}

// processClient decodes one frame from an established connection and
// acts on it per spec §4.E.
func (d *Dispatcher) processClient(fd int) {
	cl := d.findClient(fd)
	if cl == nil {
		return
	}

	var buf [wire.FrameSize]byte
	n, err := unix.Read(fd, buf[:])
	if err != nil {
		d.logger.Warn().Err(err).Int("fd", fd).Msg("read failed, closing connection")
		d.removeClient(fd)
		return
	}
	if n == 0 {
		d.removeClient(fd)
		return
	}

	frame, err := wire.Decode(buf[:n])
	if err != nil {
		d.logger.Warn().Err(err).Int("fd", fd).Msg("malformed frame, dropping")
		return
	}

	switch frame.Tag {
	case wire.REQUEST:
		d.handleRequest(cl, frame.Selector)
	case wire.RELEASE:
		d.handleRelease(cl, frame.Selector)
	case wire.SIGNAL:
		d.handleClientSignal(cl, frame.Selector)
	case wire.STATUS:
		d.handleStatus(cl)
	default:
		d.logger.Warn().Int("fd", fd).Any("tag", frame.Tag).Msg("unexpected tag from client, dropping")
	}
}

func (d *Dispatcher) reply(fd int, tag wire.Tag) {
	frame := wire.Encode(wire.Frame{Tag: tag})
	if _, err := unix.Write(fd, frame[:]); err != nil {
		d.logger.Warn().Err(err).Int("fd", fd).Msg("failed to send reply")
	}
}

func (d *Dispatcher) handleRequest(cl *clientConn, sel wire.Selector) {
	err := d.table.Insert(sel, cl.token)
	if err != nil {
		d.logger.Debug().Err(err).Int("fd", cl.fd).Msg("request rejected")
		if d.metrics != nil {
			d.metrics.RequestsTotal.WithLabelValues("request", "nak").Inc()
		}
		d.reply(cl.fd, wire.NAK)
		return
	}
	if d.metrics != nil {
		d.metrics.RequestsTotal.WithLabelValues("request", "ack").Inc()
		d.metrics.SubscriptionsActive.Set(float64(d.table.Count()))
	}
	d.reply(cl.fd, wire.ACK)
	d.widenEnables(sel)
}

// widenEnables implements the REQUEST-time enable widening: for every
// attached crate in the request's crate mask, OR the request's irq mask
// into its cached enable register. This is the only place enables widen;
// every other path only shrinks them (recomputeEnables).
func (d *Dispatcher) widenEnables(sel wire.Selector) {
	for _, c := range d.crates {
		if sel.Crate&(1<<uint(c.number)) == 0 {
			continue
		}
		newEnable := c.enable | sel.IRQ
		if newEnable == c.enable {
			continue
		}
		if err := c.adapter.EnableSet(newEnable); err != nil {
			d.logger.Warn().Err(err).Int("crate", int(c.number)).Msg("failed to widen enable mask")
			continue
		}
		c.enable = newEnable
	}
}

func (d *Dispatcher) handleRelease(cl *clientConn, sel wire.Selector) {
	err := d.table.Release(sel, cl.token)
	if err != nil {
		d.logger.Debug().Err(err).Int("fd", cl.fd).Msg("release rejected")
		if d.metrics != nil {
			d.metrics.RequestsTotal.WithLabelValues("release", "nak").Inc()
		}
		d.reply(cl.fd, wire.NAK)
		return
	}
	if d.metrics != nil {
		d.metrics.RequestsTotal.WithLabelValues("release", "ack").Inc()
		d.metrics.SubscriptionsActive.Set(float64(d.table.Count()))
	}
	d.reply(cl.fd, wire.ACK)
	d.recomputeEnables()
}

// handleClientSignal implements the --fake-ok path: a client may ask the
// daemon to synthesize a concrete interrupt for testing. It is rejected
// outright when the daemon wasn't started with that option.
func (d *Dispatcher) handleClientSignal(cl *clientConn, sel wire.Selector) {
	if !d.opts.FakeOK {
		if d.metrics != nil {
			d.metrics.RequestsTotal.WithLabelValues("signal", "nak").Inc()
		}
		d.reply(cl.fd, wire.NAK)
		return
	}
	if d.metrics != nil {
		d.metrics.RequestsTotal.WithLabelValues("signal", "ack").Inc()
	}
	d.reply(cl.fd, wire.ACK)
	d.deliverConcrete(sel)
}

func (d *Dispatcher) handleStatus(cl *clientConn) {
	status := d.statusReport()
	frame := wire.Encode(wire.Frame{Tag: wire.STATUS, Status: status})
	if _, err := unix.Write(cl.fd, frame[:]); err != nil {
		d.logger.Warn().Err(err).Int("fd", cl.fd).Msg("failed to send status reply")
	}
	if d.metrics != nil {
		d.metrics.RequestsTotal.WithLabelValues("status", "ok").Inc()
	}
}
