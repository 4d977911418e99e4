//go:build linux

package internal

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"
	"golang.org/x/sys/unix"

	"github.com/strafehq/strafe/utils"
)

// scratchSize bounds per-read memory to one shared buffer regardless of how
// many connections are in flight.
const scratchSize = 64 * 1024

// Reactor multiplexes many concurrent HTTP GET downloads over non-blocking
// sockets from a single event-loop goroutine. Producers hand downloads over
// through Submit; all socket state and the scratch buffer are owned by the
// loop goroutine exclusively.
type Reactor struct {
	poller *poller
	sink   *Sink
	log    zerolog.Logger

	mu      sync.Mutex
	pending []*Download

	released atomic.Bool
	done     chan struct{}

	// Loop-goroutine state, never touched from outside the loop.
	conns   map[int]*conn
	scratch []byte

	connections atomic.Int64
	writes      atomic.Int64
}

// NewReactor creates the readiness selector and starts the loop goroutine.
// Terminal downloads are recorded into sink.
func NewReactor(sink *Sink) (*Reactor, error) {
	p, err := newPoller()
	if err != nil {
		return nil, fmt.Errorf("error creating poller: %v", err)
	}
	r := &Reactor{
		poller:  p,
		sink:    sink,
		log:     utils.GetLogger("reactor"),
		done:    make(chan struct{}),
		conns:   make(map[int]*conn),
		scratch: make([]byte, scratchSize),
	}
	go r.run()
	return r, nil
}

// Submit hands a download to the reactor. It never blocks: the download is
// appended to the pending queue and the blocked readiness wait is interrupted
// so the connect starts promptly. Fails with ErrReleased after Release.
//
// The released check happens under the queue lock: teardown drains the queue
// under the same lock, so an append that passes the check is guaranteed to be
// picked up either by the loop or by teardown, never stranded.
func (r *Reactor) Submit(d *Download) error {
	r.mu.Lock()
	if r.released.Load() {
		r.mu.Unlock()
		return ErrReleased
	}
	r.pending = append(r.pending, d)
	r.mu.Unlock()
	r.poller.wake()
	return nil
}

// Release terminates the loop, fails whatever is still in flight, closes the
// poller and flushes the stats sink. Idempotent; subsequent Submit calls fail
// fast.
func (r *Reactor) Release() {
	if !r.released.CompareAndSwap(false, true) {
		return
	}
	r.poller.wake()
	<-r.done
	r.sink.Close()
}

// Connections reports completed connect handshakes.
func (r *Reactor) Connections() int64 { return r.connections.Load() }

// Writes reports fully flushed requests.
func (r *Reactor) Writes() int64 { return r.writes.Load() }

func (r *Reactor) run() {
	r.log.Info().Msg("Reactor loop starting")
	for {
		events, err := r.poller.wait()
		if err != nil {
			// Selector-level failure, not recoverable per connection.
			r.log.Error().Err(err).Msg("Readiness wait failed, stopping loop")
			break
		}
		if r.released.Load() {
			break
		}
		r.drainPending()
		for _, ev := range events {
			r.dispatch(ev)
		}
	}
	r.teardown()
	r.log.Info().Msg("Reactor loop exiting")
	close(r.done)
}

// drainPending empties the hand-off queue and starts an asynchronous connect
// for every queued download. Dial failures (unresolvable host and the like)
// turn into Error notifications without consuming a selection cycle.
func (r *Reactor) drainPending() {
	for {
		r.mu.Lock()
		if len(r.pending) == 0 {
			r.mu.Unlock()
			return
		}
		d := r.pending[0]
		r.pending = r.pending[1:]
		r.mu.Unlock()
		r.register(d)
	}
}

func (r *Reactor) register(d *Download) {
	c, err := dial(d)
	if err != nil {
		r.fail(&conn{fd: -1, download: d}, err)
		return
	}
	if err := r.poller.add(c.fd, unix.EPOLLIN|unix.EPOLLOUT); err != nil {
		r.fail(c, err)
		return
	}
	r.conns[c.fd] = c
	r.log.Debug().Str("id", d.ID.String()).Str("host", d.Host()).Int("port", d.Port()).Msg("Connect started")
}

// dispatch advances one ready connection. Failures are contained per
// registration: the download errors out and the loop keeps servicing the
// rest.
func (r *Reactor) dispatch(ev unix.EpollEvent) {
	c, ok := r.conns[int(ev.Fd)]
	if !ok {
		return // torn down earlier in this cycle
	}
	defer func() {
		if p := recover(); p != nil {
			r.fail(c, fmt.Errorf("panic handling %s:%d: %v", c.download.Host(), c.download.Port(), p))
		}
	}()
	if err := r.advance(c, ev.Events); err != nil {
		r.fail(c, err)
	}
}

func (r *Reactor) advance(c *conn, events uint32) error {
	if !c.connected {
		if events&(unix.EPOLLOUT|unix.EPOLLERR|unix.EPOLLHUP) == 0 {
			return nil
		}
		if err := c.finishConnect(); err != nil {
			return err
		}
		c.download.setStatus(StatusConnected)
		r.connections.Add(1)
		// Fall through: the socket that just connected is writable now.
	}
	if !c.flushed {
		if events&unix.EPOLLOUT == 0 {
			return nil
		}
		if err := c.flushRequest(); err != nil {
			return err
		}
		r.writes.Add(1)
		r.log.Debug().Str("id", c.download.ID.String()).Msg("Request sent")
		return r.poller.modify(c.fd, unix.EPOLLIN)
	}
	if events&(unix.EPOLLIN|unix.EPOLLERR|unix.EPOLLHUP) != 0 {
		return r.read(c)
	}
	return nil
}

// read drains one readiness event into the shared scratch buffer and moves
// the bytes into the download's own buffer immediately. The scratch buffer
// never holds data across iterations. A clean zero-byte read is the server's
// end-of-response close.
func (r *Reactor) read(c *conn) error {
	n, err := unix.Read(c.fd, r.scratch)
	if err == unix.EAGAIN {
		return nil // spurious wakeup, no data yet
	}
	if err != nil {
		return fmt.Errorf("error reading from %s:%d: %v", c.download.Host(), c.download.Port(), err)
	}
	if n > 0 {
		c.download.append(r.scratch[:n])
		return nil
	}
	r.finish(c)
	return nil
}

// finish dispatches a completed download: terminal status first, then the
// listener, then the stats sink, all synchronously on the loop goroutine.
func (r *Reactor) finish(c *conn) {
	r.detach(c)
	d := c.download
	d.setStatus(StatusDone)
	if r.log.GetLevel() <= zerolog.DebugLevel {
		code, _ := d.HTTPStatus()
		r.log.Debug().Str("id", d.ID.String()).Int("httpStatus", code).Int("bytes", d.DataLen()).Msg("Download completed")
	}
	if l := d.Listener(); l != nil {
		l.Done(d)
	}
	r.sink.Record(d)
}

func (r *Reactor) fail(c *conn, err error) {
	r.detach(c)
	d := c.download
	d.setStatus(StatusError)
	r.log.Error().Err(err).Str("host", d.Host()).Int("port", d.Port()).Msg("Download failed")
	if l := d.Listener(); l != nil {
		l.Error(d, err)
	}
	r.sink.RecordError(d)
}

// detach deregisters and closes the socket. Safe to call for downloads that
// never got one.
func (r *Reactor) detach(c *conn) {
	if c.fd < 0 {
		return
	}
	delete(r.conns, c.fd)
	r.poller.remove(c.fd)
	unix.Close(c.fd)
	c.fd = -1
}

// teardown fails everything still pending or in flight after Release and
// closes the selector. Their listeners observe a normal Error notification.
func (r *Reactor) teardown() {
	r.mu.Lock()
	pending := r.pending
	r.pending = nil
	r.mu.Unlock()
	for _, d := range pending {
		r.fail(&conn{fd: -1, download: d}, ErrReleased)
	}
	open := make([]*conn, 0, len(r.conns))
	for _, c := range r.conns {
		open = append(open, c)
	}
	for _, c := range open {
		r.fail(c, ErrReleased)
	}
	r.poller.close()
}
