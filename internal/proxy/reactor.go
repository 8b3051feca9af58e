// Package proxy implements the event-driven L4 reverse-proxy core:
// the reactor, the per-session relay state machine and the routing
// table it mutates from the control channel.
package proxy

import (
	"encoding/binary"
	"fmt"
	"log"
	"time"

	"github.com/joao-brasil/tcpreactor/internal/command"
	"github.com/joao-brasil/tcpreactor/internal/metrics"
	"github.com/joao-brasil/tcpreactor/internal/netpoll"
	"github.com/joao-brasil/tcpreactor/internal/token"
	"golang.org/x/sys/unix"
)

type endpointKind int

const (
	listenerEndpoint endpointKind = iota
	frontEndpoint
	backEndpoint
	controlEndpoint
)

type fdEntry struct {
	kind        endpointKind
	sessionTok  token.Token // valid for front/back endpoints
	listenerTok token.Token // valid for listener endpoints
}

// Server is the reactor: the single goroutine that owns the poller, the
// routing table, and the session slab, and is the sole mutator of all
// three.
type Server struct {
	poller   *netpoll.Poller
	routing  *RoutingTable
	sessions *token.Slab[*Session]

	fdIndex map[int]fdEntry

	maxConnections int
	activeSessions int
	sessionsPerApp map[string]int

	controlFd int
	commandCh chan command.Order
	replyTx   chan<- command.Reply

	stopping bool
}

// CommandSender is the inbound control channel handle returned by
// StartListener: an MPSC-style sender whose consumer side (the reactor)
// is woken via an eventfd-backed readiness event.
type CommandSender struct {
	ch        chan<- command.Order
	controlFd int
}

// Send enqueues order and wakes the reactor. Safe to call from any
// goroutine.
func (c *CommandSender) Send(order command.Order) error {
	c.ch <- order
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], 1)
	_, err := unix.Write(c.controlFd, buf[:])
	if err != nil && err != unix.EAGAIN {
		return fmt.Errorf("wake control channel: %w", err)
	}
	return nil
}

// Probe round-trips a liveness check through the reactor's event loop:
// it enqueues a bare order and blocks until the reactor has dequeued
// and acknowledged it, or timeout elapses. Used by the health surface
// to confirm the event loop goroutine is actually running, not just
// that the channel accepts sends.
func (c *CommandSender) Probe(timeout time.Duration) error {
	ack := make(chan struct{})
	select {
	case c.ch <- command.Order{Ack: ack}:
	default:
		return fmt.Errorf("probe: command channel full")
	}
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], 1)
	if _, err := unix.Write(c.controlFd, buf[:]); err != nil && err != unix.EAGAIN {
		return fmt.Errorf("probe: wake control channel: %w", err)
	}
	select {
	case <-ack:
		return nil
	case <-time.After(timeout):
		return fmt.Errorf("probe: reactor did not respond within %s", timeout)
	}
}

// JoinHandle lets the caller wait for the reactor's event loop to exit.
type JoinHandle struct {
	done chan struct{}
}

// Wait blocks until the reactor has exited.
func (h *JoinHandle) Wait() {
	<-h.done
}

// StartListener spawns the reactor goroutine and returns the inbound
// command sender and a handle to await its exit.
func StartListener(maxListeners, maxConnections int, replyTx chan<- command.Reply) (*CommandSender, *JoinHandle, error) {
	poller, err := netpoll.New()
	if err != nil {
		return nil, nil, fmt.Errorf("start_listener: %w", err)
	}

	controlFd, err := unix.Eventfd(0, unix.EFD_NONBLOCK|unix.EFD_CLOEXEC)
	if err != nil {
		poller.Close()
		return nil, nil, fmt.Errorf("start_listener: eventfd: %w", err)
	}

	srv := &Server{
		poller:         poller,
		routing:        NewRoutingTable(maxListeners, poller, replyTx),
		sessions:       token.NewSlab[*Session](2 * maxConnections),
		fdIndex:        make(map[int]fdEntry),
		maxConnections: maxConnections,
		sessionsPerApp: make(map[string]int),
		controlFd:      controlFd,
		commandCh:      make(chan command.Order, 256),
		replyTx:        replyTx,
	}

	if err := poller.AddLevel(controlFd, netpoll.Readable); err != nil {
		poller.Close()
		unix.Close(controlFd)
		return nil, nil, fmt.Errorf("start_listener: register control fd: %w", err)
	}
	srv.fdIndex[controlFd] = fdEntry{kind: controlEndpoint}

	sender := &CommandSender{ch: srv.commandCh, controlFd: controlFd}
	join := &JoinHandle{done: make(chan struct{})}

	go func() {
		srv.run()
		poller.Close()
		unix.Close(controlFd)
		close(join.done)
	}()

	return sender, join, nil
}

// run is the event loop: wait for readiness, dispatch by token/fd,
// re-arm touched endpoints, repeat until Stop.
func (srv *Server) run() {
	events := make([]netpoll.Event, 0, 128)
	for !srv.stopping {
		var err error
		events, err = srv.poller.Wait(events, -1)
		if err != nil {
			log.Printf("[reactor] poll error: %v", err)
			continue
		}
		for _, ev := range events {
			srv.dispatch(ev)
			if srv.stopping {
				break
			}
		}
	}
}

func (srv *Server) dispatch(ev netpoll.Event) {
	fd := int(ev.Fd)
	entry, ok := srv.fdIndex[fd]
	if !ok {
		return // stale event for an fd already torn down
	}
	switch entry.kind {
	case controlEndpoint:
		srv.drainControl()
	case listenerEndpoint:
		srv.accept(entry.listenerTok)
	case frontEndpoint:
		srv.dispatchSession(entry.sessionTok, ev, true)
	case backEndpoint:
		srv.dispatchSession(entry.sessionTok, ev, false)
	}
}

// drainControl clears the eventfd counter and applies every queued
// order without blocking.
func (srv *Server) drainControl() {
	var buf [8]byte
	unix.Read(srv.controlFd, buf[:]) // clears the eventfd counter; EAGAIN if already drained

	for {
		select {
		case order := <-srv.commandCh:
			if order.Cmd == nil && !order.Stop {
				if order.Ack != nil {
					close(order.Ack)
				}
				continue
			}
			srv.applyOrder(order)
		default:
			return
		}
	}
}

func (srv *Server) applyOrder(order command.Order) {
	result := srv.routing.Apply(order)
	if result.doStop {
		srv.stopping = true
		if srv.replyTx != nil {
			srv.replyTx <- command.Reply{Kind: command.Stopped}
		}
		return
	}
	if result.applied {
		metrics.CommandsTotal.WithLabelValues(commandLabel(order.Cmd), "ok").Inc()
	} else {
		metrics.CommandsTotal.WithLabelValues(commandLabel(order.Cmd), "error").Inc()
	}

	if result.listenerAdded {
		srv.fdIndex[result.listenerFd] = fdEntry{kind: listenerEndpoint, listenerTok: result.listenerTok}
		metrics.ListenersActive.Set(float64(srv.routing.ListenerCount()))
	}
	if result.listenerRemoved {
		delete(srv.fdIndex, result.listenerFd)
		metrics.ListenersActive.Set(float64(srv.routing.ListenerCount()))
	}

	if result.reply != nil && srv.replyTx != nil {
		srv.replyTx <- *result.reply
	}
}

func commandLabel(cmd command.Command) string {
	switch cmd.(type) {
	case command.AddTcpFront:
		return "AddTcpFront"
	case command.RemoveTcpFront:
		return "RemoveTcpFront"
	case command.AddInstance:
		return "AddInstance"
	case command.RemoveInstance:
		return "RemoveInstance"
	default:
		return "Unknown"
	}
}

// accept runs the accept path for one readiness event on a listener:
// at most one accept(2) per event, since the listener stays
// level-registered and will be re-signaled for any further pending
// connections.
func (srv *Server) accept(listenerTok token.Token) {
	listenerFd, ok := srv.routing.ListenerFd(listenerTok)
	if !ok {
		return
	}
	al, _ := srv.routing.ListenerByToken(listenerTok)
	appID := ""
	if al != nil {
		appID = al.AppID()
	}

	frontFd, ok := acceptOnce(listenerFd)
	if !ok {
		return
	}

	if srv.activeSessions >= srv.maxConnections {
		closeFd(frontFd)
		metrics.SessionsTotal.WithLabelValues(appID, "capacity").Inc()
		return
	}

	backFd, err := srv.routing.ConnectToBackend(listenerTok)
	if err != nil {
		closeFd(frontFd)
		metrics.SessionsTotal.WithLabelValues(appID, "backend_error").Inc()
		return
	}

	sess := newSession(frontFd, listenerTok)
	sess.bindBackend(backFd)

	frontTok, ok1 := srv.sessions.Insert(sess)
	var backTok token.Token
	ok2 := false
	if ok1 {
		backTok, ok2 = srv.sessions.Insert(sess)
	}
	if !ok1 || !ok2 {
		if ok1 {
			srv.sessions.Remove(frontTok)
		}
		closeFd(frontFd)
		closeFd(backFd)
		metrics.SessionsTotal.WithLabelValues(appID, "capacity").Inc()
		return
	}
	sess.setTokens(frontTok, backTok)

	// Count the session before attempting the poller registrations so a
	// failed Add can unwind through the ordinary teardown path: teardown
	// always uncounts, so every count here has exactly one matching
	// uncount, whether the session lives or dies right here.
	srv.countSession(appID)

	if err := srv.poller.Add(frontFd, sess.FrontInterest()); err != nil {
		srv.teardown(sess)
		return
	}
	if err := srv.poller.Add(backFd, sess.BackInterest()); err != nil {
		srv.teardown(sess)
		return
	}
	srv.fdIndex[frontFd] = fdEntry{kind: frontEndpoint, sessionTok: frontTok}
	srv.fdIndex[backFd] = fdEntry{kind: backEndpoint, sessionTok: backTok}
	metrics.SessionsTotal.WithLabelValues(appID, "connected").Inc()
}

// countSession records one more live session for appID, in both the
// reactor-wide capacity counter and the per-app gauge.
func (srv *Server) countSession(appID string) {
	srv.activeSessions++
	srv.sessionsPerApp[appID]++
	metrics.SessionsActive.WithLabelValues(appID).Set(float64(srv.sessionsPerApp[appID]))
}

// uncountSession reverses a prior countSession for the same appID.
func (srv *Server) uncountSession(appID string) {
	if srv.activeSessions > 0 {
		srv.activeSessions--
	}
	if n := srv.sessionsPerApp[appID]; n > 0 {
		srv.sessionsPerApp[appID] = n - 1
	}
	metrics.SessionsActive.WithLabelValues(appID).Set(float64(srv.sessionsPerApp[appID]))
}

// dispatchSession runs the session relay handler(s) implied by one
// readiness event and re-arms both endpoints afterward.
func (srv *Server) dispatchSession(tok token.Token, ev netpoll.Event, isFront bool) {
	sess, ok := srv.sessions.Get(tok)
	if !ok {
		return
	}

	prevRx, prevTx := sess.RxCount(), sess.TxCount()
	outcome := Continue

	if ev.Err {
		outcome = sess.forceCloseExported()
	} else {
		// Readable/Writable run before HangUp: edge-triggered readiness
		// coalesces a peer's write-then-close into a single event with
		// both bits set, and the pending bytes must be drained into the
		// buffer before HangUp's "anything left to forward?" check runs,
		// or they're lost.
		if outcome == Continue && ev.Readable {
			if isFront {
				outcome = sess.HandleFrontReadable()
			} else {
				outcome = srv.handleBackReadableWithConnect(sess)
			}
		}
		if outcome == Continue && ev.Writable {
			if isFront {
				outcome = sess.HandleFrontWritable()
			} else {
				outcome = srv.handleBackWritableWithConnect(sess)
			}
		}
		if ev.HangUp && outcome == Continue {
			if isFront {
				outcome = sess.HandleFrontHup()
			} else {
				outcome = sess.HandleBackHup()
			}
		}
	}

	appID := srv.sessionAppID(sess)
	if d := sess.RxCount() - prevRx; d > 0 {
		metrics.BytesTotal.WithLabelValues(appID, "front_to_back").Add(float64(d))
	}
	if d := sess.TxCount() - prevTx; d > 0 {
		metrics.BytesTotal.WithLabelValues(appID, "back_to_front").Add(float64(d))
	}

	if outcome == CloseSession {
		srv.teardown(sess)
		return
	}

	srv.rearm(sess)
}

// handleBackWritableWithConnect interprets the first writable readiness
// on a just-connected back-end socket as connect(2) completion, then
// falls through to the ordinary drain behavior.
func (srv *Server) handleBackWritableWithConnect(sess *Session) Outcome {
	if !sess.BackendConnected() {
		if err := connectError(sess.backFd); err != nil {
			return sess.forceCloseExported()
		}
		sess.MarkBackendConnected()
	}
	return sess.HandleBackWritable()
}

func (srv *Server) handleBackReadableWithConnect(sess *Session) Outcome {
	if !sess.BackendConnected() {
		// A readable event cannot legitimately arrive before connect
		// completes; treat it defensively the same as a writable
		// completion check.
		if err := connectError(sess.backFd); err != nil {
			return sess.forceCloseExported()
		}
		sess.MarkBackendConnected()
	}
	return sess.HandleBackReadable()
}

func (srv *Server) sessionAppID(sess *Session) string {
	if al, ok := srv.routing.ListenerByToken(sess.acceptTok); ok {
		return al.AppID()
	}
	return ""
}

// rearm re-registers both of a session's endpoints with their current
// interest sets. Skipping this after a handler runs stalls that
// endpoint forever under one-shot registration.
func (srv *Server) rearm(sess *Session) {
	if sess.frontFd >= 0 {
		if err := srv.poller.Rearm(sess.frontFd, sess.FrontInterest()); err != nil {
			log.Printf("[reactor] rearm front fd=%d: %v", sess.frontFd, err)
		}
	}
	if sess.backFd >= 0 {
		if err := srv.poller.Rearm(sess.backFd, sess.BackInterest()); err != nil {
			log.Printf("[reactor] rearm back fd=%d: %v", sess.backFd, err)
		}
	}
}

// teardown removes both of a session's slab entries and poller
// registrations and closes its sockets. Every session reaching here was
// previously counted by countSession in accept, so this always
// uncounts exactly once.
func (srv *Server) teardown(sess *Session) {
	appID := srv.sessionAppID(sess)
	if sess.frontFd >= 0 {
		srv.poller.Remove(sess.frontFd)
		delete(srv.fdIndex, sess.frontFd)
	}
	if sess.backFd >= 0 {
		srv.poller.Remove(sess.backFd)
		delete(srv.fdIndex, sess.backFd)
	}
	if sess.hasBack {
		srv.sessions.Remove(sess.frontToken)
		srv.sessions.Remove(sess.backToken)
	}
	sess.Close()
	srv.uncountSession(appID)
}
