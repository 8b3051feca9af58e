package proxy

import (
	"github.com/joao-brasil/tcpreactor/internal/netpoll"
	"github.com/joao-brasil/tcpreactor/internal/token"
)

// ConnectionStatus is the session's tagged lifecycle state. Handlers
// branch on it directly rather than dispatching through a polymorphic
// hierarchy.
type ConnectionStatus int

const (
	Initial ConnectionStatus = iota
	ClientConnected
	Connected
	ClientClosed
	ServerClosed
	Closed
)

func (s ConnectionStatus) String() string {
	switch s {
	case Initial:
		return "Initial"
	case ClientConnected:
		return "ClientConnected"
	case Connected:
		return "Connected"
	case ClientClosed:
		return "ClientClosed"
	case ServerClosed:
		return "ServerClosed"
	case Closed:
		return "Closed"
	default:
		return "Unknown"
	}
}

// Outcome is what a Session handler reports back to the reactor.
type Outcome int

const (
	// Continue means the session stays registered; the reactor must
	// re-arm whichever endpoints the handler touched.
	Continue Outcome = iota
	// CloseSession means the session has reached ConnectionStatus
	// Closed and must be deregistered and removed from the slab.
	CloseSession
)

// Session is the per-connection state machine: two sockets, two
// buffers, two interest sets, a status enum and byte counters.
type Session struct {
	frontFd int
	backFd  int // -1 until bindBackend

	frontBuf *relayBuffer
	backBuf  *relayBuffer

	frontToken token.Token
	backToken  token.Token
	hasBack    bool
	acceptTok  token.Token

	backConnected bool

	frontInterest netpoll.Interest
	backInterest  netpoll.Interest

	status ConnectionStatus

	rxCount uint64 // front -> back
	txCount uint64 // back -> front
}

func newSession(frontFd int, acceptTok token.Token) *Session {
	return &Session{
		frontFd:       frontFd,
		backFd:        -1,
		frontBuf:      newRelayBuffer(),
		backBuf:       newRelayBuffer(),
		acceptTok:     acceptTok,
		frontInterest: netpoll.Readable,
		backInterest:  netpoll.Writable,
		status:        Initial,
	}
}

// bindBackend records the back-end socket, whose non-blocking connect
// may still be in progress, and moves the session into ClientConnected.
func (s *Session) bindBackend(backFd int) {
	s.backFd = backFd
	s.status = ClientConnected
}

func (s *Session) setTokens(front, back token.Token) {
	s.frontToken = front
	s.backToken = back
	s.hasBack = true
}

// firstByte advances ClientConnected to Connected the first time either
// direction moves a byte.
func (s *Session) firstByte() {
	if s.status == ClientConnected {
		s.status = Connected
	}
}

// FrontInterest and BackInterest expose the currently-requested
// readiness sets so the reactor can re-arm epoll registrations; this
// state is not derivable from control flow, so it's read directly off
// the session.
func (s *Session) FrontInterest() netpoll.Interest { return s.frontInterest }
func (s *Session) BackInterest() netpoll.Interest  { return s.backInterest }

// Status, RxCount, TxCount expose observable session state for tests and
// metrics.
func (s *Session) Status() ConnectionStatus { return s.status }
func (s *Session) RxCount() uint64          { return s.rxCount }
func (s *Session) TxCount() uint64          { return s.txCount }

// HandleFrontReadable reads available bytes from the client socket into
// front_buf and arms the back-end for writing.
func (s *Session) HandleFrontReadable() Outcome {
	if s.frontBuf.Full() {
		return Continue
	}
	n, wouldBlock, hup, err := readFd(s.frontFd, s.frontBuf.FillSlice())
	if wouldBlock {
		s.frontInterest |= netpoll.Readable
		return Continue
	}
	if hup {
		return s.handleFrontHup()
	}
	if err != nil {
		return s.forceClose()
	}
	s.frontBuf.CommitFill(n)
	s.rxCount += uint64(n)
	s.firstByte()
	s.frontInterest &^= netpoll.Readable
	s.backInterest |= netpoll.Writable
	return Continue
}

// HandleBackWritable drains front_buf into the back-end socket.
func (s *Session) HandleBackWritable() Outcome {
	if s.backFd < 0 || s.frontBuf.Empty() {
		s.backInterest &^= netpoll.Writable
		return Continue
	}
	n, wouldBlock, err := writeFd(s.backFd, s.frontBuf.DrainSlice())
	if wouldBlock {
		s.backInterest |= netpoll.Writable
		return Continue
	}
	if err != nil {
		return s.forceClose()
	}
	s.frontBuf.CommitDrain(n)
	if s.frontBuf.Empty() {
		s.backInterest &^= netpoll.Writable
		s.frontInterest |= netpoll.Readable
		s.backInterest |= netpoll.Readable
		if s.status == ClientClosed {
			s.status = Closed
			return CloseSession
		}
	} else {
		s.backInterest |= netpoll.Writable
	}
	return Continue
}

// HandleBackReadable reads available bytes from the back-end socket
// into back_buf and arms the client for writing.
func (s *Session) HandleBackReadable() Outcome {
	if s.backFd < 0 {
		return Continue
	}
	if s.backBuf.Full() {
		return Continue
	}
	n, wouldBlock, hup, err := readFd(s.backFd, s.backBuf.FillSlice())
	if wouldBlock {
		s.backInterest |= netpoll.Readable
		return Continue
	}
	if hup {
		return s.handleBackHup()
	}
	if err != nil {
		return s.forceClose()
	}
	s.backBuf.CommitFill(n)
	s.txCount += uint64(n)
	s.firstByte()
	s.backInterest &^= netpoll.Readable
	s.frontInterest |= netpoll.Writable
	return Continue
}

// HandleFrontWritable drains back_buf into the client socket.
func (s *Session) HandleFrontWritable() Outcome {
	if s.backBuf.Empty() {
		s.frontInterest &^= netpoll.Writable
		return Continue
	}
	n, wouldBlock, err := writeFd(s.frontFd, s.backBuf.DrainSlice())
	if wouldBlock {
		s.frontInterest |= netpoll.Writable
		return Continue
	}
	if err != nil {
		return s.forceClose()
	}
	s.backBuf.CommitDrain(n)
	if s.backBuf.Empty() {
		s.frontInterest &^= netpoll.Writable
		s.frontInterest |= netpoll.Readable
		if s.hasBack {
			s.backInterest |= netpoll.Readable
		}
		if s.status == ServerClosed {
			s.status = Closed
			return CloseSession
		}
	} else {
		s.frontInterest |= netpoll.Writable
	}
	return Continue
}

// HandleFrontHup processes a half-close signaled on the client socket.
func (s *Session) HandleFrontHup() Outcome {
	return s.handleFrontHup()
}

func (s *Session) handleFrontHup() Outcome {
	switch s.status {
	case ServerClosed, ClientConnected:
		s.status = Closed
		return CloseSession
	default:
		s.status = ClientClosed
		if s.frontBuf.Empty() {
			// Nothing left to drain toward the back end: the
			// "front_buf drained" half of the ClientClosed → Closed
			// row is already satisfied.
			s.status = Closed
			return CloseSession
		}
		return Continue
	}
}

// HandleBackHup processes a half-close signaled on the back-end socket.
func (s *Session) HandleBackHup() Outcome {
	return s.handleBackHup()
}

func (s *Session) handleBackHup() Outcome {
	if s.status == ClientClosed {
		s.status = Closed
		return CloseSession
	}
	// Even from ClientConnected (back-end hung up before ever answering),
	// this transitions to ServerClosed and waits for a front hup rather
	// than closing immediately.
	s.status = ServerClosed
	return Continue
}

func (s *Session) forceClose() Outcome {
	s.status = Closed
	return CloseSession
}

// forceCloseExported lets the reactor force an unrecoverable mid-session
// error into a close from outside the package.
func (s *Session) forceCloseExported() Outcome {
	return s.forceClose()
}

// BackendConnected reports whether the non-blocking connect(2) to the
// back end has been confirmed successful.
func (s *Session) BackendConnected() bool { return s.backConnected }

// MarkBackendConnected records that the pending back-end connect
// completed successfully.
func (s *Session) MarkBackendConnected() { s.backConnected = true }

// Close releases both sockets. Safe to call once the session has left
// the slab.
func (s *Session) Close() {
	if s.frontFd >= 0 {
		closeFd(s.frontFd)
		s.frontFd = -1
	}
	if s.backFd >= 0 {
		closeFd(s.backFd)
		s.backFd = -1
	}
}
