// Package command defines the control channel's wire types: the
// commands the reactor accepts and the acknowledgements it emits.
//
// How these messages arrive from outside the process — CLI, HTTP API,
// cluster relay — is deliberately not this package's concern. What
// lives here is only the in-process vocabulary the reactor's control
// channel and reply channel exchange.
package command

import "fmt"

// AddTcpFront requests a new front-end listener for app_id on port.
type AddTcpFront struct {
	Port  uint16
	AppID string
}

// RemoveTcpFront requests that the listener for app_id be torn down.
type RemoveTcpFront struct {
	AppID string
}

// AddInstance appends a back-end address to app_id's pool.
type AddInstance struct {
	AppID     string
	IPAddress string
	Port      uint16
}

// Addr builds the literal "ip:port" address string.
func (a AddInstance) Addr() string {
	return fmt.Sprintf("%s:%d", a.IPAddress, a.Port)
}

// RemoveInstance removes a matching back-end address from app_id's pool.
type RemoveInstance struct {
	AppID     string
	IPAddress string
	Port      uint16
}

// Addr builds the literal "ip:port" address string.
func (r RemoveInstance) Addr() string {
	return fmt.Sprintf("%s:%d", r.IPAddress, r.Port)
}

// Command is the tagged union of mutating control requests.
type Command interface {
	isCommand()
}

func (AddTcpFront) isCommand()    {}
func (RemoveTcpFront) isCommand() {}
func (AddInstance) isCommand()    {}
func (RemoveInstance) isCommand() {}

// Order is what arrives on the reactor's inbound control channel: a
// Command to apply, or a request to stop the event loop.
type Order struct {
	Cmd  Command // nil when Stop is true, or for a bare liveness probe
	Stop bool

	// Ack, when non-nil on a bare order (Cmd nil, Stop false), is closed
	// by the reactor once that order has been dequeued; it is not closed
	// for orders that carry a Cmd or Stop. It carries no
	// command semantics of its own and is never published to sibling
	// instances; it exists so an external liveness check can round-trip
	// through the actual event loop rather than just the channel.
	Ack chan<- struct{}
}

// WrapCommand builds an Order carrying cmd.
func WrapCommand(cmd Command) Order {
	return Order{Cmd: cmd}
}

// StopOrder is the order that terminates the reactor.
var StopOrder = Order{Stop: true}

// ReplyKind tags the acknowledgement emitted for a successfully applied
// command.
type ReplyKind int

const (
	AddedFront ReplyKind = iota
	RemovedFront
	AddedInstance
	RemovedInstance
	Stopped
)

func (k ReplyKind) String() string {
	switch k {
	case AddedFront:
		return "AddedFront"
	case RemovedFront:
		return "RemovedFront"
	case AddedInstance:
		return "AddedInstance"
	case RemovedInstance:
		return "RemovedInstance"
	case Stopped:
		return "Stopped"
	default:
		return "Unknown"
	}
}

// Reply is a single acknowledgement sent on the reactor's reply
// channel. Exactly one Reply is sent per successfully applied command;
// failed commands are logged, not replied.
type Reply struct {
	Kind  ReplyKind
	AppID string // empty for Stopped
}
