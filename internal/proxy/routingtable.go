package proxy

import (
	"fmt"
	"log"
	"math/rand"

	"github.com/joao-brasil/tcpreactor/internal/command"
	"github.com/joao-brasil/tcpreactor/internal/netpoll"
	"github.com/joao-brasil/tcpreactor/internal/token"
)

// RoutingTable holds the proxy's routing state: fronts (app_id →
// listener token), instances (app_id → back-end address pool), the
// listener slab, and the reply channel.
type RoutingTable struct {
	fronts    map[string]token.Token
	instances map[string][]string
	listeners *token.Slab[*ApplicationListener]
	replyTx   chan<- command.Reply
	poller    *netpoll.Poller
}

// NewRoutingTable creates a routing table whose listener slab holds at
// most maxListeners entries.
func NewRoutingTable(maxListeners int, poller *netpoll.Poller, replyTx chan<- command.Reply) *RoutingTable {
	return &RoutingTable{
		fronts:    make(map[string]token.Token),
		instances: make(map[string][]string),
		listeners: token.NewSlab[*ApplicationListener](maxListeners),
		replyTx:   replyTx,
		poller:    poller,
	}
}

// AddTCPFront binds a listener on 127.0.0.1:<port>, seeds its back-end
// pool from any instances already registered for app_id, and registers
// it with the poller for level-triggered readable readiness. An app_id
// that already has a listener is rejected.
func (rt *RoutingTable) AddTCPFront(port uint16, appID string) (token.Token, error) {
	if _, exists := rt.fronts[appID]; exists {
		return 0, fmt.Errorf("add tcp front %s on port %d: app already has a listener", appID, port)
	}
	addr := fmt.Sprintf("127.0.0.1:%d", port)
	fd, err := listenTCP(addr)
	if err != nil {
		return 0, fmt.Errorf("add tcp front %s on port %d: %w", appID, port, err)
	}

	seed := append([]string(nil), rt.instances[appID]...)
	al := &ApplicationListener{
		appID:         appID,
		fd:            fd,
		frontAddress:  addr,
		backAddresses: seed,
	}

	tok, ok := rt.listeners.Insert(al)
	if !ok {
		closeFd(fd)
		return 0, fmt.Errorf("add tcp front %s: listener slab full", appID)
	}
	al.token = tok

	if err := rt.poller.AddLevel(fd, netpoll.Readable); err != nil {
		rt.listeners.Remove(tok)
		closeFd(fd)
		return 0, fmt.Errorf("register listener %s: %w", appID, err)
	}

	rt.fronts[appID] = tok
	log.Printf("[routingtable] registered listener for app %s on port %d (token=%d)", appID, port, tok)
	return tok, nil
}

// RemoveTCPFront deregisters and removes the listener for app_id, if
// any. Existing sessions originating from it are left running;
// calling this twice for the same app_id is a no-op the second time.
func (rt *RoutingTable) RemoveTCPFront(appID string) (token.Token, bool) {
	tok, ok := rt.fronts[appID]
	if !ok {
		return 0, false
	}
	delete(rt.fronts, appID)
	al, ok := rt.listeners.Remove(tok)
	if !ok {
		return 0, false
	}
	if err := rt.poller.Remove(al.fd); err != nil {
		log.Printf("[routingtable] deregister listener %s: %v", appID, err)
	}
	closeFd(al.fd)
	log.Printf("[routingtable] removed listener for app %s (token=%d)", appID, tok)
	return tok, true
}

// AddInstance appends addr to app_id's back-end pool, creating the
// bucket if missing, and also appends it to the live listener's pool if
// one already exists. Duplicates are never deduplicated.
func (rt *RoutingTable) AddInstance(appID, addr string) (token.Token, bool) {
	rt.instances[appID] = append(rt.instances[appID], addr)

	tok, ok := rt.fronts[appID]
	if !ok {
		log.Printf("[routingtable] no front for app %s yet; instance %s queued", appID, addr)
		return 0, false
	}
	al := rt.listeners.GetPtr(tok)
	if al == nil {
		return 0, false
	}
	(*al).backAddresses = append((*al).backAddresses, addr)
	return tok, true
}

// RemoveInstance removes the first matching addr from both app_id's
// pool and its listener's pool, if present.
func (rt *RoutingTable) RemoveInstance(appID, addr string) (token.Token, bool) {
	newInstances, removed := removeFirst(rt.instances[appID], addr)
	if removed {
		if len(newInstances) == 0 {
			delete(rt.instances, appID)
		} else {
			rt.instances[appID] = newInstances
		}
	}

	removedBack := false
	tok, hasFront := rt.fronts[appID]
	if hasFront {
		if al := rt.listeners.GetPtr(tok); al != nil {
			if newBack, ok := removeFirst((*al).backAddresses, addr); ok {
				(*al).backAddresses = newBack
				removedBack = true
			}
		}
	}
	if !removed && !removedBack {
		return 0, false
	}
	return tok, true
}

// removeFirst deletes the first occurrence of v from s, returning the
// resulting slice and whether it found one.
func removeFirst(s []string, v string) ([]string, bool) {
	for i, x := range s {
		if x == v {
			out := make([]string, 0, len(s)-1)
			out = append(out, s[:i]...)
			out = append(out, s[i+1:]...)
			return out, true
		}
	}
	return s, false
}

// ListenerFd resolves a listener token back to its raw fd, used by the
// reactor's accept path.
func (rt *RoutingTable) ListenerFd(tok token.Token) (int, bool) {
	al, ok := rt.listeners.Get(tok)
	if !ok {
		return -1, false
	}
	return al.fd, true
}

// ListenerByToken exposes a listener snapshot for metrics/introspection.
func (rt *RoutingTable) ListenerByToken(tok token.Token) (*ApplicationListener, bool) {
	return rt.listeners.Get(tok)
}

// ListenerCount returns the number of live listeners.
func (rt *RoutingTable) ListenerCount() int {
	return rt.listeners.Len()
}

// ConnectToBackend selects a uniformly random address from the pool of
// the listener that accepted the session and starts a non-blocking
// connect to it. No retry across addresses and no retry after failure.
func (rt *RoutingTable) ConnectToBackend(acceptTok token.Token) (int, error) {
	al, ok := rt.listeners.Get(acceptTok)
	if !ok {
		return -1, fmt.Errorf("connect_to_backend: unknown listener token %d", acceptTok)
	}
	if len(al.backAddresses) == 0 {
		return -1, fmt.Errorf("connect_to_backend: app %s has no back-end addresses", al.appID)
	}
	idx := rand.Intn(len(al.backAddresses))
	return connectTCP(al.backAddresses[idx])
}

// applyResult is what Apply returns: the reply to emit (if any) and
// whether the command asked the reactor to stop.
type applyResult struct {
	reply   *command.Reply
	doStop  bool
	applied bool

	// listenerAdded/listenerRemoved carry the fd/token of a listener
	// socket whose poller registration just changed, so the reactor can
	// keep its fd→token dispatch index in sync with the routing table's
	// own poller calls.
	listenerAdded   bool
	listenerRemoved bool
	listenerTok     token.Token
	listenerFd      int
}

// Apply dispatches a single control Order against the routing table and
// reports what happened. The reactor sends exactly one Reply per
// successfully applied command; Stop is reported via doStop, and the
// reactor itself sends the Stopped acknowledgement and ends its loop.
func (rt *RoutingTable) Apply(order command.Order) applyResult {
	if order.Stop {
		return applyResult{doStop: true}
	}
	switch cmd := order.Cmd.(type) {
	case command.AddTcpFront:
		tok, err := rt.AddTCPFront(cmd.Port, cmd.AppID)
		if err != nil {
			log.Printf("[routingtable] AddTcpFront failed: %v", err)
			return applyResult{}
		}
		fd, _ := rt.ListenerFd(tok)
		return applyResult{
			reply:         &command.Reply{Kind: command.AddedFront, AppID: cmd.AppID},
			applied:       true,
			listenerAdded: true,
			listenerTok:   tok,
			listenerFd:    fd,
		}

	case command.RemoveTcpFront:
		var fd int
		if preTok, had := rt.fronts[cmd.AppID]; had {
			fd, _ = rt.ListenerFd(preTok)
		}
		tok, ok := rt.RemoveTCPFront(cmd.AppID)
		if !ok {
			log.Printf("[routingtable] RemoveTcpFront: no front for app %s", cmd.AppID)
			return applyResult{}
		}
		return applyResult{
			reply:           &command.Reply{Kind: command.RemovedFront, AppID: cmd.AppID},
			applied:         true,
			listenerRemoved: true,
			listenerTok:     tok,
			listenerFd:      fd,
		}

	case command.AddInstance:
		rt.AddInstance(cmd.AppID, cmd.Addr())
		return applyResult{reply: &command.Reply{Kind: command.AddedInstance, AppID: cmd.AppID}, applied: true}

	case command.RemoveInstance:
		if _, ok := rt.RemoveInstance(cmd.AppID, cmd.Addr()); !ok {
			log.Printf("[routingtable] RemoveInstance: no match for %s/%s", cmd.AppID, cmd.Addr())
			return applyResult{}
		}
		return applyResult{reply: &command.Reply{Kind: command.RemovedInstance, AppID: cmd.AppID}, applied: true}

	default:
		log.Printf("[routingtable] unsupported command, ignoring: %#v", cmd)
		return applyResult{}
	}
}
