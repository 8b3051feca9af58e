package proxy

import (
	"bufio"
	"fmt"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/joao-brasil/tcpreactor/internal/command"
)

// startEchoBackend runs a TCP server that, for each line received,
// waits delay and writes back the line with " END" appended. It stops
// when listener is closed.
func startEchoBackend(t *testing.T, delay time.Duration) (addr string) {
	t.Helper()
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("backend listen: %v", err)
	}
	t.Cleanup(func() { ln.Close() })

	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go func(c net.Conn) {
				defer c.Close()
				r := bufio.NewReader(c)
				for {
					line, err := r.ReadString('\n')
					if line != "" {
						time.Sleep(delay)
						c.Write([]byte(line[:len(line)-1] + " END\n"))
					}
					if err != nil {
						return
					}
				}
			}(conn)
		}
	}()
	return ln.Addr().String()
}

// startRecordingBackend runs a TCP server that appends every line it
// receives to a shared, mutex-guarded slice instead of echoing it back,
// so a test can assert on what the back-end actually saw even after the
// front-end peer that sent it has already disconnected.
func startRecordingBackend(t *testing.T) (addr string, received func() []string) {
	t.Helper()
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("backend listen: %v", err)
	}
	t.Cleanup(func() { ln.Close() })

	var mu sync.Mutex
	var lines []string

	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go func(c net.Conn) {
				defer c.Close()
				r := bufio.NewReader(c)
				for {
					line, err := r.ReadString('\n')
					if line != "" {
						mu.Lock()
						lines = append(lines, line[:len(line)-1])
						mu.Unlock()
					}
					if err != nil {
						return
					}
				}
			}(conn)
		}
	}()

	return ln.Addr().String(), func() []string {
		mu.Lock()
		defer mu.Unlock()
		return append([]string(nil), lines...)
	}
}

func mustReadLine(t *testing.T, conn net.Conn) string {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	r := bufio.NewReader(conn)
	line, err := r.ReadString('\n')
	if err != nil {
		t.Fatalf("read line: %v", err)
	}
	return line[:len(line)-1]
}

func freePort(t *testing.T) uint16 {
	t.Helper()
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("pick free port: %v", err)
	}
	defer ln.Close()
	return uint16(ln.Addr().(*net.TCPAddr).Port)
}

func backendHostPort(t *testing.T, addr string) (string, uint16) {
	t.Helper()
	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		t.Fatalf("split backend addr: %v", err)
	}
	var port int
	fmt.Sscanf(portStr, "%d", &port)
	return host, uint16(port)
}

func TestReactorEchoAndMultiplexing(t *testing.T) {
	backendAddr := startEchoBackend(t, 20*time.Millisecond)
	backendHost, backendPort := backendHostPort(t, backendAddr)

	replyCh := make(chan command.Reply, 16)
	sender, join, err := StartListener(16, 64, replyCh)
	if err != nil {
		t.Fatalf("StartListener: %v", err)
	}

	frontPort := freePort(t)
	appID := "yolo"

	if err := sender.Send(command.WrapCommand(command.AddTcpFront{Port: frontPort, AppID: appID})); err != nil {
		t.Fatalf("send AddTcpFront: %v", err)
	}
	if r := <-replyCh; r.Kind != command.AddedFront {
		t.Fatalf("expected AddedFront, got %v", r.Kind)
	}
	if err := sender.Send(command.WrapCommand(command.AddInstance{AppID: appID, IPAddress: backendHost, Port: backendPort})); err != nil {
		t.Fatalf("send AddInstance: %v", err)
	}
	if r := <-replyCh; r.Kind != command.AddedInstance {
		t.Fatalf("expected AddedInstance, got %v", r.Kind)
	}

	frontAddr := fmt.Sprintf("127.0.0.1:%d", frontPort)

	// S1: echo relay.
	c1, err := net.Dial("tcp4", frontAddr)
	if err != nil {
		t.Fatalf("dial c1: %v", err)
	}
	defer c1.Close()
	if _, err := c1.Write([]byte("hello\n")); err != nil {
		t.Fatalf("c1 write: %v", err)
	}
	if got := mustReadLine(t, c1); got != "hello END" {
		t.Fatalf("c1 got %q; want %q", got, "hello END")
	}

	// S2: multiplexed sessions alongside c1.
	c2, err := net.Dial("tcp4", frontAddr)
	if err != nil {
		t.Fatalf("dial c2: %v", err)
	}
	defer c2.Close()
	if _, err := c2.Write([]byte("pouet pouet\n")); err != nil {
		t.Fatalf("c2 write: %v", err)
	}
	if got := mustReadLine(t, c2); got != "pouet pouet END" {
		t.Fatalf("c2 got %q; want %q", got, "pouet pouet END")
	}

	// c3 performs a full-duplex shutdown with no bytes sent; must close
	// cleanly without affecting c1 or c2.
	c3, err := net.Dial("tcp4", frontAddr)
	if err != nil {
		t.Fatalf("dial c3: %v", err)
	}
	if tcpConn, ok := c3.(*net.TCPConn); ok {
		tcpConn.CloseWrite()
	}
	c3.SetReadDeadline(time.Now().Add(2 * time.Second))
	buf := make([]byte, 1)
	if n, err := c3.Read(buf); n != 0 {
		t.Fatalf("c3 expected clean close with no bytes, got n=%d err=%v", n, err)
	}
	c3.Close()

	// S3: sequential write on c1 after S1.
	if _, err := c1.Write([]byte("coucou\n")); err != nil {
		t.Fatalf("c1 second write: %v", err)
	}
	if got := mustReadLine(t, c1); got != "coucou END" {
		t.Fatalf("c1 second read got %q; want %q", got, "coucou END")
	}

	// c2 must be unaffected by c3's close.
	if _, err := c2.Write([]byte("still alive\n")); err != nil {
		t.Fatalf("c2 write after c3 close: %v", err)
	}
	if got := mustReadLine(t, c2); got != "still alive END" {
		t.Fatalf("c2 got %q; want %q", got, "still alive END")
	}

	if err := sender.Send(command.StopOrder); err != nil {
		t.Fatalf("send Stop: %v", err)
	}
	if r := <-replyCh; r.Kind != command.Stopped {
		t.Fatalf("expected Stopped, got %v", r.Kind)
	}
	join.Wait()
}

// TestReactorFrontWriteThenCloseDrainsPendingBytes covers the case
// where a client writes a full line and closes the connection in the
// same burst, so the kernel coalesces the resulting readiness into one
// edge-triggered event carrying both readable and hang-up bits. The
// pending bytes must still reach the back-end before the session is
// torn down.
func TestReactorFrontWriteThenCloseDrainsPendingBytes(t *testing.T) {
	backendAddr, received := startRecordingBackend(t)
	backendHost, backendPort := backendHostPort(t, backendAddr)

	replyCh := make(chan command.Reply, 16)
	sender, join, err := StartListener(16, 64, replyCh)
	if err != nil {
		t.Fatalf("StartListener: %v", err)
	}

	frontPort := freePort(t)
	appID := "dropless"

	if err := sender.Send(command.WrapCommand(command.AddTcpFront{Port: frontPort, AppID: appID})); err != nil {
		t.Fatalf("send AddTcpFront: %v", err)
	}
	if r := <-replyCh; r.Kind != command.AddedFront {
		t.Fatalf("expected AddedFront, got %v", r.Kind)
	}
	if err := sender.Send(command.WrapCommand(command.AddInstance{AppID: appID, IPAddress: backendHost, Port: backendPort})); err != nil {
		t.Fatalf("send AddInstance: %v", err)
	}
	if r := <-replyCh; r.Kind != command.AddedInstance {
		t.Fatalf("expected AddedInstance, got %v", r.Kind)
	}

	frontAddr := fmt.Sprintf("127.0.0.1:%d", frontPort)

	conn, err := net.Dial("tcp4", frontAddr)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	if _, err := conn.Write([]byte("last words\n")); err != nil {
		t.Fatalf("write: %v", err)
	}
	conn.Close()

	deadline := time.Now().Add(5 * time.Second)
	for {
		if lines := received(); len(lines) == 1 && lines[0] == "last words" {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("backend never received the pre-close write; got %v", received())
		}
		time.Sleep(10 * time.Millisecond)
	}

	if err := sender.Send(command.StopOrder); err != nil {
		t.Fatalf("send Stop: %v", err)
	}
	if r := <-replyCh; r.Kind != command.Stopped {
		t.Fatalf("expected Stopped, got %v", r.Kind)
	}
	join.Wait()
}

func TestReactorAddInstanceAfterAddTcpFront(t *testing.T) {
	backendAddr := startEchoBackend(t, 5*time.Millisecond)
	backendHost, backendPort := backendHostPort(t, backendAddr)

	replyCh := make(chan command.Reply, 16)
	sender, join, err := StartListener(16, 64, replyCh)
	if err != nil {
		t.Fatalf("StartListener: %v", err)
	}

	frontPort := freePort(t)
	if err := sender.Send(command.WrapCommand(command.AddTcpFront{Port: frontPort, AppID: "X"})); err != nil {
		t.Fatalf("send AddTcpFront: %v", err)
	}
	if r := <-replyCh; r.Kind != command.AddedFront {
		t.Fatalf("expected AddedFront first, got %v", r.Kind)
	}
	if err := sender.Send(command.WrapCommand(command.AddInstance{AppID: "X", IPAddress: backendHost, Port: backendPort})); err != nil {
		t.Fatalf("send AddInstance: %v", err)
	}
	if r := <-replyCh; r.Kind != command.AddedInstance {
		t.Fatalf("expected AddedInstance second, got %v", r.Kind)
	}

	conn, err := net.Dial("tcp4", fmt.Sprintf("127.0.0.1:%d", frontPort))
	if err != nil {
		t.Fatalf("dial front: %v", err)
	}
	defer conn.Close()
	conn.Write([]byte("x\n"))
	if got := mustReadLine(t, conn); got != "x END" {
		t.Fatalf("got %q; want %q", got, "x END")
	}

	sender.Send(command.StopOrder)
	<-replyCh
	join.Wait()
}

func TestReactorAddInstanceBeforeAddTcpFront(t *testing.T) {
	backendAddr := startEchoBackend(t, 5*time.Millisecond)
	backendHost, backendPort := backendHostPort(t, backendAddr)

	replyCh := make(chan command.Reply, 16)
	sender, join, err := StartListener(16, 64, replyCh)
	if err != nil {
		t.Fatalf("StartListener: %v", err)
	}

	if err := sender.Send(command.WrapCommand(command.AddInstance{AppID: "X", IPAddress: backendHost, Port: backendPort})); err != nil {
		t.Fatalf("send AddInstance: %v", err)
	}
	if r := <-replyCh; r.Kind != command.AddedInstance {
		t.Fatalf("expected AddedInstance first, got %v", r.Kind)
	}

	frontPort := freePort(t)
	if err := sender.Send(command.WrapCommand(command.AddTcpFront{Port: frontPort, AppID: "X"})); err != nil {
		t.Fatalf("send AddTcpFront: %v", err)
	}
	if r := <-replyCh; r.Kind != command.AddedFront {
		t.Fatalf("expected AddedFront second, got %v", r.Kind)
	}

	conn, err := net.Dial("tcp4", fmt.Sprintf("127.0.0.1:%d", frontPort))
	if err != nil {
		t.Fatalf("dial front: %v", err)
	}
	defer conn.Close()
	conn.Write([]byte("y\n"))
	if got := mustReadLine(t, conn); got != "y END" {
		t.Fatalf("got %q; want %q", got, "y END")
	}

	sender.Send(command.StopOrder)
	<-replyCh
	join.Wait()
}

func TestReactorStop(t *testing.T) {
	replyCh := make(chan command.Reply, 4)
	sender, join, err := StartListener(4, 8, replyCh)
	if err != nil {
		t.Fatalf("StartListener: %v", err)
	}

	if err := sender.Send(command.StopOrder); err != nil {
		t.Fatalf("send Stop: %v", err)
	}
	r := <-replyCh
	if r.Kind != command.Stopped {
		t.Fatalf("expected Stopped, got %v", r.Kind)
	}

	done := make(chan struct{})
	go func() {
		join.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("join handle did not complete after Stop")
	}
}

func TestCommandSenderProbe(t *testing.T) {
	replyCh := make(chan command.Reply, 4)
	sender, join, err := StartListener(4, 8, replyCh)
	if err != nil {
		t.Fatalf("StartListener: %v", err)
	}

	if err := sender.Probe(2 * time.Second); err != nil {
		t.Fatalf("Probe: %v", err)
	}

	sender.Send(command.StopOrder)
	<-replyCh
	join.Wait()
}
