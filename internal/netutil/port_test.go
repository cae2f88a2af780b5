package netutil

import (
	"net"
	"testing"
)

func freePort(t *testing.T) int {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	port := Port(ln)
	_ = ln.Close()
	return port
}

func TestListenPortPreferredFree(t *testing.T) {
	port := freePort(t)

	ln, err := ListenPort("127.0.0.1", port, nil, false)
	if err != nil {
		t.Fatalf("ListenPort() error = %v", err)
	}
	defer ln.Close()
	if got := Port(ln); got != port {
		t.Fatalf("Port() = %d, want %d", got, port)
	}
}

func TestListenPortZeroPicksFreePort(t *testing.T) {
	ln, err := ListenPort("127.0.0.1", 0, nil, false)
	if err != nil {
		t.Fatalf("ListenPort() error = %v", err)
	}
	defer ln.Close()
	if Port(ln) == 0 {
		t.Fatal("Port() = 0; want bound port")
	}
}

func TestListenPortFallback(t *testing.T) {
	busy, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen busy: %v", err)
	}
	defer func() { _ = busy.Close() }()
	busyPort := Port(busy)
	free := freePort(t)

	ln, err := ListenPort("127.0.0.1", busyPort, []int{busyPort, free}, true)
	if err != nil {
		t.Fatalf("ListenPort() error = %v", err)
	}
	defer ln.Close()
	if got := Port(ln); got != free {
		t.Fatalf("Port() = %d, want %d", got, free)
	}
}

func TestListenPortBusyWithoutFallback(t *testing.T) {
	busy, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen busy: %v", err)
	}
	defer func() { _ = busy.Close() }()

	if _, err := ListenPort("127.0.0.1", Port(busy), nil, false); err == nil {
		t.Fatal("ListenPort() error = nil; want port in use")
	}
	if IsPortAvailable("127.0.0.1", Port(busy)) {
		t.Fatal("IsPortAvailable() = true for a bound port")
	}
}
