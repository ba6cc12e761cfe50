// Package testutil provides the small TCP fixtures shared across this
// module's test files, so individual _test.go files stay focused on
// the behavior under test.
package testutil

import (
	"fmt"
	"net"
	"strconv"
	"strings"
	"testing"
)

// Loopback starts a TCP listener on an ephemeral port and returns its
// address along with the listener itself so the caller can Accept in
// a goroutine. The listener is closed automatically at test cleanup.
func Loopback(t *testing.T) (string, net.Listener) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("failed to start loopback listener: %v", err)
	}
	t.Cleanup(func() { _ = ln.Close() })
	return ln.Addr().String(), ln
}

// AcceptOne accepts exactly one connection from ln and sends it on the
// returned channel, closing the channel afterward regardless of
// success so callers can safely range over it.
func AcceptOne(ln net.Listener) <-chan net.Conn {
	ch := make(chan net.Conn, 1)
	go func() {
		defer close(ch)
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		ch <- conn
	}()
	return ch
}

// FakeUsername builds a distinct, deterministic test username from an
// index, for tests that need to attach several fake peers/children.
func FakeUsername(i int) string {
	return fmt.Sprintf("user%d", i)
}

// SplitHostPort parses a loopback "host:port" address as returned by
// Loopback into the protocol package's wire shapes: a 4-byte IPv4
// address and a uint32 port.
func SplitHostPort(t *testing.T, addr string) ([4]byte, uint32) {
	t.Helper()
	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		t.Fatalf("split host port %q: %v", addr, err)
	}
	port, err := strconv.ParseUint(portStr, 10, 32)
	if err != nil {
		t.Fatalf("parse port %q: %v", portStr, err)
	}
	var ip [4]byte
	parts := strings.Split(host, ".")
	if len(parts) == 4 {
		for i, p := range parts {
			v, err := strconv.Atoi(p)
			if err != nil {
				t.Fatalf("parse ip octet %q: %v", p, err)
			}
			ip[i] = byte(v)
		}
	} else {
		ip = [4]byte{127, 0, 0, 1}
	}
	return ip, uint32(port)
}
