package tor

import (
	"net"
	"testing"
	"time"
)

func TestDirectDial(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()
	go func() {
		if conn, err := ln.Accept(); err == nil {
			conn.Close()
		}
	}()

	c, err := NewClient(Config{Enabled: false}, nil)
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	if c.IsEnabled() {
		t.Error("client should not be enabled")
	}

	conn, err := c.DialTimeout("tcp", ln.Addr().String(), time.Second)
	if err != nil {
		t.Fatalf("DialTimeout: %v", err)
	}
	conn.Close()
}

func TestUnreachableProxy(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	addr := ln.Addr().String()
	ln.Close()

	if _, err := NewClient(Config{Enabled: true, ProxyAddr: addr}, nil); err == nil {
		t.Fatal("expected error for unreachable proxy")
	}
}
