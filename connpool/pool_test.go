package connpool

import (
	"context"
	"net"
	"testing"
	"time"
)

func echoServer(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go func(c net.Conn) {
				defer c.Close()
				buf := make([]byte, 4096)
				for {
					n, err := c.Read(buf)
					if n > 0 {
						_, _ = c.Write([]byte("HTTP/1.1 200 OK\r\nContent-Length: 0\r\n\r\n"))
					}
					if err != nil {
						return
					}
				}
			}(conn)
		}
	}()
	t.Cleanup(func() { ln.Close() })
	return ln.Addr().String()
}

func TestPoolAcquireReleaseReusesIdle(t *testing.T) {
	addr := echoServer(t)
	p := NewTargetConnectionPool(addr, "", 2, time.Second)

	ctx := context.Background()
	c1, err := p.Acquire(ctx)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	p.Release(c1)

	stats := p.Stats()
	if stats.IdleConns != 1 {
		t.Fatalf("expected 1 idle conn after release, got %+v", stats)
	}

	c2, err := p.Acquire(ctx)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if c2 != c1 {
		t.Error("expected idle connection to be reused")
	}
	p.Release(c2)
}

func TestPoolAcquireBlocksAtCapacity(t *testing.T) {
	addr := echoServer(t)
	p := NewTargetConnectionPool(addr, "", 1, time.Second)

	ctx := context.Background()
	c1, err := p.Acquire(ctx)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}

	ctx2, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if _, err := p.Acquire(ctx2); err != ErrPoolExhausted {
		t.Fatalf("expected ErrPoolExhausted, got %v", err)
	}

	p.Release(c1)
}

func TestCreateHealthCheckPoolIsIndependentAndSizeOne(t *testing.T) {
	addr := echoServer(t)
	p := NewTargetConnectionPool(addr, "svc", 10, time.Second)
	hc := p.CreateHealthCheckPool()

	if hc.Addr() != p.Addr() || hc.URI() != p.URI() {
		t.Errorf("health check pool should share target address and uri")
	}
	if cap(hc.sem) != 1 {
		t.Errorf("expected health check pool capacity 1, got %d", cap(hc.sem))
	}
}
