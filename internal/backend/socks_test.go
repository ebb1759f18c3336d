package backend

import (
	"context"
	"io"
	"net"
	"strconv"
	"sync"
	"testing"
	"time"

	"golang.org/x/net/proxy"
)

// echoServer accepts one connection at a time and echoes bytes back.
func echoServer(t *testing.T) net.Listener {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { ln.Close() })
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go func() {
				defer conn.Close()
				io.Copy(conn, conn)
			}()
		}
	}()
	return ln
}

type targetRecorder struct {
	mu      sync.Mutex
	targets []string
}

func (r *targetRecorder) record(addr string) {
	r.mu.Lock()
	r.targets = append(r.targets, addr)
	r.mu.Unlock()
}

func (r *targetRecorder) last() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.targets) == 0 {
		return ""
	}
	return r.targets[len(r.targets)-1]
}

// startFront starts a socksFront whose dial func records the target and
// connects to the echo server regardless of it.
func startFront(t *testing.T, echo net.Listener, user, pass string) (*socksFront, *targetRecorder) {
	t.Helper()
	rec := &targetRecorder{}
	f := &socksFront{
		tag:  "test",
		user: user,
		pass: pass,
		dial: func(ctx context.Context, network, addr string) (net.Conn, error) {
			rec.record(addr)
			return net.Dial("tcp", echo.Addr().String())
		},
	}
	if err := f.start("127.0.0.1", 0); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(f.stop)
	return f, rec
}

func socksDialer(t *testing.T, f *socksFront, auth *proxy.Auth) proxy.Dialer {
	t.Helper()
	d, err := proxy.SOCKS5("tcp",
		net.JoinHostPort("127.0.0.1", strconv.Itoa(int(f.port))), auth, nil)
	if err != nil {
		t.Fatal(err)
	}
	return d
}

func TestSocksConnectRoundtrip(t *testing.T) {
	echo := echoServer(t)
	f, rec := startFront(t, echo, "", "")

	conn, err := socksDialer(t, f, nil).Dial("tcp", "203.0.113.9:8080")
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()

	if got := rec.last(); got != "203.0.113.9:8080" {
		t.Errorf("dialed target %q", got)
	}

	msg := []byte("ping over socks")
	if _, err := conn.Write(msg); err != nil {
		t.Fatal(err)
	}
	buf := make([]byte, len(msg))
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, err := io.ReadFull(conn, buf); err != nil {
		t.Fatal(err)
	}
	if string(buf) != string(msg) {
		t.Errorf("echo = %q", buf)
	}
}

func TestSocksDomainTarget(t *testing.T) {
	echo := echoServer(t)
	f, rec := startFront(t, echo, "", "")

	conn, err := socksDialer(t, f, nil).Dial("tcp", "example.com:443")
	if err != nil {
		t.Fatal(err)
	}
	conn.Close()

	if got := rec.last(); got != "example.com:443" {
		t.Errorf("dialed target %q", got)
	}
}

func TestSocksUserPassAuth(t *testing.T) {
	echo := echoServer(t)
	f, _ := startFront(t, echo, "alice", "s3cret")

	// Correct credentials connect.
	good := socksDialer(t, f, &proxy.Auth{User: "alice", Password: "s3cret"})
	conn, err := good.Dial("tcp", "example.com:80")
	if err != nil {
		t.Fatalf("auth dial: %v", err)
	}
	conn.Close()

	// Wrong password is refused.
	bad := socksDialer(t, f, &proxy.Auth{User: "alice", Password: "wrong"})
	if conn, err := bad.Dial("tcp", "example.com:80"); err == nil {
		conn.Close()
		t.Error("wrong password accepted")
	}

	// Clients that cannot auth are refused at method selection.
	anon := socksDialer(t, f, nil)
	if conn, err := anon.Dial("tcp", "example.com:80"); err == nil {
		conn.Close()
		t.Error("anonymous client accepted")
	}
}

func TestSocksDialFailureReportsUnreachable(t *testing.T) {
	f := &socksFront{
		tag: "test",
		dial: func(ctx context.Context, network, addr string) (net.Conn, error) {
			return nil, context.DeadlineExceeded
		},
	}
	if err := f.start("127.0.0.1", 0); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(f.stop)

	if conn, err := socksDialer(t, f, nil).Dial("tcp", "example.com:80"); err == nil {
		conn.Close()
		t.Error("dial failure not surfaced to client")
	}
}

func TestSocksEphemeralPortRecorded(t *testing.T) {
	echo := echoServer(t)
	f, _ := startFront(t, echo, "", "")
	if f.port == 0 {
		t.Error("bound port not recorded")
	}

	if err := f.start("127.0.0.1", 0); err == nil {
		t.Error("double start accepted")
	}
}

func TestSocksStopClosesListener(t *testing.T) {
	echo := echoServer(t)
	f, _ := startFront(t, echo, "", "")
	port := f.port
	f.stop()

	_, err := net.DialTimeout("tcp",
		net.JoinHostPort("127.0.0.1", strconv.Itoa(int(port))), 200*time.Millisecond)
	if err == nil {
		t.Error("listener still accepting after stop")
	}
}
