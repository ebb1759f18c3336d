package backend

import (
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"strconv"
	"sync"
	"sync/atomic"

	"polytun/internal/core"
)

// SOCKS5 protocol constants (RFC 1928 / RFC 1929).
const (
	socksVersion = 0x05

	methodNoAuth   = 0x00
	methodUserPass = 0x02
	methodNone     = 0xFF

	cmdConnect = 0x01

	atypIPv4   = 0x01
	atypDomain = 0x03
	atypIPv6   = 0x04

	repSuccess          = 0x00
	repGeneralFailure   = 0x01
	repHostUnreachable  = 0x04
	repCmdNotSupported  = 0x07
	repAtypNotSupported = 0x08
)

// DialFunc opens an upstream connection for a CONNECT target. Each backend
// supplies its transport's dialer here.
type DialFunc func(ctx context.Context, network, addr string) (net.Conn, error)

// socksFront is the local SOCKS5 listener every backend exposes. CONNECT
// only; optional username/password auth.
type socksFront struct {
	tag  string
	dial DialFunc
	user string
	pass string

	mu      sync.Mutex
	ln      net.Listener
	port    uint16
	running atomic.Bool
	wg      sync.WaitGroup
}

// start listens on host:port. Port 0 picks an ephemeral port; the bound
// port is recorded either way.
func (f *socksFront) start(host string, port uint16) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.running.Load() {
		return fmt.Errorf("%s: already started", f.tag)
	}

	ln, err := net.Listen("tcp", net.JoinHostPort(host, strconv.Itoa(int(port))))
	if err != nil {
		return fmt.Errorf("%s: listen: %w", f.tag, err)
	}
	f.ln = ln
	f.port = uint16(ln.Addr().(*net.TCPAddr).Port)
	f.running.Store(true)

	f.wg.Add(1)
	go f.acceptLoop(ln)

	core.Log.Debugf("Backend", "%s: SOCKS front listening on %s", f.tag, ln.Addr())
	return nil
}

func (f *socksFront) stop() {
	f.mu.Lock()
	ln := f.ln
	f.ln = nil
	f.mu.Unlock()

	f.running.Store(false)
	if ln != nil {
		ln.Close()
	}
	f.wg.Wait()
}

func (f *socksFront) acceptLoop(ln net.Listener) {
	defer f.wg.Done()
	for {
		conn, err := ln.Accept()
		if err != nil {
			if f.running.Load() {
				core.Log.Warnf("Backend", "%s: accept: %v", f.tag, err)
			}
			return
		}
		f.wg.Add(1)
		go func() {
			defer f.wg.Done()
			f.handle(conn)
		}()
	}
}

func (f *socksFront) handle(conn net.Conn) {
	defer conn.Close()

	target, err := f.negotiate(conn)
	if err != nil {
		core.Log.Debugf("Backend", "%s: negotiation: %v", f.tag, err)
		return
	}

	upstream, err := f.dial(context.Background(), "tcp", target)
	if err != nil {
		writeReply(conn, repHostUnreachable)
		core.Log.Debugf("Backend", "%s: dial %s: %v", f.tag, target, err)
		return
	}
	defer upstream.Close()

	if err := writeReply(conn, repSuccess); err != nil {
		return
	}

	done := make(chan struct{}, 2)
	go relayHalf(upstream, conn, done)
	go relayHalf(conn, upstream, done)
	<-done
}

// negotiate runs greeting, optional auth, and the CONNECT request.
// Returns the target "host:port".
func (f *socksFront) negotiate(conn net.Conn) (string, error) {
	var hdr [2]byte
	if _, err := io.ReadFull(conn, hdr[:]); err != nil {
		return "", err
	}
	if hdr[0] != socksVersion {
		return "", fmt.Errorf("bad version %#x", hdr[0])
	}
	methods := make([]byte, hdr[1])
	if _, err := io.ReadFull(conn, methods); err != nil {
		return "", err
	}

	wantAuth := f.user != ""
	chosen := byte(methodNone)
	for _, m := range methods {
		if wantAuth && m == methodUserPass {
			chosen = methodUserPass
			break
		}
		if !wantAuth && m == methodNoAuth {
			chosen = methodNoAuth
			break
		}
	}
	if _, err := conn.Write([]byte{socksVersion, chosen}); err != nil {
		return "", err
	}
	if chosen == methodNone {
		return "", fmt.Errorf("no acceptable auth method")
	}
	if chosen == methodUserPass {
		if err := f.checkUserPass(conn); err != nil {
			return "", err
		}
	}

	var req [4]byte
	if _, err := io.ReadFull(conn, req[:]); err != nil {
		return "", err
	}
	if req[1] != cmdConnect {
		writeReply(conn, repCmdNotSupported)
		return "", fmt.Errorf("unsupported command %#x", req[1])
	}

	var host string
	switch req[3] {
	case atypIPv4:
		var a [4]byte
		if _, err := io.ReadFull(conn, a[:]); err != nil {
			return "", err
		}
		host = net.IP(a[:]).String()
	case atypDomain:
		var n [1]byte
		if _, err := io.ReadFull(conn, n[:]); err != nil {
			return "", err
		}
		name := make([]byte, n[0])
		if _, err := io.ReadFull(conn, name); err != nil {
			return "", err
		}
		host = string(name)
	case atypIPv6:
		var a [16]byte
		if _, err := io.ReadFull(conn, a[:]); err != nil {
			return "", err
		}
		host = net.IP(a[:]).String()
	default:
		writeReply(conn, repAtypNotSupported)
		return "", fmt.Errorf("unsupported address type %#x", req[3])
	}

	var portb [2]byte
	if _, err := io.ReadFull(conn, portb[:]); err != nil {
		return "", err
	}
	port := binary.BigEndian.Uint16(portb[:])

	return net.JoinHostPort(host, strconv.Itoa(int(port))), nil
}

// checkUserPass runs the RFC 1929 sub-negotiation.
func (f *socksFront) checkUserPass(conn net.Conn) error {
	var hdr [2]byte
	if _, err := io.ReadFull(conn, hdr[:]); err != nil {
		return err
	}
	user := make([]byte, hdr[1])
	if _, err := io.ReadFull(conn, user); err != nil {
		return err
	}
	var plen [1]byte
	if _, err := io.ReadFull(conn, plen[:]); err != nil {
		return err
	}
	pass := make([]byte, plen[0])
	if _, err := io.ReadFull(conn, pass); err != nil {
		return err
	}

	if string(user) != f.user || string(pass) != f.pass {
		conn.Write([]byte{0x01, 0x01})
		return fmt.Errorf("auth failed for user %q", user)
	}
	_, err := conn.Write([]byte{0x01, 0x00})
	return err
}

func writeReply(conn net.Conn, rep byte) error {
	_, err := conn.Write([]byte{socksVersion, rep, 0x00, atypIPv4, 0, 0, 0, 0, 0, 0})
	return err
}

func relayHalf(dst io.Writer, src io.Reader, done chan<- struct{}) {
	io.Copy(dst, src)
	done <- struct{}{}
}
