package bridge

import (
	"fmt"
	"io"
	"net"
	"sync"

	"golang.org/x/net/proxy"

	"polytun/internal/core"
)

// tcpRelay is the in-process listener hairpinned flows land on. Each
// accepted connection is looked up in the NAT table and spliced to a
// SOCKS connection toward the flow's original destination.
type tcpRelay struct {
	engine   *Engine
	listener net.Listener
	dialer   proxy.Dialer
	port     uint16
	wg       sync.WaitGroup
}

func newTCPRelay(e *Engine) (*tcpRelay, error) {
	ln, err := net.Listen("tcp4", net.JoinHostPort(e.cfg.LocalAddr.String(), "0"))
	if err != nil {
		return nil, fmt.Errorf("listen on %s: %w", e.cfg.LocalAddr, err)
	}

	var auth *proxy.Auth
	if e.cfg.Auth != nil {
		auth = &proxy.Auth{User: e.cfg.Auth.User, Password: e.cfg.Auth.Pass}
	}
	socksAddr := fmt.Sprintf("%s:%d", e.cfg.ProxyHost, e.cfg.ProxyPort)
	dialer, err := proxy.SOCKS5("tcp", socksAddr, auth, nil)
	if err != nil {
		ln.Close()
		return nil, fmt.Errorf("socks dialer for %s: %w", socksAddr, err)
	}

	r := &tcpRelay{
		engine:   e,
		listener: ln,
		dialer:   dialer,
		port:     uint16(ln.Addr().(*net.TCPAddr).Port),
	}
	r.wg.Add(1)
	go r.acceptLoop()
	return r, nil
}

func (r *tcpRelay) addr() string { return r.listener.Addr().String() }

func (r *tcpRelay) close() {
	r.listener.Close()
	r.wg.Wait()
}

func (r *tcpRelay) acceptLoop() {
	defer r.wg.Done()
	for {
		conn, err := r.listener.Accept()
		if err != nil {
			return
		}
		r.wg.Add(1)
		go r.serve(conn)
	}
}

func (r *tcpRelay) serve(client net.Conn) {
	defer r.wg.Done()
	defer client.Close()

	target, ok := r.engine.lookupNAT(client.RemoteAddr())
	if !ok {
		core.Log.Debugf("Bridge", "Relay: no flow for %s", client.RemoteAddr())
		return
	}

	upstream, err := r.dialer.Dial("tcp", target)
	if err != nil {
		core.Log.Warnf("Bridge", "Relay dial %s: %v", target, err)
		return
	}
	defer upstream.Close()

	done := make(chan struct{}, 2)
	go splice(upstream, client, done)
	go splice(client, upstream, done)
	<-done
}

func splice(dst io.Writer, src io.Reader, done chan<- struct{}) {
	io.Copy(dst, src)
	if c, ok := dst.(interface{ CloseWrite() error }); ok {
		c.CloseWrite()
	}
	done <- struct{}{}
}
