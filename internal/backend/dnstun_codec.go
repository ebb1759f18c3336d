package backend

import (
	"bytes"
	"encoding/base32"
	"encoding/base64"
	"encoding/binary"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/miekg/dns"
)

// Frame kinds on the DNS-tunnel wire.
const (
	frameKindOpen  = 0x01
	frameKindData  = 0x02
	frameKindPoll  = 0x03
	frameKindClose = 0x04
	frameKindPing  = 0x05
)

const (
	// Upstream payload per query, bounded by the 253-byte qname limit
	// after base32 expansion and label dots.
	dnstunMaxChunk = 96

	dnstunLabelLen = 63
)

// qnameEncoding is unpadded base32; DNS names are case-insensitive so the
// standard alphabet is safe.
var qnameEncoding = base32.StdEncoding.WithPadding(base32.NoPadding)

// dnstunFrame is one upstream unit: header {kind, session, seq, keyDigest}
// plus at most dnstunMaxChunk payload bytes.
type dnstunFrame struct {
	kind    byte
	session uint32
	seq     uint32
	payload []byte
}

// dnstunCodec translates frames to TXT queries and back. Downstream data
// rides base64-encoded in TXT answers; an empty answer means no data
// pending.
type dnstunCodec struct {
	domain    string // fqdn of the tunnel domain
	keyDigest [8]byte
}

// encode builds the query message for a frame.
func (c *dnstunCodec) encode(f dnstunFrame) *dns.Msg {
	var hdr [17]byte
	hdr[0] = f.kind
	binary.BigEndian.PutUint32(hdr[1:5], f.session)
	binary.BigEndian.PutUint32(hdr[5:9], f.seq)
	copy(hdr[9:17], c.keyDigest[:])

	raw := make([]byte, 0, len(hdr)+len(f.payload))
	raw = append(raw, hdr[:]...)
	raw = append(raw, f.payload...)

	encoded := qnameEncoding.EncodeToString(raw)

	var b bytes.Buffer
	for len(encoded) > dnstunLabelLen {
		b.WriteString(encoded[:dnstunLabelLen])
		b.WriteByte('.')
		encoded = encoded[dnstunLabelLen:]
	}
	b.WriteString(encoded)
	b.WriteByte('.')
	b.WriteString(c.domain)

	m := new(dns.Msg)
	m.SetQuestion(b.String(), dns.TypeTXT)
	m.RecursionDesired = true
	return m
}

// decode extracts the downstream payload from a response. NXDOMAIN or an
// empty answer section is "no data".
func (c *dnstunCodec) decode(resp *dns.Msg) ([]byte, error) {
	if resp.Rcode == dns.RcodeNameError {
		return nil, nil
	}
	if resp.Rcode != dns.RcodeSuccess {
		return nil, fmt.Errorf("resolver rcode %s", dns.RcodeToString[resp.Rcode])
	}

	var b bytes.Buffer
	for _, rr := range resp.Answer {
		txt, ok := rr.(*dns.TXT)
		if !ok {
			continue
		}
		for _, s := range txt.Txt {
			b.WriteString(s)
		}
	}
	if b.Len() == 0 {
		return nil, nil
	}
	payload, err := base64.StdEncoding.DecodeString(b.String())
	if err != nil {
		return nil, fmt.Errorf("malformed downstream payload: %w", err)
	}
	return payload, nil
}

// dnstunStream is one proxied TCP stream over the tunnel. Writes are cut
// into data frames; reads drain whatever the poll loop fetched. The
// sequence counter is shared between the caller's writes and the poll
// loop, so it must be drawn atomically.
type dnstunStream struct {
	t   *DnsTunnel
	sid uint32
	seq atomic.Uint32

	mu     sync.Mutex
	recv   bytes.Buffer
	avail  chan struct{} // signaled when recv gains data
	closed chan struct{}

	closeOnce sync.Once
	readDL    time.Time
}

func newDnstunStream(t *DnsTunnel, sid uint32) *dnstunStream {
	s := &dnstunStream{
		t:      t,
		sid:    sid,
		avail:  make(chan struct{}, 1),
		closed: make(chan struct{}),
	}
	go s.pollLoop()
	return s
}

// pollLoop fetches pending downstream data while the stream is idle.
func (s *dnstunStream) pollLoop() {
	ticker := time.NewTicker(dnstunPollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.closed:
			return
		case <-ticker.C:
			data, err := s.t.exchange(dnstunFrame{
				kind:    frameKindPoll,
				session: s.sid,
				seq:     s.seq.Add(1),
			})
			if err != nil {
				continue // transient; staleness shows up in IsHealthy
			}
			s.deliver(data)
		}
	}
}

func (s *dnstunStream) deliver(data []byte) {
	if len(data) == 0 {
		return
	}
	s.mu.Lock()
	s.recv.Write(data)
	s.mu.Unlock()
	select {
	case s.avail <- struct{}{}:
	default:
	}
}

func (s *dnstunStream) Read(p []byte) (int, error) {
	for {
		s.mu.Lock()
		if s.recv.Len() > 0 {
			n, _ := s.recv.Read(p)
			s.mu.Unlock()
			return n, nil
		}
		dl := s.readDL
		s.mu.Unlock()

		var timeout <-chan time.Time
		if !dl.IsZero() {
			d := time.Until(dl)
			if d <= 0 {
				return 0, errTimeout
			}
			timer := time.NewTimer(d)
			defer timer.Stop()
			timeout = timer.C
		}

		select {
		case <-s.closed:
			return 0, net.ErrClosed
		case <-timeout:
			return 0, errTimeout
		case <-s.avail:
		}
	}
}

func (s *dnstunStream) Write(p []byte) (int, error) {
	select {
	case <-s.closed:
		return 0, net.ErrClosed
	default:
	}

	total := 0
	for len(p) > 0 {
		chunk := p
		if len(chunk) > dnstunMaxChunk {
			chunk = chunk[:dnstunMaxChunk]
		}
		data, err := s.t.exchange(dnstunFrame{
			kind:    frameKindData,
			session: s.sid,
			seq:     s.seq.Add(1),
			payload: chunk,
		})
		if err != nil {
			return total, err
		}
		s.deliver(data) // responses may piggyback downstream data
		total += len(chunk)
		p = p[len(chunk):]
	}
	return total, nil
}

func (s *dnstunStream) Close() error {
	s.closeOnce.Do(func() {
		close(s.closed)
		s.t.dropStream(s.sid)
		// Best-effort close notification.
		go s.t.exchange(dnstunFrame{kind: frameKindClose, session: s.sid})
	})
	return nil
}

func (s *dnstunStream) LocalAddr() net.Addr  { return dnstunAddr{} }
func (s *dnstunStream) RemoteAddr() net.Addr { return dnstunAddr{} }

func (s *dnstunStream) SetDeadline(t time.Time) error {
	return s.SetReadDeadline(t)
}

func (s *dnstunStream) SetReadDeadline(t time.Time) error {
	s.mu.Lock()
	s.readDL = t
	s.mu.Unlock()
	return nil
}

func (s *dnstunStream) SetWriteDeadline(t time.Time) error { return nil }

type dnstunAddr struct{}

func (dnstunAddr) Network() string { return "dnstun" }
func (dnstunAddr) String() string  { return "dnstun" }

// errTimeout satisfies net.Error for deadline expiry.
var errTimeout net.Error = &timeoutError{}

type timeoutError struct{}

func (*timeoutError) Error() string   { return "i/o timeout" }
func (*timeoutError) Timeout() bool   { return true }
func (*timeoutError) Temporary() bool { return true }
