package core

import (
	"fmt"
	"net"
	"net/netip"
	"net/url"
	"time"

	"gopkg.in/yaml.v3"
)

// TunnelType identifies the transport a profile connects through.
type TunnelType int

const (
	TunnelQuic TunnelType = iota
	TunnelQuicSSH
	TunnelDNS
	TunnelDNSSSH
	TunnelSSHOnly
	TunnelDoH
)

func (t TunnelType) String() string {
	switch t {
	case TunnelQuic:
		return "quic"
	case TunnelQuicSSH:
		return "quic+ssh"
	case TunnelDNS:
		return "dns"
	case TunnelDNSSSH:
		return "dns+ssh"
	case TunnelSSHOnly:
		return "ssh"
	case TunnelDoH:
		return "doh"
	default:
		return "unknown"
	}
}

// ParseTunnelType parses a string into a TunnelType.
func ParseTunnelType(s string) (TunnelType, error) {
	switch s {
	case "quic":
		return TunnelQuic, nil
	case "quic+ssh", "quic_ssh":
		return TunnelQuicSSH, nil
	case "dns":
		return TunnelDNS, nil
	case "dns+ssh", "dns_ssh":
		return TunnelDNSSSH, nil
	case "ssh":
		return TunnelSSHOnly, nil
	case "doh":
		return TunnelDoH, nil
	default:
		return TunnelQuic, fmt.Errorf("unknown tunnel type: %q", s)
	}
}

// UnmarshalYAML implements yaml.Unmarshaler for TunnelType.
func (t *TunnelType) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	parsed, err := ParseTunnelType(s)
	if err != nil {
		return err
	}
	*t = parsed
	return nil
}

// MarshalYAML implements yaml.Marshaler for TunnelType.
func (t TunnelType) MarshalYAML() (any, error) {
	return t.String(), nil
}

// UsesSSHLeg reports whether the type runs an SSH session on top of (or
// instead of) the base transport.
func (t TunnelType) UsesSSHLeg() bool {
	return t == TunnelQuicSSH || t == TunnelDNSSSH || t == TunnelSSHOnly
}

// TunnelProfile describes one configured tunnel endpoint. Profiles are
// treated as immutable once a connection attempt begins: the orchestrator
// works on the pointer it was handed and never mutates it.
type TunnelProfile struct {
	ID   string     `yaml:"id"`
	Name string     `yaml:"name"`
	Type TunnelType `yaml:"type"`

	// Host is the remote endpoint: "host:port" for QUIC and SSH types,
	// the tunnel domain for DNS types.
	Host string `yaml:"host"`

	// Resolvers are "ip:port" DNS servers, advertised on the virtual
	// interface and used as the query target for DNS-tunnel types.
	Resolvers []string `yaml:"resolvers,omitempty"`

	// Local proxy endpoint the bridge relays into. Host defaults to
	// 127.0.0.1; the port is the base local listen port for backends.
	ProxyHost string `yaml:"proxy_host,omitempty"`
	ProxyPort uint16 `yaml:"proxy_port,omitempty"`
	ProxyUser string `yaml:"proxy_user,omitempty"`
	ProxyPass string `yaml:"proxy_pass,omitempty"`

	SSHUser string `yaml:"ssh_user,omitempty"`
	SSHPass string `yaml:"ssh_pass,omitempty"`

	// DNSPublicKey is the DNS-tunnel server public key, exactly 64 hex
	// characters. Required for dns and dns+ssh types.
	DNSPublicKey string `yaml:"dns_public_key,omitempty"`

	// DoHURL is the DNS-over-HTTPS resolver endpoint. Required for doh.
	DoHURL string `yaml:"doh_url,omitempty"`

	// Congestion selects the QUIC congestion controller: "bbr" (default)
	// or "brutal". Only meaningful for quic types.
	Congestion string `yaml:"congestion,omitempty"`

	// KeepAlive is the transport keep-alive interval. Zero means the
	// transport default.
	KeepAlive time.Duration `yaml:"keep_alive,omitempty"`
}

// isHex64 reports whether s is exactly 64 hexadecimal characters.
func isHex64(s string) bool {
	if len(s) != 64 {
		return false
	}
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case c >= '0' && c <= '9':
		case c >= 'a' && c <= 'f':
		case c >= 'A' && c <= 'F':
		default:
			return false
		}
	}
	return true
}

// Validate checks that the fields required by the profile's tunnel type are
// present and well-formed. Invalid combinations are rejected here, before a
// connect attempt starts.
func (p *TunnelProfile) Validate() error {
	if p.ID == "" {
		return fmt.Errorf("profile has no id")
	}
	if p.Host == "" {
		return fmt.Errorf("profile %q: host is required", p.ID)
	}

	switch p.Type {
	case TunnelQuic, TunnelQuicSSH:
		// Remote auth rides on the proxy credentials.
		if p.ProxyPass == "" {
			return fmt.Errorf("profile %q: proxy_pass is required for %s", p.ID, p.Type)
		}
	case TunnelDNS, TunnelDNSSSH:
		if len(p.Resolvers) == 0 {
			return fmt.Errorf("profile %q: at least one resolver is required for %s", p.ID, p.Type)
		}
		if !isHex64(p.DNSPublicKey) {
			return fmt.Errorf("profile %q: dns_public_key must be exactly 64 hex characters", p.ID)
		}
	case TunnelDoH:
		if p.DoHURL == "" {
			return fmt.Errorf("profile %q: doh_url is required for doh", p.ID)
		}
		u, err := url.Parse(p.DoHURL)
		if err != nil || u.Scheme != "https" || u.Host == "" {
			return fmt.Errorf("profile %q: doh_url must be a https URL", p.ID)
		}
	case TunnelSSHOnly:
		// Host and SSH credentials checked below.
	default:
		return fmt.Errorf("profile %q: unknown tunnel type %d", p.ID, int(p.Type))
	}

	if p.Type.UsesSSHLeg() {
		if p.SSHUser == "" || p.SSHPass == "" {
			return fmt.Errorf("profile %q: ssh_user and ssh_pass are required for %s", p.ID, p.Type)
		}
	}

	switch p.Congestion {
	case "", "bbr", "brutal":
	default:
		return fmt.Errorf("profile %q: unknown congestion mode %q", p.ID, p.Congestion)
	}

	if p.KeepAlive < 0 {
		return fmt.Errorf("profile %q: negative keep_alive", p.ID)
	}
	return nil
}

// LocalProxyHost returns the local proxy host, defaulting to loopback.
func (p *TunnelProfile) LocalProxyHost() string {
	if p.ProxyHost != "" {
		return p.ProxyHost
	}
	return "127.0.0.1"
}

// ResolverAddrs parses the resolver addresses, dropping the port part and
// any entry that is not a literal IP.
func (p *TunnelProfile) ResolverAddrs() []netip.Addr {
	addrs := make([]netip.Addr, 0, len(p.Resolvers))
	for _, r := range p.Resolvers {
		host := r
		if h, _, err := net.SplitHostPort(r); err == nil {
			host = h
		}
		if a, err := netip.ParseAddr(host); err == nil {
			addrs = append(addrs, a)
		}
	}
	return addrs
}
