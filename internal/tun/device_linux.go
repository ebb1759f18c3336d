//go:build linux

package tun

import (
	"fmt"
	"net"
	"net/netip"
	"os"
	"os/exec"
	"strings"

	"github.com/vishvananda/netlink"
	"golang.org/x/sys/unix"

	"polytun/internal/core"
	"polytun/internal/platform"
)

const (
	devNetTun = "/dev/net/tun"
	ifaceName = "polytun0"

	maxPacketSize = 65535
)

// Device is an established virtual interface. Read/Write move whole IP
// packets (IFF_NO_PI, no framing header).
type Device struct {
	name string
	file *os.File
	link netlink.Link
	ip   netip.Addr
	peer netip.Addr

	excluded     bool
	selfExcluded bool
	rule         *netlink.Rule
}

// Establish creates the TUN device, assigns the point-to-point pair, sets
// the MTU, captures the default route via the 0/1 + 128/1 split, and
// advertises resolvers. The escape route and fwmark rule are always
// installed before the routes change, so marked sockets keep leaving via
// the real NIC. With cfg.SelfExclude every socket this process opens is
// additionally marked by default, excluding the whole process from the
// capture.
func Establish(cfg Config) (*Device, error) {
	fd, err := openTun(ifaceName)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", devNetTun, err)
	}

	d := &Device{
		name: ifaceName,
		file: os.NewFile(uintptr(fd), ifaceName),
		ip:   netip.MustParseAddr(LocalAddr),
		peer: netip.MustParseAddr(PeerAddr),
	}

	link, err := netlink.LinkByName(ifaceName)
	if err != nil {
		d.Close()
		return nil, fmt.Errorf("lookup link %s: %w", ifaceName, err)
	}
	d.link = link

	if err := d.installExclusion(); err != nil {
		d.Close()
		return nil, err
	}
	if cfg.SelfExclude {
		platform.SetDefaultProtector(platform.MarkProtector(ExclusionMark))
		d.selfExcluded = true
	}

	if err := d.configure(); err != nil {
		d.Close()
		return nil, err
	}

	if err := d.captureDefaultRoute(); err != nil {
		d.Close()
		return nil, err
	}

	d.advertiseResolvers(cfg.Resolvers)

	core.Log.Infof("TUN", "Interface %s up (ip=%s, peer=%s, mtu=%d, self_exclude=%v)",
		ifaceName, d.ip, d.peer, MTU, cfg.SelfExclude)
	return d, nil
}

// openTun opens /dev/net/tun and attaches a named IFF_TUN device.
func openTun(name string) (int, error) {
	fd, err := unix.Open(devNetTun, unix.O_RDWR|unix.O_CLOEXEC, 0)
	if err != nil {
		return -1, err
	}

	ifr, err := unix.NewIfreq(name)
	if err != nil {
		unix.Close(fd)
		return -1, err
	}
	ifr.SetUint16(unix.IFF_TUN | unix.IFF_NO_PI)
	if err := unix.IoctlIfreq(fd, unix.TUNSETIFF, ifr); err != nil {
		unix.Close(fd)
		return -1, fmt.Errorf("TUNSETIFF: %w", err)
	}

	if err := unix.SetNonblock(fd, true); err != nil {
		unix.Close(fd)
		return -1, fmt.Errorf("set nonblock: %w", err)
	}
	return fd, nil
}

// configure assigns the address pair, MTU, and brings the link up.
func (d *Device) configure() error {
	addr := &netlink.Addr{
		IPNet: &net.IPNet{
			IP:   d.ip.AsSlice(),
			Mask: net.CIDRMask(prefixLen, 32),
		},
		Peer: &net.IPNet{
			IP:   d.peer.AsSlice(),
			Mask: net.CIDRMask(32, 32),
		},
	}
	if err := netlink.AddrAdd(d.link, addr); err != nil {
		return fmt.Errorf("assign %s/%d: %w", d.ip, prefixLen, err)
	}
	if err := netlink.LinkSetMTU(d.link, MTU); err != nil {
		return fmt.Errorf("set mtu: %w", err)
	}
	if err := netlink.LinkSetUp(d.link); err != nil {
		return fmt.Errorf("link up: %w", err)
	}
	return nil
}

// captureDefaultRoute adds 0.0.0.0/1 and 128.0.0.0/1 through the device.
// Two half-routes outrank any existing 0/0 without touching it, so
// teardown is just deleting the device.
func (d *Device) captureDefaultRoute() error {
	for _, cidr := range []string{"0.0.0.0/1", "128.0.0.0/1"} {
		_, dst, _ := net.ParseCIDR(cidr)
		route := &netlink.Route{
			LinkIndex: d.link.Attrs().Index,
			Dst:       dst,
			Gw:        d.peer.AsSlice(),
		}
		if err := netlink.RouteAdd(route); err != nil {
			return fmt.Errorf("add route %s: %w", cidr, err)
		}
	}
	return nil
}

// installExclusion copies the current default route into a side table and
// adds a fwmark rule pointing at it.
func (d *Device) installExclusion() error {
	routes, err := netlink.RouteList(nil, netlink.FAMILY_V4)
	if err != nil {
		return fmt.Errorf("list routes: %w", err)
	}

	var added bool
	for _, r := range routes {
		if r.Dst != nil {
			continue // only the default route
		}
		escape := r
		escape.Table = exclusionTable
		if err := netlink.RouteAdd(&escape); err != nil {
			return fmt.Errorf("add escape route: %w", err)
		}
		added = true
		break
	}
	if !added {
		return fmt.Errorf("no default route to copy for exclusion")
	}

	rule := netlink.NewRule()
	rule.Mark = ExclusionMark
	rule.Table = exclusionTable
	rule.Priority = exclusionPriority
	if err := netlink.RuleAdd(rule); err != nil {
		d.flushExclusionTable()
		return fmt.Errorf("add exclusion rule: %w", err)
	}
	d.rule = rule
	d.excluded = true
	core.Log.Debugf("TUN", "Self-exclusion installed (mark=%#x, table=%d)", ExclusionMark, exclusionTable)
	return nil
}

func (d *Device) flushExclusionTable() {
	routes, err := netlink.RouteListFiltered(netlink.FAMILY_V4,
		&netlink.Route{Table: exclusionTable}, netlink.RT_FILTER_TABLE)
	if err != nil {
		return
	}
	for i := range routes {
		_ = netlink.RouteDel(&routes[i])
	}
}

// advertiseResolvers pushes DNS servers to systemd-resolved. Best effort:
// a missing resolvectl is logged, not fatal.
func (d *Device) advertiseResolvers(resolvers []netip.Addr) {
	if len(resolvers) == 0 {
		return
	}
	args := []string{"dns", d.name}
	for _, r := range resolvers {
		args = append(args, r.String())
	}
	if out, err := exec.Command("resolvectl", args...).CombinedOutput(); err != nil {
		core.Log.Warnf("TUN", "resolvectl dns failed: %v (%s)", err, strings.TrimSpace(string(out)))
		return
	}
	if out, err := exec.Command("resolvectl", "domain", d.name, "~.").CombinedOutput(); err != nil {
		core.Log.Warnf("TUN", "resolvectl domain failed: %v (%s)", err, strings.TrimSpace(string(out)))
	}
}

// Name returns the interface name.
func (d *Device) Name() string { return d.name }

// IP returns the device address.
func (d *Device) IP() netip.Addr { return d.ip }

// Peer returns the bridge-side address of the pair.
func (d *Device) Peer() netip.Addr { return d.peer }

// ReadPacket reads one IP packet into buf.
func (d *Device) ReadPacket(buf []byte) (int, error) {
	return d.file.Read(buf)
}

// WritePacket writes one IP packet to the device.
func (d *Device) WritePacket(pkt []byte) error {
	_, err := d.file.Write(pkt)
	return err
}

// Close removes the exclusion rule and destroys the device. Device routes
// die with the link.
func (d *Device) Close() error {
	if d.selfExcluded {
		platform.SetDefaultProtector(nil)
		d.selfExcluded = false
	}
	if d.excluded {
		if d.rule != nil {
			_ = netlink.RuleDel(d.rule)
		}
		d.flushExclusionTable()
		d.excluded = false
	}
	err := d.file.Close()
	core.Log.Infof("TUN", "Interface %s closed", d.name)
	return err
}
