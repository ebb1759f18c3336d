//go:build linux

package netmon

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/vishvananda/netlink"
	"golang.org/x/sys/unix"

	"polytun/internal/core"
)

// subscribeLoop feeds rtnetlink updates into kick until ctx is done.
func (w *Watcher) subscribeLoop(ctx context.Context) {
	stop := make(chan struct{})
	defer close(stop)

	linkCh := make(chan netlink.LinkUpdate, 16)
	addrCh := make(chan netlink.AddrUpdate, 16)
	routeCh := make(chan netlink.RouteUpdate, 16)

	if err := netlink.LinkSubscribe(linkCh, stop); err != nil {
		core.Log.Errorf("NetMon", "Link subscribe: %v", err)
		return
	}
	if err := netlink.AddrSubscribe(addrCh, stop); err != nil {
		core.Log.Errorf("NetMon", "Addr subscribe: %v", err)
		return
	}
	if err := netlink.RouteSubscribe(routeCh, stop); err != nil {
		core.Log.Errorf("NetMon", "Route subscribe: %v", err)
		return
	}

	for {
		select {
		case <-ctx.Done():
			return
		case _, ok := <-linkCh:
			if !ok {
				return
			}
			w.kick()
		case _, ok := <-addrCh:
			if !ok {
				return
			}
			w.kick()
		case u, ok := <-routeCh:
			if !ok {
				return
			}
			// Only main-table updates describe the underlying network;
			// our own exclusion-table churn is not a change.
			if u.Route.Table == unix.RT_TABLE_MAIN || u.Route.Table == 0 {
				w.kick()
			}
		}
	}
}

// probeNetwork resolves the current egress identity from the main
// routing table.
func probeNetwork() (Identity, error) {
	routes, err := netlink.RouteListFiltered(netlink.FAMILY_V4,
		&netlink.Route{Table: unix.RT_TABLE_MAIN}, netlink.RT_FILTER_TABLE)
	if err != nil {
		return Identity{}, fmt.Errorf("route list: %w", err)
	}

	linkIndex := 0
	best := -1
	for _, r := range routes {
		if r.Dst != nil {
			ones, bits := r.Dst.Mask.Size()
			if ones != 0 || bits == 0 {
				continue
			}
		}
		if best == -1 || r.Priority < best {
			best = r.Priority
			linkIndex = r.LinkIndex
		}
	}
	if linkIndex == 0 {
		return Identity{}, nil
	}

	link, err := netlink.LinkByIndex(linkIndex)
	if err != nil {
		return Identity{LinkIndex: linkIndex}, nil
	}
	addrs, err := netlink.AddrList(link, netlink.FAMILY_V4)
	if err != nil {
		return Identity{LinkIndex: linkIndex}, nil
	}

	set := make([]string, 0, len(addrs))
	for _, a := range addrs {
		set = append(set, a.IPNet.String())
	}
	sort.Strings(set)
	return Identity{LinkIndex: linkIndex, Addrs: strings.Join(set, ",")}, nil
}
