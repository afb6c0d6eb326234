package hostinfo

import (
	"context"
	"fmt"
	"net/netip"
	"sort"
	"strings"

	psnet "github.com/shirou/gopsutil/v4/net"
)

// Identity is the host network identity sent with every ingest request.
// Params: MAC of the primary interface and its first routable address.
// Returns: value object.
type Identity struct {
	Interface string
	MAC       string
	IP        string
}

// Discoverer picks the primary interface from the host interface table.
// Params: listInterfaces provides the interface table.
// Returns: discoverer instance.
type Discoverer struct {
	listInterfaces func(context.Context) (psnet.InterfaceStatList, error)
}

// NewDiscoverer creates a discoverer backed by gopsutil.
// Params: none.
// Returns: discoverer reading live interfaces.
func NewDiscoverer() *Discoverer {
	return &Discoverer{listInterfaces: psnet.InterfacesWithContext}
}

// Discover resolves MAC and IP of the first up, non-loopback interface with a hardware address.
// Params: ctx for cancellation.
// Returns: identity or error when no candidate interface exists.
func (d *Discoverer) Discover(ctx context.Context) (Identity, error) {
	interfaces, err := d.listInterfaces(ctx)
	if err != nil {
		return Identity{}, fmt.Errorf("list interfaces: %w", err)
	}

	candidates := make([]psnet.InterfaceStat, 0, len(interfaces))
	for _, iface := range interfaces {
		if !hasFlag(iface.Flags, "up") || hasFlag(iface.Flags, "loopback") {
			continue
		}
		if strings.TrimSpace(iface.HardwareAddr) == "" {
			continue
		}
		candidates = append(candidates, iface)
	}
	if len(candidates) == 0 {
		return Identity{}, fmt.Errorf("no up non-loopback interface with hardware address")
	}
	sort.SliceStable(candidates, func(i, j int) bool {
		return candidates[i].Index < candidates[j].Index
	})

	// prefer the first interface that carries a usable address
	for _, iface := range candidates {
		if ip := primaryAddr(iface.Addrs); ip != "" {
			return Identity{Interface: iface.Name, MAC: iface.HardwareAddr, IP: ip}, nil
		}
	}

	first := candidates[0]
	return Identity{Interface: first.Name, MAC: first.HardwareAddr}, nil
}

// primaryAddr returns the first IPv4 address, else the first global IPv6 address.
// Params: addrs in CIDR or plain notation.
// Returns: address text or empty string.
func primaryAddr(addrs psnet.InterfaceAddrList) string {
	var v6 string
	for _, entry := range addrs {
		addr, ok := parseAddr(entry.Addr)
		if !ok || addr.IsLoopback() || addr.IsLinkLocalUnicast() {
			continue
		}
		if addr.Is4() || addr.Is4In6() {
			return addr.Unmap().String()
		}
		if v6 == "" {
			v6 = addr.String()
		}
	}
	return v6
}

func parseAddr(raw string) (netip.Addr, bool) {
	raw = strings.TrimSpace(raw)
	if prefix, err := netip.ParsePrefix(raw); err == nil {
		return prefix.Addr(), true
	}
	addr, err := netip.ParseAddr(raw)
	if err != nil {
		return netip.Addr{}, false
	}
	return addr, true
}

func hasFlag(flags []string, want string) bool {
	for _, flag := range flags {
		if strings.EqualFold(flag, want) {
			return true
		}
	}
	return false
}
