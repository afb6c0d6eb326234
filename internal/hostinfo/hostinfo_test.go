package hostinfo

import (
	"context"
	"errors"
	"testing"

	psnet "github.com/shirou/gopsutil/v4/net"
)

// TestDiscover_PicksFirstRoutableInterface verifies loopback/down skipping and IPv4 preference.
// Params: testing.T for assertions.
// Returns: none.
func TestDiscover_PicksFirstRoutableInterface(t *testing.T) {
	d := &Discoverer{listInterfaces: func(context.Context) (psnet.InterfaceStatList, error) {
		return psnet.InterfaceStatList{
			{Index: 1, Name: "lo", Flags: []string{"up", "loopback"}, Addrs: psnet.InterfaceAddrList{{Addr: "127.0.0.1/8"}}},
			{Index: 2, Name: "eth0", HardwareAddr: "aa:bb:cc:00:00:01", Flags: []string{"broadcast"}, Addrs: psnet.InterfaceAddrList{{Addr: "10.0.0.9/24"}}},
			{Index: 4, Name: "eth2", HardwareAddr: "aa:bb:cc:00:00:03", Flags: []string{"up"}, Addrs: psnet.InterfaceAddrList{{Addr: "192.168.1.2/24"}}},
			{Index: 3, Name: "eth1", HardwareAddr: "aa:bb:cc:00:00:02", Flags: []string{"up", "broadcast"}, Addrs: psnet.InterfaceAddrList{
				{Addr: "fe80::1/64"},
				{Addr: "2001:db8::5/64"},
				{Addr: "10.1.2.3/16"},
			}},
		}, nil
	}}

	identity, err := d.Discover(context.Background())
	if err != nil {
		t.Fatalf("Discover: %v", err)
	}
	if identity.Interface != "eth1" || identity.MAC != "aa:bb:cc:00:00:02" || identity.IP != "10.1.2.3" {
		t.Fatalf("unexpected identity: %#v", identity)
	}
}

// TestDiscover_IPv6Fallback verifies global IPv6 is used without IPv4.
// Params: testing.T for assertions.
// Returns: none.
func TestDiscover_IPv6Fallback(t *testing.T) {
	d := &Discoverer{listInterfaces: func(context.Context) (psnet.InterfaceStatList, error) {
		return psnet.InterfaceStatList{
			{Index: 1, Name: "eth0", HardwareAddr: "aa:bb", Flags: []string{"up"}, Addrs: psnet.InterfaceAddrList{
				{Addr: "fe80::1/64"},
				{Addr: "2001:db8::5/64"},
			}},
		}, nil
	}}

	identity, err := d.Discover(context.Background())
	if err != nil {
		t.Fatalf("Discover: %v", err)
	}
	if identity.IP != "2001:db8::5" {
		t.Fatalf("unexpected ip: %q", identity.IP)
	}
}

// TestDiscover_Errors verifies list failures and empty candidate sets.
// Params: testing.T for assertions.
// Returns: none.
func TestDiscover_Errors(t *testing.T) {
	failing := &Discoverer{listInterfaces: func(context.Context) (psnet.InterfaceStatList, error) {
		return nil, errors.New("boom")
	}}
	if _, err := failing.Discover(context.Background()); err == nil {
		t.Fatalf("expected list error")
	}

	empty := &Discoverer{listInterfaces: func(context.Context) (psnet.InterfaceStatList, error) {
		return psnet.InterfaceStatList{{Name: "lo", Flags: []string{"up", "loopback"}}}, nil
	}}
	if _, err := empty.Discover(context.Background()); err == nil {
		t.Fatalf("expected no-candidate error")
	}
}
