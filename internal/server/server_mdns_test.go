package server

import (
	"net"
	"testing"

	"github.com/ignea/consulta/internal/config"
)

func TestAdvertisedPort(t *testing.T) {
	cases := []struct {
		addr string
		port int
		ok   bool
	}{
		{"", 8112, true},
		{":9000", 9000, true},
		{"9001", 9001, true},
		{"127.0.0.1:9002", 9002, true},
		{"[::1]:9003", 9003, true},
		{"bad:addr:x", 0, false},
		{":0", 0, false},
		{":http", 0, false},
	}
	for _, tc := range cases {
		port, ok := advertisedPort(tc.addr)
		if port != tc.port || ok != tc.ok {
			t.Fatalf("advertisedPort(%q): got %d,%v want %d,%v", tc.addr, port, ok, tc.port, tc.ok)
		}
	}
}

func TestAdvertiseIPs(t *testing.T) {
	mustNet := func(cidr string) *net.IPNet {
		ip, n, err := net.ParseCIDR(cidr)
		if err != nil {
			t.Fatalf("parse %s: %v", cidr, err)
		}
		n.IP = ip
		return n
	}
	got := advertiseIPs([]net.Addr{
		mustNet("127.0.0.1/8"),
		mustNet("fe80::1/64"),
		mustNet("2001:db8::10/64"),
		mustNet("192.168.1.20/24"),
		mustNet("192.168.1.20/24"),
		nil,
	})
	if len(got) != 2 {
		t.Fatalf("advertised ips: got %v want 2 entries", got)
	}
	if got[0].String() != "192.168.1.20" || got[1].String() != "2001:db8::10" {
		t.Fatalf("ordering: got %v", got)
	}
	if advertiseIPs(nil) != nil {
		t.Fatalf("expected nil for no addrs")
	}
}

func TestMDNSAdvertiserDisabled(t *testing.T) {
	stop := startMDNSAdvertiser(config.Server{Addr: ":0", MDNS: config.MDNS{Disabled: true}})
	stop()
}
