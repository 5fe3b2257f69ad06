package server

import (
	"cmp"
	"log/slog"
	"net"
	"os"
	"slices"
	"strconv"
	"strings"

	"github.com/hashicorp/mdns"

	"github.com/ignea/consulta/internal/config"
	"github.com/ignea/consulta/internal/protocol"
	"github.com/ignea/consulta/internal/version"
)

const defaultPort = 8112

// startMDNSAdvertiser announces the job API as _consulta._tcp so clients
// without a configured server URL can find it. The returned func stops the
// responder; it is a no-op when advertising is off or failed.
func startMDNSAdvertiser(cfg config.Server) (stop func()) {
	stop = func() {}
	if cfg.MDNS.Disabled {
		return stop
	}
	port, ok := advertisedPort(cfg.Addr)
	if !ok {
		slog.Warn("mdns advertising skipped: no port in listen address", "addr", cfg.Addr)
		return stop
	}

	instance := strings.TrimSpace(cfg.MDNS.Instance)
	if instance == "" {
		host, _ := os.Hostname()
		instance = "consulta-" + cmp.Or(strings.TrimSpace(host), "server")
	}
	txt := []string{
		"name=consulta",
		"api_version=" + strconv.Itoa(apiVersion),
		"version=" + version.Current(),
	}

	addrs, _ := net.InterfaceAddrs()
	zone, err := mdns.NewMDNSService(instance, protocol.MDNSService, "", "", port, advertiseIPs(addrs), txt)
	if err != nil {
		slog.Error("mdns service setup failed", "instance", instance, "error", err)
		return stop
	}
	responder, err := mdns.NewServer(&mdns.Config{Zone: zone})
	if err != nil {
		slog.Error("mdns responder start failed", "error", err)
		return stop
	}
	slog.Info("mdns advertising", "service", protocol.MDNSService, "instance", instance, "port", port)
	return func() { _ = responder.Shutdown() }
}

// advertisedPort extracts the port of a listen address such as ":8112",
// "8112" or "host:8112". An empty address means the default port.
func advertisedPort(addr string) (int, bool) {
	addr = strings.TrimSpace(addr)
	if addr == "" {
		return defaultPort, true
	}
	if !strings.Contains(addr, ":") {
		addr = ":" + addr
	}
	_, p, err := net.SplitHostPort(addr)
	if err != nil {
		return 0, false
	}
	port, err := strconv.Atoi(p)
	if err != nil || port <= 0 || port > 65535 {
		return 0, false
	}
	return port, true
}

// advertiseIPs keeps the routable unicast addresses, IPv4 first, without
// duplicates. It returns nil when none is left so mdns picks the host's.
func advertiseIPs(addrs []net.Addr) []net.IP {
	var out []net.IP
	for _, a := range addrs {
		n, ok := a.(*net.IPNet)
		if !ok || n == nil {
			continue
		}
		ip := n.IP.To16()
		if ip == nil || ip.IsLoopback() || ip.IsUnspecified() || ip.IsLinkLocalUnicast() || ip.IsLinkLocalMulticast() {
			continue
		}
		if slices.ContainsFunc(out, ip.Equal) {
			continue
		}
		out = append(out, ip)
	}
	slices.SortFunc(out, func(a, b net.IP) int {
		if a4, b4 := a.To4() != nil, b.To4() != nil; a4 != b4 {
			if a4 {
				return -1
			}
			return 1
		}
		return strings.Compare(a.String(), b.String())
	})
	return out
}
