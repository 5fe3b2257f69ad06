package client

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/hashicorp/mdns"

	"github.com/ignea/consulta/internal/protocol"
)

var ErrNoServer = errors.New("no consulta server found on the local network")

// Discovered is one server answering the mDNS browse.
type Discovered struct {
	Instance string
	URL      string
	Version  string
}

// Discover browses the LAN for advertised servers for up to timeout and
// returns them sorted by instance name.
func Discover(ctx context.Context, timeout time.Duration) ([]Discovered, error) {
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	entries := make(chan *mdns.ServiceEntry, 16)
	var found []Discovered
	done := make(chan struct{})
	go func() {
		defer close(done)
		for e := range entries {
			if d, ok := fromEntry(e); ok {
				found = append(found, d)
			}
		}
	}()

	params := mdns.DefaultParams(protocol.MDNSService)
	params.Entries = entries
	params.Timeout = timeout
	params.DisableIPv6 = true

	errCh := make(chan error, 1)
	go func() { errCh <- mdns.Query(params) }()

	var err error
	select {
	case err = <-errCh:
	case <-ctx.Done():
		err = ctx.Err()
		<-errCh
	}
	close(entries)
	<-done
	if err != nil {
		return nil, fmt.Errorf("mdns query: %w", err)
	}
	return dedupDiscovered(found), nil
}

// DiscoverURL returns the first discovered server URL.
func DiscoverURL(ctx context.Context, timeout time.Duration) (string, error) {
	found, err := Discover(ctx, timeout)
	if err != nil {
		return "", err
	}
	if len(found) == 0 {
		return "", ErrNoServer
	}
	slog.Info("discovered consulta server", "instance", found[0].Instance, "url", found[0].URL)
	return found[0].URL, nil
}

func fromEntry(e *mdns.ServiceEntry) (Discovered, bool) {
	if e == nil || e.Port <= 0 {
		return Discovered{}, false
	}
	ip := e.AddrV4
	if ip == nil {
		ip = e.AddrV6
	}
	if ip == nil {
		return Discovered{}, false
	}
	meta := map[string]string{}
	for _, f := range e.InfoFields {
		k, v, _ := strings.Cut(f, "=")
		meta[k] = v
	}
	if name, ok := meta["name"]; ok && name != "consulta" {
		return Discovered{}, false
	}
	return Discovered{
		Instance: strings.TrimSuffix(e.Name, "."),
		URL:      "http://" + net.JoinHostPort(ip.String(), strconv.Itoa(e.Port)),
		Version:  meta["version"],
	}, true
}

func dedupDiscovered(in []Discovered) []Discovered {
	seen := map[string]struct{}{}
	out := make([]Discovered, 0, len(in))
	for _, d := range in {
		if _, ok := seen[d.URL]; ok {
			continue
		}
		seen[d.URL] = struct{}{}
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Instance < out[j].Instance })
	return out
}
