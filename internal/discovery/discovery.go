// Package discovery advertises the relay over mDNS and lets agents find it.
package discovery

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"strconv"

	"github.com/grandcat/zeroconf"
)

const domain = "local."

// ErrNotFound is returned when no relay answered before the context ended.
var ErrNotFound = errors.New("no relay found")

// Advertiser keeps a relay registered until Shutdown.
type Advertiser struct {
	server *zeroconf.Server
}

// Advertise registers this host's relay listening on port.
func Advertise(service string, port int) (*Advertiser, error) {
	host, _ := os.Hostname()
	server, err := zeroconf.Register(
		fmt.Sprintf("CollabText-%s", host),
		service,
		domain,
		port,
		[]string{"txtv=1", "proto=ws"},
		nil,
	)
	if err != nil {
		return nil, fmt.Errorf("register mDNS service %s: %w", service, err)
	}
	return &Advertiser{server: server}, nil
}

// Shutdown withdraws the registration.
func (a *Advertiser) Shutdown() {
	a.server.Shutdown()
}

// Lookup browses for service and returns the websocket base URL of the
// first relay that answers.
func Lookup(ctx context.Context, service string) (string, error) {
	resolver, err := zeroconf.NewResolver(nil)
	if err != nil {
		return "", fmt.Errorf("create mDNS resolver: %w", err)
	}
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	entries := make(chan *zeroconf.ServiceEntry)
	if err := resolver.Browse(ctx, service, domain, entries); err != nil {
		return "", fmt.Errorf("browse %s: %w", service, err)
	}
	for {
		select {
		case e, ok := <-entries:
			if !ok {
				return "", ErrNotFound
			}
			if url, ok := relayURL(e); ok {
				return url, nil
			}
		case <-ctx.Done():
			return "", fmt.Errorf("%w: %v", ErrNotFound, ctx.Err())
		}
	}
}

func relayURL(e *zeroconf.ServiceEntry) (string, bool) {
	if e == nil || e.Port == 0 {
		return "", false
	}
	var ip net.IP
	switch {
	case len(e.AddrIPv4) > 0:
		ip = e.AddrIPv4[0]
	case len(e.AddrIPv6) > 0:
		ip = e.AddrIPv6[0]
	default:
		return "", false
	}
	return "ws://" + net.JoinHostPort(ip.String(), strconv.Itoa(e.Port)), true
}
