// Package discovery advertises a hub on the local network over mDNS and
// lets devices browse for hubs, so pairing does not require typing an
// address. The pairing payload itself still travels out-of-band.
package discovery

import (
	"context"
	"fmt"
	"net"
	"sync"

	"github.com/enbility/zeroconf/v3"
)

// mDNS service parameters.
const (
	// ServiceType is the NeuralLink hub service type.
	ServiceType = "_neurallink._tcp"

	// Domain is the mDNS domain.
	Domain = "local."

	// ProtocolVersion is advertised in TXT records.
	ProtocolVersion = "1"
)

// HubInfo describes an advertised hub.
type HubInfo struct {
	DeviceID  string
	Name      string
	Port      int
	Addresses []net.IP
}

// Advertiser announces one hub over mDNS.
type Advertiser struct {
	mu     sync.Mutex
	server *zeroconf.Server
}

// NewAdvertiser creates an idle advertiser.
func NewAdvertiser() *Advertiser {
	return &Advertiser{}
}

// Advertise starts announcing the hub. A second call replaces the
// previous announcement.
func (a *Advertiser) Advertise(info HubInfo) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.server != nil {
		a.server.Shutdown()
		a.server = nil
	}

	txt := []string{
		"id=" + info.DeviceID,
		"name=" + info.Name,
		"ver=" + ProtocolVersion,
	}

	server, err := zeroconf.Register(info.DeviceID, ServiceType, Domain, info.Port, txt, nil)
	if err != nil {
		return fmt.Errorf("failed to register hub service: %w", err)
	}
	a.server = server
	return nil
}

// Stop withdraws the announcement.
func (a *Advertiser) Stop() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.server != nil {
		a.server.Shutdown()
		a.server = nil
	}
}

// Browse searches for hubs until ctx is done, emitting each hub once.
func Browse(ctx context.Context) (<-chan *HubInfo, error) {
	out := make(chan *HubInfo)
	entries := make(chan *zeroconf.ServiceEntry)
	removed := make(chan *zeroconf.ServiceEntry)

	go func() {
		defer close(out)

		seen := make(map[string]bool)
		for {
			select {
			case entry, ok := <-entries:
				if !ok {
					return
				}
				hub := entryToHub(entry)
				if hub == nil || seen[hub.DeviceID] {
					continue
				}
				seen[hub.DeviceID] = true
				select {
				case out <- hub:
				case <-ctx.Done():
					return
				}
			case <-removed:
				// Single-shot discovery; removals are not tracked.
			case <-ctx.Done():
				return
			}
		}
	}()

	go func() {
		_ = zeroconf.Browse(ctx, ServiceType, Domain, entries, removed)
	}()

	return out, nil
}

func entryToHub(entry *zeroconf.ServiceEntry) *HubInfo {
	hub := &HubInfo{Port: entry.Port}
	for _, txt := range entry.Text {
		switch {
		case len(txt) > 3 && txt[:3] == "id=":
			hub.DeviceID = txt[3:]
		case len(txt) > 5 && txt[:5] == "name=":
			hub.Name = txt[5:]
		}
	}
	if hub.DeviceID == "" {
		return nil
	}
	hub.Addresses = append(hub.Addresses, entry.AddrIPv4...)
	hub.Addresses = append(hub.Addresses, entry.AddrIPv6...)
	return hub
}
