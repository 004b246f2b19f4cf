package bootstrap

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/anacrolix/dht/v2"
)

// DHTBootstrapNodes are public BitTorrent Mainline DHT bootstrap nodes,
// used only to join the DHT swarm; they learn nothing about the mesh
// itself beyond the infohash a node announces to.
var DHTBootstrapNodes = []string{
	"router.bittorrent.com:6881",
	"dht.transmissionbt.com:6881",
	"router.utorrent.com:6881",
}

// Rendezvous is an optional supplement to Bootstrap: it uses the BitTorrent
// Mainline DHT as a rendezvous point so two peers that each know only the
// network's rendezvous id (derived from the network key, never the key
// itself) can find each other's endpoints without any hard-coded or
// previously-persisted bootstrap node. Grounded on
// `pkg/discovery/dht.go`'s `DHTDiscovery`, narrowed to the query/announce
// pair it uses and stripped of its WireGuard-specific peer exchange.
type Rendezvous struct {
	server *dht.Server
}

// NewRendezvous binds a UDP socket and joins the Mainline DHT swarm.
func NewRendezvous() (*Rendezvous, error) {
	cfg := dht.NewDefaultServerConfig()

	var bootstrapAddrs []dht.Addr
	for _, node := range DHTBootstrapNodes {
		addr, err := net.ResolveUDPAddr("udp", node)
		if err != nil {
			continue
		}
		bootstrapAddrs = append(bootstrapAddrs, dht.NewAddr(addr))
	}
	if len(bootstrapAddrs) == 0 {
		return nil, fmt.Errorf("bootstrap: no DHT bootstrap nodes resolved")
	}
	cfg.StartingNodes = func() ([]dht.Addr, error) { return bootstrapAddrs, nil }

	server, err := dht.NewServer(cfg)
	if err != nil {
		return nil, fmt.Errorf("bootstrap: create DHT server: %w", err)
	}
	return &Rendezvous{server: server}, nil
}

// Close shuts down the DHT server.
func (r *Rendezvous) Close() {
	r.server.Close()
}

// Announce advertises this node's reachability at port under rendezvousID
// for duration, so other nodes querying the same id can discover it.
func (r *Rendezvous) Announce(ctx context.Context, rendezvousID [20]byte, port int, duration time.Duration) error {
	announceCtx, cancel := context.WithTimeout(ctx, duration)
	defer cancel()

	a, err := r.server.Announce(rendezvousID, port, false)
	if err != nil {
		return fmt.Errorf("bootstrap: DHT announce: %w", err)
	}
	defer a.Close()

	for {
		select {
		case <-announceCtx.Done():
			return nil
		case _, ok := <-a.Peers:
			if !ok {
				return nil
			}
		}
	}
}

// Query looks up endpoints announced under rendezvousID, returning as many
// "ip:port" strings as are discovered before duration elapses.
func (r *Rendezvous) Query(ctx context.Context, rendezvousID [20]byte, duration time.Duration) ([]string, error) {
	queryCtx, cancel := context.WithTimeout(ctx, duration)
	defer cancel()

	a, err := r.server.Announce(rendezvousID, 0, false)
	if err != nil {
		return nil, fmt.Errorf("bootstrap: DHT query: %w", err)
	}
	defer a.Close()

	var endpoints []string
	for {
		select {
		case <-queryCtx.Done():
			return endpoints, nil
		case peerAddrs, ok := <-a.Peers:
			if !ok {
				return endpoints, nil
			}
			for _, addr := range peerAddrs.Peers {
				endpoints = append(endpoints, addr.String())
			}
		}
	}
}
