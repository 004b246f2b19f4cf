package bootstrap

import (
	"context"
	"fmt"

	"github.com/omerta-mesh/core/pkg/identity"
	"github.com/omerta-mesh/core/pkg/wire"
)

// PeerLookup asks a directory-capable peer (one that answers FindPeer
// messages) whether it knows how to reach a target peer id.
type PeerLookup interface {
	FindPeer(ctx context.Context, via identity.PeerID, target identity.PeerID) (*wire.SignedAnnouncement, error)
}

// FindPeer tries each candidate directory peer in turn and returns the
// first successful announcement.
func FindPeer(ctx context.Context, lookup PeerLookup, via []identity.PeerID, target identity.PeerID) (*wire.SignedAnnouncement, error) {
	var lastErr error
	for _, peer := range via {
		ann, err := lookup.FindPeer(ctx, peer, target)
		if err != nil {
			lastErr = err
			continue
		}
		if ann != nil {
			return ann, nil
		}
	}
	if lastErr != nil {
		return nil, fmt.Errorf("bootstrap: find peer %s: %w", target, lastErr)
	}
	return nil, fmt.Errorf("bootstrap: no directory peer knew how to reach %s", target)
}
