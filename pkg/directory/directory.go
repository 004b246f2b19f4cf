// Package directory implements the optional central directory service: a
// small HTTP+Redis surface where bootstrap-capable peers register their
// signed announcements and joining nodes fetch a network's current peer
// list, as a higher-availability supplement to hard-coded bootstrap
// endpoints. Grounded on pkg/lighthouse's federated control-plane design
// (see that package's doc comment), repointed from CDN routes and orgs at
// signed peer announcements: the directory stores only what a peer already
// published and signed itself, so it can withhold or let an entry expire
// but never forge one.
package directory

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/omerta-mesh/core/pkg/wire"
)

// ErrNotFound is returned when a requested entity does not exist.
var ErrNotFound = fmt.Errorf("not found")

// DefaultEntryTTL bounds how long a registered announcement is served
// before it must be refreshed. A node intending to remain bootstrap-capable
// re-registers well before this elapses.
const DefaultEntryTTL = 10 * time.Minute

const (
	keyPrefixPeer  = "dir:peer:" // + networkID + ":" + peerID -> JSON SignedAnnouncement
	keyIndexPrefix = "dir:idx:"  // + networkID -> SET of peerIDs
)

// Store provides the Redis-backed CRUD operations behind the directory API.
type Store struct {
	rdb *redis.Client
	ttl time.Duration
}

// NewStore connects to the Redis/Dragonfly instance at redisAddr. ttl of
// zero uses DefaultEntryTTL.
func NewStore(redisAddr string, ttl time.Duration) (*Store, error) {
	if ttl <= 0 {
		ttl = DefaultEntryTTL
	}
	rdb := redis.NewClient(&redis.Options{
		Addr:         redisAddr,
		DB:           2, // DB 2: lighthouse uses 0 and 1 on the same Dragonfly instance
		ReadTimeout:  200 * time.Millisecond,
		WriteTimeout: 200 * time.Millisecond,
		DialTimeout:  2 * time.Second,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("directory: redis connection failed: %w", err)
	}

	return &Store{rdb: rdb, ttl: ttl}, nil
}

func peerKey(networkID, peerID string) string {
	return keyPrefixPeer + networkID + ":" + peerID
}

func indexKey(networkID string) string {
	return keyIndexPrefix + networkID
}

// Register stores ann under networkID, expiring it after the store's TTL
// unless refreshed again before then.
func (s *Store) Register(ctx context.Context, networkID string, ann wire.SignedAnnouncement) error {
	data, err := json.Marshal(ann)
	if err != nil {
		return fmt.Errorf("directory: marshal announcement: %w", err)
	}

	pipe := s.rdb.Pipeline()
	pipe.Set(ctx, peerKey(networkID, ann.PeerID), data, s.ttl)
	pipe.SAdd(ctx, indexKey(networkID), ann.PeerID)
	pipe.Expire(ctx, indexKey(networkID), s.ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("directory: store announcement: %w", err)
	}
	return nil
}

// Peers returns every announcement currently registered for networkID.
// Entries in the index whose individual key has already expired are
// dropped from the index as they're found, rather than returned as gaps.
func (s *Store) Peers(ctx context.Context, networkID string) ([]wire.SignedAnnouncement, error) {
	ids, err := s.rdb.SMembers(ctx, indexKey(networkID)).Result()
	if err != nil {
		return nil, fmt.Errorf("directory: list peer ids: %w", err)
	}

	out := make([]wire.SignedAnnouncement, 0, len(ids))
	for _, id := range ids {
		data, err := s.rdb.Get(ctx, peerKey(networkID, id)).Bytes()
		if err == redis.Nil {
			s.rdb.SRem(ctx, indexKey(networkID), id)
			continue
		}
		if err != nil {
			continue
		}
		var ann wire.SignedAnnouncement
		if err := json.Unmarshal(data, &ann); err != nil {
			continue
		}
		out = append(out, ann)
	}
	return out, nil
}

// Close shuts down the store's Redis connection.
func (s *Store) Close() error {
	return s.rdb.Close()
}
