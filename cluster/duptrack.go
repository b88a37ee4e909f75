// Package cluster gossips recently-seen duplicate ids across a
// ManageSieve cluster (§10.4 C7's second tier) so two nodes racing to
// deliver the same message within a gossip round-trip both see the
// duplicate before either commits it to the database of record.
package cluster

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/hashicorp/memberlist"

	"github.com/migadu/sievecore/sieve"
)

// DuplicateStore is the durable tier this gossip cache sits in front of;
// db.Database satisfies it.
type DuplicateStore interface {
	Check(ctx context.Context, ac sieve.ActionContext, p sieve.DuplicateParams) (bool, error)
	Track(ctx context.Context, ac sieve.ActionContext, p sieve.DuplicateParams) error
}

// seenEntry is one locally-cached "just tracked" id, expired out of the
// in-memory map independently of the database row's own TTL.
type seenEntry struct {
	expires time.Time
}

// GossipTracker wraps a DuplicateStore with a memberlist cluster: Track
// both writes through to the store and broadcasts the id to every other
// member, and Check consults the local gossip cache before falling
// through to the store. A node that drops out of the cluster degrades to
// store-only checking for the ids it would have held locally — it never
// answers "not a duplicate" based on stale gossip, only ever falls back
// to asking the store.
type GossipTracker struct {
	store DuplicateStore
	list  *memberlist.Memberlist

	mu   sync.Mutex
	seen map[string]seenEntry
}

// NewGossipTracker joins (or starts) a memberlist cluster using name and
// bindAddr, and returns a tracker layered in front of store. seeds are
// other cluster members' host:port gossip addresses; an empty seeds list
// starts a new single-node cluster other nodes can join later.
func NewGossipTracker(store DuplicateStore, name, bindAddr string, bindPort int, seeds []string) (*GossipTracker, error) {
	cfg := memberlist.DefaultLocalConfig()
	cfg.Name = name
	cfg.BindAddr = bindAddr
	cfg.BindPort = bindPort

	g := &GossipTracker{store: store, seen: make(map[string]seenEntry)}
	cfg.Delegate = gossipDelegate{g}

	list, err := memberlist.Create(cfg)
	if err != nil {
		return nil, fmt.Errorf("cluster: create memberlist: %w", err)
	}
	if len(seeds) > 0 {
		if _, err := list.Join(seeds); err != nil {
			list.Shutdown()
			return nil, fmt.Errorf("cluster: join %v: %w", seeds, err)
		}
	}
	g.list = list
	return g, nil
}

// Close leaves the cluster gracefully.
func (g *GossipTracker) Close() error {
	if g.list == nil {
		return nil
	}
	if err := g.list.Leave(5 * time.Second); err != nil {
		return err
	}
	return g.list.Shutdown()
}

func (g *GossipTracker) localSeen(key string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	e, ok := g.seen[key]
	if !ok {
		return false
	}
	if time.Now().After(e.expires) {
		delete(g.seen, key)
		return false
	}
	return true
}

func (g *GossipTracker) markSeen(key string, ttl time.Duration) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.seen[key] = seenEntry{expires: time.Now().Add(ttl)}
}

func dupKey(ac sieve.ActionContext, p sieve.DuplicateParams) string {
	return fmt.Sprintf("%v:%s", ac.Script, p.ID)
}

// Check first consults the local gossip cache, then the backing store.
func (g *GossipTracker) Check(ctx context.Context, ac sieve.ActionContext, p sieve.DuplicateParams) (bool, error) {
	if g.localSeen(dupKey(ac, p)) {
		return true, nil
	}
	return g.store.Check(ctx, ac, p)
}

// Track writes through to the store and broadcasts the id so other
// members' gossip caches see it immediately, ahead of their own next
// store round-trip.
func (g *GossipTracker) Track(ctx context.Context, ac sieve.ActionContext, p sieve.DuplicateParams) error {
	if err := g.store.Track(ctx, ac, p); err != nil {
		return err
	}
	key := dupKey(ac, p)
	g.markSeen(key, p.Seconds)
	if g.list != nil {
		msg := append([]byte("dup:"), []byte(key)...)
		for _, member := range g.list.Members() {
			if member.Name == g.list.LocalNode().Name {
				continue
			}
			_ = g.list.SendReliable(member, msg)
		}
	}
	return nil
}

// gossipDelegate implements memberlist.Delegate just enough to receive
// the "dup:<key>" broadcasts Track sends; it carries no node metadata
// and never initiates a push/pull state sync.
type gossipDelegate struct{ g *GossipTracker }

func (d gossipDelegate) NodeMeta(limit int) []byte { return nil }

func (d gossipDelegate) NotifyMsg(b []byte) {
	const prefix = "dup:"
	if len(b) <= len(prefix) || string(b[:len(prefix)]) != prefix {
		return
	}
	d.g.markSeen(string(b[len(prefix):]), 5*time.Minute)
}

func (d gossipDelegate) GetBroadcasts(overhead, limit int) [][]byte { return nil }
func (d gossipDelegate) LocalState(join bool) []byte                { return nil }
func (d gossipDelegate) MergeRemoteState(buf []byte, join bool)     {}
