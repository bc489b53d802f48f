package hub

import (
	"hash/fnv"
	"sync"
)

// registryShardCount bounds lock contention on the topic index. Sharding
// by topic hash keeps a burst of subscribes on one hot instrument from
// serializing fan-out lookups on unrelated topics.
const registryShardCount = 16

// Registry is the subscription index: topic -> subscriber connection ids
// plus the reverse per-connection topic set used for cap enforcement and
// disconnect cleanup.
//
// Lock ordering: per-connection lock first, then topic shard lock. Both
// Subscribe and RemoveAll follow it, so a disconnect racing a subscribe
// cannot deadlock and cannot leave a dangling registry entry: whichever
// takes the connection lock second observes the other's completed state.
type Registry struct {
	shards     [registryShardCount]registryShard
	conns      sync.Map // connection id -> *connSubs
	maxPerConn int
}

type registryShard struct {
	mu     sync.RWMutex
	topics map[string]map[string]struct{} // topic -> set of connection ids
}

type connSubs struct {
	mu      sync.Mutex
	topics  map[string]struct{}
	removed bool
}

// NewRegistry creates a registry enforcing maxPerConn topics per
// connection.
func NewRegistry(maxPerConn int) *Registry {
	if maxPerConn < 1 {
		maxPerConn = 50
	}
	r := &Registry{maxPerConn: maxPerConn}
	for i := range r.shards {
		r.shards[i].topics = make(map[string]map[string]struct{})
	}
	return r
}

func (r *Registry) shardFor(topic string) *registryShard {
	h := fnv.New32a()
	h.Write([]byte(topic))
	return &r.shards[int(h.Sum32())%registryShardCount]
}

// Subscribe registers connID for topic. Idempotent for an existing
// subscription. Returns ErrSubscriptionLimit without side effects when
// the connection is at its cap, and ErrConnectionClosed if the
// connection's registry state was already removed.
func (r *Registry) Subscribe(connID, topic string) error {
	v, _ := r.conns.LoadOrStore(connID, &connSubs{topics: make(map[string]struct{})})
	cs := v.(*connSubs)

	cs.mu.Lock()
	defer cs.mu.Unlock()

	if cs.removed {
		return ErrConnectionClosed
	}
	if _, ok := cs.topics[topic]; ok {
		return nil
	}
	if len(cs.topics) >= r.maxPerConn {
		return ErrSubscriptionLimit
	}

	shard := r.shardFor(topic)
	shard.mu.Lock()
	set := shard.topics[topic]
	if set == nil {
		set = make(map[string]struct{})
		shard.topics[topic] = set
	}
	set[connID] = struct{}{}
	shard.mu.Unlock()

	cs.topics[topic] = struct{}{}
	return nil
}

// Unsubscribe removes one subscription. Reports whether it existed.
func (r *Registry) Unsubscribe(connID, topic string) bool {
	v, ok := r.conns.Load(connID)
	if !ok {
		return false
	}
	cs := v.(*connSubs)

	cs.mu.Lock()
	defer cs.mu.Unlock()

	if _, ok := cs.topics[topic]; !ok {
		return false
	}
	delete(cs.topics, topic)
	r.removeFromShard(connID, topic)
	return true
}

// RemoveAll atomically removes every subscription of connID and retires
// its registry state, returning the topics that were removed. Subsequent
// Subscribe calls for the same id fail with ErrConnectionClosed; the hub
// creates a fresh id per connection so this never blocks a reconnect.
func (r *Registry) RemoveAll(connID string) []string {
	v, ok := r.conns.Load(connID)
	if !ok {
		return nil
	}
	cs := v.(*connSubs)

	cs.mu.Lock()
	defer cs.mu.Unlock()

	if cs.removed {
		return nil
	}
	cs.removed = true

	topics := make([]string, 0, len(cs.topics))
	for topic := range cs.topics {
		r.removeFromShard(connID, topic)
		topics = append(topics, topic)
	}
	cs.topics = nil
	r.conns.Delete(connID)
	return topics
}

func (r *Registry) removeFromShard(connID, topic string) {
	shard := r.shardFor(topic)
	shard.mu.Lock()
	if set := shard.topics[topic]; set != nil {
		delete(set, connID)
		if len(set) == 0 {
			delete(shard.topics, topic)
		}
	}
	shard.mu.Unlock()
}

// SubscribersOf returns a copied slice of the connection ids subscribed
// to topic. Safe for the caller to iterate while subscriptions mutate.
func (r *Registry) SubscribersOf(topic string) []string {
	shard := r.shardFor(topic)
	shard.mu.RLock()
	defer shard.mu.RUnlock()

	set := shard.topics[topic]
	if len(set) == 0 {
		return nil
	}
	out := make([]string, 0, len(set))
	for id := range set {
		out = append(out, id)
	}
	return out
}

// Count returns the number of topics connID is subscribed to.
func (r *Registry) Count(connID string) int {
	v, ok := r.conns.Load(connID)
	if !ok {
		return 0
	}
	cs := v.(*connSubs)
	cs.mu.Lock()
	defer cs.mu.Unlock()
	return len(cs.topics)
}

// SubscriberCount returns the number of connections subscribed to topic.
func (r *Registry) SubscriberCount(topic string) int {
	shard := r.shardFor(topic)
	shard.mu.RLock()
	defer shard.mu.RUnlock()
	return len(shard.topics[topic])
}
