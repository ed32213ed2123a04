// Package fanout tracks which live connections care about which users and
// broadcasts updates to them.
package fanout

import (
	"errors"
	"sort"
	"sync"
)

// ErrQueueFull is returned by a Subscriber whose outbound queue is full
var ErrQueueFull = errors.New("fanout: subscriber queue full")

// ErrClosed is returned by a Subscriber that is shutting down
var ErrClosed = errors.New("fanout: subscriber closed")

// Subscriber is a live connection handle. Send must not block: it either
// queues the message or fails.
type Subscriber interface {
	ID() string
	Send(msg []byte) error
}

// BroadcastResult counts the outcome of one broadcast
type BroadcastResult struct {
	Delivered int
	Dropped   int
}

// Stats is a point-in-time view of the registry
type Stats struct {
	Topics      int `json:"topics"`
	Subscribers int `json:"subscribers"`
	Memberships int `json:"memberships"`
}

// Registry maps topics (user ids) to subscriber handles. Membership is
// many-to-many and lives only in memory.
type Registry struct {
	mu     sync.RWMutex
	topics map[string]map[string]Subscriber
	joined map[string]map[string]struct{} // subscriber id -> topics

	// deliver serializes fan-out so every member sees broadcasts in call order
	deliver sync.Mutex
}

// NewRegistry creates an empty registry
func NewRegistry() *Registry {
	return &Registry{
		topics: make(map[string]map[string]Subscriber),
		joined: make(map[string]map[string]struct{}),
	}
}

// Join adds sub to topic. Joining twice is a no-op.
func (r *Registry) Join(topic string, sub Subscriber) {
	r.mu.Lock()
	defer r.mu.Unlock()

	members, ok := r.topics[topic]
	if !ok {
		members = make(map[string]Subscriber)
		r.topics[topic] = members
	}
	members[sub.ID()] = sub

	set, ok := r.joined[sub.ID()]
	if !ok {
		set = make(map[string]struct{})
		r.joined[sub.ID()] = set
	}
	set[topic] = struct{}{}
}

// Leave removes sub from topic. Leaving a topic never joined is a no-op.
func (r *Registry) Leave(topic string, sub Subscriber) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.leaveLocked(topic, sub.ID())
}

// LeaveAll removes sub from every topic and returns how many it left
func (r *Registry) LeaveAll(sub Subscriber) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	set := r.joined[sub.ID()]
	n := len(set)
	for topic := range set {
		r.leaveLocked(topic, sub.ID())
	}
	delete(r.joined, sub.ID())
	return n
}

func (r *Registry) leaveLocked(topic, id string) {
	if members, ok := r.topics[topic]; ok {
		delete(members, id)
		if len(members) == 0 {
			delete(r.topics, topic)
		}
	}
	if set, ok := r.joined[id]; ok {
		delete(set, topic)
		if len(set) == 0 {
			delete(r.joined, id)
		}
	}
}

// Broadcast sends msg to every member of topic at call time. A member whose
// Send fails is counted as dropped and does not affect the others.
func (r *Registry) Broadcast(topic string, msg []byte) BroadcastResult {
	r.deliver.Lock()
	defer r.deliver.Unlock()

	r.mu.RLock()
	members := make([]Subscriber, 0, len(r.topics[topic]))
	for _, sub := range r.topics[topic] {
		members = append(members, sub)
	}
	r.mu.RUnlock()

	var res BroadcastResult
	for _, sub := range members {
		if err := sub.Send(msg); err != nil {
			res.Dropped++
			continue
		}
		res.Delivered++
	}
	return res
}

// Topics returns the topics with at least one member, sorted
func (r *Registry) Topics() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]string, 0, len(r.topics))
	for topic := range r.topics {
		out = append(out, topic)
	}
	sort.Strings(out)
	return out
}

// Subscribers returns the member ids of topic, sorted
func (r *Registry) Subscribers(topic string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]string, 0, len(r.topics[topic]))
	for id := range r.topics[topic] {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// TopicsOf returns the topics sub has joined, sorted
func (r *Registry) TopicsOf(sub Subscriber) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]string, 0, len(r.joined[sub.ID()]))
	for topic := range r.joined[sub.ID()] {
		out = append(out, topic)
	}
	sort.Strings(out)
	return out
}

// Stats returns counts of topics, subscribers and memberships
func (r *Registry) Stats() Stats {
	r.mu.RLock()
	defer r.mu.RUnlock()

	s := Stats{Topics: len(r.topics), Subscribers: len(r.joined)}
	for _, members := range r.topics {
		s.Memberships += len(members)
	}
	return s
}
