package outbox

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/goliatone/go-syncpipe/core"
)

// Router maps outbox topics to subscribers. A pattern is an exact topic,
// a prefix ending in ".*" or "*" for every topic.
type Router struct {
	mu          sync.RWMutex
	subscribers map[string][]Subscription
}

type Subscription struct {
	Name       string
	Subscriber core.Subscriber
}

func NewRouter() *Router {
	return &Router{subscribers: map[string][]Subscription{}}
}

func (r *Router) Subscribe(pattern string, name string, subscriber core.Subscriber) error {
	pattern = normalizeTopic(pattern)
	if pattern == "" {
		return fmt.Errorf("outbox: topic pattern is required")
	}
	if subscriber == nil {
		return fmt.Errorf("outbox: subscriber is required")
	}
	name = strings.TrimSpace(name)
	if name == "" {
		name = pattern
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.subscribers == nil {
		r.subscribers = map[string][]Subscription{}
	}
	for _, existing := range r.subscribers[pattern] {
		if existing.Name == name {
			return fmt.Errorf("outbox: subscriber %q already registered for %q", name, pattern)
		}
	}
	r.subscribers[pattern] = append(r.subscribers[pattern], Subscription{Name: name, Subscriber: subscriber})
	return nil
}

// Match returns the subscribers for topic ordered by pattern specificity.
func (r *Router) Match(topic string) []Subscription {
	if r == nil {
		return nil
	}
	topic = normalizeTopic(topic)
	r.mu.RLock()
	defer r.mu.RUnlock()

	patterns := make([]string, 0, len(r.subscribers))
	for pattern := range r.subscribers {
		if topicMatches(pattern, topic) {
			patterns = append(patterns, pattern)
		}
	}
	sort.Slice(patterns, func(i, j int) bool {
		if len(patterns[i]) != len(patterns[j]) {
			return len(patterns[i]) > len(patterns[j])
		}
		return patterns[i] < patterns[j]
	})
	out := make([]Subscription, 0)
	for _, pattern := range patterns {
		out = append(out, r.subscribers[pattern]...)
	}
	return out
}

func topicMatches(pattern string, topic string) bool {
	switch {
	case pattern == "*":
		return true
	case strings.HasSuffix(pattern, ".*"):
		return strings.HasPrefix(topic, strings.TrimSuffix(pattern, "*"))
	default:
		return pattern == topic
	}
}

func normalizeTopic(topic string) string {
	return strings.TrimSpace(strings.ToLower(topic))
}
