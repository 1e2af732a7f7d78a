package relay

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
)

// Topic is a forum thread of the moderated group that private messages can
// be relayed into.
type Topic struct {
	ID   int64
	Name string
}

// Registry holds the configured topics. It is seeded at startup and extended
// at runtime by /setup.
type Registry struct {
	mu     sync.RWMutex
	topics map[int64]string
}

// NewRegistry creates a registry holding seed.
func NewRegistry(seed map[int64]string) *Registry {
	r := &Registry{topics: make(map[int64]string, len(seed))}
	for id, name := range seed {
		r.topics[id] = name
	}
	return r
}

// ParseTopics parses "id:name,id:name". Entries without both parts are
// skipped; a non-numeric id is an error.
func ParseTopics(s string) (map[int64]string, error) {
	topics := make(map[int64]string)
	for _, item := range strings.Split(s, ",") {
		idPart, name, ok := strings.Cut(item, ":")
		idPart, name = strings.TrimSpace(idPart), strings.TrimSpace(name)
		if !ok || idPart == "" || name == "" {
			continue
		}
		id, err := strconv.ParseInt(idPart, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid topic id %q: %w", idPart, err)
		}
		topics[id] = name
	}
	return topics, nil
}

// Topics returns all topics ordered by id.
func (r *Registry) Topics() []Topic {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Topic, 0, len(r.topics))
	for id, name := range r.topics {
		out = append(out, Topic{ID: id, Name: name})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Lookup returns the topic with the given id.
func (r *Registry) Lookup(id int64) (Topic, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	name, ok := r.topics[id]
	if !ok {
		return Topic{}, false
	}
	return Topic{ID: id, Name: name}, true
}

// Merge adds or renames topics and returns how many entries were applied.
func (r *Registry) Merge(topics map[int64]string) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	for id, name := range topics {
		r.topics[id] = name
	}
	return len(topics)
}

// Len returns the number of topics.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.topics)
}
