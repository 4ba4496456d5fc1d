// Package resolver maintains the extension/agent-id cache used to turn a
// bare extension into a durable agent identity, creating a placeholder
// agent record the first time an unfamiliar extension is seen.
package resolver

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"
)

// Handle is what callers get back from Resolve. A transient handle
// carries ID "placeholder-{ext}" and AgentID 0 rather than a real
// foreign key, and is never cached, so the next Resolve call retries
// the store instead of sticking with a synthetic id forever.
type Handle struct {
	ID        string
	AgentID   int64
	Extension string
	Name      string
	Transient bool
}

// AgentRow mirrors database.AgentRow structurally so this package
// doesn't need to import internal/database directly and can be driven
// by a fake in tests. The supervisor wiring adapts *database.DB to
// Store by converting database.AgentRow/AgentMappingRow to these types.
type AgentRow struct {
	AgentID      int64
	Extension    string
	DisplayName  string
	CurrentState string
}

// AgentMappingRow is a secondary extension that resolves to an agent.
type AgentMappingRow struct {
	AgentID   int64
	Extension string
}

// Store is the persistence surface the resolver reads and writes
// through. Defined here, at the consumer.
type Store interface {
	LoadAllAgents(ctx context.Context) ([]AgentRow, error)
	LoadAgentMappings(ctx context.Context) ([]AgentMappingRow, error)
	FindAgentByExtension(ctx context.Context, extension string) (AgentRow, bool, error)
	InsertPlaceholderAgent(ctx context.Context, extension, displayName string) (int64, error)
}

// Stats tracks resolver cache behavior, exposed for the health/metrics
// endpoints.
type Stats struct {
	Hits         uint64
	Misses       uint64
	Placeholders uint64
}

// Resolver is the AgentResolver component.
type Resolver struct {
	store Store
	log   zerolog.Logger

	mu            sync.RWMutex
	byExtension   map[string]Handle
	byAgentID     map[int64]Handle

	hits, misses, placeholders atomic.Uint64
}

// New builds a Resolver. Call LoadCache once before serving Resolve
// calls, per the startup sequence's "initialize AgentResolver" step.
func New(store Store, log zerolog.Logger) *Resolver {
	return &Resolver{
		store:       store,
		log:         log,
		byExtension: make(map[string]Handle),
		byAgentID:   make(map[int64]Handle),
	}
}

// LoadCache populates the extension and agent-id caches from the store's
// active agents and secondary extension mappings.
func (r *Resolver) LoadCache(ctx context.Context) error {
	agents, err := r.store.LoadAllAgents(ctx)
	if err != nil {
		return err
	}
	mappings, err := r.store.LoadAgentMappings(ctx)
	if err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	for _, a := range agents {
		h := Handle{ID: strconv.FormatInt(a.AgentID, 10), AgentID: a.AgentID, Extension: a.Extension, Name: a.DisplayName}
		r.byExtension[a.Extension] = h
		r.byAgentID[a.AgentID] = h
	}
	for _, m := range mappings {
		if primary, ok := r.byAgentID[m.AgentID]; ok {
			r.byExtension[m.Extension] = Handle{ID: primary.ID, AgentID: primary.AgentID, Extension: m.Extension, Name: primary.Name}
		}
	}
	return nil
}

// Resolve returns the agent handle for extension, creating a placeholder
// agent on first sight. On a transient store error while creating the
// placeholder, returns an uncached Handle with Transient=true so the
// next call retries the store instead of being stuck with a synthetic
// identity.
func (r *Resolver) Resolve(ctx context.Context, extension string) Handle {
	r.mu.RLock()
	h, ok := r.byExtension[extension]
	r.mu.RUnlock()
	if ok {
		r.hits.Add(1)
		return h
	}

	r.misses.Add(1)

	row, found, err := r.store.FindAgentByExtension(ctx, extension)
	if err == nil && found {
		h := Handle{ID: strconv.FormatInt(row.AgentID, 10), AgentID: row.AgentID, Extension: extension, Name: row.DisplayName}
		r.cache(h)
		return h
	}
	if err != nil {
		r.log.Warn().Err(err).Str("extension", extension).Msg("resolver: store lookup failed")
		return transientHandle(extension)
	}

	r.placeholders.Add(1)
	name := placeholderName(extension)
	id, err := r.store.InsertPlaceholderAgent(ctx, extension, name)
	if err != nil {
		r.log.Warn().Err(err).Str("extension", extension).Msg("resolver: placeholder creation failed")
		return transientHandle(extension)
	}

	h = Handle{ID: strconv.FormatInt(id, 10), AgentID: id, Extension: extension, Name: name}
	r.cache(h)
	return h
}

func transientHandle(extension string) Handle {
	return Handle{
		ID:        fmt.Sprintf("placeholder-%s", extension),
		Extension: extension,
		Name:      placeholderName(extension),
		Transient: true,
	}
}

func (r *Resolver) cache(h Handle) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.byExtension[h.Extension] = h
	r.byAgentID[h.AgentID] = h
}

// Stats returns a snapshot of the hit/miss/placeholder counters.
func (r *Resolver) Stats() Stats {
	return Stats{
		Hits:         r.hits.Load(),
		Misses:       r.misses.Load(),
		Placeholders: r.placeholders.Load(),
	}
}

func placeholderName(extension string) string {
	return fmt.Sprintf("Extension %s", extension)
}
