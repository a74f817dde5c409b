package kb

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/signalsfoundry/coverage-zones/model"
)

var (
	// ErrProviderNotFound indicates a requested provider was not found.
	ErrProviderNotFound = errors.New("provider not found")
	// ErrProviderInvalid indicates a provider failed validation.
	ErrProviderInvalid = errors.New("invalid provider")
)

// EventType indicates what kind of change happened in the KB.
type EventType int

const (
	EventProvidersReplaced EventType = iota
	EventProvidersUpserted
	EventProvidersRemoved
)

func (t EventType) String() string {
	switch t {
	case EventProvidersReplaced:
		return "replaced"
	case EventProvidersUpserted:
		return "upserted"
	case EventProvidersRemoved:
		return "removed"
	default:
		return fmt.Sprintf("EventType(%d)", int(t))
	}
}

// Event is emitted to subscribers when the provider set changes.
type Event struct {
	Type        EventType
	ProviderIDs []string
}

type subscriber struct {
	id uint64
	fn func(Event)
}

// KnowledgeBase is an in-memory, thread-safe store of providers and their
// zone relations. Listing preserves insertion order so zone groupings built
// from it are stable.
type KnowledgeBase struct {
	mu sync.RWMutex

	providers map[string]*model.Provider
	order     []string

	subs   []subscriber
	nextID uint64
}

// NewKnowledgeBase constructs an empty KB.
func NewKnowledgeBase() *KnowledgeBase {
	return &KnowledgeBase{providers: make(map[string]*model.Provider)}
}

func validate(p *model.Provider) error {
	if p == nil {
		return fmt.Errorf("%w: nil provider", ErrProviderInvalid)
	}
	if p.ID == "" {
		return fmt.Errorf("%w: empty id", ErrProviderInvalid)
	}
	return nil
}

// ReplaceProviders swaps the whole provider set. Duplicate ids are rejected
// and leave the KB untouched.
func (kb *KnowledgeBase) ReplaceProviders(list []*model.Provider) error {
	next := make(map[string]*model.Provider, len(list))
	order := make([]string, 0, len(list))
	for _, p := range list {
		if err := validate(p); err != nil {
			return err
		}
		if _, dup := next[p.ID]; dup {
			return fmt.Errorf("%w: duplicate id %q", ErrProviderInvalid, p.ID)
		}
		next[p.ID] = p
		order = append(order, p.ID)
	}

	kb.mu.Lock()
	kb.providers = next
	kb.order = order
	subs := kb.snapshotSubsLocked()
	kb.mu.Unlock()

	notify(subs, Event{Type: EventProvidersReplaced, ProviderIDs: append([]string(nil), order...)})
	return nil
}

// UpsertProvider adds p or replaces the provider with the same id in place.
func (kb *KnowledgeBase) UpsertProvider(p *model.Provider) error {
	if err := validate(p); err != nil {
		return err
	}
	kb.mu.Lock()
	if _, exists := kb.providers[p.ID]; !exists {
		kb.order = append(kb.order, p.ID)
	}
	kb.providers[p.ID] = p
	subs := kb.snapshotSubsLocked()
	kb.mu.Unlock()

	notify(subs, Event{Type: EventProvidersUpserted, ProviderIDs: []string{p.ID}})
	return nil
}

// RemoveProvider deletes a provider by id.
func (kb *KnowledgeBase) RemoveProvider(id string) error {
	kb.mu.Lock()
	if _, ok := kb.providers[id]; !ok {
		kb.mu.Unlock()
		return fmt.Errorf("%w: %q", ErrProviderNotFound, id)
	}
	delete(kb.providers, id)
	for i, existing := range kb.order {
		if existing == id {
			kb.order = append(kb.order[:i], kb.order[i+1:]...)
			break
		}
	}
	subs := kb.snapshotSubsLocked()
	kb.mu.Unlock()

	notify(subs, Event{Type: EventProvidersRemoved, ProviderIDs: []string{id}})
	return nil
}

// GetProvider returns the provider with the given ID, or nil if not found.
func (kb *KnowledgeBase) GetProvider(id string) *model.Provider {
	kb.mu.RLock()
	defer kb.mu.RUnlock()
	return kb.providers[id]
}

// ListProviders returns a snapshot slice of all providers in insertion order.
func (kb *KnowledgeBase) ListProviders() []*model.Provider {
	kb.mu.RLock()
	defer kb.mu.RUnlock()

	res := make([]*model.Provider, 0, len(kb.order))
	for _, id := range kb.order {
		res = append(res, kb.providers[id])
	}
	return res
}

// Len returns the number of stored providers.
func (kb *KnowledgeBase) Len() int {
	kb.mu.RLock()
	defer kb.mu.RUnlock()
	return len(kb.order)
}

// FetchProviders lets the KB serve as a provider source for the zone map.
func (kb *KnowledgeBase) FetchProviders(ctx context.Context) ([]*model.Provider, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return kb.ListProviders(), nil
}

// Subscribe registers a callback for KB events. It returns an unsubscribe function.
func (kb *KnowledgeBase) Subscribe(fn func(Event)) (unsubscribe func()) {
	kb.mu.Lock()
	defer kb.mu.Unlock()
	kb.nextID++
	id := kb.nextID
	kb.subs = append(kb.subs, subscriber{id: id, fn: fn})

	return func() {
		kb.mu.Lock()
		defer kb.mu.Unlock()
		for i, s := range kb.subs {
			if s.id == id {
				kb.subs = append(kb.subs[:i], kb.subs[i+1:]...)
				return
			}
		}
	}
}

func (kb *KnowledgeBase) snapshotSubsLocked() []func(Event) {
	out := make([]func(Event), 0, len(kb.subs))
	for _, s := range kb.subs {
		out = append(out, s.fn)
	}
	return out
}

// notify runs outside the lock so subscribers may read the KB.
func notify(subs []func(Event), ev Event) {
	for _, sub := range subs {
		sub(ev)
	}
}
