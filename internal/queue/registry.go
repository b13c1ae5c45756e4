package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/lucasew/coachsync/internal/remote"
)

// ErrUnknownHandler is returned for a (domain, operation) pair nothing was registered for.
var ErrUnknownHandler = errors.New("no handler registered")

// Handler executes one mutation remotely.
type Handler func(ctx context.Context, payload json.RawMessage) error

// Registry is the dispatch table of the queue.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]Handler
}

func NewRegistry() *Registry {
	return &Registry{handlers: make(map[string]Handler)}
}

func handlerKey(domain string, op Operation) string {
	return domain + "/" + string(op)
}

// Register sets the handler of a single (domain, operation) pair.
func (r *Registry) Register(domain string, op Operation, h Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[handlerKey(domain, op)] = h
}

// RegisterDomain registers create, update and delete of api for domain.
func (r *Registry) RegisterDomain(domain string, api remote.MutationAPI) {
	r.Register(domain, OpCreate, api.Create)
	r.Register(domain, OpUpdate, api.Update)
	r.Register(domain, OpDelete, api.Delete)
}

func (r *Registry) Lookup(domain string, op Operation) (Handler, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[handlerKey(domain, op)]
	if !ok {
		return nil, fmt.Errorf("%w for %s/%s", ErrUnknownHandler, domain, op)
	}
	return h, nil
}

// Domains lists the registered domain types.
func (r *Registry) Domains() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	seen := make(map[string]bool)
	var out []string
	for key := range r.handlers {
		d, _, _ := strings.Cut(key, "/")
		if !seen[d] {
			seen[d] = true
			out = append(out, d)
		}
	}
	sort.Strings(out)
	return out
}
