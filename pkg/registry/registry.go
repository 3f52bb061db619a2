// Package registry holds the in-memory routing state for active threads.
// Lookups are served from memory; the store is consulted only at startup
// recovery. All mutation goes through the thread manager, which pairs a
// registry update with the matching persistence write.
package registry

import (
	"sync"

	"golang.org/x/sync/singleflight"

	"relaydesk/pkg/metrics"
	"relaydesk/pkg/models"
)

// Registry indexes active threads by id, recipient and container ref. The
// container index is one-directional (ref -> thread id); thread records are
// the single source of the reverse mapping.
type Registry struct {
	mu          sync.RWMutex
	threads     map[string]models.Thread
	byRecipient map[string]string
	byChannel   map[string]string

	provision singleflight.Group
}

func New() *Registry {
	return &Registry{
		threads:     make(map[string]models.Thread),
		byRecipient: make(map[string]string),
		byChannel:   make(map[string]string),
	}
}

// Register inserts or updates a thread in the routing maps.
func (r *Registry) Register(th models.Thread) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if old, ok := r.threads[th.ID]; ok && old.ChannelRef != "" && old.ChannelRef != th.ChannelRef {
		delete(r.byChannel, old.ChannelRef)
	}
	r.threads[th.ID] = th
	r.byRecipient[th.RecipientID] = th.ID
	if th.ChannelRef != "" {
		r.byChannel[th.ChannelRef] = th.ID
	}
	metrics.ActiveThreads.Set(float64(len(r.threads)))
}

// Unregister removes a thread from all routing maps.
func (r *Registry) Unregister(threadID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	th, ok := r.threads[threadID]
	if !ok {
		return
	}
	delete(r.threads, threadID)
	if r.byRecipient[th.RecipientID] == threadID {
		delete(r.byRecipient, th.RecipientID)
	}
	if th.ChannelRef != "" && r.byChannel[th.ChannelRef] == threadID {
		delete(r.byChannel, th.ChannelRef)
	}
	metrics.ActiveThreads.Set(float64(len(r.threads)))
}

// ByID returns the thread with the given id.
func (r *Registry) ByID(threadID string) (models.Thread, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	th, ok := r.threads[threadID]
	return th, ok
}

// ByRecipient returns the recipient's active thread.
func (r *Registry) ByRecipient(recipientID string) (models.Thread, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	id, ok := r.byRecipient[recipientID]
	if !ok {
		return models.Thread{}, false
	}
	th, ok := r.threads[id]
	return th, ok
}

// ByChannel returns the thread bound to a container ref.
func (r *Registry) ByChannel(ref string) (models.Thread, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	id, ok := r.byChannel[ref]
	if !ok {
		return models.Thread{}, false
	}
	th, ok := r.threads[id]
	return th, ok
}

// Snapshot returns a copy of all registered threads.
func (r *Registry) Snapshot() []models.Thread {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]models.Thread, 0, len(r.threads))
	for _, th := range r.threads {
		out = append(out, th)
	}
	return out
}

// Len returns the number of registered threads.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.threads)
}

// CreateOrJoin returns the recipient's active thread, creating it via fn
// when absent. Concurrent callers for the same recipient share one fn
// invocation; every caller observes the same thread.
func (r *Registry) CreateOrJoin(recipientID string, fn func() (models.Thread, error)) (models.Thread, error) {
	if th, ok := r.ByRecipient(recipientID); ok {
		return th, nil
	}
	v, err, _ := r.provision.Do(recipientID, func() (interface{}, error) {
		// re-check under the flight: a previous caller may have registered
		if th, ok := r.ByRecipient(recipientID); ok {
			return th, nil
		}
		return fn()
	})
	if err != nil {
		return models.Thread{}, err
	}
	return v.(models.Thread), nil
}
