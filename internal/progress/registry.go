package progress

import (
	"errors"
	"sync"

	"github.com/zerotyping/ingest-pipeline/internal/observability"
)

// Recorder observes every published event, whether or not a channel is live.
type Recorder interface {
	Record(sessionID string, ev Event)
}

// Registry maps session ids to their open channel.
// The zero value is not usable; use NewRegistry.
type Registry struct {
	mu       sync.Mutex
	channels map[string]Channel
	recorder Recorder
	logger   *observability.Logger
}

// NewRegistry creates an empty registry. recorder may be nil.
func NewRegistry(logger *observability.Logger, recorder Recorder) *Registry {
	if logger == nil {
		logger = observability.Nop()
	}
	return &Registry{
		channels: make(map[string]Channel),
		recorder: recorder,
		logger:   logger,
	}
}

// Register stores ch for sessionID, replacing any previous channel.
func (r *Registry) Register(sessionID string, ch Channel) {
	r.mu.Lock()
	prev, replaced := r.channels[sessionID]
	r.channels[sessionID] = ch
	r.mu.Unlock()

	if replaced && prev != ch {
		r.logger.Debug().Str("session_id", sessionID).Msg("Progress channel replaced")
	}
}

// Unregister removes the entry for sessionID. Unknown ids are ignored.
func (r *Registry) Unregister(sessionID string) {
	r.mu.Lock()
	delete(r.channels, sessionID)
	r.mu.Unlock()
}

// Release removes the entry for sessionID only if it still holds ch.
// It reports whether the entry was removed.
func (r *Registry) Release(sessionID string, ch Channel) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if cur, ok := r.channels[sessionID]; ok && cur == ch {
		delete(r.channels, sessionID)
		return true
	}
	return false
}

// Publish delivers ev to the session's channel, if any. It never blocks on the
// client and never fails: undeliverable events are dropped.
func (r *Registry) Publish(sessionID string, ev Event) {
	if r.recorder != nil {
		r.recorder.Record(sessionID, ev)
	}

	r.mu.Lock()
	ch, ok := r.channels[sessionID]
	r.mu.Unlock()
	if !ok {
		return
	}

	err := ch.Send(ev)
	switch {
	case err == nil:
	case errors.Is(err, ErrChannelFull):
		r.logger.Debug().Str("session_id", sessionID).Msg("Progress event dropped, client is slow")
	default:
		r.Release(sessionID, ch)
		r.logger.Debug().Err(err).Str("session_id", sessionID).Msg("Progress channel broken, removed")
	}
}

// Has reports whether sessionID has a live channel.
func (r *Registry) Has(sessionID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.channels[sessionID]
	return ok
}

// Len returns the number of registered channels.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.channels)
}
