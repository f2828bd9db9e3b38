package feed

import (
	"sync"
	"time"

	"github.com/laylaymen/kriptobot-sub006/models"
)

// connTracker holds the latest state of every websocket connection, keyed
// by stream name. The heartbeat publishes a snapshot of it.
type connTracker struct {
	mu     sync.RWMutex
	states map[string]*models.ConnectionState
}

func newConnTracker() *connTracker {
	return &connTracker{states: make(map[string]*models.ConnectionState)}
}

func (t *connTracker) register(key, stream string) {
	t.mu.Lock()
	t.states[key] = &models.ConnectionState{
		Key:        key,
		Stream:     stream,
		Status:     models.ConnConnecting,
		LastChange: time.Now().UTC(),
	}
	t.mu.Unlock()
}

func (t *connTracker) transition(key string, status models.ConnStatus, errMsg string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	st, ok := t.states[key]
	if !ok {
		return
	}
	st.Status = status
	st.LastChange = time.Now().UTC()
	st.LastError = errMsg
	switch status {
	case models.ConnConnected:
		st.ReconnectAttempts = 0
	case models.ConnConnecting:
		st.ReconnectAttempts++
	}
}

func (t *connTracker) snapshot() map[string]string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make(map[string]string, len(t.states))
	for key, st := range t.states {
		out[key] = string(st.Status)
	}
	return out
}

func (t *connTracker) state(key string) (models.ConnectionState, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	st, ok := t.states[key]
	if !ok {
		return models.ConnectionState{}, false
	}
	return *st, true
}
