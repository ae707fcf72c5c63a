// Package registry maintains the set of configured bridges and answers
// routing lookups against it.
package registry

import (
	"errors"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/bridgecommand/wa-slack-bridge/internal/store"
)

// ErrNotFound is returned when a bridge id is not in the registry.
var ErrNotFound = errors.New("bridge not found")

// ChangeCallback is invoked after every successful mutation with the new
// bridge list.
type ChangeCallback func(bridges []store.Bridge)

// Registry holds the bridge configuration in memory and writes every mutation
// through to the config store. Persistence failures are logged and do not
// roll back the in-memory change.
type Registry struct {
	configStore *store.ConfigStore
	logger      *slog.Logger

	mu       sync.RWMutex
	config   store.BridgeConfig
	onChange ChangeCallback
}

// New creates a registry seeded with the given configuration document.
func New(cfg store.BridgeConfig, configStore *store.ConfigStore, logger *slog.Logger) *Registry {
	return &Registry{
		configStore: configStore,
		logger:      logger.With("component", "registry"),
		config:      cfg,
	}
}

// OnChange registers the callback notified after each mutation.
func (r *Registry) OnChange(cb ChangeCallback) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onChange = cb
}

// List returns a copy of all bridges.
func (r *Registry) List() []store.Bridge {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]store.Bridge(nil), r.config.Bridges...)
}

// Upsert inserts the bridge, or replaces the bridge with the same id. A
// missing id gets a generated one. Returns the stored bridge.
func (r *Registry) Upsert(b store.Bridge) store.Bridge {
	r.mu.Lock()
	if b.ID == "" {
		b.ID = uuid.NewString()
	}

	replaced := false
	for i := range r.config.Bridges {
		if r.config.Bridges[i].ID == b.ID {
			r.config.Bridges[i] = b
			replaced = true
			break
		}
	}
	if !replaced {
		r.config.Bridges = append(r.config.Bridges, b)
	}
	r.persistLocked()
	cb, bridges := r.snapshotLocked()
	r.mu.Unlock()

	r.logger.Info("bridge upserted", "bridge_id", b.ID, "name", b.Name, "active", b.Active)
	if cb != nil {
		cb(bridges)
	}
	return b
}

// Delete removes the bridge with the given id.
func (r *Registry) Delete(id string) error {
	r.mu.Lock()
	idx := -1
	for i := range r.config.Bridges {
		if r.config.Bridges[i].ID == id {
			idx = i
			break
		}
	}
	if idx < 0 {
		r.mu.Unlock()
		return ErrNotFound
	}
	r.config.Bridges = append(r.config.Bridges[:idx], r.config.Bridges[idx+1:]...)
	r.persistLocked()
	cb, bridges := r.snapshotLocked()
	r.mu.Unlock()

	r.logger.Info("bridge deleted", "bridge_id", id)
	if cb != nil {
		cb(bridges)
	}
	return nil
}

// Toggle sets the active flag of the bridge with the given id. No other field
// changes.
func (r *Registry) Toggle(id string, active bool) error {
	r.mu.Lock()
	found := false
	for i := range r.config.Bridges {
		if r.config.Bridges[i].ID == id {
			r.config.Bridges[i].Active = active
			found = true
			break
		}
	}
	if !found {
		r.mu.Unlock()
		return ErrNotFound
	}
	r.persistLocked()
	cb, bridges := r.snapshotLocked()
	r.mu.Unlock()

	r.logger.Info("bridge toggled", "bridge_id", id, "active", active)
	if cb != nil {
		cb(bridges)
	}
	return nil
}

// ClearTargets blanks the WhatsApp group id of every bridge. Used when the
// session is reset and group ids are no longer meaningful.
func (r *Registry) ClearTargets() {
	r.mu.Lock()
	for i := range r.config.Bridges {
		r.config.Bridges[i].WhatsAppGroupID = ""
	}
	r.persistLocked()
	cb, bridges := r.snapshotLocked()
	r.mu.Unlock()

	r.logger.Info("bridge targets cleared")
	if cb != nil {
		cb(bridges)
	}
}

// MatchWhatsAppGroup returns every fully configured bridge targeting the
// group, regardless of the active flag. Callers decide what an inactive match
// means for delivery.
func (r *Registry) MatchWhatsAppGroup(groupID string) []store.Bridge {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []store.Bridge
	for _, b := range r.config.Bridges {
		if b.Configured() && b.WhatsAppGroupID == groupID {
			out = append(out, b)
		}
	}
	return out
}

// MatchSlackChannel returns every fully configured bridge attached to the
// channel, regardless of the active flag.
func (r *Registry) MatchSlackChannel(channelID string) []store.Bridge {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []store.Bridge
	for _, b := range r.config.Bridges {
		if b.Configured() && b.SlackChannelID == channelID {
			out = append(out, b)
		}
	}
	return out
}

// HasActiveBridge reports whether any bridge is active and fully configured.
func (r *Registry) HasActiveBridge() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, b := range r.config.Bridges {
		if b.Active && b.Configured() {
			return true
		}
	}
	return false
}

// HasBridgeForGroup reports whether any active bridge targets one of the
// given group ids.
func (r *Registry) HasBridgeForGroup(groupIDs []string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, b := range r.config.Bridges {
		if !b.Active || !b.Configured() {
			continue
		}
		for _, g := range groupIDs {
			if b.WhatsAppGroupID == g {
				return true
			}
		}
	}
	return false
}

// SetCredentials stores the Slack tokens and persists the document.
func (r *Registry) SetCredentials(botToken, appToken string) {
	r.mu.Lock()
	r.config.SlackToken = botToken
	r.config.SlackAppToken = appToken
	r.persistLocked()
	r.mu.Unlock()
}

// Credentials returns the stored Slack tokens.
func (r *Registry) Credentials() (botToken, appToken string) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.config.SlackToken, r.config.SlackAppToken
}

func (r *Registry) persistLocked() {
	if r.configStore == nil {
		return
	}
	if err := r.configStore.Save(r.config); err != nil {
		r.logger.Error("failed to persist bridge config", "error", err)
	}
}

func (r *Registry) snapshotLocked() (ChangeCallback, []store.Bridge) {
	return r.onChange, append([]store.Bridge(nil), r.config.Bridges...)
}
