package session

import (
	"context"
	"errors"
	"log"
	"time"

	"github.com/ballast-ai/ballast/pkg/conversation"
	"github.com/ballast-ai/ballast/pkg/eventlog"
	"github.com/ballast-ai/ballast/pkg/observability"
	"github.com/ballast-ai/ballast/pkg/storage"
)

// SweepExpired transitions every session past its deadline out of the
// active set and applies the configured expiry policy: delete removes
// the session, archive keeps it read-only. Cron runs this on the
// configured schedule; callers may also run it directly. Returns how
// many sessions were handled.
//
// Each transition is an ordinary version-bumped write, so a sweep
// racing a live update loses cleanly on the version check and skips
// that session until the next pass.
func (m *Manager) SweepExpired(ctx context.Context) (int, error) {
	if err := m.begin(); err != nil {
		return 0, err
	}
	defer m.end()

	now := time.Now().UTC()
	candidates, err := m.backend.ListSessions(ctx, storage.ListFilter{
		States:        []conversation.State{conversation.StateActive, conversation.StatePaused},
		ExpiresBefore: now,
	})
	if err != nil {
		return 0, err
	}

	swept := 0
	for _, s := range candidates {
		if err := m.expireOne(ctx, s.ID); err != nil {
			if errors.Is(err, storage.ErrVersionConflict) || errors.Is(err, storage.ErrSessionNotFound) {
				continue // changed under us; next sweep decides
			}
			log.Printf("[SessionManager] Failed to expire session %s: %v", s.ID, err)
			continue
		}
		swept++
	}

	if swept > 0 {
		observability.RecordSessionsExpired(swept)
		log.Printf("[SessionManager] Expiry sweep handled %d sessions (policy: %s)", swept, m.cfg.ExpiryPolicy)
	}
	m.updateActiveGauge(ctx)
	return swept, nil
}

// expireOne re-reads the session under its write lock and applies the
// transition if it is still due.
func (m *Manager) expireOne(ctx context.Context, id string) error {
	mu := m.lockID(id)
	mu.Lock()
	defer mu.Unlock()

	current, err := m.backend.GetSession(ctx, id)
	if err != nil {
		return err
	}
	if !current.IsExpired(time.Now().UTC()) {
		return nil
	}
	if current.State != conversation.StateActive && current.State != conversation.StatePaused {
		return nil
	}

	next := current.Clone()
	if m.cfg.ExpiryPolicy == PolicyArchive {
		next.State = conversation.StateArchived
	} else {
		next.State = conversation.StateExpired
	}
	next.Version = current.Version + 1
	next.UpdatedAt = time.Now().UTC()

	if err := m.backend.SaveSession(ctx, next); err != nil {
		return err
	}
	m.cache.Remove(id)

	m.announce(ctx, &eventlog.Event{
		SessionID: id,
		Type:      eventlog.TypeSessionExpired,
		Priority:  eventlog.PriorityNormal,
		Data:      map[string]any{"policy": m.cfg.ExpiryPolicy, "expiresAt": current.ExpiresAt},
	})

	if m.cfg.ExpiryPolicy == PolicyDelete {
		if _, err := m.backend.DeleteSession(ctx, id); err != nil {
			return err
		}
	}
	return nil
}

func (m *Manager) updateActiveGauge(ctx context.Context) {
	active, err := m.backend.ListSessions(ctx, storage.ListFilter{
		States: []conversation.State{conversation.StateActive},
	})
	if err != nil {
		return
	}
	observability.SetActiveSessions(len(active))
}
