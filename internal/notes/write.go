package notes

import (
	"context"

	"github.com/MarcoPoloResearchLab/gravity/syncclient/internal/queue"
	"github.com/MarcoPoloResearchLab/gravity/syncclient/internal/store"
	"go.uber.org/zap"
)

// commitFunc stores the outcome of a write inside one store and queue transaction.
type commitFunc func(ctx context.Context, st *store.Store, q *queue.Queue) error

// mutation is one façade write expressed for the remote-first policy.
type mutation struct {
	operation  string
	entityType queue.EntityType
	// entityID is checked for queued changes; empty for creates.
	entityID string
	// remoteReady is false when the remote cannot know the record or its parent yet.
	remoteReady bool
	// attemptRemote calls the remote and returns how to store its canonical record.
	attemptRemote func(ctx context.Context) (commitFunc, error)
	// persistLocalAndEnqueue stores the change locally and queues it for the engine.
	persistLocalAndEnqueue commitFunc
}

// apply runs m remote-first and falls back to the local path on any remote failure.
// It reports the path the write took.
func (s *Service) apply(ctx context.Context, m mutation) (string, error) {
	if m.remoteReady && m.attemptRemote != nil && s.online() {
		queued, err := s.hasQueuedChange(ctx, m.entityType, m.entityID)
		if err != nil {
			return "", err
		}
		if !queued {
			commit, remoteErr := m.attemptRemote(ctx)
			if remoteErr == nil {
				if err := s.inTx(ctx, commit); err != nil {
					s.logError(m.operation, "commit_failed", err, zap.String("entity_id", m.entityID))
					return "", err
				}
				s.metrics.TrackWrite(string(m.entityType), writePathRemote)
				return writePathRemote, nil
			}
			s.loggerOrDefault().Info("remote write failed, queuing locally",
				zap.String("operation", m.operation),
				zap.String("entity_id", m.entityID),
				zap.Error(remoteErr))
		}
	}

	if err := s.inTx(ctx, m.persistLocalAndEnqueue); err != nil {
		s.logError(m.operation, "persist_failed", err, zap.String("entity_id", m.entityID))
		return "", err
	}
	s.metrics.TrackWrite(string(m.entityType), writePathQueued)
	s.notify(ctx)
	return writePathQueued, nil
}

func (s *Service) hasQueuedChange(ctx context.Context, entityType queue.EntityType, entityID string) (bool, error) {
	if entityID == "" {
		return false, nil
	}
	_, found, err := s.queue.FindByEntity(ctx, entityType, entityID)
	return found, err
}
