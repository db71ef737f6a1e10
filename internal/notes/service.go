// Package notes is the single entry point for note, workspace and attachment mutations.
// Writes go to the remote first when possible and fall back to the local store and the
// operation queue otherwise.
package notes

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/gravity/syncclient/internal/failure"
	"github.com/MarcoPoloResearchLab/gravity/syncclient/internal/metrics"
	"github.com/MarcoPoloResearchLab/gravity/syncclient/internal/queue"
	"github.com/MarcoPoloResearchLab/gravity/syncclient/internal/remote"
	"github.com/MarcoPoloResearchLab/gravity/syncclient/internal/store"
	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var (
	errMissingStore      = errors.New("store is required")
	errMissingQueue      = errors.New("queue is required")
	errMissingRemote     = errors.New("remote api is required")
	errMissingIDProvider = errors.New("id provider is required")
	noOpLogger           = zap.NewNop()
)

const (
	opServiceNew = "notes.service.new"

	writePathRemote = "remote"
	writePathQueued = "queued"
)

// ConnectivityReporter tells the façade whether the remote is worth trying.
type ConnectivityReporter interface {
	Online() bool
}

// Notifier is told when the queue changed so status subscribers can refresh.
type Notifier interface {
	Notify(ctx context.Context)
}

// ServiceConfig wires the façade.
type ServiceConfig struct {
	OwnerID      string
	Store        *store.Store
	Queue        *queue.Queue
	Remote       remote.API
	Connectivity ConnectivityReporter
	Notifier     Notifier
	Metrics      *metrics.Metrics
	Clock        func() time.Time
	IDProvider   IDProvider
	Logger       *zap.Logger
}

// Service implements the note/workspace façade for one owner.
type Service struct {
	ownerID      string
	store        *store.Store
	queue        *queue.Queue
	remote       remote.API
	connectivity ConnectivityReporter
	notifier     Notifier
	metrics      *metrics.Metrics
	clock        func() time.Time
	idProvider   IDProvider
	logger       *zap.Logger
	validate     *validator.Validate
	cache        *readCache

	selectionMu sync.Mutex
	selection   Selection
}

// NewService validates cfg and constructs a Service.
func NewService(cfg ServiceConfig) (*Service, error) {
	ownerID, err := normalizeIdentifier(cfg.OwnerID, ErrInvalidOwnerID)
	if err != nil {
		return nil, failure.Validation(opServiceNew, "invalid_owner_id", err)
	}
	if cfg.Store == nil {
		return nil, failure.Validation(opServiceNew, "missing_store", errMissingStore)
	}
	if cfg.Queue == nil {
		return nil, failure.Validation(opServiceNew, "missing_queue", errMissingQueue)
	}
	if cfg.Remote == nil {
		return nil, failure.Validation(opServiceNew, "missing_remote", errMissingRemote)
	}
	if cfg.IDProvider == nil {
		return nil, failure.Validation(opServiceNew, "missing_id_provider", errMissingIDProvider)
	}

	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}

	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}

	return &Service{
		ownerID:      ownerID,
		store:        cfg.Store,
		queue:        cfg.Queue,
		remote:       cfg.Remote,
		connectivity: cfg.Connectivity,
		notifier:     cfg.Notifier,
		metrics:      cfg.Metrics,
		clock:        clock,
		idProvider:   cfg.IDProvider,
		logger:       logger,
		validate:     validator.New(validator.WithRequiredStructEnabled()),
		cache:        newReadCache(),
	}, nil
}

// OwnerID returns the owner every record of this façade belongs to.
func (s *Service) OwnerID() string {
	return s.ownerID
}

// SelectNote records the note shown by the UI.
func (s *Service) SelectNote(noteID string) Selection {
	s.selectionMu.Lock()
	defer s.selectionMu.Unlock()
	s.selection.NoteID = noteID
	return s.selection
}

// SelectWorkspace records the workspace shown by the UI and clears the note selection.
func (s *Service) SelectWorkspace(workspaceID string) Selection {
	s.selectionMu.Lock()
	defer s.selectionMu.Unlock()
	s.selection = Selection{WorkspaceID: workspaceID}
	return s.selection
}

// Selection returns the current view state.
func (s *Service) Selection() Selection {
	s.selectionMu.Lock()
	defer s.selectionMu.Unlock()
	return s.selection
}

// Invalidate drops every cached record. The sync engine rewrites the store behind the
// façade, so callers invalidate after each drain.
func (s *Service) Invalidate() {
	s.cache.reset()
}

func (s *Service) online() bool {
	if s.connectivity == nil {
		return true
	}
	return s.connectivity.Online()
}

func (s *Service) now() time.Time {
	return s.clock().UTC()
}

func (s *Service) newLocalID(operation string) (string, error) {
	id, err := s.idProvider.NewID()
	if err != nil {
		s.logError(operation, "id_generation_failed", err)
		return "", failure.Storage(operation, "id_generation_failed", err)
	}
	return id, nil
}

func (s *Service) notify(ctx context.Context) {
	if s.notifier != nil {
		s.notifier.Notify(ctx)
	}
}

func (s *Service) inTx(ctx context.Context, fn commitFunc) error {
	return s.store.DB().WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(ctx, s.store.WithDB(tx), s.queue.WithDB(tx))
	})
}

func (s *Service) validateInput(operation string, input any) error {
	if err := s.validate.Struct(input); err != nil {
		return failure.Validation(operation, "invalid_input", err)
	}
	return nil
}

func (s *Service) loggerOrDefault() *zap.Logger {
	if s == nil {
		return noOpLogger
	}
	if s.logger == nil {
		return noOpLogger
	}
	return s.logger
}

func (s *Service) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	s.loggerOrDefault().Error("notes service error", attrs...)
}
