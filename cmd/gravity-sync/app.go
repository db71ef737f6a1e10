package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"

	"github.com/MarcoPoloResearchLab/gravity/syncclient/internal/auth"
	"github.com/MarcoPoloResearchLab/gravity/syncclient/internal/config"
	"github.com/MarcoPoloResearchLab/gravity/syncclient/internal/conflict"
	"github.com/MarcoPoloResearchLab/gravity/syncclient/internal/connectivity"
	"github.com/MarcoPoloResearchLab/gravity/syncclient/internal/database"
	"github.com/MarcoPoloResearchLab/gravity/syncclient/internal/metrics"
	"github.com/MarcoPoloResearchLab/gravity/syncclient/internal/notes"
	"github.com/MarcoPoloResearchLab/gravity/syncclient/internal/queue"
	"github.com/MarcoPoloResearchLab/gravity/syncclient/internal/remote"
	"github.com/MarcoPoloResearchLab/gravity/syncclient/internal/store"
	"github.com/MarcoPoloResearchLab/gravity/syncclient/internal/syncengine"
	"github.com/MarcoPoloResearchLab/gravity/syncclient/internal/users"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"
)

const sessionCookieName = "gravity_session"

// application holds the wired components shared by every command.
type application struct {
	config    config.AppConfig
	logger    *zap.Logger
	sqlDB     *sql.DB
	users     *users.Service
	remote    *remote.HTTPClient
	monitor   *connectivity.Monitor
	metrics   *metrics.Metrics
	gatherer  prometheus.Gatherer
	engine    *syncengine.Engine
	resolver  *conflict.Resolver
	notes     *notes.Service
	validator *auth.SessionValidator

	disposeStatus func()
}

func newApplication(ctx context.Context, appConfig config.AppConfig, logger *zap.Logger) (*application, error) {
	db, err := database.OpenSQLite(appConfig.DatabasePath, logger)
	if err != nil {
		return nil, err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	app := &application{config: appConfig, logger: logger, sqlDB: sqlDB}

	app.users, err = users.NewService(users.ServiceConfig{Database: db, Logger: logger})
	if err != nil {
		app.Close()
		return nil, err
	}
	ownerID, err := app.resolveOwner(ctx)
	if err != nil {
		app.Close()
		return nil, err
	}

	if appConfig.MetricsEnabled {
		registry := prometheus.NewRegistry()
		registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
		app.metrics = metrics.New(registry)
		app.gatherer = registry
	}

	app.remote = remote.NewHTTPClient(remote.HTTPClientConfig{
		BaseURL:    appConfig.RemoteBaseURL,
		Token:      appConfig.RemoteToken,
		HTTPClient: &http.Client{Timeout: appConfig.RemoteTimeout},
		MaxRetries: appConfig.RemoteRetryAttempts,
		Logger:     logger.Named("remote"),
	})
	app.monitor = connectivity.NewMonitor(false, logger.Named("connectivity"))

	localStore := store.New(db, logger.Named("store"))
	operations := queue.New(db, nil, logger.Named("queue"))

	app.engine, err = syncengine.New(syncengine.Config{
		Store:       localStore,
		Queue:       operations,
		Remote:      app.remote,
		Monitor:     app.monitor,
		Metrics:     app.metrics,
		Logger:      logger.Named("sync"),
		Interval:    appConfig.SyncInterval,
		BackoffBase: appConfig.BackoffBase,
		BackoffMax:  appConfig.BackoffMax,
	})
	if err != nil {
		app.Close()
		return nil, err
	}

	var merge conflict.MergeFunc
	if appConfig.MergeStrategy == config.MergeStrategyLWW {
		merge = conflict.LastWriterWins
	}
	app.resolver, err = conflict.New(conflict.Config{
		Store:    localStore,
		Queue:    operations,
		Merge:    merge,
		Metrics:  app.metrics,
		Notifier: app.engine,
		Logger:   logger.Named("conflict"),
	})
	if err != nil {
		app.Close()
		return nil, err
	}

	app.notes, err = notes.NewService(notes.ServiceConfig{
		OwnerID:      ownerID,
		Store:        localStore,
		Queue:        operations,
		Remote:       app.remote,
		Connectivity: app.monitor,
		Notifier:     app.engine,
		Metrics:      app.metrics,
		IDProvider:   notes.NewUUIDProvider(),
		Logger:       logger.Named("notes"),
	})
	if err != nil {
		app.Close()
		return nil, err
	}
	app.disposeStatus = app.engine.OnStatus(func(syncengine.Status) {
		app.notes.Invalidate()
	})

	app.validator, err = auth.NewSessionValidator(auth.SessionValidatorConfig{
		SigningSecret: []byte(appConfig.AuthSigningSecret),
		CookieName:    sessionCookieName,
	})
	if err != nil {
		app.Close()
		return nil, err
	}
	if !app.validator.Verifies() {
		logger.Warn("auth.signing_secret is not set; local API tokens are decoded without signature checks")
	}

	return app, nil
}

// resolveOwner reads the owner from the remote token, falling back to the last owner
// seen on this device when the token cannot be decoded.
func (a *application) resolveOwner(ctx context.Context) (string, error) {
	decoder, err := auth.NewSessionValidator(auth.SessionValidatorConfig{})
	if err != nil {
		return "", err
	}
	claims, tokenErr := decoder.ValidateToken(a.config.RemoteToken)
	if tokenErr == nil {
		return a.users.ResolveOwnerID(ctx, claims)
	}
	profile, err := a.users.LastOwner(ctx)
	if errors.Is(err, users.ErrNoKnownOwner) {
		return "", fmt.Errorf("remote.token does not identify an owner: %w", tokenErr)
	}
	if err != nil {
		return "", err
	}
	a.logger.Warn("remote token unusable, continuing as last known owner",
		zap.String("owner_id", profile.OwnerID),
		zap.Error(tokenErr))
	return profile.OwnerID, nil
}

// Close releases the status listener and the database handle.
func (a *application) Close() {
	if a.disposeStatus != nil {
		a.disposeStatus()
	}
	if a.sqlDB != nil {
		if err := a.sqlDB.Close(); err != nil {
			a.logger.Warn("database close failed", zap.Error(err))
		}
	}
}
