package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/gravity/syncclient/internal/auth"
	"github.com/MarcoPoloResearchLab/gravity/syncclient/internal/conflict"
	"github.com/MarcoPoloResearchLab/gravity/syncclient/internal/connectivity"
	"github.com/MarcoPoloResearchLab/gravity/syncclient/internal/metrics"
	"github.com/MarcoPoloResearchLab/gravity/syncclient/internal/notes"
	"github.com/MarcoPoloResearchLab/gravity/syncclient/internal/queue"
	"github.com/MarcoPoloResearchLab/gravity/syncclient/internal/remote"
	"github.com/MarcoPoloResearchLab/gravity/syncclient/internal/remote/remotetest"
	"github.com/MarcoPoloResearchLab/gravity/syncclient/internal/store"
	"github.com/MarcoPoloResearchLab/gravity/syncclient/internal/syncengine"
	sqlite "github.com/glebarez/sqlite"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

const (
	testOwner     = "user-1"
	testWorkspace = "ws-1"
)

var testSigningSecret = []byte("local-api-secret")

type sequentialIDs struct {
	mu   sync.Mutex
	next int
}

func (p *sequentialIDs) NewID() (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.next++
	return fmt.Sprintf("local-%d", p.next), nil
}

type apiFixture struct {
	store    *store.Store
	queue    *queue.Queue
	remote   *remotetest.FakeAPI
	monitor  *connectivity.Monitor
	engine   *syncengine.Engine
	notes    *notes.Service
	handler  http.Handler
	issuer   *auth.TokenIssuer
	registry *prometheus.Registry
	logs     *observer.ObservedLogs
}

func newAPIFixture(t *testing.T, online bool, origins ...string) *apiFixture {
	t.Helper()
	gin.SetMode(gin.TestMode)

	db, err := gorm.Open(sqlite.Open(filepath.Join(t.TempDir(), "api.db")), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("failed to access sql db: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })
	if err := db.AutoMigrate(append(store.Models(), &queue.Operation{})...); err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}

	core, logs := observer.New(zapcore.DebugLevel)
	log := zap.New(core)
	registry := prometheus.NewRegistry()
	collectors := metrics.New(registry)

	f := &apiFixture{
		store:    store.New(db, nil),
		queue:    queue.New(db, nil, nil),
		remote:   remotetest.NewFakeAPI(testOwner),
		monitor:  connectivity.NewMonitor(online, nil),
		registry: registry,
		logs:     logs,
	}
	f.seedWorkspace(t)

	engine, err := syncengine.New(syncengine.Config{
		Store:   f.store,
		Queue:   f.queue,
		Remote:  f.remote,
		Monitor: f.monitor,
		Metrics: collectors,
	})
	if err != nil {
		t.Fatalf("failed to build engine: %v", err)
	}
	f.engine = engine

	service, err := notes.NewService(notes.ServiceConfig{
		OwnerID:      testOwner,
		Store:        f.store,
		Queue:        f.queue,
		Remote:       f.remote,
		Connectivity: f.monitor,
		Notifier:     engine,
		Metrics:      collectors,
		IDProvider:   &sequentialIDs{},
	})
	if err != nil {
		t.Fatalf("failed to build notes service: %v", err)
	}
	f.notes = service

	resolver, err := conflict.New(conflict.Config{Store: f.store, Queue: f.queue, Notifier: engine, Metrics: collectors})
	if err != nil {
		t.Fatalf("failed to build resolver: %v", err)
	}

	validator, err := auth.NewSessionValidator(auth.SessionValidatorConfig{SigningSecret: testSigningSecret, CookieName: "gravity_session"})
	if err != nil {
		t.Fatalf("failed to build validator: %v", err)
	}
	issuer, err := auth.NewTokenIssuer(auth.TokenIssuerConfig{SigningSecret: testSigningSecret})
	if err != nil {
		t.Fatalf("failed to build issuer: %v", err)
	}
	f.issuer = issuer

	handler, err := NewHTTPHandler(Dependencies{
		Notes:          service,
		Resolver:       resolver,
		Engine:         engine,
		Validator:      validator,
		Metrics:        collectors,
		Gatherer:       registry,
		AllowedOrigins: origins,
		Logger:         log,
	})
	if err != nil {
		t.Fatalf("failed to build handler: %v", err)
	}
	f.handler = handler
	return f
}

func (f *apiFixture) seedWorkspace(t *testing.T) {
	t.Helper()
	now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	synced := store.ToMillis(now)
	workspace := store.Workspace{
		WorkspaceID:        testWorkspace,
		OwnerID:            testOwner,
		Name:               "Personal",
		IsDefault:          true,
		CreatedAtMillis:    synced,
		UpdatedAtMillis:    synced,
		LastSyncedAtMillis: &synced,
		SyncStatus:         store.SyncStatusSynced,
	}
	if err := f.store.PutWorkspace(context.Background(), &workspace); err != nil {
		t.Fatalf("failed to seed workspace: %v", err)
	}
	f.remote.SeedWorkspace(remote.WorkspaceRecord{ID: testWorkspace, Name: "Personal", OwnerID: testOwner, IsDefault: true, UpdatedAt: now})
}

func (f *apiFixture) token(t *testing.T, userID string) string {
	t.Helper()
	token, _, err := f.issuer.IssueToken(context.Background(), auth.SessionClaims{UserID: userID})
	if err != nil {
		t.Fatalf("failed to issue token: %v", err)
	}
	return token
}

// do sends an authorized request for the fixture owner and returns the recorder.
func (f *apiFixture) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader = http.NoBody
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("failed to encode body: %v", err)
		}
		reader = bytes.NewReader(encoded)
	}
	request := httptest.NewRequest(method, path, reader)
	request.Header.Set("Authorization", "Bearer "+f.token(t, testOwner))
	if body != nil {
		request.Header.Set("Content-Type", "application/json")
	}
	recorder := httptest.NewRecorder()
	f.handler.ServeHTTP(recorder, request)
	return recorder
}

func decodeBody(t *testing.T, recorder *httptest.ResponseRecorder, target any) {
	t.Helper()
	if err := json.Unmarshal(recorder.Body.Bytes(), target); err != nil {
		t.Fatalf("failed to decode response %q: %v", recorder.Body.String(), err)
	}
}

func expectErrorCode(t *testing.T, recorder *httptest.ResponseRecorder, status int, code string) {
	t.Helper()
	if recorder.Code != status {
		t.Fatalf("expected status %d, got %d: %s", status, recorder.Code, recorder.Body.String())
	}
	var payload map[string]string
	decodeBody(t, recorder, &payload)
	if payload["error"] != code {
		t.Fatalf("expected error %q, got %q", code, payload["error"])
	}
}

func TestNewHTTPHandlerRequiresDependencies(t *testing.T) {
	if _, err := NewHTTPHandler(Dependencies{}); err != errMissingNotesService {
		t.Fatalf("expected missing notes service error, got %v", err)
	}
}

func TestProtectedRoutesRequireBearerToken(t *testing.T) {
	f := newAPIFixture(t, true)

	recorder := httptest.NewRecorder()
	f.handler.ServeHTTP(recorder, httptest.NewRequest(http.MethodGet, "/v1/notes", http.NoBody))
	expectErrorCode(t, recorder, http.StatusUnauthorized, errInvalidAuthorization.Error())

	request := httptest.NewRequest(http.MethodGet, "/v1/notes", http.NoBody)
	request.Header.Set("Authorization", "Bearer not-a-token")
	recorder = httptest.NewRecorder()
	f.handler.ServeHTTP(recorder, request)
	expectErrorCode(t, recorder, http.StatusUnauthorized, "unauthorized")

	entries := f.logs.FilterMessage("token validation failed").All()
	if len(entries) != 1 || entries[0].Level != zapcore.WarnLevel {
		t.Fatalf("expected one warning for the malformed token, got %+v", entries)
	}
}

func TestExpiredTokenLogsAtInfoLevel(t *testing.T) {
	f := newAPIFixture(t, true)
	expiredIssuer, err := auth.NewTokenIssuer(auth.TokenIssuerConfig{
		SigningSecret: testSigningSecret,
		Clock:         func() time.Time { return time.Now().Add(-48 * time.Hour) },
	})
	if err != nil {
		t.Fatalf("failed to build issuer: %v", err)
	}
	token, _, err := expiredIssuer.IssueToken(context.Background(), auth.SessionClaims{UserID: testOwner})
	if err != nil {
		t.Fatalf("failed to issue token: %v", err)
	}

	request := httptest.NewRequest(http.MethodGet, "/v1/status", http.NoBody)
	request.Header.Set("Authorization", "Bearer "+token)
	recorder := httptest.NewRecorder()
	f.handler.ServeHTTP(recorder, request)
	expectErrorCode(t, recorder, http.StatusUnauthorized, "unauthorized")

	entries := f.logs.FilterMessage("token validation failed").All()
	if len(entries) != 1 || entries[0].Level != zapcore.InfoLevel {
		t.Fatalf("expected info level for expired token, got %+v", entries)
	}
}

func TestTokenForAnotherOwnerIsForbidden(t *testing.T) {
	f := newAPIFixture(t, true)
	request := httptest.NewRequest(http.MethodGet, "/v1/notes", http.NoBody)
	request.Header.Set("Authorization", "Bearer "+f.token(t, "someone-else"))
	recorder := httptest.NewRecorder()
	f.handler.ServeHTTP(recorder, request)
	expectErrorCode(t, recorder, http.StatusForbidden, "forbidden")
}

func TestSessionCookieAuthorizesRequests(t *testing.T) {
	f := newAPIFixture(t, true)
	request := httptest.NewRequest(http.MethodGet, "/v1/profile", http.NoBody)
	request.AddCookie(&http.Cookie{Name: "gravity_session", Value: f.token(t, "google:"+testOwner)})
	recorder := httptest.NewRecorder()
	f.handler.ServeHTTP(recorder, request)
	if recorder.Code != http.StatusOK {
		t.Fatalf("expected cookie session to be accepted, got %d: %s", recorder.Code, recorder.Body.String())
	}
	var payload map[string]any
	decodeBody(t, recorder, &payload)
	if payload["ownerId"] != testOwner {
		t.Fatalf("unexpected profile %+v", payload)
	}
}

func TestHealthAndMetricsArePublic(t *testing.T) {
	f := newAPIFixture(t, true)

	recorder := httptest.NewRecorder()
	f.handler.ServeHTTP(recorder, httptest.NewRequest(http.MethodGet, "/healthz", http.NoBody))
	if recorder.Code != http.StatusOK {
		t.Fatalf("expected healthy response, got %d", recorder.Code)
	}

	recorder = httptest.NewRecorder()
	f.handler.ServeHTTP(recorder, httptest.NewRequest(http.MethodGet, "/metrics", http.NoBody))
	if recorder.Code != http.StatusOK {
		t.Fatalf("expected metrics response, got %d", recorder.Code)
	}
	if !strings.Contains(recorder.Body.String(), "gravity_sync_http_requests_total") {
		t.Fatalf("expected request counter in metrics output")
	}
}

func TestCORSAllowsConfiguredOrigin(t *testing.T) {
	f := newAPIFixture(t, true, "http://localhost:5173")

	request := httptest.NewRequest(http.MethodOptions, "/v1/notes", http.NoBody)
	request.Header.Set("Origin", "http://localhost:5173")
	request.Header.Set("Access-Control-Request-Method", http.MethodPatch)
	recorder := httptest.NewRecorder()
	f.handler.ServeHTTP(recorder, request)

	if recorder.Code != http.StatusNoContent {
		t.Fatalf("expected preflight to succeed, got %d", recorder.Code)
	}
	if got := recorder.Header().Get("Access-Control-Allow-Origin"); got != "http://localhost:5173" {
		t.Fatalf("unexpected allow origin %q", got)
	}
	if !strings.Contains(recorder.Header().Get("Access-Control-Allow-Methods"), http.MethodPatch) {
		t.Fatalf("expected PATCH to be allowed, got %q", recorder.Header().Get("Access-Control-Allow-Methods"))
	}

	request = httptest.NewRequest(http.MethodOptions, "/v1/notes", http.NoBody)
	request.Header.Set("Origin", "https://evil.example")
	request.Header.Set("Access-Control-Request-Method", http.MethodGet)
	recorder = httptest.NewRecorder()
	f.handler.ServeHTTP(recorder, request)
	if recorder.Header().Get("Access-Control-Allow-Origin") != "" {
		t.Fatalf("expected unknown origin to be refused")
	}
}
