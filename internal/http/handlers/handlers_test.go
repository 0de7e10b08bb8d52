package handlers_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"server/internal/adapter/repo"
	"server/internal/domain"
	"server/internal/engine"
	"server/internal/http/handlers"
	"server/internal/http/httpapi"
	"server/internal/infra"
	"server/internal/ledger"
	"server/internal/middleware"
	"server/internal/notify"
	"server/internal/provider"
	"server/internal/reconciler"
)

const testSecret = "test-secret"

type adapterFunc func(ctx context.Context, providerRef string) (provider.Status, error)

func (f adapterFunc) Query(ctx context.Context, providerRef string) (provider.Status, error) {
	return f(ctx, providerRef)
}

type env struct {
	router        http.Handler
	ledgers       *repo.LedgerRepositoryMemory
	generations   *repo.GenerationRepositoryMemory
	notifications *repo.NotificationRepositoryMemory
}

func newEnv(t *testing.T, adapter provider.Adapter) *env {
	t.Helper()
	jobs := repo.NewJobRepositoryMemory()
	generations := repo.NewGenerationRepositoryMemory()
	ledgers := repo.NewLedgerRepositoryMemory()
	notifications := repo.NewNotificationRepositoryMemory()
	log := zerolog.Nop()
	ldg := ledger.NewService(ledgers, ledger.ReserveOnCreate{}, ledger.DefaultCreditCosts(), log)
	emitter := notify.NewStoreEmitter(notifications, log)
	eng := engine.New(jobs, generations, ldg, adapter, emitter, engine.DefaultConfig(), log)
	rec := reconciler.New(generations, ldg, emitter, log)
	cfg := &infra.Config{
		JWTSecret:          testSecret,
		NotificationsLimit: 50,
		GenerationsLimit:   50,
	}
	app := handlers.NewApp(eng, rec, ldg, generations, notifications, cfg, log)
	return &env{
		router:        httpapi.NewRouter(app, nil),
		ledgers:       ledgers,
		generations:   generations,
		notifications: notifications,
	}
}

func token(t *testing.T, userID string) string {
	t.Helper()
	tok, err := middleware.SignJWT(testSecret, middleware.TokenClaims{
		Sub: userID,
		Exp: time.Now().Add(time.Hour).Unix(),
	})
	if err != nil {
		t.Fatal(err)
	}
	return tok
}

func doJSON(t *testing.T, router http.Handler, method, path, userID string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatal(err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	if userID != "" {
		req.Header.Set("Authorization", "Bearer "+token(t, userID))
	}
	req.Header.Set("Content-Type", "application/json")
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)
	return rr
}

func decode(t *testing.T, rr *httptest.ResponseRecorder, into any) {
	t.Helper()
	if err := json.Unmarshal(rr.Body.Bytes(), into); err != nil {
		t.Fatalf("decode body %q: %v", rr.Body.String(), err)
	}
}

func TestHealthz(t *testing.T) {
	e := newEnv(t, nil)
	rr := doJSON(t, e.router, http.MethodGet, "/v1/healthz", "", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rr.Code)
	}
}

func TestJobEnqueueAndPoll(t *testing.T) {
	e := newEnv(t, adapterFunc(func(context.Context, string) (provider.Status, error) {
		return provider.Status{State: provider.StateRunning, Progress: 42}, nil
	}))
	e.ledgers.SeedCredits("u1", 10)

	rr := doJSON(t, e.router, http.MethodPost, "/v1/jobs", "u1", map[string]string{
		"kind":         "generate_image",
		"provider_ref": "op-123",
	})
	if rr.Code != http.StatusCreated {
		t.Fatalf("enqueue status = %d, body %s", rr.Code, rr.Body.String())
	}
	var created struct {
		ID     string `json:"id"`
		Status string `json:"status"`
	}
	decode(t, rr, &created)
	if created.Status != "queued" || created.ID == "" {
		t.Fatalf("created = %+v", created)
	}

	rr = doJSON(t, e.router, http.MethodGet, "/v1/jobs/"+created.ID, "u1", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("poll status = %d, body %s", rr.Code, rr.Body.String())
	}
	var polled struct {
		Status   string `json:"status"`
		Progress int    `json:"progress"`
	}
	decode(t, rr, &polled)
	if polled.Status != "processing" || polled.Progress != 42 {
		t.Fatalf("polled = %+v, want processing at 42", polled)
	}
}

func TestJobEnqueueInsufficientCredits(t *testing.T) {
	e := newEnv(t, nil)
	e.ledgers.SeedCredits("u1", 1)

	rr := doJSON(t, e.router, http.MethodPost, "/v1/jobs", "u1", map[string]string{
		"kind":         "generate_image",
		"provider_ref": "op-123",
	})
	if rr.Code != http.StatusForbidden {
		t.Fatalf("status = %d, want 403", rr.Code)
	}
}

func TestJobEnqueueUnsupportedKind(t *testing.T) {
	e := newEnv(t, nil)
	e.ledgers.SeedCredits("u1", 100)

	rr := doJSON(t, e.router, http.MethodPost, "/v1/jobs", "u1", map[string]string{
		"kind":         "hologram",
		"provider_ref": "op-123",
	})
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rr.Code)
	}
}

func TestJobEnqueueRequiresProviderRef(t *testing.T) {
	e := newEnv(t, nil)
	e.ledgers.SeedCredits("u1", 100)

	rr := doJSON(t, e.router, http.MethodPost, "/v1/jobs", "u1", map[string]string{
		"kind": "generate_image",
	})
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rr.Code)
	}
}

func TestJobPollUnauthenticated(t *testing.T) {
	e := newEnv(t, nil)
	rr := doJSON(t, e.router, http.MethodGet, "/v1/jobs/some-id", "", nil)
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", rr.Code)
	}
}

func TestJobPollForeignJobIsNotFound(t *testing.T) {
	e := newEnv(t, adapterFunc(func(context.Context, string) (provider.Status, error) {
		return provider.Status{State: provider.StateRunning}, nil
	}))
	e.ledgers.SeedCredits("u1", 10)

	rr := doJSON(t, e.router, http.MethodPost, "/v1/jobs", "u1", map[string]string{
		"kind":         "generate_image",
		"provider_ref": "op-123",
	})
	var created struct {
		ID string `json:"id"`
	}
	decode(t, rr, &created)

	rr = doJSON(t, e.router, http.MethodGet, "/v1/jobs/"+created.ID, "u2", nil)
	if rr.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404 for foreign job", rr.Code)
	}
}

func TestGenerationDeleteFlow(t *testing.T) {
	e := newEnv(t, nil)
	genID := uuid.NewString()
	gen := &domain.Generation{
		ID:            genID,
		UserID:        "u1",
		JobID:         "job-1",
		Kind:          domain.JobKindGenerateImage,
		ResultURLs:    []string{"https://cdn.example.com/a.png"},
		FileSizeBytes: 5_000_000,
	}
	if err := e.generations.Create(context.Background(), gen); err != nil {
		t.Fatal(err)
	}
	e.ledgers.SeedStorage("u1", 5_000_000, 0)

	rr := doJSON(t, e.router, http.MethodDelete, "/v1/generations/"+genID, "u1", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rr.Code, rr.Body.String())
	}
	var resp struct {
		Success    bool  `json:"success"`
		FreedBytes int64 `json:"freed_bytes"`
	}
	decode(t, rr, &resp)
	if !resp.Success || resp.FreedBytes != 5_000_000 {
		t.Fatalf("resp = %+v, want success with 5000000 freed", resp)
	}

	rr = doJSON(t, e.router, http.MethodDelete, "/v1/generations/"+genID, "u1", nil)
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("second delete status = %d, want 400", rr.Code)
	}

	rr = doJSON(t, e.router, http.MethodDelete, "/v1/generations/"+uuid.NewString(), "u1", nil)
	if rr.Code != http.StatusNotFound {
		t.Fatalf("missing delete status = %d, want 404", rr.Code)
	}
}

func TestMalformedIDsAreNotFound(t *testing.T) {
	e := newEnv(t, nil)
	e.ledgers.SeedCredits("u1", 10)

	rr := doJSON(t, e.router, http.MethodGet, "/v1/jobs/not-a-uuid", "u1", nil)
	if rr.Code != http.StatusNotFound {
		t.Fatalf("job poll status = %d, want 404 for malformed id", rr.Code)
	}

	rr = doJSON(t, e.router, http.MethodDelete, "/v1/generations/not-a-uuid", "u1", nil)
	if rr.Code != http.StatusNotFound {
		t.Fatalf("generation delete status = %d, want 404 for malformed id", rr.Code)
	}
}

func TestGenerationListHidesDeletedURLs(t *testing.T) {
	e := newEnv(t, nil)
	gen := &domain.Generation{
		ID:            "gen-1",
		UserID:        "u1",
		JobID:         "job-1",
		Kind:          domain.JobKindGenerateImage,
		ResultURLs:    []string{"https://cdn.example.com/a.png"},
		FileSizeBytes: 1_000,
	}
	if err := e.generations.Create(context.Background(), gen); err != nil {
		t.Fatal(err)
	}
	if _, err := e.generations.MarkFilesDeleted(context.Background(), "gen-1", "u1"); err != nil {
		t.Fatal(err)
	}

	rr := doJSON(t, e.router, http.MethodGet, "/v1/generations", "u1", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d", rr.Code)
	}
	var resp struct {
		Generations []struct {
			ID           string   `json:"id"`
			ResultURLs   []string `json:"result_urls"`
			FilesDeleted bool     `json:"files_deleted"`
		} `json:"generations"`
	}
	decode(t, rr, &resp)
	if len(resp.Generations) != 1 {
		t.Fatalf("generations = %d, want 1", len(resp.Generations))
	}
	if !resp.Generations[0].FilesDeleted || len(resp.Generations[0].ResultURLs) != 0 {
		t.Fatalf("deleted generation still exposes urls: %+v", resp.Generations[0])
	}
}

func TestMeCreditsUnauthenticatedReadsZero(t *testing.T) {
	e := newEnv(t, nil)
	rr := doJSON(t, e.router, http.MethodGet, "/v1/me/credits", "", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rr.Code)
	}
	var resp struct {
		Credits int64 `json:"credits"`
	}
	decode(t, rr, &resp)
	if resp.Credits != 0 {
		t.Fatalf("credits = %d, want 0", resp.Credits)
	}
}

func TestMeCreditsAuthenticated(t *testing.T) {
	e := newEnv(t, nil)
	e.ledgers.SeedCredits("u1", 42)

	rr := doJSON(t, e.router, http.MethodGet, "/v1/me/credits", "u1", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d", rr.Code)
	}
	var resp struct {
		Credits int64 `json:"credits"`
	}
	decode(t, rr, &resp)
	if resp.Credits != 42 {
		t.Fatalf("credits = %d, want 42", resp.Credits)
	}
}

func TestMeStorage(t *testing.T) {
	e := newEnv(t, nil)
	e.ledgers.SeedStorage("u1", 1_234, 10_000)

	rr := doJSON(t, e.router, http.MethodGet, "/v1/me/storage", "u1", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d", rr.Code)
	}
	var resp struct {
		UsedBytes  int64 `json:"used_bytes"`
		LimitBytes int64 `json:"limit_bytes"`
	}
	decode(t, rr, &resp)
	if resp.UsedBytes != 1_234 || resp.LimitBytes != 10_000 {
		t.Fatalf("storage = %+v", resp)
	}
}

func TestMeNotifications(t *testing.T) {
	e := newEnv(t, nil)
	if _, err := e.notifications.Insert(context.Background(), &domain.Notification{
		ID:     "n1",
		UserID: "u1",
		Type:   domain.NotificationJobCompleted,
		Title:  "Generation completed",
	}); err != nil {
		t.Fatal(err)
	}

	rr := doJSON(t, e.router, http.MethodGet, "/v1/me/notifications", "u1", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d", rr.Code)
	}
	var resp struct {
		Notifications []struct {
			Type string `json:"type"`
		} `json:"notifications"`
	}
	decode(t, rr, &resp)
	if len(resp.Notifications) != 1 || resp.Notifications[0].Type != "job_completed" {
		t.Fatalf("notifications = %+v", resp)
	}
}
