package engine

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"

	"github.com/rs/zerolog"

	"server/internal/adapter/repo"
	"server/internal/domain"
	"server/internal/ledger"
	"server/internal/notify"
	"server/internal/provider"
)

type adapterFunc func(ctx context.Context, providerRef string) (provider.Status, error)

func (f adapterFunc) Query(ctx context.Context, providerRef string) (provider.Status, error) {
	return f(ctx, providerRef)
}

type fixture struct {
	engine        *Engine
	jobs          *repo.JobRepositoryMemory
	generations   *repo.GenerationRepositoryMemory
	ledgers       *repo.LedgerRepositoryMemory
	notifications *repo.NotificationRepositoryMemory
}

func newFixture(t *testing.T, adapter provider.Adapter) *fixture {
	t.Helper()
	jobs := repo.NewJobRepositoryMemory()
	generations := repo.NewGenerationRepositoryMemory()
	ledgers := repo.NewLedgerRepositoryMemory()
	notifications := repo.NewNotificationRepositoryMemory()
	log := zerolog.Nop()
	ldg := ledger.NewService(ledgers, ledger.ReserveOnCreate{}, ledger.DefaultCreditCosts(), log)
	emitter := notify.NewStoreEmitter(notifications, log)
	eng := New(jobs, generations, ldg, adapter, emitter, DefaultConfig(), log)
	return &fixture{
		engine:        eng,
		jobs:          jobs,
		generations:   generations,
		ledgers:       ledgers,
		notifications: notifications,
	}
}

func runningAdapter(progress int) adapterFunc {
	return func(context.Context, string) (provider.Status, error) {
		return provider.Status{State: provider.StateRunning, Progress: progress}, nil
	}
}

func doneAdapter(sizeBytes int64, urls ...string) adapterFunc {
	return func(context.Context, string) (provider.Status, error) {
		return provider.Status{
			State:  provider.StateDone,
			Result: &provider.Result{URLs: urls, SizeBytes: sizeBytes},
		}, nil
	}
}

func TestEnqueueReservesCredits(t *testing.T) {
	f := newFixture(t, runningAdapter(provider.ProgressUnknown))
	f.ledgers.SeedCredits("user-1", 10)

	job, err := f.engine.Enqueue(context.Background(), "user-1", domain.JobKindGenerateImage, "op-1")
	if err != nil {
		t.Fatalf("Enqueue returned error: %v", err)
	}
	if job.Status != domain.JobStatusQueued {
		t.Fatalf("status = %q, want queued", job.Status)
	}
	if job.Version != 1 {
		t.Fatalf("version = %d, want 1", job.Version)
	}

	rec, err := f.ledgers.Get(context.Background(), "user-1")
	if err != nil {
		t.Fatal(err)
	}
	if rec.Credits != 7 {
		t.Fatalf("credits = %d, want 7 after reserving 3", rec.Credits)
	}
}

func TestEnqueueInsufficientCredits(t *testing.T) {
	f := newFixture(t, runningAdapter(provider.ProgressUnknown))
	f.ledgers.SeedCredits("user-1", 2)

	_, err := f.engine.Enqueue(context.Background(), "user-1", domain.JobKindGenerateImage, "op-1")
	if !errors.Is(err, domain.ErrInsufficientCredits) {
		t.Fatalf("err = %v, want ErrInsufficientCredits", err)
	}
}

type failingCreateJobRepo struct {
	domain.JobRepository
	createErr error
}

func (r *failingCreateJobRepo) Create(ctx context.Context, job *domain.Job) error {
	if r.createErr != nil {
		return r.createErr
	}
	return r.JobRepository.Create(ctx, job)
}

func TestEnqueueRefundsWhenCreateFails(t *testing.T) {
	jobs := &failingCreateJobRepo{
		JobRepository: repo.NewJobRepositoryMemory(),
		createErr:     errors.New("database unavailable"),
	}
	generations := repo.NewGenerationRepositoryMemory()
	ledgers := repo.NewLedgerRepositoryMemory()
	log := zerolog.Nop()
	ldg := ledger.NewService(ledgers, ledger.ReserveOnCreate{}, ledger.DefaultCreditCosts(), log)
	emitter := notify.NewStoreEmitter(repo.NewNotificationRepositoryMemory(), log)
	eng := New(jobs, generations, ldg, runningAdapter(provider.ProgressUnknown), emitter, DefaultConfig(), log)
	ledgers.SeedCredits("user-1", 10)

	if _, err := eng.Enqueue(context.Background(), "user-1", domain.JobKindGenerateImage, "op-1"); err == nil {
		t.Fatal("expected error when job insert fails")
	}

	rec, err := ledgers.Get(context.Background(), "user-1")
	if err != nil {
		t.Fatal(err)
	}
	if rec.Credits != 10 {
		t.Fatalf("credits = %d, want reservation refunded to 10", rec.Credits)
	}
}

func TestEnqueueUnsupportedKind(t *testing.T) {
	f := newFixture(t, runningAdapter(provider.ProgressUnknown))
	f.ledgers.SeedCredits("user-1", 100)

	_, err := f.engine.Enqueue(context.Background(), "user-1", domain.JobKind("hologram"), "op-1")
	if !errors.Is(err, domain.ErrUnsupportedKind) {
		t.Fatalf("err = %v, want ErrUnsupportedKind", err)
	}
}

func TestAdvanceMovesQueuedToProcessing(t *testing.T) {
	f := newFixture(t, runningAdapter(provider.ProgressUnknown))
	f.ledgers.SeedCredits("user-1", 10)
	job := mustEnqueue(t, f, "user-1", domain.JobKindGenerateImage)

	got, err := f.engine.Advance(context.Background(), job.ID, "user-1")
	if err != nil {
		t.Fatalf("Advance returned error: %v", err)
	}
	if got.Status != domain.JobStatusProcessing {
		t.Fatalf("status = %q, want processing", got.Status)
	}
	if got.Progress != 5 {
		t.Fatalf("progress = %d, want nudge to 5", got.Progress)
	}
}

func TestAdvanceProgressNudgeCapsAtNinety(t *testing.T) {
	f := newFixture(t, runningAdapter(provider.ProgressUnknown))
	f.ledgers.SeedCredits("user-1", 10)
	job := mustEnqueue(t, f, "user-1", domain.JobKindGenerateImage)

	var got *domain.Job
	var err error
	for i := 0; i < 30; i++ {
		got, err = f.engine.Advance(context.Background(), job.ID, "user-1")
		if err != nil {
			t.Fatalf("Advance returned error: %v", err)
		}
	}
	if got.Progress != 90 {
		t.Fatalf("progress = %d, want capped at 90", got.Progress)
	}
}

func TestAdvanceProgressNeverDecreases(t *testing.T) {
	f := newFixture(t, runningAdapter(70))
	f.ledgers.SeedCredits("user-1", 10)
	job := mustEnqueue(t, f, "user-1", domain.JobKindGenerateImage)

	got, err := f.engine.Advance(context.Background(), job.ID, "user-1")
	if err != nil {
		t.Fatal(err)
	}
	if got.Progress != 70 {
		t.Fatalf("progress = %d, want 70", got.Progress)
	}

	// The upstream reports a lower number on the next poll; the stored value
	// must hold.
	f2 := runningAdapter(40)
	f.engine.adapter = f2
	got, err = f.engine.Advance(context.Background(), job.ID, "user-1")
	if err != nil {
		t.Fatal(err)
	}
	if got.Progress != 70 {
		t.Fatalf("progress = %d, want monotonic 70", got.Progress)
	}
}

func TestAdvanceClampsReportedProgress(t *testing.T) {
	f := newFixture(t, runningAdapter(250))
	f.ledgers.SeedCredits("user-1", 10)
	job := mustEnqueue(t, f, "user-1", domain.JobKindGenerateImage)

	got, err := f.engine.Advance(context.Background(), job.ID, "user-1")
	if err != nil {
		t.Fatal(err)
	}
	if got.Progress != 100 {
		t.Fatalf("progress = %d, want clamped to 100", got.Progress)
	}
}

func TestAdvanceCompletionRecordsGenerationAndStorage(t *testing.T) {
	f := newFixture(t, doneAdapter(5_000_000, "https://cdn.example.com/a.png"))
	f.ledgers.SeedCredits("user-1", 10)
	job := mustEnqueue(t, f, "user-1", domain.JobKindGenerateImage)

	got, err := f.engine.Advance(context.Background(), job.ID, "user-1")
	if err != nil {
		t.Fatalf("Advance returned error: %v", err)
	}
	if got.Status != domain.JobStatusCompleted {
		t.Fatalf("status = %q, want completed", got.Status)
	}
	if got.Progress != 100 {
		t.Fatalf("progress = %d, want 100", got.Progress)
	}
	if !got.Settled() {
		t.Fatal("job not settled after completion")
	}

	var res domain.JobResult
	if err := json.Unmarshal(got.Result, &res); err != nil {
		t.Fatalf("decode result: %v", err)
	}
	if res.FileSizeBytes != 5_000_000 {
		t.Fatalf("file_size_bytes = %d, want 5000000", res.FileSizeBytes)
	}

	gens, err := f.generations.ListByUser(context.Background(), "user-1", 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(gens) != 1 {
		t.Fatalf("generations = %d, want 1", len(gens))
	}
	if gens[0].JobID != job.ID || gens[0].FileSizeBytes != 5_000_000 {
		t.Fatalf("generation mismatch: %+v", gens[0])
	}

	rec, err := f.ledgers.Get(context.Background(), "user-1")
	if err != nil {
		t.Fatal(err)
	}
	if rec.StorageUsedBytes != 5_000_000 {
		t.Fatalf("storage used = %d, want 5000000", rec.StorageUsedBytes)
	}
	// Reservation policy: the enqueue debit stands, no refund on success.
	if rec.Credits != 7 {
		t.Fatalf("credits = %d, want 7", rec.Credits)
	}

	notes, err := f.notifications.ListByUser(context.Background(), "user-1", 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(notes) != 1 || notes[0].Type != domain.NotificationJobCompleted {
		t.Fatalf("notifications = %+v, want one job_completed", notes)
	}
}

func TestAdvanceUpstreamFailureRefunds(t *testing.T) {
	f := newFixture(t, adapterFunc(func(context.Context, string) (provider.Status, error) {
		return provider.Status{State: provider.StateError, Reason: "content policy"}, nil
	}))
	f.ledgers.SeedCredits("user-1", 10)
	job := mustEnqueue(t, f, "user-1", domain.JobKindGenerateImage)

	got, err := f.engine.Advance(context.Background(), job.ID, "user-1")
	if err != nil {
		t.Fatalf("Advance returned error: %v", err)
	}
	if got.Status != domain.JobStatusFailed {
		t.Fatalf("status = %q, want failed", got.Status)
	}
	if got.ErrorMessage != "content policy" {
		t.Fatalf("error = %q, want upstream reason", got.ErrorMessage)
	}

	rec, err := f.ledgers.Get(context.Background(), "user-1")
	if err != nil {
		t.Fatal(err)
	}
	if rec.Credits != 10 {
		t.Fatalf("credits = %d, want full refund to 10", rec.Credits)
	}

	notes, err := f.notifications.ListByUser(context.Background(), "user-1", 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(notes) != 1 || notes[0].Type != domain.NotificationJobFailed {
		t.Fatalf("notifications = %+v, want one job_failed", notes)
	}
}

func TestAdvanceRetryBudget(t *testing.T) {
	f := newFixture(t, adapterFunc(func(context.Context, string) (provider.Status, error) {
		return provider.Status{}, errors.New("connection refused")
	}))
	f.ledgers.SeedCredits("user-1", 10)
	job := mustEnqueue(t, f, "user-1", domain.JobKindGenerateImage)

	// Budget is 3: the first two transport faults only move the counter.
	for i := 1; i <= 2; i++ {
		got, err := f.engine.Advance(context.Background(), job.ID, "user-1")
		if err != nil {
			t.Fatalf("Advance %d returned error: %v", i, err)
		}
		if got.Terminal() {
			t.Fatalf("job terminal after %d faults", i)
		}
		if got.RetryCount != i {
			t.Fatalf("retry count = %d, want %d", got.RetryCount, i)
		}
	}

	got, err := f.engine.Advance(context.Background(), job.ID, "user-1")
	if err != nil {
		t.Fatalf("Advance returned error: %v", err)
	}
	if got.Status != domain.JobStatusFailed {
		t.Fatalf("status = %q, want failed on third fault", got.Status)
	}
	if got.ErrorMessage != domain.ErrorReasonTransient {
		t.Fatalf("error = %q, want %q", got.ErrorMessage, domain.ErrorReasonTransient)
	}

	rec, err := f.ledgers.Get(context.Background(), "user-1")
	if err != nil {
		t.Fatal(err)
	}
	if rec.Credits != 10 {
		t.Fatalf("credits = %d, want refunded 10", rec.Credits)
	}
}

func TestAdvanceProgressResetsRetryCount(t *testing.T) {
	faulty := true
	f := newFixture(t, adapterFunc(func(context.Context, string) (provider.Status, error) {
		if faulty {
			return provider.Status{}, errors.New("timeout")
		}
		return provider.Status{State: provider.StateRunning, Progress: 10}, nil
	}))
	f.ledgers.SeedCredits("user-1", 10)
	job := mustEnqueue(t, f, "user-1", domain.JobKindGenerateImage)

	if _, err := f.engine.Advance(context.Background(), job.ID, "user-1"); err != nil {
		t.Fatal(err)
	}
	faulty = false
	got, err := f.engine.Advance(context.Background(), job.ID, "user-1")
	if err != nil {
		t.Fatal(err)
	}
	if got.RetryCount != 0 {
		t.Fatalf("retry count = %d, want reset to 0", got.RetryCount)
	}
}

func TestAdvanceOwnershipIsolation(t *testing.T) {
	f := newFixture(t, runningAdapter(provider.ProgressUnknown))
	f.ledgers.SeedCredits("user-1", 10)
	job := mustEnqueue(t, f, "user-1", domain.JobKindGenerateImage)

	_, err := f.engine.Advance(context.Background(), job.ID, "user-2")
	if !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound for foreign job", err)
	}
}

func TestAdvanceTerminalIsPureRead(t *testing.T) {
	f := newFixture(t, doneAdapter(1_000))
	f.ledgers.SeedCredits("user-1", 10)
	job := mustEnqueue(t, f, "user-1", domain.JobKindGenerateImage)

	if _, err := f.engine.Advance(context.Background(), job.ID, "user-1"); err != nil {
		t.Fatal(err)
	}
	entriesAfterSettle := len(f.ledgers.Entries())

	for i := 0; i < 5; i++ {
		got, err := f.engine.Advance(context.Background(), job.ID, "user-1")
		if err != nil {
			t.Fatal(err)
		}
		if got.Status != domain.JobStatusCompleted {
			t.Fatalf("status = %q, want completed", got.Status)
		}
	}
	if got := len(f.ledgers.Entries()); got != entriesAfterSettle {
		t.Fatalf("ledger entries grew from %d to %d on terminal polls", entriesAfterSettle, got)
	}

	gens, err := f.generations.ListByUser(context.Background(), "user-1", 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(gens) != 1 {
		t.Fatalf("generations = %d, want still 1", len(gens))
	}
}

func TestAdvanceConcurrentSettlementAppliesOnce(t *testing.T) {
	f := newFixture(t, doneAdapter(2_000_000, "https://cdn.example.com/a.png"))
	f.ledgers.SeedCredits("user-1", 10)
	job := mustEnqueue(t, f, "user-1", domain.JobKindGenerateImage)

	const workers = 16
	var wg sync.WaitGroup
	errs := make(chan error, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			got, err := f.engine.Advance(context.Background(), job.ID, "user-1")
			if err != nil {
				errs <- err
				return
			}
			if got.Status != domain.JobStatusCompleted {
				errs <- errors.New("non-completed status observed: " + string(got.Status))
			}
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Fatal(err)
	}

	rec, err := f.ledgers.Get(context.Background(), "user-1")
	if err != nil {
		t.Fatal(err)
	}
	if rec.StorageUsedBytes != 2_000_000 {
		t.Fatalf("storage used = %d, want exactly one 2000000 application", rec.StorageUsedBytes)
	}

	gens, err := f.generations.ListByUser(context.Background(), "user-1", 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(gens) != 1 {
		t.Fatalf("generations = %d, want 1", len(gens))
	}

	notes, err := f.notifications.ListByUser(context.Background(), "user-1", 100)
	if err != nil {
		t.Fatal(err)
	}
	if len(notes) != 1 {
		t.Fatalf("notifications = %d, want deduplicated to 1", len(notes))
	}
}

func TestAdvanceStorageWarningEmittedOnce(t *testing.T) {
	f := newFixture(t, doneAdapter(900))
	f.ledgers.SeedCredits("user-1", 10)
	f.ledgers.SeedStorage("user-1", 0, 1_000)
	job := mustEnqueue(t, f, "user-1", domain.JobKindGenerateImage)

	if _, err := f.engine.Advance(context.Background(), job.ID, "user-1"); err != nil {
		t.Fatal(err)
	}

	notes, err := f.notifications.ListByUser(context.Background(), "user-1", 10)
	if err != nil {
		t.Fatal(err)
	}
	warnings := 0
	for _, n := range notes {
		if n.Type == domain.NotificationStorageWarning {
			warnings++
		}
	}
	if warnings != 1 {
		t.Fatalf("storage warnings = %d, want 1", warnings)
	}

	rec, err := f.ledgers.Get(context.Background(), "user-1")
	if err != nil {
		t.Fatal(err)
	}
	if rec.WarningSentAt == nil {
		t.Fatal("warning marker not stamped")
	}
}

func TestAdvanceOverLimitStampsExpiry(t *testing.T) {
	f := newFixture(t, doneAdapter(1_500))
	f.ledgers.SeedCredits("user-1", 10)
	f.ledgers.SeedStorage("user-1", 0, 1_000)
	job := mustEnqueue(t, f, "user-1", domain.JobKindGenerateImage)

	if _, err := f.engine.Advance(context.Background(), job.ID, "user-1"); err != nil {
		t.Fatal(err)
	}

	notes, err := f.notifications.ListByUser(context.Background(), "user-1", 10)
	if err != nil {
		t.Fatal(err)
	}
	critical := false
	for _, n := range notes {
		if n.Type == domain.NotificationStorageCritical {
			critical = true
		}
	}
	if !critical {
		t.Fatal("no storage_critical notification emitted")
	}

	gens, err := f.generations.ListByUser(context.Background(), "user-1", 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(gens) != 1 || gens[0].ExpiresAt == nil {
		t.Fatalf("generation expiry not stamped: %+v", gens)
	}
}

func mustEnqueue(t *testing.T, f *fixture, userID string, kind domain.JobKind) *domain.Job {
	t.Helper()
	job, err := f.engine.Enqueue(context.Background(), userID, kind, "op-"+userID)
	if err != nil {
		t.Fatalf("Enqueue returned error: %v", err)
	}
	return job
}
