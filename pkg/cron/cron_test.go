package cron

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/kai648846760/iflow-bot/pkg/bus"
)

var errBoom = errors.New("boom")

func int64p(v int64) *int64 { return &v }
func strp(v string) *string { return &v }

func newTestScheduler(t *testing.T) (*Scheduler, string) {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "jobs.json")
	return New(path, bus.New(8, nil)), path
}

func TestAddJobAssignsIDAndPersists(t *testing.T) {
	s, path := newTestScheduler(t)
	job, err := s.AddJob(context.Background(), Job{
		Name:     "ping",
		Enabled:  true,
		Schedule: Schedule{Kind: ScheduleEvery, EveryMs: int64p(1000)},
	})
	if err != nil {
		t.Fatalf("AddJob() error: %v", err)
	}
	if job.ID == "" {
		t.Fatal("expected a generated job ID")
	}
	if job.State.NextRunAtMs == nil {
		t.Fatal("expected NextRunAtMs to be computed")
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read store: %v", err)
	}
	var store Store
	if err := json.Unmarshal(data, &store); err != nil {
		t.Fatalf("unmarshal store: %v", err)
	}
	if len(store.Jobs) != 1 || store.Jobs[0].ID != job.ID {
		t.Errorf("store.Jobs = %+v", store.Jobs)
	}
}

func TestGetJobAndListJobs(t *testing.T) {
	s, _ := newTestScheduler(t)
	enabled, _ := s.AddJob(context.Background(), Job{Name: "enabled-job", Enabled: true, Schedule: Schedule{Kind: ScheduleEvery, EveryMs: int64p(1000)}})
	disabled, _ := s.AddJob(context.Background(), Job{Name: "disabled-job", Enabled: false, Schedule: Schedule{Kind: ScheduleEvery, EveryMs: int64p(1000)}})

	if got, ok := s.GetJob(enabled.ID); !ok || got.Name != "enabled-job" {
		t.Errorf("GetJob(enabled) = (%+v, %v)", got, ok)
	}
	if _, ok := s.GetJob("nonexistent"); ok {
		t.Error("expected GetJob on unknown id to report false")
	}

	onlyEnabled := s.ListJobs(false)
	if len(onlyEnabled) != 1 || onlyEnabled[0].ID != enabled.ID {
		t.Errorf("ListJobs(false) = %+v", onlyEnabled)
	}

	all := s.ListJobs(true)
	if len(all) != 2 {
		t.Errorf("ListJobs(true) = %+v, want both jobs", all)
	}
	_ = disabled
}

func TestRemoveJob(t *testing.T) {
	s, _ := newTestScheduler(t)
	job, _ := s.AddJob(context.Background(), Job{Name: "temp", Enabled: true, Schedule: Schedule{Kind: ScheduleEvery, EveryMs: int64p(1000)}})

	ok, err := s.RemoveJob(job.ID)
	if err != nil || !ok {
		t.Fatalf("RemoveJob() = (%v, %v)", ok, err)
	}
	if _, found := s.GetJob(job.ID); found {
		t.Error("expected job gone after RemoveJob")
	}

	ok, err = s.RemoveJob(job.ID)
	if err != nil || ok {
		t.Errorf("RemoveJob() on already-removed id = (%v, %v), want (false, nil)", ok, err)
	}
}

func TestEnableJobRecomputesNextRun(t *testing.T) {
	s, _ := newTestScheduler(t)
	job, _ := s.AddJob(context.Background(), Job{Name: "toggle", Enabled: false, Schedule: Schedule{Kind: ScheduleEvery, EveryMs: int64p(60000)}})
	if job.State.NextRunAtMs != nil {
		t.Fatal("expected no NextRunAtMs while disabled")
	}

	ok, err := s.EnableJob(context.Background(), job.ID, true)
	if err != nil || !ok {
		t.Fatalf("EnableJob() = (%v, %v)", ok, err)
	}
	got, _ := s.GetJob(job.ID)
	if got.State.NextRunAtMs == nil {
		t.Error("expected NextRunAtMs computed after enabling")
	}
	if !got.Enabled {
		t.Error("expected Enabled true")
	}
}

func TestEnableJobUnknownID(t *testing.T) {
	s, _ := newTestScheduler(t)
	ok, err := s.EnableJob(context.Background(), "missing", true)
	if err != nil || ok {
		t.Errorf("EnableJob(missing) = (%v, %v), want (false, nil)", ok, err)
	}
}

func TestTriggerJobRunsOnJobAndDelivers(t *testing.T) {
	b := bus.New(8, nil)
	dir := t.TempDir()
	s := New(filepath.Join(dir, "jobs.json"), b)

	var gotJob Job
	s.OnJob = func(ctx context.Context, j Job) (string, error) {
		gotJob = j
		return "reminder fired", nil
	}

	job, _ := s.AddJob(context.Background(), Job{
		Name:     "deliver-me",
		Enabled:  true,
		Schedule: Schedule{Kind: ScheduleEvery, EveryMs: int64p(1000)},
		Payload:  Payload{Kind: PayloadReminder, Message: "hi", Deliver: true, Channel: strp("telegram"), To: strp("chat-1")},
	})

	result, err := s.TriggerJob(context.Background(), job.ID)
	if err != nil {
		t.Fatalf("TriggerJob() error: %v", err)
	}
	if result != "reminder fired" {
		t.Errorf("result = %q", result)
	}
	if gotJob.ID != job.ID {
		t.Errorf("OnJob called with job %+v, want id %q", gotJob, job.ID)
	}

	msg, ok := b.ConsumeOutbound(nil)
	if !ok {
		t.Fatal("expected a delivered outbound message")
	}
	if msg.Content != "reminder fired" || msg.Channel != "telegram" || msg.ChatID != "chat-1" {
		t.Errorf("delivered message = %+v", msg)
	}

	updated, _ := s.GetJob(job.ID)
	if updated.State.LastStatus == nil || *updated.State.LastStatus != StatusOK {
		t.Errorf("LastStatus = %+v, want ok", updated.State.LastStatus)
	}
}

func TestTriggerJobUnknownID(t *testing.T) {
	s, _ := newTestScheduler(t)
	result, err := s.TriggerJob(context.Background(), "nope")
	if err != nil || result != "" {
		t.Errorf("TriggerJob(unknown) = (%q, %v), want (\"\", nil)", result, err)
	}
}

func TestTriggerJobErrorSetsErrorStatusAndPrefixesDelivery(t *testing.T) {
	b := bus.New(8, nil)
	dir := t.TempDir()
	s := New(filepath.Join(dir, "jobs.json"), b)
	s.OnJob = func(ctx context.Context, j Job) (string, error) {
		return "", errBoom
	}

	job, _ := s.AddJob(context.Background(), Job{
		Name:     "will-fail",
		Enabled:  true,
		Schedule: Schedule{Kind: ScheduleEvery, EveryMs: int64p(1000)},
		Payload:  Payload{Kind: PayloadReminder, Deliver: true, Channel: strp("discord"), To: strp("c1")},
	})

	if _, err := s.TriggerJob(context.Background(), job.ID); err == nil {
		t.Fatal("expected TriggerJob to surface the OnJob error")
	}

	updated, _ := s.GetJob(job.ID)
	if updated.State.LastStatus == nil || *updated.State.LastStatus != StatusError {
		t.Errorf("LastStatus = %+v, want error", updated.State.LastStatus)
	}
	if updated.State.LastError == nil || *updated.State.LastError != errBoom.Error() {
		t.Errorf("LastError = %+v", updated.State.LastError)
	}

	msg, ok := b.ConsumeOutbound(nil)
	if !ok {
		t.Fatal("expected an error-notice delivery")
	}
	if !containsSubstr(msg.Content, "will-fail") || !containsSubstr(msg.Content, errBoom.Error()) {
		t.Errorf("delivered error content = %q", msg.Content)
	}
}

func TestExecuteJobDeleteAfterRun(t *testing.T) {
	s, _ := newTestScheduler(t)
	s.OnJob = func(ctx context.Context, j Job) (string, error) { return "", nil }

	job, _ := s.AddJob(context.Background(), Job{
		Name:           "one-shot",
		Enabled:        true,
		Schedule:       Schedule{Kind: ScheduleEvery, EveryMs: int64p(1000)},
		DeleteAfterRun: true,
	})
	if _, err := s.TriggerJob(context.Background(), job.ID); err != nil {
		t.Fatalf("TriggerJob() error: %v", err)
	}
	if _, ok := s.GetJob(job.ID); ok {
		t.Error("expected DeleteAfterRun job removed after firing")
	}
}

func TestExecuteJobAtScheduleDeletesAfterRun(t *testing.T) {
	s, _ := newTestScheduler(t)
	s.OnJob = func(ctx context.Context, j Job) (string, error) { return "", nil }

	job, _ := s.AddJob(context.Background(), Job{
		Name:     "one-time",
		Enabled:  true,
		Schedule: Schedule{Kind: ScheduleAt, AtMs: int64p(nowMs() + 1000)},
	})
	if _, err := s.TriggerJob(context.Background(), job.ID); err != nil {
		t.Fatalf("TriggerJob() error: %v", err)
	}
	if _, ok := s.GetJob(job.ID); ok {
		t.Error("expected ScheduleAt job removed after firing regardless of DeleteAfterRun")
	}
}

func TestCalculateNextRunEvery(t *testing.T) {
	s, _ := newTestScheduler(t)
	job := &Job{Schedule: Schedule{Kind: ScheduleEvery, EveryMs: int64p(5000)}}
	next := s.calculateNextRun(job)
	if next == nil {
		t.Fatal("expected non-nil next run")
	}
	now := nowMs()
	if *next < now || *next > now+5000+50 {
		t.Errorf("next = %d, want within [%d, %d]", *next, now, now+5000+50)
	}
}

func TestCalculateNextRunEveryZeroOrNilDisables(t *testing.T) {
	s, _ := newTestScheduler(t)
	if got := s.calculateNextRun(&Job{Schedule: Schedule{Kind: ScheduleEvery, EveryMs: int64p(0)}}); got != nil {
		t.Errorf("EveryMs=0 should disable, got %v", *got)
	}
	if got := s.calculateNextRun(&Job{Schedule: Schedule{Kind: ScheduleEvery}}); got != nil {
		t.Errorf("nil EveryMs should disable, got %v", *got)
	}
}

func TestCalculateNextRunAtStaleWindow(t *testing.T) {
	s, _ := newTestScheduler(t)
	past := nowMs() - staleAtWindow.Milliseconds() - 1000
	got := s.calculateNextRun(&Job{Schedule: Schedule{Kind: ScheduleAt, AtMs: int64p(past)}})
	if got != nil {
		t.Errorf("expected nil for an at() time well past the stale window, got %v", *got)
	}
}

func TestCalculateNextRunAtWithinStaleWindowStillFires(t *testing.T) {
	s, _ := newTestScheduler(t)
	recent := nowMs() - staleAtWindow.Milliseconds() + 1000
	got := s.calculateNextRun(&Job{Schedule: Schedule{Kind: ScheduleAt, AtMs: int64p(recent)}})
	if got == nil || *got != recent {
		t.Errorf("expected at() within the stale window to keep firing at its own timestamp, got %v", got)
	}
}

func TestCalculateNextRunCronKeywords(t *testing.T) {
	s, _ := newTestScheduler(t)
	now := nowMs()

	hourly := s.calculateNextRun(&Job{Schedule: Schedule{Kind: ScheduleCron, Expr: strp("hourly")}})
	if hourly == nil || *hourly-now < int64(time.Hour/time.Millisecond)-1000 {
		t.Errorf("hourly next = %v", hourly)
	}

	every30 := s.calculateNextRun(&Job{Schedule: Schedule{Kind: ScheduleCron, Expr: strp("every 30")}})
	if every30 == nil || *every30-now < 29000 {
		t.Errorf("every 30 next = %v", every30)
	}
}

func TestCalculateNextRunCronEmptyExprDisables(t *testing.T) {
	s, _ := newTestScheduler(t)
	if got := s.calculateNextRun(&Job{Schedule: Schedule{Kind: ScheduleCron, Expr: strp("  ")}}); got != nil {
		t.Errorf("blank cron expr should disable, got %v", *got)
	}
	if got := s.calculateNextRun(&Job{Schedule: Schedule{Kind: ScheduleCron}}); got != nil {
		t.Errorf("nil cron expr should disable, got %v", *got)
	}
}

func TestCalculateNextRunRealCronExpr(t *testing.T) {
	s, _ := newTestScheduler(t)
	next := s.calculateNextRun(&Job{Schedule: Schedule{Kind: ScheduleCron, Expr: strp("*/5 * * * *")}})
	if next == nil {
		t.Fatal("expected a computed next run for a valid cron expression")
	}
	if *next <= nowMs() {
		t.Errorf("next = %d, want strictly in the future", *next)
	}
}

func TestCalculateNextRunInvalidCronExprDisables(t *testing.T) {
	s, _ := newTestScheduler(t)
	got := s.calculateNextRun(&Job{Schedule: Schedule{Kind: ScheduleCron, Expr: strp("not a valid expression !!!")}})
	if got != nil {
		t.Errorf("expected nil next run for an unparsable cron expression, got %v", *got)
	}
}

func TestStartLoadsPersistedJobsAndRearms(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "jobs.json")

	seed := New(path, bus.New(8, nil))
	job, err := seed.AddJob(context.Background(), Job{Name: "seeded", Enabled: true, Schedule: Schedule{Kind: ScheduleEvery, EveryMs: int64p(60000)}})
	if err != nil {
		t.Fatalf("seed AddJob: %v", err)
	}

	reloaded := New(path, bus.New(8, nil))
	if err := reloaded.Start(context.Background()); err != nil {
		t.Fatalf("Start() error: %v", err)
	}
	defer reloaded.Stop()

	got, ok := reloaded.GetJob(job.ID)
	if !ok || got.Name != "seeded" {
		t.Errorf("GetJob() after Start() = (%+v, %v)", got, ok)
	}
}

func TestStartEmptyStoreIsFine(t *testing.T) {
	dir := t.TempDir()
	s := New(filepath.Join(dir, "jobs.json"), bus.New(8, nil))
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start() on empty store error: %v", err)
	}
	defer s.Stop()
	if len(s.ListJobs(true)) != 0 {
		t.Error("expected no jobs from an empty store")
	}
}

func containsSubstr(haystack, needle string) bool {
	return strings.Contains(haystack, needle)
}
