package cron

import (
	"context"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/adhocore/gronx"
	"github.com/google/uuid"

	"github.com/kai648846760/iflow-bot/pkg/bus"
	"github.com/kai648846760/iflow-bot/pkg/constants"
	"github.com/kai648846760/iflow-bot/pkg/logger"
)

// staleAtWindow matches spec.md §4.8/§3: an at() job whose timestamp is
// more than this far in the past never re-arms.
const staleAtWindow = 5 * time.Minute

// OnJob is invoked once per due job, in next_run_at_ms order. The
// returned string, if non-empty, becomes the delivered Outbound content
// when the job's payload requests delivery.
type OnJob func(ctx context.Context, job Job) (string, error)

// Scheduler is the timer-wheel Scheduler (C8): a single armed
// time.Timer rearmed to the minimum next_run_at_ms across all enabled
// jobs, rather than the original's 1s poll loop (see DESIGN.md).
type Scheduler struct {
	store *fileStore
	bus   *bus.MessageBus
	OnJob OnJob

	mu   sync.Mutex
	jobs map[string]*Job

	timer   *time.Timer
	stop    chan struct{}
	stopped sync.Once
}

// New constructs a Scheduler backed by the JSON file at storePath.
func New(storePath string, b *bus.MessageBus) *Scheduler {
	return &Scheduler{
		store: newFileStore(storePath),
		bus:   b,
		jobs:  make(map[string]*Job),
		stop:  make(chan struct{}),
	}
}

// Start loads persisted jobs, arms the timer, and spawns the external
// file-edit watcher.
func (s *Scheduler) Start(ctx context.Context) error {
	jobs, err := s.store.load()
	if err != nil {
		return err
	}

	s.mu.Lock()
	for i := range jobs {
		j := jobs[i]
		s.jobs[j.ID] = &j
	}
	s.mu.Unlock()

	s.recomputeAll()
	s.rearm(ctx)

	go s.watchLoop(ctx)

	logger.InfoCF("cron", "scheduler started", map[string]interface{}{"jobs": len(jobs)})
	return nil
}

// Stop disarms the timer and stops the file watcher.
func (s *Scheduler) Stop() {
	s.stopped.Do(func() { close(s.stop) })
	s.mu.Lock()
	if s.timer != nil {
		s.timer.Stop()
	}
	s.mu.Unlock()
}

// AddJob registers a new job, computing its initial next_run_at_ms.
func (s *Scheduler) AddJob(ctx context.Context, job Job) (Job, error) {
	if job.ID == "" {
		job.ID = uuid.NewString()[:8]
	}
	now := nowMs()
	job.CreatedAtMs = now
	job.UpdatedAtMs = now

	s.mu.Lock()
	next := s.calculateNextRun(&job)
	job.State.NextRunAtMs = next
	s.jobs[job.ID] = &job
	jobsCopy := s.snapshotLocked()
	s.mu.Unlock()

	if err := s.store.save(jobsCopy); err != nil {
		return job, err
	}
	s.rearm(ctx)
	logger.InfoCF("cron", "added cron job", map[string]interface{}{"id": job.ID, "name": job.Name})
	return job, nil
}

// RemoveJob deletes a job by id.
func (s *Scheduler) RemoveJob(job string) (bool, error) {
	s.mu.Lock()
	if _, ok := s.jobs[job]; !ok {
		s.mu.Unlock()
		return false, nil
	}
	delete(s.jobs, job)
	jobsCopy := s.snapshotLocked()
	s.mu.Unlock()

	if err := s.store.save(jobsCopy); err != nil {
		return true, err
	}
	logger.InfoCF("cron", "removed cron job", map[string]interface{}{"id": job})
	return true, nil
}

// EnableJob toggles a job and, when enabling, recomputes its next run.
func (s *Scheduler) EnableJob(ctx context.Context, id string, enabled bool) (bool, error) {
	s.mu.Lock()
	j, ok := s.jobs[id]
	if !ok {
		s.mu.Unlock()
		return false, nil
	}
	j.Enabled = enabled
	j.UpdatedAtMs = nowMs()
	if enabled {
		j.State.NextRunAtMs = s.calculateNextRun(j)
	}
	jobsCopy := s.snapshotLocked()
	s.mu.Unlock()

	if err := s.store.save(jobsCopy); err != nil {
		return true, err
	}
	s.rearm(ctx)
	return true, nil
}

// GetJob returns a copy of a job by id.
func (s *Scheduler) GetJob(id string) (Job, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok {
		return Job{}, false
	}
	return *j, true
}

// ListJobs returns all jobs, or only enabled ones.
func (s *Scheduler) ListJobs(includeDisabled bool) []Job {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Job, 0, len(s.jobs))
	for _, j := range s.jobs {
		if includeDisabled || j.Enabled {
			out = append(out, *j)
		}
	}
	sort.Slice(out, func(i, k int) bool { return out[i].ID < out[k].ID })
	return out
}

// TriggerJob runs a job immediately, outside its normal schedule.
func (s *Scheduler) TriggerJob(ctx context.Context, id string) (string, error) {
	s.mu.Lock()
	j, ok := s.jobs[id]
	s.mu.Unlock()
	if !ok {
		return "", nil
	}
	return s.executeJob(ctx, j)
}

func (s *Scheduler) snapshotLocked() []Job {
	out := make([]Job, 0, len(s.jobs))
	for _, j := range s.jobs {
		out = append(out, *j)
	}
	return out
}

func (s *Scheduler) recomputeAll() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, j := range s.jobs {
		if j.Enabled && j.State.NextRunAtMs == nil {
			j.State.NextRunAtMs = s.calculateNextRun(j)
		}
	}
}

func (s *Scheduler) rearm(ctx context.Context) {
	s.mu.Lock()
	if s.timer != nil {
		s.timer.Stop()
	}

	var min *int64
	now := nowMs()
	for _, j := range s.jobs {
		if !j.Enabled || j.State.NextRunAtMs == nil {
			continue
		}
		if min == nil || *j.State.NextRunAtMs < *min {
			v := *j.State.NextRunAtMs
			min = &v
		}
	}
	s.mu.Unlock()

	if min == nil {
		return
	}

	delay := time.Duration(*min-now) * time.Millisecond
	if delay < 0 {
		delay = 0
	}

	s.mu.Lock()
	s.timer = time.AfterFunc(delay, func() { s.fire(ctx) })
	s.mu.Unlock()
}

func (s *Scheduler) fire(ctx context.Context) {
	now := nowMs()

	s.mu.Lock()
	var due []*Job
	for _, j := range s.jobs {
		if j.Enabled && j.State.NextRunAtMs != nil && *j.State.NextRunAtMs <= now {
			due = append(due, j)
		}
	}
	sort.Slice(due, func(i, k int) bool { return *due[i].State.NextRunAtMs < *due[k].State.NextRunAtMs })
	s.mu.Unlock()

	for _, j := range due {
		_, _ = s.executeJob(ctx, j)
	}

	s.persistAndRearm(ctx)
}

func (s *Scheduler) executeJob(ctx context.Context, j *Job) (string, error) {
	logger.InfoCF("cron", "executing cron job", map[string]interface{}{"id": j.ID, "name": j.Name})

	now := nowMs()
	var result string
	var execErr error

	s.mu.Lock()
	j.State.LastRunAtMs = &now
	s.mu.Unlock()

	if s.OnJob != nil {
		result, execErr = s.OnJob(ctx, *j)
	}

	s.mu.Lock()
	if execErr != nil {
		status := StatusError
		msg := execErr.Error()
		j.State.LastStatus = &status
		j.State.LastError = &msg
		logger.ErrorCF("cron", "cron job failed", map[string]interface{}{"id": j.ID, "error": msg})
	} else {
		status := StatusOK
		j.State.LastStatus = &status
		j.State.LastError = nil
	}

	deliverChannel, deliverTo := "", ""
	if j.Payload.Channel != nil {
		deliverChannel = *j.Payload.Channel
	}
	if j.Payload.To != nil {
		deliverTo = *j.Payload.To
	}
	deliver := j.Payload.Deliver && deliverChannel != "" && deliverTo != ""

	if j.Schedule.Kind == ScheduleAt || j.DeleteAfterRun {
		delete(s.jobs, j.ID)
	} else {
		j.State.NextRunAtMs = s.calculateNextRun(j)
		j.UpdatedAtMs = now
	}
	s.mu.Unlock()

	if deliver && s.bus != nil {
		content := result
		if execErr != nil {
			content = constants.ErrorNoticePrefix + " cron job \"" + j.Name + "\" failed: " + execErr.Error()
		}
		if content != "" {
			s.bus.PublishOutbound(bus.OutboundMessage{Channel: deliverChannel, ChatID: deliverTo, Content: content})
		}
	}

	return result, execErr
}

func (s *Scheduler) persistAndRearm(ctx context.Context) {
	s.mu.Lock()
	jobsCopy := s.snapshotLocked()
	s.mu.Unlock()

	if err := s.store.save(jobsCopy); err != nil {
		logger.ErrorCF("cron", "failed to persist after execution", map[string]interface{}{"error": err.Error()})
	}
	s.rearm(ctx)
}

// calculateNextRun must be called with s.mu held.
func (s *Scheduler) calculateNextRun(j *Job) *int64 {
	now := nowMs()

	switch j.Schedule.Kind {
	case ScheduleEvery:
		if j.Schedule.EveryMs == nil || *j.Schedule.EveryMs <= 0 {
			return nil
		}
		last := now
		if j.State.LastRunAtMs != nil {
			last = *j.State.LastRunAtMs
		}
		next := last + *j.Schedule.EveryMs
		return &next

	case ScheduleAt:
		if j.Schedule.AtMs == nil {
			return nil
		}
		if *j.Schedule.AtMs <= now-staleAtWindow.Milliseconds() {
			return nil
		}
		v := *j.Schedule.AtMs
		return &v

	case ScheduleCron:
		if j.Schedule.Expr == nil || strings.TrimSpace(*j.Schedule.Expr) == "" {
			return nil
		}
		next, err := nextCronRun(*j.Schedule.Expr, j.Schedule.TZ, now)
		if err != nil {
			logger.ErrorCF("cron", "failed to parse cron expression", map[string]interface{}{"expr": *j.Schedule.Expr, "error": err.Error()})
			return nil
		}
		return next
	}
	return nil
}

// nextCronRun tries the small built-in keyword vocabulary first (the
// original's "hourly"/"daily"/"weekly"/"every N" shortcuts), then falls
// back to gronx for a genuine cron expression evaluated in tz.
func nextCronRun(expr string, tz *string, nowMsVal int64) (*int64, error) {
	trimmed := strings.ToLower(strings.TrimSpace(expr))

	switch {
	case trimmed == "hourly":
		v := nowMsVal + int64(time.Hour/time.Millisecond)
		return &v, nil
	case trimmed == "daily":
		v := nowMsVal + int64(24*time.Hour/time.Millisecond)
		return &v, nil
	case trimmed == "weekly":
		v := nowMsVal + int64(7*24*time.Hour/time.Millisecond)
		return &v, nil
	case strings.HasPrefix(trimmed, "every "):
		fields := strings.Fields(trimmed)
		if len(fields) == 2 {
			if seconds, err := strconv.Atoi(fields[1]); err == nil {
				v := nowMsVal + int64(seconds)*1000
				return &v, nil
			}
		}
	}

	loc := time.UTC
	if tz != nil && strings.TrimSpace(*tz) != "" {
		if l, err := time.LoadLocation(*tz); err == nil {
			loc = l
		}
	}
	ref := time.UnixMilli(nowMsVal).In(loc)

	next, err := gronx.NextTickAfter(expr, ref, false)
	if err != nil {
		return nil, err
	}
	v := next.UnixMilli()
	return &v, nil
}

func nowMs() int64 { return time.Now().UnixMilli() }

func (s *Scheduler) watchLoop(ctx context.Context) {
	ticker := time.NewTicker(constants.SchedulerWatchInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
			s.reloadExternalEdits(ctx)
		}
	}
}

// reloadExternalEdits re-reads the store to pick up CLI-added jobs;
// the 5s race against an in-flight mutation is tolerated (see
// DESIGN.md's Open Question resolution (c)) since any rearm after a
// reload always recomputes against the freshly loaded job set.
func (s *Scheduler) reloadExternalEdits(ctx context.Context) {
	jobs, err := s.store.load()
	if err != nil {
		logger.WarnCF("cron", "failed to reload job store", map[string]interface{}{"error": err.Error()})
		return
	}

	s.mu.Lock()
	fresh := make(map[string]*Job, len(jobs))
	for i := range jobs {
		j := jobs[i]
		fresh[j.ID] = &j
	}
	changed := len(fresh) != len(s.jobs)
	if !changed {
		for id := range fresh {
			if _, ok := s.jobs[id]; !ok {
				changed = true
				break
			}
		}
	}
	if changed {
		s.jobs = fresh
	}
	s.mu.Unlock()

	if changed {
		s.recomputeAll()
		s.rearm(ctx)
	}
}
