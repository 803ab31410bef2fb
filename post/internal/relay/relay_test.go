package relay

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/hibiken/asynq"

	"social-media-microservices/post/internal/models"
	"social-media-microservices/post/internal/repos"
	"social-media-microservices/shared/events"
	"social-media-microservices/shared/logx"
)

type failure struct {
	attempts int
	next     *time.Time
	dead     bool
}

type fakeOutbox struct {
	mu        sync.Mutex
	rows      map[uuid.UUID]models.OutboxEvent
	delivered []uuid.UUID
	failures  map[uuid.UUID]failure
	released  int
	claims    int
}

func newFakeOutbox(rows ...models.OutboxEvent) *fakeOutbox {
	f := &fakeOutbox{rows: map[uuid.UUID]models.OutboxEvent{}, failures: map[uuid.UUID]failure{}}
	for _, r := range rows {
		f.rows[r.EventID] = r
	}
	return f
}

func (f *fakeOutbox) ClaimPending(_ context.Context, _ string, limit int) ([]models.OutboxEvent, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []models.OutboxEvent
	for id, r := range f.rows {
		if r.Status == repos.OutboxStatusPending && len(out) < limit {
			f.claims++
			lockedAt := time.Unix(1700000000, int64(f.claims))
			r.Status = repos.OutboxStatusSending
			r.LockedAt = &lockedAt
			f.rows[id] = r
			out = append(out, r)
		}
	}
	return out, nil
}

func (f *fakeOutbox) ReleaseStale(context.Context, time.Duration) (int64, error) {
	f.released++
	return 0, nil
}

func (f *fakeOutbox) Release(_ context.Context, id uuid.UUID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	r := f.rows[id]
	if r.Status == repos.OutboxStatusSending {
		r.Status = repos.OutboxStatusPending
		r.LockedAt = nil
		f.rows[id] = r
	}
	return nil
}

func (f *fakeOutbox) GetByID(_ context.Context, id uuid.UUID) (models.OutboxEvent, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	r, ok := f.rows[id]
	if !ok {
		return models.OutboxEvent{}, errors.New("no rows")
	}
	return r, nil
}

func (f *fakeOutbox) MarkDelivered(_ context.Context, id uuid.UUID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	r := f.rows[id]
	r.Status = repos.OutboxStatusDelivered
	f.rows[id] = r
	f.delivered = append(f.delivered, id)
	return nil
}

func (f *fakeOutbox) MarkFailed(_ context.Context, id uuid.UUID, attempts int, next *time.Time, _ string, dead bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	r := f.rows[id]
	r.Attempts = attempts
	r.Status = repos.OutboxStatusPending
	if dead {
		r.Status = repos.OutboxStatusDead
	}
	f.rows[id] = r
	f.failures[id] = failure{attempts: attempts, next: next, dead: dead}
	return nil
}

// fakeEnqueuer rejects a task id it has seen before, the way asynq keeps
// archived tasks around under their id.
type fakeEnqueuer struct {
	tasks []*asynq.Task
	ids   []string
	seen  map[string]bool
}

func (e *fakeEnqueuer) EnqueueContext(_ context.Context, task *asynq.Task, opts ...asynq.Option) (*asynq.TaskInfo, error) {
	for _, opt := range opts {
		if opt.Type() != asynq.TaskIDOpt {
			continue
		}
		id, _ := opt.Value().(string)
		if e.seen == nil {
			e.seen = map[string]bool{}
		}
		if e.seen[id] {
			return nil, asynq.ErrTaskIDConflict
		}
		e.seen[id] = true
		e.ids = append(e.ids, id)
	}
	e.tasks = append(e.tasks, task)
	return &asynq.TaskInfo{}, nil
}

type fakePublisher struct {
	keys []string
	envs []events.Envelope
	err  error
}

func (p *fakePublisher) PublishEnvelope(_ context.Context, key string, env events.Envelope) error {
	if p.err != nil {
		return p.err
	}
	p.keys = append(p.keys, key)
	p.envs = append(p.envs, env)
	return nil
}

func pendingRow(t *testing.T, attempts int) models.OutboxEvent {
	t.Helper()
	postID := uuid.NewString()
	env, err := events.NewEnvelope("post-service", events.PostDeleted{PostID: postID, UserID: "u-1", MediaIDs: []string{"m1"}}, time.Now())
	if err != nil {
		t.Fatalf("envelope: %v", err)
	}
	raw, _ := json.Marshal(env)
	return models.OutboxEvent{
		EventID:     env.EventID,
		EventType:   string(env.EventType),
		AggregateID: postID,
		Topic:       env.EventType.Topic(),
		Payload:     raw,
		Status:      repos.OutboxStatusPending,
		Attempts:    attempts,
	}
}

func dispatchTask(id uuid.UUID) *asynq.Task {
	payload, _ := json.Marshal(dispatchPayload{EventID: id.String()})
	return asynq.NewTask(TaskDispatch, payload)
}

func TestScanFansOutDispatchTasks(t *testing.T) {
	a, b := pendingRow(t, 0), pendingRow(t, 0)
	outbox := newFakeOutbox(a, b)
	enq := &fakeEnqueuer{}
	r := New(outbox, &fakePublisher{}, enq, Options{Owner: "relay", Queue: "default"}, logx.Nop())

	if err := r.HandleScan(context.Background(), NewScanTask("default")); err != nil {
		t.Fatalf("scan: %v", err)
	}
	if len(enq.tasks) != 2 || outbox.released != 1 {
		t.Fatalf("expected 2 dispatch tasks and a stale release, got %d/%d", len(enq.tasks), outbox.released)
	}
	for _, task := range enq.tasks {
		if task.Type() != TaskDispatch {
			t.Fatalf("unexpected task type %s", task.Type())
		}
	}
}

func TestDispatchRepublishesOriginalEnvelope(t *testing.T) {
	row := pendingRow(t, 0)
	outbox := newFakeOutbox(row)
	pub := &fakePublisher{}
	r := New(outbox, pub, &fakeEnqueuer{}, Options{Queue: "default"}, logx.Nop())

	if err := r.HandleDispatch(context.Background(), dispatchTask(row.EventID)); err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if len(pub.envs) != 1 || pub.envs[0].EventID != row.EventID || pub.keys[0] != row.AggregateID {
		t.Fatalf("expected original envelope keyed by post id, got %+v", pub.envs)
	}
	if len(outbox.delivered) != 1 {
		t.Fatalf("row must be marked delivered")
	}

	if err := r.HandleDispatch(context.Background(), dispatchTask(row.EventID)); err != nil {
		t.Fatalf("second dispatch: %v", err)
	}
	if len(pub.envs) != 1 {
		t.Fatalf("delivered rows must not be published again")
	}
}

func TestDispatchFailureReschedulesWithoutAsynqRetry(t *testing.T) {
	row := pendingRow(t, 1)
	outbox := newFakeOutbox(row)
	r := New(outbox, &fakePublisher{err: errors.New("broker down")}, &fakeEnqueuer{}, Options{MaxAttempts: 5}, logx.Nop())
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	r.now = func() time.Time { return now }

	err := r.HandleDispatch(context.Background(), dispatchTask(row.EventID))
	if !errors.Is(err, asynq.SkipRetry) {
		t.Fatalf("expected SkipRetry, got %v", err)
	}
	f := outbox.failures[row.EventID]
	if f.attempts != 2 || f.dead || f.next == nil || !f.next.Equal(now.Add(20*time.Second)) {
		t.Fatalf("unexpected failure record %+v", f)
	}
}

func TestDispatchMarksDeadAfterMaxAttempts(t *testing.T) {
	row := pendingRow(t, 4)
	outbox := newFakeOutbox(row)
	r := New(outbox, &fakePublisher{err: errors.New("broker down")}, &fakeEnqueuer{}, Options{MaxAttempts: 5}, logx.Nop())

	_ = r.HandleDispatch(context.Background(), dispatchTask(row.EventID))
	if !outbox.failures[row.EventID].dead || outbox.rows[row.EventID].Status != repos.OutboxStatusDead {
		t.Fatalf("expected dead row, got %+v", outbox.rows[row.EventID])
	}
}

func TestDispatchDeadLettersMalformedPayload(t *testing.T) {
	row := pendingRow(t, 0)
	row.Payload = []byte(`{"nope":true}`)
	outbox := newFakeOutbox(row)
	pub := &fakePublisher{}
	r := New(outbox, pub, &fakeEnqueuer{}, Options{}, logx.Nop())

	if err := r.HandleDispatch(context.Background(), dispatchTask(row.EventID)); err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if len(pub.envs) != 0 || !outbox.failures[row.EventID].dead {
		t.Fatalf("malformed payload must be dead-lettered without publishing")
	}
}

func TestRetryDelay(t *testing.T) {
	cases := map[int]time.Duration{0: 5 * time.Second, 1: 5 * time.Second, 2: 20 * time.Second, 3: 45 * time.Second, 100: 5 * time.Minute}
	for attempt, want := range cases {
		if got := RetryDelay(attempt); got != want {
			t.Fatalf("attempt %d: want %v, got %v", attempt, want, got)
		}
	}
}

func TestScanRedispatchesAfterFailedAttempt(t *testing.T) {
	row := pendingRow(t, 0)
	outbox := newFakeOutbox(row)
	enq := &fakeEnqueuer{}
	pub := &fakePublisher{err: errors.New("broker down")}
	r := New(outbox, pub, enq, Options{Owner: "relay", Queue: "default"}, logx.Nop())
	ctx := context.Background()

	if err := r.HandleScan(ctx, NewScanTask("default")); err != nil {
		t.Fatalf("scan: %v", err)
	}
	if err := r.HandleDispatch(ctx, dispatchTask(row.EventID)); !errors.Is(err, asynq.SkipRetry) {
		t.Fatalf("expected SkipRetry, got %v", err)
	}

	// The archived first task keeps its id; the retry must not collide with it.
	pub.err = nil
	if err := r.HandleScan(ctx, NewScanTask("default")); err != nil {
		t.Fatalf("rescan: %v", err)
	}
	if len(enq.ids) != 2 || enq.ids[0] == enq.ids[1] {
		t.Fatalf("expected two distinct dispatch ids, got %v", enq.ids)
	}
	if got := outbox.rows[row.EventID].Status; got != repos.OutboxStatusSending {
		t.Fatalf("expected row claimed for the retry, got %s", got)
	}
	if err := r.HandleDispatch(ctx, dispatchTask(row.EventID)); err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if len(outbox.delivered) != 1 || len(pub.envs) != 1 {
		t.Fatalf("expected one delivery, got %d/%d", len(outbox.delivered), len(pub.envs))
	}
}

func TestScanReleasesClaimOnTaskIDConflict(t *testing.T) {
	row := pendingRow(t, 2)
	lockedAt := time.Unix(1700000000, 1)
	claimed := row
	claimed.LockedAt = &lockedAt
	outbox := newFakeOutbox(row)
	enq := &fakeEnqueuer{seen: map[string]bool{dispatchTaskID(claimed): true}}
	r := New(outbox, &fakePublisher{}, enq, Options{Owner: "relay", Queue: "default"}, logx.Nop())

	if err := r.HandleScan(context.Background(), NewScanTask("default")); err != nil {
		t.Fatalf("scan: %v", err)
	}
	got := outbox.rows[row.EventID]
	if got.Status != repos.OutboxStatusPending || got.Attempts != 2 {
		t.Fatalf("expected row released without an attempt, got %s/%d", got.Status, got.Attempts)
	}
	if len(outbox.failures) != 0 {
		t.Fatalf("conflict must not count as a failure")
	}
}
