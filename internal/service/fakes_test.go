package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"fulfillment-worker/internal/config"
	"fulfillment-worker/internal/domain"
	"fulfillment-worker/internal/infrastructure/allocation"
	"fulfillment-worker/internal/infrastructure/kafka/dlq"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// transientErr satisfies net.Error so the repository error classifier
// treats it as retryable infrastructure failure.
type transientErr struct{}

func (transientErr) Error() string   { return "connection refused" }
func (transientErr) Timeout() bool   { return true }
func (transientErr) Temporary() bool { return true }

func testConfig() config.Config {
	fast := config.RetryConfig{Attempts: 3, Delay: time.Millisecond, MaxDelay: time.Millisecond}
	var cfg config.Config
	cfg.PurchaseRetry = fast
	cfg.AllocationRetry = config.RetryConfig{Attempts: 5, Delay: time.Millisecond, MaxDelay: time.Millisecond}
	cfg.SessionRetry = fast
	cfg.CacheRetry = fast
	cfg.SessionWindow = 7
	cfg.SessionLowWater = 3
	cfg.SweepSchedule = "@every 1h"
	cfg.Kafka.PurchaseConfirmedTopic = "purchase-confirmed"
	cfg.Kafka.PurchaseCreatedTopic = "purchase-created"
	cfg.Kafka.TrainerAllocatedTopic = "trainer-allocated"
	cfg.Kafka.DLQTopic = "dead-letter-queue"
	return cfg
}

func mustEnvelope(t interface{ Fatalf(string, ...any) }, correlationID string, eventType domain.EventType, payload any) domain.Envelope {
	env, err := domain.NewEnvelope(correlationID, eventType, "test", payload)
	if err != nil {
		t.Fatalf("build envelope: %v", err)
	}
	return env
}

func marshalEnvelope(t interface{ Fatalf(string, ...any) }, env domain.Envelope) []byte {
	msg, err := json.Marshal(env)
	if err != nil {
		t.Fatalf("marshal envelope: %v", err)
	}
	return msg
}

type fakePublisher struct {
	mu        sync.Mutex
	published []domain.Envelope
	failures  int
}

func (p *fakePublisher) Publish(_ context.Context, env domain.Envelope) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.failures > 0 {
		p.failures--
		return errors.New("broker unavailable")
	}
	p.published = append(p.published, env)
	return nil
}

func (p *fakePublisher) byType(eventType domain.EventType) []domain.Envelope {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []domain.Envelope
	for _, env := range p.published {
		if env.EventType == eventType {
			out = append(out, env)
		}
	}
	return out
}

type fakeDLQ struct {
	mu   sync.Mutex
	sent []dlq.FailureContext
}

func (d *fakeDLQ) Send(_ context.Context, _ []byte, fc dlq.FailureContext) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.sent = append(d.sent, fc)
	return nil
}

func (d *fakeDLQ) count() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.sent)
}

type fakeLedger struct {
	mu   sync.Mutex
	rows map[string]struct{}
}

func newFakeLedger() *fakeLedger {
	return &fakeLedger{rows: make(map[string]struct{})}
}

func ledgerKey(correlationID string, eventType domain.EventType) string {
	return correlationID + "|" + string(eventType)
}

func (l *fakeLedger) processed(correlationID string, eventType domain.EventType) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, ok := l.rows[ledgerKey(correlationID, eventType)]
	return ok
}

func (l *fakeLedger) MarkProcessed(_ context.Context, env domain.Envelope) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	key := ledgerKey(env.CorrelationID, env.EventType)
	if _, ok := l.rows[key]; ok {
		return true, nil
	}
	l.rows[key] = struct{}{}
	return false, nil
}

// fakePurchaseRepo mimics the transactional Create: the ledger claim and
// the purchase insert succeed or fail together, and the active-pair
// constraint yields the surviving row's id instead of an error.
type fakePurchaseRepo struct {
	mu        sync.Mutex
	active    map[string]domain.Purchase
	ledger    map[string]struct{}
	failures  int
	failErr   error
	creations int
}

func newFakePurchaseRepo() *fakePurchaseRepo {
	return &fakePurchaseRepo{
		active: make(map[string]domain.Purchase),
		ledger: make(map[string]struct{}),
	}
}

func pairKey(studentID, courseID string) string {
	return studentID + ":" + courseID
}

func (r *fakePurchaseRepo) FindActive(_ context.Context, studentID, courseID string) (*domain.Purchase, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if p, ok := r.active[pairKey(studentID, courseID)]; ok {
		return &p, nil
	}
	return nil, nil
}

func (r *fakePurchaseRepo) Create(_ context.Context, env domain.Envelope, p domain.Purchase) (string, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.failures > 0 {
		r.failures--
		return "", false, r.failErr
	}

	key := ledgerKey(env.CorrelationID, env.EventType)
	if _, ok := r.ledger[key]; ok {
		return "", true, nil
	}
	r.ledger[key] = struct{}{}

	pair := pairKey(p.StudentID, p.CourseID)
	if existing, ok := r.active[pair]; ok {
		return existing.ID, false, nil
	}
	r.active[pair] = p
	r.creations++
	return p.ID, false, nil
}

type fakeAllocationRepo struct {
	mu      sync.Mutex
	settled map[string]domain.Allocation
	byID    map[string]domain.Allocation
}

func newFakeAllocationRepo() *fakeAllocationRepo {
	return &fakeAllocationRepo{
		settled: make(map[string]domain.Allocation),
		byID:    make(map[string]domain.Allocation),
	}
}

func (r *fakeAllocationRepo) FindSettled(_ context.Context, studentID, courseID string) (*domain.Allocation, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if a, ok := r.settled[pairKey(studentID, courseID)]; ok {
		return &a, nil
	}
	return nil, nil
}

func (r *fakeAllocationRepo) FindByID(_ context.Context, id string) (*domain.Allocation, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if a, ok := r.byID[id]; ok {
		return &a, nil
	}
	return nil, nil
}

func (r *fakeAllocationRepo) put(a domain.Allocation) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.byID[a.ID] = a
	if a.Status.Settled() {
		r.settled[pairKey(a.StudentID, a.CourseID)] = a
	}
}

func (r *fakeAllocationRepo) ActiveAllocations(_ context.Context) ([]domain.Allocation, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []domain.Allocation
	for _, a := range r.settled {
		out = append(out, a)
	}
	return out, nil
}

// fakeRPC scripts the allocation service. commit controls whether the
// row becomes durably observable in the repository.
type fakeRPC struct {
	mu        sync.Mutex
	repo      *fakeAllocationRepo
	calls     int
	allocID   string
	trainerID string
	commit    bool
	err       error
}

func (f *fakeRPC) AutoAssign(_ context.Context, req allocation.AutoAssignRequest) (*allocation.AutoAssignResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	if f.commit {
		f.repo.put(domain.Allocation{
			ID:        f.allocID,
			StudentID: req.StudentID,
			CourseID:  req.CourseID,
			TrainerID: f.trainerID,
			Status:    domain.AllocationApproved,
		})
	}
	return &allocation.AutoAssignResponse{
		AllocationID: f.allocID,
		TrainerID:    f.trainerID,
		Status:       domain.AllocationApproved,
	}, nil
}

type sessionSlot struct {
	date time.Time
	slot string
}

// fakeSessionRepo enforces the (allocation, date, time) uniqueness the real
// table has, so duplicate-slot inserts are visible as no-ops.
type fakeSessionRepo struct {
	mu     sync.Mutex
	slots  map[string]map[sessionSlot]domain.Session
	ledger map[string]struct{}
}

func newFakeSessionRepo() *fakeSessionRepo {
	return &fakeSessionRepo{
		slots:  make(map[string]map[sessionSlot]domain.Session),
		ledger: make(map[string]struct{}),
	}
}

func (r *fakeSessionRepo) CountFuture(_ context.Context, allocationID string, from time.Time) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for slot := range r.slots[allocationID] {
		if !slot.date.Before(from) {
			n++
		}
	}
	return n, nil
}

func (r *fakeSessionRepo) CountAll(_ context.Context, allocationID string) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.slots[allocationID]), nil
}

func (r *fakeSessionRepo) LastScheduledDate(_ context.Context, allocationID string) (time.Time, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var last time.Time
	found := false
	for slot := range r.slots[allocationID] {
		if !found || slot.date.After(last) {
			last = slot.date
			found = true
		}
	}
	return last, found, nil
}

func (r *fakeSessionRepo) CreateBatch(_ context.Context, env *domain.Envelope, sessions []domain.Session) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if env != nil {
		key := ledgerKey(env.CorrelationID, env.EventType)
		if _, ok := r.ledger[key]; ok {
			return 0, nil
		}
		r.ledger[key] = struct{}{}
	}

	created := 0
	for _, s := range sessions {
		if r.slots[s.AllocationID] == nil {
			r.slots[s.AllocationID] = make(map[sessionSlot]domain.Session)
		}
		key := sessionSlot{date: s.ScheduledDate, slot: s.ScheduledTime}
		if _, ok := r.slots[s.AllocationID][key]; ok {
			continue
		}
		r.slots[s.AllocationID][key] = s
		created++
	}
	return created, nil
}

func (r *fakeSessionRepo) dates(allocationID string) []time.Time {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []time.Time
	for slot := range r.slots[allocationID] {
		out = append(out, slot.date)
	}
	return out
}

type fakeCache struct {
	mu       sync.Mutex
	deleted  []string
	failures int
}

func (c *fakeCache) InvalidateStudentViews(_ context.Context, studentID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.failures > 0 {
		c.failures--
		return fmt.Errorf("cache store unreachable")
	}
	c.deleted = append(c.deleted, studentID)
	return nil
}
