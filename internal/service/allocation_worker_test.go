package service

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fulfillment-worker/internal/domain"
	"fulfillment-worker/internal/infrastructure/allocation"
)

func createdMessage(t *testing.T, purchaseID, studentID, courseID string, tier int) []byte {
	t.Helper()
	env := mustEnvelope(t, purchaseID, domain.EventPurchaseCreated, domain.PurchaseCreatedPayload{
		PurchaseID: purchaseID,
		StudentID:  studentID,
		CourseID:   courseID,
		Tier:       tier,
	})
	return marshalEnvelope(t, env)
}

func newAllocationWorker(repo *fakeAllocationRepo, rpc *fakeRPC, ledger *fakeLedger, pub *fakePublisher, dlq *fakeDLQ) *AllocationWorker {
	return NewAllocationWorker(repo, rpc, ledger, pub, dlq, testConfig(), testLogger())
}

func TestAllocationWorker_AllocatesVerifiesAndEmits(t *testing.T) {
	repo := newFakeAllocationRepo()
	rpc := &fakeRPC{repo: repo, allocID: "alloc-1", trainerID: "trainer-9", commit: true}
	ledger := newFakeLedger()
	pub := &fakePublisher{}
	dlq := &fakeDLQ{}
	w := newAllocationWorker(repo, rpc, ledger, pub, dlq)

	w.ProcessMessage(context.Background(), createdMessage(t, "purchase-1", "s1", "c1", 10))

	assert.Equal(t, 1, rpc.calls)
	emitted := pub.byType(domain.EventTrainerAllocated)
	require.Len(t, emitted, 1)

	var payload domain.TrainerAllocatedPayload
	require.NoError(t, json.Unmarshal(emitted[0].Payload, &payload))
	assert.Equal(t, "alloc-1", payload.AllocationID)
	assert.Equal(t, "trainer-9", payload.TrainerID)
	assert.Equal(t, 10, payload.SessionCount)
	assert.Equal(t, "alloc-1", emitted[0].CorrelationID)

	assert.True(t, ledger.processed("purchase-1", domain.EventPurchaseCreated))
	assert.Zero(t, dlq.count())
}

func TestAllocationWorker_RPCSuccessWithoutDurableRowIsRetried(t *testing.T) {
	repo := newFakeAllocationRepo()
	// RPC reports success but never commits a durable row: verification
	// must keep the event unprocessed until the retry budget runs out.
	rpc := &fakeRPC{repo: repo, allocID: "alloc-1", trainerID: "trainer-9", commit: false}
	ledger := newFakeLedger()
	dlq := &fakeDLQ{}
	w := newAllocationWorker(repo, rpc, ledger, &fakePublisher{}, dlq)

	w.ProcessMessage(context.Background(), createdMessage(t, "purchase-1", "s1", "c1", 10))

	assert.Equal(t, 5, rpc.calls, "verification failure is transient, retried up to the budget")

	assert.False(t, ledger.processed("purchase-1", domain.EventPurchaseCreated),
		"event must never be marked complete without a durable allocation")
	assert.Equal(t, 1, dlq.count())
}

func TestAllocationWorker_RecoveryPathSkipsRPC(t *testing.T) {
	repo := newFakeAllocationRepo()
	repo.put(domain.Allocation{
		ID: "alloc-5", StudentID: "s1", CourseID: "c1",
		TrainerID: "trainer-2", Status: domain.AllocationActive,
	})

	rpc := &fakeRPC{repo: repo}
	pub := &fakePublisher{}
	w := newAllocationWorker(repo, rpc, newFakeLedger(), pub, &fakeDLQ{})

	w.ProcessMessage(context.Background(), createdMessage(t, "purchase-1", "s1", "c1", 10))

	assert.Zero(t, rpc.calls, "settled allocation means the RPC already happened")
	emitted := pub.byType(domain.EventTrainerAllocated)
	require.Len(t, emitted, 1)
	assert.Equal(t, "alloc-5", emitted[0].CorrelationID)
}

func TestAllocationWorker_ServerErrorsRetriedThenDeadLettered(t *testing.T) {
	repo := newFakeAllocationRepo()
	rpc := &fakeRPC{repo: repo, err: &allocation.StatusError{Code: 503, Body: "overloaded"}}
	dlq := &fakeDLQ{}
	w := newAllocationWorker(repo, rpc, newFakeLedger(), &fakePublisher{}, dlq)

	w.ProcessMessage(context.Background(), createdMessage(t, "purchase-1", "s1", "c1", 10))

	assert.Equal(t, 5, rpc.calls)
	require.Equal(t, 1, dlq.count())
	assert.Equal(t, "allocation-worker", dlq.sent[0].Worker)
	assert.Equal(t, uint(5), dlq.sent[0].Attempts)
}

func TestAllocationWorker_ClientErrorNotRetried(t *testing.T) {
	repo := newFakeAllocationRepo()
	rpc := &fakeRPC{repo: repo, err: &allocation.StatusError{Code: 422, Body: "no trainers for course"}}
	dlq := &fakeDLQ{}
	w := newAllocationWorker(repo, rpc, newFakeLedger(), &fakePublisher{}, dlq)

	w.ProcessMessage(context.Background(), createdMessage(t, "purchase-1", "s1", "c1", 10))

	assert.Equal(t, 1, rpc.calls, "4xx responses are not transient")
	assert.Equal(t, 1, dlq.count())
}

func TestRetryableAllocationError(t *testing.T) {
	assert.True(t, retryableAllocationError(&allocation.StatusError{Code: 500}))
	assert.True(t, retryableAllocationError(&allocation.StatusError{Code: 429}))
	assert.False(t, retryableAllocationError(&allocation.StatusError{Code: 400}))
	assert.True(t, retryableAllocationError(transientErr{}))
}
