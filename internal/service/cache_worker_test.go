package service

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"

	"fulfillment-worker/internal/domain"
)

func TestCacheWorker_InvalidatesStudentViews(t *testing.T) {
	cache := &fakeCache{}
	w := NewCacheWorker(cache, testConfig(), testLogger())

	w.ProcessMessage(context.Background(), createdMessage(t, "purchase-1", "s1", "c1", 10))

	assert.Equal(t, []string{"s1"}, cache.deleted)
}

func TestCacheWorker_OutageNeverBlocksOrDeadLetters(t *testing.T) {
	cache := &fakeCache{failures: 100}
	w := NewCacheWorker(cache, testConfig(), testLogger())

	// ProcessMessage returning (rather than panicking or erroring) is what
	// lets the consumer acknowledge the message. No DLQ is even wired in.
	w.ProcessMessage(context.Background(), createdMessage(t, "purchase-1", "s1", "c1", 10))

	assert.Empty(t, cache.deleted)
}

func TestCacheWorker_TransientFailureRetriedWithinBudget(t *testing.T) {
	cache := &fakeCache{failures: 2}
	w := NewCacheWorker(cache, testConfig(), testLogger())

	w.ProcessMessage(context.Background(), createdMessage(t, "purchase-1", "s1", "c1", 10))

	assert.Equal(t, []string{"s1"}, cache.deleted)
}

func TestCacheWorker_DropsMalformedMessages(t *testing.T) {
	cache := &fakeCache{}
	w := NewCacheWorker(cache, testConfig(), testLogger())

	w.ProcessMessage(context.Background(), []byte(`garbage`))
	w.ProcessMessage(context.Background(), marshalEnvelope(t,
		mustEnvelope(t, "p1", domain.EventPurchaseCreated, domain.PurchaseCreatedPayload{CourseID: "c1"})))

	assert.Empty(t, cache.deleted)
}
