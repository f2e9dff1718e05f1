package serverrors

import "errors"

var (
	ErrUnmarshalMessage          = errors.New("failed to unmarshal Kafka message")
	ErrUnexpectedEventType       = errors.New("unexpected event type for this worker")
	ErrMissingCorrelationData    = errors.New("event is missing required correlation data")
	ErrAllocationNotObservable   = errors.New("allocation reported by RPC is not durably observable yet")
	ErrAllocationNotSettled      = errors.New("allocation exists but is not approved or active")
	ErrPurchaseRecordUnavailable = errors.New("processed event has no matching active purchase")
)
