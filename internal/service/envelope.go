package service

import (
	"encoding/json"
	"fmt"

	"fulfillment-worker/internal/domain"
	"fulfillment-worker/internal/service/serverrors"
)

// decodeEnvelope parses a raw bus message and checks it is the event type
// this worker consumes. Failures here are business-fatal: the message can
// never succeed on retry, so callers dead-letter it immediately.
func decodeEnvelope(message []byte, want domain.EventType) (domain.Envelope, error) {
	var env domain.Envelope
	if err := json.Unmarshal(message, &env); err != nil {
		return domain.Envelope{}, fmt.Errorf("%w: %v", serverrors.ErrUnmarshalMessage, err)
	}

	if _, err := domain.ParseEventType(string(env.EventType)); err != nil {
		return domain.Envelope{}, err
	}
	if env.EventType != want {
		return domain.Envelope{}, fmt.Errorf("%w: got %s, want %s",
			serverrors.ErrUnexpectedEventType, env.EventType, want)
	}
	if env.CorrelationID == "" {
		return domain.Envelope{}, serverrors.ErrMissingCorrelationData
	}
	return env, nil
}

func decodePayload(env domain.Envelope, out any) error {
	if err := json.Unmarshal(env.Payload, out); err != nil {
		return fmt.Errorf("%w: %s payload: %v", serverrors.ErrUnmarshalMessage, env.EventType, err)
	}
	return nil
}
