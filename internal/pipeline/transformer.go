// --- File: internal/pipeline/transformer.go ---
// Package pipeline contains the core message processing components for the service.
package pipeline

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/illmade-knight/go-dataflow/pkg/messagepipeline"

	"github.com/tinywideclouds/go-push-registry/pkg/dispatch"
)

// NotifyRequestTransformer is a dataflow Transformer that unmarshals and validates
// a raw message payload into a dispatch.NotifyRequest.
func NotifyRequestTransformer(
	_ context.Context,
	msg *messagepipeline.Message,
) (*dispatch.NotifyRequest, bool, error) {
	var req dispatch.NotifyRequest

	if err := json.Unmarshal(msg.Payload, &req); err != nil {
		// skip=true so the StreamingService can handle the Nack/DLQ logic.
		return nil, true, fmt.Errorf("failed to unmarshal notify request from message %s: %w", msg.ID, err)
	}
	if err := req.Validate(); err != nil {
		return nil, true, fmt.Errorf("invalid notify request in message %s: %w", msg.ID, err)
	}

	return &req, false, nil
}
