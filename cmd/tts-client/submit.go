package main

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/book-expert/events"
	"github.com/book-expert/tts-pipeline/internal/core"
	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
)

const submittedTextPrefix = "submitted/"

// natsSubmitter hands text to the tts-service worker through the text bucket
// and a request on the text-processed subject.
type natsSubmitter struct {
	natsConnection *nats.Conn
	textStore      core.ObjectStore
	audioStore     core.ObjectStore
	subject        string
	timeout        time.Duration
}

// Submit uploads text, waits for the worker's reply and downloads the audio it stored.
func (s *natsSubmitter) Submit(ctx context.Context, owner, text, voice string) (string, []byte, error) {
	textKey := submittedTextPrefix + uuid.NewString() + ".txt"

	err := s.textStore.Upload(ctx, textKey, []byte(text))
	if err != nil {
		return "", nil, fmt.Errorf("failed to upload text '%s': %w", textKey, err)
	}

	defer func() {
		_ = s.textStore.Delete(context.WithoutCancel(ctx), textKey)
	}()

	eventData, err := json.Marshal(&events.TextProcessedEvent{
		Header: events.EventHeader{
			Timestamp:  time.Now().UTC(),
			WorkflowID: uuid.NewString(),
			EventID:    uuid.NewString(),
			UserID:     owner,
			TenantID:   "",
		},
		TextKey: textKey,
		Voice:   voice,
	})
	if err != nil {
		return "", nil, fmt.Errorf("failed to marshal event: %w", err)
	}

	requestCtx := ctx
	if s.timeout > 0 {
		var cancel context.CancelFunc

		requestCtx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}

	replyMsg, err := s.natsConnection.RequestWithContext(requestCtx, s.subject, eventData)
	if err != nil {
		return "", nil, fmt.Errorf("no reply from the tts-service on %s: %w", s.subject, err)
	}

	var reply events.AudioChunkCreatedEvent

	err = json.Unmarshal(replyMsg.Data, &reply)
	if err != nil {
		return "", nil, fmt.Errorf("failed to unmarshal reply event: %w", err)
	}

	data, err := s.audioStore.Download(ctx, reply.AudioKey)
	if err != nil {
		return "", nil, fmt.Errorf("failed to download audio '%s': %w", reply.AudioKey, err)
	}

	return reply.AudioKey, data, nil
}
