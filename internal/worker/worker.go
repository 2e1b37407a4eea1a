// Package worker provides a NATS worker that turns text events into recorded audio.
package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/book-expert/events"
	"github.com/book-expert/logger"
	"github.com/book-expert/tts-pipeline/internal/core"
	"github.com/book-expert/tts-pipeline/internal/pipeline"
	"github.com/nats-io/nats.go"
)

const defaultHandleMessageTimeout = 10 * time.Minute

const (
	logFmtParseFailed   = "Failed to parse and validate event: %v"
	logFmtJobFailed     = "Failed to process TTS job for event %s: %v"
	logFmtReplyFailed   = "Failed to publish reply event for workflow %s: %v"
	logFmtJobDegraded   = "TTS job for workflow %s finished with warnings: %v"
	logFmtJobDone       = "TTS job for workflow %s stored %s (%d segments, %d cached)"
	logFmtWorkerStarted = "Worker listening on subject %s (queue %s)"
)

var (
	// ErrTextKeyEmpty indicates an event without a text object key.
	ErrTextKeyEmpty = errors.New("text key cannot be empty")
	// ErrUserIDEmpty indicates an event without a user to own the run.
	ErrUserIDEmpty = errors.New("user id cannot be empty")
	// ErrAudioNotStored indicates that audio was produced but no artifact could be stored.
	ErrAudioNotStored = errors.New("audio was synthesized but not stored")
)

// Runner runs one synthesis request.
type Runner interface {
	Run(ctx context.Context, req pipeline.Request) (pipeline.Outcome, error)
}

// Config holds the subscription and request defaults of the worker.
type Config struct {
	Subject    string
	QueueGroup string
	// Timeout bounds the handling of one message.
	Timeout   time.Duration
	Defaults  core.SynthesisOptions
	VoiceName string
	// AudioSubject, when set, also receives every AudioChunkCreatedEvent.
	AudioSubject string
}

// NatsWorker listens for text events on a NATS subject and replies with the
// stored audio key. The reply is also published on the audio subject.
type NatsWorker struct {
	natsConnection *nats.Conn
	textStore      core.ObjectStore
	runner         Runner
	cfg            Config
	log            *logger.Logger
}

// NewNatsWorker creates a new instance of a NATS worker.
func NewNatsWorker(
	natsConnection *nats.Conn,
	textStore core.ObjectStore,
	runner Runner,
	cfg Config,
	log *logger.Logger,
) *NatsWorker {
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultHandleMessageTimeout
	}

	return &NatsWorker{
		natsConnection: natsConnection,
		textStore:      textStore,
		runner:         runner,
		cfg:            cfg,
		log:            log,
	}
}

// Run starts the worker and blocks until ctx is done, then drains the subscription.
func (w *NatsWorker) Run(ctx context.Context) error {
	sub, err := w.natsConnection.QueueSubscribe(w.cfg.Subject, w.cfg.QueueGroup, w.handleMessage)
	if err != nil {
		return fmt.Errorf("failed to subscribe to subject %s: %w", w.cfg.Subject, err)
	}

	w.log.Info(logFmtWorkerStarted, w.cfg.Subject, w.cfg.QueueGroup)

	<-ctx.Done()

	drainErr := sub.Drain()
	if drainErr != nil {
		return fmt.Errorf("failed to drain subscription: %w", drainErr)
	}

	return nil
}

func (w *NatsWorker) handleMessage(msg *nats.Msg) {
	ctx, cancel := context.WithTimeout(context.Background(), w.cfg.Timeout)
	defer cancel()

	event, err := w.parseAndValidateEvent(msg)
	if err != nil {
		w.log.Error(logFmtParseFailed, err)

		return
	}

	audioKey, processErr := w.processTTSJob(ctx, event)
	if processErr != nil {
		w.log.Error(logFmtJobFailed, event.Header.WorkflowID, processErr)

		return
	}

	replyEvent := &events.AudioChunkCreatedEvent{
		Header:     event.Header,
		AudioKey:   audioKey,
		PageNumber: event.PageNumber,
		TotalPages: event.TotalPages,
	}

	err = w.publishReplyEvent(msg, replyEvent)
	if err != nil {
		w.log.Error(logFmtReplyFailed, event.Header.WorkflowID, err)
	}
}

// processTTSJob downloads the text, runs the pipeline for the event's user and
// returns the object key of the recorded audio.
func (w *NatsWorker) processTTSJob(ctx context.Context, event *events.TextProcessedEvent) (string, error) {
	textData, err := w.textStore.Download(ctx, event.TextKey)
	if err != nil {
		return "", fmt.Errorf("failed to download text data for key '%s': %w", event.TextKey, err)
	}

	req := pipeline.Request{
		Owner:     event.Header.UserID,
		Text:      string(textData),
		Options:   w.cfg.Defaults,
		VoiceName: w.cfg.VoiceName,
		Emit:      nil,
	}

	if event.Voice != "" {
		req.Options.VoiceID = event.Voice
		req.VoiceName = event.Voice
	}

	outcome, err := w.runner.Run(ctx, req)
	if err != nil {
		return "", fmt.Errorf("failed to process text to speech: %w", err)
	}

	if outcome.Degraded {
		w.log.Warn(logFmtJobDegraded, event.Header.WorkflowID, errors.Join(outcome.Warnings...))
	}

	if outcome.Item.AudioRef == "" {
		return "", ErrAudioNotStored
	}

	w.log.Info(
		logFmtJobDone,
		event.Header.WorkflowID,
		outcome.Item.AudioRef,
		outcome.Segments,
		outcome.Report.CacheHits,
	)

	return outcome.Item.AudioRef, nil
}

// publishReplyEvent publishes the AudioChunkCreatedEvent on the audio subject
// and answers the request when it has a reply inbox.
func (w *NatsWorker) publishReplyEvent(msg *nats.Msg, replyEvent *events.AudioChunkCreatedEvent) error {
	replyData, err := json.Marshal(replyEvent)
	if err != nil {
		return fmt.Errorf("failed to marshal reply event: %w", err)
	}

	if w.cfg.AudioSubject != "" {
		err = w.natsConnection.Publish(w.cfg.AudioSubject, replyData)
		if err != nil {
			return fmt.Errorf("failed to publish event on %s: %w", w.cfg.AudioSubject, err)
		}
	}

	if msg.Reply == "" {
		return nil
	}

	err = msg.Respond(replyData)
	if err != nil {
		return fmt.Errorf("failed to publish reply event: %w", err)
	}

	return nil
}

func (w *NatsWorker) parseAndValidateEvent(msg *nats.Msg) (*events.TextProcessedEvent, error) {
	var event events.TextProcessedEvent

	err := json.Unmarshal(msg.Data, &event)
	if err != nil {
		return nil, fmt.Errorf("failed to unmarshal event: %w", err)
	}

	if event.TextKey == "" {
		return nil, ErrTextKeyEmpty
	}

	if event.Header.UserID == "" {
		return nil, fmt.Errorf("%w: workflow %s", ErrUserIDEmpty, event.Header.WorkflowID)
	}

	return &event, nil
}
