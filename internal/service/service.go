// Package service wires the configured stores, provider client and pipeline
// together for the service and the client CLI.
package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/book-expert/logger"
	"github.com/book-expert/tts-pipeline/internal/config"
	"github.com/book-expert/tts-pipeline/internal/history"
	"github.com/book-expert/tts-pipeline/internal/keypool"
	"github.com/book-expert/tts-pipeline/internal/objectstore"
	"github.com/book-expert/tts-pipeline/internal/pipeline"
	"github.com/book-expert/tts-pipeline/internal/segmentcache"
	"github.com/book-expert/tts-pipeline/internal/tts"
	"github.com/book-expert/tts-pipeline/internal/worker"
	"github.com/nats-io/nats.go"
)

const keyValidationTimeout = time.Minute

// ErrNoProviderKeys indicates that neither api_keys nor api_keys_env yielded a key.
var ErrNoProviderKeys = errors.New("no provider keys configured")

// Components are the wired parts of the pipeline.
type Components struct {
	Runner     *pipeline.Runner
	Client     *tts.HTTPClient
	Pool       *keypool.Pool
	TextStore  *objectstore.NatsObjectStore
	AudioStore *objectstore.NatsObjectStore
}

// Build creates the buckets, the provider client, the key pool and the runner.
// When the configuration asks for it, every key is validated before returning.
func Build(ctx context.Context, jetstreamContext nats.JetStreamContext, cfg *config.Config, log *logger.Logger) (*Components, error) {
	keys := cfg.TTS.Keys()
	if len(keys) == 0 {
		return nil, ErrNoProviderKeys
	}

	textStore, err := objectstore.New(jetstreamContext, cfg.NATS.TextObjectStoreBucket)
	if err != nil {
		return nil, err
	}

	audioStore, err := objectstore.New(jetstreamContext, cfg.NATS.AudioObjectStoreBucket)
	if err != nil {
		return nil, err
	}

	segmentStore, err := objectstore.New(jetstreamContext, cfg.NATS.SegmentCacheBucket)
	if err != nil {
		return nil, err
	}

	historyStore, err := history.NewKVStore(jetstreamContext, cfg.History.Bucket)
	if err != nil {
		return nil, err
	}

	client := tts.NewHTTPClient(cfg.TTS.ProviderURL, time.Duration(cfg.TTS.RequestTimeoutSeconds)*time.Second)
	pool := keypool.New(keys, log)

	if cfg.TTS.ValidateKeysOnStart {
		validateCtx, cancel := context.WithTimeout(ctx, keyValidationTimeout)
		defer cancel()

		err = pool.Refresh(validateCtx, client, 0)
		if err != nil {
			return nil, err
		}

		log.Info("Provider keys validated: %d of %d active", pool.ActiveCount(), pool.Size())
	}

	cache := segmentcache.New(segmentStore, log)
	orchestrator := tts.NewOrchestrator(client, pool, cache, log, tts.OrchestratorConfig{
		Concurrency: cfg.TTS.Concurrency,
	})
	assembler := history.NewAssembler(historyStore, audioStore, log)

	runner := pipeline.New(orchestrator, assembler, cache, pipeline.Config{
		MinChars:         cfg.Chunking.MinChars,
		MaxChars:         cfg.Chunking.MaxChars,
		Normalize:        cfg.Chunking.Normalize,
		HistoryOnPartial: cfg.History.OnPartial,
	}, log)

	return &Components{
		Runner:     runner,
		Client:     client,
		Pool:       pool,
		TextStore:  textStore,
		AudioStore: audioStore,
	}, nil
}

// NewWorker creates the NATS worker that feeds text events into the runner.
func (c *Components) NewWorker(natsConnection *nats.Conn, cfg *config.Config, log *logger.Logger) *worker.NatsWorker {
	return worker.NewNatsWorker(natsConnection, c.TextStore, c.Runner, worker.Config{
		Subject:      cfg.NATS.TextProcessedSubject,
		QueueGroup:   cfg.NATS.QueueGroup,
		Timeout:      time.Duration(cfg.TTS.TimeoutSeconds) * time.Second,
		Defaults:     cfg.TTS.DefaultOptions(),
		VoiceName:    cfg.TTS.VoiceName,
		AudioSubject: cfg.NATS.AudioChunkCreatedSubject,
	}, log)
}

// Connect opens the NATS connection and its JetStream context.
func Connect(url, name string) (*nats.Conn, nats.JetStreamContext, error) {
	natsConnection, err := nats.Connect(url, nats.Name(name), nats.MaxReconnects(-1))
	if err != nil {
		return nil, nil, fmt.Errorf("failed to connect to NATS at %s: %w", url, err)
	}

	jetstreamContext, err := natsConnection.JetStream()
	if err != nil {
		natsConnection.Close()

		return nil, nil, fmt.Errorf("failed to get JetStream context: %w", err)
	}

	return natsConnection, jetstreamContext, nil
}
