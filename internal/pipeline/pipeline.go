// Package pipeline turns a text request into recorded audio: it splits the
// text, synthesizes the segments and records the result in the owner's history.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/book-expert/logger"
	"github.com/book-expert/tts-pipeline/internal/core"
	"github.com/book-expert/tts-pipeline/internal/history"
	"github.com/book-expert/tts-pipeline/internal/metrics"
	"github.com/book-expert/tts-pipeline/internal/tts"
	"github.com/book-expert/tts-pipeline/internal/tts/audio"
	"github.com/book-expert/tts-pipeline/internal/tts/text"
)

const (
	logFmtRunRequest      = "Run for owner %s: %d characters in %d segments"
	logFmtRunFailed       = "Run for owner %s failed: %v"
	logFmtPartialRecorded = "Recorded partial history item %s for owner %s"
	logFmtPartialFailed   = "Failed to record partial history for owner %s: %v"
	logFmtDegraded        = "Run for owner %s finished degraded: %v"
	logFmtOwnerCleared    = "Cleared owner %s: %d history items, %d cached segments"
)

var (
	// ErrInvalidInput reports a request that cannot be run.
	ErrInvalidInput = errors.New("invalid input")
	// ErrPersistence marks warnings about data that could not be stored.
	ErrPersistence = errors.New("persistence failure")
)

// Orchestrator synthesizes ordered segments.
type Orchestrator interface {
	Run(
		ctx context.Context,
		owner string,
		segments []core.Segment,
		options core.SynthesisOptions,
		emit func(core.SegmentResult),
	) (tts.RunReport, error)
}

// History records runs and manages the owner's items.
type History interface {
	Record(ctx context.Context, input history.RecordInput) (history.Recording, error)
	List(ctx context.Context, owner string) ([]core.HistoryItem, error)
	Audio(ctx context.Context, owner, id string) ([]byte, error)
	Delete(ctx context.Context, owner, id string) error
	Clear(ctx context.Context, owner string) (int, error)
}

// SegmentCache is the part of the segment cache the runner needs.
type SegmentCache interface {
	Clear(ctx context.Context, owner string) (int, error)
}

// Config holds the chunking and history policy of the runner.
type Config struct {
	MinChars  int
	MaxChars  int
	Normalize bool
	// HistoryOnPartial records the audio of failed runs that produced at least one segment.
	HistoryOnPartial bool
}

// Request is one synthesis request.
type Request struct {
	Owner     string
	Text      string
	Options   core.SynthesisOptions
	VoiceName string
	// Emit, when set, receives each segment result in order as soon as it is available.
	Emit func(core.SegmentResult)
}

// Outcome is the result of a run.
type Outcome struct {
	Item     core.HistoryItem
	Audio    []byte
	Report   tts.RunReport
	Segments int
	// Degraded is set when audio was produced but some of it could not be persisted.
	Degraded bool
	Warnings []error
}

// ClearResult counts what ClearOwner removed.
type ClearResult struct {
	HistoryItems  int
	CachedEntries int
}

type ownerLock struct {
	slot chan struct{}
	refs int
}

// Runner runs requests, one at a time per owner.
type Runner struct {
	orchestrator Orchestrator
	history      History
	cache        SegmentCache
	normalizer   *text.Normalizer
	cfg          Config
	logger       *logger.Logger

	locksMu sync.Mutex
	locks   map[string]*ownerLock
}

// New creates a runner.
func New(
	orchestrator Orchestrator,
	historyRecorder History,
	cache SegmentCache,
	cfg Config,
	log *logger.Logger,
) *Runner {
	return &Runner{
		orchestrator: orchestrator,
		history:      historyRecorder,
		cache:        cache,
		normalizer:   text.NewNormalizer(),
		cfg:          cfg,
		logger:       log,
		locks:        make(map[string]*ownerLock),
	}
}

// Run validates and splits the request, synthesizes it and records the result.
// A run waits for any other run of the same owner to finish first.
func (r *Runner) Run(ctx context.Context, req Request) (Outcome, error) {
	started := time.Now()

	segments, format, err := r.prepare(req)
	if err != nil {
		return Outcome{}, err
	}

	unlock, err := r.lockOwner(ctx, req.Owner)
	if err != nil {
		return Outcome{}, fmt.Errorf("waiting for the previous run of owner %s: %w", req.Owner, err)
	}
	defer unlock()

	r.logger.Info(logFmtRunRequest, req.Owner, len(req.Text), len(segments))

	report, runErr := r.orchestrator.Run(ctx, req.Owner, segments, req.Options, req.Emit)

	outcome := Outcome{Report: report, Segments: len(segments)}
	for _, persistErr := range report.PersistenceErrors {
		outcome.Warnings = append(outcome.Warnings, fmt.Errorf("%w: %w", ErrPersistence, persistErr))
	}

	if runErr != nil {
		r.logger.Error(logFmtRunFailed, req.Owner, runErr)
		if r.recordPartial(ctx, req, report, &outcome) {
			metrics.RecordRun(metrics.RunPartial, started)
		} else {
			metrics.RecordRun(metrics.RunFailed, started)
		}

		return outcome, runErr
	}

	recording, recordErr := r.history.Record(ctx, history.RecordInput{
		Owner:     req.Owner,
		Text:      req.Text,
		Options:   req.Options,
		VoiceName: req.VoiceName,
		Results:   report.Results,
		Partial:   false,
	})

	switch {
	case recordErr == nil:
		outcome.Item = recording.Item
		outcome.Audio = recording.Audio
	case errors.Is(recordErr, history.ErrHistoryStore) && recording.Audio != nil:
		outcome.Audio = recording.Audio
		outcome.Warnings = append(outcome.Warnings, fmt.Errorf("%w: %w", ErrPersistence, recordErr))
	default:
		metrics.RecordRun(metrics.RunFailed, started)

		return outcome, fmt.Errorf("failed to assemble %s audio: %w", format.Raw, recordErr)
	}

	outcome.Degraded = len(outcome.Warnings) > 0
	if outcome.Degraded {
		r.logger.Warn(logFmtDegraded, req.Owner, errors.Join(outcome.Warnings...))
		metrics.RecordRun(metrics.RunDegraded, started)
	} else {
		metrics.RecordRun(metrics.RunSuccess, started)
	}

	return outcome, nil
}

func (r *Runner) prepare(req Request) ([]core.Segment, audio.OutputFormat, error) {
	if req.Owner == "" {
		return nil, audio.OutputFormat{}, fmt.Errorf("%w: owner is required", ErrInvalidInput)
	}

	if strings.TrimSpace(req.Text) == "" {
		return nil, audio.OutputFormat{}, fmt.Errorf("%w: text is empty", ErrInvalidInput)
	}

	err := req.Options.Validate()
	if err != nil {
		return nil, audio.OutputFormat{}, fmt.Errorf("%w: %w", ErrInvalidInput, err)
	}

	format, err := audio.ParseOutputFormat(req.Options.OutputFormat)
	if err != nil {
		return nil, audio.OutputFormat{}, fmt.Errorf("%w: %w", ErrInvalidInput, err)
	}

	input := req.Text
	if r.cfg.Normalize {
		input = r.normalizer.Normalize(input)
	}

	segments, err := text.Split(input, r.cfg.MinChars, r.cfg.MaxChars)
	if err != nil {
		return nil, audio.OutputFormat{}, fmt.Errorf("%w: %w", ErrInvalidInput, err)
	}

	if len(segments) == 0 {
		return nil, audio.OutputFormat{}, fmt.Errorf("%w: no text left after normalization", ErrInvalidInput)
	}

	if len(segments) > 1 && !format.Appendable() {
		return nil, audio.OutputFormat{}, fmt.Errorf("%w: %w", ErrInvalidInput, audio.ErrConcatUnsupported)
	}

	return segments, format, nil
}

// recordPartial stores the audio of a failed run when the policy allows it.
// It reports whether a partial history item was stored.
func (r *Runner) recordPartial(ctx context.Context, req Request, report tts.RunReport, outcome *Outcome) bool {
	if !r.cfg.HistoryOnPartial || len(report.Results) == 0 {
		return false
	}

	// The run may have failed because ctx ended; the partial record must still be written.
	recording, err := r.history.Record(context.WithoutCancel(ctx), history.RecordInput{
		Owner:     req.Owner,
		Text:      req.Text,
		Options:   req.Options,
		VoiceName: req.VoiceName,
		Results:   report.Results,
		Partial:   true,
	})
	outcome.Audio = recording.Audio

	if err != nil {
		r.logger.Warn(logFmtPartialFailed, req.Owner, err)
		outcome.Warnings = append(outcome.Warnings, fmt.Errorf("%w: %w", ErrPersistence, err))
		outcome.Degraded = true

		return false
	}

	outcome.Item = recording.Item
	r.logger.Info(logFmtPartialRecorded, recording.Item.ID, req.Owner)

	return true
}

// ListHistory returns the owner's history, newest first.
func (r *Runner) ListHistory(ctx context.Context, owner string) ([]core.HistoryItem, error) {
	return r.history.List(ctx, owner)
}

// HistoryAudio returns the audio of one history item.
func (r *Runner) HistoryAudio(ctx context.Context, owner, id string) ([]byte, error) {
	return r.history.Audio(ctx, owner, id)
}

// DeleteHistoryItem removes one history item and its audio.
func (r *Runner) DeleteHistoryItem(ctx context.Context, owner, id string) error {
	return r.history.Delete(ctx, owner, id)
}

// ClearOwner removes the owner's history and every cached segment, after any
// run of that owner has finished.
func (r *Runner) ClearOwner(ctx context.Context, owner string) (ClearResult, error) {
	if owner == "" {
		return ClearResult{}, fmt.Errorf("%w: owner is required", ErrInvalidInput)
	}

	unlock, err := r.lockOwner(ctx, owner)
	if err != nil {
		return ClearResult{}, fmt.Errorf("waiting for the run of owner %s: %w", owner, err)
	}
	defer unlock()

	items, err := r.history.Clear(ctx, owner)
	if err != nil {
		return ClearResult{HistoryItems: items}, err
	}

	entries, err := r.cache.Clear(ctx, owner)
	if err != nil {
		return ClearResult{HistoryItems: items, CachedEntries: entries}, err
	}

	r.logger.Info(logFmtOwnerCleared, owner, items, entries)

	return ClearResult{HistoryItems: items, CachedEntries: entries}, nil
}

// lockOwner waits until no other run of owner is active.
func (r *Runner) lockOwner(ctx context.Context, owner string) (func(), error) {
	r.locksMu.Lock()

	lock, ok := r.locks[owner]
	if !ok {
		lock = &ownerLock{slot: make(chan struct{}, 1), refs: 0}
		r.locks[owner] = lock
	}

	lock.refs++
	r.locksMu.Unlock()

	select {
	case lock.slot <- struct{}{}:
		return func() {
			<-lock.slot
			r.releaseOwner(owner, lock)
		}, nil
	case <-ctx.Done():
		r.releaseOwner(owner, lock)

		return nil, ctx.Err()
	}
}

func (r *Runner) releaseOwner(owner string, lock *ownerLock) {
	r.locksMu.Lock()
	defer r.locksMu.Unlock()

	lock.refs--
	if lock.refs == 0 {
		delete(r.locks, owner)
	}
}
