package tts

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/book-expert/logger"
	"github.com/book-expert/tts-pipeline/internal/core"
	"github.com/book-expert/tts-pipeline/internal/keypool"
	"github.com/book-expert/tts-pipeline/internal/metrics"
	"github.com/book-expert/tts-pipeline/internal/segmentcache"
	"golang.org/x/sync/errgroup"
)

// Concurrency bounds of a run.
const (
	DefaultConcurrency = 2
	MaxConcurrency     = 4
)

const (
	logFmtRunStarted       = "Synthesizing %d segments for owner %s with concurrency %d"
	logFmtRunFinished      = "Run finished for owner %s: %d cached, %d synthesized"
	logFmtKeyDepleted      = "Key %s ran out of quota at segment %d, rotating"
	logFmtKeyInvalid       = "Key %s was rejected at segment %d, rotating"
	logFmtCacheReadFailed  = "Cache read failed for segment %d, synthesizing: %v"
	logFmtCacheWriteFailed = "Cache write failed for segment %d: %v"
	logFmtSegmentFailed    = "Segment %d failed: %v"
)

// OrchestratorConfig tunes a run.
type OrchestratorConfig struct {
	// Concurrency is the number of segments in flight. Zero means DefaultConcurrency.
	Concurrency int
}

// RunReport describes a run. Results are ordered by segment index.
type RunReport struct {
	Results           []core.SegmentResult
	CacheHits         int
	Synthesized       int
	PersistenceErrors []error
}

// Degraded reports whether some audio could not be persisted to the cache.
func (r RunReport) Degraded() bool {
	return len(r.PersistenceErrors) > 0
}

// Audio returns the audio of every result in order.
func (r RunReport) Audio() [][]byte {
	parts := make([][]byte, 0, len(r.Results))
	for _, result := range r.Results {
		parts = append(parts, result.Audio)
	}

	return parts
}

// Orchestrator synthesizes segments with key rotation and caching.
type Orchestrator struct {
	synth       core.Synthesizer
	pool        *keypool.Pool
	cache       *segmentcache.Cache
	logger      *logger.Logger
	concurrency int
}

// NewOrchestrator creates an orchestrator. The concurrency is clamped to [1, MaxConcurrency].
func NewOrchestrator(
	synth core.Synthesizer,
	pool *keypool.Pool,
	cache *segmentcache.Cache,
	log *logger.Logger,
	cfg OrchestratorConfig,
) *Orchestrator {
	concurrency := cfg.Concurrency
	if concurrency == 0 {
		concurrency = DefaultConcurrency
	}

	concurrency = max(1, min(concurrency, MaxConcurrency))

	return &Orchestrator{
		synth:       synth,
		pool:        pool,
		cache:       cache,
		logger:      log,
		concurrency: concurrency,
	}
}

// runState records the key demotions observed during one run and orders
// the first key acquisition of each segment by index.
type runState struct {
	quotaDemoted atomic.Bool
	authDemoted  atomic.Bool
	turns        []chan struct{}
	passed       []sync.Once
}

func newRunState(segmentCount int) *runState {
	turns := make([]chan struct{}, segmentCount)
	for index := range turns {
		turns[index] = make(chan struct{})
	}

	return &runState{turns: turns, passed: make([]sync.Once, segmentCount)}
}

func (s *runState) exhausted() error {
	switch {
	case s.quotaDemoted.Load():
		return fmt.Errorf("%w: %w", ErrQuotaExhausted, keypool.ErrNoActiveKeys)
	case s.authDemoted.Load():
		return fmt.Errorf("%w: %w", ErrAuthentication, keypool.ErrNoActiveKeys)
	default:
		return keypool.ErrNoActiveKeys
	}
}

// waitTurn blocks until the previous segment has acquired a key or finished.
func (s *runState) waitTurn(ctx context.Context, index int) error {
	if index == 0 {
		return nil
	}

	select {
	case <-s.turns[index-1]:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *runState) passTurn(index int) {
	s.passed[index].Do(func() { close(s.turns[index]) })
}

// failureWatermark tracks the lowest failed segment. A failure cancels only
// the segments above it, so earlier segments still finish.
type failureWatermark struct {
	mu      sync.Mutex
	lowest  int
	cancels map[int]context.CancelFunc
}

func newFailureWatermark(segmentCount int) *failureWatermark {
	return &failureWatermark{lowest: segmentCount, cancels: make(map[int]context.CancelFunc)}
}

// start returns the context of segment index, or false when the segment must not run.
func (w *failureWatermark) start(ctx context.Context, index int) (context.Context, func(), bool) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if index > w.lowest || ctx.Err() != nil {
		return nil, nil, false
	}

	segmentCtx, cancel := context.WithCancel(ctx)
	w.cancels[index] = cancel

	return segmentCtx, func() {
		w.mu.Lock()
		delete(w.cancels, index)
		w.mu.Unlock()
		cancel()
	}, true
}

func (w *failureWatermark) fail(index int) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if index >= w.lowest {
		return
	}

	w.lowest = index

	for running, cancel := range w.cancels {
		if running > index {
			cancel()
		}
	}
}

type segmentOutcome struct {
	result core.SegmentResult
	err    error
}

// Run synthesizes segments and releases results to emit strictly in index
// order. emit may be nil. On failure the report holds every result released
// before the failing segment and the error is a *RunError.
func (o *Orchestrator) Run(
	ctx context.Context,
	owner string,
	segments []core.Segment,
	options core.SynthesisOptions,
	emit func(core.SegmentResult),
) (RunReport, error) {
	report := RunReport{
		Results:           make([]core.SegmentResult, 0, len(segments)),
		CacheHits:         0,
		Synthesized:       0,
		PersistenceErrors: nil,
	}

	if len(segments) == 0 {
		return report, nil
	}

	o.logger.Info(logFmtRunStarted, len(segments), owner, o.concurrency)

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	state := newRunState(len(segments))
	slots := make([]chan segmentOutcome, len(segments))

	for index := range slots {
		slots[index] = make(chan segmentOutcome, 1)
	}

	dispatchDone := make(chan struct{})

	go o.dispatch(runCtx, owner, segments, options, state, slots, dispatchDone)

	for index := range segments {
		outcome := <-slots[index]
		if outcome.err != nil {
			cancel()
			<-dispatchDone

			return report, o.failure(ctx, index, outcome.err)
		}

		report.Results = append(report.Results, outcome.result)

		if outcome.result.FromCache {
			report.CacheHits++
		} else {
			report.Synthesized++
		}

		if outcome.result.CacheErr != nil {
			report.PersistenceErrors = append(report.PersistenceErrors, outcome.result.CacheErr)
		}

		if emit != nil {
			emit(outcome.result)
		}
	}

	<-dispatchDone
	o.logger.Info(logFmtRunFinished, owner, report.CacheHits, report.Synthesized)

	return report, nil
}

// dispatch starts one bounded task per segment. Every slot receives exactly one outcome.
func (o *Orchestrator) dispatch(
	ctx context.Context,
	owner string,
	segments []core.Segment,
	options core.SynthesisOptions,
	state *runState,
	slots []chan segmentOutcome,
	done chan<- struct{},
) {
	defer close(done)

	var group errgroup.Group

	group.SetLimit(o.concurrency)

	watermark := newFailureWatermark(len(segments))

	for index, segment := range segments {
		group.Go(func() error {
			defer state.passTurn(index)

			segmentCtx, finish, ok := watermark.start(ctx, index)
			if !ok {
				err := ctx.Err()
				if err == nil {
					err = context.Canceled
				}

				slots[index] <- segmentOutcome{result: core.SegmentResult{}, err: err}

				return nil
			}
			defer finish()

			result, err := o.processSegment(segmentCtx, index, owner, segment, options, state)
			if err != nil {
				watermark.fail(index)
			}

			slots[index] <- segmentOutcome{result: result, err: err}

			return nil
		})
	}

	_ = group.Wait()
}

// failure builds the run error. Every segment below index succeeded, and a
// failure never cancels a lower segment, so index is the lowest failing segment.
func (o *Orchestrator) failure(ctx context.Context, index int, err error) error {
	if ctx.Err() != nil {
		return &RunError{Index: index, Cause: ctx.Err()}
	}

	return &RunError{Index: index, Cause: err}
}

// processSegment resolves one segment from the cache or the provider.
func (o *Orchestrator) processSegment(
	ctx context.Context,
	position int,
	owner string,
	segment core.Segment,
	options core.SynthesisOptions,
	state *runState,
) (core.SegmentResult, error) {
	ctxErr := ctx.Err()
	if ctxErr != nil {
		return core.SegmentResult{}, ctxErr
	}

	cacheKey := segmentcache.KeyFor(owner, segment, options)

	entry, found, err := o.cache.Get(ctx, cacheKey)
	if err != nil {
		o.logger.Warn(logFmtCacheReadFailed, segment.Index, err)
	}

	if found {
		metrics.RecordSegment(metrics.SegmentCached)

		return core.SegmentResult{Segment: segment, Audio: entry.Audio, FromCache: true, CacheErr: nil}, nil
	}

	audio, err := o.synthesizeWithRotation(ctx, position, segment, options, state)
	if err != nil {
		if !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
			metrics.RecordSegment(metrics.SegmentFailed)
			o.logger.Error(logFmtSegmentFailed, segment.Index, err)
		}

		return core.SegmentResult{}, err
	}

	metrics.RecordSegment(metrics.SegmentSynthesized)

	result := core.SegmentResult{Segment: segment, Audio: audio, FromCache: false, CacheErr: nil}

	putErr := o.cache.Put(ctx, core.CacheEntry{Key: cacheKey, Audio: audio, CreatedAt: time.Now()})
	if putErr != nil {
		metrics.RecordCacheWriteError()
		o.logger.Warn(logFmtCacheWriteFailed, segment.Index, putErr)
		result.CacheErr = putErr
	}

	return result, nil
}

// synthesizeWithRotation calls the provider, demoting keys on quota and
// authentication failures. Each segment makes at most pool size + 1 attempts.
// The first key acquisition waits for the previous segment's, so an unproven
// key is tried by the lowest waiting segment.
func (o *Orchestrator) synthesizeWithRotation(
	ctx context.Context,
	position int,
	segment core.Segment,
	options core.SynthesisOptions,
	state *runState,
) ([]byte, error) {
	turnErr := state.waitTurn(ctx, position)
	if turnErr != nil {
		return nil, turnErr
	}

	attempts := o.pool.Size() + 1

	for range attempts {
		ctxErr := ctx.Err()
		if ctxErr != nil {
			return nil, ctxErr
		}

		lease, err := o.pool.Acquire(ctx)
		state.passTurn(position)

		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}

			return nil, state.exhausted()
		}

		started := time.Now()
		audio, err := o.synth.Synthesize(ctx, core.SynthesisRequest{Text: segment.Text, Options: options, Key: lease.Key})
		metrics.ObserveSynthesis(started)

		if err == nil {
			lease.Release(len(audio) > 0)

			// Audio that arrives after cancellation is discarded.
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}

			if len(audio) == 0 {
				return nil, fmt.Errorf("%w: %w", ErrSynthesisFailed, ErrEmptyAudio)
			}

			return audio, nil
		}

		rotateErr := o.demote(lease.Key, segment, err, state)
		lease.Release(false)

		if rotateErr != nil {
			return nil, rotateErr
		}
	}

	return nil, state.exhausted()
}

// demote applies a provider failure to the key. It returns nil when the
// segment should be retried with the next key.
func (o *Orchestrator) demote(key core.ProviderKey, segment core.Segment, err error, state *runState) error {
	switch {
	case errors.Is(err, ErrQuotaExceeded):
		state.quotaDemoted.Store(true)

		if o.pool.MarkDepleted(key.Secret) {
			metrics.RecordKeyRotation(metrics.RotationQuota)
			o.logger.Warn(logFmtKeyDepleted, key.Label(), segment.Index)
		}

		return nil
	case errors.Is(err, ErrAuthentication):
		state.authDemoted.Store(true)

		if o.pool.MarkInvalid(key.Secret) {
			metrics.RecordKeyRotation(metrics.RotationAuth)
			o.logger.Warn(logFmtKeyInvalid, key.Label(), segment.Index)
		}

		return nil
	case errors.Is(err, ErrSynthesisFailed),
		errors.Is(err, context.Canceled),
		errors.Is(err, context.DeadlineExceeded):
		return err
	default:
		return fmt.Errorf("%w: %w", ErrSynthesisFailed, err)
	}
}
