// Package keypool tracks provider credentials and their quota/auth status.
package keypool

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/book-expert/logger"
	"github.com/book-expert/tts-pipeline/internal/core"
	"golang.org/x/sync/errgroup"
)

const defaultRefreshConcurrency = 4

// Log formats.
const (
	logFmtKeyDepleted    = "Provider key %s marked depleted"
	logFmtKeyInvalid     = "Provider key %s marked invalid"
	logFmtValidateFailed = "Validation of provider key %s failed, keeping it active: %v"
	logFmtKeyValidated   = "Provider key %s validated: %s (%d/%d)"
)

var (
	// ErrNoActiveKeys indicates that every configured key is depleted or invalid.
	ErrNoActiveKeys = errors.New("no active provider keys")
	// ErrValidatorNil indicates that Refresh was called without a validator.
	ErrValidatorNil = errors.New("key validator cannot be nil")
)

// Pool holds provider keys in configured order. Status transitions are
// terminal for the lifetime of the pool.
//
// A key is unproven until one call made with it succeeds. Acquire hands an
// unproven key to one caller at a time, so a key that turns out to be spent
// is billed for a single request.
type Pool struct {
	mu      sync.RWMutex
	keys    []core.ProviderKey
	proven  map[string]bool
	proving map[string]bool
	changed chan struct{}
	log     *logger.Logger
}

// Lease is a key handed out by Acquire. Release must be called once the
// provider has answered.
type Lease struct {
	Key   core.ProviderKey
	pool  *Pool
	probe bool
}

// New creates a pool where every distinct, non-blank secret starts active.
func New(secrets []string, log *logger.Logger) *Pool {
	seen := make(map[string]struct{}, len(secrets))
	keys := make([]core.ProviderKey, 0, len(secrets))

	for _, secret := range secrets {
		secret = strings.TrimSpace(secret)
		if secret == "" {
			continue
		}

		if _, ok := seen[secret]; ok {
			continue
		}

		seen[secret] = struct{}{}
		keys = append(keys, core.ProviderKey{Secret: secret, Status: core.KeyActive})
	}

	return &Pool{
		keys:    keys,
		proven:  make(map[string]bool, len(keys)),
		proving: make(map[string]bool, len(keys)),
		changed: make(chan struct{}),
		log:     log,
	}
}

// NextActive returns the first key that is still active.
func (p *Pool) NextActive() (core.ProviderKey, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	return p.firstActive()
}

func (p *Pool) firstActive() (core.ProviderKey, error) {
	for _, key := range p.keys {
		if key.Status == core.KeyActive {
			return key, nil
		}
	}

	return core.ProviderKey{}, ErrNoActiveKeys
}

// Acquire returns the first active key. While that key is unproven and
// another caller holds it, Acquire waits for that caller's Release.
func (p *Pool) Acquire(ctx context.Context) (Lease, error) {
	for {
		p.mu.Lock()

		key, err := p.firstActive()
		if err != nil {
			p.mu.Unlock()

			return Lease{}, err
		}

		if p.proven[key.Secret] {
			p.mu.Unlock()

			return Lease{Key: key, pool: p, probe: false}, nil
		}

		if !p.proving[key.Secret] {
			p.proving[key.Secret] = true
			p.mu.Unlock()

			return Lease{Key: key, pool: p, probe: true}, nil
		}

		changed := p.changed
		p.mu.Unlock()

		select {
		case <-ctx.Done():
			return Lease{}, ctx.Err()
		case <-changed:
		}
	}
}

// Release ends the lease. A successful call proves the key for every later caller.
func (l Lease) Release(succeeded bool) {
	if !l.probe {
		return
	}

	l.pool.mu.Lock()
	defer l.pool.mu.Unlock()

	delete(l.pool.proving, l.Key.Secret)

	if succeeded {
		l.pool.proven[l.Key.Secret] = true
	}

	l.pool.notifyLocked()
}

// notifyLocked wakes every caller waiting in Acquire. p.mu must be held.
func (p *Pool) notifyLocked() {
	close(p.changed)
	p.changed = make(chan struct{})
}

// MarkDepleted demotes an active key after a quota-exhaustion signal. It
// reports whether this call performed the transition.
func (p *Pool) MarkDepleted(secret string) bool {
	changed := p.transition(secret, core.KeyDepleted)
	if changed {
		p.log.Warn(logFmtKeyDepleted, core.Redact(secret))
	}

	return changed
}

// MarkInvalid demotes an active key after an authentication failure. It
// reports whether this call performed the transition.
func (p *Pool) MarkInvalid(secret string) bool {
	changed := p.transition(secret, core.KeyInvalid)
	if changed {
		p.log.Warn(logFmtKeyInvalid, core.Redact(secret))
	}

	return changed
}

func (p *Pool) transition(secret string, status core.KeyStatus) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	for i := range p.keys {
		if p.keys[i].Secret != secret {
			continue
		}

		if p.keys[i].Status != core.KeyActive {
			return false
		}

		p.keys[i].Status = status
		p.notifyLocked()

		return true
	}

	return false
}

// Snapshot returns a copy of the keys and their current status.
func (p *Pool) Snapshot() []core.ProviderKey {
	p.mu.RLock()
	defer p.mu.RUnlock()

	snapshot := make([]core.ProviderKey, len(p.keys))
	copy(snapshot, p.keys)

	return snapshot
}

// Size returns the number of keys in the pool.
func (p *Pool) Size() int {
	p.mu.RLock()
	defer p.mu.RUnlock()

	return len(p.keys)
}

// ActiveCount returns the number of keys still usable.
func (p *Pool) ActiveCount() int {
	p.mu.RLock()
	defer p.mu.RUnlock()

	count := 0
	for _, key := range p.keys {
		if key.Status == core.KeyActive {
			count++
		}
	}

	return count
}

// Refresh asks the provider about every active key and demotes the ones it
// reports as invalid or depleted. Keys whose check fails stay active.
func (p *Pool) Refresh(ctx context.Context, validator core.KeyValidator, concurrency int) error {
	if validator == nil {
		return ErrValidatorNil
	}

	if concurrency <= 0 {
		concurrency = defaultRefreshConcurrency
	}

	group, groupCtx := errgroup.WithContext(ctx)
	group.SetLimit(concurrency)

	for _, key := range p.Snapshot() {
		if key.Status != core.KeyActive {
			continue
		}

		group.Go(func() error {
			return p.refreshKey(groupCtx, validator, key)
		})
	}

	err := group.Wait()
	if err != nil {
		return fmt.Errorf("failed to refresh provider keys: %w", err)
	}

	return nil
}

func (p *Pool) refreshKey(ctx context.Context, validator core.KeyValidator, key core.ProviderKey) error {
	result, err := validator.ValidateKey(ctx, key.Secret)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		p.log.Warn(logFmtValidateFailed, key.Label(), err)

		return nil
	}

	p.log.Info(logFmtKeyValidated, key.Label(), result.Status, result.Used, result.Limit)

	switch result.Status {
	case core.KeyInvalid:
		p.MarkInvalid(key.Secret)
	case core.KeyDepleted:
		p.MarkDepleted(key.Secret)
	case core.KeyActive, core.KeyUnknown:
	}

	return nil
}
