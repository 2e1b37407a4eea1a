// Package history assembles the ordered audio of a run into one artifact and
// keeps a durable per-owner record of completed runs.
package history

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/book-expert/logger"
	"github.com/book-expert/tts-pipeline/internal/core"
	"github.com/book-expert/tts-pipeline/internal/tts/audio"
	"github.com/google/uuid"
)

const audioKeyPrefix = "audio/"

const (
	logFmtRecorded       = "Recorded history item %s for owner %s (%d segments, partial=%t)"
	logFmtOrphanAudio    = "Failed to remove audio '%s' after a failed record: %v"
	logFmtDeletedItem    = "Deleted history item %s for owner %s"
	logFmtClearedHistory = "Cleared %d history items for owner %s"
)

var (
	// ErrNotFound is returned for items that do not exist or belong to another owner.
	ErrNotFound = errors.New("history item not found")
	// ErrHistoryStore wraps persistence failures of items or their audio.
	ErrHistoryStore = errors.New("history store failure")
	// ErrNoResults indicates an attempt to record a run that produced no audio.
	ErrNoResults = errors.New("no segment results to record")
	// ErrOwnerEmpty indicates a missing owner.
	ErrOwnerEmpty = errors.New("owner cannot be empty")
)

// RecordInput describes a finished run.
type RecordInput struct {
	Owner     string
	Text      string
	Options   core.SynthesisOptions
	VoiceName string
	// Results must be ordered by segment index.
	Results []core.SegmentResult
	Partial bool
}

// Recording is the outcome of Record. Audio is set whenever assembly
// succeeded, even if persisting it failed.
type Recording struct {
	Item  core.HistoryItem
	Audio []byte
}

// Assembler joins run audio and records it in the history store.
type Assembler struct {
	store  core.HistoryStore
	blobs  core.ObjectStore
	logger *logger.Logger
	now    func() time.Time
}

// NewAssembler creates an assembler over an item store and an audio blob store.
func NewAssembler(store core.HistoryStore, blobs core.ObjectStore, log *logger.Logger) *Assembler {
	return &Assembler{store: store, blobs: blobs, logger: log, now: time.Now}
}

// AudioKey returns the object name of the audio of an item.
func AudioKey(owner, id, extension string) string {
	return fmt.Sprintf("%s%s/%s.%s", audioKeyPrefix, core.EncodeOwner(owner), id, extension)
}

func ownerAudioPrefix(owner string) string {
	return audioKeyPrefix + core.EncodeOwner(owner) + "/"
}

// Record concatenates the ordered results, uploads the artifact and appends
// a history item. Persistence failures wrap ErrHistoryStore.
func (a *Assembler) Record(ctx context.Context, input RecordInput) (Recording, error) {
	if input.Owner == "" {
		return Recording{}, ErrOwnerEmpty
	}

	if len(input.Results) == 0 {
		return Recording{}, ErrNoResults
	}

	format, err := audio.ParseOutputFormat(input.Options.OutputFormat)
	if err != nil {
		return Recording{}, fmt.Errorf("failed to record history: %w", err)
	}

	parts := make([][]byte, 0, len(input.Results))
	for _, result := range input.Results {
		parts = append(parts, result.Audio)
	}

	joined, err := audio.Concatenate(format, parts)
	if err != nil {
		return Recording{}, fmt.Errorf("failed to assemble audio: %w", err)
	}

	id := uuid.NewString()
	item := core.HistoryItem{
		ID:           id,
		Owner:        input.Owner,
		Timestamp:    a.now().UTC(),
		TextExcerpt:  core.Excerpt(input.Text),
		VoiceName:    input.VoiceName,
		ModelID:      input.Options.ModelID,
		AudioRef:     AudioKey(input.Owner, id, format.Extension()),
		SegmentCount: len(input.Results),
		Partial:      input.Partial,
	}

	if item.VoiceName == "" {
		item.VoiceName = input.Options.VoiceID
	}

	recording := Recording{Item: item, Audio: joined}

	err = a.blobs.UploadWithMetadata(ctx, item.AudioRef, joined, map[string]string{
		"content_type": format.ContentType(),
		"history_id":   id,
	})
	if err != nil {
		return recording, fmt.Errorf("%w: upload audio: %w", ErrHistoryStore, err)
	}

	err = a.store.Append(ctx, item)
	if err != nil {
		removeErr := a.blobs.Delete(context.WithoutCancel(ctx), item.AudioRef)
		if removeErr != nil {
			a.logger.Warn(logFmtOrphanAudio, item.AudioRef, removeErr)
		}

		return recording, fmt.Errorf("%w: append item: %w", ErrHistoryStore, err)
	}

	a.logger.Info(logFmtRecorded, id, input.Owner, item.SegmentCount, item.Partial)

	return recording, nil
}

// List returns the items of owner, newest first.
func (a *Assembler) List(ctx context.Context, owner string) ([]core.HistoryItem, error) {
	items, err := a.store.List(ctx, owner)
	if err != nil {
		return nil, fmt.Errorf("%w: list: %w", ErrHistoryStore, err)
	}

	return items, nil
}

// Get returns one item of owner. Items of other owners are reported as ErrNotFound.
func (a *Assembler) Get(ctx context.Context, owner, id string) (core.HistoryItem, error) {
	item, err := a.store.Get(ctx, owner, id)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return core.HistoryItem{}, err
		}

		return core.HistoryItem{}, fmt.Errorf("%w: get: %w", ErrHistoryStore, err)
	}

	if item.Owner != owner {
		return core.HistoryItem{}, fmt.Errorf("history item '%s': %w", id, ErrNotFound)
	}

	return item, nil
}

// Audio downloads the artifact of one item of owner.
func (a *Assembler) Audio(ctx context.Context, owner, id string) ([]byte, error) {
	item, err := a.Get(ctx, owner, id)
	if err != nil {
		return nil, err
	}

	data, err := a.blobs.Download(ctx, item.AudioRef)
	if err != nil {
		return nil, fmt.Errorf("%w: download audio: %w", ErrHistoryStore, err)
	}

	return data, nil
}

// Delete removes one item of owner and its audio.
func (a *Assembler) Delete(ctx context.Context, owner, id string) error {
	item, err := a.Get(ctx, owner, id)
	if err != nil {
		return err
	}

	err = a.blobs.Delete(ctx, item.AudioRef)
	if err != nil {
		return fmt.Errorf("%w: delete audio: %w", ErrHistoryStore, err)
	}

	err = a.store.Delete(ctx, owner, id)
	if err != nil {
		return fmt.Errorf("%w: delete item: %w", ErrHistoryStore, err)
	}

	a.logger.Info(logFmtDeletedItem, id, owner)

	return nil
}

// Clear removes every item of owner and all of its audio.
func (a *Assembler) Clear(ctx context.Context, owner string) (int, error) {
	names, err := a.blobs.List(ctx, ownerAudioPrefix(owner))
	if err != nil {
		return 0, fmt.Errorf("%w: list audio: %w", ErrHistoryStore, err)
	}

	for _, name := range names {
		deleteErr := a.blobs.Delete(ctx, name)
		if deleteErr != nil {
			return 0, fmt.Errorf("%w: delete audio: %w", ErrHistoryStore, deleteErr)
		}
	}

	deleted, err := a.store.DeleteAll(ctx, owner)
	if err != nil {
		return deleted, fmt.Errorf("%w: delete items: %w", ErrHistoryStore, err)
	}

	a.logger.Info(logFmtClearedHistory, deleted, owner)

	return deleted, nil
}
