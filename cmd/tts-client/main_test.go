package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/book-expert/events"
	"github.com/book-expert/tts-pipeline/internal/config"
	"github.com/book-expert/tts-pipeline/internal/core"
	"github.com/book-expert/tts-pipeline/internal/objectstore"
	"github.com/book-expert/tts-pipeline/internal/pipeline"
	"github.com/book-expert/tts-pipeline/internal/tts"
	"github.com/book-expert/tts-pipeline/internal/tts/ttsutils"
	"github.com/nats-io/nats-server/v2/test"
	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testConfig = `
[nats]
url = "nats://127.0.0.1:4222"

[tts_service]
api_keys = ["sk-first-0001", "sk-second-0002"]
voice_id = "voice-1"
voice_name = "Rachel"
model_id = "model-1"
stability = 0.5
similarity_boost = 0.75
`

var errRunFailed = errors.New("run failed")

// fakeRunner is a hand mock of historyService.
type fakeRunner struct {
	mu       sync.Mutex
	requests []pipeline.Request
	outcome  pipeline.Outcome
	runErr   error
	items    []core.HistoryItem
	audio    map[string][]byte
	deleted  []string
	cleared  pipeline.ClearResult
}

func (f *fakeRunner) Run(_ context.Context, req pipeline.Request) (pipeline.Outcome, error) {
	f.mu.Lock()
	f.requests = append(f.requests, req)
	f.mu.Unlock()

	if req.Emit != nil {
		for _, result := range f.outcome.Report.Results {
			req.Emit(result)
		}
	}

	return f.outcome, f.runErr
}

func (f *fakeRunner) ListHistory(context.Context, string) ([]core.HistoryItem, error) {
	return f.items, nil
}

func (f *fakeRunner) HistoryAudio(_ context.Context, _, id string) ([]byte, error) {
	data, ok := f.audio[id]
	if !ok {
		return nil, core.ErrObjectNotFound
	}

	return data, nil
}

func (f *fakeRunner) DeleteHistoryItem(_ context.Context, _, id string) error {
	f.deleted = append(f.deleted, id)

	return nil
}

func (f *fakeRunner) ClearOwner(context.Context, string) (pipeline.ClearResult, error) {
	return f.cleared, nil
}

// fakeValidator reports a fixed status per secret.
type fakeValidator struct {
	results map[string]core.KeyValidation
}

func (f *fakeValidator) ValidateKey(_ context.Context, secret string) (core.KeyValidation, error) {
	result, ok := f.results[secret]
	if !ok {
		return core.KeyValidation{Status: core.KeyUnknown}, tts.ErrSynthesisFailed
	}

	return result, nil
}

func writeConfig(t *testing.T, contents string) string {
	t.Helper()

	path := filepath.Join(t.TempDir(), "project.toml")
	require.NoError(t, os.WriteFile(path, []byte(contents), 0o600))

	return path
}

func newTestApp(t *testing.T, runner *fakeRunner) *app {
	t.Helper()

	cfg, err := loadConfigFile(writeConfig(t, testConfig))
	require.NoError(t, err)

	return &app{
		flags: rootFlags{config: "", owner: "", verbose: false},
		deps: &deps{
			cfg:    cfg,
			runner: runner,
			validator: &fakeValidator{results: map[string]core.KeyValidation{
				"sk-first-0001": {Status: core.KeyDepleted, Used: 100, Limit: 100},
			}},
			submitter: nil,
			keys:      cfg.TTS.Keys(),
			close:     nil,
		},
	}
}

func execute(t *testing.T, cliApp *app, args ...string) (string, error) {
	t.Helper()

	var out bytes.Buffer

	rootCmd := newRootCmd(cliApp)
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&out)
	rootCmd.SetArgs(args)

	err := rootCmd.ExecuteContext(context.Background())

	return out.String(), err
}

func segmentResults(texts ...string) []core.SegmentResult {
	results := make([]core.SegmentResult, 0, len(texts))
	for index, text := range texts {
		results = append(results, core.SegmentResult{
			Segment:   core.NewSegment(index, text),
			Audio:     []byte(text),
			FromCache: index == 0,
			CacheErr:  nil,
		})
	}

	return results
}

func TestInputText(t *testing.T) {
	t.Parallel()

	textFile := filepath.Join(t.TempDir(), "page.txt")
	require.NoError(t, os.WriteFile(textFile, []byte("from file"), 0o600))

	testCases := []struct {
		name    string
		args    []string
		file    string
		want    string
		wantErr error
	}{
		{name: "text arguments", args: []string{"Hello,", "world!"}, want: "Hello, world!"},
		{name: "text file", file: textFile, want: "from file"},
		{name: "both", args: []string{"text"}, file: textFile, wantErr: errConflictInput},
		{name: "neither", args: []string{"  "}, wantErr: errMissingText},
		{name: "unsupported file", file: "cover.png", wantErr: ttsutils.ErrUnsupportedTextFile},
	}

	for _, testCase := range testCases {
		t.Run(testCase.name, func(t *testing.T) {
			t.Parallel()

			got, err := inputText(testCase.args, testCase.file)
			if testCase.wantErr != nil {
				require.ErrorIs(t, err, testCase.wantErr)

				return
			}

			require.NoError(t, err)
			assert.Equal(t, testCase.want, got)
		})
	}
}

func TestLoadConfigFile(t *testing.T) {
	t.Parallel()

	cfg, err := loadConfigFile(writeConfig(t, testConfig))
	require.NoError(t, err)
	assert.Equal(t, config.DefaultOutputFormat, cfg.TTS.OutputFormat)
	assert.Equal(t, []string{"sk-first-0001", "sk-second-0002"}, cfg.TTS.Keys())

	_, err = loadConfigFile(writeConfig(t, "[tts_service]\nvoice_id = \"v\"\n"))
	require.ErrorIs(t, err, config.ErrInvalidConfig)

	_, err = loadConfigFile(writeConfig(t, "not = [valid"))
	require.Error(t, err)

	_, err = loadConfigFile(filepath.Join(t.TempDir(), "missing.toml"))
	require.Error(t, err)
}

func TestOwner_Fallback(t *testing.T) {
	t.Setenv(envOwner, "")
	t.Setenv(envUser, "")

	cliApp := newApp()
	assert.Equal(t, fallbackOwner, cliApp.owner())

	t.Setenv(envUser, "unix-user")
	assert.Equal(t, "unix-user", cliApp.owner())

	t.Setenv(envOwner, "book-reader")
	assert.Equal(t, "book-reader", cliApp.owner())

	cliApp.flags.owner = "explicit"
	assert.Equal(t, "explicit", cliApp.owner())
}

func TestSpeak_WritesAudio(t *testing.T) {
	t.Parallel()

	runner := &fakeRunner{outcome: pipeline.Outcome{
		Item:     core.HistoryItem{ID: "item-1"},
		Audio:    []byte("one-two"),
		Report:   tts.RunReport{Results: segmentResults("one-", "two"), CacheHits: 1, Synthesized: 1},
		Segments: 2,
	}}
	cliApp := newTestApp(t, runner)
	target := filepath.Join(t.TempDir(), "out", "speech.mp3")

	out, err := execute(t, cliApp, "speak", "--owner", "alice", "-o", target, "Hello", "there.")
	require.NoError(t, err)

	data, err := os.ReadFile(target)
	require.NoError(t, err)
	assert.Equal(t, []byte("one-two"), data)

	assert.Contains(t, out, "segment 1 cached")
	assert.Contains(t, out, "segment 2 synthesized")
	assert.Contains(t, out, "Generated: "+target)

	require.Len(t, runner.requests, 1)
	req := runner.requests[0]
	assert.Equal(t, "alice", req.Owner)
	assert.Equal(t, "Hello there.", req.Text)
	assert.Equal(t, "voice-1", req.Options.VoiceID)
	assert.Equal(t, "Rachel", req.VoiceName)
}

func TestSpeak_FlagsOverrideDefaults(t *testing.T) {
	t.Parallel()

	runner := &fakeRunner{outcome: pipeline.Outcome{Audio: []byte("x"), Segments: 1}}
	cliApp := newTestApp(t, runner)
	target := filepath.Join(t.TempDir(), "speech.pcm")

	_, err := execute(t, cliApp, "speak", "-o", target,
		"--voice", "voice-2", "--model", "model-2", "--format", "pcm_16000", "Hi.")
	require.NoError(t, err)

	require.Len(t, runner.requests, 1)
	options := runner.requests[0].Options
	assert.Equal(t, "voice-2", options.VoiceID)
	assert.Equal(t, "model-2", options.ModelID)
	assert.Equal(t, "pcm_16000", options.OutputFormat)
	assert.Equal(t, "voice-2", runner.requests[0].VoiceName)
}

func TestSpeak_WritesPartialAudioOnFailure(t *testing.T) {
	t.Parallel()

	runner := &fakeRunner{
		outcome: pipeline.Outcome{Audio: []byte("one-"), Report: tts.RunReport{Results: segmentResults("one-")}},
		runErr:  errRunFailed,
	}
	cliApp := newTestApp(t, runner)
	target := filepath.Join(t.TempDir(), "speech.mp3")

	out, err := execute(t, cliApp, "speak", "-o", target, "Hello.")
	require.ErrorIs(t, err, errRunFailed)
	assert.Contains(t, out, "Partial audio written to "+target+partialSuffix)

	data, err := os.ReadFile(target + partialSuffix)
	require.NoError(t, err)
	assert.Equal(t, []byte("one-"), data)

	_, err = os.Stat(target)
	assert.True(t, os.IsNotExist(err))
}

func TestSpeak_RequiresText(t *testing.T) {
	t.Parallel()

	runner := &fakeRunner{}

	_, err := execute(t, newTestApp(t, runner), "speak")
	require.ErrorIs(t, err, errMissingText)
	assert.Empty(t, runner.requests)
}

func TestHistoryList(t *testing.T) {
	t.Parallel()

	runner := &fakeRunner{items: []core.HistoryItem{
		{
			ID:           "item-2",
			Timestamp:    time.Date(2026, 1, 2, 3, 4, 0, 0, time.UTC),
			TextExcerpt:  "second\nrun",
			VoiceName:    "Rachel",
			SegmentCount: 3,
			Partial:      true,
		},
		{ID: "item-1", TextExcerpt: "first", VoiceName: "Rachel", SegmentCount: 1},
	}}

	out, err := execute(t, newTestApp(t, runner), "history", "list", "--owner", "alice")
	require.NoError(t, err)
	assert.Contains(t, out, "ID")
	assert.Contains(t, out, "item-2")
	assert.Contains(t, out, "second run")
	assert.Less(t, bytes.Index([]byte(out), []byte("item-2")), bytes.Index([]byte(out), []byte("item-1")))

	out, err = execute(t, newTestApp(t, &fakeRunner{}), "history", "list", "--owner", "bob")
	require.NoError(t, err)
	assert.Contains(t, out, "No history for bob")
}

func TestHistoryGetDeleteClear(t *testing.T) {
	t.Parallel()

	runner := &fakeRunner{
		audio:   map[string][]byte{"item-1": []byte("stored audio")},
		cleared: pipeline.ClearResult{HistoryItems: 2, CachedEntries: 5},
	}
	cliApp := newTestApp(t, runner)
	target := filepath.Join(t.TempDir(), "item.mp3")

	_, err := execute(t, cliApp, "history", "get", "item-1", "-o", target)
	require.NoError(t, err)

	data, err := os.ReadFile(target)
	require.NoError(t, err)
	assert.Equal(t, []byte("stored audio"), data)

	_, err = execute(t, cliApp, "history", "get", "missing", "-o", target)
	require.ErrorIs(t, err, core.ErrObjectNotFound)

	out, err := execute(t, cliApp, "history", "delete", "item-1")
	require.NoError(t, err)
	assert.Contains(t, out, "Deleted item-1")
	assert.Equal(t, []string{"item-1"}, runner.deleted)

	_, err = execute(t, cliApp, "history", "clear")
	require.ErrorIs(t, err, errNotConfirmed)

	out, err = execute(t, cliApp, "history", "clear", "--yes", "--owner", "alice")
	require.NoError(t, err)
	assert.Contains(t, out, "Removed 2 history items and 5 cached segments for alice")
}

func TestKeysCheck(t *testing.T) {
	t.Parallel()

	out, err := execute(t, newTestApp(t, &fakeRunner{}), "keys", "check")
	require.NoError(t, err)

	assert.Contains(t, out, "****0001\tdepleted\t100/100")
	assert.Contains(t, out, "****0002\terror")
	assert.Contains(t, out, "0 of 2 keys active")
	assert.NotContains(t, out, "sk-first")
}

func TestNatsSubmitter_RoundTrip(t *testing.T) {
	t.Parallel()

	opts := test.DefaultTestOptions
	opts.Port = -1
	opts.JetStream = true
	opts.StoreDir = t.TempDir()
	server := test.RunServer(&opts)
	t.Cleanup(server.Shutdown)

	natsConnection, err := nats.Connect(server.ClientURL())
	require.NoError(t, err)
	t.Cleanup(natsConnection.Close)

	jetstreamContext, err := natsConnection.JetStream()
	require.NoError(t, err)

	textStore, err := objectstore.New(jetstreamContext, "text")
	require.NoError(t, err)

	audioStore, err := objectstore.New(jetstreamContext, "audio")
	require.NoError(t, err)

	ctx := context.Background()

	// A stand-in for the service worker.
	sub, err := natsConnection.Subscribe("tts.text.processed", func(msg *nats.Msg) {
		var event events.TextProcessedEvent
		if json.Unmarshal(msg.Data, &event) != nil {
			return
		}

		text, downloadErr := textStore.Download(ctx, event.TextKey)
		if downloadErr != nil {
			return
		}

		audioKey := "audio/" + event.Header.UserID + "/" + event.Voice + ".mp3"
		if audioStore.Upload(ctx, audioKey, append([]byte("audio:"), text...)) != nil {
			return
		}

		reply, _ := json.Marshal(&events.AudioChunkCreatedEvent{Header: event.Header, AudioKey: audioKey})
		_ = msg.Respond(reply)
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = sub.Unsubscribe() })
	require.NoError(t, natsConnection.Flush())

	submit := &natsSubmitter{
		natsConnection: natsConnection,
		textStore:      textStore,
		audioStore:     audioStore,
		subject:        "tts.text.processed",
		timeout:        5 * time.Second,
	}

	audioKey, data, err := submit.Submit(ctx, "alice", "Read me.", "voice-2")
	require.NoError(t, err)
	assert.Equal(t, "audio/alice/voice-2.mp3", audioKey)
	assert.Equal(t, []byte("audio:Read me."), data)

	leftovers, err := textStore.List(ctx, submittedTextPrefix)
	require.NoError(t, err)
	assert.Empty(t, leftovers, "submitted text is removed after the reply")

	submit.subject = "nobody.listens"
	_, _, err = submit.Submit(ctx, "alice", "Read me.", "")
	require.Error(t, err)
}
