package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/book-expert/logger"
	"github.com/book-expert/tts-pipeline/internal/config"
	"github.com/book-expert/tts-pipeline/internal/core"
	"github.com/book-expert/tts-pipeline/internal/pipeline"
	"github.com/book-expert/tts-pipeline/internal/service"
	"github.com/pelletier/go-toml/v2"
)

// historyService is the part of the pipeline runner the commands use.
type historyService interface {
	Run(ctx context.Context, req pipeline.Request) (pipeline.Outcome, error)
	ListHistory(ctx context.Context, owner string) ([]core.HistoryItem, error)
	HistoryAudio(ctx context.Context, owner, id string) ([]byte, error)
	DeleteHistoryItem(ctx context.Context, owner, id string) error
	ClearOwner(ctx context.Context, owner string) (pipeline.ClearResult, error)
}

// submitter sends text to a running tts-service and returns the stored audio.
type submitter interface {
	Submit(ctx context.Context, owner, text, voice string) (audioKey string, audio []byte, err error)
}

// deps are created once per invocation by app.load.
type deps struct {
	cfg       *config.Config
	runner    historyService
	validator core.KeyValidator
	submitter submitter
	keys      []string
	close     func()
}

// rootFlags holds the persistent flag values.
type rootFlags struct {
	config  string
	owner   string
	verbose bool
}

type app struct {
	flags rootFlags
	deps  *deps
}

func newApp() *app {
	return &app{}
}

// owner resolves the --owner flag, falling back to the environment.
func (a *app) owner() string {
	if a.flags.owner != "" {
		return a.flags.owner
	}

	for _, name := range []string{envOwner, envUser} {
		if value := os.Getenv(name); value != "" {
			return value
		}
	}

	return fallbackOwner
}

// load reads the configuration and connects to NATS on first use.
func (a *app) load(ctx context.Context) (*deps, error) {
	if a.deps != nil {
		return a.deps, nil
	}

	bootstrapLog, err := logger.New(os.TempDir(), logFileNameDefault)
	if err != nil {
		return nil, fmt.Errorf(errFmtFailedToInitLog, err)
	}

	cfg, err := a.loadConfig(bootstrapLog)
	_ = bootstrapLog.Close()

	if err != nil {
		return nil, fmt.Errorf(errFmtFailedToLoadCfg, err)
	}

	logDir := cfg.Paths.BaseLogsDir
	if logDir == "" {
		logDir = os.TempDir()
	}

	logFileName := logFileNameDefault
	if a.flags.verbose {
		logFileName = logFileNameVerbose
	}

	log, err := logger.New(logDir, logFileName)
	if err != nil {
		return nil, fmt.Errorf(errFmtFailedToInitLog, err)
	}

	natsConnection, jetstreamContext, err := service.Connect(cfg.NATS.URL, clientName)
	if err != nil {
		_ = log.Close()

		return nil, err
	}

	components, err := service.Build(ctx, jetstreamContext, cfg, log)
	if err != nil {
		natsConnection.Close()
		_ = log.Close()

		return nil, err
	}

	a.deps = &deps{
		cfg:       cfg,
		runner:    components.Runner,
		validator: components.Client,
		submitter: &natsSubmitter{
			natsConnection: natsConnection,
			textStore:      components.TextStore,
			audioStore:     components.AudioStore,
			subject:        cfg.NATS.TextProcessedSubject,
			timeout:        time.Duration(cfg.TTS.TimeoutSeconds) * time.Second,
		},
		keys: cfg.TTS.Keys(),
		close: func() {
			natsConnection.Close()
			_ = log.Close()
		},
	}

	return a.deps, nil
}

// loadConfig decodes --config when given and otherwise uses the configurator.
func (a *app) loadConfig(log *logger.Logger) (*config.Config, error) {
	if a.flags.config == "" {
		return config.Load(log)
	}

	return loadConfigFile(a.flags.config)
}

// loadConfigFile reads, defaults and validates a TOML configuration file.
func loadConfigFile(path string) (*config.Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf(errFmtFailedToParseFile, path, err)
	}

	var cfg config.Config

	err = toml.Unmarshal(data, &cfg)
	if err != nil {
		return nil, fmt.Errorf(errFmtFailedToParseFile, path, err)
	}

	cfg.ApplyDefaults()

	err = cfg.Validate()
	if err != nil {
		return nil, err
	}

	return &cfg, nil
}

func (a *app) shutdown() {
	if a.deps != nil && a.deps.close != nil {
		a.deps.close()
	}
}
