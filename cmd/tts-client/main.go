// main package for the tts-client command line tool
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
)

// Flag names.
const (
	flagConfig  = "config"
	flagOwner   = "owner"
	flagVerbose = "verbose"
	flagFile    = "file"
	flagOutput  = "output"
	flagVoice   = "voice"
	flagModel   = "model"
	flagFormat  = "format"
	flagYes     = "yes"
)

// Flag descriptions.
const (
	flagConfigDesc  = "Path to a TOML configuration file (defaults to the configurator lookup)"
	flagOwnerDesc   = "Owner whose cache and history are used (defaults to $TTS_OWNER or $USER)"
	flagVerboseDesc = "Write a verbose log file"
	flagFileDesc    = "Read the text from a .txt or .md file"
	flagOutputDesc  = "Output audio file path"
	flagVoiceDesc   = "Voice ID, overriding tts_service.voice_id"
	flagModelDesc   = "Model ID, overriding tts_service.model_id"
	flagFormatDesc  = "Output format such as mp3_44100_128, overriding tts_service.output_format"
	flagYesDesc     = "Confirm removal of the whole history and segment cache"
)

// Error messages.
const (
	errEitherTextOrFile     = "either text arguments or --file must be provided"
	errCannotSpecifyBoth    = "cannot specify both text arguments and --file"
	errClearNeedsYes        = "history clear removes every item and cached segment; pass --yes to confirm"
	errFmtFailedToLoadCfg   = "failed to load configuration: %w"
	errFmtFailedToInitLog   = "failed to initialize logger: %w"
	errFmtFailedToParseFile = "failed to parse configuration file %s: %w"
)

// Output messages.
const (
	msgSegmentProgress = "  segment %d %s (%d chars)\n"
	msgGenerated       = "Generated: %s (%s, %d segments, %d cached) in %s\n"
	msgPartialWritten  = "Partial audio written to %s (%s)\n"
	msgWarning         = "Warning: %v\n"
	msgHistoryHeader   = "ID\tCREATED\tVOICE\tSEGMENTS\tPARTIAL\tTEXT"
	msgHistoryRow      = "%s\t%s\t%s\t%d\t%t\t%s\n"
	msgHistoryEmpty    = "No history for %s\n"
	msgDeleted         = "Deleted %s\n"
	msgCleared         = "Removed %d history items and %d cached segments for %s\n"
	msgSaved           = "Saved %s (%s)\n"
	msgKeyStatus       = "%s\t%s\t%d/%d\n"
	msgKeyError        = "%s\t%s\t%v\n"
	msgKeysSummary     = "%d of %d keys active\n"
	msgSubmitted       = "Service stored %s; saved %s (%s)\n"
)

// File names and defaults.
const (
	logFileNameDefault = "tts-client.log"
	logFileNameVerbose = "tts-client-verbose.log"
	defaultAudioStem   = "speech"
	partialSuffix      = ".partial"
	fallbackOwner      = "local"
	envOwner           = "TTS_OWNER"
	envUser            = "USER"
	clientName         = "tts-client"
)

// run executes the command line and releases the connections it opened.
func run() error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cliApp := newApp()
	defer cliApp.shutdown()

	return newRootCmd(cliApp).ExecuteContext(ctx)
}

func main() {
	err := run()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
