package main

import (
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/book-expert/tts-pipeline/internal/config"
	"github.com/book-expert/tts-pipeline/internal/core"
	"github.com/book-expert/tts-pipeline/internal/pipeline"
	"github.com/book-expert/tts-pipeline/internal/tts/audio"
	"github.com/book-expert/tts-pipeline/internal/tts/ttsutils"
	"github.com/spf13/cobra"
)

const (
	tabMinWidth = 0
	tabWidth    = 4
	tabPadding  = 2
	timeLayout  = "2006-01-02 15:04"
)

var (
	errMissingText   = errors.New(errEitherTextOrFile)
	errConflictInput = errors.New(errCannotSpecifyBoth)
	errNotConfirmed  = errors.New(errClearNeedsYes)
)

// speakFlags holds the flags shared by speak and submit.
type speakFlags struct {
	file   string
	output string
	voice  string
	model  string
	format string
}

func newRootCmd(a *app) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:           "tts-client",
		Short:         "Turn text into speech with rotating provider keys",
		Long:          "tts-client splits text into segments, synthesizes them with the configured provider keys and keeps a per-owner history of the results.",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().StringVarP(&a.flags.config, flagConfig, "c", "", flagConfigDesc)
	rootCmd.PersistentFlags().StringVar(&a.flags.owner, flagOwner, "", flagOwnerDesc)
	rootCmd.PersistentFlags().BoolVarP(&a.flags.verbose, flagVerbose, "v", false, flagVerboseDesc)

	rootCmd.AddCommand(a.newSpeakCmd(), a.newSubmitCmd(), a.newHistoryCmd(), a.newKeysCmd())

	return rootCmd
}

func addSpeakFlags(cmd *cobra.Command, flags *speakFlags) {
	cmd.Flags().StringVarP(&flags.file, flagFile, "f", "", flagFileDesc)
	cmd.Flags().StringVarP(&flags.output, flagOutput, "o", "", flagOutputDesc)
	cmd.Flags().StringVar(&flags.voice, flagVoice, "", flagVoiceDesc)
}

func (a *app) newSpeakCmd() *cobra.Command {
	var flags speakFlags

	cmd := &cobra.Command{
		Use:   "speak [text...]",
		Short: "Synthesize text locally and record it in the owner's history",
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.speak(cmd, args, flags)
		},
	}

	addSpeakFlags(cmd, &flags)
	cmd.Flags().StringVar(&flags.model, flagModel, "", flagModelDesc)
	cmd.Flags().StringVar(&flags.format, flagFormat, "", flagFormatDesc)

	return cmd
}

func (a *app) speak(cmd *cobra.Command, args []string, flags speakFlags) error {
	text, err := inputText(args, flags.file)
	if err != nil {
		return err
	}

	d, err := a.load(cmd.Context())
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	options, voiceName := requestOptions(d.cfg, flags)
	started := time.Now()

	outcome, runErr := d.runner.Run(cmd.Context(), pipeline.Request{
		Owner:     a.owner(),
		Text:      text,
		Options:   options,
		VoiceName: voiceName,
		Emit: func(result core.SegmentResult) {
			fmt.Fprintf(out, msgSegmentProgress, result.Segment.Index+1, segmentSource(result), result.Segment.CharCount)
		},
	})

	format, formatErr := audio.ParseOutputFormat(options.OutputFormat)
	if formatErr != nil {
		return errors.Join(runErr, formatErr)
	}

	if runErr != nil {
		if len(outcome.Audio) > 0 {
			path := outputPath(flags.output, defaultAudioStem, format) + partialSuffix

			writeErr := ttsutils.WriteAudioFile(path, outcome.Audio)
			if writeErr != nil {
				return errors.Join(runErr, writeErr)
			}

			fmt.Fprintf(out, msgPartialWritten, path, ttsutils.FormatFileSize(int64(len(outcome.Audio))))
		}

		return runErr
	}

	for _, warning := range outcome.Warnings {
		fmt.Fprintf(out, msgWarning, warning)
	}

	stem := outcome.Item.ID
	if stem == "" {
		stem = defaultAudioStem
	}

	path := outputPath(flags.output, stem, format)

	err = ttsutils.WriteAudioFile(path, outcome.Audio)
	if err != nil {
		return err
	}

	fmt.Fprintf(
		out,
		msgGenerated,
		path,
		ttsutils.FormatFileSize(int64(len(outcome.Audio))),
		outcome.Segments,
		outcome.Report.CacheHits,
		ttsutils.FormatDuration(time.Since(started)),
	)

	return nil
}

func (a *app) newSubmitCmd() *cobra.Command {
	var flags speakFlags

	cmd := &cobra.Command{
		Use:   "submit [text...]",
		Short: "Send text to a running tts-service over NATS and save the result",
		RunE: func(cmd *cobra.Command, args []string) error {
			text, err := inputText(args, flags.file)
			if err != nil {
				return err
			}

			d, err := a.load(cmd.Context())
			if err != nil {
				return err
			}

			audioKey, data, err := d.submitter.Submit(cmd.Context(), a.owner(), text, flags.voice)
			if err != nil {
				return err
			}

			path := flags.output
			if path == "" {
				path = filepath.Join(ttsutils.DefaultOutputDir(), ttsutils.SanitizeFilename(filepath.Base(audioKey)))
			}

			err = ttsutils.WriteAudioFile(path, data)
			if err != nil {
				return err
			}

			fmt.Fprintf(cmd.OutOrStdout(), msgSubmitted, audioKey, path, ttsutils.FormatFileSize(int64(len(data))))

			return nil
		},
	}

	addSpeakFlags(cmd, &flags)

	return cmd
}

func (a *app) newHistoryCmd() *cobra.Command {
	historyCmd := &cobra.Command{
		Use:   "history",
		Short: "List, fetch and remove the owner's history",
	}

	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List history items, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			d, err := a.load(cmd.Context())
			if err != nil {
				return err
			}

			items, err := d.runner.ListHistory(cmd.Context(), a.owner())
			if err != nil {
				return err
			}

			return printHistory(cmd.OutOrStdout(), a.owner(), items)
		},
	}

	var output string

	getCmd := &cobra.Command{
		Use:   "get <id>",
		Short: "Save the audio of a history item",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			d, err := a.load(cmd.Context())
			if err != nil {
				return err
			}

			data, err := d.runner.HistoryAudio(cmd.Context(), a.owner(), args[0])
			if err != nil {
				return err
			}

			path := output
			if path == "" {
				path = filepath.Join(ttsutils.DefaultOutputDir(), ttsutils.SanitizeFilename(args[0]))
			}

			err = ttsutils.WriteAudioFile(path, data)
			if err != nil {
				return err
			}

			fmt.Fprintf(cmd.OutOrStdout(), msgSaved, path, ttsutils.FormatFileSize(int64(len(data))))

			return nil
		},
	}
	getCmd.Flags().StringVarP(&output, flagOutput, "o", "", flagOutputDesc)

	deleteCmd := &cobra.Command{
		Use:   "delete <id>",
		Short: "Delete one history item and its audio",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			d, err := a.load(cmd.Context())
			if err != nil {
				return err
			}

			err = d.runner.DeleteHistoryItem(cmd.Context(), a.owner(), args[0])
			if err != nil {
				return err
			}

			fmt.Fprintf(cmd.OutOrStdout(), msgDeleted, args[0])

			return nil
		},
	}

	var confirmed bool

	clearCmd := &cobra.Command{
		Use:   "clear",
		Short: "Delete the whole history and segment cache of the owner",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if !confirmed {
				return errNotConfirmed
			}

			d, err := a.load(cmd.Context())
			if err != nil {
				return err
			}

			cleared, err := d.runner.ClearOwner(cmd.Context(), a.owner())
			if err != nil {
				return err
			}

			fmt.Fprintf(cmd.OutOrStdout(), msgCleared, cleared.HistoryItems, cleared.CachedEntries, a.owner())

			return nil
		},
	}
	clearCmd.Flags().BoolVar(&confirmed, flagYes, false, flagYesDesc)

	historyCmd.AddCommand(listCmd, getCmd, deleteCmd, clearCmd)

	return historyCmd
}

func (a *app) newKeysCmd() *cobra.Command {
	keysCmd := &cobra.Command{
		Use:   "keys",
		Short: "Inspect the configured provider keys",
	}

	checkCmd := &cobra.Command{
		Use:   "check",
		Short: "Ask the provider about the usage of every configured key",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			d, err := a.load(cmd.Context())
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			active := 0

			for _, secret := range d.keys {
				label := core.Redact(secret)

				result, validateErr := d.validator.ValidateKey(cmd.Context(), secret)
				if validateErr != nil {
					fmt.Fprintf(out, msgKeyError, label, result.Status, validateErr)

					continue
				}

				if result.Status == core.KeyActive {
					active++
				}

				fmt.Fprintf(out, msgKeyStatus, label, result.Status, result.Used, result.Limit)
			}

			fmt.Fprintf(out, msgKeysSummary, active, len(d.keys))

			return nil
		},
	}

	keysCmd.AddCommand(checkCmd)

	return keysCmd
}

// inputText returns the text of the positional arguments or of --file, but not both.
func inputText(args []string, file string) (string, error) {
	joined := strings.TrimSpace(strings.Join(args, " "))

	switch {
	case joined == "" && file == "":
		return "", errMissingText
	case joined != "" && file != "":
		return "", errConflictInput
	case file != "":
		return ttsutils.ReadTextFile(file)
	default:
		return joined, nil
	}
}

// requestOptions applies the command flags over the configured defaults.
func requestOptions(cfg *config.Config, flags speakFlags) (core.SynthesisOptions, string) {
	options := cfg.TTS.DefaultOptions()
	voiceName := cfg.TTS.VoiceName

	if flags.voice != "" {
		options.VoiceID = flags.voice
		voiceName = flags.voice
	}

	if flags.model != "" {
		options.ModelID = flags.model
	}

	if flags.format != "" {
		options.OutputFormat = flags.format
	}

	return options, voiceName
}

func outputPath(output, stem string, format audio.OutputFormat) string {
	if output != "" {
		return output
	}

	return filepath.Join(ttsutils.DefaultOutputDir(), ttsutils.AudioFilename(stem, format.Extension()))
}

func segmentSource(result core.SegmentResult) string {
	if result.FromCache {
		return "cached"
	}

	return "synthesized"
}

func printHistory(out io.Writer, owner string, items []core.HistoryItem) error {
	if len(items) == 0 {
		fmt.Fprintf(out, msgHistoryEmpty, owner)

		return nil
	}

	writer := tabwriter.NewWriter(out, tabMinWidth, tabWidth, tabPadding, ' ', 0)
	fmt.Fprintln(writer, msgHistoryHeader)

	for _, item := range items {
		fmt.Fprintf(
			writer,
			msgHistoryRow,
			item.ID,
			item.Timestamp.Local().Format(timeLayout),
			item.VoiceName,
			item.SegmentCount,
			item.Partial,
			strings.ReplaceAll(item.TextExcerpt, "\n", " "),
		)
	}

	return writer.Flush()
}
