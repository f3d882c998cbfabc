package main

import (
	"bufio"
	"bytes"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/natefinch/atomic"
	"github.com/spf13/cobra"

	"github.com/CTAG07/charchain/pkg/charmodel"
)

var (
	trainWindow int

	generateSeedText string
	generateLength   int
	generateSeed     int64

	pruneMin int

	exportOut  string
	importName string
)

func newTrainCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "train NAME CORPUS",
		Short: "Train a model on a text file, creating it if needed",
		Long: "Train reads CORPUS once and adds its character transitions to the model NAME.\n" +
			"Training an existing model accumulates counts.",
		Args: cobra.ExactArgs(2),
		RunE: runTrainCmd,
	}
	cmd.Flags().IntVar(&trainWindow, "window", 0, "window length for a new model (default from config)")
	return cmd
}

func runTrainCmd(cmd *cobra.Command, args []string) error {
	a, err := openApp(cmd)
	if err != nil {
		return err
	}
	defer a.Close()
	ctx := cmd.Context()
	name, corpusPath := args[0], args[1]

	file, err := os.Open(corpusPath)
	if err != nil {
		return fmt.Errorf("failed to open corpus: %w", err)
	}
	defer func() { _ = file.Close() }()

	window := a.config.Model.WindowLength
	if cmd.Flags().Changed("window") {
		window = trainWindow
	}
	info, err := a.store.GetOrCreateModel(ctx, name, window)
	if err != nil {
		return err
	}
	m, err := a.store.LoadModel(ctx, info)
	if err != nil {
		return fmt.Errorf("failed to load model %q: %w", name, err)
	}
	m.SetLogger(a.logger)

	if err = m.Train(ctx, bufio.NewReader(file)); err != nil {
		return fmt.Errorf("training failed: %w", err)
	}
	if err = a.store.SaveModel(ctx, info, m); err != nil {
		return fmt.Errorf("failed to save model %q: %w", name, err)
	}

	st := m.Stats()
	fmt.Fprintf(cmd.OutOrStdout(), "model %q: %d windows, %d records, %d transitions\n", name, st.Windows, st.Records, st.Transitions)
	return nil
}

func newGenerateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "generate NAME",
		Short: "Generate text from a trained model",
		Args:  cobra.ExactArgs(1),
		RunE:  runGenerateCmd,
	}
	cmd.Flags().StringVar(&generateSeedText, "seed-text", "", "text to start from")
	cmd.Flags().IntVar(&generateLength, "length", 0, "length of the result in characters (default from config)")
	cmd.Flags().Int64Var(&generateSeed, "seed", 0, "random seed for reproducible output")
	return cmd
}

func runGenerateCmd(cmd *cobra.Command, args []string) error {
	a, err := openApp(cmd)
	if err != nil {
		return err
	}
	defer a.Close()
	ctx := cmd.Context()

	length := a.config.Model.GenerateLength
	if cmd.Flags().Changed("length") {
		length = generateLength
	}
	var opts []charmodel.Option
	if cmd.Flags().Changed("seed") {
		opts = append(opts, charmodel.WithSeed(generateSeed))
	}

	info, err := a.store.GetModelInfo(ctx, args[0])
	if err != nil {
		return modelLookupError(args[0], err)
	}
	m, err := a.store.LoadModel(ctx, info, opts...)
	if err != nil {
		return err
	}
	m.SetLogger(a.logger)

	fmt.Fprintln(cmd.OutOrStdout(), m.Generate(generateSeedText, length))
	return nil
}

func newDumpCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "dump NAME",
		Short: "Print every window of a model with its character statistics",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(cmd)
			if err != nil {
				return err
			}
			defer a.Close()

			info, err := a.store.GetModelInfo(cmd.Context(), args[0])
			if err != nil {
				return modelLookupError(args[0], err)
			}
			m, err := a.store.LoadModel(cmd.Context(), info)
			if err != nil {
				return err
			}
			return m.WriteTable(cmd.OutOrStdout())
		},
	}
}

func newStatsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Show statistics for every stored model",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := openApp(cmd)
			if err != nil {
				return err
			}
			defer a.Close()

			stats, err := a.store.GetStats(cmd.Context())
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "%d models, %d distinct windows\n", len(stats.Models), stats.WindowSize)
			for _, info := range stats.Models {
				st := stats.Stats[info.Id]
				fmt.Fprintf(out, "%s\twindow=%d\twindows=%d\trecords=%d\ttransitions=%d\n",
					info.Name, info.WindowLength, st.Windows, st.TotalRecords, st.TotalFrequency)
			}
			return nil
		},
	}
}

func newPruneCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "prune NAME",
		Short: "Remove rare transitions from a model",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(cmd)
			if err != nil {
				return err
			}
			defer a.Close()

			info, err := a.store.GetModelInfo(cmd.Context(), args[0])
			if err != nil {
				return modelLookupError(args[0], err)
			}
			removed, err := a.store.PruneModel(cmd.Context(), info, pruneMin)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "removed %d records\n", removed)
			return nil
		},
	}
	cmd.Flags().IntVar(&pruneMin, "min", 1, "remove records with a count at or below this value")
	return cmd
}

func newExportCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "export NAME",
		Short: "Write a model as JSON",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(cmd)
			if err != nil {
				return err
			}
			defer a.Close()

			info, err := a.store.GetModelInfo(cmd.Context(), args[0])
			if err != nil {
				return modelLookupError(args[0], err)
			}
			m, err := a.store.LoadModel(cmd.Context(), info)
			if err != nil {
				return err
			}
			m.SetLogger(a.logger)

			var buf bytes.Buffer
			if err = m.Export(&buf); err != nil {
				return fmt.Errorf("export failed: %w", err)
			}
			if exportOut == "" {
				_, err = buf.WriteTo(cmd.OutOrStdout())
				return err
			}
			return atomic.WriteFile(exportOut, &buf)
		},
	}
	cmd.Flags().StringVarP(&exportOut, "out", "o", "", "output file (default stdout)")
	return cmd
}

func newImportCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "import FILE",
		Short: "Import a JSON model, replacing any stored model of the same name",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(cmd)
			if err != nil {
				return err
			}
			defer a.Close()
			ctx := cmd.Context()

			file, err := os.Open(args[0])
			if err != nil {
				return fmt.Errorf("failed to open model file: %w", err)
			}
			defer func() { _ = file.Close() }()

			m, err := charmodel.Import(file)
			if err != nil {
				return err
			}
			name := importName
			if name == "" {
				name = strings.TrimSuffix(filepath.Base(args[0]), filepath.Ext(args[0]))
			}
			info, err := a.store.GetOrCreateModel(ctx, name, m.WindowLength())
			if err != nil {
				return err
			}
			if err = a.store.SaveModel(ctx, info, m); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "imported model %q with %d windows\n", name, m.Len())
			return nil
		},
	}
	cmd.Flags().StringVar(&importName, "name", "", "model name (default: file name without extension)")
	return cmd
}

func newRemoveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "remove NAME",
		Short: "Delete a stored model",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(cmd)
			if err != nil {
				return err
			}
			defer a.Close()

			info, err := a.store.GetModelInfo(cmd.Context(), args[0])
			if err != nil {
				return modelLookupError(args[0], err)
			}
			return a.store.RemoveModel(cmd.Context(), info)
		},
	}
}

func newModelsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "models",
		Short: "List stored models",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := openApp(cmd)
			if err != nil {
				return err
			}
			defer a.Close()

			models, err := a.store.GetModelInfos(cmd.Context())
			if err != nil {
				return err
			}
			names := make([]string, 0, len(models))
			for name := range models {
				names = append(names, name)
			}
			sort.Strings(names)
			for _, name := range names {
				fmt.Fprintf(cmd.OutOrStdout(), "%s\twindow=%d\n", name, models[name].WindowLength)
			}
			return nil
		},
	}
}

func modelLookupError(name string, err error) error {
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("model %q not found", name)
	}
	return fmt.Errorf("failed to look up model %q: %w", name, err)
}
