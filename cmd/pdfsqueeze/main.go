// Command pdfsqueeze runs the squeeze pipeline and its building blocks on
// local files.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/local/webcapture/internal/app"
	"github.com/local/webcapture/internal/capture"
	cfgpkg "github.com/local/webcapture/internal/config"
	"github.com/local/webcapture/internal/filetype"
	logpkg "github.com/local/webcapture/internal/logger"
	"github.com/local/webcapture/internal/squeeze"
)

const appName = "pdfsqueeze"

func main() {
	_ = godotenv.Load()
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := rootCmd(cfgpkg.FromEnv()).ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func rootCmd(cfg cfgpkg.Config) *cobra.Command {
	var logLevel string
	cmd := &cobra.Command{
		Use:           appName,
		Short:         "Split, compress and merge PDFs with Ghostscript",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return logpkg.Init(logpkg.Options{Level: logLevel, Pretty: true})
		},
	}
	cmd.PersistentFlags().StringVar(&logLevel, "log-level", "warn", "Log level (debug, info, warn, error)")
	cmd.PersistentFlags().IntVarP(&cfg.Pipeline.Parallelism, "parallelism", "p", cfg.Pipeline.Parallelism, "Number of chunks processed concurrently")
	cmd.PersistentFlags().StringVar(&cfg.Ghostscript.Binary, "gs", cfg.Ghostscript.Binary, "Ghostscript executable")

	cmd.AddCommand(compressCmd(&cfg), planCmd(&cfg), mergeCmd(&cfg), captureCmd(&cfg))
	return cmd
}

func compressCmd(cfg *cfgpkg.Config) *cobra.Command {
	var out string
	cmd := &cobra.Command{
		Use:   "compress <in.pdf>",
		Short: "Squeeze a PDF through the split/compress/merge pipeline",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			in := args[0]
			info, err := filetype.New().DetectFile(in)
			if err != nil {
				return err
			}
			if !info.IsPDF() {
				return fmt.Errorf("%s is %s, not a PDF", in, info.MIMEType)
			}
			data, err := os.ReadFile(in)
			if err != nil {
				return err
			}
			p, err := app.NewPipeline(cfg.Pipeline, app.NewRunner(cfg.Ghostscript))
			if err != nil {
				return err
			}
			squeezed, err := p.Run(cmd.Context(), data, func(s squeeze.Stage) {
				fmt.Fprintf(cmd.ErrOrStderr(), "%s\n", s)
			})
			if err != nil {
				return err
			}
			if out == "" {
				out = defaultOutput(in)
			}
			if err := os.WriteFile(out, squeezed, 0o644); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s: %d -> %d bytes\n", out, len(data), len(squeezed))
			return nil
		},
	}
	cmd.Flags().StringVarP(&out, "output", "o", "", "Output path (default <in>.min.pdf)")
	return cmd
}

func planCmd(cfg *cfgpkg.Config) *cobra.Command {
	var pages int
	cmd := &cobra.Command{
		Use:   "plan",
		Short: "Print the page ranges a document would be split into",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			size := squeeze.ChunkSize(pages, cfg.Pipeline.Parallelism)
			for _, r := range squeeze.Plan(pages, size) {
				fmt.Fprintf(cmd.OutOrStdout(), "%d\t%s\t%d\t%s\n", r.Ordinal, r, r.Pages(), squeeze.ChunkName(r))
			}
			return nil
		},
	}
	cmd.Flags().IntVar(&pages, "pages", 0, "Page count of the document")
	_ = cmd.MarkFlagRequired("pages")
	return cmd
}

func mergeCmd(cfg *cfgpkg.Config) *cobra.Command {
	var out string
	cmd := &cobra.Command{
		Use:   "merge <chunk-dir>",
		Short: "Merge chunk_<start>-<end>.pdf files in page order",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			paths, err := filepath.Glob(filepath.Join(args[0], "chunk_*.pdf"))
			if err != nil {
				return err
			}
			if len(paths) == 0 {
				return fmt.Errorf("no chunk files in %s", args[0])
			}
			ordered, err := squeeze.SortChunkPaths(paths)
			if err != nil {
				return err
			}
			if out == "" {
				out = filepath.Join(args[0], "merged.pdf")
			}
			if err := app.NewRunner(cfg.Ghostscript).Merge(cmd.Context(), ordered, out); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s: merged %d chunks\n", out, len(ordered))
			return nil
		},
	}
	cmd.Flags().StringVarP(&out, "output", "o", "", "Output path (default <chunk-dir>/merged.pdf)")
	return cmd
}

func captureCmd(cfg *cfgpkg.Config) *cobra.Command {
	var (
		out       string
		kindFlag  string
		noSqueeze bool
	)
	cmd := &cobra.Command{
		Use:   "capture <url>",
		Short: "Render a web page to PDF or PNG and write it locally",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			kind, err := capture.ParseKind(kindFlag)
			if err != nil {
				return err
			}
			b := app.NewBrowser(cfg.Capture)
			defer b.Close()
			data, err := b.Capture(cmd.Context(), args[0], kind)
			if err != nil {
				return err
			}
			if kind == capture.KindPDF && !noSqueeze {
				p, err := app.NewPipeline(cfg.Pipeline, app.NewRunner(cfg.Ghostscript))
				if err != nil {
					return err
				}
				if data, err = p.Squeeze(cmd.Context(), data); err != nil {
					return err
				}
			}
			if out == "" {
				out = "capture." + kind.Extension()
			}
			if err := os.WriteFile(out, data, 0o644); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s: %d bytes\n", out, len(data))
			return nil
		},
	}
	cmd.Flags().StringVarP(&out, "output", "o", "", "Output path (default capture.<ext>)")
	cmd.Flags().StringVarP(&kindFlag, "type", "t", "pdf", "Capture type (pdf or png)")
	cmd.Flags().BoolVar(&noSqueeze, "no-squeeze", false, "Keep the browser PDF as is")
	return cmd
}

func defaultOutput(in string) string {
	ext := filepath.Ext(in)
	return in[:len(in)-len(ext)] + ".min.pdf"
}
