package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"image-batch-go/internal/batch"
	"image-batch-go/internal/compressor"
	"image-batch-go/internal/config"
	"image-batch-go/internal/logger"
	"image-batch-go/internal/results"
	"image-batch-go/internal/transfer"
	"image-batch-go/internal/web"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

var (
	cfgFile   string
	serverURL string
	quality   int
	format    string
	outputDir string
	archive   bool
	verbose   bool
	quiet     bool
	version   = "dev"
	port      int
)

// rootCmd is the base command for the CLI.
var rootCmd = &cobra.Command{
	Use:   "image-batch [paths...]",
	Short: "Compress batches of images through a remote compression service",
	Long: `image-batch queues images from files and folders, uploads them as a single
batch to a compression service and downloads the compressed results.

Features:
- JPEG, PNG, WebP, GIF and BMP input
- JPEG, PNG or WebP output at quality 10-100
- Upload progress and per-file savings summary
- Single-file or archive download of the results
- Web interface with a live websocket progress feed (see "serve")`,
	Version: version,
	Args:    cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runCompress(cmd, args)
	},
}

// serveCmd starts the web interface server.
var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start web interface server",
	Long: `Starts a web server exposing the batch controller as a JSON API under
/api/batch plus a websocket state feed at /ws.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServe(cmd)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is ./config.yaml)")
	rootCmd.PersistentFlags().StringVar(&serverURL, "server", "", "compression service base URL (overrides service.base_url)")
	rootCmd.PersistentFlags().BoolVar(&verbose, "verbose", false, "enable verbose logging")
	rootCmd.PersistentFlags().BoolVar(&quiet, "quiet", false, "suppress non-error output")

	rootCmd.Flags().IntVarP(&quality, "quality", "q", compressor.DefaultQuality, "output quality (10-100)")
	rootCmd.Flags().StringVarP(&format, "format", "f", "", "output format: jpeg, png or webp")
	rootCmd.Flags().StringVarP(&outputDir, "output", "o", "", "directory to write compressed files to")
	rootCmd.Flags().BoolVar(&archive, "archive", false, "download all results as one zip archive")

	serveCmd.Flags().IntVar(&port, "port", 8080, "port to run web server on")

	rootCmd.AddCommand(serveCmd)
}

// runCompress queues the given paths, runs one batch and stores the results.
func runCompress(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	log := setupLogger(cfg)
	client, err := transfer.NewHTTPClient(cfg.TransferOptions(), log)
	if err != nil {
		return err
	}
	ctrl := batch.New(client, log)
	defer ctrl.Close()

	added, rejected, err := ctrl.AddPaths(args...)
	if err != nil {
		return fmt.Errorf("failed to collect images: %w", err)
	}
	if len(added) == 0 {
		return fmt.Errorf("no supported images found in %v", args)
	}

	if !quiet {
		fmt.Fprintf(os.Stderr, "Queued %d image(s), %s", len(added), results.FormatSize(ctrl.TotalBytes()))
		if rejected > 0 {
			fmt.Fprintf(os.Stderr, ", skipped %d unsupported", rejected)
		}
		fmt.Fprintln(os.Stderr)

		ctrl.Subscribe(func(s batch.Snapshot) {
			if s.Phase.Active() {
				fmt.Fprintf(os.Stderr, "\r%-10s %3d%%", s.Phase, s.Progress)
			}
		})
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	run, err := ctrl.Start(ctx, cfg.Compression)
	if err != nil {
		return err
	}
	err = run.Wait(ctx)
	if !quiet {
		fmt.Fprintln(os.Stderr)
	}
	if err != nil {
		return fmt.Errorf("compression failed: %w", err)
	}

	if !quiet {
		fmt.Println("\n" + results.Summary(ctrl.Stats(), ctrl.Results()))
	}

	if outputDir == "" {
		return nil
	}
	return saveResults(ctx, ctrl)
}

// saveResults downloads the results of the finished run into outputDir.
func saveResults(ctx context.Context, ctrl *batch.Controller) error {
	if err := os.MkdirAll(outputDir, 0755); err != nil {
		return fmt.Errorf("failed to create output directory: %w", err)
	}

	if archive {
		blob, err := ctrl.DownloadAll(ctx)
		if err != nil {
			return fmt.Errorf("archive download failed: %w", err)
		}
		return writeBlob(blob)
	}

	var failed int
	for _, res := range ctrl.Results() {
		blob, err := ctrl.DownloadOne(ctx, res.ID)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to download %s: %v\n", res.Name, err)
			failed++
			continue
		}
		if err := writeBlob(blob); err != nil {
			return err
		}
	}
	if failed > 0 {
		return fmt.Errorf("%d download(s) failed", failed)
	}
	return nil
}

func writeBlob(blob *transfer.Blob) error {
	path := filepath.Join(outputDir, filepath.Base(blob.FileName))
	if err := os.WriteFile(path, blob.Data, 0644); err != nil {
		return fmt.Errorf("failed to write %s: %w", path, err)
	}
	if !quiet {
		fmt.Printf("Saved %s (%s)\n", path, results.FormatSize(int64(len(blob.Data))))
	}
	return nil
}

// runServe starts the web server and handles graceful shutdown.
func runServe(cmd *cobra.Command) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		fmt.Fprintf(os.Stderr, "CONFIG LOAD ERROR: %v\n", err)
		cfg = config.DefaultConfig()
	}
	if cmd.Flags().Changed("port") {
		cfg.Web.Port = port
	}

	log := setupLogger(cfg)
	client, err := transfer.NewHTTPClient(cfg.TransferOptions(), log)
	if err != nil {
		return err
	}
	ctrl := batch.New(client, log)
	server := web.NewServer(cfg, ctrl, log)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	go func() {
		if err := server.Start(cfg.Web.Port); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("Server failed to start: %v", err)
		}
	}()

	fmt.Printf("image-batch web interface started on http://localhost:%d\n", cfg.Web.Port)
	fmt.Printf("Compression service: %s\n", cfg.Service.BaseURL)
	fmt.Printf("Press Ctrl+C to stop the server\n\n")

	<-sigChan
	fmt.Println("\nShutting down server...")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Stop(ctx); err != nil {
		return fmt.Errorf("server shutdown failed: %w", err)
	}
	ctrl.Close()

	fmt.Println("Server stopped gracefully")
	return nil
}

// loadConfig loads configuration and applies CLI overrides.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	cfg, err := config.LoadConfig(cfgFile)
	if err != nil {
		return nil, err
	}

	if serverURL != "" {
		cfg.Service.BaseURL = serverURL
	}
	if f := cmd.Flags().Lookup("quality"); f != nil && f.Changed {
		cfg.Compression.Quality = quality
	}
	if format != "" {
		parsed, err := compressor.ParseFormat(format)
		if err != nil {
			return nil, err
		}
		cfg.Compression.Format = parsed
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// setupLogger configures and returns a logger.
func setupLogger(cfg *config.Config) *logrus.Logger {
	loggerCfg := cfg.LoggerConfig()
	loggerCfg.Console = loggerCfg.Console && !quiet

	if verbose {
		loggerCfg.Level = "debug"
	}
	if quiet {
		loggerCfg.Level = "error"
	}

	log, err := logger.NewLogger(loggerCfg)
	if err != nil {
		log = logrus.New()
		log.SetLevel(logrus.InfoLevel)
	}

	return log
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
