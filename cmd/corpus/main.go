package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/Patrickmaimai/web-crawler-corpus/internal/config"
	"github.com/Patrickmaimai/web-crawler-corpus/internal/crawler"
	"github.com/Patrickmaimai/web-crawler-corpus/internal/logging"
	"github.com/Patrickmaimai/web-crawler-corpus/internal/storage"
)

const usage = `usage: corpus [flags] [discover|extract|run]

  discover  walk the search seeds and write the link list
  extract   extract keyword sentences from the input link list
  run       discover, merge the input link list and extract (default)

flags:
`

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

func run(args []string, stdout, stderr io.Writer) int {
	flags := flag.NewFlagSet("corpus", flag.ContinueOnError)
	flags.SetOutput(stderr)
	flags.Usage = func() {
		fmt.Fprint(stderr, usage)
		flags.PrintDefaults()
	}
	cfgPath := flags.String("config", "configs/config.yaml", "Path to corpus configuration file")
	csvPath := flags.String("csv", "", "Override output.csv_path")
	linksPath := flags.String("links", "", "Override output.links_file")
	inputPath := flags.String("input", "", "Override extract.input_file")
	if err := flags.Parse(args); err != nil {
		return 2
	}

	command := "run"
	if flags.NArg() > 0 {
		command = flags.Arg(0)
	}
	switch command {
	case "discover", "extract", "run":
	default:
		fmt.Fprintf(stderr, "unknown command %q\n", command)
		flags.Usage()
		return 2
	}

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		fmt.Fprintf(stderr, "failed to load config: %v\n", err)
		return 1
	}
	if *csvPath != "" {
		cfg.Output.CSVPath = *csvPath
	}
	if *linksPath != "" {
		cfg.Output.LinksFile = *linksPath
	}
	if *inputPath != "" {
		cfg.Extract.InputFile = *inputPath
	}

	logger, logCloser, err := logging.New(cfg.Logging, stdout)
	if err != nil {
		fmt.Fprintf(stderr, "failed to initialise logging: %v\n", err)
		return 1
	}
	defer logCloser.Close()

	engine, err := crawler.NewEngine(*cfg, crawler.WithLogger(logger))
	if err != nil {
		fmt.Fprintf(stderr, "failed to initialise engine: %v\n", err)
		return 1
	}
	defer func() {
		if err := engine.Close(); err != nil {
			logger.Error("close engine", "error", err)
		}
	}()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := execute(ctx, command, cfg, engine, logger); err != nil {
		if errors.Is(err, context.Canceled) {
			logger.Warn("interrupted, partial output kept")
			return 0
		}
		fmt.Fprintf(stderr, "corpus %s failed: %v\n", command, err)
		return 1
	}
	return 0
}

func execute(ctx context.Context, command string, cfg *config.Config, engine *crawler.Engine, logger *slog.Logger) error {
	switch command {
	case "discover":
		if cfg.Output.LinksFile == "" {
			return errors.New("output.links_file (or -links) is required for discover")
		}
		links, err := engine.Discover(ctx)
		if len(links) > 0 {
			if serr := storage.SaveLinkList(cfg.Output.LinksFile, links); serr != nil {
				return errors.Join(err, serr)
			}
		}
		logger.Info("link list written", "path", cfg.Output.LinksFile, "links", len(links))
		return err
	case "extract":
		if cfg.Extract.InputFile == "" {
			return errors.New("extract.input_file (or -input) is required for extract")
		}
		links, err := storage.LoadLinkList(cfg.Extract.InputFile)
		if err != nil {
			return err
		}
		summary, err := engine.Extract(ctx, links)
		logSummary(logger, summary)
		return err
	case "run":
		summary, err := engine.Run(ctx)
		logSummary(logger, summary)
		return err
	default:
		return fmt.Errorf("unknown command %q", command)
	}
}

func logSummary(logger *slog.Logger, s crawler.Summary) {
	logger.Info("corpus run finished",
		"seeds", s.Seeds,
		"links", s.Links,
		"articles", s.Articles,
		"failed", s.Failed,
		"empty", s.Empty,
		"skipped", s.Skipped,
		"matches", s.Matches,
	)
}
