package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jessevdk/go-flags"

	"github.com/bryan-buckman/curator/internal/classify"
	"github.com/bryan-buckman/curator/internal/config"
	"github.com/bryan-buckman/curator/internal/database"
	"github.com/bryan-buckman/curator/internal/ollama"
	"github.com/bryan-buckman/curator/internal/openai"
	"github.com/bryan-buckman/curator/internal/opml"
	"github.com/bryan-buckman/curator/internal/rss"
	"github.com/bryan-buckman/curator/internal/server"
	"github.com/bryan-buckman/curator/internal/state"
)

// Set at build time with -ldflags.
var (
	BuildVersion = "dev"
	BuildRef     = ""
)

type Options struct {
	Verbose    bool   `short:"v" long:"verbose" description:"Show debug logging"`
	ConfigPath string `short:"c" long:"config" description:"Location of curator.yml" env:"CURATOR_CONFIG"`
}

var options Options

// app holds the collaborators shared by every command.
type app struct {
	cfg        *config.Config
	logger     *slog.Logger
	store      database.Store
	state      *state.State
	fetcher    *rss.Fetcher
	ollama     *ollama.Client
	classifier classify.Classifier
	driver     *classify.Driver
}

func newApp(ctx context.Context) (*app, error) {
	cfg, err := config.Load(options.ConfigPath)
	if err != nil {
		return nil, err
	}
	logger := cfg.Log.Logger(os.Stderr, options.Verbose)
	slog.SetDefault(logger)

	store, err := database.Open(cfg.Database.Driver, cfg.Database.DSN)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	logger.Info("database opened", "type", store.DatabaseType())

	st := state.New(store, state.WithLogger(logger))
	if err := st.Load(ctx); err != nil {
		store.Close()
		return nil, fmt.Errorf("load state: %w", err)
	}

	hc := &http.Client{Timeout: 30 * time.Second}
	var source rss.Source
	switch cfg.Feeds.Source {
	case config.SourceDirect:
		source = rss.NewDirectSource(hc)
	default:
		opts := []rss.Rss2JSONOption{rss.WithHTTPClient(hc)}
		if cfg.Feeds.Rss2JSONURL != "" {
			opts = append(opts, rss.WithBaseURL(cfg.Feeds.Rss2JSONURL))
		}
		if cfg.Feeds.Rss2JSONKey != "" {
			opts = append(opts, rss.WithAPIKey(cfg.Feeds.Rss2JSONKey))
		}
		source = rss.NewRss2JSON(opts...)
	}
	fetchOpts := []rss.Option{rss.WithLogger(logger)}
	if cfg.Feeds.Concurrency > 0 {
		fetchOpts = append(fetchOpts, rss.WithConcurrency(cfg.Feeds.Concurrency))
	}
	fetcher := rss.NewFetcherForStore(source, store, fetchOpts...)

	oc := ollama.New(cfg.Ollama.URL, ollama.WithTimeout(cfg.Ollama.Timeout), ollama.WithLogger(logger))
	var classifier classify.Classifier = oc
	if cfg.Classify.Provider == config.ProviderOpenAI {
		opts := []openai.Option{openai.WithLogger(logger)}
		if cfg.OpenAI.BaseURL != "" {
			opts = append(opts, openai.WithBaseURL(cfg.OpenAI.BaseURL))
		}
		if cfg.OpenAI.Model != "" {
			opts = append(opts, openai.WithModel(cfg.OpenAI.Model))
		}
		c, err := openai.New(cfg.OpenAI.APIKey, opts...)
		if err != nil {
			store.Close()
			return nil, err
		}
		classifier = c
	}

	return &app{
		cfg:        cfg,
		logger:     logger,
		store:      store,
		state:      st,
		fetcher:    fetcher,
		ollama:     oc,
		classifier: classifier,
		driver:     classify.New(classifier, st, classify.WithBatchSize(cfg.Classify.BatchSize), classify.WithLogger(logger)),
	}, nil
}

func (a *app) Close() {
	a.state.Close()
	if err := a.store.Close(); err != nil {
		a.logger.Error("close database", "error", err)
	}
}

// run builds the app and hands it to fn, cancelling on SIGINT or SIGTERM.
func run(fn func(ctx context.Context, a *app) error) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()
	return fn(ctx, a)
}

// Setup subcommands

type Serve struct{}

func (r *Serve) Execute(args []string) error {
	return run(serve)
}

func serve(ctx context.Context, a *app) error {
	srv := server.New(server.Deps{
		State:      a.state,
		Fetcher:    a.fetcher,
		Poller:     rss.NewPoller(a.fetcher, a.state, a.cfg.Feeds.PollInterval),
		Classifier: a.classifier,
		Generator:  a.ollama,
		Job:        classify.NewJob(a.driver),
		Logger:     a.logger,
	})

	errc := make(chan error, 1)
	go func() { errc <- srv.Start(a.cfg.Listen) }()

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
	}
	a.logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

type Refresh struct{}

func (r *Refresh) Execute(args []string) error {
	return run(func(ctx context.Context, a *app) error {
		report, err := a.fetcher.Refresh(ctx, a.state)
		if err != nil {
			return err
		}
		fmt.Printf("%d feeds, %d failed, %d articles\n", report.Feeds, report.Failed, report.Articles)
		return nil
	})
}

type Classify struct{}

func (r *Classify) Execute(args []string) error {
	return run(func(ctx context.Context, a *app) error {
		// Articles only live in memory, so refresh first.
		if _, err := a.fetcher.Refresh(ctx, a.state); err != nil {
			return err
		}
		res := a.driver.Run(ctx, a.state.Unclassified(), a.state.Settings(), func(done, total int) {
			a.logger.Debug("classify progress", "done", done, "total", total)
		})
		fmt.Printf("%d processed, %d tagged, %d failed\n", res.Processed, res.Tagged, res.Failed)
		return nil
	})
}

type Import struct {
	Positional struct {
		File string `positional-arg-name:"FILE" required:"yes" description:"OPML file to import"`
	} `positional-args:"yes"`
}

func (r *Import) Execute(args []string) error {
	return run(func(ctx context.Context, a *app) error {
		f, err := os.Open(r.Positional.File)
		if err != nil {
			return err
		}
		defer f.Close()

		entries, err := opml.Parse(f)
		if err != nil {
			return err
		}
		res, err := opml.Import(ctx, a.state, entries)
		if err != nil {
			return err
		}
		fmt.Printf("%d collections, %d feeds imported, %d skipped\n", res.Collections, res.Feeds, res.Skipped)
		return nil
	})
}

type Export struct{}

func (r *Export) Execute(args []string) error {
	return run(func(ctx context.Context, a *app) error {
		data, err := opml.Export("Curator Feeds", a.state.Collections(), a.state.Feeds(), time.Now())
		if err != nil {
			return err
		}
		_, err = os.Stdout.Write(data)
		return err
	})
}

type Version struct{}

func (r *Version) Execute(args []string) error {
	fmt.Print(BuildVersion)
	if BuildRef != "" {
		fmt.Printf(" (%s)", BuildRef)
	}
	fmt.Println()
	return nil
}

func main() {
	parser := flags.NewParser(&options, flags.Default)
	// serve when no subcommand is given
	parser.SubcommandsOptional = true

	parser.AddCommand("serve", "Run the server", "Serve the JSON API and poll feeds", &Serve{})
	parser.AddCommand("refresh", "Refresh feeds", "Fetch every feed once and report", &Refresh{})
	parser.AddCommand("classify", "Classify articles", "Fetch feeds and tag AI articles", &Classify{})
	parser.AddCommand("import", "Import feeds", "Import feeds from an OPML file", &Import{})
	parser.AddCommand("export", "Export feeds", "Write the subscriptions as OPML to stdout", &Export{})
	parser.AddCommand("version", "Show version", "Display version information", &Version{})

	_, err := parser.Parse()
	if err != nil {
		var flagErr *flags.Error
		if errors.As(err, &flagErr) && flagErr.Type == flags.ErrHelp {
			os.Exit(0)
		}
		if errors.As(err, &flagErr) {
			parser.WriteHelp(os.Stdout)
			os.Exit(2)
		}
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	if parser.Active == nil {
		if err := run(serve); err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
	}
}
