package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"crate-rag/internal/api"
	"crate-rag/internal/chromemdb"
	"crate-rag/internal/config"
	"crate-rag/internal/db"
	"crate-rag/internal/embedding"
	"crate-rag/internal/helper"
	"crate-rag/internal/ingest"
	"crate-rag/internal/llmservice"
	"crate-rag/internal/models"
	"crate-rag/internal/parser"
	"crate-rag/internal/rag"
)

const defaultConfigPath = "./configs/config.yaml"

const usage = `Usage: crate-rag [-config path] <command> [args]

Commands:
  serve                        run the HTTP API
  ingest [-defer] [-version v] <pkg> <dir>
                               ingest every supported file under dir
  search [-package p] [-k n] <query>
  answer [-package p] [-k n] <query>
  stats                        list stored packages
  documents <pkg>              list the stored documents of a package
  delete <pkg> [path]          delete a package or one document
  backfill [pkg]               embed passages stored without vectors
  export | import              encrypted chromem snapshot
  reset                        drop every stored passage
`

type app struct {
	cfg      *config.Config
	store    models.VectorStore
	provider *embedding.Provider
}

func main() {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}).With().Caller().Logger()

	configPath := flag.String("config", defaultConfigPath, "Path to the config file")
	flag.Usage = func() { fmt.Fprint(os.Stderr, usage) }
	flag.Parse()
	if flag.NArg() == 0 {
		flag.Usage()
		os.Exit(2)
	}

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		log.Fatal().Err(err).Msg("Error loading config")
	}
	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		log.Fatal().Err(err).Str("log_level", cfg.LogLevel).Msg("Invalid log level")
	}
	zerolog.SetGlobalLevel(level)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx, cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("Error initializing")
	}

	cmd, args := flag.Arg(0), flag.Args()[1:]
	err = a.execute(ctx, cmd, args)
	stop()
	if err != nil {
		log.Fatal().Err(err).Str("command", cmd).Msg("Command failed")
	}
}

func newApp(ctx context.Context, cfg *config.Config) (*app, error) {
	provider, err := embedding.New(cfg)
	if err != nil {
		return nil, fmt.Errorf("error initializing embedder: %w", err)
	}

	var store models.VectorStore
	switch cfg.Database.Backend {
	case "postgres":
		store, err = db.Open(ctx, cfg)
	default:
		store, err = chromemdb.Open(cfg)
	}
	if err != nil {
		return nil, fmt.Errorf("error opening vector store: %w", err)
	}
	return &app{cfg: cfg, store: store, provider: provider}, nil
}

func (a *app) engine() (*rag.Engine, error) {
	chat, err := llmservice.NewChatModel(&a.cfg.ChatLLM)
	if err != nil {
		return nil, err
	}
	return rag.New(a.cfg, a.store, a.provider, chat), nil
}

// execute runs cmd and closes the store whether or not it succeeded.
func (a *app) execute(ctx context.Context, cmd string, args []string) error {
	err := a.run(ctx, cmd, args)
	if cerr := a.store.Close(); cerr != nil {
		log.Warn().Err(cerr).Msg("Error closing vector store")
	}
	return err
}

func (a *app) run(ctx context.Context, cmd string, args []string) error {
	switch cmd {
	case "serve":
		engine, err := a.engine()
		if err != nil {
			return err
		}
		srv := api.NewServer(engine, ingest.New(a.cfg, a.store, a.provider), a.store)
		return srv.Run(ctx, a.cfg.Server.Addr)
	case "ingest":
		return a.ingest(ctx, args)
	case "search", "answer":
		return a.query(ctx, cmd, args)
	case "stats":
		stats, err := a.store.Stats(ctx)
		if err != nil {
			return err
		}
		helper.PrettyPrint(stats)
		return nil
	case "documents":
		if len(args) != 1 {
			return fmt.Errorf("documents takes a package name")
		}
		docs, err := a.store.Documents(ctx, args[0])
		if err != nil {
			return err
		}
		helper.PrettyPrint(docs)
		return nil
	case "delete":
		switch len(args) {
		case 1:
			return a.store.DeletePackage(ctx, args[0])
		case 2:
			return a.store.DeleteDocument(ctx, args[0], args[1])
		}
		return fmt.Errorf("delete takes a package and an optional document path")
	case "backfill":
		pkg := ""
		if len(args) > 0 {
			pkg = args[0]
		}
		n, err := ingest.New(a.cfg, a.store, a.provider).Backfill(ctx, pkg)
		if err != nil {
			return err
		}
		log.Info().Int("embedded", n).Msg("Backfill complete")
		return nil
	case "export", "import":
		return a.snapshot(ctx, cmd)
	case "reset":
		return a.reset(ctx)
	default:
		flag.Usage()
		return fmt.Errorf("unknown command %q", cmd)
	}
}

func (a *app) ingest(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("ingest", flag.ExitOnError)
	deferred := fs.Bool("defer", false, "Store passages now and embed them with backfill later")
	dryRun := fs.Bool("dry-run", false, "Print the loaded documents without storing them")
	version := fs.String("version", "", "Record this package version")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() != 2 {
		return fmt.Errorf("ingest takes a package name and a directory")
	}
	pkg, dir := fs.Arg(0), fs.Arg(1)

	docs, err := parser.LoadDirectory(dir)
	if err != nil {
		return err
	}
	log.Info().Str("package", pkg).Int("documents", len(docs)).Msg("Loaded documents")
	if *dryRun {
		helper.PrettyPrint(docs)
		return nil
	}

	pipeline := ingest.New(a.cfg, a.store, a.provider, ingest.WithDeferredEmbedding(*deferred))
	report, err := pipeline.IngestVersion(ctx, pkg, *version, docs)
	helper.PrettyPrint(report)
	return err
}

func (a *app) query(ctx context.Context, cmd string, args []string) error {
	fs := flag.NewFlagSet(cmd, flag.ExitOnError)
	pkg := fs.String("package", "", "Only search this package")
	k := fs.Int("k", 0, "Number of passages to retrieve")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() != 1 {
		return fmt.Errorf("%s takes one quoted query", cmd)
	}
	query := fs.Arg(0)

	engine, err := a.engine()
	if err != nil {
		return err
	}
	if cmd == "search" {
		results, err := engine.Search(ctx, query, *pkg, *k)
		if err != nil {
			return err
		}
		helper.PrettyPrint(results)
		return nil
	}

	response, err := engine.Answer(ctx, query, *pkg, *k)
	if err != nil {
		return err
	}

	log.Info().Msg("Query: ~~~~~~~~~~~~~~~~~~~~~~~~~>>>>>")
	fmt.Printf("%s\n\n", response.Query)

	log.Info().Msg("Source: ~~~~~~~~~~~~~~~~~~~~~~~~~>>>>>")
	fmt.Printf("%s\n\n", response.Source)

	log.Info().Msg("Assistant: ~~~~~~~~~~~~~~~~~~~~~~~~~>>>>>")
	fmt.Printf("%s\n\n", response.Content)
	return nil
}

func (a *app) snapshot(ctx context.Context, cmd string) error {
	m, ok := a.store.(*chromemdb.VectorDBManager)
	if !ok {
		return fmt.Errorf("%s is only available for the chromem backend", cmd)
	}
	if cmd == "export" {
		return m.Export(ctx)
	}
	return m.Import(ctx)
}

func (a *app) reset(ctx context.Context) error {
	switch s := a.store.(type) {
	case *db.Store:
		if err := s.DropPassages(ctx); err != nil {
			return err
		}
		return s.InitDB(ctx)
	case *chromemdb.VectorDBManager:
		return s.DeleteCollection()
	}
	return fmt.Errorf("reset is not supported for %T", a.store)
}
