package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"strings"

	"github.com/joho/godotenv"

	"github.com/trajpipe/pyramid/internal/config"
	"github.com/trajpipe/pyramid/internal/dataset"
	"github.com/trajpipe/pyramid/internal/fsutil"
	"github.com/trajpipe/pyramid/internal/geom"
	"github.com/trajpipe/pyramid/internal/ledger"
	"github.com/trajpipe/pyramid/internal/pyramid"
	"github.com/trajpipe/pyramid/internal/report"
	"github.com/trajpipe/pyramid/internal/repository"
	"github.com/trajpipe/pyramid/internal/version"
)

var errUsage = errors.New("usage")

func main() {
	_ = godotenv.Load(".env")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	if err := run(ctx, os.Args[1:], os.Stdout); err != nil {
		if errors.Is(err, errUsage) {
			printUsage(os.Stderr)
			os.Exit(2)
		}
		log.Fatalf("pyramid: %v", err)
	}
}

func run(ctx context.Context, args []string, stdout io.Writer) error {
	if len(args) < 1 {
		return errUsage
	}
	command, rest := args[0], args[1:]

	switch command {
	case "init":
		return handleInit(ctx, rest, stdout)
	case "admit":
		return handleAdmit(ctx, rest, stdout)
	case "resolve":
		return handleResolve(ctx, rest, stdout)
	case "stats":
		return handleStats(ctx, rest, stdout)
	case "history":
		return handleHistory(ctx, rest, stdout)
	case "report":
		return handleReport(ctx, rest, stdout)
	case "migrate":
		return handleMigrate(rest, stdout)
	case "version":
		fmt.Fprintf(stdout, "pyramid version %s\n", version.String())
		return nil
	case "help", "-h", "--help":
		printUsage(stdout)
		return nil
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", command)
		return errUsage
	}
}

func printUsage(w io.Writer) {
	fmt.Fprintln(w, `pyramid - partitioning pyramid model repository

Usage: pyramid <command> [options]

Commands:
  init       Build a fresh pyramid and persist it (writes pyramidConfig.json if absent)
  admit      Admit a trajectory dataset and install its model
  resolve    Print the model serving a trajectory dataset
  stats      Show per-height occupancy and token statistics
  history    List recorded admissions or stored snapshots (requires -ledger)
  report     Render occupancy charts (HTML and/or PNG)
  migrate    Apply or inspect ledger migrations: migrate [up|version]
  version    Show version
  help       Show this help message

Common Flags:
  -repo <dir>       Model repository directory (default $PYRAMID_REPO or .)
  -ledger <path>    SQLite admission ledger (default $PYRAMID_LEDGER, optional)

Commands other than init load the stored pyramid and never rebuild it.

Examples:
  pyramid init -repo ./repo -H 5 -k 20000
  pyramid admit -repo ./repo -data train.json -meta train_metadata.txt -wgs84
  pyramid resolve -repo ./repo -data query.json -wgs84
  pyramid report -repo ./repo -height 3 -html occupancy.html -png levels.png`)
}

type commonFlags struct {
	repo   string
	ledger string
}

func addCommonFlags(fs *flag.FlagSet) *commonFlags {
	c := &commonFlags{}
	repo := os.Getenv("PYRAMID_REPO")
	if repo == "" {
		repo = "."
	}
	fs.StringVar(&c.repo, "repo", repo, "model repository directory")
	fs.StringVar(&c.ledger, "ledger", os.Getenv("PYRAMID_LEDGER"), "sqlite admission ledger path (optional)")
	return c
}

func parse(fs *flag.FlagSet, args []string) error {
	fs.SetOutput(io.Discard)
	if err := fs.Parse(args); err != nil {
		return fmt.Errorf("%s: %w", fs.Name(), err)
	}
	return nil
}

func (c *commonFlags) openLedger() (*ledger.Ledger, error) {
	if c.ledger == "" {
		return nil, nil
	}
	return ledger.Open(c.ledger)
}

func (c *commonFlags) requireLedger() (*ledger.Ledger, error) {
	if c.ledger == "" {
		return nil, fmt.Errorf("-ledger (or PYRAMID_LEDGER) is required")
	}
	return ledger.Open(c.ledger)
}

// open loads the repository's config and stored pyramid.
func (c *commonFlags) open(ctx context.Context) (*repository.Repository, *ledger.Ledger, error) {
	cfg, err := config.LoadPyramidConfig(filepath.Join(c.repo, config.DefaultConfigFile))
	if err != nil {
		return nil, nil, err
	}
	cfg.WithBuildFromScratch(false)

	l, err := c.openLedger()
	if err != nil {
		return nil, nil, err
	}
	r, err := repository.Open(ctx, c.repo, cfg, repository.WithLedger(l))
	if err != nil {
		if l != nil {
			l.Close()
		}
		return nil, nil, err
	}
	return r, l, nil
}

func closeLedger(l *ledger.Ledger) {
	if l == nil {
		return
	}
	if err := l.Close(); err != nil {
		log.Printf("close ledger: %v", err)
	}
}

func handleInit(ctx context.Context, args []string, stdout io.Writer) error {
	fs := flag.NewFlagSet("init", flag.ContinueOnError)
	common := addCommonFlags(fs)
	height := fs.Int("H", -1, "pyramid height (overrides config)")
	k := fs.Uint64("k", 0, "tokens threshold per cell (overrides config)")
	backend := fs.String("backend", "", "snapshot backend: file or sqlite (overrides config)")
	if err := parse(fs, args); err != nil {
		return err
	}

	osfs := fsutil.OSFileSystem{}
	cfgPath := filepath.Join(common.repo, config.DefaultConfigFile)
	cfg := config.DefaultPyramidConfig()
	if osfs.Exists(cfgPath) {
		loaded, err := config.LoadPyramidConfig(cfgPath)
		if err != nil {
			return err
		}
		cfg = loaded
	}
	if *height >= 0 {
		cfg.WithHeight(*height)
	}
	if *k > 0 {
		cfg.WithTokensThreshold(*k)
	}
	if *backend != "" {
		cfg.WithSnapshotBackend(*backend)
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	if err := osfs.MkdirAll(common.repo, 0755); err != nil {
		return err
	}

	l, err := common.openLedger()
	if err != nil {
		return err
	}
	defer closeLedger(l)

	r, err := repository.Open(ctx, common.repo, cfg.WithBuildFromScratch(true), repository.WithLedger(l))
	if err != nil {
		return err
	}
	// Saved only once the pyramid exists, with build_pyramid_from_scratch off
	// so later loads reuse it.
	if err := cfg.WithBuildFromScratch(false).Save(osfs, cfgPath); err != nil {
		return fmt.Errorf("save config: %w", err)
	}
	fmt.Fprintf(stdout, "built pyramid H=%d (%d cells) in %s\n", r.Snapshot().Height(), pyramid.TotalCells(cfg.GetHeight()), common.repo)
	return nil
}

func loadTrajectories(path string, wgs84 bool) ([][]geom.Point, error) {
	trajs, err := dataset.LoadTrajectories(fsutil.OSFileSystem{}, path)
	if err != nil {
		return nil, err
	}
	if wgs84 {
		trajs = dataset.NormalizeTrajectories(trajs)
	}
	return trajs, nil
}

func handleAdmit(ctx context.Context, args []string, stdout io.Writer) error {
	fs := flag.NewFlagSet("admit", flag.ContinueOnError)
	common := addCommonFlags(fs)
	dataPath := fs.String("data", "", "trajectory dataset JSON (required)")
	metaPath := fs.String("meta", "", "dataset metadata file (required)")
	modelRef := fs.String("model-ref", "", "model reference (default: the cell's model directory)")
	wgs84 := fs.Bool("wgs84", false, "normalize WGS84 lat/lon to the unit square")
	if err := parse(fs, args); err != nil {
		return err
	}
	if *dataPath == "" || *metaPath == "" {
		return fmt.Errorf("admit: -data and -meta are required")
	}

	ds, err := dataset.Load(fsutil.OSFileSystem{}, *dataPath, *metaPath)
	if err != nil {
		return err
	}
	if *wgs84 {
		ds = ds.Normalized()
	}

	r, l, err := common.open(ctx)
	if err != nil {
		return err
	}
	defer closeLedger(l)

	ref, err := r.AdmitDataset(ctx, ds, *modelRef)
	if err != nil {
		return err
	}
	c, err := r.Cell(ref)
	if err != nil {
		return err
	}
	fmt.Fprintf(stdout, "admitted into %s: model=%s tokens=%d\n", ref.StorageKey(), c.ModelRef, c.TokenCount)
	return nil
}

func handleResolve(ctx context.Context, args []string, stdout io.Writer) error {
	fs := flag.NewFlagSet("resolve", flag.ContinueOnError)
	common := addCommonFlags(fs)
	dataPath := fs.String("data", "", "trajectory query JSON (required)")
	wgs84 := fs.Bool("wgs84", false, "normalize WGS84 lat/lon to the unit square")
	if err := parse(fs, args); err != nil {
		return err
	}
	if *dataPath == "" {
		return fmt.Errorf("resolve: -data is required")
	}

	trajs, err := loadTrajectories(*dataPath, *wgs84)
	if err != nil {
		return err
	}

	r, l, err := common.open(ctx)
	if err != nil {
		return err
	}
	defer closeLedger(l)

	ref, err := r.ResolveTrajectories(ctx, trajs)
	if err != nil {
		return err
	}
	fmt.Fprintln(stdout, ref)
	return nil
}

func handleStats(ctx context.Context, args []string, stdout io.Writer) error {
	fs := flag.NewFlagSet("stats", flag.ContinueOnError)
	common := addCommonFlags(fs)
	if err := parse(fs, args); err != nil {
		return err
	}

	r, l, err := common.open(ctx)
	if err != nil {
		return err
	}
	defer closeLedger(l)

	if err := report.Summarize(r.Snapshot()).WriteText(stdout); err != nil {
		return err
	}
	if l != nil {
		acc, rej, err := l.CountAccepted(ctx)
		if err != nil {
			return err
		}
		fmt.Fprintf(stdout, "admissions: accepted=%d rejected=%d\n", acc, rej)
	}
	return nil
}

func handleHistory(ctx context.Context, args []string, stdout io.Writer) error {
	fs := flag.NewFlagSet("history", flag.ContinueOnError)
	common := addCommonFlags(fs)
	cell := fs.String("cell", "", "only admissions resolved to this cell (<height>_<index>)")
	limit := fs.Int("limit", 20, "maximum entries, most recent kept (0 = all)")
	snapshots := fs.Bool("snapshots", false, "list stored snapshots (sqlite backend) instead of admissions")
	if err := parse(fs, args); err != nil {
		return err
	}
	if *snapshots && *cell != "" {
		return fmt.Errorf("history: -snapshots and -cell are exclusive")
	}

	l, err := common.requireLedger()
	if err != nil {
		return err
	}
	defer closeLedger(l)

	if *snapshots {
		infos, err := ledger.NewSnapshotStore(l).History(ctx, *limit)
		if err != nil {
			return err
		}
		for _, info := range infos {
			fmt.Fprintf(stdout, "%s  snapshot=%-4d H=%d occupied=%d bytes=%d reason=%s\n",
				info.TakenAt.UTC().Format("2006-01-02T15:04:05Z"), info.ID, info.Height, info.OccupiedCells, info.BlobSize, info.Reason)
		}
		return nil
	}

	var recs []ledger.Admission
	if *cell != "" {
		ref, err := pyramid.ParseStorageKey(*cell)
		if err != nil {
			return err
		}
		recs, err = l.ListForCell(ctx, ref, *limit)
		if err != nil {
			return err
		}
	} else {
		recs, err = l.ListAdmissions(ctx, *limit)
		if err != nil {
			return err
		}
	}

	for _, a := range recs {
		cellKey := "-"
		if a.Cell != nil {
			cellKey = a.Cell.StorageKey()
		}
		status := "accepted"
		if !a.Accepted {
			status = "rejected"
		}
		line := fmt.Sprintf("%s  %-8s cell=%-6s tokens=%d required=%d box=%s",
			a.CreatedAt.UTC().Format("2006-01-02T15:04:05Z"), status, cellKey, a.TokenCount, a.Required, a.Box)
		if a.ModelRef != "" {
			line += " model=" + a.ModelRef
		}
		if a.Reason != "" {
			line += " reason=" + strings.ReplaceAll(a.Reason, "\n", " ")
		}
		fmt.Fprintln(stdout, line)
	}
	return nil
}

func handleReport(ctx context.Context, args []string, stdout io.Writer) error {
	fs := flag.NewFlagSet("report", flag.ContinueOnError)
	common := addCommonFlags(fs)
	height := fs.Int("height", -1, "height to plot (default: H)")
	htmlPath := fs.String("html", "", "write the occupancy page to this file")
	pngPath := fs.String("png", "", "write the per-height chart to this file")
	if err := parse(fs, args); err != nil {
		return err
	}
	if *htmlPath == "" && *pngPath == "" {
		return fmt.Errorf("report: at least one of -html or -png is required")
	}

	r, l, err := common.open(ctx)
	if err != nil {
		return err
	}
	defer closeLedger(l)

	p := r.Snapshot()
	h := *height
	if h < 0 {
		h = p.Height()
	}
	if *htmlPath != "" {
		f, err := os.Create(*htmlPath)
		if err != nil {
			return err
		}
		if err := report.RenderHTML(f, p, h); err != nil {
			f.Close()
			return err
		}
		if err := f.Close(); err != nil {
			return err
		}
		fmt.Fprintf(stdout, "wrote %s\n", *htmlPath)
	}
	if *pngPath != "" {
		if err := report.SavePNG(p, *pngPath); err != nil {
			return err
		}
		fmt.Fprintf(stdout, "wrote %s\n", *pngPath)
	}
	return nil
}

func handleMigrate(args []string, stdout io.Writer) error {
	fs := flag.NewFlagSet("migrate", flag.ContinueOnError)
	common := addCommonFlags(fs)
	if err := parse(fs, args); err != nil {
		return err
	}
	action := "up"
	if fs.NArg() > 0 {
		action = fs.Arg(0)
	}

	// Open applies pending migrations, so "up" is implicit.
	l, err := common.requireLedger()
	if err != nil {
		return err
	}
	defer closeLedger(l)

	switch action {
	case "up":
		if err := l.MigrateUp(); err != nil {
			return err
		}
		fallthrough
	case "version":
		v, dirty, err := l.MigrateVersion()
		if err != nil {
			return err
		}
		fmt.Fprintf(stdout, "ledger schema version %d (dirty=%t)\n", v, dirty)
		return nil
	default:
		return fmt.Errorf("migrate: unknown action %q (want up or version)", action)
	}
}
