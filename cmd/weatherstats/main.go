package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/alecthomas/kong"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/lox/weatherstats/internal/config"
	"github.com/lox/weatherstats/internal/logging"
	"github.com/lox/weatherstats/internal/models"
)

type CLI struct {
	config.Config `embed:""`

	LoadWeatherData LoadWeatherDataCmd `cmd:"" name:"load-weather-data" help:"Fetch and store hourly weather for a city and date range."`
	ListCities      ListCitiesCmd      `cmd:"" name:"list-cities" help:"List stored cities with their observation span."`
	AddNewCity      AddNewCityCmd      `cmd:"" name:"add-new-city" help:"Geocode a city and backfill its recent history."`
	Preview         PreviewCmd         `cmd:"" help:"Fetch and normalize a range without storing it."`
	Serve           ServeCmd           `cmd:"" help:"Serve the statistics API."`
	Worker          WorkerCmd          `cmd:"" help:"Run queue workers."`
	Migrate         MigrateCmd         `cmd:"" help:"Apply database migrations."`
	CleanupRuns     CleanupRunsCmd     `cmd:"" name:"cleanup-runs" help:"Delete old run history and archived payloads."`
}

type LoadWeatherDataCmd struct {
	City      string    `arg:"" help:"City name."`
	StartDate time.Time `name:"start-date" required:"" format:"2006-01-02" help:"First date (YYYY-MM-DD)."`
	EndDate   time.Time `name:"end-date" required:"" format:"2006-01-02" help:"Last date (YYYY-MM-DD), at most yesterday."`
	Country   string    `help:"Country used to disambiguate the city."`
	Provider  string    `help:"Weather provider (openmeteo or ftparchive)."`
	Queue     bool      `help:"Enqueue for a worker instead of running now."`
}

func (c *LoadWeatherDataCmd) Run(ctx context.Context, a *app) error {
	if c.Queue {
		if err := a.pipeline.Validate(c.StartDate, c.EndDate, c.Provider); err != nil {
			return err
		}
		id, err := a.producer.EnqueueLoad(ctx, c.City, c.StartDate, c.EndDate, c.Country, c.Provider)
		if err != nil {
			return err
		}
		fmt.Printf("queued task %s\n", id)
		return nil
	}
	run, err := a.ingest.LoadWeatherData(ctx, c.City, c.StartDate, c.EndDate, c.Country, c.Provider)
	if err != nil {
		return err
	}
	return printRun(run)
}

type ListCitiesCmd struct {
	JSON bool `help:"Print JSON instead of a table."`
}

func (c *ListCitiesCmd) Run(ctx context.Context, a *app) error {
	cities, err := a.ingest.ListCities(ctx)
	if err != nil {
		return err
	}
	if c.JSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(cities)
	}

	tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "CITY\tCOUNTRY\tTIMEZONE\tOBSERVATIONS\tFIRST\tLAST")
	for _, c := range cities {
		first, last := "-", "-"
		if c.FirstAt.Valid {
			first = c.FirstAt.Time.UTC().Format(time.RFC3339)
			last = c.LastAt.Time.UTC().Format(time.RFC3339)
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%s\t%s\n", c.Name, c.Country, c.Timezone, c.Observations, first, last)
	}
	return tw.Flush()
}

type AddNewCityCmd struct {
	City    string `arg:"" help:"City name."`
	Country string `help:"Country used to disambiguate the city."`
	Queue   bool   `help:"Enqueue for a worker instead of running now."`
}

func (c *AddNewCityCmd) Run(ctx context.Context, a *app) error {
	if c.Queue {
		id, err := a.producer.EnqueueAddCity(ctx, c.City, c.Country)
		if err != nil {
			return err
		}
		fmt.Printf("queued task %s\n", id)
		return nil
	}
	run, err := a.ingest.AddNewCity(ctx, c.City, c.Country)
	if err != nil {
		return err
	}
	return printRun(run)
}

type PreviewCmd struct {
	City      string    `arg:""`
	StartDate time.Time `name:"start-date" required:"" format:"2006-01-02"`
	EndDate   time.Time `name:"end-date" required:"" format:"2006-01-02"`
	Country   string
	Provider  string
}

func (c *PreviewCmd) Run(ctx context.Context, a *app) error {
	obs, err := a.ingest.Preview(ctx, c.City, c.StartDate, c.EndDate, c.Country, c.Provider)
	if err != nil {
		return err
	}
	tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "OBSERVED_AT\tTEMPERATURE_C\tPRECIPITATION_MM")
	for _, o := range obs {
		fmt.Fprintf(tw, "%s\t%s\t%s\n", o.ObservedAt.Format(time.RFC3339), nullable(o.Temperature.Float64, o.Temperature.Valid), nullable(o.Precipitation.Float64, o.Precipitation.Valid))
	}
	return tw.Flush()
}

type ServeCmd struct {
	Workers  bool `default:"true" negatable:"" help:"Run queue workers in this process."`
	Schedule bool `default:"true" negatable:"" help:"Run the daily import scheduler."`
}

func (c *ServeCmd) Run(ctx context.Context, a *app) error {
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return a.server().Run(ctx) })
	if c.Workers {
		pool := a.workerPool()
		g.Go(func() error { return pool.Run(ctx) })
	}
	if c.Schedule {
		sched := a.scheduler()
		if err := sched.Start(); err != nil {
			return err
		}
		g.Go(func() error {
			<-ctx.Done()
			sched.Stop()
			return nil
		})
	}
	return g.Wait()
}

type WorkerCmd struct {
	Schedule bool `help:"Also run the daily import scheduler."`
}

func (c *WorkerCmd) Run(ctx context.Context, a *app) error {
	if a.redis == nil {
		a.logger.Warn("no redis configured; worker only sees tasks queued by this process")
	}
	if c.Schedule {
		sched := a.scheduler()
		if err := sched.Start(); err != nil {
			return err
		}
		defer sched.Stop()
	}
	return a.workerPool().Run(ctx)
}

type MigrateCmd struct{}

func (c *MigrateCmd) Run(ctx context.Context, a *app) error {
	version, err := a.store.MigrationVersion(ctx)
	if err != nil {
		return err
	}
	fmt.Printf("database at schema version %d\n", version)
	return nil
}

type CleanupRunsCmd struct {
	Days int `help:"Retention in days; defaults to --run-retention-days."`
}

func (c *CleanupRunsCmd) Run(ctx context.Context, a *app) error {
	days := c.Days
	if days <= 0 {
		days = a.cfg.RunRetentionDays
	}
	runs, payloads, err := a.ingest.CleanupRuns(ctx, time.Duration(days)*24*time.Hour)
	if err != nil {
		return err
	}
	fmt.Printf("deleted %d runs and %d payloads older than %d days\n", runs, payloads, days)
	return nil
}

func nullable(v float64, ok bool) string {
	if !ok {
		return "null"
	}
	return fmt.Sprintf("%.1f", v)
}

func printRun(run *models.IngestRun) error {
	fmt.Printf("run %s: %s\n", run.ID, run.Status)
	fmt.Printf("  %s %s..%s via %s\n", run.CityName,
		run.StartDate.Format(time.DateOnly), run.EndDate.Format(time.DateOnly), run.Provider)
	fmt.Printf("  fetched=%d inserted=%d updated=%d unchanged=%d failed_chunks=%d/%d\n",
		run.Fetched, run.Inserted, run.Updated, run.Unchanged, run.FailedChunks, len(run.Chunks))
	for _, c := range run.Chunks {
		if c.Failed() {
			fmt.Printf("  chunk %s..%s: %s\n", c.Start.Format(time.DateOnly), c.End.Format(time.DateOnly), c.Error)
		}
	}
	if run.Status == models.RunFailed {
		return fmt.Errorf("run %s failed: %s", run.ID, run.Error)
	}
	return nil
}

func main() {
	if err := config.LoadDotenv(".env"); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	var cli CLI
	kctx := kong.Parse(&cli,
		kong.Name("weatherstats"),
		kong.Description("Hourly weather ingestion and statistics."),
		kong.UsageOnError())

	if err := cli.Config.Validate(); err != nil {
		kctx.Fatalf("%v", err)
	}
	logger, err := logging.New(cli.LogLevel, cli.LogFormat)
	if err != nil {
		kctx.Fatalf("%v", err)
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx, &cli.Config, logger)
	if err != nil {
		logger.Fatal("startup failed", zap.Error(err))
	}
	defer a.Close()

	kctx.BindTo(ctx, (*context.Context)(nil))
	if err := kctx.Run(a); err != nil {
		logger.Error("command failed", zap.String("command", kctx.Command()), zap.Error(err))
		a.Close()
		os.Exit(1)
	}
}
