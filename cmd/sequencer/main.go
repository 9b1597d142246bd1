package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/robfig/cron/v3"
	"github.com/spf13/cobra"
	"github.com/ternarybob/arbor"

	"github.com/cta-observatory/osa/internal/catalog"
	"github.com/cta-observatory/osa/internal/config"
	"github.com/cta-observatory/osa/internal/history"
	"github.com/cta-observatory/osa/internal/logger"
	"github.com/cta-observatory/osa/internal/orchestrator"
	"github.com/cta-observatory/osa/internal/queue"
	"github.com/cta-observatory/osa/internal/report"
	"github.com/cta-observatory/osa/internal/scheduler"
	"github.com/cta-observatory/osa/internal/sequence"
	"github.com/cta-observatory/osa/internal/storage"
	"github.com/cta-observatory/osa/internal/tui"
	"github.com/cta-observatory/osa/internal/workspace"
)

const exitNothingToDo = 2

type options struct {
	configFile string
	date       string
	telescope  string
	prodID     string

	simulate bool
	noSubmit bool
	noCalib  bool
	noDL2    bool
	test     bool
	verbose  bool
}

func main() {
	opts := &options{}

	rootCmd := &cobra.Command{
		Use:           "sequencer",
		Short:         "LST onsite analysis sequencer",
		Long:          "Builds the sequences of an observation night, submits their pilot jobs and reports their progress.",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runPass(cmd.Context(), opts)
		},
	}

	flags := rootCmd.PersistentFlags()
	flags.StringVarP(&opts.configFile, "config", "c", "", "configuration file (.toml or .yaml)")
	flags.StringVarP(&opts.date, "date", "d", "", "observation night (YYYY-MM-DD), defaults to last night")
	flags.StringVar(&opts.telescope, "tel", "", "telescope (LST1 or LST2)")
	flags.StringVar(&opts.prodID, "prod-id", "", "production id")
	flags.BoolVarP(&opts.simulate, "simulate", "s", false, "do not write or submit anything")
	flags.BoolVar(&opts.noSubmit, "no-submit", false, "prepare scripts but do not submit jobs")
	flags.BoolVar(&opts.noCalib, "no-calib", false, "skip the calibration sequence")
	flags.BoolVar(&opts.noDL2, "no-dl2", false, "stop data sequences after the datacheck stage")
	flags.BoolVarP(&opts.test, "test", "t", false, "run pilot scripts locally without the scheduler")
	flags.BoolVarP(&opts.verbose, "verbose", "v", false, "debug logging")

	rootCmd.AddCommand(newRunCommand(opts))
	rootCmd.AddCommand(newWatchCommand(opts))
	rootCmd.AddCommand(newStatusCommand(opts))
	rootCmd.AddCommand(newDashboardCommand(opts))
	rootCmd.AddCommand(newCloseCommand(opts))
	rootCmd.AddCommand(newHistoryCommand(opts))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		if errors.Is(err, sequence.ErrNothingToDo) {
			os.Exit(exitNothingToDo)
		}
		os.Exit(1)
	}
}

// loadConfig applies file, environment and command line in that order.
func loadConfig(opts *options) (*config.Config, error) {
	cfg, err := config.Load(opts.configFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	if opts.telescope != "" {
		cfg.Telescope = opts.telescope
	}
	if opts.prodID != "" {
		cfg.ProdID = opts.prodID
	}
	cfg.Date = lastNight()
	if opts.date != "" {
		date, err := config.ParseDate(opts.date)
		if err != nil {
			return nil, err
		}
		cfg.Date = date
	}
	cfg.Simulate = opts.simulate
	cfg.NoSubmit = opts.noSubmit
	cfg.NoCalib = opts.noCalib
	cfg.NoDL2 = opts.noDL2
	cfg.Test = opts.test
	cfg.Verbose = opts.verbose

	if err := config.Validate(cfg); err != nil {
		return nil, err
	}
	if err := cfg.EnsureDataDir(); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}
	return cfg, nil
}

func lastNight() time.Time {
	y, m, d := time.Now().UTC().AddDate(0, 0, -1).Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// app holds everything a pass needs, built from one configuration.
type app struct {
	cfg    *config.Config
	log    arbor.ILogger
	store  *storage.Storage
	levels *history.StateMachine
	orch   *orchestrator.Orchestrator
}

func newApp(cfg *config.Config) (*app, error) {
	log := logger.New(cfg)

	store, err := storage.New(cfg.DBPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	runner := &scheduler.ExecRunner{Timeout: cfg.CommandTimeout()}
	levels := history.NewStateMachine(cfg, log)

	summary := catalog.NewRunSummary(cfg.RunSummaryFile)
	sources := catalog.NewSourceLookup(cfg.RunCatalogFile, store, log)
	builder := sequence.NewBuilder(cfg, summary, sources, log)
	submitter := scheduler.NewSubmitter(cfg, runner, levels, log)
	poller := queue.NewPoller(runner, cfg.Slurm.StartTimeDays, log)

	return &app{
		cfg:    cfg,
		log:    log,
		store:  store,
		levels: levels,
		orch:   orchestrator.New(cfg, store, builder, submitter, poller, levels, log),
	}, nil
}

func (a *app) Close() error {
	return a.store.Close()
}

func openApp(opts *options) (*app, error) {
	cfg, err := loadConfig(opts)
	if err != nil {
		return nil, err
	}
	return newApp(cfg)
}

func runPass(ctx context.Context, opts *options) error {
	a, err := openApp(opts)
	if err != nil {
		return err
	}
	defer a.Close()

	res, err := a.orch.Run(ctx)
	if err != nil {
		return err
	}
	if res.DayClosed {
		fmt.Printf("Night %s is closed for %s\n", config.DateToISO(a.cfg.Date), a.cfg.ProdID)
		return nil
	}
	a.log.Info().
		Int("sequences", len(res.Sequences)).
		Int("submitted", len(res.Submitted)).
		Msg("Sequencer pass finished")
	return nil
}

func newRunCommand(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Run one sequencer pass for the night",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runPass(cmd.Context(), opts)
		},
	}
}

func newWatchCommand(opts *options) *cobra.Command {
	var schedule string

	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Run sequencer passes on a cron schedule until interrupted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(opts)
			if err != nil {
				return err
			}
			if schedule == "" {
				schedule = cfg.Watch.Schedule
			}
			log := logger.New(cfg)
			ctx := cmd.Context()

			c := cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)))
			_, err = c.AddFunc(schedule, func() {
				if err := watchPass(ctx, opts); err != nil {
					switch {
					case errors.Is(err, sequence.ErrNothingToDo):
						log.Info().Err(err).Msg("Nothing to do yet")
					case errors.Is(err, workspace.ErrLocked):
						log.Warn().Msg("Previous pass still holds the night, skipping")
					default:
						log.Error().Err(err).Msg("Sequencer pass failed")
					}
				}
			})
			if err != nil {
				return fmt.Errorf("invalid watch schedule %q: %w", schedule, err)
			}

			log.Info().Str("schedule", schedule).Msg("Watching night")
			c.Start()
			<-ctx.Done()
			<-c.Stop().Done()
			log.Info().Msg("Watch stopped")
			return nil
		},
	}

	cmd.Flags().StringVar(&schedule, "schedule", "", "cron schedule (defaults to watch.schedule)")
	return cmd
}

// watchPass reloads the configuration so an unset --date follows the calendar.
func watchPass(ctx context.Context, opts *options) error {
	a, err := openApp(opts)
	if err != nil {
		return err
	}
	defer a.Close()

	_, err = a.orch.Run(ctx)
	return err
}

func newStatusCommand(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show the report of the last recorded pass",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(opts)
			if err != nil {
				return err
			}
			store, err := storage.New(cfg.DBPath)
			if err != nil {
				return fmt.Errorf("failed to open database: %w", err)
			}
			defer store.Close()

			date := config.DateToISO(cfg.Date)
			pass, err := store.LatestPass(cfg.Telescope, date, cfg.ProdID)
			if err != nil {
				return err
			}
			if pass == nil {
				fmt.Printf("No pass recorded for %s %s %s\n", cfg.Telescope, date, cfg.ProdID)
				return nil
			}

			fmt.Printf("Pass %s: %s (%s)\n", pass.ID, pass.Status, storage.FormatTimeAgo(pass.StartedAt))
			if pass.Error != "" {
				fmt.Printf("Error: %s\n", pass.Error)
			}
			if proc, err := store.GetProcessing(cfg.Telescope, date, cfg.ProdID); err == nil && proc != nil && proc.IsFinished {
				fmt.Println("Night closed")
			}

			seqs, err := store.GetSequencesForPass(pass.ID)
			if err != nil {
				return err
			}
			if len(seqs) == 0 {
				fmt.Println("No sequences.")
				return nil
			}
			fmt.Println(report.Table(seqs))
			return nil
		},
	}
}

func newDashboardCommand(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "dashboard",
		Short: "Interactive view of recorded passes",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(opts)
			if err != nil {
				return err
			}
			defer a.Close()

			trigger := func(ctx context.Context) error {
				_, err := a.orch.Run(ctx)
				return err
			}
			p := tea.NewProgram(tui.NewApp(a.store, trigger), tea.WithAltScreen())
			_, err = p.Run()
			return err
		},
	}
}

func newCloseCommand(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "close",
		Short: "Close the night once every sequence has finished",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(opts)
			if err != nil {
				return err
			}
			defer a.Close()

			res, err := a.orch.CloseNight(cmd.Context())
			if errors.Is(err, orchestrator.ErrUnfinished) {
				for _, seq := range res.Unfinished {
					level, rc := a.levels.SequenceLevel(seq)
					fmt.Printf("  %s level %d exit %d\n", seq.JobName, level, rc)
				}
			}
			if err != nil {
				return err
			}

			fmt.Printf("Closed %d sequences for %s\n", len(res.Sequences), config.DateToISO(a.cfg.Date))
			return nil
		},
	}
}
