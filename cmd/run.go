package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	jsoniter "github.com/json-iterator/go"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/netvolve/netvolve/internal/app"
	"github.com/netvolve/netvolve/internal/observability"
	"github.com/netvolve/netvolve/internal/plugins/identity"
	"github.com/netvolve/netvolve/internal/plugins/linegraph"
	"github.com/netvolve/netvolve/internal/sim"
)

var (
	runProject string
	runThreads int
	runDelayMs int
	runJSON    bool
)

var runCmd = &cobra.Command{
	Use:   "run <experiments.csv>",
	Short: "Run every experiment of a project file and wait for completion",
	Args:  cobra.ExactArgs(1),
	RunE:  runExperiments,
}

func init() {
	runCmd.Flags().StringVar(&runProject, "project", "", "project name (default: input file base name)")
	runCmd.Flags().IntVar(&runThreads, "threads", 0, "worker cap; 0 selects the machine parallelism")
	runCmd.Flags().IntVar(&runDelayMs, "delay", -1, "inter-step delay in ms; -1 uses the configured default")
	runCmd.Flags().BoolVar(&runJSON, "json", false, "print the run summary as JSON")
	rootCmd.AddCommand(runCmd)
}

// expSummary is one experiment's slice of the run summary.
type expSummary struct {
	ID       int    `json:"id"`
	Status   string `json:"status"`
	Progress int    `json:"progress"`
	Error    string `json:"error,omitempty"`
}

type runSummary struct {
	RunID       string       `json:"runId"`
	Project     string       `json:"project"`
	Experiments []expSummary `json:"experiments"`
}

func runExperiments(cmd *cobra.Command, args []string) error {
	logger := observability.GetLogger()
	runID := uuid.NewString()
	logger = logger.With(zap.String("run_id", runID))

	threads := cfg.Engine.Threads
	if runThreads > 0 {
		threads = runThreads
	}
	delay := time.Duration(cfg.Engine.StepDelayMs) * time.Millisecond
	if runDelayMs >= 0 {
		delay = time.Duration(runDelayMs) * time.Millisecond
	}

	application := app.New(threads, delay, logger)
	if err := application.Registry().RegisterModel(identity.Factory{}); err != nil {
		return fmt.Errorf("%w: %v", errConfigRejected, err)
	}
	if err := application.Registry().RegisterGraph(linegraph.Factory{}); err != nil {
		return fmt.Errorf("%w: %v", errConfigRejected, err)
	}

	filePath := args[0]
	name := runProject
	if name == "" {
		name = strings.TrimSuffix(filepath.Base(filePath), filepath.Ext(filePath))
	}
	project := application.NewProject(name)

	f, err := os.Open(filePath)
	if err != nil {
		return fmt.Errorf("%w: %v", errConfigRejected, err)
	}
	created, impErr := project.ImportExperiments(f)
	f.Close()
	if impErr != nil {
		// row failures are non-fatal while at least one experiment was
		// created; an unreadable or empty file, or one whose rows all
		// failed, rejects the run
		if created == 0 {
			return fmt.Errorf("%w: %v", errConfigRejected, impErr)
		}
		logger.Warn("some experiments could not be imported", zap.Error(impErr))
	}
	logger.Info("project loaded",
		zap.String("project", project.Name()),
		zap.Int("experiments", created),
		zap.Int("threads", application.Manager().Threads()),
	)

	// progress rendering is throttled so fast experiments don't flood the
	// terminal
	limiter := rate.NewLimiter(rate.Every(200*time.Millisecond), 1)
	for _, e := range project.Experiments() {
		exp := e
		exp.ProgressUpdated.Connect(func(p int) {
			if limiter.Allow() {
				logger.Info("progress",
					zap.Int("experiment", exp.ID()),
					zap.Int("degrees", p))
			}
		})
		exp.StatusChanged.Connect(func(s sim.Status) {
			logger.Debug("status changed",
				zap.Int("experiment", exp.ID()),
				zap.Stringer("status", s))
		})
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	project.PlayAll()

	g, gctx := errgroup.WithContext(context.Background())
	done := make(chan struct{})
	g.Go(func() error {
		defer close(done)
		ticker := time.NewTicker(50 * time.Millisecond)
		defer ticker.Stop()
		for {
			if application.Manager().ActiveCount() == 0 && allSettled(project) {
				return nil
			}
			select {
			case <-ticker.C:
			case <-gctx.Done():
				return gctx.Err()
			}
		}
	})
	g.Go(func() error {
		select {
		case <-done:
			return nil
		case <-ctx.Done():
			// restore default signal handling so a second interrupt exits
			stop()
			logger.Warn("interrupted, stopping experiments")
			for _, e := range project.Experiments() {
				e.Stop()
			}
			application.Manager().Wait()
			return nil
		}
	})
	if err := g.Wait(); err != nil {
		return err
	}
	application.Manager().Wait()

	summary := runSummary{RunID: runID, Project: project.Name()}
	anyInvalid := false
	for _, e := range project.Experiments() {
		s := e.Status()
		if s == sim.StatusInvalid {
			anyInvalid = true
		}
		summary.Experiments = append(summary.Experiments, expSummary{
			ID:       e.ID(),
			Status:   s.String(),
			Progress: e.Progress(),
			Error:    e.Error(),
		})
	}

	if runJSON {
		out, err := jsoniter.ConfigCompatibleWithStandardLibrary.MarshalIndent(summary, "", "  ")
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), string(out))
	} else {
		for _, s := range summary.Experiments {
			fmt.Fprintf(cmd.OutOrStdout(), "experiment %d: %s (%d/360)\n", s.ID, s.Status, s.Progress)
		}
	}

	if anyInvalid {
		return errInvalidResults
	}
	return nil
}

// allSettled reports whether no experiment is queued or running anymore.
func allSettled(p *sim.Project) bool {
	for _, e := range p.Experiments() {
		if e.Status().Active() {
			return false
		}
	}
	return true
}
