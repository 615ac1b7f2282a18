package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/segmentio/ksuid"
	"github.com/spf13/cobra"

	"github.com/datallboy/ahiretrieve/internal/app"
	"github.com/datallboy/ahiretrieve/internal/domain"
	"github.com/datallboy/ahiretrieve/internal/engine"
	"github.com/datallboy/ahiretrieve/internal/progress"
)

type retrieveOptions struct {
	inputs []string
	resume bool
}

func newRetrieveCmd(root *rootOptions) *cobra.Command {
	opts := &retrieveOptions{}

	cmd := &cobra.Command{
		Use:   "retrieve -i descriptor.json [-i more.json]",
		Short: "Download (and decode) every frame listed in the input descriptors",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if len(opts.inputs) == 0 {
				return errors.New("you must supply at least one input file via -i or --input")
			}
			return runRetrieve(cmd.Context(), cmd, root, opts)
		},
	}

	fs := cmd.Flags()
	fs.StringSliceVarP(&opts.inputs, "input", "i", nil, "File path to input file (repeatable)")
	fs.BoolVar(&opts.resume, "resume", false, "Skip frames already completed (store, or the output when no store is set)")
	fs.IntP("loops", "p", 1, "The number of loops to run")
	fs.DurationP("sleep-time", "t", 250*time.Millisecond, "The time between each progress output")
	fs.Bool("no-progress", false, "Print interval lines instead of a progress bar")
	addConnectionFlags(fs)
	return cmd
}

func runRetrieve(ctx context.Context, cmd *cobra.Command, root *rootOptions, opts *retrieveOptions) error {
	cfg, log, err := loadConfig(root, cmd.Flags())
	if err != nil {
		return err
	}
	defer log.Close()

	a, err := app.NewContext(ctx, cfg, log, version)
	if err != nil {
		return err
	}
	defer a.Close(context.Background())

	out := cmd.OutOrStdout()
	for iteration := 0; iteration < cfg.Loops; iteration++ {
		if iteration > 0 {
			// one second between each iteration
			select {
			case <-time.After(time.Second):
			case <-ctx.Done():
				return ctx.Err()
			}
		}

		summary, err := retrieveOnce(ctx, a, opts)
		if err != nil {
			return err
		}
		fmt.Fprintln(out, summary)
	}
	return ctx.Err()
}

func retrieveOnce(ctx context.Context, a *app.Context, opts *retrieveOptions) (progress.Summary, error) {
	run := &domain.Run{
		ID:        ksuid.New().String(),
		Inputs:    opts.inputs,
		Status:    domain.RunDownloading,
		StartedAt: time.Now(),
	}

	p, err := engine.NewPipeline(a, run.ID)
	if err != nil {
		return progress.Summary{}, err
	}
	defer p.Close()

	n, err := p.EnqueueFiles(ctx, opts.inputs, opts.resume)
	if err != nil {
		return progress.Summary{}, err
	}
	run.TotalFrames = int64(n)
	saveRun(a, run)

	ropts := progress.Options{Interval: a.Config.Progress.Interval, Total: int64(n)}
	if a.Config.Progress.Disabled {
		ropts.Lines = os.Stdout
	} else {
		ropts.Output = os.Stderr
	}
	summary := progress.NewReporter(p.Retriever, p.DecodeSource(), ropts).Run(ctx, nil)

	if ctx.Err() != nil {
		if err := p.CancelAll(); err != nil {
			a.Logger.Error("cancel: %v", err)
		}
	}
	p.Wait()

	run.FramesDownloaded = p.Retriever.FramesDownloaded()
	run.FramesFailed = p.Retriever.FramesFailed()
	run.BytesDownloaded = p.Retriever.BytesDownloaded()
	run.FinishedAt = time.Now()
	run.Status = domain.RunCompleted
	if ctx.Err() != nil {
		run.Status = domain.RunCancelled
		run.Error = "interrupted"
	}
	saveRun(a, run)

	return summary, nil
}

func saveRun(a *app.Context, run *domain.Run) {
	if a.Store == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := a.Store.SaveRun(ctx, run); err != nil {
		a.Logger.Error("save run %s: %v", run.ID, err)
	}
}
