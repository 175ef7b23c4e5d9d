package cli

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"amifit/internal/config"
	"amifit/internal/pipeline"
	"amifit/internal/server"
	"amifit/internal/storage"
)

const version = "amifit v0.4.0"

type pipelineClient interface {
	Submit(job pipeline.Job) error
	Subscribe() (<-chan pipeline.Result, func())
}

type serverFunc func(ctx context.Context, addr string, watchDirs []string, store *storage.Store, pipe pipelineClient, log *slog.Logger) error

type watchFunc func(ctx context.Context, dirs []string, output string, pipe pipelineClient, log *slog.Logger) error

// defaultServe returns a serverFunc whose jobs write below output.
func defaultServe(output string) serverFunc {
	return func(ctx context.Context, addr string, watchDirs []string, store *storage.Store, pipe pipelineClient, log *slog.Logger) error {
		return serve(ctx, addr, watchDirs, output, store, pipe, log)
	}
}

func serve(ctx context.Context, addr string, watchDirs []string, output string, store *storage.Store, pipe pipelineClient, log *slog.Logger) error {
	srv, err := server.NewServer(addr, store, pipe, watchDirs, output, log)
	if err != nil {
		return err
	}
	return srv.Start(ctx)
}

// Root wires CLI commands to the pipeline.
type Root struct {
	pipeline pipelineClient
	cfg      *config.Config
	log      *slog.Logger
	store    *storage.Store
	serveFn  serverFunc
	watchFn  watchFunc
	out      io.Writer
}

// NewRoot constructs the CLI root.
func NewRoot(pl pipelineClient, cfg *config.Config, logger *slog.Logger, store *storage.Store) *Root {
	return &Root{
		pipeline: pl,
		cfg:      cfg,
		log:      logger,
		store:    store,
		serveFn:  defaultServe(cfg.Paths.DefaultOutput),
		watchFn:  defaultWatch,
		out:      os.Stdout,
	}
}

// Run parses args and dispatches to subcommands.
func (r *Root) Run(ctx context.Context, args []string) error {
	cmd := r.command()
	cmd.SetArgs(args)
	cmd.SetOut(r.out)
	return cmd.ExecuteContext(ctx)
}

func (r *Root) printf(format string, a ...any) {
	fmt.Fprintf(r.out, format, a...)
}

func (r *Root) enqueueAndWait(ctx context.Context, job pipeline.Job) (pipeline.Result, error) {
	resCh, unsubscribe := r.pipeline.Subscribe()
	defer unsubscribe()
	if err := r.enqueue(ctx, job); err != nil {
		return pipeline.Result{Job: job}, err
	}
	for {
		select {
		case <-ctx.Done():
			return pipeline.Result{Job: job}, ctx.Err()
		case res, ok := <-resCh:
			if !ok {
				return pipeline.Result{Job: job}, fmt.Errorf("pipeline stopped before completion")
			}
			if res.Job.ID == job.ID {
				return res, res.Error
			}
		}
	}
}

func (r *Root) enqueue(ctx context.Context, job pipeline.Job) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}

	if err := r.pipeline.Submit(job); err != nil {
		return err
	}

	r.log.Info("job queued", "type", job.Type, "id", job.ID, "input", job.InputPath)
	return nil
}

// signalContext cancels on SIGINT or SIGTERM.
func signalContext(parent context.Context) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
}
