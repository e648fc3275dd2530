package main

import (
	"context"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/urfave/cli/v2"
	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"

	"go.intuitus.dev/driver/config"
	"go.intuitus.dev/driver/logging"
	"go.intuitus.dev/driver/pipeline"
)

const defaultStatsInterval = 10 * time.Second

func (s *session) runAction(c *cli.Context) error {
	cfg, err := s.loadConfig(c)
	if err != nil {
		return err
	}
	ctx, stop := signal.NotifyContext(c.Context, os.Interrupt, syscall.SIGTERM)
	defer stop()

	r := &runner{logger: s.logger, cfg: cfg, statsInterval: c.Duration(flagStats)}
	p, err := r.newPipeline(ctx)
	if err != nil {
		return err
	}
	defer func() {
		if err := p.Close(); err != nil {
			s.logger.Warnw("error closing pipeline", "error", err)
		}
	}()
	if err := p.Start(); err != nil {
		return err
	}

	changes := make(chan *config.Config, 1)
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return config.Watch(ctx, c.String(flagConfig), s.logger, func(cfg *config.Config) {
			// Only the newest change matters.
			select {
			case <-changes:
			default:
			}
			changes <- cfg
		})
	})
	g.Go(func() error {
		return r.supervise(ctx, p, changes)
	})
	return g.Wait()
}

// runner owns the config the pipeline's devices are opened from.
type runner struct {
	logger        logging.Logger
	statsInterval time.Duration

	mu  sync.Mutex
	cfg *config.Config
}

func (r *runner) config() *config.Config {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.cfg
}

func (r *runner) setConfig(cfg *config.Config) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cfg = cfg
}

// reopen opens devices from the current config.
func (r *runner) reopen(ctx context.Context) (pipeline.Devices, error) {
	return openDevices(ctx, r.config(), r.logger)
}

func (r *runner) newPipeline(ctx context.Context) (*pipeline.Pipeline, error) {
	cfg := r.config()
	devs, err := openDevices(ctx, cfg, r.logger)
	if err != nil {
		return nil, err
	}
	logger := r.logger.Sublogger("pipeline")
	p, err := pipeline.New(devs, pipeline.Options{
		Display:          cfg.Display.DisplaySource(),
		Sink:             pipeline.SinkFunc(r.logResult),
		OnFault:          func(err error) { logger.Warnw("accelerator fault", "error", err) },
		MaxRecoveries:    cfg.Pipeline.MaxRecoveries,
		JobTimeout:       cfg.Accelerator.Timeout,
		RecoveryBackoff:  cfg.Pipeline.RecoveryBackoff,
		DropWarnInterval: cfg.Pipeline.DropWarnInterval,
		Reopen:           r.reopen,
	}, logger)
	if err != nil {
		return nil, multierr.Combine(err, devs.Close())
	}
	return p, nil
}

func (r *runner) logResult(ctx context.Context, res pipeline.Result) error {
	r.logger.Debugw("result",
		"job", res.JobID,
		"sequence", res.Sequence,
		"latency", res.Latency,
		"outputBytes", len(res.OutputData))
	return nil
}

// supervise reinitializes the pipeline on every config change and returns
// the pipeline's error once it faults.
func (r *runner) supervise(ctx context.Context, p *pipeline.Pipeline, changes <-chan *config.Config) error {
	var tick <-chan time.Time
	if r.statsInterval > 0 {
		ticker := time.NewTicker(r.statsInterval)
		defer ticker.Stop()
		tick = ticker.C
	}
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-p.Done():
			if err := p.Err(); err != nil {
				return err
			}
			return nil
		case <-tick:
			st := p.Stats()
			r.logger.Infow("pipeline stats",
				"run", st.RunID,
				"state", st.State,
				"captured", st.Captured,
				"completed", st.Completed,
				"displayed", st.Displayed,
				"dropped", st.Dropped+st.CaptureDrops+st.DisplayDrops,
				"faults", st.HardwareFaults,
				"recoveries", st.Recoveries)
		case cfg := <-changes:
			if cfg.Display.DisplaySource() != r.config().Display.DisplaySource() {
				r.logger.Warnw("display source changes take effect on restart", "source", cfg.Display.Source)
			}
			r.setConfig(cfg)
			r.logger.Infow("reinitializing pipeline", "run", p.RunID())
			if err := p.Reinitialize(ctx); err != nil {
				return err
			}
			if err := p.Start(); err != nil {
				return err
			}
		}
	}
}
