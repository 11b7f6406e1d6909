package autoscale

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/kinesis-scaling-controller/ksc/internal/logging"
)

// MonitorRunner is the supervised unit: one control loop per stream.
type MonitorRunner interface {
	StreamName() string
	Run(ctx context.Context) error
	Stop()
}

// Controller supervises the stream monitors. It owns one worker per
// policy plus a periodic health sweep; when any child fails it stops all
// of them, joins them and surfaces the failure to the host.
type Controller struct {
	monitors       []MonitorRunner
	log            logging.Logger
	healthInterval time.Duration

	stopOnce sync.Once
}

// ControllerOption customizes a Controller.
type ControllerOption func(*Controller)

// WithHealthInterval overrides the child health sweep period.
func WithHealthInterval(d time.Duration) ControllerOption {
	return func(c *Controller) { c.healthInterval = d }
}

// NewController creates a supervisor over the given monitors. Having
// nothing to supervise is a configuration failure, not an idle success.
func NewController(monitors []MonitorRunner, log logging.Logger, opts ...ControllerOption) (*Controller, error) {
	if len(monitors) == 0 {
		return nil, fmt.Errorf("no stream monitors configured")
	}

	c := &Controller{
		monitors:       monitors,
		log:            log,
		healthInterval: time.Minute,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

type monitorResult struct {
	streamName string
	err        error
}

// Run starts every monitor and blocks until the context is cancelled or a
// child fails. All monitors are stopped and joined before Run returns.
func (c *Controller) Run(ctx context.Context) error {
	results := make(chan monitorResult, len(c.monitors))
	var wg sync.WaitGroup

	for _, m := range c.monitors {
		m := m
		c.log.Info(ctx, "starting stream monitor", zap.String("stream", m.StreamName()))
		wg.Add(1)
		go func() {
			defer wg.Done()
			results <- monitorResult{streamName: m.StreamName(), err: m.Run(ctx)}
		}()
	}

	ticker := time.NewTicker(c.healthInterval)
	defer ticker.Stop()

	var failure error
	running := len(c.monitors)

	for running > 0 && failure == nil {
		select {
		case <-ctx.Done():
			c.log.Info(ctx, "shutdown requested, stopping stream monitors")
			c.StopAll()
			wg.Wait()
			return nil
		case r := <-results:
			running--
			if r.err != nil {
				failure = fmt.Errorf("monitor for stream %s failed: %w", r.streamName, r.err)
			} else {
				c.log.Info(ctx, "stream monitor exited", zap.String("stream", r.streamName))
			}
		case <-ticker.C:
			c.log.Debug(ctx, "stream monitors healthy", zap.Int("running", running))
		}
	}

	c.StopAll()
	wg.Wait()

	if failure != nil {
		c.log.Error(ctx, "stopping all monitors after child failure", zap.Error(failure))
	}
	return failure
}

// StopAll signals every monitor to stop.
func (c *Controller) StopAll() {
	c.stopOnce.Do(func() {
		for _, m := range c.monitors {
			m.Stop()
		}
	})
}
