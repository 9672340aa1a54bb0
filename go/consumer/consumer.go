// Package consumer dequeues jobs from the Redis FIFO queue and drives them
// to a terminal status, one at a time.
package consumer

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	log "github.com/sirupsen/logrus"
)

var (
	jobsProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "worker_jobs_processed_total",
		Help: "Count of dequeued job messages by type and outcome.",
	}, []string{"type", "outcome"})

	jobDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "worker_job_duration_seconds",
		Help:    "Wall time spent processing a dequeued job.",
		Buckets: prometheus.ExponentialBuckets(0.01, 3, 10),
	})
)

// Consumer polls a Queue and dispatches messages to a Runner.
type Consumer struct {
	queue    Queue
	runner   *Runner
	interval time.Duration
}

// New returns a Consumer that sleeps for interval between empty polls.
func New(queue Queue, runner *Runner, interval time.Duration) *Consumer {
	return &Consumer{queue: queue, runner: runner, interval: interval}
}

// Run polls until ctx is cancelled. An empty queue sleeps for the poll
// interval; a transport or decode failure backs off for twice that, so a
// broken broker doesn't spin the loop.
func (c *Consumer) Run(ctx context.Context) error {
	log.WithField("interval", c.interval).Info("consumer started")

	for {
		processed, err := c.RunOnce(ctx)
		var sleep = c.interval

		if err != nil && ctx.Err() == nil {
			log.WithError(err).Warn("poll cycle failed")
			sleep = 2 * c.interval
		} else if processed {
			sleep = 0
		}

		if !sleepCtx(ctx, sleep) {
			log.Info("consumer stopped")
			return ctx.Err()
		}
	}
}

// RunOnce performs a single poll cycle: it pops at most one message and
// processes it. It reports whether a message was processed.
func (c *Consumer) RunOnce(ctx context.Context) (bool, error) {
	var msg, err = c.queue.Pop(ctx)
	if errors.Is(err, ErrEmpty) {
		return false, nil
	} else if err != nil {
		return false, err
	}

	var job JobMessage
	if err = json.Unmarshal([]byte(msg), &job); err != nil {
		jobsProcessed.WithLabelValues("unknown", "undecodable").Inc()
		return false, errors.New("dropping undecodable job message: " + err.Error())
	}

	var started = time.Now()
	switch job.Type {
	case "extract_features":
		err = c.runner.RunExtractFeatures(ctx, job)
	default:
		// Unknown types are logged and dropped; they never requeue.
		log.WithFields(log.Fields{
			"jobID": job.JobID,
			"type":  job.Type,
		}).Warn("dropping job of unknown type")
		jobsProcessed.WithLabelValues(job.Type, "dropped").Inc()
		return true, nil
	}
	jobDuration.Observe(time.Since(started).Seconds())

	if err != nil {
		jobsProcessed.WithLabelValues(job.Type, "error").Inc()
		return true, err
	}
	jobsProcessed.WithLabelValues(job.Type, "ok").Inc()
	return true, nil
}

// sleepCtx sleeps for d unless ctx is cancelled first, reporting whether
// the caller should continue.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	if d == 0 {
		return ctx.Err() == nil
	}
	var timer = time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
