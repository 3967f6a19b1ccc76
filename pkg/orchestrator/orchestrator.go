package orchestrator

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/psantana5/pcap-relay/pkg/capture"
	"github.com/psantana5/pcap-relay/pkg/client"
	"github.com/psantana5/pcap-relay/pkg/logging"
	"github.com/psantana5/pcap-relay/pkg/models"
	"github.com/psantana5/pcap-relay/pkg/observe"
	"github.com/psantana5/pcap-relay/pkg/poller"
)

// Run outcomes reported to Metrics
const (
	OutcomeSucceeded = "succeeded"
	OutcomeFailed    = "failed"
	OutcomeCancelled = "cancelled"
)

// errSuperseded stops a run whose generation is no longer current
var errSuperseded = errors.New("run superseded")

// Submitter uploads a capture and returns the job id
type Submitter interface {
	Submit(ctx context.Context, up client.Upload) (string, error)
}

// StatusPoller polls a job until it completes and returns the result url
type StatusPoller interface {
	Run(ctx context.Context, jobID string, before poller.BeforeAttempt) (string, error)
}

// Downloader fetches the finished artifact
type Downloader interface {
	Download(ctx context.Context, url string) ([]byte, error)
}

// Stager materializes a capture source into a private file
type Stager interface {
	Stage(ctx context.Context, src capture.Source) (*capture.Staged, error)
}

// Metrics receives lifecycle events
type Metrics interface {
	Transition(kind models.StateKind)
	RunFinished(outcome string, d time.Duration)
	UploadedBytes(n int64)
}

// Dependencies are the collaborators of an Orchestrator. Broadcaster,
// Metrics and Tracer are optional.
type Dependencies struct {
	Submitter   Submitter
	Poller      StatusPoller
	Downloader  Downloader
	Stager      Stager
	Broadcaster *observe.Broadcaster
	Metrics     Metrics
	Tracer      trace.Tracer
}

// Orchestrator drives upload, polling and download for one job at a time
// and owns the observable JobState. Every state write goes through mu and
// is tagged with the run generation that produced it; writes from a run
// that is no longer current are dropped.
type Orchestrator struct {
	submitter   Submitter
	poller      StatusPoller
	downloader  Downloader
	stager      Stager
	broadcaster *observe.Broadcaster
	metrics     Metrics
	tracer      trace.Tracer
	logger      *logging.Logger

	mu     sync.Mutex
	run    uint64
	state  models.JobState
	cancel context.CancelFunc
	closed bool

	wg sync.WaitGroup
}

// New creates an orchestrator in the Idle state
func New(deps Dependencies, logger *logging.Logger) *Orchestrator {
	if logger == nil {
		logger = logging.Discard()
	}
	o := &Orchestrator{
		submitter:   deps.Submitter,
		poller:      deps.Poller,
		downloader:  deps.Downloader,
		stager:      deps.Stager,
		broadcaster: deps.Broadcaster,
		metrics:     deps.Metrics,
		tracer:      deps.Tracer,
		logger:      logger.WithField("component", "orchestrator"),
		state:       models.Idle{},
	}
	if o.broadcaster == nil {
		o.broadcaster = observe.NewBroadcaster(logger)
	}
	if o.metrics == nil {
		o.metrics = nopMetrics{}
	}
	if o.tracer == nil {
		o.tracer = noop.NewTracerProvider().Tracer("")
	}
	return o
}

// Start cancels any active run and begins a new one for src. It publishes
// Uploading(0) before returning and does no I/O on the caller's goroutine.
// The returned generation is 0 if the orchestrator is closed.
func (o *Orchestrator) Start(src capture.Source) uint64 {
	id, _ := o.begin(models.Uploading{Progress: 0}, func(ctx context.Context, r *run) {
		staged, err := o.stager.Stage(ctx, src)
		if err != nil {
			o.fail(ctx, r, &stagingError{Err: err}, "")
			return
		}
		o.upload(ctx, r, staged)
	})
	return id
}

// StartStaged is Start for a capture that was already staged. The
// orchestrator takes ownership of staged and removes it when the run ends.
func (o *Orchestrator) StartStaged(staged *capture.Staged) uint64 {
	id, ok := o.begin(models.Uploading{Progress: 0}, func(ctx context.Context, r *run) {
		o.upload(ctx, r, staged)
	})
	if !ok {
		staged.Remove()
	}
	return id
}

// Fetch cancels any active run and downloads url for an already finished
// job, going straight to Downloading.
func (o *Orchestrator) Fetch(jobID, url string) uint64 {
	id, _ := o.begin(models.Downloading{JobID: jobID, URL: url}, func(ctx context.Context, r *run) {
		o.download(ctx, r, jobID, url)
	})
	return id
}

// Cancel stops the active run, if any, and resets the state to Idle.
// No Failed state is published for the cancelled run.
func (o *Orchestrator) Cancel() {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.resetLocked()
}

func (o *Orchestrator) resetLocked() {
	if o.cancel != nil {
		o.cancel()
		o.cancel = nil
	}
	o.run++
	if _, idle := o.state.(models.Idle); !idle {
		o.setLocked(o.run, models.Idle{})
	}
}

// Close cancels the active run, waits for it to unwind and ends all
// subscriptions. Later calls to Start and Fetch are ignored.
func (o *Orchestrator) Close() error {
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return nil
	}
	o.closed = true
	o.resetLocked()
	o.mu.Unlock()

	o.wg.Wait()
	o.broadcaster.Close()
	return nil
}

// Wait blocks until every started run has returned
func (o *Orchestrator) Wait() {
	o.wg.Wait()
}

// State returns the current JobState
func (o *Orchestrator) State() models.JobState {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.state
}

// Snapshot returns the current state with its run generation
func (o *Orchestrator) Snapshot() observe.Update {
	return o.broadcaster.Current()
}

// Subscribe delivers the current state and every later transition
func (o *Orchestrator) Subscribe() (<-chan observe.Update, func()) {
	return o.broadcaster.Subscribe()
}

// Broadcaster exposes the underlying state broadcaster
func (o *Orchestrator) Broadcaster() *observe.Broadcaster {
	return o.broadcaster
}

// begin makes a new run current, publishes its initial state and starts
// body in the background
func (o *Orchestrator) begin(initial models.JobState, body func(ctx context.Context, r *run)) (uint64, bool) {
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return 0, false
	}
	if o.cancel != nil {
		o.cancel()
	}
	o.run++
	r := newRun(o.run, o.logger)
	ctx, cancel := context.WithCancel(context.Background())
	o.cancel = cancel
	o.setLocked(r.id, initial)
	o.wg.Add(1)
	o.mu.Unlock()

	r.logger.Info("run started", logging.Fields{"state": string(initial.Kind())})

	go func() {
		defer o.wg.Done()
		defer cancel()

		ctx, span := o.tracer.Start(ctx, "pcaprelay.run", trace.WithAttributes(r.attributes()...))
		defer span.End()

		body(ctx, r)
		o.finish(r)
	}()

	return r.id, true
}

// setLocked replaces the state and publishes it; o.mu must be held
func (o *Orchestrator) setLocked(id uint64, next models.JobState) {
	o.state = next
	o.broadcaster.Publish(observe.Update{Run: id, State: next, At: time.Now()})
	o.metrics.Transition(next.Kind())
}

// publish applies next if r is still the current run and the transition
// is legal. It returns false when the event was discarded.
func (o *Orchestrator) publish(r *run, next models.JobState) bool {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.run != r.id {
		r.logger.Debug("discarding stale event", logging.Fields{"state": string(next.Kind()), "current_run": o.run})
		return false
	}
	if err := models.ValidateTransition(o.state, next); err != nil {
		r.logger.Error("rejected state transition", logging.Fields{"error": err.Error()})
		return false
	}
	o.setLocked(r.id, next)
	return true
}

// progress applies an upload fraction while r is current and still
// uploading; fractions that do not increase are ignored
func (o *Orchestrator) progress(r *run, fraction float64) {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.run != r.id {
		return
	}
	cur, ok := o.state.(models.Uploading)
	if !ok || fraction <= cur.Progress {
		return
	}
	o.setLocked(r.id, models.Uploading{Progress: fraction})
}

// finish records the outcome of a run that returned
func (o *Orchestrator) finish(r *run) {
	o.mu.Lock()
	outcome := OutcomeCancelled
	if o.run == r.id {
		switch o.state.(type) {
		case models.Succeeded:
			outcome = OutcomeSucceeded
		case models.Failed:
			outcome = OutcomeFailed
		}
	}
	o.mu.Unlock()

	elapsed := time.Since(r.started)
	o.metrics.RunFinished(outcome, elapsed)
	r.logger.Info("run finished", logging.Fields{"outcome": outcome, "duration": elapsed.String()})
}

type nopMetrics struct{}

func (nopMetrics) Transition(models.StateKind)       {}
func (nopMetrics) RunFinished(string, time.Duration) {}
func (nopMetrics) UploadedBytes(int64)               {}
