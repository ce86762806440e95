package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/estuary/federator/internal/cache"
	"github.com/estuary/federator/internal/config"
	"github.com/estuary/federator/internal/metrics"
	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	log "github.com/sirupsen/logrus"
	"golang.org/x/time/rate"
)

// SnapshotFetcher fetches a fresh ConfigSnapshot for this node.
type SnapshotFetcher interface {
	GetConsumerConfig(ctx context.Context, consumerID string) (config.Snapshot, error)
}

type liveJob struct {
	params  JobParams
	cancel  context.CancelFunc
	entryID cron.EntryID
}

// Scheduler owns the live set of StreamJobs for this node: on each
// reload it fetches a fresh snapshot, installs it in the shared cache,
// and reconciles the registry of running jobs to match.
type Scheduler struct {
	NodeID   string
	Fetcher  SnapshotFetcher
	Cache    *cache.Cache
	Runner   Runner
	Defaults JobParams // schedule / retry count applied to every derived job

	mu       sync.Mutex
	jobs     map[JobKey]*liveJob
	cron     *cron.Cron
	onDemand *rate.Limiter // bounds how often TriggerReload can fire a reload outside the regular cadence
}

// New constructs a Scheduler with its own cron driver; the driver runs
// only once Start is called.
func New(nodeID string, fetcher SnapshotFetcher, snapshots *cache.Cache, runner Runner, defaults JobParams) *Scheduler {
	return &Scheduler{
		NodeID:   nodeID,
		Fetcher:  fetcher,
		Cache:    snapshots,
		Runner:   runner,
		Defaults: defaults,
		jobs:     make(map[JobKey]*liveJob),
		cron:     cron.New(),
		onDemand: rate.NewLimiter(rate.Every(time.Second), 1),
	}
}

// TriggerReload runs an immediate reload outside the regular tick
// cadence, rate-limited so a burst of external triggers can't thrash
// the live-jobs registry.
func (s *Scheduler) TriggerReload(ctx context.Context) error {
	if !s.onDemand.Allow() {
		return fmt.Errorf("reload already triggered recently, try again shortly")
	}
	return s.Reload(ctx)
}

// Start begins the cron driver; jobs registered via Reload before Start
// still fire on the driver's next tick after it starts.
func (s *Scheduler) Start() { s.cron.Start() }

// Stop halts the cron driver and waits for in-flight job runs to
// complete their current invocation (not the underlying stream, which is
// cancelled separately by removeLocked).
func (s *Scheduler) Stop(ctx context.Context) {
	var stopCtx = s.cron.Stop()
	select {
	case <-stopCtx.Done():
	case <-ctx.Done():
	}
}

// Reload fetches a fresh snapshot and reconciles the live-jobs registry
// to match. Failures are returned to the caller for logging and retry
// on the next tick; the previous live set is left untouched.
func (s *Scheduler) Reload(ctx context.Context) error {
	var snap, err = s.Fetcher.GetConsumerConfig(ctx, s.NodeID)
	if err != nil {
		metrics.ReloadFailures.Inc()
		return fmt.Errorf("fetching consumer configuration: %w", err)
	}
	s.Cache.Put(cache.Consumer, s.NodeID, snap)

	var desired = desiredJobs(snap, s.NodeID, s.Defaults)

	s.mu.Lock()
	defer s.mu.Unlock()

	for key := range s.jobs {
		if _, ok := desired[key]; !ok {
			s.removeLocked(key)
			metrics.ReconcilerActions.WithLabelValues("delete").Inc()
		}
	}
	for key, params := range desired {
		var existing, ok = s.jobs[key]
		switch {
		case !ok:
			s.addLocked(key, params)
			metrics.ReconcilerActions.WithLabelValues("create").Inc()
		case existing.params != params:
			s.removeLocked(key)
			s.addLocked(key, params)
			metrics.ReconcilerActions.WithLabelValues("recreate").Inc()
		}
	}
	return nil
}

// desiredJobs computes D: one JobKey per (peer, topic) pair whose
// management node id equals nodeID, drawn from every subscription's
// owning peer entry.
func desiredJobs(snap config.Snapshot, nodeID string, defaults JobParams) map[JobKey]JobParams {
	var out = make(map[JobKey]JobParams)
	for _, entry := range snap.Consumers {
		if entry.ManagementNodeID != nodeID {
			continue
		}
		var seenTopics = make(map[string]struct{})
		for _, sub := range entry.Subscriptions {
			seenTopics[sub.Topic] = struct{}{}
		}
		for topic := range seenTopics {
			var key = JobKey{PeerID: entry.Name, Topic: topic}
			out[key] = JobParams{
				Schedule:      defaults.Schedule,
				RetryCount:    defaults.RetryCount,
				RunOnRegister: defaults.RunOnRegister,
				PeerEndpoint:  fmt.Sprintf("%s:%d", entry.Host, entry.Port),
				Audience:      entry.IdpClientID,
			}
		}
	}
	return out
}

// addLocked registers a cron entry for key with overlap suppression:
// concurrent executions of the same job id are never allowed to run
// side by side.
func (s *Scheduler) addLocked(key JobKey, params JobParams) {
	var runCtx, cancel = context.WithCancel(context.Background())
	var job = &liveJob{params: params, cancel: cancel}

	var wrapped = cron.NewChain(cron.SkipIfStillRunning(cron.DefaultLogger)).Then(cron.FuncJob(func() {
		var runID = uuid.NewString()
		if err := s.Runner(runCtx, key, params); err != nil && runCtx.Err() == nil {
			log.WithFields(log.Fields{"job": key.String(), "run": runID, "error": err}).Warn("stream job execution ended with an error")
		}
	}))

	var entryID, err = s.cron.AddJob(params.Schedule, wrapped)
	if err != nil {
		log.WithFields(log.Fields{"job": key.String(), "schedule": params.Schedule, "error": err}).Warn("invalid job schedule, job not registered")
		cancel()
		return
	}
	job.entryID = entryID
	s.jobs[key] = job

	if params.RunOnRegister {
		go wrapped.Run()
	}
	log.WithField("job", key.String()).Debug("stream job registered")
}

// removeLocked cancels the job's context (unblocking its runner) and
// unregisters its cron entry.
func (s *Scheduler) removeLocked(key JobKey) {
	var job, ok = s.jobs[key]
	if !ok {
		return
	}
	s.cron.Remove(job.entryID)
	job.cancel()
	delete(s.jobs, key)
	log.WithField("job", key.String()).Debug("stream job removed")
}

// Live returns a snapshot of the currently registered job keys, for
// tests and diagnostics.
func (s *Scheduler) Live() []JobKey {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out = make([]JobKey, 0, len(s.jobs))
	for k := range s.jobs {
		out = append(out, k)
	}
	return out
}

// RunLoop ticks Reload every interval until ctx is cancelled, logging
// failures rather than propagating them.
func (s *Scheduler) RunLoop(ctx context.Context, interval time.Duration) {
	var ticker = time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.Reload(ctx); err != nil {
				log.WithField("error", err).Warn("scheduler reload failed, retrying next tick")
			}
		}
	}
}
