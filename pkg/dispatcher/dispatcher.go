package dispatcher

import (
	"os"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/cuemby/corral/pkg/dag"
	"github.com/cuemby/corral/pkg/engine"
	"github.com/cuemby/corral/pkg/events"
	"github.com/cuemby/corral/pkg/lock"
	"github.com/cuemby/corral/pkg/log"
	"github.com/cuemby/corral/pkg/metrics"
	"github.com/cuemby/corral/pkg/storage"
	"github.com/cuemby/corral/pkg/types"
)

const serviceBinary = "corral-engine"

// Dispatcher runs the worker pool of one engine process. Workers poll the
// store for READY actions and claim them with a single-row CAS, so any
// number of engines can share one deployment. The dispatcher also renews
// this engine's liveness record and sweeps actions owned by dead engines.
type Dispatcher struct {
	id           string
	topic        string
	store        storage.Store
	engine       *engine.Engine
	graph        *dag.Graph
	locks        *lock.Manager
	sink         events.Sink
	workers      int
	periodic     time.Duration
	pollInterval time.Duration

	notifyCh chan struct{}
	stopCh   chan struct{}
	wg       sync.WaitGroup
	logger   zerolog.Logger
}

// New creates a dispatcher for the given engine id. periodic is the
// liveness renewal interval; an engine is considered dead after missing
// two of them.
func New(engineID, topic string, store storage.Store, eng *engine.Engine,
	locks *lock.Manager, sink events.Sink, workers int, periodic time.Duration) *Dispatcher {

	if workers <= 0 {
		workers = 1
	}
	return &Dispatcher{
		id:           engineID,
		topic:        topic,
		store:        store,
		engine:       eng,
		graph:        dag.New(store),
		locks:        locks,
		sink:         sink,
		workers:      workers,
		periodic:     periodic,
		pollInterval: 500 * time.Millisecond,
		notifyCh:     make(chan struct{}, 1),
		stopCh:       make(chan struct{}),
		logger:       log.WithComponent("dispatcher").With().Str("engine_id", engineID).Logger(),
	}
}

// SetPollInterval overrides the idle claim poll interval
func (d *Dispatcher) SetPollInterval(interval time.Duration) {
	d.pollInterval = interval
}

// Start registers the liveness record and launches the worker pool plus
// the heartbeat and sweep loops
func (d *Dispatcher) Start() error {
	if err := d.Heartbeat(time.Now()); err != nil {
		return err
	}
	d.engine.SetNotifier(d.Notify)

	for i := 0; i < d.workers; i++ {
		d.wg.Add(1)
		go d.workerLoop()
	}
	d.wg.Add(3)
	go d.heartbeatLoop()
	go d.sweepLoop()
	go d.statsLoop()

	d.logger.Info().Int("workers", d.workers).Msg("Dispatcher started")
	return nil
}

// Stop shuts the pool down and removes the liveness record. Running
// actions finish; READY actions stay for other engines.
func (d *Dispatcher) Stop() {
	close(d.stopCh)
	d.wg.Wait()
	if err := d.store.DeleteService(d.id); err != nil {
		d.logger.Error().Err(err).Msg("failed to remove service record")
	}
	d.logger.Info().Msg("Dispatcher stopped")
}

// Notify wakes one idle worker; safe to call from any goroutine
func (d *Dispatcher) Notify() {
	select {
	case d.notifyCh <- struct{}{}:
	default:
	}
}

func (d *Dispatcher) workerLoop() {
	defer d.wg.Done()
	for {
		select {
		case <-d.stopCh:
			return
		case <-d.notifyCh:
		case <-time.After(d.pollInterval):
		}
		d.drainReady()
	}
}

// drainReady claims and executes actions until the READY queue is empty
func (d *Dispatcher) drainReady() {
	for {
		select {
		case <-d.stopCh:
			return
		default:
		}
		action, err := d.store.ClaimReadyAction(d.id, time.Now())
		if err != nil {
			d.logger.Error().Err(err).Msg("failed to claim action")
			return
		}
		if action == nil {
			return
		}
		d.run(action)
	}
}

// run executes one claimed action and records its terminal status through
// the dependency graph
func (d *Dispatcher) run(action *types.Action) {
	metrics.ActionsClaimed.Inc()
	metrics.WorkersBusy.Inc()
	defer metrics.WorkersBusy.Dec()

	logger := d.logger.With().
		Str("action_id", action.ID).
		Str("kind", string(action.Action)).
		Logger()
	logger.Debug().Str("target", action.Target).Msg("executing action")

	start := time.Now()
	status, reason := d.engine.Execute(action)
	metrics.ActionDuration.WithLabelValues(string(action.Action)).
		Observe(time.Since(start).Seconds())

	ts := time.Now()
	var err error
	switch status {
	case types.ActionStatusSucceeded:
		err = d.graph.MarkSucceeded(action.ID, ts)
	case types.ActionStatusCancelled:
		err = d.graph.MarkCancelled(action.ID, ts, reason)
	default:
		metrics.ActionsFailed.WithLabelValues(string(action.Action)).Inc()
		err = d.graph.MarkFailed(action.ID, ts, reason)
	}
	if err != nil {
		logger.Error().Err(err).Msg("failed to finalize action")
		return
	}

	if d.sink != nil {
		clusterID := ""
		if action.Action.IsClusterKind() {
			clusterID = action.Target
		}
		d.sink.Emit(&types.Event{
			Timestamp:    ts,
			Level:        eventLevel(status),
			Project:      action.Project,
			OID:          action.ID,
			OType:        "ACTION",
			OName:        action.Name,
			ClusterID:    clusterID,
			Action:       string(action.Action),
			Status:       string(status),
			StatusReason: reason,
		})
	}

	logger.Info().
		Str("status", string(status)).
		Dur("took", time.Since(start)).
		Msg("action finished")

	// Finishing may have promoted dependents to READY
	d.Notify()
}

func eventLevel(status types.ActionStatus) string {
	if status == types.ActionStatusFailed {
		return "ERROR"
	}
	return "INFO"
}

func (d *Dispatcher) heartbeatLoop() {
	defer d.wg.Done()
	ticker := time.NewTicker(d.periodic)
	defer ticker.Stop()
	for {
		select {
		case <-d.stopCh:
			return
		case <-ticker.C:
			if err := d.Heartbeat(time.Now()); err != nil {
				d.logger.Error().Err(err).Msg("failed to renew liveness record")
			}
		}
	}
}

// Heartbeat renews this engine's liveness record
func (d *Dispatcher) Heartbeat(now time.Time) error {
	host, _ := os.Hostname()
	return d.store.UpsertService(&types.Service{
		ID:        d.id,
		Host:      host,
		Binary:    serviceBinary,
		Topic:     d.topic,
		UpdatedAt: now,
	})
}

func (d *Dispatcher) sweepLoop() {
	defer d.wg.Done()
	ticker := time.NewTicker(d.periodic)
	defer ticker.Stop()
	for {
		select {
		case <-d.stopCh:
			return
		case <-ticker.C:
			if err := d.Sweep(time.Now()); err != nil {
				d.logger.Error().Err(err).Msg("dead engine sweep failed")
			}
		}
	}
}

// Sweep garbage-collects every dead engine: its non-terminal actions fail
// with reason "Engine failure", their locks are released and the stale
// liveness record is removed
func (d *Dispatcher) Sweep(now time.Time) error {
	services, err := d.store.ListServices()
	if err != nil {
		return err
	}
	for _, id := range DeadServices(services, d.id, now, d.periodic) {
		d.logger.Warn().Str("dead_engine_id", id).Msg("sweeping dead engine")
		if err := d.locks.GCByEngine(id, now); err != nil {
			return err
		}
		if err := d.store.DeleteService(id); err != nil {
			return err
		}
		metrics.EnginesSwept.Inc()
	}
	return nil
}

func (d *Dispatcher) statsLoop() {
	defer d.wg.Done()
	ticker := time.NewTicker(d.periodic)
	defer ticker.Stop()
	for {
		select {
		case <-d.stopCh:
			return
		case <-ticker.C:
			if err := d.CollectStats(); err != nil {
				d.logger.Error().Err(err).Msg("stats collection failed")
			}
		}
	}
}

// CollectStats samples entity counts by status into the Prometheus gauges
func (d *Dispatcher) CollectStats() error {
	ctx := types.AdminContext()

	actions, err := d.store.ListActions(ctx, storage.ActionFilter{}, storage.Query{})
	if err != nil {
		return err
	}
	metrics.ActionsTotal.Reset()
	for _, action := range actions {
		metrics.ActionsTotal.WithLabelValues(string(action.Status)).Inc()
	}

	clusters, err := d.store.ListClusters(ctx, storage.Query{})
	if err != nil {
		return err
	}
	metrics.ClustersTotal.Reset()
	for _, cluster := range clusters {
		metrics.ClustersTotal.WithLabelValues(string(cluster.Status)).Inc()
	}

	nodes, err := d.store.ListNodes(ctx, storage.Query{})
	if err != nil {
		return err
	}
	metrics.NodesTotal.Reset()
	for _, node := range nodes {
		metrics.NodesTotal.WithLabelValues(string(node.Status)).Inc()
	}
	return nil
}

// DeadServices returns the ids of engines whose liveness record is older
// than twice the periodic interval, excluding self
func DeadServices(services []*types.Service, self string, now time.Time, periodic time.Duration) []string {
	var dead []string
	for _, svc := range services {
		if svc.ID == self {
			continue
		}
		if now.Sub(svc.UpdatedAt) > 2*periodic {
			dead = append(dead, svc.ID)
		}
	}
	return dead
}
