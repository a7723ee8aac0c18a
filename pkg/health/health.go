package health

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/cuemby/corral/pkg/dispatcher"
	"github.com/cuemby/corral/pkg/log"
	"github.com/cuemby/corral/pkg/metrics"
	"github.com/cuemby/corral/pkg/storage"
	"github.com/cuemby/corral/pkg/types"
)

// Notifier wakes idle workers after a check action is originated
type Notifier interface {
	Notify()
}

// Manager drives the health registry. Each enabled entry is claimed by one
// engine, which originates a CLUSTER_CHECK action every interval in
// polling mode. Entries claimed by dead engines are stolen using the same
// liveness rule the lock sweep uses.
type Manager struct {
	store    storage.Store
	notifier Notifier
	engineID string
	periodic time.Duration

	mu      sync.Mutex
	nextDue map[string]time.Time // cluster id -> next check

	stopCh chan struct{}
	wg     sync.WaitGroup
	logger zerolog.Logger
}

// NewManager creates a health manager for the given engine id
func NewManager(store storage.Store, notifier Notifier, engineID string, periodic time.Duration) *Manager {
	return &Manager{
		store:    store,
		notifier: notifier,
		engineID: engineID,
		periodic: periodic,
		nextDue:  make(map[string]time.Time),
		stopCh:   make(chan struct{}),
		logger:   log.WithComponent("health").With().Str("engine_id", engineID).Logger(),
	}
}

// Start launches the claim and tick loops
func (m *Manager) Start() {
	m.wg.Add(2)
	go m.claimLoop()
	go m.tickLoop()
	m.logger.Info().Msg("Health manager started")
}

// Stop shuts the loops down; claimed entries stay ours until another
// engine declares us dead
func (m *Manager) Stop() {
	close(m.stopCh)
	m.wg.Wait()
	m.logger.Info().Msg("Health manager stopped")
}

// Register enables health checking for a cluster
func (m *Manager) Register(clusterID string, checkType types.HealthCheckMode,
	interval int, params map[string]interface{}) error {

	entry := &types.HealthRegistry{
		ClusterID: clusterID,
		CheckType: checkType,
		Interval:  interval,
		Params:    params,
		EngineID:  m.engineID,
	}
	if err := m.store.CreateRegistry(entry); err != nil {
		return err
	}
	m.mu.Lock()
	m.nextDue[clusterID] = time.Now().Add(time.Duration(interval) * time.Second)
	m.mu.Unlock()
	return nil
}

// Unregister disables health checking for a cluster
func (m *Manager) Unregister(clusterID string) error {
	m.mu.Lock()
	delete(m.nextDue, clusterID)
	m.mu.Unlock()
	return m.store.DeleteRegistry(clusterID)
}

func (m *Manager) claimLoop() {
	defer m.wg.Done()
	ticker := time.NewTicker(m.periodic)
	defer ticker.Stop()
	for {
		select {
		case <-m.stopCh:
			return
		case <-ticker.C:
			if err := m.Claim(time.Now()); err != nil {
				m.logger.Error().Err(err).Msg("registry claim failed")
			}
		}
	}
}

// Claim takes over registry entries that are unowned or owned by dead
// engines
func (m *Manager) Claim(now time.Time) error {
	services, err := m.store.ListServices()
	if err != nil {
		return err
	}
	dead := dispatcher.DeadServices(services, m.engineID, now, m.periodic)

	claimed, err := m.store.ClaimRegistries(m.engineID, dead)
	if err != nil {
		return err
	}
	if len(claimed) == 0 {
		return nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	for _, entry := range claimed {
		if _, known := m.nextDue[entry.ClusterID]; !known {
			m.nextDue[entry.ClusterID] = now.Add(time.Duration(entry.Interval) * time.Second)
			m.logger.Info().
				Str("cluster_id", entry.ClusterID).
				Int("interval", entry.Interval).
				Msg("claimed health registry entry")
		}
	}
	return nil
}

func (m *Manager) tickLoop() {
	defer m.wg.Done()
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-m.stopCh:
			return
		case <-ticker.C:
			if err := m.Tick(time.Now()); err != nil {
				m.logger.Error().Err(err).Msg("health tick failed")
			}
		}
	}
}

// Tick originates a CLUSTER_CHECK for every claimed polling entry that is
// due
func (m *Manager) Tick(now time.Time) error {
	m.mu.Lock()
	var due []string
	for clusterID, at := range m.nextDue {
		if !now.Before(at) {
			due = append(due, clusterID)
		}
	}
	m.mu.Unlock()

	for _, clusterID := range due {
		entry, err := m.store.GetRegistry(clusterID)
		if err != nil {
			// Entry was removed under us; forget it
			m.mu.Lock()
			delete(m.nextDue, clusterID)
			m.mu.Unlock()
			continue
		}
		if entry.EngineID != m.engineID {
			m.mu.Lock()
			delete(m.nextDue, clusterID)
			m.mu.Unlock()
			continue
		}

		if entry.CheckType == types.HealthCheckPolling {
			if err := m.originateCheck(entry, now); err != nil {
				return err
			}
		}

		m.mu.Lock()
		m.nextDue[clusterID] = now.Add(time.Duration(entry.Interval) * time.Second)
		m.mu.Unlock()
	}
	return nil
}

// originateCheck creates one READY CLUSTER_CHECK action for the entry
func (m *Manager) originateCheck(entry *types.HealthRegistry, now time.Time) error {
	cluster, err := m.store.GetCluster(types.AdminContext(), entry.ClusterID)
	if err != nil {
		return err
	}
	action := &types.Action{
		ID:           uuid.New().String(),
		Name:         "cluster_check_" + shortID(entry.ClusterID),
		Target:       entry.ClusterID,
		Action:       types.ActionClusterCheck,
		Cause:        "periodic health check",
		User:         cluster.User,
		Project:      cluster.Project,
		Interval:     entry.Interval,
		Status:       types.ActionStatusReady,
		StatusReason: "ready for execution",
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := m.store.CreateAction(action); err != nil {
		return err
	}
	metrics.HealthChecksTotal.Inc()
	if m.notifier != nil {
		m.notifier.Notify()
	}
	m.logger.Debug().
		Str("cluster_id", entry.ClusterID).
		Str("action_id", action.ID).
		Msg("originated health check")
	return nil
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
