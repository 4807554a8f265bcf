// Package interventions keeps the settings and the rule engine of every
// intervention loaded in the process.
package interventions

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/liamcoop/coachrules/internal/logger"
	"github.com/liamcoop/coachrules/rules"
)

// ErrUnknownIntervention is returned for interventions that are not loaded.
var ErrUnknownIntervention = errors.New("intervention not found")

// Settings are the per-intervention tunables. Zero values of the send hour
// and the unanswered deadline inherit the engine defaults.
type Settings struct {
	ID                   string
	Name                 string
	Active               bool
	MonitoringActive     bool
	HourToSendMessage    int
	HoursUntilUnanswered int
}

// Repository persists intervention settings.
type Repository interface {
	ListInterventions(ctx context.Context) ([]Settings, error)
	GetIntervention(ctx context.Context, id string) (*Settings, error)
	SaveIntervention(ctx context.Context, s Settings) error
}

// InterventionEngine wraps a rules.Engine with the settings of its intervention
type InterventionEngine struct {
	Settings Settings
	Engine   *rules.Engine
}

// Manager manages engines for all interventions. Engines share one
// evaluator so compiled arithmetic is cached once per process.
type Manager struct {
	engines   map[string]*InterventionEngine
	repo      Repository
	store     rules.RuleStore
	evaluator *rules.Evaluator
	cache     rules.CacheConfig
	mu        sync.RWMutex
}

// NewManager creates a manager reading settings from repo and rules from store.
func NewManager(repo Repository, store rules.RuleStore) (*Manager, error) {
	calc, err := rules.NewCalculator()
	if err != nil {
		return nil, err
	}
	return &Manager{
		engines:   make(map[string]*InterventionEngine),
		repo:      repo,
		store:     store,
		evaluator: rules.NewEvaluator(calc),
		cache:     rules.DefaultCacheConfig(),
	}, nil
}

// LoadAll loads every intervention from the repository and initializes its engine.
func (m *Manager) LoadAll(ctx context.Context) error {
	all, err := m.repo.ListInterventions(ctx)
	if err != nil {
		return fmt.Errorf("failed to fetch interventions: %w", err)
	}

	engines := make(map[string]*InterventionEngine, len(all))
	for _, s := range all {
		if err := ValidateSettings(s); err != nil {
			return fmt.Errorf("invalid settings for intervention %s: %w", s.ID, err)
		}
		engines[s.ID] = m.newEngine(s)
	}

	m.mu.Lock()
	m.engines = engines
	m.mu.Unlock()

	logger.Info("interventions loaded", "count", len(engines))
	return nil
}

// Create validates and saves new settings and registers an engine for them.
func (m *Manager) Create(ctx context.Context, s Settings) error {
	if err := ValidateSettings(s); err != nil {
		return err
	}
	if err := m.repo.SaveIntervention(ctx, s); err != nil {
		return fmt.Errorf("failed to save intervention %s: %w", s.ID, err)
	}

	m.mu.Lock()
	m.engines[s.ID] = m.newEngine(s)
	m.mu.Unlock()
	return nil
}

// Reload re-reads one intervention's settings and replaces its engine,
// dropping every cached rule tree. In-flight walks keep the old engine.
func (m *Manager) Reload(ctx context.Context, id string) error {
	s, err := m.repo.GetIntervention(ctx, id)
	if err != nil {
		return fmt.Errorf("failed to reload intervention %s: %w", id, err)
	}
	if err := ValidateSettings(*s); err != nil {
		return err
	}

	m.mu.Lock()
	m.engines[id] = m.newEngine(*s)
	m.mu.Unlock()
	return nil
}

// GetEngine retrieves the engine and settings of an intervention
func (m *Manager) GetEngine(id string) (*InterventionEngine, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	ie, exists := m.engines[id]
	if !exists {
		return nil, fmt.Errorf("intervention %s: %w", id, ErrUnknownIntervention)
	}
	return ie, nil
}

// List returns the loaded intervention IDs in sorted order
func (m *Manager) List() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	ids := make([]string, 0, len(m.engines))
	for id := range m.engines {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Remove drops an intervention's engine from the manager.
// Note: This does not delete the intervention from the repository
func (m *Manager) Remove(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.engines[id]; !exists {
		return fmt.Errorf("intervention %s: %w", id, ErrUnknownIntervention)
	}
	delete(m.engines, id)
	return nil
}

func (m *Manager) newEngine(s Settings) *InterventionEngine {
	return &InterventionEngine{
		Settings: s,
		Engine:   rules.NewEngineWithEvaluator(m.evaluator, m.store, rules.NewInMemoryTreeCache(m.cache)),
	}
}
