// Package tenants keeps one isolated rule workspace per tenant.
package tenants

import (
	"cmp"
	"database/sql"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
	"github.com/redis/go-redis/v9"

	"github.com/liamcoop/dqrules/batch"
	"github.com/liamcoop/dqrules/compliance"
	"github.com/liamcoop/dqrules/internal/logger"
	"github.com/liamcoop/dqrules/rules"
	"github.com/liamcoop/dqrules/settings"
	"github.com/liamcoop/dqrules/sites"
)

var (
	ErrTenantNotFound = errors.New("tenant not found")
	ErrTenantExists   = errors.New("tenant already exists")
	ErrInvalidTenant  = errors.New("invalid tenant")
)

// StoreFactory builds the rule store for a tenant.
type StoreFactory func(tenantID string) rules.RuleStore

// MemoryStores gives every tenant its own in-memory store.
func MemoryStores(rejectCycles bool) StoreFactory {
	return func(string) rules.RuleStore {
		if rejectCycles {
			return rules.NewInMemoryRuleStore(rules.WithCycleCheck())
		}
		return rules.NewInMemoryRuleStore()
	}
}

// PostgresStores scopes a shared database to each tenant.
func PostgresStores(db *sql.DB, rejectCycles bool) StoreFactory {
	return func(tenantID string) rules.RuleStore {
		if rejectCycles {
			return rules.NewPostgresRuleStore(db, tenantID, rules.WithPostgresCycleCheck())
		}
		return rules.NewPostgresRuleStore(db, tenantID)
	}
}

// Tenant identifies a workspace owner.
type Tenant struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"created_at"`
}

// Workspace is everything one tenant works with.
type Workspace struct {
	Tenant     Tenant
	Engine     *rules.Engine
	Compliance *compliance.Store
	Sites      *sites.Store
	Settings   *settings.Store
	Batches    *batch.Tracker

	// links serialises rule deletes against writes that reference rules from
	// the compliance and site stores.
	links sync.Mutex
}

// DeleteRule deletes a rule and drops it from every compliance and site mapping.
func (w *Workspace) DeleteRule(id int64) (bool, error) {
	w.links.Lock()
	defer w.links.Unlock()

	removed, err := w.Engine.DeleteRule(id)
	if err != nil || !removed {
		return removed, err
	}
	if n := w.Compliance.UnlinkRule(id); n > 0 {
		logger.Debug("compliance links removed", "tenant_id", w.Tenant.ID, "rule_id", id, "links", n)
	}
	if n := w.Sites.RemoveRule(id); n > 0 {
		logger.Debug("site mappings removed", "tenant_id", w.Tenant.ID, "rule_id", id, "mappings", n)
	}
	return true, nil
}

// CreateActivity creates a compliance activity linked to ruleIDs, all of
// which must exist.
func (w *Workspace) CreateActivity(in compliance.ActivityInput, ruleIDs []int64) (*compliance.Activity, error) {
	w.links.Lock()
	defer w.links.Unlock()

	if err := w.checkRules(ruleIDs, compliance.ErrInvalidActivity); err != nil {
		return nil, err
	}
	return w.Compliance.Create(in, ruleIDs)
}

// UpdateActivity patches an activity. A non-nil ruleIDs replaces its links
// and every id in it must exist.
func (w *Workspace) UpdateActivity(id int64, patch compliance.ActivityPatch, ruleIDs *[]int64) (*compliance.Activity, error) {
	w.links.Lock()
	defer w.links.Unlock()

	if ruleIDs != nil {
		if err := w.checkRules(*ruleIDs, compliance.ErrInvalidActivity); err != nil {
			return nil, err
		}
	}
	return w.Compliance.Update(id, patch, ruleIDs)
}

// CreateSiteMapping maps an existing rule onto a site.
func (w *Workspace) CreateSiteMapping(in sites.MappingInput) (*sites.Mapping, error) {
	w.links.Lock()
	defer w.links.Unlock()

	if err := w.checkRules([]int64{in.RuleID}, sites.ErrInvalidMapping); err != nil {
		return nil, err
	}
	return w.Sites.Create(in)
}

// UpdateSiteMapping patches a mapping; a new rule id must exist.
func (w *Workspace) UpdateSiteMapping(id int64, patch sites.MappingPatch) (*sites.Mapping, error) {
	w.links.Lock()
	defer w.links.Unlock()

	if patch.RuleID != nil {
		if err := w.checkRules([]int64{*patch.RuleID}, sites.ErrInvalidMapping); err != nil {
			return nil, err
		}
	}
	return w.Sites.Update(id, patch)
}

// checkRules reports the first id that is not a rule, wrapped in invalid.
func (w *Workspace) checkRules(ids []int64, invalid error) error {
	for _, id := range ids {
		if _, err := w.Engine.GetRule(id); err != nil {
			if errors.Is(err, rules.ErrNotFound) {
				return fmt.Errorf("%w: rule %d does not exist", invalid, id)
			}
			return err
		}
	}
	return nil
}

// TriggerBatch starts a batch sized to the current active rule count.
func (w *Workspace) TriggerBatch(name, pipelineType, triggeredBy string) (*batch.Batch, error) {
	total, err := w.Engine.ActiveCount()
	if err != nil {
		return nil, fmt.Errorf("failed to count active rules: %w", err)
	}
	b, err := w.Batches.Trigger(name, pipelineType, triggeredBy, total)
	if err != nil {
		return nil, err
	}
	logger.Info("batch triggered", "tenant_id", w.Tenant.ID, "batch_uuid", b.UUID, "total_queries", total)
	return b, nil
}

// SeedDemo loads the demo rule set with its compliance codes, site mappings
// and default settings.
func (w *Workspace) SeedDemo() error {
	seeds, err := rules.DemoSeed()
	if err != nil {
		return err
	}
	created, err := w.Engine.Seed(seeds)
	if err != nil {
		return err
	}

	byName := make(map[string]int64, len(created))
	for _, r := range created {
		byName[r.Name] = r.ID
	}
	activities, err := compliance.DemoSeed()
	if err != nil {
		return err
	}
	if _, err := compliance.ApplySeed(w.Compliance, activities, byName); err != nil {
		return err
	}

	for _, site := range sites.DemoSiteIDs {
		for _, r := range created {
			_, err := w.Sites.Create(sites.MappingInput{
				SiteID:         site,
				RuleID:         r.ID,
				ExecutionStage: r.ExecutionStage,
				ExecutionGroup: r.ExecutionGroup,
				Active:         true,
			})
			if err != nil {
				return fmt.Errorf("seed site %s: %w", site, err)
			}
		}
	}

	defaults, err := settings.DemoSeed()
	if err != nil {
		return err
	}
	_, err = settings.ApplySeed(w.Settings, defaults)
	return err
}

// Option configures a Manager.
type Option func(*Manager)

// WithDB persists tenants in the tenants table.
func WithDB(db *sql.DB) Option {
	return func(m *Manager) {
		m.db = db
	}
}

// WithCacheConfig sets the active-rule cache config for new workspaces.
func WithCacheConfig(cfg rules.CacheConfig) Option {
	return func(m *Manager) {
		m.cacheConfig = cfg
	}
}

// WithRedisCache keeps every tenant's active-rule snapshot in Redis.
func WithRedisCache(client redis.UniversalClient) Option {
	return func(m *Manager) {
		m.redis = client
	}
}

// Manager manages workspaces for all tenants
type Manager struct {
	workspaces  map[string]*Workspace
	stores      StoreFactory
	db          *sql.DB
	redis       redis.UniversalClient
	cacheConfig rules.CacheConfig
	now         func() time.Time
	mu          sync.RWMutex
}

// NewManager creates a manager whose workspaces get their stores from stores
func NewManager(stores StoreFactory, opts ...Option) *Manager {
	m := &Manager{
		workspaces:  make(map[string]*Workspace),
		stores:      stores,
		cacheConfig: rules.DefaultCacheConfig(),
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// LoadAllTenants loads every tenant from the database and opens its workspace
func (m *Manager) LoadAllTenants() (int, error) {
	if m.db == nil {
		return 0, nil
	}

	rows, err := m.db.Query(`SELECT id, name, created_at FROM tenants ORDER BY created_at, id`)
	if err != nil {
		return 0, fmt.Errorf("failed to fetch tenants: %w", err)
	}
	defer rows.Close()

	var loaded []Tenant
	for rows.Next() {
		var t Tenant
		if err := rows.Scan(&t.ID, &t.Name, &t.CreatedAt); err != nil {
			return 0, fmt.Errorf("failed to scan tenant row: %w", err)
		}
		loaded = append(loaded, t)
	}
	if err := rows.Err(); err != nil {
		return 0, fmt.Errorf("error iterating tenant rows: %w", err)
	}

	for _, t := range loaded {
		ws, err := m.openWorkspace(t)
		if err != nil {
			return 0, fmt.Errorf("failed to initialize tenant %s: %w", t.ID, err)
		}
		m.mu.Lock()
		m.workspaces[t.ID] = ws
		m.mu.Unlock()
	}

	logger.Info("tenants loaded", "count", len(loaded))
	return len(loaded), nil
}

// CreateTenant registers a new tenant and opens its workspace
func (m *Manager) CreateTenant(name string) (*Workspace, error) {
	if err := ValidateName(name); err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	for _, ws := range m.workspaces {
		if ws.Tenant.Name == name {
			return nil, fmt.Errorf("%w: %s", ErrTenantExists, name)
		}
	}

	t := Tenant{ID: uuid.NewString(), Name: name, CreatedAt: m.now().UTC()}

	if m.db != nil {
		_, err := m.db.Exec(`INSERT INTO tenants (id, name, created_at) VALUES ($1, $2, $3)`, t.ID, t.Name, t.CreatedAt)
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == "23505" {
			return nil, fmt.Errorf("%w: %s", ErrTenantExists, name)
		}
		if err != nil {
			return nil, fmt.Errorf("failed to insert tenant: %w", err)
		}
	}

	ws, err := m.openWorkspace(t)
	if err != nil {
		return nil, err
	}
	m.workspaces[t.ID] = ws

	logger.Info("tenant created", "tenant_id", t.ID, "name", t.Name)
	return ws, nil
}

// Workspace retrieves the workspace for a specific tenant
func (m *Manager) Workspace(tenantID string) (*Workspace, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	ws, exists := m.workspaces[tenantID]
	if !exists {
		return nil, fmt.Errorf("tenant %s: %w", tenantID, ErrTenantNotFound)
	}
	return ws, nil
}

// ListTenants returns all loaded tenants ordered by name
func (m *Manager) ListTenants() []Tenant {
	m.mu.RLock()
	defer m.mu.RUnlock()

	tenants := make([]Tenant, 0, len(m.workspaces))
	for _, ws := range m.workspaces {
		tenants = append(tenants, ws.Tenant)
	}
	slices.SortFunc(tenants, func(a, b Tenant) int {
		return cmp.Compare(a.Name, b.Name)
	})
	return tenants
}

// TriggerAll starts a batch in every workspace. A tenant that fails does not
// stop the others; their errors are joined.
func (m *Manager) TriggerAll(name, pipelineType, triggeredBy string) ([]*batch.Batch, error) {
	m.mu.RLock()
	workspaces := make([]*Workspace, 0, len(m.workspaces))
	for _, ws := range m.workspaces {
		workspaces = append(workspaces, ws)
	}
	m.mu.RUnlock()

	slices.SortFunc(workspaces, func(a, b *Workspace) int {
		return cmp.Compare(a.Tenant.Name, b.Tenant.Name)
	})

	var (
		started []*batch.Batch
		errs    []error
	)
	for _, ws := range workspaces {
		b, err := ws.TriggerBatch(name, pipelineType, triggeredBy)
		if err != nil {
			errs = append(errs, fmt.Errorf("tenant %s: %w", ws.Tenant.ID, err))
			continue
		}
		started = append(started, b)
	}
	return started, errors.Join(errs...)
}

// DeleteTenant removes a tenant. With a database its rules go too (ON DELETE CASCADE).
func (m *Manager) DeleteTenant(tenantID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.workspaces[tenantID]; !exists {
		return fmt.Errorf("tenant %s: %w", tenantID, ErrTenantNotFound)
	}

	if m.db != nil {
		if _, err := m.db.Exec(`DELETE FROM tenants WHERE id = $1`, tenantID); err != nil {
			return fmt.Errorf("failed to delete tenant: %w", err)
		}
	}

	delete(m.workspaces, tenantID)
	logger.Info("tenant deleted", "tenant_id", tenantID)
	return nil
}

func (m *Manager) openWorkspace(t Tenant) (*Workspace, error) {
	var cache rules.RulesCache = rules.NewInMemoryRulesCache(m.cacheConfig)
	if m.redis != nil {
		cache = rules.NewRedisRulesCache(m.redis, t.ID, m.cacheConfig)
	}

	engine, err := rules.NewEngine(
		m.stores(t.ID),
		rules.WithTenantID(t.ID),
		rules.WithCache(cache),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create engine: %w", err)
	}
	return &Workspace{
		Tenant:     t,
		Engine:     engine,
		Compliance: compliance.NewStore(),
		Sites:      sites.NewStore(),
		Settings:   settings.NewStore(),
		Batches:    batch.NewTracker(),
	}, nil
}
