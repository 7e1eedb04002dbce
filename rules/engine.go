package rules

import (
	"cmp"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/google/cel-go/cel"
	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/liamcoop/dqrules/internal/dag"
	"github.com/liamcoop/dqrules/internal/logger"
)

const (
	// filterCostLimit bounds the work a single selector expression may do per rule.
	filterCostLimit = 1000000

	// filterCacheSize caps how many compiled selector programs are kept.
	filterCacheSize = 256
)

// Engine fronts a RuleStore with validation, an active-rule cache and CEL
// selectors for picking the rules a batch should run.
type Engine struct {
	env      *cel.Env
	store    RuleStore
	cache    RulesCache
	tenantID string
	now      func() time.Time
	programs *lru.Cache[string, cel.Program] // filter expression -> compiled program

	// cacheGen counts invalidations. A snapshot read from the store is only
	// cached if no write invalidated the cache while it was being read.
	cacheGen uint64
	cacheMu  sync.Mutex
}

// EngineOption configures an Engine.
type EngineOption func(*Engine)

// WithCache replaces the default in-memory active-rule cache.
func WithCache(cache RulesCache) EngineOption {
	return func(en *Engine) {
		en.cache = cache
	}
}

// WithTenantID tags the engine's log lines with a tenant.
func WithTenantID(tenantID string) EngineOption {
	return func(en *Engine) {
		en.tenantID = tenantID
	}
}

// NewEngine creates an engine over store. Selector expressions see a single
// variable, rule, with the fields listed in ruleActivation.
func NewEngine(store RuleStore, opts ...EngineOption) (*Engine, error) {
	env, err := cel.NewEnv(
		cel.Variable("rule", cel.MapType(cel.StringType, cel.DynType)),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL environment: %w", err)
	}

	programs, err := lru.New[string, cel.Program](filterCacheSize)
	if err != nil {
		return nil, fmt.Errorf("failed to create filter cache: %w", err)
	}

	en := &Engine{
		env:      env,
		store:    store,
		cache:    NewInMemoryRulesCache(DefaultCacheConfig()),
		now:      time.Now,
		programs: programs,
	}
	for _, opt := range opts {
		opt(en)
	}

	if _, err := en.snapshot(); err != nil {
		return nil, fmt.Errorf("failed to load active rules: %w", err)
	}
	return en, nil
}

// Store returns the underlying rule store.
func (en *Engine) Store() RuleStore {
	return en.store
}

// CreateRule validates and stores a new rule
func (en *Engine) CreateRule(in RuleInput) (*Rule, error) {
	if err := ValidateInput(in); err != nil {
		return nil, err
	}

	rule, err := en.store.Create(in)
	if err != nil {
		en.noteWriteError("create", 0, err)
		return nil, err
	}

	en.invalidate()
	logger.RuleMutations.Add(1)
	logger.Info("rule created", en.attrs("rule_id", rule.ID, "dependencies", rule.DependencyIDs)...)
	return rule, nil
}

// UpdateRule validates patch against the current rule and applies it
func (en *Engine) UpdateRule(id int64, patch RulePatch) (*Rule, error) {
	current, err := en.store.Get(id)
	if err != nil {
		return nil, err
	}
	if err := ValidatePatch(id, current, patch); err != nil {
		return nil, err
	}

	rule, err := en.store.Update(id, patch)
	if err != nil {
		en.noteWriteError("update", id, err)
		return nil, err
	}

	en.invalidate()
	logger.RuleMutations.Add(1)
	logger.Info("rule updated", en.attrs("rule_id", id, "touch_only", patch.IsEmpty())...)
	return rule, nil
}

// DeleteRule removes a rule; dependents lose the edge but are kept
func (en *Engine) DeleteRule(id int64) (bool, error) {
	removed, err := en.store.Delete(id)
	if err != nil {
		en.noteWriteError("delete", id, err)
		return false, err
	}
	if !removed {
		return false, nil
	}

	en.invalidate()
	logger.RuleMutations.Add(1)
	logger.Info("rule deleted", en.attrs("rule_id", id)...)
	return true, nil
}

// Seed creates seeds in file order; see ApplySeed.
func (en *Engine) Seed(seeds []SeedRule) ([]*Rule, error) {
	created, err := ApplySeed(en.store, seeds)
	if len(created) > 0 {
		en.invalidate()
		logger.RuleMutations.Add(int64(len(created)))
	}
	if err != nil {
		return created, err
	}
	logger.Info("rules seeded", en.attrs("count", len(created))...)
	return created, nil
}

// GetRule returns a rule by id
func (en *Engine) GetRule(id int64) (*Rule, error) {
	return en.store.Get(id)
}

// ListRules returns every rule ordered by id
func (en *Engine) ListRules() ([]*Rule, error) {
	return en.store.List()
}

// Dependencies returns the rules id depends on, or ErrNotFound for an unknown id
func (en *Engine) Dependencies(id int64) ([]*Rule, error) {
	if _, err := en.store.Get(id); err != nil {
		return nil, err
	}
	return en.store.Dependencies(id)
}

// Dependents returns the rules that depend on id, or ErrNotFound for an unknown id
func (en *Engine) Dependents(id int64) ([]*Rule, error) {
	if _, err := en.store.Get(id); err != nil {
		return nil, err
	}
	return en.store.Dependents(id)
}

// ActiveRules returns the cached active rule set
func (en *Engine) ActiveRules() ([]*Rule, error) {
	snap, err := en.snapshot()
	if err != nil {
		return nil, err
	}
	out := make([]*Rule, len(snap.Rules))
	for i, r := range snap.Rules {
		out[i] = r.Clone()
	}
	return out, nil
}

// ActiveCount returns the number of active rules
func (en *Engine) ActiveCount() (int, error) {
	snap, err := en.snapshot()
	if err != nil {
		return 0, err
	}
	return len(snap.Rules), nil
}

// CompileFilter compiles a selector expression. The most recently used
// programs are kept for reuse.
func (en *Engine) CompileFilter(expression string) (cel.Program, error) {
	if prog, ok := en.programs.Get(expression); ok {
		return prog, nil
	}

	ast, issues := en.env.Compile(expression)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidFilter, issues.Err())
	}

	prog, err := en.env.Program(ast, cel.CostLimit(filterCostLimit))
	if err != nil {
		return nil, fmt.Errorf("%w: program creation error: %v", ErrInvalidFilter, err)
	}

	en.programs.Add(expression, prog)
	return prog, nil
}

// Select returns the active rules matching filter. An empty filter selects
// every active rule. Non-boolean results and evaluation errors count as no match.
func (en *Engine) Select(filter string) ([]*Rule, error) {
	active, err := en.ActiveRules()
	if err != nil {
		return nil, err
	}
	if strings.TrimSpace(filter) == "" {
		return active, nil
	}

	prog, err := en.CompileFilter(filter)
	if err != nil {
		return nil, err
	}

	now := en.now()
	selected := make([]*Rule, 0, len(active))
	for _, r := range active {
		out, _, err := prog.Eval(map[string]any{"rule": ruleActivation(r, now)})
		if err != nil {
			logger.Debug("rule filter evaluation failed", en.attrs("rule_id", r.ID, "error", err)...)
			continue
		}
		if matched, ok := out.Value().(bool); ok && matched {
			selected = append(selected, r)
		}
	}
	return selected, nil
}

// PlannedRule is a rule placed in an execution plan. After lists the selected
// dependencies it waits for; External lists dependencies that exist but were
// not selected into the plan.
type PlannedRule struct {
	*Rule
	After    []int64 `json:"after,omitempty"`
	External []int64 `json:"external_dependencies,omitempty"`
}

// PlanLevel groups rules that may run together once earlier levels finish.
type PlanLevel struct {
	Level int           `json:"level"`
	Rules []PlannedRule `json:"rules"`
}

// Plan is an ordered execution plan over a rule selection.
type Plan struct {
	Filter string      `json:"filter,omitempty"`
	Total  int         `json:"total"`
	Levels []PlanLevel `json:"levels"`
}

// Plan orders the rules selected by filter so that every rule comes after its
// selected dependencies. Within a level rules are ordered by execution group,
// stage and id. A cycle among the selected rules yields ErrDependencyCycle.
func (en *Engine) Plan(filter string) (*Plan, error) {
	selected, err := en.Select(filter)
	if err != nil {
		return nil, err
	}

	byID := make(map[int64]*Rule, len(selected))
	for _, r := range selected {
		byID[r.ID] = r
	}

	g := buildGraph(selected)
	levels, err := g.ExecutionLevels()
	if err != nil {
		var cycleErr *dag.CycleError[int64]
		if errors.As(err, &cycleErr) {
			return nil, fmt.Errorf("%w: %v", ErrDependencyCycle, cycleErr.Path)
		}
		return nil, err
	}

	all, err := en.store.List()
	if err != nil {
		return nil, err
	}
	exists := make(map[int64]bool, len(all))
	for _, r := range all {
		exists[r.ID] = true
	}

	plan := &Plan{Filter: filter, Total: len(selected), Levels: make([]PlanLevel, 0, len(levels))}
	for i, ids := range levels {
		level := PlanLevel{Level: i, Rules: make([]PlannedRule, 0, len(ids))}
		for _, id := range ids {
			r := byID[id]
			var external []int64
			for _, dep := range uniqueIDs(r.DependencyIDs) {
				if _, in := byID[dep]; !in && exists[dep] {
					external = append(external, dep)
				}
			}
			level.Rules = append(level.Rules, PlannedRule{Rule: r, After: g.Parents(id), External: external})
		}
		slices.SortFunc(level.Rules, func(a, b PlannedRule) int {
			return cmp.Or(
				cmp.Compare(a.ExecutionGroup, b.ExecutionGroup),
				cmp.Compare(a.ExecutionStage, b.ExecutionStage),
				cmp.Compare(a.ID, b.ID),
			)
		})
		plan.Levels = append(plan.Levels, level)
	}
	return plan, nil
}

// GraphNode is a rule as seen by the dependency graph view.
type GraphNode struct {
	ID     int64  `json:"id"`
	Name   string `json:"name"`
	Group  string `json:"execution_group"`
	Active bool   `json:"active"`
}

// GraphEdge points from a dependency to the rule that depends on it.
type GraphEdge struct {
	From int64 `json:"from"`
	To   int64 `json:"to"`
}

// GraphView is the whole rule dependency graph. Roots have no resolvable
// dependencies and leaves have no dependents.
type GraphView struct {
	Nodes  []GraphNode `json:"nodes"`
	Edges  []GraphEdge `json:"edges"`
	Roots  []int64     `json:"roots"`
	Leaves []int64     `json:"leaves"`
	Cycle  []int64     `json:"cycle,omitempty"`
}

// Graph returns every rule and resolvable edge, plus a cycle if one exists.
func (en *Engine) Graph() (*GraphView, error) {
	all, err := en.store.List()
	if err != nil {
		return nil, err
	}

	g := buildGraph(all)
	view := &GraphView{
		Nodes:  make([]GraphNode, 0, g.NodeCount()),
		Edges:  make([]GraphEdge, 0, g.EdgeCount()),
		Roots:  nonNil(g.Roots()),
		Leaves: nonNil(g.Leaves()),
	}
	for _, r := range all {
		view.Nodes = append(view.Nodes, GraphNode{ID: r.ID, Name: r.Name, Group: r.ExecutionGroup, Active: r.Active})
		for _, child := range g.Children(r.ID) {
			view.Edges = append(view.Edges, GraphEdge{From: r.ID, To: child})
		}
	}
	if cycle, ok := g.FindCycle(); ok {
		view.Cycle = cycle
	}
	return view, nil
}

// Upstream returns the ids id transitively depends on.
func (en *Engine) Upstream(id int64) ([]int64, error) {
	g, err := en.fullGraph(id)
	if err != nil {
		return nil, err
	}
	return g.Upstream(id), nil
}

// Downstream returns the ids that transitively depend on id.
func (en *Engine) Downstream(id int64) ([]int64, error) {
	g, err := en.fullGraph(id)
	if err != nil {
		return nil, err
	}
	return g.Downstream(id), nil
}

func (en *Engine) fullGraph(id int64) (*dag.Graph[int64], error) {
	if _, err := en.store.Get(id); err != nil {
		return nil, err
	}
	all, err := en.store.List()
	if err != nil {
		return nil, err
	}
	return buildGraph(all), nil
}

func (en *Engine) snapshot() (*Snapshot, error) {
	if snap := en.cache.Get(); snap != nil {
		return snap, nil
	}

	en.cacheMu.Lock()
	gen := en.cacheGen
	en.cacheMu.Unlock()

	active, err := en.store.ListActive()
	if err != nil {
		return nil, err
	}

	en.cacheMu.Lock()
	current := gen == en.cacheGen
	if current {
		en.cache.Set(active)
	}
	en.cacheMu.Unlock()

	if current {
		if snap := en.cache.Get(); snap != nil {
			return snap, nil
		}
	}
	return newSnapshot(active, en.now()), nil
}

// invalidate drops the cached snapshot after a write and stops in-flight
// reads from caching what they listed before it.
func (en *Engine) invalidate() {
	en.cacheMu.Lock()
	defer en.cacheMu.Unlock()

	en.cacheGen++
	en.cache.Invalidate()
}

func nonNil(ids []int64) []int64 {
	if ids == nil {
		return []int64{}
	}
	return ids
}

func (en *Engine) noteWriteError(op string, id int64, err error) {
	if errors.Is(err, ErrDependencyCycle) {
		logger.CycleRejections.Add(1)
		logger.Warn("rule write rejected", en.attrs("op", op, "rule_id", id, "error", err)...)
		return
	}
	logger.Error("rule write failed", en.attrs("op", op, "rule_id", id, "error", err)...)
}

func (en *Engine) attrs(args ...any) []any {
	if en.tenantID == "" {
		return args
	}
	return append([]any{"tenant_id", en.tenantID}, args...)
}

// ruleActivation exposes rule fields to selector expressions.
func ruleActivation(r *Rule, now time.Time) map[string]any {
	return map[string]any{
		"id":            r.ID,
		"name":          r.Name,
		"group":         r.ExecutionGroup,
		"stage":         int64(r.ExecutionStage),
		"severity":      string(r.Severity),
		"active":        r.Active,
		"drops_records": r.DropsRecords,
		"target_table":  r.TargetTable,
		"dependencies":  r.DependencyIDs,
		"effective":     r.EffectiveAt(now),
	}
}
