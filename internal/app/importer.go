package app

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"

	"injectline/internal/condition"
	"injectline/internal/domain"
	"injectline/internal/repo"
)

// defaultCondition gates a child on its parent having executed.
const defaultCondition = "Execution == true"

// Definition is the YAML exercise file accepted by Import.
type Definition struct {
	Topology  TopologyDef   `yaml:"topology"`
	Exercises []ExerciseDef `yaml:"exercises"`
	// Injects outside any exercise are queued for the next cycle.
	Injects []InjectDef `yaml:"injects"`
}

type TopologyDef struct {
	Teams       []TeamDef       `yaml:"teams"`
	Assets      []AssetDef      `yaml:"assets"`
	Agents      []AgentDef      `yaml:"agents"`
	AssetGroups []AssetGroupDef `yaml:"asset_groups"`
}

type TeamDef struct {
	ID   string `yaml:"id"`
	Name string `yaml:"name"`
}

type AssetDef struct {
	ID   string `yaml:"id"`
	Name string `yaml:"name"`
}

type AgentDef struct {
	ID       string `yaml:"id"`
	Asset    string `yaml:"asset"`
	Hostname string `yaml:"hostname"`
}

type AssetGroupDef struct {
	ID     string   `yaml:"id"`
	Name   string   `yaml:"name"`
	Assets []string `yaml:"assets"`
}

type ExerciseDef struct {
	ID       string      `yaml:"id"`
	Name     string      `yaml:"name"`
	Start    *time.Time  `yaml:"start"`
	Scenario string      `yaml:"scenario"`
	Injects  []InjectDef `yaml:"injects"`
}

type InjectDef struct {
	ID           string                       `yaml:"id"`
	Title        string                       `yaml:"title"`
	Contract     string                       `yaml:"contract"`
	Enabled      *bool                        `yaml:"enabled"`
	After        time.Duration                `yaml:"after"`
	Content      map[string]any               `yaml:"content"`
	Targets      []TargetDef                  `yaml:"targets"`
	Expectations []domain.ExpectationTemplate `yaml:"expectations"`
	DependsOn    []DependencyDef              `yaml:"depends_on"`
}

type TargetDef struct {
	Type string `yaml:"type"`
	ID   string `yaml:"id"`
}

type DependencyDef struct {
	Parent    string `yaml:"parent"`
	Condition string `yaml:"condition"`
}

// ImportSummary counts what Import stored.
type ImportSummary struct {
	Teams        int `json:"teams"`
	Assets       int `json:"assets"`
	Agents       int `json:"agents"`
	AssetGroups  int `json:"asset_groups"`
	Exercises    int `json:"exercises"`
	Injects      int `json:"injects"`
	Dependencies int `json:"dependencies"`
}

// ParseDefinition decodes an exercise file. Unknown keys are rejected.
func ParseDefinition(data []byte) (Definition, error) {
	var def Definition
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&def); err != nil {
		return Definition{}, fmt.Errorf("invalid exercise yaml: %w", err)
	}
	return def, nil
}

// Import validates def and stores it in one transaction. Exercises start
// SCHEDULED; standalone injects start QUEUING.
func Import(ctx context.Context, r repo.Repo, def Definition, now time.Time) (ImportSummary, error) {
	var sum ImportSummary
	now = now.UTC()
	plan, err := buildPlan(def, now)
	if err != nil {
		return sum, err
	}

	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return sum, err
	}
	defer tx.Rollback()

	for _, t := range def.Topology.Teams {
		if err := r.UpsertTeam(ctx, tx, domain.Team{ID: t.ID, Name: t.Name}); err != nil {
			return sum, fmt.Errorf("team %s: %w", t.ID, err)
		}
		sum.Teams++
	}
	for _, a := range def.Topology.Assets {
		if err := r.UpsertAsset(ctx, tx, domain.Asset{ID: a.ID, Name: a.Name}); err != nil {
			return sum, fmt.Errorf("asset %s: %w", a.ID, err)
		}
		sum.Assets++
	}
	for _, a := range def.Topology.Agents {
		if err := r.UpsertAgent(ctx, tx, domain.Agent{ID: a.ID, AssetID: a.Asset, Hostname: a.Hostname}); err != nil {
			return sum, fmt.Errorf("agent %s: %w", a.ID, err)
		}
		sum.Agents++
	}
	for _, g := range def.Topology.AssetGroups {
		if err := r.UpsertAssetGroup(ctx, tx, domain.AssetGroup{ID: g.ID, Name: g.Name, AssetIDs: g.Assets}); err != nil {
			return sum, fmt.Errorf("asset group %s: %w", g.ID, err)
		}
		sum.AssetGroups++
	}
	for _, ex := range plan.exercises {
		if err := r.InsertExerciseTx(ctx, tx, ex); err != nil {
			return sum, err
		}
		sum.Exercises++
	}
	for _, inj := range plan.injects {
		if err := r.InsertInjectTx(ctx, tx, inj); err != nil {
			return sum, err
		}
		sum.Injects++
	}
	for _, dep := range plan.dependencies {
		if err := r.InsertDependencyTx(ctx, tx, dep); err != nil {
			return sum, err
		}
		sum.Dependencies++
	}
	if err := tx.Commit(); err != nil {
		return sum, err
	}
	return sum, nil
}

type importPlan struct {
	exercises    []domain.Exercise
	injects      []domain.Inject
	dependencies []domain.InjectDependency
}

func buildPlan(def Definition, now time.Time) (importPlan, error) {
	var plan importPlan
	// inject id -> exercise key, "" for standalone
	owner := map[string]string{}
	for _, ex := range def.Exercises {
		id := ex.ID
		if id == "" {
			id = uuid.NewString()
		}
		name := ex.Name
		if name == "" {
			name = id
		}
		start := now
		if ex.Start != nil {
			start = ex.Start.UTC()
		}
		exercise := domain.Exercise{ID: id, Name: name, Status: domain.ExerciseScheduled, Start: &start, CreatedAt: now, UpdatedAt: now}
		if ex.Scenario != "" {
			scenario := ex.Scenario
			exercise.ScenarioID = &scenario
		}
		plan.exercises = append(plan.exercises, exercise)
		for _, d := range ex.Injects {
			inj, err := injectFromDef(d, &id, now)
			if err != nil {
				return plan, fmt.Errorf("exercise %s: %w", id, err)
			}
			if _, dup := owner[inj.ID]; dup {
				return plan, fmt.Errorf("duplicate inject id %s", inj.ID)
			}
			owner[inj.ID] = id
			plan.injects = append(plan.injects, inj)
		}
	}
	for _, d := range def.Injects {
		inj, err := injectFromDef(d, nil, now)
		if err != nil {
			return plan, err
		}
		if _, dup := owner[inj.ID]; dup {
			return plan, fmt.Errorf("duplicate inject id %s", inj.ID)
		}
		if len(d.DependsOn) > 0 {
			return plan, fmt.Errorf("inject %s: standalone injects cannot depend on other injects", inj.ID)
		}
		owner[inj.ID] = ""
		inj.Status = &domain.InjectStatus{Name: domain.StatusQueuing, CollectStatus: domain.CollectPending, UpdatedAt: now}
		plan.injects = append(plan.injects, inj)
	}

	for _, ex := range def.Exercises {
		for _, d := range ex.Injects {
			for _, dep := range d.DependsOn {
				parentOwner, ok := owner[dep.Parent]
				if !ok {
					return plan, fmt.Errorf("inject %s depends on unknown inject %q", d.ID, dep.Parent)
				}
				if parentOwner != owner[d.ID] {
					return plan, fmt.Errorf("inject %s depends on %s from another exercise", d.ID, dep.Parent)
				}
				expr := dep.Condition
				if strings.TrimSpace(expr) == "" {
					expr = defaultCondition
				}
				cond, err := condition.Parse(expr)
				if err != nil {
					return plan, fmt.Errorf("inject %s condition: %w", d.ID, err)
				}
				if _, err := condition.Compile(cond); err != nil {
					return plan, fmt.Errorf("inject %s condition: %w", d.ID, err)
				}
				plan.dependencies = append(plan.dependencies, domain.InjectDependency{ParentID: dep.Parent, ChildID: d.ID, Condition: cond})
			}
		}
	}
	if err := checkAcyclic(plan.dependencies); err != nil {
		return plan, err
	}
	return plan, nil
}

func injectFromDef(d InjectDef, exerciseID *string, now time.Time) (domain.Inject, error) {
	if d.ID == "" {
		return domain.Inject{}, errors.New("inject id is required")
	}
	if d.After < 0 {
		return domain.Inject{}, fmt.Errorf("inject %s: after must not be negative", d.ID)
	}
	inj := domain.Inject{
		ID:              d.ID,
		ExerciseID:      exerciseID,
		Title:           d.Title,
		Enabled:         d.Enabled == nil || *d.Enabled,
		DependsDuration: d.After,
		Contract:        strings.ToLower(strings.TrimSpace(d.Contract)),
		Content:         d.Content,
		Expectations:    d.Expectations,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	if inj.Title == "" {
		inj.Title = inj.ID
	}
	if inj.Contract == "" {
		inj.Contract = "manual"
	}
	for _, t := range d.Targets {
		tt := domain.TargetType(strings.ToUpper(t.Type))
		switch tt {
		case domain.TargetAgent, domain.TargetAsset, domain.TargetAssetGroup, domain.TargetTeam:
		default:
			return inj, fmt.Errorf("inject %s: unknown target type %q", d.ID, t.Type)
		}
		inj.Targets = append(inj.Targets, domain.Target{Type: tt, ID: t.ID})
	}
	for i, tpl := range inj.Expectations {
		tpl.Type = domain.ExpectationType(strings.ToUpper(string(tpl.Type)))
		if !knownExpectation(tpl.Type) {
			return inj, fmt.Errorf("inject %s: unknown expectation type %q", d.ID, tpl.Type)
		}
		if tpl.Type == domain.ExpectationManual && tpl.Name == "" {
			return inj, fmt.Errorf("inject %s: manual expectations need a name", d.ID)
		}
		if tpl.ExpirationTime != nil && *tpl.ExpirationTime < 0 {
			return inj, fmt.Errorf("inject %s: expiration_time must not be negative", d.ID)
		}
		inj.Expectations[i] = tpl
	}
	return inj, nil
}

func knownExpectation(t domain.ExpectationType) bool {
	switch t {
	case domain.ExpectationDetection, domain.ExpectationPrevention, domain.ExpectationVulnerability,
		domain.ExpectationManual, domain.ExpectationChallenge, domain.ExpectationArticle:
		return true
	}
	return false
}

// checkAcyclic rejects dependency loops, which would withhold every inject on them forever.
func checkAcyclic(deps []domain.InjectDependency) error {
	children := map[string][]string{}
	for _, d := range deps {
		children[d.ParentID] = append(children[d.ParentID], d.ChildID)
	}
	const (
		visiting = 1
		done     = 2
	)
	state := map[string]int{}
	var visit func(id string) error
	visit = func(id string) error {
		switch state[id] {
		case visiting:
			return fmt.Errorf("dependency cycle through inject %s", id)
		case done:
			return nil
		}
		state[id] = visiting
		for _, c := range children[id] {
			if err := visit(c); err != nil {
				return err
			}
		}
		state[id] = done
		return nil
	}
	for _, d := range deps {
		if err := visit(d.ParentID); err != nil {
			return err
		}
	}
	return nil
}
