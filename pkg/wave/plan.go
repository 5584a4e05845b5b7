// Package wave drives execution of a plan's waves: each wave's stories are
// laid out into a dependency DAG, partitioned into topological layers and
// parallel groups, and dispatched against a bounded concurrency budget.
package wave

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/arjunmehta/taskforge/pkg/codes"
)

const component = "wave_scheduler"

type Parallelization string

const (
	ParallelizationSequential Parallelization = "sequential"
	ParallelizationParallel   Parallelization = "parallel"
)

// Story is one unit of work within a Wave.
type Story struct {
	ID            string   `yaml:"id"`
	Dependencies  []string `yaml:"dependencies,omitempty"`
	ParallelGroup int      `yaml:"parallel_group,omitempty"`
	Prompt        string   `yaml:"prompt,omitempty"`
	Model         string   `yaml:"model,omitempty"`
}

// Wave is an ordered set of stories with intra-story dependencies.
type Wave struct {
	ID              string          `yaml:"id"`
	Dependencies    []string        `yaml:"dependencies,omitempty"` // wave-level dependencies on other wave IDs
	Stories         []Story         `yaml:"stories"`
	MaxConcurrent   int             `yaml:"max_concurrent,omitempty"`
	Parallelization Parallelization `yaml:"parallelization,omitempty"`
}

// Plan is an ordered set of waves.
type Plan struct {
	Waves []Wave `yaml:"waves"`
}

// LayerStories exposes layerStories for callers (e.g. the plan CLI command)
// that need the dependency layering without running a wave. layerStories
// returns the stories in topological order, grouped first by dependency
// layer and then by declared ParallelGroup, rejecting cyclic dependency
// graphs.
func LayerStories(stories []Story) ([][]Story, error) {
	return layerStories(stories)
}

func layerStories(stories []Story) ([][]Story, error) {
	byID := make(map[string]Story, len(stories))
	indegree := make(map[string]int, len(stories))
	dependents := make(map[string][]string, len(stories))

	for _, s := range stories {
		byID[s.ID] = s
		if _, ok := indegree[s.ID]; !ok {
			indegree[s.ID] = 0
		}
	}
	for _, s := range stories {
		for _, dep := range s.Dependencies {
			indegree[s.ID]++
			dependents[dep] = append(dependents[dep], s.ID)
		}
	}

	var layers [][]Story
	remaining := len(stories)
	ready := make([]string, 0)
	for id, deg := range indegree {
		if deg == 0 {
			ready = append(ready, id)
		}
	}

	for remaining > 0 {
		if len(ready) == 0 {
			return nil, codes.New(component, codes.CircularDependency, "story dependency graph has a cycle")
		}
		layerIDs := ready
		ready = nil

		layerBatch := make([]Story, 0, len(layerIDs))
		for _, id := range layerIDs {
			layerBatch = append(layerBatch, byID[id])
		}
		groupByParallelGroup(layerBatch)
		layers = append(layers, layerBatch)
		remaining -= len(layerIDs)

		for _, id := range layerIDs {
			for _, dep := range dependents[id] {
				indegree[dep]--
				if indegree[dep] == 0 {
					ready = append(ready, dep)
				}
			}
		}
	}
	return layers, nil
}

func groupByParallelGroup(stories []Story) {
	// stable sort by ParallelGroup ascending; groups run serially, stories
	// within a group concurrently, so order within a group doesn't matter.
	for i := 1; i < len(stories); i++ {
		j := i
		for j > 0 && stories[j-1].ParallelGroup > stories[j].ParallelGroup {
			stories[j-1], stories[j] = stories[j], stories[j-1]
			j--
		}
	}
}

// EffectiveConcurrency computes k = min(wave.MaxConcurrent, globalBudget),
// forced to 1 for sequential parallelization.
func EffectiveConcurrency(w Wave, globalBudget int) int {
	if w.Parallelization == ParallelizationSequential {
		return 1
	}
	k := w.MaxConcurrent
	if k <= 0 || k > globalBudget {
		k = globalBudget
	}
	if k < 1 {
		k = 1
	}
	return k
}

// LoadPlan reads a Plan from a YAML file, validating every wave's stories
// have no duplicate IDs before returning.
func LoadPlan(path string) (Plan, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Plan{}, fmt.Errorf("read plan file: %w", err)
	}
	var p Plan
	if err := yaml.Unmarshal(data, &p); err != nil {
		return Plan{}, fmt.Errorf("parse plan file: %w", err)
	}
	for _, w := range p.Waves {
		if err := validateNoDuplicateIDs(w.Stories); err != nil {
			return Plan{}, fmt.Errorf("wave %s: %w", w.ID, err)
		}
	}
	return p, nil
}

func validateNoDuplicateIDs(stories []Story) error {
	seen := make(map[string]bool, len(stories))
	for _, s := range stories {
		if seen[s.ID] {
			return fmt.Errorf("duplicate story id: %s", s.ID)
		}
		seen[s.ID] = true
	}
	return nil
}
