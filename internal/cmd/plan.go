package cmd

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/praxislabs/dirigent/internal/coordinator"
	"github.com/praxislabs/dirigent/internal/merge"
	"github.com/praxislabs/dirigent/internal/scheduler"
)

// planFile is the YAML mission plan format accepted by `dirigent run`.
type planFile struct {
	Title       string         `yaml:"title"`
	Description string         `yaml:"description"`
	Provider    string         `yaml:"provider"`
	Tasks       []planTaskFile `yaml:"tasks"`
}

type planTaskFile struct {
	ID          string           `yaml:"id"`
	Title       string           `yaml:"title"`
	Description string           `yaml:"description"`
	Priority    string           `yaml:"priority"`
	DependsOn   []planDependency `yaml:"depends_on"`
	Changes     []planChange     `yaml:"changes"`
}

type planDependency struct {
	Task string `yaml:"task"`
	Kind string `yaml:"kind"`
}

type planChange struct {
	Path      string `yaml:"path"`
	Region    string `yaml:"region"`
	Kind      string `yaml:"kind"`
	StartLine int    `yaml:"start_line"`
	EndLine   int    `yaml:"end_line"`
	Content   string `yaml:"content"`
}

// loadPlan reads a YAML mission plan. It returns the coordinator plan and
// the per-task file changes the plan scripts for its tasks.
func loadPlan(path string) (coordinator.Plan, map[string][]merge.Change, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return coordinator.Plan{}, nil, fmt.Errorf("read plan: %w", err)
	}

	var pf planFile
	if err := yaml.Unmarshal(data, &pf); err != nil {
		return coordinator.Plan{}, nil, fmt.Errorf("parse plan: %w", err)
	}
	if pf.Title == "" {
		return coordinator.Plan{}, nil, fmt.Errorf("plan %s has no title", path)
	}
	if pf.Provider == "" {
		pf.Provider = "anthropic"
	}

	plan := coordinator.Plan{
		Title:       pf.Title,
		Description: pf.Description,
		Provider:    pf.Provider,
	}
	changes := make(map[string][]merge.Change)

	for _, pt := range pf.Tasks {
		spec := scheduler.TaskSpec{
			ID:          pt.ID,
			Title:       pt.Title,
			Description: pt.Description,
			Priority:    scheduler.Priority(pt.Priority),
		}
		for _, dep := range pt.DependsOn {
			kind := scheduler.DependencyKind(dep.Kind)
			if kind == "" {
				kind = scheduler.DependencyRequired
			}
			spec.Dependencies = append(spec.Dependencies, scheduler.Dependency{
				TaskID: dep.Task,
				Kind:   kind,
			})
		}
		plan.Tasks = append(plan.Tasks, spec)

		for _, pc := range pt.Changes {
			changes[pt.ID] = append(changes[pt.ID], merge.Change{
				Path:      pc.Path,
				Region:    pc.Region,
				Kind:      pc.Kind,
				StartLine: pc.StartLine,
				EndLine:   pc.EndLine,
				Content:   pc.Content,
			})
		}
	}
	return plan, changes, nil
}
