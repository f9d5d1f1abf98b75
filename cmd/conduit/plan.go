package main

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/conduit-orch/conduit/pkg/models"
)

// Plan describes a run: the agents to spawn and the work to execute.
type Plan struct {
	Agents   []PlanAgent    `yaml:"agents"`
	Tasks    []PlanTask     `yaml:"tasks"`
	Chains   []PlanChain    `yaml:"chains"`
	Parallel []PlanParallel `yaml:"parallel"`
}

// PlanAgent describes one worker agent.
type PlanAgent struct {
	// ID is the agent identity; required and unique.
	ID string `yaml:"id"`
	// Type is the agent's capability (builder, researcher, ...).
	Type string `yaml:"type"`
	// Shell overrides the shell used to run task commands.
	Shell string `yaml:"shell"`
}

// PlanTask describes one independent task.
type PlanTask struct {
	ID           string        `yaml:"id"`
	Description  string        `yaml:"description"`
	Command      string        `yaml:"command"`
	Category     string        `yaml:"category"`
	AgentType    string        `yaml:"agent_type"`
	Priority     string        `yaml:"priority"`
	Timeout      time.Duration `yaml:"timeout"`
	RetryOnError bool          `yaml:"retry_on_error"`
	DependsOn    []string      `yaml:"depends_on"`
}

// PlanChain describes an ordered task sequence.
type PlanChain struct {
	Name            string         `yaml:"name"`
	ContinueOnError bool           `yaml:"continue_on_error"`
	StepTimeout     time.Duration  `yaml:"step_timeout"`
	Steps           []PlanLeafTask `yaml:"steps"`
}

// PlanParallel describes a concurrently-executed task set.
type PlanParallel struct {
	Name    string         `yaml:"name"`
	Timeout time.Duration  `yaml:"timeout"`
	Tasks   []PlanLeafTask `yaml:"tasks"`
}

// PlanLeafTask is one step of a chain or parallel set, bound to a
// specific agent.
type PlanLeafTask struct {
	ID          string `yaml:"id"`
	Agent       string `yaml:"agent"`
	Description string `yaml:"description"`
	Command     string `yaml:"command"`
}

// LoadPlan reads and validates a plan file.
func LoadPlan(path string) (*Plan, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read plan: %w", err)
	}

	var plan Plan
	if err := yaml.Unmarshal(data, &plan); err != nil {
		return nil, fmt.Errorf("parse plan: %w", err)
	}
	if err := plan.Validate(); err != nil {
		return nil, err
	}
	return &plan, nil
}

// Validate checks structural plan constraints: unique IDs, known
// dependency references, and chain/parallel steps bound to declared
// agents.
func (p *Plan) Validate() error {
	if len(p.Agents) == 0 {
		return fmt.Errorf("plan declares no agents")
	}

	agents := make(map[string]bool, len(p.Agents))
	for i, a := range p.Agents {
		if a.ID == "" {
			return fmt.Errorf("agent %d: missing id", i)
		}
		if agents[a.ID] {
			return fmt.Errorf("agent %s declared twice", a.ID)
		}
		agents[a.ID] = true
	}

	tasks := make(map[string]bool, len(p.Tasks))
	for i, t := range p.Tasks {
		if t.ID == "" {
			return fmt.Errorf("task %d: missing id", i)
		}
		if tasks[t.ID] {
			return fmt.Errorf("task %s declared twice", t.ID)
		}
		tasks[t.ID] = true
	}
	for _, t := range p.Tasks {
		for _, dep := range t.DependsOn {
			if !tasks[dep] {
				return fmt.Errorf("task %s depends on unknown task %s", t.ID, dep)
			}
		}
	}

	for _, c := range p.Chains {
		if len(c.Steps) == 0 {
			return fmt.Errorf("chain %s has no steps", c.Name)
		}
		for i, s := range c.Steps {
			if !agents[s.Agent] {
				return fmt.Errorf("chain %s step %d references unknown agent %s", c.Name, i, s.Agent)
			}
		}
	}
	for _, par := range p.Parallel {
		if len(par.Tasks) == 0 {
			return fmt.Errorf("parallel set %s has no tasks", par.Name)
		}
		for i, s := range par.Tasks {
			if !agents[s.Agent] {
				return fmt.Errorf("parallel set %s task %d references unknown agent %s", par.Name, i, s.Agent)
			}
		}
	}

	return nil
}

// Task converts a PlanTask into the model submitted to the orchestrator.
func (t PlanTask) Task() *models.Task {
	return &models.Task{
		ID:           t.ID,
		Category:     t.Category,
		AgentType:    t.AgentType,
		Description:  t.Description,
		Command:      t.Command,
		Priority:     models.ParsePriority(t.Priority),
		Timeout:      t.Timeout,
		RetryOnError: t.RetryOnError,
		DependsOn:    t.DependsOn,
	}
}
