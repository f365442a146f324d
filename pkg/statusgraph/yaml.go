package statusgraph

import (
	"fmt"
	"os"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"

	"github.com/baja5b/claude-workflow-system/pkg/models"
)

type graphFile struct {
	Name      string            `yaml:"name"`
	Initial   string            `yaml:"initial"`
	Start     string            `yaml:"start"`
	Completed []string          `yaml:"completed"`
	Terminal  []string          `yaml:"terminal"`
	Failure   []string          `yaml:"failure"`
	Aliases   map[string]string `yaml:"aliases"`
	Edges     []edgeFile        `yaml:"edges"`
}

type edgeFile struct {
	From       string   `yaml:"from"`
	To         []string `yaml:"to"`
	HumanGated bool     `yaml:"human_gated"`
}

// Load reads a workflow graph definition from a YAML file.
func Load(path string) (*Graph[models.WorkflowStatus], error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read status graph %s", path)
	}
	return Parse(data)
}

// Parse decodes a workflow graph definition:
//
//	name: review-flow
//	initial: DRAFT
//	start: WORKING
//	completed: [DONE]
//	terminal: [DONE, DROPPED]
//	edges:
//	  - from: DRAFT
//	    to: [WORKING, DROPPED]
//	    human_gated: true
func Parse(data []byte) (*Graph[models.WorkflowStatus], error) {
	var f graphFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, errors.Wrap(err, "failed to decode status graph")
	}
	if f.Initial == "" {
		return nil, fmt.Errorf("status graph %q: initial status is required", f.Name)
	}
	if len(f.Edges) == 0 {
		return nil, fmt.Errorf("status graph %q: at least one edge is required", f.Name)
	}

	var edges []Edge[models.WorkflowStatus]
	for i, e := range f.Edges {
		if e.From == "" || len(e.To) == 0 {
			return nil, fmt.Errorf("status graph %q: edge %d needs from and to", f.Name, i)
		}
		for _, to := range e.To {
			if to == e.From {
				return nil, fmt.Errorf("status graph %q: self edge on %s", f.Name, to)
			}
			edges = append(edges, Edge[models.WorkflowStatus]{
				From:       models.WorkflowStatus(e.From),
				To:         models.WorkflowStatus(to),
				HumanGated: e.HumanGated,
			})
		}
	}

	name := f.Name
	if name == "" {
		name = "custom"
	}
	g := New(name, models.WorkflowStatus(f.Initial), edges)
	g.Start = models.WorkflowStatus(f.Start)
	g.Completed = toStatuses(f.Completed)
	g.Terminal = toStatuses(f.Terminal)
	g.Failure = toStatuses(f.Failure)
	for alias, status := range f.Aliases {
		g.Aliases[alias] = models.WorkflowStatus(status)
	}

	designated := append([]models.WorkflowStatus{g.Start}, g.Completed...)
	designated = append(designated, g.Terminal...)
	designated = append(designated, g.Failure...)
	for _, s := range designated {
		if s != "" && !g.Knows(s) {
			return nil, fmt.Errorf("status graph %q: %s is not part of any edge", name, s)
		}
	}
	for alias, s := range g.Aliases {
		if !g.Knows(s) {
			return nil, fmt.Errorf("status graph %q: alias %q points to unknown status %s", name, alias, s)
		}
	}
	return g, nil
}

func toStatuses(in []string) []models.WorkflowStatus {
	out := make([]models.WorkflowStatus, 0, len(in))
	for _, s := range in {
		out = append(out, models.WorkflowStatus(s))
	}
	return out
}
