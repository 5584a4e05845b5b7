package main

import (
	"fmt"

	"github.com/arjunmehta/taskforge/pkg/wave"
)

// PlanCmd validates a plan file and prints its layered execution order,
// without running it.
type PlanCmd struct {
	File string `arg:"" help:"Path to a plan YAML file." type:"path"`
}

func (cmd *PlanCmd) Run(cli *CLI) error {
	p, err := wave.LoadPlan(cmd.File)
	if err != nil {
		return err
	}
	for _, w := range p.Waves {
		fmt.Printf("wave %s (%d stories, %s)\n", w.ID, len(w.Stories), w.Parallelization)
		layers, err := wave.LayerStories(w.Stories)
		if err != nil {
			return fmt.Errorf("wave %s: %w", w.ID, err)
		}
		for i, layer := range layers {
			ids := make([]string, len(layer))
			for j, s := range layer {
				ids[j] = s.ID
			}
			fmt.Printf("  layer %d: %v\n", i, ids)
		}
	}
	return nil
}
