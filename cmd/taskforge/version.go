package main

import (
	"fmt"

	taskforge "github.com/arjunmehta/taskforge"
)

// VersionCmd prints build version information.
type VersionCmd struct{}

func (cmd *VersionCmd) Run(cli *CLI) error {
	fmt.Println(taskforge.GetVersion().String())
	return nil
}
