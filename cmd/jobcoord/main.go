// Command jobcoord runs the built-in lock maintenance jobs on a fleet of
// replicas. Services with jobs of their own embed pkg/cli and register them
// through ServiceCommandOptions.ConfigureJobs.
package main

import "github.com/nimburion/jobcoord/pkg/cli"

func main() {
	cli.Execute(cli.NewServiceCommand(cli.ServiceCommandOptions{
		Name:        "jobcoord",
		Description: "Distributed recurring-job coordinator",
	}))
}
