package main

import (
	"ciengine/internal/definition"
	"ciengine/internal/engine"
	"fmt"
	"io"

	"github.com/spf13/cobra"
)

var validateCmd = &cobra.Command{
	Use:   "validate <path>",
	Short: "Load build definitions and run every configuration check",
	Long: `Load a definition file or directory and run the checks the service runs
at startup: schema, step and artifact rules, unknown upstreams, dependency
cycles and branch filter syntax.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return validate(cmd.OutOrStdout(), args[0])
	},
}

var planCmd = &cobra.Command{
	Use:   "plan <path> [definitionId]",
	Short: "Print the order runs are enqueued in",
	Long: `Print the build chain a run of definitionId enqueues, upstream first.
Without a definition id the topological order of the whole catalog is
printed.`,
	Args: cobra.RangeArgs(1, 2),
	RunE: func(cmd *cobra.Command, args []string) error {
		var id string
		if len(args) == 2 {
			id = args[1]
		}
		return plan(cmd.OutOrStdout(), args[0], id)
	},
}

func validate(out io.Writer, path string) error {
	catalog, err := definition.Load(path)
	if err != nil {
		return err
	}
	if _, err := engine.Verify(catalog); err != nil {
		return err
	}
	for _, def := range catalog.All() {
		fmt.Fprintf(out, "%s\t%d steps\t%d dependencies\t%d triggers\t%s\n",
			def.ID, len(def.Steps), len(def.Dependencies), len(def.Triggers), def.Source)
	}
	fmt.Fprintf(out, "%d definitions OK\n", catalog.Len())
	return nil
}

func plan(out io.Writer, path, id string) error {
	catalog, err := definition.Load(path)
	if err != nil {
		return err
	}
	graph, err := engine.Verify(catalog)
	if err != nil {
		return err
	}

	var order []string
	if id == "" {
		order, err = graph.Order()
	} else {
		order, err = graph.Chain(id)
	}
	if err != nil {
		return err
	}
	for i, defID := range order {
		def, _ := catalog.Get(defID)
		fmt.Fprintf(out, "%d. %s", i+1, defID)
		if deps := graph.Dependencies(defID); len(deps) > 0 {
			fmt.Fprintf(out, " (after %v)", deps)
		}
		if len(def.Locks) > 0 {
			names := make([]string, 0, len(def.Locks))
			for _, l := range def.Locks {
				names = append(names, l.Name+":"+l.Mode)
			}
			fmt.Fprintf(out, " locks %v", names)
		}
		fmt.Fprintln(out)
	}
	return nil
}
