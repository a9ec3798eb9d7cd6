package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/distllama/distllama/model"
)

var inspectCmd = &cobra.Command{
	Use:   "inspect",
	Short: "Print a model file's header (--dump-header)",
	Run:   runInspect,
}

// runInspect is the supplemented --dump-header introspection feature: read
// and print a model file's header without building a graph or touching its
// weight bytes.
func runInspect(cmd *cobra.Command, args []string) {
	setupLogging()
	if modelPath == "" {
		exitWith(1, "missing required flag --model")
	}
	f, err := os.Open(modelPath)
	if err != nil {
		exitWith(2, "opening model file: %v", err)
	}
	defer f.Close()

	cfg, err := model.ReadHeader(f)
	if err != nil {
		exitWith(2, "reading model header: %v", err)
	}
	fmt.Print(cfg.DescribeHeader())
}
