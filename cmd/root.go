// Package cmd is the distllama command-line surface: argument parsing and
// process wiring are a collaborator the core engine package doesn't
// implement — this package's only job is to parse flags, open
// the model file, build the graph (package graph), load weights (package
// loader), bring up the mesh (package transport), and drive the executor
// (package executor). Tokenizer, sampler, and chat-template rendering are
// themselves external collaborators this package only validates flags for.
package cmd

import (
	"os"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

var (
	modelPath       string
	tokenizerPath   string
	topologyPath    string
	bufferFloatType string
	weightFloatType string
	maxSeqLen       int
	nThreads        int
	workerAddrs     []string
	temperature     float64
	topP            float64
	seed            int64
	chatTemplate    string
	port            int
	logLevel        string
)

var rootCmd = &cobra.Command{
	Use:   "distllama",
	Short: "Distributed tensor-parallel LLaMA-family inference",
}

func init() {
	pf := rootCmd.PersistentFlags()
	pf.StringVar(&modelPath, "model", "", "path to the model weight file (required)")
	pf.StringVar(&tokenizerPath, "tokenizer", "", "path to the tokenizer file (required, consumed by the tokenizer collaborator)")
	pf.StringVar(&topologyPath, "topology", "", "optional YAML file of worker addresses and sampler defaults")
	pf.StringVar(&bufferFloatType, "buffer-float-type", "f32", "activation buffer element type: f32|f16|q40|q80")
	pf.StringVar(&weightFloatType, "weights-float-type", "", "weight element type: f32|f16|q40 (default: taken from the model header)")
	pf.IntVar(&maxSeqLen, "max-seq-len", 0, "maximum sequence length (default: taken from the model header)")
	pf.IntVar(&nThreads, "nthreads", 4, "worker thread pool size")
	pf.StringSliceVar(&workerAddrs, "workers", nil, "worker host:port addresses, in node-index order starting at 1")
	pf.Float64Var(&temperature, "temperature", 0.8, "sampler temperature (consumed by the sampler collaborator)")
	pf.Float64Var(&topP, "topp", 0.9, "sampler nucleus threshold (consumed by the sampler collaborator)")
	pf.Int64Var(&seed, "seed", 0, "sampler RNG seed (consumed by the sampler collaborator)")
	pf.StringVar(&chatTemplate, "chat-template", "llama2", "chat template: llama2|llama3|zephyr|chatml (consumed by the chat-template collaborator)")
	pf.IntVar(&port, "port", 9990, "listen port (worker mode) or HTTP API port (chat mode)")
	pf.StringVar(&logLevel, "log", "info", "log level (debug, info, warn, error)")

	rootCmd.AddCommand(inferenceCmd, chatCmd, workerCmd, inspectCmd)
}

// Execute runs the root command, mapping failures to the documented exit
// codes: 0 success, 1 bad args or transport failure, 2 model/integrity
// failure. Subcommands call exitWith directly for the 1/2 distinction;
// anything that reaches cobra's own error path (flag parsing itself) is
// bad args, so it exits 1.
func Execute() {
	rootCmd.SilenceUsage = true
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func setupLogging() {
	level, err := logrus.ParseLevel(logLevel)
	if err != nil {
		exitWith(1, "invalid log level %q", logLevel)
	}
	logrus.SetLevel(level)
}

// exitWith logs a formatted error at Error level and terminates the process
// with code, distinguishing the three exit outcomes at the call site
// rather than by error type (the same errs.BadConfigError shape is returned
// both for a malformed flag and for a malformed model header, but those are
// different exit codes).
func exitWith(code int, format string, a ...any) {
	logrus.Errorf(format, a...)
	os.Exit(code)
}
