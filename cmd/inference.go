package cmd

import (
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

var inferenceCmd = &cobra.Command{
	Use:   "inference",
	Short: "Run as the root node of a single-prompt inference session",
	Run:   runInference,
}

// runInference brings up the root node: build graph, build device, bring
// up the mesh (if any workers are configured), stream weights, and hand
// the ready engine to the tokenizer/sampler collaborators, which own the
// prompt-to-token loop itself — they call engine.Forward per token and
// read Logits back.
func runInference(cmd *cobra.Command, args []string) {
	setupLogging()
	loadTopologyIfSet()
	if tokenizerPath == "" {
		exitWith(1, "missing required flag --tokenizer")
	}

	rs := startRoot()
	defer rs.mesh.Close()
	defer rs.eng.Shutdown()

	logrus.Infof("root ready: %d node(s), %d steps, seqLen=%d, nthreads=%d", rs.nNodes, rs.eng.NSteps(), rs.seqLen, nThreads)
	logrus.Info("engine ready; token generation is driven by the tokenizer/sampler collaborators")
}
