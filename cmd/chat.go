package cmd

import (
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

var chatCmd = &cobra.Command{
	Use:   "chat",
	Short: "Run as the root node of a multi-turn chat session",
	Run:   runChat,
}

// runChat is runInference's startup path plus chat-template validation and
// the HTTP/SSE chat endpoint's listen port; rendering chat turns into
// model input and serving the endpoint itself are collaborators out of
// scope for this package.
func runChat(cmd *cobra.Command, args []string) {
	setupLogging()
	loadTopologyIfSet()
	if tokenizerPath == "" {
		exitWith(1, "missing required flag --tokenizer")
	}
	if err := validateChatTemplate(chatTemplate); err != nil {
		exitWith(1, "%v", err)
	}

	rs := startRoot()
	defer rs.mesh.Close()
	defer rs.eng.Shutdown()

	logrus.Infof("root ready for chat (template=%s): %d node(s), %d steps, seqLen=%d, nthreads=%d, listening on port %d",
		chatTemplate, rs.nNodes, rs.eng.NSteps(), rs.seqLen, nThreads, port)
	logrus.Info("engine ready; chat turns are driven by the HTTP/chat-template collaborators through engine.Forward")
}
