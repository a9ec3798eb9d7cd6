package cmd

import (
	"bytes"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/distllama/distllama/errs"
)

// Topology is the optional YAML config backing --topology, an alternative to
// repeating --workers/--temperature/--topp/--chat-template on every
// invocation. LoadTopology only parses the file; mergeTopology then copies
// each field into its flag when that flag is still at its default value.
type Topology struct {
	Workers      []string `yaml:"workers"`
	Temperature  *float64 `yaml:"temperature"`
	TopP         *float64 `yaml:"topp"`
	ChatTemplate string   `yaml:"chat_template"`
}

// LoadTopology parses path with strict field checking: an unrecognized key
// is a BadConfigError, not a silently ignored typo.
func LoadTopology(path string) (*Topology, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errs.NewBadConfig("topology: %v", err)
	}
	var t Topology
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&t); err != nil {
		return nil, errs.NewBadConfig("topology: parsing %s: %v", path, err)
	}
	return &t, nil
}
