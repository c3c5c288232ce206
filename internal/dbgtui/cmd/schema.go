package cmd

import (
	"encoding/json"
	"fmt"

	"github.com/invopop/jsonschema"
	"github.com/spf13/cobra"
)

// DbgConfig represents configuration for the debugger front-end
type DbgConfig struct {
	Debug      bool   `json:"debug" jsonschema:"title=Debug,description=Enable debug logging"`
	Server     string `json:"server" jsonschema:"title=Server,description=Debugger backend command"`
	MinAddress uint64 `json:"minAddress" jsonschema:"title=Min Address,description=Smallest operand value treated as a code address"`
	LlamaBin   string `json:"llamaBin" jsonschema:"title=Llama Binary,description=Path to the llama.cpp CLI for the assistant"`
	LlamaModel string `json:"llamaModel" jsonschema:"title=Llama Model,description=Path to the gguf model file"`
}

var schemaCmd = &cobra.Command{
	Use:    "schema",
	Short:  "Generate JSON schema for configuration",
	Long:   "Generate JSON schema for the dbgtui configuration",
	Hidden: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		reflector := new(jsonschema.Reflector)
		bts, err := json.MarshalIndent(reflector.Reflect(&DbgConfig{}), "", "  ")
		if err != nil {
			return fmt.Errorf("failed to marshal schema: %w", err)
		}
		fmt.Println(string(bts))
		return nil
	},
}

func init() {
	rootCmd.AddCommand(schemaCmd)
}
