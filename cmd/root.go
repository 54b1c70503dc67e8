package cmd

import (
	"context"

	"github.com/spf13/cobra"
)

// version is stamped at build time with -ldflags "-X llama-gateway/cmd.version=...".
var version = "dev"

// Execute runs the CLI with the provided arguments.
func Execute(ctx context.Context, args []string) error {
	root := newRootCommand()
	root.SetArgs(args)
	return root.ExecuteContext(ctx)
}

func newRootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:   "llama-gateway",
		Short: "OpenAI-compatible HTTP gateway for a local llama.cpp model",
		Long: `llama-gateway serves one GGUF model through llama.cpp behind the OpenAI
chat completions API. Requests are queued so the engine runs one
generation at a time.`,
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().String("config", "", "path to YAML configuration file")

	root.AddCommand(
		newServeCommand(),
		newInspectCommand(),
		newChatCommand(),
	)
	return root
}
