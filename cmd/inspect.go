package cmd

import (
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"llama-gateway/internal/engine/gguf"
	"llama-gateway/internal/prompt"
)

const maxValueWidth = 80

func newInspectCommand() *cobra.Command {
	var all bool
	cmd := &cobra.Command{
		Use:   "inspect <model.gguf>",
		Short: "Print the metadata of a GGUF model file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			meta, err := gguf.ReadFile(args[0])
			if err != nil {
				return err
			}
			return printMetadata(cmd.OutOrStdout(), meta, all)
		},
	}
	cmd.Flags().BoolVar(&all, "all", false, "list every metadata key")
	return cmd
}

func printMetadata(out io.Writer, meta *gguf.Metadata, all bool) error {
	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintf(w, "version\t%d\n", meta.Version)
	fmt.Fprintf(w, "tensors\t%d\n", meta.TensorCount)
	fmt.Fprintf(w, "name\t%s\n", meta.Name())
	fmt.Fprintf(w, "architecture\t%s\n", meta.Architecture())
	fmt.Fprintf(w, "context_length\t%d\n", meta.ContextLength())
	fmt.Fprintf(w, "chat_template\t%s\n", prompt.Detect(meta.ChatTemplate()))

	if all {
		fmt.Fprintln(w)
		for _, key := range meta.Keys() {
			fmt.Fprintf(w, "%s\t%s\n", key, formatValue(meta.KV[key]))
		}
	}
	return w.Flush()
}

func formatValue(v any) string {
	switch val := v.(type) {
	case gguf.ArrayLen:
		return fmt.Sprintf("[%d items]", val.Len)
	case string:
		return truncate(fmt.Sprintf("%q", val), maxValueWidth)
	default:
		return fmt.Sprint(val)
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n-3] + "..."
}
