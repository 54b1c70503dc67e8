package cmd

import (
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/sashabaranov/go-openai"
	"github.com/spf13/cobra"

	"llama-gateway/internal/config"
)

type chatOptions struct {
	url         string
	apiKey      string
	model       string
	system      string
	maxTokens   int
	temperature float32
}

func newChatCommand() *cobra.Command {
	var opts chatOptions
	cmd := &cobra.Command{
		Use:   "chat [prompt]",
		Short: "Send one prompt to a running gateway and stream the reply",
		Long: `chat sends a single user message to the chat completions endpoint of a
running gateway and prints the reply as it is generated. Without an
argument the prompt is read from standard input.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			text, err := chatPrompt(cmd.InOrStdin(), args)
			if err != nil {
				return err
			}
			if opts.apiKey == "" {
				opts.apiKey = config.NewViper().GetString("security.api_key")
			}
			return runChat(cmd, opts, text)
		},
	}

	f := cmd.Flags()
	f.StringVar(&opts.url, "url", "http://127.0.0.1:8000", "gateway base URL")
	f.StringVar(&opts.apiKey, "api-key", "", "API key (defaults to LLAMA_GATEWAY_SECURITY_API_KEY)")
	f.StringVar(&opts.model, "model", "", "model id sent with the request")
	f.StringVar(&opts.system, "system", "", "system prompt")
	f.IntVar(&opts.maxTokens, "max-tokens", 0, "completion token limit (0 uses the server default)")
	f.Float32Var(&opts.temperature, "temperature", 0, "sampling temperature (0 uses the server default)")
	return cmd
}

func chatPrompt(in io.Reader, args []string) (string, error) {
	if len(args) == 1 {
		return args[0], nil
	}
	data, err := io.ReadAll(in)
	if err != nil {
		return "", fmt.Errorf("read prompt: %w", err)
	}
	text := strings.TrimSpace(string(data))
	if text == "" {
		return "", errors.New("prompt is empty")
	}
	return text, nil
}

func runChat(cmd *cobra.Command, opts chatOptions, text string) error {
	cfg := openai.DefaultConfig(opts.apiKey)
	cfg.BaseURL = strings.TrimRight(opts.url, "/") + "/v1"
	client := openai.NewClientWithConfig(cfg)

	var messages []openai.ChatCompletionMessage
	if opts.system != "" {
		messages = append(messages, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleSystem, Content: opts.system})
	}
	messages = append(messages, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleUser, Content: text})

	stream, err := client.CreateChatCompletionStream(cmd.Context(), openai.ChatCompletionRequest{
		Model:       opts.model,
		Messages:    messages,
		MaxTokens:   opts.maxTokens,
		Temperature: opts.temperature,
		Stream:      true,
	})
	if err != nil {
		return fmt.Errorf("chat request: %w", err)
	}
	defer stream.Close()

	out := cmd.OutOrStdout()
	for {
		resp, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return fmt.Errorf("chat stream: %w", err)
		}
		for _, choice := range resp.Choices {
			fmt.Fprint(out, choice.Delta.Content)
		}
	}
	fmt.Fprintln(out)
	return nil
}
