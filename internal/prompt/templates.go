package prompt

import (
	"strings"

	"llama-gateway/internal/models"
)

// Template names accepted by New.
const (
	ChatML  = "chatml"
	Llama2  = "llama2"
	Llama3  = "llama3"
	Mistral = "mistral"
)

type template struct {
	name   string
	stop   []string
	render func([]turn) string
}

var templates = map[string]template{
	ChatML:  {name: ChatML, stop: []string{"<|im_end|>", "<|im_start|>"}, render: renderChatML},
	Llama2:  {name: Llama2, stop: []string{"</s>", "[INST]"}, render: renderLlama2},
	Llama3:  {name: Llama3, stop: []string{"<|eot_id|>", "<|end_of_text|>"}, render: renderLlama3},
	Mistral: {name: Mistral, stop: []string{"</s>", "[INST]"}, render: renderMistral},
}

// Detect picks a template from the tokenizer.chat_template metadata of a GGUF
// file. Unknown or empty metadata falls back to ChatML.
func Detect(chatTemplate string) string {
	switch {
	case strings.Contains(chatTemplate, "<|im_start|>"):
		return ChatML
	case strings.Contains(chatTemplate, "<|start_header_id|>"):
		return Llama3
	case strings.Contains(chatTemplate, "<<SYS>>"):
		return Llama2
	case strings.Contains(chatTemplate, "[INST]"):
		return Mistral
	default:
		return ChatML
	}
}

func renderChatML(turns []turn) string {
	var b strings.Builder
	for _, t := range turns {
		b.WriteString("<|im_start|>")
		b.WriteString(string(t.role))
		b.WriteByte('\n')
		b.WriteString(t.content)
		b.WriteString("<|im_end|>\n")
	}
	b.WriteString("<|im_start|>assistant\n")
	return b.String()
}

func renderLlama3(turns []turn) string {
	var b strings.Builder
	for _, t := range turns {
		role := string(t.role)
		if t.role == models.RoleTool {
			role = "ipython"
		}
		b.WriteString("<|start_header_id|>")
		b.WriteString(role)
		b.WriteString("<|end_header_id|>\n\n")
		b.WriteString(t.content)
		b.WriteString("<|eot_id|>")
	}
	b.WriteString("<|start_header_id|>assistant<|end_header_id|>\n\n")
	return b.String()
}

// renderLlama2 folds system turns into the next instruction block. The engine
// prepends BOS to the prompt, so only subsequent turns open with <s>.
func renderLlama2(turns []turn) string {
	var (
		b      strings.Builder
		system []string
		opened bool
	)
	openInst := func() {
		if opened {
			b.WriteString("<s>")
		}
		opened = true
		b.WriteString("[INST] ")
		if len(system) > 0 {
			b.WriteString("<<SYS>>\n")
			b.WriteString(strings.Join(system, "\n\n"))
			b.WriteString("\n<</SYS>>\n\n")
			system = system[:0]
		}
	}

	for _, t := range turns {
		switch t.role {
		case models.RoleSystem:
			system = append(system, t.content)
		case models.RoleAssistant:
			b.WriteString(" ")
			b.WriteString(t.content)
			b.WriteString(" </s>")
		default:
			openInst()
			b.WriteString(t.content)
			b.WriteString(" [/INST]")
		}
	}
	if len(system) > 0 {
		openInst()
		b.WriteString(" [/INST]")
	}
	return b.String()
}

func renderMistral(turns []turn) string {
	var (
		b      strings.Builder
		system []string
	)
	for _, t := range turns {
		switch t.role {
		case models.RoleSystem:
			system = append(system, t.content)
		case models.RoleAssistant:
			b.WriteString(t.content)
			b.WriteString("</s>")
		default:
			b.WriteString("[INST] ")
			if len(system) > 0 {
				b.WriteString(strings.Join(system, "\n\n"))
				b.WriteString("\n\n")
				system = system[:0]
			}
			b.WriteString(t.content)
			b.WriteString(" [/INST]")
		}
	}
	if len(system) > 0 {
		b.WriteString("[INST] ")
		b.WriteString(strings.Join(system, "\n\n"))
		b.WriteString(" [/INST]")
	}
	return b.String()
}
