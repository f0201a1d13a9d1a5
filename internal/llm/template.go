package llm

import (
	"fmt"
	"strings"
)

// Template selects how a Prompt is rendered for role-less completion backends.
type Template string

const (
	// TemplateLlama3 uses Llama 3 header markers. The backend adds <|begin_of_text|>.
	TemplateLlama3 Template = "llama3"
	// TemplateChatML uses <|im_start|>/<|im_end|> turns.
	TemplateChatML Template = "chatml"
	// TemplatePlain concatenates data and instructions for instruction-tuned
	// text2text models that have no turn markers.
	TemplatePlain Template = "plain"
)

// assistantMarker may survive in raw output when a model echoes its turn header.
const assistantMarker = "<|assistant|>"

// delimiters are turn/role tokens stripped from raw output.
var delimiters = []string{
	"<|begin_of_text|>",
	"<|end_of_text|>",
	"<|eot_id|>",
	"<|start_header_id|>assistant<|end_header_id|>",
	"<|start_header_id|>",
	"<|end_header_id|>",
	"<|im_start|>assistant",
	"<|im_start|>",
	"<|im_end|>",
	"</s>",
	"<s>",
	"<pad>",
}

// Valid reports whether t is a known template.
func (t Template) Valid() bool {
	switch t {
	case TemplateLlama3, TemplateChatML, TemplatePlain:
		return true
	}
	return false
}

// Render formats p as a single string.
func (t Template) Render(p Prompt) (string, error) {
	var b strings.Builder
	switch t {
	case TemplateLlama3:
		b.WriteString("<|start_header_id|>system<|end_header_id|>\n\n")
		b.WriteString(p.System)
		b.WriteString("<|eot_id|>")
		b.WriteString("<|start_header_id|>user<|end_header_id|>\n\n")
		b.WriteString(p.User)
		b.WriteString("<|eot_id|>")
		b.WriteString("<|start_header_id|>assistant<|end_header_id|>\n\n")
	case TemplateChatML:
		b.WriteString("<|im_start|>system\n")
		b.WriteString(p.System)
		b.WriteString("<|im_end|>\n<|im_start|>user\n")
		b.WriteString(p.User)
		b.WriteString("<|im_end|>\n<|im_start|>assistant\n")
	case TemplatePlain:
		b.WriteString(p.User)
		if p.User != "" && p.System != "" {
			b.WriteString("\n")
		}
		b.WriteString(p.System)
	default:
		return "", fmt.Errorf("unknown prompt template %q", t)
	}
	return b.String(), nil
}

// StopSequences returns the end-of-turn markers for t.
func (t Template) StopSequences() []string {
	switch t {
	case TemplateLlama3:
		return []string{"<|eot_id|>", "<|end_of_text|>"}
	case TemplateChatML:
		return []string{"<|im_end|>"}
	default:
		return nil
	}
}

// PostProcess cleans raw model output: strips delimiter tokens, trims, and
// keeps only the text after the last assistant marker if one remains.
func PostProcess(raw string) string {
	text := raw
	for _, d := range delimiters {
		text = strings.ReplaceAll(text, d, "")
	}
	text = strings.TrimSpace(text)

	if i := strings.LastIndex(text, assistantMarker); i >= 0 {
		text = strings.TrimSpace(text[i+len(assistantMarker):])
	}
	return text
}
