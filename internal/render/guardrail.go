package render

import (
	"strings"

	"github.com/kade-ridge/three/internal/catalog"
)

// KimiReadOnlyGuardrail is the literal marker kimi is told to respect
// when its filesystem capability is read-only ("writing files is not
// allowed").
const KimiReadOnlyGuardrail = "不允许写文件"

// ApplyPromptGuardrails appends the guardrail marker on a new line for
// backend kimi in read-only mode, unless the prompt already contains it.
// No other backend carries a guardrail.
func ApplyPromptGuardrails(backend catalog.Backend, caps catalog.Capabilities, prompt string) string {
	if backend != catalog.BackendKimi {
		return prompt
	}
	if caps.Filesystem != catalog.FilesystemReadOnly {
		return prompt
	}
	if strings.Contains(prompt, KimiReadOnlyGuardrail) {
		return prompt
	}
	if strings.HasSuffix(prompt, "\n") {
		return prompt + KimiReadOnlyGuardrail
	}
	return prompt + "\n" + KimiReadOnlyGuardrail
}
