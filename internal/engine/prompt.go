package engine

import (
	"bytes"
	"fmt"
	"text/template"

	tmpl "github.com/jywlabs/halloop/internal/template"
)

// RenderPrompt fills the prompt template for one request. The embedded
// default is used unless the request carries its own template.
func RenderPrompt(req Request) (string, error) {
	text := req.PromptTemplate
	if text == "" {
		text = tmpl.DefaultPrompt
	}

	t, err := template.New("prompt").Option("missingkey=zero").Parse(text)
	if err != nil {
		return "", fmt.Errorf("parsing prompt template: %w", err)
	}

	var buf bytes.Buffer
	if err := t.Execute(&buf, req); err != nil {
		return "", fmt.Errorf("rendering prompt for %s: %w", req.Story.ID, err)
	}
	return buf.String(), nil
}
