package claude

import (
	"bytes"
	"encoding/json"
	"strings"

	"github.com/jywlabs/halloop/internal/engine"
)

// streamLine is one line of `claude -p --output-format stream-json`. Only the
// fields the loop uses are decoded.
type streamLine struct {
	Type       string         `json:"type"`
	Subtype    string         `json:"subtype"`
	Model      string         `json:"model"`
	Message    *streamMessage `json:"message"`
	Result     string         `json:"result"`
	IsError    bool           `json:"is_error"`
	DurationMs float64        `json:"duration_ms"`
	Usage      *streamUsage   `json:"usage"`
}

type streamMessage struct {
	Content []contentBlock `json:"content"`
}

type contentBlock struct {
	Type  string         `json:"type"`
	Name  string         `json:"name"`
	Input map[string]any `json:"input"`
}

type streamUsage struct {
	InputTokens         int `json:"input_tokens"`
	OutputTokens        int `json:"output_tokens"`
	CacheReadTokens     int `json:"cache_read_input_tokens"`
	CacheCreationTokens int `json:"cache_creation_input_tokens"`
}

func (u *streamUsage) total() int {
	if u == nil {
		return 0
	}
	return u.InputTokens + u.OutputTokens + u.CacheReadTokens + u.CacheCreationTokens
}

// Session is what the closing result line reports for a whole execution.
type Session struct {
	// Subtype is "success", "error_max_turns", ...
	Subtype string
	Success bool

	// Tokens counts input, output and cache tokens together.
	Tokens     int
	DurationMs float64

	// Text is the final assistant text; it carries the story result object.
	Text string
}

// Parser turns stream-json lines into display events and remembers the
// session summary from the final result line.
type Parser struct {
	session *Session
}

// NewParser creates a new Claude output parser.
func NewParser() *Parser {
	return &Parser{}
}

// Session returns the summary of the result line, if one was seen.
func (p *Parser) Session() (Session, bool) {
	if p.session == nil {
		return Session{}, false
	}
	return *p.session, true
}

// ParseLine parses one line. Lines that carry nothing to show return nil.
func (p *Parser) ParseLine(line []byte) *engine.Event {
	line = bytes.TrimSpace(line)
	if len(line) == 0 {
		return nil
	}

	var l streamLine
	if err := json.Unmarshal(line, &l); err != nil {
		return nil
	}

	switch l.Type {
	case "system":
		if l.Subtype != "init" {
			return nil
		}
		return &engine.Event{Type: engine.EventInit, Data: engine.EventData{Model: l.Model}}
	case "assistant":
		if l.Message == nil {
			return nil
		}
		for _, block := range l.Message.Content {
			if block.Type == "tool_use" {
				return toolEvent(block)
			}
		}
		return nil
	case "result":
		return p.parseResult(l)
	}
	return nil
}

func (p *Parser) parseResult(l streamLine) *engine.Event {
	s := Session{
		Subtype:    l.Subtype,
		Success:    l.Subtype == "success" && !l.IsError,
		Tokens:     l.Usage.total(),
		DurationMs: l.DurationMs,
		Text:       l.Result,
	}
	p.session = &s

	return &engine.Event{
		Type:   engine.EventResult,
		Detail: s.Subtype,
		Data: engine.EventData{
			Success:    s.Success,
			DurationMs: s.DurationMs,
			Tokens:     s.Tokens,
		},
	}
}

// toolDetails maps a Claude tool to the display label and the input field
// shown next to it.
var toolDetails = map[string]struct {
	label string
	field string
	max   int
}{
	"Read":  {"read", "file_path", 0},
	"Write": {"write", "file_path", 0},
	"Edit":  {"edit", "file_path", 0},
	"Glob":  {"glob", "pattern", 0},
	"Grep":  {"grep", "pattern", 40},
	"Bash":  {"run", "description", 50},
}

func toolEvent(block contentBlock) *engine.Event {
	d, ok := toolDetails[block.Name]
	if !ok {
		return &engine.Event{Type: engine.EventTool, Tool: strings.ToLower(block.Name)}
	}

	detail, _ := block.Input[d.field].(string)
	if detail == "" && block.Name == "Bash" {
		detail, _ = block.Input["command"].(string)
	}
	if d.field == "file_path" {
		detail = shortPath(detail)
	} else if d.max > 0 {
		detail = truncate(detail, d.max)
	}
	return &engine.Event{Type: engine.EventTool, Tool: d.label, Detail: detail}
}

func shortPath(path string) string {
	parts := strings.Split(path, "/")
	if len(parts) <= 2 {
		return path
	}
	return ".../" + strings.Join(parts[len(parts)-2:], "/")
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max-3] + "..."
}
