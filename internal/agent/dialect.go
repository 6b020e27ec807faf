package agent

import (
	"encoding/json"
	"fmt"
	"strings"
)

// dialect knows how to invoke one agent CLI and how to read its output.
type dialect interface {
	args(turn Turn, model, systemPrompt string) []string
	parse(line string) []Event
}

func dialectFor(kind string) (dialect, error) {
	switch kind {
	case "claude":
		return claudeDialect{}, nil
	case "codex":
		return codexDialect{}, nil
	case "goose":
		return gooseDialect{}, nil
	default:
		return nil, fmt.Errorf("unknown provider type: %s", kind)
	}
}

// riskyTools are tool names that can modify the workspace or run arbitrary commands.
var riskyTools = map[string]bool{
	"bash":             true,
	"shell":            true,
	"write":            true,
	"edit":             true,
	"multiedit":        true,
	"notebookedit":     true,
	"command":          true,
	"local_shell":      true,
	"developer__shell": true,
}

func isRisky(name string) bool {
	return riskyTools[strings.ToLower(name)]
}

// claudeDialect speaks Claude Code's stream-json output.
type claudeDialect struct{}

type claudeLine struct {
	Type       string          `json:"type"`
	Subtype    string          `json:"subtype"`
	SessionID  string          `json:"session_id"`
	Result     string          `json:"result"`
	IsError    bool            `json:"is_error"`
	Message    *claudeMessage  `json:"message"`
	Structured json.RawMessage `json:"structured_output"`
}

type claudeMessage struct {
	Content []claudeContent `json:"content"`
}

type claudeContent struct {
	Type      string          `json:"type"`
	Text      string          `json:"text"`
	ID        string          `json:"id"`
	Name      string          `json:"name"`
	Input     json.RawMessage `json:"input"`
	ToolUseID string          `json:"tool_use_id"`
	Content   json.RawMessage `json:"content"`
	IsError   bool            `json:"is_error"`
}

func (claudeDialect) args(turn Turn, model, systemPrompt string) []string {
	args := []string{"-p", turn.Prompt, "--output-format", "stream-json", "--verbose"}
	if turn.SessionID != "" {
		args = append(args, "--resume", turn.SessionID)
	}
	if model != "" {
		args = append(args, "--model", model)
	}
	if systemPrompt != "" {
		args = append(args, "--system-prompt", systemPrompt)
	}
	return args
}

func (claudeDialect) parse(line string) []Event {
	var l claudeLine
	if err := json.Unmarshal([]byte(line), &l); err != nil || l.Type == "" {
		return []Event{Log{Line: line}}
	}

	switch l.Type {
	case "system":
		if l.SessionID != "" {
			return []Event{SessionEstablished{SessionID: l.SessionID}}
		}
	case "assistant":
		if l.Message == nil {
			return nil
		}
		var out []Event
		for _, c := range l.Message.Content {
			switch c.Type {
			case "text":
				if strings.TrimSpace(c.Text) != "" {
					out = append(out, Progress{Message: c.Text})
				}
			case "tool_use":
				out = append(out,
					ToolProposed{ToolID: c.ID, Name: c.Name, Input: string(c.Input), Risky: isRisky(c.Name)},
					ToolStarted{ToolID: c.ID, Name: c.Name},
				)
			}
		}
		return out
	case "user":
		if l.Message == nil {
			return nil
		}
		var out []Event
		for _, c := range l.Message.Content {
			if c.Type == "tool_result" {
				out = append(out, ToolCompleted{ToolID: c.ToolUseID, Output: rawText(c.Content), Failed: c.IsError})
			}
		}
		return out
	case "result":
		var out []Event
		if l.SessionID != "" {
			out = append(out, SessionEstablished{SessionID: l.SessionID})
		}
		out = append(out, FinalResult{Text: l.Result, Structured: l.Structured, IsError: l.IsError || l.Subtype == "error"})
		return out
	}
	return nil
}

// codexDialect speaks codex exec's NDJSON event stream.
type codexDialect struct{}

type codexLine struct {
	Type     string          `json:"type"`
	ThreadID string          `json:"thread_id"`
	Content  string          `json:"content"`
	Message  string          `json:"message"`
	Item     *codexItem      `json:"item"`
	Output   json.RawMessage `json:"output"`
}

type codexItem struct {
	ID       string `json:"id"`
	Type     string `json:"type"`
	Text     string `json:"text"`
	Command  string `json:"command"`
	Output   string `json:"aggregated_output"`
	ExitCode *int   `json:"exit_code"`
}

func (codexDialect) args(turn Turn, model, _ string) []string {
	var args []string
	if turn.SessionID == "" {
		args = []string{"exec", turn.Prompt, "--json"}
	} else {
		args = []string{"resume", turn.SessionID, turn.Prompt, "--json"}
	}
	if model != "" {
		args = append(args, "--model", model)
	}
	return args
}

func (codexDialect) parse(line string) []Event {
	var l codexLine
	if err := json.Unmarshal([]byte(line), &l); err != nil || l.Type == "" {
		return []Event{Log{Line: line}}
	}

	switch l.Type {
	case "ThreadStarted", "thread.started":
		if l.ThreadID != "" {
			return []Event{SessionEstablished{SessionID: l.ThreadID}}
		}
	case "item.started":
		if l.Item != nil && l.Item.Type == "command_execution" {
			return []Event{
				ToolProposed{ToolID: l.Item.ID, Name: "command", Input: l.Item.Command, Risky: true},
				ToolStarted{ToolID: l.Item.ID, Name: "command"},
			}
		}
	case "item.completed":
		if l.Item == nil {
			return nil
		}
		switch l.Item.Type {
		case "agent_message", "reasoning":
			return []Event{Progress{Message: l.Item.Text}}
		case "command_execution":
			failed := l.Item.ExitCode != nil && *l.Item.ExitCode != 0
			return []Event{ToolCompleted{ToolID: l.Item.ID, Name: "command", Output: l.Item.Output, Failed: failed}}
		}
	case "TurnCompleted", "turn.completed":
		return []Event{FinalResult{Text: l.Content, Structured: l.Output}}
	case "error", "turn.failed":
		return []Event{FinalResult{Text: l.Message, IsError: true}}
	}
	return nil
}

// gooseDialect reads goose run's JSON output.
type gooseDialect struct{}

type gooseLine struct {
	Type      string `json:"type"`
	Content   string `json:"content"`
	SessionID string `json:"session_id"`
	Messages  []struct {
		Role    string `json:"role"`
		Content []struct {
			Type string `json:"type"`
			Text string `json:"text"`
		} `json:"content"`
	} `json:"messages"`
}

func (gooseDialect) args(turn Turn, model, systemPrompt string) []string {
	args := []string{"run", "--text", turn.Prompt, "--output-format", "json"}
	if turn.SessionID != "" {
		args = append(args, "--name", turn.SessionID, "--resume")
	} else if turn.NodeID != "" {
		args = append(args, "--name", turn.NodeID)
	}
	if model != "" {
		args = append(args, "--model", model)
	}
	if systemPrompt != "" {
		args = append(args, "--system", systemPrompt)
	}
	return args
}

// initialSession names a fresh goose session after the node so later turns can resume it.
func (gooseDialect) initialSession(turn Turn) string {
	if turn.SessionID == "" {
		return turn.NodeID
	}
	return ""
}

func (gooseDialect) parse(line string) []Event {
	var l gooseLine
	if err := json.Unmarshal([]byte(line), &l); err != nil {
		return []Event{Log{Line: line}}
	}

	var out []Event
	if l.SessionID != "" {
		out = append(out, SessionEstablished{SessionID: l.SessionID})
	}
	if len(l.Messages) > 0 {
		var text strings.Builder
		for _, m := range l.Messages {
			if m.Role != "assistant" {
				continue
			}
			for _, c := range m.Content {
				if c.Type == "text" {
					text.WriteString(c.Text)
				}
			}
		}
		return append(out, FinalResult{Text: text.String()})
	}
	if l.Content != "" {
		out = append(out, Progress{Message: l.Content})
	}
	if len(out) == 0 {
		out = append(out, Log{Line: line})
	}
	return out
}

// rawText renders a tool result that may be a string or structured content.
func rawText(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	return string(raw)
}
