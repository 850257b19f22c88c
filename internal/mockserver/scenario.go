package mockserver

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Scenario is a scripted agent response. The message content of a
// SendMessage selects the scenario by name.
type Scenario struct {
	Name        string `yaml:"name"`
	Description string `yaml:"description,omitempty"`
	Agent       uint32 `yaml:"agent,omitempty"`
	Steps       []Step `yaml:"steps"`
}

// Step is one action of a scenario. Exactly one action field is set.
type Step struct {
	Delay time.Duration `yaml:"delay,omitempty"`

	Text     string     `yaml:"text,omitempty"`
	Thinking string     `yaml:"thinking,omitempty"`
	Tool     *ToolStep  `yaml:"tool,omitempty"`
	Retry    *RetryStep `yaml:"retry,omitempty"`
	Error    *ErrorStep `yaml:"error,omitempty"`
	Drop     bool       `yaml:"drop,omitempty"`
}

// ToolStep requests approval for a tool call and, when approved, streams
// its output.
type ToolStep struct {
	Name       string         `yaml:"name"`
	Params     map[string]any `yaml:"params,omitempty"`
	Background bool           `yaml:"background,omitempty"`
	Chunks     []string       `yaml:"chunks,omitempty"`
	Output     string         `yaml:"output,omitempty"`
	Error      string         `yaml:"error,omitempty"`
}

// RetryStep emits a Retrying event.
type RetryStep struct {
	Attempt uint32 `yaml:"attempt"`
	Error   string `yaml:"error"`
}

// ErrorStep emits an Error event. A fatal error ends the scenario.
type ErrorStep struct {
	Message string `yaml:"message"`
	Fatal   bool   `yaml:"fatal,omitempty"`
}

func (s Step) actions() int {
	n := 0
	for _, set := range []bool{s.Text != "", s.Thinking != "", s.Tool != nil, s.Retry != nil, s.Error != nil, s.Drop} {
		if set {
			n++
		}
	}
	return n
}

// Validate checks that every step carries exactly one action.
func (sc Scenario) Validate() error {
	if strings.TrimSpace(sc.Name) == "" {
		return errors.New("scenario name is required")
	}
	if len(sc.Steps) == 0 {
		return fmt.Errorf("scenario %q has no steps", sc.Name)
	}
	for i, step := range sc.Steps {
		if n := step.actions(); n != 1 {
			return fmt.Errorf("scenario %q step %d: expected exactly one action, got %d", sc.Name, i+1, n)
		}
		if step.Tool != nil && step.Tool.Name == "" {
			return fmt.Errorf("scenario %q step %d: tool name is required", sc.Name, i+1)
		}
		if step.Delay < 0 {
			return fmt.Errorf("scenario %q step %d: negative delay", sc.Name, i+1)
		}
	}
	return nil
}

// Builtin returns the scenarios every server knows.
func Builtin() map[string]Scenario {
	shell := map[string]any{"command": "ls"}
	list := []Scenario{
		{
			Name:        "simple",
			Description: "two text chunks",
			Steps:       []Step{{Text: "He"}, {Text: "llo"}},
		},
		{
			Name:        "thinking",
			Description: "reasoning before the answer",
			Steps: []Step{
				{Thinking: "Considering the request..."},
				{Text: "Here is my answer."},
			},
		},
		{
			Name:        "tool",
			Description: "one shell call that needs approval",
			Steps: []Step{
				{Text: "Listing files."},
				{Tool: &ToolStep{Name: "shell", Params: shell, Chunks: []string{"README.md\n"}, Output: "README.md\ngo.mod\n"}},
				{Text: "Done."},
			},
		},
		{
			Name:        "tool:background",
			Description: "a background tool call",
			Steps: []Step{
				{Tool: &ToolStep{Name: "shell", Params: map[string]any{"command": "make test"}, Background: true, Output: "started"}},
				{Text: "Running in the background."},
			},
		},
		{
			Name:        "error",
			Description: "non-fatal error, then recovery",
			Steps: []Step{
				{Error: &ErrorStep{Message: "rate limited"}},
				{Text: "Recovered."},
			},
		},
		{
			Name:        "fatal",
			Description: "fatal error mid-turn",
			Steps: []Step{
				{Text: "Starting"},
				{Error: &ErrorStep{Message: "agent crashed", Fatal: true}},
			},
		},
		{
			Name:        "drop",
			Description: "connection dropped mid-turn",
			Steps:       []Step{{Text: "Partial"}, {Drop: true}},
		},
		{
			Name:        "retry",
			Description: "transient failures before the answer",
			Steps: []Step{
				{Retry: &RetryStep{Attempt: 1, Error: "overloaded"}},
				{Retry: &RetryStep{Attempt: 2, Error: "overloaded"}},
				{Text: "Third time lucky."},
			},
		},
	}

	out := make(map[string]Scenario, len(list))
	for _, sc := range list {
		out[sc.Name] = sc
	}
	return out
}

// echo answers content that names no scenario.
func echo(content string) Scenario {
	return Scenario{Name: "echo", Steps: []Step{{Text: "Echo: " + content}}}
}

type scenarioFile struct {
	Scenarios []Scenario `yaml:"scenarios"`
}

// LoadScenarios reads scenarios from a YAML file, or from every .yaml/.yml
// file in a directory.
func LoadScenarios(path string) (map[string]Scenario, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("stat scenarios: %w", err)
	}

	files := []string{path}
	if info.IsDir() {
		files = nil
		entries, err := os.ReadDir(path)
		if err != nil {
			return nil, fmt.Errorf("read scenarios dir: %w", err)
		}
		for _, e := range entries {
			ext := strings.ToLower(filepath.Ext(e.Name()))
			if !e.IsDir() && (ext == ".yaml" || ext == ".yml") {
				files = append(files, filepath.Join(path, e.Name()))
			}
		}
		sort.Strings(files)
	}

	out := make(map[string]Scenario)
	for _, f := range files {
		data, err := os.ReadFile(f)
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", f, err)
		}
		var sf scenarioFile
		if err := yaml.Unmarshal(data, &sf); err != nil {
			return nil, fmt.Errorf("parse %s: %w", f, err)
		}
		for _, sc := range sf.Scenarios {
			if err := sc.Validate(); err != nil {
				return nil, fmt.Errorf("%s: %w", f, err)
			}
			if _, dup := out[sc.Name]; dup {
				return nil, fmt.Errorf("%s: duplicate scenario %q", f, sc.Name)
			}
			out[sc.Name] = sc
		}
	}
	return out, nil
}
