//
// Copyright (C) 2026 TaskPilot Authors.
// All rights reserved.
//
// taskpilot is licensed under the Apache License Version 2.0.
//
//

package agent

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/taskpilot-ai/taskpilot/environment"
	"github.com/taskpilot-ai/taskpilot/plan"
	"github.com/taskpilot-ai/taskpilot/tool"
	"github.com/taskpilot-ai/taskpilot/tool/function"
)

// Tool names the workflow routes on.
const (
	ToolTerminal   = "terminal"
	ToolBrowser    = "browser"
	ToolCreatePlan = "create_plan"
	ToolUpdatePlan = "update_plan"
	ToolTerminate  = "terminate"
)

// The tool collection is stateless and shared across threads. Tools reach
// the calling thread's live resources through the context, which the
// execute node populates.
type environmentKey struct{}

func withEnvironment(ctx context.Context, env *environment.Environment) context.Context {
	return context.WithValue(ctx, environmentKey{}, env)
}

func environmentFrom(ctx context.Context) (*environment.Environment, error) {
	env, ok := ctx.Value(environmentKey{}).(*environment.Environment)
	if !ok || env == nil {
		return nil, errors.New("no thread environment in context")
	}
	return env, nil
}

// defaultTools builds the standard tool collection.
func defaultTools() (*tool.Collection, error) {
	return tool.NewCollection(
		newTerminalTool(),
		newBrowserTool(),
		newCreatePlanTool(),
		newUpdatePlanTool(),
		newTerminateTool(),
	)
}

type terminalInput struct {
	Script string `json:"script"`
}

type terminalOutput struct {
	Output    string `json:"output"`
	ExitCode  int    `json:"exit_code"`
	Truncated bool   `json:"truncated,omitempty"`
}

func newTerminalTool() tool.CallableTool {
	return function.New(func(ctx context.Context, in terminalInput) (terminalOutput, error) {
		env, err := environmentFrom(ctx)
		if err != nil {
			return terminalOutput{}, err
		}
		term, err := env.Terminal(ctx)
		if err != nil {
			return terminalOutput{}, err
		}
		result, err := term.Execute(ctx, in.Script)
		if err != nil {
			return terminalOutput{}, err
		}
		return terminalOutput{
			Output:    result.Output,
			ExitCode:  result.ExitCode,
			Truncated: result.Truncated,
		}, nil
	},
		function.WithName(ToolTerminal),
		function.WithDescription("Run a shell command in the thread's persistent terminal session. The working directory and environment persist across calls."),
		function.WithRequiresApproval(true),
	)
}

type browserInput struct {
	// Action is one of navigate, click, type, read, screenshot.
	Action   string `json:"action"`
	URL      string `json:"url,omitempty"`
	Selector string `json:"selector,omitempty"`
	Text     string `json:"text,omitempty"`
}

type browserOutput struct {
	Result     string `json:"result,omitempty"`
	URL        string `json:"url,omitempty"`
	Screenshot string `json:"screenshot,omitempty"`
}

func newBrowserTool() tool.CallableTool {
	return function.New(func(ctx context.Context, in browserInput) (browserOutput, error) {
		env, err := environmentFrom(ctx)
		if err != nil {
			return browserOutput{}, err
		}
		b, err := env.Browser(ctx)
		if err != nil {
			return browserOutput{}, err
		}
		switch strings.ToLower(in.Action) {
		case "navigate":
			if err := b.Navigate(ctx, in.URL); err != nil {
				return browserOutput{}, err
			}
		case "click":
			if err := b.Click(ctx, in.Selector); err != nil {
				return browserOutput{}, err
			}
		case "type":
			if err := b.Type(ctx, in.Selector, in.Text); err != nil {
				return browserOutput{}, err
			}
		case "read":
			text, err := b.Text(ctx, in.Selector)
			if err != nil {
				return browserOutput{}, err
			}
			return browserOutput{Result: text}, nil
		case "screenshot":
			data, err := b.Screenshot(ctx)
			if err != nil {
				return browserOutput{}, err
			}
			return browserOutput{Screenshot: data}, nil
		default:
			return browserOutput{}, fmt.Errorf("unknown browser action %q", in.Action)
		}
		url, err := b.URL(ctx)
		if err != nil {
			return browserOutput{}, err
		}
		return browserOutput{Result: "ok", URL: url}, nil
	},
		function.WithName(ToolBrowser),
		function.WithDescription("Drive the thread's browser tab. Actions: navigate (url), click (selector), type (selector, text), read (selector, empty for whole page), screenshot (returns base64 PNG data)."),
	)
}

type createPlanInput struct {
	Goal  string   `json:"goal"`
	Steps []string `json:"steps"`
}

func newCreatePlanTool() tool.CallableTool {
	return function.New(func(ctx context.Context, in createPlanInput) (string, error) {
		env, err := environmentFrom(ctx)
		if err != nil {
			return "", err
		}
		p := env.Plans.Create(env.ThreadID, in.Goal, in.Steps)
		return p.Render(), nil
	},
		function.WithName(ToolCreatePlan),
		function.WithDescription("Replace the working plan with a new list of steps."),
	)
}

type updatePlanInput struct {
	StepID string `json:"step_id"`
	Status string `json:"status"`
	Note   string `json:"note,omitempty"`
}

func newUpdatePlanTool() tool.CallableTool {
	return function.New(func(ctx context.Context, in updatePlanInput) (string, error) {
		env, err := environmentFrom(ctx)
		if err != nil {
			return "", err
		}
		if err := env.Plans.UpdateStep(env.ThreadID, in.StepID, plan.StepStatus(in.Status), in.Note); err != nil {
			return "", err
		}
		return env.Plans.Get(env.ThreadID).Render(), nil
	},
		function.WithName(ToolUpdatePlan),
		function.WithDescription("Mark a plan step as in_progress, done, skipped, or failed."),
	)
}

type terminateInput struct {
	Summary string `json:"summary"`
	Success bool   `json:"success,omitempty"`
}

func newTerminateTool() tool.CallableTool {
	return function.New(func(ctx context.Context, in terminateInput) (string, error) {
		return in.Summary, nil
	},
		function.WithName(ToolTerminate),
		function.WithDescription("Finish the task. Call this when the task is complete or cannot proceed, with a summary of the outcome."),
	)
}
