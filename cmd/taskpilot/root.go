//
// Copyright (C) 2026 TaskPilot Authors.
// All rights reserved.
//
// taskpilot is licensed under the Apache License Version 2.0.
//
//

package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/taskpilot-ai/taskpilot/agent"
	"github.com/taskpilot-ai/taskpilot/browser"
	"github.com/taskpilot-ai/taskpilot/config"
	"github.com/taskpilot-ai/taskpilot/environment"
	"github.com/taskpilot-ai/taskpilot/graph"
	"github.com/taskpilot-ai/taskpilot/graph/checkpoint/inmemory"
	checkpointredis "github.com/taskpilot-ai/taskpilot/graph/checkpoint/redis"
	"github.com/taskpilot-ai/taskpilot/log"
	"github.com/taskpilot-ai/taskpilot/model/openai"
	"github.com/taskpilot-ai/taskpilot/runner"
	"github.com/taskpilot-ai/taskpilot/terminal"
)

var rootCmd = &cobra.Command{
	Use:   "taskpilot",
	Short: "TaskPilot runs model-driven automation tasks with human approval gates",
	Long: `TaskPilot drives browser and terminal automation through a workflow of
model calls. Commands that touch the system suspend the task until a
human approves them.`,
}

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().String("config", "", "Path to the config file")
}

// loadConfig reads the config named by the --config flag and applies the
// log level.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	path, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}
	log.SetLevel(cfg.LogLevel)
	return cfg, nil
}

// buildRunner assembles the full stack from configuration: model client,
// environment factory, checkpoint saver, agent graph and runner.
func buildRunner(cfg *config.Config) (*runner.Runner, *environment.Manager, error) {
	m := openai.New(cfg.Model.Name,
		openai.WithAPIKey(cfg.APIKey()),
		openai.WithBaseURL(cfg.Model.BaseURL),
	)

	factory := environment.Factory{
		Model: m,
		NewBrowser: func(ctx context.Context) (environment.Browser, error) {
			return browser.New(ctx, browser.WithDebuggerURL(cfg.Environment.DevtoolsURL))
		},
		NewTerminal: func(ctx context.Context) (environment.Terminal, error) {
			return terminalSession(ctx, cfg)
		},
	}
	envs := environment.NewManager(factory,
		environment.WithIdleTTL(cfg.Environment.IdleTTL.Std()))

	var saver graph.CheckpointSaver
	switch cfg.Checkpoint.Backend {
	case "redis":
		saver = checkpointredis.New(cfg.Checkpoint.Address, cfg.Checkpoint.Password, cfg.Checkpoint.DB,
			checkpointredis.WithTTL(cfg.Checkpoint.TTL.Std()))
	default:
		saver = inmemory.NewSaver()
	}

	a, err := agent.New()
	if err != nil {
		_ = envs.Close()
		return nil, nil, err
	}

	rn, err := runner.New(a, envs,
		runner.WithPoolSize(cfg.Runner.PoolSize),
		runner.WithSessionTTL(cfg.Runner.SessionTTL.Std()),
		runner.WithExecutorOptions(
			graph.WithCheckpointSaver(saver),
			graph.WithMaxSteps(cfg.Runner.MaxSteps),
		),
	)
	if err != nil {
		_ = envs.Close()
		return nil, nil, err
	}
	return rn, envs, nil
}

// terminalAdapter narrows a pty session to the surface agent tools need.
type terminalAdapter struct {
	*terminal.Session
}

func (t terminalAdapter) Execute(ctx context.Context, command string) (*environment.TerminalResult, error) {
	res, err := t.Session.Execute(ctx, command)
	if err != nil {
		return nil, err
	}
	return &environment.TerminalResult{
		Output:    res.Output,
		ExitCode:  res.ExitCode,
		Truncated: res.Truncated,
	}, nil
}

func terminalSession(ctx context.Context, cfg *config.Config) (environment.Terminal, error) {
	opts := []terminal.Option{terminal.WithShell(cfg.Environment.Shell)}
	if cfg.Environment.Workdir != "" {
		opts = append(opts, terminal.WithWorkdir(cfg.Environment.Workdir))
	}
	sess, err := terminal.New(ctx, opts...)
	if err != nil {
		return nil, err
	}
	return terminalAdapter{sess}, nil
}
