//
// Copyright (C) 2026 TaskPilot Authors.
// All rights reserved.
//
// taskpilot is licensed under the Apache License Version 2.0.
//
//

package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/taskpilot-ai/taskpilot/agent"
	"github.com/taskpilot-ai/taskpilot/event"
	"github.com/taskpilot-ai/taskpilot/graph"
)

var runCmd = &cobra.Command{
	Use:   "run [task]",
	Short: "Run a single task from the command line",
	Long: `Runs one task to completion, printing progress as it happens.
When the task needs approval for a command, you are asked on stdin.`,
	Args: cobra.MinimumNArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		cfg, err := loadConfig(cmd)
		if err != nil {
			fmt.Printf("Error loading config: %v\n", err)
			os.Exit(1)
		}

		rn, envs, err := buildRunner(cfg)
		if err != nil {
			fmt.Printf("Error initializing taskpilot: %v\n", err)
			os.Exit(1)
		}
		defer func() {
			_ = rn.Close()
			_ = envs.Close()
		}()

		task := strings.Join(args, " ")
		ctx := context.Background()

		threadID, ch, err := rn.Submit(ctx, "", task)
		if err != nil {
			fmt.Printf("Error submitting task: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("thread %s\n", threadID)

		stdin := bufio.NewReader(os.Stdin)
		for {
			final := printEvents(ch)
			if final == nil || final.Type != event.TypeInterrupt {
				return
			}

			sess, ok := rn.Session(threadID)
			if !ok || sess.Pending == nil {
				fmt.Println("no pending approval found")
				return
			}
			decision := askApproval(stdin, sess.Pending.Message, sess.Pending.ToolCall.ID)

			ch, err = rn.Resume(ctx, threadID, decision)
			if err != nil {
				fmt.Printf("Error resuming: %v\n", err)
				os.Exit(1)
			}
		}
	},
}

// printEvents writes progress to stdout and returns the last event.
func printEvents(ch <-chan *event.Event) *event.Event {
	var last *event.Event
	for evt := range ch {
		last = evt
		switch evt.Type {
		case event.TypeNodeStart:
			fmt.Printf("  [%s]\n", evt.Node)
		case event.TypeStateDelta:
			if thought := brainField(evt.StateDelta, agent.BrainKeyThought); thought != "" {
				fmt.Printf("    %s\n", thought)
			}
		case event.TypeDone:
			fmt.Println("done")
			if summary := brainField(evt.StateDelta, agent.BrainKeySummary); summary != "" {
				fmt.Printf("summary: %s\n", summary)
			}
		case event.TypeError:
			fmt.Printf("failed: %s\n", evt.Error)
		case event.TypeInterrupt:
			// Handled by the caller.
		}
	}
	return last
}

func brainField(state graph.State, key string) string {
	brain, ok := state[agent.StateKeyBrain].(map[string]any)
	if !ok {
		return ""
	}
	value, _ := brain[key].(string)
	return value
}

func askApproval(stdin *bufio.Reader, message, toolCallID string) agent.ApprovalDecision {
	fmt.Printf("\napproval needed: %s\n", message)
	fmt.Print("approve? [y/N] ")
	line, _ := stdin.ReadString('\n')
	answer := strings.ToLower(strings.TrimSpace(line))

	decision := agent.ApprovalDecision{ToolCallID: toolCallID}
	if answer == "y" || answer == "yes" {
		decision.Approved = true
		return decision
	}
	fmt.Print("reason (optional): ")
	reason, _ := stdin.ReadString('\n')
	decision.Reason = strings.TrimSpace(reason)
	return decision
}

func init() {
	rootCmd.AddCommand(runCmd)
}
