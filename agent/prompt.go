//
// Copyright (C) 2026 TaskPilot Authors.
// All rights reserved.
//
// taskpilot is licensed under the Apache License Version 2.0.
//
//

package agent

const planPrompt = `You are an automation agent planning how to complete a task.
Break the task into a short list of concrete steps. Reply with one step per
line, each line starting with "- ". Keep the plan under 8 steps. Do not
execute anything yet.`

const selectToolPrompt = `You are an automation agent working through a plan.
Look at the conversation so far and call exactly one tool that makes
progress on the current step. Call the terminate tool when the task is
complete or cannot proceed.`

const thinkPrompt = `You are an automation agent reviewing the result of your
last action. In a short paragraph, state whether the action succeeded, what
you learned, and what should happen next. Do not call any tools.`

const correctiveToolPrompt = `Your previous reply did not contain a valid
tool call. Reply again calling exactly one of the available tools by name.`
