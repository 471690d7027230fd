// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

// Package automation routes free-text commands to local tasks and falls back
// to text completion for everything else.
package automation

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/ManuGH/barrierd/internal/completion"
	"github.com/ManuGH/barrierd/internal/log"
	"github.com/ManuGH/barrierd/internal/session"
	"github.com/ManuGH/barrierd/internal/signaling"
)

// TaskType names the local task a command was routed to.
type TaskType string

const (
	TaskAlarm  TaskType = "alarm"
	TaskIoT    TaskType = "iot"
	TaskScript TaskType = "script"
)

const (
	fallbackText    = "Fallback: Try 'set alarm' or 'toggle light'."
	unavailableText = "Completion unavailable; use keywords like 'set alarm'."
)

// rules are checked in order; the first keyword hit wins.
var rules = []struct {
	task     TaskType
	keywords []string
	reply    string
}{
	{TaskAlarm, []string{"alarm", "reminder"}, "Alarm scheduled locally."},
	{TaskIoT, []string{"iot", "light"}, "IoT command processed internally."},
	{TaskScript, []string{"script", "bash"}, "Bash script generated and queued for execution."},
}

// Completer produces free-form text.
type Completer interface {
	Complete(ctx context.Context, prompt string) (string, error)
}

// Broadcaster reaches every signaling connection.
type Broadcaster interface {
	BroadcastAll(event string, payload any) int
}

// Sessions finds the caller's relay session.
type Sessions interface {
	ActiveFallback(deviceID string) (session.View, bool)
}

// Result is the outcome of one command.
type Result struct {
	Response     string   `json:"response"`
	TaskExecuted bool     `json:"taskExecuted"`
	TaskType     TaskType `json:"taskType,omitempty"`
	// ForwardedTo is the relay id an IoT command was forwarded to.
	ForwardedTo string `json:"forwardedTo,omitempty"`
}

// IoTCommand is broadcast for every IoT task.
type IoTCommand struct {
	Cmd        string `json:"cmd"`
	From       string `json:"from"`
	RustDeskID string `json:"rustdesk_id,omitempty"`
}

// Router dispatches commands.
type Router struct {
	completer   Completer
	broadcaster Broadcaster
	sessions    Sessions
	timeout     time.Duration
	logger      zerolog.Logger
}

// NewRouter returns a Router. completer may be nil.
func NewRouter(completer Completer, broadcaster Broadcaster, sessions Sessions, timeout time.Duration) *Router {
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return &Router{
		completer:   completer,
		broadcaster: broadcaster,
		sessions:    sessions,
		timeout:     timeout,
		logger:      log.WithComponent("automation"),
	}
}

// Classify returns the task text maps to, or "" when no keyword matches.
func Classify(text string) TaskType {
	lower := strings.ToLower(text)
	for _, r := range rules {
		for _, kw := range r.keywords {
			if strings.Contains(lower, kw) {
				return r.task
			}
		}
	}
	return ""
}

// Handle routes text issued by caller.
func (r *Router) Handle(ctx context.Context, caller, text string) Result {
	text = strings.TrimSpace(text)
	task := Classify(text)
	logger := r.logger.With().Str(log.FieldCallerID, caller).Str("task", string(task)).Logger()

	for _, rule := range rules {
		if rule.task != task {
			continue
		}
		res := Result{Response: rule.reply, TaskExecuted: true, TaskType: task}
		if task == TaskIoT {
			res.ForwardedTo = r.iot(caller, text)
		}
		logger.Info().Str(log.FieldEvent, "automation.task").Msg("task executed")
		return res
	}

	return Result{Response: r.complete(ctx, logger, text)}
}

// iot announces cmd to every connection, tagged with the caller's relay id
// when the caller has a fallback session, and returns that id.
func (r *Router) iot(caller, cmd string) string {
	msg := IoTCommand{Cmd: cmd, From: caller}
	if r.sessions != nil {
		if v, ok := r.sessions.ActiveFallback(caller); ok {
			msg.RustDeskID = v.RustDeskID
		}
	}
	if r.broadcaster != nil {
		r.broadcaster.BroadcastAll(signaling.EventIoTCommand, msg)
	}
	return msg.RustDeskID
}

func (r *Router) complete(ctx context.Context, logger zerolog.Logger, text string) string {
	if r.completer == nil || text == "" {
		return fallbackText
	}
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()
	out, err := r.completer.Complete(ctx, text)
	switch {
	case errors.Is(err, completion.ErrUnavailable):
		return fallbackText
	case err != nil:
		logger.Warn().Err(err).Str(log.FieldEvent, "automation.completion_failed").Msg("completion failed")
		return unavailableText
	case out == "":
		return fallbackText
	}
	return out
}
