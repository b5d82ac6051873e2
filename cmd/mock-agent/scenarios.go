package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/agentq/agentq/internal/invoker"
)

// dispatch routes a chat message to the matching scenario. Messages steer
// behavior with slash keywords; anything else gets the default scripted
// response.
func (s *server) dispatch(st *stream, req invoker.ChatRequest) {
	prompt := strings.ToLower(strings.TrimSpace(req.Message))

	switch {
	case s.opts.stall || strings.Contains(prompt, "/stall"):
		emitStall(st)
	case strings.Contains(prompt, "/error"):
		emitErrorScenario(st)
	case strings.Contains(prompt, "/abort"):
		emitAbortScenario(st)
	case strings.Contains(prompt, "/slow"):
		s.emitSlowScenario(st, req)
	default:
		s.emitDefaultScenario(st, req)
	}
}

// emitDefaultScenario streams a short scripted exchange and finishes with a
// done frame.
func (s *server) emitDefaultScenario(st *stream, req invoker.ChatRequest) {
	st.emit(invoker.TextFrame("I'll get started on that.\n", sessionID))
	if !st.pause() {
		return
	}

	// Strict clients ignore frame types they don't know.
	st.emit(map[string]string{"type": "status", "state": "working"})
	if !st.pause() {
		return
	}

	summary := fmt.Sprintf("%s finished: %s", s.opts.name, truncate(req.Message, 120))
	if req.WorkingDirectory != "" {
		summary += " (in " + req.WorkingDirectory + ")"
	}
	st.emit(invoker.TextFrame(summary, sessionID))
	if !st.pause() {
		return
	}
	st.emit(invoker.Frame{Type: invoker.FrameDone})
}

// emitErrorScenario reports a mid-run failure through an error frame.
func emitErrorScenario(st *stream) {
	st.emit(invoker.TextFrame("Simulating an error condition...", sessionID))
	if !st.pause() {
		return
	}
	st.emit(invoker.Frame{Type: invoker.FrameError, Error: "mock error: something went wrong during processing"})
}

// emitAbortScenario simulates the agent cancelling its own run.
func emitAbortScenario(st *stream) {
	st.emit(invoker.TextFrame("Starting work, then aborting...", sessionID))
	if !st.pause() {
		return
	}
	st.emit(invoker.Frame{Type: invoker.FrameAborted})
}

// emitStall sends a single frame and then goes silent until the caller gives
// up, which is how a wedged agent looks from the queue's side.
func emitStall(st *stream) {
	st.emit(invoker.TextFrame("Working on it...", sessionID))
	<-st.ctx.Done()
}

// emitSlowScenario spreads the default exchange over a total duration taken
// from the message. Accepts "/slow" (defaults to 5s) or "/slow <duration>"
// (e.g. "/slow 30s", "/slow 2m").
func (s *server) emitSlowScenario(st *stream, req invoker.ChatRequest) {
	total := 5 * time.Second
	parts := strings.Fields(req.Message)
	for i, part := range parts {
		if strings.EqualFold(part, "/slow") && i+1 < len(parts) {
			if d, err := time.ParseDuration(parts[i+1]); err == nil && d > 0 {
				total = d
			}
		}
	}

	steps := 5
	stepDelay := total / time.Duration(steps)

	st.emit(invoker.TextFrame(fmt.Sprintf("Running slow response (%s total)...\n", total), sessionID))
	for i := 1; i < steps; i++ {
		select {
		case <-time.After(stepDelay):
		case <-st.ctx.Done():
			return
		}
		st.emit(invoker.TextFrame(fmt.Sprintf("step %d of %d\n", i, steps), sessionID))
	}

	select {
	case <-time.After(stepDelay):
	case <-st.ctx.Done():
		return
	}
	st.emit(invoker.TextFrame("Slow response complete.", sessionID))
	st.emit(invoker.Frame{Type: invoker.FrameDone})
}
