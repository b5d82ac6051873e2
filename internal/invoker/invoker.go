// Package invoker issues streaming chat invocations against worker agents.
// One invocation POSTs a task to the agent's /api/chat endpoint and reduces
// the NDJSON frame stream to a final TaskResult or TaskError.
package invoker

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/agentq/agentq/internal/common/logger"
	"github.com/agentq/agentq/internal/common/tracing"
	v1 "github.com/agentq/agentq/pkg/api/v1"
)

const (
	// defaultReadTimeout bounds the silence between two frames. A healthy
	// agent streams progress continuously; a stalled proxy does not.
	defaultReadTimeout = 30 * time.Second

	// maxFrameSize caps a single NDJSON line. Agents embed whole assistant
	// messages in one frame, so lines can get large.
	maxFrameSize     = 10 * 1024 * 1024
	initialFrameSize = 64 * 1024

	// maxErrorBody limits how much of a non-2xx response body is read for
	// the error message.
	maxErrorBody = 512
)

// Request carries everything one invocation needs.
type Request struct {
	// Endpoint is the agent's base URL, e.g. http://localhost:3001.
	Endpoint string

	// Message is the task instruction sent to the agent.
	Message string

	// RequestID identifies the invocation end to end; callers pass the
	// task ID so agent logs correlate with queue state.
	RequestID string

	// WorkingDirectory is forwarded verbatim when non-empty.
	WorkingDirectory string

	// Credentials is an opaque blob forwarded as claudeAuth when non-empty.
	Credentials string

	// Timeout bounds the whole invocation. Zero means no per-task limit.
	Timeout time.Duration
}

// Invoker executes chat invocations over HTTP. It is safe for concurrent use.
type Invoker struct {
	client      *http.Client
	readTimeout time.Duration
	logger      *logger.Logger
	tracer      trace.Tracer
}

// New creates an Invoker. readTimeout bounds the gap between consecutive
// frames; zero selects the default.
func New(readTimeout time.Duration, log *logger.Logger) *Invoker {
	if readTimeout <= 0 {
		readTimeout = defaultReadTimeout
	}
	return &Invoker{
		// No client-level timeout: responses are open-ended streams.
		// Deadlines are enforced per read and per task instead.
		client:      &http.Client{},
		readTimeout: readTimeout,
		logger:      log,
		tracer:      tracing.Tracer("agentq-invoker"),
	}
}

// Invoke runs one invocation to completion. Exactly one of the returns is
// non-nil. Cancelling ctx aborts the invocation and yields an abort error;
// req.Timeout expiring yields a retryable timeout error.
func (inv *Invoker) Invoke(ctx context.Context, req Request) (*v1.TaskResult, *v1.TaskError) {
	parent := ctx
	ctx, span := inv.tracer.Start(ctx, "agent.invoke", trace.WithAttributes(
		attribute.String("agent.endpoint", req.Endpoint),
		attribute.String("request.id", req.RequestID),
	))
	defer span.End()

	cancel := func() {}
	if req.Timeout > 0 {
		ctx, cancel = context.WithTimeout(ctx, req.Timeout)
	}
	defer cancel()

	result, taskErr := inv.stream(ctx, parent, req)
	if taskErr != nil {
		span.SetStatus(codes.Error, taskErr.Message)
		inv.logger.Debug("Invocation failed",
			zap.String("request_id", req.RequestID),
			zap.String("endpoint", req.Endpoint),
			zap.String("error_type", string(taskErr.Type)),
			zap.Bool("retryable", taskErr.Retryable),
		)
		return nil, taskErr
	}
	span.SetStatus(codes.Ok, "")
	return result, nil
}

func (inv *Invoker) stream(ctx, parent context.Context, req Request) (*v1.TaskResult, *v1.TaskError) {
	body, err := json.Marshal(chatBody(req))
	if err != nil {
		return nil, newTaskError(v1.ErrorTypeExecution, fmt.Sprintf("encoding chat request: %v", err), false)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, strings.TrimRight(req.Endpoint, "/")+"/api/chat", bytes.NewReader(body))
	if err != nil {
		return nil, newTaskError(v1.ErrorTypeExecution, fmt.Sprintf("building chat request: %v", err), false)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "application/x-ndjson")
	httpReq.Header.Set("Connection", "keep-alive")
	httpReq.Header.Set("Cache-Control", "no-cache")

	resp, err := inv.client.Do(httpReq)
	if err != nil {
		if ctxErr := contextError(parent, ctx); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, newTaskError(v1.ErrorTypeNetwork, fmt.Sprintf("contacting agent: %v", err), true)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, statusError(resp)
	}

	return inv.readFrames(ctx, parent, req, resp.Body)
}

// readFrames consumes the NDJSON stream until a terminal frame arrives, the
// per-read deadline lapses, or the context ends.
func (inv *Invoker) readFrames(ctx, parent context.Context, req Request, r io.Reader) (*v1.TaskResult, *v1.TaskError) {
	lines := make(chan []byte)
	scanErr := make(chan error, 1)
	readerDone := make(chan struct{})
	defer close(readerDone)

	go func() {
		scanner := bufio.NewScanner(r)
		buf := make([]byte, 0, initialFrameSize)
		scanner.Buffer(buf, maxFrameSize)
		for scanner.Scan() {
			line := append([]byte(nil), scanner.Bytes()...)
			select {
			case lines <- line:
			case <-ctx.Done():
				return
			case <-readerDone:
				return
			}
		}
		scanErr <- scanner.Err()
		close(lines)
	}()

	var content strings.Builder
	var sessionID string

	readTimer := time.NewTimer(inv.readTimeout)
	defer readTimer.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil, contextError(parent, ctx)

		case <-readTimer.C:
			return nil, newTaskError(v1.ErrorTypeTimeout,
				fmt.Sprintf("no frame from agent within %s", inv.readTimeout), true)

		case line, ok := <-lines:
			if !ok {
				// Stream ended without a done frame.
				if ctxErr := contextError(parent, ctx); ctxErr != nil {
					return nil, ctxErr
				}
				if err := <-scanErr; err != nil {
					return nil, newTaskError(v1.ErrorTypeNetwork,
						fmt.Sprintf("reading agent stream: %v", err), true)
				}
				return nil, newTaskError(v1.ErrorTypeNetwork,
					"agent stream ended before done frame", true)
			}
			if !readTimer.Stop() {
				select {
				case <-readTimer.C:
				default:
				}
			}
			readTimer.Reset(inv.readTimeout)

			if len(bytes.TrimSpace(line)) == 0 {
				continue
			}
			var frame Frame
			if err := json.Unmarshal(line, &frame); err != nil {
				inv.logger.Debug("Skipping malformed frame", zap.String("request_id", req.RequestID))
				continue
			}

			switch frame.Type {
			case FrameClaudeJSON:
				if frame.Message == nil {
					continue
				}
				for _, block := range frame.Message.Content {
					if block.Type == "text" {
						content.WriteString(block.Text)
					}
				}
				if frame.Message.SessionID != "" {
					sessionID = frame.Message.SessionID
				}

			case FrameError:
				msg := frame.Error
				if msg == "" {
					msg = "agent reported an error"
				}
				return nil, newTaskError(v1.ErrorTypeExecution, msg, true)

			case FrameAborted:
				return nil, newTaskError(v1.ErrorTypeAbort, "agent aborted the task", false)

			case FrameDone:
				return &v1.TaskResult{
					Type:        v1.ResultTypeSuccess,
					Content:     content.String(),
					SessionID:   sessionID,
					CompletedAt: v1.NowMillis(),
				}, nil

			default:
				// Unknown frame types are forward compatibility, not errors.
			}
		}
	}
}

func chatBody(req Request) ChatRequest {
	body := ChatRequest{
		Message:          req.Message,
		RequestID:        req.RequestID,
		WorkingDirectory: req.WorkingDirectory,
	}
	if req.Credentials != "" {
		if json.Valid([]byte(req.Credentials)) {
			body.ClaudeAuth = json.RawMessage(req.Credentials)
		} else if quoted, err := json.Marshal(req.Credentials); err == nil {
			body.ClaudeAuth = quoted
		}
	}
	return body
}

// statusError classifies a non-2xx response. Auth rejections are permanent;
// server-side failures are worth retrying.
func statusError(resp *http.Response) *v1.TaskError {
	detail := ""
	if b, err := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody)); err == nil {
		detail = strings.TrimSpace(string(b))
	}
	msg := fmt.Sprintf("agent returned status %d", resp.StatusCode)
	if detail != "" {
		msg = fmt.Sprintf("%s: %s", msg, detail)
	}

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return newTaskError(v1.ErrorTypeExecution, msg, false)
	case resp.StatusCode >= 500:
		return newTaskError(v1.ErrorTypeNetwork, msg, true)
	default:
		return newTaskError(v1.ErrorTypeExecution, msg, false)
	}
}

// contextError maps a context failure to a task error: the caller cancelling
// means abort, the invocation deadline firing means timeout. Returns nil when
// neither context has ended.
func contextError(parent, ctx context.Context) *v1.TaskError {
	switch {
	case errors.Is(parent.Err(), context.Canceled):
		return newTaskError(v1.ErrorTypeAbort, "invocation aborted", false)
	case errors.Is(ctx.Err(), context.DeadlineExceeded):
		return newTaskError(v1.ErrorTypeTimeout, "task deadline exceeded", true)
	case ctx.Err() != nil:
		return newTaskError(v1.ErrorTypeAbort, "invocation aborted", false)
	default:
		return nil
	}
}

func newTaskError(typ v1.ErrorType, msg string, retryable bool) *v1.TaskError {
	return &v1.TaskError{
		Type:       typ,
		Message:    msg,
		Retryable:  retryable,
		OccurredAt: v1.NowMillis(),
	}
}
