// Package agent runs the bounded tool-calling loop that turns one input into
// one reply, and the dispatcher that guards it with the session lock.
package agent

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/kalambet/seabone/internal/reasoning"
	"github.com/kalambet/seabone/internal/storage"
	"github.com/kalambet/seabone/internal/tools"
	"github.com/kalambet/seabone/internal/transcript"
)

// Fixed replies for terminal conditions. Each is persisted as the assistant
// record before it is returned.
const (
	ReplyInterrupted = "(interrupted)"
	ReplyEmpty       = "(no response)"
	ReplyExhausted   = "(max tool iterations reached)"
)

const (
	defaultMaxRounds       = 5
	defaultToolResultLimit = 3000
	defaultCompactAt       = 100
)

// Reasoner proposes the next step: a reply or tool calls.
type Reasoner interface {
	Complete(ctx context.Context, messages []reasoning.Message, tools []reasoning.Tool) (*reasoning.Reply, error)
}

// Preamble builds the system message that opens every request.
type Preamble interface {
	Build(ctx context.Context) string
}

// NativeTools is the closed set of in-process tools.
type NativeTools interface {
	Descriptors() []tools.Descriptor
	Descriptor(name tools.Name) (tools.Descriptor, bool)
	Has(name string) bool
	Execute(ctx context.Context, name string, args map[string]any) (string, error)
}

// ProviderTools routes namespaced calls to external providers.
type ProviderTools interface {
	Tools() []tools.Descriptor
	IsManaged(name string) bool
	CallTool(ctx context.Context, name string, args map[string]any) string
}

// Auditor records tool invocations.
type Auditor interface {
	SaveToolInvocation(inv storage.ToolInvocation) error
}

// AllowList restricts the tools offered and executed in one call. A nil
// AllowList permits everything.
type AllowList map[string]bool

// Allow builds an AllowList from tool names.
func Allow(names ...string) AllowList {
	a := make(AllowList, len(names))
	for _, n := range names {
		a[n] = true
	}
	return a
}

// Permits reports whether name may be used.
func (a AllowList) Permits(name string) bool {
	return a == nil || a[name]
}

// Options configures a Loop. Reasoner, Preamble and Native are required.
type Options struct {
	Reasoner  Reasoner
	Preamble  Preamble
	Native    NativeTools
	Providers ProviderTools
	Auditor   Auditor

	Policy           transcript.Policy
	CompactThreshold int
	MaxRounds        int
	ToolResultLimit  int

	Logger *slog.Logger
}

// Loop is safe for concurrent use on different sessions; callers serialize
// use of one session through its lock.
type Loop struct {
	reasoner  Reasoner
	preamble  Preamble
	native    NativeTools
	providers ProviderTools
	auditor   Auditor

	policy      transcript.Policy
	compactAt   int
	maxRounds   int
	resultLimit int
	logger      *slog.Logger

	mu       sync.Mutex
	failures map[string]int // consecutive compaction failures per session
}

// NewLoop creates a Loop, filling unset limits with their defaults.
func NewLoop(opts Options) *Loop {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Policy == (transcript.Policy{}) {
		opts.Policy = transcript.DefaultPolicy()
	}
	if opts.CompactThreshold <= 0 {
		opts.CompactThreshold = defaultCompactAt
	}
	if opts.MaxRounds <= 0 {
		opts.MaxRounds = defaultMaxRounds
	}
	if opts.ToolResultLimit <= 0 {
		opts.ToolResultLimit = defaultToolResultLimit
	}
	return &Loop{
		reasoner:    opts.Reasoner,
		preamble:    opts.Preamble,
		native:      opts.Native,
		providers:   opts.Providers,
		auditor:     opts.Auditor,
		policy:      opts.Policy,
		compactAt:   opts.CompactThreshold,
		maxRounds:   opts.MaxRounds,
		resultLimit: opts.ToolResultLimit,
		logger:      opts.Logger,
		failures:    make(map[string]int),
	}
}

// Respond appends input to sess and runs reasoning rounds until the service
// replies with text, the round bound is hit, or ctx is done. The caller must
// hold the session lock. Every terminal condition is persisted and returned
// as text; the error is non-nil only when the transcript itself fails.
func (l *Loop) Respond(ctx context.Context, sess *transcript.Session, input string, allowed AllowList) (string, error) {
	if err := sess.Append(transcript.Entry{Role: transcript.RoleUser, Content: input}); err != nil {
		return "", fmt.Errorf("appending user message: %w", err)
	}

	if n, err := sess.MessageCount(); err != nil {
		l.logger.Warn("counting messages failed", "session", sess.Key(), "error", err)
	} else if n > l.compactAt && l.compact(ctx, sess) {
		// The marker hides the input as well; carry it over.
		if err := sess.Append(transcript.Entry{Role: transcript.RoleUser, Content: input}); err != nil {
			return "", fmt.Errorf("appending user message: %w", err)
		}
	}

	for round := 0; round < l.maxRounds; round++ {
		if ctx.Err() != nil {
			return l.finish(sess, ReplyInterrupted)
		}

		history, err := sess.Reconstruct(l.policy)
		if err != nil {
			return "", fmt.Errorf("reconstructing context: %w", err)
		}
		messages := make([]reasoning.Message, 0, len(history)+1)
		messages = append(messages, reasoning.Message{Role: transcript.RoleSystem, Content: l.preamble.Build(ctx)})
		messages = append(messages, toReasoning(history)...)

		reply, err := l.reasoner.Complete(ctx, messages, l.catalog(allowed))
		if err != nil {
			if ctx.Err() != nil {
				return l.finish(sess, ReplyInterrupted)
			}
			l.logger.Error("reasoning service call failed", "session", sess.Key(), "round", round, "error", err)
			return l.finish(sess, fmt.Sprintf("(reasoning service error: %v)", err))
		}

		if len(reply.ToolCalls) == 0 {
			text := strings.TrimSpace(reply.Content)
			if text == "" {
				text = ReplyEmpty
			}
			return l.finish(sess, text)
		}

		calls := withIDs(reply.ToolCalls)
		if err := sess.Append(transcript.Entry{
			Role:      transcript.RoleAssistant,
			Content:   reply.Content,
			ToolCalls: toTranscript(calls),
		}); err != nil {
			return "", fmt.Errorf("appending tool calls: %w", err)
		}
		for _, tc := range calls {
			result := capRunes(l.runTool(ctx, sess.Key(), tc, allowed), l.resultLimit)
			if err := sess.Append(transcript.Entry{
				Role:       transcript.RoleTool,
				Content:    result,
				ToolCallID: tc.ID,
			}); err != nil {
				return "", fmt.Errorf("appending tool result: %w", err)
			}
		}
	}

	l.logger.Warn("tool rounds exhausted", "session", sess.Key(), "rounds", l.maxRounds)
	return l.finish(sess, ReplyExhausted)
}

func (l *Loop) finish(sess *transcript.Session, text string) (string, error) {
	if err := sess.Append(transcript.Entry{Role: transcript.RoleAssistant, Content: text}); err != nil {
		return text, fmt.Errorf("appending reply: %w", err)
	}
	return text, nil
}

// Tools returns the catalog offered to the reasoning service: native tools
// first, then live provider tools, filtered by allowed.
func (l *Loop) Tools(allowed AllowList) []tools.Descriptor {
	var all []tools.Descriptor
	all = append(all, l.native.Descriptors()...)
	if l.providers != nil {
		all = append(all, l.providers.Tools()...)
	}
	out := all[:0]
	for _, d := range all {
		if allowed.Permits(d.Name) {
			out = append(out, d)
		}
	}
	return out
}

func (l *Loop) catalog(allowed AllowList) []reasoning.Tool {
	return toReasoningTools(l.Tools(allowed))
}

// runTool executes one call. It never fails: denials, unknown names,
// errors and panics all become result text.
func (l *Loop) runTool(ctx context.Context, session string, tc reasoning.ToolCall, allowed AllowList) (result string) {
	name := tc.Function.Name
	start := time.Now()
	source := storage.SourceUnknown

	defer func() {
		if r := recover(); r != nil {
			l.logger.Error("tool panicked", "session", session, "tool", name, "panic", r)
			result = tools.Errorf("%v", r)
		}
		ok := source != storage.SourceDenied && source != storage.SourceUnknown &&
			!strings.HasPrefix(result, tools.ErrorPrefix)
		l.audit(storage.ToolInvocation{
			Session:   session,
			Tool:      name,
			Source:    source,
			OK:        ok,
			Error:     failureText(ok, result),
			Duration:  time.Since(start),
			CreatedAt: start,
		})
		l.logger.Info("tool call", "session", session, "tool", name, "source", source, "ok", ok, "duration", time.Since(start))
	}()

	args := tools.ParseArguments(tc.Function.Arguments)
	switch {
	case !allowed.Permits(name):
		source = storage.SourceDenied
		return tools.Errorf("tool '%s' is not allowed in this context", name)
	case l.native.Has(name):
		source = storage.SourceNative
		out, err := l.native.Execute(ctx, name, args)
		if err != nil {
			return tools.Errorf("%v", err)
		}
		return out
	case l.providers != nil && l.providers.IsManaged(name):
		source = storage.SourceProvider
		return l.providers.CallTool(ctx, name, args)
	default:
		return "Unknown tool: " + name
	}
}

func failureText(ok bool, result string) string {
	if ok {
		return ""
	}
	return capRunes(result, 200)
}

func (l *Loop) audit(inv storage.ToolInvocation) {
	if l.auditor == nil {
		return
	}
	if err := l.auditor.SaveToolInvocation(inv); err != nil {
		l.logger.Warn("recording tool invocation failed", "tool", inv.Tool, "error", err)
	}
}

// CompactionFailures returns the consecutive compaction failures of every
// session that has any.
func (l *Loop) CompactionFailures() map[string]int {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make(map[string]int, len(l.failures))
	for k, v := range l.failures {
		out[k] = v
	}
	return out
}

func withIDs(calls []reasoning.ToolCall) []reasoning.ToolCall {
	out := make([]reasoning.ToolCall, len(calls))
	for i, tc := range calls {
		if tc.ID == "" {
			tc.ID = "call_" + uuid.New().String()
		}
		if tc.Type == "" {
			tc.Type = "function"
		}
		out[i] = tc
	}
	return out
}

func capRunes(s string, limit int) string {
	if limit <= 0 || len(s) <= limit {
		return s
	}
	r := []rune(s)
	if len(r) <= limit {
		return s
	}
	return string(r[:limit])
}
