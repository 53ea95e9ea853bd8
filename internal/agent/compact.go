package agent

import (
	"context"
	"strings"

	"github.com/kalambet/seabone/internal/reasoning"
	"github.com/kalambet/seabone/internal/tools"
	"github.com/kalambet/seabone/internal/transcript"
)

// escalateAfter is the number of consecutive compaction failures after which
// a session is reported at error level.
const escalateAfter = 3

const extractionPrompt = "You are a memory extraction assistant. Analyze the conversation below " +
	"and extract key facts, decisions, operator preferences, and task outcomes " +
	"worth remembering. Call write_memory for each important item. " +
	"Be concise and only save genuinely useful information."

const extractionInstruction = "Summarize the key facts from this conversation and write them to memory. " +
	"Use write_memory with target='memory' for permanent facts and " +
	"target='daily' for session-specific notes."

// compact flushes durable facts to memory and then marks the transcript.
// The marker is written only if something was persisted, so context is
// never dropped without a trace. It reports whether the marker was written.
func (l *Loop) compact(ctx context.Context, sess *transcript.Session) bool {
	key := sess.Key()
	history, err := sess.Reconstruct(transcript.Policy{})
	if err != nil {
		l.compactionFailed(key, "reconstructing context", err)
		return false
	}
	if len(history) == 0 {
		return l.markCompacted(sess)
	}

	desc, ok := l.native.Descriptor(tools.WriteMemory)
	if !ok {
		l.compactionFailed(key, "write_memory unavailable", nil)
		return false
	}

	messages := make([]reasoning.Message, 0, len(history)+2)
	messages = append(messages, reasoning.Message{Role: transcript.RoleSystem, Content: extractionPrompt})
	messages = append(messages, toReasoning(history)...)
	messages = append(messages, reasoning.Message{Role: transcript.RoleUser, Content: extractionInstruction})

	reply, err := l.reasoner.Complete(ctx, messages, toReasoningTools([]tools.Descriptor{desc}))
	if err != nil {
		l.compactionFailed(key, "summary request failed", err)
		return false
	}

	flushed := false
	if len(reply.ToolCalls) > 0 {
		for _, tc := range reply.ToolCalls {
			if tc.Function.Name != string(tools.WriteMemory) {
				l.logger.Warn("ignoring non-memory tool call during compaction", "session", key, "tool", tc.Function.Name)
				continue
			}
			args := tools.ParseArguments(tc.Function.Arguments)
			if _, err := l.native.Execute(ctx, tc.Function.Name, args); err != nil {
				l.logger.Warn("compaction memory write failed", "session", key, "error", err)
				continue
			}
			flushed = true
		}
	} else if text := strings.TrimSpace(reply.Content); text != "" {
		args := map[string]any{"content": text, "target": "daily"}
		if _, err := l.native.Execute(ctx, string(tools.WriteMemory), args); err != nil {
			l.logger.Warn("compaction fallback write failed", "session", key, "error", err)
		} else {
			flushed = true
		}
	}

	if !flushed {
		l.compactionFailed(key, "nothing persisted, keeping context", nil)
		return false
	}
	return l.markCompacted(sess)
}

func (l *Loop) markCompacted(sess *transcript.Session) bool {
	if err := sess.Compact(); err != nil {
		l.compactionFailed(sess.Key(), "writing marker", err)
		return false
	}
	l.mu.Lock()
	delete(l.failures, sess.Key())
	l.mu.Unlock()
	l.logger.Info("session compacted", "session", sess.Key())
	return true
}

func (l *Loop) compactionFailed(key, reason string, err error) {
	l.mu.Lock()
	l.failures[key]++
	n := l.failures[key]
	l.mu.Unlock()

	attrs := []any{"session", key, "reason", reason, "consecutive_failures", n}
	if err != nil {
		attrs = append(attrs, "error", err)
	}
	if n >= escalateAfter {
		l.logger.Error("compaction keeps failing, context is growing unbounded", attrs...)
		return
	}
	l.logger.Warn("compaction skipped", attrs...)
}
