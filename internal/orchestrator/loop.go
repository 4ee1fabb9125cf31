package orchestrator

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	"github.com/parleyhq/parley/internal/capability"
	"github.com/parleyhq/parley/internal/llm"
	"github.com/parleyhq/parley/internal/tools"
	"github.com/parleyhq/parley/pkg/models"
)

// roundSeparator splits "I will call…" narration from later content so
// the concatenated answer stays readable.
const roundSeparator = "\n\n---\n\n"

// finalizePrompt is appended when the tool loop hits max iterations.
const finalizePrompt = "You have used all available tool calls for this turn. Answer the user's question now using the information gathered so far. Do not request any more tools."

// turnStore persists intermediate turn messages; nil disables persistence
// (group chat replies).
type turnStore interface {
	AppendMessage(ctx context.Context, m *models.Message) error
	UpdateMessage(ctx context.Context, m *models.Message) error
}

func (o *Orchestrator) run(ctx context.Context, session *models.Session, msgs []models.Message, emit Emitter, st turnStore) (*TurnResult, error) {
	ctx, cancel := context.WithTimeout(ctx, o.cfg.TotalTimeout)
	defer cancel()

	msgs = repairHistory(msgs)
	if o.cfg.ChunkSize > 0 {
		ce := newChunkingEmitter(emit, o.cfg.ChunkSize, o.cfg.SmartChunking, chunkDelay)
		defer ce.Flush()
		emit = ce
	}

	svc, err := o.resolver.ForSettings(session.Settings)
	if err != nil {
		return nil, err
	}
	model := session.Settings.Model

	var decls []tools.Decl
	useTools := svc.SupportsTools() && o.caps.CheckSupportsTools(ctx, model)
	if useTools {
		decls, err = o.runtime.ListTools(ctx, tools.ListOptions{SessionID: session.ID, UserID: session.UserID})
		if err != nil {
			o.logger.Warn("tool listing failed, continuing without tools",
				"session_id", session.ID, "error", err)
		}
		useTools = len(decls) > 0
	}

	emit.Frame(TagToolStatus, toolStatusPayload{State: "thinking"})
	if !useTools {
		return o.plainTurn(ctx, svc, session, msgs, emit)
	}

	result, err := o.toolLoop(ctx, svc, session, msgs, decls, emit, st)
	if err != nil && errors.Is(err, capability.ErrToolsUnsupported) {
		if markErr := o.caps.MarkUnsupported(ctx, model, err.Error()); markErr != nil {
			o.logger.Error("failed to persist tool-unsupported verdict",
				"model", model, "error", markErr)
		}
		o.logger.Info("model rejected tools, falling back to plain stream",
			"model", model, "session_id", session.ID)
		return o.plainTurn(ctx, svc, session, msgs, emit)
	}
	return result, err
}

func (o *Orchestrator) plainTurn(ctx context.Context, svc llm.Service, session *models.Session, msgs []models.Message, emit Emitter) (*TurnResult, error) {
	emit.Frame(TagToolStatus, toolStatusPayload{State: "generating"})
	result, err := o.stream(ctx, svc, session, llm.Request{Messages: msgs}, emit.Delta)
	if err != nil {
		return nil, err
	}
	return &TurnResult{Content: result.Content, Iterations: 1}, nil
}

func (o *Orchestrator) toolLoop(ctx context.Context, svc llm.Service, session *models.Session, msgs []models.Message, decls []tools.Decl, emit Emitter, st turnStore) (*TurnResult, error) {
	tracker := newCitationTracker()
	scratch := &toolScratch{
		sem:   semaphore.NewWeighted(o.cfg.ToolConcurrency),
		cache: make(map[string]string),
	}

	var finalContent strings.Builder
	prevHadBoth := false

	for iteration := 1; iteration <= o.cfg.MaxIterations; iteration++ {
		sepPending := prevHadBoth
		onDelta := func(text string) {
			if sepPending {
				sepPending = false
				finalContent.WriteString(roundSeparator)
				emit.Delta(roundSeparator)
			}
			finalContent.WriteString(text)
			emit.Delta(text)
		}

		result, err := o.stream(ctx, svc, session, llm.Request{Messages: msgs, Tools: decls}, onDelta)
		if err != nil {
			return nil, err
		}

		if len(result.ToolCalls) == 0 {
			return &TurnResult{
				Content:    finalContent.String(),
				Citations:  tracker.Lean(),
				Iterations: iteration,
				UsedTools:  true,
			}, nil
		}

		prevHadBoth = result.Content != ""
		assistant := models.Message{
			ID:        uuid.NewString(),
			SessionID: session.ID,
			Role:      models.RoleAssistant,
			Content:   result.Content,
			ToolCalls: result.ToolCalls,
			CreatedAt: time.Now().UTC(),
		}
		msgs = append(msgs, assistant)
		o.persistAppend(ctx, st, &assistant)

		emit.Frame(TagToolStatus, toolStatusPayload{State: "tool_calling"})
		responses, err := o.executeTools(ctx, session, result.ToolCalls, scratch, tracker, emit)
		if err != nil {
			return nil, err
		}

		for _, g := range scratch.drainGraphs() {
			emit.Frame(TagGraphData, g)
		}

		// Global dedup: renumber everything gathered this turn, emit only
		// the not-yet-sent batch, and rewrite every search response so the
		// model sees the same numbering as the client.
		all, fresh := tracker.Renumber()
		if len(fresh.Lean) > 0 {
			emit.Frame(TagReferences, fresh)
			o.metrics.CitationsEmitted.Add(float64(len(fresh.Lean)))
		}
		rewritten := renderNumberedResults(all)
		for i := range responses {
			if responses[i].ToolName == tools.SearchToolName {
				responses[i].Content = rewritten
			}
		}
		for i := range responses {
			msgs = append(msgs, responses[i])
			o.persistAppend(ctx, st, &responses[i])
		}
		// Earlier iterations' search responses must match the new global
		// numbering too.
		for i := range msgs[:len(msgs)-len(responses)] {
			if msgs[i].Role == models.RoleTool && msgs[i].ToolName == tools.SearchToolName && msgs[i].Content != rewritten {
				msgs[i].Content = rewritten
				o.persistUpdate(ctx, st, &msgs[i])
			}
		}

		emit.Frame(TagToolStatus, toolStatusPayload{State: "thinking"})
	}

	if !o.cfg.ForceReplyOnMaxIterations {
		return &TurnResult{
			Content:    finalContent.String(),
			Citations:  tracker.Lean(),
			Iterations: o.cfg.MaxIterations,
			UsedTools:  true,
		}, nil
	}

	// One more call, no tools attached, to force an answer.
	msgs = append(msgs, models.Message{
		ID:        uuid.NewString(),
		SessionID: session.ID,
		Role:      models.RoleSystem,
		Content:   finalizePrompt,
		CreatedAt: time.Now().UTC(),
	})
	emit.Frame(TagToolStatus, toolStatusPayload{State: "generating"})
	if _, err := o.stream(ctx, svc, session, llm.Request{Messages: msgs}, func(text string) {
		finalContent.WriteString(text)
		emit.Delta(text)
	}); err != nil {
		return nil, err
	}
	return &TurnResult{
		Content:    finalContent.String(),
		Citations:  tracker.Lean(),
		Iterations: o.cfg.MaxIterations + 1,
		UsedTools:  true,
	}, nil
}

// stream wraps one provider call with shared request fields, a per-call
// timeout, and metrics.
func (o *Orchestrator) stream(ctx context.Context, svc llm.Service, session *models.Session, req llm.Request, onDelta llm.Delta) (*llm.Result, error) {
	if o.cfg.LLMCallTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, o.cfg.LLMCallTimeout)
		defer cancel()
	}
	req.Model = session.Settings.Model
	req.SystemPrompt = session.SystemPrompt
	req.Temperature = session.Settings.Temperature
	req.MaxTokens = session.Settings.MaxTokens

	result, err := svc.Stream(ctx, req, onDelta)
	status := "ok"
	if err != nil {
		status = "error"
	}
	o.metrics.LLMRequestsTotal.WithLabelValues(svc.Name(), req.Model, status).Inc()
	return result, err
}

type toolScratch struct {
	sem *semaphore.Weighted

	mu     sync.Mutex
	cache  map[string]string
	graphs []json.RawMessage
}

// drainGraphs hands out the graph payloads gathered since the last call.
func (s *toolScratch) drainGraphs() []json.RawMessage {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := s.graphs
	s.graphs = nil
	return out
}

func (o *Orchestrator) executeTools(ctx context.Context, session *models.Session, calls []models.ToolCall, scratch *toolScratch, tracker *citationTracker, emit Emitter) ([]models.Message, error) {
	responses := make([]models.Message, len(calls))
	errs := make([]error, len(calls))
	var wg sync.WaitGroup

	for i, call := range calls {
		if err := scratch.sem.Acquire(ctx, 1); err != nil {
			return nil, err
		}
		wg.Add(1)
		go func(i int, call models.ToolCall) {
			defer wg.Done()
			defer scratch.sem.Release(1)
			responses[i], errs[i] = o.executeTool(ctx, session, call, scratch, tracker, emit)
		}(i, call)
	}
	wg.Wait()

	for _, err := range errs {
		if err != nil {
			return nil, err
		}
	}
	return responses, nil
}

func (o *Orchestrator) executeTool(ctx context.Context, session *models.Session, call models.ToolCall, scratch *toolScratch, tracker *citationTracker, emit Emitter) (models.Message, error) {
	emit.Frame(TagToolStatus, toolStatusPayload{State: "running", Tool: call.Name})

	key := toolCacheKey(call)
	var result string
	var cached bool
	if o.cfg.ToolCache {
		scratch.mu.Lock()
		result, cached = scratch.cache[key]
		scratch.mu.Unlock()
	}

	if !cached {
		var err error
		result, err = o.runtime.CallTool(ctx, tools.CallRequest{
			Name:      call.Name,
			Arguments: call.Input,
			SessionID: session.ID,
			UserID:    session.UserID,
			Timeout:   o.cfg.ToolTimeout,
		})
		if err != nil {
			emit.Frame(TagToolStatus, toolStatusPayload{State: "failed", Tool: call.Name})
			if !o.cfg.AllowContinueOnError {
				return models.Message{}, fmt.Errorf("tool %s: %w", call.Name, err)
			}
			// Permissive translation: the model sees the failure as text
			// and may route around it.
			result = fmt.Sprintf("Tool %s failed: %v", call.Name, err)
			return toolResponse(session.ID, call, result), nil
		}
		if len(result) > o.cfg.MaxToolResultSize {
			result = result[:runeCut(result, o.cfg.MaxToolResultSize)]
		}
		if o.cfg.ToolCache {
			scratch.mu.Lock()
			scratch.cache[key] = result
			scratch.mu.Unlock()
		}
	}

	if call.Name == tools.SearchToolName {
		var resp tools.SearchResponse
		if err := json.Unmarshal([]byte(result), &resp); err == nil {
			scratch.mu.Lock()
			tracker.Add(resp.Results)
			scratch.mu.Unlock()
		} else {
			o.logger.Warn("unparseable search result", "session_id", session.ID, "error", err)
		}
	}

	if tools.IsGraphTool(call.Name) {
		if json.Valid([]byte(result)) {
			scratch.mu.Lock()
			scratch.graphs = append(scratch.graphs, json.RawMessage(result))
			scratch.mu.Unlock()
		} else {
			o.logger.Warn("unparseable graph result", "session_id", session.ID, "tool", call.Name)
		}
		o.recordGraphUse(session.ID)
	}

	emit.Frame(TagToolStatus, toolStatusPayload{State: "completed", Tool: call.Name})
	return toolResponse(session.ID, call, result), nil
}

func toolResponse(sessionID string, call models.ToolCall, content string) models.Message {
	return models.Message{
		ID:         uuid.NewString(),
		SessionID:  sessionID,
		Role:       models.RoleTool,
		ToolCallID: call.ID,
		ToolName:   call.Name,
		Content:    content,
		CreatedAt:  time.Now().UTC(),
	}
}

// runeCut returns the largest index at most max that does not split a
// rune.
func runeCut(s string, max int) int {
	if max >= len(s) {
		return len(s)
	}
	for max > 0 && !utf8.RuneStart(s[max]) {
		max--
	}
	return max
}

func toolCacheKey(call models.ToolCall) string {
	sum := sha256.Sum256(append([]byte(call.Name+"\x00"), call.Input...))
	return hex.EncodeToString(sum[:])
}

// renderNumberedResults serializes the globally deduped, marker-numbered
// citation list as a search tool response body.
func renderNumberedResults(all []models.RichCitation) string {
	type numbered struct {
		RefMarker int            `json:"ref_marker"`
		RefID     string         `json:"ref_id"`
		Content   string         `json:"content"`
		Score     float64        `json:"score"`
		KBID      string         `json:"kb_id"`
		DocID     string         `json:"doc_id"`
		Filename  string         `json:"filename,omitempty"`
		Metadata  map[string]any `json:"metadata,omitempty"`
	}
	out := make([]numbered, len(all))
	for i, rich := range all {
		out[i] = numbered{
			RefMarker: rich.RefMarker,
			RefID:     rich.RefID,
			Content:   rich.Content,
			Score:     rich.Score,
			KBID:      rich.KBID,
			DocID:     rich.DocID,
			Filename:  rich.Filename,
			Metadata:  rich.Metadata,
		}
	}
	data, err := json.Marshal(map[string]any{"results": out})
	if err != nil {
		return "{}"
	}
	return string(data)
}

func (o *Orchestrator) persistAppend(ctx context.Context, st turnStore, m *models.Message) {
	if st == nil {
		return
	}
	if err := st.AppendMessage(ctx, m); err != nil {
		o.logger.Error("failed to persist turn message", "message_id", m.ID, "error", err)
	}
}

func (o *Orchestrator) persistUpdate(ctx context.Context, st turnStore, m *models.Message) {
	if st == nil {
		return
	}
	if err := st.UpdateMessage(ctx, m); err != nil {
		o.logger.Error("failed to rewrite turn message", "message_id", m.ID, "error", err)
	}
}
