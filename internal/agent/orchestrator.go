package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/honeycomb-technologies/krusty/internal/jobs"
	"github.com/honeycomb-technologies/krusty/internal/sessions"
	"github.com/honeycomb-technologies/krusty/internal/tools/policy"
	"github.com/honeycomb-technologies/krusty/pkg/models"
)

// maxConcurrentJobs limits the number of concurrent async tool jobs running
// in the background at once.
const maxConcurrentJobs = 50

// processBufferSize is the default buffer size for response chunk channels.
const processBufferSize = 10

// defaultRepeatedFailureThreshold is how many consecutive identical tool
// failures (same tool, error code, argument hash) trigger an early
// EventInterrupt rather than letting the model retry indefinitely.
const defaultRepeatedFailureThreshold = 2

// OrchestratorConfig configures turn-loop behavior: iteration limits, token
// budgets, approval policy, and tool execution settings.
type OrchestratorConfig struct {
	// MaxTurns limits the number of stream/execute-tools turns in one run.
	MaxTurns int

	// MaxTokens is the default max tokens for LLM responses.
	MaxTokens int

	// MaxToolCalls limits the total tool calls per run (0 = unlimited).
	MaxToolCalls int

	// MaxWallTime limits total run duration (0 = no limit).
	MaxWallTime time.Duration

	// ToolExec configures the sequential tool executor's timeouts and retries.
	ToolExec ToolExecConfig

	// RequireApproval lists tool names/patterns that require approval when
	// no ApprovalChecker is set.
	RequireApproval []string

	// ApprovalChecker evaluates approval policy for tool calls when set.
	ApprovalChecker *ApprovalChecker

	// ElevatedTools lists tool patterns eligible for elevated full bypass.
	ElevatedTools []string

	// AsyncTools lists tool names to execute in the background as jobs
	// rather than inline in the turn loop.
	AsyncTools []string

	// JobStore receives async tool job updates.
	JobStore jobs.Store

	// ToolResultGuard redacts tool results before persistence.
	ToolResultGuard ToolResultGuard

	// ToolEvents persists tool call/result events when set.
	ToolEvents ToolEventStore

	// DisableToolEvents suppresses streaming ToolEvent chunks.
	DisableToolEvents bool

	// StreamToolResults streams tool results as they complete.
	StreamToolResults bool

	// RepeatedFailureThreshold is the number of consecutive identical tool
	// failures that trigger InterruptRepeatedFailure. Default: 2.
	RepeatedFailureThreshold int
}

// DefaultOrchestratorConfig returns the default orchestrator configuration.
func DefaultOrchestratorConfig() *OrchestratorConfig {
	return &OrchestratorConfig{
		MaxTurns:                 10,
		MaxTokens:                4096,
		MaxToolCalls:             0,
		MaxWallTime:              0,
		ToolExec:                 DefaultToolExecConfig(),
		StreamToolResults:        true,
		RepeatedFailureThreshold: defaultRepeatedFailureThreshold,
	}
}

func sanitizeOrchestratorConfig(config *OrchestratorConfig) *OrchestratorConfig {
	if config == nil {
		return DefaultOrchestratorConfig()
	}
	cfg := *config
	defaults := DefaultOrchestratorConfig()
	if cfg.MaxTurns <= 0 {
		cfg.MaxTurns = defaults.MaxTurns
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = defaults.MaxTokens
	}
	if cfg.MaxToolCalls < 0 {
		cfg.MaxToolCalls = 0
	}
	if cfg.MaxWallTime < 0 {
		cfg.MaxWallTime = 0
	}
	if cfg.RepeatedFailureThreshold <= 0 {
		cfg.RepeatedFailureThreshold = defaults.RepeatedFailureThreshold
	}
	return &cfg
}

// Orchestrator drives the agentic turn loop: it streams a completion from an
// LLMProvider, executes any requested tools strictly in emission order, feeds
// results back, and repeats until the model stops requesting tools, the turn
// budget is exhausted, or a repeated tool failure trips the interrupt.
//
// The loop operates as a state machine:
//
//	┌─────────┐     ┌──────────┐     ┌───────────────────┐
//	│  Init   │────▶│  Stream  │────▶│  Execute Tools    │
//	└─────────┘     └──────────┘     └───────────────────┘
//	                      │                    │
//	                      ▼                    │
//	               ┌──────────┐                │
//	               │ Complete │◀───────────────┘ (no tool calls)
//	               └──────────┘
//	               ┌──────────┐
//	               │ Continue │◀───────────────┐ (has tool results)
//	               └──────────┘                │
//	                      └───────────▶ Stream
//
// Unlike a parallel tool executor, ExecuteTools runs each call one at a time
// via ToolExecutor.ExecuteSequentially: a later tool call in the same batch
// frequently depends on the side effect of an earlier one (e.g. write then
// read the same file), and surprising interleavings from concurrent
// execution are not worth the latency saved for typical tool-call batch
// sizes.
type Orchestrator struct {
	provider LLMProvider
	registry *ToolRegistry
	toolExec *ToolExecutor
	sessions sessions.Store
	config   *OrchestratorConfig

	defaultModel  string
	defaultSystem string

	jobSem chan struct{}

	sessionLocksMu sync.Mutex
	sessionLocks   map[string]*sessionLock

	failures *failureTracker

	// plugins receives AgentEvents mirrored from each run for tracing,
	// replay, and stats collection. Registered via RegisterPlugin.
	plugins *PluginRegistry
}

// NewOrchestrator creates a new orchestrator with the given provider, tool
// registry, and session store. If config is nil, DefaultOrchestratorConfig
// is used.
func NewOrchestrator(provider LLMProvider, registry *ToolRegistry, store sessions.Store, config *OrchestratorConfig) *Orchestrator {
	config = sanitizeOrchestratorConfig(config)
	if registry == nil {
		registry = NewToolRegistry()
	}

	return &Orchestrator{
		provider:     provider,
		registry:     registry,
		toolExec:     NewToolExecutor(registry, config.ToolExec),
		sessions:     store,
		config:       config,
		jobSem:       make(chan struct{}, maxConcurrentJobs),
		sessionLocks: make(map[string]*sessionLock),
		failures:     newFailureTracker(),
		plugins:      NewPluginRegistry(),
	}
}

// SetDefaultModel sets the default model used when requests do not specify one.
func (o *Orchestrator) SetDefaultModel(model string) { o.defaultModel = model }

// RegisterPlugin attaches a plugin that observes the AgentEvent stream
// mirrored from every run, e.g. a TracePlugin for JSONL replay or a
// StatsCollector-backed hook for aggregated run metrics. Plugins are called
// synchronously in registration order; a panicking plugin does not stop the
// run.
func (o *Orchestrator) RegisterPlugin(p Plugin) { o.plugins.Use(p) }

// SetDefaultSystem sets the default system prompt used when requests do not specify one.
func (o *Orchestrator) SetDefaultSystem(system string) { o.defaultSystem = system }

// RegisterTool adds a tool to the orchestrator's registry.
func (o *Orchestrator) RegisterTool(tool Tool) { o.registry.Register(tool) }

// turnState tracks the current state of one orchestrator run including
// phase, turn count, accumulated messages, and pending tool operations.
type turnState struct {
	Phase           LoopPhase
	Turn            int
	TotalToolCalls  int
	Messages          []CompletionMessage
	PendingTools      []models.ToolCall
	AccumulatedText   string
	AccumulatedReason []models.ReasoningSpan
	AssistantMsgID    string

	// Emitter mirrors this run's lifecycle as AgentEvents to any registered
	// plugins (tracing, replay, stats). It is independent of the
	// RuntimeEvent/ResponseChunk vocabulary streamed to the caller.
	Emitter *EventEmitter
}

// Run executes the turn loop and streams results through a channel. The
// channel is closed when the run completes, is interrupted, or errors.
func (o *Orchestrator) Run(ctx context.Context, session *models.Session, msg *models.Message) (<-chan *ResponseChunk, error) {
	if o.provider == nil {
		return nil, ErrNoProvider
	}
	if session == nil {
		return nil, errors.New("session is nil")
	}
	if msg == nil {
		return nil, errors.New("message is nil")
	}
	if o.sessions == nil {
		return nil, errors.New("no session store configured")
	}

	runCtx := ctx
	var cancel context.CancelFunc
	if o.config.MaxWallTime > 0 {
		runCtx, cancel = context.WithTimeout(ctx, o.config.MaxWallTime)
	}
	runCtx = WithSession(runCtx, session)

	unlock := o.lockSession(session.ID)

	chunks := make(chan *ResponseChunk, processBufferSize)

	go func() {
		defer close(chunks)
		defer unlock()
		if cancel != nil {
			defer cancel()
		}

		runID := session.ID + "-" + msg.ID
		state := &turnState{Phase: PhaseInit, Emitter: NewEventEmitter(runID, NewPluginSink(o.plugins))}
		state.Emitter.RunStarted(runCtx)

		if err := o.initializeState(runCtx, session, msg, state); err != nil {
			state.Emitter.RunError(runCtx, err, false)
			chunks <- &ResponseChunk{Error: &LoopError{Phase: PhaseInit, Kind: KindProviderTransport, Cause: err}}
			return
		}

		if err := o.persistInboundMessage(runCtx, session, msg); err != nil {
			state.Emitter.RunError(runCtx, err, false)
			chunks <- &ResponseChunk{Error: &LoopError{Phase: PhaseInit, Kind: KindPersistenceError, Cause: err}}
			return
		}

		session.AgentState = models.AgentStateIdle
		steeringQueue := SteeringQueueFromContext(runCtx)

		for state.Turn < o.config.MaxTurns {
			select {
			case <-runCtx.Done():
				o.emitInterrupt(runCtx, chunks, state, InterruptCancelled)
				return
			default:
			}

			state.Emitter.SetTurn(state.Turn)
			state.Emitter.IterStarted(runCtx)
			chunks <- &ResponseChunk{Event: &models.RuntimeEvent{Type: models.EventTurnStart, Iteration: state.Turn}}

			state.Phase = PhaseStream
			session.AgentState = models.AgentStateStreaming
			toolCalls, err := o.streamPhase(runCtx, state, chunks)
			if err != nil {
				state.Emitter.RunError(runCtx, err, false)
				chunks <- &ResponseChunk{Error: &LoopError{Phase: PhaseStream, Iteration: state.Turn, Kind: KindProviderTransport, Cause: err}}
				return
			}

			if o.config.MaxToolCalls > 0 && state.TotalToolCalls+len(toolCalls) > o.config.MaxToolCalls {
				err := fmt.Errorf("tool calls exceed maximum of %d for run", o.config.MaxToolCalls)
				state.Emitter.RunError(runCtx, err, false)
				chunks <- &ResponseChunk{Error: &LoopError{Phase: PhaseStream, Iteration: state.Turn, Kind: KindWireInvariantViolation, Cause: err}}
				return
			}
			state.TotalToolCalls += len(toolCalls)

			assistantMsgID, err := o.persistAssistantMessage(runCtx, session, state, toolCalls)
			if err != nil {
				state.Emitter.RunError(runCtx, err, false)
				chunks <- &ResponseChunk{Error: &LoopError{Phase: PhaseStream, Iteration: state.Turn, Kind: KindPersistenceError, Cause: err}}
				return
			}
			state.AssistantMsgID = assistantMsgID
			o.persistToolCallEvents(runCtx, session, assistantMsgID, toolCalls)

			session.TurnCounter++
			if err := o.sessions.Update(runCtx, session); err != nil {
				state.Emitter.RunError(runCtx, err, false)
				chunks <- &ResponseChunk{Error: &LoopError{Phase: PhaseStream, Iteration: state.Turn, Kind: KindPersistenceError, Cause: err}}
				return
			}

			if len(toolCalls) == 0 {
				state.AccumulatedText = ""
				if steeringQueue != nil {
					if followUps := steeringQueue.GetFollowUpMessages(); len(followUps) > 0 {
						for _, followUp := range followUps {
							role := followUp.Role
							if role == "" {
								role = "user"
							}
							state.Messages = append(state.Messages, CompletionMessage{
								Role:        role,
								Content:     followUp.Content,
								Attachments: followUp.Attachments,
							})
						}
						state.Turn++
						continue
					}
				}
				state.Phase = PhaseComplete
				session.AgentState = models.AgentStateIdle
				_ = o.sessions.Update(runCtx, session)
				state.Emitter.IterFinished(runCtx)
				state.Emitter.RunFinished(runCtx, nil)
				chunks <- &ResponseChunk{Event: &models.RuntimeEvent{Type: models.EventComplete, Iteration: state.Turn}}
				return
			}

			state.Phase = PhaseExecuteTools
			state.PendingTools = toolCalls
			session.AgentState = models.AgentStateToolExecuting
			_ = o.sessions.Update(runCtx, session)

			toolResults, interrupted := o.executeToolsPhase(runCtx, session, state, chunks)
			if err := o.persistToolMessage(runCtx, session, toolCalls, toolResults); err != nil {
				state.Emitter.RunError(runCtx, err, false)
				chunks <- &ResponseChunk{Error: &LoopError{Phase: PhaseExecuteTools, Iteration: state.Turn, Kind: KindPersistenceError, Cause: err}}
				return
			}
			if interrupted {
				o.emitInterrupt(runCtx, chunks, state, InterruptRepeatedFailure)
				return
			}

			state.Phase = PhaseContinue
			o.continuePhase(state, toolCalls, toolResults)

			if steeringQueue != nil {
				if steeringMsgs := steeringQueue.GetSteeringMessages(); len(steeringMsgs) > 0 {
					skipRemaining := false
					for _, steering := range steeringMsgs {
						role := steering.Role
						if role == "" {
							role = "user"
						}
						state.Messages = append(state.Messages, CompletionMessage{
							Role:        role,
							Content:     steering.Content,
							Attachments: steering.Attachments,
						})
						if steering.SkipRemainingTools {
							skipRemaining = true
						}
					}
					if skipRemaining {
						state.Turn++
						continue
					}
				}
			}

			state.Emitter.IterFinished(runCtx)
			state.Turn++
		}

		o.emitInterrupt(runCtx, chunks, state, InterruptMaxTurnsReached)
	}()

	return chunks, nil
}

func (o *Orchestrator) emitInterrupt(ctx context.Context, chunks chan<- *ResponseChunk, state *turnState, reason models.InterruptReason) {
	if reason == InterruptCancelled {
		state.Emitter.RunCancelled(ctx)
	} else {
		state.Emitter.RunError(ctx, fmt.Errorf("run interrupted: %s", reason), false)
	}
	chunks <- &ResponseChunk{Event: (&models.RuntimeEvent{
		Type:      models.EventInterrupt,
		Iteration: state.Turn,
	}).WithMeta("reason", reason)}
}

// initializeState loads conversation history and seeds the completion
// message list, flattening canonical Blocks content into the wire shape the
// provider adapters expect.
func (o *Orchestrator) initializeState(ctx context.Context, session *models.Session, msg *models.Message, state *turnState) error {
	history, err := o.sessions.GetHistory(ctx, session.ID, 50)
	if err != nil {
		return fmt.Errorf("failed to get history: %w", err)
	}

	history = repairTranscript(history)

	state.Messages = make([]CompletionMessage, 0, len(history)+1)
	for _, m := range history {
		text, reasoning, calls, results := models.FlattenBlocks(m.Content)
		state.Messages = append(state.Messages, CompletionMessage{
			Role:        string(m.Role),
			Content:     text,
			ToolCalls:   calls,
			ToolResults: results,
			Reasoning:   reasoning,
		})
	}

	role := msg.Role
	if role == "" {
		role = models.RoleUser
	}
	text, _, _, _ := models.FlattenBlocks(msg.Content)
	state.Messages = append(state.Messages, CompletionMessage{Role: string(role), Content: text})

	return nil
}

func (o *Orchestrator) streamPhase(ctx context.Context, state *turnState, chunks chan<- *ResponseChunk) ([]models.ToolCall, error) {
	tools := o.registry.AsLLMTools()
	if resolver, toolPolicy, ok := toolPolicyFromContext(ctx); ok {
		tools = filterToolsByPolicy(resolver, toolPolicy, tools)
	}

	req := &CompletionRequest{
		Model:     o.defaultModel,
		System:    o.defaultSystem,
		Messages:  state.Messages,
		Tools:     tools,
		MaxTokens: o.config.MaxTokens,
	}

	if system, ok := systemPromptFromContext(ctx); ok {
		req.System = system
	}
	if model, ok := modelFromContext(ctx); ok {
		req.Model = model
	}
	if thinkingLevel := ThinkingLevelFromContext(ctx); thinkingLevel != ThinkingOff {
		if budget := GetThinkingBudget(thinkingLevel); budget > 0 {
			req.EnableThinking = true
			req.ThinkingBudgetTokens = budget
		}
	}

	completionCtx := ctx
	if resolver := APIKeyResolverFromContext(ctx); resolver != nil {
		resolvedKey, keyErr := resolver(ctx, o.provider.Name())
		if keyErr != nil {
			return nil, fmt.Errorf("API key resolution failed: %w", keyErr)
		}
		if resolvedKey != "" {
			completionCtx = WithResolvedAPIKey(ctx, resolvedKey)
		}
	}

	completion, err := o.provider.Complete(completionCtx, req)
	if err != nil {
		return nil, err
	}

	state.AccumulatedReason = nil

	var toolCalls []models.ToolCall
	var textBuilder strings.Builder
	var reasoningBuilder strings.Builder
	var reasoningRedacted bool
	var reasoningOpaque strings.Builder

	for chunk := range completion {
		if chunk.Error != nil {
			return nil, chunk.Error
		}

		if chunk.ThinkingStart {
			reasoningBuilder.Reset()
			reasoningOpaque.Reset()
			reasoningRedacted = false
			chunks <- &ResponseChunk{ThinkingStart: true}
		}
		if chunk.Thinking != "" {
			reasoningBuilder.WriteString(chunk.Thinking)
			chunks <- &ResponseChunk{Thinking: chunk.Thinking}
		}
		if chunk.ThinkingRedacted {
			reasoningRedacted = true
			reasoningOpaque.WriteString(chunk.ThinkingOpaque)
		}
		if chunk.ThinkingEnd {
			if reasoningRedacted {
				state.AccumulatedReason = append(state.AccumulatedReason, models.ReasoningSpan{
					Redacted:   true,
					OpaqueBlob: reasoningOpaque.String(),
				})
			} else if reasoningBuilder.Len() > 0 {
				state.AccumulatedReason = append(state.AccumulatedReason, models.ReasoningSpan{
					Thinking:  reasoningBuilder.String(),
					Signature: chunk.ThinkingSignature,
				})
			}
			chunks <- &ResponseChunk{ThinkingEnd: true}
		}

		if chunk.Text != "" {
			if textBuilder.Len()+len(chunk.Text) > MaxResponseTextSize {
				return nil, fmt.Errorf("response text exceeds maximum size of %d bytes", MaxResponseTextSize)
			}
			textBuilder.WriteString(chunk.Text)
			state.Emitter.ModelDelta(ctx, chunk.Text)
			chunks <- &ResponseChunk{Text: chunk.Text}
		}

		if chunk.ToolCall != nil {
			if len(toolCalls) >= MaxToolCallsPerIteration {
				return nil, fmt.Errorf("tool calls exceed maximum of %d per iteration", MaxToolCallsPerIteration)
			}
			toolCalls = append(toolCalls, *chunk.ToolCall)
		}

		if chunk.Done {
			state.Emitter.ModelCompleted(ctx, o.provider.Name(), req.Model, chunk.InputTokens, chunk.OutputTokens)
			chunks <- &ResponseChunk{Event: (&models.RuntimeEvent{Type: models.EventUsage}).
				WithMeta("input_tokens", chunk.InputTokens).
				WithMeta("output_tokens", chunk.OutputTokens)}
		}
	}

	state.AccumulatedText = textBuilder.String()
	return toolCalls, nil
}

// executeToolsPhase runs pending tool calls strictly in emission order
// through policy/approval gating, then ToolExecutor.ExecuteSequentially. It
// returns true if a repeated identical failure tripped the interrupt.
func (o *Orchestrator) executeToolsPhase(ctx context.Context, session *models.Session, state *turnState, chunks chan<- *ResponseChunk) ([]models.ToolResult, bool) {
	if len(state.PendingTools) == 0 {
		return nil, false
	}

	resolver, toolPolicy, hasPolicy := toolPolicyFromContext(ctx)
	approvalChecker := o.config.ApprovalChecker
	elevatedMode := ElevatedFromContext(ctx)

	results := make([]models.ToolResult, len(state.PendingTools))
	toExecute := make([]models.ToolCall, 0, len(state.PendingTools))
	toExecuteIdx := make([]int, 0, len(state.PendingTools))

	for i, tc := range state.PendingTools {
		o.emitToolEvent(chunks, &models.ToolEvent{ToolCallID: tc.ID, ToolName: tc.Name, Stage: models.ToolEventRequested, Input: tc.Input})

		if hasPolicy && !resolver.IsAllowed(toolPolicy, tc.Name) {
			res := models.ToolResult{ToolCallID: tc.ID, Content: "tool not allowed: " + tc.Name, IsError: true}
			results[i] = res
			o.emitToolEvent(chunks, &models.ToolEvent{ToolCallID: tc.ID, ToolName: tc.Name, Stage: models.ToolEventDenied, Error: res.Content, PolicyReason: "tool not allowed by policy", FinishedAt: time.Now()})
			o.persistToolResultEvent(ctx, session, state.AssistantMsgID, tc, res, resolver)
			continue
		}

		if approvalChecker != nil {
			decision, reason := approvalChecker.Check(ctx, session.ID, tc)
			if decision == ApprovalPending && elevatedMode == ElevatedFull && matchesToolPatterns(o.config.ElevatedTools, tc.Name, resolver) {
				decision, reason = ApprovalAllowed, "elevated full"
			}
			switch decision {
			case ApprovalDenied:
				res := models.ToolResult{ToolCallID: tc.ID, Content: "tool denied by approval policy: " + reason, IsError: true}
				results[i] = res
				o.emitToolEvent(chunks, &models.ToolEvent{ToolCallID: tc.ID, ToolName: tc.Name, Stage: models.ToolEventDenied, Error: res.Content, PolicyReason: reason, FinishedAt: time.Now()})
				o.persistToolResultEvent(ctx, session, state.AssistantMsgID, tc, res, resolver)
				continue
			case ApprovalPending:
				session.AgentState = models.AgentStateAwaitingApproval
				_ = o.sessions.Update(ctx, session)
				var approvalID string
				if req, err := approvalChecker.CreateApprovalRequest(ctx, session.ID, session.ID, tc, reason); err == nil && req != nil {
					approvalID = req.ID
				}
				content := "approval required for tool: " + tc.Name
				if approvalID != "" {
					content = fmt.Sprintf("%s (id: %s)", content, approvalID)
				}
				res := models.ToolResult{ToolCallID: tc.ID, Content: content, IsError: true}
				results[i] = res
				o.emitToolEvent(chunks, &models.ToolEvent{ToolCallID: tc.ID, ToolName: tc.Name, Stage: models.ToolEventApprovalRequired, Error: res.Content, PolicyReason: reason, FinishedAt: time.Now()})
				o.persistToolResultEvent(ctx, session, state.AssistantMsgID, tc, res, resolver)
				continue
			}
		} else if matchesToolPatterns(o.config.RequireApproval, tc.Name, resolver) {
			if !(elevatedMode == ElevatedFull && matchesToolPatterns(o.config.ElevatedTools, tc.Name, resolver)) {
				res := models.ToolResult{ToolCallID: tc.ID, Content: "approval required for tool: " + tc.Name, IsError: true}
				results[i] = res
				o.emitToolEvent(chunks, &models.ToolEvent{ToolCallID: tc.ID, ToolName: tc.Name, Stage: models.ToolEventApprovalRequired, Error: res.Content, FinishedAt: time.Now()})
				o.persistToolResultEvent(ctx, session, state.AssistantMsgID, tc, res, resolver)
				continue
			}
		}

		if o.isAsyncTool(tc.Name, resolver) && o.config.JobStore != nil {
			res := o.queueAsyncJob(tc)
			results[i] = res
			o.emitToolEvent(chunks, &models.ToolEvent{ToolCallID: tc.ID, ToolName: tc.Name, Stage: models.ToolEventSucceeded, Output: res.Content, FinishedAt: time.Now()})
			o.persistToolResultEvent(ctx, session, state.AssistantMsgID, tc, res, resolver)
			continue
		}

		toExecute = append(toExecute, tc)
		toExecuteIdx = append(toExecuteIdx, i)
	}

	for _, idx := range toExecuteIdx {
		tc := state.PendingTools[idx]
		o.emitToolEvent(chunks, &models.ToolEvent{ToolCallID: tc.ID, ToolName: tc.Name, Stage: models.ToolEventStarted, StartedAt: time.Now()})
		state.Emitter.ToolStarted(ctx, tc.ID, tc.Name, tc.Input)
	}

	interrupted := false
	execResults := o.toolExec.ExecuteSequentially(ctx, toExecute)
	for i, r := range execResults {
		origIdx := toExecuteIdx[i]
		tc := state.PendingTools[origIdx]
		res := r.Result
		if res.ToolCallID == "" {
			res.ToolCallID = tc.ID
		}
		results[origIdx] = res

		stage := models.ToolEventSucceeded
		if res.IsError {
			stage = models.ToolEventFailed
		}
		o.emitToolEvent(chunks, &models.ToolEvent{ToolCallID: res.ToolCallID, ToolName: tc.Name, Stage: stage, Output: res.Content, Error: errIfSet(res), FinishedAt: r.EndTime})
		state.Emitter.ToolFinished(ctx, res.ToolCallID, tc.Name, !res.IsError, []byte(res.Content), r.EndTime.Sub(r.StartTime))
		o.persistToolResultEvent(ctx, session, state.AssistantMsgID, tc, res, resolver)

		if res.IsError {
			sig := failureSignature(tc, res)
			count := o.failures.record(session.ID, sig)
			if count >= o.config.RepeatedFailureThreshold {
				interrupted = true
			}
		} else {
			o.failures.reset(session.ID)
		}
	}

	if o.config.StreamToolResults {
		for i := range results {
			chunks <- &ResponseChunk{ToolResult: &results[i]}
		}
	}

	return results, interrupted
}

func errIfSet(res models.ToolResult) string {
	if res.IsError {
		return res.Content
	}
	return ""
}

// failureSignature builds the repeated-failure fingerprint: tool name,
// a coarse content-based error fingerprint, and a hash of the call's
// arguments, so retrying the same failing call with the same arguments is
// distinguished from retrying with corrected arguments.
func failureSignature(tc models.ToolCall, res models.ToolResult) string {
	fingerprint := res.Content
	if len(fingerprint) > 120 {
		fingerprint = fingerprint[:120]
	}
	return fmt.Sprintf("%s|%s|%x", tc.Name, fingerprint, hashBytes(tc.Input))
}

func hashBytes(b []byte) uint32 {
	var h uint32 = 2166136261
	for _, c := range b {
		h ^= uint32(c)
		h *= 16777619
	}
	return h
}

// failureTracker counts consecutive identical tool-call failures per
// session so executeToolsPhase can trip InterruptRepeatedFailure instead of
// looping forever on a call the model keeps retrying unchanged.
type failureTracker struct {
	mu   sync.Mutex
	last map[string]string
	n    map[string]int
}

func newFailureTracker() *failureTracker {
	return &failureTracker{last: map[string]string{}, n: map[string]int{}}
}

func (f *failureTracker) record(sessionID, sig string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.last[sessionID] == sig {
		f.n[sessionID]++
	} else {
		f.last[sessionID] = sig
		f.n[sessionID] = 1
	}
	return f.n[sessionID]
}

func (f *failureTracker) reset(sessionID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.last, sessionID)
	delete(f.n, sessionID)
}

func (o *Orchestrator) continuePhase(state *turnState, toolCalls []models.ToolCall, toolResults []models.ToolResult) {
	state.Messages = append(state.Messages, CompletionMessage{
		Role:      "assistant",
		Content:   state.AccumulatedText,
		ToolCalls: toolCalls,
	})
	state.Messages = append(state.Messages, CompletionMessage{
		Role:        "tool",
		ToolResults: toolResults,
	})
	state.AccumulatedText = ""
	state.PendingTools = nil
}

func (o *Orchestrator) persistInboundMessage(ctx context.Context, session *models.Session, msg *models.Message) error {
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	if msg.SessionID == "" {
		msg.SessionID = session.ID
	}
	if msg.Role == "" {
		msg.Role = models.RoleUser
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now()
	}
	return o.sessions.AppendMessage(ctx, session.ID, msg)
}

func (o *Orchestrator) persistAssistantMessage(ctx context.Context, session *models.Session, state *turnState, toolCalls []models.ToolCall) (string, error) {
	content := models.Blocks{}
	for _, r := range state.AccumulatedReason {
		if r.Redacted {
			content = append(content, models.RedactedReasoningBlock{OpaqueBlob: r.OpaqueBlob})
		} else {
			content = append(content, models.ReasoningBlock{Thinking: r.Thinking, Signature: r.Signature})
		}
	}
	if state.AccumulatedText != "" {
		content = append(content, models.TextBlock{Text: state.AccumulatedText})
	}
	for _, tc := range toolCalls {
		content = append(content, models.ToolUseBlockFromCall(tc))
	}
	assistantMsg := &models.Message{
		ID:        uuid.NewString(),
		SessionID: session.ID,
		Role:      models.RoleAssistant,
		Content:   content,
		CreatedAt: time.Now(),
	}
	if err := o.sessions.AppendMessage(ctx, session.ID, assistantMsg); err != nil {
		return "", err
	}
	return assistantMsg.ID, nil
}

func (o *Orchestrator) persistToolMessage(ctx context.Context, session *models.Session, toolCalls []models.ToolCall, toolResults []models.ToolResult) error {
	if len(toolResults) == 0 {
		return nil
	}
	resolver, _, _ := toolPolicyFromContext(ctx)
	guarded := guardToolResults(o.config.ToolResultGuard, toolCalls, toolResults, resolver)

	content := make(models.Blocks, 0, len(guarded))
	for _, res := range guarded {
		content = append(content, models.ToolResultBlockFromResult(res))
	}
	toolMsg := &models.Message{
		ID:        uuid.NewString(),
		SessionID: session.ID,
		Role:      models.RoleTool,
		Content:   content,
		CreatedAt: time.Now(),
	}
	return o.sessions.AppendMessage(ctx, session.ID, toolMsg)
}

func (o *Orchestrator) emitToolEvent(chunks chan<- *ResponseChunk, event *models.ToolEvent) {
	if o.config.DisableToolEvents || event == nil {
		return
	}
	chunks <- &ResponseChunk{ToolEvent: event}
}

func (o *Orchestrator) persistToolCallEvents(ctx context.Context, session *models.Session, assistantMsgID string, toolCalls []models.ToolCall) {
	if o.config.ToolEvents == nil || session == nil {
		return
	}
	for i := range toolCalls {
		tc := toolCalls[i]
		_ = o.config.ToolEvents.AddToolCall(ctx, session.ID, assistantMsgID, &tc)
	}
}

func (o *Orchestrator) persistToolResultEvent(ctx context.Context, session *models.Session, assistantMsgID string, tc models.ToolCall, res models.ToolResult, resolver *policy.Resolver) {
	if o.config.ToolEvents == nil || session == nil {
		return
	}
	guarded := guardToolResult(o.config.ToolResultGuard, tc.Name, res, resolver)
	_ = o.config.ToolEvents.AddToolResult(ctx, session.ID, assistantMsgID, &tc, &guarded)
}

func (o *Orchestrator) isAsyncTool(name string, resolver *policy.Resolver) bool {
	return matchesToolPatterns(o.config.AsyncTools, name, resolver)
}

func (o *Orchestrator) queueAsyncJob(tc models.ToolCall) models.ToolResult {
	job := &jobs.Job{
		ID:         uuid.NewString(),
		ToolName:   tc.Name,
		ToolCallID: tc.ID,
		Status:     jobs.StatusQueued,
		CreatedAt:  time.Now(),
	}
	if o.config.JobStore != nil {
		_ = o.config.JobStore.Create(context.Background(), job)
	}

	payload, err := json.Marshal(map[string]any{"job_id": job.ID, "status": job.Status})
	res := models.ToolResult{ToolCallID: tc.ID}
	if err != nil {
		res.Content = fmt.Sprintf("failed to encode job payload: %v", err)
		res.IsError = true
	} else {
		res.Content = string(payload)
	}

	if o.config.JobStore != nil {
		select {
		case o.jobSem <- struct{}{}:
			go func() {
				defer func() { <-o.jobSem }()
				o.runToolJob(tc, job)
			}()
		default:
			go o.runToolJob(tc, job)
		}
	}

	return res
}

func (o *Orchestrator) runToolJob(tc models.ToolCall, job *jobs.Job) {
	if job == nil || o.config.JobStore == nil {
		return
	}
	ctx := context.Background()
	job.Status = jobs.StatusRunning
	job.StartedAt = time.Now()
	_ = o.config.JobStore.Update(ctx, job)

	result, err := o.toolExec.ExecuteSingle(ctx, tc.Name, tc.Input)
	if err != nil {
		job.Status = jobs.StatusFailed
		job.Error = err.Error()
		job.FinishedAt = time.Now()
		_ = o.config.JobStore.Update(ctx, job)
		return
	}

	res := models.ToolResult{ToolCallID: tc.ID, Content: result.Content, IsError: result.IsError}
	if res.IsError {
		job.Status = jobs.StatusFailed
		job.Error = res.Content
	} else {
		job.Status = jobs.StatusSucceeded
		job.Result = &res
	}
	job.FinishedAt = time.Now()
	_ = o.config.JobStore.Update(ctx, job)
}
