package sessions

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/honeycomb-technologies/krusty/pkg/models"
)

// maxMessagesPerSession limits messages stored per session to prevent unbounded memory growth.
// When exceeded, old messages are trimmed to maintain the limit.
const maxMessagesPerSession = 1000

// MemoryStore provides an in-memory Store implementation for testing and local runs.
type MemoryStore struct {
	mu       sync.RWMutex
	sessions map[string]*models.Session
	messages map[string][]*models.Message
	plans    map[string]*models.Plan
	pinches  map[string]*models.PinchContext
}

// NewMemoryStore creates a new in-memory session store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		sessions: map[string]*models.Session{},
		messages: map[string][]*models.Message{},
		plans:    map[string]*models.Plan{},
		pinches:  map[string]*models.PinchContext{},
	}
}

func (m *MemoryStore) Create(ctx context.Context, session *models.Session) error {
	if session == nil {
		return errors.New("session is required")
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	clone := cloneSession(session)
	if clone.ID == "" {
		clone.ID = uuid.NewString()
	}
	if clone.CreatedAt.IsZero() {
		clone.CreatedAt = time.Now()
	}
	clone.UpdatedAt = clone.CreatedAt
	if clone.AgentState == "" {
		clone.AgentState = models.AgentStateIdle
	}
	if clone.WorkMode == "" {
		clone.WorkMode = models.WorkModeBuild
	}
	session.ID = clone.ID
	session.CreatedAt = clone.CreatedAt
	session.UpdatedAt = clone.UpdatedAt
	m.sessions[clone.ID] = clone
	return nil
}

func (m *MemoryStore) Get(ctx context.Context, id string) (*models.Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	session, ok := m.sessions[id]
	if !ok {
		return nil, ErrSessionNotFound
	}
	return cloneSession(session), nil
}

func (m *MemoryStore) Update(ctx context.Context, session *models.Session) error {
	if session == nil {
		return errors.New("session is required")
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	existing, ok := m.sessions[session.ID]
	if !ok {
		return ErrSessionNotFound
	}
	clone := cloneSession(session)
	clone.CreatedAt = existing.CreatedAt
	clone.UpdatedAt = time.Now()
	m.sessions[clone.ID] = clone
	return nil
}

func (m *MemoryStore) Delete(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.sessions[id]; !ok {
		return ErrSessionNotFound
	}
	delete(m.sessions, id)
	delete(m.messages, id)
	delete(m.plans, id)
	return nil
}

func (m *MemoryStore) List(ctx context.Context, opts ListOptions) ([]*models.Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]*models.Session, 0, len(m.sessions))
	for _, session := range m.sessions {
		out = append(out, cloneSession(session))
	}

	start := opts.Offset
	if start < 0 {
		start = 0
	}
	end := len(out)
	if opts.Limit > 0 && start+opts.Limit < end {
		end = start + opts.Limit
	}
	if start > len(out) {
		return []*models.Session{}, nil
	}
	return out[start:end], nil
}

func (m *MemoryStore) AppendMessage(ctx context.Context, sessionID string, msg *models.Message) error {
	if msg == nil {
		return errors.New("message is required")
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.sessions[sessionID]; !ok {
		return ErrSessionNotFound
	}
	clone := cloneMessage(msg)
	if clone.ID == "" {
		clone.ID = uuid.NewString()
	}
	if clone.CreatedAt.IsZero() {
		clone.CreatedAt = time.Now()
	}
	clone.SessionID = sessionID
	m.messages[sessionID] = append(m.messages[sessionID], clone)

	if len(m.messages[sessionID]) > maxMessagesPerSession {
		excess := len(m.messages[sessionID]) - maxMessagesPerSession
		m.messages[sessionID] = m.messages[sessionID][excess:]
	}
	return nil
}

func (m *MemoryStore) GetHistory(ctx context.Context, sessionID string, limit int) ([]*models.Message, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	limit = clampHistoryLimit(limit)
	messages := m.messages[sessionID]
	if len(messages) == 0 {
		return []*models.Message{}, nil
	}
	start := 0
	if len(messages) > limit {
		start = len(messages) - limit
	}
	out := make([]*models.Message, 0, len(messages)-start)
	for _, msg := range messages[start:] {
		out = append(out, cloneMessage(msg))
	}
	return out, nil
}

func (m *MemoryStore) GetPlan(ctx context.Context, sessionID string) (*models.Plan, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	plan, ok := m.plans[sessionID]
	if !ok {
		return nil, ErrNotFound
	}
	return clonePlan(plan), nil
}

func (m *MemoryStore) PutPlan(ctx context.Context, plan *models.Plan) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if plan == nil {
		return errors.New("plan is required")
	}
	if _, ok := m.sessions[plan.SessionID]; !ok {
		return ErrSessionNotFound
	}
	m.plans[plan.SessionID] = clonePlan(plan)
	return nil
}

func (m *MemoryStore) SavePinchContext(ctx context.Context, pc *models.PinchContext) error {
	if pc == nil {
		return errors.New("pinch context is required")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	clone := *pc
	m.pinches[pc.SourceSessionID] = &clone
	return nil
}

func (m *MemoryStore) GetPinchContext(ctx context.Context, sourceSessionID string) (*models.PinchContext, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	pc, ok := m.pinches[sourceSessionID]
	if !ok {
		return nil, ErrNotFound
	}
	clone := *pc
	return &clone, nil
}

func cloneSession(session *models.Session) *models.Session {
	if session == nil {
		return nil
	}
	clone := *session
	return &clone
}

func cloneMessage(msg *models.Message) *models.Message {
	if msg == nil {
		return nil
	}
	clone := *msg
	if len(msg.Content) > 0 {
		data, err := json.Marshal(msg.Content)
		if err == nil {
			var blocks models.Blocks
			if json.Unmarshal(data, &blocks) == nil {
				clone.Content = blocks
			}
		}
	}
	return &clone
}

func clonePlan(plan *models.Plan) *models.Plan {
	if plan == nil {
		return nil
	}
	data, err := json.Marshal(plan)
	if err != nil {
		clone := *plan
		return &clone
	}
	var clone models.Plan
	if err := json.Unmarshal(data, &clone); err != nil {
		fallback := *plan
		return &fallback
	}
	return &clone
}
