package service

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"sync"

	"github.com/xela07ax/agentvm-trust/internal/audit"
	"github.com/xela07ax/agentvm-trust/internal/domain"
)

type memAgentRepo struct {
	mu     sync.Mutex
	agents map[string]*domain.Agent
}

func newMemAgentRepo(agents ...*domain.Agent) *memAgentRepo {
	m := &memAgentRepo{agents: map[string]*domain.Agent{}}
	for _, a := range agents {
		m.agents[a.ID] = a
	}
	return m
}

func (m *memAgentRepo) GetAgentForUser(_ context.Context, userID, id string) (*domain.Agent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.agents[id]
	if !ok || a.UserID != userID || a.IsDeleted() {
		return nil, domain.ErrAgentNotFound
	}
	cp := *a
	return &cp, nil
}

func (m *memAgentRepo) ListAgents(_ context.Context, userID string) ([]*domain.Agent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*domain.Agent
	for _, a := range m.agents {
		if a.UserID == userID && !a.IsDeleted() {
			cp := *a
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (m *memAgentRepo) TransitionStatus(_ context.Context, id string, from, to domain.AgentStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.agents[id]
	if !ok || a.Status != from || a.IsDeleted() {
		return domain.ErrStatusConflict
	}
	a.Status = to
	return nil
}

func (m *memAgentRepo) SoftDelete(_ context.Context, userID, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.agents[id]
	if !ok || a.UserID != userID || a.IsDeleted() {
		return domain.ErrAgentNotFound
	}
	now := a.UpdatedAt
	a.DeletedAt = &now
	return nil
}

type recordingRevoker struct {
	revoked []string
	err     error
}

func (r *recordingRevoker) Revoke(_ context.Context, agentID string) error {
	r.revoked = append(r.revoked, agentID)
	return r.err
}

type memSecretRepo struct {
	mu      sync.Mutex
	secrets map[string]*domain.Secret // id
	seq     int
	// beforeReplace срабатывает перед compare-and-set (имитация гонки)
	beforeReplace func(id string)
	listErr       error
}

func newMemSecretRepo() *memSecretRepo {
	return &memSecretRepo{secrets: map[string]*domain.Secret{}}
}

func (m *memSecretRepo) find(userID, tool string) *domain.Secret {
	for _, s := range m.secrets {
		if s.UserID == userID && s.ToolName == tool {
			return s
		}
	}
	return nil
}

func (m *memSecretRepo) Upsert(_ context.Context, userID, toolName string, env *domain.EncryptedEnvelope) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s := m.find(userID, toolName); s != nil {
		s.Envelope = *env
		return nil
	}
	m.seq++
	id := fmt.Sprintf("s-%03d", m.seq)
	m.secrets[id] = &domain.Secret{ID: id, UserID: userID, ToolName: toolName, Envelope: *env}
	return nil
}

func (m *memSecretRepo) Get(_ context.Context, userID, toolName string) (*domain.Secret, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := m.find(userID, toolName)
	if s == nil {
		return nil, domain.ErrSecretNotFound
	}
	cp := *s
	return &cp, nil
}

func (m *memSecretRepo) List(_ context.Context, userID string) ([]domain.SecretMeta, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.SecretMeta
	for _, s := range m.secrets {
		if s.UserID == userID {
			out = append(out, domain.SecretMeta{ToolName: s.ToolName, KMSKeyVersion: s.Envelope.KMSKeyVersion})
		}
	}
	slices.SortFunc(out, func(a, b domain.SecretMeta) int { return strings.Compare(a.ToolName, b.ToolName) })
	return out, nil
}

func (m *memSecretRepo) Delete(_ context.Context, userID, toolName string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := m.find(userID, toolName)
	if s == nil {
		return domain.ErrSecretNotFound
	}
	delete(m.secrets, s.ID)
	return nil
}

func (m *memSecretRepo) ReplaceEnvelope(_ context.Context, id, oldWrappedDEK string, env *domain.EncryptedEnvelope) error {
	if m.beforeReplace != nil {
		m.beforeReplace(id)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.secrets[id]
	if !ok || s.Envelope.WrappedDEK != oldWrappedDEK {
		return domain.ErrSecretConflict
	}
	s.Envelope = *env
	return nil
}

func (m *memSecretRepo) ListBatch(_ context.Context, afterID string, limit int) ([]*domain.Secret, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.listErr != nil {
		return nil, m.listErr
	}
	ids := make([]string, 0, len(m.secrets))
	for id := range m.secrets {
		if id > afterID {
			ids = append(ids, id)
		}
	}
	slices.Sort(ids)
	if len(ids) > limit {
		ids = ids[:limit]
	}
	out := make([]*domain.Secret, 0, len(ids))
	for _, id := range ids {
		cp := *m.secrets[id]
		out = append(out, &cp)
	}
	return out, nil
}

type memAuditor struct {
	mu     sync.Mutex
	events []audit.SecurityEvent
}

func (m *memAuditor) Log(e audit.SecurityEvent) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, e)
}

func (m *memAuditor) last() audit.SecurityEvent {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.events) == 0 {
		return audit.SecurityEvent{}
	}
	return m.events[len(m.events)-1]
}
