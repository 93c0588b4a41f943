package engine

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/xela07ax/agentvm-trust/internal/audit"
	"github.com/xela07ax/agentvm-trust/internal/domain"
	"github.com/xela07ax/agentvm-trust/internal/envelope"
	"github.com/xela07ax/agentvm-trust/internal/infra/auth"
	"github.com/xela07ax/agentvm-trust/internal/infra/kms"
)

const (
	testAudience = "https://gateway.example.com"
	testAgentID  = "abcdef1234567890"
	testUserID   = "user-1"
	testKeyName  = "projects/p/locations/global/keyRings/agents/cryptoKeys/secrets"

	goodToken    = "Bearer good-vm-token"
	foreignToken = "Bearer other-vm-token"
)

var testNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func claimsFor(instanceName string) map[string]any {
	return map[string]any{
		"iss":   "https://accounts.google.com",
		"sub":   "109876543210",
		"aud":   testAudience,
		"iat":   testNow.Add(-time.Minute).Unix(),
		"exp":   testNow.Add(time.Hour).Unix(),
		"email": "agent-runner@my-project.iam.gserviceaccount.com",
		"google": map[string]any{
			"compute_engine": map[string]any{
				"project_id":    "my-project",
				"zone":          "us-central1-a",
				"instance_id":   "4242",
				"instance_name": instanceName,
			},
		},
	}
}

// newTokenInfo поднимает фейковую интроспекцию. good-vm-token принадлежит VM агента testAgentID,
// other-vm-token валиден, но выдан другой VM; прочие токены отклоняются.
func newTokenInfo(t *testing.T) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Query().Get("id_token") {
		case "good-vm-token":
			_ = json.NewEncoder(w).Encode(claimsFor("agent-abcdef12"))
		case "other-vm-token":
			_ = json.NewEncoder(w).Encode(claimsFor("agent-99999999"))
		default:
			w.WriteHeader(http.StatusBadRequest)
			_, _ = w.Write([]byte(`{"error":"invalid_token"}`))
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func newTestVerifier(t *testing.T) *auth.IdentityVerifier {
	return auth.NewIdentityVerifier(auth.IdentityOptions{
		TokenInfoURL:         newTokenInfo(t).URL,
		ServiceAccountPrefix: "agent-runner@",
		InstanceNamePrefix:   "agent-",
		Now:                  func() time.Time { return testNow },
	}, zap.NewNop())
}

type memAgents struct {
	mu          sync.Mutex
	agents      map[string]*domain.Agent
	heartbeats  int
	loadErr     error
	transitions []string
}

func newMemAgents(agents ...*domain.Agent) *memAgents {
	m := &memAgents{agents: map[string]*domain.Agent{}}
	for _, a := range agents {
		m.agents[a.ID] = a
	}
	return m
}

func (m *memAgents) GetAgent(_ context.Context, id string) (*domain.Agent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.loadErr != nil {
		return nil, m.loadErr
	}
	a, ok := m.agents[id]
	if !ok {
		return nil, domain.ErrAgentNotFound
	}
	cp := *a
	return &cp, nil
}

func (m *memAgents) TouchHeartbeat(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.agents[id]
	if !ok || a.Status != domain.StatusRunning || a.IsDeleted() {
		return domain.ErrStatusConflict
	}
	now := testNow
	a.LastHeartbeatAt = &now
	m.heartbeats++
	return nil
}

func (m *memAgents) TransitionStatus(_ context.Context, id string, from, to domain.AgentStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.agents[id]
	if !ok || a.Status != from || a.IsDeleted() {
		return domain.ErrStatusConflict
	}
	a.Status = to
	m.transitions = append(m.transitions, string(from)+"->"+string(to))
	return nil
}

// setStatus имитирует параллельное изменение статуса.
func (m *memAgents) setStatus(id string, s domain.AgentStatus) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.agents[id].Status = s
}

type memSecrets struct {
	secrets map[string]*domain.Secret // userID/tool
}

func (m *memSecrets) Get(_ context.Context, userID, tool string) (*domain.Secret, error) {
	s, ok := m.secrets[userID+"/"+tool]
	if !ok {
		return nil, domain.ErrSecretNotFound
	}
	return s, nil
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

type fixture struct {
	agents   *memAgents
	secrets  *memSecrets
	auditor  *memAuditor
	revoked  *RevocationManager
	crypto   *envelope.Crypto
	verifier *auth.IdentityVerifier
	guard    *LifecycleGuard
	control  *AgentControl
	metrics  *Metrics
}

func runningAgent() *domain.Agent {
	return &domain.Agent{
		ID:           testAgentID,
		UserID:       testUserID,
		Name:         "repo-bot",
		Repository:   "org/repo",
		Status:       domain.StatusRunning,
		InstanceName: "agent-abcdef12",
	}
}

func newFixture(t *testing.T, agents ...*domain.Agent) *fixture {
	t.Helper()
	if len(agents) == 0 {
		agents = []*domain.Agent{runningAgent()}
	}

	km, err := kms.NewLocalKMS("")
	require.NoError(t, err)

	f := &fixture{
		agents:   newMemAgents(agents...),
		secrets:  &memSecrets{secrets: map[string]*domain.Secret{}},
		auditor:  &memAuditor{},
		crypto:   envelope.New(km, testKeyName, zap.NewNop()),
		verifier: newTestVerifier(t),
		metrics:  NewMetrics(nil),
	}
	f.revoked = NewRevocationManager(nil, nil, zap.NewNop())
	f.guard = NewLifecycleGuard(f.verifier, testAudience, f.agents, f.revoked, f.auditor, f.metrics, zap.NewNop())
	f.control = NewAgentControl(f.guard, f.agents, f.secrets, f.crypto, f.revoked, f.auditor, f.metrics, zap.NewNop())
	return f
}

// storeSecret шифрует value с AAD {userID, tool} и кладет под ключом owner/tool.
func (f *fixture) storeSecret(t *testing.T, owner, aadUser, tool, value string) {
	t.Helper()
	env, err := f.crypto.Encrypt(t.Context(), []byte(value), domain.AadContext{UserID: aadUser, ToolName: tool})
	require.NoError(t, err)
	f.secrets.secrets[owner+"/"+tool] = &domain.Secret{ID: "s-" + tool, UserID: owner, ToolName: tool, Envelope: *env}
}

func goodCreds() Credentials {
	return Credentials{AuthHeader: goodToken, AgentID: testAgentID}
}
