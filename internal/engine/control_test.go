package engine

import (
	"context"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/xela07ax/agentvm-trust/internal/audit"
	"github.com/xela07ax/agentvm-trust/internal/domain"
)

func TestHeartbeatRunning(t *testing.T) {
	f := newFixture(t)

	require.NoError(t, f.control.Heartbeat(t.Context(), goodCreds()))
	assert.Equal(t, 1, f.agents.heartbeats)
	assert.Equal(t, audit.EventHeartbeat, f.auditor.last().Type)
}

func TestHeartbeatRejectedOutsideRunning(t *testing.T) {
	for _, s := range []domain.AgentStatus{
		domain.StatusPending, domain.StatusProvisioning, domain.StatusSuspended,
		domain.StatusStopped, domain.StatusFailed, domain.StatusLegacyCancelled,
	} {
		t.Run(string(s), func(t *testing.T) {
			a := runningAgent()
			a.Status = s
			f := newFixture(t, a)

			err := f.control.Heartbeat(t.Context(), goodCreds())
			assert.ErrorIs(t, err, ErrStatusNotAllowed)
			assert.Zero(t, f.agents.heartbeats)
		})
	}
}

// racingAgents меняет статус между проверкой guard'а и записью heartbeat.
type racingAgents struct {
	*memAgents
}

func (r racingAgents) TouchHeartbeat(ctx context.Context, id string) error {
	r.setStatus(id, domain.StatusSuspended)
	return r.memAgents.TouchHeartbeat(ctx, id)
}

func TestHeartbeatLosesRaceWithStatusChange(t *testing.T) {
	f := newFixture(t)
	racing := racingAgents{f.agents}
	control := NewAgentControl(f.guard, racing, f.secrets, f.crypto, f.revoked, f.auditor, f.metrics, zap.NewNop())

	err := control.Heartbeat(t.Context(), goodCreds())
	assert.ErrorIs(t, err, ErrStatusNotAllowed)
	assert.Zero(t, f.agents.heartbeats)
}

func TestReportStatusTransitions(t *testing.T) {
	f := newFixture(t)

	agent, err := f.control.ReportStatus(t.Context(), goodCreds(), domain.StatusStopped)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusStopped, agent.Status)

	// Перезапуск VM
	agent, err = f.control.ReportStatus(t.Context(), goodCreds(), domain.StatusRunning)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusRunning, agent.Status)

	assert.Equal(t, []string{"running->stopped", "stopped->running"}, f.agents.transitions)
	ev := f.auditor.last()
	assert.Equal(t, audit.EventStatusTransition, ev.Type)
	assert.Equal(t, "stopped", ev.Detail["from"])
	assert.False(t, f.revoked.IsRevoked(testAgentID))
}

func TestReportStatusCannotLiftSuspension(t *testing.T) {
	a := runningAgent()
	a.Status = domain.StatusSuspended
	f := newFixture(t, a)

	for _, next := range []domain.AgentStatus{domain.StatusRunning, domain.StatusStopped} {
		_, err := f.control.ReportStatus(t.Context(), goodCreds(), next)
		assert.ErrorIs(t, err, ErrStatusNotAllowed, next)
	}
	assert.Empty(t, f.agents.transitions)
	assert.Equal(t, audit.EventStatusRejected, f.auditor.last().Type)
}

func TestReportStatusVMMaySuspendItself(t *testing.T) {
	f := newFixture(t)

	agent, err := f.control.ReportStatus(t.Context(), goodCreds(), domain.StatusSuspended)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusSuspended, agent.Status)
}

func TestReportStatusRejectsInvalidTransition(t *testing.T) {
	f := newFixture(t)

	_, err := f.control.ReportStatus(t.Context(), goodCreds(), domain.StatusPending)
	assert.ErrorIs(t, err, domain.ErrInvalidTransition)
	assert.Empty(t, f.agents.transitions)
	assert.Equal(t, audit.OutcomeDenied, f.auditor.last().Outcome)

	// Устаревшие значения никогда не записываются
	_, err = f.control.ReportStatus(t.Context(), goodCreds(), domain.StatusLegacyCompleted)
	assert.ErrorIs(t, err, domain.ErrInvalidTransition)
}

func TestReportStatusTerminalRevokes(t *testing.T) {
	f := newFixture(t)

	_, err := f.control.ReportStatus(t.Context(), goodCreds(), domain.StatusFailed)
	require.NoError(t, err)
	assert.True(t, f.revoked.IsRevoked(testAgentID))

	// Дальше агент не проходит даже до интроспекции
	_, err = f.control.ReportStatus(t.Context(), goodCreds(), domain.StatusRunning)
	assert.ErrorIs(t, err, ErrAgentRevoked)
}

func TestReportStatusFromFailedIsRejected(t *testing.T) {
	a := runningAgent()
	a.Status = domain.StatusFailed
	f := newFixture(t, a)

	_, err := f.control.ReportStatus(t.Context(), goodCreds(), domain.StatusRunning)
	assert.ErrorIs(t, err, ErrStatusNotAllowed)
}

func TestFetchSecret(t *testing.T) {
	f := newFixture(t)
	f.storeSecret(t, testUserID, testUserID, "openai", "sk-live-123")

	plaintext, err := f.control.FetchSecret(t.Context(), goodCreds(), "openai")
	require.NoError(t, err)
	assert.Equal(t, "sk-live-123", string(plaintext))

	ev := f.auditor.last()
	assert.Equal(t, audit.EventSecretAccessed, ev.Type)
	assert.Equal(t, audit.OutcomeAllowed, ev.Outcome)
	assert.Equal(t, "openai", ev.Detail["tool"])
}

func TestFetchSecretRelocatedEnvelopeFails(t *testing.T) {
	f := newFixture(t)
	// Конверт другого пользователя, подложенный в запись нашего
	f.storeSecret(t, testUserID, "user-2", "openai", "sk-foreign")

	_, err := f.control.FetchSecret(t.Context(), goodCreds(), "openai")
	assert.ErrorIs(t, err, domain.ErrDecryptFailed)
	assert.Equal(t, http.StatusUnprocessableEntity, HTTPStatus(err))
	assert.Equal(t, "decrypt_failed", ErrorCode(err))
	assert.Equal(t, audit.OutcomeFailed, f.auditor.last().Outcome)
}

func TestFetchSecretRequiresRunning(t *testing.T) {
	a := runningAgent()
	a.Status = domain.StatusStopped
	f := newFixture(t, a)
	f.storeSecret(t, testUserID, testUserID, "openai", "sk-live-123")

	_, err := f.control.FetchSecret(t.Context(), goodCreds(), "openai")
	assert.ErrorIs(t, err, ErrStatusNotAllowed)
}

func TestFetchSecretMissing(t *testing.T) {
	f := newFixture(t)

	_, err := f.control.FetchSecret(t.Context(), goodCreds(), "github")
	assert.ErrorIs(t, err, domain.ErrSecretNotFound)

	_, err = f.control.FetchSecret(t.Context(), goodCreds(), "")
	assert.ErrorIs(t, err, domain.ErrMalformedRequest)
}
