package auth_test

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/xela07ax/agentvm-trust/internal/domain"
	"github.com/xela07ax/agentvm-trust/internal/infra/auth"
)

const (
	testAudience = "https://gateway.example.com"
	testAgentID  = "abcdef1234567890"
)

var testNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func validClaims() map[string]any {
	return map[string]any{
		"iss":   "https://accounts.google.com",
		"sub":   "109876543210",
		"aud":   testAudience,
		"azp":   "109876543210",
		"iat":   testNow.Add(-time.Minute).Unix(),
		"exp":   testNow.Add(time.Hour).Unix(),
		"email": "agent-runner@my-project.iam.gserviceaccount.com",
		"google": map[string]any{
			"compute_engine": map[string]any{
				"project_id":                  "my-project",
				"zone":                        "us-central1-a",
				"instance_id":                 "4242",
				"instance_name":               "agent-abcdef12",
				"instance_creation_timestamp": testNow.Add(-time.Hour).Unix(),
			},
		},
	}
}

// tokenInfoServer отвечает заданными claims и считает обращения.
type tokenInfoServer struct {
	*httptest.Server
	hits      atomic.Int32
	lastToken atomic.Value
}

func newTokenInfoServer(t *testing.T, status int, body any) *tokenInfoServer {
	t.Helper()
	s := &tokenInfoServer{}
	s.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.hits.Add(1)
		s.lastToken.Store(r.URL.Query().Get("id_token"))
		w.WriteHeader(status)
		switch b := body.(type) {
		case string:
			_, _ = w.Write([]byte(b))
		default:
			_ = json.NewEncoder(w).Encode(b)
		}
	}))
	t.Cleanup(s.Close)
	return s
}

func newVerifier(url string, logger *zap.Logger) *auth.IdentityVerifier {
	return auth.NewIdentityVerifier(auth.IdentityOptions{
		TokenInfoURL:         url,
		ServiceAccountPrefix: "agent-runner@",
		InstanceNamePrefix:   "agent-",
		Now:                  func() time.Time { return testNow },
		BreakerFailures:      2,
	}, logger)
}

func TestVerifyIdentityTokenAcceptsValidToken(t *testing.T) {
	srv := newTokenInfoServer(t, http.StatusOK, validClaims())
	v := newVerifier(srv.URL, zap.NewNop())

	res := v.VerifyIdentityToken(t.Context(), "tok-123", testAudience)
	require.True(t, res.Valid, "err: %v", res.Err)
	require.NotNil(t, res.Claims)
	assert.Equal(t, "agent-abcdef12", res.Claims.Instance().InstanceName)
	assert.Equal(t, "tok-123", srv.lastToken.Load())
}

func TestVerifyIdentityTokenAcceptsStringEpochs(t *testing.T) {
	claims := validClaims()
	claims["exp"] = "1772370000" // 2026-03-01T13:00:00Z
	claims["iat"] = "1772366400"
	srv := newTokenInfoServer(t, http.StatusOK, claims)

	res := newVerifier(srv.URL, zap.NewNop()).VerifyIdentityToken(t.Context(), "tok", testAudience)
	assert.True(t, res.Valid, "err: %v", res.Err)
}

func TestVerifyIdentityTokenRejections(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(map[string]any)
		want   error
	}{
		{"audience", func(c map[string]any) { c["aud"] = "https://other.example.com" }, domain.ErrAudienceMismatch},
		{"issuer", func(c map[string]any) { c["iss"] = "https://evil.example.com" }, domain.ErrIssuerMismatch},
		{"issuer_http", func(c map[string]any) { c["iss"] = "http://accounts.google.com" }, domain.ErrIssuerMismatch},
		{"service_account", func(c map[string]any) { c["email"] = "someone@gmail.com" }, domain.ErrServiceAccountMismatch},
		{"expired_31s", func(c map[string]any) { c["exp"] = testNow.Add(-31 * time.Second).Unix() }, domain.ErrTokenExpired},
		{"missing_email", func(c map[string]any) { delete(c, "email") }, domain.ErrClaimsParse},
		{"missing_exp", func(c map[string]any) { delete(c, "exp") }, domain.ErrClaimsParse},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			claims := validClaims()
			tc.mutate(claims)
			srv := newTokenInfoServer(t, http.StatusOK, claims)

			res := newVerifier(srv.URL, zap.NewNop()).VerifyIdentityToken(t.Context(), "tok", testAudience)
			assert.False(t, res.Valid)
			assert.Nil(t, res.Claims)
			assert.ErrorIs(t, res.Err, tc.want)
		})
	}
}

func TestVerifyIdentityTokenAudienceCheckedFirst(t *testing.T) {
	claims := validClaims()
	claims["aud"] = "wrong"
	claims["iss"] = "wrong"
	claims["exp"] = testNow.Add(-time.Hour).Unix()
	srv := newTokenInfoServer(t, http.StatusOK, claims)

	res := newVerifier(srv.URL, zap.NewNop()).VerifyIdentityToken(t.Context(), "tok", testAudience)
	assert.ErrorIs(t, res.Err, domain.ErrAudienceMismatch)
}

func TestVerifyIdentityTokenExpiryLeeway(t *testing.T) {
	for _, tc := range []struct {
		ago   time.Duration
		valid bool
	}{
		{29 * time.Second, true},
		{30 * time.Second, true},
		{31 * time.Second, false},
	} {
		claims := validClaims()
		claims["exp"] = testNow.Add(-tc.ago).Unix()
		srv := newTokenInfoServer(t, http.StatusOK, claims)

		res := newVerifier(srv.URL, zap.NewNop()).VerifyIdentityToken(t.Context(), "tok", testAudience)
		assert.Equal(t, tc.valid, res.Valid, "expired %s ago: %v", tc.ago, res.Err)
	}
}

func TestVerifyIdentityTokenExpiryLeewayIsInclusive(t *testing.T) {
	claims := validClaims()
	claims["exp"] = testNow.Add(-30 * time.Second).Unix()
	srv := newTokenInfoServer(t, http.StatusOK, claims)

	at := func(now time.Time) domain.VerificationResult {
		v := auth.NewIdentityVerifier(auth.IdentityOptions{
			TokenInfoURL:         srv.URL,
			ServiceAccountPrefix: "agent-runner@",
			InstanceNamePrefix:   "agent-",
			Now:                  func() time.Time { return now },
		}, zap.NewNop())
		return v.VerifyIdentityToken(t.Context(), "tok", testAudience)
	}

	assert.True(t, at(testNow).Valid)

	res := at(testNow.Add(500 * time.Millisecond))
	assert.False(t, res.Valid)
	assert.ErrorIs(t, res.Err, domain.ErrTokenExpired)
}

func TestVerifyIdentityTokenIssuerVariants(t *testing.T) {
	for _, iss := range []string{"accounts.google.com", "https://accounts.google.com"} {
		claims := validClaims()
		claims["iss"] = iss
		srv := newTokenInfoServer(t, http.StatusOK, claims)

		res := newVerifier(srv.URL, zap.NewNop()).VerifyIdentityToken(t.Context(), "tok", testAudience)
		assert.True(t, res.Valid, "issuer %s: %v", iss, res.Err)
	}
}

func TestVerifyIdentityTokenNon2xxCapturesStatusAndBody(t *testing.T) {
	srv := newTokenInfoServer(t, http.StatusBadRequest, `{"error":"invalid_token"}`)

	res := newVerifier(srv.URL, zap.NewNop()).VerifyIdentityToken(t.Context(), "tok", testAudience)
	require.False(t, res.Valid)
	assert.ErrorIs(t, res.Err, domain.ErrIntrospectionFailed)
	assert.Contains(t, res.Err.Error(), "400")
	assert.Contains(t, res.Err.Error(), "invalid_token")
}

func TestVerifyIdentityTokenGarbageBody(t *testing.T) {
	srv := newTokenInfoServer(t, http.StatusOK, "not json")

	res := newVerifier(srv.URL, zap.NewNop()).VerifyIdentityToken(t.Context(), "tok", testAudience)
	assert.False(t, res.Valid)
	assert.ErrorIs(t, res.Err, domain.ErrClaimsParse)
}

func TestVerifyIdentityTokenEmptyTokenMakesNoCall(t *testing.T) {
	srv := newTokenInfoServer(t, http.StatusOK, validClaims())

	res := newVerifier(srv.URL, zap.NewNop()).VerifyIdentityToken(t.Context(), "", testAudience)
	assert.False(t, res.Valid)
	assert.ErrorIs(t, res.Err, domain.ErrEmptyToken)
	assert.Zero(t, srv.hits.Load())
}

func TestVerifyIdentityTokenTransportFailureIsRejection(t *testing.T) {
	srv := newTokenInfoServer(t, http.StatusOK, validClaims())
	url := srv.URL
	srv.Close()

	res := newVerifier(url, zap.NewNop()).VerifyIdentityToken(t.Context(), "secret-token", testAudience)
	assert.False(t, res.Valid)
	assert.ErrorIs(t, res.Err, domain.ErrIntrospectionFailed)
	assert.NotContains(t, res.Err.Error(), "secret-token")
}

func TestVerifyIdentityTokenBreakerOpensOnServerErrors(t *testing.T) {
	srv := newTokenInfoServer(t, http.StatusInternalServerError, "boom")
	v := newVerifier(srv.URL, zap.NewNop())

	for range 2 {
		assert.False(t, v.VerifyIdentityToken(t.Context(), "tok", testAudience).Valid)
	}
	res := v.VerifyIdentityToken(t.Context(), "tok", testAudience)
	assert.False(t, res.Valid)
	assert.ErrorIs(t, res.Err, domain.ErrIntrospectionFailed)
	assert.EqualValues(t, 2, srv.hits.Load(), "open breaker must short-circuit")
}

func TestVerifyIdentityTokenClientRejectionsDoNotTripBreaker(t *testing.T) {
	srv := newTokenInfoServer(t, http.StatusBadRequest, "bad token")
	v := newVerifier(srv.URL, zap.NewNop())

	for range 4 {
		assert.False(t, v.VerifyIdentityToken(t.Context(), "tok", testAudience).Valid)
	}
	assert.EqualValues(t, 4, srv.hits.Load())
}

func TestExpectedInstanceName(t *testing.T) {
	v := newVerifier("http://unused", zap.NewNop())
	assert.Equal(t, "agent-abcdef12", v.ExpectedInstanceName(testAgentID))
	assert.Equal(t, "agent-abc", v.ExpectedInstanceName("abc"))
	assert.Equal(t, "vm-12345678", auth.ExpectedInstanceName("vm-", "123456789"))
}

func mustClaims(t *testing.T, raw map[string]any) *domain.IdentityClaims {
	t.Helper()
	b, err := json.Marshal(raw)
	require.NoError(t, err)
	var c domain.IdentityClaims
	require.NoError(t, json.Unmarshal(b, &c))
	return &c
}

func TestExtractAgentIDBindsToInstance(t *testing.T) {
	core, logs := observer.New(zapcore.WarnLevel)
	v := newVerifier("http://unused", zap.New(core))

	id, ok := v.ExtractAgentID(testAgentID, mustClaims(t, validClaims()))
	assert.True(t, ok)
	assert.Equal(t, testAgentID, id)
	assert.Zero(t, logs.Len())
}

func TestExtractAgentIDRejectsMismatchAndLogs(t *testing.T) {
	core, logs := observer.New(zapcore.WarnLevel)
	v := newVerifier("http://unused", zap.New(core))

	raw := validClaims()
	raw["google"].(map[string]any)["compute_engine"].(map[string]any)["instance_name"] = "agent-99999999"

	id, ok := v.ExtractAgentID(testAgentID, mustClaims(t, raw))
	assert.False(t, ok)
	assert.Empty(t, id)

	entries := logs.FilterMessage("instance name mismatch").All()
	require.Len(t, entries, 1)
	fields := entries[0].ContextMap()
	assert.Equal(t, "agent-abcdef12", fields["expected_instance"])
	assert.Equal(t, "agent-99999999", fields["observed_instance"])
	assert.Equal(t, zapcore.WarnLevel, entries[0].Level)
}

func TestExtractAgentIDFailsClosedWithoutInstance(t *testing.T) {
	v := newVerifier("http://unused", zap.NewNop())

	raw := validClaims()
	delete(raw, "google")
	_, ok := v.ExtractAgentID(testAgentID, mustClaims(t, raw))
	assert.False(t, ok)

	raw["google"] = map[string]any{"compute_engine": map[string]any{"zone": "us-central1-a"}}
	_, ok = v.ExtractAgentID(testAgentID, mustClaims(t, raw))
	assert.False(t, ok)
}

func TestExtractAgentIDRequiresRequestAgentID(t *testing.T) {
	v := newVerifier("http://unused", zap.NewNop())

	_, ok := v.ExtractAgentID("", mustClaims(t, validClaims()))
	assert.False(t, ok)
	_, ok = v.ExtractAgentID(testAgentID, nil)
	assert.False(t, ok)
}

func TestValidateInstanceForAgentNilClaims(t *testing.T) {
	v := newVerifier("http://unused", zap.NewNop())

	assert.NotPanics(t, func() {
		assert.False(t, v.ValidateInstanceForAgent(testAgentID, nil))
	})
}

func TestExtractAgentIDDoesNotAcceptPrefixCollisionFromOtherAgent(t *testing.T) {
	v := newVerifier("http://unused", zap.NewNop())
	other := strings.Replace(testAgentID, "abcdef12", "abcdef13", 1)

	_, ok := v.ExtractAgentID(other, mustClaims(t, validClaims()))
	assert.False(t, ok)
}
