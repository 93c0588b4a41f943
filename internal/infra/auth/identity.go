package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	"github.com/xela07ax/agentvm-trust/internal/domain"
)

const (
	// expiryLeeway: допуск на рассинхрон часов, только в прошлое
	expiryLeeway = 30 * time.Second
	// instanceIDLen: сколько символов ID агента входит в имя VM
	instanceIDLen = 8
	// errorBodyCap: сколько байт тела ошибки интроспекции сохраняем в причине отказа
	errorBodyCap = 512
)

// allowedIssuers: единственные допустимые издатели identity-токенов GCE.
var allowedIssuers = map[string]struct{}{
	"accounts.google.com":         {},
	"https://accounts.google.com": {},
}

// IdentityOptions: явная конфигурация верификатора (без глобальных клиентов).
type IdentityOptions struct {
	TokenInfoURL         string
	ServiceAccountPrefix string
	InstanceNamePrefix   string
	HTTPClient           *http.Client
	Now                  func() time.Time

	// Предохранитель интроспекции: открытый CB = отказ в аутентификации
	BreakerFailures    uint32
	BreakerOpenTimeout time.Duration
	OnBreakerChange    func(name string, from, to gobreaker.State)
}

// IdentityVerifier аутентифицирует вызовы VM и привязывает их к одному агенту.
// Не хранит изменяемого состояния между вызовами (кроме счетчиков CB).
type IdentityVerifier struct {
	tokenInfoURL   string
	saPrefix       string
	instancePrefix string
	client         *http.Client
	now            func() time.Time
	cb             *gobreaker.CircuitBreaker
	logger         *zap.Logger
}

func NewIdentityVerifier(opts IdentityOptions, logger *zap.Logger) *IdentityVerifier {
	if opts.HTTPClient == nil {
		opts.HTTPClient = &http.Client{Timeout: 5 * time.Second}
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.BreakerFailures == 0 {
		opts.BreakerFailures = 5
	}
	if opts.BreakerOpenTimeout == 0 {
		opts.BreakerOpenTimeout = 30 * time.Second
	}

	failures := opts.BreakerFailures
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "token-introspection",
		MaxRequests: 1,
		Timeout:     opts.BreakerOpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= failures
		},
		// Отказ токена не является сбоем эндпоинта: CB должен считать только транспорт
		IsSuccessful: func(err error) bool {
			return err == nil || !errors.Is(err, domain.ErrIntrospectionFailed) || isClientRejection(err)
		},
		OnStateChange: opts.OnBreakerChange,
	})

	return &IdentityVerifier{
		tokenInfoURL:   opts.TokenInfoURL,
		saPrefix:       opts.ServiceAccountPrefix,
		instancePrefix: opts.InstanceNamePrefix,
		client:         opts.HTTPClient,
		now:            opts.Now,
		cb:             cb,
		logger:         logger.Named("identity"),
	}
}

// VerifyIdentityToken проверяет токен через внешний эндпоинт интроспекции.
// Никогда не возвращает ошибку наружу: любой сбой превращается в VerificationResult{Valid: false}.
func (v *IdentityVerifier) VerifyIdentityToken(ctx context.Context, token, expectedAudience string) domain.VerificationResult {
	if token == "" {
		return domain.Rejected(domain.ErrEmptyToken)
	}

	res, err := v.cb.Execute(func() (interface{}, error) {
		return v.introspect(ctx, token)
	})
	if err != nil {
		if !errors.Is(err, domain.ErrIntrospectionFailed) && !errors.Is(err, domain.ErrClaimsParse) {
			// gobreaker.ErrOpenState / ErrTooManyRequests
			err = fmt.Errorf("%w: %w", domain.ErrIntrospectionFailed, err)
		}
		return domain.Rejected(err)
	}
	claims := res.(*domain.IdentityClaims)

	// 2. Аудитория, точное совпадение
	if claims.Audience != expectedAudience {
		return domain.Rejected(fmt.Errorf("%w: got %q", domain.ErrAudienceMismatch, claims.Audience))
	}

	// 3. Издатель
	if _, ok := allowedIssuers[claims.Issuer]; !ok {
		return domain.Rejected(fmt.Errorf("%w: %q", domain.ErrIssuerMismatch, claims.Issuer))
	}

	// 4. Сервисный аккаунт агентских VM
	if !strings.HasPrefix(claims.ServiceAccountEmail, v.saPrefix) {
		return domain.Rejected(fmt.Errorf("%w: %q", domain.ErrServiceAccountMismatch, claims.ServiceAccountEmail))
	}

	// 5. Срок действия: отказ, только если exp в прошлом больше чем на 30с
	expiresAt := claims.ExpiresAt.Time()
	if v.now().After(expiresAt.Add(expiryLeeway)) {
		return domain.Rejected(fmt.Errorf("%w: expired at %s", domain.ErrTokenExpired, expiresAt.UTC().Format(time.RFC3339)))
	}

	return domain.Verified(claims)
}

// introspect: один GET к tokeninfo. Ответ не-2xx означает отказ с кодом и телом.
func (v *IdentityVerifier) introspect(ctx context.Context, token string) (*domain.IdentityClaims, error) {
	u, err := url.Parse(v.tokenInfoURL)
	if err != nil {
		return nil, fmt.Errorf("%w: bad endpoint: %w", domain.ErrIntrospectionFailed, err)
	}
	q := u.Query()
	q.Set("id_token", token)
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", domain.ErrIntrospectionFailed, err)
	}

	resp, err := v.client.Do(req)
	if err != nil {
		// Не логируем URL: в query лежит токен
		return nil, fmt.Errorf("%w: transport error", domain.ErrIntrospectionFailed)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, errorBodyCap))
		return nil, &introspectionError{status: resp.StatusCode, body: strings.TrimSpace(string(body))}
	}

	var claims domain.IdentityClaims
	if err := json.NewDecoder(resp.Body).Decode(&claims); err != nil {
		return nil, fmt.Errorf("%w: %w", domain.ErrClaimsParse, err)
	}
	if err := claims.Validate(); err != nil {
		return nil, err
	}
	return &claims, nil
}

// introspectionError: не-2xx ответ эндпоинта.
type introspectionError struct {
	status int
	body   string
}

func (e *introspectionError) Error() string {
	return fmt.Sprintf("%s: status %d: %s", domain.ErrIntrospectionFailed, e.status, e.body)
}

func (e *introspectionError) Unwrap() error { return domain.ErrIntrospectionFailed }

// isClientRejection: на 4xx эндпоинт жив, просто токен плохой.
func isClientRejection(err error) bool {
	var ie *introspectionError
	return errors.As(err, &ie) && ie.status >= 400 && ie.status < 500
}

// ExpectedInstanceName: единственное допустимое отображение ID агента в имя VM.
// Должно совпадать с тем, как VM называет провижининг.
func (v *IdentityVerifier) ExpectedInstanceName(agentID string) string {
	return ExpectedInstanceName(v.instancePrefix, agentID)
}

// ExpectedInstanceName: префикс + первые 8 символов ID агента.
func ExpectedInstanceName(prefix, agentID string) string {
	if len(agentID) > instanceIDLen {
		agentID = agentID[:instanceIDLen]
	}
	return prefix + agentID
}

// ValidateInstanceForAgent: fail-closed, без имени инстанса в claims доступа нет.
func (v *IdentityVerifier) ValidateInstanceForAgent(agentID string, claims *domain.IdentityClaims) bool {
	if claims == nil {
		v.logger.Warn("identity claims missing", zap.String("agent_id", agentID))
		return false
	}
	instance := claims.Instance()
	if instance == nil || instance.InstanceName == "" {
		v.logger.Warn("identity token carries no compute instance name",
			zap.String("agent_id", agentID),
			zap.String("subject", claims.Subject))
		return false
	}

	expected := v.ExpectedInstanceName(agentID)
	if instance.InstanceName != expected {
		v.logger.Warn("instance name mismatch",
			zap.String("agent_id", agentID),
			zap.String("expected_instance", expected),
			zap.String("observed_instance", instance.InstanceName),
			zap.String("zone", instance.Zone))
		return false
	}
	return true
}

// ExtractAgentID: единая точка, не дающая одной VM действовать от имени чужого агента.
func (v *IdentityVerifier) ExtractAgentID(requestAgentID string, claims *domain.IdentityClaims) (string, bool) {
	if requestAgentID == "" || claims == nil {
		return "", false
	}
	if !v.ValidateInstanceForAgent(requestAgentID, claims) {
		return "", false
	}
	return requestAgentID, true
}
