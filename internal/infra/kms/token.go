package kms

import (
	"context"
	"errors"
	"fmt"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
)

// CloudKMSScope дает доступ только к KMS.
const CloudKMSScope = "https://www.googleapis.com/auth/cloudkms"

// TokenSource выдает OAuth access-токен для вызовов KMS.
type TokenSource interface {
	Token(ctx context.Context) (string, error)
}

// StaticTokenSource: фиксированный токен (dev, тесты, эмуляторы).
type StaticTokenSource string

func (s StaticTokenSource) Token(context.Context) (string, error) {
	if s == "" {
		return "", errors.New("static token is empty")
	}
	return string(s), nil
}

// OAuth2TokenSource переиспользует токен oauth2 до истечения
// и обновляет его заранее.
type OAuth2TokenSource struct {
	ts oauth2.TokenSource
}

func NewOAuth2TokenSource(ts oauth2.TokenSource) *OAuth2TokenSource {
	return &OAuth2TokenSource{ts: oauth2.ReuseTokenSource(nil, ts)}
}

// NewMetadataTokenSource берет токен сервисного аккаунта VM у metadata server.
// Пустой account означает default.
func NewMetadataTokenSource(account string) *OAuth2TokenSource {
	return NewOAuth2TokenSource(google.ComputeTokenSource(account, CloudKMSScope))
}

func (o *OAuth2TokenSource) Token(ctx context.Context) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	tok, err := o.ts.Token()
	if err != nil {
		return "", fmt.Errorf("oauth token: %w", err)
	}
	if tok.AccessToken == "" {
		return "", errors.New("oauth token: empty access_token")
	}
	return tok.AccessToken, nil
}
