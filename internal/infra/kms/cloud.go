package kms

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// CloudKMS: REST-клиент Cloud KMS:
// POST {endpoint}/v1/{keyName}:encrypt и :decrypt.
type CloudKMS struct {
	endpoint string
	client   *http.Client
	tokens   TokenSource
}

func NewCloudKMS(endpoint string, client *http.Client, tokens TokenSource) *CloudKMS {
	if client == nil {
		client = &http.Client{Timeout: 15 * time.Second}
	}
	return &CloudKMS{
		endpoint: strings.TrimSuffix(endpoint, "/"),
		client:   client,
		tokens:   tokens,
	}
}

// []byte в JSON кодируется base64, это ровно то, что ждет REST API.
type encryptRequest struct {
	Plaintext []byte `json:"plaintext"`
}

type encryptResponse struct {
	Name       string `json:"name"` // Версия ключа, которой обернули
	Ciphertext []byte `json:"ciphertext"`
}

type decryptRequest struct {
	Ciphertext []byte `json:"ciphertext"`
}

type decryptResponse struct {
	Plaintext []byte `json:"plaintext"`
}

func (c *CloudKMS) Encrypt(ctx context.Context, keyName string, plaintext []byte) ([]byte, string, error) {
	var resp encryptResponse
	if err := c.call(ctx, "encrypt", keyName, encryptRequest{Plaintext: plaintext}, &resp); err != nil {
		return nil, "", err
	}
	if len(resp.Ciphertext) == 0 {
		return nil, "", fmt.Errorf("%w: ciphertext", ErrMissingField)
	}
	if resp.Name == "" {
		return nil, "", fmt.Errorf("%w: name", ErrMissingField)
	}
	return resp.Ciphertext, resp.Name, nil
}

func (c *CloudKMS) Decrypt(ctx context.Context, keyName string, ciphertext []byte) ([]byte, error) {
	var resp decryptResponse
	if err := c.call(ctx, "decrypt", keyName, decryptRequest{Ciphertext: ciphertext}, &resp); err != nil {
		return nil, err
	}
	if len(resp.Plaintext) == 0 {
		return nil, fmt.Errorf("%w: plaintext", ErrMissingField)
	}
	return resp.Plaintext, nil
}

func (c *CloudKMS) call(ctx context.Context, op, keyName string, in, out any) error {
	body, err := json.Marshal(in)
	if err != nil {
		return fmt.Errorf("kms %s: marshal: %w", op, err)
	}

	url := fmt.Sprintf("%s/v1/%s:%s", c.endpoint, keyName, op)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("kms %s: %w", op, err)
	}
	req.Header.Set("Content-Type", "application/json")

	if c.tokens != nil {
		token, err := c.tokens.Token(ctx)
		if err != nil {
			return &TransportError{Op: op, Err: fmt.Errorf("access token: %w", err)}
		}
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return fmt.Errorf("kms %s: %w", op, ctx.Err())
		}
		return &TransportError{Op: op, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusTooManyRequests {
		return &ThrottleError{
			RetryAfter: parseRetryAfter(resp.Header.Get("Retry-After")),
			Cause:      fmt.Errorf("kms %s: status 429", op),
		}
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return &HTTPError{Op: op, Status: resp.StatusCode, Body: strings.TrimSpace(string(msg))}
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("kms %s: decode response: %w", op, err)
	}
	return nil
}

// parseRetryAfter понимает только секунды; по умолчанию 1с.
func parseRetryAfter(v string) time.Duration {
	if secs, err := strconv.Atoi(strings.TrimSpace(v)); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	return time.Second
}
