package kms

import (
	"fmt"
	"net/http"

	"github.com/xela07ax/agentvm-trust/internal/infra"
)

// NewFromConfig выбирает реализацию KEK по kms.provider.
// Для cloud без access_token токен берется у metadata server.
func NewFromConfig(cfg infra.KMSConfig) (KeyManager, error) {
	switch cfg.Provider {
	case "local":
		return NewLocalKMS(cfg.KeystorePath)
	case "cloud":
		if cfg.KeyName == "" {
			return nil, fmt.Errorf("kms: key_name is required for cloud provider")
		}
		client := &http.Client{Timeout: cfg.CallTimeout}
		var tokens TokenSource = NewMetadataTokenSource(cfg.Account)
		if cfg.AccessToken != "" {
			tokens = StaticTokenSource(cfg.AccessToken)
		}
		return NewCloudKMS(cfg.Endpoint, client, tokens), nil
	default:
		return nil, fmt.Errorf("kms: unknown provider %q", cfg.Provider)
	}
}
