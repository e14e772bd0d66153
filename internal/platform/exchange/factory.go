package exchange

import (
	"github.com/alanyoungcy/copybot/internal/crypto"
	"github.com/alanyoungcy/copybot/internal/domain"
)

// Factory builds per-user authenticated clients that share the base URL,
// timeouts, and the distributed rate limit window.
type Factory struct {
	cfg     Config
	limiter domain.RateLimiter
}

// NewFactory creates a client factory.
func NewFactory(cfg Config, limiter domain.RateLimiter) *Factory {
	return &Factory{cfg: cfg, limiter: limiter}
}

// ClientFor returns a client authenticated with the given credentials.
func (f *Factory) ClientFor(creds domain.Credentials) domain.ExchangeClient {
	auth := &crypto.HMACAuth{
		Key:    creds.APIKey,
		Secret: creds.APISecret,
	}
	return NewClient(f.cfg, auth, f.limiter)
}

// Compile-time interface check.
var _ domain.ExchangeClientFactory = (*Factory)(nil)
