package auth

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"
)

// Introspector verifies relayed bearer tokens against the issuing
// authority's verification endpoint. The partner service never validates
// tokens locally; every reservation attempt re-verifies remotely.
type Introspector struct {
	verifyURL string
	http      *http.Client
	log       *zap.Logger
}

// NewIntrospector creates an introspection client for the given verify endpoint
func NewIntrospector(verifyURL string, timeout time.Duration, log *zap.Logger) *Introspector {
	return &Introspector{
		verifyURL: verifyURL,
		http:      &http.Client{Timeout: timeout},
		log:       log,
	}
}

type verifyRequest struct {
	Token string `json:"token"`
}

// Verify reports whether the issuing authority accepts the token. Any
// non-200 response or transport fault counts as rejection.
func (i *Introspector) Verify(ctx context.Context, token string) (bool, error) {
	body, err := json.Marshal(verifyRequest{Token: token})
	if err != nil {
		return false, fmt.Errorf("failed to marshal verify request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, i.verifyURL, bytes.NewReader(body))
	if err != nil {
		return false, fmt.Errorf("failed to build verify request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := i.http.Do(req)
	if err != nil {
		i.log.Warn("Token introspection failed", zap.Error(err))
		return false, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		i.log.Info("Token rejected by issuing authority", zap.Int("status", resp.StatusCode))
		return false, nil
	}

	return true, nil
}
