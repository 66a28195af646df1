package proxy

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/pomodex/sandboxd/pkg/types"
)

// Validator asks the orchestrator whether a token may attach to a
// project. The call goes over the internal route, so it carries the
// shared secret.
type Validator struct {
	client  *http.Client
	baseURL string
	secret  string
}

// NewValidator builds a validator against the orchestrator at baseURL.
func NewValidator(baseURL, secret string) *Validator {
	return &Validator{
		client:  &http.Client{Timeout: 5 * time.Second},
		baseURL: baseURL,
		secret:  secret,
	}
}

// Validate returns the user ID the token belongs to if it may attach
// to projectID. Any non-200 answer is unauthorized; transport errors
// are external.
func (v *Validator) Validate(ctx context.Context, token, projectID string) (string, error) {
	body, err := json.Marshal(map[string]string{
		"token":      token,
		"project_id": projectID,
	})
	if err != nil {
		return "", types.External("failed to encode validate request", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		v.baseURL+"/internal/validate", bytes.NewReader(body))
	if err != nil {
		return "", types.External("failed to build validate request", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Internal-Secret", v.secret)

	resp, err := v.client.Do(req)
	if err != nil {
		return "", types.External("validate request failed", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", types.Unauthorized(fmt.Sprintf("token rejected (status %d)", resp.StatusCode))
	}

	var out struct {
		UserID string `json:"user_id"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", types.External("failed to decode validate response", err)
	}
	return out.UserID, nil
}
