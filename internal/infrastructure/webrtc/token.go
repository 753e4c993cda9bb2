package webrtc

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"sharechannel/internal/core/domain"
)

// HTTPTokenSource fetches tokens from the rendezvous token endpoint.
func HTTPTokenSource(client *http.Client, endpoint string) TokenSource {
	if client == nil {
		client = http.DefaultClient
	}
	return func(ctx context.Context, id domain.PeerID) (string, error) {
		body, err := json.Marshal(map[string]string{"peer_id": string(id)})
		if err != nil {
			return "", err
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
		if err != nil {
			return "", err
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := client.Do(req)
		if err != nil {
			return "", err
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			return "", fmt.Errorf("token endpoint returned %s", resp.Status)
		}

		var out struct {
			Token string `json:"token"`
		}
		if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
			return "", fmt.Errorf("decode token response: %w", err)
		}
		if out.Token == "" {
			return "", fmt.Errorf("token endpoint returned no token")
		}
		return out.Token, nil
	}
}
