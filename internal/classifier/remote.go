package classifier

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// RemoteModel calls an HTTP prediction service:
// POST {endpoint}/predict {"features":[4]} -> {"proba":[3]}.
type RemoteModel struct {
	endpoint   string
	httpClient *http.Client
}

// NewRemoteModel constructs a remote model client.
func NewRemoteModel(endpoint string, timeout time.Duration) *RemoteModel {
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	return &RemoteModel{
		endpoint:   strings.TrimRight(endpoint, "/"),
		httpClient: &http.Client{Timeout: timeout},
	}
}

type predictRequest struct {
	Features [4]float64 `json:"features"`
}

type predictResponse struct {
	Proba []float64 `json:"proba"`
}

// PredictDistribution implements Model.
func (m *RemoteModel) PredictDistribution(ctx context.Context, inputs [4]float64) ([3]float64, error) {
	var out [3]float64

	body, err := json.Marshal(predictRequest{Features: inputs})
	if err != nil {
		return out, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, m.endpoint+"/predict", bytes.NewReader(body))
	if err != nil {
		return out, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := m.httpClient.Do(req)
	if err != nil {
		return out, fmt.Errorf("predict request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return out, fmt.Errorf("predict status %d: %s", resp.StatusCode, strings.TrimSpace(string(msg)))
	}

	var decoded predictResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return out, fmt.Errorf("decode predict response: %w", err)
	}
	if len(decoded.Proba) != 3 {
		return out, fmt.Errorf("expected 3 probabilities, got %d", len(decoded.Proba))
	}
	copy(out[:], decoded.Proba)
	return out, nil
}
