package mediation

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
)

// ErrMediationTimeout signals the external mediator did not answer within
// the configured deadline.
var ErrMediationTimeout = errors.New("mediation: mediator call timed out")

// ModelClient calls an external AI mediation service over HTTP.
type ModelClient struct {
	BaseURL string
	HTTP    *http.Client
}

func NewModelClient(baseURL string) *ModelClient {
	return &ModelClient{BaseURL: baseURL, HTTP: &http.Client{}}
}

type mediateTurn struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type mediateRequest struct {
	ProjectTitle   string        `json:"project_title"`
	ProjectSummary string        `json:"project_summary"`
	History        []mediateTurn `json:"history"`
	Message        string        `json:"message"`
}

type mediateResponse struct {
	Reply         string  `json:"reply"`
	LeakRiskScore float64 `json:"leak_risk_score"`
}

// GenerateReply posts the exchange to the mediator endpoint. A context
// deadline hit maps to ErrMediationTimeout so the gateway can apply its
// non-punitive fallback.
func (c *ModelClient) GenerateReply(ctx context.Context, exchange Exchange) (Reply, error) {
	reqBody := mediateRequest{
		ProjectTitle:   exchange.Project.Title,
		ProjectSummary: exchange.Project.Summary,
		History:        make([]mediateTurn, 0, len(exchange.History)),
		Message:        exchange.Message,
	}
	for _, turn := range exchange.History {
		reqBody.History = append(reqBody.History, mediateTurn{Role: string(turn.SenderRole), Content: turn.Content})
	}

	payload, err := json.Marshal(reqBody)
	if err != nil {
		return Reply{}, fmt.Errorf("mediation: encode request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+"/v1/mediate", bytes.NewReader(payload))
	if err != nil {
		return Reply{}, fmt.Errorf("mediation: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.HTTP.Do(req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return Reply{}, ErrMediationTimeout
		}
		return Reply{}, fmt.Errorf("mediation: call mediator: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return Reply{}, fmt.Errorf("mediation: mediator returned %d", resp.StatusCode)
	}

	var out mediateResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return Reply{}, fmt.Errorf("mediation: decode response: %w", err)
	}
	if out.LeakRiskScore < 0 || out.LeakRiskScore > 1 {
		return Reply{}, fmt.Errorf("mediation: leak risk score %f out of range", out.LeakRiskScore)
	}
	return Reply{Text: out.Reply, LeakRiskScore: out.LeakRiskScore}, nil
}
