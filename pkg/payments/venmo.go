/**
 * @description
 * Venmo payout binding. Requests are authenticated with a long-lived bearer
 * access token issued to the business account.
 */
package payments

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/habithero/reward-service/internal/domain"
)

// VenmoClient sends payouts through the Venmo payments API.
type VenmoClient struct {
	BaseURL     string
	AccessToken string
	HTTPClient  *http.Client
}

// NewVenmoClient creates a new Venmo API client.
func NewVenmoClient(baseURL, accessToken string) *VenmoClient {
	return &VenmoClient{
		BaseURL:     strings.TrimSuffix(strings.TrimSpace(baseURL), "/"),
		AccessToken: strings.TrimSpace(accessToken),
		HTTPClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

type venmoPaymentRequest struct {
	UserID   string `json:"user_id"`
	Amount   string `json:"amount"`
	Note     string `json:"note"`
	Audience string `json:"audience"`
}

type venmoPaymentResponse struct {
	Data struct {
		Payment struct {
			ID     string `json:"id"`
			Status string `json:"status"`
		} `json:"payment"`
	} `json:"data"`
}

type venmoErrorResponse struct {
	Error struct {
		Message string `json:"message"`
		Code    any    `json:"code"`
	} `json:"error"`
}

// Name returns the provider identifier.
func (c *VenmoClient) Name() domain.Provider { return domain.ProviderVenmo }

// Send pays amount to the Venmo user identified by req.AccountID.
func (c *VenmoClient) Send(ctx context.Context, req SendRequest) (*SendResult, error) {
	if c.AccessToken == "" {
		return nil, &ConfigurationError{Provider: domain.ProviderVenmo, Missing: "VENMO_ACCESS_TOKEN"}
	}
	if c.BaseURL == "" {
		return nil, &ConfigurationError{Provider: domain.ProviderVenmo, Missing: "VENMO_API_BASE_URL"}
	}

	payload := venmoPaymentRequest{
		UserID:   req.AccountID,
		Amount:   FormatAmount(req.Amount),
		Note:     req.Note,
		Audience: "private",
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal venmo payment request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+"/v1/payments", bytes.NewBuffer(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create venmo payment request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+c.AccessToken)
	if req.IdempotencyKey != "" {
		httpReq.Header.Set("Idempotency-Key", req.IdempotencyKey)
	}

	resp, err := c.HTTPClient.Do(httpReq)
	if err != nil {
		return nil, transportError(domain.ProviderVenmo, "execute payment request", err)
	}
	defer resp.Body.Close()

	bodyBytes, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, transportError(domain.ProviderVenmo, "read payment response", err)
	}

	if resp.StatusCode == http.StatusUnauthorized {
		return nil, &ConfigurationError{Provider: domain.ProviderVenmo, Missing: "valid access token"}
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		provErr := &ProviderError{Provider: domain.ProviderVenmo, StatusCode: resp.StatusCode, Message: http.StatusText(resp.StatusCode)}
		var errResp venmoErrorResponse
		if json.Unmarshal(bodyBytes, &errResp) == nil && errResp.Error.Message != "" {
			provErr.Message = errResp.Error.Message
			if errResp.Error.Code != nil {
				provErr.Code = fmt.Sprint(errResp.Error.Code)
			}
		}
		return nil, provErr
	}

	var success venmoPaymentResponse
	if err := json.Unmarshal(bodyBytes, &success); err != nil {
		return nil, transportError(domain.ProviderVenmo, "decode payment response", err)
	}
	if success.Data.Payment.ID == "" {
		return nil, &ProviderError{Provider: domain.ProviderVenmo, StatusCode: resp.StatusCode, Message: "response missing payment id"}
	}

	return &SendResult{
		ProviderTransactionID: success.Data.Payment.ID,
		Status:                success.Data.Payment.Status,
	}, nil
}
