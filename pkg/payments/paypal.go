/**
 * @description
 * PayPal Payouts binding. Every payout needs an OAuth2 access token obtained
 * through the client-credentials grant; the token is cached until shortly
 * before it expires.
 */
package payments

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/habithero/reward-service/internal/domain"
)

const paypalTokenExpiryMargin = 60 * time.Second

// PayPalClient sends payouts through the PayPal Payouts API.
type PayPalClient struct {
	BaseURL      string
	ClientID     string
	ClientSecret string
	Currency     string
	HTTPClient   *http.Client

	mu          sync.Mutex
	accessToken string
	expiresAt   time.Time
	now         func() time.Time
}

// NewPayPalClient creates a new PayPal API client.
func NewPayPalClient(baseURL, clientID, clientSecret, currency string) *PayPalClient {
	currency = strings.ToUpper(strings.TrimSpace(currency))
	if currency == "" {
		currency = "USD"
	}
	return &PayPalClient{
		BaseURL:      strings.TrimSuffix(strings.TrimSpace(baseURL), "/"),
		ClientID:     strings.TrimSpace(clientID),
		ClientSecret: strings.TrimSpace(clientSecret),
		Currency:     currency,
		HTTPClient: &http.Client{
			Timeout: 30 * time.Second,
		},
		now: time.Now,
	}
}

type paypalTokenResponse struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"`
	ExpiresIn   int64  `json:"expires_in"`
}

type paypalAmount struct {
	Value    string `json:"value"`
	Currency string `json:"currency"`
}

type paypalPayoutItem struct {
	RecipientType string       `json:"recipient_type"`
	Amount        paypalAmount `json:"amount"`
	Receiver      string       `json:"receiver"`
	Note          string       `json:"note,omitempty"`
	SenderItemID  string       `json:"sender_item_id"`
}

type paypalPayoutRequest struct {
	SenderBatchHeader struct {
		SenderBatchID string `json:"sender_batch_id"`
		EmailSubject  string `json:"email_subject"`
	} `json:"sender_batch_header"`
	Items []paypalPayoutItem `json:"items"`
}

type paypalPayoutResponse struct {
	BatchHeader struct {
		PayoutBatchID string `json:"payout_batch_id"`
		BatchStatus   string `json:"batch_status"`
	} `json:"batch_header"`
}

type paypalErrorResponse struct {
	Name             string `json:"name"`
	Message          string `json:"message"`
	DebugID          string `json:"debug_id"`
	Error            string `json:"error"`
	ErrorDescription string `json:"error_description"`
}

// Name returns the provider identifier.
func (c *PayPalClient) Name() domain.Provider { return domain.ProviderPayPal }

// Send pays amount to the PayPal account (email) in req.AccountID.
func (c *PayPalClient) Send(ctx context.Context, req SendRequest) (*SendResult, error) {
	if err := c.checkConfig(); err != nil {
		return nil, err
	}

	token, err := c.token(ctx)
	if err != nil {
		return nil, err
	}

	batchID := req.IdempotencyKey
	if batchID == "" {
		batchID = fmt.Sprintf("payout-%d", c.now().UnixNano())
	}

	var payload paypalPayoutRequest
	payload.SenderBatchHeader.SenderBatchID = batchID
	payload.SenderBatchHeader.EmailSubject = "You received a HabitHero reward"
	payload.Items = []paypalPayoutItem{{
		RecipientType: "EMAIL",
		Amount:        paypalAmount{Value: FormatAmount(req.Amount), Currency: c.Currency},
		Receiver:      req.AccountID,
		Note:          req.Note,
		SenderItemID:  batchID,
	}}

	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal paypal payout request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+"/v1/payments/payouts", bytes.NewBuffer(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create paypal payout request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+token)
	httpReq.Header.Set("PayPal-Request-Id", batchID)

	resp, err := c.HTTPClient.Do(httpReq)
	if err != nil {
		return nil, transportError(domain.ProviderPayPal, "execute payout request", err)
	}
	defer resp.Body.Close()

	bodyBytes, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, transportError(domain.ProviderPayPal, "read payout response", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		if resp.StatusCode == http.StatusUnauthorized {
			c.invalidateToken()
		}
		return nil, paypalError(resp.StatusCode, bodyBytes)
	}

	var success paypalPayoutResponse
	if err := json.Unmarshal(bodyBytes, &success); err != nil {
		return nil, transportError(domain.ProviderPayPal, "decode payout response", err)
	}
	if success.BatchHeader.PayoutBatchID == "" {
		return nil, &ProviderError{Provider: domain.ProviderPayPal, StatusCode: resp.StatusCode, Message: "response missing payout_batch_id"}
	}

	return &SendResult{
		ProviderTransactionID: success.BatchHeader.PayoutBatchID,
		Status:                success.BatchHeader.BatchStatus,
	}, nil
}

func (c *PayPalClient) checkConfig() error {
	switch {
	case c.ClientID == "":
		return &ConfigurationError{Provider: domain.ProviderPayPal, Missing: "PAYPAL_CLIENT_ID"}
	case c.ClientSecret == "":
		return &ConfigurationError{Provider: domain.ProviderPayPal, Missing: "PAYPAL_CLIENT_SECRET"}
	case c.BaseURL == "":
		return &ConfigurationError{Provider: domain.ProviderPayPal, Missing: "PAYPAL_API_BASE_URL"}
	}
	return nil
}

// token returns a cached access token or performs the client-credentials exchange.
func (c *PayPalClient) token(ctx context.Context) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.accessToken != "" && c.now().Before(c.expiresAt) {
		return c.accessToken, nil
	}

	form := url.Values{}
	form.Set("grant_type", "client_credentials")

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+"/v1/oauth2/token", strings.NewReader(form.Encode()))
	if err != nil {
		return "", fmt.Errorf("failed to create paypal token request: %w", err)
	}
	httpReq.SetBasicAuth(c.ClientID, c.ClientSecret)
	httpReq.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	httpReq.Header.Set("Accept", "application/json")

	resp, err := c.HTTPClient.Do(httpReq)
	if err != nil {
		return "", transportError(domain.ProviderPayPal, "execute token request", err)
	}
	defer resp.Body.Close()

	bodyBytes, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", transportError(domain.ProviderPayPal, "read token response", err)
	}
	if resp.StatusCode == http.StatusUnauthorized {
		return "", &ConfigurationError{Provider: domain.ProviderPayPal, Missing: "valid client credentials"}
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", paypalError(resp.StatusCode, bodyBytes)
	}

	var tokenResp paypalTokenResponse
	if err := json.Unmarshal(bodyBytes, &tokenResp); err != nil {
		return "", transportError(domain.ProviderPayPal, "decode token response", err)
	}
	if tokenResp.AccessToken == "" {
		return "", &ProviderError{Provider: domain.ProviderPayPal, StatusCode: resp.StatusCode, Message: "token response missing access_token"}
	}

	lifetime := time.Duration(tokenResp.ExpiresIn)*time.Second - paypalTokenExpiryMargin
	if lifetime < 0 {
		lifetime = 0
	}
	c.accessToken = tokenResp.AccessToken
	c.expiresAt = c.now().Add(lifetime)
	return c.accessToken, nil
}

func (c *PayPalClient) invalidateToken() {
	c.mu.Lock()
	c.accessToken = ""
	c.expiresAt = time.Time{}
	c.mu.Unlock()
}

func paypalError(status int, body []byte) *ProviderError {
	provErr := &ProviderError{Provider: domain.ProviderPayPal, StatusCode: status, Message: http.StatusText(status)}
	var errResp paypalErrorResponse
	if json.Unmarshal(body, &errResp) != nil {
		return provErr
	}
	switch {
	case errResp.Name != "":
		provErr.Code = errResp.Name
		provErr.Message = errResp.Message
	case errResp.Error != "":
		provErr.Code = errResp.Error
		provErr.Message = errResp.ErrorDescription
	}
	return provErr
}
