package pix

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/angelmondragon/bookshop-backend/pkg/config"
	"github.com/angelmondragon/bookshop-backend/pkg/logger"
)

// StatusRemovedByReceiver is the cob status after a successful cancellation.
const StatusRemovedByReceiver = "REMOVIDA_PELO_USUARIO_RECEBEDOR"

const (
	tokenPath        = "/oauth/token"
	chargePathFormat = "/v2/cob/%s"
	sendPathFormat   = "/v2/pix/%s"

	tokenRefreshSkew = 30 * time.Second
)

var (
	errBaseURLRequired = errors.New("pix base url is required")
	errLoggerRequired  = errors.New("pix logger is required")
)

// APIError is returned for any non-2xx provider response.
type APIError struct {
	Op         string
	StatusCode int
	RetryAfter time.Duration
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("pix %s: status %d: %s", e.Op, e.StatusCode, e.Body)
}

// Client talks to the PSP's PIX REST API (charges, cancellation and outbound transfers).
type Client struct {
	baseURL      string
	clientID     string
	clientSecret string
	receiverKey  string
	http         *http.Client
	logger       *logger.Logger

	mu          sync.Mutex
	accessToken string
	expiresAt   time.Time
	now         func() time.Time
}

// NewClient builds a PIX client from configuration.
func NewClient(cfg config.PixConfig, logg *logger.Logger) (*Client, error) {
	if logg == nil {
		return nil, errLoggerRequired
	}
	base := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if base == "" {
		return nil, errBaseURLRequired
	}
	if _, err := url.Parse(base); err != nil {
		return nil, fmt.Errorf("parsing pix base url: %w", err)
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &Client{
		baseURL:      base,
		clientID:     cfg.ClientID,
		clientSecret: cfg.ClientSecret,
		receiverKey:  cfg.ReceiverKey,
		http:         &http.Client{Timeout: timeout},
		logger:       logg,
		now:          time.Now,
	}, nil
}

// ChargeParams describes an immediate PIX charge (cob).
type ChargeParams struct {
	TxID        string
	AmountCents int64
	ExpiresIn   time.Duration
	Description string
}

// Charge is the provider's view of a PIX charge.
type Charge struct {
	TxID       string `json:"txid"`
	Status     string `json:"status"`
	CopyPaste  string `json:"pixCopiaECola"`
	LocationID string `json:"location"`
}

// NewTxID returns a PIX-compatible txid (26-35 alphanumeric characters).
func NewTxID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")
}

// CreateCharge creates an immediate charge keyed by the caller-chosen txid.
func (c *Client) CreateCharge(ctx context.Context, params ChargeParams) (*Charge, error) {
	txid := strings.TrimSpace(params.TxID)
	if txid == "" {
		txid = NewTxID()
	}
	expiration := int(params.ExpiresIn.Seconds())
	if expiration <= 0 {
		expiration = 900
	}
	body := map[string]any{
		"calendario": map[string]any{"expiracao": expiration},
		"valor":      map[string]any{"original": formatCents(params.AmountCents)},
		"chave":      c.receiverKey,
	}
	if desc := strings.TrimSpace(params.Description); desc != "" {
		body["solicitacaoPagador"] = desc
	}

	c.log(ctx, "request", "create_charge", map[string]any{"txid": txid, "amount": params.AmountCents})
	var charge Charge
	if err := c.do(ctx, "create_charge", http.MethodPut, fmt.Sprintf(chargePathFormat, url.PathEscape(txid)), body, &charge); err != nil {
		c.log(ctx, "error", "create_charge", map[string]any{"txid": txid, "error": err.Error()})
		return nil, err
	}
	if charge.TxID == "" {
		charge.TxID = txid
	}
	c.log(ctx, "response", "create_charge", map[string]any{"txid": charge.TxID, "status": charge.Status})
	return &charge, nil
}

// CancelCharge removes an active charge so it can no longer be paid.
func (c *Client) CancelCharge(ctx context.Context, txid string) (*Charge, error) {
	body := map[string]any{"status": StatusRemovedByReceiver}
	c.log(ctx, "request", "cancel_charge", map[string]any{"txid": txid})
	var charge Charge
	if err := c.do(ctx, "cancel_charge", http.MethodPatch, fmt.Sprintf(chargePathFormat, url.PathEscape(txid)), body, &charge); err != nil {
		c.log(ctx, "error", "cancel_charge", map[string]any{"txid": txid, "error": err.Error()})
		return nil, err
	}
	c.log(ctx, "response", "cancel_charge", map[string]any{"txid": txid, "status": charge.Status})
	return &charge, nil
}

// TransferParams describes an outbound PIX transfer to a payee key.
type TransferParams struct {
	IdempotencyKey string
	AmountCents    int64
	PayeeKey       string
	Description    string
}

// Transfer is the provider's acknowledgement of an outbound transfer.
type Transfer struct {
	ID     string `json:"idEnvio"`
	E2EID  string `json:"e2eId"`
	Status string `json:"status"`
}

// SendTransfer initiates a transfer. The idempotency key doubles as the
// provider's send id so retries never produce two transfers.
func (c *Client) SendTransfer(ctx context.Context, params TransferParams) (*Transfer, error) {
	key := strings.TrimSpace(params.IdempotencyKey)
	if key == "" {
		key = NewTxID()
	}
	body := map[string]any{
		"valor":      formatCents(params.AmountCents),
		"favorecido": map[string]any{"chave": params.PayeeKey},
		"pagador":    map[string]any{"chave": c.receiverKey},
	}
	if desc := strings.TrimSpace(params.Description); desc != "" {
		body["infoPagador"] = desc
	}

	c.log(ctx, "request", "send_transfer", map[string]any{"id_envio": key, "amount": params.AmountCents, "payee_key": params.PayeeKey})
	var transfer Transfer
	if err := c.do(ctx, "send_transfer", http.MethodPut, fmt.Sprintf(sendPathFormat, url.PathEscape(key)), body, &transfer); err != nil {
		c.log(ctx, "error", "send_transfer", map[string]any{"id_envio": key, "error": err.Error()})
		return nil, err
	}
	if transfer.ID == "" {
		transfer.ID = key
	}
	c.log(ctx, "response", "send_transfer", map[string]any{"id_envio": transfer.ID, "e2e_id": transfer.E2EID, "status": transfer.Status})
	return &transfer, nil
}

func (c *Client) do(ctx context.Context, op, method, path string, payload any, dest any) error {
	token, err := c.token(ctx)
	if err != nil {
		return err
	}
	var body io.Reader
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("pix %s: encode request: %w", op, err)
		}
		body = bytes.NewReader(raw)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("pix %s: build request: %w", op, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("pix %s: %w", op, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("pix %s: read response: %w", op, err)
	}
	if resp.StatusCode == http.StatusUnauthorized {
		c.invalidateToken()
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return &APIError{
			Op:         op,
			StatusCode: resp.StatusCode,
			RetryAfter: parseRetryAfter(resp.Header.Get("Retry-After"), c.now()),
			Body:       strings.TrimSpace(string(raw)),
		}
	}
	if dest == nil || len(bytes.TrimSpace(raw)) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, dest); err != nil {
		return fmt.Errorf("pix %s: decode response: %w", op, err)
	}
	return nil
}

// token returns a cached OAuth access token, fetching a new one when it is
// about to expire. Clients without credentials talk to the API unauthenticated.
func (c *Client) token(ctx context.Context) (string, error) {
	if c.clientID == "" {
		return "", nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.accessToken != "" && c.now().Add(tokenRefreshSkew).Before(c.expiresAt) {
		return c.accessToken, nil
	}

	form := url.Values{"grant_type": {"client_credentials"}}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+tokenPath, strings.NewReader(form.Encode()))
	if err != nil {
		return "", fmt.Errorf("pix token: build request: %w", err)
	}
	req.SetBasicAuth(c.clientID, c.clientSecret)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("pix token: %w", err)
	}
	defer resp.Body.Close()
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return "", &APIError{
			Op:         "token",
			StatusCode: resp.StatusCode,
			RetryAfter: parseRetryAfter(resp.Header.Get("Retry-After"), c.now()),
			Body:       strings.TrimSpace(string(raw)),
		}
	}
	var payload struct {
		AccessToken string `json:"access_token"`
		ExpiresIn   int    `json:"expires_in"`
	}
	if err := json.Unmarshal(raw, &payload); err != nil {
		return "", fmt.Errorf("pix token: decode response: %w", err)
	}
	c.accessToken = payload.AccessToken
	c.expiresAt = c.now().Add(time.Duration(payload.ExpiresIn) * time.Second)
	return c.accessToken, nil
}

func (c *Client) invalidateToken() {
	c.mu.Lock()
	c.accessToken = ""
	c.mu.Unlock()
}

func (c *Client) log(ctx context.Context, phase, op string, fields map[string]any) {
	if c == nil || c.logger == nil {
		return
	}
	logFields := map[string]any{
		"operation": op,
		"phase":     phase,
		"provider":  "pix",
	}
	for k, v := range fields {
		logFields[k] = redact(k, v)
	}
	ctx = c.logger.WithFields(ctx, logFields)
	switch phase {
	case "error":
		c.logger.Error(ctx, fmt.Sprintf("pix %s", op), errors.New(fmt.Sprint(fields["error"])))
	default:
		c.logger.Info(ctx, fmt.Sprintf("pix %s", phase))
	}
}

func redact(key string, value any) any {
	if strings.Contains(strings.ToLower(key), "payee_key") {
		s := fmt.Sprint(value)
		if len(s) <= 4 {
			return "[REDACTED]"
		}
		return "***" + s[len(s)-4:]
	}
	return value
}

func formatCents(cents int64) string {
	return decimal.New(cents, -2).StringFixed(2)
}

func parseRetryAfter(value string, now time.Time) time.Duration {
	value = strings.TrimSpace(value)
	if value == "" {
		return 0
	}
	if secs, err := strconv.Atoi(value); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	if at, err := http.ParseTime(value); err == nil && at.After(now) {
		return at.Sub(now)
	}
	return 0
}
