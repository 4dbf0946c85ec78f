package mpesa

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	gobreaker "github.com/sony/gobreaker/v2"
	"golang.org/x/oauth2"

	"github.com/marketlane/storefront-api/internal/payments"
)

const (
	tokenPath   = "/oauth/v1/generate?grant_type=client_credentials"
	stkPushPath = "/mpesa/stkpush/v1/processrequest"

	transactionTypePayBill = "CustomerPayBillOnline"
	timestampLayout        = "20060102150405"

	tokenEarlyExpiry = time.Minute
	maxResponseBytes = 1 << 20
)

// Daraja validates timestamps against East Africa Time.
var eat = time.FixedZone("EAT", 3*60*60)

var (
	// ErrInitiationFailed is returned when Daraja does not accept an STK push.
	ErrInitiationFailed = errors.New("mpesa: stk push initiation failed")
	// ErrTokenFailed is returned when the OAuth client credentials exchange fails.
	ErrTokenFailed = errors.New("mpesa: access token request failed")
)

// GatewayError carries Daraja's own explanation of a rejected request.
type GatewayError struct {
	StatusCode int
	Message    string
	Body       map[string]any
}

func (e *GatewayError) Error() string {
	return fmt.Sprintf("mpesa: gateway rejected request (status %d): %s", e.StatusCode, e.Message)
}

// Unwrap lets callers match ErrInitiationFailed.
func (e *GatewayError) Unwrap() error { return ErrInitiationFailed }

// Config configures the Daraja client.
type Config struct {
	BaseURL        string
	ConsumerKey    string
	ConsumerSecret string
	ShortCode      string
	PassKey        string
	CallbackURL    string
	Timeout        time.Duration
	HTTPClient     *http.Client
	Breaker        payments.BreakerConfig
	Clock          func() time.Time
}

// Client talks to the Daraja STK push API. Access tokens are cached until shortly before expiry.
type Client struct {
	baseURL     string
	shortCode   string
	passKey     string
	callbackURL string

	tokens  oauth2.TokenSource
	http    *http.Client
	breaker *gobreaker.CircuitBreaker[STKPushResponse]
	clock   func() time.Time
}

// NewClient constructs a Client.
func NewClient(cfg Config) (*Client, error) {
	base := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if base == "" {
		return nil, errors.New("mpesa: base url is required")
	}
	if strings.TrimSpace(cfg.ConsumerKey) == "" || strings.TrimSpace(cfg.ConsumerSecret) == "" {
		return nil, errors.New("mpesa: consumer key and secret are required")
	}
	if strings.TrimSpace(cfg.ShortCode) == "" || strings.TrimSpace(cfg.PassKey) == "" {
		return nil, errors.New("mpesa: shortcode and passkey are required")
	}

	plain := cfg.HTTPClient
	if plain == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = 20 * time.Second
		}
		plain = &http.Client{Timeout: timeout}
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}

	source := oauth2.ReuseTokenSourceWithExpiry(nil, &credentialsSource{
		url:    base + tokenPath,
		key:    strings.TrimSpace(cfg.ConsumerKey),
		secret: strings.TrimSpace(cfg.ConsumerSecret),
		http:   plain,
	}, tokenEarlyExpiry)

	breakerCfg := cfg.Breaker
	if breakerCfg.Name == "" {
		breakerCfg.Name = "mpesa"
	}
	breakerCfg.IsSuccessful = isClientRejection

	return &Client{
		baseURL:     base,
		shortCode:   strings.TrimSpace(cfg.ShortCode),
		passKey:     strings.TrimSpace(cfg.PassKey),
		callbackURL: strings.TrimSpace(cfg.CallbackURL),
		tokens:      source,
		http: &http.Client{
			Timeout:   plain.Timeout,
			Transport: &oauth2.Transport{Source: source, Base: plain.Transport},
		},
		breaker: payments.NewBreaker[STKPushResponse](breakerCfg),
		clock:   clock,
	}, nil
}

// AccessToken returns a cached or freshly issued OAuth access token.
func (c *Client) AccessToken(context.Context) (string, error) {
	token, err := c.tokens.Token()
	if err != nil {
		return "", err
	}
	return token.AccessToken, nil
}

// STKPushRequest describes a Lipa na M-Pesa Online prompt.
type STKPushRequest struct {
	PhoneNumber      string
	Amount           decimal.Decimal
	AccountReference string
	Description      string
	CallbackURL      string
}

// STKPushResponse is Daraja's acknowledgement of an accepted push.
type STKPushResponse struct {
	MerchantRequestID   string         `json:"MerchantRequestID"`
	CheckoutRequestID   string         `json:"CheckoutRequestID"`
	ResponseCode        string         `json:"ResponseCode"`
	ResponseDescription string         `json:"ResponseDescription"`
	CustomerMessage     string         `json:"CustomerMessage"`
	Raw                 map[string]any `json:"-"`
}

// STKPushPayload is the request body sent to Daraja.
type STKPushPayload struct {
	BusinessShortCode string `json:"BusinessShortCode"`
	Password          string `json:"Password"`
	Timestamp         string `json:"Timestamp"`
	TransactionType   string `json:"TransactionType"`
	Amount            int64  `json:"Amount"`
	PartyA            string `json:"PartyA"`
	PartyB            string `json:"PartyB"`
	PhoneNumber       string `json:"PhoneNumber"`
	CallBackURL       string `json:"CallBackURL"`
	AccountReference  string `json:"AccountReference"`
	TransactionDesc   string `json:"TransactionDesc"`
}

// BuildPayload renders the Daraja request for req at the client's current time. Amount is rounded
// to whole shillings.
func (c *Client) BuildPayload(req STKPushRequest) (STKPushPayload, error) {
	amount := req.Amount.Round(0).IntPart()
	if amount < 1 {
		return STKPushPayload{}, fmt.Errorf("%w: amount must be at least 1", ErrInitiationFailed)
	}
	callback := strings.TrimSpace(req.CallbackURL)
	if callback == "" {
		callback = c.callbackURL
	}
	if callback == "" {
		return STKPushPayload{}, fmt.Errorf("%w: callback url is required", ErrInitiationFailed)
	}
	timestamp := c.clock().In(eat).Format(timestampLayout)
	reference := strings.TrimSpace(req.AccountReference)
	if reference == "" {
		reference = c.shortCode
	}
	desc := strings.TrimSpace(req.Description)
	if desc == "" {
		desc = "Payment"
	}
	return STKPushPayload{
		BusinessShortCode: c.shortCode,
		Password:          Password(c.shortCode, c.passKey, timestamp),
		Timestamp:         timestamp,
		TransactionType:   transactionTypePayBill,
		Amount:            amount,
		PartyA:            req.PhoneNumber,
		PartyB:            c.shortCode,
		PhoneNumber:       req.PhoneNumber,
		CallBackURL:       callback,
		AccountReference:  clipRunes(reference, 12),
		TransactionDesc:   clipRunes(desc, 13),
	}, nil
}

// STKPush sends payload to Daraja. A response without checkout and merchant request ids is an
// initiation failure carrying the gateway's message.
func (c *Client) STKPush(ctx context.Context, payload STKPushPayload) (STKPushResponse, error) {
	resp, err := c.breaker.Execute(func() (STKPushResponse, error) {
		return c.stkPush(ctx, payload)
	})
	if err != nil {
		return STKPushResponse{}, payments.BreakerError(err)
	}
	return resp, nil
}

func (c *Client) stkPush(ctx context.Context, payload STKPushPayload) (STKPushResponse, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return STKPushResponse{}, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+stkPushPath, bytes.NewReader(body))
	if err != nil {
		return STKPushResponse{}, err
	}
	req.Header.Set("Content-Type", "application/json")

	res, err := c.http.Do(req)
	if err != nil {
		return STKPushResponse{}, fmt.Errorf("mpesa: stk push request: %w", err)
	}
	defer res.Body.Close()

	data, err := io.ReadAll(io.LimitReader(res.Body, maxResponseBytes))
	if err != nil {
		return STKPushResponse{}, fmt.Errorf("mpesa: read stk push response: %w", err)
	}
	raw := map[string]any{}
	_ = json.Unmarshal(data, &raw)

	var out STKPushResponse
	_ = json.Unmarshal(data, &out)
	out.Raw = raw

	if out.CheckoutRequestID == "" || out.MerchantRequestID == "" || res.StatusCode >= 300 {
		message := firstText(raw, "errorMessage", "ResponseDescription", "CustomerMessage")
		if message == "" {
			message = http.StatusText(res.StatusCode)
		}
		return STKPushResponse{}, &GatewayError{StatusCode: res.StatusCode, Message: message, Body: raw}
	}
	return out, nil
}

// Password is base64(shortcode + passkey + timestamp).
func Password(shortCode, passKey, timestamp string) string {
	return base64.StdEncoding.EncodeToString([]byte(shortCode + passKey + timestamp))
}

type credentialsSource struct {
	url    string
	key    string
	secret string
	http   *http.Client
}

// Token performs the client credentials exchange. oauth2.TokenSource has no context parameter, so
// the request is bounded by the HTTP client's timeout. Expiry uses the wall clock because
// oauth2.Token.Valid does.
func (s *credentialsSource) Token() (*oauth2.Token, error) {
	req, err := http.NewRequest(http.MethodGet, s.url, nil)
	if err != nil {
		return nil, err
	}
	req.SetBasicAuth(s.key, s.secret)

	res, err := s.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrTokenFailed, err)
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: status %d", ErrTokenFailed, res.StatusCode)
	}

	var body struct {
		AccessToken string          `json:"access_token"`
		ExpiresIn   json.RawMessage `json:"expires_in"`
	}
	if err := json.NewDecoder(io.LimitReader(res.Body, maxResponseBytes)).Decode(&body); err != nil {
		return nil, fmt.Errorf("%w: decode: %v", ErrTokenFailed, err)
	}
	if body.AccessToken == "" {
		return nil, fmt.Errorf("%w: empty access token", ErrTokenFailed)
	}
	// Daraja sends expires_in as a quoted number.
	seconds, err := strconv.ParseInt(strings.Trim(string(body.ExpiresIn), `" `), 10, 64)
	if err != nil || seconds <= 0 {
		seconds = 3599
	}
	return &oauth2.Token{
		AccessToken: body.AccessToken,
		TokenType:   "Bearer",
		Expiry:      time.Now().Add(time.Duration(seconds) * time.Second),
	}, nil
}

// isClientRejection keeps answered rejections (anything below 500 except 429) from tripping the
// breaker.
func isClientRejection(err error) bool {
	var gwErr *GatewayError
	if !errors.As(err, &gwErr) {
		return false
	}
	return gwErr.StatusCode < 500 && gwErr.StatusCode != http.StatusTooManyRequests
}

func firstText(raw map[string]any, keys ...string) string {
	for _, key := range keys {
		if value, ok := raw[key].(string); ok && strings.TrimSpace(value) != "" {
			return strings.TrimSpace(value)
		}
	}
	return ""
}

func clipRunes(value string, limit int) string {
	runes := []rune(value)
	if len(runes) > limit {
		return string(runes[:limit])
	}
	return value
}
