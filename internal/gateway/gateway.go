// Package gateway is the client for the external STK-push payment gateway.
// The gateway is a collaborator, not part of the reconciliation core: this
// package only builds the initiation request, bounds it with a timeout, and
// reports acceptance plus opaque response metadata.
package gateway

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

// ErrRejected is returned when the gateway refuses to initiate the push.
var ErrRejected = errors.New("gateway rejected payment initiation")

// Config carries the gateway credentials and endpoints.
type Config struct {
	BaseURL        string
	ConsumerKey    string
	ConsumerSecret string
	Shortcode      string
	Passkey        string
	CallbackURL    string
	Timeout        time.Duration
}

// Client issues STK-push initiation requests. Access tokens are fetched with
// the consumer credentials and cached until shortly before expiry; cold
// callers share one fetch instead of queueing behind the cache lock.
type Client struct {
	cfg   Config
	http  *http.Client
	fetch singleflight.Group

	mu          sync.Mutex
	token       string
	tokenExpiry time.Time
}

func NewClient(cfg Config) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	return &Client{
		cfg:  cfg,
		http: &http.Client{Timeout: cfg.Timeout},
	}
}

type stkPushRequest struct {
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

type stkPushResponse struct {
	ResponseCode        string `json:"ResponseCode"`
	ResponseDescription string `json:"ResponseDescription"`
	MerchantRequestID   string `json:"MerchantRequestID"`
	CheckoutRequestID   string `json:"CheckoutRequestID"`
	CustomerMessage     string `json:"CustomerMessage"`
}

// InitiatePayment asks the gateway to push a payment prompt to the identity's
// handset. The whole exchange, token fetch included, is bounded by the
// configured timeout; a timeout or rejection is the caller's signal to mark
// the transaction FAILED. The returned metadata is the gateway's raw response
// body, attached to the transaction record for audit.
func (c *Client) InitiatePayment(ctx context.Context, identity string, amount int64, reference string) (bool, json.RawMessage, error) {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	token, err := c.accessToken(ctx)
	if err != nil {
		return false, nil, fmt.Errorf("gateway auth failed: %w", err)
	}

	ts := time.Now().Format("20060102150405")
	password := base64.StdEncoding.EncodeToString([]byte(c.cfg.Shortcode + c.cfg.Passkey + ts))
	payload := stkPushRequest{
		BusinessShortCode: c.cfg.Shortcode,
		Password:          password,
		Timestamp:         ts,
		TransactionType:   "CustomerPayBillOnline",
		Amount:            amount,
		PartyA:            identity,
		PartyB:            c.cfg.Shortcode,
		PhoneNumber:       identity,
		CallBackURL:       c.cfg.CallbackURL,
		AccountReference:  reference,
		TransactionDesc:   "Swiftwallet top up",
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return false, nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.cfg.BaseURL+"/mpesa/stkpush/v1/processrequest", bytes.NewReader(body))
	if err != nil {
		return false, nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := c.http.Do(req)
	if err != nil {
		return false, nil, fmt.Errorf("gateway call failed: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return false, nil, fmt.Errorf("gateway response read failed: %w", err)
	}

	var parsed stkPushResponse
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return false, raw, fmt.Errorf("gateway response malformed: %w", err)
	}
	if resp.StatusCode != http.StatusOK || parsed.ResponseCode != "0" {
		return false, raw, fmt.Errorf("%w: %s", ErrRejected, parsed.ResponseDescription)
	}
	return true, raw, nil
}

type tokenResponse struct {
	AccessToken string `json:"access_token"`
	ExpiresIn   string `json:"expires_in"`
}

func (c *Client) cachedToken() (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.token != "" && time.Now().Before(c.tokenExpiry) {
		return c.token, true
	}
	return "", false
}

// accessToken returns the cached token, or fetches a fresh one. The HTTP
// round trip runs outside the cache lock and concurrent cold callers join a
// single flight.
func (c *Client) accessToken(ctx context.Context) (string, error) {
	if tok, ok := c.cachedToken(); ok {
		return tok, nil
	}

	v, err, _ := c.fetch.Do("token", func() (interface{}, error) {
		// The winner of the flight may have refreshed already.
		if tok, ok := c.cachedToken(); ok {
			return tok, nil
		}
		tok, expiry, err := c.requestToken(ctx)
		if err != nil {
			return nil, err
		}
		c.mu.Lock()
		c.token, c.tokenExpiry = tok, expiry
		c.mu.Unlock()
		return tok, nil
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

func (c *Client) requestToken(ctx context.Context) (string, time.Time, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		c.cfg.BaseURL+"/oauth/v1/generate?grant_type=client_credentials", nil)
	if err != nil {
		return "", time.Time{}, err
	}
	req.SetBasicAuth(c.cfg.ConsumerKey, c.cfg.ConsumerSecret)

	resp, err := c.http.Do(req)
	if err != nil {
		return "", time.Time{}, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", time.Time{}, fmt.Errorf("token endpoint returned %d", resp.StatusCode)
	}

	var tok tokenResponse
	if err := json.NewDecoder(resp.Body).Decode(&tok); err != nil {
		return "", time.Time{}, fmt.Errorf("token response malformed: %w", err)
	}
	if tok.AccessToken == "" {
		return "", time.Time{}, errors.New("token response missing access_token")
	}

	// Tokens are valid for ~an hour; renew a minute early.
	ttl := time.Hour
	if secs, err := time.ParseDuration(tok.ExpiresIn + "s"); err == nil && secs > 0 {
		ttl = secs
	}
	return tok.AccessToken, time.Now().Add(ttl - time.Minute), nil
}
