package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"golang.org/x/time/rate"

	logx "outreach/pkg/logx"
)

// SMSClient talks to an HTTP SMS gateway (JSON in, JSON out).
//
// The gateway throttles aggressive senders, so every request passes through
// a shared rate limiter in addition to the dispatcher's own pacing.
type SMSClient struct {
	baseURL string
	apiKey  string
	from    string

	httpc   *http.Client
	limiter *rate.Limiter
	log     logx.Logger
}

type SMSOptions struct {
	BaseURL    string
	APIKey     string
	From       string
	RatePerSec int
	Timeout    time.Duration
}

func NewSMSClient(opt SMSOptions, log logx.Logger) (*SMSClient, error) {
	if strings.TrimSpace(opt.BaseURL) == "" {
		return nil, fmt.Errorf("sms gateway base_url not configured")
	}
	rps := opt.RatePerSec
	if rps <= 0 {
		rps = 5
	}
	timeout := opt.Timeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &SMSClient{
		baseURL: strings.TrimRight(opt.BaseURL, "/"),
		apiKey:  opt.APIKey,
		from:    opt.From,
		httpc:   &http.Client{Timeout: timeout},
		limiter: rate.NewLimiter(rate.Limit(rps), rps),
		log:     log,
	}, nil
}

// WithFrom returns a copy using a different sender id, sharing the limiter
// and HTTP client. Used for organizations with their own sender id.
func (c *SMSClient) WithFrom(from string) *SMSClient {
	if strings.TrimSpace(from) == "" {
		return c
	}
	cp := *c
	cp.from = from
	return &cp
}

type smsRequest struct {
	From string `json:"from"`
	To   string `json:"to"`
	Body string `json:"body"`
}

type smsResponse struct {
	ID    string `json:"id"`
	Error string `json:"error,omitempty"`
}

func (c *SMSClient) Send(ctx context.Context, msg Message) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return err
	}

	payload, err := json.Marshal(smsRequest{From: c.from, To: msg.To, Body: msg.Text})
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/messages", bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpc.Do(req)
	if err != nil {
		return fmt.Errorf("sms gateway: %w", err)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		var sr smsResponse
		if json.Unmarshal(body, &sr) == nil && sr.Error != "" {
			return fmt.Errorf("sms gateway: %s", sr.Error)
		}
		return fmt.Errorf("sms gateway: status %d", resp.StatusCode)
	}

	if !c.log.IsZero() {
		var sr smsResponse
		if json.Unmarshal(body, &sr) == nil && sr.ID != "" {
			c.log.Debug("sms accepted", logx.String("provider_id", sr.ID), logx.String("to", msg.To))
		}
	}
	return nil
}
