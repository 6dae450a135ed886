package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
)

const defaultHTTPTimeout = 10 * time.Second

var phonePattern = regexp.MustCompile(`^\+?[0-9]{7,15}$`)

// HTTPConfig describes a provider reached over HTTP.
type HTTPConfig struct {
	Endpoint string
	APIKey   string
	From     string
	Timeout  time.Duration
}

type providerResponse struct {
	ID        string `json:"id"`
	MessageID string `json:"message_id"`
	SID       string `json:"sid"`
}

type httpProvider struct {
	cfg    HTTPConfig
	client *http.Client
}

func newHTTPProvider(cfg HTTPConfig) httpProvider {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultHTTPTimeout
	}
	return httpProvider{cfg: cfg, client: &http.Client{Timeout: timeout}}
}

func (p httpProvider) do(ctx context.Context, contentType string, body io.Reader) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.cfg.Endpoint, body)
	if err != nil {
		return "", fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Content-Type", contentType)
	req.Header.Set("Accept", "application/json")
	if p.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+p.cfg.APIKey)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("provider request failed: %w", err)
	}
	defer resp.Body.Close()

	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", fmt.Errorf("provider returned %d: %s", resp.StatusCode, strings.TrimSpace(string(raw)))
	}

	var pr providerResponse
	if len(raw) > 0 && json.Unmarshal(raw, &pr) == nil {
		for _, id := range []string{pr.MessageID, pr.ID, pr.SID} {
			if id != "" {
				return id, nil
			}
		}
	}
	return uuid.NewString(), nil
}

func (p httpProvider) postJSON(ctx context.Context, payload any) (string, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("failed to marshal payload: %w", err)
	}
	return p.do(ctx, "application/json", bytes.NewReader(data))
}

func (p httpProvider) postForm(ctx context.Context, form url.Values) (string, error) {
	return p.do(ctx, "application/x-www-form-urlencoded", strings.NewReader(form.Encode()))
}

// SMSGateway posts text messages to a form-encoded SMS provider API.
type SMSGateway struct {
	provider httpProvider
}

func NewSMSGateway(cfg HTTPConfig) *SMSGateway {
	return &SMSGateway{provider: newHTTPProvider(cfg)}
}

func (g *SMSGateway) Send(ctx context.Context, address, message string) (string, error) {
	if !phonePattern.MatchString(address) {
		return "", fmt.Errorf("sms %q: %w", address, ErrInvalidAddress)
	}
	form := url.Values{}
	form.Set("To", address)
	form.Set("From", g.provider.cfg.From)
	form.Set("Body", message)
	return g.provider.postForm(ctx, form)
}

type pushPayload struct {
	Token    string `json:"token"`
	Title    string `json:"title"`
	Body     string `json:"body"`
	Priority string `json:"priority"`
}

// PushGateway forwards notifications to a push relay keyed by device token.
type PushGateway struct {
	provider httpProvider
}

func NewPushGateway(cfg HTTPConfig) *PushGateway {
	return &PushGateway{provider: newHTTPProvider(cfg)}
}

func (g *PushGateway) Send(ctx context.Context, address, message string) (string, error) {
	title, body := splitTitle(message)
	return g.provider.postJSON(ctx, pushPayload{
		Token:    address,
		Title:    title,
		Body:     body,
		Priority: "high",
	})
}

type voicePayload struct {
	To   string `json:"to"`
	From string `json:"from"`
	Text string `json:"text"`
}

// VoiceGateway asks a telephony provider to place a text-to-speech call.
type VoiceGateway struct {
	provider httpProvider
}

func NewVoiceGateway(cfg HTTPConfig) *VoiceGateway {
	return &VoiceGateway{provider: newHTTPProvider(cfg)}
}

func (g *VoiceGateway) Send(ctx context.Context, address, message string) (string, error) {
	if !phonePattern.MatchString(address) {
		return "", fmt.Errorf("voice %q: %w", address, ErrInvalidAddress)
	}
	return g.provider.postJSON(ctx, voicePayload{
		To:   address,
		From: g.provider.cfg.From,
		Text: speakable(message),
	})
}

// splitTitle uses the first line of a message as its title.
func splitTitle(message string) (string, string) {
	title, body, found := strings.Cut(message, "\n")
	if !found {
		return message, ""
	}
	return strings.TrimSpace(title), strings.TrimSpace(body)
}

// speakable drops characters a speech engine would read out literally.
func speakable(message string) string {
	replacer := strings.NewReplacer("*", "", "_", "", "#", "", "\n", ". ")
	return strings.TrimSpace(replacer.Replace(message))
}
