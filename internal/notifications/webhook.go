package notifications

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/kjannette/trahn-copytrade/internal/httputil"
	"github.com/kjannette/trahn-copytrade/internal/logging"
)

// Flavor selects the webhook payload shape.
type Flavor int

const (
	FlavorSlack Flavor = iota
	FlavorDiscord
)

// FlavorFor picks the payload shape from the webhook host.
func FlavorFor(webhookURL string) Flavor {
	u, err := url.Parse(webhookURL)
	if err == nil && strings.Contains(u.Host+u.Path, "discord") {
		return FlavorDiscord
	}
	return FlavorSlack
}

type slackPayload struct {
	Text     string `json:"text"`
	Username string `json:"username"`
}

type discordPayload struct {
	Content  string `json:"content"`
	Username string `json:"username"`
}

// Sender posts chat messages to a Slack or Discord webhook. Without a URL it
// only logs.
type Sender struct {
	webhookURL string
	botName    string
	flavor     Flavor
	httpClient *http.Client
	retry      httputil.Policy
	log        *logrus.Entry
}

func NewSender(webhookURL, botName string) *Sender {
	if botName == "" {
		botName = "TrahnCopyTrader"
	}
	return &Sender{
		webhookURL: webhookURL,
		botName:    botName,
		flavor:     FlavorFor(webhookURL),
		httpClient: &http.Client{Timeout: 10 * time.Second},
		retry: httputil.Policy{
			Name:        "webhook",
			MaxAttempts: 3,
			BaseDelay:   time.Second,
			MaxDelay:    5 * time.Second,
			Jitter:      0.1,
		},
		log: logging.For("notify"),
	}
}

func (s *Sender) Enabled() bool {
	return s.webhookURL != ""
}

// Send logs msg and delivers it with a bounded timeout. Failures are logged,
// never returned, so a dead webhook cannot stall the delivery queue.
func (s *Sender) Send(msg string) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := s.Deliver(ctx, msg); err != nil {
		s.log.WithError(err).Error("webhook delivery failed")
	}
}

// Deliver posts one message and reports the outcome.
func (s *Sender) Deliver(ctx context.Context, msg string) error {
	line := fmt.Sprintf("[%s] %s", s.botName, msg)
	s.log.Info(line)
	if !s.Enabled() {
		return nil
	}

	body, err := json.Marshal(s.payload(line))
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}

	resp, err := httputil.Do(ctx, s.httpClient, s.retry, func(ctx context.Context) (*http.Request, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.webhookURL, bytes.NewReader(body))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/json")
		return req, nil
	})
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode/100 != 2 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 256))
		return &httputil.StatusError{Code: resp.StatusCode, Body: string(snippet)}
	}
	return nil
}

func (s *Sender) payload(line string) any {
	if s.flavor == FlavorDiscord {
		return discordPayload{Content: line, Username: s.botName}
	}
	return slackPayload{Text: "`" + line + "`", Username: s.botName}
}
