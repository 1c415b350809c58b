package worker

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"
)

// HTTPMailSender posts rendered mail to a transactional mail API
type HTTPMailSender struct {
	client   *http.Client
	endpoint string
	token    string
	from     string
	logger   *zap.Logger
}

type HTTPMailConfig struct {
	Endpoint string
	Token    string
	From     string
	Timeout  time.Duration
}

// httpMailRequest is the body posted to the mail API
type httpMailRequest struct {
	From    string            `json:"from"`
	To      string            `json:"to"`
	Subject string            `json:"subject"`
	Text    string            `json:"text"`
	HTML    string            `json:"html"`
	Tags    map[string]string `json:"tags,omitempty"`
}

func NewHTTPMailSender(cfg HTTPMailConfig, logger *zap.Logger) *HTTPMailSender {
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}

	return &HTTPMailSender{
		client:   &http.Client{Timeout: timeout},
		endpoint: cfg.Endpoint,
		token:    cfg.Token,
		from:     cfg.From,
		logger:   logger,
	}
}

func (s *HTTPMailSender) Send(ctx context.Context, msg MailMessage) error {
	if msg.Recipient == "" {
		return fmt.Errorf("mail message missing recipient")
	}

	rendered, err := RenderMail(msg)
	if err != nil {
		return err
	}

	body, err := json.Marshal(httpMailRequest{
		From:    s.from,
		To:      msg.Recipient,
		Subject: rendered.Subject,
		Text:    rendered.Text,
		HTML:    rendered.HTML,
		Tags: map[string]string{
			"kind":    string(msg.Kind),
			"shop_id": msg.ShopID,
		},
	})
	if err != nil {
		return fmt.Errorf("marshal mail request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create mail request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "StockAlert/1.0")
	if s.token != "" {
		req.Header.Set("Authorization", "Bearer "+s.token)
	}
	if msg.JobID != "" {
		req.Header.Set("Idempotency-Key", msg.JobID)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("mail request failed: %w", err)
	}
	defer resp.Body.Close()

	preview, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("mail api returned non-2xx status: %d, body: %s", resp.StatusCode, string(preview))
	}

	s.logger.Info("email sent via mail api",
		zap.String("job_id", msg.JobID),
		zap.String("kind", string(msg.Kind)),
		zap.String("to", msg.Recipient),
		zap.Int("status_code", resp.StatusCode),
	)
	return nil
}
