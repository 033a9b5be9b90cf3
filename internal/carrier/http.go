package carrier

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/Priya8975/promo-dispatch/internal/domain"
)

// HTTPSender posts messages as JSON to one carrier endpoint per channel.
type HTTPSender struct {
	logger     *slog.Logger
	httpClient *http.Client
	endpoints  map[domain.Channel]string
	apiKey     string
	senderID   string
}

func NewHTTPSender(logger *slog.Logger, endpoints map[domain.Channel]string, apiKey, senderID string, httpClient *http.Client) *HTTPSender {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 10 * time.Second}
	}
	eps := make(map[domain.Channel]string, len(endpoints))
	for ch, url := range endpoints {
		if url != "" {
			eps[ch] = url
		}
	}
	return &HTTPSender{
		logger:     logger.With("carrier", "http"),
		httpClient: httpClient,
		endpoints:  eps,
		apiKey:     apiKey,
		senderID:   senderID,
	}
}

// SendRequest is the body posted to the carrier.
type SendRequest struct {
	Sender    string             `json:"sender"`
	To        string             `json:"to"`
	Kind      domain.MessageKind `json:"kind"`
	Subject   string             `json:"subject,omitempty"`
	Body      string             `json:"body"`
	LinkURL   string             `json:"link_url,omitempty"`
	Reference string             `json:"reference"`
}

// SendResponse is the carrier's reply. Status is "accepted" or "delivered".
type SendResponse struct {
	MessageID string `json:"message_id"`
	Status    string `json:"status"`
	Code      string `json:"code,omitempty"`
	Message   string `json:"message,omitempty"`
}

func (s *HTTPSender) Supports(ch domain.Channel) bool {
	_, ok := s.endpoints[ch]
	return ok
}

func (s *HTTPSender) Send(ctx context.Context, msg *domain.Message) (domain.Receipt, error) {
	url, ok := s.endpoints[msg.Channel]
	if !ok {
		return domain.Receipt{}, domain.Capability("CHANNEL_UNAVAILABLE", fmt.Sprintf("no endpoint configured for %s", msg.Channel))
	}

	reqBytes, err := json.Marshal(SendRequest{
		Sender:    s.senderID,
		To:        msg.To,
		Kind:      msg.Kind,
		Subject:   msg.Subject,
		Body:      msg.Body,
		LinkURL:   msg.LinkURL,
		Reference: msg.LogID,
	})
	if err != nil {
		return domain.Receipt{}, domain.Permanent(domain.CodeRenderFailed, fmt.Sprintf("marshaling carrier request: %v", err))
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(reqBytes))
	if err != nil {
		return domain.Receipt{}, domain.Capability("CARRIER_MISCONFIGURED", fmt.Sprintf("building request: %v", err))
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+s.apiKey)
	httpReq.Header.Set("X-Idempotency-Key", msg.LogID)

	httpResp, err := s.httpClient.Do(httpReq)
	if err != nil {
		s.logger.WarnContext(ctx, "carrier request failed", "error", err, "send_log_id", msg.LogID)
		return domain.Receipt{}, domain.ClassifyDelivery(err)
	}
	defer httpResp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(httpResp.Body, 64*1024))
	if err != nil {
		return domain.Receipt{}, domain.ClassifyDelivery(fmt.Errorf("reading carrier response: %w", err))
	}

	var resp SendResponse
	parseErr := json.Unmarshal(body, &resp)

	if httpResp.StatusCode >= 200 && httpResp.StatusCode < 300 {
		if parseErr != nil {
			s.logger.WarnContext(ctx, "carrier accepted message but response was not parsed",
				"status_code", httpResp.StatusCode, "error", parseErr, "send_log_id", msg.LogID)
		}
		return domain.Receipt{
			ExternalMessageID: resp.MessageID,
			Delivered:         resp.Status == "delivered",
		}, nil
	}

	errMsg := resp.Message
	if errMsg == "" {
		errMsg = truncate(string(body), 200)
	}
	code := resp.Code
	if code == "" {
		code = fmt.Sprintf("HTTP_%d", httpResp.StatusCode)
	}

	s.logger.WarnContext(ctx, "carrier rejected message",
		"status_code", httpResp.StatusCode, "code", code, "error", errMsg, "send_log_id", msg.LogID)
	return domain.Receipt{}, classifyStatus(httpResp.StatusCode, code, errMsg)
}

// classifyStatus maps a non-2xx carrier response onto a failure kind.
func classifyStatus(status int, code, msg string) *domain.DeliveryError {
	switch {
	case status == http.StatusTooManyRequests || status >= 500:
		return domain.Transient(code, msg)
	case status == http.StatusUnauthorized || status == http.StatusForbidden || status == http.StatusNotFound:
		return domain.Capability(code, msg)
	default:
		return domain.Permanent(code, msg)
	}
}

func truncate(s string, n int) string {
	if len(s) > n {
		return s[:n] + "..."
	}
	return s
}
