package carrier

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/Priya8975/promo-dispatch/internal/domain"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testMessage(ch domain.Channel) *domain.Message {
	return &domain.Message{
		LogID:   "log-1",
		JobID:   "job-1",
		Channel: ch,
		Kind:    domain.KindSMS,
		To:      "01012345678",
		Body:    "hello",
		LinkURL: "https://go.example.com/t/AbC12345",
	}
}

func newCarrierServer(t *testing.T, status int, body string, delay time.Duration) (*httptest.Server, *SendRequest) {
	t.Helper()
	var got SendRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer key-1" {
			t.Errorf("Authorization header: got %q", r.Header.Get("Authorization"))
		}
		json.NewDecoder(r.Body).Decode(&got)
		if delay > 0 {
			time.Sleep(delay)
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		io.WriteString(w, body)
	}))
	t.Cleanup(srv.Close)
	return srv, &got
}

func kindOf(t *testing.T, err error) (domain.FailureKind, string) {
	t.Helper()
	var de *domain.DeliveryError
	if !errors.As(err, &de) {
		t.Fatalf("got %v, want *domain.DeliveryError", err)
	}
	return de.Kind, de.Code
}

func TestHTTPSender_Accepted(t *testing.T) {
	srv, got := newCarrierServer(t, http.StatusOK, `{"message_id":"m-42","status":"accepted"}`, 0)
	s := NewHTTPSender(testLogger(), map[domain.Channel]string{domain.ChannelSMS: srv.URL}, "key-1", "1588-0000", nil)

	receipt, err := s.Send(context.Background(), testMessage(domain.ChannelSMS))
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if receipt.ExternalMessageID != "m-42" || receipt.Delivered {
		t.Errorf("receipt: got %+v", receipt)
	}
	if got.Sender != "1588-0000" || got.Reference != "log-1" || got.To != "01012345678" {
		t.Errorf("request body: got %+v", got)
	}
}

func TestHTTPSender_DeliveredSynchronously(t *testing.T) {
	srv, _ := newCarrierServer(t, http.StatusOK, `{"message_id":"m-1","status":"delivered"}`, 0)
	s := NewHTTPSender(testLogger(), map[domain.Channel]string{domain.ChannelKakao: srv.URL}, "key-1", "", nil)

	receipt, err := s.Send(context.Background(), testMessage(domain.ChannelKakao))
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if !receipt.Delivered {
		t.Error("receipt should report synchronous delivery")
	}
}

func TestHTTPSender_Classification(t *testing.T) {
	tests := []struct {
		name     string
		status   int
		body     string
		wantKind domain.FailureKind
		wantCode string
	}{
		{"server error", 503, `{"message":"down"}`, domain.FailureTransient, "HTTP_503"},
		{"throttled", 429, ``, domain.FailureTransient, "HTTP_429"},
		{"bad recipient", 400, `{"code":"INVALID_NUMBER","message":"no such number"}`, domain.FailurePermanent, "INVALID_NUMBER"},
		{"rejected content", 422, `{}`, domain.FailurePermanent, "HTTP_422"},
		{"bad credentials", 401, ``, domain.FailureCapability, "HTTP_401"},
		{"wrong endpoint", 404, `not found`, domain.FailureCapability, "HTTP_404"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv, _ := newCarrierServer(t, tt.status, tt.body, 0)
			s := NewHTTPSender(testLogger(), map[domain.Channel]string{domain.ChannelSMS: srv.URL}, "key-1", "", nil)

			_, err := s.Send(context.Background(), testMessage(domain.ChannelSMS))
			kind, code := kindOf(t, err)
			if kind != tt.wantKind || code != tt.wantCode {
				t.Errorf("got %s/%s, want %s/%s", kind, code, tt.wantKind, tt.wantCode)
			}
		})
	}
}

func TestHTTPSender_TimeoutIsTransient(t *testing.T) {
	srv, _ := newCarrierServer(t, http.StatusOK, `{}`, 200*time.Millisecond)
	s := NewHTTPSender(testLogger(), map[domain.Channel]string{domain.ChannelSMS: srv.URL}, "key-1", "", nil)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := s.Send(ctx, testMessage(domain.ChannelSMS))
	kind, code := kindOf(t, err)
	if kind != domain.FailureTransient || code != domain.CodeTimeout {
		t.Errorf("got %s/%s, want transient/%s", kind, code, domain.CodeTimeout)
	}
}

func TestHTTPSender_SupportsConfiguredChannelsOnly(t *testing.T) {
	s := NewHTTPSender(testLogger(), map[domain.Channel]string{domain.ChannelSMS: "http://carrier", domain.ChannelKakao: ""}, "", "", nil)
	if !s.Supports(domain.ChannelSMS) {
		t.Error("SMS should be supported")
	}
	if s.Supports(domain.ChannelKakao) {
		t.Error("Kakao without an endpoint should not be supported")
	}
}

func TestRouter_UnknownChannelIsCapabilityError(t *testing.T) {
	r := NewRouter().Register(domain.ChannelSMS, NewMockSender(testLogger(), 0, 0, 0))

	if r.Supports(domain.ChannelKakao) {
		t.Fatal("router should not support an unregistered channel")
	}
	_, err := r.Send(context.Background(), testMessage(domain.ChannelKakao))
	kind, _ := kindOf(t, err)
	if kind != domain.FailureCapability {
		t.Errorf("got %s, want capability", kind)
	}

	receipt, err := r.Send(context.Background(), testMessage(domain.ChannelSMS))
	if err != nil {
		t.Fatalf("SMS send: %v", err)
	}
	if !strings.HasPrefix(receipt.ExternalMessageID, "mock-") {
		t.Errorf("external id: got %q", receipt.ExternalMessageID)
	}
}

func TestMockSender_FailRate(t *testing.T) {
	m := NewMockSender(testLogger(), 1, 0, 0)
	_, err := m.Send(context.Background(), testMessage(domain.ChannelSMS))
	kind, _ := kindOf(t, err)
	if kind != domain.FailureTransient {
		t.Errorf("got %s, want transient", kind)
	}
}
