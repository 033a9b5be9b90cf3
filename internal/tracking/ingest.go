package tracking

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/Priya8975/promo-dispatch/internal/domain"
	"github.com/Priya8975/promo-dispatch/internal/metrics"
	"github.com/Priya8975/promo-dispatch/internal/store"
)

// EventInput is one observed engagement signal. ProductID and ContactID are
// what the caller reported; they are replaced by the send log's values when
// the tracking code resolves.
type EventInput struct {
	TrackingCode string
	EventType    domain.EventType
	ProductID    string
	ContactID    string
	IPAddress    string
	UserAgent    string
	Metadata     map[string]any
}

// CarrierReport is a delivery or read receipt pushed by a carrier. It names
// the message by tracking code or by the carrier's own message id.
type CarrierReport struct {
	TrackingCode      string           `json:"trackingCode"`
	ExternalMessageID string           `json:"externalMessageId"`
	EventType         domain.EventType `json:"eventType"`
	Metadata          map[string]any   `json:"metadata"`
}

// Ingest appends tracking events. It never deduplicates: two identical
// observations are two rows.
type Ingest struct {
	repo       store.Repository
	catalog    store.Catalog
	recorder   *metrics.Recorder
	logger     *slog.Logger
	defaultURL string
	now        func() time.Time
}

func NewIngest(repo store.Repository, catalog store.Catalog, defaultRedirectURL string, recorder *metrics.Recorder, logger *slog.Logger) *Ingest {
	return &Ingest{
		repo:       repo,
		catalog:    catalog,
		recorder:   recorder,
		logger:     logger,
		defaultURL: defaultRedirectURL,
		now:        time.Now,
	}
}

// RecordEvent resolves the tracking code and appends the event. A DELIVERED
// event also moves a SENT row to DELIVERED.
func (i *Ingest) RecordEvent(ctx context.Context, in EventInput) (*domain.TrackingEvent, error) {
	if !in.EventType.Valid() {
		verr := domain.NewValidationError()
		verr.Add("eventType", "must be one of CLICK, READ, DELIVERED")
		return nil, verr
	}

	var log *domain.SendLog
	if in.TrackingCode != "" {
		found, err := i.repo.GetLogByTrackingCode(ctx, in.TrackingCode)
		switch {
		case err == nil:
			log = found
		case !errors.Is(err, domain.ErrNotFound):
			return nil, fmt.Errorf("resolving tracking code: %w", err)
		}
	}

	ev := &domain.TrackingEvent{
		ID:           uuid.NewString(),
		EventType:    in.EventType,
		TrackingCode: optional(in.TrackingCode),
		ProductID:    optional(in.ProductID),
		ContactID:    optional(in.ContactID),
		IPAddress:    optional(in.IPAddress),
		UserAgent:    optional(in.UserAgent),
		Metadata:     in.Metadata,
		CreatedAt:    i.now(),
	}
	if log != nil {
		ev.SendLogID = &log.ID
		ev.ProductID = optional(log.ProductID)
		ev.ContactID = optional(log.ContactID)
	}

	if err := i.repo.InsertTrackingEvent(ctx, ev); err != nil {
		return nil, fmt.Errorf("recording tracking event: %w", err)
	}

	if log != nil && in.EventType == domain.EventDelivered {
		moved, err := i.repo.MarkDelivered(ctx, log.ID)
		if err != nil {
			return nil, fmt.Errorf("marking send log delivered: %w", err)
		}
		if moved {
			i.logger.Debug("send log delivered", "send_log_id", log.ID, "job_id", log.SendJobID)
		}
	}

	i.recorder.TrackingEvent(ev.EventType, log != nil)
	if log == nil {
		i.logger.Info("tracking event recorded without send log", "tracking_code", in.TrackingCode, "event_type", in.EventType)
	}
	return ev, nil
}

// RecordCarrierReport records a DELIVERED or READ receipt.
func (i *Ingest) RecordCarrierReport(ctx context.Context, r CarrierReport, ip, userAgent string) (*domain.TrackingEvent, error) {
	verr := domain.NewValidationError()
	if r.EventType != domain.EventDelivered && r.EventType != domain.EventRead {
		verr.Add("eventType", "must be DELIVERED or READ")
	}
	if r.TrackingCode == "" && r.ExternalMessageID == "" {
		verr.Add("trackingCode", "trackingCode or externalMessageId is required")
	}
	if err := verr.Err(); err != nil {
		return nil, err
	}

	in := EventInput{
		TrackingCode: r.TrackingCode,
		EventType:    r.EventType,
		IPAddress:    ip,
		UserAgent:    userAgent,
		Metadata:     r.Metadata,
	}
	if in.TrackingCode == "" {
		log, err := i.repo.GetLogByExternalID(ctx, r.ExternalMessageID)
		switch {
		case err == nil:
			in.TrackingCode = log.TrackingCode
		case errors.Is(err, domain.ErrNotFound):
			if in.Metadata == nil {
				in.Metadata = map[string]any{}
			}
			in.Metadata["external_message_id"] = r.ExternalMessageID
		default:
			return nil, fmt.Errorf("resolving external message id: %w", err)
		}
	}
	return i.RecordEvent(ctx, in)
}

// Click records a CLICK for code and returns where to send the visitor: the
// product's landing page when known, otherwise the default URL.
func (i *Ingest) Click(ctx context.Context, code, ip, userAgent string) (string, error) {
	ev, err := i.RecordEvent(ctx, EventInput{
		TrackingCode: code,
		EventType:    domain.EventClick,
		IPAddress:    ip,
		UserAgent:    userAgent,
	})
	if err != nil {
		return "", err
	}
	if ev.ProductID == nil {
		return i.defaultURL, nil
	}

	products, err := i.catalog.GetProducts(ctx, []string{*ev.ProductID})
	if err != nil || len(products) == 0 || products[0].LandingURL == "" {
		if err != nil {
			i.logger.Warn("product lookup for redirect failed", "product_id", *ev.ProductID, "error", err)
		}
		return i.defaultURL, nil
	}
	return products[0].LandingURL, nil
}

// Events lists recorded events, newest first.
func (i *Ingest) Events(ctx context.Context, f store.EventFilter) ([]domain.TrackingEvent, error) {
	return i.repo.ListTrackingEvents(ctx, f)
}

func optional(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
