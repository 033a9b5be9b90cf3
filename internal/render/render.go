package render

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"
	"text/template"

	"golang.org/x/text/encoding/korean"
	"golang.org/x/text/language"
	"golang.org/x/text/message"

	"github.com/Priya8975/promo-dispatch/internal/domain"
	"github.com/Priya8975/promo-dispatch/internal/store"
)

// SMSMaxBytes is the largest body, in EUC-KR bytes, a carrier accepts as a
// single SMS. Anything longer is sent as LMS.
const SMSMaxBytes = 90

// Renderer turns a job's product set and one row's recipient into a message.
type Renderer interface {
	Render(ctx context.Context, job *domain.SendJob, log *domain.SendLog) (*domain.Message, error)
}

// TemplateRenderer renders with text/template against catalog data.
type TemplateRenderer struct {
	catalog store.Catalog
	baseURL string
	printer *message.Printer
	sms     *template.Template
	kakao   *template.Template
}

type view struct {
	Custom   string
	Products []productView
	Contact  domain.Contact
	URL      string
}

type productView struct {
	domain.Product
	PriceText string
}

const smsTemplate = `(광고){{if .Custom}} {{.Custom}}{{end}}
{{range .Products}}{{.Name}} {{.PriceText}}
{{end}}{{.URL}}`

const kakaoTemplate = `{{if .Contact.Name}}{{.Contact.Name}}님, {{end}}{{if .Custom}}{{.Custom}}{{else}}추천 상품을 확인해 보세요.{{end}}
{{range .Products}}
■ {{.Name}}
  {{.PriceText}}{{if .Description}}
  {{.Description}}{{end}}
{{end}}`

// NewTemplateRenderer builds a renderer whose tracking links point at baseURL.
func NewTemplateRenderer(catalog store.Catalog, baseURL string) *TemplateRenderer {
	return &TemplateRenderer{
		catalog: catalog,
		baseURL: strings.TrimRight(baseURL, "/"),
		printer: message.NewPrinter(language.Korean),
		sms:     template.Must(template.New("sms").Parse(smsTemplate)),
		kakao:   template.Must(template.New("kakao").Parse(kakaoTemplate)),
	}
}

// TrackingURL is the short link embedded in every message.
func (r *TemplateRenderer) TrackingURL(code string) string {
	return r.baseURL + "/t/" + code
}

// EUCKRLen returns the length of s in EUC-KR bytes, the unit carriers bill
// SMS by. Characters outside EUC-KR count as two bytes.
func EUCKRLen(s string) int {
	enc := korean.EUCKR.NewEncoder()
	n := 0
	for _, r := range s {
		b, err := enc.Bytes([]byte(string(r)))
		if err != nil {
			n += 2
			continue
		}
		n += len(b)
	}
	return n
}

func (r *TemplateRenderer) Render(ctx context.Context, job *domain.SendJob, log *domain.SendLog) (*domain.Message, error) {
	products, err := r.catalog.GetProducts(ctx, job.ProductIDs)
	if err != nil {
		return nil, catalogError("products", err)
	}
	contact, err := r.catalog.GetContact(ctx, log.ContactID)
	if err != nil {
		return nil, catalogError("contact", err)
	}

	v := view{Contact: *contact, URL: r.TrackingURL(log.TrackingCode)}
	if job.CustomMessage != nil {
		v.Custom = strings.TrimSpace(*job.CustomMessage)
	}
	for _, p := range products {
		v.Products = append(v.Products, productView{Product: p, PriceText: r.printer.Sprintf("%d원", p.Price)})
	}

	msg := &domain.Message{
		LogID:        log.ID,
		JobID:        job.ID,
		Channel:      log.Channel,
		LinkURL:      v.URL,
		TrackingCode: log.TrackingCode,
	}

	switch log.Channel {
	case domain.ChannelSMS:
		if contact.Phone == "" {
			return nil, domain.Permanent("INVALID_RECIPIENT", fmt.Sprintf("contact %s has no phone number", contact.ID))
		}
		body, err := execute(r.sms, v)
		if err != nil {
			return nil, err
		}
		msg.To = contact.Phone
		msg.Body = body
		msg.Kind = domain.KindSMS
		if EUCKRLen(body) > SMSMaxBytes {
			msg.Kind = domain.KindLMS
			msg.Subject = products[0].Name
		}
	case domain.ChannelKakao:
		if contact.KakaoID == "" && contact.Phone == "" {
			return nil, domain.Permanent("INVALID_RECIPIENT", fmt.Sprintf("contact %s has no kakao id or phone number", contact.ID))
		}
		body, err := execute(r.kakao, v)
		if err != nil {
			return nil, err
		}
		msg.To = contact.KakaoID
		if msg.To == "" {
			msg.To = contact.Phone
		}
		msg.Body = body
		msg.Kind = domain.KindKakao
		msg.Subject = products[0].Name
	default:
		return nil, domain.Permanent(domain.CodeRenderFailed, fmt.Sprintf("unsupported channel %q", log.Channel))
	}
	return msg, nil
}

func execute(t *template.Template, v view) (string, error) {
	var buf bytes.Buffer
	if err := t.Execute(&buf, v); err != nil {
		return "", domain.Permanent(domain.CodeRenderFailed, err.Error())
	}
	return strings.TrimSpace(buf.String()), nil
}

// catalogError fails the row for missing reference data and retries it when
// the catalog itself could not be read.
func catalogError(what string, err error) error {
	if errors.Is(err, domain.ErrNotFound) {
		return domain.Permanent(domain.CodeRenderFailed, fmt.Sprintf("loading %s: %v", what, err))
	}
	return &domain.DeliveryError{
		Kind:    domain.FailureTransient,
		Code:    "CATALOG_UNAVAILABLE",
		Message: fmt.Sprintf("loading %s", what),
		Err:     err,
	}
}
