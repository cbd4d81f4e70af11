package services

import (
	"bytes"
	"crypto/subtle"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	"capproxy/internal/models"

	"github.com/goccy/go-json"
	"github.com/santhosh-tekuri/jsonschema/v6"
)

var (
	// ErrMalformedPayload is returned for bodies that are not valid JSON or do
	// not decode into the expected shape.
	ErrMalformedPayload = errors.New("malformed payload")

	// ErrNotWebhook is returned when a body does not have the webhook shape.
	ErrNotWebhook = errors.New("payload is not a webhook")

	// ErrUnauthorizedWebhook is returned when the webhook token does not match.
	ErrUnauthorizedWebhook = errors.New("webhook token mismatch")
)

// WebhookTokenHeader carries the shared secret configured on the payment platform.
const WebhookTokenHeader = "X-HOTMART-HOTTOK"

const webhookSchemaURL = "capproxy://schema/webhook.json"

const webhookSchema = `{
  "type": "object",
  "required": ["id", "event", "data"],
  "properties": {
    "id": {"type": "string", "minLength": 1},
    "event": {"type": "string", "pattern": "^[A-Z][A-Z_]*$"},
    "creation_date": {"type": "integer"},
    "data": {
      "type": "object",
      "required": ["product", "buyer", "purchase"],
      "properties": {
        "product": {
          "type": "object",
          "properties": {
            "id": {"type": "integer"},
            "name": {"type": "string"}
          }
        },
        "buyer": {
          "type": "object",
          "properties": {
            "email": {"type": "string"},
            "name": {"type": "string"},
            "first_name": {"type": "string"},
            "last_name": {"type": "string"},
            "checkout_phone": {"type": "string"},
            "address": {
              "type": "object",
              "properties": {
                "city": {"type": "string"},
                "state": {"type": "string"},
                "country": {"type": "string"},
                "country_iso": {"type": "string"},
                "zipcode": {"type": "string"}
              }
            }
          }
        },
        "purchase": {
          "type": "object",
          "properties": {
            "transaction": {"type": "string"},
            "order_date": {"type": "integer"},
            "approved_date": {"type": "integer"},
            "status": {"type": "string"},
            "price": {
              "type": "object",
              "properties": {
                "value": {"type": "number"},
                "currency_value": {"type": "string"}
              }
            }
          }
        },
        "checkout_country": {
          "type": "object",
          "properties": {
            "name": {"type": "string"},
            "iso": {"type": "string"}
          }
        }
      }
    }
  }
}`

// WebhookService recognises payment platform notifications and maps
// approved purchases to conversion events.
type WebhookService struct {
	schema *jsonschema.Schema
	token  string
	logger *slog.Logger
}

func NewWebhookService(token string, logger *slog.Logger) (*WebhookService, error) {
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(webhookSchema))
	if err != nil {
		return nil, fmt.Errorf("unmarshal webhook schema: %w", err)
	}

	c := jsonschema.NewCompiler()
	if err := c.AddResource(webhookSchemaURL, doc); err != nil {
		return nil, fmt.Errorf("add webhook schema resource: %w", err)
	}
	schema, err := c.Compile(webhookSchemaURL)
	if err != nil {
		return nil, fmt.Errorf("compile webhook schema: %w", err)
	}

	return &WebhookService{schema: schema, token: token, logger: logger}, nil
}

// Parse decodes body as a webhook. It returns ErrNotWebhook when the body
// is valid JSON of another shape.
func (s *WebhookService) Parse(body []byte) (*models.Webhook, error) {
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}
	if err := s.schema.Validate(doc); err != nil {
		s.logger.Debug("Webhook: Body does not match webhook shape", "error", err)
		return nil, ErrNotWebhook
	}

	var wh models.Webhook
	if err := json.Unmarshal(body, &wh); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}
	return &wh, nil
}

// Authorize checks the platform token when one is configured.
func (s *WebhookService) Authorize(token string) error {
	if s.token == "" {
		return nil
	}
	if subtle.ConstantTimeCompare([]byte(token), []byte(s.token)) != 1 {
		return ErrUnauthorizedWebhook
	}
	return nil
}

// Forwardable reports whether the notification becomes a conversion.
func (s *WebhookService) Forwardable(wh *models.Webhook) bool {
	return wh.Event == models.WebhookPurchaseApproved
}

// ToEvent maps an approved purchase to a Purchase event. PII is left raw
// for the enrichment pipeline to normalize and hash.
func (s *WebhookService) ToEvent(wh *models.Webhook) models.Event {
	d := wh.Data
	first, last := d.Buyer.FirstName, d.Buyer.LastName
	if first == "" && last == "" {
		first, last = splitName(d.Buyer.Name)
	}

	ud := models.UserData{
		Email:      d.Buyer.Email,
		Phone:      d.Buyer.CheckoutPhone,
		FirstName:  first,
		LastName:   last,
		ExternalID: strings.ToLower(strings.TrimSpace(d.Buyer.Email)),
	}
	var addrCountry string
	if a := d.Buyer.Address; a != nil {
		ud.City = a.City
		ud.State = a.State
		ud.Postal = a.Zipcode
		addrCountry = firstNonEmpty(a.CountryISO, a.Country)
	}
	if cc := d.CheckoutCountry; cc != nil && cc.ISO != "" {
		ud.Country = cc.ISO
	} else {
		ud.Country = addrCountry
	}

	cd := models.CustomData{
		"value":        models.Number(d.Purchase.Price.Value),
		"content_type": models.String("product"),
	}
	if d.Purchase.Price.CurrencyValue != "" {
		cd["currency"] = models.String(strings.ToUpper(d.Purchase.Price.CurrencyValue))
	}
	if d.Product.Name != "" {
		cd["content_name"] = models.String(d.Product.Name)
	}
	if d.Product.ID != 0 {
		ids, _ := json.Marshal([]string{strconv.FormatInt(d.Product.ID, 10)})
		cd["content_ids"] = models.RawValue(ids)
	}
	if d.Purchase.Transaction != "" {
		cd["order_id"] = models.String(d.Purchase.Transaction)
	}

	return models.Event{
		EventID:      d.Purchase.Transaction,
		EventName:    models.EventPurchase,
		EventTime:    webhookEventTime(d.Purchase.ApprovedDate, d.Purchase.OrderDate, wh.CreationDate),
		ActionSource: models.ActionSourceWebsite,
		UserData:     ud,
		CustomData:   cd,
	}
}

// webhookEventTime returns the first non-zero timestamp in Unix seconds.
// The platform sends milliseconds.
func webhookEventTime(candidates ...int64) models.UnixTime {
	for _, ts := range candidates {
		if ts <= 0 {
			continue
		}
		if ts > 1e11 {
			ts /= 1000
		}
		return models.UnixTime(ts)
	}
	return 0
}

func splitName(name string) (string, string) {
	fields := strings.Fields(name)
	switch len(fields) {
	case 0:
		return "", ""
	case 1:
		return fields[0], ""
	default:
		return fields[0], fields[len(fields)-1]
	}
}
