package models

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"
)

// ActionSourceWebsite is the default action_source for frontend events.
const ActionSourceWebsite = "website"

// Standard event names with a custom_data policy.
const (
	EventPageView = "PageView"
	EventLead     = "Lead"
	EventPurchase = "Purchase"
)

var ErrUnsupportedValue = errors.New("unsupported value type")

// Event is one conversion signal as received from a caller and as sent to
// the Conversions API.
type Event struct {
	EventID        string     `json:"event_id,omitempty"`
	EventName      string     `json:"event_name"`
	EventTime      UnixTime   `json:"event_time,omitempty"`
	EventSourceURL string     `json:"event_source_url,omitempty"`
	ActionSource   string     `json:"action_source,omitempty"`
	UserData       UserData   `json:"user_data"`
	CustomData     CustomData `json:"custom_data,omitempty"`

	// SessionID is accepted inbound only and cleared before forwarding.
	SessionID string `json:"session_id,omitempty"`
}

// UserData carries identity attributes. Field names follow the Conversions
// API wire format.
type UserData struct {
	Email           string `json:"em,omitempty"`
	Phone           string `json:"ph,omitempty"`
	FirstName       string `json:"fn,omitempty"`
	LastName        string `json:"ln,omitempty"`
	City            string `json:"ct,omitempty"`
	State           string `json:"st,omitempty"`
	Postal          string `json:"zp,omitempty"`
	Country         string `json:"country,omitempty"`
	ExternalID      string `json:"external_id,omitempty"`
	ClientIPAddress string `json:"client_ip_address,omitempty"`
	ClientUserAgent string `json:"client_user_agent,omitempty"`
	FBC             string `json:"fbc,omitempty"`
	FBP             string `json:"fbp,omitempty"`
}

// Batch is the frontend request body and the outbound payload.
type Batch struct {
	Data        []Event `json:"data"`
	AccessToken string  `json:"access_token,omitempty"`
	TestCode    string  `json:"test_event_code,omitempty"`
}

// UnixTime is an event timestamp in Unix seconds. It accepts JSON numbers
// (fractions are truncated) and numeric strings.
type UnixTime int64

func (t *UnixTime) UnmarshalJSON(b []byte) error {
	s := strings.Trim(string(b), `"`)
	if s == "" || s == "null" {
		*t = 0
		return nil
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil || math.IsNaN(f) || math.IsInf(f, 0) {
		return fmt.Errorf("event_time: invalid unix timestamp %q", s)
	}
	*t = UnixTime(int64(f))
	return nil
}

// Kind tags the dynamic type held by a Value.
type Kind uint8

const (
	KindNull Kind = iota
	KindString
	KindNumber
	KindBool
	KindRaw
	// KindUnsupported marks a custom_data entry whose JSON value was an
	// object or array outside the structured keys. It encodes as null and is
	// expected to be stripped before forwarding.
	KindUnsupported
)

// Value is a scalar custom_data entry. KindRaw holds the structured
// contents/content_ids lists verbatim.
type Value struct {
	kind Kind
	str  string
	num  float64
	b    bool
	raw  json.RawMessage
}

func String(s string) Value { return Value{kind: KindString, str: s} }
func Number(n float64) Value { return Value{kind: KindNumber, num: n} }
func Bool(b bool) Value { return Value{kind: KindBool, b: b} }
func Null() Value { return Value{} }

// RawValue carries an already encoded JSON list such as contents or content_ids.
func RawValue(b json.RawMessage) Value { return Value{kind: KindRaw, raw: b} }

func (v Value) Kind() Kind { return v.kind }
func (v Value) Str() string { return v.str }
func (v Value) Num() float64 { return v.num }
func (v Value) Boolean() bool { return v.b }

func (v Value) MarshalJSON() ([]byte, error) {
	switch v.kind {
	case KindString:
		return json.Marshal(v.str)
	case KindNumber:
		return []byte(strconv.FormatFloat(v.num, 'f', -1, 64)), nil
	case KindBool:
		return json.Marshal(v.b)
	case KindRaw:
		return v.raw, nil
	default:
		return []byte("null"), nil
	}
}

func (v *Value) UnmarshalJSON(b []byte) error {
	var x any
	if err := json.Unmarshal(b, &x); err != nil {
		return err
	}
	switch t := x.(type) {
	case nil:
		*v = Null()
	case string:
		*v = String(t)
	case float64:
		*v = Number(t)
	case bool:
		*v = Bool(t)
	default:
		return ErrUnsupportedValue
	}
	return nil
}

// Unsupported lists the keys holding KindUnsupported values, sorted.
func (c CustomData) Unsupported() []string {
	var keys []string
	for k, v := range c {
		if v.kind == KindUnsupported {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	return keys
}

// structuredKeys are custom_data keys whose values are lists rather than scalars.
var structuredKeys = map[string]bool{
	"contents":    true,
	"content_ids": true,
}

// CustomData is the free-form custom_data bag. Entries that are not scalars
// decode as KindUnsupported instead of failing the whole event.
type CustomData map[string]Value

func (c *CustomData) UnmarshalJSON(b []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(b, &raw); err != nil {
		return fmt.Errorf("custom_data: %w", err)
	}
	if raw == nil {
		*c = nil
		return nil
	}
	out := make(CustomData, len(raw))
	for k, r := range raw {
		if structuredKeys[k] {
			out[k] = Value{kind: KindRaw, raw: append(json.RawMessage(nil), r...)}
			continue
		}
		var v Value
		if err := v.UnmarshalJSON(r); err != nil {
			if !errors.Is(err, ErrUnsupportedValue) {
				return fmt.Errorf("custom_data.%s: %w", k, err)
			}
			v = Value{kind: KindUnsupported}
		}
		out[k] = v
	}
	*c = out
	return nil
}
