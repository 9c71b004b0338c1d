package apns

import (
	"bytes"
	"encoding/json"
)

// Alert is the aps.alert dictionary.
type Alert struct {
	Body         string
	ActionLocKey string
	LocKey       string
	LocArgs      []any
	LaunchImage  string
}

func (a Alert) IsEmpty() bool {
	return a.Body == "" && a.ActionLocKey == "" && a.LocKey == "" && len(a.LocArgs) == 0 && a.LaunchImage == ""
}

type customItem struct {
	key    string
	values []any
}

// Payload is the JSON body of a notification.
//
// Field order in the serialised form is fixed: aps first (alert, badge,
// sound, content-available, category), then custom keys in insertion order.
type Payload struct {
	Alert            Alert
	Badge            *int
	Sound            string
	ContentAvailable *int
	Category         string
	HideActionButton bool

	custom []customItem
}

// NewPayload returns a payload with a plain alert body.
func NewPayload(body string) *Payload {
	return &Payload{Alert: Alert{Body: body}}
}

// AddCustom appends a top-level key. A single value is written as-is, several
// values as an array. Re-adding a key replaces it in place.
func (p *Payload) AddCustom(key string, values ...any) {
	if len(values) == 0 {
		return
	}
	for i := range p.custom {
		if p.custom[i].key == key {
			p.custom[i].values = values
			return
		}
	}
	p.custom = append(p.custom, customItem{key: key, values: values})
}

// CustomKeys lists custom keys in insertion order.
func (p *Payload) CustomKeys() []string {
	out := make([]string, 0, len(p.custom))
	for _, c := range p.custom {
		out = append(out, c.key)
	}
	return out
}

func (p *Payload) simpleAlert() bool {
	a := p.Alert
	return a.Body != "" && a.LocKey == "" && a.ActionLocKey == "" &&
		len(a.LocArgs) == 0 && a.LaunchImage == "" && !p.HideActionButton
}

// MarshalJSON writes the payload with stable key order and without HTML escaping.
func (p *Payload) MarshalJSON() ([]byte, error) {
	aps := &object{}
	if !p.Alert.IsEmpty() {
		if p.simpleAlert() {
			aps.set("alert", p.Alert.Body)
		} else {
			alert := &object{}
			if p.Alert.LocKey != "" {
				alert.set("loc-key", p.Alert.LocKey)
			}
			if len(p.Alert.LocArgs) > 0 {
				alert.set("loc-args", p.Alert.LocArgs)
			}
			if p.Alert.Body != "" {
				alert.set("body", p.Alert.Body)
			}
			if p.HideActionButton {
				alert.set("action-loc-key", nil)
			} else if p.Alert.ActionLocKey != "" {
				alert.set("action-loc-key", p.Alert.ActionLocKey)
			}
			if p.Alert.LaunchImage != "" {
				alert.set("launch-image", p.Alert.LaunchImage)
			}
			aps.set("alert", alert)
		}
	}
	if p.Badge != nil {
		aps.set("badge", *p.Badge)
	}
	if p.Sound != "" {
		aps.set("sound", p.Sound)
	}
	if p.ContentAvailable != nil {
		aps.set("content-available", *p.ContentAvailable)
		if p.Sound == "" {
			aps.set("sound", "")
		}
	}
	if p.Category != "" {
		aps.set("category", p.Category)
	}

	root := &object{}
	if len(aps.keys) > 0 {
		root.set("aps", aps)
	}
	for _, c := range p.custom {
		if len(c.values) == 1 {
			root.set(c.key, c.values[0])
		} else {
			root.set(c.key, c.values)
		}
	}
	return root.MarshalJSON()
}

// JSON is MarshalJSON without the error for payloads known to be encodable.
func (p *Payload) JSON() string {
	b, err := p.MarshalJSON()
	if err != nil {
		return "{}"
	}
	return string(b)
}

// object is an insertion-ordered JSON object.
type object struct {
	keys []string
	vals []any
}

func (o *object) set(k string, v any) {
	o.keys = append(o.keys, k)
	o.vals = append(o.vals, v)
}

func (o *object) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, k := range o.keys {
		if i > 0 {
			buf.WriteByte(',')
		}
		if err := encodeValue(&buf, k); err != nil {
			return nil, err
		}
		buf.WriteByte(':')
		if err := encodeValue(&buf, o.vals[i]); err != nil {
			return nil, err
		}
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

func encodeValue(buf *bytes.Buffer, v any) error {
	if m, ok := v.(json.Marshaler); ok {
		b, err := m.MarshalJSON()
		if err != nil {
			return err
		}
		buf.Write(b)
		return nil
	}
	var tmp bytes.Buffer
	enc := json.NewEncoder(&tmp)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return err
	}
	buf.Write(bytes.TrimRight(tmp.Bytes(), "\n"))
	return nil
}
