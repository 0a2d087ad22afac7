package billing

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
)

type rawEnvelope struct {
	ID      string          `json:"id"`
	Type    string          `json:"type"`
	Created int64           `json:"created"`
	Data    json.RawMessage `json:"data"`
}

// Decode is the ingestion gate: nothing is decoded unless the
// signature matches.
func Decode(body []byte, signatureHeader, webhookSecret string) (*Event, error) {
	if !VerifyWebhookSignature(body, signatureHeader, webhookSecret) {
		return nil, ErrSignatureInvalid
	}
	return DecodeEvent(body)
}

// DecodeEvent parses {id, type, data}. data.object is the payload; a data
// object without "object" is taken as the payload itself.
func DecodeEvent(body []byte) (*Event, error) {
	var env rawEnvelope
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}
	env.ID = strings.TrimSpace(env.ID)
	env.Type = strings.TrimSpace(env.Type)
	if env.ID == "" || env.Type == "" {
		return nil, fmt.Errorf("%w: missing id or type", ErrMalformedPayload)
	}

	ev := &Event{ID: env.ID, Type: env.Type, Created: env.Created}
	data := bytes.TrimSpace(env.Data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		ev.Object = json.RawMessage("{}")
		return ev, nil
	}

	var wrapper map[string]json.RawMessage
	if err := json.Unmarshal(data, &wrapper); err != nil {
		return nil, fmt.Errorf("%w: data is not an object", ErrMalformedPayload)
	}
	if obj, ok := wrapper["object"]; ok && len(bytes.TrimSpace(obj)) > 0 && bytes.TrimSpace(obj)[0] == '{' {
		ev.Object = obj
	} else {
		ev.Object = data
	}
	return ev, nil
}
