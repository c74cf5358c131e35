package domain

import (
	"context"
	"sort"
	"strings"
	"time"
)

// Recipient is a plain delivery target identifier (phone number, chat id, ...).
type Recipient string

// PersonalizedRecipient pairs a recipient with the variables used to fill a
// template just before its send is issued.
type PersonalizedRecipient struct {
	Recipient Recipient
	Variables map[string]string
}

// Payload is the body handed to the Sender for one recipient.
//
// The dispatcher treats it as opaque; Body is the rendered text and Meta
// carries whatever extra the transport adapter needs.
type Payload struct {
	Body string
	Meta map[string]string
}

// Template is a named message with {{var}} placeholders.
type Template struct {
	Name   string
	Body   string
	Params []string // declared placeholder names, in order
}

// Render substitutes vars into the template body. Placeholders without a
// matching variable are left untouched so failures are visible downstream.
func (t Template) Render(vars map[string]string) Payload {
	body := t.Body
	if len(vars) > 0 {
		// Longest keys first so {{name_full}} is not clobbered by {{name}}.
		keys := make([]string, 0, len(vars))
		for k := range vars {
			keys = append(keys, k)
		}
		sort.Slice(keys, func(i, j int) bool { return len(keys[i]) > len(keys[j]) })
		for _, k := range keys {
			body = strings.ReplaceAll(body, "{{"+k+"}}", vars[k])
		}
	}
	return Payload{Body: body}
}

// SendResult records the outcome of one recipient send. Immutable once
// created; appended to its job's result list exactly once.
type SendResult struct {
	Recipient   Recipient
	Success     bool
	ProviderID  string // provider-assigned message id on success
	Error       string // failure description on error
	CompletedAt time.Time
}

// Sender is the external send primitive. Both engines treat it as opaque and
// never retry it internally; retry, if any, belongs to the implementation.
type Sender interface {
	Send(ctx context.Context, to Recipient, payload Payload) (providerID string, err error)
}

// SenderFunc adapts a function to the Sender interface.
type SenderFunc func(ctx context.Context, to Recipient, payload Payload) (string, error)

func (f SenderFunc) Send(ctx context.Context, to Recipient, payload Payload) (string, error) {
	return f(ctx, to, payload)
}
