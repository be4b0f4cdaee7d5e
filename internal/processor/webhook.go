package processor

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// SignatureTolerance bounds the age of a signed webhook payload.
const SignatureTolerance = 5 * time.Minute

// SignPayload returns a signature header in the processor's format:
// "t=<unix>,v1=<hex hmac-sha256 of "<unix>.<payload>">".
func SignPayload(payload []byte, secret string, at time.Time) string {
	ts := strconv.FormatInt(at.Unix(), 10)
	return "t=" + ts + ",v1=" + computeSignature(ts, payload, secret)
}

// VerifySignature checks a signature header against payload.
func VerifySignature(payload []byte, header, secret string, now time.Time) error {
	if secret == "" || header == "" {
		return ErrSignatureInvalid
	}

	var ts string
	var sigs []string
	for _, part := range strings.Split(header, ",") {
		k, v, ok := strings.Cut(strings.TrimSpace(part), "=")
		if !ok {
			continue
		}
		switch k {
		case "t":
			ts = v
		case "v1":
			sigs = append(sigs, v)
		}
	}
	if ts == "" || len(sigs) == 0 {
		return ErrSignatureInvalid
	}

	unix, err := strconv.ParseInt(ts, 10, 64)
	if err != nil {
		return ErrSignatureInvalid
	}
	age := now.Sub(time.Unix(unix, 0))
	if age > SignatureTolerance || age < -SignatureTolerance {
		return fmt.Errorf("%w: timestamp outside tolerance", ErrSignatureInvalid)
	}

	expected := computeSignature(ts, payload, secret)
	for _, s := range sigs {
		if hmac.Equal([]byte(s), []byte(expected)) {
			return nil
		}
	}
	return ErrSignatureInvalid
}

func computeSignature(ts string, payload []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(ts))
	mac.Write([]byte("."))
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}

// eventEnvelope is the outer webhook JSON.
type eventEnvelope struct {
	ID      string `json:"id"`
	Type    string `json:"type"`
	Created int64  `json:"created"`
	Account string `json:"account"`
	Data    struct {
		Object json.RawMessage `json:"object"`
	} `json:"data"`
}

// eventObject holds the union of fields read from intent, charge, dispute
// and payout objects.
type eventObject struct {
	ID                 string `json:"id"`
	Object             string `json:"object"`
	PaymentIntent      string `json:"payment_intent"`
	Amount             int64  `json:"amount"`
	AmountReceived     int64  `json:"amount_received"`
	AmountRefunded     int64  `json:"amount_refunded"`
	Status             string `json:"status"`
	Reason             string `json:"reason"`
	CancellationReason string `json:"cancellation_reason"`
	FailureCode        string `json:"failure_code"`
	FailureMessage     string `json:"failure_message"`
	ArrivalDate        int64  `json:"arrival_date"`
	LastPaymentError   *struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"last_payment_error"`
}

// decodeEvent reduces an event's data object to an Event.
func decodeEvent(id, eventType string, created int64, account string, raw json.RawMessage) (*Event, error) {
	var obj eventObject
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &obj); err != nil {
			return nil, fmt.Errorf("decode event object: %w", err)
		}
	}

	ev := &Event{
		ID:             id,
		Type:           eventType,
		Created:        time.Unix(created, 0).UTC(),
		Account:        account,
		ObjectID:       obj.ID,
		Amount:         obj.Amount,
		AmountReceived: obj.AmountReceived,
		AmountRefunded: obj.AmountRefunded,
		Status:         obj.Status,
		Reason:         obj.Reason,
		FailureCode:    obj.FailureCode,
		FailureMessage: obj.FailureMessage,
	}
	if obj.ArrivalDate > 0 {
		ev.ArrivalDate = time.Unix(obj.ArrivalDate, 0).UTC()
	}

	switch obj.Object {
	case "payment_intent":
		ev.IntentID = obj.ID
		if obj.CancellationReason != "" {
			ev.Reason = obj.CancellationReason
		}
		if obj.LastPaymentError != nil {
			ev.FailureCode = obj.LastPaymentError.Code
			ev.FailureMessage = obj.LastPaymentError.Message
		}
	case "payout":
		ev.PayoutID = obj.ID
	default:
		ev.IntentID = obj.PaymentIntent
	}
	return ev, nil
}

// parseEvent verifies and decodes a payload with the local verifier.
func parseEvent(payload []byte, header, secret string, now time.Time) (*Event, error) {
	if err := VerifySignature(payload, header, secret, now); err != nil {
		return nil, err
	}
	var env eventEnvelope
	if err := json.Unmarshal(payload, &env); err != nil {
		return nil, fmt.Errorf("decode event: %w", err)
	}
	if env.ID == "" || env.Type == "" {
		return nil, fmt.Errorf("decode event: missing id or type")
	}
	return decodeEvent(env.ID, env.Type, env.Created, env.Account, env.Data.Object)
}
