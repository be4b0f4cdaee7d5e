package notify

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/localmarket/paycore/internal/idgen"
	"github.com/localmarket/paycore/internal/logging"
	"github.com/localmarket/paycore/internal/metrics"
	"github.com/localmarket/paycore/internal/retry"
)

// SignatureHeader carries the delivery signature.
const SignatureHeader = "Paycore-Signature"

// Config tunes delivery.
type Config struct {
	Timeout      time.Duration // per HTTP attempt
	Attempts     int
	Backoff      time.Duration
	DisableAfter int // consecutive failed deliveries before a subscription is deactivated
}

// DefaultConfig returns production delivery settings.
func DefaultConfig() Config {
	return Config{
		Timeout:      10 * time.Second,
		Attempts:     3,
		Backoff:      time.Second,
		DisableAfter: 20,
	}
}

// Dispatcher signs and posts events to subscriptions in the background.
type Dispatcher struct {
	store  Store
	client *http.Client
	cfg    Config
	wg     sync.WaitGroup
	now    func() time.Time
}

// NewDispatcher creates a dispatcher over store.
func NewDispatcher(store Store, cfg Config) *Dispatcher {
	if cfg.Attempts <= 0 {
		cfg.Attempts = 1
	}
	return &Dispatcher{
		store:  store,
		client: &http.Client{Timeout: cfg.Timeout},
		cfg:    cfg,
		now:    time.Now,
	}
}

// Notify builds an event and queues it for every subscription of the
// business that wants it. Errors are logged, never returned.
func (d *Dispatcher) Notify(ctx context.Context, businessID string, typ EventType, data map[string]any) {
	if d == nil {
		return
	}
	ev := &Event{
		ID:         idgen.WithPrefix("evt_"),
		Type:       typ,
		BusinessID: businessID,
		CreatedAt:  d.now().UTC(),
		Data:       data,
	}
	if err := d.Dispatch(ctx, ev); err != nil {
		metrics.NotificationsTotal.WithLabelValues(string(typ), "dropped").Inc()
		logging.L(ctx).Warn("notification dropped", "type", typ, "business_id", businessID, "error", err)
	}
}

// Dispatch queues ev for delivery and returns once the subscriptions are
// known. Deliveries outlive ctx's cancellation but keep its values.
func (d *Dispatcher) Dispatch(ctx context.Context, ev *Event) error {
	subs, err := d.store.ListByBusiness(ctx, ev.BusinessID)
	if err != nil {
		return fmt.Errorf("list subscriptions: %w", err)
	}
	var targets []*Subscription
	for _, s := range subs {
		if s.Wants(ev.Type) {
			targets = append(targets, s)
		}
	}
	if len(targets) == 0 {
		return nil
	}

	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	bg := context.WithoutCancel(ctx)
	for _, sub := range targets {
		d.wg.Add(1)
		go func() {
			defer d.wg.Done()
			d.deliver(bg, sub, ev, payload)
		}()
	}
	return nil
}

// Wait blocks until queued deliveries finish.
func (d *Dispatcher) Wait() {
	d.wg.Wait()
}

func (d *Dispatcher) deliver(ctx context.Context, sub *Subscription, ev *Event, payload []byte) {
	err := retry.Do(ctx, d.cfg.Attempts, d.cfg.Backoff, func() error {
		return d.post(ctx, sub, ev, payload)
	})

	rec := Delivery{At: d.now(), DisableAfter: d.cfg.DisableAfter}
	result := "delivered"
	if err != nil {
		rec.Err = err.Error()
		result = "failed"
		logging.L(ctx).Warn("notification delivery failed",
			"subscription_id", sub.ID, "event_id", ev.ID, "type", ev.Type, "error", err)
	}
	metrics.NotificationsTotal.WithLabelValues(string(ev.Type), result).Inc()

	if err := d.store.RecordDelivery(ctx, sub.ID, rec); err != nil {
		logging.L(ctx).Warn("failed to record notification delivery", "subscription_id", sub.ID, "error", err)
	}
}

func (d *Dispatcher) post(ctx context.Context, sub *Subscription, ev *Event, payload []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, sub.URL, bytes.NewReader(payload))
	if err != nil {
		return retry.Permanent(err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "paycore-webhooks/1")
	req.Header.Set("Paycore-Event", string(ev.Type))
	req.Header.Set("Paycore-Event-Id", ev.ID)
	req.Header.Set(SignatureHeader, Sign(sub.Secret, payload, d.now()))

	resp, err := d.client.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4<<10))

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return fmt.Errorf("endpoint returned %d", resp.StatusCode)
	default:
		return retry.Permanent(fmt.Errorf("endpoint returned %d", resp.StatusCode))
	}
}

// Sign returns the signature header value for payload at time at.
func Sign(secret string, payload []byte, at time.Time) string {
	ts := strconv.FormatInt(at.Unix(), 10)
	return "t=" + ts + ",v1=" + mac(secret, ts, payload)
}

// Verify checks a signature header produced by Sign, rejecting timestamps
// further than tolerance from now.
func Verify(secret string, payload []byte, header string, now time.Time, tolerance time.Duration) bool {
	var ts, sig string
	for _, part := range strings.Split(header, ",") {
		k, v, ok := strings.Cut(strings.TrimSpace(part), "=")
		if !ok {
			continue
		}
		switch k {
		case "t":
			ts = v
		case "v1":
			sig = v
		}
	}
	if ts == "" || sig == "" {
		return false
	}
	sec, err := strconv.ParseInt(ts, 10, 64)
	if err != nil {
		return false
	}
	if age := now.Sub(time.Unix(sec, 0)); age > tolerance || age < -tolerance {
		return false
	}
	return hmac.Equal([]byte(sig), []byte(mac(secret, ts, payload)))
}

func mac(secret, ts string, payload []byte) string {
	h := hmac.New(sha256.New, []byte(secret))
	h.Write([]byte(ts))
	h.Write([]byte("."))
	h.Write(payload)
	return hex.EncodeToString(h.Sum(nil))
}
