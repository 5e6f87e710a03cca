package trackkit

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"math/rand"
	"net/http"
	"net/url"
	"time"

	"github.com/klauspost/compress/gzip"
	"github.com/oklog/ulid/v2"
)

// userAgent identifies the SDK on every request.
const userAgent = "TrackKit/1.0 (+https://github.com/tyler-ng/TrackKit)"

// maxResponseBody bounds how much of a collector response is read
// when looking for a partial-acknowledgement body.
const maxResponseBody = 1 << 20

// RequestInterceptor rewrites an outgoing request before it is sent.
// Interceptors run in registration order after authentication is
// applied; an error aborts the attempt.
type RequestInterceptor interface {
	Intercept(req *http.Request) error
}

// ResponseHandler observes the outcome of a delivery attempt after
// classification. Handlers run in registration order, are side-effect
// only (logging, metrics), and cannot alter the result.
type ResponseHandler interface {
	HandleResponse(endpoint string, status int, latency time.Duration, err error)
}

// EventDeliveryResult is the outcome of a single-event send.
type EventDeliveryResult struct {
	// Success is true on a 2xx response.
	Success bool

	// Err is the classified failure, nil on success.
	Err *DeliveryError

	// StatusCode is the HTTP status, 0 if no response was received.
	StatusCode int

	// Latency is the duration of the last attempt.
	Latency time.Duration

	// Attempts is how many attempts were made (1 unless the retry
	// policy kicked in).
	Attempts int
}

// BatchDeliveryResult is the outcome of a batch send, including the
// per-event success/failure partition.
type BatchDeliveryResult struct {
	// Success is true when every event in the batch was accepted.
	Success bool

	// Delivered and Failed partition the batch by event id.
	Delivered []ulid.ULID
	Failed    []ulid.ULID

	// Err is the classified failure. Nil when the batch fully
	// succeeded; set on a non-2xx response and on partial acceptance.
	Err *DeliveryError

	// StatusCode is the HTTP status, 0 if no response was received.
	StatusCode int

	// Latency is the duration of the attempt.
	Latency time.Duration

	// Attempts is always 1 at this layer; batch retries are owned by
	// the batch manager.
	Attempts int
}

// errorCount is the number of errors observed in this attempt; it
// feeds the batch manager's backoff exponent.
func (r *BatchDeliveryResult) errorCount() int {
	if r.Err != nil {
		return 1
	}
	return 0
}

// partialAck is the optional structured body a collector may return
// on a 2xx batch response to reject a subset of the batch.
type partialAck struct {
	FailedIDs []string `json:"failed_ids"`
}

// deliveryClient sends single events and batches to the collector.
// It holds no event state: retry decisions for batches belong to the
// batch manager, and the single-event retry loop here is bounded by
// the configured RetryPolicy.
type deliveryClient struct {
	http         *http.Client
	auth         *authenticator
	formatter    PayloadFormatter
	interceptors []RequestInterceptor
	handlers     []ResponseHandler
	retry        RetryPolicy
	compress     bool
	logger       *slog.Logger

	singleURL   string
	batchURL    string
	realtimeURL string
}

// newDeliveryClient validates and joins the endpoint URLs up front so
// a malformed BaseURL surfaces as ErrInvalidConfig at Open rather
// than as a per-send invalid-URL failure.
func newDeliveryClient(cfg Config) (*deliveryClient, error) {
	base, err := url.Parse(cfg.BaseURL)
	if err != nil {
		return nil, &DeliveryError{Kind: ErrorKindInvalidURL, Err: err}
	}

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: cfg.RequestTimeout}
	}

	formatter := cfg.Formatter
	if formatter == nil {
		formatter = jsonFormatter{}
	}

	return &deliveryClient{
		http:         httpClient,
		auth:         newAuthenticator(cfg.Auth, cfg.APIKey, httpClient),
		formatter:    formatter,
		interceptors: cfg.Interceptors,
		handlers:     cfg.ResponseHandlers,
		retry:        cfg.Retry,
		compress:     cfg.CompressPayloads,
		logger:       cfg.Logger,
		singleURL:    base.JoinPath(cfg.SingleEventPath).String(),
		batchURL:     base.JoinPath(cfg.BatchPath).String(),
		realtimeURL:  base.JoinPath(cfg.RealtimePath).String(),
	}, nil
}

// SendEvent delivers one event. Critical events go to the realtime
// endpoint; everything else to the single-event endpoint. Retryable
// failures are retried per the configured RetryPolicy with capped
// exponential backoff and jitter.
func (c *deliveryClient) SendEvent(ctx context.Context, event Event, realtime bool) EventDeliveryResult {
	endpoint := c.singleURL
	if realtime {
		endpoint = c.realtimeURL
	}

	payload, err := c.formatter.FormatEvent(event)
	if err != nil {
		return EventDeliveryResult{
			Err:      &DeliveryError{Kind: ErrorKindPayloadEncoding, Err: err},
			Attempts: 0,
		}
	}
	payload = c.auth.applyBody(payload)

	var result EventDeliveryResult
	for attempt := 1; ; attempt++ {
		status, _, derr, latency := c.post(ctx, endpoint, payload)
		result = EventDeliveryResult{
			Success:    derr == nil,
			Err:        derr,
			StatusCode: status,
			Latency:    latency,
			Attempts:   attempt,
		}
		if derr == nil || !derr.Retryable() || attempt > c.retry.MaxRetries {
			return result
		}

		select {
		case <-time.After(c.retryDelay(attempt)):
		case <-ctx.Done():
			result.Err = &DeliveryError{Kind: ErrorKindCancelled, Err: ctx.Err()}
			return result
		}
	}
}

// SendBatch delivers a batch in a single attempt. A 2xx response
// accepts the whole batch unless its body carries a structured
// partial acknowledgement naming failed ids; any non-2xx response or
// transport failure fails every event in the batch.
func (c *deliveryClient) SendBatch(ctx context.Context, events []Event) BatchDeliveryResult {
	ids := eventIDs(events)

	payload, err := c.formatter.FormatBatch(events)
	if err != nil {
		return BatchDeliveryResult{
			Failed: ids,
			Err:    &DeliveryError{Kind: ErrorKindPayloadEncoding, Err: err},
		}
	}
	payload = c.auth.applyBody(payload)

	status, body, derr, latency := c.post(ctx, c.batchURL, payload)
	result := BatchDeliveryResult{
		StatusCode: status,
		Latency:    latency,
		Attempts:   1,
	}
	if derr != nil {
		result.Failed = ids
		result.Err = derr
		return result
	}

	delivered, failed := partitionAck(events, body)
	result.Delivered = delivered
	result.Failed = failed
	result.Success = len(failed) == 0
	if len(failed) > 0 {
		result.Err = &DeliveryError{Kind: ErrorKindServerError, StatusCode: status}
	}
	return result
}

// partitionAck splits the batch by the collector's partial
// acknowledgement, if any. An absent or unparsable body means the
// whole batch was accepted.
func partitionAck(events []Event, body []byte) (delivered, failed []ulid.ULID) {
	var ack partialAck
	if len(body) > 0 {
		if err := json.Unmarshal(body, &ack); err != nil {
			ack.FailedIDs = nil
		}
	}
	if len(ack.FailedIDs) == 0 {
		return eventIDs(events), nil
	}

	rejected := make(map[string]bool, len(ack.FailedIDs))
	for _, id := range ack.FailedIDs {
		rejected[id] = true
	}
	for _, event := range events {
		if rejected[event.ID.String()] {
			failed = append(failed, event.ID)
		} else {
			delivered = append(delivered, event.ID)
		}
	}
	return delivered, failed
}

// post executes one HTTP POST and classifies the outcome. Returns the
// status code (0 if no response), the response body, the classified
// error (nil on 2xx), and the attempt latency. Response handlers run
// after classification.
func (c *deliveryClient) post(ctx context.Context, endpoint string, payload []byte) (int, []byte, *DeliveryError, time.Duration) {
	body, encoding, err := c.encodeBody(payload)
	if err != nil {
		return 0, nil, &DeliveryError{Kind: ErrorKindPayloadEncoding, Err: err}, 0
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return 0, nil, &DeliveryError{Kind: ErrorKindInvalidURL, Err: err}, 0
	}
	req.Header.Set("Content-Type", c.formatter.ContentType())
	req.Header.Set("User-Agent", userAgent)
	if encoding != "" {
		req.Header.Set("Content-Encoding", encoding)
	}

	if err := c.auth.apply(ctx, req); err != nil {
		derr := &DeliveryError{Kind: ErrorKindUnauthorized, Err: err}
		c.runHandlers(endpoint, 0, 0, derr)
		return 0, nil, derr, 0
	}
	for _, interceptor := range c.interceptors {
		if err := interceptor.Intercept(req); err != nil {
			derr := &DeliveryError{Kind: ErrorKindPayloadEncoding, Err: err}
			c.runHandlers(endpoint, 0, 0, derr)
			return 0, nil, derr, 0
		}
	}

	start := time.Now()
	resp, err := c.http.Do(req)
	latency := time.Since(start)
	if err != nil {
		derr := classifyTransport(err)
		c.runHandlers(endpoint, 0, latency, derr)
		return 0, nil, derr, latency
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))

	if resp.StatusCode >= 200 && resp.StatusCode <= 299 {
		c.runHandlers(endpoint, resp.StatusCode, latency, nil)
		return resp.StatusCode, respBody, nil, latency
	}

	derr := classifyStatus(resp.StatusCode)
	if derr.Kind == ErrorKindUnauthorized && c.auth.cfg.Method == AuthOAuth {
		c.auth.invalidateToken()
	}
	c.runHandlers(endpoint, resp.StatusCode, latency, derr)
	return resp.StatusCode, respBody, derr, latency
}

// encodeBody gzips the payload when compression is enabled. Returns
// the body and the Content-Encoding value ("" when uncompressed).
func (c *deliveryClient) encodeBody(payload []byte) ([]byte, string, error) {
	if !c.compress {
		return payload, "", nil
	}
	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	if _, err := zw.Write(payload); err != nil {
		return nil, "", err
	}
	if err := zw.Close(); err != nil {
		return nil, "", err
	}
	return buf.Bytes(), "gzip", nil
}

// runHandlers invokes the response handlers in order. A panicking
// handler is isolated so it cannot take the delivery goroutine down.
func (c *deliveryClient) runHandlers(endpoint string, status int, latency time.Duration, derr *DeliveryError) {
	for _, handler := range c.handlers {
		func() {
			defer func() {
				if r := recover(); r != nil {
					c.logger.Warn("response handler panicked", "panic", r)
				}
			}()
			if derr != nil {
				handler.HandleResponse(endpoint, status, latency, derr)
			} else {
				handler.HandleResponse(endpoint, status, latency, nil)
			}
		}()
	}
}

// retryDelay computes the single-event retry backoff: BaseDelay grown
// by BackoffMultiplier per attempt, capped at MaxDelay, with the
// configured jitter applied.
func (c *deliveryClient) retryDelay(attempt int) time.Duration {
	delay := float64(c.retry.BaseDelay)
	for i := 1; i < attempt; i++ {
		delay *= c.retry.BackoffMultiplier
		if delay >= float64(c.retry.MaxDelay) {
			delay = float64(c.retry.MaxDelay)
			break
		}
	}
	if c.retry.Jitter > 0 {
		spread := delay * c.retry.Jitter
		delay += (rand.Float64()*2 - 1) * spread
	}
	if delay < 0 {
		delay = 0
	}
	return time.Duration(delay)
}

// eventIDs collects the ids of a slice of events.
func eventIDs(events []Event) []ulid.ULID {
	ids := make([]ulid.ULID, len(events))
	for i := range events {
		ids[i] = events[i].ID
	}
	return ids
}
