package adyen

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"

	"github.com/noah-isme/toko-adyen/internal/obs"
	"github.com/noah-isme/toko-adyen/internal/resilience"
)

const (
	EnvironmentTest = "test"
	EnvironmentLive = "live"

	checkoutAPIVersion = "v71"
	testBaseURL        = "https://checkout-test.adyen.com/" + checkoutAPIVersion
	liveBaseURLFormat  = "https://%s-checkout-live.adyenpayments.com/checkout/" + checkoutAPIVersion

	instrumentationName = "github.com/noah-isme/toko-adyen/internal/adyen"
	maxResponseBytes    = 1 << 20
)

// BaseURL returns the Checkout endpoint for the environment. Live requires
// the merchant specific prefix.
func BaseURL(environment, livePrefix string) (string, error) {
	switch strings.ToLower(strings.TrimSpace(environment)) {
	case "", EnvironmentTest:
		return testBaseURL, nil
	case EnvironmentLive:
		if strings.TrimSpace(livePrefix) == "" {
			return "", &MissingConfigurationError{Key: "liveEndpointUrlPrefix"}
		}
		return fmt.Sprintf(liveBaseURLFormat, strings.TrimSpace(livePrefix)), nil
	default:
		return "", fmt.Errorf("adyen: unknown environment %q", environment)
	}
}

// PaymentResponse is the reply to /payments and /payments/details.
type PaymentResponse struct {
	PSPReference  string         `json:"pspReference"`
	ResultCode    string         `json:"resultCode"`
	RefusalReason string         `json:"refusalReason,omitempty"`
	MerchantRef   string         `json:"merchantReference,omitempty"`
	Action        map[string]any `json:"action,omitempty"`
	PaymentData   string         `json:"paymentData,omitempty"`
}

// ModificationResponse is the reply to captures, cancels, refunds and reversals.
type ModificationResponse struct {
	PSPReference        string `json:"pspReference"`
	PaymentPSPReference string `json:"paymentPspReference"`
	Reference           string `json:"reference"`
	Status              string `json:"status"`
}

// PaymentLinkResponse is the reply to payment link creation and updates.
type PaymentLinkResponse struct {
	ID        string    `json:"id"`
	URL       string    `json:"url"`
	Status    string    `json:"status"`
	ExpiresAt time.Time `json:"expiresAt"`
	Reference string    `json:"reference"`
}

// Client sends built requests to the Checkout API.
type Client struct {
	baseURL string
	apiKey  string
	http    resilience.HTTPClient
	logger  zerolog.Logger
	calls   metric.Int64Counter
}

// NewClient returns a client for baseURL. The HTTP client's transport is
// expected to carry tracing already.
func NewClient(baseURL, apiKey string, httpClient resilience.HTTPClient, logger zerolog.Logger) (*Client, error) {
	if strings.TrimSpace(apiKey) == "" {
		return nil, &MissingConfigurationError{Key: "apiKey"}
	}
	if httpClient.Client == nil {
		httpClient.Client = http.DefaultClient
	}
	calls, err := otel.Meter(instrumentationName).Int64Counter(
		"adyen.client.calls",
		metric.WithDescription("Outbound Checkout API calls by intent"),
	)
	if err != nil {
		return nil, fmt.Errorf("adyen: create call counter: %w", err)
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		http:    httpClient,
		logger:  logger.With().Str("component", "adyen_client").Logger(),
		calls:   calls,
	}, nil
}

// Send dispatches req and returns the decoded response document.
func (c *Client) Send(ctx context.Context, req Request) (Document, error) {
	var out Document
	if err := c.call(ctx, req, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// Pay sends a payment submission or details request.
func (c *Client) Pay(ctx context.Context, req Request) (PaymentResponse, error) {
	var out PaymentResponse
	err := c.call(ctx, req, &out)
	return out, err
}

// Modify sends a capture, cancel, refund or reversal.
func (c *Client) Modify(ctx context.Context, req Request) (ModificationResponse, error) {
	var out ModificationResponse
	err := c.call(ctx, req, &out)
	return out, err
}

// PaymentLink sends a payment link creation or expiration.
func (c *Client) PaymentLink(ctx context.Context, req Request) (PaymentLinkResponse, error) {
	var out PaymentLinkResponse
	err := c.call(ctx, req, &out)
	return out, err
}

func (c *Client) call(ctx context.Context, req Request, out any) (err error) {
	ctx, span := otel.Tracer(instrumentationName).Start(ctx, "adyen."+string(req.Intent))
	defer span.End()

	start := time.Now()
	result := "error"
	defer func() {
		span.SetAttributes(
			attribute.String("adyen.intent", string(req.Intent)),
			attribute.String("adyen.result", result),
		)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		c.calls.Add(ctx, 1, metric.WithAttributes(
			attribute.String("intent", string(req.Intent)),
			attribute.String("result", result),
		))
		if obs.AdyenRequestsTotal != nil {
			obs.AdyenRequestsTotal.WithLabelValues(string(req.Intent), result).Inc()
		}
		if obs.AdyenRequestDuration != nil {
			obs.AdyenRequestDuration.WithLabelValues(string(req.Intent)).Observe(obs.DurationMillis(time.Since(start)))
		}
	}()

	httpReq, err := c.newHTTPRequest(ctx, req)
	if err != nil {
		return err
	}
	resp, err := c.http.Do(ctx, httpReq)
	if err != nil {
		if errors.Is(err, resilience.ErrOpenCircuit) {
			result = "circuit_open"
		}
		return fmt.Errorf("adyen: %s: %w", req.Intent, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return fmt.Errorf("adyen: read %s response: %w", req.Intent, err)
	}
	c.logger.Debug().
		Str("intent", string(req.Intent)).
		Str("method", httpReq.Method).
		Str("path", httpReq.URL.Path).
		Int("status", resp.StatusCode).
		Dur("duration", time.Since(start)).
		Msg("adyen call")

	if resp.StatusCode >= http.StatusBadRequest {
		result = "rejected"
		apiErr := &APIError{StatusCode: resp.StatusCode}
		if len(body) > 0 {
			_ = json.Unmarshal(body, apiErr)
			apiErr.StatusCode = resp.StatusCode
		}
		if apiErr.Message == "" {
			apiErr.Message = http.StatusText(resp.StatusCode)
		}
		return apiErr
	}
	result = "ok"
	if len(bytes.TrimSpace(body)) == 0 || out == nil {
		return nil
	}
	if err := json.Unmarshal(body, out); err != nil {
		result = "decode_error"
		return fmt.Errorf("adyen: decode %s response: %w", req.Intent, err)
	}
	return nil
}

func (c *Client) newHTTPRequest(ctx context.Context, req Request) (*http.Request, error) {
	method, path, err := endpoint(req)
	if err != nil {
		return nil, err
	}
	target := c.baseURL + path

	var body io.Reader
	if method == http.MethodDelete {
		q := url.Values{}
		for k, v := range req.Query() {
			q.Set(k, fmt.Sprint(v))
		}
		if len(q) > 0 {
			target += "?" + q.Encode()
		}
	} else {
		payload := req.Body
		if payload.Has(keyQueryParams) {
			payload = payload.Clone()
			delete(payload, keyQueryParams)
		}
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("adyen: encode %s body: %w", req.Intent, err)
		}
		body = bytes.NewReader(data)
	}

	httpReq, err := http.NewRequestWithContext(ctx, method, target, body)
	if err != nil {
		return nil, fmt.Errorf("adyen: build %s request: %w", req.Intent, err)
	}
	httpReq.Header.Set("X-API-Key", c.apiKey)
	httpReq.Header.Set("Accept", "application/json")
	if body != nil {
		httpReq.Header.Set("Content-Type", "application/json")
	}
	if method == http.MethodPost {
		// retries of the same call reuse the key so Adyen deduplicates them
		httpReq.Header.Set("Idempotency-Key", uuid.NewString())
	}
	return httpReq, nil
}

// endpoint maps an intent to its HTTP method and path.
func endpoint(req Request) (string, string, error) {
	needTarget := func(format string) (string, error) {
		if strings.TrimSpace(req.Target) == "" {
			return "", fmt.Errorf("adyen: %s request has no target reference", req.Intent)
		}
		return fmt.Sprintf(format, url.PathEscape(req.Target)), nil
	}

	switch req.Intent {
	case IntentPaymentMethods:
		return http.MethodPost, "/paymentMethods", nil
	case IntentSubmitPayment, IntentPaypalPayment:
		return http.MethodPost, "/payments", nil
	case IntentPaymentDetails:
		return http.MethodPost, "/payments/details", nil
	case IntentCapture:
		p, err := needTarget("/payments/%s/captures")
		return http.MethodPost, p, err
	case IntentCancel:
		p, err := needTarget("/payments/%s/cancels")
		return http.MethodPost, p, err
	case IntentRefund:
		p, err := needTarget("/payments/%s/refunds")
		return http.MethodPost, p, err
	case IntentReversal:
		p, err := needTarget("/payments/%s/reversals")
		return http.MethodPost, p, err
	case IntentPaymentLink:
		return http.MethodPost, "/paymentLinks", nil
	case IntentPaymentLinkExpiration:
		p, err := needTarget("/paymentLinks/%s")
		return http.MethodPatch, p, err
	case IntentPaypalUpdateOrder:
		return http.MethodPost, "/paypal/updateOrder", nil
	case IntentTokenRemove:
		p, err := needTarget("/storedPaymentMethods/%s")
		return http.MethodDelete, p, err
	default:
		return "", "", fmt.Errorf("adyen: unknown intent %q", req.Intent)
	}
}
