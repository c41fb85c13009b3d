/**
 * Copyright 2025-present Coinbase Global, Inc.
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *  http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/failsafe-go/failsafe-go"
	"github.com/failsafe-go/failsafe-go/circuitbreaker"
	"go.uber.org/zap"
	"golang.org/x/net/http2"
)

// ErrUnavailable is returned while the circuit breaker is open.
var ErrUnavailable = errors.New("provider temporarily unavailable")

// StatusError is a non-2xx response from the provider.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("provider returned status %d: %s", e.Code, e.Body)
}

// QueueClientConfig configures the HTTP queue provider
type QueueClientConfig struct {
	BaseURL    string
	APIKey     string
	WebhookURL string
	Timeout    time.Duration
	HTTPClient *http.Client
}

// QueueClient submits jobs to an HTTP queue provider that reports results
// through a webhook.
type QueueClient struct {
	httpClient *http.Client
	baseURL    string
	apiKey     string
	webhookURL string
	breaker    circuitbreaker.CircuitBreaker[Outcome]
}

type queueMedia struct {
	URL         string `json:"url"`
	ContentType string `json:"content_type"`
}

type queueResponse struct {
	RequestId string       `json:"request_id"`
	Status    string       `json:"status"`
	Images    []queueMedia `json:"images"`
	Image     *queueMedia  `json:"image"`
	Video     *queueMedia  `json:"video"`
}

func NewQueueClient(cfg QueueClientConfig) (*QueueClient, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("provider base url cannot be empty")
	}

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		c, err := createCustomHttpClient(cfg.Timeout)
		if err != nil {
			return nil, fmt.Errorf("unable to create custom http client: %w", err)
		}
		httpClient = c
	}

	breaker := circuitbreaker.NewBuilder[Outcome]().
		HandleIf(func(_ Outcome, err error) bool {
			var statusErr *StatusError
			if errors.As(err, &statusErr) {
				return statusErr.Code >= http.StatusInternalServerError
			}
			return err != nil
		}).
		WithFailureThresholdRatio(5, 10).
		WithDelay(30 * time.Second).
		WithSuccessThreshold(1).
		OnStateChanged(func(event circuitbreaker.StateChangedEvent) {
			zap.L().Warn("Provider circuit breaker state change",
				zap.String("from_state", stateName(event.OldState)),
				zap.String("to_state", stateName(event.NewState)))
		}).
		Build()

	return &QueueClient{
		httpClient: httpClient,
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:     cfg.APIKey,
		webhookURL: cfg.WebhookURL,
		breaker:    breaker,
	}, nil
}

func stateName(state circuitbreaker.State) string {
	switch state {
	case circuitbreaker.ClosedState:
		return "closed"
	case circuitbreaker.HalfOpenState:
		return "half-open"
	case circuitbreaker.OpenState:
		return "open"
	default:
		return "unknown"
	}
}

func createCustomHttpClient(timeout time.Duration) (*http.Client, error) {
	if timeout <= 0 {
		timeout = 60 * time.Second
	}

	tr := &http.Transport{
		ResponseHeaderTimeout: 30 * time.Second,
		Proxy:                 http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			KeepAlive: 30 * time.Second,
			Timeout:   15 * time.Second,
		}).DialContext,
		MaxIdleConns:          10,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		MaxIdleConnsPerHost:   5,
		ExpectContinueTimeout: 5 * time.Second,
	}

	if err := http2.ConfigureTransport(tr); err != nil {
		return nil, err
	}

	return &http.Client{
		Transport: tr,
		Timeout:   timeout,
	}, nil
}

// Enqueue posts payload to the model's queue endpoint.
func (c *QueueClient) Enqueue(ctx context.Context, model, jobId string, payload any) (Outcome, error) {
	outcome, err := failsafe.With(c.breaker).WithContext(ctx).Get(func() (Outcome, error) {
		return c.post(ctx, model, jobId, payload)
	})
	if errors.Is(err, circuitbreaker.ErrOpen) {
		return Outcome{}, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return outcome, err
}

func (c *QueueClient) post(ctx context.Context, model, jobId string, payload any) (Outcome, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return Outcome{}, fmt.Errorf("unable to encode provider request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint(model, jobId), bytes.NewReader(body))
	if err != nil {
		return Outcome{}, fmt.Errorf("unable to build provider request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Key "+c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return Outcome{}, fmt.Errorf("provider request failed: %w", err)
	}
	defer func(body io.ReadCloser) {
		if err := body.Close(); err != nil {
			zap.L().Warn("Failed to close provider response body", zap.Error(err))
		}
	}(resp.Body)

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return Outcome{}, fmt.Errorf("unable to read provider response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		zap.L().Error("Provider rejected submission",
			zap.String("model", model),
			zap.String("job_id", jobId),
			zap.Int("status", resp.StatusCode),
			zap.String("body", string(respBody)))
		return Outcome{}, &StatusError{Code: resp.StatusCode, Body: strings.TrimSpace(string(respBody))}
	}

	var parsed queueResponse
	if err := json.Unmarshal(respBody, &parsed); err != nil {
		return Outcome{}, fmt.Errorf("unable to decode provider response: %w", err)
	}

	return parsed.outcome()
}

func (c *QueueClient) endpoint(model, jobId string) string {
	endpoint := c.baseURL + "/" + strings.TrimLeft(model, "/")
	if c.webhookURL == "" {
		return endpoint
	}
	return endpoint + "?fal_webhook=" + url.QueryEscape(WebhookURLFor(c.webhookURL, jobId))
}

func (r *queueResponse) outcome() (Outcome, error) {
	media := r.Video
	if media == nil {
		media = r.Image
	}
	if media == nil && len(r.Images) > 0 {
		media = &r.Images[0]
	}
	if media != nil && media.URL != "" {
		return Outcome{
			Status:        CompletedImmediately,
			ProviderJobID: r.RequestId,
			ArtifactURL:   media.URL,
			MIMEType:      media.ContentType,
		}, nil
	}

	if r.RequestId == "" {
		return Outcome{}, fmt.Errorf("provider response carried neither a request id nor an artifact")
	}
	return Outcome{Status: Queued, ProviderJobID: r.RequestId}, nil
}

// WebhookURLFor appends the local job id as a correlation hint.
func WebhookURLFor(webhookURL, jobId string) string {
	sep := "?"
	if strings.Contains(webhookURL, "?") {
		sep = "&"
	}
	return webhookURL + sep + "job=" + url.QueryEscape(jobId)
}

// QueueAdapter binds a queue client to one model and request shape.
type QueueAdapter[In any] struct {
	client *QueueClient
	model  string
	encode func(In) map[string]any
}

func NewQueueAdapter[In any](client *QueueClient, model string, encode func(In) map[string]any) *QueueAdapter[In] {
	return &QueueAdapter[In]{client: client, model: model, encode: encode}
}

func (a *QueueAdapter[In]) Submit(ctx context.Context, jobId string, input In) (Outcome, error) {
	return a.client.Enqueue(ctx, a.model, jobId, a.encode(input))
}
