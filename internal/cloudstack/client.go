// Package cloudstack is a minimal client for the CloudStack management API:
// the commands needed to deploy, reach and tear down a single instance.
package cloudstack

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"csdriver/internal/logging"

	"github.com/hashicorp/go-retryablehttp"
	"go.uber.org/zap"
)

// Options configures a Client.
type Options struct {
	APIURL    string
	APIKey    string
	SecretKey string
	// InsecureSkipVerify disables TLS certificate validation.
	InsecureSkipVerify bool
	RetryMax           int
	RetryWaitMin       time.Duration
	RetryWaitMax       time.Duration
}

// Client signs and sends API commands. It holds no per-call state and is
// safe to share between lifecycles.
type Client struct {
	endpoint  string
	apiKey    string
	secretKey string
	http      *retryablehttp.Client
}

// NewClient creates a new API client.
func NewClient(opts Options) (*Client, error) {
	u, err := url.Parse(opts.APIURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("invalid api url %q", opts.APIURL)
	}
	if opts.APIKey == "" || opts.SecretKey == "" {
		return nil, fmt.Errorf("api key and secret key are required")
	}

	hc := retryablehttp.NewClient()
	hc.Logger = leveledLogger{}
	hc.RetryMax = opts.RetryMax
	if opts.RetryWaitMin > 0 {
		hc.RetryWaitMin = opts.RetryWaitMin
	}
	if opts.RetryWaitMax > 0 {
		hc.RetryWaitMax = opts.RetryWaitMax
	}
	hc.CheckRetry = checkRetry
	// Hand back the last response so its error body can be decoded.
	hc.ErrorHandler = retryablehttp.PassthroughErrorHandler

	if opts.InsecureSkipVerify {
		if tr, ok := hc.HTTPClient.Transport.(*http.Transport); ok {
			tr.TLSClientConfig = &tls.Config{InsecureSkipVerify: true} //nolint:gosec // operator opt-in
		}
	}

	return &Client{
		endpoint:  strings.TrimRight(opts.APIURL, "?"),
		apiKey:    opts.APIKey,
		secretKey: opts.SecretKey,
		http:      hc,
	}, nil
}

type noRetryKey struct{}

// retryable reports whether command may be sent twice. Commands that create
// resources are not: a lost reply would leave a resource nobody recorded.
func retryable(command string) bool {
	command = strings.ToLower(command)
	for _, prefix := range []string{"list", "query", "delete", "disassociate", "destroy"} {
		if strings.HasPrefix(command, prefix) {
			return true
		}
	}
	return false
}

// checkRetry retries transport failures and gateway-level statuses only,
// and only for commands that are safe to repeat. API errors (4xx, 530) are
// final.
func checkRetry(ctx context.Context, resp *http.Response, err error) (bool, error) {
	if ctx.Err() != nil {
		return false, ctx.Err()
	}
	if ctx.Value(noRetryKey{}) != nil {
		return false, nil
	}
	if err != nil {
		return true, nil
	}
	switch resp.StatusCode {
	case http.StatusTooManyRequests, http.StatusBadGateway, http.StatusServiceUnavailable, http.StatusGatewayTimeout:
		return true, nil
	}
	return false, nil
}

// call issues a signed GET for command and decodes the "<command>response"
// object into out.
func (c *Client) call(ctx context.Context, command string, params url.Values, out any) error {
	if params == nil {
		params = url.Values{}
	}
	params.Set("command", command)
	params.Set("apikey", c.apiKey)
	params.Set("response", "json")

	query := encodeQuery(params)
	reqURL := c.endpoint + "?" + query + "&signature=" + escape(sign(query, c.secretKey))

	if !retryable(command) {
		ctx = context.WithValue(ctx, noRetryKey{}, command)
	}
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return fmt.Errorf("failed to build %s request: %w", command, err)
	}

	logging.Logger().Debug("cloudstack request", zap.String("command", command))

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s request failed: %w", command, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read %s response: %w", command, err)
	}

	return decodeResponse(command, resp.StatusCode, body, out)
}

func decodeResponse(command string, status int, body []byte, out any) error {
	var envelope map[string]json.RawMessage
	if err := json.Unmarshal(body, &envelope); err != nil {
		if status >= 400 {
			return &APIError{Command: command, Code: status, Text: logging.Truncate(string(body))}
		}
		return fmt.Errorf("failed to decode %s response: %w", command, err)
	}

	raw, ok := envelope[strings.ToLower(command)+"response"]
	if !ok && len(envelope) == 1 {
		// Error envelopes are sometimes named "errorresponse".
		for _, v := range envelope {
			raw = v
		}
	}
	if raw == nil {
		return fmt.Errorf("%s response has no payload", command)
	}

	var apiErr errorBody
	_ = json.Unmarshal(raw, &apiErr)
	if apiErr.ErrorCode != 0 || status >= 400 {
		code := apiErr.ErrorCode
		if code == 0 {
			code = status
		}
		return &APIError{Command: command, Code: code, CSCode: apiErr.CSErrorCode, Text: apiErr.ErrorText}
	}

	if out == nil {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("failed to decode %s response: %w", command, err)
	}
	return nil
}

// QueryAsyncJobResult fetches the current status of a job.
func (c *Client) QueryAsyncJobResult(ctx context.Context, jobID string) (*AsyncJob, error) {
	var job AsyncJob
	if err := c.call(ctx, "queryAsyncJobResult", url.Values{"jobid": {jobID}}, &job); err != nil {
		return nil, err
	}
	if job.JobID == "" {
		job.JobID = jobID
	}
	return &job, nil
}

// leveledLogger routes retryablehttp logs through zap.
type leveledLogger struct{}

func (leveledLogger) Error(msg string, keysAndValues ...interface{}) {
	logging.Logger().Sugar().Errorw(msg, keysAndValues...)
}

func (leveledLogger) Info(msg string, keysAndValues ...interface{}) {
	logging.Logger().Sugar().Infow(msg, keysAndValues...)
}

func (leveledLogger) Debug(msg string, keysAndValues ...interface{}) {
	logging.Logger().Sugar().Debugw(msg, keysAndValues...)
}

func (leveledLogger) Warn(msg string, keysAndValues ...interface{}) {
	logging.Logger().Sugar().Warnw(msg, keysAndValues...)
}
