package adapters

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/http"
	"regexp"
	"time"

	"github.com/go-resty/resty/v2"
	"go.uber.org/zap"

	"github.com/meridianx/execpipe/internal/config"
	"github.com/meridianx/execpipe/internal/ratelimit"
)

// signFunc decorates a request with venue authentication. It runs after
// the rate limiter grant, so timestamps in signatures stay fresh.
type signFunc func(req *resty.Request, method, path string, body []byte) error

// restClient is the shared HTTP layer under every venue adapter: rate
// limiting, timeouts, redacted audit logging, and error classification.
type restClient struct {
	venue   string
	http    *resty.Client
	limiter *ratelimit.Limiter
	burst   int
	rate    float64
	sign    signFunc
	logger  *zap.Logger
}

func newRESTClient(venue string, cfg config.VenueConfig, limiter *ratelimit.Limiter, timeout time.Duration, sign signFunc, logger *zap.Logger) *restClient {
	client := resty.New().
		SetBaseURL(cfg.BaseURL).
		SetTimeout(timeout).
		SetHeader("Content-Type", "application/json")
	burst := cfg.BucketBurst
	if burst <= 0 {
		burst = 10
	}
	return &restClient{
		venue:   venue,
		http:    client,
		limiter: limiter,
		burst:   burst,
		rate:    cfg.EffectiveRate(),
		sign:    sign,
		logger:  logger.With(zap.String("venue", venue)),
	}
}

// do executes one rate-limited, signed, audited request. The response body
// is unmarshalled into out when out is non-nil.
func (c *restClient) do(ctx context.Context, class, method, path string, body []byte, out interface{}) error {
	bucket := c.limiter.Bucket(c.venue, class, c.burst, c.rate)
	if err := bucket.Acquire(ctx, 1); err != nil {
		return NewError(KindTransient, c.venue, method+" "+path,
			fmt.Errorf("rate limiter wait aborted: %w", err))
	}

	req := c.http.R().SetContext(ctx)
	if body != nil {
		req.SetBody(body)
	}
	if out != nil {
		req.SetResult(out)
	}
	if c.sign != nil {
		if err := c.sign(req, method, path, body); err != nil {
			return NewError(KindAuth, c.venue, method+" "+path, err)
		}
	}

	resp, err := req.Execute(method, path)

	// Raw payloads are audit-logged with credentials redacted.
	c.logger.Debug("venue request",
		zap.String("method", method),
		zap.String("path", path),
		zap.String("request", Redact(string(body))),
		zap.String("response", Redact(respBody(resp))),
		zap.Int("status", respStatus(resp)),
		zap.Error(err))

	if err != nil {
		// Network-level failure, including context timeout.
		return NewError(KindTransient, c.venue, method+" "+path, err)
	}
	return c.classify(method+" "+path, resp)
}

func (c *restClient) classify(op string, resp *resty.Response) error {
	code := resp.StatusCode()
	switch {
	case code < 300:
		return nil
	case code == http.StatusUnauthorized || code == http.StatusForbidden:
		return NewError(KindAuth, c.venue, op,
			fmt.Errorf("venue rejected credentials (HTTP %d)", code))
	case code == http.StatusTooManyRequests:
		return NewError(KindRateLimited, c.venue, op,
			fmt.Errorf("venue throttled the request (HTTP %d)", code))
	case code >= 500:
		return NewError(KindTransient, c.venue, op,
			fmt.Errorf("venue error (HTTP %d): %s", code, Redact(resp.String())))
	default:
		return NewError(KindVenueRejected, c.venue, op,
			fmt.Errorf("venue rejected request (HTTP %d): %s", code, Redact(resp.String())))
	}
}

func respBody(resp *resty.Response) string {
	if resp == nil {
		return ""
	}
	return resp.String()
}

func respStatus(resp *resty.Response) int {
	if resp == nil {
		return 0
	}
	return resp.StatusCode()
}

// hmacSHA256Hex signs payload with the venue secret, the signature scheme
// shared by Bybit and Phemex.
func hmacSHA256Hex(secret, payload string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(payload))
	return hex.EncodeToString(mac.Sum(nil))
}

var redactPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)("(?:api[_-]?key|api[_-]?secret|secret|passphrase|sign|signature|token)"\s*:\s*")[^"]*(")`),
	regexp.MustCompile(`(?i)((?:api[_-]?key|api[_-]?secret|secret|passphrase|sign|signature|token)=)[^&\s"]*`),
}

// Redact masks credential material in raw payloads before they reach the
// audit log.
func Redact(s string) string {
	for _, p := range redactPatterns {
		s = p.ReplaceAllString(s, "${1}[REDACTED]${2}")
	}
	return s
}
