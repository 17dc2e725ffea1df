package dropbox

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/go-resty/resty/v2"
	"golang.org/x/oauth2"
	"golang.org/x/time/rate"

	"github.com/3leaps/batchwatch/pkg/batch"
	"github.com/3leaps/batchwatch/pkg/provider"
)

// endpoint describes the batch-check RPC for one operation kind.
type endpoint struct {
	op   string
	path string
}

var endpoints = map[batch.OperationKind]endpoint{
	batch.KindCopy:   {op: "CopyBatchCheck", path: "/2/files/copy_batch/check_v2"},
	batch.KindMove:   {op: "MoveBatchCheck", path: "/2/files/move_batch/check_v2"},
	batch.KindDelete: {op: "DeleteBatchCheck", path: "/2/files/delete_batch/check"},
}

// Client checks batch job status for one access token.
type Client struct {
	http    *resty.Client
	baseURL string
	limiter *rate.Limiter
}

// Ensure Client implements the interface.
var _ provider.StatusChecker = (*Client)(nil)

// New creates a client that authenticates every call with credential.
//
// limiter may be nil.
func New(ctx context.Context, cfg Config, credential string, limiter *rate.Limiter) (*Client, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if strings.TrimSpace(credential) == "" {
		return nil, &provider.ProviderError{
			Op:       "New",
			Provider: provider.ProviderDropbox,
			Err:      provider.ErrInvalidCredentials,
		}
	}

	// oauth2 picks the base transport out of the context.
	if cfg.HTTPClient != nil {
		ctx = context.WithValue(ctx, oauth2.HTTPClient, cfg.HTTPClient)
	}
	hc := oauth2.NewClient(ctx, oauth2.StaticTokenSource(&oauth2.Token{
		AccessToken: credential,
		TokenType:   "Bearer",
	}))

	rc := resty.NewWithClient(hc).
		SetHeader("Content-Type", "application/json").
		SetHeader("User-Agent", "batchwatch/"+cfg.ClientID)

	return &Client{
		http:    rc,
		baseURL: cfg.baseURL(),
		limiter: limiter,
	}, nil
}

// NewFactory returns a provider.Factory that builds clients sharing one rate
// limiter derived from cfg.
func NewFactory(cfg Config) (provider.Factory, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	var limiter *rate.Limiter
	if cfg.RequestsPerSecond > 0 {
		burst := cfg.Burst
		if burst <= 0 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), burst)
	}

	return func(ctx context.Context, credential string) (provider.StatusChecker, error) {
		return New(ctx, cfg, credential, limiter)
	}, nil
}

var errUnsupportedKind = errors.New("unsupported operation kind")

type pollArg struct {
	AsyncJobID string `json:"async_job_id"`
}

// apiError is the body Dropbox returns with endpoint-specific (409) errors.
type apiError struct {
	ErrorSummary string `json:"error_summary"`
	Error        struct {
		Tag string `json:".tag"`
	} `json:"error"`
}

// CheckBatch calls the batch-check endpoint for kind.
func (c *Client) CheckBatch(ctx context.Context, kind batch.OperationKind, operationID string) (*batch.RawJobStatus, error) {
	ep, ok := endpoints[kind]
	if !ok {
		return nil, c.wrapError("CheckBatch", operationID, fmt.Errorf("%w: %d", errUnsupportedKind, int(kind)))
	}

	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, c.wrapError(ep.op, operationID, err)
		}
	}

	resp, err := c.http.R().
		SetContext(ctx).
		SetBody(pollArg{AsyncJobID: operationID}).
		Post(c.baseURL + ep.path)
	if err != nil {
		return nil, c.wrapError(ep.op, operationID, err)
	}

	if resp.StatusCode() != http.StatusOK {
		return nil, c.wrapStatus(ep.op, operationID, resp.StatusCode(), resp.Body())
	}

	var status batch.RawJobStatus
	if err := json.Unmarshal(resp.Body(), &status); err != nil {
		return nil, c.wrapError(ep.op, operationID, fmt.Errorf("%w: %v", provider.ErrMalformedResponse, err))
	}
	if status.Tag == "" {
		return nil, c.wrapError(ep.op, operationID, fmt.Errorf("%w: missing .tag", provider.ErrMalformedResponse))
	}
	return &status, nil
}

func (c *Client) wrapError(op, jobID string, err error) error {
	return &provider.ProviderError{
		Op:       op,
		Provider: provider.ProviderDropbox,
		JobID:    jobID,
		Err:      err,
	}
}

// wrapStatus converts a non-200 response into a provider error with the
// matching sentinel.
func (c *Client) wrapStatus(op, jobID string, code int, body []byte) error {
	detail := strings.TrimSpace(string(body))

	var sentinel error
	switch {
	case code == http.StatusUnauthorized:
		sentinel = provider.ErrInvalidCredentials
	case code == http.StatusForbidden:
		sentinel = provider.ErrAccessDenied
	case code == http.StatusTooManyRequests:
		sentinel = provider.ErrThrottled
	case code == http.StatusConflict:
		var apiErr apiError
		if json.Unmarshal(body, &apiErr) == nil {
			detail = apiErr.ErrorSummary
			switch apiErr.Error.Tag {
			case "invalid_async_job_id":
				sentinel = provider.ErrJobNotFound
			case "internal_error":
				sentinel = provider.ErrProviderUnavailable
			}
		}
	case code >= 500:
		sentinel = provider.ErrProviderUnavailable
	}

	if sentinel == nil {
		return c.wrapError(op, jobID, fmt.Errorf("unexpected status %d: %s", code, detail))
	}
	return c.wrapError(op, jobID, fmt.Errorf("%w (status %d): %s", sentinel, code, detail))
}
