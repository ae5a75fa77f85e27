// Package natsresolver fetches recipient records from a remote directory
// over NATS request/reply.
//
// Requests go to "<prefix>.encoded" and "<prefix>.numeric" with a JSON body
// naming the id. The reply is a JSON envelope reporting whether the record
// exists. Serve answers the same protocol from a recipient.Store, so one
// daemon can act as the directory for others.
package natsresolver

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/c360/recipientcache/errors"
	"github.com/c360/recipientcache/metric"
	"github.com/c360/recipientcache/pkg/retry"
	"github.com/c360/recipientcache/recipient"
)

// Requester sends a request and waits for one reply. *natsclient.Client
// implements it.
type Requester interface {
	Request(ctx context.Context, subject string, data []byte) ([]byte, error)
}

// Config configures a Resolver
type Config struct {
	SubjectPrefix string
	// Timeout bounds a single request attempt
	Timeout time.Duration
	Retry   retry.Config
}

// DefaultConfig returns defaults matching the daemon's resolver section
func DefaultConfig() Config {
	return Config{
		SubjectPrefix: "recipients.resolve",
		Timeout:       5 * time.Second,
		Retry:         errors.DefaultRetryConfig().ToRetryConfig(),
	}
}

type request struct {
	EncodedID string `json:"encoded_id,omitempty"`
	NumericID uint64 `json:"numeric_id,omitempty"`
}

type reply struct {
	Found  bool              `json:"found"`
	Record *recipient.Record `json:"record,omitempty"`
	Error  string            `json:"error,omitempty"`
}

// Resolver implements recipient.Resolver
type Resolver struct {
	conn    Requester
	config  Config
	logger  *slog.Logger
	metrics *metric.Metrics
}

// Option configures a Resolver
type Option func(*Resolver)

// WithMetrics counts requests by key space and outcome
func WithMetrics(m *metric.Metrics) Option {
	return func(r *Resolver) { r.metrics = m }
}

var _ recipient.Resolver = (*Resolver)(nil)

// New creates a Resolver
func New(conn Requester, cfg Config, logger *slog.Logger, opts ...Option) (*Resolver, error) {
	if conn == nil {
		return nil, errors.WrapInvalid(errors.ErrMissingConfig, "Resolver", "New", "requester is nil")
	}
	if cfg.SubjectPrefix == "" {
		return nil, errors.WrapInvalid(errors.ErrMissingConfig, "Resolver", "New", "subject prefix is empty")
	}
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Retry.Retryable == nil {
		cfg.Retry.Retryable = errors.IsTransient
	}
	r := &Resolver{
		conn:   conn,
		config: cfg,
		logger: logger.With("component", "nats_resolver"),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r, nil
}

// FetchByEncodedID implements recipient.Resolver
func (r *Resolver) FetchByEncodedID(ctx context.Context, id string) (recipient.Record, bool, error) {
	return r.fetch(ctx, "encoded", request{EncodedID: id})
}

// FetchByNumericID implements recipient.Resolver
func (r *Resolver) FetchByNumericID(ctx context.Context, id uint64) (recipient.Record, bool, error) {
	return r.fetch(ctx, "numeric", request{NumericID: id})
}

func (r *Resolver) fetch(ctx context.Context, space string, req request) (recipient.Record, bool, error) {
	subject := r.config.SubjectPrefix + "." + space
	body, err := json.Marshal(req)
	if err != nil {
		return recipient.Record{}, false, errors.WrapInvalid(err, "Resolver", "fetch", "request encode")
	}

	resp, err := retry.DoWithResult(ctx, r.config.Retry, func() (reply, error) {
		return r.attempt(ctx, subject, body)
	})
	if err != nil {
		r.record(space, "error")
		if errors.IsTransient(err) {
			r.logger.Warn("Directory unreachable", "subject", subject, "error", err)
			return recipient.Record{}, false, errors.WrapTransient(
				fmt.Errorf("%w: %w", errors.ErrNetworkUnavailable, err), "Resolver", "fetch", subject)
		}
		return recipient.Record{}, false, err
	}
	if !resp.Found || resp.Record == nil {
		r.record(space, "absent")
		return recipient.Record{}, false, nil
	}
	r.record(space, "hit")

	// Network records carry no canonical id of ours
	rec := *resp.Record
	rec.ID = 0
	rec.MergedInto = 0
	return rec, true, nil
}

func (r *Resolver) attempt(ctx context.Context, subject string, body []byte) (reply, error) {
	if r.config.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.config.Timeout)
		defer cancel()
	}

	data, err := r.conn.Request(ctx, subject, body)
	if err != nil {
		if errors.IsInvalid(err) {
			return reply{}, err
		}
		return reply{}, errors.WrapTransient(err, "Resolver", "attempt", subject)
	}

	var resp reply
	if err := json.Unmarshal(data, &resp); err != nil {
		return reply{}, errors.WrapInvalid(
			fmt.Errorf("%w: %w", errors.ErrParsingFailed, err), "Resolver", "attempt", "reply decode")
	}
	if resp.Error != "" {
		return reply{}, errors.WrapTransient(
			fmt.Errorf("%w: %s", errors.ErrNetworkUnavailable, resp.Error), "Resolver", "attempt", "directory error")
	}
	return resp, nil
}

func (r *Resolver) record(space, outcome string) {
	if r.metrics != nil {
		r.metrics.RecordResolverRequest(space, outcome)
	}
}
