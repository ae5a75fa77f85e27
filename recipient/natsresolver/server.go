package natsresolver

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/c360/recipientcache/errors"
	"github.com/c360/recipientcache/recipient"
)

// Subscriber registers a request handler on a subject. *natsclient.Client
// implements it.
type Subscriber interface {
	Subscribe(subject string, handler func(ctx context.Context, data []byte) ([]byte, error)) error
}

// Serve answers resolver requests under prefix from store. Lookup failures
// are reported inside the reply envelope.
func Serve(sub Subscriber, prefix string, store recipient.Store, logger *slog.Logger) error {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "nats_directory", "prefix", prefix)

	handlers := map[string]func(context.Context, request) (recipient.Record, bool, error){
		prefix + ".encoded": func(ctx context.Context, req request) (recipient.Record, bool, error) {
			if req.EncodedID == "" {
				return recipient.Record{}, false, nil
			}
			return store.GetByEncodedID(ctx, req.EncodedID)
		},
		prefix + ".numeric": func(ctx context.Context, req request) (recipient.Record, bool, error) {
			if req.NumericID == 0 {
				return recipient.Record{}, false, nil
			}
			return store.GetByNumericID(ctx, req.NumericID)
		},
	}

	for subject, lookup := range handlers {
		err := sub.Subscribe(subject, func(ctx context.Context, data []byte) ([]byte, error) {
			return answer(ctx, data, lookup, logger), nil
		})
		if err != nil {
			return errors.Wrap(err, "Directory", "Serve", "subscribe "+subject)
		}
	}
	logger.Info("Serving recipient directory")
	return nil
}

func answer(ctx context.Context, data []byte, lookup func(context.Context, request) (recipient.Record, bool, error),
	logger *slog.Logger) []byte {

	var resp reply
	var req request
	if err := json.Unmarshal(data, &req); err != nil {
		resp.Error = "malformed request"
	} else if rec, found, err := lookup(ctx, req); err != nil {
		logger.Warn("Directory lookup failed", "error", err)
		resp.Error = err.Error()
	} else if found {
		resp.Found = true
		resp.Record = &rec
	}

	out, err := json.Marshal(resp)
	if err != nil {
		logger.Error("Failed to encode directory reply", "error", err)
		out = []byte(`{"found":false,"error":"encode failed"}`)
	}
	return out
}
