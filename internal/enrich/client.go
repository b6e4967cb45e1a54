// Package enrich resolves barcodes to product details through a serverless
// lookup function. Results are best effort and never authoritative for
// stock.
package enrich

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Invoker is the slice of the remote store contract the lookup needs.
type Invoker interface {
	Invoke(ctx context.Context, function string, payload any) ([]byte, error)
}

// Result is a resolved barcode lookup.
type Result struct {
	Found bool
	Name  string
	Price decimal.Decimal
	Spec  string
	Msg   string
}

// DisplayName renders the name with the specification suffix the till shows,
// e.g. "Cola (330ml)".
func (r Result) DisplayName() string {
	if r.Spec == "" {
		return r.Name
	}
	return r.Name + " (" + r.Spec + ")"
}

// Client calls the lookup function with a hard timeout.
type Client struct {
	invoker  Invoker
	function string
	timeout  time.Duration
	logger   *slog.Logger
}

// New creates a lookup client. The timeout bounds every Lookup call so a
// hanging service reports not-found instead of blocking the till.
func New(invoker Invoker, function string, timeout time.Duration, logger *slog.Logger) *Client {
	return &Client{
		invoker:  invoker,
		function: function,
		timeout:  timeout,
		logger:   logger.With("component", "enrich"),
	}
}

// lookupResponse tolerates the service's loose typing: price arrives as a
// number or a quoted string depending on the upstream provider.
type lookupResponse struct {
	Found bool            `json:"found"`
	Name  string          `json:"name"`
	Price json.RawMessage `json:"price"`
	Spec  string          `json:"spec"`
	Msg   string          `json:"msg"`
}

// Lookup resolves a barcode. Transport errors are returned to the caller;
// malformed responses are treated as not-found.
func (c *Client) Lookup(ctx context.Context, barcode string) (Result, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	data, err := c.invoker.Invoke(ctx, c.function, map[string]string{"barcode": barcode})
	if err != nil {
		return Result{}, err
	}

	var resp lookupResponse
	if err := json.Unmarshal(data, &resp); err != nil {
		c.logger.Warn("malformed lookup response, treating as not found",
			"barcode", barcode, "error", err)
		return Result{Found: false}, nil
	}
	if !resp.Found {
		return Result{Found: false, Msg: resp.Msg}, nil
	}
	return Result{
		Found: true,
		Name:  resp.Name,
		Price: parsePrice(resp.Price),
		Spec:  resp.Spec,
		Msg:   resp.Msg,
	}, nil
}

// parsePrice accepts bare and quoted numbers; anything unparsable is zero,
// matching how the till has always displayed unknown prices.
func parsePrice(raw json.RawMessage) decimal.Decimal {
	s := strings.Trim(strings.TrimSpace(string(raw)), `"`)
	if s == "" || s == "null" {
		return decimal.Zero
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero
	}
	return d
}
