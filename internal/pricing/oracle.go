package pricing

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/sethvargo/go-retry"
	"github.com/shopspring/decimal"

	"github.com/nilaworks/rewards-backend/pkg/config"
	"github.com/nilaworks/rewards-backend/pkg/logger"
)

// Rate is the current NILA/credit exchange rate used for display math. The
// engine never derives reward amounts from it; operators supply those.
type Rate struct {
	Nila      decimal.Decimal `json:"nila"`
	Fallback  bool            `json:"fallback"`
	FetchedAt time.Time       `json:"fetchedAt"`
}

// Oracle reports the current NILA rate.
type Oracle interface {
	CurrentRate(ctx context.Context) (Rate, error)
}

type httpOracle struct {
	client   *http.Client
	cfg      config.OracleConfig
	fallback decimal.Decimal
	logg     *logger.Logger
}

// NewOracle builds an HTTP-backed rate oracle. When the upstream is down or
// unconfigured the configured fallback rate is served instead, flagged as such.
func NewOracle(cfg config.OracleConfig, logg *logger.Logger) (Oracle, error) {
	if logg == nil {
		return nil, fmt.Errorf("logger required")
	}
	fallback, err := decimal.NewFromString(cfg.FallbackRate)
	if err != nil {
		return nil, fmt.Errorf("parsing fallback rate %q: %w", cfg.FallbackRate, err)
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 3 * time.Second
	}
	return &httpOracle{
		client:   &http.Client{Timeout: timeout},
		cfg:      cfg,
		fallback: fallback,
		logg:     logg,
	}, nil
}

func (o *httpOracle) CurrentRate(ctx context.Context) (Rate, error) {
	if o.cfg.URL == "" {
		return Rate{Nila: o.fallback, Fallback: true, FetchedAt: time.Now().UTC()}, nil
	}

	var fetched decimal.Decimal
	backoff := retry.WithMaxRetries(o.cfg.MaxRetries, retry.NewExponential(200*time.Millisecond))
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		rate, fetchErr := o.fetch(ctx)
		if fetchErr != nil {
			return retry.RetryableError(fetchErr)
		}
		fetched = rate
		return nil
	})
	if err != nil {
		o.logg.Warn(o.logg.WithField(ctx, "oracle_error", err.Error()), "oracle.fallback")
		return Rate{Nila: o.fallback, Fallback: true, FetchedAt: time.Now().UTC()}, nil
	}
	return Rate{Nila: fetched, FetchedAt: time.Now().UTC()}, nil
}

func (o *httpOracle) fetch(ctx context.Context) (decimal.Decimal, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, o.cfg.URL, nil)
	if err != nil {
		return decimal.Zero, fmt.Errorf("building oracle request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	res, err := o.client.Do(req)
	if err != nil {
		return decimal.Zero, fmt.Errorf("calling oracle: %w", err)
	}
	defer res.Body.Close()

	if res.StatusCode != http.StatusOK {
		return decimal.Zero, fmt.Errorf("oracle returned status %d", res.StatusCode)
	}

	var payload struct {
		Nila json.Number `json:"nila"`
	}
	decoder := json.NewDecoder(res.Body)
	decoder.UseNumber()
	if err := decoder.Decode(&payload); err != nil {
		return decimal.Zero, fmt.Errorf("decoding oracle response: %w", err)
	}
	rate, err := decimal.NewFromString(payload.Nila.String())
	if err != nil {
		return decimal.Zero, fmt.Errorf("parsing oracle rate %q: %w", payload.Nila, err)
	}
	if rate.IsNegative() || rate.IsZero() {
		return decimal.Zero, fmt.Errorf("oracle rate %s is not positive", rate)
	}
	return rate, nil
}
