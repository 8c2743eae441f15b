// Package pricehistory reads sale token price history from the GraphQL indexer and keeps
// a periodically refreshed copy per token.
package pricehistory

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/Cogwheel-Validator/spectra-lbp-portal/portal/models"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

var log zerolog.Logger

func init() {
	out := zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}
	log = zerolog.New(out).With().Timestamp().Str("component", "price_history").Logger()
}

const instrumentationName = "github.com/Cogwheel-Validator/spectra-lbp-portal/portal/pricehistory"

const priceHistoryQuery = `query PriceHistory($contractAddress: String!, $from: Float!, $to: Float!, $interval: Float!) {
  asset(token: $contractAddress) {
    prices {
      history(from: $from, to: $to, interval: $interval) {
        timestamp
        price
      }
    }
  }
}`

var (
	// ErrFetchFailed covers transport failures and non 2xx answers from the indexer.
	ErrFetchFailed = errors.New("price history fetch failed")
	// ErrGraphQL is returned when the indexer answers with GraphQL errors.
	ErrGraphQL = errors.New("price history query returned errors")
)

// Fetcher loads the price history of one token.
type Fetcher interface {
	FetchHistory(ctx context.Context, token string, from, to time.Time, interval time.Duration) ([]models.PricePoint, error)
}

// Client is a minimal GraphQL client for the price history query.
type Client struct {
	endpoint   string
	httpClient *http.Client
	tracer     trace.Tracer
}

// NewClient creates a client for the GraphQL endpoint.
func NewClient(endpoint string, timeout time.Duration) (*Client, error) {
	u, err := url.Parse(endpoint)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("invalid graphql endpoint %q", endpoint)
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Client{
		endpoint:   endpoint,
		httpClient: &http.Client{Timeout: timeout},
		tracer:     otel.Tracer(instrumentationName),
	}, nil
}

type graphQLRequest struct {
	OperationName string         `json:"operationName"`
	Query         string         `json:"query"`
	Variables     map[string]any `json:"variables"`
}

type graphQLError struct {
	Message string `json:"message"`
}

type priceHistoryResponse struct {
	Data *struct {
		Asset *struct {
			Prices struct {
				History []struct {
					Timestamp json.Number     `json:"timestamp"`
					Price     decimal.Decimal `json:"price"`
				} `json:"history"`
			} `json:"prices"`
		} `json:"asset"`
	} `json:"data"`
	Errors []graphQLError `json:"errors"`
}

// FetchHistory queries prices of token between from and to, sampled every interval.
// The interval is sent in minutes, timestamps in epoch milliseconds.
func (c *Client) FetchHistory(
	ctx context.Context,
	token string,
	from, to time.Time,
	interval time.Duration,
) ([]models.PricePoint, error) {
	ctx, span := c.tracer.Start(ctx, "graphql.PriceHistory",
		trace.WithAttributes(attribute.String("token", token)))
	defer span.End()

	points, err := c.fetch(ctx, token, from, to, interval)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	span.SetAttributes(attribute.Int("points", len(points)))
	return points, nil
}

func (c *Client) fetch(
	ctx context.Context,
	token string,
	from, to time.Time,
	interval time.Duration,
) ([]models.PricePoint, error) {
	body, err := json.Marshal(graphQLRequest{
		OperationName: "PriceHistory",
		Query:         priceHistoryQuery,
		Variables: map[string]any{
			"contractAddress": token,
			"from":            from.UnixMilli(),
			"to":              to.UnixMilli(),
			"interval":        interval.Minutes(),
		},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to encode query: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrFetchFailed, err)
	}
	defer func() {
		if cerr := resp.Body.Close(); cerr != nil {
			log.Warn().Err(cerr).Msg("Failed to close response body")
		}
	}()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to read body: %w", ErrFetchFailed, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("%w: status %d", ErrFetchFailed, resp.StatusCode)
	}

	var decoded priceHistoryResponse
	if err := json.Unmarshal(raw, &decoded); err != nil {
		return nil, fmt.Errorf("%w: failed to parse response: %w", ErrFetchFailed, err)
	}
	if len(decoded.Errors) > 0 {
		msgs := make([]string, 0, len(decoded.Errors))
		for _, e := range decoded.Errors {
			msgs = append(msgs, e.Message)
		}
		return nil, fmt.Errorf("%w: %s", ErrGraphQL, strings.Join(msgs, "; "))
	}
	if decoded.Data == nil || decoded.Data.Asset == nil {
		return nil, fmt.Errorf("%w: unknown asset %s", ErrGraphQL, token)
	}

	history := decoded.Data.Asset.Prices.History
	points := make([]models.PricePoint, 0, len(history))
	for _, h := range history {
		ts, err := h.Timestamp.Float64()
		if err != nil {
			return nil, fmt.Errorf("%w: bad timestamp %q", ErrGraphQL, h.Timestamp)
		}
		points = append(points, models.PricePoint{Timestamp: int64(ts), Price: h.Price})
	}
	return points, nil
}
