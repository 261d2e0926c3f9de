// Package prices provides the live price oracle backed by Yahoo Finance
// quotes with a persistent cache table. The cache keeps the concurrent
// scheduler loops from stampeding the quote API for the same symbol.
package prices

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/piquette/finance-go/quote"
	"github.com/rs/zerolog"
)

// ErrPriceUnavailable is returned when no live quote exists for a symbol.
// Callers treat it as non-fatal and fall back per their own rules.
var ErrPriceUnavailable = errors.New("price unavailable")

// Client fetches current prices. Safe for concurrent use from multiple
// loops; both the sql.DB pool and the quote API are concurrency-safe.
type Client struct {
	stateDB *sql.DB
	ttl     time.Duration
	log     zerolog.Logger
	now     func() time.Time
	fetch   func(symbol string) (float64, error) // overridable in tests
}

// New creates a new price client with the given cache TTL
func New(stateDB *sql.DB, ttl time.Duration, log zerolog.Logger) *Client {
	return &Client{
		stateDB: stateDB,
		ttl:     ttl,
		log:     log.With().Str("component", "prices").Logger(),
		now:     time.Now,
		fetch:   fetchQuote,
	}
}

// GetCurrentPrice returns the latest price for a symbol, serving from the
// cache while the entry is fresh
func (c *Client) GetCurrentPrice(symbol string) (float64, error) {
	symbol = strings.ToUpper(strings.TrimSpace(symbol))
	if symbol == "" {
		return 0, fmt.Errorf("%w: empty symbol", ErrPriceUnavailable)
	}

	if price, ok := c.cached(symbol); ok {
		return price, nil
	}

	price, err := c.fetch(symbol)
	if err != nil {
		return 0, fmt.Errorf("%w for %s: %v", ErrPriceUnavailable, symbol, err)
	}

	c.store(symbol, price)
	return price, nil
}

func (c *Client) cached(symbol string) (float64, bool) {
	var price float64
	var expiresAt int64

	err := c.stateDB.QueryRow(
		"SELECT price, expires_at FROM price_cache WHERE symbol = ?", symbol,
	).Scan(&price, &expiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, false
	}
	if err != nil {
		c.log.Warn().Err(err).Str("symbol", symbol).Msg("Price cache read failed")
		return 0, false
	}

	if c.now().Unix() >= expiresAt {
		return 0, false
	}
	return price, true
}

func (c *Client) store(symbol string, price float64) {
	expiresAt := c.now().Add(c.ttl).Unix()
	_, err := c.stateDB.Exec(
		"INSERT OR REPLACE INTO price_cache (symbol, price, expires_at) VALUES (?, ?, ?)",
		symbol, price, expiresAt,
	)
	if err != nil {
		// Cache miss next time, nothing else breaks
		c.log.Warn().Err(err).Str("symbol", symbol).Msg("Price cache write failed")
	}
}

func fetchQuote(symbol string) (float64, error) {
	q, err := quote.Get(symbol)
	if err != nil {
		return 0, err
	}
	if q == nil {
		return 0, fmt.Errorf("no quote returned")
	}
	if q.RegularMarketPrice <= 0 {
		return 0, fmt.Errorf("quote has no market price")
	}
	return q.RegularMarketPrice, nil
}
