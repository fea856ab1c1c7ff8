package rules

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// CoinGeckoClient implements TokenListFetcher and PriceFetcher against the
// CoinGecko HTTP API, storing the token catalogue in the relational store.
type CoinGeckoClient struct {
	BaseURL string
	HTTP    *http.Client
	DB      *gorm.DB
}

// NewCoinGeckoClient builds a client against the public API.
func NewCoinGeckoClient(db *gorm.DB) *CoinGeckoClient {
	return &CoinGeckoClient{
		BaseURL: "https://api.coingecko.com/api/v3",
		HTTP:    &http.Client{Timeout: 30 * time.Second},
		DB:      db,
	}
}

type coinListEntry struct {
	ID     string `json:"id"`
	Symbol string `json:"symbol"`
	Name   string `json:"name"`
}

// FetchAndStore pulls the full coin list and upserts it into the tokens
// table.
func (c *CoinGeckoClient) FetchAndStore(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.BaseURL+"/coins/list", nil)
	if err != nil {
		return errors.Wrap(err, "rules: build coin-list request")
	}
	resp, err := c.HTTP.Do(req)
	if err != nil {
		return errors.Wrap(err, "rules: fetch coin list")
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return errors.Errorf("rules: coin list returned %d", resp.StatusCode)
	}

	var entries []coinListEntry
	if err := json.NewDecoder(resp.Body).Decode(&entries); err != nil {
		return errors.Wrap(err, "rules: decode coin list")
	}

	stmt := `
		INSERT INTO tokens (source_id, symbol, name)
		VALUES (?, ?, ?)
		ON CONFLICT (source_id)
		DO UPDATE SET symbol = EXCLUDED.symbol, name = EXCLUDED.name;
	`
	for _, e := range entries {
		if err := c.DB.WithContext(ctx).Exec(stmt, e.ID, e.Symbol, e.Name).Error; err != nil {
			return errors.Wrapf(err, "rules: upsert token %q", e.ID)
		}
	}
	return nil
}

// FetchPrices resolves price-source ids to USD prices in one request.
func (c *CoinGeckoClient) FetchPrices(ctx context.Context, sourceIDs []string) (map[string]decimal.Decimal, error) {
	url := fmt.Sprintf("%s/simple/price?ids=%s&vs_currencies=usd", c.BaseURL, strings.Join(sourceIDs, ","))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, errors.Wrap(err, "rules: build price request")
	}
	resp, err := c.HTTP.Do(req)
	if err != nil {
		return nil, errors.Wrap(err, "rules: fetch prices")
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, errors.Errorf("rules: price fetch returned %d", resp.StatusCode)
	}

	var raw map[string]map[string]json.Number
	if err := json.NewDecoder(resp.Body).Decode(&raw); err != nil {
		return nil, errors.Wrap(err, "rules: decode prices")
	}

	out := make(map[string]decimal.Decimal, len(raw))
	for id, currencies := range raw {
		usd, ok := currencies["usd"]
		if !ok {
			continue
		}
		d, err := decimal.NewFromString(usd.String())
		if err != nil {
			continue
		}
		out[id] = d
	}
	return out, nil
}
