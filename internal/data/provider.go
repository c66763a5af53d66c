package data

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/atlas-desktop/screener-backend/internal/regime"
	"github.com/atlas-desktop/screener-backend/internal/scoring"
	"github.com/atlas-desktop/screener-backend/pkg/types"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// Files read from the data directory
const (
	pricesDir        = "prices"
	quotesFile       = "quotes.json"
	fundamentalsFile = "fundamentals.json"
	marketFile       = "market.json"
	portfolioFile    = "portfolio.json"
	metadataFile     = "metadata.json"
)

// ErrNoMarketSnapshot is returned when market.json is absent
var ErrNoMarketSnapshot = errors.New("no market snapshot available")

// SymbolMetadata describes the stored history of a symbol
type SymbolMetadata struct {
	Symbol    string    `json:"symbol"`
	StartDate time.Time `json:"startDate"`
	EndDate   time.Time `json:"endDate"`
	BarCount  int       `json:"barCount"`
}

// FileProvider serves market data from JSON files under a directory:
// prices/<SYMBOL>.json holds daily bars, and quotes, fundamentals, the
// index snapshot and the portfolio each have one file.
type FileProvider struct {
	mu       sync.RWMutex
	logger   *zap.Logger
	dataDir  string
	cache    map[string]types.PriceSeries
	metadata map[string]*SymbolMetadata
}

// NewFileProvider creates a provider rooted at dataDir
func NewFileProvider(logger *zap.Logger, dataDir string) (*FileProvider, error) {
	p := &FileProvider{
		logger:   logger.Named("data-provider"),
		dataDir:  dataDir,
		cache:    make(map[string]types.PriceSeries),
		metadata: make(map[string]*SymbolMetadata),
	}

	if err := os.MkdirAll(filepath.Join(dataDir, pricesDir), 0755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	if err := p.loadMetadata(); err != nil {
		p.logger.Warn("Failed to load metadata", zap.Error(err))
	}

	return p, nil
}

// PriceHistory returns up to lookback trailing bars per symbol. Symbols with
// no readable history are omitted and logged.
func (p *FileProvider) PriceHistory(ctx context.Context, symbols []string, lookback int) (map[string]types.PriceSeries, error) {
	out := make(map[string]types.PriceSeries, len(symbols))
	for _, symbol := range symbols {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		series, err := p.loadSeries(symbol)
		if err != nil {
			if !errors.Is(err, os.ErrNotExist) {
				p.logger.Warn("Failed to load price history", zap.String("symbol", symbol), zap.Error(err))
			}
			continue
		}
		if lookback > 0 && len(series.Bars) > lookback {
			bars := make([]types.PriceBar, lookback)
			copy(bars, series.Bars[len(series.Bars)-lookback:])
			series.Bars = bars
		}
		out[symbol] = series
	}
	return out, nil
}

// Quotes returns the latest quote per symbol, falling back to the last stored close
func (p *FileProvider) Quotes(ctx context.Context, symbols []string) (map[string]types.Quote, error) {
	var stored []types.Quote
	if err := p.readJSON(quotesFile, &stored); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}

	bySymbol := make(map[string]types.Quote, len(stored))
	for _, q := range stored {
		bySymbol[q.Symbol] = q
	}

	out := make(map[string]types.Quote, len(symbols))
	for _, symbol := range symbols {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if q, ok := bySymbol[symbol]; ok && q.Price.IsPositive() {
			out[symbol] = q
			continue
		}
		series, err := p.loadSeries(symbol)
		if err != nil || len(series.Bars) == 0 {
			continue
		}
		last := series.Bars[len(series.Bars)-1]
		price := decimal.NewFromFloat(last.Close)
		volume := decimal.NewFromFloat(last.Volume)
		out[symbol] = types.Quote{
			Symbol:      symbol,
			Price:       price,
			Volume:      volume,
			TradedValue: price.Mul(volume),
			Timestamp:   last.Date,
		}
	}
	return out, nil
}

// Fundamentals returns the stored fundamentals; an empty symbols list returns all
func (p *FileProvider) Fundamentals(ctx context.Context, symbols []string) ([]scoring.StockFundamentals, error) {
	var stored []scoring.StockFundamentals
	if err := p.readJSON(fundamentalsFile, &stored); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return []scoring.StockFundamentals{}, nil
		}
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if len(symbols) == 0 {
		return stored, nil
	}

	wanted := make(map[string]bool, len(symbols))
	for _, s := range symbols {
		wanted[s] = true
	}
	out := make([]scoring.StockFundamentals, 0, len(symbols))
	for _, f := range stored {
		if wanted[f.Symbol] {
			out = append(out, f)
		}
	}
	return out, nil
}

// MarketSnapshot returns the index snapshot used for classification
func (p *FileProvider) MarketSnapshot(ctx context.Context) (regime.MarketData, error) {
	var snap regime.MarketData
	if err := p.readJSON(marketFile, &snap); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return snap, ErrNoMarketSnapshot
		}
		return snap, err
	}
	return snap, ctx.Err()
}

// Portfolio returns the held positions
func (p *FileProvider) Portfolio(ctx context.Context) ([]types.PortfolioPosition, error) {
	var positions []types.PortfolioPosition
	if err := p.readJSON(portfolioFile, &positions); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return []types.PortfolioPosition{}, nil
		}
		return nil, err
	}
	return positions, ctx.Err()
}

// SaveSeries writes a symbol's bars in date order and refreshes the cache
func (p *FileProvider) SaveSeries(series types.PriceSeries) error {
	if series.Symbol == "" {
		return types.NewError(types.KindInvalidInput, "data", "series has no symbol")
	}
	bars := make([]types.PriceBar, len(series.Bars))
	copy(bars, series.Bars)
	sort.SliceStable(bars, func(i, j int) bool {
		return bars[i].Date.Before(bars[j].Date)
	})

	p.mu.Lock()
	defer p.mu.Unlock()

	data, err := json.MarshalIndent(bars, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal data: %w", err)
	}
	if err := os.WriteFile(p.seriesPath(series.Symbol), data, 0644); err != nil {
		return fmt.Errorf("failed to write data file: %w", err)
	}

	stored := types.PriceSeries{Symbol: series.Symbol, Bars: bars}
	p.cache[series.Symbol] = stored
	p.updateMetadata(stored)

	return p.saveMetadata()
}

// SaveQuotes writes the quotes file
func (p *FileProvider) SaveQuotes(quotes []types.Quote) error {
	return p.writeJSON(quotesFile, quotes)
}

// SaveFundamentals writes the fundamentals file
func (p *FileProvider) SaveFundamentals(stocks []scoring.StockFundamentals) error {
	return p.writeJSON(fundamentalsFile, stocks)
}

// SaveMarketSnapshot writes the index snapshot
func (p *FileProvider) SaveMarketSnapshot(snap regime.MarketData) error {
	return p.writeJSON(marketFile, snap)
}

// SavePortfolio writes the portfolio file
func (p *FileProvider) SavePortfolio(positions []types.PortfolioPosition) error {
	return p.writeJSON(portfolioFile, positions)
}

// Symbols returns every symbol with stored history
func (p *FileProvider) Symbols() []string {
	p.mu.RLock()
	defer p.mu.RUnlock()

	symbols := make([]string, 0, len(p.metadata))
	for s := range p.metadata {
		symbols = append(symbols, s)
	}
	sort.Strings(symbols)
	return symbols
}

// DataRange returns the stored date range for a symbol
func (p *FileProvider) DataRange(symbol string) (start, end time.Time, err error) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	if meta, ok := p.metadata[symbol]; ok {
		return meta.StartDate, meta.EndDate, nil
	}
	return time.Time{}, time.Time{}, fmt.Errorf("no data available for symbol %s", symbol)
}

// ClearCache drops every cached series
func (p *FileProvider) ClearCache() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.cache = make(map[string]types.PriceSeries)
}

// CacheSize returns the number of cached series
func (p *FileProvider) CacheSize() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.cache)
}

func (p *FileProvider) loadSeries(symbol string) (types.PriceSeries, error) {
	p.mu.RLock()
	cached, ok := p.cache[symbol]
	p.mu.RUnlock()
	if ok {
		return cached, nil
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if cached, ok := p.cache[symbol]; ok {
		return cached, nil
	}

	raw, err := os.ReadFile(p.seriesPath(symbol))
	if err != nil {
		return types.PriceSeries{}, err
	}
	var bars []types.PriceBar
	if err := json.Unmarshal(raw, &bars); err != nil {
		return types.PriceSeries{}, fmt.Errorf("failed to parse %s history: %w", symbol, err)
	}
	sort.SliceStable(bars, func(i, j int) bool {
		return bars[i].Date.Before(bars[j].Date)
	})

	series := types.PriceSeries{Symbol: symbol, Bars: bars}
	p.cache[symbol] = series
	p.updateMetadata(series)
	return series, nil
}

func (p *FileProvider) seriesPath(symbol string) string {
	safe := strings.NewReplacer("/", "_", "\\", "_", "..", "_").Replace(symbol)
	return filepath.Join(p.dataDir, pricesDir, safe+".json")
}

func (p *FileProvider) readJSON(name string, v any) error {
	raw, err := os.ReadFile(filepath.Join(p.dataDir, name))
	if err != nil {
		return err
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("failed to parse %s: %w", name, err)
	}
	return nil
}

func (p *FileProvider) writeJSON(name string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal %s: %w", name, err)
	}
	if err := os.WriteFile(filepath.Join(p.dataDir, name), data, 0644); err != nil {
		return fmt.Errorf("failed to write %s: %w", name, err)
	}
	return nil
}

// updateMetadata requires p.mu held for writing
func (p *FileProvider) updateMetadata(series types.PriceSeries) {
	if len(series.Bars) == 0 {
		return
	}
	p.metadata[series.Symbol] = &SymbolMetadata{
		Symbol:    series.Symbol,
		StartDate: series.Bars[0].Date,
		EndDate:   series.Bars[len(series.Bars)-1].Date,
		BarCount:  len(series.Bars),
	}
}

func (p *FileProvider) loadMetadata() error {
	raw, err := os.ReadFile(filepath.Join(p.dataDir, metadataFile))
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}

	var metadata []*SymbolMetadata
	if err := json.Unmarshal(raw, &metadata); err != nil {
		return err
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	for _, meta := range metadata {
		p.metadata[meta.Symbol] = meta
	}
	return nil
}

// saveMetadata requires p.mu held
func (p *FileProvider) saveMetadata() error {
	metadata := make([]*SymbolMetadata, 0, len(p.metadata))
	for _, meta := range p.metadata {
		metadata = append(metadata, meta)
	}
	sort.Slice(metadata, func(i, j int) bool { return metadata[i].Symbol < metadata[j].Symbol })

	data, err := json.MarshalIndent(metadata, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(p.dataDir, metadataFile), data, 0644)
}
