package binance

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"gainscan/config"
	"gainscan/logger"
	"gainscan/models"

	futures "github.com/adshao/go-binance/v2/futures"
)

// MarketData serves the public USDⓈ-M futures endpoints the scanner needs.
type MarketData struct {
	client *futures.Client
	log    *logger.Log
}

// NewMarketData builds a MarketData client from the Binance source config.
func NewMarketData(cfg config.BinanceSourceConfig, log *logger.Log) *MarketData {
	if log == nil {
		log = logger.GetLogger()
	}

	transport := &http.Transport{
		MaxIdleConns:       cfg.ConnectionPool.MaxIdleConns,
		MaxConnsPerHost:    cfg.ConnectionPool.MaxConnsPerHost,
		IdleConnTimeout:    cfg.ConnectionPool.IdleConnTimeout,
		DisableCompression: false,
	}

	client := futures.NewClient("", "")
	client.HTTPClient = &http.Client{
		Transport: transport,
		Timeout:   cfg.Timeout,
	}
	if base := strings.TrimRight(cfg.BaseURL, "/"); base != "" {
		client.SetApiEndpoint(base)
	}

	log.WithComponent("binance_market").WithFields(logger.Fields{
		"base_url":           cfg.BaseURL,
		"max_idle_conns":     cfg.ConnectionPool.MaxIdleConns,
		"max_conns_per_host": cfg.ConnectionPool.MaxConnsPerHost,
		"timeout":            cfg.Timeout,
	}).Info("binance market data client initialized")

	return &MarketData{client: client, log: log}
}

// Instruments returns every contract listed by exchange info.
func (m *MarketData) Instruments(ctx context.Context) ([]models.Instrument, error) {
	start := time.Now()
	res, err := m.client.NewExchangeInfoService().Do(ctx)
	if err != nil {
		return nil, fmt.Errorf("fetch exchange info: %w", err)
	}
	m.logRequest("exchange_info", start, len(res.Symbols))

	out := make([]models.Instrument, 0, len(res.Symbols))
	for _, s := range res.Symbols {
		out = append(out, models.Instrument{
			Symbol:       s.Symbol,
			Status:       s.Status,
			ContractType: string(s.ContractType),
		})
	}
	return out, nil
}

// Tickers returns the 24h quote volume of every symbol in snapshot order.
func (m *MarketData) Tickers(ctx context.Context) ([]models.Ticker, error) {
	start := time.Now()
	res, err := m.client.NewListPriceChangeStatsService().Do(ctx)
	if err != nil {
		return nil, fmt.Errorf("fetch 24h tickers: %w", err)
	}
	m.logRequest("ticker_24h", start, len(res))

	out := make([]models.Ticker, 0, len(res))
	for _, t := range res {
		qv, err := strconv.ParseFloat(t.QuoteVolume, 64)
		if err != nil {
			m.log.WithComponent("binance_market").WithFields(logger.Fields{
				"symbol":       t.Symbol,
				"quote_volume": t.QuoteVolume,
			}).Debug("skipping ticker with unparsable quote volume")
			continue
		}
		out = append(out, models.Ticker{Symbol: t.Symbol, QuoteVolume: qv})
	}
	return out, nil
}

// DailyBars returns up to count daily klines for symbol, oldest first.
func (m *MarketData) DailyBars(ctx context.Context, symbol string, count int) ([]models.PriceBar, error) {
	start := time.Now()
	res, err := m.client.NewKlinesService().
		Symbol(symbol).
		Interval(models.DailyInterval).
		Limit(count).
		Do(ctx)
	if err != nil {
		return nil, fmt.Errorf("fetch klines for %s: %w", symbol, err)
	}
	m.logRequest("klines", start, len(res))

	out := make([]models.PriceBar, 0, len(res))
	for _, k := range res {
		bar, err := convertKline(k)
		if err != nil {
			return nil, fmt.Errorf("parse kline for %s: %w", symbol, err)
		}
		out = append(out, bar)
	}
	return out, nil
}

func (m *MarketData) logRequest(operation string, start time.Time, items int) {
	logger.LogPerformanceEntry(m.log.WithComponent("binance_market"), "binance_market", operation, time.Since(start), logger.Fields{
		"items": items,
	})
}

func convertKline(k *futures.Kline) (models.PriceBar, error) {
	var (
		bar  models.PriceBar
		err  error
		vals = []struct {
			raw string
			dst *float64
		}{
			{k.Open, &bar.Open},
			{k.High, &bar.High},
			{k.Low, &bar.Low},
			{k.Close, &bar.Close},
			{k.Volume, &bar.Volume},
			{k.QuoteAssetVolume, &bar.QuoteVolume},
		}
	)
	for _, v := range vals {
		if *v.dst, err = strconv.ParseFloat(v.raw, 64); err != nil {
			return models.PriceBar{}, err
		}
	}
	bar.OpenTime = time.UnixMilli(k.OpenTime).UTC()
	bar.CloseTime = time.UnixMilli(k.CloseTime).UTC()
	bar.TradeCount = k.TradeNum
	return bar, nil
}
