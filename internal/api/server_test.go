package api_test

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"math"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/atlas-desktop/screener-backend/internal/alerts"
	"github.com/atlas-desktop/screener-backend/internal/api"
	"github.com/atlas-desktop/screener-backend/internal/engine"
	"github.com/atlas-desktop/screener-backend/internal/metrics"
	"github.com/atlas-desktop/screener-backend/internal/monitor"
	"github.com/atlas-desktop/screener-backend/internal/regime"
	"github.com/atlas-desktop/screener-backend/internal/risk"
	"github.com/atlas-desktop/screener-backend/internal/scoring"
	"github.com/atlas-desktop/screener-backend/internal/stoploss"
	"github.com/atlas-desktop/screener-backend/internal/storage"
	"github.com/atlas-desktop/screener-backend/internal/weights"
	"github.com/atlas-desktop/screener-backend/pkg/types"
	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

type staticProvider struct{}

func series(symbol string, base, amplitude float64) types.PriceSeries {
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	bars := make([]types.PriceBar, 60)
	for i := range bars {
		c := base + amplitude*math.Sin(float64(i)/3)
		bars[i] = types.PriceBar{Date: start.AddDate(0, 0, i), Open: c, High: c, Low: c, Close: c, Volume: 1e6}
	}
	return types.PriceSeries{Symbol: symbol, Bars: bars}
}

func (staticProvider) PriceHistory(_ context.Context, symbols []string, _ int) (map[string]types.PriceSeries, error) {
	all := map[string]types.PriceSeries{
		"600519": series("600519", 100, 8),
		"000001": series("000001", 20, 1),
		"600036": series("600036", 10, 0.5),
	}
	out := make(map[string]types.PriceSeries)
	for _, s := range symbols {
		if ps, ok := all[s]; ok {
			out[s] = ps
		}
	}
	return out, nil
}

func (staticProvider) Quotes(_ context.Context, symbols []string) (map[string]types.Quote, error) {
	out := make(map[string]types.Quote)
	for _, s := range symbols {
		if s == "600519" {
			out[s] = types.Quote{Symbol: s, Price: decimal.NewFromInt(90)}
		}
	}
	return out, nil
}

func (staticProvider) Fundamentals(_ context.Context, symbols []string) ([]scoring.StockFundamentals, error) {
	stock := func(symbol string, pe, dividend float64) scoring.StockFundamentals {
		return scoring.StockFundamentals{
			Symbol: symbol, Price: 10, PERatio: pe, PBRatio: 1.2, EPS: 1.5, BookValue: 9,
			ChangePct: 2, DividendYield: dividend, Week52High: 14, Week52Low: 8, Volume: 500, MarketCap: 5000,
		}
	}
	all := []scoring.StockFundamentals{
		stock("600000", 8, 5),
		stock("600036", 25, 1),
		stock("601318", 12, 3),
	}
	if len(symbols) == 0 {
		return all, nil
	}
	out := make([]scoring.StockFundamentals, 0, len(symbols))
	for _, s := range all {
		for _, want := range symbols {
			if s.Symbol == want {
				out = append(out, s)
			}
		}
	}
	return out, nil
}

func (staticProvider) MarketSnapshot(_ context.Context) (regime.MarketData, error) {
	prices := make([]float64, 61)
	for i := range prices {
		prices[i] = 100 + float64(i)
	}
	return regime.MarketData{
		IndexCode:     "000300",
		Prices:        prices,
		CurrentVolume: 2500,
		AverageVolume: 1000,
		Advancing:     80,
		Declining:     20,
		Momentum:      0.04,
		AsOf:          time.Date(2024, 3, 15, 15, 0, 0, 0, time.UTC),
	}, nil
}

func (staticProvider) Portfolio(_ context.Context) ([]types.PortfolioPosition, error) {
	return []types.PortfolioPosition{
		{Symbol: "600519", Weight: 0.6, Quantity: decimal.NewFromInt(100)},
		{Symbol: "000001", Weight: 0.4, Quantity: decimal.NewFromInt(1000)},
	}, nil
}

func setupTestServer(t *testing.T) *httptest.Server {
	t.Helper()
	logger := zap.NewNop()

	store, err := storage.NewFileStore(logger, t.TempDir())
	if err != nil {
		t.Fatalf("Failed to create store: %v", err)
	}
	controller, err := weights.NewController(logger, nil, store)
	if err != nil {
		t.Fatalf("Failed to create controller: %v", err)
	}
	reg := metrics.New()
	hub := api.NewHub(logger)

	eng, err := engine.New(logger, nil, staticProvider{}, engine.Components{
		Calculator: risk.NewCalculator(logger, nil),
		Tracker:    regime.NewTracker(logger, regime.NewClassifier(logger, nil), store),
		Weights:    controller,
		Scoring:    scoring.NewEngine(logger, nil, nil),
		Alerts:     alerts.NewManager(logger, nil, reg.AlertSink(), hub),
		Stops:      stoploss.NewEngine(logger, nil, store),
		Metrics:    reg,

		Performance: scoring.NewPerformanceTracker(),
	})
	if err != nil {
		t.Fatalf("Failed to create engine: %v", err)
	}

	cfg := monitor.DefaultConfig()
	cfg.TradingHoursOnly = false
	scheduler, err := monitor.NewScheduler(logger, cfg, eng)
	if err != nil {
		t.Fatalf("Failed to create scheduler: %v", err)
	}
	scheduler.SetMetrics(reg)
	scheduler.OnCycle(hub.PublishCycle)

	ctx, cancel := context.WithCancel(context.Background())
	go hub.Run(ctx)

	server := api.NewServer(logger, nil, eng, scheduler, hub, reg)
	ts := httptest.NewServer(server.Handler())
	t.Cleanup(func() {
		ts.Close()
		cancel()
	})
	return ts
}

func do(t *testing.T, method, url string, body interface{}) (*http.Response, map[string]interface{}) {
	t.Helper()
	var reader io.Reader
	if body != nil {
		b, _ := json.Marshal(body)
		reader = bytes.NewReader(b)
	}
	req, err := http.NewRequest(method, url, reader)
	if err != nil {
		t.Fatalf("Failed to build request: %v", err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s failed: %v", method, url, err)
	}
	defer resp.Body.Close()

	var result map[string]interface{}
	json.NewDecoder(resp.Body).Decode(&result)
	return resp, result
}

func TestHealthEndpoint(t *testing.T) {
	ts := setupTestServer(t)

	resp, result := do(t, "GET", ts.URL+"/api/v1/health", nil)
	if resp.StatusCode != http.StatusOK {
		t.Errorf("Expected status 200, got %d", resp.StatusCode)
	}
	if result["status"] != "healthy" {
		t.Errorf("Expected status 'healthy', got '%v'", result["status"])
	}
	if result["cycles"] != float64(0) {
		t.Errorf("Expected 0 cycles, got %v", result["cycles"])
	}
}

func TestEndpointsBeforeFirstCycle(t *testing.T) {
	ts := setupTestServer(t)

	for _, path := range []string{"/api/v1/risk/metrics", "/api/v1/risk/assessment", "/api/v1/ranking", "/api/v1/regime/current"} {
		resp, _ := do(t, "GET", ts.URL+path, nil)
		if resp.StatusCode != http.StatusNotFound {
			t.Errorf("%s: expected 404, got %d", path, resp.StatusCode)
		}
	}

	resp, result := do(t, "GET", ts.URL+"/api/v1/weights/current", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("Expected 200, got %d", resp.StatusCode)
	}
	if result["override"] != false {
		t.Errorf("Expected no override, got %v", result["override"])
	}
}

func TestRunCycleAndReadResults(t *testing.T) {
	ts := setupTestServer(t)

	resp, report := do(t, "POST", ts.URL+"/api/v1/cycle/run", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("Expected 200, got %d: %v", resp.StatusCode, report)
	}
	if report["id"] == "" || report["id"] == nil {
		t.Error("Cycle report missing ID")
	}

	resp, result := do(t, "GET", ts.URL+"/api/v1/risk/metrics", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("risk/metrics: expected 200, got %d", resp.StatusCode)
	}
	m, _ := result["metrics"].(map[string]interface{})
	if hhi, _ := m["concentrationIndex"].(float64); math.Abs(hhi-0.52) > 1e-9 {
		t.Errorf("Expected HHI 0.52, got %v", m["concentrationIndex"])
	}

	resp, result = do(t, "GET", ts.URL+"/api/v1/risk/assessment", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("risk/assessment: expected 200, got %d", resp.StatusCode)
	}
	if _, ok := result["assessment"].(map[string]interface{}); !ok {
		t.Errorf("Missing assessment: %v", result)
	}

	_, result = do(t, "GET", ts.URL+"/api/v1/regime/current", nil)
	env, _ := result["environment"].(map[string]interface{})
	if env["kind"] != string(types.EnvironmentBull) {
		t.Errorf("Expected BULL, got %v", env["kind"])
	}
	if recs, _ := result["recommendations"].([]interface{}); len(recs) == 0 {
		t.Error("Expected environment recommendations")
	}

	_, result = do(t, "GET", ts.URL+"/api/v1/regime/history?limit=10", nil)
	if result["count"] != float64(1) {
		t.Errorf("Expected 1 environment record, got %v", result["count"])
	}

	_, result = do(t, "GET", ts.URL+"/api/v1/ranking?limit=2", nil)
	if result["count"] != float64(2) {
		t.Errorf("Expected 2 ranked stocks, got %v", result["count"])
	}

	_, result = do(t, "GET", ts.URL+"/api/v1/weights/history", nil)
	if result["count"] != float64(1) {
		t.Errorf("Expected 1 superseded weight set, got %v", result["count"])
	}

	resp, result = do(t, "GET", ts.URL+"/api/v1/monitor", nil)
	if resp.StatusCode != http.StatusOK || result["cyclesRun"] != float64(1) {
		t.Errorf("Unexpected monitor stats %d %v", resp.StatusCode, result)
	}

	resp, result = do(t, "GET", ts.URL+"/api/v1/factors/performance", nil)
	if resp.StatusCode != http.StatusOK {
		t.Errorf("factors/performance: expected 200, got %d", resp.StatusCode)
	}
	if _, ok := result["best"]; ok {
		t.Error("No best factor before a second cycle")
	}

	resp, _ = do(t, "GET", ts.URL+"/api/v1/regime/history?limit=abc", nil)
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("Expected 400 for bad limit, got %d", resp.StatusCode)
	}
}

func TestStockRiskEndpoints(t *testing.T) {
	ts := setupTestServer(t)

	resp, result := do(t, "GET", ts.URL+"/api/v1/risk/stocks", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("Expected 200, got %d", resp.StatusCode)
	}
	if list, _ := result["assessments"].([]interface{}); len(list) != 3 {
		t.Fatalf("Expected 3 assessments, got %v", result["assessments"])
	}
	batch, _ := result["batch"].(map[string]interface{})
	if succeeded, _ := batch["succeeded"].([]interface{}); len(succeeded) != 1 || succeeded[0] != "600036" {
		t.Errorf("Expected only 600036 to have statistics, got %v", batch["succeeded"])
	}
	if degraded, _ := batch["degraded"].([]interface{}); len(degraded) != 2 {
		t.Errorf("Expected 2 fundamentals-only assessments, got %v", batch["degraded"])
	}

	resp, result = do(t, "GET", ts.URL+"/api/v1/risk/stocks/600036", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("Expected 200, got %d", resp.StatusCode)
	}
	if result["symbol"] != "600036" || result["level"] != "LOW" || result["score"] != float64(10) {
		t.Errorf("Expected 600036 LOW 10, got %v %v %v", result["symbol"], result["level"], result["score"])
	}
	if _, ok := result["statistics"].(map[string]interface{}); !ok {
		t.Errorf("Expected statistics for a stock with history, got %v", result["statistics"])
	}

	resp, result = do(t, "GET", ts.URL+"/api/v1/risk/stocks?symbols=600000,%20601318", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("Expected 200, got %d", resp.StatusCode)
	}
	if list, _ := result["assessments"].([]interface{}); len(list) != 2 {
		t.Errorf("Expected 2 assessments, got %v", result["assessments"])
	}

	resp, _ = do(t, "GET", ts.URL+"/api/v1/risk/stocks/999999", nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("Expected 404 for unknown symbol, got %d", resp.StatusCode)
	}
}

func TestWeightOverride(t *testing.T) {
	ts := setupTestServer(t)

	override := api.OverrideRequest{Weights: map[types.FactorKind]float64{
		types.FactorValue:     0.20,
		types.FactorGrowth:    0.10,
		types.FactorQuality:   0.20,
		types.FactorMomentum:  0.10,
		types.FactorDividend:  0.20,
		types.FactorTechnical: 0.10,
		types.FactorSentiment: 0.10,
	}}
	resp, result := do(t, "PUT", ts.URL+"/api/v1/weights/override", override)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("Expected 200, got %d: %v", resp.StatusCode, result)
	}
	if result["override"] != true || result["version"] != float64(2) {
		t.Errorf("Unexpected override set %v", result)
	}

	partial := api.OverrideRequest{Weights: map[types.FactorKind]float64{types.FactorValue: 1}}
	resp, _ = do(t, "PUT", ts.URL+"/api/v1/weights/override", partial)
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("Expected 400 for partial override, got %d", resp.StatusCode)
	}

	_, result = do(t, "GET", ts.URL+"/api/v1/weights/current", nil)
	if result["override"] != true {
		t.Error("Override should be active")
	}

	resp, result = do(t, "DELETE", ts.URL+"/api/v1/weights/override", nil)
	if resp.StatusCode != http.StatusOK || result["override"] == true {
		t.Errorf("Unexpected clear response %d %v", resp.StatusCode, result)
	}
}

func TestStopLossEndpoints(t *testing.T) {
	ts := setupTestServer(t)
	body := map[string]string{"strategy": "BALANCED", "entryPrice": "100"}

	resp, result := do(t, "POST", ts.URL+"/api/v1/stoploss/600519", body)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("Expected 201, got %d: %v", resp.StatusCode, result)
	}
	if result["stopPrice"] != "92" {
		t.Errorf("Expected stop 92, got %v", result["stopPrice"])
	}

	resp, _ = do(t, "POST", ts.URL+"/api/v1/stoploss/600519", body)
	if resp.StatusCode != http.StatusConflict {
		t.Errorf("Expected 409 for duplicate stop, got %d", resp.StatusCode)
	}

	resp, _ = do(t, "POST", ts.URL+"/api/v1/stoploss/000001", map[string]string{"entryPrice": "-1"})
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("Expected 400 for negative price, got %d", resp.StatusCode)
	}

	_, result = do(t, "GET", ts.URL+"/api/v1/stoploss", nil)
	if result["count"] != float64(1) {
		t.Errorf("Expected 1 stop, got %v", result["count"])
	}

	// the quote of 90 is below the stop
	_, report := do(t, "POST", ts.URL+"/api/v1/cycle/run", nil)
	decisions, _ := report["stopDecisions"].([]interface{})
	if len(decisions) != 1 {
		t.Fatalf("Expected 1 stop decision, got %v", report["stopDecisions"])
	}
	if d := decisions[0].(map[string]interface{}); d["action"] != string(types.ActionSell) {
		t.Errorf("Expected SELL, got %v", d["action"])
	}

	resp, _ = do(t, "DELETE", ts.URL+"/api/v1/stoploss/600519", nil)
	if resp.StatusCode != http.StatusOK {
		t.Errorf("Expected 200 on close, got %d", resp.StatusCode)
	}
	resp, _ = do(t, "DELETE", ts.URL+"/api/v1/stoploss/600519", nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("Expected 404 on second close, got %d", resp.StatusCode)
	}
}

func TestAlertsAndMetricsEndpoints(t *testing.T) {
	ts := setupTestServer(t)
	do(t, "POST", ts.URL+"/api/v1/cycle/run", nil)

	resp, result := do(t, "GET", ts.URL+"/api/v1/alerts?limit=5", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("Expected 200, got %d", resp.StatusCode)
	}
	if _, ok := result["alerts"].([]interface{}); !ok {
		t.Errorf("Expected alert list, got %v", result["alerts"])
	}

	mresp, err := http.Get(ts.URL + "/metrics")
	if err != nil {
		t.Fatalf("metrics request failed: %v", err)
	}
	defer mresp.Body.Close()
	text, _ := io.ReadAll(mresp.Body)
	if !strings.Contains(string(text), `screener_cycles_total{result="completed"} 1`) {
		t.Errorf("Cycle counter missing from exposition")
	}
}

func dial(t *testing.T, ts *httptest.Server) *websocket.Conn {
	t.Helper()
	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
	conn, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("WebSocket connection failed: %v (response: %v)", err, resp)
	}
	return conn
}

func TestWebSocketPing(t *testing.T) {
	ts := setupTestServer(t)
	conn := dial(t, ts)
	defer conn.Close()

	if err := conn.WriteJSON(api.WSMessage{Type: api.MsgTypePing}); err != nil {
		t.Fatalf("Failed to send ping: %v", err)
	}
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))

	var response api.WSMessage
	if err := conn.ReadJSON(&response); err != nil {
		t.Fatalf("Failed to read pong: %v", err)
	}
	if response.Type != api.MsgTypePong {
		t.Errorf("Expected 'pong', got '%s'", response.Type)
	}
}

func TestWebSocketCycleStream(t *testing.T) {
	ts := setupTestServer(t)
	conn := dial(t, ts)
	defer conn.Close()

	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	if err := conn.WriteJSON(api.WSMessage{Type: api.MsgTypeSubscribe, Channel: api.ChannelCycles}); err != nil {
		t.Fatalf("Failed to subscribe: %v", err)
	}
	var ack api.WSMessage
	if err := conn.ReadJSON(&ack); err != nil || ack.Type != api.MsgTypeSubscribe {
		t.Fatalf("Expected subscribe ack, got %v %v", ack, err)
	}

	do(t, "POST", ts.URL+"/api/v1/cycle/run", nil)

	for {
		var msg api.WSMessage
		if err := conn.ReadJSON(&msg); err != nil {
			t.Fatalf("No cycle_complete received: %v", err)
		}
		if msg.Type != api.MsgTypeCycleComplete {
			continue
		}
		var summary api.CycleSummary
		if err := json.Unmarshal(msg.Data, &summary); err != nil {
			t.Fatalf("Bad summary: %v", err)
		}
		if summary.Environment.Kind != types.EnvironmentBull || summary.Ranked != 3 {
			t.Errorf("Unexpected summary %+v", summary)
		}
		return
	}
}

func TestConcurrentConnections(t *testing.T) {
	ts := setupTestServer(t)

	conns := make([]*websocket.Conn, 5)
	for i := range conns {
		conns[i] = dial(t, ts)
		defer conns[i].Close()
	}
	for i, conn := range conns {
		if err := conn.WriteJSON(api.WSMessage{Type: api.MsgTypePing}); err != nil {
			t.Errorf("Connection %d: failed to send ping: %v", i, err)
		}
	}
	for i, conn := range conns {
		conn.SetReadDeadline(time.Now().Add(5 * time.Second))
		var response api.WSMessage
		if err := conn.ReadJSON(&response); err != nil {
			t.Errorf("Connection %d: failed to read pong: %v", i, err)
			continue
		}
		if response.Type != api.MsgTypePong {
			t.Errorf("Connection %d: expected 'pong', got '%s'", i, response.Type)
		}
	}
}

func TestServerShutdown(t *testing.T) {
	cfg := types.DefaultServerConfig()
	cfg.Host = "127.0.0.1"
	cfg.Port = 18081

	logger := zap.NewNop()
	store, _ := storage.NewFileStore(logger, t.TempDir())
	controller, _ := weights.NewController(logger, nil, store)
	eng, err := engine.New(logger, nil, staticProvider{}, engine.Components{
		Calculator: risk.NewCalculator(logger, nil),
		Tracker:    regime.NewTracker(logger, regime.NewClassifier(logger, nil), store),
		Weights:    controller,
		Scoring:    scoring.NewEngine(logger, nil, nil),
		Alerts:     alerts.NewManager(logger, nil),
		Stops:      stoploss.NewEngine(logger, nil, store),
	})
	if err != nil {
		t.Fatalf("Failed to create engine: %v", err)
	}
	server := api.NewServer(logger, &cfg, eng, nil, nil, nil)

	done := make(chan error, 1)
	go func() { done <- server.Start() }()
	time.Sleep(100 * time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := server.Stop(ctx); err != nil {
		t.Errorf("Shutdown error: %v", err)
	}
	if err := <-done; err != nil {
		t.Errorf("Start returned %v after shutdown", err)
	}
}
