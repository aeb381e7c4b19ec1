package repository_test

import (
	"context"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/kjannette/trahn-copytrade/internal/models"
	"github.com/kjannette/trahn-copytrade/internal/repository"
	"github.com/kjannette/trahn-copytrade/internal/testutil"
)

func createStrategy(t *testing.T, pool *pgxpool.Pool) *models.Strategy {
	t.Helper()
	repo := repository.NewStrategyRepo(pool)
	s, err := repo.Create(context.Background(), &models.Strategy{
		Name:           "repo-test-" + time.Now().Format("150405.000000"),
		WalletAddress:  "0x52908400098527886e0f7030069857d2e4169ee7",
		Active:         true,
		SizingMode:     models.SizingFixed,
		FixedAmountUSD: decimal.NewFromInt(250),
		Leverage:       3,
		AllowedTokens:  []string{"ETH", "WBTC"},
		DailyLimit:     5,
	})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	t.Cleanup(func() {
		ctx := context.Background()
		pool.Exec(ctx, `DELETE FROM copy_trade_audits WHERE strategy_id = $1`, s.ID)
		pool.Exec(ctx, `DELETE FROM copy_positions WHERE strategy_id = $1`, s.ID)
		pool.Exec(ctx, `DELETE FROM strategies WHERE id = $1`, s.ID)
	})
	return s
}

// ---------- StrategyRepo ----------

func TestStrategyRepo(t *testing.T) {
	pool := testutil.SetupPool(t)
	repo := repository.NewStrategyRepo(pool)
	ctx := context.Background()

	s := createStrategy(t, pool)
	if s.ID == 0 {
		t.Fatal("expected non-zero ID")
	}
	if s.WalletAddress != "0x52908400098527886E0F7030069857D2E4169EE7" {
		t.Fatalf("wallet not checksummed: %s", s.WalletAddress)
	}
	if len(s.AllowedTokens) != 2 || s.AllowedTokens[1] != "WBTC" {
		t.Fatalf("allowed tokens mismatch: %v", s.AllowedTokens)
	}
	if !s.FixedAmountUSD.Equal(decimal.NewFromInt(250)) {
		t.Fatalf("fixed amount mismatch: %s", s.FixedAmountUSD)
	}
	t.Logf("Created strategy: id=%d wallet=%s", s.ID, s.WalletAddress)

	// AdvanceCheckpoint is monotonic
	t2 := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	got, err := repo.AdvanceCheckpoint(ctx, s.ID, t2)
	if err != nil {
		t.Fatalf("AdvanceCheckpoint: %v", err)
	}
	if !got.Equal(t2) {
		t.Fatalf("checkpoint mismatch: got %s", got)
	}
	got, err = repo.AdvanceCheckpoint(ctx, s.ID, t2.Add(-time.Hour))
	if err != nil {
		t.Fatalf("AdvanceCheckpoint(earlier): %v", err)
	}
	if !got.Equal(t2) {
		t.Fatalf("checkpoint moved backwards to %s", got)
	}

	// MarkChecked
	msg := "wallet provider timeout"
	if err := repo.MarkChecked(ctx, s.ID, time.Now(), &msg); err != nil {
		t.Fatalf("MarkChecked: %v", err)
	}
	loaded, err := repo.Get(ctx, s.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if loaded.LastError == nil || *loaded.LastError != msg {
		t.Fatalf("last error mismatch: %v", loaded.LastError)
	}
	if loaded.LastCheckedAt == nil {
		t.Fatal("expected last checked time")
	}

	// ListActive includes it until deactivated
	active, err := repo.ListActive(ctx)
	if err != nil {
		t.Fatalf("ListActive: %v", err)
	}
	if !containsStrategy(active, s.ID) {
		t.Fatal("expected strategy in active list")
	}
	if err := repo.SetActive(ctx, s.ID, false); err != nil {
		t.Fatalf("SetActive: %v", err)
	}
	active, _ = repo.ListActive(ctx)
	if containsStrategy(active, s.ID) {
		t.Fatal("inactive strategy still listed")
	}

	if _, err := repo.Get(ctx, -1); err != repository.ErrNotFound {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if _, err := repo.Create(ctx, &models.Strategy{Name: "bad", WalletAddress: "not-a-wallet"}); err == nil {
		t.Fatal("expected invalid wallet error")
	}
}

func containsStrategy(list []models.Strategy, id int64) bool {
	for _, s := range list {
		if s.ID == id {
			return true
		}
	}
	return false
}

// ---------- AuditRepo ----------

func TestAuditRepo(t *testing.T) {
	pool := testutil.SetupPool(t)
	repo := repository.NewAuditRepo(pool, 0)
	ctx := context.Background()
	s := createStrategy(t, pool)

	src := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	inst, side, posSide := "ETH-USDT-SWAP", "sell", "long"
	contracts := decimal.RequireFromString("12.5")
	reason := "exchange: 502"
	leg := &models.CopyTradeAudit{
		StrategyID: s.ID, SignalRef: "SELL:0xabc:ETH", SignalType: "SELL", Asset: "ETH",
		SourceAt: src, Leg: 1, LegKind: "CLOSE_LONG",
		InstID: &inst, Side: &side, PosSide: &posSide, Contracts: &contracts, Leverage: 3,
		Status: models.StatusFailed, Reason: &reason, Retryable: true, Attempts: 1,
	}
	if err := repo.Upsert(ctx, leg); err != nil {
		t.Fatalf("Upsert: %v", err)
	}
	if leg.ID == 0 || leg.TradingDay == "" {
		t.Fatalf("expected id and trading day, got id=%d day=%q", leg.ID, leg.TradingDay)
	}
	firstID := leg.ID

	// Retrying the same leg updates the row in place
	ordID := "77881"
	now := time.Now().UTC()
	leg.Status, leg.Reason, leg.Retryable, leg.Attempts = models.StatusSuccess, nil, false, 2
	leg.OrderID, leg.ExecutedAt = &ordID, &now
	if err := repo.Upsert(ctx, leg); err != nil {
		t.Fatalf("Upsert(retry): %v", err)
	}
	if leg.ID != firstID {
		t.Fatalf("retry inserted a new row: %d != %d", leg.ID, firstID)
	}

	skipReason := "BelowMinimumOrderSize"
	if err := repo.Upsert(ctx, &models.CopyTradeAudit{
		StrategyID: s.ID, SignalRef: "SELL:0xabc:ETH", SignalType: "SELL", Asset: "ETH",
		SourceAt: src, Leg: 2, LegKind: "OPEN_SHORT", Status: models.StatusSkipped, Reason: &skipReason, Attempts: 2,
	}); err != nil {
		t.Fatalf("Upsert(leg 2): %v", err)
	}

	legs, err := repo.Legs(ctx, s.ID, "SELL:0xabc:ETH")
	if err != nil {
		t.Fatalf("Legs: %v", err)
	}
	if len(legs) != 2 {
		t.Fatalf("expected 2 legs, got %d", len(legs))
	}
	if legs[0].Status != models.StatusSuccess || legs[0].Reason != nil || *legs[0].OrderID != ordID {
		t.Fatalf("leg 1 not updated: %+v", legs[0])
	}
	if !legs[0].Contracts.Equal(contracts) || legs[0].Leverage != 3 {
		t.Fatalf("leg 1 sizing mismatch: %s x%d", legs[0].Contracts, legs[0].Leverage)
	}
	if legs[1].Contracts != nil {
		t.Fatalf("expected NULL contracts on skipped leg, got %s", legs[1].Contracts)
	}

	out := models.Summarize("SELL:0xabc:ETH", legs)
	if out.Status != models.StatusSuccess || out.Blocking || out.Attempts != 2 {
		t.Fatalf("unexpected outcome: %+v", out)
	}

	count, err := repo.CountToday(ctx, s.ID)
	if err != nil {
		t.Fatalf("CountToday: %v", err)
	}
	if count != 1 {
		t.Fatalf("expected 1 successful signal today, got %d", count)
	}

	stats, err := repo.Stats(ctx, s.ID)
	if err != nil {
		t.Fatalf("Stats: %v", err)
	}
	if stats.TotalSignals != 1 || stats.SuccessCount != 1 || stats.SkippedCount != 1 {
		t.Fatalf("unexpected stats: %+v", stats)
	}
	t.Logf("Stats: total=%d success=%d skipped=%d today=%d", stats.TotalSignals, stats.SuccessCount, stats.SkippedCount, stats.TodayCount)

	list, err := repo.List(ctx, s.ID, "", 10)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(list) != 2 || list[0].Leg != 1 {
		t.Fatalf("unexpected list: %d rows", len(list))
	}
	none, err := repo.List(ctx, s.ID, "2001-01-01", 10)
	if err != nil {
		t.Fatalf("List(day): %v", err)
	}
	if len(none) != 0 {
		t.Fatalf("expected no rows on 2001-01-01, got %d", len(none))
	}
}

// ---------- PositionRepo ----------

func TestPositionRepo(t *testing.T) {
	pool := testutil.SetupPool(t)
	repo := repository.NewPositionRepo(pool)
	ctx := context.Background()
	s := createStrategy(t, pool)

	p, err := repo.Get(ctx, s.ID, "ETH-USDT-SWAP")
	if err != nil {
		t.Fatalf("Get(empty): %v", err)
	}
	if !p.LongUSD.IsZero() || p.InstID != "ETH-USDT-SWAP" {
		t.Fatalf("expected flat position, got %+v", p)
	}

	p.LongUSD = decimal.RequireFromString("600")
	p.LongContracts = decimal.RequireFromString("30")
	if err := repo.Save(ctx, p); err != nil {
		t.Fatalf("Save: %v", err)
	}
	p.LongUSD = decimal.Zero
	p.LongContracts = decimal.Zero
	p.ShortUSD = decimal.RequireFromString("800")
	p.ShortContracts = decimal.RequireFromString("40")
	if err := repo.Save(ctx, p); err != nil {
		t.Fatalf("Save(flip): %v", err)
	}

	got, err := repo.Get(ctx, s.ID, "ETH-USDT-SWAP")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if !got.LongContracts.IsZero() || !got.ShortContracts.Equal(decimal.NewFromInt(40)) {
		t.Fatalf("position mismatch: long=%s short=%s", got.LongContracts, got.ShortContracts)
	}

	all, err := repo.ListByStrategy(ctx, s.ID)
	if err != nil {
		t.Fatalf("ListByStrategy: %v", err)
	}
	if len(all) != 1 {
		t.Fatalf("expected 1 position, got %d", len(all))
	}
}

// ---------- TradingDay ----------

func TestTradingDay(t *testing.T) {
	// 2024-01-15 at 16:00 UTC (before 17:00 cutoff) => trading day = Jan 14
	ts := time.Date(2024, 1, 15, 16, 0, 0, 0, time.UTC)
	if got := repository.TradingDay(ts, 17); got != "2024-01-14" {
		t.Fatalf("expected 2024-01-14, got %s", got)
	}

	// 2024-01-15 at 18:00 UTC (after 17:00 cutoff) => trading day = Jan 15
	ts2 := time.Date(2024, 1, 15, 18, 0, 0, 0, time.UTC)
	if got := repository.TradingDay(ts2, 17); got != "2024-01-15" {
		t.Fatalf("expected 2024-01-15, got %s", got)
	}

	// cutoff 0 is the UTC calendar day
	ts3 := time.Date(2024, 1, 15, 0, 30, 0, 0, time.FixedZone("EST", -5*3600))
	if got := repository.TradingDay(ts3, 0); got != "2024-01-15" {
		t.Fatalf("expected 2024-01-15, got %s", got)
	}
}
