package risk

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/aristath/execplane/internal/circuitbreaker"
	"github.com/aristath/execplane/internal/common/apierr"
	"github.com/aristath/execplane/internal/coordstore"
	"github.com/aristath/execplane/internal/domain"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestBreaker(t *testing.T) *circuitbreaker.Client {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	store := coordstore.NewFromClient(client)
	return circuitbreaker.New(store, 10*time.Minute, 30*time.Minute)
}

func newTestPlanner(t *testing.T) (*Planner, *Repository, *circuitbreaker.Client) {
	t.Helper()
	repo := NewRepository(newTestDB(t).Conn())
	breaker := newTestBreaker(t)
	return NewPlanner(repo, breaker, zerolog.Nop()), repo, breaker
}

func d(v float64) decimal.Decimal { return decimal.NewFromFloat(v) }

func TestPlan_GeneratesOrderForNonZeroDelta(t *testing.T) {
	planner, repo, _ := newTestPlanner(t)
	ctx := context.Background()
	require.NoError(t, repo.Upsert(ctx, domain.RiskLimits{StrategyID: "momentum", MaxPosPerSymbol: d(1_000_000), MaxTotalNotional: d(1_000_000), DailyLossLimit: d(0.10)}))

	result, err := planner.Plan(ctx, PlanInput{
		StrategyID:     "momentum",
		TargetWeights:  []TargetWeight{{Symbol: "AAPL", Weight: d(1.0)}},
		Positions:      map[string]domain.Position{},
		Prices:         map[string]decimal.Decimal{"AAPL": d(100)},
		PortfolioValue: d(10000),
		DrawdownToday:  d(0),
	})
	require.NoError(t, err)
	require.Len(t, result.Orders, 1)
	assert.Equal(t, domain.SideBuy, result.Orders[0].Side)
	assert.Empty(t, result.Rejected)
}

func TestPlan_BlacklistedSymbolIsRejected(t *testing.T) {
	planner, repo, _ := newTestPlanner(t)
	ctx := context.Background()
	require.NoError(t, repo.Upsert(ctx, domain.RiskLimits{StrategyID: "momentum", MaxPosPerSymbol: d(1_000_000), MaxTotalNotional: d(1_000_000), DailyLossLimit: d(0.10), Blacklist: []string{"GME"}}))

	result, err := planner.Plan(ctx, PlanInput{
		StrategyID:     "momentum",
		TargetWeights:  []TargetWeight{{Symbol: "GME", Weight: d(1.0)}},
		Positions:      map[string]domain.Position{},
		Prices:         map[string]decimal.Decimal{"GME": d(20)},
		PortfolioValue: d(10000),
	})
	require.NoError(t, err)
	assert.Empty(t, result.Orders)
	require.Len(t, result.Rejected, 1)
	assert.Equal(t, apierr.RiskReasonBlacklist, result.Rejected[0].Reason)
}

func TestPlan_PerSymbolCapRejectsOversizedOrder(t *testing.T) {
	planner, repo, _ := newTestPlanner(t)
	ctx := context.Background()
	require.NoError(t, repo.Upsert(ctx, domain.RiskLimits{StrategyID: "momentum", MaxPosPerSymbol: d(10), MaxTotalNotional: d(1_000_000), DailyLossLimit: d(0.10)}))

	result, err := planner.Plan(ctx, PlanInput{
		StrategyID:     "momentum",
		TargetWeights:  []TargetWeight{{Symbol: "AAPL", Weight: d(1.0)}},
		Positions:      map[string]domain.Position{},
		Prices:         map[string]decimal.Decimal{"AAPL": d(100)},
		PortfolioValue: d(10000),
	})
	require.NoError(t, err)
	assert.Empty(t, result.Orders)
	require.Len(t, result.Rejected, 1)
	assert.Equal(t, apierr.RiskReasonPerSymbolCap, result.Rejected[0].Reason)
}

func TestPlan_CBTrippedBlocksEntryButAllowsReducing(t *testing.T) {
	planner, repo, breaker := newTestPlanner(t)
	ctx := context.Background()
	require.NoError(t, repo.Upsert(ctx, domain.RiskLimits{StrategyID: "momentum", MaxPosPerSymbol: d(1_000_000), MaxTotalNotional: d(1_000_000), DailyLossLimit: d(0.10)}))
	require.NoError(t, breaker.Trip(ctx, "drawdown", "", "operator"))

	// Entry: no current position, so this is an increasing order => blocked.
	result, err := planner.Plan(ctx, PlanInput{
		StrategyID:     "momentum",
		TargetWeights:  []TargetWeight{{Symbol: "AAPL", Weight: d(1.0)}},
		Positions:      map[string]domain.Position{},
		Prices:         map[string]decimal.Decimal{"AAPL": d(100)},
		PortfolioValue: d(10000),
	})
	require.NoError(t, err)
	assert.Empty(t, result.Orders)
	require.Len(t, result.Rejected, 1)
	assert.Equal(t, apierr.RiskReasonCBEntryBlocked, result.Rejected[0].Reason)

	// Reducing: existing long position, target weight moves toward zero.
	result, err = planner.Plan(ctx, PlanInput{
		StrategyID:     "momentum",
		TargetWeights:  []TargetWeight{{Symbol: "AAPL", Weight: d(0.0)}},
		Positions:      map[string]domain.Position{"AAPL": {Symbol: "AAPL", Qty: d(100)}},
		Prices:         map[string]decimal.Decimal{"AAPL": d(100)},
		PortfolioValue: d(10000),
	})
	require.NoError(t, err)
	assert.Len(t, result.Orders, 1)
	assert.Empty(t, result.Rejected)
}

func TestPlan_ZeroQtyOutputsAreDropped(t *testing.T) {
	planner, repo, _ := newTestPlanner(t)
	ctx := context.Background()
	require.NoError(t, repo.Upsert(ctx, domain.RiskLimits{StrategyID: "momentum", MaxPosPerSymbol: d(1_000_000), MaxTotalNotional: d(1_000_000), DailyLossLimit: d(0.10)}))

	result, err := planner.Plan(ctx, PlanInput{
		StrategyID:     "momentum",
		TargetWeights:  []TargetWeight{{Symbol: "AAPL", Weight: d(0.0)}},
		Positions:      map[string]domain.Position{},
		Prices:         map[string]decimal.Decimal{"AAPL": d(100)},
		PortfolioValue: d(10000),
	})
	require.NoError(t, err)
	assert.Empty(t, result.Orders)
	assert.Empty(t, result.Rejected)
}

func TestPlan_MissingPriceRejectsSymbol(t *testing.T) {
	planner, repo, _ := newTestPlanner(t)
	ctx := context.Background()
	require.NoError(t, repo.Upsert(ctx, domain.RiskLimits{StrategyID: "momentum", MaxPosPerSymbol: d(1_000_000), MaxTotalNotional: d(1_000_000), DailyLossLimit: d(0.10)}))

	result, err := planner.Plan(ctx, PlanInput{
		StrategyID:     "momentum",
		TargetWeights:  []TargetWeight{{Symbol: "AAPL", Weight: d(1.0)}},
		Positions:      map[string]domain.Position{},
		PortfolioValue: d(10000),
	})
	require.NoError(t, err)
	assert.Empty(t, result.Orders)
	require.Len(t, result.Rejected, 1)
	assert.Equal(t, "AAPL", result.Rejected[0].Symbol)
}

func TestTruncateToTick_NeverRoundsUp(t *testing.T) {
	qty := truncateToTick(d(10.7), d(1))
	assert.True(t, qty.Equal(d(10)))
}
