package reconciliation

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tradebot-core/internal/events"
	"tradebot-core/internal/execlog"
	"tradebot-core/internal/order"
	"tradebot-core/internal/state"
	"tradebot-core/pkg/db"
	"tradebot-core/pkg/exchanges/common"
	"tradebot-core/pkg/exchanges/sim"
)

type fixture struct {
	svc      *Service
	queries  *db.UserQueries
	provider *sim.Provider
	logs     *execlog.Log
}

func newFixture(t *testing.T, autoSync bool) *fixture {
	t.Helper()
	database, err := db.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { database.Close() })
	require.NoError(t, db.ApplyMigrations(database))

	q := database.Queries()
	log, _ := test.NewNullLogger()
	logs := execlog.New(q, events.NewBus(), log)
	provider := sim.New(sim.Config{Seed: 7})
	provider.SetPrice("BTCPHP", decimal.NewFromInt(100))
	exec := order.NewExecutor(order.Config{Queries: q, Book: state.NewBook(q), ExecLog: logs, Log: log})

	return &fixture{
		svc: NewService(Config{
			Provider: provider, Queries: q, Fills: exec, ExecLog: logs, Log: log, AutoSync: autoSync,
		}),
		queries:  q,
		provider: provider,
		logs:     logs,
	}
}

// placeRemote fills a BUY on the simulated venue and returns its ack.
func (f *fixture) placeRemote(t *testing.T, clientID string) *common.OrderResult {
	t.Helper()
	res, err := f.provider.PlaceMarketOrder(context.Background(), common.MarketOrderRequest{
		Symbol: "BTCPHP", Side: common.SideBuy, QuoteQty: decimal.NewFromInt(1000), ClientID: clientID,
	})
	require.NoError(t, err)
	return res
}

func (f *fixture) storeLocal(t *testing.T, externalID, status string) db.Order {
	t.Helper()
	o := db.Order{
		ID: uuid.NewString(), UserID: "user1", StrategyID: "s1", Symbol: "BTCPHP",
		Side: "BUY", Mode: db.ModeReal, RequestedNotional: decimal.NewFromInt(1000),
		ExternalID: externalID, Status: status,
	}
	require.NoError(t, f.queries.CreateOrder(context.Background(), o))
	return o
}

func TestReconcileCorrectsPendingOrder(t *testing.T) {
	f := newFixture(t, true)
	ctx := context.Background()
	// The ack reported the order as accepted; the fill landed later.
	remote := f.placeRemote(t, "")
	pending := f.storeLocal(t, remote.ExternalID, db.OrderPending)
	report, err := f.svc.Reconcile(ctx, "user1")
	require.NoError(t, err)
	require.Len(t, report.Corrected, 1)
	assert.Equal(t, pending.ID, report.Corrected[0].OrderID)
	assert.Equal(t, db.OrderFilled, report.Corrected[0].To)
	assert.Empty(t, report.Orphans)

	stored, err := f.queries.GetOrderByExternalID(ctx, "user1", remote.ExternalID)
	require.NoError(t, err)
	assert.Equal(t, db.OrderFilled, stored.Status)
	assert.True(t, stored.FilledQty.Equal(decimal.NewFromInt(10)))

	open, err := f.queries.ListOpenPositions(ctx, "user1")
	require.NoError(t, err)
	require.Len(t, open, 1)
	assert.True(t, open[0].EntryPrice.Equal(decimal.NewFromInt(100)))

	again, err := f.svc.Reconcile(ctx, "user1")
	require.NoError(t, err)
	assert.False(t, again.HasDiffs(), "a corrected order is not corrected twice")
}

func TestReconcileRecordsOrphans(t *testing.T) {
	f := newFixture(t, true)
	ctx := context.Background()
	known := f.placeRemote(t, "")
	f.storeLocal(t, known.ExternalID, db.OrderFilled)
	orphan := f.placeRemote(t, uuid.NewString())

	report, err := f.svc.Reconcile(ctx, "user1")
	require.NoError(t, err)
	assert.Equal(t, 2, report.Checked)
	require.Len(t, report.Orphans, 1)
	assert.True(t, report.Orphans[0].Synced)
	assert.Equal(t, 1, report.Synced)

	stored, err := f.queries.GetOrderByExternalID(ctx, "user1", orphan.ExternalID)
	require.NoError(t, err)
	assert.Equal(t, orphan.ClientID, stored.ID)
	assert.Empty(t, stored.StrategyID)
	assert.Equal(t, db.OrderFilled, stored.Status)

	entries, err := f.logs.Tail(ctx, "user1", 10)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, execlog.EventReconciled, entries[0].EventType)
	assert.Empty(t, entries[0].StrategyID)

	open, err := f.queries.ListOpenPositions(ctx, "user1")
	require.NoError(t, err)
	assert.Empty(t, open, "orders without a strategy leave positions alone")
}

func TestReconcileWithoutAutoSyncOnlyReports(t *testing.T) {
	f := newFixture(t, false)
	ctx := context.Background()
	known := f.placeRemote(t, "")
	f.storeLocal(t, known.ExternalID, db.OrderFilled)
	orphan := f.placeRemote(t, "")

	report, err := f.svc.Reconcile(ctx, "user1")
	require.NoError(t, err)
	require.Len(t, report.Orphans, 1)
	assert.False(t, report.Orphans[0].Synced)
	assert.Zero(t, report.Synced)

	_, err = f.queries.GetOrderByExternalID(ctx, "user1", orphan.ExternalID)
	assert.ErrorIs(t, err, db.ErrNotFound)
}

func TestReconcileProviderDown(t *testing.T) {
	f := newFixture(t, true)
	f.storeLocal(t, "SIM-1", db.OrderPending)
	f.provider.SetFailing(true)

	report, err := f.svc.Reconcile(context.Background(), "user1")
	require.Error(t, err)
	assert.ErrorIs(t, err, sim.ErrUnavailable)
	require.NotNil(t, report)
	assert.Zero(t, report.Checked)
}

func TestReconcileNoRealOrders(t *testing.T) {
	f := newFixture(t, true)
	f.placeRemote(t, "")

	report, err := f.svc.Reconcile(context.Background(), "user1")
	require.NoError(t, err)
	assert.Zero(t, report.Checked, "symbols without local real orders are not queried")
}
