package trade

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hearthvale/hearthvale/pkg/models"
)

// Coins for a pet: ana offers 500 coins, ben offers a companion; both confirm.
func TestSettlementCurrencyForCompanion(t *testing.T) {
	p, store, db := newTestProtocol(t, calmWindows())
	ctx := context.Background()
	require.NoError(t, store.AdjustBalance(ctx, "ana", models.CurrencyCoins, 1000))
	companion, err := store.CreateCompanion(ctx, "ben", "ember-fox", map[string]any{"sheen": 9})
	require.NoError(t, err)

	openTestSession(t, p, "channel-1", "ana", "ben")
	require.NoError(t, p.AddCoins(ctx, "channel-1", "ana", 500))
	require.NoError(t, p.AddCompanion(ctx, "channel-1", "ben", companion.ID))

	_, err = p.Confirm(ctx, "channel-1", "ana")
	require.NoError(t, err)
	snap, err := p.Confirm(ctx, "channel-1", "ben")
	require.NoError(t, err)
	assert.Equal(t, StateSettled, snap.State)

	// 500 coins moved ana -> ben, the companion moved ben -> ana
	anaCoins, _ := store.GetBalance(ctx, "ana", models.CurrencyCoins)
	benCoins, _ := store.GetBalance(ctx, "ben", models.CurrencyCoins)
	assert.Equal(t, int64(500), anaCoins)
	assert.Equal(t, int64(500), benCoins)
	owner, err := store.GetCompanionOwner(ctx, companion.ID)
	require.NoError(t, err)
	assert.Equal(t, "ana", owner)

	// session removed, history recorded
	_, err = p.Status("channel-1")
	require.ErrorIs(t, err, ErrSessionNotFound)
	var records []models.TradeRecord
	require.NoError(t, db.Where("location = ?", "channel-1").Find(&records).Error)
	require.Len(t, records, 1)
	assert.Equal(t, "ana", records[0].UserA)
	assert.Equal(t, "ben", records[0].UserB)
	assert.Contains(t, records[0].OfferA, `"coins":500`)
	assert.Contains(t, records[0].OfferB, companion.ID.String())
}

func TestSettlementConservesCurrency(t *testing.T) {
	p, store, _ := newTestProtocol(t, calmWindows())
	ctx := context.Background()
	require.NoError(t, store.AdjustBalance(ctx, "ana", models.CurrencyCoins, 800))
	require.NoError(t, store.AdjustBalance(ctx, "ana", models.CurrencyTokens, 30))
	require.NoError(t, store.AdjustBalance(ctx, "ben", models.CurrencyCoins, 200))

	openTestSession(t, p, "channel-1", "ana", "ben")
	require.NoError(t, p.AddCoins(ctx, "channel-1", "ana", 300))
	require.NoError(t, p.AddTokens(ctx, "channel-1", "ana", 30))
	require.NoError(t, p.AddCoins(ctx, "channel-1", "ben", 200))

	_, err := p.Confirm(ctx, "channel-1", "ana")
	require.NoError(t, err)
	_, err = p.Confirm(ctx, "channel-1", "ben")
	require.NoError(t, err)

	anaCoins, _ := store.GetBalance(ctx, "ana", models.CurrencyCoins)
	benCoins, _ := store.GetBalance(ctx, "ben", models.CurrencyCoins)
	anaTokens, _ := store.GetBalance(ctx, "ana", models.CurrencyTokens)
	benTokens, _ := store.GetBalance(ctx, "ben", models.CurrencyTokens)
	assert.Equal(t, int64(1000), anaCoins+benCoins, "coins must be conserved")
	assert.Equal(t, int64(30), anaTokens+benTokens, "tokens must be conserved")
	assert.Equal(t, int64(700), anaCoins)
	assert.Equal(t, int64(300), benCoins)
}

// A companion disposed of through an unrelated action after being offered must
// abort the whole settlement: no partial movement of the other assets, flags
// reset, session still open.
func TestSettlementAbortsWhenCompanionWasDisposed(t *testing.T) {
	p, store, _ := newTestProtocol(t, calmWindows())
	ctx := context.Background()
	require.NoError(t, store.AdjustBalance(ctx, "ben", models.CurrencyCoins, 400))
	companion, err := store.CreateCompanion(ctx, "ana", "moss-turtle", nil)
	require.NoError(t, err)

	openTestSession(t, p, "channel-1", "ana", "ben")
	require.NoError(t, p.AddCompanion(ctx, "channel-1", "ana", companion.ID))
	require.NoError(t, p.AddCoins(ctx, "channel-1", "ben", 400))
	_, err = p.Confirm(ctx, "channel-1", "ana")
	require.NoError(t, err)

	// ana gives the companion away outside the trade
	require.NoError(t, store.TransferCompanion(ctx, companion.ID, "ana", "cara"))

	_, err = p.Confirm(ctx, "channel-1", "ben")
	require.ErrorIs(t, err, ErrSettlementAborted)
	require.ErrorIs(t, err, ErrItemNotOwned)

	// no partial movement of ben's coins
	benCoins, _ := store.GetBalance(ctx, "ben", models.CurrencyCoins)
	assert.Equal(t, int64(400), benCoins)
	anaCoins, _ := store.GetBalance(ctx, "ana", models.CurrencyCoins)
	assert.Equal(t, int64(0), anaCoins)

	// session preserved with both confirmations cleared
	snap, err := p.Status("channel-1")
	require.NoError(t, err)
	assert.Equal(t, StateActive, snap.State)
	assert.False(t, snap.OfferA.Confirmed)
	assert.False(t, snap.OfferB.Confirmed)
}

// After an aborted settlement the pair can fix the offer and re-confirm.
func TestSettlementRetryAfterAbort(t *testing.T) {
	p, store, _ := newTestProtocol(t, calmWindows())
	ctx := context.Background()
	require.NoError(t, store.AdjustBalance(ctx, "ben", models.CurrencyCoins, 400))
	companion, err := store.CreateCompanion(ctx, "ana", "moss-turtle", nil)
	require.NoError(t, err)

	openTestSession(t, p, "channel-1", "ana", "ben")
	require.NoError(t, p.AddCompanion(ctx, "channel-1", "ana", companion.ID))
	require.NoError(t, p.AddCoins(ctx, "channel-1", "ben", 400))
	_, err = p.Confirm(ctx, "channel-1", "ana")
	require.NoError(t, err)
	require.NoError(t, store.TransferCompanion(ctx, companion.ID, "ana", "cara"))
	_, err = p.Confirm(ctx, "channel-1", "ben")
	require.ErrorIs(t, err, ErrSettlementAborted)

	// drop the stale companion from the offer and agree again
	require.NoError(t, p.RemoveCompanion("channel-1", "ana", companion.ID))
	_, err = p.Confirm(ctx, "channel-1", "ana")
	require.NoError(t, err)
	snap, err := p.Confirm(ctx, "channel-1", "ben")
	require.NoError(t, err)
	assert.Equal(t, StateSettled, snap.State)

	anaCoins, _ := store.GetBalance(ctx, "ana", models.CurrencyCoins)
	assert.Equal(t, int64(400), anaCoins)
}

// A balance spent elsewhere after the offer was built is caught by settlement
// re-validation, not trusted from offer time.
func TestSettlementAbortsOnConcurrentSpend(t *testing.T) {
	p, store, _ := newTestProtocol(t, calmWindows())
	ctx := context.Background()
	require.NoError(t, store.AdjustBalance(ctx, "ana", models.CurrencyCoins, 500))

	openTestSession(t, p, "channel-1", "ana", "ben")
	require.NoError(t, p.AddCoins(ctx, "channel-1", "ana", 500))
	_, err := p.Confirm(ctx, "channel-1", "ana")
	require.NoError(t, err)

	// ana spends outside the trade before the second confirmation
	require.NoError(t, store.AdjustBalance(ctx, "ana", models.CurrencyCoins, -200))

	_, err = p.Confirm(ctx, "channel-1", "ben")
	require.ErrorIs(t, err, ErrSettlementAborted)
	require.ErrorIs(t, err, ErrInsufficientFunds)

	anaCoins, _ := store.GetBalance(ctx, "ana", models.CurrencyCoins)
	benCoins, _ := store.GetBalance(ctx, "ben", models.CurrencyCoins)
	assert.Equal(t, int64(300), anaCoins)
	assert.Equal(t, int64(0), benCoins)
}

// Two pairs negotiating at two locations settle independently.
func TestIndependentSessionsSettleConcurrently(t *testing.T) {
	p, store, _ := newTestProtocol(t, calmWindows())
	ctx := context.Background()
	require.NoError(t, store.AdjustBalance(ctx, "ana", models.CurrencyCoins, 100))
	require.NoError(t, store.AdjustBalance(ctx, "cara", models.CurrencyCoins, 100))

	openTestSession(t, p, "channel-1", "ana", "ben")
	openTestSession(t, p, "channel-2", "cara", "dan")
	require.NoError(t, p.AddCoins(ctx, "channel-1", "ana", 100))
	require.NoError(t, p.AddCoins(ctx, "channel-2", "cara", 100))
	_, err := p.Confirm(ctx, "channel-1", "ana")
	require.NoError(t, err)
	_, err = p.Confirm(ctx, "channel-2", "cara")
	require.NoError(t, err)

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		_, err := p.Confirm(ctx, "channel-1", "ben")
		assert.NoError(t, err)
	}()
	go func() {
		defer wg.Done()
		_, err := p.Confirm(ctx, "channel-2", "dan")
		assert.NoError(t, err)
	}()
	wg.Wait()

	benCoins, _ := store.GetBalance(ctx, "ben", models.CurrencyCoins)
	danCoins, _ := store.GetBalance(ctx, "dan", models.CurrencyCoins)
	assert.Equal(t, int64(100), benCoins)
	assert.Equal(t, int64(100), danCoins)
	_, err = p.Status("channel-1")
	require.ErrorIs(t, err, ErrSessionNotFound)
	_, err = p.Status("channel-2")
	require.ErrorIs(t, err, ErrSessionNotFound)
}

// A completely empty offer on either side is legal and settles as a no-op movement.
func TestZeroValueOfferSettles(t *testing.T) {
	p, store, db := newTestProtocol(t, calmWindows())
	ctx := context.Background()
	require.NoError(t, store.AdjustBalance(ctx, "ana", models.CurrencyCoins, 50))

	openTestSession(t, p, "channel-1", "ana", "ben")
	require.NoError(t, p.AddCoins(ctx, "channel-1", "ana", 50))

	_, err := p.Confirm(ctx, "channel-1", "ana")
	require.NoError(t, err)
	snap, err := p.Confirm(ctx, "channel-1", "ben")
	require.NoError(t, err)
	assert.Equal(t, StateSettled, snap.State)

	benCoins, _ := store.GetBalance(ctx, "ben", models.CurrencyCoins)
	assert.Equal(t, int64(50), benCoins)

	var count int64
	require.NoError(t, db.Model(&models.TradeRecord{}).Count(&count).Error)
	assert.Equal(t, int64(1), count)
}

// Companions not named in either offer never change owner.
func TestSettlementTouchesOnlyOfferedCompanions(t *testing.T) {
	p, store, _ := newTestProtocol(t, calmWindows())
	ctx := context.Background()
	offered, err := store.CreateCompanion(ctx, "ana", "ember-fox", nil)
	require.NoError(t, err)
	bystander, err := store.CreateCompanion(ctx, "ana", "moss-turtle", nil)
	require.NoError(t, err)

	openTestSession(t, p, "channel-1", "ana", "ben")
	require.NoError(t, p.AddCompanion(ctx, "channel-1", "ana", offered.ID))
	_, err = p.Confirm(ctx, "channel-1", "ana")
	require.NoError(t, err)
	_, err = p.Confirm(ctx, "channel-1", "ben")
	require.NoError(t, err)

	offeredOwner, _ := store.GetCompanionOwner(ctx, offered.ID)
	bystanderOwner, _ := store.GetCompanionOwner(ctx, bystander.ID)
	assert.Equal(t, "ben", offeredOwner)
	assert.Equal(t, "ana", bystanderOwner)
}
