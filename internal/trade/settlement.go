package trade

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/hearthvale/hearthvale/internal/assetstore"
	"github.com/hearthvale/hearthvale/pkg/metrics"
	"github.com/hearthvale/hearthvale/pkg/models"
)

// SettlementEngine applies an agreed trade to persistent balances and
// ownership as one all-or-nothing unit of work. Nothing is reserved ahead of
// settlement, so every offered asset is re-validated against live store state
// and every mutation inside the unit of work is conditionally guarded again.
type SettlementEngine struct {
	logger *zap.Logger
	store  assetstore.Store
}

// NewSettlementEngine creates a settlement engine backed by the given store
func NewSettlementEngine(logger *zap.Logger, store assetstore.Store) *SettlementEngine {
	return &SettlementEngine{logger: logger, store: store}
}

// Settle executes the session's exchange. The caller must hold the session
// mutex with both offers confirmed. On success all asset moves and the history
// record are committed together. On any re-validation failure the unit of work
// is fully rolled back and an ErrSettlementAborted is returned wrapping the
// live cause; no partial movement remains either way.
func (e *SettlementEngine) Settle(ctx context.Context, s *Session) error {
	offerA := s.offers[s.UserA].clone()
	offerB := s.offers[s.UserB].clone()

	// Re-validation happens before the unit of work opens; the conditional
	// guards inside it re-check again.
	if err := e.validateOffer(ctx, e.store, s.UserA, &offerA); err != nil {
		return e.abort(s, err)
	}
	if err := e.validateOffer(ctx, e.store, s.UserB, &offerB); err != nil {
		return e.abort(s, err)
	}

	err := e.store.WithTx(ctx, func(tx assetstore.Store) error {
		if err := e.moveCurrency(ctx, tx, s.UserA, s.UserB, &offerA); err != nil {
			return err
		}
		if err := e.moveCurrency(ctx, tx, s.UserB, s.UserA, &offerB); err != nil {
			return err
		}
		for _, id := range offerA.Companions {
			if err := tx.TransferCompanion(ctx, id, s.UserA, s.UserB); err != nil {
				return mapStoreError(err)
			}
		}
		for _, id := range offerB.Companions {
			if err := tx.TransferCompanion(ctx, id, s.UserB, s.UserA); err != nil {
				return mapStoreError(err)
			}
		}
		record, err := buildTradeRecord(s, &offerA, &offerB)
		if err != nil {
			return err
		}
		return tx.RecordCompletedTrade(ctx, record)
	})
	if err != nil {
		return e.abort(s, err)
	}

	metrics.SessionsClosed.WithLabelValues("settled").Inc()
	e.logger.Info("trade settled",
		zap.String("location", s.Location),
		zap.String("session_id", s.ID.String()),
		zap.Int64("coins_a", offerA.Coins), zap.Int64("tokens_a", offerA.Tokens),
		zap.Int("companions_a", len(offerA.Companions)),
		zap.Int64("coins_b", offerB.Coins), zap.Int64("tokens_b", offerB.Tokens),
		zap.Int("companions_b", len(offerB.Companions)))
	return nil
}

// abort classifies a settlement failure. Expected re-validation failures come
// back wrapped in ErrSettlementAborted; unexpected store failures are logged
// and returned as-is so the caller can tell the two apart. The session is
// preserved in both cases.
func (e *SettlementEngine) abort(s *Session, err error) error {
	switch {
	case errors.Is(err, ErrItemNotOwned):
		metrics.SettlementsAborted.WithLabelValues("item_not_owned").Inc()
	case errors.Is(err, ErrInsufficientFunds):
		metrics.SettlementsAborted.WithLabelValues("insufficient_funds").Inc()
	default:
		metrics.SettlementsAborted.WithLabelValues("store_error").Inc()
		e.logger.Error("settlement failed on store error",
			zap.String("location", s.Location),
			zap.String("session_id", s.ID.String()),
			zap.Error(err))
		return err
	}
	e.logger.Info("settlement aborted",
		zap.String("location", s.Location),
		zap.String("session_id", s.ID.String()),
		zap.Error(err))
	return fmt.Errorf("%w: %w", ErrSettlementAborted, err)
}

// validateOffer checks an offer against live store state: every offered
// companion must still belong to the offering participant and the live balance
// must still cover each offered amount.
func (e *SettlementEngine) validateOffer(ctx context.Context, store assetstore.Store, user string, o *Offer) error {
	if o.Coins > 0 {
		balance, err := store.GetBalance(ctx, user, models.CurrencyCoins)
		if err != nil {
			return err
		}
		if balance < o.Coins {
			return fmt.Errorf("%w: %s offered %d coins but holds %d", ErrInsufficientFunds, user, o.Coins, balance)
		}
	}
	if o.Tokens > 0 {
		balance, err := store.GetBalance(ctx, user, models.CurrencyTokens)
		if err != nil {
			return err
		}
		if balance < o.Tokens {
			return fmt.Errorf("%w: %s offered %d tokens but holds %d", ErrInsufficientFunds, user, o.Tokens, balance)
		}
	}
	for _, id := range o.Companions {
		owner, err := store.GetCompanionOwner(ctx, id)
		if err != nil {
			return mapStoreError(err)
		}
		if owner != user {
			return fmt.Errorf("%w: companion %s is no longer owned by %s", ErrItemNotOwned, id, user)
		}
	}
	return nil
}

// moveCurrency debits the sender and credits the receiver for both currency
// kinds of one offer. The debit re-guards against a concurrent external spend
// even inside the transaction.
func (e *SettlementEngine) moveCurrency(ctx context.Context, tx assetstore.Store, from, to string, o *Offer) error {
	if o.Coins > 0 {
		if err := tx.AdjustBalance(ctx, from, models.CurrencyCoins, -o.Coins); err != nil {
			return mapStoreError(err)
		}
		if err := tx.AdjustBalance(ctx, to, models.CurrencyCoins, o.Coins); err != nil {
			return mapStoreError(err)
		}
	}
	if o.Tokens > 0 {
		if err := tx.AdjustBalance(ctx, from, models.CurrencyTokens, -o.Tokens); err != nil {
			return mapStoreError(err)
		}
		if err := tx.AdjustBalance(ctx, to, models.CurrencyTokens, o.Tokens); err != nil {
			return mapStoreError(err)
		}
	}
	return nil
}

// mapStoreError converts asset store failure kinds into the trade taxonomy,
// keeping the store's message so rejections still name the asset and cause
func mapStoreError(err error) error {
	switch {
	case errors.Is(err, assetstore.ErrInsufficientFunds):
		return fmt.Errorf("%w: %s", ErrInsufficientFunds, err)
	case errors.Is(err, assetstore.ErrOwnershipMismatch), errors.Is(err, assetstore.ErrCompanionNotFound):
		return fmt.Errorf("%w: %s", ErrItemNotOwned, err)
	}
	return err
}

func buildTradeRecord(s *Session, offerA, offerB *Offer) (*models.TradeRecord, error) {
	encode := func(user string, o *Offer) (string, error) {
		raw, err := json.Marshal(OfferSnapshot{
			User:       user,
			Coins:      o.Coins,
			Tokens:     o.Tokens,
			Companions: o.Companions,
		})
		if err != nil {
			return "", fmt.Errorf("failed to encode offer: %w", err)
		}
		return string(raw), nil
	}

	rawA, err := encode(s.UserA, offerA)
	if err != nil {
		return nil, err
	}
	rawB, err := encode(s.UserB, offerB)
	if err != nil {
		return nil, err
	}
	return &models.TradeRecord{
		Location:  s.Location,
		UserA:     s.UserA,
		UserB:     s.UserB,
		OfferA:    rawA,
		OfferB:    rawB,
		CreatedAt: time.Now(),
	}, nil
}
