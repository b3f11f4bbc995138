// Package assetstore owns persistent balances, companion ownership, and trade
// history. All mutating operations are conditional: a debit that would leave a
// negative balance or a transfer from anyone but the expected owner reports a
// typed failure instead of applying, and every operation composes inside a
// single unit of work via WithTx.
package assetstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/hearthvale/hearthvale/pkg/models"
)

var (
	// ErrInsufficientFunds is returned when a conditional debit would leave a negative balance
	ErrInsufficientFunds = errors.New("insufficient funds")
	// ErrOwnershipMismatch is returned when a conditional transfer finds an unexpected current owner
	ErrOwnershipMismatch = errors.New("companion ownership mismatch")
	// ErrCompanionNotFound is returned when a companion instance does not exist
	ErrCompanionNotFound = errors.New("companion not found")
)

// Store defines the asset operations consumed by the trade engine
type Store interface {
	GetBalance(ctx context.Context, userID, currency string) (int64, error)
	AdjustBalance(ctx context.Context, userID, currency string, delta int64) error
	GetCompanionOwner(ctx context.Context, companionID uuid.UUID) (string, error)
	GetCompanion(ctx context.Context, companionID uuid.UUID) (*models.Companion, error)
	ListCompanions(ctx context.Context, ownerID string) ([]*models.Companion, error)
	CreateCompanion(ctx context.Context, ownerID, templateID string, attributes map[string]any) (*models.Companion, error)
	TransferCompanion(ctx context.Context, companionID uuid.UUID, expectedOwner, newOwner string) error
	RecordCompletedTrade(ctx context.Context, record *models.TradeRecord) error
	WithTx(ctx context.Context, fn func(Store) error) error
}

// Service implements Store on top of gorm
type Service struct {
	logger *zap.Logger
	db     *gorm.DB
}

// NewService creates a new asset store service
func NewService(logger *zap.Logger, db *gorm.DB) *Service {
	return &Service{logger: logger, db: db}
}

// GetBalance returns the user's balance for a currency. A user with no account
// for the currency has a balance of zero.
func (s *Service) GetBalance(ctx context.Context, userID, currency string) (int64, error) {
	var account models.Account
	err := s.db.WithContext(ctx).Where("user_id = ? AND currency = ?", userID, currency).First(&account).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return 0, nil
		}
		return 0, fmt.Errorf("failed to find account: %w", err)
	}
	return account.Balance, nil
}

// AdjustBalance applies delta to the user's balance for a currency. The
// non-negative floor is enforced inside the UPDATE itself, so a concurrent
// spend between read and write cannot overdraw the account. A credit to a user
// with no account creates the account.
func (s *Service) AdjustBalance(ctx context.Context, userID, currency string, delta int64) error {
	res := s.db.WithContext(ctx).Model(&models.Account{}).
		Where("user_id = ? AND currency = ? AND balance + ? >= 0", userID, currency, delta).
		Update("balance", gorm.Expr("balance + ?", delta))
	if res.Error != nil {
		return fmt.Errorf("failed to adjust balance: %w", res.Error)
	}
	if res.RowsAffected > 0 {
		return nil
	}

	var count int64
	if err := s.db.WithContext(ctx).Model(&models.Account{}).
		Where("user_id = ? AND currency = ?", userID, currency).Count(&count).Error; err != nil {
		return fmt.Errorf("failed to check account: %w", err)
	}
	if count > 0 || delta < 0 {
		return fmt.Errorf("%w: user %s has less than %d %s", ErrInsufficientFunds, userID, -delta, currency)
	}

	now := time.Now()
	account := &models.Account{
		ID:        uuid.New(),
		UserID:    userID,
		Currency:  currency,
		Balance:   delta,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.db.WithContext(ctx).Create(account).Error; err != nil {
		return fmt.Errorf("failed to create account: %w", err)
	}
	return nil
}

// GetCompanionOwner returns the current owner of a companion instance
func (s *Service) GetCompanionOwner(ctx context.Context, companionID uuid.UUID) (string, error) {
	var companion models.Companion
	err := s.db.WithContext(ctx).Select("owner_id").Where("id = ?", companionID).First(&companion).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return "", fmt.Errorf("%w: %s", ErrCompanionNotFound, companionID)
		}
		return "", fmt.Errorf("failed to find companion: %w", err)
	}
	return companion.OwnerID, nil
}

// GetCompanion returns a companion instance by ID
func (s *Service) GetCompanion(ctx context.Context, companionID uuid.UUID) (*models.Companion, error) {
	var companion models.Companion
	err := s.db.WithContext(ctx).Where("id = ?", companionID).First(&companion).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrCompanionNotFound, companionID)
		}
		return nil, fmt.Errorf("failed to find companion: %w", err)
	}
	return &companion, nil
}

// ListCompanions returns all companions currently owned by a user
func (s *Service) ListCompanions(ctx context.Context, ownerID string) ([]*models.Companion, error) {
	var companions []*models.Companion
	if err := s.db.WithContext(ctx).Where("owner_id = ?", ownerID).Find(&companions).Error; err != nil {
		return nil, fmt.Errorf("failed to find companions: %w", err)
	}
	return companions, nil
}

// CreateCompanion rolls a new companion instance for an owner
func (s *Service) CreateCompanion(ctx context.Context, ownerID, templateID string, attributes map[string]any) (*models.Companion, error) {
	attrs, err := json.Marshal(attributes)
	if err != nil {
		return nil, fmt.Errorf("failed to encode attributes: %w", err)
	}

	now := time.Now()
	companion := &models.Companion{
		ID:         uuid.New(),
		OwnerID:    ownerID,
		TemplateID: templateID,
		Attributes: string(attrs),
		Active:     false,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if err := s.db.WithContext(ctx).Create(companion).Error; err != nil {
		return nil, fmt.Errorf("failed to create companion: %w", err)
	}
	return companion, nil
}

// TransferCompanion moves a companion to a new owner, conditioned on the
// current owner still being expectedOwner. The active flag is cleared so the
// companion does not arrive equipped.
func (s *Service) TransferCompanion(ctx context.Context, companionID uuid.UUID, expectedOwner, newOwner string) error {
	res := s.db.WithContext(ctx).Model(&models.Companion{}).
		Where("id = ? AND owner_id = ?", companionID, expectedOwner).
		Updates(map[string]any{"owner_id": newOwner, "active": false, "updated_at": time.Now()})
	if res.Error != nil {
		return fmt.Errorf("failed to transfer companion: %w", res.Error)
	}
	if res.RowsAffected > 0 {
		return nil
	}

	var count int64
	if err := s.db.WithContext(ctx).Model(&models.Companion{}).
		Where("id = ?", companionID).Count(&count).Error; err != nil {
		return fmt.Errorf("failed to check companion: %w", err)
	}
	if count == 0 {
		return fmt.Errorf("%w: %s", ErrCompanionNotFound, companionID)
	}
	return fmt.Errorf("%w: companion %s is no longer owned by %s", ErrOwnershipMismatch, companionID, expectedOwner)
}

// RecordCompletedTrade appends an immutable history entry for a settled trade
func (s *Service) RecordCompletedTrade(ctx context.Context, record *models.TradeRecord) error {
	if record.ID == uuid.Nil {
		record.ID = uuid.New()
	}
	if record.CreatedAt.IsZero() {
		record.CreatedAt = time.Now()
	}
	if err := s.db.WithContext(ctx).Create(record).Error; err != nil {
		return fmt.Errorf("failed to record trade: %w", err)
	}
	return nil
}

// WithTx runs fn against a Store bound to a single database transaction. If fn
// returns an error the transaction is rolled back and none of its writes are
// observable.
func (s *Service) WithTx(ctx context.Context, fn func(Store) error) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(&Service{logger: s.logger, db: tx})
	})
}
