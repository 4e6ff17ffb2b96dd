package repository

import (
	"context"
	"errors"

	"gorm.io/gorm"

	"github.com/Ramazan2220/warmq/internal/model"
	"github.com/Ramazan2220/warmq/internal/store"
)

// AccountRepository reads accounts with the same owner_id discipline as
// tasks: the tenant filter is part of the query, never applied afterwards.
type AccountRepository struct {
	store *store.Store
}

func NewAccountRepository(s *store.Store) *AccountRepository {
	return &AccountRepository{store: s}
}

func (r *AccountRepository) Get(ctx context.Context, ownerID, accountID int64) (*model.Account, error) {
	var acc model.Account
	err := r.store.Read(ctx, func(db *gorm.DB) error {
		return db.Where("id = ? AND owner_id = ?", accountID, ownerID).First(&acc).Error
	})
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &acc, nil
}

func (r *AccountRepository) ListByOwner(ctx context.Context, ownerID int64) ([]model.Account, error) {
	var accs []model.Account
	err := r.store.Read(ctx, func(db *gorm.DB) error {
		return db.Where("owner_id = ?", ownerID).Order("id").Find(&accs).Error
	})
	if err != nil {
		return nil, err
	}
	return accs, nil
}

// ValidateAccess confirms the owner holds the account before a task is
// created against it.
func (r *AccountRepository) ValidateAccess(ctx context.Context, ownerID, accountID int64) error {
	var n int64
	err := r.store.Read(ctx, func(db *gorm.DB) error {
		return db.Model(&model.Account{}).
			Where("id = ? AND owner_id = ?", accountID, ownerID).
			Count(&n).Error
	})
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}
