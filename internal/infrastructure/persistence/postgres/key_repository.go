package postgres

import (
	"context"
	stderrors "errors"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/turtacn/qsign/internal/domain/models"
	"github.com/turtacn/qsign/internal/domain/repository"
	"github.com/turtacn/qsign/pkg/constants"
	"github.com/turtacn/qsign/pkg/errors"
	"github.com/turtacn/qsign/pkg/logger"
)

// acquireAttempts bounds how often AcquireFreeKey retries after losing a compare-and-swap race.
const acquireAttempts = 5

// KeyRepository is a GORM implementation of repository.KeyRepository.
type KeyRepository struct {
	db     *gorm.DB
	logger logger.Logger
	now    func() time.Time
}

// NewKeyRepository creates a new KeyRepository.
func NewKeyRepository(db *gorm.DB, log logger.Logger) repository.KeyRepository {
	return &KeyRepository{db: db, logger: log.WithComponent("KeyRepository"), now: time.Now}
}

// CreateKey inserts a new key row.
func (r *KeyRepository) CreateKey(ctx context.Context, key *models.Key) error {
	if key.State == "" {
		key.State = constants.KeyStateProvisioning
	}
	if err := conn(ctx, r.db).Create(key).Error; err != nil {
		if isUniqueViolation(err) {
			return errors.ErrConflict("duplicate key alias " + key.KeyAlias).WithCause(err)
		}
		return classifyError("create key", err)
	}
	return nil
}

// GetKeyByID retrieves a key by its row id.
func (r *KeyRepository) GetKeyByID(ctx context.Context, keyID string) (*models.Key, error) {
	var key models.Key
	err := conn(ctx, r.db).Where("id = ?", keyID).First(&key).Error
	if stderrors.Is(err, gorm.ErrRecordNotFound) {
		return nil, errors.ErrKeyNotFound(keyID)
	}
	if err != nil {
		return nil, classifyError("get key", err)
	}
	return &key, nil
}

// GetKeyByAlias retrieves a key by its token alias.
func (r *KeyRepository) GetKeyByAlias(ctx context.Context, alias string) (*models.Key, error) {
	var key models.Key
	err := conn(ctx, r.db).Where("key_alias = ?", alias).First(&key).Error
	if stderrors.Is(err, gorm.ErrRecordNotFound) {
		return nil, errors.ErrKeyNotFound(alias)
	}
	if err != nil {
		return nil, classifyError("get key", err)
	}
	return &key, nil
}

// AcquireFreeKey locks the oldest free key of the pool with SELECT ... FOR UPDATE SKIP LOCKED
// and flips it with a compare-and-swap update in the same transaction. A lost race (possible on
// backends without row locks) moves on to the next candidate.
func (r *KeyRepository) AcquireFreeKey(ctx context.Context, selector models.PoolSelector) (*models.Key, error) {
	var acquired *models.Key

	for attempt := 0; attempt < acquireAttempts && acquired == nil; attempt++ {
		err := withTx(ctx, r.db, func(tx *gorm.DB) error {
			var candidate models.Key
			q := poolScope(tx, selector).
				Where("state = ? AND in_use = ?", constants.KeyStateAvailable, false).
				Clauses(clause.Locking{Strength: "UPDATE", Options: "SKIP LOCKED"}).
				Order("created_at ASC").
				Order("id ASC").
				Limit(1)
			if err := q.Find(&candidate).Error; err != nil {
				return err
			}
			if candidate.ID == "" {
				return errNoCandidate
			}

			now := r.now().UTC()
			res := tx.Model(&models.Key{}).
				Where("id = ? AND in_use = ? AND state = ?", candidate.ID, false, constants.KeyStateAvailable).
				Updates(map[string]interface{}{
					"in_use":      true,
					"state":       constants.KeyStateInUse,
					"acquired_at": now,
					"updated_at":  now,
				})
			if res.Error != nil {
				return res.Error
			}
			if res.RowsAffected != 1 {
				return nil
			}

			candidate.InUse = true
			candidate.State = constants.KeyStateInUse
			candidate.AcquiredAt = &now
			candidate.UpdatedAt = now
			acquired = &candidate
			return nil
		})
		if stderrors.Is(err, errNoCandidate) {
			break
		}
		if err != nil {
			return nil, classifyError("acquire free key", err)
		}
	}

	if acquired == nil {
		return nil, errors.ErrNoFreeKey(selector.CryptoTokenID, selector.KeyAlgorithm, selector.Usage)
	}
	r.logger.Debug(ctx, "Key acquired",
		logger.String("key_id", acquired.ID),
		logger.String("pool", selector.String()),
	)
	return acquired, nil
}

var errNoCandidate = stderrors.New("no candidate key")

// ReleaseKey clears the reservation. Releasing a key that is already in the target state is a no-op.
func (r *KeyRepository) ReleaseKey(ctx context.Context, keyID string, markUsedUp bool) error {
	now := r.now().UTC()
	updates := map[string]interface{}{
		"in_use":      false,
		"acquired_at": nil,
		"updated_at":  now,
	}
	if markUsedUp {
		updates["state"] = constants.KeyStateUsedUp
		updates["used_up"] = true
		updates["used_up_at"] = now
	} else {
		updates["state"] = constants.KeyStateAvailable
	}

	db := conn(ctx, r.db)
	res := db.Model(&models.Key{}).
		Where("id = ? AND in_use = ?", keyID, true).
		Updates(updates)
	if res.Error != nil {
		return classifyError("release key", res.Error)
	}
	if res.RowsAffected == 1 {
		return nil
	}

	key, err := r.GetKeyByID(ctx, keyID)
	if err != nil {
		return err
	}
	switch {
	case markUsedUp && key.State == constants.KeyStateUsedUp:
		return nil
	case !markUsedUp && key.State == constants.KeyStateAvailable:
		return nil
	}
	op := "release"
	if markUsedUp {
		op = "consume"
	}
	return errors.ErrKeyStateConflict(keyID, key.State, op)
}

// CountFree counts available keys not in use.
func (r *KeyRepository) CountFree(ctx context.Context, selector models.PoolSelector) (int64, error) {
	return r.count(ctx, selector, "count free keys", "state = ? AND in_use = ?", constants.KeyStateAvailable, false)
}

// CountInUse counts reserved keys.
func (r *KeyRepository) CountInUse(ctx context.Context, selector models.PoolSelector) (int64, error) {
	return r.count(ctx, selector, "count keys in use", "in_use = ?", true)
}

// CountProvisioning counts keys whose pipeline has not finished.
func (r *KeyRepository) CountProvisioning(ctx context.Context, selector models.PoolSelector) (int64, error) {
	return r.count(ctx, selector, "count provisioning keys", "state = ?", constants.KeyStateProvisioning)
}

func (r *KeyRepository) count(ctx context.Context, selector models.PoolSelector, op, where string, args ...interface{}) (int64, error) {
	var n int64
	err := poolScope(conn(ctx, r.db).Model(&models.Key{}), selector).Where(where, args...).Count(&n).Error
	if err != nil {
		return 0, classifyError(op, err)
	}
	return n, nil
}

// MarkAvailable stores the chain and publishes the key to acquisition.
func (r *KeyRepository) MarkAvailable(ctx context.Context, keyID string, chain models.CertificateChain) error {
	if len(chain) == 0 {
		return errors.ErrInputData("certificate chain is empty")
	}
	res := conn(ctx, r.db).Model(&models.Key{}).
		Where("id = ? AND state = ?", keyID, constants.KeyStateProvisioning).
		Updates(map[string]interface{}{
			"certificate_chain": chain,
			"state":             constants.KeyStateAvailable,
			"in_use":            false,
			"updated_at":        r.now().UTC(),
		})
	if res.Error != nil {
		return classifyError("mark key available", res.Error)
	}
	if res.RowsAffected == 0 {
		return r.stateConflict(ctx, keyID, "publish")
	}
	return nil
}

// MarkFailed moves a provisioning key to the failed state.
func (r *KeyRepository) MarkFailed(ctx context.Context, keyID, reason string) error {
	res := conn(ctx, r.db).Model(&models.Key{}).
		Where("id = ? AND state = ?", keyID, constants.KeyStateProvisioning).
		Updates(map[string]interface{}{
			"state":          constants.KeyStateFailed,
			"failure_reason": reason,
			"updated_at":     r.now().UTC(),
		})
	if res.Error != nil {
		return classifyError("mark key failed", res.Error)
	}
	if res.RowsAffected == 0 {
		return r.stateConflict(ctx, keyID, "fail")
	}
	return nil
}

func (r *KeyRepository) stateConflict(ctx context.Context, keyID, op string) error {
	key, err := r.GetKeyByID(ctx, keyID)
	if err != nil {
		return err
	}
	return errors.ErrKeyStateConflict(keyID, key.State, op)
}

// FindStaleReservations returns keys still in use whose reservation predates the cutoff.
func (r *KeyRepository) FindStaleReservations(ctx context.Context, acquiredBefore time.Time, limit int) ([]*models.Key, error) {
	var keys []*models.Key
	err := conn(ctx, r.db).
		Where("in_use = ? AND acquired_at < ?", true, acquiredBefore.UTC()).
		Order("acquired_at ASC").
		Limit(limit).
		Find(&keys).Error
	if err != nil {
		return nil, classifyError("find stale reservations", err)
	}
	return keys, nil
}

// FindUsedUpOlderThan returns used-up keys retired before the cutoff.
func (r *KeyRepository) FindUsedUpOlderThan(ctx context.Context, cutoff time.Time, limit int) ([]*models.Key, error) {
	var keys []*models.Key
	err := conn(ctx, r.db).
		Where("used_up = ? AND in_use = ? AND used_up_at < ?", true, false, cutoff.UTC()).
		Order("used_up_at ASC").
		Limit(limit).
		Find(&keys).Error
	if err != nil {
		return nil, classifyError("find used-up keys", err)
	}
	return keys, nil
}

// FindStaleProvisioning returns provisioning keys created before the cutoff.
func (r *KeyRepository) FindStaleProvisioning(ctx context.Context, createdBefore time.Time, limit int) ([]*models.Key, error) {
	var keys []*models.Key
	err := conn(ctx, r.db).
		Where("state = ? AND created_at < ?", constants.KeyStateProvisioning, createdBefore.UTC()).
		Order("created_at ASC").
		Limit(limit).
		Find(&keys).Error
	if err != nil {
		return nil, classifyError("find stale provisioning keys", err)
	}
	return keys, nil
}

// FindFailed returns failed keys, oldest first.
func (r *KeyRepository) FindFailed(ctx context.Context, limit int) ([]*models.Key, error) {
	var keys []*models.Key
	err := conn(ctx, r.db).
		Where("state = ?", constants.KeyStateFailed).
		Order("updated_at ASC").
		Limit(limit).
		Find(&keys).Error
	if err != nil {
		return nil, classifyError("find failed keys", err)
	}
	return keys, nil
}

// DeleteKey removes a key row unless it is in use.
func (r *KeyRepository) DeleteKey(ctx context.Context, keyID string) error {
	res := conn(ctx, r.db).Where("id = ? AND in_use = ?", keyID, false).Delete(&models.Key{})
	if res.Error != nil {
		return classifyError("delete key", res.Error)
	}
	if res.RowsAffected == 1 {
		return nil
	}
	return r.stateConflict(ctx, keyID, "delete")
}

func poolScope(db *gorm.DB, s models.PoolSelector) *gorm.DB {
	db = db.Where("crypto_token_id = ? AND key_algorithm = ? AND usage = ?", s.CryptoTokenID, s.KeyAlgorithm, s.Usage)
	if s.KeySpecification != "" {
		db = db.Where("key_specification = ?", s.KeySpecification)
	}
	return db
}
