package postgres

import (
	"context"

	"gorm.io/gorm"

	"github.com/turtacn/qsign/internal/domain/repository"
)

type txKey struct{}

// Transactor implements repository.Transactor on GORM. The open transaction travels
// in the context so every repository called with that context joins it.
type Transactor struct {
	db *gorm.DB
}

// NewTransactor creates a transactor over db.
func NewTransactor(db *gorm.DB) repository.Transactor {
	return &Transactor{db: db}
}

// WithinTransaction runs fn in a transaction, joining one already carried by ctx.
func (t *Transactor) WithinTransaction(ctx context.Context, fn func(ctx context.Context) error) error {
	if _, ok := ctx.Value(txKey{}).(*gorm.DB); ok {
		return fn(ctx)
	}
	err := t.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(context.WithValue(ctx, txKey{}, tx))
	})
	return classifyError("transaction", err)
}

// conn returns the transaction carried by ctx, or the base handle.
func conn(ctx context.Context, db *gorm.DB) *gorm.DB {
	if tx, ok := ctx.Value(txKey{}).(*gorm.DB); ok {
		return tx.WithContext(ctx)
	}
	return db.WithContext(ctx)
}

// withTx runs fn in a transaction carried by ctx, or opens a new one.
func withTx(ctx context.Context, db *gorm.DB, fn func(tx *gorm.DB) error) error {
	if tx, ok := ctx.Value(txKey{}).(*gorm.DB); ok {
		return fn(tx.WithContext(ctx))
	}
	return db.WithContext(ctx).Transaction(fn)
}
