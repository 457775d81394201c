package repository

import "context"

// Transactor runs fn inside a storage transaction. Repositories called with the
// context handed to fn take part in that transaction; a nested call joins the outer one.
// The transaction commits when fn returns nil and rolls back otherwise.
type Transactor interface {
	WithinTransaction(ctx context.Context, fn func(ctx context.Context) error) error
}
