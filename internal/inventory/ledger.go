package inventory

import (
	"context"
	"sort"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/angelmondragon/bookshop-backend/pkg/db/models"
	pkgerrors "github.com/angelmondragon/bookshop-backend/pkg/errors"
)

// Line is a quantity of a single book to reserve or release.
type Line struct {
	BookID   uuid.UUID
	Quantity int
}

// Ledger is the only writer of books.stock. Every call runs on the caller's
// transaction so reservations commit or roll back with the order they belong to.
type Ledger struct{}

// NewLedger returns the stock ledger.
func NewLedger() *Ledger {
	return &Ledger{}
}

// Reserve decrements stock only when enough units are available and reports
// whether exactly one row changed.
func (l *Ledger) Reserve(ctx context.Context, tx *gorm.DB, bookID uuid.UUID, qty int) (bool, error) {
	if qty <= 0 {
		return false, pkgerrors.New(pkgerrors.CodeValidation, "reserve quantity must be positive").
			WithDetails(map[string]any{"bookId": bookID.String(), "quantity": qty})
	}
	if tx == nil {
		return false, pkgerrors.New(pkgerrors.CodeDependency, "transaction required for inventory reserve")
	}

	res := tx.WithContext(ctx).Exec(`
		UPDATE books
		SET stock = stock - ?,
			updated_at = CURRENT_TIMESTAMP
		WHERE id = ? AND stock >= ?
	`, qty, bookID, qty)
	if res.Error != nil {
		return false, pkgerrors.Wrap(pkgerrors.CodeDependency, res.Error, "reserve inventory")
	}
	return res.RowsAffected == 1, nil
}

// Release returns units to stock unconditionally.
func (l *Ledger) Release(ctx context.Context, tx *gorm.DB, bookID uuid.UUID, qty int) error {
	if qty <= 0 {
		return nil
	}
	if tx == nil {
		return pkgerrors.New(pkgerrors.CodeDependency, "transaction required for inventory release")
	}

	res := tx.WithContext(ctx).Exec(`
		UPDATE books
		SET stock = stock + ?,
			updated_at = CURRENT_TIMESTAMP
		WHERE id = ?
	`, qty, bookID)
	if res.Error != nil {
		return pkgerrors.Wrap(pkgerrors.CodeDependency, res.Error, "release inventory")
	}
	return nil
}

// ReserveAll reserves every line or returns an error; the caller must roll back
// its transaction on error so earlier lines are restored.
func (l *Ledger) ReserveAll(ctx context.Context, tx *gorm.DB, lines []Line) error {
	for _, line := range merge(lines) {
		ok, err := l.Reserve(ctx, tx, line.BookID, line.Quantity)
		if err != nil {
			return err
		}
		if !ok {
			return pkgerrors.New(pkgerrors.CodeConflict, "insufficient stock").
				WithDetails(map[string]any{"bookId": line.BookID.String(), "quantity": line.Quantity})
		}
	}
	return nil
}

// ReleaseAll releases every line and returns the number of units restored.
func (l *Ledger) ReleaseAll(ctx context.Context, tx *gorm.DB, lines []Line) (int, error) {
	units := 0
	for _, line := range merge(lines) {
		if err := l.Release(ctx, tx, line.BookID, line.Quantity); err != nil {
			return units, err
		}
		if line.Quantity > 0 {
			units += line.Quantity
		}
	}
	return units, nil
}

// merge folds repeated books into one line, ordered by book id so that
// concurrent transactions lock rows in the same sequence.
func merge(lines []Line) []Line {
	out := make([]Line, 0, len(lines))
	index := make(map[uuid.UUID]int, len(lines))
	for _, line := range lines {
		if i, ok := index[line.BookID]; ok {
			out[i].Quantity += line.Quantity
			continue
		}
		index[line.BookID] = len(out)
		out = append(out, line)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].BookID.String() < out[j].BookID.String()
	})
	return out
}

// Books loads the books referenced by a checkout. Missing ids are simply
// absent from the result.
func (l *Ledger) Books(ctx context.Context, tx *gorm.DB, ids []uuid.UUID) ([]models.Book, error) {
	if tx == nil {
		return nil, pkgerrors.New(pkgerrors.CodeDependency, "transaction required for book lookup")
	}
	if len(ids) == 0 {
		return nil, nil
	}
	var books []models.Book
	if err := tx.WithContext(ctx).Where("id IN ?", ids).Find(&books).Error; err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "load books")
	}
	return books, nil
}

// LinesFor converts order items into ledger lines.
func LinesFor(items []models.OrderItem) []Line {
	lines := make([]Line, 0, len(items))
	for _, item := range items {
		lines = append(lines, Line{BookID: item.BookID, Quantity: item.Quantity})
	}
	return lines
}
