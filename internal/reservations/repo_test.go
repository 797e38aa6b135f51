package reservations

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/angelmondragon/bookshop-backend/pkg/db/dbtest"
	"github.com/angelmondragon/bookshop-backend/pkg/db/models"
	"github.com/angelmondragon/bookshop-backend/pkg/enums"
	pkgerrors "github.com/angelmondragon/bookshop-backend/pkg/errors"
)

var baseTime = time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)

func newOrder(method enums.PaymentMethod) *models.Order {
	return &models.Order{
		SellerID:      uuid.New(),
		CustomerEmail: "reader@example.com",
		PaymentMethod: method,
		SubtotalCents: 100,
		TotalCents:    100,
		Items: []models.OrderItem{
			{BookID: uuid.New(), Quantity: 2, UnitPriceCents: 50},
		},
	}
}

func createWaiting(t *testing.T, repo Repository, method enums.PaymentMethod, key string) *models.Order {
	t.Helper()
	ctx := context.Background()
	order := newOrder(method)
	require.NoError(t, repo.Create(ctx, order, 15*time.Minute, baseTime))
	if key != "" {
		applied, err := repo.AttachCharge(ctx, order.ID, Charge{Method: method, CorrelationKey: key})
		require.NoError(t, err)
		require.True(t, applied)
	}
	return order
}

func TestCreateSetsWaitingWithExpiry(t *testing.T) {
	db := dbtest.Open(t)
	repo := NewRepository(db)
	order := createWaiting(t, repo, enums.PaymentMethodPix, "")

	loaded, err := repo.FindByID(context.Background(), order.ID)
	require.NoError(t, err)
	assert.Equal(t, enums.OrderStatusWaiting, loaded.Status)
	require.NotNil(t, loaded.ReserveExpiresAt)
	assert.True(t, loaded.ReserveExpiresAt.Equal(baseTime.Add(15*time.Minute)))
	assert.Nil(t, loaded.PaidAt)
	require.Len(t, loaded.Items, 1)
	assert.Equal(t, 2, loaded.Items[0].Quantity)
}

func TestCreateRejectsEmptyOrder(t *testing.T) {
	repo := NewRepository(dbtest.Open(t))
	order := newOrder(enums.PaymentMethodPix)
	order.Items = nil
	err := repo.Create(context.Background(), order, time.Minute, baseTime)
	require.Error(t, err)
	assert.True(t, pkgerrors.IsCode(err, pkgerrors.CodeValidation))
}

func TestAttachChargeStoresKeyPerMethod(t *testing.T) {
	db := dbtest.Open(t)
	repo := NewRepository(db)
	ctx := context.Background()

	card := createWaiting(t, repo, enums.PaymentMethodCard, "sq_pay_1")
	pix := createWaiting(t, repo, enums.PaymentMethodPix, "tx-1")

	loadedCard, err := repo.FindByCorrelationKey(ctx, "sq_pay_1")
	require.NoError(t, err)
	assert.Equal(t, card.ID, loadedCard.ID)
	require.NotNil(t, loadedCard.ChargeID)
	assert.Nil(t, loadedCard.TxID)
	assert.Equal(t, "sq_pay_1", loadedCard.CorrelationKey())

	loadedPix, err := repo.FindByCorrelationKey(ctx, "tx-1")
	require.NoError(t, err)
	assert.Equal(t, pix.ID, loadedPix.ID)
	require.NotNil(t, loadedPix.TxID)
	assert.Nil(t, loadedPix.ChargeID)
}

func TestFindByCorrelationKeyNotFound(t *testing.T) {
	repo := NewRepository(dbtest.Open(t))
	_, err := repo.FindByCorrelationKey(context.Background(), "missing")
	require.Error(t, err)
	assert.True(t, pkgerrors.IsCode(err, pkgerrors.CodeNotFound))
}

func TestMarkPaidIfNeededAppliesOnce(t *testing.T) {
	db := dbtest.Open(t)
	repo := NewRepository(db)
	ctx := context.Background()
	order := createWaiting(t, repo, enums.PaymentMethodCard, "ch_1")

	applied, err := repo.MarkPaidIfNeededByChargeID(ctx, "ch_1", baseTime.Add(time.Minute))
	require.NoError(t, err)
	assert.True(t, applied)

	applied, err = repo.MarkPaidIfNeededByChargeID(ctx, "ch_1", baseTime.Add(6*time.Minute))
	require.NoError(t, err)
	assert.False(t, applied)

	loaded, err := repo.FindByID(ctx, order.ID)
	require.NoError(t, err)
	assert.Equal(t, enums.OrderStatusPaid, loaded.Status)
	require.NotNil(t, loaded.PaidAt)
	assert.True(t, loaded.PaidAt.Equal(baseTime.Add(time.Minute)))
	assert.Nil(t, loaded.ReserveExpiresAt)
}

func TestMarkPaidUnknownKey(t *testing.T) {
	repo := NewRepository(dbtest.Open(t))
	applied, err := repo.MarkPaidIfNeededByChargeID(context.Background(), "nope", baseTime)
	require.NoError(t, err)
	assert.False(t, applied)
}

func TestFindExpiredReturnsOnlyStaleWaiting(t *testing.T) {
	db := dbtest.Open(t)
	repo := NewRepository(db)
	ctx := context.Background()

	stale := createWaiting(t, repo, enums.PaymentMethodPix, "tx-stale")
	paid := createWaiting(t, repo, enums.PaymentMethodPix, "tx-paid")
	_, err := repo.MarkPaidIfNeededByChargeID(ctx, "tx-paid", baseTime)
	require.NoError(t, err)

	fresh := newOrder(enums.PaymentMethodPix)
	require.NoError(t, repo.Create(ctx, fresh, time.Hour, baseTime))

	expired, err := repo.FindExpired(ctx, baseTime.Add(20*time.Minute), 10)
	require.NoError(t, err)
	require.Len(t, expired, 1)
	assert.Equal(t, stale.ID, expired[0].ID)
	assert.Len(t, expired[0].Items, 1)
	assert.NotEqual(t, paid.ID, expired[0].ID)
}

func TestMarkExpiredDoesNotOverwritePaid(t *testing.T) {
	db := dbtest.Open(t)
	repo := NewRepository(db)
	ctx := context.Background()
	order := createWaiting(t, repo, enums.PaymentMethodCard, "ch_race")

	applied, err := repo.MarkPaidIfNeededByChargeID(ctx, "ch_race", baseTime)
	require.NoError(t, err)
	require.True(t, applied)

	applied, err = repo.MarkExpired(ctx, order.ID, baseTime.Add(time.Hour))
	require.NoError(t, err)
	assert.False(t, applied)

	loaded, err := repo.FindByID(ctx, order.ID)
	require.NoError(t, err)
	assert.Equal(t, enums.OrderStatusPaid, loaded.Status)
	assert.Nil(t, loaded.ExpiredAt)
}

func TestMarkCanceledOnlyFromWaiting(t *testing.T) {
	db := dbtest.Open(t)
	repo := NewRepository(db)
	ctx := context.Background()
	order := createWaiting(t, repo, enums.PaymentMethodPix, "")

	applied, err := repo.MarkCanceled(ctx, order.ID, baseTime)
	require.NoError(t, err)
	assert.True(t, applied)

	applied, err = repo.MarkExpired(ctx, order.ID, baseTime)
	require.NoError(t, err)
	assert.False(t, applied)
}

func TestConcurrentPaidAndExpiredOnlyOneWins(t *testing.T) {
	db := dbtest.Open(t)
	repo := NewRepository(db)
	ctx := context.Background()

	for i := 0; i < 10; i++ {
		key := uuid.NewString()
		order := createWaiting(t, repo, enums.PaymentMethodCard, key)

		var (
			wg                 sync.WaitGroup
			paidOK, expiredOK  bool
			paidErr, expireErr error
		)
		wg.Add(2)
		go func() {
			defer wg.Done()
			paidOK, paidErr = repo.MarkPaidIfNeededByChargeID(ctx, key, baseTime)
		}()
		go func() {
			defer wg.Done()
			expireErr = db.Transaction(func(tx *gorm.DB) error {
				var err error
				expiredOK, err = repo.WithTx(tx).MarkExpired(ctx, order.ID, baseTime)
				return err
			})
		}()
		wg.Wait()

		require.NoError(t, paidErr)
		require.NoError(t, expireErr)
		assert.True(t, paidOK != expiredOK, "exactly one transition must win")

		loaded, err := repo.FindByID(ctx, order.ID)
		require.NoError(t, err)
		assert.True(t, loaded.Status.IsTerminal())
		assert.Nil(t, loaded.ReserveExpiresAt)
	}
}

func TestAttachChargeRejectsKeyOwnedByAnotherOrder(t *testing.T) {
	repo := NewRepository(dbtest.Open(t))
	ctx := context.Background()
	createWaiting(t, repo, enums.PaymentMethodPix, "tx-dup")
	other := createWaiting(t, repo, enums.PaymentMethodPix, "")

	applied, err := repo.AttachCharge(ctx, other.ID, Charge{Method: enums.PaymentMethodPix, CorrelationKey: "tx-dup"})
	require.Error(t, err)
	assert.False(t, applied)
	assert.True(t, pkgerrors.IsCode(err, pkgerrors.CodeConflict))
}

func TestMarkPaidByReferenceStoresKeyAndSettles(t *testing.T) {
	repo := NewRepository(dbtest.Open(t))
	ctx := context.Background()
	order := createWaiting(t, repo, enums.PaymentMethodCard, "")
	charge := Charge{Method: enums.PaymentMethodCard, CorrelationKey: "sq_early"}

	applied, err := repo.MarkPaidByReference(ctx, order.ID, charge, baseTime)
	require.NoError(t, err)
	assert.True(t, applied)

	loaded, err := repo.FindByCorrelationKey(ctx, "sq_early")
	require.NoError(t, err)
	assert.Equal(t, order.ID, loaded.ID)
	assert.Equal(t, enums.OrderStatusPaid, loaded.Status)
	assert.Nil(t, loaded.ReserveExpiresAt)

	applied, err = repo.MarkPaidByReference(ctx, order.ID, charge, baseTime.Add(time.Minute))
	require.NoError(t, err)
	assert.False(t, applied)
}

func TestMarkPaidByReferenceKeepsAttachedKey(t *testing.T) {
	repo := NewRepository(dbtest.Open(t))
	ctx := context.Background()
	order := createWaiting(t, repo, enums.PaymentMethodCard, "sq_real")

	applied, err := repo.MarkPaidByReference(ctx, order.ID, Charge{Method: enums.PaymentMethodCard, CorrelationKey: "sq_other"}, baseTime)
	require.NoError(t, err)
	assert.False(t, applied)

	loaded, err := repo.FindByID(ctx, order.ID)
	require.NoError(t, err)
	assert.Equal(t, enums.OrderStatusWaiting, loaded.Status)
	assert.Equal(t, "sq_real", loaded.CorrelationKey())
}
