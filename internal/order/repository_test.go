package order_test

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/gofrs/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vasiliy-maslov/storefront/internal/config"
	"github.com/vasiliy-maslov/storefront/internal/db"
	"github.com/vasiliy-maslov/storefront/internal/order"
)

var testPool *pgxpool.Pool

func TestMain(m *testing.M) {
	host := os.Getenv("DB_HOST_TEST")
	if host == "" {
		os.Exit(m.Run())
	}

	cfg := config.PostgresConfig{
		Host:            host,
		Port:            envOr("DB_PORT_TEST", "5432"),
		User:            envOr("DB_USER_TEST", "postgres"),
		Password:        envOr("DB_PASSWORD_TEST", "postgres"),
		DBName:          envOr("DB_NAME_TEST", "storefront_test"),
		SSLMode:         "disable",
		Schema:          "order_service_test",
		MaxConns:        10,
		MinConns:        2,
		MaxConnLifetime: 30 * time.Minute,
		MigrationsPath:  "../../migrations",
	}

	ctx := context.Background()
	conn, err := db.New(ctx, cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to connect to test database")
	}
	if err := conn.ApplyMigrations(ctx, cfg); err != nil {
		log.Fatal().Err(err).Msg("Failed to migrate test database")
	}
	testPool = conn.Pool

	exitCode := m.Run()

	conn.Close()
	os.Exit(exitCode)
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func setupRepository(t *testing.T) order.Repository {
	t.Helper()
	if testPool == nil {
		t.Skip("DB_HOST_TEST is not set")
	}

	truncate := func() {
		_, err := testPool.Exec(context.Background(), "TRUNCATE TABLE order_items, orders, products, users CASCADE")
		require.NoError(t, err)
	}
	truncate()
	t.Cleanup(truncate)

	_, err := testPool.Exec(context.Background(), `
		INSERT INTO products (id, title, slug, price) VALUES
			('p-mug', 'Mug', 'mug', 12.50),
			('p-tea', 'Tea', 'tea', 25.00)`)
	require.NoError(t, err)

	return order.NewRepository(testPool)
}

func TestRepository_CreateAndRead(t *testing.T) {
	repo := setupRepository(t)
	ctx := context.Background()
	svc := order.NewService(repo, order.WithClock(fixedClock))

	created, err := svc.CreateOrder(ctx, checkoutRequest())
	require.NoError(t, err)

	got, err := repo.GetOrder(ctx, created.ID)
	require.NoError(t, err)

	assert.Equal(t, created.ID, got.ID)
	assert.True(t, fixedNow.Equal(got.CreatedAt))
	assert.Equal(t, order.StatusProcessing, got.Status)
	assert.Equal(t, order.PaymentPending, got.Payment.Status)
	assert.True(t, got.Totals.Grand.Equal(dec("87.50")))
	assert.True(t, got.VATRate.Equal(dec("0.19")))
	assert.JSONEq(t, `{"street":"Main 1","zip":"10115"}`, string(got.Shipping.Address))
	assert.Nil(t, got.Refund)

	require.Len(t, got.Items, 2)
	assert.Equal(t, "p-mug", got.Items[0].ProductID)
	assert.Equal(t, "p-tea", got.Items[1].ProductID)
	assert.Equal(t, 3, got.Items[1].Qty)
	assert.True(t, got.Items[1].Price.Equal(dec("25")))
	require.NotNil(t, got.Items[1].ImageURL)
	assert.Equal(t, "/img/tea.png", *got.Items[1].ImageURL)

	orders, err := repo.ListOrdersByEmail(ctx, "ADA@example.com")
	require.NoError(t, err)
	require.Len(t, orders, 1)
	assert.Len(t, orders[0].Items, 2)
}

func TestRepository_KeepsDecimalsExact(t *testing.T) {
	repo := setupRepository(t)
	ctx := context.Background()
	svc := order.NewService(repo, order.WithClock(fixedClock))

	req := checkoutRequest()
	req.Items[0].Price = dec("9.999")
	req.VATRate = ptr(dec("12.5"))

	created, err := svc.CreateOrder(ctx, req)
	require.NoError(t, err)

	got, err := repo.GetOrder(ctx, created.ID)
	require.NoError(t, err)
	require.Len(t, got.Items, 2)
	assert.Equal(t, "9.999", got.Items[0].Price.String())
	assert.Equal(t, "12.5", got.VATRate.String())
}

func TestRepository_UnknownProductRollsBackOrder(t *testing.T) {
	repo := setupRepository(t)
	ctx := context.Background()
	svc := order.NewService(repo)

	req := checkoutRequest()
	req.Items[1].ProductID = "p-missing"

	_, err := svc.CreateOrder(ctx, req)
	require.ErrorIs(t, err, order.ErrConstraintViolation)

	var count int
	require.NoError(t, testPool.QueryRow(ctx, "SELECT count(*) FROM orders").Scan(&count))
	assert.Zero(t, count)
}

func TestRepository_PanicRollsBack(t *testing.T) {
	repo := setupRepository(t)
	ctx := context.Background()

	header := paidOrder(order.StatusProcessing, "10", 0)

	require.Panics(t, func() {
		_ = repo.InTx(ctx, func(tx order.Tx) error {
			if err := tx.InsertOrder(ctx, &header); err != nil {
				return err
			}
			panic("boom")
		})
	})

	_, err := repo.GetOrder(ctx, header.ID)
	require.ErrorIs(t, err, order.ErrOrderNotFound)
}

func TestRepository_UpdatesAndNotFound(t *testing.T) {
	repo := setupRepository(t)
	ctx := context.Background()

	header := paidOrder(order.StatusRefundRequested, "50.00", time.Hour)
	header.Shipping.Address = json.RawMessage(`{}`)
	require.NoError(t, repo.InTx(ctx, func(tx order.Tx) error {
		return tx.InsertOrder(ctx, &header)
	}))

	approved := true
	amount := dec("50.00")
	processed := fixedNow
	require.NoError(t, repo.InTx(ctx, func(tx order.Tx) error {
		st, err := tx.LockOrder(ctx, header.ID)
		if err != nil {
			return err
		}
		assert.True(t, st.GrandTotal.Equal(amount))
		assert.True(t, st.Paid())
		if err := tx.UpdateRefund(ctx, header.ID, &order.Refund{RequestedAt: fixedNow, Reason: "damaged", Approved: &approved, Amount: &amount, ProcessedAt: &processed}); err != nil {
			return err
		}
		return tx.UpdateStatus(ctx, header.ID, order.StatusRefunded)
	}))

	got, err := repo.GetOrder(ctx, header.ID)
	require.NoError(t, err)
	assert.Equal(t, order.StatusRefunded, got.Status)
	require.NotNil(t, got.Refund)
	require.NotNil(t, got.Refund.Amount)
	assert.True(t, got.Refund.Amount.Equal(amount))

	missing := uuid.Must(uuid.NewV4())
	err = repo.InTx(ctx, func(tx order.Tx) error {
		return tx.UpdateStatus(ctx, missing, order.StatusPacked)
	})
	require.ErrorIs(t, err, order.ErrOrderNotFound)

	err = repo.InTx(ctx, func(tx order.Tx) error {
		_, err := tx.LockOrder(ctx, missing)
		return err
	})
	require.ErrorIs(t, err, order.ErrOrderNotFound)
}

func TestRepository_StatusCheckConstraint(t *testing.T) {
	repo := setupRepository(t)
	ctx := context.Background()

	header := paidOrder(order.StatusProcessing, "10", 0)
	require.NoError(t, repo.InTx(ctx, func(tx order.Tx) error {
		return tx.InsertOrder(ctx, &header)
	}))

	err := repo.InTx(ctx, func(tx order.Tx) error {
		return tx.UpdateStatus(ctx, header.ID, order.Status("lost"))
	})
	require.ErrorIs(t, err, order.ErrConstraintViolation)
}

func TestRepository_ConcurrentApproveRefund(t *testing.T) {
	repo := setupRepository(t)
	ctx := context.Background()

	header := paidOrder(order.StatusRefundRequested, "50.00", time.Hour)
	header.Refund = &order.Refund{RequestedAt: fixedNow, Reason: "damaged"}
	require.NoError(t, repo.InTx(ctx, func(tx order.Tx) error {
		return tx.InsertOrder(ctx, &header)
	}))

	svc := order.NewService(repo)

	const callers = 5
	errs := make([]error, callers)
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs[i] = svc.ApproveRefund(ctx, header.ID, nil)
		}(i)
	}
	wg.Wait()

	succeeded := 0
	for _, err := range errs {
		switch {
		case err == nil:
			succeeded++
		case errors.Is(err, order.ErrInvalidTransition):
		default:
			t.Errorf("unexpected error: %v", err)
		}
	}
	assert.Equal(t, 1, succeeded)

	got, err := repo.GetOrder(ctx, header.ID)
	require.NoError(t, err)
	assert.Equal(t, order.StatusRefunded, got.Status)
}
