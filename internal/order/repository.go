package order

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/gofrs/uuid"
	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
)

// Repository persists order aggregates. It never validates: guards live in the service.
type Repository interface {
	// InTx runs fn inside one read-committed transaction. The transaction is committed
	// when fn returns nil and rolled back on error or panic.
	InTx(ctx context.Context, fn func(tx Tx) error) error
	GetOrder(ctx context.Context, id uuid.UUID) (*Order, error)
	ListOrdersByEmail(ctx context.Context, email string) ([]Order, error)
}

// Tx is the unit of work handed to InTx callbacks.
type Tx interface {
	InsertOrder(ctx context.Context, header *Order) error
	InsertItems(ctx context.Context, orderID uuid.UUID, items []Item) error
	GetOrder(ctx context.Context, id uuid.UUID) (*Order, error)
	// LockOrder reads the guard fields of an order and holds its row lock until the
	// transaction ends.
	LockOrder(ctx context.Context, id uuid.UUID) (State, error)
	UpdateStatus(ctx context.Context, id uuid.UUID, status Status) error
	UpdatePayment(ctx context.Context, id uuid.UUID, payment Payment) error
	UpdateRefund(ctx context.Context, id uuid.UUID, refund *Refund) error
}

type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

type postgresRepository struct {
	db *pgxpool.Pool
}

func NewRepository(db *pgxpool.Pool) Repository {
	return &postgresRepository{db: db}
}

func (r *postgresRepository) InTx(ctx context.Context, fn func(tx Tx) error) (err error) {
	tx, beginErr := r.db.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if beginErr != nil {
		return storageError("begin transaction", beginErr)
	}

	defer func() {
		if p := recover(); p != nil {
			log.Error().Interface("panic_value", p).Msg("repository: panic inside transaction, rolling back")
			if rbErr := tx.Rollback(context.WithoutCancel(ctx)); rbErr != nil {
				log.Error().Err(rbErr).Msg("repository: failed to rollback transaction after panic")
			}
			panic(p)
		} else if err != nil {
			if rbErr := tx.Rollback(context.WithoutCancel(ctx)); rbErr != nil && !errors.Is(rbErr, pgx.ErrTxClosed) {
				log.Error().Err(rbErr).Msg("repository: failed to rollback transaction")
			}
		} else if commitErr := tx.Commit(ctx); commitErr != nil {
			err = storageError("commit transaction", commitErr)
		}
	}()

	return fn(&postgresTx{q: tx})
}

func (r *postgresRepository) GetOrder(ctx context.Context, id uuid.UUID) (*Order, error) {
	return getOrder(ctx, r.db, id)
}

const selectOrderColumns = `
	SELECT id, created_at, currency, vat_rate, totals, customer, shipping, payment, status, refund, user_id, email
	FROM orders`

const selectItemColumns = `
	SELECT order_id, product_id, title, slug, price, qty, image_url
	FROM order_items`

func (r *postgresRepository) ListOrdersByEmail(ctx context.Context, email string) ([]Order, error) {
	rows, err := r.db.Query(ctx, selectOrderColumns+`
		WHERE lower(customer->>'email') = lower($1) OR lower(email) = lower($1)
		ORDER BY created_at DESC`, email)
	if err != nil {
		return nil, storageError("query orders by email", err)
	}
	defer rows.Close()

	orders := make([]Order, 0)
	byID := make(map[uuid.UUID]int)
	ids := make([]uuid.UUID, 0)
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, err
		}
		byID[o.ID] = len(orders)
		ids = append(ids, o.ID)
		orders = append(orders, *o)
	}
	if err := rows.Err(); err != nil {
		return nil, storageError("iterate orders by email", err)
	}
	if len(ids) == 0 {
		return orders, nil
	}

	itemRows, err := r.db.Query(ctx, selectItemColumns+`
		WHERE order_id = ANY($1)
		ORDER BY order_id, position`, ids)
	if err != nil {
		return nil, storageError("query items by email", err)
	}
	defer itemRows.Close()

	for itemRows.Next() {
		orderID, item, err := scanItem(itemRows)
		if err != nil {
			return nil, err
		}
		if idx, ok := byID[orderID]; ok {
			orders[idx].Items = append(orders[idx].Items, item)
		}
	}
	if err := itemRows.Err(); err != nil {
		return nil, storageError("iterate items by email", err)
	}

	return orders, nil
}

type postgresTx struct {
	q querier
}

func (t *postgresTx) InsertOrder(ctx context.Context, o *Order) error {
	totals, customer, shipping, payment, err := marshalHeader(o)
	if err != nil {
		return err
	}
	refund, err := marshalRefund(o.Refund)
	if err != nil {
		return err
	}

	var userID uuid.NullUUID
	if o.UserID != nil {
		userID = uuid.NullUUID{UUID: *o.UserID, Valid: true}
	}

	_, err = t.q.Exec(ctx, `
		INSERT INTO orders (id, created_at, currency, vat_rate, totals, customer, shipping, payment, status, refund, user_id, email)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		o.ID,
		o.CreatedAt,
		o.Currency,
		numeric(o.VATRate),
		totals,
		customer,
		shipping,
		payment,
		o.Status.String(),
		refund,
		userID,
		o.Email,
	)
	if err != nil {
		return storageError("insert order", err)
	}
	return nil
}

func (t *postgresTx) InsertItems(ctx context.Context, orderID uuid.UUID, items []Item) error {
	for i, item := range items {
		itemID, err := uuid.NewV4()
		if err != nil {
			return fmt.Errorf("%w: generate order item id: %w", ErrStorage, err)
		}
		_, err = t.q.Exec(ctx, `
			INSERT INTO order_items (id, order_id, position, product_id, title, slug, price, qty, image_url)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
			itemID,
			orderID,
			i,
			item.ProductID,
			item.Title,
			item.Slug,
			numeric(item.Price),
			item.Qty,
			item.ImageURL,
		)
		if err != nil {
			return storageError(fmt.Sprintf("insert order item %d for order %s", i, orderID), err)
		}
	}
	return nil
}

func (t *postgresTx) GetOrder(ctx context.Context, id uuid.UUID) (*Order, error) {
	return getOrder(ctx, t.q, id)
}

func (t *postgresTx) LockOrder(ctx context.Context, id uuid.UUID) (State, error) {
	var (
		st         State
		status     string
		payment    []byte
		refund     []byte
		grandTotal string
	)
	err := t.q.QueryRow(ctx, `
		SELECT id, status, payment, created_at, currency, coalesce(totals->>'grand', '0'), refund
		FROM orders
		WHERE id = $1
		FOR UPDATE`, id).Scan(&st.ID, &status, &payment, &st.CreatedAt, &st.Currency, &grandTotal, &refund)
	if err != nil {
		return State{}, storageError("lock order "+id.String(), err)
	}

	st.Status = Status(status)
	if err := json.Unmarshal(payment, &st.Payment); err != nil {
		return State{}, fmt.Errorf("%w: decode payment of order %s: %w", ErrStorage, id, err)
	}
	if st.GrandTotal, err = decimal.NewFromString(grandTotal); err != nil {
		return State{}, fmt.Errorf("%w: decode grand total of order %s: %w", ErrStorage, id, err)
	}
	if st.Refund, err = unmarshalRefund(refund); err != nil {
		return State{}, err
	}
	return st, nil
}

func (t *postgresTx) UpdateStatus(ctx context.Context, id uuid.UUID, status Status) error {
	return t.exec(ctx, "update status of order "+id.String(),
		`UPDATE orders SET status = $1 WHERE id = $2`, status.String(), id)
}

func (t *postgresTx) UpdatePayment(ctx context.Context, id uuid.UUID, payment Payment) error {
	data, err := json.Marshal(payment)
	if err != nil {
		return fmt.Errorf("%w: encode payment: %w", ErrStorage, err)
	}
	return t.exec(ctx, "update payment of order "+id.String(),
		`UPDATE orders SET payment = $1 WHERE id = $2`, data, id)
}

func (t *postgresTx) UpdateRefund(ctx context.Context, id uuid.UUID, refund *Refund) error {
	data, err := marshalRefund(refund)
	if err != nil {
		return err
	}
	return t.exec(ctx, "update refund of order "+id.String(),
		`UPDATE orders SET refund = $1 WHERE id = $2`, data, id)
}

func (t *postgresTx) exec(ctx context.Context, op, sql string, args ...any) error {
	cmdTag, err := t.q.Exec(ctx, sql, args...)
	if err != nil {
		return storageError(op, err)
	}
	if cmdTag.RowsAffected() == 0 {
		return ErrOrderNotFound
	}
	return nil
}

func getOrder(ctx context.Context, q querier, id uuid.UUID) (*Order, error) {
	o, err := scanOrder(q.QueryRow(ctx, selectOrderColumns+` WHERE id = $1`, id))
	if err != nil {
		return nil, err
	}

	rows, err := q.Query(ctx, selectItemColumns+` WHERE order_id = $1 ORDER BY position`, id)
	if err != nil {
		return nil, storageError("query items of order "+id.String(), err)
	}
	defer rows.Close()

	for rows.Next() {
		_, item, err := scanItem(rows)
		if err != nil {
			return nil, err
		}
		o.Items = append(o.Items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, storageError("iterate items of order "+id.String(), err)
	}

	return o, nil
}

func scanOrder(row pgx.Row) (*Order, error) {
	var (
		o                                   Order
		vatRate                             pgtype.Numeric
		totals, customer, shipping, payment []byte
		refund                              []byte
		status                              string
		userID                              uuid.NullUUID
	)
	err := row.Scan(&o.ID, &o.CreatedAt, &o.Currency, &vatRate, &totals, &customer, &shipping, &payment, &status, &refund, &userID, &o.Email)
	if err != nil {
		return nil, storageError("scan order", err)
	}

	o.VATRate = fromNumeric(vatRate)
	o.Status = Status(status)
	o.Items = make([]Item, 0)
	if userID.Valid {
		o.UserID = &userID.UUID
	}

	for _, part := range []struct {
		name string
		data []byte
		dst  any
	}{
		{"totals", totals, &o.Totals},
		{"customer", customer, &o.Customer},
		{"shipping", shipping, &o.Shipping},
		{"payment", payment, &o.Payment},
	} {
		if err := json.Unmarshal(part.data, part.dst); err != nil {
			return nil, fmt.Errorf("%w: decode %s of order %s: %w", ErrStorage, part.name, o.ID, err)
		}
	}

	if o.Refund, err = unmarshalRefund(refund); err != nil {
		return nil, err
	}

	return &o, nil
}

func scanItem(row pgx.Row) (uuid.UUID, Item, error) {
	var (
		orderID uuid.UUID
		item    Item
		price   pgtype.Numeric
	)
	if err := row.Scan(&orderID, &item.ProductID, &item.Title, &item.Slug, &price, &item.Qty, &item.ImageURL); err != nil {
		return uuid.Nil, Item{}, storageError("scan order item", err)
	}
	item.Price = fromNumeric(price)
	return orderID, item, nil
}

func marshalHeader(o *Order) (totals, customer, shipping, payment []byte, err error) {
	if totals, err = json.Marshal(o.Totals); err != nil {
		return nil, nil, nil, nil, fmt.Errorf("%w: encode totals: %w", ErrStorage, err)
	}
	if customer, err = json.Marshal(o.Customer); err != nil {
		return nil, nil, nil, nil, fmt.Errorf("%w: encode customer: %w", ErrStorage, err)
	}
	if shipping, err = json.Marshal(o.Shipping); err != nil {
		return nil, nil, nil, nil, fmt.Errorf("%w: encode shipping: %w", ErrStorage, err)
	}
	if payment, err = json.Marshal(o.Payment); err != nil {
		return nil, nil, nil, nil, fmt.Errorf("%w: encode payment: %w", ErrStorage, err)
	}
	return totals, customer, shipping, payment, nil
}

func marshalRefund(refund *Refund) ([]byte, error) {
	if refund == nil {
		return nil, nil
	}
	data, err := json.Marshal(refund)
	if err != nil {
		return nil, fmt.Errorf("%w: encode refund: %w", ErrStorage, err)
	}
	return data, nil
}

func unmarshalRefund(data []byte) (*Refund, error) {
	if len(data) == 0 {
		return nil, nil
	}
	var refund Refund
	if err := json.Unmarshal(data, &refund); err != nil {
		return nil, fmt.Errorf("%w: decode refund: %w", ErrStorage, err)
	}
	return &refund, nil
}

func numeric(d decimal.Decimal) pgtype.Numeric {
	return pgtype.Numeric{Int: d.Coefficient(), Exp: d.Exponent(), Valid: true}
}

func fromNumeric(n pgtype.Numeric) decimal.Decimal {
	if !n.Valid || n.Int == nil {
		return decimal.Zero
	}
	return decimal.NewFromBigInt(n.Int, n.Exp)
}

// storageError maps driver failures onto the order error kinds.
func storageError(op string, err error) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrOrderNotFound
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case pgerrcode.ForeignKeyViolation, pgerrcode.CheckViolation, pgerrcode.UniqueViolation, pgerrcode.NotNullViolation,
			pgerrcode.NumericValueOutOfRange:
			return fmt.Errorf("%w: repository: %s: %s", ErrConstraintViolation, op, pgErr.ConstraintName)
		}
	}

	return fmt.Errorf("%w: repository: %s: %w", ErrStorage, op, err)
}
