package storage

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/rl1809/stock-ledger/internal/core/domain"
	"github.com/rl1809/stock-ledger/internal/port"
)

const pgUniqueViolation = "23505"

type PostgresAdapter struct {
	pool *pgxpool.Pool
}

func NewPostgresAdapter(pool *pgxpool.Pool) *PostgresAdapter {
	return &PostgresAdapter{pool: pool}
}

func (p *PostgresAdapter) EnsureSchema(ctx context.Context) error {
	for _, stmt := range SchemaStatements(PostgresSchema) {
		if _, err := p.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("apply schema: %w", err)
		}
	}
	return nil
}

func (p *PostgresAdapter) Ping(ctx context.Context) error {
	return p.pool.Ping(ctx)
}

func (p *PostgresAdapter) GetInventory(ctx context.Context, productID string) (*domain.Inventory, error) {
	var inv domain.Inventory
	err := p.pool.QueryRow(ctx, `
		SELECT product_id, available, reserved, total, low_stock_threshold, version, created_at, updated_at
		FROM inventory WHERE product_id = $1`, productID,
	).Scan(&inv.ProductID, &inv.Available, &inv.Reserved, &inv.Total, &inv.LowStockThreshold,
		&inv.Version, &inv.CreatedAt, &inv.UpdatedAt)

	if errors.Is(err, pgx.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query inventory: %w", err)
	}
	return &inv, nil
}

func (p *PostgresAdapter) ListInventories(ctx context.Context) ([]domain.Inventory, error) {
	rows, err := p.pool.Query(ctx, `
		SELECT product_id, available, reserved, total, low_stock_threshold, version, created_at, updated_at
		FROM inventory ORDER BY product_id`)
	if err != nil {
		return nil, fmt.Errorf("query inventories: %w", err)
	}
	defer rows.Close()

	var out []domain.Inventory
	for rows.Next() {
		var inv domain.Inventory
		if err := rows.Scan(&inv.ProductID, &inv.Available, &inv.Reserved, &inv.Total,
			&inv.LowStockThreshold, &inv.Version, &inv.CreatedAt, &inv.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan inventory: %w", err)
		}
		out = append(out, inv)
	}
	return out, rows.Err()
}

func (p *PostgresAdapter) CreateInventory(ctx context.Context, inv domain.Inventory, opening domain.Movement) (domain.Inventory, domain.Movement, error) {
	if err := checkOpening(inv, opening); err != nil {
		return domain.Inventory{}, domain.Movement{}, err
	}

	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return domain.Inventory{}, domain.Movement{}, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	now := time.Now().UTC()
	inv.CreatedAt = now
	inv.UpdatedAt = now

	tag, err := tx.Exec(ctx, `
		INSERT INTO inventory (product_id, available, reserved, total, low_stock_threshold, version, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (product_id) DO NOTHING`,
		inv.ProductID, inv.Available, inv.Reserved, inv.Total, inv.LowStockThreshold, inv.Version,
		inv.CreatedAt, inv.UpdatedAt,
	)
	if err != nil {
		return domain.Inventory{}, domain.Movement{}, fmt.Errorf("insert inventory: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return domain.Inventory{}, domain.Movement{}, domain.ErrDuplicateKey
	}

	opening.CreatedAt = now
	if opening.ID, err = insertMovementPg(ctx, tx, opening); err != nil {
		return domain.Inventory{}, domain.Movement{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation {
			return domain.Inventory{}, domain.Movement{}, domain.ErrDuplicateKey
		}
		return domain.Inventory{}, domain.Movement{}, fmt.Errorf("commit tx: %w", err)
	}
	return inv, opening, nil
}

func (p *PostgresAdapter) Apply(ctx context.Context, mut port.Mutation) (domain.Inventory, domain.Movement, error) {
	if err := checkMutation(mut); err != nil {
		return domain.Inventory{}, domain.Movement{}, err
	}

	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return domain.Inventory{}, domain.Movement{}, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	now := time.Now().UTC()
	inv := mut.Inventory

	err = tx.QueryRow(ctx, `
		UPDATE inventory
		SET available = $1, reserved = $2, total = $3, version = version + 1, updated_at = $4
		WHERE product_id = $5 AND version = $6 AND total = $7
		RETURNING version, created_at`,
		inv.Available, inv.Reserved, inv.Total, now,
		inv.ProductID, mut.ExpectedVersion, mut.Movement.QuantityBefore,
	).Scan(&inv.Version, &inv.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Inventory{}, domain.Movement{}, p.missOrConflict(ctx, tx, inv.ProductID)
	}
	if err != nil {
		return domain.Inventory{}, domain.Movement{}, fmt.Errorf("update inventory: %w", err)
	}
	inv.UpdatedAt = now

	mv := mut.Movement
	mv.CreatedAt = now
	if mv.ID, err = insertMovementPg(ctx, tx, mv); err != nil {
		return domain.Inventory{}, domain.Movement{}, err
	}

	if r := mut.Reservation; r != nil {
		_, err = tx.Exec(ctx, `
			INSERT INTO inventory_reservations (product_id, reference_id, quantity, status, created_at, updated_at, expires_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7)
			ON CONFLICT (product_id, reference_id) DO UPDATE SET
				quantity = EXCLUDED.quantity, status = EXCLUDED.status,
				created_at = EXCLUDED.created_at, updated_at = EXCLUDED.updated_at, expires_at = EXCLUDED.expires_at`,
			r.ProductID, r.ReferenceID, r.Quantity, string(r.Status), r.CreatedAt, r.UpdatedAt, pgTime(r.ExpiresAt),
		)
		if err != nil {
			return domain.Inventory{}, domain.Movement{}, fmt.Errorf("upsert reservation: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return domain.Inventory{}, domain.Movement{}, fmt.Errorf("commit tx: %w", err)
	}
	return inv, mv, nil
}

func (p *PostgresAdapter) missOrConflict(ctx context.Context, tx pgx.Tx, productID string) error {
	var one int
	err := tx.QueryRow(ctx, `SELECT 1 FROM inventory WHERE product_id = $1`, productID).Scan(&one)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("query inventory: %w", err)
	}
	return domain.ErrConcurrentModification
}

func insertMovementPg(ctx context.Context, tx pgx.Tx, mv domain.Movement) (int64, error) {
	var id int64
	err := tx.QueryRow(ctx, `
		INSERT INTO inventory_movements
			(product_id, kind, quantity_change, quantity_before, quantity_after, reference_id, notes, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING id`,
		mv.ProductID, string(mv.Kind), mv.QuantityChange, mv.QuantityBefore, mv.QuantityAfter,
		mv.ReferenceID, mv.Notes, mv.CreatedAt,
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("insert movement: %w", err)
	}
	return id, nil
}

func (p *PostgresAdapter) GetReservation(ctx context.Context, productID, referenceID string) (*domain.Reservation, error) {
	row := p.pool.QueryRow(ctx, `
		SELECT product_id, reference_id, quantity, status, created_at, updated_at, expires_at
		FROM inventory_reservations WHERE product_id = $1 AND reference_id = $2`, productID, referenceID)

	r, err := scanReservationPg(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, domain.ErrReservationNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query reservation: %w", err)
	}
	return &r, nil
}

func (p *PostgresAdapter) ListReservations(ctx context.Context, productID string) ([]domain.Reservation, error) {
	return p.queryReservations(ctx, `
		SELECT product_id, reference_id, quantity, status, created_at, updated_at, expires_at
		FROM inventory_reservations WHERE product_id = $1
		ORDER BY created_at, reference_id`, productID)
}

func (p *PostgresAdapter) ListExpiredReservations(ctx context.Context, now time.Time, limit int) ([]domain.Reservation, error) {
	if limit <= 0 {
		limit = defaultExpiredBatch
	}
	return p.queryReservations(ctx, `
		SELECT product_id, reference_id, quantity, status, created_at, updated_at, expires_at
		FROM inventory_reservations
		WHERE status = $1 AND expires_at IS NOT NULL AND expires_at <= $2
		ORDER BY expires_at LIMIT $3`, string(domain.ReservationActive), now.UTC(), limit)
}

func (p *PostgresAdapter) queryReservations(ctx context.Context, query string, args ...any) ([]domain.Reservation, error) {
	rows, err := p.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query reservations: %w", err)
	}
	defer rows.Close()

	var out []domain.Reservation
	for rows.Next() {
		r, err := scanReservationPg(rows)
		if err != nil {
			return nil, fmt.Errorf("scan reservation: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (p *PostgresAdapter) ListMovements(ctx context.Context, filter port.MovementFilter) ([]domain.Movement, error) {
	where, args := movementWhere(filter, func(n int) string { return "$" + strconv.Itoa(n) })
	query := `
		SELECT id, product_id, kind, quantity_change, quantity_before, quantity_after, reference_id, notes, created_at
		FROM inventory_movements` + where + ` ORDER BY id DESC`
	if filter.Limit > 0 {
		args = append(args, filter.Limit)
		query += ` LIMIT $` + strconv.Itoa(len(args))
	}

	rows, err := p.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query movements: %w", err)
	}
	defer rows.Close()

	var out []domain.Movement
	for rows.Next() {
		var (
			mv   domain.Movement
			kind string
		)
		if err := rows.Scan(&mv.ID, &mv.ProductID, &kind, &mv.QuantityChange, &mv.QuantityBefore,
			&mv.QuantityAfter, &mv.ReferenceID, &mv.Notes, &mv.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan movement: %w", err)
		}
		mv.Kind = domain.MovementKind(kind)
		out = append(out, mv)
	}
	return out, rows.Err()
}

func (p *PostgresAdapter) SummarizeMovements(ctx context.Context, productID string) ([]domain.MovementSummary, error) {
	rows, err := p.pool.Query(ctx, `
		SELECT kind, COUNT(*)::int, COALESCE(SUM(quantity_change), 0)::int
		FROM inventory_movements WHERE product_id = $1
		GROUP BY kind`, productID)
	if err != nil {
		return nil, fmt.Errorf("summarize movements: %w", err)
	}
	defer rows.Close()

	byKind := make(map[domain.MovementKind]domain.MovementSummary)
	for rows.Next() {
		var (
			kind string
			sum  domain.MovementSummary
		)
		if err := rows.Scan(&kind, &sum.Count, &sum.TotalChange); err != nil {
			return nil, fmt.Errorf("scan summary: %w", err)
		}
		sum.Kind = domain.MovementKind(kind)
		byKind[sum.Kind] = sum
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return orderSummaries(byKind), nil
}

func scanReservationPg(row pgx.Row) (domain.Reservation, error) {
	var (
		r       domain.Reservation
		status  string
		expires *time.Time
	)
	if err := row.Scan(&r.ProductID, &r.ReferenceID, &r.Quantity, &status, &r.CreatedAt, &r.UpdatedAt, &expires); err != nil {
		return domain.Reservation{}, err
	}
	r.Status = domain.ReservationStatus(status)
	if expires != nil {
		r.ExpiresAt = *expires
	}
	return r, nil
}

func pgTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}
