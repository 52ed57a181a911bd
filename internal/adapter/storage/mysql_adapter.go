package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-sql-driver/mysql"

	"github.com/rl1809/stock-ledger/internal/core/domain"
	"github.com/rl1809/stock-ledger/internal/port"
)

const mysqlDuplicateEntry = 1062

type MySQLAdapter struct {
	db *sql.DB
}

func NewMySQLAdapter(db *sql.DB) *MySQLAdapter {
	return &MySQLAdapter{db: db}
}

// EnsureSchema creates the ledger tables if they do not exist.
func (m *MySQLAdapter) EnsureSchema(ctx context.Context) error {
	for _, stmt := range SchemaStatements(MySQLSchema) {
		if _, err := m.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("apply schema: %w", err)
		}
	}
	return nil
}

func (m *MySQLAdapter) Ping(ctx context.Context) error {
	return m.db.PingContext(ctx)
}

func (m *MySQLAdapter) GetInventory(ctx context.Context, productID string) (*domain.Inventory, error) {
	var inv domain.Inventory
	err := m.db.QueryRowContext(ctx, `
		SELECT product_id, available, reserved, total, low_stock_threshold, version, created_at, updated_at
		FROM inventory WHERE product_id = ?`, productID,
	).Scan(&inv.ProductID, &inv.Available, &inv.Reserved, &inv.Total, &inv.LowStockThreshold,
		&inv.Version, &inv.CreatedAt, &inv.UpdatedAt)

	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query inventory: %w", err)
	}

	return &inv, nil
}

func (m *MySQLAdapter) ListInventories(ctx context.Context) ([]domain.Inventory, error) {
	rows, err := m.db.QueryContext(ctx, `
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

func (m *MySQLAdapter) CreateInventory(ctx context.Context, inv domain.Inventory, opening domain.Movement) (domain.Inventory, domain.Movement, error) {
	if err := checkOpening(inv, opening); err != nil {
		return domain.Inventory{}, domain.Movement{}, err
	}

	tx, err := m.db.BeginTx(ctx, nil)
	if err != nil {
		return domain.Inventory{}, domain.Movement{}, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	now := time.Now().UTC()
	inv.CreatedAt = now
	inv.UpdatedAt = now

	_, err = tx.ExecContext(ctx, `
		INSERT INTO inventory (product_id, available, reserved, total, low_stock_threshold, version, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		inv.ProductID, inv.Available, inv.Reserved, inv.Total, inv.LowStockThreshold, inv.Version,
		inv.CreatedAt, inv.UpdatedAt,
	)
	var myErr *mysql.MySQLError
	if errors.As(err, &myErr) && myErr.Number == mysqlDuplicateEntry {
		return domain.Inventory{}, domain.Movement{}, domain.ErrDuplicateKey
	}
	if err != nil {
		return domain.Inventory{}, domain.Movement{}, fmt.Errorf("insert inventory: %w", err)
	}

	opening.CreatedAt = now
	if opening.ID, err = m.insertMovement(ctx, tx, opening); err != nil {
		return domain.Inventory{}, domain.Movement{}, err
	}

	if err := tx.Commit(); err != nil {
		return domain.Inventory{}, domain.Movement{}, fmt.Errorf("commit tx: %w", err)
	}
	return inv, opening, nil
}

func (m *MySQLAdapter) Apply(ctx context.Context, mut port.Mutation) (domain.Inventory, domain.Movement, error) {
	if err := checkMutation(mut); err != nil {
		return domain.Inventory{}, domain.Movement{}, err
	}

	tx, err := m.db.BeginTx(ctx, nil)
	if err != nil {
		return domain.Inventory{}, domain.Movement{}, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	now := time.Now().UTC()
	inv := mut.Inventory

	result, err := tx.ExecContext(ctx, `
		UPDATE inventory
		SET available = ?, reserved = ?, total = ?, version = version + 1, updated_at = ?
		WHERE product_id = ? AND version = ? AND total = ?`,
		inv.Available, inv.Reserved, inv.Total, now,
		inv.ProductID, mut.ExpectedVersion, mut.Movement.QuantityBefore,
	)
	if err != nil {
		return domain.Inventory{}, domain.Movement{}, fmt.Errorf("update inventory: %w", err)
	}

	rows, _ := result.RowsAffected()
	if rows == 0 {
		return domain.Inventory{}, domain.Movement{}, m.missOrConflict(ctx, tx, inv.ProductID)
	}

	mv := mut.Movement
	mv.CreatedAt = now
	if mv.ID, err = m.insertMovement(ctx, tx, mv); err != nil {
		return domain.Inventory{}, domain.Movement{}, err
	}

	if r := mut.Reservation; r != nil {
		_, err = tx.ExecContext(ctx, `
			INSERT INTO inventory_reservations (product_id, reference_id, quantity, status, created_at, updated_at, expires_at)
			VALUES (?, ?, ?, ?, ?, ?, ?)
			ON DUPLICATE KEY UPDATE
				quantity = VALUES(quantity), status = VALUES(status),
				created_at = VALUES(created_at), updated_at = VALUES(updated_at), expires_at = VALUES(expires_at)`,
			r.ProductID, r.ReferenceID, r.Quantity, r.Status, r.CreatedAt, r.UpdatedAt, nullTime(r.ExpiresAt),
		)
		if err != nil {
			return domain.Inventory{}, domain.Movement{}, fmt.Errorf("upsert reservation: %w", err)
		}
	}

	if err := tx.QueryRowContext(ctx, `
		SELECT version, created_at FROM inventory WHERE product_id = ?`, inv.ProductID,
	).Scan(&inv.Version, &inv.CreatedAt); err != nil {
		return domain.Inventory{}, domain.Movement{}, fmt.Errorf("reload inventory: %w", err)
	}
	inv.UpdatedAt = now

	if err := tx.Commit(); err != nil {
		return domain.Inventory{}, domain.Movement{}, fmt.Errorf("commit tx: %w", err)
	}
	return inv, mv, nil
}

// missOrConflict explains why a conditional update touched no row.
func (m *MySQLAdapter) missOrConflict(ctx context.Context, tx *sql.Tx, productID string) error {
	var one int
	err := tx.QueryRowContext(ctx, `SELECT 1 FROM inventory WHERE product_id = ?`, productID).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("query inventory: %w", err)
	}
	return domain.ErrConcurrentModification
}

func (m *MySQLAdapter) insertMovement(ctx context.Context, tx *sql.Tx, mv domain.Movement) (int64, error) {
	result, err := tx.ExecContext(ctx, `
		INSERT INTO inventory_movements
			(product_id, kind, quantity_change, quantity_before, quantity_after, reference_id, notes, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		mv.ProductID, mv.Kind, mv.QuantityChange, mv.QuantityBefore, mv.QuantityAfter,
		mv.ReferenceID, mv.Notes, mv.CreatedAt,
	)
	if err != nil {
		return 0, fmt.Errorf("insert movement: %w", err)
	}
	id, err := result.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("movement id: %w", err)
	}
	return id, nil
}

func (m *MySQLAdapter) GetReservation(ctx context.Context, productID, referenceID string) (*domain.Reservation, error) {
	row := m.db.QueryRowContext(ctx, `
		SELECT product_id, reference_id, quantity, status, created_at, updated_at, expires_at
		FROM inventory_reservations WHERE product_id = ? AND reference_id = ?`, productID, referenceID)

	r, err := scanReservation(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrReservationNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query reservation: %w", err)
	}
	return &r, nil
}

func (m *MySQLAdapter) ListReservations(ctx context.Context, productID string) ([]domain.Reservation, error) {
	return m.queryReservations(ctx, `
		SELECT product_id, reference_id, quantity, status, created_at, updated_at, expires_at
		FROM inventory_reservations WHERE product_id = ?
		ORDER BY created_at, reference_id`, productID)
}

func (m *MySQLAdapter) ListExpiredReservations(ctx context.Context, now time.Time, limit int) ([]domain.Reservation, error) {
	if limit <= 0 {
		limit = defaultExpiredBatch
	}
	return m.queryReservations(ctx, `
		SELECT product_id, reference_id, quantity, status, created_at, updated_at, expires_at
		FROM inventory_reservations
		WHERE status = ? AND expires_at IS NOT NULL AND expires_at <= ?
		ORDER BY expires_at LIMIT ?`, domain.ReservationActive, now.UTC(), limit)
}

func (m *MySQLAdapter) queryReservations(ctx context.Context, query string, args ...any) ([]domain.Reservation, error) {
	rows, err := m.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query reservations: %w", err)
	}
	defer rows.Close()

	var out []domain.Reservation
	for rows.Next() {
		r, err := scanReservation(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("scan reservation: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (m *MySQLAdapter) ListMovements(ctx context.Context, filter port.MovementFilter) ([]domain.Movement, error) {
	where, args := movementWhere(filter, func(int) string { return "?" })
	query := `
		SELECT id, product_id, kind, quantity_change, quantity_before, quantity_after, reference_id, notes, created_at
		FROM inventory_movements` + where + ` ORDER BY id DESC`
	if filter.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, filter.Limit)
	}

	rows, err := m.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query movements: %w", err)
	}
	defer rows.Close()

	var out []domain.Movement
	for rows.Next() {
		var mv domain.Movement
		if err := rows.Scan(&mv.ID, &mv.ProductID, &mv.Kind, &mv.QuantityChange, &mv.QuantityBefore,
			&mv.QuantityAfter, &mv.ReferenceID, &mv.Notes, &mv.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan movement: %w", err)
		}
		out = append(out, mv)
	}
	return out, rows.Err()
}

func (m *MySQLAdapter) SummarizeMovements(ctx context.Context, productID string) ([]domain.MovementSummary, error) {
	rows, err := m.db.QueryContext(ctx, `
		SELECT kind, COUNT(*), COALESCE(SUM(quantity_change), 0)
		FROM inventory_movements WHERE product_id = ?
		GROUP BY kind`, productID)
	if err != nil {
		return nil, fmt.Errorf("summarize movements: %w", err)
	}
	defer rows.Close()

	byKind := make(map[domain.MovementKind]domain.MovementSummary)
	for rows.Next() {
		var sum domain.MovementSummary
		if err := rows.Scan(&sum.Kind, &sum.Count, &sum.TotalChange); err != nil {
			return nil, fmt.Errorf("scan summary: %w", err)
		}
		byKind[sum.Kind] = sum
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return orderSummaries(byKind), nil
}

const defaultExpiredBatch = 100

// movementWhere renders the filter as a WHERE clause. placeholder returns the
// bind marker for the n-th argument, starting at 1.
func movementWhere(f port.MovementFilter, placeholder func(n int) string) (string, []any) {
	var (
		conds []string
		args  []any
	)
	add := func(cond string, arg any) {
		args = append(args, arg)
		conds = append(conds, cond+" "+placeholder(len(args)))
	}

	if f.ProductID != "" {
		add("product_id =", f.ProductID)
	}
	if f.Kind != "" {
		add("kind =", string(f.Kind))
	}
	if f.ReferenceID != "" {
		add("reference_id =", f.ReferenceID)
	}
	if !f.From.IsZero() {
		add("created_at >=", f.From.UTC())
	}
	if !f.To.IsZero() {
		add("created_at <", f.To.UTC())
	}

	if len(conds) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(conds, " AND "), args
}

func scanReservation(scan func(dest ...any) error) (domain.Reservation, error) {
	var (
		r       domain.Reservation
		expires sql.NullTime
	)
	if err := scan(&r.ProductID, &r.ReferenceID, &r.Quantity, &r.Status, &r.CreatedAt, &r.UpdatedAt, &expires); err != nil {
		return domain.Reservation{}, err
	}
	if expires.Valid {
		r.ExpiresAt = expires.Time
	}
	return r, nil
}

func nullTime(t time.Time) sql.NullTime {
	return sql.NullTime{Time: t, Valid: !t.IsZero()}
}
