// Package repository содержит реализацию доступа к данным в PostgreSQL.
package repository

import (
	"context"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"

	"github.com/mmeshcher/incentive-disbursement/internal/model"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// ErrRecordNotFound возвращается, если запись о поощрении не найдена.
var (
	ErrRecordNotFound = errors.New("incentive record not found")
	// ErrRecordSettled возвращается при попытке изменить окончательно оплаченную запись.
	ErrRecordSettled = errors.New("incentive record already settled")
	// ErrDuplicateTransaction возвращается, если идентификатор транзакции уже закреплён за другой записью.
	ErrDuplicateTransaction = errors.New("transaction id already assigned")
	// ErrTransactionSuperseded возвращается, если запись больше не держит ожидаемую транзакцию.
	ErrTransactionSuperseded = errors.New("record no longer holds the transaction")
)

// disbursementLockKey сериализует синхронные выплаты между экземплярами сервиса.
const disbursementLockKey int64 = 0x1d15b0

const defaultQueryTimeout = 5 * time.Second

const recordColumns = `id, recipient_name, recipient_contact, entity_id, amount, transaction_id,
	settlement_status, settled_at, transaction_metadata, voucher_code, created_at, updated_at`

// PostgresRepository предоставляет доступ к хранилищу записей о поощрениях в PostgreSQL.
type PostgresRepository struct {
	pool         *pgxpool.Pool
	queryTimeout time.Duration
}

// NewPostgresRepository создаёт новый репозиторий и инициализирует схему БД через миграции.
func NewPostgresRepository(dsn string, queryTimeout time.Duration) (*PostgresRepository, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse pool config: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}

	if err := withStartupRetry(ctx, func() error { return pool.Ping(ctx) }); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	if queryTimeout <= 0 {
		queryTimeout = defaultQueryTimeout
	}
	r := &PostgresRepository{pool: pool, queryTimeout: queryTimeout}

	if err := r.runMigrations(ctx); err != nil {
		pool.Close()
		return nil, err
	}

	return r, nil
}

func (r *PostgresRepository) runMigrations(ctx context.Context) error {
	db := stdlib.OpenDBFromPool(r.pool)
	defer db.Close()

	goose.SetBaseFS(migrationsFS)

	if err := goose.SetDialect("postgres"); err != nil {
		return fmt.Errorf("set dialect: %w", err)
	}

	if err := goose.UpContext(ctx, db, "migrations"); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}

	return nil
}

// withStartupRetry повторяет подключение при старте, пока база данных поднимается.
// Рабочие запросы не повторяются: повтор выплаты допустим только по решению оператора.
func withStartupRetry(ctx context.Context, fn func() error) error {
	var err error
	delays := []time.Duration{1 * time.Second, 3 * time.Second, 5 * time.Second}

	for i := 0; i <= len(delays); i++ {
		err = fn()
		if err == nil {
			return nil
		}

		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return err
		}

		retryable := isConnectionError(err)
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) {
			retryable = pgerrcode.IsConnectionException(pgErr.Code) || pgErr.Code == pgerrcode.CannotConnectNow
		}
		if !retryable || i == len(delays) {
			break
		}

		timer := time.NewTimer(delays[i])
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
	return err
}

func isConnectionError(err error) bool {
	return strings.Contains(err.Error(), "connection refused") ||
		strings.Contains(err.Error(), "broken pipe") ||
		strings.Contains(err.Error(), "connection reset by peer")
}

// Close закрывает пул соединений с БД.
func (r *PostgresRepository) Close() error {
	r.pool.Close()
	return nil
}

func (r *PostgresRepository) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, r.queryTimeout)
}

// WithDisbursementLock выполняет fn под advisory-блокировкой PostgreSQL, чтобы два параллельных
// запроса на выплату не прошли проверку идемпотентности одновременно.
func (r *PostgresRepository) WithDisbursementLock(ctx context.Context, fn func(ctx context.Context) error) error {
	conn, err := r.pool.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("acquire connection: %w", err)
	}
	defer conn.Release()

	if _, err := conn.Exec(ctx, `SELECT pg_advisory_lock($1)`, disbursementLockKey); err != nil {
		return fmt.Errorf("acquire disbursement lock: %w", err)
	}
	defer func() {
		unlockCtx, cancel := context.WithTimeout(context.Background(), r.queryTimeout)
		defer cancel()
		if _, err := conn.Exec(unlockCtx, `SELECT pg_advisory_unlock($1)`, disbursementLockKey); err != nil {
			// Соединение с висящей блокировкой нельзя возвращать в пул.
			_ = conn.Conn().Close(unlockCtx)
		}
	}()

	return fn(ctx)
}

// FindRecordsByIDs возвращает записи с указанными идентификаторами в порядке возрастания id.
func (r *PostgresRepository) FindRecordsByIDs(ctx context.Context, ids []int64) ([]model.IncentiveRecord, error) {
	ctx, cancel := r.withTimeout(ctx)
	defer cancel()

	rows, err := r.pool.Query(ctx,
		`SELECT `+recordColumns+`
		 FROM incentive_records
		 WHERE id = ANY($1)
		 ORDER BY id`,
		ids,
	)
	if err != nil {
		return nil, fmt.Errorf("select records: %w", err)
	}
	defer rows.Close()

	return collectRecords(rows)
}

// FindRecordByTransactionID возвращает запись по идентификатору транзакции шлюза.
func (r *PostgresRepository) FindRecordByTransactionID(ctx context.Context, transactionID string) (*model.IncentiveRecord, error) {
	ctx, cancel := r.withTimeout(ctx)
	defer cancel()

	row := r.pool.QueryRow(ctx,
		`SELECT `+recordColumns+` FROM incentive_records WHERE transaction_id = $1`,
		transactionID,
	)

	rec, err := scanRecord(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrRecordNotFound
		}
		return nil, fmt.Errorf("select record by transaction: %w", err)
	}
	return rec, nil
}

// UpdateRecordSettlement изменяет расчётное состояние одной записи. Окончательно оплаченные
// записи не изменяются: в этом случае возвращается ErrRecordSettled. Если задан
// upd.ExpectedTransactionID, а запись уже держит другую транзакцию или освобождена,
// возвращается ErrTransactionSuperseded.
func (r *PostgresRepository) UpdateRecordSettlement(ctx context.Context, id int64, upd model.SettlementUpdate) error {
	ctx, cancel := r.withTimeout(ctx)
	defer cancel()

	var (
		cmdTag pgconn.CommandTag
		err    error
	)

	if upd.ClearTransaction {
		cmdTag, err = r.pool.Exec(ctx,
			`UPDATE incentive_records
			 SET transaction_id = NULL, transaction_metadata = NULL, settled_at = NULL,
			     settlement_status = $2, updated_at = now()
			 WHERE id = $1 AND settled_at IS NULL
			   AND ($3::text IS NULL OR transaction_id = $3)`,
			id, string(upd.Status), upd.ExpectedTransactionID,
		)
	} else {
		meta, mErr := marshalMetadata(upd.Metadata)
		if mErr != nil {
			return mErr
		}
		cmdTag, err = r.pool.Exec(ctx,
			`UPDATE incentive_records
			 SET transaction_id = COALESCE($2, transaction_id),
			     settlement_status = $3,
			     settled_at = $4,
			     transaction_metadata = COALESCE($5, transaction_metadata),
			     updated_at = now()
			 WHERE id = $1 AND settled_at IS NULL
			   AND ($6::text IS NULL OR transaction_id = $6)`,
			id, upd.TransactionID, string(upd.Status), upd.SettledAt, meta, upd.ExpectedTransactionID,
		)
	}
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgerrcode.UniqueViolation {
			return fmt.Errorf("%w: record %d", ErrDuplicateTransaction, id)
		}
		return fmt.Errorf("update record settlement: %w", err)
	}

	if cmdTag.RowsAffected() == 1 {
		return nil
	}

	return r.explainMissedUpdate(ctx, id, upd.ExpectedTransactionID)
}

func (r *PostgresRepository) explainMissedUpdate(ctx context.Context, id int64, expected *string) error {
	var (
		settled bool
		current *string
	)
	err := r.pool.QueryRow(ctx,
		`SELECT settled_at IS NOT NULL, transaction_id FROM incentive_records WHERE id = $1`,
		id,
	).Scan(&settled, &current)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrRecordNotFound
		}
		return fmt.Errorf("select record state: %w", err)
	}
	if settled {
		return ErrRecordSettled
	}
	if expected != nil && (current == nil || *current != *expected) {
		return fmt.Errorf("%w: record %d", ErrTransactionSuperseded, id)
	}
	return fmt.Errorf("update record %d: no rows affected", id)
}

// SettleByTransactionID проставляет время расчёта, если оно ещё не установлено. Повторный вызов
// для той же транзакции ничего не меняет и возвращает applied == false.
func (r *PostgresRepository) SettleByTransactionID(ctx context.Context, transactionID string, at time.Time, meta *model.TransactionMetadata) (int64, bool, error) {
	ctx, cancel := r.withTimeout(ctx)
	defer cancel()

	patch, err := marshalMetadata(meta)
	if err != nil {
		return 0, false, err
	}

	var id int64
	err = r.pool.QueryRow(ctx,
		`UPDATE incentive_records
		 SET settled_at = $2,
		     settlement_status = $3,
		     transaction_metadata = COALESCE(transaction_metadata, '{}'::jsonb) || COALESCE($4::jsonb, '{}'::jsonb),
		     updated_at = now()
		 WHERE transaction_id = $1 AND settled_at IS NULL
		 RETURNING id`,
		transactionID, at, string(model.SettlementSettled), patch,
	).Scan(&id)
	if err == nil {
		return id, true, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return 0, false, fmt.Errorf("settle by transaction: %w", err)
	}

	return r.lookupUnapplied(ctx, transactionID)
}

// ClearByTransactionID освобождает неоплаченную запись для повторной выплаты.
func (r *PostgresRepository) ClearByTransactionID(ctx context.Context, transactionID string) (int64, bool, error) {
	ctx, cancel := r.withTimeout(ctx)
	defer cancel()

	var id int64
	err := r.pool.QueryRow(ctx,
		`UPDATE incentive_records
		 SET transaction_id = NULL, transaction_metadata = NULL,
		     settlement_status = $2, updated_at = now()
		 WHERE transaction_id = $1 AND settled_at IS NULL
		 RETURNING id`,
		transactionID, string(model.SettlementClearedRetry),
	).Scan(&id)
	if err == nil {
		return id, true, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return 0, false, fmt.Errorf("clear by transaction: %w", err)
	}

	return r.lookupUnapplied(ctx, transactionID)
}

func (r *PostgresRepository) lookupUnapplied(ctx context.Context, transactionID string) (int64, bool, error) {
	var id int64
	err := r.pool.QueryRow(ctx,
		`SELECT id FROM incentive_records WHERE transaction_id = $1`,
		transactionID,
	).Scan(&id)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, false, ErrRecordNotFound
		}
		return 0, false, fmt.Errorf("select record by transaction: %w", err)
	}
	return id, false, nil
}

// ClearRecord по решению оператора снимает с неоплаченной записи идентификатор транзакции.
func (r *PostgresRepository) ClearRecord(ctx context.Context, id int64) (*model.IncentiveRecord, error) {
	ctx, cancel := r.withTimeout(ctx)
	defer cancel()

	row := r.pool.QueryRow(ctx,
		`UPDATE incentive_records
		 SET transaction_id = NULL, transaction_metadata = NULL,
		     settlement_status = $2, updated_at = now()
		 WHERE id = $1 AND settled_at IS NULL
		 RETURNING `+recordColumns,
		id, string(model.SettlementClearedRetry),
	)

	rec, err := scanRecord(row)
	if err == nil {
		return rec, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("clear record: %w", err)
	}

	return nil, r.explainMissedUpdate(ctx, id, nil)
}

// FindStaleInFlight возвращает отправленные шлюзу записи, которые давно не получали подтверждения.
func (r *PostgresRepository) FindStaleInFlight(ctx context.Context, olderThan time.Time, limit int) ([]model.IncentiveRecord, error) {
	ctx, cancel := r.withTimeout(ctx)
	defer cancel()

	rows, err := r.pool.Query(ctx,
		`SELECT `+recordColumns+`
		 FROM incentive_records
		 WHERE transaction_id IS NOT NULL AND settled_at IS NULL AND updated_at < $1
		 ORDER BY updated_at
		 LIMIT $2`,
		olderThan, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("select stale records: %w", err)
	}
	defer rows.Close()

	return collectRecords(rows)
}

func collectRecords(rows pgx.Rows) ([]model.IncentiveRecord, error) {
	var res []model.IncentiveRecord
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("scan record: %w", err)
		}
		res = append(res, *rec)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return res, nil
}

func scanRecord(row pgx.Row) (*model.IncentiveRecord, error) {
	var (
		rec    model.IncentiveRecord
		status string
		meta   []byte
	)

	err := row.Scan(
		&rec.ID, &rec.RecipientName, &rec.RecipientContact, &rec.EntityID, &rec.Amount,
		&rec.TransactionID, &status, &rec.SettledAt, &meta, &rec.VoucherCode,
		&rec.CreatedAt, &rec.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	rec.Status = model.SettlementStatus(status)
	if len(meta) > 0 {
		var m model.TransactionMetadata
		if err := json.Unmarshal(meta, &m); err != nil {
			return nil, fmt.Errorf("decode metadata of record %d: %w", rec.ID, err)
		}
		rec.Metadata = &m
	}

	return &rec, nil
}

func marshalMetadata(meta *model.TransactionMetadata) ([]byte, error) {
	if meta == nil {
		return nil, nil
	}
	raw, err := json.Marshal(meta)
	if err != nil {
		return nil, fmt.Errorf("encode metadata: %w", err)
	}
	return raw, nil
}
