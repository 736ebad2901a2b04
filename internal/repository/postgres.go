// Package repository содержит реализацию хранилища записей в PostgreSQL.
package repository

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/mmeshcher/benefits-system/internal/model"
	"github.com/pressly/goose/v3"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// ErrAccountNotFound возвращается, если учётная запись не найдена.
var (
	ErrAccountNotFound = errors.New("account not found")
	// ErrMemberNotFound возвращается, если профиль участника не найден.
	ErrMemberNotFound = errors.New("member not found")
	// ErrAssociationNotFound возвращается, если ассоциация не найдена.
	ErrAssociationNotFound = errors.New("association not found")
	// ErrMerchantNotFound возвращается, если коммерсант не найден.
	ErrMerchantNotFound = errors.New("merchant not found")
)

// Tx предоставляет типизированные операции чтения и записи внутри одной
// атомарной транзакции хранилища. Тело транзакции, переданное в RunTx,
// может быть выполнено повторно при конфликте конкурентных записей.
type Tx interface {
	GetAccount(ctx context.Context, id string) (*model.Account, error)
	GetAccountByEmail(ctx context.Context, email string) (*model.Account, error)
	GetMember(ctx context.Context, id string) (*model.Member, error)
	GetAssociation(ctx context.Context, id string) (*model.Association, error)
	GetMerchant(ctx context.Context, id string) (*model.Merchant, error)
	ActiveBenefitsByMerchant(ctx context.Context, merchantID string) ([]model.Benefit, error)
	CountMemberBenefitRedemptions(ctx context.Context, memberID, benefitID string) (int32, error)

	SetMemberStatuses(ctx context.Context, id string, status model.MemberStatus, membership model.MembershipStatus) error
	SetAccountStatus(ctx context.Context, id string, status model.AccountStatus) error
	LinkMember(ctx context.Context, memberID, associationID, associationName string, linkedAt time.Time) error
	UnlinkMember(ctx context.Context, memberID string) error
	LinkAccount(ctx context.Context, accountID, associationID string) error
	UnlinkAccount(ctx context.Context, accountID string) error
	AddMemberToRoster(ctx context.Context, associationID, memberID string) error
	RemoveMemberFromRoster(ctx context.Context, associationID, memberID string) error

	InsertRedemption(ctx context.Context, red *model.Redemption) error
	TryIncrementBenefitUsage(ctx context.Context, benefitID string) error
	TryIncrementMemberCounters(ctx context.Context, memberID string, savingsCents int64) error
	TryIncrementMerchantCounters(ctx context.Context, merchantID string, revenueCents int64) error
}

// PostgresRepository предоставляет доступ к хранилищу записей в PostgreSQL.
type PostgresRepository struct {
	pool *pgxpool.Pool
}

// NewPostgresRepository создаёт новый репозиторий и инициализирует схему БД через миграции.
func NewPostgresRepository(dsn string) (*PostgresRepository, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse pool config: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	r := &PostgresRepository{pool: pool}

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

// Close закрывает пул соединений с БД.
func (r *PostgresRepository) Close() error {
	r.pool.Close()
	return nil
}

// RunTx выполняет fn внутри сериализуемой транзакции. При конфликте
// сериализации или дедлоке всё тело транзакции выполняется заново с
// повторным чтением всех ключей, до исчерпания бюджета повторов.
// Частичные записи не видны вызывающему ни при каком исходе.
func (r *PostgresRepository) RunTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error {
	delays := []time.Duration{100 * time.Millisecond, 500 * time.Millisecond, 1 * time.Second}

	var err error
	for i := 0; i <= len(delays); i++ {
		err = r.runTxOnce(ctx, fn)
		if err == nil {
			return nil
		}

		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return err
		}

		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) {
			if pgErr.Code == pgerrcode.SerializationFailure || pgErr.Code == pgerrcode.DeadlockDetected {
				if i < len(delays) {
					time.Sleep(delays[i])
					continue
				}
			}
		}

		break
	}
	return err
}

func (r *PostgresRepository) runTxOnce(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error {
	tx, err := r.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.Serializable})
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := fn(ctx, &pgxTx{q: tx}); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}

	return nil
}

// querier объединяет pgx.Tx и pgxpool.Pool для общих запросов.
type querier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// GetAccount возвращает учётную запись по идентификатору.
func (r *PostgresRepository) GetAccount(ctx context.Context, id string) (*model.Account, error) {
	return getAccount(ctx, r.pool, id)
}

// GetMember возвращает профиль участника по идентификатору.
func (r *PostgresRepository) GetMember(ctx context.Context, id string) (*model.Member, error) {
	return getMember(ctx, r.pool, id)
}

// GetAssociation возвращает ассоциацию по идентификатору.
func (r *PostgresRepository) GetAssociation(ctx context.Context, id string) (*model.Association, error) {
	return getAssociation(ctx, r.pool, id)
}

// GetMerchant возвращает коммерсанта по идентификатору.
func (r *PostgresRepository) GetMerchant(ctx context.Context, id string) (*model.Merchant, error) {
	return getMerchant(ctx, r.pool, id)
}

// MembersByAssociation возвращает профили участников, привязанных к ассоциации.
func (r *PostgresRepository) MembersByAssociation(ctx context.Context, associationID string) ([]model.Member, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT id, email, full_name, status, membership_status,
		        COALESCE(association_id, ''), COALESCE(association_name, ''),
		        linked_at, expiration_date, usage_count, savings_total
		 FROM members
		 WHERE association_id = $1
		 ORDER BY id`,
		associationID,
	)
	if err != nil {
		return nil, fmt.Errorf("select members: %w", err)
	}
	defer rows.Close()

	var members []model.Member
	for rows.Next() {
		m, err := scanMember(rows)
		if err != nil {
			return nil, err
		}
		members = append(members, *m)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return members, nil
}

// RedemptionsByMember возвращает страницу истории погашений участника.
// Пагинация ключевая: курсор кодирует created_at и id последней записи,
// запрашивается на одну запись больше размера страницы для признака hasMore.
func (r *PostgresRepository) RedemptionsByMember(ctx context.Context, memberID string, limit int, afterAt time.Time, afterID string) ([]model.Redemption, error) {
	var (
		rows pgx.Rows
		err  error
	)

	if afterID == "" {
		rows, err = r.pool.Query(ctx,
			`SELECT id, member_id, merchant_id, benefit_id, member_name, merchant_name,
			        benefit_title, discount_cents, validation_code, outcome, flags, created_at
			 FROM redemptions
			 WHERE member_id = $1
			 ORDER BY created_at DESC, id DESC
			 LIMIT $2`,
			memberID, limit,
		)
	} else {
		rows, err = r.pool.Query(ctx,
			`SELECT id, member_id, merchant_id, benefit_id, member_name, merchant_name,
			        benefit_title, discount_cents, validation_code, outcome, flags, created_at
			 FROM redemptions
			 WHERE member_id = $1 AND (created_at, id) < ($2, $3)
			 ORDER BY created_at DESC, id DESC
			 LIMIT $4`,
			memberID, afterAt, afterID, limit,
		)
	}
	if err != nil {
		return nil, fmt.Errorf("select redemptions: %w", err)
	}
	defer rows.Close()

	var res []model.Redemption
	for rows.Next() {
		var red model.Redemption
		if err := rows.Scan(
			&red.ID, &red.MemberID, &red.MerchantID, &red.BenefitID,
			&red.MemberName, &red.MerchantName, &red.BenefitTitle,
			&red.DiscountCents, &red.ValidationCode, &red.Outcome,
			&red.Flags, &red.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan redemption: %w", err)
		}
		res = append(res, red)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return res, nil
}

// InsertUsageHistory добавляет запись журнала использования бенефитов.
func (r *PostgresRepository) InsertUsageHistory(ctx context.Context, e *model.UsageHistoryEntry) error {
	_, err := r.pool.Exec(ctx,
		`INSERT INTO usage_history (redemption_id, member_id, member_name, merchant_name, benefit_title, discount_cents, used_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		e.RedemptionID, e.MemberID, e.MemberName, e.MerchantName, e.BenefitTitle, e.DiscountCents, e.UsedAt,
	)
	if err != nil {
		return fmt.Errorf("insert usage history: %w", err)
	}
	return nil
}

// InsertFailedAttempt добавляет запись об отклонённой попытке погашения.
func (r *PostgresRepository) InsertFailedAttempt(ctx context.Context, a *model.FailedAttempt) error {
	var benefitID *string
	if a.BenefitID != "" {
		benefitID = &a.BenefitID
	}
	_, err := r.pool.Exec(ctx,
		`INSERT INTO failed_attempts (member_id, merchant_id, benefit_id, reason) VALUES ($1, $2, $3, $4)`,
		a.MemberID, a.MerchantID, benefitID, a.Reason,
	)
	if err != nil {
		return fmt.Errorf("insert failed attempt: %w", err)
	}
	return nil
}

// pgxTx реализует Tx поверх pgx-транзакции.
type pgxTx struct {
	q pgx.Tx
}

func (t *pgxTx) GetAccount(ctx context.Context, id string) (*model.Account, error) {
	return getAccount(ctx, t.q, id)
}

func (t *pgxTx) GetAccountByEmail(ctx context.Context, email string) (*model.Account, error) {
	row := t.q.QueryRow(ctx,
		`SELECT id, email, status, role, COALESCE(association_id, '')
		 FROM accounts WHERE email = $1`,
		email,
	)
	return scanAccount(row)
}

func (t *pgxTx) GetMember(ctx context.Context, id string) (*model.Member, error) {
	return getMember(ctx, t.q, id)
}

func (t *pgxTx) GetAssociation(ctx context.Context, id string) (*model.Association, error) {
	return getAssociation(ctx, t.q, id)
}

func (t *pgxTx) GetMerchant(ctx context.Context, id string) (*model.Merchant, error) {
	return getMerchant(ctx, t.q, id)
}

func (t *pgxTx) ActiveBenefitsByMerchant(ctx context.Context, merchantID string) ([]model.Benefit, error) {
	rows, err := t.q.Query(ctx,
		`SELECT id, merchant_id, title, discount_kind, discount_value, valid_from, valid_to,
		        total_limit, usage_count, per_member_limit, access_scope, status
		 FROM benefits
		 WHERE merchant_id = $1 AND status = $2
		 ORDER BY id`,
		merchantID, string(model.BenefitStatusActive),
	)
	if err != nil {
		return nil, fmt.Errorf("select benefits: %w", err)
	}
	defer rows.Close()

	var res []model.Benefit
	for rows.Next() {
		var b model.Benefit
		if err := rows.Scan(
			&b.ID, &b.MerchantID, &b.Title, &b.DiscountKind, &b.DiscountValue,
			&b.ValidFrom, &b.ValidTo, &b.TotalLimit, &b.UsageCount,
			&b.PerMemberLimit, &b.AccessScope, &b.Status,
		); err != nil {
			return nil, fmt.Errorf("scan benefit: %w", err)
		}
		res = append(res, b)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return res, nil
}

func (t *pgxTx) CountMemberBenefitRedemptions(ctx context.Context, memberID, benefitID string) (int32, error) {
	var count int32
	err := t.q.QueryRow(ctx,
		`SELECT COUNT(*) FROM redemptions WHERE member_id = $1 AND benefit_id = $2 AND outcome = $3`,
		memberID, benefitID, string(model.RedemptionSuccess),
	).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count redemptions: %w", err)
	}
	return count, nil
}

func (t *pgxTx) SetMemberStatuses(ctx context.Context, id string, status model.MemberStatus, membership model.MembershipStatus) error {
	_, err := t.q.Exec(ctx,
		`UPDATE members SET status = $2, membership_status = $3 WHERE id = $1`,
		id, string(status), string(membership),
	)
	if err != nil {
		return fmt.Errorf("update member statuses: %w", err)
	}
	return nil
}

func (t *pgxTx) SetAccountStatus(ctx context.Context, id string, status model.AccountStatus) error {
	_, err := t.q.Exec(ctx,
		`UPDATE accounts SET status = $2 WHERE id = $1`,
		id, string(status),
	)
	if err != nil {
		return fmt.Errorf("update account status: %w", err)
	}
	return nil
}

func (t *pgxTx) LinkMember(ctx context.Context, memberID, associationID, associationName string, linkedAt time.Time) error {
	_, err := t.q.Exec(ctx,
		`UPDATE members
		 SET association_id = $2, association_name = $3, linked_at = $4,
		     status = $5, membership_status = $6
		 WHERE id = $1`,
		memberID, associationID, associationName, linkedAt,
		string(model.MemberStatusActive), string(model.MembershipAlDia),
	)
	if err != nil {
		return fmt.Errorf("link member: %w", err)
	}
	return nil
}

func (t *pgxTx) UnlinkMember(ctx context.Context, memberID string) error {
	_, err := t.q.Exec(ctx,
		`UPDATE members
		 SET association_id = NULL, association_name = NULL, linked_at = NULL,
		     membership_status = $2
		 WHERE id = $1`,
		memberID, string(model.MembershipPendiente),
	)
	if err != nil {
		return fmt.Errorf("unlink member: %w", err)
	}
	return nil
}

func (t *pgxTx) LinkAccount(ctx context.Context, accountID, associationID string) error {
	_, err := t.q.Exec(ctx,
		`UPDATE accounts SET association_id = $2, status = $3 WHERE id = $1`,
		accountID, associationID, string(model.AccountStatusActive),
	)
	if err != nil {
		return fmt.Errorf("link account: %w", err)
	}
	return nil
}

func (t *pgxTx) UnlinkAccount(ctx context.Context, accountID string) error {
	_, err := t.q.Exec(ctx,
		`UPDATE accounts SET association_id = NULL WHERE id = $1`,
		accountID,
	)
	if err != nil {
		return fmt.Errorf("unlink account: %w", err)
	}
	return nil
}

func (t *pgxTx) AddMemberToRoster(ctx context.Context, associationID, memberID string) error {
	// array_append с защитой от дублей; поле создаётся, если его ещё нет
	_, err := t.q.Exec(ctx,
		`UPDATE associations
		 SET member_ids = array_append(COALESCE(member_ids, '{}'), $2)
		 WHERE id = $1 AND NOT ($2 = ANY (COALESCE(member_ids, '{}')))`,
		associationID, memberID,
	)
	if err != nil {
		return fmt.Errorf("add member to roster: %w", err)
	}
	return nil
}

func (t *pgxTx) RemoveMemberFromRoster(ctx context.Context, associationID, memberID string) error {
	_, err := t.q.Exec(ctx,
		`UPDATE associations
		 SET member_ids = array_remove(COALESCE(member_ids, '{}'), $2)
		 WHERE id = $1`,
		associationID, memberID,
	)
	if err != nil {
		return fmt.Errorf("remove member from roster: %w", err)
	}
	return nil
}

func (t *pgxTx) InsertRedemption(ctx context.Context, red *model.Redemption) error {
	_, err := t.q.Exec(ctx,
		`INSERT INTO redemptions (id, member_id, merchant_id, benefit_id, member_name, merchant_name,
		                          benefit_title, discount_cents, validation_code, outcome, flags, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		red.ID, red.MemberID, red.MerchantID, red.BenefitID,
		red.MemberName, red.MerchantName, red.BenefitTitle,
		red.DiscountCents, red.ValidationCode, string(red.Outcome),
		red.Flags, red.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert redemption: %w", err)
	}
	return nil
}

// tryExec выполняет инкремент счётчика внутри вложенной транзакции
// (SAVEPOINT). Ошибочный statement переводит транзакцию PostgreSQL в
// состояние aborted, поэтому сбой счётчика откатывается до точки
// сохранения: внешняя транзакция остаётся рабочей, и вызывающий может
// проглотить ошибку, не теряя запись погашения.
func (t *pgxTx) tryExec(ctx context.Context, sql string, args ...any) error {
	sub, err := t.q.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin savepoint: %w", err)
	}

	if _, err := sub.Exec(ctx, sql, args...); err != nil {
		_ = sub.Rollback(ctx)
		return err
	}

	return sub.Commit(ctx)
}

func (t *pgxTx) TryIncrementBenefitUsage(ctx context.Context, benefitID string) error {
	err := t.tryExec(ctx,
		`UPDATE benefits SET usage_count = usage_count + 1 WHERE id = $1`,
		benefitID,
	)
	if err != nil {
		return fmt.Errorf("increment benefit usage: %w", err)
	}
	return nil
}

func (t *pgxTx) TryIncrementMemberCounters(ctx context.Context, memberID string, savingsCents int64) error {
	err := t.tryExec(ctx,
		`UPDATE members SET usage_count = usage_count + 1, savings_total = savings_total + $2 WHERE id = $1`,
		memberID, savingsCents,
	)
	if err != nil {
		return fmt.Errorf("increment member counters: %w", err)
	}
	return nil
}

func (t *pgxTx) TryIncrementMerchantCounters(ctx context.Context, merchantID string, revenueCents int64) error {
	err := t.tryExec(ctx,
		`UPDATE merchants SET redemption_count = redemption_count + 1, revenue_accrued = revenue_accrued + $2 WHERE id = $1`,
		merchantID, revenueCents,
	)
	if err != nil {
		return fmt.Errorf("increment merchant counters: %w", err)
	}
	return nil
}

func getAccount(ctx context.Context, q querier, id string) (*model.Account, error) {
	row := q.QueryRow(ctx,
		`SELECT id, email, status, role, COALESCE(association_id, '')
		 FROM accounts WHERE id = $1`,
		id,
	)
	return scanAccount(row)
}

func scanAccount(row pgx.Row) (*model.Account, error) {
	var a model.Account
	err := row.Scan(&a.ID, &a.Email, &a.Status, &a.Role, &a.AssociationID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrAccountNotFound
		}
		return nil, fmt.Errorf("get account: %w", err)
	}
	return &a, nil
}

func getMember(ctx context.Context, q querier, id string) (*model.Member, error) {
	row := q.QueryRow(ctx,
		`SELECT id, email, full_name, status, membership_status,
		        COALESCE(association_id, ''), COALESCE(association_name, ''),
		        linked_at, expiration_date, usage_count, savings_total
		 FROM members WHERE id = $1`,
		id,
	)
	m, err := scanMember(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrMemberNotFound
		}
		return nil, err
	}
	return m, nil
}

func scanMember(row pgx.Row) (*model.Member, error) {
	var m model.Member
	err := row.Scan(
		&m.ID, &m.Email, &m.FullName, &m.Status, &m.MembershipStatus,
		&m.AssociationID, &m.AssociationName, &m.LinkedAt, &m.ExpirationDate,
		&m.UsageCount, &m.SavingsTotal,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, pgx.ErrNoRows
		}
		return nil, fmt.Errorf("scan member: %w", err)
	}
	return &m, nil
}

func getAssociation(ctx context.Context, q querier, id string) (*model.Association, error) {
	row := q.QueryRow(ctx,
		`SELECT id, name, COALESCE(member_ids, '{}') FROM associations WHERE id = $1`,
		id,
	)
	var a model.Association
	err := row.Scan(&a.ID, &a.Name, &a.MemberIDs)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrAssociationNotFound
		}
		return nil, fmt.Errorf("get association: %w", err)
	}
	return &a, nil
}

func getMerchant(ctx context.Context, q querier, id string) (*model.Merchant, error) {
	row := q.QueryRow(ctx,
		`SELECT id, name, category, redemption_count, revenue_accrued FROM merchants WHERE id = $1`,
		id,
	)
	var m model.Merchant
	err := row.Scan(&m.ID, &m.Name, &m.Category, &m.RedemptionCount, &m.RevenueAccrued)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrMerchantNotFound
		}
		return nil, fmt.Errorf("get merchant: %w", err)
	}
	return &m, nil
}
