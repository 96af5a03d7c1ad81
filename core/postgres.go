package core

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/go-pg/pg/v10"
	"github.com/go-pg/pg/v10/orm"
	"github.com/shopspring/decimal"
	log "github.com/sirupsen/logrus"

	"mining-settlement/config"
	"mining-settlement/model"
	"mining-settlement/payhash"
	"mining-settlement/settlement"
	"mining-settlement/util"
)

const partitionPrefix = "payhash_buckets_p"

type Postgres struct {
	db *pg.DB
}

var (
	_ payhash.Store = (*Postgres)(nil)
	_ settlement.DB = (*Postgres)(nil)
	_ settlement.Tx = (*pgTx)(nil)
	_ IngestStore   = (*Postgres)(nil)
)

func NewPostgres(cfg *config.Postgres) (*Postgres, error) {
	db := pg.Connect(&pg.Options{
		Addr:        cfg.Address,
		User:        cfg.Username,
		Password:    cfg.Password,
		Database:    cfg.Database,
		PoolSize:    cfg.PoolSize,
		DialTimeout: util.ParseDurationOr(cfg.Timeout, 5*time.Second),
	})
	if err := db.Ping(context.Background()); err != nil {
		db.Close()
		return nil, fmt.Errorf("unable to reach postgres at %s: %w", cfg.Address, err)
	}
	return &Postgres{db: db}, nil
}

func (p *Postgres) Close() {
	p.db.Close()
}

// CreateSchema 创建表
func (p *Postgres) CreateSchema(ctx context.Context) error {
	return p.db.RunInTransaction(ctx, func(tx *pg.Tx) error {
		models := []interface{}{
			(*model.IncomingPayment)(nil),
			(*model.SettlementRecord)(nil),
			(*model.LedgerEntry)(nil),
			(*model.EarningsRecord)(nil),
			(*model.Balance)(nil),
			(*model.WorkerBinding)(nil),
			(*model.Referral)(nil),
			(*model.AccountSnapshot)(nil),
			(*model.DeviceHashrate)(nil),
			(*model.PayhashFlush)(nil),
		}
		for _, m := range models {
			if err := tx.Model(m).CreateTable(&orm.CreateTableOptions{IfNotExists: true}); err != nil {
				return err
			}
		}

		statements := []string{
			`CREATE TABLE IF NOT EXISTS payhash_buckets (
				account text NOT NULL,
				coin text NOT NULL,
				bucket_time timestamptz NOT NULL,
				worker_id text NOT NULL,
				payhash bigint NOT NULL DEFAULT 0,
				PRIMARY KEY (account, coin, bucket_time, worker_id)
			) PARTITION BY RANGE (bucket_time)`,
			`CREATE UNIQUE INDEX IF NOT EXISTS settlement_records_window_idx ON settlement_records (cadence, account, coin, window_start)`,
			`CREATE UNIQUE INDEX IF NOT EXISTS ledger_entries_source_idx ON ledger_entries (source_ref, user_id, party, category)`,
			`CREATE INDEX IF NOT EXISTS incoming_payments_unsettled_idx ON incoming_payments (account, coin, arrived_at) WHERE NOT settled`,
			`CREATE INDEX IF NOT EXISTS account_snapshots_taken_idx ON account_snapshots (account, coin, taken_at)`,
			`CREATE INDEX IF NOT EXISTS device_hashrates_user_idx ON device_hashrates (user_id, reported_at)`,
		}
		for _, s := range statements {
			if _, err := tx.ExecContext(ctx, s); err != nil {
				return err
			}
		}
		return nil
	})
}

// payhash

// UpsertPayhash 累加写入, 同一批次只写一次
func (p *Postgres) UpsertPayhash(ctx context.Context, flushId string, rows []model.PayhashBucket) error {
	if len(rows) == 0 {
		return nil
	}
	return p.db.RunInTransaction(ctx, func(tx *pg.Tx) error {
		flush := &model.PayhashFlush{Id: flushId, BucketTime: rows[0].BucketTime, FlushedAt: time.Now().UTC()}
		res, err := tx.ModelContext(ctx, flush).OnConflict("DO NOTHING").Insert()
		if err != nil {
			return err
		}
		if res.RowsAffected() == 0 {
			log.WithField("flush", flushId).Info("Payhash flush already applied")
			return nil
		}
		_, err = tx.ModelContext(ctx, &rows).
			OnConflict("(account, coin, bucket_time, worker_id) DO UPDATE").
			Set("payhash = ?TableAlias.payhash + EXCLUDED.payhash").
			Insert()
		return err
	})
}

func (p *Postgres) SumPayhash(ctx context.Context, scope payhash.Scope, start, end time.Time) ([]model.WorkerPayhashScore, error) {
	var scores []model.WorkerPayhashScore
	err := p.db.ModelContext(ctx, (*model.PayhashBucket)(nil)).
		Column("worker_id").
		ColumnExpr("SUM(payhash) AS total_payhash").
		Where("account = ?", scope.Account).
		Where("coin = ?", scope.Coin).
		Where("bucket_time >= ?", start).
		Where("bucket_time < ?", end).
		Group("worker_id").
		Having("SUM(payhash) > 0").
		Order("worker_id ASC").
		Select(&scores)
	return scores, err
}

func (p *Postgres) CreatePartition(ctx context.Context, day time.Time) error {
	start := util.DayStart(day)
	_, err := p.db.ExecContext(ctx, "CREATE TABLE IF NOT EXISTS ? PARTITION OF payhash_buckets FOR VALUES FROM (?) TO (?)",
		pg.Ident(payhash.PartitionName(start)), start, start.AddDate(0, 0, 1))
	return err
}

func (p *Postgres) DropPartition(ctx context.Context, day time.Time) error {
	start := util.DayStart(day)
	return p.db.RunInTransaction(ctx, func(tx *pg.Tx) error {
		if _, err := tx.ExecContext(ctx, "DROP TABLE IF EXISTS ?", pg.Ident(payhash.PartitionName(start))); err != nil {
			return err
		}
		_, err := tx.ModelContext(ctx, (*model.PayhashFlush)(nil)).
			Where("bucket_time >= ?", start).
			Where("bucket_time < ?", start.AddDate(0, 0, 1)).
			Delete()
		return err
	})
}

func (p *Postgres) ListPartitions(ctx context.Context) ([]time.Time, error) {
	var names []string
	_, err := p.db.QueryContext(ctx, &names, `
		SELECT c.relname FROM pg_inherits i
		JOIN pg_class c ON c.oid = i.inhrelid
		JOIN pg_class parent ON parent.oid = i.inhparent
		WHERE parent.relname = 'payhash_buckets'`)
	if err != nil {
		return nil, err
	}
	var days []time.Time
	for _, name := range names {
		if !strings.HasPrefix(name, partitionPrefix) {
			continue
		}
		day, err := time.Parse("20060102", strings.TrimPrefix(name, partitionPrefix))
		if err != nil {
			log.Warnf("Ignoring unexpected partition %s", name)
			continue
		}
		days = append(days, day.UTC())
	}
	return days, nil
}

// ownership

func (p *Postgres) SelectActiveWorkerIds(ctx context.Context) ([]string, error) {
	var bindings []model.WorkerBinding
	if err := p.db.ModelContext(ctx, &bindings).Column("worker_id").Where("active = TRUE").Select(); err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(bindings))
	for _, b := range bindings {
		ids = append(ids, b.WorkerId)
	}
	return ids, nil
}

func (p *Postgres) SelectBindingsByWorkerIds(ctx context.Context, workerIds []string) ([]model.WorkerBinding, error) {
	var bindings []model.WorkerBinding
	if len(workerIds) == 0 {
		return bindings, nil
	}
	err := p.db.ModelContext(ctx, &bindings).
		Where("worker_id IN (?)", pg.In(workerIds)).
		Where("active = TRUE").
		Select()
	return bindings, err
}

// ingestion

// InsertPayments 写入打款, 已存在的交易忽略
func (p *Postgres) InsertPayments(ctx context.Context, payments []model.IncomingPayment) (int, error) {
	if len(payments) == 0 {
		return 0, nil
	}
	res, err := p.db.ModelContext(ctx, &payments).OnConflict("(tx_hash) DO NOTHING").Insert()
	if err != nil {
		return 0, err
	}
	return res.RowsAffected(), nil
}

func (p *Postgres) InsertSnapshot(ctx context.Context, snapshot *model.AccountSnapshot) error {
	_, err := p.db.ModelContext(ctx, snapshot).Insert()
	return err
}

// settlement

func (p *Postgres) InTx(ctx context.Context, fn func(tx settlement.Tx) error) error {
	return p.db.RunInTransaction(ctx, func(tx *pg.Tx) error {
		return fn(&pgTx{tx: tx})
	})
}

func (p *Postgres) ListRecords(ctx context.Context, cadence, account, coin string, since time.Time) ([]model.SettlementRecord, error) {
	var records []model.SettlementRecord
	err := p.db.ModelContext(ctx, &records).
		Where("cadence = ?", cadence).
		Where("account = ?", account).
		Where("coin = ?", coin).
		Where("window_start >= ?", since).
		Order("window_start ASC").
		Select()
	return records, err
}

func (p *Postgres) SaveRecord(ctx context.Context, rec *model.SettlementRecord) error {
	row := *rec
	row.Id = 0
	_, err := p.db.ModelContext(ctx, &row).
		OnConflict("(cadence, account, coin, window_start) DO UPDATE").
		Set("status = EXCLUDED.status").
		Set("attempts = EXCLUDED.attempts").
		Set("retry_after = EXCLUDED.retry_after").
		Set("last_error = EXCLUDED.last_error").
		Set("allocation_source = EXCLUDED.allocation_source").
		Set("updated_at = EXCLUDED.updated_at").
		Returning("id").
		Insert()
	if err != nil {
		return err
	}
	rec.Id = row.Id
	return nil
}

func (p *Postgres) UnsettledPaymentTimes(ctx context.Context, account, coin string, before time.Time) ([]time.Time, error) {
	var payments []model.IncomingPayment
	err := p.db.ModelContext(ctx, &payments).
		Column("id", "arrived_at").
		Where("account = ?", account).
		Where("coin = ?", coin).
		Where("settled = FALSE").
		Where("arrived_at < ?", before).
		Order("arrived_at ASC").
		Select()
	if err != nil {
		return nil, err
	}
	times := make([]time.Time, 0, len(payments))
	for _, p := range payments {
		times = append(times, p.ArrivedAt)
	}
	return times, nil
}

func (p *Postgres) SnapshotsBetween(ctx context.Context, account, coin string, start, end time.Time) ([]model.AccountSnapshot, error) {
	var snapshots []model.AccountSnapshot
	err := p.db.ModelContext(ctx, &snapshots).
		Where("account = ?", account).
		Where("coin = ?", coin).
		Where("taken_at >= ?", start).
		Where("taken_at < ?", end).
		Order("taken_at ASC").
		Select()
	return snapshots, err
}

type pgTx struct {
	tx *pg.Tx
}

func (t *pgTx) ClaimRecord(ctx context.Context, rec *model.SettlementRecord, now time.Time) (bool, error) {
	res, err := t.tx.ModelContext(ctx, rec).OnConflict("DO NOTHING").Insert()
	if err != nil {
		return false, err
	}
	if res.RowsAffected() > 0 {
		return true, nil
	}

	// 重试冷却已过的失败窗口
	res, err = t.tx.ModelContext(ctx, rec).
		Set("status = ?", model.SettlementStatusProcessing).
		Set("attempts = ?TableAlias.attempts + 1").
		Set("updated_at = ?", now).
		Where("cadence = ?", rec.Cadence).
		Where("account = ?", rec.Account).
		Where("coin = ?", rec.Coin).
		Where("window_start = ?", rec.WindowStart).
		Where("status IN (?)", pg.In([]string{model.SettlementStatusFailed, model.SettlementStatusSkipped})).
		Where("retry_after IS NOT NULL").
		Where("retry_after <= ?", now).
		Returning("*").
		Update()
	if err == pg.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return res.RowsAffected() > 0, nil
}

func (t *pgTx) UpdateRecord(ctx context.Context, rec *model.SettlementRecord) error {
	_, err := t.tx.ModelContext(ctx, rec).WherePK().Update()
	return err
}

func (t *pgTx) UnsettledPayments(ctx context.Context, account, coin string, start, end time.Time) ([]model.IncomingPayment, error) {
	var payments []model.IncomingPayment
	err := t.tx.ModelContext(ctx, &payments).
		Where("account = ?", account).
		Where("coin = ?", coin).
		Where("settled = FALSE").
		Where("arrived_at >= ?", start).
		Where("arrived_at < ?", end).
		Order("id ASC").
		For("UPDATE").
		Select()
	return payments, err
}

func (t *pgTx) MarkPaymentsSettled(ctx context.Context, ids []uint64, at time.Time) error {
	if len(ids) == 0 {
		return nil
	}
	res, err := t.tx.ModelContext(ctx, (*model.IncomingPayment)(nil)).
		Set("settled = TRUE").
		Set("settled_at = ?", at).
		Where("id IN (?)", pg.In(ids)).
		Where("settled = FALSE").
		Update()
	if err != nil {
		return err
	}
	if res.RowsAffected() != len(ids) {
		return fmt.Errorf("settled %d of %d payments", res.RowsAffected(), len(ids))
	}
	return nil
}

func (t *pgTx) SnapshotAt(ctx context.Context, account, coin string, at time.Time, tolerance time.Duration) (*model.AccountSnapshot, error) {
	var snapshot model.AccountSnapshot
	err := t.tx.ModelContext(ctx, &snapshot).
		Where("account = ?", account).
		Where("coin = ?", coin).
		Where("taken_at <= ?", at).
		Where("taken_at >= ?", at.Add(-tolerance)).
		Order("taken_at DESC").
		Limit(1).
		Select()
	if err == pg.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &snapshot, nil
}

type telemetryScore struct {
	UserId int64           `pg:"user_id"`
	Score  decimal.Decimal `pg:"score,type:numeric"`
}

func (t *pgTx) TelemetryScores(ctx context.Context, family string, start, end time.Time) (map[int64]int64, error) {
	var rows []telemetryScore
	err := t.tx.ModelContext(ctx, (*model.DeviceHashrate)(nil)).
		Column("user_id").
		ColumnExpr("SUM(hashrate) AS score").
		Where("family = ?", family).
		Where("reported_at >= ?", start).
		Where("reported_at < ?", end).
		Group("user_id").
		Select(&rows)
	if err != nil {
		return nil, err
	}
	out := make(map[int64]int64, len(rows))
	for _, r := range rows {
		out[r.UserId] = r.Score.Round(0).IntPart()
	}
	return out, nil
}

func (t *pgTx) Referral(ctx context.Context, userId int64) (*model.Referral, error) {
	var ref model.Referral
	err := t.tx.ModelContext(ctx, &ref).Where("user_id = ?", userId).Select()
	if err == pg.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &ref, nil
}

func (t *pgTx) SumLedger(ctx context.Context, userId int64, party, category, currency string, since time.Time) (decimal.Decimal, error) {
	var sum decimal.Decimal
	err := t.tx.ModelContext(ctx, (*model.LedgerEntry)(nil)).
		ColumnExpr("COALESCE(SUM(amount), 0)").
		Where("user_id = ?", userId).
		Where("party = ?", party).
		Where("category = ?", category).
		Where("currency = ?", currency).
		Where("created_at >= ?", since).
		Select(&sum)
	return sum, err
}

func (t *pgTx) DeviceHashrates(ctx context.Context, userId int64, since time.Time) ([]model.DeviceHashrate, error) {
	var rows []model.DeviceHashrate
	err := t.tx.ModelContext(ctx, &rows).
		Where("user_id = ?", userId).
		Where("reported_at >= ?", since).
		Select()
	return rows, err
}

func (t *pgTx) InsertLedger(ctx context.Context, entries ...model.LedgerEntry) error {
	if len(entries) == 0 {
		return nil
	}
	_, err := t.tx.ModelContext(ctx, &entries).Insert()
	return err
}

func (t *pgTx) InsertEarnings(ctx context.Context, rows ...model.EarningsRecord) error {
	if len(rows) == 0 {
		return nil
	}
	_, err := t.tx.ModelContext(ctx, &rows).Insert()
	return err
}

// AddBalance 更新余额
func (t *pgTx) AddBalance(ctx context.Context, userId int64, currency string, amount decimal.Decimal, at time.Time) error {
	balance := &model.Balance{
		UserId:    userId,
		Currency:  currency,
		Amount:    amount,
		CreatedAt: at,
		UpdatedAt: at,
	}
	_, err := t.tx.ModelContext(ctx, balance).
		OnConflict("(user_id, currency) DO UPDATE").
		Set("amount = ?TableAlias.amount + EXCLUDED.amount").
		Set("updated_at = EXCLUDED.updated_at").
		Insert()
	return err
}
