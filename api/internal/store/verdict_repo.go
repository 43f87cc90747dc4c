package store

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"threat-bot/api/internal/fingerprint"
	"threat-bot/api/internal/threat"
)

var ErrNotFound = sql.ErrNoRows

const schema = `
create table if not exists threat_verdicts (
	image_hash  text        not null,
	engine      text        not null,
	model       text        not null,
	dangerous   boolean     not null,
	description text        not null default '',
	created_at  timestamptz not null default now(),
	primary key (image_hash, engine, model)
)`

type VerdictRepo struct{ DB *sql.DB }

func NewVerdictRepo(db *sql.DB) *VerdictRepo { return &VerdictRepo{DB: db} }

func (r *VerdictRepo) EnsureSchema(ctx context.Context) error {
	_, err := r.DB.ExecContext(ctx, schema)
	return err
}

// Find возвращает сохранённый вердикт для (imageHash, engine, model).
// Если maxAge > 0 и запись старше, вернёт ErrNotFound (чтобы вызвать модель заново).
func (r *VerdictRepo) Find(ctx context.Context, sum fingerprint.Sum, engine, model string, maxAge time.Duration) (threat.Result, error) {
	const q = `select dangerous, description, created_at
	           from threat_verdicts
	           where image_hash=$1 and engine=$2 and model=$3`
	var (
		res threat.Result
		ts  time.Time
	)
	err := r.DB.QueryRowContext(ctx, q, sum.String(), engine, model).Scan(&res.Dangerous, &res.Description, &ts)
	if err != nil {
		return threat.Result{}, err
	}
	if maxAge > 0 && time.Since(ts) > maxAge {
		return threat.Result{}, ErrNotFound
	}
	if !res.Dangerous {
		res.Description = ""
	}
	return res, nil
}

// Upsert сохраняет/обновляет вердикт.
// PK: (image_hash, engine, model).
func (r *VerdictRepo) Upsert(ctx context.Context, sum fingerprint.Sum, engine, model string, res threat.Result) error {
	const q = `
insert into threat_verdicts(image_hash, engine, model, dangerous, description)
values ($1,$2,$3,$4,$5)
on conflict (image_hash, engine, model)
do update set dangerous=excluded.dangerous, description=excluded.description, created_at=now()`
	_, err := r.DB.ExecContext(ctx, q, sum.String(), engine, model, res.Dangerous, res.Description)
	return err
}

// Delete убирает вердикт, например после ручной проверки оператором.
func (r *VerdictRepo) Delete(ctx context.Context, sum fingerprint.Sum) (int64, error) {
	res, err := r.DB.ExecContext(ctx, `delete from threat_verdicts where image_hash=$1`, sum.String())
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func isNotFound(err error) bool { return errors.Is(err, ErrNotFound) }
