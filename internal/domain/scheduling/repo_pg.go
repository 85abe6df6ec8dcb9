package scheduling

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/AssilM/CarnetDeSante-sub003/internal/platform/db"
)

// PostgreSQL error codes the scheduling schema can raise.
const (
	pgForeignKeyViolation = "23503"
	pgUniqueViolation     = "23505"
	pgCheckViolation      = "23514"
	pgExclusionViolation  = "23P01"
	pgSerializationFail   = "40001"
)

// pgDomainError maps storage failures that have a domain meaning. The bool
// is false for everything else. A serialization failure keeps the driver
// error and is only turned into a slot conflict by the booking paths.
func pgDomainError(err error) (error, bool) {
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound, true
	}
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return nil, false
	}
	switch pgErr.Code {
	case pgForeignKeyViolation:
		return &ReferenceError{Constraint: pgErr.ConstraintName}, true
	case pgUniqueViolation:
		return ErrDuplicateAppointment, true
	case pgExclusionViolation:
		return &ConflictError{}, true
	case pgSerializationFail:
		return fmt.Errorf("%w: %w", errSerialization, err), true
	case pgCheckViolation:
		return invalidField("appointment", "violates "+pgErr.ConstraintName), true
	}
	return nil, false
}

// translateError returns the domain error for err, or err wrapped with op.
func translateError(op string, err error) error {
	if err == nil {
		return nil
	}
	if derr, ok := pgDomainError(err); ok {
		return derr
	}
	return fmt.Errorf("%s: %w", op, err)
}

func dateParam(d Date) pgtype.Date {
	return pgtype.Date{Time: d.Time(), Valid: true}
}

func clockParam(c ClockTime) pgtype.Time {
	return pgtype.Time{Microseconds: int64(c) * 1_000_000, Valid: true}
}

func clockFrom(t pgtype.Time) ClockTime {
	return ClockTime(t.Microseconds / 1_000_000)
}

// =========== Transactions ===========

type pgTransactor struct{ runner *db.TxRunner }

// NewPGTransactor adapts a db.TxRunner so that failures raised at commit
// (serialization, deferred constraints) come back as domain errors.
func NewPGTransactor(runner *db.TxRunner) Transactor { return &pgTransactor{runner: runner} }

func (t *pgTransactor) WithinTx(ctx context.Context, fn func(ctx context.Context) error) error {
	err := t.runner.WithinTx(ctx, fn)
	if derr, ok := pgDomainError(err); ok {
		return derr
	}
	return err
}

// =========== Appointment Repository ===========

type appointmentRepoPG struct{ pool *pgxpool.Pool }

func NewAppointmentRepoPG(pool *pgxpool.Pool) AppointmentRepository {
	return &appointmentRepoPG{pool: pool}
}

func (r *appointmentRepoPG) conn(ctx context.Context) db.Querier {
	return db.Conn(ctx, r.pool)
}

const apptCols = `id, patient_id, doctor_id, date, start_time, duration, status,
	reason, address, created_at, updated_at`

func (r *appointmentRepoPG) scanAppt(row pgx.Row) (*Appointment, error) {
	var (
		a     Appointment
		date  pgtype.Date
		start pgtype.Time
	)
	err := row.Scan(&a.ID, &a.PatientID, &a.DoctorID, &date, &start, &a.Duration, &a.Status,
		&a.Reason, &a.Address, &a.CreatedAt, &a.UpdatedAt)
	if err != nil {
		return nil, err
	}
	a.Date = DateOf(date.Time)
	a.StartTime = clockFrom(start)
	return &a, nil
}

func (r *appointmentRepoPG) Create(ctx context.Context, a *Appointment) error {
	err := r.conn(ctx).QueryRow(ctx, `
		INSERT INTO appointments (patient_id, doctor_id, date, start_time, duration, status, reason, address)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
		RETURNING id, created_at, updated_at`,
		a.PatientID, a.DoctorID, dateParam(a.Date), clockParam(a.StartTime), a.Duration, a.Status,
		a.Reason, a.Address,
	).Scan(&a.ID, &a.CreatedAt, &a.UpdatedAt)
	return translateError("insert appointment", err)
}

func (r *appointmentRepoPG) GetByID(ctx context.Context, id int64) (*Appointment, error) {
	a, err := r.scanAppt(r.conn(ctx).QueryRow(ctx, `SELECT `+apptCols+` FROM appointments WHERE id = $1`, id))
	if err != nil {
		return nil, translateError("get appointment", err)
	}
	return a, nil
}

// patchAssignments turns the present fields of p into "column = $n" pairs,
// numbered from first, in a fixed column order.
func patchAssignments(p *Patch, first int) ([]string, []any) {
	var (
		sets []string
		args []any
	)
	add := func(col string, v any) {
		sets = append(sets, fmt.Sprintf("%s = $%d", col, first+len(args)))
		args = append(args, v)
	}
	if p.PatientID != nil {
		add("patient_id", *p.PatientID)
	}
	if p.DoctorID != nil {
		add("doctor_id", *p.DoctorID)
	}
	if p.Date != nil {
		add("date", dateParam(*p.Date))
	}
	if p.StartTime != nil {
		add("start_time", clockParam(*p.StartTime))
	}
	if p.Duration != nil {
		add("duration", *p.Duration)
	}
	if p.Reason != nil {
		add("reason", *p.Reason)
	}
	if p.Address != nil {
		add("address", *p.Address)
	}
	return sets, args
}

func (r *appointmentRepoPG) Update(ctx context.Context, id int64, p *Patch) (*Appointment, error) {
	sets, args := patchAssignments(p, 2)
	if len(sets) == 0 {
		return r.GetByID(ctx, id)
	}
	sets = append(sets, "updated_at = NOW()")
	query := `UPDATE appointments SET ` + strings.Join(sets, ", ") + ` WHERE id = $1 RETURNING ` + apptCols

	a, err := r.scanAppt(r.conn(ctx).QueryRow(ctx, query, append([]any{id}, args...)...))
	if err != nil {
		return nil, translateError("update appointment", err)
	}
	return a, nil
}

func (r *appointmentRepoPG) UpdateStatus(ctx context.Context, id int64, status Status) (*Appointment, error) {
	a, err := r.scanAppt(r.conn(ctx).QueryRow(ctx, `
		UPDATE appointments SET status = $2, updated_at = NOW()
		WHERE id = $1
		RETURNING `+apptCols, id, status))
	if err != nil {
		return nil, translateError("update appointment status", err)
	}
	return a, nil
}

func (r *appointmentRepoPG) Delete(ctx context.Context, id int64) (bool, error) {
	tag, err := r.conn(ctx).Exec(ctx, `DELETE FROM appointments WHERE id = $1`, id)
	if err != nil {
		return false, translateError("delete appointment", err)
	}
	return tag.RowsAffected() > 0, nil
}

func (r *appointmentRepoPG) ListActiveByDoctorDate(ctx context.Context, doctorID int64, date Date, excludeID int64) ([]*Appointment, error) {
	rows, err := r.conn(ctx).Query(ctx, `SELECT `+apptCols+` FROM appointments
		WHERE doctor_id = $1 AND date = $2 AND status <> $3 AND ($4::bigint = 0 OR id <> $4::bigint)
		ORDER BY start_time`,
		doctorID, dateParam(date), StatusCancelled, excludeID)
	if err != nil {
		return nil, translateError("list doctor appointments", err)
	}
	defer rows.Close()
	return r.collect(rows)
}

func (r *appointmentRepoPG) collect(rows pgx.Rows) ([]*Appointment, error) {
	var items []*Appointment
	for rows.Next() {
		a, err := r.scanAppt(rows)
		if err != nil {
			return nil, fmt.Errorf("scan appointment: %w", err)
		}
		items = append(items, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate appointments: %w", err)
	}
	return items, nil
}

// listConditions renders the filter as a WHERE clause with positional args.
func listConditions(f ListFilter) (string, []any) {
	var (
		conds []string
		args  []any
	)
	add := func(expr string, v any) {
		conds = append(conds, fmt.Sprintf(expr, len(args)+1))
		args = append(args, v)
	}
	if f.PatientID != 0 {
		add("patient_id = $%d", f.PatientID)
	}
	if f.DoctorID != 0 {
		add("doctor_id = $%d", f.DoctorID)
	}
	if f.Status != "" {
		add("status = $%d", f.Status)
	}
	if !f.From.IsZero() {
		add("date >= $%d", dateParam(f.From))
	}
	if !f.To.IsZero() {
		add("date <= $%d", dateParam(f.To))
	}
	if len(conds) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(conds, " AND "), args
}

func (r *appointmentRepoPG) List(ctx context.Context, f ListFilter, limit, offset int) ([]*Appointment, int, error) {
	where, args := listConditions(f)

	var total int
	if err := r.conn(ctx).QueryRow(ctx, `SELECT COUNT(*) FROM appointments`+where, args...).Scan(&total); err != nil {
		return nil, 0, translateError("count appointments", err)
	}

	n := len(args)
	query := fmt.Sprintf(`SELECT %s FROM appointments%s ORDER BY date, start_time, id LIMIT $%d OFFSET $%d`,
		apptCols, where, n+1, n+2)
	rows, err := r.conn(ctx).Query(ctx, query, append(args, limit, offset)...)
	if err != nil {
		return nil, 0, translateError("list appointments", err)
	}
	defer rows.Close()

	items, err := r.collect(rows)
	if err != nil {
		return nil, 0, err
	}
	return items, total, nil
}

// =========== Availability Repository ===========

type availabilityRepoPG struct{ pool *pgxpool.Pool }

func NewAvailabilityRepoPG(pool *pgxpool.Pool) AvailabilityRepository {
	return &availabilityRepoPG{pool: pool}
}

func (r *availabilityRepoPG) conn(ctx context.Context) db.Querier {
	return db.Conn(ctx, r.pool)
}

const windowCols = `id, doctor_id, day, start_time, end_time, created_at`

func (r *availabilityRepoPG) scanWindow(row pgx.Row) (*AvailabilityWindow, error) {
	var (
		w          AvailabilityWindow
		day        string
		start, end pgtype.Time
	)
	if err := row.Scan(&w.ID, &w.DoctorID, &day, &start, &end, &w.CreatedAt); err != nil {
		return nil, err
	}
	wd, err := ParseWeekday(day)
	if err != nil {
		return nil, fmt.Errorf("availability window %d: %w", w.ID, err)
	}
	w.Day = wd
	w.StartTime = clockFrom(start)
	w.EndTime = clockFrom(end)
	return &w, nil
}

func (r *availabilityRepoPG) list(ctx context.Context, query string, args ...any) ([]*AvailabilityWindow, error) {
	rows, err := r.conn(ctx).Query(ctx, query, args...)
	if err != nil {
		return nil, translateError("list availability windows", err)
	}
	defer rows.Close()

	var items []*AvailabilityWindow
	for rows.Next() {
		w, err := r.scanWindow(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, w)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate availability windows: %w", err)
	}
	return items, nil
}

func (r *availabilityRepoPG) ListByDoctorDay(ctx context.Context, doctorID int64, day Weekday) ([]*AvailabilityWindow, error) {
	return r.list(ctx, `SELECT `+windowCols+` FROM availability_windows
		WHERE doctor_id = $1 AND day = $2 ORDER BY start_time`, doctorID, day.String())
}

func (r *availabilityRepoPG) ListByDoctor(ctx context.Context, doctorID int64) ([]*AvailabilityWindow, error) {
	return r.list(ctx, `SELECT `+windowCols+` FROM availability_windows
		WHERE doctor_id = $1
		ORDER BY array_position(ARRAY['lundi','mardi','mercredi','jeudi','vendredi','samedi','dimanche']::text[], day::text), start_time`,
		doctorID)
}

func (r *availabilityRepoPG) Create(ctx context.Context, w *AvailabilityWindow) error {
	err := r.conn(ctx).QueryRow(ctx, `
		INSERT INTO availability_windows (doctor_id, day, start_time, end_time)
		VALUES ($1,$2,$3,$4)
		RETURNING id, created_at`,
		w.DoctorID, w.Day.String(), clockParam(w.StartTime), clockParam(w.EndTime),
	).Scan(&w.ID, &w.CreatedAt)
	return translateError("insert availability window", err)
}

func (r *availabilityRepoPG) Delete(ctx context.Context, doctorID, id int64) (bool, error) {
	tag, err := r.conn(ctx).Exec(ctx, `DELETE FROM availability_windows WHERE id = $1 AND doctor_id = $2`, id, doctorID)
	if err != nil {
		return false, translateError("delete availability window", err)
	}
	return tag.RowsAffected() > 0, nil
}
