package orders

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/emr/emr/internal/platform/db"
)

type queryable interface {
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
	Exec(ctx context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error)
}

// =========== Order Repository ===========

type orderRepoPG struct{ pool *pgxpool.Pool }

func NewOrderRepoPG(pool *pgxpool.Pool) Repository {
	return &orderRepoPG{pool: pool}
}

func (r *orderRepoPG) conn(ctx context.Context) queryable {
	if tx := db.TxFromContext(ctx); tx != nil {
		return tx
	}
	return r.pool
}

const orderCols = `id, order_number, variant, order_type_id, care_setting_id, concept_id, drug_id,
	patient_id, orderer_id, encounter_id, action, previous_order_id,
	date_activated, date_stopped, auto_expire_date,
	reason_concept_id, reason_non_coded, instructions,
	voided, void_reason, created_at, updated_at`

func scanOrder(row pgx.Row) (*Order, error) {
	var o Order
	var stopped *time.Time
	var number string
	err := row.Scan(&o.ID, &number, &o.Variant, &o.TypeID, &o.CareSettingID, &o.ConceptID, &o.DrugID,
		&o.PatientID, &o.OrdererID, &o.EncounterID, &o.Action, &o.PreviousOrderID,
		&o.DateActivated, &stopped, &o.AutoExpireDate,
		&o.ReasonConceptID, &o.ReasonNonCoded, &o.Instructions,
		&o.Voided, &o.VoidReason, &o.CreatedAt, &o.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, newError(CodeNotFound, "order not found")
		}
		return nil, err
	}
	o.setOrderNumber(number)
	o.setDateStopped(stopped)
	return &o, nil
}

func (r *orderRepoPG) Save(ctx context.Context, o *Order) error {
	if o.ID == uuid.Nil {
		o.ID = uuid.New()
		_, err := r.conn(ctx).Exec(ctx, `
			INSERT INTO orders (id, order_number, variant, order_type_id, care_setting_id, concept_id, drug_id,
				patient_id, orderer_id, encounter_id, action, previous_order_id,
				date_activated, date_stopped, auto_expire_date,
				reason_concept_id, reason_non_coded, instructions, voided, void_reason)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20)`,
			o.ID, o.OrderNumber(), o.Variant, o.TypeID, o.CareSettingID, o.ConceptID, o.DrugID,
			o.PatientID, o.OrdererID, o.EncounterID, o.Action, o.PreviousOrderID,
			o.DateActivated, o.DateStopped(), o.AutoExpireDate,
			o.ReasonConceptID, o.ReasonNonCoded, o.Instructions, o.Voided, o.VoidReason)
		if err != nil {
			o.ID = uuid.Nil
		}
		return err
	}
	// order_number is immutable once assigned; it is deliberately absent
	// from the update list.
	_, err := r.conn(ctx).Exec(ctx, `
		UPDATE orders SET date_stopped=$2, auto_expire_date=$3,
			reason_concept_id=$4, reason_non_coded=$5, instructions=$6,
			voided=$7, void_reason=$8, updated_at=NOW()
		WHERE id = $1`,
		o.ID, o.DateStopped(), o.AutoExpireDate,
		o.ReasonConceptID, o.ReasonNonCoded, o.Instructions, o.Voided, o.VoidReason)
	return err
}

func (r *orderRepoPG) Get(ctx context.Context, id uuid.UUID) (*Order, error) {
	return scanOrder(r.conn(ctx).QueryRow(ctx, `SELECT `+orderCols+` FROM orders WHERE id = $1`, id))
}

func (r *orderRepoPG) GetByNumber(ctx context.Context, number string) (*Order, error) {
	return scanOrder(r.conn(ctx).QueryRow(ctx, `SELECT `+orderCols+` FROM orders WHERE order_number = $1`, number))
}

// activeWhere expresses the derived ACTIVE state in SQL: not voided, not a
// discontinuation record, started, and neither stopped nor expired as of the
// given date.
const activeWhere = ` AND NOT voided
	AND action <> 'DISCONTINUE'
	AND date_activated <= $2
	AND (date_stopped IS NULL OR date_stopped >= $2)
	AND (auto_expire_date IS NULL OR auto_expire_date >= $2)`

func (r *orderRepoPG) GetActiveOrders(ctx context.Context, patientID uuid.UUID, typeIDs []uuid.UUID, careSettingID *uuid.UUID, asOf time.Time) ([]*Order, error) {
	query := `SELECT ` + orderCols + ` FROM orders WHERE patient_id = $1` + activeWhere
	args := []interface{}{patientID, asOf}
	idx := 3
	if careSettingID != nil {
		query += fmt.Sprintf(` AND care_setting_id = $%d`, idx)
		args = append(args, *careSettingID)
		idx++
	}
	if len(typeIDs) > 0 {
		query += fmt.Sprintf(` AND order_type_id = ANY($%d)`, idx)
		args = append(args, typeIDs)
	}
	query += ` ORDER BY date_activated DESC, created_at DESC`
	return r.queryOrders(ctx, query, args...)
}

func (r *orderRepoPG) GetOrders(ctx context.Context, patientID uuid.UUID, careSettingID *uuid.UUID, typeIDs []uuid.UUID, includeVoided bool) ([]*Order, error) {
	query := `SELECT ` + orderCols + ` FROM orders WHERE patient_id = $1`
	args := []interface{}{patientID}
	idx := 2
	if careSettingID != nil {
		query += fmt.Sprintf(` AND care_setting_id = $%d`, idx)
		args = append(args, *careSettingID)
		idx++
	}
	if len(typeIDs) > 0 {
		query += fmt.Sprintf(` AND order_type_id = ANY($%d)`, idx)
		args = append(args, typeIDs)
	}
	if !includeVoided {
		query += ` AND NOT voided`
	}
	query += ` ORDER BY date_activated DESC, created_at DESC`
	return r.queryOrders(ctx, query, args...)
}

func (r *orderRepoPG) queryOrders(ctx context.Context, query string, args ...interface{}) ([]*Order, error) {
	rows, err := r.conn(ctx).Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var items []*Order
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, o)
	}
	return items, rows.Err()
}

// RawPredecessorFields reads straight from the pool, never through a
// caller-held transaction, so the chain-consistency check sees the committed
// row and not a transaction-local or cached view.
func (r *orderRepoPG) RawPredecessorFields(ctx context.Context, id uuid.UUID) (*PredecessorFields, error) {
	var f PredecessorFields
	err := r.pool.QueryRow(ctx, `
		SELECT patient_id, care_setting_id, concept_id, drug_id, order_type_id
		FROM orders WHERE id = $1`, id).
		Scan(&f.PatientID, &f.CareSettingID, &f.ConceptID, &f.DrugID, &f.TypeID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, newError(CodeNotFound, "previous order %s not found", id)
		}
		return nil, err
	}
	return &f, nil
}

// NextSequenceValue draws from a Postgres sequence on the pool itself.
// Sequence increments are never rolled back, which is exactly the durability
// the numbering protocol requires: a failed save burns a number rather than
// reusing one.
func (r *orderRepoPG) NextSequenceValue(ctx context.Context) (int64, error) {
	var seq int64
	err := r.pool.QueryRow(ctx, `SELECT nextval('order_number_seq')`).Scan(&seq)
	return seq, err
}

func (r *orderRepoPG) GetDiscontinuationOrder(ctx context.Context, id uuid.UUID) (*Order, error) {
	return scanOrder(r.conn(ctx).QueryRow(ctx, `
		SELECT `+orderCols+` FROM orders
		WHERE previous_order_id = $1 AND action = 'DISCONTINUE' AND NOT voided`, id))
}

func (r *orderRepoPG) GetRevisionOrder(ctx context.Context, id uuid.UUID) (*Order, error) {
	return scanOrder(r.conn(ctx).QueryRow(ctx, `
		SELECT `+orderCols+` FROM orders
		WHERE previous_order_id = $1 AND action = 'REVISE' AND NOT voided`, id))
}

func (r *orderRepoPG) Delete(ctx context.Context, id uuid.UUID) error {
	_, err := r.conn(ctx).Exec(ctx, `DELETE FROM orders WHERE id = $1`, id)
	return err
}

// =========== OrderType Repository ===========

type typeRepoPG struct{ pool *pgxpool.Pool }

func NewTypeRepoPG(pool *pgxpool.Pool) TypeRepository {
	return &typeRepoPG{pool: pool}
}

func (r *typeRepoPG) conn(ctx context.Context) queryable {
	if tx := db.TxFromContext(ctx); tx != nil {
		return tx
	}
	return r.pool
}

const typeCols = `id, name, variant, parent_id, retired`

func scanType(row pgx.Row) (*OrderType, error) {
	var t OrderType
	err := row.Scan(&t.ID, &t.Name, &t.Variant, &t.ParentID, &t.Retired)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, newError(CodeNotFound, "order type not found")
		}
		return nil, err
	}
	return &t, nil
}

func (r *typeRepoPG) Get(ctx context.Context, id uuid.UUID) (*OrderType, error) {
	return scanType(r.conn(ctx).QueryRow(ctx, `SELECT `+typeCols+` FROM order_type WHERE id = $1`, id))
}

func (r *typeRepoPG) GetByName(ctx context.Context, name string) (*OrderType, error) {
	return scanType(r.conn(ctx).QueryRow(ctx, `SELECT `+typeCols+` FROM order_type WHERE name = $1`, name))
}

func (r *typeRepoPG) GetByConceptClass(ctx context.Context, classID uuid.UUID) (*OrderType, error) {
	return scanType(r.conn(ctx).QueryRow(ctx, `
		SELECT t.id, t.name, t.variant, t.parent_id, t.retired
		FROM order_type t
		JOIN order_type_concept_class cc ON cc.order_type_id = t.id
		WHERE cc.concept_class_id = $1`, classID))
}

func (r *typeRepoPG) GetChildren(ctx context.Context, parentID uuid.UUID, includeRetired bool) ([]*OrderType, error) {
	query := `SELECT ` + typeCols + ` FROM order_type WHERE parent_id = $1`
	if !includeRetired {
		query += ` AND NOT retired`
	}
	return r.queryTypes(ctx, query+` ORDER BY name`, parentID)
}

func (r *typeRepoPG) List(ctx context.Context, includeRetired bool) ([]*OrderType, error) {
	query := `SELECT ` + typeCols + ` FROM order_type`
	if !includeRetired {
		query += ` WHERE NOT retired`
	}
	return r.queryTypes(ctx, query+` ORDER BY name`)
}

func (r *typeRepoPG) queryTypes(ctx context.Context, query string, args ...interface{}) ([]*OrderType, error) {
	rows, err := r.conn(ctx).Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var items []*OrderType
	for rows.Next() {
		t, err := scanType(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, t)
	}
	return items, rows.Err()
}

// =========== CareSetting Repository ===========

type careSettingRepoPG struct{ pool *pgxpool.Pool }

func NewCareSettingRepoPG(pool *pgxpool.Pool) CareSettingRepository {
	return &careSettingRepoPG{pool: pool}
}

func (r *careSettingRepoPG) conn(ctx context.Context) queryable {
	if tx := db.TxFromContext(ctx); tx != nil {
		return tx
	}
	return r.pool
}

func scanCareSetting(row pgx.Row) (*CareSetting, error) {
	var cs CareSetting
	err := row.Scan(&cs.ID, &cs.Name, &cs.Retired)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, newError(CodeNotFound, "care setting not found")
		}
		return nil, err
	}
	return &cs, nil
}

func (r *careSettingRepoPG) Get(ctx context.Context, id uuid.UUID) (*CareSetting, error) {
	return scanCareSetting(r.conn(ctx).QueryRow(ctx, `SELECT id, name, retired FROM care_setting WHERE id = $1`, id))
}

func (r *careSettingRepoPG) GetByName(ctx context.Context, name string) (*CareSetting, error) {
	return scanCareSetting(r.conn(ctx).QueryRow(ctx, `SELECT id, name, retired FROM care_setting WHERE name = $1`, name))
}

func (r *careSettingRepoPG) List(ctx context.Context, includeRetired bool) ([]*CareSetting, error) {
	query := `SELECT id, name, retired FROM care_setting`
	if !includeRetired {
		query += ` WHERE NOT retired`
	}
	rows, err := r.conn(ctx).Query(ctx, query+` ORDER BY name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var items []*CareSetting
	for rows.Next() {
		cs, err := scanCareSetting(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, cs)
	}
	return items, rows.Err()
}

// =========== Concept Directory ===========

// conceptDirectoryPG is the thin read-only adapter to the concept dictionary
// tables this subsystem does not own.
type conceptDirectoryPG struct{ pool *pgxpool.Pool }

func NewConceptDirectoryPG(pool *pgxpool.Pool) ConceptDirectory {
	return &conceptDirectoryPG{pool: pool}
}

func (d *conceptDirectoryPG) ConceptForDrug(ctx context.Context, drugID uuid.UUID) (uuid.UUID, error) {
	var conceptID uuid.UUID
	err := d.pool.QueryRow(ctx, `SELECT concept_id FROM drug WHERE id = $1`, drugID).Scan(&conceptID)
	if errors.Is(err, pgx.ErrNoRows) {
		return uuid.Nil, newError(CodeNotFound, "drug %s not found", drugID)
	}
	return conceptID, err
}

func (d *conceptDirectoryPG) ClassOfConcept(ctx context.Context, conceptID uuid.UUID) (uuid.UUID, error) {
	var classID uuid.UUID
	err := d.pool.QueryRow(ctx, `SELECT concept_class_id FROM concept WHERE id = $1`, conceptID).Scan(&classID)
	if errors.Is(err, pgx.ErrNoRows) {
		return uuid.Nil, newError(CodeNotFound, "concept %s not found", conceptID)
	}
	return classID, err
}
