package orders

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// PredecessorFields are the authoritative persisted values of a predecessor
// order, read raw from storage so that chain-consistency checks cannot be
// fooled by a stale or mutated in-memory copy.
type PredecessorFields struct {
	PatientID     uuid.UUID
	CareSettingID uuid.UUID
	ConceptID     uuid.UUID
	DrugID        *uuid.UUID
	TypeID        uuid.UUID
}

type Repository interface {
	// Save inserts the order when ID is unset, otherwise updates it.
	Save(ctx context.Context, o *Order) error
	Get(ctx context.Context, id uuid.UUID) (*Order, error)
	GetByNumber(ctx context.Context, number string) (*Order, error)
	// GetActiveOrders returns the patient's orders active as of asOf,
	// optionally restricted to the given order types and care setting.
	GetActiveOrders(ctx context.Context, patientID uuid.UUID, typeIDs []uuid.UUID, careSettingID *uuid.UUID, asOf time.Time) ([]*Order, error)
	GetOrders(ctx context.Context, patientID uuid.UUID, careSettingID *uuid.UUID, typeIDs []uuid.UUID, includeVoided bool) ([]*Order, error)
	// RawPredecessorFields reads the identifying fields of an order directly
	// from storage, bypassing any transaction- or cache-local view.
	RawPredecessorFields(ctx context.Context, id uuid.UUID) (*PredecessorFields, error)
	// NextSequenceValue increments and returns the order-number seed in its
	// own unit of work, durable regardless of the surrounding save.
	NextSequenceValue(ctx context.Context) (int64, error)
	GetDiscontinuationOrder(ctx context.Context, id uuid.UUID) (*Order, error)
	GetRevisionOrder(ctx context.Context, id uuid.UUID) (*Order, error)
	// Delete physically removes the order. Administrative cleanup only.
	Delete(ctx context.Context, id uuid.UUID) error
}

type TypeRepository interface {
	Get(ctx context.Context, id uuid.UUID) (*OrderType, error)
	GetByName(ctx context.Context, name string) (*OrderType, error)
	GetByConceptClass(ctx context.Context, classID uuid.UUID) (*OrderType, error)
	GetChildren(ctx context.Context, parentID uuid.UUID, includeRetired bool) ([]*OrderType, error)
	List(ctx context.Context, includeRetired bool) ([]*OrderType, error)
}

type CareSettingRepository interface {
	Get(ctx context.Context, id uuid.UUID) (*CareSetting, error)
	GetByName(ctx context.Context, name string) (*CareSetting, error)
	List(ctx context.Context, includeRetired bool) ([]*CareSetting, error)
}

// ConceptDirectory is the boundary to the concept dictionary, which this
// subsystem does not own.
type ConceptDirectory interface {
	// ConceptForDrug returns the concept a drug is formulated for.
	ConceptForDrug(ctx context.Context, drugID uuid.UUID) (uuid.UUID, error)
	// ClassOfConcept returns the classification of a concept, used to map an
	// orderable to its order type.
	ClassOfConcept(ctx context.Context, conceptID uuid.UUID) (uuid.UUID, error)
}
