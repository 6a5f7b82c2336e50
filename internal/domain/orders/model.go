package orders

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Action is the role an order plays relative to its predecessor.
type Action string

const (
	ActionNew         Action = "NEW"
	ActionRevise      Action = "REVISE"
	ActionDiscontinue Action = "DISCONTINUE"
)

// Variant is the runtime kind of an order. Drug and test orders carry extra
// meaning for orderable matching and order-type resolution; everything else
// is generic.
type Variant string

const (
	VariantGeneric Variant = "generic"
	VariantDrug    Variant = "drug"
	VariantTest    Variant = "test"
)

// CareSetting maps to the care_setting table (e.g. inpatient, outpatient).
type CareSetting struct {
	ID      uuid.UUID `db:"id" json:"id"`
	Name    string    `db:"name" json:"name"`
	Retired bool      `db:"retired" json:"retired"`
}

// OrderType maps to the order_type table. Types form a tree via ParentID and
// declare which order variant they may classify.
type OrderType struct {
	ID             uuid.UUID   `db:"id" json:"id"`
	Name           string      `db:"name" json:"name"`
	Variant        Variant     `db:"variant" json:"variant"`
	ParentID       *uuid.UUID  `db:"parent_id" json:"parent_id,omitempty"`
	ConceptClasses []uuid.UUID `db:"-" json:"concept_classes,omitempty"`
	Retired        bool        `db:"retired" json:"retired"`
}

// CanClassify reports whether an order of the given variant may carry this
// order type. A generic type accepts any variant; drug and test types only
// accept their own.
func (t *OrderType) CanClassify(v Variant) bool {
	return t.Variant == VariantGeneric || t.Variant == v
}

// Context carries optional caller hints for SaveOrder, used only when the
// order itself does not specify a type or care setting.
type Context struct {
	TypeID        *uuid.UUID
	CareSettingID *uuid.UUID
}

// Order maps to the orders table. It is the central entity of the subsystem:
// a clinical instruction (drug, test or generic) for a patient, chained to
// the order it revises or discontinues through PreviousOrderID.
//
// orderNumber and dateStopped are deliberately unexported: the lifecycle
// service is the only component allowed to assign a number (exactly once) or
// stop an order, and keeping the fields package-private makes that ownership
// structural rather than conventional.
type Order struct {
	ID          uuid.UUID `db:"id"`
	orderNumber string

	Variant       Variant    `db:"variant"`
	TypeID        uuid.UUID  `db:"order_type_id"`
	CareSettingID uuid.UUID  `db:"care_setting_id"`
	ConceptID     uuid.UUID  `db:"concept_id"`
	DrugID        *uuid.UUID `db:"drug_id"`

	PatientID   uuid.UUID  `db:"patient_id"`
	OrdererID   uuid.UUID  `db:"orderer_id"`
	EncounterID *uuid.UUID `db:"encounter_id"`

	Action          Action     `db:"action"`
	PreviousOrderID *uuid.UUID `db:"previous_order_id"`

	DateActivated  time.Time `db:"date_activated"`
	dateStopped    *time.Time
	AutoExpireDate *time.Time `db:"auto_expire_date"`

	ReasonConceptID *uuid.UUID `db:"reason_concept_id"`
	ReasonNonCoded  *string    `db:"reason_non_coded"`

	Instructions *string `db:"instructions"`

	Voided     bool    `db:"voided"`
	VoidReason *string `db:"void_reason"`

	CreatedAt time.Time `db:"created_at"`
	UpdatedAt time.Time `db:"updated_at"`
}

// OrderNumber returns the globally unique number assigned at first save, or
// "" for an unsaved order.
func (o *Order) OrderNumber() string { return o.orderNumber }

// DateStopped returns the date the order was stopped, nil while active.
func (o *Order) DateStopped() *time.Time { return o.dateStopped }

// setOrderNumber is service-internal; the number is assigned exactly once.
func (o *Order) setOrderNumber(n string) { o.orderNumber = n }

// setDateStopped is service-internal; stopping and reopening an order are
// lifecycle transitions, not field edits.
func (o *Order) setDateStopped(t *time.Time) { o.dateStopped = t }

// IsStarted reports whether the order had been activated as of the given
// date. A zero asOf means now.
func (o *Order) IsStarted(asOf time.Time) bool {
	if asOf.IsZero() {
		asOf = time.Now()
	}
	return !o.DateActivated.After(asOf)
}

// IsDiscontinued reports whether the order had been stopped as of the given
// date. A zero asOf means now.
func (o *Order) IsDiscontinued(asOf time.Time) bool {
	if o.Voided {
		return false
	}
	if asOf.IsZero() {
		asOf = time.Now()
	}
	if !o.IsStarted(asOf) || o.dateStopped == nil {
		return false
	}
	return asOf.After(*o.dateStopped)
}

// IsExpired reports whether the order's planned end had passed as of the
// given date. A zero asOf means now.
func (o *Order) IsExpired(asOf time.Time) bool {
	if o.Voided {
		return false
	}
	if asOf.IsZero() {
		asOf = time.Now()
	}
	if !o.IsStarted(asOf) || o.IsDiscontinued(asOf) || o.AutoExpireDate == nil {
		return false
	}
	return asOf.After(*o.AutoExpireDate)
}

// IsActive reports whether the order was active as of the given date: not
// voided, not a discontinuation record, started, and neither stopped nor
// expired. A zero asOf means now.
func (o *Order) IsActive(asOf time.Time) bool {
	if o.Voided || o.Action == ActionDiscontinue {
		return false
	}
	return o.IsStarted(asOf) && !o.IsDiscontinued(asOf) && !o.IsExpired(asOf)
}

// EffectiveStopDate returns dateStopped if set, else autoExpireDate, else nil
// for an open-ended order.
func (o *Order) EffectiveStopDate() *time.Time {
	if o.dateStopped != nil {
		return o.dateStopped
	}
	return o.AutoExpireDate
}

// SameOrderableAs reports whether the other order targets the same orderable:
// the same concept, and for drug orders also the same drug. A drug-variant
// order never matches a non-drug order.
func (o *Order) SameOrderableAs(other *Order) bool {
	if other == nil || o.ConceptID != other.ConceptID {
		return false
	}
	if o.Variant != VariantDrug && other.Variant != VariantDrug {
		return true
	}
	if o.Variant != other.Variant {
		return false
	}
	return uuidPtrEqual(o.DrugID, other.DrugID)
}

// CloneForDiscontinuing creates the skeleton of a DISCONTINUE order
// superseding this one. The caller fills in reason, orderer and encounter.
func (o *Order) CloneForDiscontinuing() *Order {
	prev := o.ID
	return &Order{
		Variant:         o.Variant,
		TypeID:          o.TypeID,
		CareSettingID:   o.CareSettingID,
		ConceptID:       o.ConceptID,
		DrugID:          o.DrugID,
		PatientID:       o.PatientID,
		Action:          ActionDiscontinue,
		PreviousOrderID: &prev,
	}
}

// CloneForRevision creates the skeleton of a REVISE order superseding this
// one, carrying over the fields the chain-consistency rules require to match.
func (o *Order) CloneForRevision() *Order {
	prev := o.ID
	return &Order{
		Variant:         o.Variant,
		TypeID:          o.TypeID,
		CareSettingID:   o.CareSettingID,
		ConceptID:       o.ConceptID,
		DrugID:          o.DrugID,
		PatientID:       o.PatientID,
		OrdererID:       o.OrdererID,
		EncounterID:     o.EncounterID,
		Instructions:    o.Instructions,
		Action:          ActionRevise,
		PreviousOrderID: &prev,
	}
}

// orderJSON is the wire shape of an Order; the unexported lifecycle fields
// are surfaced read-only.
type orderJSON struct {
	ID              uuid.UUID  `json:"id"`
	OrderNumber     string     `json:"order_number,omitempty"`
	Variant         Variant    `json:"variant"`
	TypeID          uuid.UUID  `json:"order_type_id"`
	CareSettingID   uuid.UUID  `json:"care_setting_id"`
	ConceptID       uuid.UUID  `json:"concept_id"`
	DrugID          *uuid.UUID `json:"drug_id,omitempty"`
	PatientID       uuid.UUID  `json:"patient_id"`
	OrdererID       uuid.UUID  `json:"orderer_id"`
	EncounterID     *uuid.UUID `json:"encounter_id,omitempty"`
	Action          Action     `json:"action"`
	PreviousOrderID *uuid.UUID `json:"previous_order_id,omitempty"`
	DateActivated   time.Time  `json:"date_activated"`
	DateStopped     *time.Time `json:"date_stopped,omitempty"`
	AutoExpireDate  *time.Time `json:"auto_expire_date,omitempty"`
	ReasonConceptID *uuid.UUID `json:"reason_concept_id,omitempty"`
	ReasonNonCoded  *string    `json:"reason_non_coded,omitempty"`
	Instructions    *string    `json:"instructions,omitempty"`
	Voided          bool       `json:"voided"`
	VoidReason      *string    `json:"void_reason,omitempty"`
	CreatedAt       time.Time  `json:"created_at"`
	UpdatedAt       time.Time  `json:"updated_at"`
}

func (o *Order) MarshalJSON() ([]byte, error) {
	return json.Marshal(orderJSON{
		ID:              o.ID,
		OrderNumber:     o.orderNumber,
		Variant:         o.Variant,
		TypeID:          o.TypeID,
		CareSettingID:   o.CareSettingID,
		ConceptID:       o.ConceptID,
		DrugID:          o.DrugID,
		PatientID:       o.PatientID,
		OrdererID:       o.OrdererID,
		EncounterID:     o.EncounterID,
		Action:          o.Action,
		PreviousOrderID: o.PreviousOrderID,
		DateActivated:   o.DateActivated,
		DateStopped:     o.dateStopped,
		AutoExpireDate:  o.AutoExpireDate,
		ReasonConceptID: o.ReasonConceptID,
		ReasonNonCoded:  o.ReasonNonCoded,
		Instructions:    o.Instructions,
		Voided:          o.Voided,
		VoidReason:      o.VoidReason,
		CreatedAt:       o.CreatedAt,
		UpdatedAt:       o.UpdatedAt,
	})
}

func uuidPtrEqual(a, b *uuid.UUID) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}
