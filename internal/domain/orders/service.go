package orders

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// TxBoundary runs fn atomically: every repository write inside fn commits
// or rolls back as one unit. The zero boundary is a passthrough for
// repositories that have no transaction concept.
type TxBoundary func(ctx context.Context, fn func(ctx context.Context) error) error

// Service is the order lifecycle manager. It is the only component that
// creates, stops, voids or unvoids orders; everything reaching the orders
// table goes through it.
//
// The mutex serializes the whole save path so that the overlap check and the
// decision to persist are atomic per process. This is a correctness lock,
// not a hot path.
type Service struct {
	mu sync.Mutex

	repo         Repository
	careSettings CareSettingRepository
	concepts     ConceptDirectory
	resolver     *TypeResolver
	log          zerolog.Logger
	tx           TxBoundary

	// generatorName reads the configured strategy name; the resolved
	// generator is cached until the configuration changes.
	generatorName func() string
	generators    map[string]NumberGenerator
	numberGen     NumberGenerator
}

func NewService(repo Repository, types TypeRepository, careSettings CareSettingRepository, concepts ConceptDirectory, logger zerolog.Logger) *Service {
	s := &Service{
		repo:         repo,
		careSettings: careSettings,
		concepts:     concepts,
		resolver:     NewTypeResolver(types, concepts),
		log:          logger,
		tx:           func(ctx context.Context, fn func(ctx context.Context) error) error { return fn(ctx) },
		generators:   map[string]NumberGenerator{},
	}
	s.generators[""] = &sequenceGenerator{repo: repo}
	return s
}

// SetTxBoundary attaches the storage transaction boundary. Lifecycle
// transitions that touch more than one row run inside it, so a partial
// failure never leaves a half-stopped chain behind.
func (s *Service) SetTxBoundary(tx TxBoundary) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tx = tx
}

// Resolver exposes the order-type resolver for read-side callers.
func (s *Service) Resolver() *TypeResolver { return s.resolver }

// SetGeneratorSource attaches the configuration collaborator that names the
// active order-number generator strategy.
func (s *Service) SetGeneratorSource(name func() string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.generatorName = name
	s.numberGen = nil
}

// RegisterNumberGenerator makes a named generator strategy selectable via
// configuration. The empty name is the built-in sequence generator.
func (s *Service) RegisterNumberGenerator(name string, g NumberGenerator) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.generators[name] = g
	s.numberGen = nil
}

// GeneratorConfigChanged drops the cached generator strategy; the next save
// re-resolves it from configuration.
func (s *Service) GeneratorConfigChanged() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.numberGen = nil
	s.log.Info().Msg("order number generator cache invalidated")
}

// SaveOrder persists a new order after running the full validation pipeline.
// Revising or discontinuing an existing order means saving a new Order that
// references it as PreviousOrderID; already-persisted orders are rejected.
func (s *Service) SaveOrder(ctx context.Context, o *Order, octx *Context) (*Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.saveOrder(ctx, o, octx, false)
}

// SaveRetrospectiveOrder is SaveOrder for back-dated entry: activity and
// overlap are judged as of the order's DateActivated instead of now.
func (s *Service) SaveRetrospectiveOrder(ctx context.Context, o *Order, octx *Context) (*Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.saveOrder(ctx, o, octx, true)
}

func (s *Service) saveOrder(ctx context.Context, o *Order, octx *Context, retrospective bool) (*Order, error) {
	if o.ID != uuid.Nil {
		return nil, newError(CodeCannotEditExisting, "order %s is already persisted; create a revision or discontinuation instead", o.ID)
	}
	if o.DateActivated.IsZero() {
		o.DateActivated = time.Now()
	}
	if err := s.ensureConcept(ctx, o); err != nil {
		return nil, err
	}
	if err := s.ensureOrderType(ctx, o, octx); err != nil {
		return nil, err
	}
	if err := s.ensureCareSetting(ctx, o, octx); err != nil {
		return nil, err
	}

	// Resolve what this order supersedes before touching anything, so a
	// validation failure further down cannot leave a half-stopped chain.
	var toStop *Order
	switch o.Action {
	case ActionRevise:
		if o.PreviousOrderID == nil {
			return nil, newError(CodePreviousRequired, "a REVISE order requires a previous order")
		}
		prev, err := s.repo.Get(ctx, *o.PreviousOrderID)
		if err != nil {
			return nil, err
		}
		toStop = prev
	case ActionDiscontinue:
		target, err := s.matchDiscontinued(ctx, o, retrospective)
		if err != nil {
			return nil, err
		}
		toStop = target
	}

	if o.PreviousOrderID != nil {
		if err := s.checkAgainstPredecessor(ctx, o); err != nil {
			return nil, err
		}
	}

	if o.Action != ActionDiscontinue {
		asOf := time.Now()
		if retrospective {
			asOf = o.DateActivated
		}
		csID := o.CareSettingID
		active, err := s.repo.GetActiveOrders(ctx, o.PatientID, nil, &csID, asOf)
		if err != nil {
			return nil, err
		}
		for _, existing := range active {
			if SameOrderableOverlap(o, existing) {
				return nil, newError(CodeDuplicateActiveOrder,
					"patient already has an active order %s for the same orderable with an overlapping schedule", existing.OrderNumber())
			}
		}
	}

	err := s.tx(ctx, func(ctx context.Context) error {
		if toStop != nil {
			if err := s.stopOrder(ctx, toStop, o.DateActivated, retrospective); err != nil {
				return err
			}
		}
		return s.saveOrderInternal(ctx, o, octx)
	})
	if err != nil {
		return nil, err
	}
	s.log.Info().
		Str("order_number", o.OrderNumber()).
		Str("action", string(o.Action)).
		Str("patient_id", o.PatientID.String()).
		Msg("order saved")
	return o, nil
}

func (s *Service) ensureConcept(ctx context.Context, o *Order) error {
	if o.ConceptID == uuid.Nil && o.Variant == VariantDrug && o.DrugID != nil {
		conceptID, err := s.concepts.ConceptForDrug(ctx, *o.DrugID)
		if err != nil {
			return err
		}
		o.ConceptID = conceptID
	}
	if o.ConceptID == uuid.Nil {
		return newError(CodeConceptRequired, "an order requires a concept")
	}
	return nil
}

func (s *Service) ensureOrderType(ctx context.Context, o *Order, octx *Context) error {
	ot, err := s.resolver.ResolveForOrder(ctx, o, octx)
	if err != nil {
		return err
	}
	if ot == nil {
		return newError(CodeTypeUndetermined, "cannot determine the order type for concept %s", o.ConceptID)
	}
	if !ot.CanClassify(o.Variant) {
		return newError(CodeVariantMismatch, "order type %q classifies %s orders, not %s", ot.Name, ot.Variant, o.Variant)
	}
	o.TypeID = ot.ID
	return nil
}

func (s *Service) ensureCareSetting(ctx context.Context, o *Order, octx *Context) error {
	if o.CareSettingID != uuid.Nil {
		return nil
	}
	if octx != nil && octx.CareSettingID != nil {
		o.CareSettingID = *octx.CareSettingID
		return nil
	}
	return newError(CodeCareSettingUndetermined, "cannot determine the care setting for the order")
}

// checkAgainstPredecessor verifies chain consistency against the
// predecessor's authoritative persisted values, read raw so that a cached or
// concurrently edited copy cannot mask a mismatch.
func (s *Service) checkAgainstPredecessor(ctx context.Context, o *Order) error {
	raw, err := s.repo.RawPredecessorFields(ctx, *o.PreviousOrderID)
	if err != nil {
		return err
	}
	switch {
	case raw.PatientID != o.PatientID:
		return newError(CodePreviousPatientMismatch, "patient differs from previous order %s", o.PreviousOrderID)
	case raw.CareSettingID != o.CareSettingID:
		return newError(CodePreviousCareSettingMismatch, "care setting differs from previous order %s", o.PreviousOrderID)
	case raw.ConceptID != o.ConceptID:
		return newError(CodePreviousConceptMismatch, "concept differs from previous order %s", o.PreviousOrderID)
	case !uuidPtrEqual(raw.DrugID, o.DrugID):
		return newError(CodePreviousDrugMismatch, "drug differs from previous order %s", o.PreviousOrderID)
	case raw.TypeID != o.TypeID:
		return newError(CodePreviousTypeMismatch, "order type differs from previous order %s", o.PreviousOrderID)
	}
	return nil
}

// matchDiscontinued resolves which order a DISCONTINUE order stops, without
// stopping it yet. With an explicit predecessor that order is the target;
// otherwise the patient's active orders of the same type are scanned for one
// with the same orderable. Matching nothing is allowed (nil target);
// matching more than one is ambiguous and rejected.
func (s *Service) matchDiscontinued(ctx context.Context, o *Order, retrospective bool) (*Order, error) {
	if o.PreviousOrderID != nil {
		return s.repo.Get(ctx, *o.PreviousOrderID)
	}

	asOf := time.Now()
	if retrospective {
		asOf = o.DateActivated
	}
	typeIDs, err := s.expandType(ctx, &o.TypeID)
	if err != nil {
		return nil, err
	}
	csID := o.CareSettingID
	active, err := s.repo.GetActiveOrders(ctx, o.PatientID, typeIDs, &csID, asOf)
	if err != nil {
		return nil, err
	}

	matchByDrug := o.Variant == VariantDrug && o.DrugID != nil
	var target *Order
	for _, candidate := range active {
		if candidate.Variant != o.Variant {
			continue
		}
		if matchByDrug {
			if !o.SameOrderableAs(candidate) {
				continue
			}
		} else if candidate.ConceptID != o.ConceptID {
			continue
		}
		if target != nil {
			return nil, newError(CodeAmbiguousDiscontinue, "more than one active order matches the orderable being discontinued")
		}
		target = candidate
	}
	if target == nil {
		return nil, nil
	}
	id := target.ID
	o.PreviousOrderID = &id
	return target, nil
}

// stopOrder closes an active order as of onDate and persists it through the
// internal path. The full save pipeline is skipped on purpose: only
// dateStopped changes on an already-valid record.
func (s *Service) stopOrder(ctx context.Context, o *Order, onDate time.Time, retrospective bool) error {
	if onDate.IsZero() {
		onDate = time.Now()
	}
	if onDate.After(time.Now()) {
		return newError(CodeStopDateInFuture, "stop date cannot be in the future")
	}
	if o.Action == ActionDiscontinue {
		return newError(CodeCannotStopDiscontinuation, "a discontinuation order cannot itself be discontinued")
	}
	if retrospective {
		if o.dateStopped != nil || !o.IsActive(onDate) {
			return newError(CodeCannotStopInactive, "order %s was not active on %s", o.OrderNumber(), onDate.Format(time.RFC3339))
		}
	} else if !o.IsActive(time.Time{}) {
		return newError(CodeCannotStopInactive, "order %s is not active", o.OrderNumber())
	}

	stopped := onDate
	o.setDateStopped(&stopped)
	if err := s.saveOrderInternal(ctx, o, nil); err != nil {
		return err
	}
	s.log.Debug().Str("order_number", o.OrderNumber()).Time("date_stopped", stopped).Msg("order stopped")
	return nil
}

// DiscontinueOrder stops an active order and records the stop as a new
// DISCONTINUE order carrying a coded reason. The new order is
// system-constructed from the one being stopped, so it skips the full
// validation pipeline.
func (s *Service) DiscontinueOrder(ctx context.Context, orderToDiscontinue *Order, reasonConceptID uuid.UUID, onDate time.Time, ordererID uuid.UUID, encounterID *uuid.UUID) (*Order, error) {
	return s.discontinue(ctx, orderToDiscontinue, onDate, ordererID, encounterID, func(o *Order) {
		reason := reasonConceptID
		o.ReasonConceptID = &reason
	})
}

// DiscontinueOrderNonCoded is DiscontinueOrder with a free-text reason.
func (s *Service) DiscontinueOrderNonCoded(ctx context.Context, orderToDiscontinue *Order, reason string, onDate time.Time, ordererID uuid.UUID, encounterID *uuid.UUID) (*Order, error) {
	return s.discontinue(ctx, orderToDiscontinue, onDate, ordererID, encounterID, func(o *Order) {
		r := reason
		o.ReasonNonCoded = &r
	})
}

func (s *Service) discontinue(ctx context.Context, orderToDiscontinue *Order, onDate time.Time, ordererID uuid.UUID, encounterID *uuid.UUID, setReason func(*Order)) (*Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if onDate.IsZero() {
		onDate = time.Now()
	}
	dc := orderToDiscontinue.CloneForDiscontinuing()
	setReason(dc)
	dc.OrdererID = ordererID
	dc.EncounterID = encounterID
	dc.DateActivated = onDate
	err := s.tx(ctx, func(ctx context.Context) error {
		if err := s.stopOrder(ctx, orderToDiscontinue, onDate, false); err != nil {
			return err
		}
		return s.saveOrderInternal(ctx, dc, nil)
	})
	if err != nil {
		return nil, err
	}
	s.log.Info().
		Str("order_number", dc.OrderNumber()).
		Str("discontinued", orderToDiscontinue.OrderNumber()).
		Msg("order discontinued")
	return dc, nil
}

// VoidOrder soft-deletes an order. Voiding a revision or discontinuation
// reopens its predecessor, which becomes active again.
func (s *Service) VoidOrder(ctx context.Context, o *Order, reason string) (*Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if strings.TrimSpace(reason) == "" {
		return nil, newError(CodeVoidReasonRequired, "a void reason is required")
	}
	err := s.tx(ctx, func(ctx context.Context) error {
		if o.PreviousOrderID != nil && supersedes(o) {
			prev, err := s.repo.Get(ctx, *o.PreviousOrderID)
			if err != nil {
				return err
			}
			prev.setDateStopped(nil)
			if err := s.saveOrderInternal(ctx, prev, nil); err != nil {
				return err
			}
			s.log.Info().Str("order_number", prev.OrderNumber()).Msg("predecessor reopened by void")
		}
		o.Voided = true
		r := reason
		o.VoidReason = &r
		return s.saveOrderInternal(ctx, o, nil)
	})
	if err != nil {
		return nil, err
	}
	return o, nil
}

// UnvoidOrder restores a voided order. A revision or discontinuation can
// only be restored while its predecessor is still active, since restoring it
// must re-stop that predecessor.
func (s *Service) UnvoidOrder(ctx context.Context, o *Order) (*Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var prev *Order
	if o.PreviousOrderID != nil && supersedes(o) {
		var err error
		prev, err = s.repo.Get(ctx, *o.PreviousOrderID)
		if err != nil {
			return nil, err
		}
		if !prev.IsActive(time.Time{}) {
			kind := "revision"
			if o.Action == ActionDiscontinue {
				kind = "discontinuation"
			}
			return nil, newError(CodeCannotUnvoid, "cannot unvoid a %s whose previous order is no longer active", kind)
		}
	}
	err := s.tx(ctx, func(ctx context.Context) error {
		if prev != nil {
			if err := s.stopOrder(ctx, prev, o.DateActivated, false); err != nil {
				return err
			}
		}
		o.Voided = false
		o.VoidReason = nil
		return s.saveOrderInternal(ctx, o, nil)
	})
	if err != nil {
		return nil, err
	}
	return o, nil
}

// PurgeOrder physically deletes an order, bypassing every lifecycle
// invariant. Administrative cleanup only.
func (s *Service) PurgeOrder(ctx context.Context, o *Order) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.repo.Delete(ctx, o.ID); err != nil {
		return err
	}
	s.log.Warn().Str("order_number", o.OrderNumber()).Msg("order purged")
	return nil
}

func (s *Service) GetOrder(ctx context.Context, id uuid.UUID) (*Order, error) {
	return s.repo.Get(ctx, id)
}

func (s *Service) GetOrderByNumber(ctx context.Context, number string) (*Order, error) {
	return s.repo.GetByNumber(ctx, number)
}

// GetActiveOrders returns the patient's orders active as of asOf (zero means
// now). A type restriction expands to the type's whole subtype tree.
func (s *Service) GetActiveOrders(ctx context.Context, patientID uuid.UUID, typeID *uuid.UUID, careSettingID *uuid.UUID, asOf time.Time) ([]*Order, error) {
	if patientID == uuid.Nil {
		return nil, fmt.Errorf("patient is required when fetching active orders")
	}
	if asOf.IsZero() {
		asOf = time.Now()
	}
	typeIDs, err := s.expandType(ctx, typeID)
	if err != nil {
		return nil, err
	}
	return s.repo.GetActiveOrders(ctx, patientID, typeIDs, careSettingID, asOf)
}

// GetOrders returns the patient's orders in a care setting, optionally
// restricted to an order type (expanded to subtypes).
func (s *Service) GetOrders(ctx context.Context, patientID uuid.UUID, careSettingID uuid.UUID, typeID *uuid.UUID, includeVoided bool) ([]*Order, error) {
	if patientID == uuid.Nil {
		return nil, fmt.Errorf("patient is required")
	}
	if careSettingID == uuid.Nil {
		return nil, fmt.Errorf("care setting is required")
	}
	typeIDs, err := s.expandType(ctx, typeID)
	if err != nil {
		return nil, err
	}
	cs := careSettingID
	return s.repo.GetOrders(ctx, patientID, &cs, typeIDs, includeVoided)
}

// AllOrdersByPatient returns every order for the patient across all care
// settings and order types, most recently activated first.
func (s *Service) AllOrdersByPatient(ctx context.Context, patientID uuid.UUID, includeVoided bool) ([]*Order, error) {
	if patientID == uuid.Nil {
		return nil, fmt.Errorf("patient is required")
	}
	return s.repo.GetOrders(ctx, patientID, nil, nil, includeVoided)
}

// OrderHistoryByConcept returns the patient's non-voided orders for a single
// orderable concept, most recently activated first.
func (s *Service) OrderHistoryByConcept(ctx context.Context, patientID uuid.UUID, conceptID uuid.UUID) ([]*Order, error) {
	if patientID == uuid.Nil {
		return nil, fmt.Errorf("patient is required")
	}
	if conceptID == uuid.Nil {
		return nil, fmt.Errorf("concept is required")
	}
	all, err := s.repo.GetOrders(ctx, patientID, nil, nil, false)
	if err != nil {
		return nil, err
	}
	var history []*Order
	for _, o := range all {
		if o.ConceptID == conceptID {
			history = append(history, o)
		}
	}
	sort.SliceStable(history, func(i, j int) bool {
		return history[i].DateActivated.After(history[j].DateActivated)
	})
	return history, nil
}

// OrderHistory walks the supersession chain starting at the given order
// number, most recent first. A visited set guards against malformed cyclic
// data in storage.
func (s *Service) OrderHistory(ctx context.Context, orderNumber string) ([]*Order, error) {
	o, err := s.repo.GetByNumber(ctx, orderNumber)
	if err != nil {
		return nil, err
	}
	var history []*Order
	visited := map[uuid.UUID]bool{}
	for o != nil {
		if visited[o.ID] {
			return nil, fmt.Errorf("order chain starting at %s contains a cycle", orderNumber)
		}
		visited[o.ID] = true
		history = append(history, o)
		if o.PreviousOrderID == nil {
			break
		}
		o, err = s.repo.Get(ctx, *o.PreviousOrderID)
		if err != nil {
			return nil, err
		}
	}
	return history, nil
}

// CareSettings lists the configured care settings.
func (s *Service) CareSettings(ctx context.Context, includeRetired bool) ([]*CareSetting, error) {
	return s.careSettings.List(ctx, includeRetired)
}

// DiscontinuationOrder returns the DISCONTINUE order that stopped the given
// order, if any.
func (s *Service) DiscontinuationOrder(ctx context.Context, id uuid.UUID) (*Order, error) {
	return s.repo.GetDiscontinuationOrder(ctx, id)
}

// RevisionOrder returns the REVISE order that superseded the given order, if
// any.
func (s *Service) RevisionOrder(ctx context.Context, id uuid.UUID) (*Order, error) {
	return s.repo.GetRevisionOrder(ctx, id)
}

// saveOrderInternal is the persistence tail shared by every lifecycle
// transition. For first-time saves it assigns the order number (exactly
// once), pins a DISCONTINUE order's expiry to its activation so it exists
// purely as an audit record, and rolls a date-only expiry to end of day.
func (s *Service) saveOrderInternal(ctx context.Context, o *Order, octx *Context) error {
	if o.ID == uuid.Nil {
		if o.OrderNumber() == "" {
			num, err := s.numberGenerator().NextOrderNumber(ctx, octx)
			if err != nil {
				return err
			}
			o.setOrderNumber(num)
		}
		if o.Action == ActionDiscontinue {
			activated := o.DateActivated
			o.AutoExpireDate = &activated
		} else if o.AutoExpireDate != nil {
			rolled := rollToEndOfDay(*o.AutoExpireDate)
			o.AutoExpireDate = &rolled
		}
	}
	if o.dateStopped != nil && o.AutoExpireDate != nil && o.dateStopped.After(*o.AutoExpireDate) {
		return newError(CodeInvalidStopDates, "dateStopped %s is after autoExpireDate %s", o.dateStopped, o.AutoExpireDate)
	}
	return s.repo.Save(ctx, o)
}

// numberGenerator resolves the active strategy, consulting configuration
// only when the cache was invalidated. Callers hold s.mu.
func (s *Service) numberGenerator() NumberGenerator {
	if s.numberGen != nil {
		return s.numberGen
	}
	name := ""
	if s.generatorName != nil {
		name = s.generatorName()
	}
	gen, ok := s.generators[name]
	if !ok {
		s.log.Warn().Str("generator", name).Msg("unknown order number generator, using sequence default")
		gen = s.generators[""]
	}
	s.numberGen = gen
	return gen
}

func (s *Service) expandType(ctx context.Context, typeID *uuid.UUID) ([]uuid.UUID, error) {
	if typeID == nil {
		return nil, nil
	}
	subtypes, err := s.resolver.Subtypes(ctx, *typeID, true)
	if err != nil {
		return nil, err
	}
	ids := []uuid.UUID{*typeID}
	for _, st := range subtypes {
		ids = append(ids, st.ID)
	}
	return ids, nil
}

func supersedes(o *Order) bool {
	return o.Action == ActionRevise || o.Action == ActionDiscontinue
}

// rollToEndOfDay moves a date-only expiry (midnight) to 23:59:59 of the same
// day, so an order planned to end "on the 5th" stays active through the 5th.
func rollToEndOfDay(t time.Time) time.Time {
	if t.Hour() != 0 || t.Minute() != 0 || t.Second() != 0 || t.Nanosecond() != 0 {
		return t
	}
	return time.Date(t.Year(), t.Month(), t.Day(), 23, 59, 59, 0, t.Location())
}
