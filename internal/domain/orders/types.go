package orders

import (
	"context"

	"github.com/google/uuid"
)

// Well-known order type names used as variant fallbacks when neither the
// order, the caller context, nor the concept classification determines a
// type. Seeded by the base migration.
const (
	DrugOrderTypeName = "Drug order"
	TestOrderTypeName = "Test order"
)

// TypeResolver determines and validates the order type for a concept or an
// order instance, and walks the order-type hierarchy.
type TypeResolver struct {
	types    TypeRepository
	concepts ConceptDirectory
}

func NewTypeResolver(types TypeRepository, concepts ConceptDirectory) *TypeResolver {
	return &TypeResolver{types: types, concepts: concepts}
}

// ResolveForConcept maps a concept to an order type through the concept's
// classification. Returns nil without error when no mapping exists.
func (r *TypeResolver) ResolveForConcept(ctx context.Context, conceptID uuid.UUID) (*OrderType, error) {
	classID, err := r.concepts.ClassOfConcept(ctx, conceptID)
	if err != nil {
		return nil, err
	}
	return r.ResolveForConceptClass(ctx, classID)
}

// ResolveForConceptClass maps a concept class to the order type registered
// for it. Returns nil without error when no mapping exists.
func (r *TypeResolver) ResolveForConceptClass(ctx context.Context, classID uuid.UUID) (*OrderType, error) {
	ot, err := r.types.GetByConceptClass(ctx, classID)
	if err != nil {
		if IsCode(err, CodeNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return ot, nil
}

// ResolveForOrder resolves the order type for an order being saved:
// explicit value, then the caller's context hint, then the concept's
// classification, then the variant default. A nil result means the type
// cannot be determined.
func (r *TypeResolver) ResolveForOrder(ctx context.Context, o *Order, octx *Context) (*OrderType, error) {
	if o.TypeID != uuid.Nil {
		return r.types.Get(ctx, o.TypeID)
	}
	if octx != nil && octx.TypeID != nil {
		return r.types.Get(ctx, *octx.TypeID)
	}
	ot, err := r.ResolveForConcept(ctx, o.ConceptID)
	if err != nil || ot != nil {
		return ot, err
	}
	switch o.Variant {
	case VariantDrug:
		return r.defaultType(ctx, DrugOrderTypeName)
	case VariantTest:
		return r.defaultType(ctx, TestOrderTypeName)
	}
	return nil, nil
}

func (r *TypeResolver) defaultType(ctx context.Context, name string) (*OrderType, error) {
	ot, err := r.types.GetByName(ctx, name)
	if err != nil {
		if IsCode(err, CodeNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return ot, nil
}

// ListTypes returns the configured order types.
func (r *TypeResolver) ListTypes(ctx context.Context, includeRetired bool) ([]*OrderType, error) {
	return r.types.List(ctx, includeRetired)
}

// Subtypes returns every descendant of the given order type, breadth-first.
// The hierarchy is operator-configured data, so a visited set guards against
// a malformed cyclic graph.
func (r *TypeResolver) Subtypes(ctx context.Context, typeID uuid.UUID, includeRetired bool) ([]*OrderType, error) {
	var all []*OrderType
	visited := map[uuid.UUID]bool{typeID: true}
	frontier := []uuid.UUID{typeID}
	for len(frontier) > 0 {
		var next []uuid.UUID
		for _, id := range frontier {
			children, err := r.types.GetChildren(ctx, id, includeRetired)
			if err != nil {
				return nil, err
			}
			for _, child := range children {
				if visited[child.ID] {
					continue
				}
				visited[child.ID] = true
				all = append(all, child)
				next = append(next, child.ID)
			}
		}
		frontier = next
	}
	return all, nil
}
