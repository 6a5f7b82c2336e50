package orders

import (
	"context"
	"fmt"
)

const orderNumberPrefix = "ORD-"

// NumberGenerator allocates globally unique order numbers. The active
// implementation is chosen by configuration; registering a named generator
// and pointing ORDER_NUMBER_GENERATOR at it swaps the strategy.
type NumberGenerator interface {
	NextOrderNumber(ctx context.Context, octx *Context) (string, error)
}

// sequenceGenerator is the built-in default: "ORD-" plus the next value of a
// monotonic seed. The seed increment commits independently of the
// surrounding save, so a rolled-back save never causes number reuse.
type sequenceGenerator struct {
	repo Repository
}

func (g *sequenceGenerator) NextOrderNumber(ctx context.Context, _ *Context) (string, error) {
	seq, err := g.repo.NextSequenceValue(ctx)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%s%d", orderNumberPrefix, seq), nil
}
