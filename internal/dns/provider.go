package dns

import (
	"context"
	"fmt"
)

// Provider is a DNS backend holding a single zone. Implementations differ in
// capability: some can update records in place, others can only add and
// remove. Callers check HasUpdateCapability rather than relying on
// UpdateRecords failing.
type Provider interface {
	// Init resolves the provider's zone for Domain. It is idempotent and
	// must succeed before any other network call.
	Init(context.Context) error

	Initialized() bool
	Domain() string
	HasUpdateCapability() bool

	// ListRecords in the zone, with subdomains relative to Domain and
	// hostnames in values stripped of trailing dots.
	ListRecords(context.Context) ([]RawRecord, error)

	// AddRecords and RemoveRecords make no calls for empty input.
	AddRecords(context.Context, []Record) error
	RemoveRecords(ctx context.Context, ids []string) error

	// UpdateRecords replaces the value and TTL of existing records by ID.
	// This returns ErrUpdateUnsupported if HasUpdateCapability is false.
	UpdateRecords(context.Context, []RawRecord) error
}

// RecordsDiff lists the provider's current records and computes the changes
// needed to reach target, restricted to scope.
func RecordsDiff(
	ctx context.Context,
	p Provider,
	target []Record,
	scope string,
) (Diff, error) {
	cur, err := p.ListRecords(ctx)
	if err != nil {
		return Diff{}, fmt.Errorf("list records: %w", err)
	}
	return Compute(cur, target, scope), nil
}
