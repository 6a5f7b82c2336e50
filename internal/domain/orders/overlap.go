package orders

import "github.com/google/uuid"

// SameOrderableOverlap reports whether the candidate conflicts with an
// existing order: same patient, care setting and orderable, not part of the
// same chain, and overlapping schedules. It is the check SaveOrder runs
// against every currently active order.
func SameOrderableOverlap(candidate, existing *Order) bool {
	if candidate == existing || existing == nil {
		return false
	}
	if candidate.PatientID != existing.PatientID || candidate.CareSettingID != existing.CareSettingID {
		return false
	}
	if !candidate.SameOrderableAs(existing) {
		return false
	}
	if sameChain(candidate, existing) {
		return false
	}
	return SchedulesOverlap(candidate, existing)
}

// SchedulesOverlap reports whether the two orders' active intervals
// intersect. An interval is [dateActivated, effectiveEnd) where effectiveEnd
// is dateStopped if set, else autoExpireDate, else open-ended.
func SchedulesOverlap(a, b *Order) bool {
	return startsBeforeEnd(a, b) && startsBeforeEnd(b, a)
}

// startsBeforeEnd reports whether a starts before b's effective end. An
// open-ended b never cuts a off. The end boundary is exclusive: an order
// starting exactly when another stops does not overlap it.
func startsBeforeEnd(a, b *Order) bool {
	end := b.EffectiveStopDate()
	if end == nil {
		return true
	}
	return a.DateActivated.Before(*end)
}

// sameChain reports whether one order directly supersedes the other. A
// revision never conflicts with its own predecessor.
func sameChain(a, b *Order) bool {
	if a.PreviousOrderID != nil && b.ID != uuid.Nil && *a.PreviousOrderID == b.ID {
		return true
	}
	if b.PreviousOrderID != nil && a.ID != uuid.Nil && *b.PreviousOrderID == a.ID {
		return true
	}
	return a.ID != uuid.Nil && a.ID == b.ID
}
