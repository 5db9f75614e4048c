package session

import "strings"

// Reconciler folds the channel's recognition events into one running
// transcript. Final text accumulates in slice order and never changes;
// at most one in-flight partial trails it and carries no durability.
// Events must be applied in arrival order; the channel guarantees
// per-slice ordering and the controller does not reorder.
type Reconciler struct {
	finals       []string
	partialText  string
	partialIndex int
	hasPartial   bool
}

// Apply folds one recognition event in. A final for slice N appends
// its text and clears any pending partial for slice <= N; a partial
// replaces the in-flight fragment.
func (r *Reconciler) Apply(sliceIndex int, text string, isFinal bool) {
	if !isFinal {
		r.partialText = text
		r.partialIndex = sliceIndex
		r.hasPartial = true
		return
	}

	if text != "" {
		r.finals = append(r.finals, text)
	}
	if r.hasPartial && r.partialIndex <= sliceIndex {
		r.partialText = ""
		r.hasPartial = false
	}
}

// Transcript is the reconciled text for display: finals joined, then
// the in-flight partial if one is pending.
func (r *Reconciler) Transcript() string {
	parts := r.finals
	if r.hasPartial && r.partialText != "" {
		parts = append(parts[:len(parts):len(parts)], r.partialText)
	}
	return strings.Join(parts, " ")
}

// FinalTranscript is the durable portion only.
func (r *Reconciler) FinalTranscript() string {
	return strings.Join(r.finals, " ")
}

// Partial reports the pending in-flight fragment.
func (r *Reconciler) Partial() (string, bool) {
	if !r.hasPartial {
		return "", false
	}
	return r.partialText, true
}

func (r *Reconciler) Reset() {
	r.finals = nil
	r.partialText = ""
	r.hasPartial = false
}
