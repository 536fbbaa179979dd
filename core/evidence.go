package core

import "time"

// SourceHuman tags evidence supplied by a human reviewer.
const SourceHuman = "human"

// EvidenceItem is one piece of collected data. Items are only ever appended;
// a failed source is recorded as an unavailable item instead of being skipped.
type EvidenceItem struct {
	Source      string         `json:"source_capability"`
	Data        map[string]any `json:"data,omitempty"`
	CollectedAt time.Time      `json:"collected_at"`
	Confidence  *float64       `json:"confidence,omitempty"`
	Available   bool           `json:"available"`
	Reason      ErrorCode      `json:"reason,omitempty"`
	Message     string         `json:"message,omitempty"`
}

// NewEvidence records a successful result from source.
func NewEvidence(source string, data map[string]any) EvidenceItem {
	return EvidenceItem{
		Source:      source,
		Data:        CloneMap(data),
		CollectedAt: time.Now().UTC(),
		Available:   true,
	}
}

// UnavailableEvidence records that source could not deliver data.
func UnavailableEvidence(source string, err error) EvidenceItem {
	item := EvidenceItem{
		Source:      source,
		CollectedAt: time.Now().UTC(),
		Reason:      CodeOf(err),
	}
	if err != nil {
		item.Message = err.Error()
	}
	if e, ok := AsError(err); ok && e.Reason() != "" {
		item.Data = map[string]any{"reason": e.Reason()}
	}
	return item
}

// WithConfidence sets the confidence of the item.
func (e EvidenceItem) WithConfidence(c float64) EvidenceItem {
	e.Confidence = &c
	return e
}

// Clone returns a deep copy.
func (e EvidenceItem) Clone() EvidenceItem {
	e.Data = CloneMap(e.Data)
	if e.Confidence != nil {
		c := *e.Confidence
		e.Confidence = &c
	}
	return e
}

// EvidenceSnapshot is the complete, ordered evidence of a session at a point in
// time. It is the sole input to scoring.
type EvidenceSnapshot struct {
	SessionID   string         `json:"session_id"`
	Application Application    `json:"application"`
	Items       []EvidenceItem `json:"items"`
	TakenAt     time.Time      `json:"taken_at"`
}

// Latest returns the authoritative item for source: the most recently
// collected one, later position breaking timestamp ties.
func (s EvidenceSnapshot) Latest(source string) (EvidenceItem, bool) {
	var (
		best  EvidenceItem
		found bool
	)
	for _, it := range s.Items {
		if it.Source != source {
			continue
		}
		if !found || !it.CollectedAt.Before(best.CollectedAt) {
			best = it
			found = true
		}
	}
	return best, found
}

// Sources lists distinct sources in order of first appearance.
func (s EvidenceSnapshot) Sources() []string {
	seen := map[string]bool{}
	var out []string
	for _, it := range s.Items {
		if seen[it.Source] {
			continue
		}
		seen[it.Source] = true
		out = append(out, it.Source)
	}
	return out
}

// Authoritative returns the latest item per source.
func (s EvidenceSnapshot) Authoritative() []EvidenceItem {
	sources := s.Sources()
	out := make([]EvidenceItem, 0, len(sources))
	for _, src := range sources {
		it, _ := s.Latest(src)
		out = append(out, it)
	}
	return out
}

// Unavailable lists sources whose authoritative item is unavailable.
func (s EvidenceSnapshot) Unavailable() []string {
	var out []string
	for _, it := range s.Authoritative() {
		if !it.Available {
			out = append(out, it.Source)
		}
	}
	return out
}

// Clone returns a deep copy.
func (s EvidenceSnapshot) Clone() EvidenceSnapshot {
	items := make([]EvidenceItem, len(s.Items))
	for i, it := range s.Items {
		items[i] = it.Clone()
	}
	s.Items = items
	return s
}
