package model

// MergeGroup is one system-proposed grouping of aggregated items believed
// to be duplicates of the same physical object. PrimaryItemID names the
// item the group would be consolidated into; AllItemIDs includes it.
type MergeGroup struct {
	SuggestionID  string   `json:"suggestion_id"`
	PrimaryItemID string   `json:"primary_item_id"`
	AllItemIDs    []string `json:"all_item_ids"`
	Score         float64  `json:"score"`
}

// SecondaryIDs returns the group members other than the primary.
func (g MergeGroup) SecondaryIDs() []string {
	out := make([]string, 0, len(g.AllItemIDs))
	for _, id := range g.AllItemIDs {
		if id != g.PrimaryItemID {
			out = append(out, id)
		}
	}
	return out
}

// MergeSuggestionState is the current set of merge suggestions surfaced for
// user confirmation. Suggestions are advisory only; the engine never applies
// a merge without an explicit accept.
type MergeSuggestionState struct {
	Groups        []MergeGroup `json:"groups"`
	GeneratedAtMs int64        `json:"generated_at_ms"`
}
