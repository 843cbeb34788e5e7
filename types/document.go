package types

// Document is a candidate reference document returned by the vector index.
// Score is a similarity (higher = more relevant). Category may be empty.
type Document struct {
	ID       string  `json:"id"`
	Text     string  `json:"text"`
	Score    float64 `json:"score"`
	Category string  `json:"category,omitempty"`
}

// Citation is a selected document surfaced to the caller as source metadata.
// Rank is 1-based and never mutated after selection.
type Citation struct {
	ID       string `json:"id"`
	Rank     int    `json:"rank"`
	Category string `json:"category,omitempty"`
}

// ToCitation promotes a document to a citation with the given 1-based rank.
func (d Document) ToCitation(rank int) Citation {
	return Citation{ID: d.ID, Rank: rank, Category: d.Category}
}
