package models

// Category is the capacity bucket a job is claimed against.
type Category string

const (
	CategorySingle  Category = "single"
	CategoryGrouped Category = "grouped"
)

// Categories lists every category in assignment order (singles first).
var Categories = []Category{CategorySingle, CategoryGrouped}

// Job is one claimable listing entry, re-derived on every detection.
type Job struct {
	ID             string   `json:"id"`
	UID            string   `json:"uid,omitempty"`
	URL            string   `json:"url"`
	Price          float64  `json:"price"`
	OriginalPrice  float64  `json:"original_price,omitempty"`
	Multiplier     float64  `json:"multiplier,omitempty"`
	IsGrouped      bool     `json:"is_grouped"`
	VariationCount int      `json:"variation_count"`
	PricePerUnit   float64  `json:"price_per_unit"`
	Title          string   `json:"title,omitempty"`
	Tags           []string `json:"tags,omitempty"`
	Complexity     string   `json:"complexity,omitempty"`
	GroupType      string   `json:"group_type,omitempty"`
	ClaimDeadline  string   `json:"claim_deadline,omitempty"`
}

// Category reports which capacity bucket the job draws from.
func (j Job) Category() Category {
	if j.IsGrouped {
		return CategoryGrouped
	}
	return CategorySingle
}
