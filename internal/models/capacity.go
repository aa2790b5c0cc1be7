package models

// Capacity is one category's slot count for an account.
type Capacity struct {
	Current   int `json:"current"`
	Max       int `json:"max"`
	Available int `json:"available"`
}

// CapacitySnapshot holds both categories for one account.
type CapacitySnapshot struct {
	AccountID int      `json:"account_id"`
	Single    Capacity `json:"single"`
	Grouped   Capacity `json:"grouped"`
}

// Get returns the capacity for a category.
func (s CapacitySnapshot) Get(cat Category) Capacity {
	if cat == CategoryGrouped {
		return s.Grouped
	}
	return s.Single
}

// Set replaces the capacity for a category.
func (s *CapacitySnapshot) Set(cat Category, c Capacity) {
	if cat == CategoryGrouped {
		s.Grouped = c
		return
	}
	s.Single = c
}

// Full reports whether neither category has room.
func (s CapacitySnapshot) Full() bool {
	return s.Single.Available <= 0 && s.Grouped.Available <= 0
}

// CapacityMismatch records an (account, category) pair where the optimistic
// view disagreed with the site after reconciliation.
type CapacityMismatch struct {
	AccountID int      `json:"account_id"`
	Category  Category `json:"category"`
	Expected  Capacity `json:"expected"`
	Actual    Capacity `json:"actual"`
}
