package models

import "time"

// Plan is a seat-count tier. Rows are created lazily the first time a
// membership needs a given seat count; max_children is unique.
type Plan struct {
	ID           string    `json:"id"`
	Name         string    `json:"name"`
	MaxChildren  int       `json:"max_children"`
	PriceMonthly int       `json:"price_monthly"`
	PriceYearly  int       `json:"price_yearly"`
	CreatedAt    time.Time `json:"created_at"`
}

// PlanPrice is one row of the public price table.
type PlanPrice struct {
	Children      int `json:"children"`
	MonthlyPrice  int `json:"monthly_price"`
	YearlyPrice   int `json:"yearly_price"`
	AnnualSavings int `json:"annual_savings"`
}
