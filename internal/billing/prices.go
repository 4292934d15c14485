package billing

import "github.com/PortNumber53/family-membership/internal/models"

// PriceCatalog maps billing cycles to processor price identifiers.
type PriceCatalog struct {
	BaseMonthly string
	BaseYearly  string
	SeatMonthly string
	SeatYearly  string
}

// Base returns the base plan price for cycle.
func (c PriceCatalog) Base(cycle models.BillingCycle) string {
	if cycle == models.BillingYearly {
		return c.BaseYearly
	}
	return c.BaseMonthly
}

// Seat returns the additional child price for cycle.
func (c PriceCatalog) Seat(cycle models.BillingCycle) string {
	if cycle == models.BillingYearly {
		return c.SeatYearly
	}
	return c.SeatMonthly
}

func (c PriceCatalog) IsBase(priceID string) bool {
	return priceID != "" && (priceID == c.BaseMonthly || priceID == c.BaseYearly)
}

func (c PriceCatalog) IsSeat(priceID string) bool {
	return priceID != "" && (priceID == c.SeatMonthly || priceID == c.SeatYearly)
}

// CycleOf returns the cycle a known price belongs to.
func (c PriceCatalog) CycleOf(priceID string) (models.BillingCycle, bool) {
	switch priceID {
	case "":
		return "", false
	case c.BaseMonthly, c.SeatMonthly:
		return models.BillingMonthly, true
	case c.BaseYearly, c.SeatYearly:
		return models.BillingYearly, true
	}
	return "", false
}

// Items returns the full line items for a subscription of seats children.
func (c PriceCatalog) Items(seats int, cycle models.BillingCycle) []LineItem {
	items := []LineItem{{PriceID: c.Base(cycle), Quantity: 1}}
	if seats > 1 {
		items = append(items, LineItem{PriceID: c.Seat(cycle), Quantity: int64(seats - 1)})
	}
	return items
}
