// Package pricing computes family membership prices from a seat count.
package pricing

import (
	"math"

	"github.com/PortNumber53/family-membership/internal/models"
)

// Config holds the price list. Prices are whole currency units.
type Config struct {
	BasePrice      int
	PerChildPrice  int
	MinChildren    int
	MaxChildren    int
	AnnualDiscount float64
}

// Default returns the standard family price list.
func Default() Config {
	return Config{
		BasePrice:      17,
		PerChildPrice:  10,
		MinChildren:    1,
		MaxChildren:    10,
		AnnualDiscount: 0.25,
	}
}

// Clamp bounds n to [MinChildren, MaxChildren].
func (c Config) Clamp(n int) int {
	if n < c.MinChildren {
		return c.MinChildren
	}
	if n > c.MaxChildren {
		return c.MaxChildren
	}
	return n
}

// InRange reports whether n is an allowed seat count.
func (c Config) InRange(n int) bool {
	return n >= c.MinChildren && n <= c.MaxChildren
}

// MonthlyPrice returns the monthly price for n seats. Out of range input is clamped.
func (c Config) MonthlyPrice(n int) int {
	n = c.Clamp(n)
	return c.BasePrice + (n-1)*c.PerChildPrice
}

// YearlyPrice returns the discounted annual price for n seats.
func (c Config) YearlyPrice(n int) int {
	full := float64(c.MonthlyPrice(n) * 12)
	return int(math.Round(full * (1 - c.AnnualDiscount)))
}

// AnnualSavings is the difference between twelve monthly payments and the yearly price.
func (c Config) AnnualSavings(n int) int {
	return c.MonthlyPrice(n)*12 - c.YearlyPrice(n)
}

// Price returns the amount charged per billing period.
func (c Config) Price(n int, cycle models.BillingCycle) int {
	if cycle == models.BillingYearly {
		return c.YearlyPrice(n)
	}
	return c.MonthlyPrice(n)
}

// MonthlyEquivalent spreads a yearly price over twelve months.
func (c Config) MonthlyEquivalent(n int, cycle models.BillingCycle) int {
	if cycle == models.BillingYearly {
		return int(math.Round(float64(c.YearlyPrice(n)) / 12))
	}
	return c.MonthlyPrice(n)
}

// Table lists prices for every allowed seat count.
func (c Config) Table() []models.PlanPrice {
	table := make([]models.PlanPrice, 0, c.MaxChildren-c.MinChildren+1)
	for n := c.MinChildren; n <= c.MaxChildren; n++ {
		table = append(table, models.PlanPrice{
			Children:      n,
			MonthlyPrice:  c.MonthlyPrice(n),
			YearlyPrice:   c.YearlyPrice(n),
			AnnualSavings: c.AnnualSavings(n),
		})
	}
	return table
}
