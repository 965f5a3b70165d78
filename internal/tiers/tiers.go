// Package tiers defines the purchasable key tiers and their prices.
package tiers

import (
	"errors"
	"fmt"
	"sort"
	"strconv"
	"time"
)

const (
	// UnlimitedMonthCode is the tier code of the 1-month unlimited plan.
	UnlimitedMonthCode = 998
	// UnlimitedQuarterCode is the tier code of the 3-month unlimited plan.
	UnlimitedQuarterCode = 999
	// TrialCode is the tier code of the free trial key.
	TrialCode = 3

	// GiB is the byte size of one quota gigabyte.
	GiB int64 = 1 << 30

	daysPerMonth = 30

	// PaidPrefix and TrialPrefix start gateway key names.
	PaidPrefix  = "Paid"
	TrialPrefix = "FreeTrial"
	// TrialProfileTier is the tier label written to the username registry for trial keys.
	TrialProfileTier = "Free"
)

// ErrUnknownTier is returned for codes outside the catalog.
var ErrUnknownTier = errors.New("tiers: unknown tier")

// Tier is one purchasable unit.
type Tier struct {
	Code      int  `json:"code"`
	Unlimited bool `json:"unlimited"`
	Months    int  `json:"months"`
}

// QuotaBytes returns the data limit of the tier; 0 for unlimited tiers.
func (t Tier) QuotaBytes() int64 {
	if t.Unlimited {
		return 0
	}
	return int64(t.Code) * GiB
}

// Label returns the transaction tier label.
func (t Tier) Label() string {
	return strconv.Itoa(t.Code) + "GB"
}

// Description is a human readable tier name.
func (t Tier) Description() string {
	if !t.Unlimited {
		return fmt.Sprintf("%d GB", t.Code)
	}
	if t.Months == 1 {
		return "Unlimited (1 month)"
	}
	return fmt.Sprintf("Unlimited (%d months)", t.Months)
}

// ExpiresAt returns now plus 30 days per month of validity.
func (t Tier) ExpiresAt(now time.Time) time.Time {
	months := t.Months
	if months <= 0 {
		months = 1
	}
	return now.Add(time.Duration(daysPerMonth*months) * 24 * time.Hour)
}

// Trial is the free trial tier.
var Trial = Tier{Code: TrialCode, Months: 1}

// Lookup returns the tier for code. The trial tier is not purchasable.
func Lookup(code int) (Tier, error) {
	switch code {
	case 5, 10, 25, 50:
		return Tier{Code: code, Months: 1}, nil
	case UnlimitedMonthCode:
		return Tier{Code: code, Unlimited: true, Months: 1}, nil
	case UnlimitedQuarterCode:
		return Tier{Code: code, Unlimited: true, Months: 3}, nil
	default:
		return Tier{}, fmt.Errorf("%w: %d", ErrUnknownTier, code)
	}
}

// DefaultNewPrices are the prices for first-time buyers.
func DefaultNewPrices() map[int]float64 {
	return map[int]float64{5: 35, 10: 55, 25: 99, 50: 145, UnlimitedMonthCode: 195, UnlimitedQuarterCode: 555}
}

// DefaultReturningPrices are the prices for users who already own a live key.
func DefaultReturningPrices() map[int]float64 {
	return map[int]float64{5: 35, 10: 50, 25: 90, 50: 135, UnlimitedMonthCode: 175, UnlimitedQuarterCode: 530}
}

// Catalog prices the purchasable tiers.
type Catalog struct {
	newPrices       map[int]float64
	returningPrices map[int]float64
}

// NewCatalog builds a catalog from the defaults with the given overrides applied.
func NewCatalog(newOverrides, returningOverrides map[int]float64) *Catalog {
	c := &Catalog{newPrices: DefaultNewPrices(), returningPrices: DefaultReturningPrices()}
	for code, price := range newOverrides {
		if _, err := Lookup(code); err == nil && price > 0 {
			c.newPrices[code] = price
		}
	}
	for code, price := range returningOverrides {
		if _, err := Lookup(code); err == nil && price > 0 {
			c.returningPrices[code] = price
		}
	}
	return c
}

// Price returns the tier price for a new or returning customer.
func (c *Catalog) Price(code int, returning bool) (float64, error) {
	if _, err := Lookup(code); err != nil {
		return 0, err
	}
	if returning {
		return c.returningPrices[code], nil
	}
	return c.newPrices[code], nil
}

// MinPrice returns the lowest price any customer pays for the tier.
func (c *Catalog) MinPrice(code int) (float64, error) {
	newPrice, err := c.Price(code, false)
	if err != nil {
		return 0, err
	}
	returningPrice, _ := c.Price(code, true)
	if returningPrice < newPrice {
		return returningPrice, nil
	}
	return newPrice, nil
}

// Offer is a priced tier.
type Offer struct {
	Tier        Tier    `json:"tier"`
	Description string  `json:"description"`
	Price       float64 `json:"price"`
}

// Offers lists every purchasable tier priced for the customer, quota tiers first.
func (c *Catalog) Offers(returning bool) []Offer {
	codes := make([]int, 0, len(c.newPrices))
	for code := range c.newPrices {
		codes = append(codes, code)
	}
	sort.Ints(codes)
	out := make([]Offer, 0, len(codes))
	for _, code := range codes {
		tier, err := Lookup(code)
		if err != nil {
			continue
		}
		price, _ := c.Price(code, returning)
		out = append(out, Offer{Tier: tier, Description: tier.Description(), Price: price})
	}
	return out
}

// KeyName builds the gateway name for a new key.
func KeyName(prefix string, userID int64, now time.Time) string {
	return fmt.Sprintf("%s_%d_%d", prefix, userID, now.Unix())
}
