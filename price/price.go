package price

import (
	"encoding/json"
	"fmt"
	"io/ioutil"

	"github.com/go-playground/validator/v10"
	extErrors "github.com/pkg/errors"
)

var validate = validator.New()

// Interval is how often a price bills
type Interval string

const (
	IntervalOnce  Interval = "once"
	IntervalMonth Interval = "month"
	IntervalYear  Interval = "year"
)

// Price maps a provider price id to the credits it grants
type Price struct {
	ID              string   `json:"id" validate:"required"`   // Corresponding to Stripe's PriceID
	Name            string   `json:"name" validate:"required"` // Name shown in orders and history
	CreditsGranted  int64    `json:"creditsGranted" validate:"gte=0"`
	Amount          int64    `json:"amount" validate:"gte=0"` // Amount in minor units
	Currency        string   `json:"currency" validate:"required,len=3"`
	BillingInterval Interval `json:"billingInterval" validate:"required,oneof=once month year"`
}

// Recurring is false for one-time purchases
func (p Price) Recurring() bool {
	return p.BillingInterval != IntervalOnce
}

// Catalog is the read-only lookup table of configured prices
type Catalog struct {
	prices     []Price
	priceIndex map[string]int
}

// loadPricesFromFile will read from the price JSON file to define what can be purchased.
// Changing CreditsGranted of an existing price applies from the next renewal onwards.
func loadPricesFromFile(filename string) ([]Price, error) {
	jsonBytes, err := ioutil.ReadFile(filename)
	if err != nil {
		return nil, extErrors.Wrap(err, "Cannot open prices JSON file")
	}
	prices := make([]Price, 0, 1)
	if err := json.Unmarshal(jsonBytes, &prices); err != nil {
		return nil, extErrors.Wrap(err, "Invalid price JSON file")
	}
	return prices, nil
}

// LoadCatalog reads and validates the price file
func LoadCatalog(filename string) (*Catalog, error) {
	if len(filename) == 0 {
		return nil, fmt.Errorf("empty filename is invalid")
	}
	prices, err := loadPricesFromFile(filename)
	if err != nil {
		return nil, err
	}
	return NewCatalog(prices)
}

// NewCatalog indexes prices by id. Duplicate ids are rejected.
func NewCatalog(prices []Price) (*Catalog, error) {
	index := make(map[string]int)
	for i, p := range prices {
		if err := validate.Struct(p); err != nil {
			return nil, extErrors.Wrapf(err, "Invalid price at index %d", i)
		}
		if index[p.ID] != 0 {
			return nil, fmt.Errorf("duplicate price id %s", p.ID)
		}
		index[p.ID] = i + 1
	}
	return &Catalog{
		prices:     prices,
		priceIndex: index,
	}, nil
}

// List returns every configured price
func (c *Catalog) List() []Price {
	return c.prices
}

// Lookup returns the current configuration of a price
func (c *Catalog) Lookup(priceID string) (Price, bool) {
	i := c.priceIndex[priceID]
	if i == 0 {
		return Price{}, false
	}
	return c.prices[i-1], true
}
