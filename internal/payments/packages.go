package payments

// CreditPackage is one purchasable tier.
type CreditPackage struct {
	Credits  int64   `json:"credits"`
	PriceGBP float64 `json:"price_gbp"`
	Popular  bool    `json:"popular"`
	Discount string  `json:"discount,omitempty"`
}

// Packages returns the fixed purchase tiers.
func Packages() []CreditPackage {
	return []CreditPackage{
		{Credits: 1000, PriceGBP: 1.0},
		{Credits: 5000, PriceGBP: 4.5, Popular: true, Discount: "10% off"},
		{Credits: 10000, PriceGBP: 8.0, Discount: "20% off"},
		{Credits: 25000, PriceGBP: 18.75, Discount: "25% off"},
	}
}

// PricePence converts a credit quantity to pence at the base rate of
// 1000 credits = £1.00.
func PricePence(credits int64) int64 {
	return credits / 10
}
