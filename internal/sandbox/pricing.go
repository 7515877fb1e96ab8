package sandbox

import (
	"strconv"

	"github.com/neomorfeo/seatdesk/internal/domain"
)

// Monthly list price of one seat, by daily session allowance.
var basePrices = map[domain.SessionsPerDay]domain.Money{
	domain.Sessions3:         800,
	domain.Sessions5:         1200,
	domain.Sessions10:        2000,
	domain.SessionsUnlimited: 3000,
}

// Volume discount tiers, largest first.
var volumeTiers = []struct {
	minSeats int
	percent  int64
}{
	{100, 20},
	{50, 15},
	{25, 10},
	{10, 5},
}

// Price is the sandbox's authoritative price for one tuple.
type Price struct {
	BasePerSeatMonth      domain.Money
	PerCandidate          domain.Money
	Total                 domain.Money
	VolumeDiscountPercent float64
}

// Quote prices a seat/allowance/duration tuple. It enforces the offered
// options but not target minimums, which depend on the batch.
func Quote(key domain.QuoteKey) (Price, error) {
	if key.Seats < 1 {
		return Price{}, &domain.BelowMinimumSeatsError{Seats: key.Seats, Minimum: 1}
	}
	base, ok := basePrices[key.SessionsPerDay]
	if !ok {
		return Price{}, &domain.InvalidOptionError{Field: "sessions_per_day", Value: key.SessionsPerDay.String()}
	}
	if !key.Months.Valid() {
		return Price{}, &domain.InvalidOptionError{Field: "months", Value: strconv.Itoa(int(key.Months))}
	}

	discount := volumeDiscount(key.Seats)
	perCandidate := base * domain.Money(key.Months) * domain.Money(100-discount) / 100

	return Price{
		BasePerSeatMonth:      base,
		PerCandidate:          perCandidate,
		Total:                 perCandidate * domain.Money(key.Seats),
		VolumeDiscountPercent: float64(discount),
	}, nil
}

func volumeDiscount(seats int) int64 {
	for _, tier := range volumeTiers {
		if seats >= tier.minSeats {
			return tier.percent
		}
	}
	return 0
}
