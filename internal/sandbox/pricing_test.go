package sandbox_test

import (
	"errors"
	"testing"

	"github.com/neomorfeo/seatdesk/internal/domain"
	"github.com/neomorfeo/seatdesk/internal/sandbox"
)

func TestQuote_Tiers(t *testing.T) {
	tests := []struct {
		name         string
		key          domain.QuoteKey
		perCandidate domain.Money
		total        domain.Money
		discount     float64
	}{
		{"single seat no discount", domain.QuoteKey{Seats: 1, SessionsPerDay: domain.SessionsUnlimited, Months: 12}, 36000, 36000, 0},
		{"new batch minimum", domain.QuoteKey{Seats: 10, SessionsPerDay: domain.Sessions5, Months: 3}, 3420, 34200, 5},
		{"25 seats", domain.QuoteKey{Seats: 25, SessionsPerDay: domain.Sessions10, Months: 6}, 10800, 270000, 10},
		{"50 seats", domain.QuoteKey{Seats: 50, SessionsPerDay: domain.Sessions3, Months: 1}, 680, 34000, 15},
		{"100 seats", domain.QuoteKey{Seats: 100, SessionsPerDay: domain.Sessions3, Months: 1}, 640, 64000, 20},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := sandbox.Quote(tt.key)
			if err != nil {
				t.Fatalf("Quote failed: %v", err)
			}
			if got.PerCandidate != tt.perCandidate {
				t.Errorf("PerCandidate = %s, want %s", got.PerCandidate, tt.perCandidate)
			}
			if got.Total != tt.total {
				t.Errorf("Total = %s, want %s", got.Total, tt.total)
			}
			if got.VolumeDiscountPercent != tt.discount {
				t.Errorf("VolumeDiscountPercent = %v, want %v", got.VolumeDiscountPercent, tt.discount)
			}
		})
	}
}

func TestQuote_RejectsUnofferedOptions(t *testing.T) {
	tests := []struct {
		name string
		key  domain.QuoteKey
	}{
		{"zero seats", domain.QuoteKey{Seats: 0, SessionsPerDay: domain.Sessions5, Months: 1}},
		{"unknown allowance", domain.QuoteKey{Seats: 5, SessionsPerDay: 7, Months: 1}},
		{"unknown duration", domain.QuoteKey{Seats: 5, SessionsPerDay: domain.Sessions5, Months: 2}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := sandbox.Quote(tt.key)
			var belowMin *domain.BelowMinimumSeatsError
			var invalid *domain.InvalidOptionError
			if !errors.As(err, &belowMin) && !errors.As(err, &invalid) {
				t.Errorf("expected a configuration error, got %v", err)
			}
		})
	}
}
