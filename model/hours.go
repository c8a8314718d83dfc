package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// HoursPrecision is the number of decimal places kept for fractional hours.
const HoursPrecision = 2

var nanosPerHour = decimal.NewFromInt(int64(time.Hour))

// DurationHours converts d to fractional hours rounded to two decimals.
func DurationHours(d time.Duration) decimal.Decimal {
	return decimal.NewFromInt(int64(d)).Div(nanosPerHour).Round(HoursPrecision)
}

// WholeHours returns h as a decimal with two-decimal precision.
func WholeHours(h int) decimal.Decimal {
	return decimal.NewFromInt(int64(h)).Round(HoursPrecision)
}

// RemainingHours returns the hours left before deadline at now, clamped at
// zero.
func RemainingHours(deadline, now time.Time) decimal.Decimal {
	if !now.Before(deadline) {
		return decimal.Zero
	}
	return DurationHours(deadline.Sub(now))
}

// Ratio returns num/den rounded to two decimals, or zero when den is zero.
func Ratio(num, den int) decimal.Decimal {
	if den == 0 {
		return decimal.Zero
	}
	return decimal.NewFromInt(int64(num)).Div(decimal.NewFromInt(int64(den))).Round(HoursPrecision)
}
