// Package option derives synthetic index option contracts and tracks their
// simulated premium, stop, target and P&L.
package option

import (
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
	"unicode"
)

var ErrBadSymbol = errors.New("not an option symbol")

// Type is the option right.
type Type string

const (
	Put  Type = "PE"
	Call Type = "CE"
)

// ExpiryPolicy selects which listed expiry a new contract uses.
type ExpiryPolicy string

const (
	Weekly  ExpiryPolicy = "weekly"
	Monthly ExpiryPolicy = "monthly"
)

// Contract identifies one synthetic option.
type Contract struct {
	Symbol     string    `json:"symbol"`
	Underlying string    `json:"underlying"`
	Strike     float64   `json:"strike"`
	Type       Type      `json:"type"`
	Expiry     time.Time `json:"expiry"`
}

// Spec holds per-instrument contract rules.
type Spec struct {
	Underlying    string       `json:"underlying" yaml:"underlying"`
	StrikeStep    float64      `json:"strike_step" yaml:"strike_step"`
	Policy        ExpiryPolicy `json:"expiry_policy" yaml:"expiry_policy"`
	ExpiryWeekday time.Weekday `json:"expiry_weekday" yaml:"expiry_weekday"`
}

// Strike rounds price to the nearest multiple of step.
func Strike(price, step float64) float64 {
	if step <= 0 {
		return math.Round(price)
	}
	return math.Round(price/step) * step
}

// NextExpiry returns the expiry date on or after t. Weekly picks the next
// expiry weekday; monthly picks the last expiry weekday of the month, rolling
// into the next month once it has passed.
func NextExpiry(t time.Time, policy ExpiryPolicy, weekday time.Weekday) time.Time {
	day := time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, t.Location())
	if policy == Monthly {
		exp := lastWeekday(day.Year(), day.Month(), weekday, t.Location())
		if exp.Before(day) {
			next := day.AddDate(0, 1, 1-day.Day())
			exp = lastWeekday(next.Year(), next.Month(), weekday, t.Location())
		}
		return exp
	}
	diff := (int(weekday) - int(day.Weekday()) + 7) % 7
	return day.AddDate(0, 0, diff)
}

func lastWeekday(year int, month time.Month, weekday time.Weekday, loc *time.Location) time.Time {
	last := time.Date(year, month+1, 0, 0, 0, 0, 0, loc)
	diff := (int(last.Weekday()) - int(weekday) + 7) % 7
	return last.AddDate(0, 0, -diff)
}

// ExpiryCode formats the expiry the way exchange trading symbols do:
// weekly YYMDD with O, N, D for Oct-Dec, monthly YYMMM.
func ExpiryCode(expiry time.Time, monthly bool) string {
	yy := expiry.Year() % 100
	if monthly {
		return fmt.Sprintf("%02d%s", yy, strings.ToUpper(expiry.Month().String()[:3]))
	}
	var m string
	switch expiry.Month() {
	case time.October:
		m = "O"
	case time.November:
		m = "N"
	case time.December:
		m = "D"
	default:
		m = fmt.Sprintf("%d", int(expiry.Month()))
	}
	return fmt.Sprintf("%02d%s%02d", yy, m, expiry.Day())
}

// Symbol builds underlying + expiry code + strike + type.
func Symbol(underlying string, expiry time.Time, monthly bool, strike float64, typ Type) string {
	return fmt.Sprintf("%s%s%s%s", underlying, ExpiryCode(expiry, monthly), formatStrike(strike), typ)
}

func formatStrike(strike float64) string {
	if strike == math.Trunc(strike) {
		return fmt.Sprintf("%d", int64(strike))
	}
	return strings.TrimRight(fmt.Sprintf("%.2f", strike), "0")
}

// NewContract derives the ATM contract for indexPrice at time at.
func (s Spec) NewContract(indexPrice float64, typ Type, at time.Time) Contract {
	strike := Strike(indexPrice, s.StrikeStep)
	weekday := s.ExpiryWeekday
	expiry := NextExpiry(at, s.Policy, weekday)
	return Contract{
		Symbol:     Symbol(s.Underlying, expiry, s.Policy == Monthly, strike, typ),
		Underlying: s.Underlying,
		Strike:     strike,
		Type:       typ,
		Expiry:     expiry,
	}
}

// ParseSymbol reverses Symbol. The expiry comes back as a UTC date; monthly
// codes resolve to the last Thursday of the month.
func ParseSymbol(symbol string) (Contract, error) {
	bad := fmt.Errorf("%w: %q", ErrBadSymbol, symbol)
	if len(symbol) < 3 {
		return Contract{}, bad
	}
	typ := Type(symbol[len(symbol)-2:])
	if typ != Put && typ != Call {
		return Contract{}, bad
	}
	body := symbol[:len(symbol)-2]
	i := strings.IndexFunc(body, unicode.IsDigit)
	if i <= 0 || len(body)-i < 6 {
		return Contract{}, bad
	}
	underlying, code, strikeStr := body[:i], body[i:i+5], body[i+5:]

	expiry, ok := parseExpiryCode(code)
	if !ok {
		return Contract{}, bad
	}
	strike, err := strconv.ParseFloat(strikeStr, 64)
	if err != nil || strike <= 0 {
		return Contract{}, bad
	}
	return Contract{
		Symbol:     symbol,
		Underlying: underlying,
		Strike:     strike,
		Type:       typ,
		Expiry:     expiry,
	}, nil
}

func parseExpiryCode(code string) (time.Time, bool) {
	yy, err := strconv.Atoi(code[:2])
	if err != nil {
		return time.Time{}, false
	}
	year := 2000 + yy

	if day, err := strconv.Atoi(code[3:]); err == nil {
		var month time.Month
		switch code[2] {
		case 'O':
			month = time.October
		case 'N':
			month = time.November
		case 'D':
			month = time.December
		default:
			if code[2] < '1' || code[2] > '9' {
				return time.Time{}, false
			}
			month = time.Month(code[2] - '0')
		}
		exp := time.Date(year, month, day, 0, 0, 0, 0, time.UTC)
		if exp.Month() != month || exp.Day() != day {
			return time.Time{}, false
		}
		return exp, true
	}

	t, err := time.Parse("Jan", code[2:3]+strings.ToLower(code[3:]))
	if err != nil {
		return time.Time{}, false
	}
	return lastWeekday(year, t.Month(), time.Thursday, time.UTC), true
}
