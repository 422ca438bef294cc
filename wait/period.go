package wait

import (
	"fmt"
	"time"

	"github.com/goliatone/go-waitpoint"
)

const (
	day   = 24 * time.Hour
	week  = 7 * day
	month = 30 * day
	year  = 365 * day
)

// Period is a relative wait. Set exactly one unit.
type Period struct {
	Seconds float64
	Minutes float64
	Hours   float64
	Days    float64
	Weeks   float64
	Months  float64
	Years   float64
}

type periodUnit struct {
	amount float64
	unit   time.Duration
	name   string
}

func (p Period) units() []periodUnit {
	all := []periodUnit{
		{p.Seconds, time.Second, "second"},
		{p.Minutes, time.Minute, "minute"},
		{p.Hours, time.Hour, "hour"},
		{p.Days, day, "day"},
		{p.Weeks, week, "week"},
		{p.Months, month, "month"},
		{p.Years, year, "year"},
	}
	set := make([]periodUnit, 0, 1)
	for _, u := range all {
		if u.amount != 0 {
			set = append(set, u)
		}
	}
	return set
}

// Duration converts the period. An empty period is zero.
func (p Period) Duration() (time.Duration, error) {
	set := p.units()
	switch len(set) {
	case 0:
		return 0, nil
	case 1:
		return time.Duration(set[0].amount * float64(set[0].unit)), nil
	default:
		return 0, waitpoint.NewError(waitpoint.ErrInvalidInput, "period must set exactly one unit", nil, map[string]any{
			"units": len(set),
		})
	}
}

// String renders the period as "1 second" or "10 seconds".
func (p Period) String() string {
	set := p.units()
	if len(set) != 1 {
		return "0 seconds"
	}
	u := set[0]
	if u.amount == 1 {
		return "1 " + u.name
	}
	return fmt.Sprintf("%g %ss", u.amount, u.name)
}
