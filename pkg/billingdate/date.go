// Package billingdate provides a calendar date type for billing schedules.
//
// Billing dates carry no time of day or zone. Values compare as dates, never
// as strings, and round-trip through SQL DATE columns and JSON as YYYY-MM-DD.
package billingdate

import (
	"database/sql/driver"
	"fmt"
	"strings"
	"time"

	"github.com/golang-sql/civil"
)

const layout = "2006-01-02"

type Date struct {
	d civil.Date
}

func New(year int, month time.Month, day int) Date {
	return Date{d: civil.Date{Year: year, Month: month, Day: day}}
}

// Of returns the UTC calendar date of t.
func Of(t time.Time) Date {
	return Date{d: civil.DateOf(t.UTC())}
}

func Parse(s string) (Date, error) {
	s = strings.TrimSpace(s)
	if len(s) > len(layout) {
		// Drivers may hand back a full timestamp for DATE columns.
		s = s[:len(layout)]
	}
	parsed, err := civil.ParseDate(s)
	if err != nil {
		return Date{}, fmt.Errorf("parse billing date %q: %w", s, err)
	}
	return Date{d: parsed}, nil
}

func MustParse(s string) Date {
	d, err := Parse(s)
	if err != nil {
		panic(err)
	}
	return d
}

func (d Date) Year() int { return d.d.Year }
func (d Date) Month() time.Month { return d.d.Month }
func (d Date) Day() int { return d.d.Day }
func (d Date) IsZero() bool { return d.d.IsZero() }
func (d Date) Before(o Date) bool { return d.d.Before(o.d) }
func (d Date) After(o Date) bool { return d.d.After(o.d) }
func (d Date) Equal(o Date) bool { return d.d == o.d }
func (d Date) AddDays(n int) Date { return Date{d: d.d.AddDays(n)} }
func (d Date) DaysSince(o Date) int { return d.d.DaysSince(o.d) }

// AddMonths adds calendar months with time.AddDate normalisation, so
// 2025-01-31 plus one month is 2025-03-03.
func (d Date) AddMonths(n int) Date {
	return Of(d.Time().AddDate(0, n, 0))
}

// Time returns midnight UTC on the date.
func (d Date) Time() time.Time {
	return d.d.In(time.UTC)
}

func (d Date) String() string {
	if d.IsZero() {
		return ""
	}
	return d.d.String()
}

func (d Date) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

func (d *Date) UnmarshalText(data []byte) error {
	if len(data) == 0 {
		*d = Date{}
		return nil
	}
	parsed, err := Parse(string(data))
	if err != nil {
		return err
	}
	*d = parsed
	return nil
}

// Value stores the date as YYYY-MM-DD text so every dialect compares it
// as a date.
func (d Date) Value() (driver.Value, error) {
	if d.IsZero() {
		return nil, nil
	}
	return d.String(), nil
}

func (d *Date) Scan(src any) error {
	switch v := src.(type) {
	case nil:
		*d = Date{}
		return nil
	case time.Time:
		*d = Date{d: civil.DateOf(v)}
		return nil
	case string:
		return d.UnmarshalText([]byte(v))
	case []byte:
		return d.UnmarshalText(v)
	default:
		return fmt.Errorf("billingdate: cannot scan %T", src)
	}
}

func (Date) GormDataType() string {
	return "date"
}
