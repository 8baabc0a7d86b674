package engine

import "time"

// Date is a calendar day, stored as days since 1970-01-01 (UTC).
// All simulation time is day-granular; sub-day ordering within a checkpoint
// is program order of effect application.
type Date int

const dateEpochYear = 1970

// NewDate builds a Date from a calendar year, month and day.
func NewDate(year int, month time.Month, day int) Date {
	t := time.Date(year, month, day, 0, 0, 0, 0, time.UTC)
	return Date(t.Unix() / 86400)
}

// DateFromTime truncates a time.Time to its UTC calendar day.
func DateFromTime(t time.Time) Date {
	u := t.UTC()
	return NewDate(u.Year(), u.Month(), u.Day())
}

// Time returns the midnight UTC instant of the day.
func (d Date) Time() time.Time {
	return time.Unix(int64(d)*86400, 0).UTC()
}

// YMD returns the calendar components of the day.
func (d Date) YMD() (year int, month time.Month, day int) {
	t := d.Time()
	return t.Year(), t.Month(), t.Day()
}

// Year returns the calendar year containing the day.
func (d Date) Year() int {
	return d.Time().Year()
}

// AddDays returns the day n days later (earlier for negative n).
func (d Date) AddDays(n int) Date {
	return d + Date(n)
}

// AddMonths returns the day n calendar months later. Uses time.AddDate
// semantics: Jan 31 + 1 month normalizes to Mar 2/3.
func (d Date) AddMonths(n int) Date {
	return DateFromTime(d.Time().AddDate(0, n, 0))
}

// AddYears returns the day n calendar years later.
func (d Date) AddYears(n int) Date {
	return DateFromTime(d.Time().AddDate(n, 0, 0))
}

// YearStart returns January 1 of the day's calendar year.
func (d Date) YearStart() Date {
	return NewDate(d.Year(), time.January, 1)
}

// NextYearStart returns January 1 of the following calendar year.
func (d Date) NextYearStart() Date {
	return NewDate(d.Year()+1, time.January, 1)
}

// String formats the day as YYYY-MM-DD.
func (d Date) String() string {
	return d.Time().Format("2006-01-02")
}

// DaysInYear returns 365 or 366 for the given calendar year.
func DaysInYear(year int) int {
	if isLeapYear(year) {
		return 366
	}
	return 365
}

func isLeapYear(year int) bool {
	return year%4 == 0 && (year%100 != 0 || year%400 == 0)
}

// AgeAt returns whole years and remaining whole months of age at the given
// day for the given birth day.
func AgeAt(birth, at Date) (years, months int) {
	by, bm, bd := birth.YMD()
	ay, am, ad := at.YMD()
	years = ay - by
	months = int(am) - int(bm)
	if ad < bd {
		months--
	}
	if months < 0 {
		years--
		months += 12
	}
	if years < 0 {
		return 0, 0
	}
	return years, months
}

// AgeInMonths returns total whole months of age at the given day.
func AgeInMonths(birth, at Date) int {
	y, m := AgeAt(birth, at)
	return y*12 + m
}
