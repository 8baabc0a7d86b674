package engine

import (
	"testing"
	"time"
)

func TestDateRoundTrip(t *testing.T) {
	d := NewDate(2025, time.March, 15)
	y, m, day := d.YMD()
	if y != 2025 || m != time.March || day != 15 {
		t.Fatalf("round trip gave %d-%d-%d", y, m, day)
	}
	if d.String() != "2025-03-15" {
		t.Errorf("String() = %q", d.String())
	}
}

func TestDateArithmetic(t *testing.T) {
	d := NewDate(2025, time.January, 31)
	if got := d.AddMonths(1); got != NewDate(2025, time.March, 3) {
		// time.AddDate normalizes Jan 31 + 1 month past February.
		t.Errorf("AddMonths(1) = %s", got)
	}
	if got := NewDate(2024, time.February, 29).AddYears(1); got != NewDate(2025, time.March, 1) {
		t.Errorf("leap day + 1y = %s", got)
	}
	if NewDate(2025, time.December, 31).NextYearStart() != NewDate(2026, time.January, 1) {
		t.Error("NextYearStart wrong")
	}
}

func TestDaysInYear(t *testing.T) {
	cases := map[int]int{2024: 366, 2025: 365, 2000: 366, 1900: 365}
	for year, want := range cases {
		if got := DaysInYear(year); got != want {
			t.Errorf("DaysInYear(%d) = %d, want %d", year, got, want)
		}
	}
}

func TestAgeAt(t *testing.T) {
	birth := NewDate(1960, time.June, 15)
	cases := []struct {
		at     Date
		years  int
		months int
	}{
		{NewDate(2020, time.June, 15), 60, 0},
		{NewDate(2020, time.June, 14), 59, 11},
		{NewDate(2020, time.December, 15), 60, 6},
		{NewDate(2020, time.December, 14), 60, 5},
	}
	for _, c := range cases {
		y, m := AgeAt(birth, c.at)
		if y != c.years || m != c.months {
			t.Errorf("AgeAt(%s) = %dy%dm, want %dy%dm", c.at, y, m, c.years, c.months)
		}
	}
	if AgeInMonths(birth, NewDate(2020, time.June, 15)) != 720 {
		t.Error("AgeInMonths wrong at 60th birthday")
	}
}
