// Copyright (C) 2022 Sneller, Inc.
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <http://www.gnu.org/licenses/>.

package schema

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Date is Pythia's packed DATE representation: (sec,min,hour,day,month,year)
// packed into a single 64-bit word with the bit widths spec.md §3 mandates:
// sec:6, min:6, hour:5, day:5, month:4, year:18. This mirrors the bit-packing
// idiom of the teacher's date.Time (date/time.go) with different field
// widths, since spec.md fixes its own layout independent of Sneller's.
type Date uint64

const (
	dateSecBits   = 6
	dateMinBits   = 6
	dateHourBits  = 5
	dateDayBits   = 5
	dateMonthBits = 4
	dateYearBits  = 18

	dateSecShift   = 0
	dateMinShift   = dateSecShift + dateSecBits
	dateHourShift  = dateMinShift + dateMinBits
	dateDayShift   = dateHourShift + dateHourBits
	dateMonthShift = dateDayShift + dateDayBits
	dateYearShift  = dateMonthShift + dateMonthBits

	dateSecMask   = (1 << dateSecBits) - 1
	dateMinMask   = (1 << dateMinBits) - 1
	dateHourMask  = (1 << dateHourBits) - 1
	dateDayMask   = (1 << dateDayBits) - 1
	dateMonthMask = (1 << dateMonthBits) - 1
	dateYearMask  = (1 << dateYearBits) - 1
)

// Pack builds a Date from components. day and month are 1-based.
func Pack(sec, min, hour, day, month, year int) Date {
	return Date(
		uint64(sec&dateSecMask)<<dateSecShift |
			uint64(min&dateMinMask)<<dateMinShift |
			uint64(hour&dateHourMask)<<dateHourShift |
			uint64(day&dateDayMask)<<dateDayShift |
			uint64(month&dateMonthMask)<<dateMonthShift |
			uint64(year&dateYearMask)<<dateYearShift,
	)
}

// Sec, Min, Hour, Day, Month, Year unpack the respective field.
func (d Date) Sec() int   { return int(uint64(d)>>dateSecShift) & dateSecMask }
func (d Date) Min() int   { return int(uint64(d)>>dateMinShift) & dateMinMask }
func (d Date) Hour() int  { return int(uint64(d)>>dateHourShift) & dateHourMask }
func (d Date) Day() int   { return int(uint64(d)>>dateDayShift) & dateDayMask }
func (d Date) Month() int { return int(uint64(d)>>dateMonthShift) & dateMonthMask }
func (d Date) Year() int  { return int(uint64(d)>>dateYearShift) & dateYearMask }

// ToTime converts d to a UTC time.Time, for formatting/debugging only; the
// engine itself never needs this on the hot path.
func (d Date) ToTime() time.Time {
	return time.Date(d.Year(), time.Month(d.Month()), d.Day(), d.Hour(), d.Min(), d.Sec(), 0, time.UTC)
}

// AddMonths returns d shifted by n months (n may be negative), normalizing
// year overflow/underflow. Used by seed scenario 4's "subtract one month"
// join predicate.
func (d Date) AddMonths(n int) Date {
	t := d.ToTime().AddDate(0, n, 0)
	return Pack(t.Second(), t.Minute(), t.Hour(), t.Day(), int(t.Month()), t.Year())
}

// ParseDate parses a date string according to format, where format uses the
// same token vocabulary as the ColumnSpec.DateFormat side table
// (d/m/y, fixed field order, '/' separated), matching the original config's
// per-column DATE format strings. Only the "d/m/y" format used throughout
// spec.md's seed scenarios is supported; richer formats are unnecessary here
// since the config-to-plan constructor that would supply them is out of
// scope (spec.md §1).
func ParseDate(s, format string) (Date, error) {
	switch format {
	case "", "d/m/y":
		parts := strings.Split(s, "/")
		if len(parts) != 3 {
			return 0, fmt.Errorf("schema: bad date %q for format %q", s, format)
		}
		day, err := strconv.Atoi(parts[0])
		if err != nil {
			return 0, fmt.Errorf("schema: bad day in %q: %w", s, err)
		}
		month, err := strconv.Atoi(parts[1])
		if err != nil {
			return 0, fmt.Errorf("schema: bad month in %q: %w", s, err)
		}
		year, err := strconv.Atoi(parts[2])
		if err != nil {
			return 0, fmt.Errorf("schema: bad year in %q: %w", s, err)
		}
		return Pack(0, 0, 0, day, month, year), nil
	default:
		return 0, fmt.Errorf("schema: unsupported date format %q", format)
	}
}

// Format renders d according to format (see ParseDate).
func (d Date) Format(format string) string {
	switch format {
	case "", "d/m/y":
		return fmt.Sprintf("%d/%d/%d", d.Day(), d.Month(), d.Year())
	default:
		return d.ToTime().Format(format)
	}
}
