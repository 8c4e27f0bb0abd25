package extract

import (
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

var energyPattern = regexp.MustCompile(`(?i)(\d[\d,]*(?:\.\d+)?)[ \t]*kwh`)

// Energy returns the first kWh reading in the text, if any.
func Energy(text string) (decimal.Decimal, bool) {
	m := energyPattern.FindStringSubmatch(text)
	if m == nil {
		return decimal.Zero, false
	}
	d, err := decimal.NewFromString(strings.ReplaceAll(m[1], ",", ""))
	if err != nil {
		return decimal.Zero, false
	}
	return d, true
}

var timestampPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(\d{1,2})/(\d{1,2})/(\d{4})\s+(\d{1,2}):(\d{2})\s*([AaPp][Mm])?`),
	regexp.MustCompile(`(\d{1,2})-(\d{1,2})-(\d{4})\s+(\d{1,2}):(\d{2})()`),
}

// Timestamp returns the first US style date and time printed on the receipt,
// interpreted in loc.
func Timestamp(text string, loc *time.Location) (time.Time, bool) {
	if loc == nil {
		loc = time.UTC
	}
	for _, re := range timestampPatterns {
		for _, m := range re.FindAllStringSubmatch(text, -1) {
			if t, ok := buildTimestamp(m, loc); ok {
				return t, true
			}
		}
	}
	return time.Time{}, false
}

func buildTimestamp(m []string, loc *time.Location) (time.Time, bool) {
	month, _ := strconv.Atoi(m[1])
	day, _ := strconv.Atoi(m[2])
	year, _ := strconv.Atoi(m[3])
	hour, _ := strconv.Atoi(m[4])
	minute, _ := strconv.Atoi(m[5])

	switch strings.ToUpper(m[6]) {
	case "PM":
		if hour < 1 || hour > 12 {
			return time.Time{}, false
		}
		if hour != 12 {
			hour += 12
		}
	case "AM":
		if hour < 1 || hour > 12 {
			return time.Time{}, false
		}
		if hour == 12 {
			hour = 0
		}
	}
	if month < 1 || month > 12 || day < 1 || day > 31 || hour > 23 || minute > 59 {
		return time.Time{}, false
	}
	t := time.Date(year, time.Month(month), day, hour, minute, 0, 0, loc)
	// time.Date normalizes 02/31 into March; reject instead.
	if t.Day() != day {
		return time.Time{}, false
	}
	return t, true
}
