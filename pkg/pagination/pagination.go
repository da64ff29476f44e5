package pagination

import (
	"errors"
	"strconv"
	"strings"

	"github.com/labstack/echo/v4"
)

// Bounds describes how a "limit" query parameter is interpreted.
type Bounds struct {
	Default int
	Min     int
	Max     int
}

// HistoryBounds applies to health history listings.
var HistoryBounds = Bounds{Default: 50, Min: 1, Max: 200}

// Clamp forces n into [Min, Max].
func (b Bounds) Clamp(n int) int {
	if n < b.Min {
		return b.Min
	}
	if n > b.Max {
		return b.Max
	}
	return n
}

// Parse reads a leading integer from raw ("25", "25abc", " 7") and clamps
// it. Input with no leading digits counts as absent and yields Default.
func (b Bounds) Parse(raw string) int {
	raw = strings.TrimSpace(raw)
	end := 0
	for end < len(raw) && (raw[end] >= '0' && raw[end] <= '9' || end == 0 && (raw[0] == '-' || raw[0] == '+')) {
		end++
	}
	n, err := strconv.Atoi(raw[:end])
	if errors.Is(err, strconv.ErrRange) {
		if raw[0] == '-' {
			return b.Min
		}
		return b.Max
	}
	if err != nil {
		return b.Default
	}
	return b.Clamp(n)
}

// LimitFromContext reads the "limit" query parameter.
func LimitFromContext(c echo.Context, b Bounds) int {
	return b.Parse(c.QueryParam("limit"))
}
