package middleware

import (
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/labstack/echo/v4"

	"github.com/careportal/portal/internal/platform/apperr"
)

// BodyLimitConfig sets a default cap for request bodies and a larger cap
// for multipart upload routes.
//
// Limits are human-readable strings: "1M" for 1 megabyte, "512K", "1G". A
// bare number is treated as bytes.
type BodyLimitConfig struct {
	Default     string
	Upload      string
	UploadPaths []string
}

// BodyLimit rejects requests whose declared Content-Length exceeds the
// applicable cap and stops reading bodies that exceed it without declaring
// a length. Over-limit reads fail with *http.MaxBytesError, which the error
// handler renders as 413.
func BodyLimit(cfg BodyLimitConfig) echo.MiddlewareFunc {
	defaultBytes := parseLimit(cfg.Default)
	uploadBytes := parseLimit(cfg.Upload)
	uploads := make(map[string]bool, len(cfg.UploadPaths))
	for _, p := range cfg.UploadPaths {
		uploads[p] = true
	}

	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			req := c.Request()
			if req.Body == nil || req.Body == http.NoBody {
				return next(c)
			}

			limit := defaultBytes
			if uploads[req.URL.Path] {
				limit = uploadBytes
			}

			if req.ContentLength > limit {
				return apperr.PayloadTooLarge(fmt.Sprintf("request body exceeds %d bytes", limit))
			}

			req.Body = &limitedReadCloser{
				ReadCloser: req.Body,
				remaining:  limit,
				limit:      limit,
			}

			return next(c)
		}
	}
}

// limitedReadCloser wraps an io.ReadCloser and returns an error once the
// read limit is exceeded.
type limitedReadCloser struct {
	io.ReadCloser
	remaining int64
	limit     int64
	exceeded  bool
}

func (r *limitedReadCloser) Read(p []byte) (n int, err error) {
	if r.exceeded {
		return 0, &http.MaxBytesError{Limit: r.limit}
	}

	// Read one byte past the limit to detect overflow.
	toRead := int64(len(p))
	if toRead > r.remaining+1 {
		toRead = r.remaining + 1
	}

	n, err = r.ReadCloser.Read(p[:toRead])
	r.remaining -= int64(n)

	if r.remaining < 0 {
		r.exceeded = true
		return 0, &http.MaxBytesError{Limit: r.limit}
	}

	return n, err
}

// parseLimit parses a human-readable size string (e.g. "1M", "512K", "10G")
// into the number of bytes. Unparseable input falls back to 1 MB.
func parseLimit(s string) int64 {
	s = strings.TrimSpace(s)
	if s == "" {
		return 1 << 20
	}

	s = strings.ToUpper(s)
	var multiplier int64 = 1

	if strings.HasSuffix(s, "G") || strings.HasSuffix(s, "GB") {
		multiplier = 1 << 30
		s = strings.TrimRight(s, "GB")
	} else if strings.HasSuffix(s, "M") || strings.HasSuffix(s, "MB") {
		multiplier = 1 << 20
		s = strings.TrimRight(s, "MB")
	} else if strings.HasSuffix(s, "K") || strings.HasSuffix(s, "KB") {
		multiplier = 1 << 10
		s = strings.TrimRight(s, "KB")
	}

	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil || n <= 0 {
		return 1 << 20
	}

	return n * multiplier
}
