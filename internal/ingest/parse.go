package ingest

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"doorguard/internal/model"
)

// ParseModality maps the device-reported detection type onto a known
// modality. Firmware revisions disagree on the exact strings.
func ParseModality(value string) model.Modality {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "face", "facial", "faceid":
		return model.ModalityFace
	case "card", "swipe", "rfid", "badge":
		return model.ModalityCard
	}
	return model.ModalityCard
}

var timestampLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02 15:04:05",
	"2006-01-02 15:04:05.000",
	"2006-01-02T15:04:05",
	"2006-01-02T15:04:05.000",
	"2006-01-02T15:04:05Z0700",
	"2006-01-02 15:04:05Z0700",
}

// ParseEventTime accepts the timestamp formats door controllers are
// known to emit: RFC3339 variants, the bare device layout, and unix
// seconds or milliseconds.
func ParseEventTime(value string, loc *time.Location) (time.Time, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return time.Time{}, errors.New("empty timestamp")
	}
	if loc == nil {
		loc = time.UTC
	}
	if isNumeric(value) {
		if ts, err := parseUnix(value); err == nil {
			return ts, nil
		}
	}
	for _, layout := range timestampLayouts {
		// ParseInLocation applies loc only to zoneless layouts; zoned
		// ones keep their own offset.
		if t, err := time.ParseInLocation(layout, value, loc); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("unsupported timestamp format: %q", value)
}

func isNumeric(value string) bool {
	for _, ch := range value {
		if ch < '0' || ch > '9' {
			return false
		}
	}
	return len(value) > 0
}

// parseUnix reads up to 10 digits as seconds and 13 or more as
// milliseconds. 11 and 12 digit values are ambiguous (seconds would
// land millennia out) and are rejected.
func parseUnix(value string) (time.Time, error) {
	switch {
	case len(value) <= 10:
		sec, err := strconv.ParseInt(value, 10, 64)
		if err != nil {
			return time.Time{}, err
		}
		return time.Unix(sec, 0).UTC(), nil
	case len(value) >= 13:
		ms, err := strconv.ParseInt(value, 10, 64)
		if err != nil {
			return time.Time{}, err
		}
		return time.Unix(0, ms*int64(time.Millisecond)).UTC(), nil
	default:
		return time.Time{}, fmt.Errorf("ambiguous unix timestamp: %q", value)
	}
}
