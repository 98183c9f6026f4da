package sonos

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// ParseClock converts a transport "H:MM:SS" value into a duration.
// Devices report "NOT_IMPLEMENTED" for streams; that and an empty value
// parse as an error so callers can treat the position as unknown.
func ParseClock(s string) (time.Duration, error) {
	s = strings.TrimSpace(s)
	if s == "" || s == "NOT_IMPLEMENTED" {
		return 0, fmt.Errorf("no clock value in %q", s)
	}
	parts := strings.Split(s, ":")
	if len(parts) != 3 {
		return 0, fmt.Errorf("invalid clock value %q, expected H:MM:SS", s)
	}
	h, err := strconv.Atoi(parts[0])
	if err != nil || h < 0 {
		return 0, fmt.Errorf("invalid hours in %q", s)
	}
	m, err := strconv.Atoi(parts[1])
	if err != nil || m < 0 || m > 59 {
		return 0, fmt.Errorf("invalid minutes in %q", s)
	}
	// Some firmwares report fractional seconds; drop the fraction.
	secPart := parts[2]
	if i := strings.IndexByte(secPart, '.'); i >= 0 {
		secPart = secPart[:i]
	}
	sec, err := strconv.Atoi(secPart)
	if err != nil || sec < 0 || sec > 59 {
		return 0, fmt.Errorf("invalid seconds in %q", s)
	}
	return time.Duration(h)*time.Hour + time.Duration(m)*time.Minute + time.Duration(sec)*time.Second, nil
}

// FormatClock renders a duration as "H:MM:SS" for seek commands.
func FormatClock(d time.Duration) string {
	if d < 0 {
		d = 0
	}
	total := int(d / time.Second)
	return fmt.Sprintf("%d:%02d:%02d", total/3600, (total/60)%60, total%60)
}
