package praytimes

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const defaultAladhanBase = "https://api.aladhan.com/v1"

// methodCodes maps config method names to AlAdhan method ids.
var methodCodes = map[string]int{
	"ISNA":    2,
	"MWL":     3,
	"MAKKAH":  4,
	"EGYPT":   5,
	"KARACHI": 1,
}

// AladhanClient queries the AlAdhan timings API.
type AladhanClient struct {
	BaseURL string
	Client  *http.Client
}

func NewAladhanClient() *AladhanClient {
	return &AladhanClient{
		BaseURL: defaultAladhanBase,
		Client:  &http.Client{Timeout: 10 * time.Second},
	}
}

type aladhanResponse struct {
	Code int `json:"code"`
	Data struct {
		Timings map[string]string `json:"timings"`
	} `json:"data"`
}

func (c *AladhanClient) Times(ctx context.Context, date time.Time, loc Location) (Times, error) {
	base := c.BaseURL
	if base == "" {
		base = defaultAladhanBase
	}
	q := url.Values{}
	q.Set("latitude", fmt.Sprintf("%.6f", loc.Latitude))
	q.Set("longitude", fmt.Sprintf("%.6f", loc.Longitude))
	if code, ok := methodCodes[strings.ToUpper(strings.TrimSpace(loc.Method))]; ok {
		q.Set("method", fmt.Sprintf("%d", code))
	}
	if loc.Zone != nil {
		q.Set("timezonestring", loc.Zone.String())
	}
	u := fmt.Sprintf("%s/timings/%s?%s", base, date.Format("02-01-2006"), q.Encode())

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.Client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("aladhan: unexpected status %d", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, err
	}
	var parsed aladhanResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, fmt.Errorf("aladhan: %w", err)
	}
	if parsed.Code != http.StatusOK || len(parsed.Data.Timings) == 0 {
		return nil, fmt.Errorf("aladhan: malformed response (code %d)", parsed.Code)
	}

	out := Times{}
	for name, raw := range parsed.Data.Timings {
		out[strings.ToLower(name)] = cleanClock(raw)
	}
	if err := validate(out, []string{"fajr", "dhuhr", "asr", "maghrib", "isha"}); err != nil {
		return nil, fmt.Errorf("aladhan: %w", err)
	}
	return out, nil
}

// cleanClock strips decorations like "05:12 (+04)" down to "05:12".
func cleanClock(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, ' '); i > 0 {
		s = s[:i]
	}
	return s
}
