package praytimes

import (
	"context"
	"fmt"
	"math"
	"strings"
	"time"
)

// SolarCalculator computes event times locally from the sun's position,
// using the classical day-fraction method. It needs no network access
// and serves as the fallback when the primary API is unreachable.
type SolarCalculator struct{}

func NewSolarCalculator() *SolarCalculator { return &SolarCalculator{} }

// methodAngles gives (fajr angle, isha angle) in degrees. An isha angle
// of 0 means "maghrib + ishaMinutes" (Makkah convention).
type methodAngles struct {
	fajr        float64
	isha        float64
	ishaMinutes float64
}

var methods = map[string]methodAngles{
	"MWL":     {fajr: 18, isha: 17},
	"ISNA":    {fajr: 15, isha: 15},
	"EGYPT":   {fajr: 19.5, isha: 17.5},
	"KARACHI": {fajr: 18, isha: 18},
	"MAKKAH":  {fajr: 18.5, ishaMinutes: 90},
}

func (sc *SolarCalculator) Times(_ context.Context, date time.Time, loc Location) (Times, error) {
	if loc.Zone == nil {
		return nil, fmt.Errorf("solar: timezone is required")
	}
	m, ok := methods[strings.ToUpper(strings.TrimSpace(loc.Method))]
	if !ok {
		m = methods["MWL"]
	}

	// UTC offset for the target date, in hours (DST-aware).
	noon := time.Date(date.Year(), date.Month(), date.Day(), 12, 0, 0, 0, loc.Zone)
	_, offsetSec := noon.Zone()
	tz := float64(offsetSec) / 3600

	jd := julianDay(date.Year(), int(date.Month()), date.Day())
	decl, eqt := sunPosition(jd + 0.5 - loc.Longitude/(15*360))

	dhuhr := fixHour(12 + tz - loc.Longitude/15 - eqt)

	fajrT, err := hourAngle(m.fajr, decl, loc.Latitude)
	if err != nil {
		return nil, fmt.Errorf("solar: fajr: %w", err)
	}
	sunsetT, err := hourAngle(0.833, decl, loc.Latitude)
	if err != nil {
		return nil, fmt.Errorf("solar: sunset: %w", err)
	}
	asrT, err := asrHourAngle(1, decl, loc.Latitude)
	if err != nil {
		return nil, fmt.Errorf("solar: asr: %w", err)
	}

	fajr := dhuhr - fajrT
	asr := dhuhr + asrT
	maghrib := dhuhr + sunsetT

	var isha float64
	if m.ishaMinutes > 0 {
		isha = maghrib + m.ishaMinutes/60
	} else {
		ishaT, err := hourAngle(m.isha, decl, loc.Latitude)
		if err != nil {
			return nil, fmt.Errorf("solar: isha: %w", err)
		}
		isha = dhuhr + ishaT
	}

	return Times{
		"fajr":    clock(fajr),
		"dhuhr":   clock(dhuhr),
		"asr":     clock(asr),
		"maghrib": clock(maghrib),
		"isha":    clock(isha),
	}, nil
}

func julianDay(year, month, day int) float64 {
	if month <= 2 {
		year--
		month += 12
	}
	a := math.Floor(float64(year) / 100)
	b := 2 - a + math.Floor(a/4)
	return math.Floor(365.25*float64(year+4716)) +
		math.Floor(30.6001*float64(month+1)) + float64(day) + b - 1524.5
}

// sunPosition returns the sun's declination (degrees) and the equation
// of time (hours) for the given julian date.
func sunPosition(jd float64) (decl, eqt float64) {
	d := jd - 2451545.0
	g := fixAngle(357.529 + 0.98560028*d)
	q := fixAngle(280.459 + 0.98564736*d)
	l := fixAngle(q + 1.915*dsin(g) + 0.020*dsin(2*g))
	e := 23.439 - 0.00000036*d

	decl = darcsin(dsin(e) * dsin(l))
	ra := darctan2(dcos(e)*dsin(l), dcos(l)) / 15
	eqt = q/15 - fixHour(ra)
	return decl, eqt
}

// hourAngle returns the half-day fraction (hours) at which the sun
// reaches `angle` degrees below the horizon.
func hourAngle(angle, decl, lat float64) (float64, error) {
	cosH := (-dsin(angle) - dsin(decl)*dsin(lat)) / (dcos(decl) * dcos(lat))
	if cosH < -1 || cosH > 1 {
		// Polar day/night: the sun never reaches the angle on this date.
		return 0, fmt.Errorf("no solution at latitude %.2f", lat)
	}
	return darccos(cosH) / 15, nil
}

// asrHourAngle returns the hours after midday at which an object's shadow
// equals `factor` times its length plus its noon shadow.
func asrHourAngle(factor, decl, lat float64) (float64, error) {
	angle := -darccot(factor + dtan(math.Abs(lat-decl)))
	return hourAngle(angle, decl, lat)
}

// clock renders an hour fraction as "HH:MM", rounded to the minute.
func clock(hours float64) string {
	hours = fixHour(hours + 0.5/60)
	h := int(math.Floor(hours))
	m := int(math.Floor((hours - float64(h)) * 60))
	return fmt.Sprintf("%02d:%02d", h, m)
}

func fixAngle(a float64) float64 { return fix(a, 360) }
func fixHour(h float64) float64  { return fix(h, 24) }

func fix(v, mod float64) float64 {
	v = math.Mod(v, mod)
	if v < 0 {
		v += mod
	}
	return v
}

func dsin(d float64) float64     { return math.Sin(d * math.Pi / 180) }
func dcos(d float64) float64     { return math.Cos(d * math.Pi / 180) }
func dtan(d float64) float64     { return math.Tan(d * math.Pi / 180) }
func darcsin(x float64) float64  { return math.Asin(x) * 180 / math.Pi }
func darccos(x float64) float64  { return math.Acos(x) * 180 / math.Pi }
func darccot(x float64) float64  { return math.Atan2(1, x) * 180 / math.Pi }
func darctan2(y, x float64) float64 {
	return math.Atan2(y, x) * 180 / math.Pi
}
