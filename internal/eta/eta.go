package eta

import (
	"fmt"
	"math"
	"time"
)

// Average speeds per vehicle type, km/h. Straight-line ETA only; route
// planning is out of scope.
var speedsKmh = map[string]float64{
	"car":        30,
	"motorcycle": 35,
	"bicycle":    15,
	"foot":       5,
	"ambulance":  40,
}

// Estimate returns the travel time for distKm with the given vehicle type.
// Unknown or empty vehicle types yield ok=false: without a speed there is no
// ETA, only a distance.
func Estimate(distKm float64, vehicle string) (time.Duration, bool) {
	speed, ok := speedsKmh[vehicle]
	if !ok || distKm < 0 {
		return 0, false
	}
	hours := distKm / speed
	return time.Duration(hours * float64(time.Hour)), true
}

// Render formats a duration as whole minutes under an hour, rounded-up hours
// otherwise.
func Render(d time.Duration) string {
	mins := int(math.Ceil(d.Minutes()))
	if mins < 1 {
		mins = 1
	}
	if mins < 60 {
		return fmt.Sprintf("%d min", mins)
	}
	hours := int(math.Ceil(d.Hours()))
	return fmt.Sprintf("%d hr", hours)
}
