package agent

import "github.com/haru0416-dev/asteroniris/pkg/models"

// Temperature bands per autonomy level. Full autonomy narrows the band to
// reduce variance in unattended runs; out-of-band values are clamped, never
// rejected.
var temperatureBands = map[models.AutonomyLevel][2]float64{
	models.AutonomyFull:       {0.1, 0.6},
	models.AutonomySupervised: {0.0, 1.0},
	models.AutonomyReadOnly:   {0.0, 1.2},
}

// ClampTemperature confines a configured temperature into the active
// autonomy band.
func ClampTemperature(level models.AutonomyLevel, t float64) float64 {
	band, ok := temperatureBands[level]
	if !ok {
		band = temperatureBands[models.AutonomySupervised]
	}
	switch {
	case t < band[0]:
		return band[0]
	case t > band[1]:
		return band[1]
	default:
		return t
	}
}
