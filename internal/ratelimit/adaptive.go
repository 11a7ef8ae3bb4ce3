package ratelimit

import "time"

// Load-scaling thresholds: as the measured load ratio (current load over
// baseline) climbs through these steps, nominal limits shrink to the
// paired share. The ratio is supplied by the caller; this package only
// consumes it.
var scaleSteps = []struct {
	ratio float64
	num   int64
	den   int64
}{
	{3.0, 1, 3},
	{2.0, 1, 2},
	{1.5, 2, 3},
}

// ScaleLimit shrinks a nominal limit for the given load ratio. The result
// never drops below 1 so a legitimate client is never locked out entirely
// by scaling alone.
func ScaleLimit(nominal int64, ratio float64) int64 {
	for _, s := range scaleSteps {
		if ratio >= s.ratio {
			scaled := nominal * s.num / s.den
			if scaled < 1 {
				return 1
			}
			return scaled
		}
	}
	return nominal
}

// Profile bundles the layered limits applied to one pairing attempt:
// a per-device-identity window, a per-pairing-token window, and a
// per-client token bucket, checked in that order.
type Profile struct {
	PerIdentity WindowLimit
	PerToken    WindowLimit
	PerClient   BucketLimit
}

// Profiles holds the two limit profiles: Fresh for brand-new pairing
// attempts and Reconnect for devices re-pairing after a recently expired
// validated token. Reconnect is deliberately more permissive so a
// mass-reconnection event after a power cut is not treated as an attack.
type Profiles struct {
	Fresh     Profile
	Reconnect Profile
}

// DefaultProfiles returns the deployment defaults.
func DefaultProfiles() Profiles {
	return Profiles{
		Fresh: Profile{
			PerIdentity: WindowLimit{Max: 5, Window: 10 * time.Minute},
			PerToken:    WindowLimit{Max: 10, Window: 10 * time.Minute},
			PerClient:   BucketLimit{Capacity: 10, Refill: 10, Window: time.Minute},
		},
		Reconnect: Profile{
			PerIdentity: WindowLimit{Max: 15, Window: 10 * time.Minute},
			PerToken:    WindowLimit{Max: 30, Window: 10 * time.Minute},
			PerClient:   BucketLimit{Capacity: 30, Refill: 30, Window: time.Minute},
		},
	}
}

// Effective returns a copy of the profile with every limit scaled for the
// given load ratio.
func (p Profile) Effective(ratio float64) Profile {
	return Profile{
		PerIdentity: WindowLimit{Max: ScaleLimit(p.PerIdentity.Max, ratio), Window: p.PerIdentity.Window},
		PerToken:    WindowLimit{Max: ScaleLimit(p.PerToken.Max, ratio), Window: p.PerToken.Window},
		PerClient: BucketLimit{
			Capacity: ScaleLimit(p.PerClient.Capacity, ratio),
			Refill:   p.PerClient.Refill,
			Window:   p.PerClient.Window,
		},
	}
}

// Select picks the profile for a check. Reconnection attempts — the
// presented token previously reached validated or used status and expired
// within the grace period — get the permissive profile.
func (ps Profiles) Select(reconnect bool) Profile {
	if reconnect {
		return ps.Reconnect
	}
	return ps.Fresh
}
