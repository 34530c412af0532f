package control

// Profile is a named gain set for the geometric controller. Profiles are
// immutable; swaps are accepted only between control cycles.
type Profile struct {
	Name string

	Kp  [3]float64 // position error gain
	Kd  [3]float64 // velocity error gain
	Ki  [3]float64 // integral gain
	Kff float64    // acceleration feed-forward

	KR     [3]float64 // attitude error gain
	KOmega [3]float64 // angular velocity error gain

	IntegralLimit [3]float64 // per-axis clamp on the accumulated error
	IntegralLeak  float64    // 1/s decay applied while position error is small
}

// StandardProfile is the default tuning.
func StandardProfile() *Profile {
	return &Profile{
		Name:          "standard",
		Kp:            [3]float64{6.0, 6.0, 8.0},
		Kd:            [3]float64{4.0, 4.0, 5.0},
		Ki:            [3]float64{0.5, 0.5, 0.8},
		Kff:           1.0,
		KR:            [3]float64{8.0, 8.0, 2.5},
		KOmega:        [3]float64{0.6, 0.6, 0.4},
		IntegralLimit: [3]float64{2.0, 2.0, 3.0},
		IntegralLeak:  0.5,
	}
}

// AggressiveProfile trades damping for tracking bandwidth.
func AggressiveProfile() *Profile {
	p := StandardProfile()
	p.Name = "aggressive"
	p.Kp = [3]float64{10.0, 10.0, 12.0}
	p.Kd = [3]float64{5.0, 5.0, 6.0}
	p.KR = [3]float64{12.0, 12.0, 4.0}
	p.KOmega = [3]float64{0.8, 0.8, 0.5}
	return p
}

// ConservativeProfile is for degraded operation.
func ConservativeProfile() *Profile {
	p := StandardProfile()
	p.Name = "conservative"
	p.Kp = [3]float64{4.0, 4.0, 6.0}
	p.Kd = [3]float64{3.5, 3.5, 4.5}
	p.Ki = [3]float64{0.2, 0.2, 0.4}
	p.KR = [3]float64{6.0, 6.0, 2.0}
	p.KOmega = [3]float64{0.45, 0.45, 0.3}
	return p
}

// ProfileByName resolves a profile, defaulting to standard.
func ProfileByName(name string) *Profile {
	switch name {
	case "aggressive":
		return AggressiveProfile()
	case "conservative":
		return ConservativeProfile()
	default:
		return StandardProfile()
	}
}
