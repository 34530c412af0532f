package state

import "math"

// WrapYaw wraps an angle to (-pi, pi].
func WrapYaw(a float64) float64 {
	return wrapAngle(a)
}

func wrapAngle(a float64) float64 {
	for a > math.Pi {
		a -= 2 * math.Pi
	}
	for a <= -math.Pi {
		a += 2 * math.Pi
	}
	return a
}

// QuaternionFromEuler converts roll/pitch/yaw (ZYX convention) to a unit
// quaternion (w, x, y, z).
func QuaternionFromEuler(att [3]float64) [4]float64 {
	cr := math.Cos(att[0] / 2)
	sr := math.Sin(att[0] / 2)
	cp := math.Cos(att[1] / 2)
	sp := math.Sin(att[1] / 2)
	cy := math.Cos(att[2] / 2)
	sy := math.Sin(att[2] / 2)

	return [4]float64{
		cr*cp*cy + sr*sp*sy,
		sr*cp*cy - cr*sp*sy,
		cr*sp*cy + sr*cp*sy,
		cr*cp*sy - sr*sp*cy,
	}
}

// EulerFromQuaternion converts a unit quaternion to roll/pitch/yaw.
func EulerFromQuaternion(q [4]float64) [3]float64 {
	w, x, y, z := q[0], q[1], q[2], q[3]

	sinp := 2 * (w*y - z*x)
	var pitch float64
	if math.Abs(sinp) >= 1 {
		pitch = math.Copysign(math.Pi/2, sinp)
	} else {
		pitch = math.Asin(sinp)
	}

	return [3]float64{
		math.Atan2(2*(w*x+y*z), 1-2*(x*x+y*y)),
		pitch,
		math.Atan2(2*(w*z+x*y), 1-2*(y*y+z*z)),
	}
}

// RotationFromQuaternion returns the body-to-world rotation matrix,
// row-major.
func RotationFromQuaternion(q [4]float64) [9]float64 {
	w, x, y, z := q[0], q[1], q[2], q[3]
	return [9]float64{
		1 - 2*(y*y+z*z), 2 * (x*y - w*z), 2 * (x*z + w*y),
		2 * (x*y + w*z), 1 - 2*(x*x+z*z), 2 * (y*z - w*x),
		2 * (x*z - w*y), 2 * (y*z + w*x), 1 - 2*(x*x+y*y),
	}
}
