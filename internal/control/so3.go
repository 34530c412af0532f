package control

import "math"

// Fixed-size vector and matrix helpers for the high-rate loop. The hot path
// must not allocate, so everything works on [3]float64 and row-major
// [9]float64 values.

type vec3 = [3]float64
type mat3 = [9]float64

func add3(a, b vec3) vec3 {
	return vec3{a[0] + b[0], a[1] + b[1], a[2] + b[2]}
}

func sub3(a, b vec3) vec3 {
	return vec3{a[0] - b[0], a[1] - b[1], a[2] - b[2]}
}

func scale3(a vec3, s float64) vec3 {
	return vec3{a[0] * s, a[1] * s, a[2] * s}
}

func dot3(a, b vec3) float64 {
	return a[0]*b[0] + a[1]*b[1] + a[2]*b[2]
}

func cross3(a, b vec3) vec3 {
	return vec3{
		a[1]*b[2] - a[2]*b[1],
		a[2]*b[0] - a[0]*b[2],
		a[0]*b[1] - a[1]*b[0],
	}
}

func norm3(a vec3) float64 {
	return math.Sqrt(dot3(a, a))
}

func finite3(a vec3) bool {
	for i := 0; i < 3; i++ {
		if math.IsNaN(a[i]) || math.IsInf(a[i], 0) {
			return false
		}
	}
	return true
}

// mulMat3 computes a*b for row-major 3x3 matrices.
func mulMat3(a, b mat3) mat3 {
	var out mat3
	for i := 0; i < 3; i++ {
		for j := 0; j < 3; j++ {
			out[i*3+j] = a[i*3]*b[j] + a[i*3+1]*b[3+j] + a[i*3+2]*b[6+j]
		}
	}
	return out
}

// transpose3 returns a^T.
func transpose3(a mat3) mat3 {
	return mat3{
		a[0], a[3], a[6],
		a[1], a[4], a[7],
		a[2], a[5], a[8],
	}
}

// mulMat3Vec computes a*v.
func mulMat3Vec(a mat3, v vec3) vec3 {
	return vec3{
		a[0]*v[0] + a[1]*v[1] + a[2]*v[2],
		a[3]*v[0] + a[4]*v[1] + a[5]*v[2],
		a[6]*v[0] + a[7]*v[1] + a[8]*v[2],
	}
}

// vee extracts the vector from a skew-symmetric matrix.
func vee(a mat3) vec3 {
	return vec3{a[7], a[2], a[3]}
}

// hat builds the skew-symmetric matrix of v.
func hat(v vec3) mat3 {
	return mat3{
		0, -v[2], v[1],
		v[2], 0, -v[0],
		-v[1], v[0], 0,
	}
}

// columnsToMat3 assembles a rotation matrix from its column vectors.
func columnsToMat3(c0, c1, c2 vec3) mat3 {
	return mat3{
		c0[0], c1[0], c2[0],
		c0[1], c1[1], c2[1],
		c0[2], c1[2], c2[2],
	}
}
