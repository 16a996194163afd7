package workload

import (
	"math"
	"math/rand/v2"

	"github.com/pkg/errors"
)

// Zipf samples ranks in [0, n) where rank k is drawn with probability
// proportional to 1/(k+1)^s. Unlike math/rand.Zipf it accepts any s > 0,
// including the harmonic case s == 1.
//
// Sampling uses rejection-inversion (Hörmann and Derflinger, 1996).
type Zipf struct {
	r      *rand.Rand
	n      float64
	s      float64
	hX1    float64
	hN     float64
	accept float64
}

func NewZipf(r *rand.Rand, s float64, n uint64) (*Zipf, error) {
	if n == 0 {
		return nil, errors.New("zipf: population must be positive")
	}
	if !(s > 0) || math.IsInf(s, 0) {
		return nil, errors.Errorf("zipf: invalid exponent %v", s)
	}
	z := &Zipf{r: r, n: float64(n), s: s}
	z.hX1 = z.hIntegral(1.5) - 1
	z.hN = z.hIntegral(z.n + 0.5)
	z.accept = 2 - z.hIntegralInverse(z.hIntegral(2.5)-z.h(2))
	return z, nil
}

// Uint64 returns a rank in [0, n).
func (z *Zipf) Uint64() uint64 {
	for {
		u := z.hN + z.r.Float64()*(z.hX1-z.hN)
		x := z.hIntegralInverse(u)
		k := math.Floor(x + 0.5)
		if k < 1 {
			k = 1
		} else if k > z.n {
			k = z.n
		}
		if k-x <= z.accept || u >= z.hIntegral(k+0.5)-z.h(k) {
			return uint64(k) - 1
		}
	}
}

func (z *Zipf) h(x float64) float64 {
	return math.Exp(-z.s * math.Log(x))
}

func (z *Zipf) hIntegral(x float64) float64 {
	logX := math.Log(x)
	return helper2((1-z.s)*logX) * logX
}

func (z *Zipf) hIntegralInverse(x float64) float64 {
	t := x * (1 - z.s)
	if t < -1 {
		t = -1
	}
	return math.Exp(helper1(t) * x)
}

// helper1 is log1p(x)/x, continuous at 0.
func helper1(x float64) float64 {
	if math.Abs(x) > 1e-8 {
		return math.Log1p(x) / x
	}
	return 1 - x*(0.5-x*(1.0/3-0.25*x))
}

// helper2 is expm1(x)/x, continuous at 0.
func helper2(x float64) float64 {
	if math.Abs(x) > 1e-8 {
		return math.Expm1(x) / x
	}
	return 1 + x*0.5*(1+x*(1.0/3)*(1+0.25*x))
}
