package layers

import (
	"math"
	"math/rand/v2"

	"gonum.org/v1/gonum/stat/distuv"
)

// InitParams gives every parameter the same starting value that PyTorch would.
// Weights and biases are drawn from U(-1/sqrt(fanIn), 1/sqrt(fanIn)), which is what
// kaiming_uniform(a=sqrt(5)) reduces to. Batch norm starts out as the identity.
func InitParams(params []Param, src rand.Source) {
	for _, p := range params {
		data := Data(p.Value)
		switch p.Kind {
		case KindWeight, KindBias:
			bound := 1 / math.Sqrt(float64(max(p.FanIn, 1)))
			dist := distuv.Uniform{Min: -bound, Max: bound, Src: src}
			for i := range data {
				data[i] = float32(dist.Rand())
			}
		case KindBNScale, KindBNVar:
			for i := range data {
				data[i] = 1
			}
		case KindBNShift, KindBNMean:
			clear(data)
		}
	}
}
