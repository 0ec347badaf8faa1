package cycle

import (
	"math"

	"github.com/intellimaint/intellimaint/util"
)

// AngleBucket holds the current statistics of one integer angle degree.
type AngleBucket struct {
	Mean  float64 `json:"mean"`
	Std   float64 `json:"std"`
	Min   float64 `json:"min"`
	Max   float64 `json:"max"`
	Count int64   `json:"count"`
}

// Baseline is the learned normal behavior of one device's cycles: a
// quadratic current-vs-angle model plus per-degree buckets and the typical
// cycle shape.
type Baseline struct {
	DeviceID        string              `json:"device_id"`
	A               float64             `json:"a"`
	B               float64             `json:"b"`
	C               float64             `json:"c"`
	R2              float64             `json:"r2"`
	Buckets         map[int]AngleBucket `json:"buckets"`
	MeanDurationS   float64             `json:"mean_duration_s"`
	MeanBalance     float64             `json:"mean_balance"`
	TypicalMaxAngle float64             `json:"typical_max_angle"`
	SampleCycles    int64               `json:"sample_cycles"`
	UpdatedUTC      int64               `json:"updated_utc"`
}

// Predict evaluates the quadratic model at an angle.
func (b Baseline) Predict(angle float64) float64 {
	return b.A*angle*angle + b.B*angle + b.C
}

// LearnBaseline fits the quadratic model over the total current of every
// window and aggregates per-degree buckets and cycle-shape statistics.
func LearnBaseline(deviceID string, windows []Window) Baseline {
	bl := Baseline{DeviceID: deviceID, Buckets: make(map[int]AngleBucket)}

	var angles, currents []float64
	byDegree := make(map[int][]float64)
	var durSum, balSum, maxAngleSum float64
	for _, w := range windows {
		var maxAngle, m1Sum, m2Sum float64
		for i, ang := range w.Angle {
			cur := w.Motor1[i] + w.Motor2[i]
			angles = append(angles, ang)
			currents = append(currents, cur)
			deg := int(math.Round(ang))
			byDegree[deg] = append(byDegree[deg], cur)
			if ang > maxAngle {
				maxAngle = ang
			}
			m1Sum += w.Motor1[i]
			m2Sum += w.Motor2[i]
		}
		durSum += float64(w.TS[len(w.TS)-1]-w.TS[0]) / 1000
		if m2Sum != 0 {
			balSum += m1Sum / m2Sum
		}
		maxAngleSum += maxAngle
	}

	n := float64(len(windows))
	bl.SampleCycles = int64(len(windows))
	if n > 0 {
		bl.MeanDurationS = durSum / n
		bl.MeanBalance = balSum / n
		bl.TypicalMaxAngle = maxAngleSum / n
	}
	bl.A, bl.B, bl.C, bl.R2 = QuadFit(angles, currents)

	for deg, vals := range byDegree {
		mean, std := util.MeanStd(vals)
		b := AngleBucket{Mean: mean, Std: std, Min: vals[0], Max: vals[0], Count: int64(len(vals))}
		for _, v := range vals {
			if v < b.Min {
				b.Min = v
			}
			if v > b.Max {
				b.Max = v
			}
		}
		bl.Buckets[deg] = b
	}
	return bl
}

// QuadFit is a least-squares fit of y = a·x² + b·x + c via the normal
// equations, with R². Degenerate inputs return a zero fit.
func QuadFit(xs, ys []float64) (a, b, c, r2 float64) {
	n := float64(len(xs))
	if len(xs) < 3 || len(xs) != len(ys) {
		return 0, 0, 0, 0
	}
	var s1, s2, s3, s4, t0, t1, t2 float64
	for i, x := range xs {
		x2 := x * x
		s1 += x
		s2 += x2
		s3 += x2 * x
		s4 += x2 * x2
		t0 += ys[i]
		t1 += x * ys[i]
		t2 += x2 * ys[i]
	}
	det := det3(s4, s3, s2, s3, s2, s1, s2, s1, n)
	if det == 0 {
		return 0, 0, 0, 0
	}
	a = det3(t2, s3, s2, t1, s2, s1, t0, s1, n) / det
	b = det3(s4, t2, s2, s3, t1, s1, s2, t0, n) / det
	c = det3(s4, s3, t2, s3, s2, t1, s2, s1, t0) / det

	meanY := t0 / n
	var ssRes, ssTot float64
	for i, x := range xs {
		pred := a*x*x + b*x + c
		ssRes += (ys[i] - pred) * (ys[i] - pred)
		ssTot += (ys[i] - meanY) * (ys[i] - meanY)
	}
	switch {
	case ssTot > 0:
		r2 = 1 - ssRes/ssTot
		if r2 < 0 {
			r2 = 0
		}
	case ssRes == 0:
		r2 = 1
	}
	return a, b, c, r2
}

func det3(a, b, c, d, e, f, g, h, i float64) float64 {
	return a*(e*i-f*h) - b*(d*i-f*g) + c*(d*h-e*g)
}
