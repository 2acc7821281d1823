package audio

import "math"

const (
	agcTarget  = 0.5
	agcMaxGain = 8
	agcAttack  = 0.3
	agcRelease = 0.002
	agcFloor   = 1e-4
)

// autoGain is a peak envelope follower that scales input toward agcTarget.
// Gain never exceeds agcMaxGain so a silent room is not amplified into noise.
type autoGain struct {
	envelope float64
}

func (g *autoGain) Process(samples []float32) {
	for i, s := range samples {
		a := math.Abs(float64(s))
		if a > g.envelope {
			g.envelope += (a - g.envelope) * agcAttack
		} else {
			g.envelope += (a - g.envelope) * agcRelease
		}
		gain := agcTarget / math.Max(g.envelope, agcFloor)
		if gain > agcMaxGain {
			gain = agcMaxGain
		}
		v := float64(s) * gain
		if v > 1 {
			v = 1
		} else if v < -1 {
			v = -1
		}
		samples[i] = float32(v)
	}
}
