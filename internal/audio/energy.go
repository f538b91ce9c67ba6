package audio

import "sync"

// EnergyVAD is an RMS threshold detector smoothed by a majority vote over the
// last few frames.
type EnergyVAD struct {
	mu        sync.Mutex
	threshold float64
	smoothN   int
	win       []bool
}

// NewEnergyVAD builds a detector. smoothN <= 0 uses 4 frames.
func NewEnergyVAD(threshold float64, smoothN int) *EnergyVAD {
	if threshold <= 0 {
		threshold = 300
	}
	if smoothN <= 0 {
		smoothN = 4
	}
	return &EnergyVAD{threshold: threshold, smoothN: smoothN}
}

// IsSpeech implements VoiceActivityDetector.
func (v *EnergyVAD) IsSpeech(frame Frame) bool {
	if len(frame) == 0 {
		return false
	}
	loud := frame.RMS() >= v.threshold

	v.mu.Lock()
	defer v.mu.Unlock()
	v.win = append(v.win, loud)
	if len(v.win) > v.smoothN {
		v.win = v.win[len(v.win)-v.smoothN:]
	}
	trueCount := 0
	for _, x := range v.win {
		if x {
			trueCount++
		}
	}
	return trueCount*2 >= len(v.win)
}

// Reset clears the smoothing window.
func (v *EnergyVAD) Reset() {
	v.mu.Lock()
	v.win = v.win[:0]
	v.mu.Unlock()
}

// EnergyWakeDetector fires on any frame louder than its threshold. It stands in
// for a wake-word model; Core's trigger streak turns it into a sustained-loudness trigger.
type EnergyWakeDetector struct {
	threshold float64
}

func NewEnergyWakeDetector(threshold float64) *EnergyWakeDetector {
	if threshold <= 0 {
		threshold = 6000
	}
	return &EnergyWakeDetector{threshold: threshold}
}

// Detect implements WakeWordDetector. The score is the RMS relative to the threshold, capped at 1.
func (d *EnergyWakeDetector) Detect(frame Frame) (bool, float64) {
	rms := frame.RMS()
	score := rms / d.threshold
	if score > 1 {
		score = 1
	}
	return rms >= d.threshold, score
}
