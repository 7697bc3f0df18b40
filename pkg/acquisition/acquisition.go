package acquisition

const (
	// WindowSize is the number of good samples averaged into one measurement.
	WindowSize = 15

	// FullScale is the span of a 16-bit raw sample.
	FullScale = 1 << 16
)

// Window is a moving sum/count over successive sensor samples.  The zero
// value is ready to use.
type Window struct {
	count uint
	sum   uint64
}

// Sample feeds one bus read into the window.  A failed read changes nothing.
// When the window fills, the mean as a percentage of full scale is returned
// and the window starts again.
func (w *Window) Sample(raw uint16, err error) (measurement float64, emitted bool) {
	if err != nil {
		return 0, false
	}
	w.sum += uint64(raw)
	w.count++
	if w.count < WindowSize {
		return 0, false
	}
	measurement = Percent(w.sum, w.count)
	w.Reset()
	return measurement, true
}

func (w *Window) Reset() {
	w.sum = 0
	w.count = 0
}

// Count is the number of samples in the partially filled window.
func (w *Window) Count() uint {
	return w.count
}

func Percent(sum uint64, count uint) float64 {
	return float64(sum) / float64(count) / FullScale * 100
}
