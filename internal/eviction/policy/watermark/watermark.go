package watermark

// Default watermarks, as fractions of MaxBytes.
const (
	DefaultHigh = 0.8
	DefaultLow  = 0.6
)

// Policy triggers eviction once the cache grows past the high watermark and frees
// down to the low watermark.
type Policy struct {
	MaxBytes int64
	High     float64
	Low      float64
}

func (p *Policy) BytesToFree(currentSize int64) (int64, error) {
	if p.MaxBytes <= 0 {
		return 0, nil
	}
	high, low := p.High, p.Low
	if high <= 0 || high > 1 {
		high = DefaultHigh
	}
	if low <= 0 || low > high {
		low = DefaultLow
		if low > high {
			low = high
		}
	}

	if float64(currentSize) <= high*float64(p.MaxBytes) {
		return 0, nil
	}
	target := int64(low * float64(p.MaxBytes))
	return currentSize - target, nil
}

// Exceeded reports whether currentSize is above the high watermark.
func (p *Policy) Exceeded(currentSize int64) bool {
	n, _ := p.BytesToFree(currentSize)
	return n > 0
}
