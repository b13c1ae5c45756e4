package watermark

import "testing"

func TestPolicy(t *testing.T) {
	p := &Policy{MaxBytes: 100, High: 0.8, Low: 0.6}
	tests := []struct {
		current int64
		want    int64
	}{
		{50, 0},
		{80, 0},
		{81, 21},
		{95, 35},
		{150, 90},
	}
	for _, tt := range tests {
		got, err := p.BytesToFree(tt.current)
		if err != nil {
			t.Fatal(err)
		}
		if got != tt.want {
			t.Errorf("BytesToFree(%d) = %d, want %d", tt.current, got, tt.want)
		}
	}
}

func TestPolicy_Defaults(t *testing.T) {
	p := &Policy{MaxBytes: 1000}
	if p.Exceeded(800) {
		t.Error("800/1000 should be at the default high watermark, not above")
	}
	got, _ := p.BytesToFree(900)
	if got != 300 {
		t.Errorf("expected to free down to 600, got %d", got)
	}
}

func TestPolicy_Unlimited(t *testing.T) {
	p := &Policy{}
	if got, _ := p.BytesToFree(1 << 40); got != 0 {
		t.Errorf("expected no eviction without a cap, got %d", got)
	}
}
