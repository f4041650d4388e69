package audio

import (
	"math"
	"testing"
)

// toneMix generates a two-tone test signal at the given rate.
func toneMix(rate, n int) []int16 {
	out := make([]int16, n)
	for i := range out {
		t := float64(i) / float64(rate)
		v := 0.35*math.Sin(2*math.Pi*440*t) + 0.25*math.Sin(2*math.Pi*1000*t)
		out[i] = int16(v * 32767)
	}
	return out
}

// nrms returns the normalized RMS error between got and want.
func nrms(got, want []int16) float64 {
	var errSum, refSum float64
	for i := range want {
		d := float64(got[i]) - float64(want[i])
		errSum += d * d
		refSum += float64(want[i]) * float64(want[i])
	}
	return math.Sqrt(errSum / refSum)
}

func TestConvert_RoundTrip16k48k16k(t *testing.T) {
	input := toneMix(16000, 16000)
	chunkSizes := []int{7, 160, 33, 481, 1, 250, 999}

	var up, down *ResamplerState
	var output []int16
	for pos, i := 0, 0; pos < len(input); i++ {
		n := min(chunkSizes[i%len(chunkSizes)], len(input)-pos)
		var hi, lo []int16
		hi, up = Convert(input[pos:pos+n], 16000, 48000, up)
		if len(hi) != 3*n {
			t.Fatalf("upsampled chunk of %d produced %d samples, want %d", n, len(hi), 3*n)
		}
		lo, down = Convert(hi, 48000, 16000, down)
		output = append(output, lo...)
		pos += n
	}

	if len(output) != len(input) {
		t.Fatalf("round trip produced %d samples, want %d", len(output), len(input))
	}

	// Both legs are linear phase: 24 samples at 48k each, 16 samples at 16k in total.
	delay := int(up.Delay()/3 + down.Delay())
	if delay != 16 {
		t.Fatalf("round trip delay = %d, want 16", delay)
	}

	const skip = 200
	got := output[skip+delay:]
	want := input[skip : len(input)-delay]
	if e := nrms(got, want); e >= 0.05 {
		t.Errorf("round trip NRMS error = %.4f, want < 0.05", e)
	}
}

func TestConvert_ChunkedMatchesOneShot(t *testing.T) {
	tests := []struct {
		name    string
		in, out int
	}{
		{"48k to 16k", 48000, 16000},
		{"24k to 16k", 24000, 16000},
		{"16k to 48k", 16000, 48000},
		{"24k to 48k", 24000, 48000},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			input := toneMix(tt.in, tt.in/2)
			whole, _ := Convert(input, tt.in, tt.out, nil)

			var st *ResamplerState
			var chunked []int16
			sizes := []int{13, 480, 1, 77, 1024}
			for pos, i := 0, 0; pos < len(input); i++ {
				n := min(sizes[i%len(sizes)], len(input)-pos)
				var part []int16
				part, st = Convert(input[pos:pos+n], tt.in, tt.out, st)
				chunked = append(chunked, part...)
				pos += n
			}

			if len(chunked) != len(whole) {
				t.Fatalf("chunked length %d, one-shot length %d", len(chunked), len(whole))
			}
			for i := range whole {
				if chunked[i] != whole[i] {
					t.Fatalf("sample %d differs: chunked %d, one-shot %d", i, chunked[i], whole[i])
				}
			}
		})
	}
}

func TestConvert_KeepsFractionalLeftovers(t *testing.T) {
	// 24k -> 16k is a 3:2 ratio; 1-sample chunks never align with it.
	var st *ResamplerState
	total := 0
	for i := 0; i < 2400; i++ {
		var out []int16
		out, st = Convert([]int16{1000}, 24000, 16000, st)
		total += len(out)
	}
	if total != 1600 {
		t.Errorf("got %d output samples, want 1600", total)
	}
}

func TestConvert_SameRateCopies(t *testing.T) {
	in := []int16{1, -2, 3}
	out, st := Convert(in, 16000, 16000, nil)
	if st == nil {
		t.Fatal("expected a state")
	}
	in[0] = 99
	if out[0] != 1 || out[1] != -2 || out[2] != 3 {
		t.Errorf("got %v, want copy of input", out)
	}
}

func TestConvert_ReplacesMismatchedState(t *testing.T) {
	_, st := Convert(make([]int16, 480), 48000, 16000, nil)
	out, st2 := Convert(make([]int16, 240), 24000, 16000, st)
	if st2 == st {
		t.Error("expected a fresh state for a different rate pair")
	}
	if len(out) != 160 {
		t.Errorf("got %d samples, want 160", len(out))
	}
}

func TestResampler_IndependentDirections(t *testing.T) {
	mic := NewResampler(48000, 16000)
	ref := NewResampler(24000, 16000)

	signal := toneMix(48000, 4800)
	alone := NewResampler(48000, 16000).Process(signal)

	// Interleave calls on the other direction; mic output must not change.
	ref.Process(toneMix(24000, 999))
	got := mic.Process(signal[:2000])
	ref.Process(toneMix(24000, 17))
	got = append(got, mic.Process(signal[2000:])...)

	for i := range alone {
		if got[i] != alone[i] {
			t.Fatalf("sample %d differs: %d vs %d", i, got[i], alone[i])
		}
	}
}

func TestConvert_InvalidRateCopiesThrough(t *testing.T) {
	in := []int16{1, 2, 3, 4, 5}
	for _, rates := range [][2]int{{0, 48000}, {16000, 0}, {-8000, 16000}} {
		out, st := Convert(in, rates[0], rates[1], nil)
		if len(out) != len(in) || out[4] != 5 {
			t.Errorf("%v: out = %v, want a copy of the input", rates, out)
		}
		if st == nil {
			t.Errorf("%v: nil state", rates)
		}
	}
	if out := NewResampler(0, 48000).Process(in); len(out) != len(in) {
		t.Errorf("Resampler(0, 48000) returned %d samples", len(out))
	}
}
