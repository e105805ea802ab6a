package beep

import (
	"testing"

	"convai/audio"
)

func TestGenerateTickLength(t *testing.T) {
	pcm := generateTick(1000, 0.1, 0.5, 10)
	if want := audio.SampleRate / 10 * 2; len(pcm) != want {
		t.Errorf("len = %d, want %d", len(pcm), want)
	}
	if pcm[0] != 0 || pcm[1] != 0 {
		t.Error("tick should start at zero phase")
	}
}

func TestDoubleBeepLayout(t *testing.T) {
	single := generateTick(errorFreq, 0.08, errorVolume, errorDecay)
	double := generateDoubleBeep(errorFreq, 0.08, 0.05, errorVolume, errorDecay)
	gap := int(float64(audio.SampleRate)*0.05) * 2
	if len(double) != 2*len(single)+gap {
		t.Fatalf("len = %d, want %d", len(double), 2*len(single)+gap)
	}
	for i := len(single); i < len(single)+gap; i++ {
		if double[i] != 0 {
			t.Fatalf("gap not silent at byte %d", i)
		}
	}
}

func TestPlayWritesToPlayer(t *testing.T) {
	ctx := audio.NewFakeContext()
	if err := Init(ctx); err != nil {
		t.Fatal(err)
	}
	defer Close()

	PlayConnect()
	PlayError()

	p := ctx.Players()[0]
	written, flushes, _ := p.Stats()
	if written != len(connectPCM)+len(errorPCM) {
		t.Errorf("written = %d", written)
	}
	if flushes != 2 {
		t.Errorf("flushes = %d, want one per cue", flushes)
	}

	Close()
	if _, _, closed := p.Stats(); !closed {
		t.Error("Close did not release the player")
	}
	PlayDisconnect() // no player: must not panic
}

func TestDisabled(t *testing.T) {
	ctx := audio.NewFakeContext()
	if err := Init(ctx); err != nil {
		t.Fatal(err)
	}
	defer Close()
	Disable()
	defer disabled.Store(false)

	PlayConnect()
	if written, _, _ := ctx.Players()[0].Stats(); written != 0 {
		t.Errorf("disabled beep wrote %d bytes", written)
	}
}
