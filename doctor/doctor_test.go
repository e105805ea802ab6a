package doctor

import (
	"encoding/binary"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"convai/vision"
)

func pcm(samples ...int16) []byte {
	out := make([]byte, len(samples)*2)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(out[i*2:], uint16(s))
	}
	return out
}

func TestPeakLevel(t *testing.T) {
	tests := []struct {
		name string
		pcm  []byte
		want float64
	}{
		{"silence", pcm(0, 0, 0), 0},
		{"full scale", pcm(0, 32767, 100), 1},
		{"negative peak", pcm(-32768, 10), 1},
		{"half", pcm(16383, -100), 16383.0 / 32767},
		{"odd trailing byte", append(pcm(1000), 0x7f), 1000.0 / 32767},
		{"empty", nil, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := peakLevel(tt.pcm); got != tt.want {
				t.Errorf("peakLevel = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestCheckSignedURL(t *testing.T) {
	ok := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, `{"signedUrl":"wss://example.test"}`)
	}))
	defer ok.Close()
	if !checkSignedURL(ok.URL) {
		t.Error("healthy endpoint failed the check")
	}

	broken := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer broken.Close()
	if checkSignedURL(broken.URL) {
		t.Error("500 endpoint passed the check")
	}
}

func TestCheckVisionWithoutKey(t *testing.T) {
	if checkVision(vision.NewClient(""), nil) {
		t.Error("missing key passed the check")
	}
	if !checkVision(vision.NewClient("k"), nil) {
		t.Error("no image should skip, not fail")
	}
}
