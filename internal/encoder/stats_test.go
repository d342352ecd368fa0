package encoder

import (
	"bufio"
	"strings"
	"testing"
)

func TestParseStats(t *testing.T) {
	tests := []struct {
		name string
		line string
		want Stats
		ok   bool
	}{
		{
			"full stats line",
			"frame=  302 fps= 30 q=23.0 size=     512KiB time=00:00:10.06 bitrate= 416.8kbits/s speed=1.01x",
			Stats{BitrateKbps: 416.8, FPS: 30, Speed: 1.01},
			true,
		},
		{
			"bitrate only",
			"size=1024KiB bitrate=1199.8kbits/s",
			Stats{BitrateKbps: 1199.8},
			true,
		},
		{
			"integer figures",
			"fps=25 bitrate=1200kbits/s speed=1x",
			Stats{BitrateKbps: 1200, FPS: 25, Speed: 1},
			true,
		},
		{
			"no stats",
			"Stream mapping: Stream #0:0 -> #0:0 (mjpeg -> h264)",
			Stats{},
			false,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := parseStats(tt.line)
			if ok != tt.ok {
				t.Fatalf("parseStats(%q) ok = %v, want %v", tt.line, ok, tt.ok)
			}
			if got != tt.want {
				t.Errorf("parseStats(%q) = %+v, want %+v", tt.line, got, tt.want)
			}
		})
	}
}

func TestScanCRLines(t *testing.T) {
	// ffmpeg rewrites its stats line in place with carriage returns and only
	// the final line ends with a newline.
	in := "first\rsecond\rthird\nlast"
	sc := bufio.NewScanner(strings.NewReader(in))
	sc.Split(scanCRLines)

	var got []string
	for sc.Scan() {
		got = append(got, sc.Text())
	}
	if err := sc.Err(); err != nil {
		t.Fatalf("scan: %v", err)
	}

	want := []string{"first", "second", "third", "last"}
	if len(got) != len(want) {
		t.Fatalf("lines = %q, want %q", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("line %d = %q, want %q", i, got[i], want[i])
		}
	}
}
