package encoder

import (
	"regexp"
	"strconv"
)

// Stats are the progress figures ffmpeg prints on its stderr stats line.
type Stats struct {
	BitrateKbps float64
	FPS         float64
	Speed       float64
}

var (
	bitrateRE = regexp.MustCompile(`bitrate=\s*(\d+\.?\d*)\s*kbits/s`)
	fpsRE     = regexp.MustCompile(`fps=\s*(\d+\.?\d*)`)
	speedRE   = regexp.MustCompile(`speed=\s*(\d+\.?\d*)x`)
)

// parseStats extracts progress figures from one stderr line. ok is false when
// the line carries none of them.
func parseStats(line string) (st Stats, ok bool) {
	if m := bitrateRE.FindStringSubmatch(line); m != nil {
		st.BitrateKbps, _ = strconv.ParseFloat(m[1], 64)
		ok = true
	}
	if m := fpsRE.FindStringSubmatch(line); m != nil {
		st.FPS, _ = strconv.ParseFloat(m[1], 64)
		ok = true
	}
	if m := speedRE.FindStringSubmatch(line); m != nil {
		st.Speed, _ = strconv.ParseFloat(m[1], 64)
		ok = true
	}
	return st, ok
}
