package encoder

import (
	"fmt"
	"os"
	"regexp"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// keyPlaceholder is substituted with the stream credential in the output URL.
const keyPlaceholder = "{stream_key}"

var resolutionRE = regexp.MustCompile(`^\d+x\d+$`)

// Profile is the encoder invocation contract, loaded from a YAML file. The
// supervisor treats the resulting argument list as opaque.
type Profile struct {
	FFmpegPath string `yaml:"ffmpeg_path"`

	Input struct {
		Source    string `yaml:"source"`     // e.g. "v4l2"
		Device    string `yaml:"device"`     // e.g. "/dev/video0"
		Format    string `yaml:"format"`     // e.g. "mjpeg"
		Framerate int    `yaml:"framerate"`  // e.g. 30
		Size      string `yaml:"video_size"` // e.g. "1280x720"
	} `yaml:"input"`

	Audio struct {
		Source     string `yaml:"source"`  // e.g. "alsa"
		Device     string `yaml:"device"`  // e.g. "default"
		Bitrate    string `yaml:"bitrate"` // e.g. "128k"
		SampleRate int    `yaml:"sample_rate"`
	} `yaml:"audio"`

	Video struct {
		Codec       string `yaml:"codec"`  // e.g. "libx264"
		Preset      string `yaml:"preset"` // e.g. "ultrafast"
		Tune        string `yaml:"tune"`   // e.g. "zerolatency"
		BitrateKbps int    `yaml:"bitrate_kbps"`
		GOP         int    `yaml:"gop"`
		PixelFormat string `yaml:"pixel_format"`
		Filter      string `yaml:"filter"`  // optional -filter:v chain (crop, drawtext overlay)
	} `yaml:"video"`

	Threads  int    `yaml:"threads"`
	LogLevel string `yaml:"log_level"`

	Output struct {
		// URLTemplate must contain {stream_key}, e.g.
		// "rtmp://a.rtmp.youtube.com/live2/{stream_key}".
		URLTemplate string `yaml:"url_template"`
		Format      string `yaml:"format"` // e.g. "flv"
	} `yaml:"output"`
}

// LoadProfile reads and validates an encoder profile, applying defaults for
// omitted fields.
func LoadProfile(path string) (*Profile, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read encoder profile: %w", err)
	}
	var p Profile
	if err := yaml.Unmarshal(raw, &p); err != nil {
		return nil, fmt.Errorf("parse encoder profile %s: %w", path, err)
	}
	p.applyDefaults()
	if err := p.validate(); err != nil {
		return nil, fmt.Errorf("encoder profile %s: %w", path, err)
	}
	return &p, nil
}

func (p *Profile) applyDefaults() {
	if p.FFmpegPath == "" {
		p.FFmpegPath = "ffmpeg"
	}
	if p.Input.Source == "" {
		p.Input.Source = "v4l2"
	}
	if p.Input.Format == "" {
		p.Input.Format = "mjpeg"
	}
	if p.Input.Framerate == 0 {
		p.Input.Framerate = 30
	}
	if p.Input.Size == "" {
		p.Input.Size = "1280x720"
	}
	if p.Audio.Source == "" {
		p.Audio.Source = "alsa"
	}
	if p.Audio.Device == "" {
		p.Audio.Device = "default"
	}
	if p.Audio.Bitrate == "" {
		p.Audio.Bitrate = "128k"
	}
	if p.Audio.SampleRate == 0 {
		p.Audio.SampleRate = 44100
	}
	if p.Video.Codec == "" {
		p.Video.Codec = "libx264"
	}
	if p.Video.Preset == "" {
		p.Video.Preset = "ultrafast"
	}
	if p.Video.Tune == "" {
		p.Video.Tune = "zerolatency"
	}
	if p.Video.BitrateKbps == 0 {
		p.Video.BitrateKbps = 1200
	}
	if p.Video.GOP == 0 {
		p.Video.GOP = 60
	}
	if p.Video.PixelFormat == "" {
		p.Video.PixelFormat = "yuv420p"
	}
	if p.Threads == 0 {
		p.Threads = 2
	}
	if p.LogLevel == "" {
		p.LogLevel = "info"
	}
	if p.Output.Format == "" {
		p.Output.Format = "flv"
	}
}

func (p *Profile) validate() error {
	if p.Input.Device == "" {
		return fmt.Errorf("input.device is required")
	}
	if !resolutionRE.MatchString(p.Input.Size) {
		return fmt.Errorf("input.video_size %q: want WIDTHxHEIGHT", p.Input.Size)
	}
	if p.Video.BitrateKbps < 0 {
		return fmt.Errorf("video.bitrate_kbps must not be negative")
	}
	if !strings.Contains(p.Output.URLTemplate, keyPlaceholder) {
		return fmt.Errorf("output.url_template must contain %s", keyPlaceholder)
	}
	return nil
}

// Destination returns the output URL with the stream credential substituted.
func (p *Profile) Destination(streamKey string) string {
	return strings.ReplaceAll(p.Output.URLTemplate, keyPlaceholder, streamKey)
}

// BuildArgs assembles the full ffmpeg argument list for one session. audio
// controls whether the audio input is captured or the stream is silent.
func (p *Profile) BuildArgs(streamKey string, audio bool) []string {
	br := p.Video.BitrateKbps
	args := []string{
		"-nostdin",
		"-f", p.Input.Source,
		"-input_format", p.Input.Format,
		"-framerate", strconv.Itoa(p.Input.Framerate),
		"-video_size", p.Input.Size,
		"-i", p.Input.Device,
	}
	if audio {
		args = append(args,
			"-f", p.Audio.Source,
			"-i", p.Audio.Device,
		)
	}
	if p.Video.Filter != "" {
		args = append(args, "-filter:v", p.Video.Filter)
	}
	args = append(args,
		"-c:v", p.Video.Codec,
		"-preset", p.Video.Preset,
		"-tune", p.Video.Tune,
		"-x264-params", fmt.Sprintf("bitrate=%d:vbv-maxrate=%d:vbv-bufsize=%d:nal-hrd=cbr", br, br, 2*br),
		"-g", strconv.Itoa(p.Video.GOP),
		"-pix_fmt", p.Video.PixelFormat,
	)
	if audio {
		args = append(args,
			"-c:a", "aac",
			"-b:a", p.Audio.Bitrate,
			"-ar", strconv.Itoa(p.Audio.SampleRate),
		)
	} else {
		args = append(args, "-an")
	}
	args = append(args,
		"-threads", strconv.Itoa(p.Threads),
		"-loglevel", p.LogLevel,
		"-stats",
		"-f", p.Output.Format,
		p.Destination(streamKey),
	)
	return args
}

// RedactArgs replaces the stream credential in an argument list so a command
// line can be logged without leaking it.
func RedactArgs(args []string, streamKey string) []string {
	if streamKey == "" {
		return args
	}
	out := make([]string, len(args))
	for i, a := range args {
		out[i] = strings.ReplaceAll(a, streamKey, "****")
	}
	return out
}
