package services

import (
	"strconv"
)

const (
	ManifestName   = "stream.m3u8"
	SegmentPattern = "segment_%05d.ts"
)

// EncoderSettings are the fixed encoding parameters of every composition.
type EncoderSettings struct {
	VideoCodec       string
	Preset           string
	Tune             string
	VideoBitrate     string
	MaxRate          string
	BufSize          string
	KeyframeInterval int
	AudioCodec       string
	AudioBitrate     string
	AudioSampleRate  int
}

type HLSSettings struct {
	SegmentDuration int
	PlaylistSize    int
	DeleteSegments  bool
}

// FFmpegArgsBuilder assembles the transcoder command line. The process runs
// with the session's output directory as its working directory, so every
// path in the argument list is relative to it.
type FFmpegArgsBuilder struct {
	LogLevel string
	Canvas   Canvas
	Encoder  EncoderSettings
	HLS      HLSSettings
}

// Inputs lists descriptor files in input order. Videos come first; an empty
// Audio means a synthetic silent source is used instead.
type Inputs struct {
	Videos []string
	Audio  string
}

func (b *FFmpegArgsBuilder) Build(in Inputs, layout Layout) []string {
	logLevel := b.LogLevel
	if logLevel == "" {
		logLevel = "warning"
	}
	args := []string{"-hide_banner", "-nostdin", "-loglevel", logLevel, "-y"}

	for _, sdpFile := range in.Videos {
		args = append(args, rtpInput(sdpFile)...)
	}
	if in.Audio != "" {
		args = append(args, rtpInput(in.Audio)...)
	} else {
		args = append(args, b.silentAudioInput()...)
	}

	args = append(args, "-filter_complex", layout.FilterGraph)
	args = append(args, layout.OutputMap...)
	args = append(args, b.videoArgs()...)
	args = append(args, b.audioArgs()...)
	args = append(args, b.hlsArgs()...)
	return args
}

func rtpInput(sdpFile string) []string {
	return []string{
		"-protocol_whitelist", "file,udp,rtp",
		"-fflags", "+genpts",
		"-i", sdpFile,
	}
}

func (b *FFmpegArgsBuilder) silentAudioInput() []string {
	rate := b.Encoder.AudioSampleRate
	if rate <= 0 {
		rate = 48000
	}
	return []string{
		"-f", "lavfi",
		"-i", "anullsrc=channel_layout=stereo:sample_rate=" + strconv.Itoa(rate),
	}
}

func (b *FFmpegArgsBuilder) videoArgs() []string {
	e := b.Encoder
	gop := strconv.Itoa(e.KeyframeInterval)
	args := []string{
		"-c:v", e.VideoCodec,
		"-preset", e.Preset,
	}
	if e.Tune != "" {
		args = append(args, "-tune", e.Tune)
	}
	args = append(args,
		"-b:v", e.VideoBitrate,
		"-maxrate", e.MaxRate,
		"-bufsize", e.BufSize,
		"-pix_fmt", "yuv420p",
		"-r", strconv.Itoa(b.Canvas.Framerate),
		"-g", gop,
		"-keyint_min", gop,
		"-sc_threshold", "0",
	)
	return args
}

func (b *FFmpegArgsBuilder) audioArgs() []string {
	rate := b.Encoder.AudioSampleRate
	if rate <= 0 {
		rate = 48000
	}
	return []string{
		"-c:a", b.Encoder.AudioCodec,
		"-b:a", b.Encoder.AudioBitrate,
		"-ar", strconv.Itoa(rate),
		"-ac", "2",
	}
}

func (b *FFmpegArgsBuilder) hlsArgs() []string {
	flags := "independent_segments"
	if b.HLS.DeleteSegments {
		flags = "delete_segments+independent_segments"
	}
	return []string{
		"-f", "hls",
		"-hls_time", strconv.Itoa(b.HLS.SegmentDuration),
		"-hls_list_size", strconv.Itoa(b.HLS.PlaylistSize),
		"-hls_flags", flags,
		"-hls_segment_filename", SegmentPattern,
		ManifestName,
	}
}
