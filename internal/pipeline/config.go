package pipeline

import (
	"fmt"
	"path/filepath"
	"strings"
	"time"
)

// DefaultRestartDelay is how long the supervisor waits between encoder exits
// and relaunches.
const DefaultRestartDelay = 2 * time.Second

// Config describes one encoder invocation: the source, the encode settings and
// the fan-out targets. Immutable after startup.
type Config struct {
	// Input is the source identifier: a V4L2 device (/dev/video0), a file
	// path, or a network URL. It is passed to the encoder as a single argv
	// element and never interpreted by a shell.
	Input string

	// UseNVENC selects hardware H.264 encoding instead of libx264.
	UseNVENC bool

	// Scale is the output scale filter argument, e.g. "1280:720".
	Scale string

	// RTPPort is the loopback port the video RTP stream is written to.
	// Audio uses RTPPort+2.
	RTPPort int

	// HLSDir receives the rolling segmented archive (manifest + segments).
	HLSDir string

	// RecordDir receives timestamped recording segments when RecordEnable
	// is set.
	RecordDir string

	// RecordEnable adds a timestamped recording output to the tee fan-out.
	RecordEnable bool

	// RestartDelay is the fixed pause between encoder exit and relaunch.
	// DefaultRestartDelay when zero.
	RestartDelay time.Duration
}

// AudioPort returns the loopback port carrying the audio RTP stream.
func (c Config) AudioPort() int {
	return c.RTPPort + 2
}

func (c Config) restartDelay() time.Duration {
	if c.RestartDelay <= 0 {
		return DefaultRestartDelay
	}
	return c.RestartDelay
}

// videoCodec returns the encoder name for the configured acceleration mode.
func (c Config) videoCodec() string {
	if c.UseNVENC {
		return "h264_nvenc"
	}
	return "libx264"
}

// inputArgs returns the demuxer options for the source. Device paths get V4L2
// capture options; everything else is read at native rate.
func (c Config) inputArgs() []string {
	if strings.HasPrefix(c.Input, "/dev/") {
		return []string{
			"-f", "v4l2",
			"-input_format", "yuyv422",
			"-video_size", "1280x720",
			"-framerate", "10",
			"-i", c.Input,
		}
	}
	return []string{"-re", "-i", c.Input}
}

// teeSpec builds the tee muxer target list: rolling HLS archive, one RTP
// stream per track on the loopback transport, and optionally timestamped
// recording segments. One encode pass feeds all of them.
func (c Config) teeSpec() string {
	targets := []string{
		fmt.Sprintf("[f=hls:hls_time=2:hls_list_size=5:hls_flags=delete_segments]%s",
			filepath.Join(c.HLSDir, "index.m3u8")),
		fmt.Sprintf("[select=v:f=rtp]rtp://127.0.0.1:%d?pkt_size=1200", c.RTPPort),
		fmt.Sprintf("[select=a:f=rtp]rtp://127.0.0.1:%d?pkt_size=1200", c.AudioPort()),
	}
	if c.RecordEnable {
		targets = append(targets,
			fmt.Sprintf("[f=segment:segment_time=60:strftime=1]%s",
				filepath.Join(c.RecordDir, "rec-%Y%m%d-%H%M%S.ts")))
	}
	return strings.Join(targets, "|")
}

// Args returns the full encoder argv (without the binary name). The source
// identifier appears only as a discrete argv element, so untrusted
// configuration cannot inject options or shell syntax.
func (c Config) Args() []string {
	args := []string{"-hide_banner", "-loglevel", "error", "-y"}
	args = append(args, c.inputArgs()...)
	args = append(args,
		"-vf", "scale="+c.Scale,
		"-pix_fmt", "yuv420p",
		"-c:v", c.videoCodec(),
		"-preset", "veryfast",
		"-g", "50",
		"-b:v", "4000k",
		"-c:a", "libopus",
		"-b:a", "128k",
		"-f", "tee",
		"-map", "0:v",
		"-map", "0:a?",
		c.teeSpec(),
	)
	return args
}
