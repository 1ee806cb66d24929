// Package media wraps the ffmpeg and ffprobe invocations that split a target
// video into frame files and put the processed frames back together.
package media

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/andresmejia3/retouch/internal/utils"
	"go.uber.org/zap"
)

const (
	// DefaultFPS is used when the source framerate is not kept.
	DefaultFPS = 30.0
	// FrameFormat is the extension of extracted frame files.
	FrameFormat = "png"

	tempVideoName = "temp.mp4"
)

var (
	imageExts = map[string]bool{".png": true, ".jpg": true, ".jpeg": true, ".bmp": true, ".webp": true, ".gif": true}
	videoExts = map[string]bool{".mp4": true, ".mkv": true, ".mov": true, ".avi": true, ".webm": true, ".m4v": true}
)

// IsImage reports whether path looks like a still image.
func IsImage(path string) bool {
	return imageExts[strings.ToLower(filepath.Ext(path))]
}

// IsVideo reports whether path looks like a video.
func IsVideo(path string) bool {
	return videoExts[strings.ToLower(filepath.Ext(path))]
}

// Check fails when ffmpeg or ffprobe are not on PATH.
func Check() error {
	for _, bin := range []string{"ffmpeg", "ffprobe"} {
		if _, err := exec.LookPath(bin); err != nil {
			return fmt.Errorf("%s is not installed", bin)
		}
	}
	return nil
}

// Workspace is the temp directory layout of one target: <root>/<target name>/.
type Workspace struct {
	Dir    string
	Target string
}

// NewWorkspace derives the workspace of target under root. Nothing is created.
func NewWorkspace(root, target string) Workspace {
	name := strings.TrimSuffix(filepath.Base(target), filepath.Ext(target))
	return Workspace{Dir: filepath.Join(root, name), Target: target}
}

// TempVideo is where the re-encoded video is written before audio is restored.
func (w Workspace) TempVideo() string {
	return filepath.Join(w.Dir, tempVideoName)
}

// Create makes the workspace directory and clears frames a kept-frames run
// of a same-named target may have left, so they never leak into this job.
func (w Workspace) Create() error {
	if err := os.MkdirAll(w.Dir, 0o755); err != nil {
		return err
	}
	stale, err := w.FramePaths()
	if err != nil {
		return err
	}
	for _, path := range stale {
		if err := os.Remove(path); err != nil {
			return fmt.Errorf("remove stale frame: %w", err)
		}
	}
	return nil
}

// FramePaths lists extracted frames. Name order is temporal order.
func (w Workspace) FramePaths() ([]string, error) {
	paths, err := filepath.Glob(filepath.Join(w.Dir, "*."+FrameFormat))
	if err != nil {
		return nil, fmt.Errorf("glob frames: %w", err)
	}
	sort.Strings(paths)
	return paths, nil
}

// Clean removes the workspace unless keepFrames is set, in which case only
// the intermediate video goes. An emptied parent directory is removed too.
func (w Workspace) Clean(keepFrames bool) error {
	if keepFrames {
		if err := os.Remove(w.TempVideo()); err != nil && !errors.Is(err, os.ErrNotExist) {
			return err
		}
		return nil
	}
	if err := os.RemoveAll(w.Dir); err != nil {
		return err
	}
	// Fails harmlessly while other workspaces still live there
	os.Remove(filepath.Dir(w.Dir))
	return nil
}

// FFmpeg runs the encoder binaries.
type FFmpeg struct {
	Logger *zap.Logger
}

func (f *FFmpeg) run(ctx context.Context, name string, args ...string) ([]byte, error) {
	cmd := utils.NewSafeCommand(ctx, name, args...)
	f.Logger.Debug("running", zap.String("bin", name), zap.Strings("args", args))
	out, err := cmd.Output()
	if err != nil {
		return nil, fmt.Errorf("%s failed: %w: %s", name, err, strings.TrimSpace(cmd.Logs()))
	}
	return out, nil
}

func (f *FFmpeg) ffmpeg(ctx context.Context, args ...string) error {
	_, err := f.run(ctx, "ffmpeg", append([]string{"-hide_banner", "-loglevel", "error"}, args...)...)
	return err
}

// ExtractFrames writes every frame of w.Target as %04d.png. A positive fps
// resamples the video to that rate first.
func (f *FFmpeg) ExtractFrames(ctx context.Context, w Workspace, fps float64) error {
	args := []string{"-i", w.Target, "-pix_fmt", "rgb24"}
	if fps > 0 {
		args = append(args, "-vf", "fps="+formatFPS(fps))
	}
	args = append(args, filepath.Join(w.Dir, "%04d."+FrameFormat))
	return f.ffmpeg(ctx, args...)
}

// DetectFPS reads the average framerate of the first video stream.
func (f *FFmpeg) DetectFPS(ctx context.Context, target string) (float64, error) {
	out, err := f.run(ctx, "ffprobe",
		"-v", "error",
		"-select_streams", "v:0",
		"-show_entries", "stream=r_frame_rate",
		"-of", "default=noprint_wrappers=1:nokey=1",
		target,
	)
	if err != nil {
		return 0, err
	}
	return ParseFrameRate(string(out))
}

// CreateVideo encodes the workspace frames into its temp video.
func (f *FFmpeg) CreateVideo(ctx context.Context, w Workspace, fps float64, encoder string, quality int) error {
	return f.ffmpeg(ctx,
		"-r", formatFPS(fps),
		"-i", filepath.Join(w.Dir, "%04d."+FrameFormat),
		"-c:v", encoder,
		"-crf", strconv.Itoa(quality),
		"-pix_fmt", "yuv420p",
		"-y", w.TempVideo(),
	)
}

// RestoreAudio muxes the target's audio onto the temp video and writes the
// result to output. When the target has no usable audio the video is moved
// as is.
func (f *FFmpeg) RestoreAudio(ctx context.Context, w Workspace, output string) error {
	err := f.ffmpeg(ctx,
		"-i", w.TempVideo(),
		"-i", w.Target,
		"-c:v", "copy",
		"-map", "0:v:0",
		"-map", "1:a:0",
		"-y", output,
	)
	if err != nil {
		f.Logger.Warn("restoring audio failed, keeping silent video", zap.Error(err))
		return MoveFile(w.TempVideo(), output)
	}
	return nil
}

// ParseFrameRate parses ffprobe's "num/den" (or plain decimal) rate.
func ParseFrameRate(s string) (float64, error) {
	s = strings.TrimSpace(s)
	num, den, found := strings.Cut(s, "/")
	n, err := strconv.ParseFloat(num, 64)
	if err != nil {
		return 0, fmt.Errorf("parse frame rate %q: %w", s, err)
	}
	if !found {
		return n, nil
	}
	d, err := strconv.ParseFloat(den, 64)
	if err != nil || d == 0 {
		return 0, fmt.Errorf("parse frame rate %q: bad denominator", s)
	}
	return n / d, nil
}

func formatFPS(fps float64) string {
	return strconv.FormatFloat(fps, 'f', -1, 64)
}

// MoveFile renames src to dst, copying across filesystems when needed.
func MoveFile(src, dst string) error {
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return err
	}
	if err := os.Rename(src, dst); err == nil {
		return nil
	}
	if err := CopyFile(src, dst); err != nil {
		return err
	}
	return os.Remove(src)
}

// CopyFile copies src to dst, replacing dst.
func CopyFile(src, dst string) error {
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return err
	}
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}
