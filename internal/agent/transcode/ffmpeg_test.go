package transcode

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/ProductionsAutrementDit/HydraTranscode/internal/task"
)

// writeStub writes an executable shell script to dir/name and returns its
// path. Used in place of real ffmpeg/ffprobe binaries.
func writeStub(t *testing.T, dir, name, body string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte("#!/bin/sh\n"+body), 0o755); err != nil {
		t.Fatalf("write stub %s: %v", name, err)
	}
	return path
}

// ffprobeStub reports a 10-second duration for any input and claims every
// input has both a video and an audio stream.
func ffprobeStub(t *testing.T, dir string) string {
	return writeStub(t, dir, "ffprobe", `
for arg in "$@"; do
  if [ "$arg" = "format=duration" ]; then
    echo "10.0"
    exit 0
  fi
done
for arg in "$@"; do
  if [ "$arg" = "v:0" ]; then
    echo "video"
    exit 0
  fi
  if [ "$arg" = "a:0" ]; then
    echo "audio"
    exit 0
  fi
done
exit 1
`)
}

func TestBuildArgsSingleInput(t *testing.T) {
	dir := t.TempDir()
	probe := ffprobeStub(t, dir)

	input := filepath.Join(dir, "in.mp4")
	if err := os.WriteFile(input, []byte("x"), 0o644); err != nil {
		t.Fatalf("seed input: %v", err)
	}

	tk := New("task-1", []string{input}, task.OutputSettings{
		Path:       filepath.Join(dir, "out.mp4"),
		Codec:      task.CodecH264,
		Resolution: "1920x1080",
	}, Binaries{FFprobe: probe}, nil)

	args, err := tk.buildArgs(context.Background())
	if err != nil {
		t.Fatalf("buildArgs: %v", err)
	}

	joined := argsContain(args, "-map", "0:v")
	if !joined {
		t.Fatalf("expected -map 0:v in args, got %v", args)
	}
	if !argsContain(args, "-c:v", "libx264") {
		t.Fatalf("expected libx264 codec flags, got %v", args)
	}
	if !argsContain(args, "-s", "1920x1080") {
		t.Fatalf("expected resolution flag, got %v", args)
	}
}

func TestBuildArgsRejectsUnknownCodec(t *testing.T) {
	dir := t.TempDir()
	probe := ffprobeStub(t, dir)
	input := filepath.Join(dir, "in.mp4")
	os.WriteFile(input, []byte("x"), 0o644)

	tk := New("task-1", []string{input}, task.OutputSettings{
		Path:  filepath.Join(dir, "out.mp4"),
		Codec: "mpeg2",
	}, Binaries{FFprobe: probe}, nil)

	if _, err := tk.buildArgs(context.Background()); err == nil {
		t.Fatal("expected an error for an unsupported codec")
	}
}

func TestTotalDurationFallsBackToOneSecond(t *testing.T) {
	dir := t.TempDir()
	probe := writeStub(t, dir, "ffprobe", "exit 1\n")

	tk := New("task-1", []string{"missing.mp4"}, task.OutputSettings{}, Binaries{FFprobe: probe}, nil)
	d, err := tk.totalDuration(context.Background())
	if err != nil {
		t.Fatalf("totalDuration: %v", err)
	}
	if d != 1.0 {
		t.Fatalf("duration = %v, want 1.0 fallback", d)
	}
}

func TestRunFFmpegEmitsRateLimitedProgress(t *testing.T) {
	dir := t.TempDir()
	ffmpeg := writeStub(t, dir, "ffmpeg", `
echo "out_time_ms=1000000"
echo "out_time_ms=1050000"
echo "out_time_ms=5000000"
echo "progress=end"
exit 0
`)

	var seen []float64
	tk := &Task{
		bin:        Binaries{FFmpeg: ffmpeg},
		onProgress: func(p float64) { seen = append(seen, p) },
	}

	if err := tk.runFFmpeg(context.Background(), nil, 10); err != nil {
		t.Fatalf("runFFmpeg: %v", err)
	}

	if len(seen) != 2 {
		t.Fatalf("progress callbacks = %v, want 2 (1s->5s; the 1.05s update is within the 1.0 gate)", seen)
	}
	for _, p := range seen {
		if p >= 100 {
			t.Fatalf("progress %v must never reach 100", p)
		}
	}
}

func TestRunFFmpegCancelled(t *testing.T) {
	dir := t.TempDir()
	ffmpeg := writeStub(t, dir, "ffmpeg", "sleep 5\n")

	tk := &Task{bin: Binaries{FFmpeg: ffmpeg}}

	done := make(chan error, 1)
	go func() { done <- tk.runFFmpeg(context.Background(), nil, 10) }()

	time.Sleep(200 * time.Millisecond)
	tk.Cancel()

	select {
	case err := <-done:
		if err == nil {
			t.Fatal("expected an error from a cancelled run")
		}
	case <-time.After(5 * time.Second):
		t.Fatal("runFFmpeg did not return after Cancel")
	}
}

func argsContain(args []string, pair ...string) bool {
	for i := 0; i+len(pair) <= len(args); i++ {
		match := true
		for j, v := range pair {
			if args[i+j] != v {
				match = false
				break
			}
		}
		if match {
			return true
		}
	}
	return false
}
