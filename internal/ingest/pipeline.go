// Package ingest runs the media relay: yt-dlp pulls the source stream and
// pipes it into ffmpeg, which writes HLS segments for viewers to consume.
package ingest

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"sync"

	"go.uber.org/zap"

	"github.com/loopcast/backend/config"
)

// Pipeline manages the yt-dlp -> ffmpeg process pair for the current broadcast.
// At most one relay runs at a time.
type Pipeline struct {
	cfg    config.IngestConfig
	logger *zap.Logger

	mu     sync.Mutex
	cancel context.CancelFunc
}

// NewPipeline creates a relay pipeline.
func NewPipeline(cfg config.IngestConfig, logger *zap.Logger) *Pipeline {
	return &Pipeline{cfg: cfg, logger: logger}
}

// Start spawns the relay for the given source video. The processes outlive
// the caller's request; Stop or process exit ends them.
func (p *Pipeline) Start(_ context.Context, videoID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.cancel != nil {
		return fmt.Errorf("relay already running")
	}

	if err := os.MkdirAll(p.cfg.HLSDir, 0o755); err != nil {
		return fmt.Errorf("create hls dir: %w", err)
	}

	runCtx, cancel := context.WithCancel(context.Background())

	ytdlpArgs := []string{"-f", p.cfg.Format, "-o", "-"}
	if p.cfg.CookiesFile != "" {
		ytdlpArgs = append(ytdlpArgs, "--cookies", p.cfg.CookiesFile)
	}
	ytdlpArgs = append(ytdlpArgs, "https://www.youtube.com/watch?v="+videoID)
	ytdlp := exec.CommandContext(runCtx, "yt-dlp", ytdlpArgs...)

	ffmpeg := exec.CommandContext(runCtx, "ffmpeg",
		"-i", "pipe:0",
		"-c:v", "copy",
		"-c:a", "aac",
		"-f", "hls",
		"-hls_time", strconv.Itoa(p.cfg.SegmentSecs),
		"-hls_flags", "delete_segments",
		filepath.Join(p.cfg.HLSDir, "index.m3u8"),
	)

	pipe, err := ytdlp.StdoutPipe()
	if err != nil {
		cancel()
		return fmt.Errorf("yt-dlp stdout pipe: %w", err)
	}
	ffmpeg.Stdin = pipe

	ytdlpErr, err := ytdlp.StderrPipe()
	if err != nil {
		cancel()
		return fmt.Errorf("yt-dlp stderr pipe: %w", err)
	}
	ffmpegErr, err := ffmpeg.StderrPipe()
	if err != nil {
		cancel()
		return fmt.Errorf("ffmpeg stderr pipe: %w", err)
	}

	if err := ytdlp.Start(); err != nil {
		cancel()
		return fmt.Errorf("start yt-dlp: %w", err)
	}
	if err := ffmpeg.Start(); err != nil {
		cancel()
		_ = ytdlp.Wait()
		return fmt.Errorf("start ffmpeg: %w", err)
	}

	go p.logStderr("yt-dlp", ytdlpErr)
	go p.logStderr("ffmpeg", ffmpegErr)
	go func() {
		err := ytdlp.Wait()
		p.logger.Info("yt-dlp exited", zap.Error(err))
	}()
	go func() {
		err := ffmpeg.Wait()
		p.logger.Info("ffmpeg exited", zap.Error(err))
		p.mu.Lock()
		if p.cancel != nil {
			p.cancel()
			p.cancel = nil
		}
		p.mu.Unlock()
	}()

	p.cancel = cancel
	p.logger.Info("relay started", zap.String("video_id", videoID), zap.String("hls_dir", p.cfg.HLSDir))
	return nil
}

// Stop kills the relay processes if running. Idempotent.
func (p *Pipeline) Stop() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.cancel == nil {
		return
	}
	p.cancel()
	p.cancel = nil
	p.logger.Info("relay stopped")
}

// Running reports whether a relay is currently active.
func (p *Pipeline) Running() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.cancel != nil
}

func (p *Pipeline) logStderr(name string, r io.Reader) {
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		p.logger.Debug(name, zap.String("line", scanner.Text()))
	}
}
