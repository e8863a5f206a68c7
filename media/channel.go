// Package media owns the per-call media channel: audio playback toward the
// caller and channel teardown.
package media

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/emiago/diago"
	"go.uber.org/zap"
)

// Channel is the media leg of one call. Destroy may be called while a Play
// is in flight; Play honors ctx cancellation for exactly that case.
type Channel interface {
	ID() string
	Play(ctx context.Context, clipPath string) error
	Destroy()
}

const hangupTimeout = 5 * time.Second

// SIPChannel plays audio on a diago server dialog.
type SIPChannel struct {
	id        string
	dialog    *diago.DialogServerSession
	soundsDir string
	log       *zap.Logger
}

var _ Channel = (*SIPChannel)(nil)

func NewSIPChannel(id string, dialog *diago.DialogServerSession, soundsDir string, log *zap.Logger) *SIPChannel {
	return &SIPChannel{
		id:        id,
		dialog:    dialog,
		soundsDir: soundsDir,
		log:       log.With(zap.String("call_id", id)),
	}
}

func (c *SIPChannel) ID() string { return c.id }

// Play blocks until the clip finishes or ctx is cancelled. Clips with a
// .pcm or .raw extension are raw telephony PCM and get a WAV header on the
// fly; everything else is played as-is.
func (c *SIPChannel) Play(ctx context.Context, clipPath string) error {
	reader, err := c.openClip(clipPath)
	if err != nil {
		return err
	}
	defer reader.Close()

	pb, err := c.dialog.PlaybackCreate()
	if err != nil {
		return fmt.Errorf("create playback: %w", err)
	}

	playDone := make(chan error, 1)
	go func() {
		_, err := pb.Play(reader, "audio/wav")
		playDone <- err
	}()

	select {
	case err := <-playDone:
		if err != nil {
			return fmt.Errorf("play %s: %w", clipPath, err)
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *SIPChannel) openClip(clipPath string) (io.ReadCloser, error) {
	path := filepath.Join(c.soundsDir, filepath.Clean("/"+clipPath))

	ext := strings.ToLower(filepath.Ext(path))
	if ext == ".pcm" || ext == ".raw" {
		pcm, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("open clip %s: %w", clipPath, err)
		}
		return io.NopCloser(bytes.NewReader(PCMToWAV(pcm))), nil
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open clip %s: %w", clipPath, err)
	}
	return f, nil
}

// Destroy hangs up the SIP dialog. diago tolerates hanging up a dialog the
// remote side already terminated.
func (c *SIPChannel) Destroy() {
	ctx, cancel := context.WithTimeout(context.Background(), hangupTimeout)
	defer cancel()
	if err := c.dialog.Hangup(ctx); err != nil {
		c.log.Debug("hangup on destroyed dialog", zap.Error(err))
	}
}
