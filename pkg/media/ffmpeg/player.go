package ffmpeg

import (
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"runtime"
	"strconv"
	"sync"
)

// ErrPlayerClosed is returned by [Player.Write] after [Player.Close].
var ErrPlayerClosed = errors.New("ffmpeg: player closed")

// Player pipes s16le PCM into an ffplay process. It is the speaker sink of
// the software output context. The process is started lazily on first write
// and restarted if it exits.
type Player struct {
	path       string
	sampleRate int
	channels   int
	volume     int

	mu     sync.Mutex
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	closed bool
}

// NewPlayer creates a [Player]. An empty path selects "ffplay" from PATH;
// volume is 0-100.
func NewPlayer(path string, sampleRate, channels, volume int) *Player {
	if path == "" {
		path = "ffplay"
	}
	if channels != 2 {
		channels = 1
	}
	if volume <= 0 || volume > 100 {
		volume = 80
	}
	return &Player{path: path, sampleRate: sampleRate, channels: channels, volume: volume}
}

func (p *Player) args() []string {
	// ffplay does not accept -ac; the layout selects the channel count.
	layout := "mono"
	if p.channels == 2 {
		layout = "stereo"
	}
	return []string{
		"-hide_banner",
		"-loglevel", "error",
		"-nostats",
		"-volume", strconv.Itoa(p.volume),
		"-nodisp",
		"-f", "s16le",
		"-ch_layout", layout,
		"-ar", strconv.Itoa(p.sampleRate),
		"-i", "-",
	}
}

func (p *Player) startLocked() error {
	if p.cmd != nil {
		return nil
	}
	cmd := exec.Command(p.path, p.args()...)
	if runtime.GOOS == "darwin" && os.Getenv("SDL_AUDIODRIVER") == "" {
		cmd.Env = append(os.Environ(), "SDL_AUDIODRIVER=coreaudio")
	}
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return fmt.Errorf("ffmpeg: player stdin: %w", err)
	}
	cmd.Stdout = io.Discard
	cmd.Stderr = os.Stderr
	if err := cmd.Start(); err != nil {
		_ = stdin.Close()
		return fmt.Errorf("ffmpeg: start player: %w", err)
	}
	p.cmd = cmd
	p.stdin = stdin
	go func() {
		_ = cmd.Wait()
		p.mu.Lock()
		if p.cmd == cmd {
			p.cmd = nil
			p.stdin = nil
		}
		p.mu.Unlock()
	}()
	return nil
}

// Write implements io.Writer.
func (p *Player) Write(b []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return 0, ErrPlayerClosed
	}
	if err := p.startLocked(); err != nil {
		return 0, err
	}
	n, err := p.stdin.Write(b)
	if err != nil {
		return n, fmt.Errorf("ffmpeg: player write: %w", err)
	}
	return n, nil
}

// Close stops the player. Idempotent.
func (p *Player) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil
	}
	p.closed = true
	if p.stdin != nil {
		_ = p.stdin.Close()
	}
	if p.cmd != nil && p.cmd.Process != nil {
		_ = p.cmd.Process.Kill()
	}
	p.cmd, p.stdin = nil, nil
	return nil
}
