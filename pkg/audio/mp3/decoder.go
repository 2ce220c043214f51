// Package mp3 provides a streaming MP3 → µ-law transcoder backed by an
// external ffmpeg subprocess.
//
// TTS providers return MP3 over the wire; the telephony media stream wants
// µ-law 8 kHz mono. A [Decoder] pipes MP3 bytes into ffmpeg's stdin as they
// arrive and emits µ-law chunks from stdout, so playback can begin before
// synthesis has finished. One Decoder handles exactly one utterance; create
// a fresh one per speak cycle.
package mp3

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"sync"
)

const (
	// DefaultBinary is the transcoder executable looked up on PATH.
	DefaultBinary = "ffmpeg"

	// readBufSize is the stdout read granularity. 4 KiB of µ-law is 512 ms
	// of audio, small enough to keep the pipeline responsive.
	readBufSize = 4096

	// inputBuf is the depth of the MP3 input queue. Write only blocks once
	// this many chunks are pending ahead of the subprocess.
	inputBuf = 256
)

// ErrStopped is returned by Write after Stop or End has been called.
var ErrStopped = errors.New("mp3: decoder is stopped")

// Option is a functional option for configuring a Decoder.
type Option func(*Decoder)

// WithBinary overrides the transcoder executable (default "ffmpeg").
func WithBinary(bin string) Option {
	return func(d *Decoder) { d.binary = bin }
}

// Decoder is a single-use streaming MP3 decoder. All methods are safe for
// concurrent use. The zero value is not usable; call [New].
type Decoder struct {
	binary string

	cmd   *exec.Cmd
	stdin io.WriteCloser

	input  chan []byte
	chunks chan []byte
	done   chan struct{}

	endOnce  sync.Once
	stopOnce sync.Once
	doneOnce sync.Once

	errMu sync.Mutex
	err   error
}

// New creates a Decoder. The subprocess is not spawned until [Decoder.Start].
func New(opts ...Option) *Decoder {
	d := &Decoder{
		binary: DefaultBinary,
		input:  make(chan []byte, inputBuf),
		chunks: make(chan []byte, 64),
		done:   make(chan struct{}),
	}
	for _, o := range opts {
		o(d)
	}
	return d
}

// Start spawns the transcoder subprocess and begins piping. The subprocess
// reads MP3 from stdin and writes µ-law 8 kHz mono to stdout.
func (d *Decoder) Start(ctx context.Context) error {
	// -loglevel error keeps ffmpeg's banner out of stderr so real failures
	// are visible in logs.
	d.cmd = exec.CommandContext(ctx, d.binary,
		"-loglevel", "error",
		"-i", "pipe:0",
		"-f", "mulaw",
		"-ar", "8000",
		"-ac", "1",
		"pipe:1",
	)

	stdin, err := d.cmd.StdinPipe()
	if err != nil {
		return fmt.Errorf("mp3: stdin pipe: %w", err)
	}
	stdout, err := d.cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("mp3: stdout pipe: %w", err)
	}

	if err := d.cmd.Start(); err != nil {
		return fmt.Errorf("mp3: start %s: %w", d.binary, err)
	}
	d.stdin = stdin

	go d.writeLoop()
	go d.readLoop(stdout)

	return nil
}

// Write queues MP3 bytes for decoding. The bytes are copied so the caller
// may reuse the slice. Returns [ErrStopped] after End or Stop.
func (d *Decoder) Write(p []byte) error {
	buf := make([]byte, len(p))
	copy(buf, p)
	select {
	case <-d.done:
		return ErrStopped
	default:
	}
	select {
	case d.input <- buf:
		return nil
	case <-d.done:
		return ErrStopped
	}
}

// End signals end of MP3 input. The subprocess flushes its remaining output
// and exits; [Decoder.Done] closes once the last chunk has been emitted.
func (d *Decoder) End() {
	d.endOnce.Do(func() {
		close(d.input)
	})
}

// Stop forcibly terminates the decoder, discarding pending input and output.
// Safe to call at any point, including after End.
func (d *Decoder) Stop() {
	d.stopOnce.Do(func() {
		d.doneOnce.Do(func() { close(d.done) })
		if d.cmd != nil && d.cmd.Process != nil {
			_ = d.cmd.Process.Kill()
		}
	})
}

// Chunks returns the channel of decoded µ-law chunks. The channel is closed
// when the subprocess exits or the decoder is stopped.
func (d *Decoder) Chunks() <-chan []byte { return d.chunks }

// Done is closed when the decoder has fully terminated: all output emitted
// and the subprocess reaped.
func (d *Decoder) Done() <-chan struct{} { return d.done }

// Err returns the first subprocess error observed, or nil for a clean exit.
// Only meaningful after Done is closed.
func (d *Decoder) Err() error {
	d.errMu.Lock()
	defer d.errMu.Unlock()
	return d.err
}

// writeLoop feeds queued MP3 chunks to the subprocess stdin and closes it
// when the input channel is exhausted.
func (d *Decoder) writeLoop() {
	defer d.stdin.Close()
	for {
		select {
		case chunk, ok := <-d.input:
			if !ok {
				return
			}
			if _, err := d.stdin.Write(chunk); err != nil {
				d.setErr(fmt.Errorf("mp3: write to %s: %w", d.binary, err))
				return
			}
		case <-d.done:
			return
		}
	}
}

// readLoop forwards decoded µ-law from the subprocess stdout until EOF,
// then reaps the process and closes the output and done channels.
func (d *Decoder) readLoop(stdout io.Reader) {
	defer func() {
		if err := d.cmd.Wait(); err != nil {
			// Kill from Stop surfaces as an exit error; don't report it.
			select {
			case <-d.done:
			default:
				d.setErr(fmt.Errorf("mp3: %s: %w", d.binary, err))
			}
		}
		close(d.chunks)
		d.doneOnce.Do(func() { close(d.done) })
	}()

	buf := make([]byte, readBufSize)
	for {
		n, err := stdout.Read(buf)
		if n > 0 {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			select {
			case d.chunks <- chunk:
			case <-d.done:
				return
			}
		}
		if err != nil {
			return
		}
	}
}

func (d *Decoder) setErr(err error) {
	d.errMu.Lock()
	defer d.errMu.Unlock()
	if d.err == nil {
		d.err = err
	}
}

// Available reports whether the transcoder binary can be found and executed.
// Used by the call-server preflight before any call is originated.
func Available(binary string) error {
	if binary == "" {
		binary = DefaultBinary
	}
	path, err := exec.LookPath(binary)
	if err != nil {
		return fmt.Errorf("mp3: transcoder binary %q not found on PATH: %w", binary, err)
	}
	cmd := exec.Command(path, "-version")
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("mp3: transcoder binary %q is not executable: %w", path, err)
	}
	return nil
}
