package proto

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"

	"github.com/charmbracelet/log"
)

// ErrChannelDead is returned by Send once the backend subprocess is gone and
// the single respawn attempt has been used.
var ErrChannelDead = errors.New("proto: backend channel is dead")

// Channel owns the backend subprocess and the framed transport over its
// standard streams. One dedicated goroutine drains stdout frame by frame and
// delivers decoded messages in order; another drains stderr line by line for
// diagnostics only. Writes are serialized by a mutex; there is exactly one
// logical writer (the session controller).
type Channel struct {
	command []string
	env     []string
	logger  *log.Logger

	messages chan Message

	mu        sync.Mutex
	proc      *exec.Cmd
	stdin     io.WriteCloser
	dead      bool
	respawned bool
	closeOnce sync.Once

	stderrLine func(string)
}

// ChannelOption configures a Channel.
type ChannelOption func(*Channel)

// WithEnv appends environment entries for the backend subprocess.
func WithEnv(env []string) ChannelOption {
	return func(c *Channel) { c.env = env }
}

// WithStderrLine installs a hook receiving each backend stderr line, in
// addition to debug logging. The session feeds these to the operator log.
func WithStderrLine(fn func(string)) ChannelOption {
	return func(c *Channel) { c.stderrLine = fn }
}

// NewChannel prepares a channel for the given backend command line. Start
// must be called before Send.
func NewChannel(command []string, logger *log.Logger, opts ...ChannelOption) *Channel {
	c := &Channel{
		command:  command,
		logger:   logger,
		messages: make(chan Message, 64),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Messages returns the inbound message stream. The channel is closed when
// the transport dies and will not be respawned further.
func (c *Channel) Messages() <-chan Message {
	return c.messages
}

// Start spawns the backend subprocess and begins the reader loops.
func (c *Channel) Start() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.spawnLocked()
}

func (c *Channel) spawnLocked() error {
	if len(c.command) == 0 {
		return fmt.Errorf("proto: no backend command configured")
	}
	proc := exec.Command(c.command[0], c.command[1:]...)
	proc.Env = append(os.Environ(), c.env...)

	stdin, err := proc.StdinPipe()
	if err != nil {
		return fmt.Errorf("proto: stdin pipe: %w", err)
	}
	stdout, err := proc.StdoutPipe()
	if err != nil {
		return fmt.Errorf("proto: stdout pipe: %w", err)
	}
	stderr, err := proc.StderrPipe()
	if err != nil {
		return fmt.Errorf("proto: stderr pipe: %w", err)
	}
	if err := proc.Start(); err != nil {
		return fmt.Errorf("proto: start backend: %w", err)
	}

	c.proc = proc
	c.stdin = stdin
	c.dead = false
	c.logger.Info("backend started", "pid", proc.Process.Pid, "cmd", c.command[0])

	go c.readLoop(proc, stdout)
	go c.drainStderr(stderr)
	go func() {
		err := proc.Wait()
		c.mu.Lock()
		if c.proc == proc {
			c.dead = true
		}
		c.mu.Unlock()
		if err != nil {
			c.logger.Warn("backend exited", "error", err)
		} else {
			c.logger.Info("backend exited")
		}
	}()
	return nil
}

// readLoop reads frames until EOF. A frame that fails to decode is logged
// with its raw bytes and dropped; a corrupt frame must not kill a live
// session. EOF marks the channel dead and closes the message stream.
func (c *Channel) readLoop(proc *exec.Cmd, r io.Reader) {
	for {
		payload, err := ReadFrame(r)
		if err != nil {
			if !errors.Is(err, io.EOF) {
				c.logger.Error("frame read failed", "error", err)
			}
			break
		}
		msg, err := DecodeMessage(payload)
		if err != nil {
			c.logger.Warn("dropping undecodable frame", "error", err, "raw", string(payload))
			continue
		}
		c.messages <- msg
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.proc != proc {
		// A respawn already replaced this transport; the new loop owns the
		// message stream.
		return
	}
	c.dead = true
	c.logger.Warn("backend stream closed")
	if c.respawned {
		// No further respawn will happen: end the stream for consumers.
		c.closeOnce.Do(func() { close(c.messages) })
	}
}

// drainStderr forwards backend diagnostics line by line. Stderr is never
// parsed as protocol data.
func (c *Channel) drainStderr(r io.Reader) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		c.logger.Debug("backend stderr", "line", line)
		if c.stderrLine != nil {
			c.stderrLine(line)
		}
	}
}

// Send serializes a command and writes it as one frame to the backend's
// stdin. If the subprocess has died, exactly one respawn is attempted before
// the channel is declared dead.
func (c *Channel) Send(command Command) error {
	payload, err := command.Encode()
	if err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.dead {
		if err := c.respawnLocked(); err != nil {
			return err
		}
	}
	if err := WriteFrame(c.stdin, payload); err != nil {
		c.logger.Warn("write failed, backend presumed dead", "command", command.Name, "error", err)
		c.dead = true
		if rerr := c.respawnLocked(); rerr != nil {
			return rerr
		}
		if err := WriteFrame(c.stdin, payload); err != nil {
			c.dead = true
			return fmt.Errorf("%w: %v", ErrChannelDead, err)
		}
	}
	c.logger.Debug("sent", "command", command.Name)
	return nil
}

func (c *Channel) respawnLocked() error {
	if c.respawned {
		return ErrChannelDead
	}
	c.respawned = true
	c.logger.Warn("respawning backend")
	if err := c.spawnLocked(); err != nil {
		return fmt.Errorf("%w: respawn failed: %v", ErrChannelDead, err)
	}
	return nil
}

// Stop terminates the backend subprocess. Safe to call more than once.
func (c *Channel) Stop() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.proc != nil && c.proc.Process != nil && !c.dead {
		_ = c.stdin.Close()
		_ = c.proc.Process.Kill()
		c.dead = true
	}
	// Burn the respawn so a late reader-loop exit closes the stream.
	c.respawned = true
}
