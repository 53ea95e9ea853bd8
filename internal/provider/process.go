package provider

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sort"
	"sync"
	"sync/atomic"
	"syscall"
	"time"
	"unicode/utf8"
)

const (
	stopGrace       = 5 * time.Second
	killGrace       = 2 * time.Second
	maxStderrLine   = 200
	responseBacklog = 64
)

// process is one running provider subprocess. A Connection replaces its
// process wholesale on restart.
type process struct {
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stdout *os.File
	stderr *os.File
	logger *slog.Logger

	writeMu sync.Mutex

	// responses carries replies to our requests. It is closed when stdout
	// reaches EOF.
	responses chan *message
	exited    chan struct{}
	waitErr   error

	unresponsive atomic.Bool
	wg           sync.WaitGroup
}

func spawn(spec Spec, logger *slog.Logger) (*process, error) {
	cmd := exec.Command(spec.Command, spec.Args...)
	cmd.Dir = spec.Dir
	cmd.Env = append(os.Environ(), envList(spec.Env)...)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("creating stdin pipe: %w", err)
	}
	outR, outW, err := os.Pipe()
	if err != nil {
		stdin.Close()
		return nil, fmt.Errorf("creating stdout pipe: %w", err)
	}
	errR, errW, err := os.Pipe()
	if err != nil {
		stdin.Close()
		outR.Close()
		outW.Close()
		return nil, fmt.Errorf("creating stderr pipe: %w", err)
	}
	cmd.Stdout = outW
	cmd.Stderr = errW

	if err := cmd.Start(); err != nil {
		stdin.Close()
		for _, f := range []*os.File{outR, outW, errR, errW} {
			f.Close()
		}
		return nil, fmt.Errorf("starting %s: %w", spec.Command, err)
	}
	// The child holds its own copies of the write ends.
	outW.Close()
	errW.Close()

	p := &process{
		cmd:       cmd,
		stdin:     stdin,
		stdout:    outR,
		stderr:    errR,
		logger:    logger,
		responses: make(chan *message, responseBacklog),
		exited:    make(chan struct{}),
	}
	p.wg.Add(3)
	go p.drainStderr()
	go p.readStdout()
	go p.wait()
	return p, nil
}

func envList(env map[string]string) []string {
	keys := make([]string, 0, len(env))
	for k := range env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		out = append(out, k+"="+env[k])
	}
	return out
}

// drainStderr must run for the whole life of the process: a provider that
// fills an unread stderr pipe blocks on its next write.
func (p *process) drainStderr() {
	defer p.wg.Done()
	sc := bufio.NewScanner(p.stderr)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for sc.Scan() {
		p.logger.Debug("provider stderr", "line", clipLine(sc.Text(), maxStderrLine))
	}
	// An oversized line stops the scanner; keep the pipe empty regardless.
	io.Copy(io.Discard, p.stderr)
}

// clipLine cuts s to at most n bytes without splitting a rune.
func clipLine(s string, n int) string {
	if len(s) <= n {
		return s
	}
	s = s[:n]
	for len(s) > 0 {
		r, size := utf8.DecodeLastRuneInString(s)
		if r != utf8.RuneError || size != 1 {
			break
		}
		s = s[:len(s)-1]
	}
	return s
}

// readStdout classifies every line. Replies go to responses; notifications
// are dropped; server-initiated requests are answered here so they never
// reach a waiting caller.
func (p *process) readStdout() {
	defer p.wg.Done()
	defer close(p.responses)

	r := bufio.NewReaderSize(p.stdout, 64*1024)
	for {
		line, err := r.ReadBytes('\n')
		if trimmed := bytes.TrimSpace(line); len(trimmed) > 0 {
			p.dispatch(trimmed)
		}
		if err != nil {
			return
		}
	}
}

func (p *process) dispatch(line []byte) {
	var msg message
	if err := json.Unmarshal(line, &msg); err != nil {
		p.logger.Debug("discarding non-protocol output", "error", err)
		return
	}
	switch {
	case msg.Method != "" && msg.hasID():
		p.answer(&msg)
	case !msg.hasID():
		p.logger.Debug("discarding notification", "method", msg.Method)
	default:
		select {
		case p.responses <- &msg:
		default:
			p.logger.Warn("response backlog full, dropping reply", "id", string(msg.ID))
		}
	}
}

func (p *process) answer(msg *message) {
	out := reply{JSONRPC: jsonrpcVersion, ID: msg.ID}
	if msg.Method == methodPing {
		out.Result = struct{}{}
	} else {
		out.Error = &RPCError{Code: codeMethodNotFound, Message: "method not supported: " + msg.Method}
	}
	if err := p.send(out); err != nil {
		p.logger.Debug("answering provider request failed", "method", msg.Method, "error", err)
	}
}

func (p *process) wait() {
	defer p.wg.Done()
	p.waitErr = p.cmd.Wait()
	close(p.exited)
}

func (p *process) hasExited() bool {
	select {
	case <-p.exited:
		return true
	default:
		return false
	}
}

func (p *process) alive() bool {
	return !p.hasExited() && !p.unresponsive.Load()
}

// send writes v as one newline-terminated JSON message.
func (p *process) send(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encoding message: %w", err)
	}
	data = append(data, '\n')

	p.writeMu.Lock()
	defer p.writeMu.Unlock()
	if _, err := p.stdin.Write(data); err != nil {
		return fmt.Errorf("writing to provider: %w", err)
	}
	return nil
}

// terminate closes stdin, asks the process to exit, and kills it if it has
// not exited within the grace period. It returns once every goroutine
// owned by the process has finished.
func (p *process) terminate() {
	p.writeMu.Lock()
	p.stdin.Close()
	p.writeMu.Unlock()

	if !p.hasExited() {
		if err := p.cmd.Process.Signal(syscall.SIGTERM); err != nil {
			p.cmd.Process.Kill()
		}
		select {
		case <-p.exited:
		case <-time.After(stopGrace):
			p.logger.Warn("provider ignored SIGTERM, killing", "pid", p.cmd.Process.Pid)
			p.cmd.Process.Kill()
			select {
			case <-p.exited:
			case <-time.After(killGrace):
				p.logger.Error("provider did not exit after kill", "pid", p.cmd.Process.Pid)
			}
		}
	}

	// Descendants may still hold the write ends; closing ours unblocks the
	// readers either way.
	p.stdout.Close()
	p.stderr.Close()
	p.wg.Wait()
}
