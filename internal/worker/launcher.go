package worker

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
)

// Proc is one live isolated execution context. The manager owns it
// exclusively: on restart the old Proc and both channel endpoints are
// fully released before a replacement is created.
type Proc interface {
	// Control is the bidirectional low-rate request/reply stream.
	Control() io.ReadWriteCloser
	// Data is the high-rate envelope stream from the worker.
	Data() io.ReadCloser
	// Wait blocks until the context terminates and returns its exit error.
	Wait() error
	// Kill forcibly terminates the context.
	Kill() error
}

// Launcher creates isolated execution contexts. The default is
// ExecLauncher (one OS process per worker); tests substitute in-process
// pipe-backed launchers.
type Launcher interface {
	Launch(ctx context.Context, spec Spec) (Proc, error)
}

// ExecLauncher starts worker subprocesses. The control channel is the
// child's stdin/stdout; the data channel is fd 3. Stderr is inherited so
// worker crashes stay visible in the daemon's log stream.
type ExecLauncher struct {
	// Command and Args form the argv of every worker this launcher
	// starts; the worker id is appended as the final argument.
	Command string
	Args    []string
}

func (l ExecLauncher) Launch(ctx context.Context, spec Spec) (Proc, error) {
	if l.Command == "" {
		return nil, fmt.Errorf("worker: exec launcher has no command")
	}

	dataR, dataW, err := os.Pipe()
	if err != nil {
		return nil, err
	}

	args := append(append([]string(nil), l.Args...), spec.ID)
	cmd := exec.CommandContext(ctx, l.Command, args...)
	cmd.Stderr = os.Stderr
	cmd.ExtraFiles = []*os.File{dataW} // fd 3 in the child

	stdin, err := cmd.StdinPipe()
	if err != nil {
		dataR.Close()
		dataW.Close()
		return nil, err
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		dataR.Close()
		dataW.Close()
		return nil, err
	}

	if err := cmd.Start(); err != nil {
		dataR.Close()
		dataW.Close()
		return nil, fmt.Errorf("worker: start %s: %w", spec.ID, err)
	}
	// The child holds its own copy of the write end.
	dataW.Close()

	return &execProc{
		cmd:     cmd,
		control: &duplex{Reader: stdout, Writer: stdin, closers: []io.Closer{stdin, stdout}},
		data:    dataR,
	}, nil
}

type execProc struct {
	cmd     *exec.Cmd
	control io.ReadWriteCloser
	data    io.ReadCloser

	waitOnce sync.Once
	waitErr  error
}

func (p *execProc) Control() io.ReadWriteCloser { return p.control }
func (p *execProc) Data() io.ReadCloser         { return p.data }

func (p *execProc) Wait() error {
	p.waitOnce.Do(func() { p.waitErr = p.cmd.Wait() })
	return p.waitErr
}

func (p *execProc) Kill() error {
	if p.cmd.Process == nil {
		return nil
	}
	return p.cmd.Process.Kill()
}

// duplex joins a read stream and a write stream into one ReadWriteCloser.
type duplex struct {
	io.Reader
	io.Writer
	closers []io.Closer
}

func (d *duplex) Close() error {
	var first error
	for _, c := range d.closers {
		if err := c.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}
