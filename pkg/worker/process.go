package worker

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strconv"
)

// process is one live child, owned by a single pool goroutine.
type process struct {
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	enc    *json.Encoder
	dec    *json.Decoder
	broken bool
}

func spawn(config *Config) (*process, error) {
	path, args, err := config.command()
	if err != nil {
		return nil, err
	}

	cmd := exec.Command(path, args...)
	cmd.Env = append(os.Environ(), config.Env...)
	cmd.Env = append(cmd.Env, EnvRounds+"="+strconv.Itoa(config.Rounds))
	cmd.Stderr = os.Stderr

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("worker stdin: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("worker stdout: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start worker %s: %w", path, err)
	}

	return &process{
		cmd:   cmd,
		stdin: stdin,
		enc:   json.NewEncoder(stdin),
		dec:   json.NewDecoder(bufio.NewReader(stdout)),
	}, nil
}

type callResult struct {
	resp Response
	err  error
}

// call sends req and waits for the matching response. If ctx ends first the
// child is killed, since an in-flight request cannot be withdrawn.
func (p *process) call(ctx context.Context, req Request) (Response, error) {
	if err := p.enc.Encode(req); err != nil {
		p.broken = true
		return Response{}, fmt.Errorf("write to worker: %w", err)
	}

	done := make(chan callResult, 1)
	go func() {
		var resp Response
		err := p.dec.Decode(&resp)
		done <- callResult{resp: resp, err: err}
	}()

	select {
	case <-ctx.Done():
		p.broken = true
		p.signal()
		// Wait may only run once the decoder has stopped reading stdout
		<-done
		p.reap()
		return Response{}, ctx.Err()
	case r := <-done:
		if r.err != nil {
			p.broken = true
			return Response{}, fmt.Errorf("read from worker: %w", r.err)
		}
		if r.resp.ID != req.ID {
			p.broken = true
			return Response{}, fmt.Errorf("worker answered request %d, want %d", r.resp.ID, req.ID)
		}
		return r.resp, nil
	}
}

// kill stops a child that has no call in flight
func (p *process) kill() {
	p.broken = true
	p.signal()
	p.reap()
}

func (p *process) signal() {
	if p.cmd.Process != nil && p.cmd.ProcessState == nil {
		_ = p.cmd.Process.Kill()
	}
}

func (p *process) reap() {
	if p.cmd.ProcessState == nil {
		_ = p.cmd.Wait()
	}
}

// close asks the child to exit by closing its stdin
func (p *process) close() {
	if p.broken {
		return
	}
	_ = p.stdin.Close()
	_ = p.cmd.Wait()
	p.broken = true
}
