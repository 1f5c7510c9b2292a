// Package guestagent talks to the QEMU guest agent inside a running
// domain. It covers command execution and file transfer over the
// guest-exec and guest-file command families.
//
// See https://qemu-project.gitlab.io/qemu/interop/qemu-ga-ref.html
package guestagent

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"time"

	"github.com/avast/retry-go/v4"
)

// Commander issues raw guest agent commands. It is satisfied by
// virtlink's Domain type.
type Commander interface {
	AgentCommand(ctx context.Context, cmd string) (string, error)
}

// Agent wraps the guest agent of one domain.
type Agent struct {
	cmd Commander
}

// New creates an Agent for a domain.
func New(cmd Commander) *Agent {
	return &Agent{cmd: cmd}
}

const (
	// guest-file-read caps the count per call; stay under the agent's
	// 48 MiB response limit with a conservative chunk.
	readChunkSize = 1 << 20

	execPollInterval = 500 * time.Millisecond
	execPollAttempts = 60
)

type request struct {
	Execute   string      `json:"execute"`
	Arguments interface{} `json:"arguments,omitempty"`
}

func (a *Agent) call(ctx context.Context, execute string, args interface{}, result interface{}) error {
	req, err := json.Marshal(request{Execute: execute, Arguments: args})
	if err != nil {
		return fmt.Errorf("failed to marshal %s request: %w", execute, err)
	}

	resp, err := a.cmd.AgentCommand(ctx, string(req))
	if err != nil {
		return err
	}
	if result == nil {
		return nil
	}

	var envelope struct {
		Return json.RawMessage `json:"return"`
	}
	if err := json.Unmarshal([]byte(resp), &envelope); err != nil {
		return fmt.Errorf("failed to parse %s response: %w", execute, err)
	}
	if err := json.Unmarshal(envelope.Return, result); err != nil {
		return fmt.Errorf("failed to parse %s return value: %w", execute, err)
	}
	return nil
}

// Ping checks that the guest agent is responding.
func (a *Agent) Ping(ctx context.Context) error {
	return a.call(ctx, "guest-ping", nil, nil)
}

// Exec starts a process in the guest and returns its agent PID. Output
// is captured for later retrieval via ExecStatus.
func (a *Agent) Exec(ctx context.Context, path string, args ...string) (int, error) {
	execArgs := struct {
		Path          string   `json:"path"`
		Arg           []string `json:"arg,omitempty"`
		CaptureOutput bool     `json:"capture-output"`
	}{
		Path:          path,
		Arg:           args,
		CaptureOutput: true,
	}

	var ret struct {
		PID int `json:"pid"`
	}
	if err := a.call(ctx, "guest-exec", execArgs, &ret); err != nil {
		return 0, err
	}
	return ret.PID, nil
}

// ExecResult is the state of a process started with Exec.
type ExecResult struct {
	Exited   bool
	ExitCode int
	Stdout   []byte
	Stderr   []byte
}

// ExecStatus polls the state of a guest process.
func (a *Agent) ExecStatus(ctx context.Context, pid int) (*ExecResult, error) {
	statusArgs := struct {
		PID int `json:"pid"`
	}{PID: pid}

	var ret struct {
		Exited   bool   `json:"exited"`
		ExitCode int    `json:"exitcode"`
		OutData  string `json:"out-data"`
		ErrData  string `json:"err-data"`
	}
	if err := a.call(ctx, "guest-exec-status", statusArgs, &ret); err != nil {
		return nil, err
	}

	result := &ExecResult{
		Exited:   ret.Exited,
		ExitCode: ret.ExitCode,
	}
	if ret.OutData != "" {
		out, err := base64.StdEncoding.DecodeString(ret.OutData)
		if err != nil {
			return nil, fmt.Errorf("failed to decode stdout: %w", err)
		}
		result.Stdout = out
	}
	if ret.ErrData != "" {
		errOut, err := base64.StdEncoding.DecodeString(ret.ErrData)
		if err != nil {
			return nil, fmt.Errorf("failed to decode stderr: %w", err)
		}
		result.Stderr = errOut
	}
	return result, nil
}

var errStillRunning = fmt.Errorf("guest process still running")

// ExecWait runs a process in the guest and polls until it exits.
func (a *Agent) ExecWait(ctx context.Context, path string, args ...string) (*ExecResult, error) {
	pid, err := a.Exec(ctx, path, args...)
	if err != nil {
		return nil, err
	}

	var result *ExecResult
	err = retry.Do(
		func() error {
			r, err := a.ExecStatus(ctx, pid)
			if err != nil {
				return retry.Unrecoverable(err)
			}
			if !r.Exited {
				return errStillRunning
			}
			result = r
			return nil
		},
		retry.Context(ctx),
		retry.Attempts(execPollAttempts),
		retry.Delay(execPollInterval),
		retry.DelayType(retry.FixedDelay),
		retry.LastErrorOnly(true),
	)
	if err != nil {
		return nil, fmt.Errorf("waiting for guest process %d: %w", pid, err)
	}
	return result, nil
}

// ReadFile reads a file from the guest.
func (a *Agent) ReadFile(ctx context.Context, path string) ([]byte, error) {
	handle, err := a.fileOpen(ctx, path, "r")
	if err != nil {
		return nil, err
	}
	defer func() { _ = a.fileClose(context.Background(), handle) }()

	var data []byte
	for {
		readArgs := struct {
			Handle int `json:"handle"`
			Count  int `json:"count"`
		}{Handle: handle, Count: readChunkSize}

		var ret struct {
			Count int    `json:"count"`
			Buf   string `json:"buf-b64"`
			EOF   bool   `json:"eof"`
		}
		if err := a.call(ctx, "guest-file-read", readArgs, &ret); err != nil {
			return nil, err
		}

		if ret.Buf != "" {
			chunk, err := base64.StdEncoding.DecodeString(ret.Buf)
			if err != nil {
				return nil, fmt.Errorf("failed to decode file chunk: %w", err)
			}
			data = append(data, chunk...)
		}
		if ret.EOF {
			break
		}
	}
	return data, nil
}

// WriteFile writes a file in the guest, truncating any existing content.
func (a *Agent) WriteFile(ctx context.Context, path string, data []byte) error {
	handle, err := a.fileOpen(ctx, path, "w")
	if err != nil {
		return err
	}
	defer func() { _ = a.fileClose(context.Background(), handle) }()

	writeArgs := struct {
		Handle int    `json:"handle"`
		Buf    string `json:"buf-b64"`
	}{
		Handle: handle,
		Buf:    base64.StdEncoding.EncodeToString(data),
	}

	var ret struct {
		Count int `json:"count"`
	}
	if err := a.call(ctx, "guest-file-write", writeArgs, &ret); err != nil {
		return err
	}
	if ret.Count != len(data) {
		return fmt.Errorf("short write to %s: wrote %d of %d bytes", path, ret.Count, len(data))
	}
	return nil
}

func (a *Agent) fileOpen(ctx context.Context, path, mode string) (int, error) {
	openArgs := struct {
		Path string `json:"path"`
		Mode string `json:"mode"`
	}{Path: path, Mode: mode}

	var handle int
	if err := a.call(ctx, "guest-file-open", openArgs, &handle); err != nil {
		return 0, err
	}
	return handle, nil
}

func (a *Agent) fileClose(ctx context.Context, handle int) error {
	closeArgs := struct {
		Handle int `json:"handle"`
	}{Handle: handle}
	return a.call(ctx, "guest-file-close", closeArgs, nil)
}
