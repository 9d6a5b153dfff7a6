package virt

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	libvirt "libvirt.org/go/libvirt"
)

// ErrGuestCommandTimedOut is returned when a guest command is still running
// at its deadline.
var ErrGuestCommandTimedOut = errors.New("guest command timed out")

// guestFileChunk is the largest payload moved per guest-file-read or
// guest-file-write call.
const guestFileChunk = 48 * 1024

type guestCommandResult struct {
	PID      int
	Stdout   string
	Stderr   string
	ExitCode int
}

type agentRequest struct {
	Execute   string `json:"execute"`
	Arguments any    `json:"arguments,omitempty"`
}

type guestExecArguments struct {
	Path          string   `json:"path"`
	Arg           []string `json:"arg"`
	InputData     string   `json:"input-data,omitempty"`
	CaptureOutput bool     `json:"capture-output"`
}

type guestExecResult struct {
	PID int `json:"pid"`
}

type guestExecStatusArguments struct {
	PID int `json:"pid"`
}

type guestExecStatusResult struct {
	Exited   bool   `json:"exited"`
	ExitCode int    `json:"exitcode"`
	OutData  string `json:"out-data"`
	ErrData  string `json:"err-data"`
}

type guestFileOpenArguments struct {
	Path string `json:"path"`
	Mode string `json:"mode"`
}

type guestFileHandleArguments struct {
	Handle int `json:"handle"`
}

type guestFileReadArguments struct {
	Handle int `json:"handle"`
	Count  int `json:"count"`
}

type guestFileReadResult struct {
	Count int    `json:"count"`
	Data  string `json:"buf-b64"`
	EOF   bool   `json:"eof"`
}

type guestFileWriteArguments struct {
	Handle int    `json:"handle"`
	Data   string `json:"buf-b64"`
}

type guestFileWriteResult struct {
	Count int `json:"count"`
}

// agentCall sends one command to the guest agent and decodes its "return"
// member into T.
func agentCall[T any](a agent, execute string, arguments any) (T, error) {
	var out struct {
		Return T `json:"return"`
	}
	payload, err := json.Marshal(agentRequest{Execute: execute, Arguments: arguments})
	if err != nil {
		return out.Return, fmt.Errorf("marshal %s request: %w", execute, err)
	}
	resp, err := a.QemuAgentCommand(string(payload), libvirt.DOMAIN_QEMU_AGENT_COMMAND_DEFAULT, 0)
	if err != nil {
		return out.Return, fmt.Errorf("invoke %s: %w", execute, err)
	}
	if err := json.Unmarshal([]byte(resp), &out); err != nil {
		return out.Return, fmt.Errorf("decode %s response: %w", execute, err)
	}
	return out.Return, nil
}

func pingAgent(a agent) error {
	_, err := agentCall[json.RawMessage](a, "guest-ping", nil)
	return err
}

func startGuestCommand(a agent, path string, args []string, stdin []byte, capture bool) (int, error) {
	if strings.TrimSpace(path) == "" {
		return 0, errors.New("guest command path is required")
	}
	if args == nil {
		args = []string{}
	}
	arguments := guestExecArguments{Path: path, Arg: args, CaptureOutput: capture}
	if len(stdin) > 0 {
		arguments.InputData = base64.StdEncoding.EncodeToString(stdin)
	}
	res, err := agentCall[guestExecResult](a, "guest-exec", arguments)
	if err != nil {
		return 0, err
	}
	if res.PID == 0 {
		return 0, errors.New("guest exec returned invalid pid")
	}
	return res.PID, nil
}

// waitForGuestCommand polls guest-exec-status until pid exits or timeout
// passes. A timeout <= 0 waits indefinitely. A non-zero exit code is not an
// error here.
func waitForGuestCommand(a agent, pid int, timeout, poll time.Duration) (guestCommandResult, error) {
	var deadline time.Time
	if timeout > 0 {
		deadline = time.Now().Add(timeout)
	}
	for {
		status, err := agentCall[guestExecStatusResult](a, "guest-exec-status", guestExecStatusArguments{PID: pid})
		if err != nil {
			return guestCommandResult{}, err
		}
		if status.Exited {
			return guestCommandResult{
				PID:      pid,
				ExitCode: status.ExitCode,
				Stdout:   decodeBase64(status.OutData),
				Stderr:   decodeBase64(status.ErrData),
			}, nil
		}
		if !deadline.IsZero() && time.Now().After(deadline) {
			return guestCommandResult{PID: pid}, ErrGuestCommandTimedOut
		}
		time.Sleep(poll)
	}
}

func runGuestCommand(a agent, path string, args []string, stdin []byte, timeout, poll time.Duration) (guestCommandResult, error) {
	pid, err := startGuestCommand(a, path, args, stdin, true)
	if err != nil {
		return guestCommandResult{}, err
	}
	return waitForGuestCommand(a, pid, timeout, poll)
}

func readGuestFile(a agent, path string) ([]byte, error) {
	handle, err := agentCall[int](a, "guest-file-open", guestFileOpenArguments{Path: path, Mode: "r"})
	if err != nil {
		return nil, err
	}
	defer closeGuestFile(a, handle)

	var out []byte
	for {
		chunk, err := agentCall[guestFileReadResult](a, "guest-file-read", guestFileReadArguments{Handle: handle, Count: guestFileChunk})
		if err != nil {
			return nil, err
		}
		data, err := base64.StdEncoding.DecodeString(chunk.Data)
		if err != nil {
			return nil, fmt.Errorf("decode guest file data: %w", err)
		}
		out = append(out, data...)
		if chunk.EOF || chunk.Count == 0 {
			return out, nil
		}
	}
}

func writeGuestFile(a agent, path string, data []byte) error {
	handle, err := agentCall[int](a, "guest-file-open", guestFileOpenArguments{Path: path, Mode: "w"})
	if err != nil {
		return err
	}
	defer closeGuestFile(a, handle)

	for len(data) > 0 {
		n := min(len(data), guestFileChunk)
		res, err := agentCall[guestFileWriteResult](a, "guest-file-write", guestFileWriteArguments{
			Handle: handle,
			Data:   base64.StdEncoding.EncodeToString(data[:n]),
		})
		if err != nil {
			return err
		}
		if res.Count <= 0 {
			return errors.New("guest file write made no progress")
		}
		data = data[min(res.Count, n):]
	}
	return nil
}

func closeGuestFile(a agent, handle int) {
	_, _ = agentCall[json.RawMessage](a, "guest-file-close", guestFileHandleArguments{Handle: handle})
}

func decodeBase64(data string) string {
	if strings.TrimSpace(data) == "" {
		return ""
	}
	decoded, err := base64.StdEncoding.DecodeString(data)
	if err != nil {
		return ""
	}
	return string(decoded)
}
