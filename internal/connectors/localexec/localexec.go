// Package localexec runs configured model training commands on the local host.
//
// Only the exact command lines listed in the training configuration may run;
// anything else is refused before a process is started.
package localexec

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"slices"
	"sort"
	"strings"
	"time"

	"github.com/fentz26/commentops/internal/connectors"
)

// ErrUnknownModel is returned by Train when no command is configured for a model.
var ErrUnknownModel = errors.New("no training command configured")

// LocalExec implements connectors.Trainer.
type LocalExec struct {
	workDir  string
	commands map[string][]string
	timeout  time.Duration
}

// New creates a LocalExec that may run the argv lists in commands, keyed by
// model type. A zero timeout means no limit beyond ctx.
func New(workDir string, commands map[string][]string, timeout time.Duration) *LocalExec {
	allowed := make(map[string][]string, len(commands))
	for model, argv := range commands {
		if len(argv) == 0 {
			continue
		}
		allowed[model] = slices.Clone(argv)
	}
	return &LocalExec{workDir: workDir, commands: allowed, timeout: timeout}
}

// Name returns the connector identifier.
func (l *LocalExec) Name() string {
	return "localexec"
}

// Models returns the model types that have a training command, sorted.
func (l *LocalExec) Models() []string {
	models := make([]string, 0, len(l.commands))
	for m := range l.commands {
		models = append(models, m)
	}
	sort.Strings(models)
	return models
}

// IsAllowed reports whether cmd with args is exactly one of the configured
// command lines.
func (l *LocalExec) IsAllowed(cmd string, args []string) bool {
	for _, argv := range l.commands {
		if argv[0] == cmd && slices.Equal(argv[1:], args) {
			return true
		}
	}
	return false
}

// Train runs the training command configured for model. A non-zero exit
// status is returned as an error alongside the result.
func (l *LocalExec) Train(ctx context.Context, model string) (*connectors.ExecResult, error) {
	argv, ok := l.commands[model]
	if !ok {
		return nil, fmt.Errorf("%s: %w", model, ErrUnknownModel)
	}
	if l.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, l.timeout)
		defer cancel()
	}

	res, err := l.Execute(ctx, argv[0], argv[1:])
	if err != nil {
		return nil, err
	}
	res.Model = model
	if res.ExitCode != 0 {
		return res, fmt.Errorf("training %s exited with status %d: %s", model, res.ExitCode, lastLine(res.Stderr))
	}
	return res, nil
}

// Execute runs cmd when it is one of the configured command lines.
func (l *LocalExec) Execute(ctx context.Context, cmd string, args []string) (*connectors.ExecResult, error) {
	if !l.IsAllowed(cmd, args) {
		return nil, fmt.Errorf("command not allowed: %s %s", cmd, strings.Join(args, " "))
	}

	execCmd := exec.CommandContext(ctx, cmd, args...)
	if l.workDir != "" {
		execCmd.Dir = l.workDir
	}

	var stdout, stderr bytes.Buffer
	execCmd.Stdout = &stdout
	execCmd.Stderr = &stderr

	start := time.Now()
	err := execCmd.Run()

	exitCode := 0
	if err != nil {
		var exitError *exec.ExitError
		if errors.As(err, &exitError) {
			exitCode = exitError.ExitCode()
		} else {
			return nil, fmt.Errorf("exec error: %w", err)
		}
	}

	return &connectors.ExecResult{
		Command:  cmd,
		Args:     args,
		ExitCode: exitCode,
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
		Duration: time.Since(start),
	}, nil
}

func lastLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.LastIndexByte(s, '\n'); i >= 0 {
		return s[i+1:]
	}
	return s
}
