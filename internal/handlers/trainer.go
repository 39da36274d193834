package handlers

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
)

// DefaultLocale is exported as LANG and LC_ALL when the environment has none.
const DefaultLocale = "en_US.UTF-8"

// Trainer runs the training pipeline to completion.
type Trainer interface {
	Train(ctx context.Context) error
}

// CommandTrainer runs the pipeline as a subprocess.
type CommandTrainer struct {
	Command []string
	// Output receives the subprocess stdout and stderr; nil discards it.
	Output io.Writer
}

func NewCommandTrainer(command []string, output io.Writer) *CommandTrainer {
	return &CommandTrainer{Command: append([]string(nil), command...), Output: output}
}

func (t *CommandTrainer) Train(ctx context.Context) error {
	if len(t.Command) == 0 {
		return errors.New("no training command configured")
	}

	cmd := exec.CommandContext(ctx, t.Command[0], t.Command[1:]...)
	cmd.Env = localeEnv(os.Environ())

	// Keep the tail of stderr for the error message.
	var stderr bytes.Buffer
	out := t.Output
	if out == nil {
		out = io.Discard
	}
	cmd.Stdout = out
	cmd.Stderr = io.MultiWriter(out, &tailWriter{buf: &stderr, max: 4096})

	if err := cmd.Run(); err != nil {
		if msg := strings.TrimSpace(stderr.String()); msg != "" {
			return fmt.Errorf("%s: %w: %s", strings.Join(t.Command, " "), err, lastLine(msg))
		}
		return fmt.Errorf("%s: %w", strings.Join(t.Command, " "), err)
	}
	return nil
}

func localeEnv(env []string) []string {
	out := make([]string, 0, len(env)+2)
	has := map[string]bool{}
	for _, kv := range env {
		k, _, _ := strings.Cut(kv, "=")
		has[k] = true
		out = append(out, kv)
	}
	for _, k := range []string{"LANG", "LC_ALL"} {
		if !has[k] {
			out = append(out, k+"="+DefaultLocale)
		}
	}
	return out
}

type tailWriter struct {
	buf *bytes.Buffer
	max int
}

func (w *tailWriter) Write(p []byte) (int, error) {
	w.buf.Write(p)
	if over := w.buf.Len() - w.max; over > 0 {
		w.buf.Next(over)
	}
	return len(p), nil
}

func lastLine(s string) string {
	if i := strings.LastIndexByte(s, '\n'); i >= 0 {
		return s[i+1:]
	}
	return s
}
