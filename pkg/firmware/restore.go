package firmware

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"

	"github.com/loopholelabs/logging/types"
)

// DefaultTool is the restore utility invoked when none is configured.
const DefaultTool = "idevicerestore"

// ExitError reports a restore tool that ran but did not succeed.
type ExitError struct {
	Tool string
	Code int
}

func (e *ExitError) Error() string {
	return fmt.Sprintf("%s exited with status %d", e.Tool, e.Code)
}

// Restorer runs `<Tool> <Args...> <Image>` and waits for it to exit.
type Restorer struct {
	Tool  string
	Args  []string
	Image string

	// Stdout and Stderr default to the process streams.
	Stdout io.Writer
	Stderr io.Writer

	Log types.Logger
}

// NewRestorer returns a Restorer for image using DefaultTool.
func NewRestorer(image string) *Restorer {
	return &Restorer{Tool: DefaultTool, Image: image}
}

// Command returns the argument vector that Restore runs.
func (r *Restorer) Command() []string {
	tool := r.Tool
	if tool == "" {
		tool = DefaultTool
	}
	argv := append([]string{tool}, r.Args...)
	return append(argv, r.Image)
}

// Restore runs the tool. A non-zero exit status is returned as *ExitError.
func (r *Restorer) Restore(ctx context.Context) error {
	if r.Image == "" {
		return errors.New("firmware: no image to restore")
	}
	argv := r.Command()

	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	cmd.Stdin = os.Stdin
	cmd.Stdout = r.Stdout
	if cmd.Stdout == nil {
		cmd.Stdout = os.Stdout
	}
	cmd.Stderr = r.Stderr
	if cmd.Stderr == nil {
		cmd.Stderr = os.Stderr
	}

	if r.Log != nil {
		r.Log.Info().Str("command", strings.Join(argv, " ")).Msg("starting restore")
	}
	err := cmd.Run()

	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		err = &ExitError{Tool: argv[0], Code: exitErr.ExitCode()}
	} else if err != nil {
		err = fmt.Errorf("run %s: %w", argv[0], err)
	}
	if r.Log != nil {
		if err != nil {
			r.Log.Warn().Err(err).Msg("restore failed")
		} else {
			r.Log.Info().Msg("restore finished")
		}
	}
	return err
}
