// Package remote runs commands and moves files on remote hosts over SSH.
package remote

import (
	"context"
	"io"
	"strings"

	"github.com/MacJediWizard/ferry/internal/models"
	"github.com/juju/utils/v4"
)

// Result holds the outcome of a completed remote command.
type Result struct {
	ExitCode int
	Stdout   string
	Stderr   string
}

// ProgressFunc receives the cumulative number of bytes transferred.
type ProgressFunc func(transferred int64)

// Executor issues commands and file transfers against a server.
// No operation retries on failure.
type Executor interface {
	// Execute runs command and returns its captured output. A non-zero exit
	// returns both the Result and a *CommandError.
	Execute(ctx context.Context, srv *models.Server, command string) (*Result, error)
	// Stream runs command and writes stdout chunks to w as they arrive.
	Stream(ctx context.Context, srv *models.Server, command string, w io.Writer) error
	// Upload copies a local file to remotePath on srv.
	Upload(ctx context.Context, srv *models.Server, localPath, remotePath string, progress ProgressFunc) error
	// Download copies remotePath on srv to a local file.
	Download(ctx context.Context, srv *models.Server, remotePath, localPath string, progress ProgressFunc) error
}

// Quote returns s quoted for a POSIX shell.
func Quote(s string) string {
	return utils.ShQuote(s)
}

// Join builds a shell command from args, quoting each one.
func Join(args ...string) string {
	quoted := make([]string, len(args))
	for i, a := range args {
		quoted[i] = Quote(a)
	}
	return strings.Join(quoted, " ")
}
