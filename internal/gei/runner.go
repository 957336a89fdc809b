// Package gei shells out to the GitHub bulk-import CLI to enqueue
// repository migrations.
package gei

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"regexp"
	"strings"

	"github.com/go-logr/logr"
)

// ErrTargetExists means the enqueue was rejected because the target org
// already has a repository with the requested name.
var ErrTargetExists = errors.New("target org already contains the repository")

// targetExistsMarker is the CLI's rejection text for a name collision.
const targetExistsMarker = "already contains a repository with the name"

// migrationIDPatterns are tried in order against the CLI output. The
// first submatch of the first matching pattern wins.
var migrationIDPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)migration id:\s*(\d+)`),
	regexp.MustCompile(`(?i)queued migration id:\s*(\d+)`),
	regexp.MustCompile(`\(ID:\s*([RM_0-9A-Za-z]+)\)`),
	regexp.MustCompile(`(?i)\bid:\s*(\d+)`),
}

// Request describes one repository migration to enqueue.
type Request struct {
	SourceOrg  string
	SourceRepo string
	TargetOrg  string
	TargetRepo string
	// Visibility of the created target repo: "private", "internal" or
	// "public".
	Visibility string
	// SourceAPIURL is the GHES REST base of the source, empty for
	// public GitHub.
	SourceAPIURL string
	// TargetAPIURL is the GHES REST base of the target, empty for
	// public GitHub.
	TargetAPIURL string

	SourceToken string
	TargetToken string
}

// Runner invokes the bulk-import CLI. A dedicated binary is preferred
// when configured and present; otherwise migrations go through the gh
// CLI extension.
type Runner struct {
	binaryPath string
	ghPath     string
	log        logr.Logger

	// runCmd is swapped out in tests.
	runCmd func(ctx context.Context, env []string, name string, args ...string) ([]byte, error)
}

// NewRunner creates a runner. binaryPath may be empty; ghPath defaults
// to "gh" when empty.
func NewRunner(binaryPath, ghPath string, log logr.Logger) *Runner {
	if ghPath == "" {
		ghPath = "gh"
	}
	return &Runner{
		binaryPath: binaryPath,
		ghPath:     ghPath,
		log:        log.WithName("gei"),
		runCmd:     runCombined,
	}
}

func runCombined(ctx context.Context, env []string, name string, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Env = env
	return cmd.CombinedOutput()
}

// command picks the CLI invocation: the dedicated binary when it exists,
// else "gh gei".
func (r *Runner) command() (name string, prefix []string) {
	if r.binaryPath != "" {
		if _, err := os.Stat(r.binaryPath); err == nil {
			return r.binaryPath, nil
		}
		r.log.V(1).Info("configured importer binary missing, falling back to gh extension", "path", r.binaryPath)
	}
	return r.ghPath, []string{"gei"}
}

// Enqueue queues one migration and returns the provider-assigned
// migration ID parsed from the CLI output. A name collision on the
// target surfaces as ErrTargetExists.
func (r *Runner) Enqueue(ctx context.Context, req Request) (string, error) {
	name, args := r.command()
	args = append(args,
		"migrate-repo",
		"--github-source-org", req.SourceOrg,
		"--source-repo", req.SourceRepo,
		"--github-target-org", req.TargetOrg,
		"--target-repo", req.TargetRepo,
		"--queue-only",
	)
	if req.Visibility != "" {
		args = append(args, "--target-repo-visibility", req.Visibility)
	}
	if req.SourceAPIURL != "" {
		args = append(args, "--ghes-api-url", req.SourceAPIURL)
	}
	if req.TargetAPIURL != "" {
		args = append(args, "--target-api-url", req.TargetAPIURL)
	}

	env := append(os.Environ(),
		"GH_PAT="+req.TargetToken,
		"GH_SOURCE_PAT="+req.SourceToken,
	)

	out, err := r.runCmd(ctx, env, name, args...)
	output := string(out)
	if err != nil {
		if strings.Contains(strings.ToLower(output), targetExistsMarker) {
			return "", ErrTargetExists
		}
		return "", fmt.Errorf("enqueueing %s/%s: %w: %s", req.SourceOrg, req.SourceRepo, err, condense(output))
	}
	if strings.Contains(strings.ToLower(output), targetExistsMarker) {
		return "", ErrTargetExists
	}

	id := ExtractMigrationID(output)
	if id == "" {
		return "", fmt.Errorf("enqueueing %s/%s: no migration ID in importer output: %s", req.SourceOrg, req.SourceRepo, condense(output))
	}
	r.log.Info("migration queued", "sourceRepo", req.SourceOrg+"/"+req.SourceRepo, "migrationId", id)
	return id, nil
}

// ExtractMigrationID pulls the migration ID out of importer output.
// Empty means no pattern matched.
func ExtractMigrationID(output string) string {
	for _, re := range migrationIDPatterns {
		if m := re.FindStringSubmatch(output); m != nil {
			return m[1]
		}
	}
	return ""
}

// condense flattens CLI output into one loggable line, capped so a huge
// stack trace never floods the error message.
func condense(output string) string {
	s := strings.Join(strings.Fields(output), " ")
	const max = 500
	if len(s) > max {
		return s[:max] + "..."
	}
	return s
}
