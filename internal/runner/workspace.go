package runner

import (
	"context"
	"io"
	"os"
	"os/exec"
	"path"
	"path/filepath"
	"sort"

	"github.com/lei/woodhouse/internal/models"
	"github.com/lei/woodhouse/pkg/logger"
)

// ContainerWorkspace is where a job's checkout is mounted inside its container
const ContainerWorkspace = "/woodhouse-workspace"

// checkout clones repository into a fresh directory under the workspace
// root, with git's progress going to out. The directory is returned even
// when the clone fails so the caller can remove it.
func (r *Runner) checkout(ctx context.Context, repository string, out io.Writer) (string, error) {
	dir, err := os.MkdirTemp(r.workspace, "woodhouse-git-")
	if err != nil {
		return "", err
	}

	cmd := exec.CommandContext(ctx, r.git, "clone", "--recursive", repository, dir)
	cmd.Env = append(os.Environ(), "GIT_TERMINAL_PROMPT=0")
	cmd.Stdout = out
	cmd.Stderr = out
	cmd.WaitDelay = waitDelay
	return dir, cmd.Run()
}

func removeCheckout(log *logger.Logger, dir string) {
	if err := os.RemoveAll(dir); err != nil {
		log.Error("runner: removing checkout", "dir", dir, "error", err)
		return
	}
	log.Debug("runner: checkout removed", "dir", dir)
}

// command builds the process for a build: argv on the host, or argv inside
// docker run when the job names an image. checkout may be empty.
func (r *Runner) command(ctx context.Context, job *models.Job, argv []string, checkout string) *exec.Cmd {
	if job.Image == "" {
		cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
		cmd.Dir = hostDir(job.Dir, checkout)
		cmd.Env = mergeEnv(os.Environ(), job.Env)
		return cmd
	}

	cmd := exec.CommandContext(ctx, r.docker, dockerArgs(job, argv, checkout)...)
	// docker run forwards SIGINT to the container; killing the client
	// outright would leave the container running.
	cmd.Cancel = func() error {
		return cmd.Process.Signal(os.Interrupt)
	}
	return cmd
}

func dockerArgs(job *models.Job, argv []string, checkout string) []string {
	args := []string{"run", "--rm"}
	if checkout != "" {
		args = append(args, "-v", checkout+":"+ContainerWorkspace, "--workdir", containerDir(job.Dir))
	} else if job.Dir != "" {
		args = append(args, "--workdir", job.Dir)
	}

	keys := make([]string, 0, len(job.Env))
	for k := range job.Env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		args = append(args, "-e", k+"="+job.Env[k])
	}

	args = append(args, job.Image)
	return append(args, argv...)
}

// hostDir resolves a relative job dir inside the checkout
func hostDir(dir, checkout string) string {
	if checkout == "" || filepath.IsAbs(dir) {
		return dir
	}
	return filepath.Join(checkout, dir)
}

func containerDir(dir string) string {
	if path.IsAbs(dir) {
		return dir
	}
	return path.Join(ContainerWorkspace, dir)
}
