package preflight

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/gofrs/flock"
	"golang.org/x/sys/unix"

	"loom/internal/config"
	"loom/internal/coordinator"
	"loom/internal/ledger"
	"loom/internal/sysprobe"
)

// CoordinatorLockCheck names the check that fails while a run holds the root.
const CoordinatorLockCheck = "Coordinator lock"

// Result reports the outcome of a single preflight check.
type Result struct {
	Name     string
	Passed   bool
	Optional bool
	Detail   string
}

// RunAll executes every preflight check for cfg.
func RunAll(ctx context.Context, cfg *config.Config) []Result {
	if cfg == nil {
		return nil
	}
	results := []Result{
		CheckDirectoryAccess("Coordination root", cfg.Paths.Root),
		CheckDirectoryAccess("Log directory", cfg.Paths.LogDir),
		CheckCoordinatorIdle(cfg.Paths.Root),
		CheckLedger(ctx, filepath.Join(cfg.Paths.Root, ledger.FileName)),
		CheckProcessSampler(),
	}
	if bin := strings.TrimSpace(cfg.Worker.Binary); bin != "" {
		results = append(results, CheckBinary("Worker binary", bin))
	}
	return results
}

// Failed returns the required checks that did not pass.
func Failed(results []Result) []Result {
	var out []Result
	for _, r := range results {
		if !r.Passed && !r.Optional {
			out = append(out, r)
		}
	}
	return out
}

// CheckDirectoryAccess verifies that the directory exists and is readable/writable.
func CheckDirectoryAccess(name, path string) Result {
	info, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Result{Name: name, Detail: fmt.Sprintf("%s (error: does not exist)", path)}
		}
		return Result{Name: name, Detail: fmt.Sprintf("%s (error: stat: %v)", path, err)}
	}
	if !info.IsDir() {
		return Result{Name: name, Detail: fmt.Sprintf("%s (error: is not a directory)", path)}
	}
	if err := unix.Access(path, unix.R_OK|unix.W_OK|unix.X_OK); err != nil {
		return Result{Name: name, Detail: fmt.Sprintf("%s (error: insufficient permissions: %v)", path, err)}
	}
	return Result{Name: name, Passed: true, Detail: fmt.Sprintf("%s (read/write ok)", path)}
}

// CheckCoordinatorIdle reports whether another coordinator holds root.
func CheckCoordinatorIdle(root string) Result {
	const name = CoordinatorLockCheck
	path := filepath.Join(root, coordinator.LockFileName)
	lock := flock.New(path)
	ok, err := lock.TryLock()
	if err != nil {
		return Result{Name: name, Detail: fmt.Sprintf("%s (error: %v)", path, err)}
	}
	if !ok {
		return Result{Name: name, Detail: "another coordinator is running"}
	}
	_ = lock.Unlock()
	return Result{Name: name, Passed: true, Detail: "free"}
}

// CheckLedger verifies the run ledger opens with the expected schema.
func CheckLedger(_ context.Context, path string) Result {
	const name = "Run ledger"
	store, err := ledger.Open(path)
	if err != nil {
		return Result{Name: name, Detail: err.Error()}
	}
	_ = store.Close()
	return Result{Name: name, Passed: true, Detail: path}
}

// CheckProcessSampler verifies that process usage can be read on this host.
// Without it workers run unmonitored, so the check is optional.
func CheckProcessSampler() Result {
	const name = "Process sampler"
	usage, err := sysprobe.NewProcessSampler(os.Getpid()).Sample()
	if err != nil {
		return Result{Name: name, Optional: true, Detail: fmt.Sprintf("unavailable (%v)", err)}
	}
	return Result{Name: name, Passed: true, Optional: true, Detail: fmt.Sprintf("%.1f MB resident", usage.MemoryMB)}
}

// CheckBinary verifies command resolves on PATH or as a path.
func CheckBinary(name, command string) Result {
	command = strings.TrimSpace(command)
	if command == "" {
		return Result{Name: name, Detail: "command not configured"}
	}
	resolved, err := exec.LookPath(command)
	if err != nil {
		return Result{Name: name, Detail: fmt.Sprintf("binary %q not found", command)}
	}
	return Result{Name: name, Passed: true, Detail: resolved}
}
