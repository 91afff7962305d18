//go:build !unix

package executor

import "os/exec"

// configureProcess leaves the default cancellation (kill the direct child).
func configureProcess(cmd *exec.Cmd) {}
