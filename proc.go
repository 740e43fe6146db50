// SPDX-License-Identifier: MIT

package ansiblecompat

import (
	"fmt"
	"strings"
)

// Proc captures the outcome of a finished subprocess.
type Proc struct {
	Args     []string
	ExitCode int
	Stdout   string
	Stderr   string
}

// String renders the process outcome for log and error messages.
func (p *Proc) String() string {
	return fmt.Sprintf("cmd=%q rc=%d stdout=%q stderr=%q", strings.Join(p.Args, " "), p.ExitCode, p.Stdout, p.Stderr)
}

// Success reports whether the process exited zero.
func (p *Proc) Success() bool {
	return p.ExitCode == 0
}
