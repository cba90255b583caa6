package oscap

import (
	"os"
	"strconv"

	"github.com/scapsuite/scanward/internal/model"
)

// Invocation decides which program actually runs the elevated oscap and
// with what prefix arguments. The decision is configuration driven, the
// only ambient input is the PkexecPathEnv override.
type Invocation struct {
	PkexecPath string
	NicePath   string
	Niceness   int
	UseNice    bool
}

func NewInvocation(cfg model.Oscap) Invocation {
	return Invocation{
		PkexecPath: cfg.PkexecPath,
		NicePath:   cfg.NicePath,
		Niceness:   cfg.Niceness,
		UseNice:    cfg.UseNice,
	}
}

// Resolve returns the program to execute and the final argument vector.
// Call it exactly once per invocation and only after every other
// argument has been assembled, it prepends to the front of args.
//
// Without the nice wrapper the elevated oscap helper runs directly.
// With it, nice(1) becomes the program and the helper shifts into the
// argument vector behind `-n <niceness>`.
func (i Invocation) Resolve(args []string) (string, []string) {
	pkexec := i.PkexecPath
	if env := os.Getenv(model.PkexecPathEnv); env != "" {
		pkexec = env
	}

	if !i.UseNice {
		return pkexec, args
	}

	prefixed := make([]string, 0, len(args)+3)
	prefixed = append(prefixed, "-n", strconv.Itoa(i.Niceness), pkexec)
	prefixed = append(prefixed, args...)
	return i.NicePath, prefixed
}
