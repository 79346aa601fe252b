// Package log wires zerolog the way the rest of the coordinator expects:
// one logger per package, attached to a context so call sites down the
// stack pick it up with FromContext instead of reaching into a global.
package log

import (
	"context"
	"os"

	"github.com/rs/zerolog"
)

// Mode selects the output encoding: "dev" prints a colorized console
// writer, anything else (notably "prod") prints newline-delimited JSON.
var Mode = "dev"

// Out is the underlying writer; cmd/fsxd points it at the configured log
// output file.
var Out = os.Stderr

// New builds a logger scoped to pkg, tagged with the process pid.
func New(pkg string) zerolog.Logger {
	zl := zerolog.New(Out).With().
		Str("pkg", pkg).
		Int("pid", os.Getpid()).
		Timestamp().
		Logger()
	if Mode == "" || Mode == "dev" {
		zl = zl.Output(zerolog.ConsoleWriter{Out: Out})
	}
	return zl
}

// WithContext returns a context carrying l, retrievable with FromContext.
func WithContext(ctx context.Context, l zerolog.Logger) context.Context {
	return l.WithContext(ctx)
}

// FromContext returns the logger stored in ctx, or a disabled logger if
// none was attached.
func FromContext(ctx context.Context) *zerolog.Logger {
	return zerolog.Ctx(ctx)
}
