package utils

import (
	"fmt"

	"github.com/mattn/go-colorable"
	"github.com/mitchellh/colorstring"

	"github.com/Ali-Raza-H/SLM-VisualModel/params"
)

// Debugf prints only when params.Config.Debug is set.
func Debugf(format string, args ...any) {
	if !params.Config.Debug {
		return
	}
	Colorize("[dark_gray][debug] "+format+"[reset]\n", args...)
}

// Colorize prints a colorstring-formatted message, e.g. "[green]ok[reset]".
func Colorize(format string, opts ...any) (n int, err error) {
	out := colorable.NewColorableStdout()
	return fmt.Fprintf(out, colorstring.Color(format), opts...)
}
