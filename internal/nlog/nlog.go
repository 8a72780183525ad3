// Package nlog is a minimal leveled, structured logger used throughout
// aiscoll instead of the standard library's bare log.Printf, matching the
// logging idiom of aistore's own cmn/nlog: cheap verbosity gating via
// FastV, line-oriented Infoln/Warningf/Errorln.
package nlog

import (
	"fmt"
	"log"
	"os"
	"sync/atomic"
)

var std = log.New(os.Stderr, "", log.Ldate|log.Lmicroseconds)

// verbosity is a process-wide atomic level; modules gate hot-path logging
// through FastV instead of formatting a string that nobody will read.
var verbosity int32

func SetVerbosity(v int) { atomic.StoreInt32(&verbosity, int32(v)) }

// FastV reports whether logging at the given level is enabled for module.
// The module argument is accepted (and ignored by this minimal logger) to
// keep call sites identical to aistore's per-module gating; a fuller
// implementation could maintain per-module overrides the way aistore does.
func FastV(level int, _ string) bool { return int32(level) <= atomic.LoadInt32(&verbosity) }

func Infoln(v ...any)                 { std.Output(2, "I "+fmt.Sprintln(v...)) }
func Infof(format string, v ...any)   { std.Output(2, "I "+fmt.Sprintf(format, v...)+"\n") }
func Warningln(v ...any)              { std.Output(2, "W "+fmt.Sprintln(v...)) }
func Warningf(format string, v ...any) {
	std.Output(2, "W "+fmt.Sprintf(format, v...)+"\n")
}
func Errorln(v ...any)               { std.Output(2, "E "+fmt.Sprintln(v...)) }
func Errorf(format string, v ...any) { std.Output(2, "E "+fmt.Sprintf(format, v...)+"\n") }
