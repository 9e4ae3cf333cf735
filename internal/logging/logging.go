// Package logging bootstraps the process-wide logger used by every
// other package's Config.Log field, configured the way the teacher
// configures its own stdout logger, and bridges spf13/jwalterweatherman
// (the logging backend cobra and viper write through) into it so CLI
// and config-file diagnostics land in the same structured stream.
package logging

import (
	"context"
	"log"
	"os"

	liblog "github.com/nabbar/golib/logger"
	logcfg "github.com/nabbar/golib/logger/config"
	loglvl "github.com/nabbar/golib/logger/level"
	jww "github.com/spf13/jwalterweatherman"
)

// New builds a liblog.Logger writing to stdout/stderr with the given
// minimum level, and binds it as jwalterweatherman's output so cobra's
// and viper's internal logging (command errors, config-file parse
// warnings) are captured rather than going to the default jww writer.
func New(ctx context.Context, lvl loglvl.Level) liblog.Logger {
	l := liblog.New(ctx)
	l.SetLevel(lvl)

	_ = l.SetOptions(&logcfg.Options{
		Stdout: &logcfg.OptionsStd{
			DisableColor: false,
		},
	})

	notepad := jww.NewNotepad(jww.LevelInfo, jww.LevelInfo, os.Stdout, os.Stderr, "", log.Ldate|log.Ltime)
	l.SetSPF13Level(lvl, notepad)

	return l
}

// FuncLog adapts a single Logger into the liblog.FuncLog every
// Config.Log field expects.
func FuncLog(l liblog.Logger) liblog.FuncLog {
	return func() liblog.Logger {
		return l
	}
}
