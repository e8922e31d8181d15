package main

import (
	"fmt"
	"path/filepath"
	"time"

	"github.com/briandowns/spinner"
	"github.com/fatih/color"

	"github.com/absfs/vaultfs"
)

// startSpinner starts a spinner unless verbose or debug output is on. The
// returned cleanup stops it and prints FinalMSG, which needs no newline.
func (a *app) startSpinner(message string) (*spinner.Spinner, func()) {
	s := spinner.New(spinner.CharSets[14], 100*time.Millisecond, spinner.WithWriter(a.errOut))
	s.Suffix = " " + message
	if err := s.Color("cyan"); err != nil {
		a.log.Warn().Err(err).Msg("failed to set spinner color")
	}

	quiet := a.verbose || a.debug
	if !quiet {
		s.Start()
	} else {
		a.log.Info().Msg(message)
	}

	return s, func() {
		msg := s.FinalMSG
		s.FinalMSG = ""
		if !quiet {
			s.Stop()
		}
		if msg != "" {
			fmt.Fprintln(a.out, msg)
		}
	}
}

// progress reports copy progress in the spinner suffix.
func progress(s *spinner.Spinner, verb string) vaultfs.ProgressFunc {
	return func(done, total int64, current string) {
		pct := 100.0
		if total > 0 {
			pct = float64(done) * 100 / float64(total)
		}
		s.Lock()
		s.Suffix = fmt.Sprintf(" %s %5.1f%% %s", verb, pct, filepath.Base(current))
		s.Unlock()
	}
}

func success(msg string) string {
	return color.GreenString("✓") + " " + msg
}

func hint(msg string) string {
	return color.CyanString("→") + " " + msg
}
