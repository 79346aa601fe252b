package main

import (
	"fmt"
	"os"
	"os/signal"
	"path"
	"strconv"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// server is the subset of *http.Server's lifecycle the watcher drives.
// Adapted from the teacher's grace.Server: this daemon runs a single
// listener, so the fork/socket-inheritance half of the teacher's Watcher
// (hot-reload via SIGHUP, re-exec with inherited fds) has no counterpart
// here and isn't carried over.
type server interface {
	Stop() error
	GracefulStop() error
	Network() string
	Address() string
}

// watcher traps shutdown signals and writes/cleans up a PID file, trimmed
// from the teacher's grace.Watcher to the single-process case: no fork,
// no inherited listeners.
type watcher struct {
	log     zerolog.Logger
	pidFile string
	srv     server
}

type watcherOption func(*watcher)

func withLogger(l zerolog.Logger) watcherOption {
	return func(w *watcher) { w.log = l }
}

func withPIDFile(fn string) watcherOption {
	return func(w *watcher) { w.pidFile = fn }
}

func newWatcher(opts ...watcherOption) *watcher {
	w := &watcher{
		log:     zerolog.Nop(),
		pidFile: path.Join(os.TempDir(), "fsxd.pid"),
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

func (w *watcher) writePID() error {
	return os.WriteFile(w.pidFile, []byte(strconv.Itoa(os.Getpid())), 0o644)
}

func (w *watcher) clean() error {
	return os.Remove(w.pidFile)
}

// exit removes the PID file and terminates the process with errc.
func (w *watcher) exit(errc int) {
	if err := w.clean(); err != nil {
		w.log.Warn().Err(err).Msg("error removing pid file")
	} else {
		w.log.Info().Str("path", w.pidFile).Msg("pid file removed")
	}
	os.Exit(errc)
}

// trapSignals blocks until SIGINT/SIGTERM (hard stop) or SIGQUIT (graceful
// stop, 10s deadline) is received for srv.
func (w *watcher) trapSignals(srv server) {
	w.srv = srv
	signalCh := make(chan os.Signal, 1)
	signal.Notify(signalCh, syscall.SIGINT, syscall.SIGTERM, syscall.SIGQUIT)

	s := <-signalCh
	w.log.Info().Str("signal", s.String()).Msg("signal received")

	switch s {
	case syscall.SIGQUIT:
		w.log.Info().Msg("graceful shutdown, 10s deadline")
		done := make(chan error, 1)
		go func() { done <- w.srv.GracefulStop() }()
		select {
		case err := <-done:
			if err != nil {
				w.log.Error().Err(err).Msg("error during graceful stop")
			}
		case <-time.After(10 * time.Second):
			w.log.Warn().Msg("graceful deadline reached, stopping hard")
			if err := w.srv.Stop(); err != nil {
				w.log.Error().Err(err).Msg("error stopping server")
			}
		}
	default:
		w.log.Info().Msg("hard shutdown")
		if err := w.srv.Stop(); err != nil {
			w.log.Error().Err(err).Msg("error stopping server")
		}
	}
	w.exit(0)
}

func randomPIDPath() string {
	return path.Join(os.TempDir(), fmt.Sprintf("fsxd-%s.pid", uuid.Must(uuid.NewRandom())))
}
