// Package runner drives the service lifecycle: start, wait for a stop signal,
// drain within a deadline.
package runner

import (
	"bytes"
	"context"
	"io"

	"github.com/dimiro1/banner"
)

type State int

const (
	StateNew State = iota
	StateStarting
	StateRunning
	StateDraining
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateNew:
		return "new"
	case StateStarting:
		return "starting"
	case StateRunning:
		return "running"
	case StateDraining:
		return "draining"
	case StateStopped:
		return "stopped"
	}
	return "unknown"
}

type Runner interface {
	Run(ctx context.Context) error
	Stop() error
	State() State
}

type Hooks struct {
	OnStart func()
	OnStop  func()
}

// Drainer finishes in-flight work and releases resources.
type Drainer interface {
	Drain() error
}

// PrintBanner writes the startup banner to w.
func PrintBanner(w io.Writer, version string) {
	tpl := "{{ .Title \"RINGDESK\" \"\" 0 }}\nVersion: " + version + "\nStarted: {{ .Now \"2006-01-02 15:04:05\" }}\n"
	banner.Init(w, true, false, bytes.NewBufferString(tpl))
}
