//go:build !linux

package pty

import (
	"errors"

	"stackcast/internal/process"
	"stackcast/pkg/logx"
)

var errUnsupported = errors.New("pty: unsupported platform")

type Runner struct {
	Term string
}

func New(logx.Logger) *Runner { return &Runner{} }

func (r *Runner) Spawn(process.SpawnOptions) (process.Handle, error) {
	return nil, errUnsupported
}
