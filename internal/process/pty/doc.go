// Package pty runs commands on a pseudo-terminal so their output keeps
// colors and progress redraws. Only Linux devpts is supported.
package pty
