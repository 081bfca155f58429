// Package log provides the structured logger shared by every component of
// the control plane.
package log
