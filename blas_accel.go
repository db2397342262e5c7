//go:build netlib

package main

// #cgo LDFLAGS: -lopenblas
import "C"

import (
	"gonum.org/v1/gonum/blas/blas64"
	"gonum.org/v1/netlib/blas/netlib"

	"github.com/Ali-Raza-H/SLM-VisualModel/params"
)

// Built with `-tags netlib`, gonum's matrix products go through a system
// CBLAS (OpenBLAS by default; override with CGO_LDFLAGS).
func init() {
	blas64.Use(netlib.Implementation{})
	params.Backend = "gonum+netlib"
}
