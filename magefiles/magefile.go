//go:build mage

// Tools for building and maintaining raknetd.
package main

import (
	"os"

	"github.com/magefile/mage/mg"
	"github.com/magefile/mage/sh"
)

// Compiles raknetd into ./bin.
func Build() error {
	mg.Deps(Vet)
	return sh.RunV("go", "build", "-o", "bin/raknetd", "./cmd/raknetd")
}

// Runs go vet over every package.
func Vet() error {
	return sh.RunV("go", "vet", "./...")
}

// Runs all tests.
// Tests are run with -race.
func Test() error {
	_, err := sh.Exec(nil, os.Stdout, os.Stderr, "go", "test", "./...", "-race", "-count=1")
	return err
}
