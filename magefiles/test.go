//go:build mage

package main

import (
	"github.com/magefile/mage/mg"
)

type Test mg.Namespace

// Runs every package's tests.
func (Test) Unit() error {
	_, err := executeCmd("go", withArgs("test", "./..."), withStream())
	return err
}

// Runs the tests with the memory allocator's debug validation compiled in.
func (Test) Debug() error {
	_, err := executeCmd("go", withArgs("test", "-tags", "debug_mem_utils", "./..."), withStream())
	return err
}

// Runs the tests under the race detector.
func (Test) Race() error {
	_, err := executeCmd("go", withArgs("test", "-race", "./..."), withEnv("CGO_ENABLED=1"), withStream())
	return err
}

// Runs unit, debug and race tests in order.
func (Test) All() {
	mg.SerialDeps(Test.Unit, Test.Debug, Test.Race)
}
