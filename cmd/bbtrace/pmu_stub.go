//go:build !linux

package main

import (
	"errors"
)

// PMUGroup is unavailable outside Linux.
type PMUGroup struct{}

// SetupPMU fails when -pmu is set and is a no-op otherwise.
func SetupPMU(pid int) (*PMUGroup, error) {
	if *pmu {
		return nil, errors.New("-pmu is only supported on Linux")
	}
	return nil, nil
}

func (g *PMUGroup) Read() (PMUCounters, error) {
	return PMUCounters{}, nil
}

func (g *PMUGroup) Close() {}

func PMUEnabled() bool {
	return false
}

func InitPMUForChild() error {
	_, err := SetupPMU(0)
	return err
}

func ReadAndClosePMU() PMUCounters {
	return PMUCounters{}
}
