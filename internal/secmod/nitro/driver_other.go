//go:build !linux

package nitro

import "fmt"

type stubDriver struct{}

func (stubDriver) init() (int, error) {
	return -1, fmt.Errorf("the NSM device is only available on Linux")
}

func (stubDriver) process(handle int, request []byte) ([]byte, error) {
	return nil, fmt.Errorf("the NSM device is only available on Linux")
}

func newDriver() nsmDriver { return stubDriver{} }
