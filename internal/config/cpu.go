package config

import "runtime"

func cpuCount() int {
	return runtime.NumCPU()
}
