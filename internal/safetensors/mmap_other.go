//go:build !linux

package safetensors

import (
	"errors"
	"os"
)

var errNoMmap = errors.New("safetensors: mmap unsupported on this platform")

func mmapFile(*os.File, int64) ([]byte, error) { return nil, errNoMmap }

func munmap([]byte) error { return nil }
