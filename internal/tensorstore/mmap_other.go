//go:build !unix

package tensorstore

import (
	"errors"
	"os"
)

func mapFile(*os.File, int) ([]byte, error) {
	return nil, errors.ErrUnsupported
}

func unmap([]byte) error { return nil }

func pageSize() int { return 4096 }

func advise([]byte, Advice) error { return nil }
