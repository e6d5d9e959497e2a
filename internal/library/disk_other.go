//go:build !unix

package library

import "errors"

func diskUsage(path string) (total, used, free uint64, err error) {
	return 0, 0, 0, errors.New("disk usage is not supported on this platform")
}
