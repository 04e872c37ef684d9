//go:build !unix

package monitor

import "errors"

func freeDiskBytes(string) (uint64, error) {
	return 0, errors.New("free space probe not supported on this platform")
}
