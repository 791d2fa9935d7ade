//go:build !unix

package sysprobe

import "errors"

func readProcess(int) (rawProcess, error) {
	return rawProcess{}, errors.New("process sampling is not supported on this platform")
}
