//go:build !linux

package cli

import (
	"os"
)

func signals() []os.Signal {
	return []os.Signal{os.Interrupt}
}
