package utils

import (
	"runtime/debug"

	"github.com/sirupsen/logrus"
)

// RunWithRecovery runs fn in its own goroutine. A panic escaping fn is
// logged with its stack instead of taking the process down.
func RunWithRecovery(fn func()) {
	go func() {
		defer func() {
			if r := recover(); r != nil {
				logrus.WithFields(logrus.Fields{
					"prefix": "RunWithRecovery",
					"stack":  string(debug.Stack()),
				}).Errorf("recovered from panic: %v", r)
			}
		}()
		fn()
	}()
}
