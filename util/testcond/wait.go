package testcond

import (
	"fmt"
	"time"
)

// WaitForCondition polls eval every interval until it holds or timeout elapses
func WaitForCondition(eval func() bool, interval time.Duration, timeout time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	deadline := time.NewTimer(timeout)
	defer deadline.Stop()

	for {
		if eval() {
			return nil
		}
		select {
		case <-deadline.C:
			if eval() {
				return nil
			}
			return fmt.Errorf("timeout waiting for condition after %s", timeout)
		case <-ticker.C:
		}
	}
}
