package doctor

import (
	"fmt"
	"time"

	"github.com/atotto/clipboard"
)

// clipboardRoundTrip writes a unique string and reads it back. Clipboard
// tools can hang when no display server is reachable, hence the timeout.
func clipboardRoundTrip(timeout time.Duration) Result {
	if clipboard.Unsupported {
		return Result{Status: Warn, Detail: "no clipboard utility found (install xclip, xsel or wl-clipboard)"}
	}
	testStr := fmt.Sprintf("scamdrill-doctor-%d", time.Now().UnixNano())

	type cbResult struct {
		readback string
		err      error
		phase    string
	}
	ch := make(chan cbResult, 1)
	go func() {
		if err := clipboard.WriteAll(testStr); err != nil {
			ch <- cbResult{err: err, phase: "write"}
			return
		}
		got, err := clipboard.ReadAll()
		if err != nil {
			ch <- cbResult{err: err, phase: "read"}
			return
		}
		ch <- cbResult{readback: got}
	}()

	select {
	case res := <-ch:
		if res.err != nil {
			return Result{Status: Fail, Detail: fmt.Sprintf("clipboard %s failed: %v", res.phase, res.err)}
		}
		if res.readback != testStr {
			return Result{Status: Fail, Detail: fmt.Sprintf("clipboard mismatch: wrote %q, got %q", testStr, res.readback)}
		}
		return Result{Status: Pass, Detail: "clipboard write/read verified"}
	case <-time.After(timeout):
		return Result{Status: Fail, Detail: "clipboard timed out (display server not accessible?)"}
	}
}
