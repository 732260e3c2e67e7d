package archive

import (
	"testing"

	"go.uber.org/goleak"
)

// TestMain verifies fan-outs and lock retries leave no goroutines behind.
func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m,
		goleak.IgnoreTopFunction("testing.(*M).Run.func1"),
		goleak.IgnoreTopFunction("testing.tRunner"),
	)
}
