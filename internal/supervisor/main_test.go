package supervisor

import (
	"os"
	"testing"

	"github.com/jkaninda/sandboxd/internal/sandbox"
)

func TestMain(m *testing.M) {
	sandbox.RunShimIfRequested()
	os.Exit(m.Run())
}
