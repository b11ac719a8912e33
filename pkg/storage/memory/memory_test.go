package memory

import (
	"testing"

	"github.com/speedrun-hq/speedrun-settler/pkg/storage/storagetest"
)

func TestStore(t *testing.T) {
	storagetest.Run(t, NewStore())
}
