package decode

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestTrimNUL_StripsOnlyTrailingNULs(t *testing.T) {
	assert.Equal(t, "hello", trimNUL("hello\x00\x00"))
}

func TestTrimNUL_LeavesEmbeddedNULsAlone(t *testing.T) {
	assert.Equal(t, "hel\x00lo", trimNUL("hel\x00lo"))
}

func TestTrimNUL_NoNULsIsUnchanged(t *testing.T) {
	assert.Equal(t, "hello", trimNUL("hello"))
}

func TestTrimNUL_AllNULsBecomesEmpty(t *testing.T) {
	assert.Equal(t, "", trimNUL("\x00\x00\x00"))
}
