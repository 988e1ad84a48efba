package common

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestHasAny(t *testing.T) {
	assert.True(t, HasAny("MRMS_MergedReflectivityQC_latest.grib2.gz", "latest"))
	assert.True(t, HasAny("abc", "x", "b"))
	assert.False(t, HasAny("MRMS_MergedReflectivityQC_00.50_20251107-200036.grib2.gz", "latest"))
	assert.False(t, HasAny("abc"))
}
