package cloudbackup

import (
	"testing"

	"github.com/daemonforge/pkgmand/lalog"
	"github.com/stretchr/testify/assert"
)

func TestNewRequiresBucket(t *testing.T) {
	_, err := New("", lalog.Logger{ComponentName: "cloudbackup-test"})
	assert.Error(t, err, "expected an error when no bucket is configured")
}
