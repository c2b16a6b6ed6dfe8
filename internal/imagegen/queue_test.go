package imagegen

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestIsBusyGroupErr(t *testing.T) {
	assert.True(t, isBusyGroupErr(errors.New("BUSYGROUP Consumer Group name already exists")))
	assert.True(t, isBusyGroupErr(errors.New("busygroup consumer group name already exists")))
	assert.False(t, isBusyGroupErr(errors.New("NOGROUP No such consumer group")))
	assert.False(t, isBusyGroupErr(nil))
}
