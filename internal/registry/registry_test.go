package registry

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAllocateStartsAtTwo(t *testing.T) {
	r := New()
	ino := r.Allocate("/bin/sh")
	assert.Equal(t, uint64(2), ino)
}

func TestAllocateNeverReusesNumbers(t *testing.T) {
	r := New()
	first := r.Allocate("/bin/sh")
	r.Forget(first, 1)
	require.Equal(t, 0, r.Len())

	second := r.Allocate("/bin/sh")
	assert.NotEqual(t, first, second)
	assert.Greater(t, second, first)
}

func TestAllocateDoesNotDeduplicateByTarget(t *testing.T) {
	r := New()
	a := r.Allocate("/bin/sh")
	b := r.Allocate("/bin/sh")
	assert.NotEqual(t, a, b)
	assert.Equal(t, 2, r.Len())
}

func TestGetTargetRoundTrip(t *testing.T) {
	r := New()
	ino := r.Allocate("/nix/store/abc-bash/bin/bash")

	target, ok := r.GetTarget(ino)
	require.True(t, ok)
	assert.Equal(t, "/nix/store/abc-bash/bin/bash", target)
}

func TestGetTargetUnknownInode(t *testing.T) {
	r := New()
	_, ok := r.GetTarget(12345)
	assert.False(t, ok)
}

func TestForgetPartialRefcount(t *testing.T) {
	r := New()
	ino := r.Allocate("/bin/sh")
	r.Reference(ino, 2) // refcount now 3

	r.Forget(ino, 1)
	_, ok := r.GetTarget(ino)
	assert.True(t, ok, "entry must survive partial forget")

	r.Forget(ino, 100) // over-forgetting removes the entry
	_, ok = r.GetTarget(ino)
	assert.False(t, ok)
}

func TestForgetUnknownInodeIsNoop(t *testing.T) {
	r := New()
	assert.NotPanics(t, func() {
		r.Forget(999, 1)
	})
}

func TestLenTracksLiveEntries(t *testing.T) {
	r := New()
	assert.Equal(t, 0, r.Len())

	a := r.Allocate("/bin/sh")
	b := r.Allocate("/bin/ls")
	assert.Equal(t, 2, r.Len())

	r.Forget(a, 1)
	assert.Equal(t, 1, r.Len())

	r.Forget(b, 1)
	assert.Equal(t, 0, r.Len())
}
