package resolve

import (
	"bytes"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"testing"
	"time"

	"github.com/kylelemons/godebug/pretty"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mic92/envfs/internal/fallback"
)

func writeExecutable(t *testing.T, dir, name string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\n"), 0o755))
	return path
}

// withPath starts a child process whose environment is PATH=value (plus
// a marker variable) and returns its PID. /proc/<pid>/environ only shows
// the environment a process was exec'd with, so os.Setenv in the test
// process itself would never be seen by Resolve.
func withPath(t *testing.T, value string) int {
	t.Helper()
	cmd := exec.Command("sleep", "60")
	cmd.Env = []string{"ENVFS_TEST_CHILD=1", "PATH=" + value}
	require.NoError(t, cmd.Start())
	t.Cleanup(func() {
		cmd.Process.Kill()
		cmd.Wait()
	})
	// Start can return while the child is still inside execve, before
	// its new environment is visible; wait for the marker.
	environ := fmt.Sprintf("/proc/%d/environ", cmd.Process.Pid)
	require.Eventually(t, func() bool {
		data, _ := os.ReadFile(environ)
		return bytes.Contains(data, []byte("ENVFS_TEST_CHILD=1"))
	}, 5*time.Second, time.Millisecond)
	return cmd.Process.Pid
}

func TestResolveFindsExecutableOnPath(t *testing.T) {
	dir := t.TempDir()
	writeExecutable(t, dir, "mytool")
	pid := withPath(t, dir)

	r := New(nil)
	result := r.Resolve("mytool", pid)

	want := Result{Target: filepath.Join(dir, "mytool"), Found: true}
	if diff := pretty.Compare(want, result); diff != "" {
		t.Errorf("Resolve result mismatch (-want +got):\n%s", diff)
	}
}

func TestResolveFirstMatchWins(t *testing.T) {
	dir1 := t.TempDir()
	dir2 := t.TempDir()
	writeExecutable(t, dir1, "tool")
	writeExecutable(t, dir2, "tool")
	pid := withPath(t, dir1+":"+dir2)

	r := New(nil)
	result := r.Resolve("tool", pid)

	require.True(t, result.Found)
	assert.Equal(t, filepath.Join(dir1, "tool"), result.Target)
}

func TestResolveSkipsEmptyPathComponents(t *testing.T) {
	dir := t.TempDir()
	writeExecutable(t, dir, "tool")
	pid := withPath(t, "::"+dir+"::")

	r := New(nil)
	result := r.Resolve("tool", pid)

	require.True(t, result.Found)
	assert.Equal(t, filepath.Join(dir, "tool"), result.Target)
}

func TestResolveRejectsNonExecutable(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "data.txt")
	require.NoError(t, os.WriteFile(path, []byte("x"), 0o644))
	pid := withPath(t, dir)

	r := New(nil)
	result := r.Resolve("data.txt", pid)
	assert.False(t, result.Found)
}

func TestResolveFallsBackWhenNotOnPath(t *testing.T) {
	pid := withPath(t, t.TempDir())

	dir := t.TempDir()
	require.NoError(t, os.Symlink("/nix/store/abc-bash/bin/bash", filepath.Join(dir, "sh")))
	table, err := fallback.Load(dir)
	require.NoError(t, err)

	r := New(table)
	result := r.Resolve("sh", pid)

	require.True(t, result.Found)
	assert.True(t, result.FromFallback)
	assert.Equal(t, "/nix/store/abc-bash/bin/bash", result.Target)
}

func TestResolvePathTakesPriorityOverFallback(t *testing.T) {
	dir := t.TempDir()
	writeExecutable(t, dir, "sh")
	pid := withPath(t, dir)

	fallbackDir := t.TempDir()
	require.NoError(t, os.Symlink("/nix/store/abc-bash/bin/bash", filepath.Join(fallbackDir, "sh")))
	table, err := fallback.Load(fallbackDir)
	require.NoError(t, err)

	r := New(table)
	result := r.Resolve("sh", pid)

	require.True(t, result.Found)
	assert.False(t, result.FromFallback)
	assert.Equal(t, filepath.Join(dir, "sh"), result.Target)
}

func TestResolveNotFoundAnywhere(t *testing.T) {
	pid := withPath(t, t.TempDir())

	r := New(nil)
	result := r.Resolve("does-not-exist-anywhere", pid)
	assert.False(t, result.Found)
}

func TestResolveRejectsInvalidNames(t *testing.T) {
	r := New(nil)
	for _, name := range []string{"", ".", "..", "a/b", "/abs"} {
		result := r.Resolve(name, os.Getpid())
		assert.False(t, result.Found, "name=%q", name)
	}
}

func TestResolveDeadProcessDegradesToFallback(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.Symlink("/nix/store/abc-bash/bin/bash", filepath.Join(dir, "sh")))
	table, err := fallback.Load(dir)
	require.NoError(t, err)

	r := New(table)
	result := r.Resolve("sh", 1<<30)

	require.True(t, result.Found)
	assert.True(t, result.FromFallback)
}
