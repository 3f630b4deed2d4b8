//go:build !windows

package sandbox

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/codefionn/pairspace/internal/filetree"
	"github.com/codefionn/pairspace/internal/logger"
)

func newTestLocal(t *testing.T) *Local {
	t.Helper()
	l, err := NewLocal(LocalOptions{
		Root: t.TempDir(),
		Log:  logger.NewWithWriter(logger.LevelNone, nil, "test"),
	})
	require.NoError(t, err)
	return l
}

func drain(p Process) string {
	var sb strings.Builder
	for chunk := range p.Output() {
		sb.Write(chunk)
	}
	<-p.Done()
	return sb.String()
}

func TestLocalMountWritesAndPrunes(t *testing.T) {
	l := newTestLocal(t)
	ctx := context.Background()

	foreign := filepath.Join(l.Root(), "node_modules", "x.js")
	require.NoError(t, os.MkdirAll(filepath.Dir(foreign), 0o755))
	require.NoError(t, os.WriteFile(foreign, []byte("keep"), 0o644))

	require.NoError(t, l.Mount(ctx, filetree.Tree{
		"package.json": filetree.NewEntry(`{"name":"demo"}`),
		"src/app.js":   filetree.NewEntry("console.log(1)"),
	}))

	data, err := os.ReadFile(filepath.Join(l.Root(), "src", "app.js"))
	require.NoError(t, err)
	assert.Equal(t, "console.log(1)", string(data))

	require.NoError(t, l.Mount(ctx, filetree.Tree{
		"package.json": filetree.NewEntry(`{"name":"demo"}`),
	}))
	_, err = os.Stat(filepath.Join(l.Root(), "src", "app.js"))
	assert.True(t, os.IsNotExist(err), "removed file is pruned")

	_, err = os.Stat(foreign)
	assert.NoError(t, err, "files the sandbox never wrote survive")
}

func TestLocalMountRewritesExternallyDeletedFile(t *testing.T) {
	l := newTestLocal(t)
	tree := filetree.Tree{"a.txt": filetree.NewEntry("1")}
	require.NoError(t, l.Mount(context.Background(), tree))
	require.NoError(t, os.Remove(filepath.Join(l.Root(), "a.txt")))

	require.NoError(t, l.Mount(context.Background(), tree))
	_, err := os.Stat(filepath.Join(l.Root(), "a.txt"))
	assert.NoError(t, err)
}

func TestLocalMountRejectsEscapingPaths(t *testing.T) {
	l := newTestLocal(t)
	err := l.Mount(context.Background(), filetree.Tree{"../evil": filetree.NewEntry("x")})
	assert.ErrorIs(t, err, filetree.ErrInvalidPath)
}

func TestLocalSpawnOutputAndExit(t *testing.T) {
	l := newTestLocal(t)

	p, err := l.Spawn(context.Background(), "sh", "-c", "echo hello; echo oops >&2; exit 3")
	require.NoError(t, err)

	out := drain(p)
	assert.Contains(t, out, "hello")
	assert.Contains(t, out, "oops")
	st := p.ExitStatus()
	assert.True(t, st.Defined)
	assert.Equal(t, 3, st.Code)
	assert.False(t, st.Success())
}

func TestLocalSpawnRunsInRoot(t *testing.T) {
	l := newTestLocal(t)
	p, err := l.Spawn(context.Background(), "pwd")
	require.NoError(t, err)

	want, err := filepath.EvalSymlinks(l.Root())
	require.NoError(t, err)
	got, err := filepath.EvalSymlinks(strings.TrimSpace(drain(p)))
	require.NoError(t, err)
	assert.Equal(t, want, got)
}

func TestLocalSpawnMissingCommand(t *testing.T) {
	l := newTestLocal(t)
	_, err := l.Spawn(context.Background(), "definitely-not-a-command-pairspace")
	assert.Error(t, err)
}

func TestLocalServerReady(t *testing.T) {
	l := newTestLocal(t)

	type ready struct {
		port int
		url  string
	}
	got := make(chan ready, 2)
	remove := l.OnServerReady(func(port int, url string) { got <- ready{port, url} })
	defer remove()

	p, err := l.Spawn(context.Background(), "sh", "-c", "echo starting; echo 'Server running at http://localhost:4321/'; echo 'again http://localhost:4321/'")
	require.NoError(t, err)
	drain(p)

	select {
	case r := <-got:
		assert.Equal(t, 4321, r.port)
		assert.Equal(t, "http://localhost:4321/", r.url)
	case <-time.After(2 * time.Second):
		t.Fatal("no ready notification")
	}
	select {
	case r := <-got:
		t.Fatalf("ready fired twice: %v", r)
	default:
	}
}

func TestLocalServerReadyListeningPattern(t *testing.T) {
	l := newTestLocal(t)
	got := make(chan string, 1)
	remove := l.OnServerReady(func(_ int, url string) { got <- url })

	p, err := l.Spawn(context.Background(), "sh", "-c", "printf 'Listening on port 8080'")
	require.NoError(t, err)
	drain(p)
	assert.Equal(t, "http://localhost:8080", <-got)

	remove()
	p, err = l.Spawn(context.Background(), "sh", "-c", "echo http://localhost:9000")
	require.NoError(t, err)
	drain(p)
	select {
	case url := <-got:
		t.Fatalf("removed handler fired with %s", url)
	default:
	}
}

func TestLocalKillProcessGroup(t *testing.T) {
	l := newTestLocal(t)
	p, err := l.Spawn(context.Background(), "sh", "-c", "sleep 30 & sleep 30")
	require.NoError(t, err)

	require.NoError(t, p.Kill())
	select {
	case <-p.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("process did not exit after kill")
	}
	for range p.Output() {
	}
	assert.False(t, p.ExitStatus().Defined, "death by signal has no exit code")
	assert.True(t, p.ExitStatus().Success())
	assert.NoError(t, p.Kill(), "killing an exited process is a no-op")
}

func TestPolicyPermissions(t *testing.T) {
	root := t.TempDir()
	extra := t.TempDir()
	p := NewPolicy(root, []string{extra, "/does/not/exist"}, nil, true)

	perms := p.Permissions()
	require.NotEmpty(t, perms)
	assert.Equal(t, DirectoryPermission{Path: root, Access: AccessReadWrite}, perms[0])
	assert.Contains(t, perms, DirectoryPermission{Path: extra, Access: AccessReadOnly})
	for _, perm := range perms {
		assert.NotEqual(t, "/does/not/exist", perm.Path)
	}
}
