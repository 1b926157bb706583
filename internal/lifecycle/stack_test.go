package lifecycle

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"usbforge/internal/errors"
	"usbforge/internal/toolexec"
)

// fakeInvoker records every invocation and fails the commands it is told to.
type fakeInvoker struct {
	calls []toolexec.Cmd
	// failures maps a command string to how many times it should fail.
	failures map[string]int
}

func newFakeInvoker() *fakeInvoker {
	return &fakeInvoker{failures: make(map[string]int)}
}

func (f *fakeInvoker) Run(_ context.Context, c toolexec.Cmd) (toolexec.Result, error) {
	f.calls = append(f.calls, c)
	key := c.String()
	if n, ok := f.failures[key]; ok && n > 0 {
		f.failures[key] = n - 1
		return toolexec.Result{ExitCode: 32, Stderr: "target is busy"},
			&errors.ToolError{Command: key, ExitCode: 32, Stderr: "target is busy"}
	}
	return toolexec.Result{}, nil
}

func (f *fakeInvoker) commandLines() []string {
	lines := make([]string, len(f.calls))
	for i, c := range f.calls {
		lines[i] = c.String()
	}
	return lines
}

func TestAcquireRecordsHandleOnlyOnSuccess(t *testing.T) {
	inv := newFakeInvoker()
	inv.failures["mount --bind /src /dst"] = 1
	st := NewStack(inv)

	err := st.Bind(context.Background(), "/src", "/dst")
	require.Error(t, err)

	var acquireErr *errors.AcquireError
	require.ErrorAs(t, err, &acquireErr)
	assert.Equal(t, "/dst", acquireErr.Target)
	assert.Equal(t, 0, st.Len(), "a failed acquisition must not be pushed")
}

func TestReleaseAllReverseOrder(t *testing.T) {
	ctx := context.Background()
	inv := newFakeInvoker()
	st := NewStack(inv)

	require.NoError(t, st.MountFilesystem(ctx, "/dev/sdb2", "/work/target", "ext4"))
	require.NoError(t, st.Bind(ctx, "/work/target", "/work/target"))
	require.NoError(t, st.RecursiveBind(ctx, "/proc", "/work/target/proc"))

	inv.calls = nil
	failures := st.ReleaseAll(ctx)
	assert.Empty(t, failures)
	assert.Equal(t, []string{
		"umount /work/target/proc",
		"umount /work/target",
		"umount /work/target",
	}, inv.commandLines(), "release must be attempted most-recently-acquired first")
	assert.Equal(t, 0, st.Len())
}

func TestReleaseAllBestEffort(t *testing.T) {
	// Five handles, two of which refuse to unmount even lazily: every handle
	// must still be attempted and both failures collected.
	ctx := context.Background()
	inv := newFakeInvoker()
	st := NewStack(inv)

	for i := 1; i <= 5; i++ {
		require.NoError(t, st.Bind(ctx, "/src", fmt.Sprintf("/mnt/h%d", i)))
	}
	inv.failures["umount /mnt/h2"] = 1
	inv.failures["umount -l /mnt/h2"] = 1
	inv.failures["umount /mnt/h4"] = 1
	inv.failures["umount -l /mnt/h4"] = 1

	failures := st.ReleaseAll(ctx)
	require.Len(t, failures, 2)
	assert.Equal(t, "/mnt/h4", failures[0].Target)
	assert.Equal(t, "/mnt/h2", failures[1].Target)
	assert.Equal(t, 0, st.Len(), "the stack must be drained even when releases fail")
}

func TestReleaseAllLazyFallback(t *testing.T) {
	ctx := context.Background()
	inv := newFakeInvoker()
	st := NewStack(inv)

	require.NoError(t, st.Bind(ctx, "/src", "/mnt/busy"))
	inv.failures["umount /mnt/busy"] = 1

	failures := st.ReleaseAll(ctx)
	assert.Empty(t, failures, "a successful lazy unmount is not a release failure")

	lines := inv.commandLines()
	assert.Contains(t, lines, "umount -l /mnt/busy")
}

func TestReleaseAllOnEmptyStack(t *testing.T) {
	inv := newFakeInvoker()
	st := NewStack(inv)

	assert.Empty(t, st.ReleaseAll(context.Background()))
	assert.Empty(t, inv.calls, "releasing an empty stack must not invoke anything")

	// And it stays a no-op when called again after a drain.
	require.NoError(t, st.Bind(context.Background(), "/a", "/b"))
	st.ReleaseAll(context.Background())
	inv.calls = nil
	assert.Empty(t, st.ReleaseAll(context.Background()))
	assert.Empty(t, inv.calls)
}

func TestNestedChrootUnwind(t *testing.T) {
	// A workspace directory, the root bound onto itself, and three
	// pseudo-filesystems nested under it: the unwind must attempt the three
	// pseudo-filesystems, then the root bind, and remove the directory last.
	ctx := context.Background()
	inv := newFakeInvoker()
	st := NewStack(inv)

	root := filepath.Join(t.TempDir(), "work", "root")
	require.NoError(t, st.Dir(root))
	require.NoError(t, st.Bind(ctx, root, root))
	for _, sub := range []string{"proc", "sys", "dev"} {
		require.NoError(t, st.RecursiveBind(ctx, "/"+sub, filepath.Join(root, sub)))
	}
	require.Equal(t, 5, st.Len())

	inv.calls = nil
	failures := st.ReleaseAll(ctx)
	assert.Empty(t, failures)
	assert.Equal(t, []string{
		"umount " + filepath.Join(root, "dev"),
		"umount " + filepath.Join(root, "sys"),
		"umount " + filepath.Join(root, "proc"),
		"umount " + root,
	}, inv.commandLines())
	assert.NoDirExists(t, root, "the workspace directory is removed after its mounts")
}

func TestSnapshotIsACopy(t *testing.T) {
	ctx := context.Background()
	inv := newFakeInvoker()
	st := NewStack(inv)

	require.NoError(t, st.Bind(ctx, "/a", "/b"))
	snap := st.Snapshot()
	require.Len(t, snap, 1)
	assert.Equal(t, BindMount, snap[0].Kind)
	assert.Equal(t, 0, snap[0].Seq)

	snap[0].Target = "/changed"
	assert.Equal(t, "/b", st.Snapshot()[0].Target)
}

func TestSeqIsMonotonic(t *testing.T) {
	ctx := context.Background()
	st := NewStack(newFakeInvoker())

	require.NoError(t, st.Bind(ctx, "/a", "/1"))
	require.NoError(t, st.Bind(ctx, "/a", "/2"))
	require.NoError(t, st.Bind(ctx, "/a", "/3"))

	for i, h := range st.Snapshot() {
		assert.Equal(t, i, h.Seq)
	}
}
