package engine

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type collector struct {
	mu     sync.Mutex
	events []Event
}

func (c *collector) Emit(ev Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, ev)
}

func (c *collector) records() []Record {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []Record
	for _, ev := range c.events {
		if ev.Kind == EventRecord {
			out = append(out, ev.Record)
		}
	}
	return out
}

func (c *collector) diagnostics(kind EventKind) []Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []Event
	for _, ev := range c.events {
		if ev.Kind == kind {
			out = append(out, ev)
		}
	}
	return out
}

func newTestShell(t *testing.T) *Shell {
	t.Helper()
	sh, err := New(Options{Fs: afero.NewMemMapFs(), Environ: []string{"HOME=/"}})
	require.NoError(t, err)
	return sh
}

func invoke(t *testing.T, sh *Shell, inv Invocation) (*collector, error) {
	t.Helper()
	if inv.ID == "" {
		inv.ID = "test"
	}
	c := &collector{}
	err := sh.Invoke(context.Background(), inv, c)
	return c, err
}

func TestShell_EmitRecords(t *testing.T) {
	sh := newTestShell(t)

	c, err := invoke(t, sh, Invocation{Body: `for i in 1 2 3; do emit Number=$i Name=item$i; done`})
	require.NoError(t, err)

	recs := c.records()
	require.Len(t, recs, 3)
	assert.Equal(t, float64(1), recs[0]["Number"])
	assert.Equal(t, "item1", recs[0]["Name"])
	assert.Equal(t, float64(3), recs[2]["Number"])
	for _, ev := range c.events {
		assert.Equal(t, "test", ev.Invocation)
	}
}

func TestShell_PlainOutputBecomesValueRecords(t *testing.T) {
	sh := newTestShell(t)

	c, err := invoke(t, sh, Invocation{Body: "echo hello\necho 42"})
	require.NoError(t, err)

	recs := c.records()
	require.Len(t, recs, 2)
	assert.Equal(t, Record{"Value": "hello"}, recs[0])
	assert.Equal(t, Record{"Value": float64(42)}, recs[1])
}

func TestShell_WherePredicateFromArgs(t *testing.T) {
	sh := newTestShell(t)

	input := []Record{
		{"Number": float64(1), "Name": "a"},
		{"Number": float64(2), "Name": "b"},
		{"Number": float64(1), "Name": "c"},
	}
	c, err := invoke(t, sh, Invocation{
		Body:  `where "$1"`,
		Args:  []string{`.Number == 1 and $_.Name != "c"`},
		Input: input,
	})
	require.NoError(t, err)

	recs := c.records()
	require.Len(t, recs, 1)
	assert.Equal(t, "a", recs[0]["Name"])
	assert.Empty(t, c.diagnostics(EventError))
}

func TestShell_WhereEvaluationErrorIsNonTerminating(t *testing.T) {
	sh := newTestShell(t)

	c, err := invoke(t, sh, Invocation{
		Body:  `where "$1"`,
		Args:  []string{`.Number + "x"`},
		Input: []Record{{"Number": float64(1)}, {"Number": float64(2)}},
	})
	require.NoError(t, err)

	assert.Empty(t, c.records())
	errs := c.diagnostics(EventError)
	require.Len(t, errs, 2)
	assert.Equal(t, "where", errs[0].Cause)
}

func TestShell_WhereParseErrorIsTerminating(t *testing.T) {
	sh := newTestShell(t)

	c, err := invoke(t, sh, Invocation{
		Body:  `where "$1"`,
		Args:  []string{`.Number ==`},
		Input: []Record{{"Number": float64(1)}},
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "where: parse error")

	errs := c.diagnostics(EventError)
	require.NotEmpty(t, errs)
	assert.Equal(t, "terminating", errs[len(errs)-1].Cause)
}

func TestShell_DiagnosticStreams(t *testing.T) {
	sh := newTestShell(t)

	c, err := invoke(t, sh, Invocation{Body: `
write-information starting up
emit Id=1
write-warning careful now
write-error something broke
echo from stderr >&2
`})
	require.NoError(t, err)

	assert.Len(t, c.records(), 1)

	info := c.diagnostics(EventInformation)
	require.Len(t, info, 1)
	assert.Equal(t, "starting up", info[0].Message)

	warn := c.diagnostics(EventWarning)
	require.Len(t, warn, 1)
	assert.Equal(t, "careful now", warn[0].Message)

	errs := c.diagnostics(EventError)
	require.Len(t, errs, 2)
	assert.Equal(t, "something broke", errs[0].Message)
	assert.Equal(t, "write-error", errs[0].Cause)
	assert.Equal(t, "from stderr", errs[1].Message)
	assert.Equal(t, "stderr", errs[1].Cause)
}

func TestShell_ThrowIsTerminating(t *testing.T) {
	sh := newTestShell(t)

	c, err := invoke(t, sh, Invocation{Body: "emit Id=1\nthrow boom\nemit Id=2"})
	require.Error(t, err)
	assert.Equal(t, "boom", err.Error())

	assert.Len(t, c.records(), 1)
	errs := c.diagnostics(EventError)
	require.Len(t, errs, 1)
	assert.Equal(t, "boom", errs[0].Message)
	assert.Equal(t, "terminating", errs[0].Cause)
}

func TestShell_UnknownCommand(t *testing.T) {
	sh := newTestShell(t)

	_, err := invoke(t, sh, Invocation{Body: "no-such-thing"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "command not found")
}

func TestShell_ParametersAndParamDeclaration(t *testing.T) {
	sh := newTestShell(t)

	c, err := invoke(t, sh, Invocation{
		Body:       "param Count Name\nemit \"Name=$Name\" \"Count=$Count\"",
		Parameters: map[string]any{"Name": "widget", "Count": 5},
	})
	require.NoError(t, err)
	recs := c.records()
	require.Len(t, recs, 1)
	assert.Equal(t, "widget", recs[0]["Name"])
	assert.Equal(t, float64(5), recs[0]["Count"])

	// Parameters never outlive the invocation that bound them.
	_, err = invoke(t, sh, Invocation{Body: "param Count Name"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unbound parameter(s): Count, Name")
}

func TestShell_ParametersBoundPerInvocation(t *testing.T) {
	sh := newTestShell(t)

	for _, who := range []string{"alice", "bob"} {
		c, err := invoke(t, sh, Invocation{
			Body:       `emit "Who=$Who"`,
			Parameters: map[string]any{"Who": who},
		})
		require.NoError(t, err)
		recs := c.records()
		require.Len(t, recs, 1)
		assert.Equal(t, who, recs[0]["Who"])
	}

	c, err := invoke(t, sh, Invocation{Body: `emit "Who=${Who:-nobody}"`})
	require.NoError(t, err)
	recs := c.records()
	require.Len(t, recs, 1)
	assert.Equal(t, "nobody", recs[0]["Who"])
}

func TestShell_InvalidParameterName(t *testing.T) {
	sh := newTestShell(t)

	_, err := invoke(t, sh, Invocation{Body: "true", Parameters: map[string]any{"bad-name": 1}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid parameter name")
}

func TestShell_SelectFields(t *testing.T) {
	sh := newTestShell(t)

	c, err := invoke(t, sh, Invocation{
		Body:  "select-fields Name, Id",
		Input: []Record{{"Name": "a", "Id": float64(7), "Other": true}, {"Name": "b"}},
	})
	require.NoError(t, err)

	recs := c.records()
	require.Len(t, recs, 2)
	assert.Equal(t, Record{"Name": "a", "Id": float64(7)}, recs[0])
	assert.Equal(t, Record{"Name": "b", "Id": nil}, recs[1])
}

func TestShell_ListItems(t *testing.T) {
	fs := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(fs, "/data/a.txt", []byte("aaa"), 0o644))
	require.NoError(t, afero.WriteFile(fs, "/data/b.log", []byte("b"), 0o644))
	require.NoError(t, afero.WriteFile(fs, "/data/sub/c.txt", []byte("cc"), 0o644))

	sh, err := New(Options{Fs: fs, Environ: []string{}})
	require.NoError(t, err)

	c, err := invoke(t, sh, Invocation{Body: "list-items /data"})
	require.NoError(t, err)
	recs := c.records()
	require.Len(t, recs, 3)
	assert.Equal(t, "a.txt", recs[0]["Name"])
	assert.Equal(t, float64(3), recs[0]["Size"])
	assert.Equal(t, true, recs[2]["IsDir"])

	c, err = invoke(t, sh, Invocation{Body: "cd /data && list-items -r --include '*.txt'"})
	require.NoError(t, err)
	recs = c.records()
	require.Len(t, recs, 2)
	assert.Equal(t, "/data/a.txt", recs[0]["Path"])
	assert.Equal(t, "/data/sub/c.txt", recs[1]["Path"])
}

func TestShell_CdPwdCatAndReset(t *testing.T) {
	fs := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(fs, "/work/note.json", []byte(`{"Note":"hi"}`+"\n"), 0o644))

	sh, err := New(Options{Fs: fs, Environ: []string{}})
	require.NoError(t, err)

	c, err := invoke(t, sh, Invocation{Body: "cd /work\npwd\ncat note.json"})
	require.NoError(t, err)
	assert.Equal(t, []Record{{"Value": "/work"}, {"Note": "hi"}}, c.records())
	assert.Equal(t, "/work", sh.Cwd())

	c, err = invoke(t, sh, Invocation{Body: "cat missing.json"})
	require.Error(t, err)
	errs := c.diagnostics(EventError)
	require.NotEmpty(t, errs)
	assert.Contains(t, errs[0].Message, "cat: missing.json")

	require.NoError(t, sh.Reset())
	assert.Equal(t, "/", sh.Cwd())
}

func TestShell_CdInsidePipelines(t *testing.T) {
	fs := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(fs, "/work/a.txt", []byte("a"), 0o644))
	require.NoError(t, afero.WriteFile(fs, "/other/b.txt", []byte("b"), 0o644))

	sh, err := New(Options{Fs: fs, Environ: []string{}})
	require.NoError(t, err)

	// Pipeline stages run concurrently; cd in one stage races with path
	// resolution in its siblings.
	body := `for i in 1 2 3 4 5 6 7 8; do
  cd /work | list-items . > /dev/null | cd /other
done
cd /other
cd /work
cd - > /dev/null
pwd`
	c, err := invoke(t, sh, Invocation{Body: body})
	require.NoError(t, err)
	assert.Equal(t, []Record{{"Value": "/other"}}, c.records())
	assert.Equal(t, "/other", sh.Cwd())
}

func TestShell_RedirectionUsesShellFs(t *testing.T) {
	fs := afero.NewMemMapFs()
	sh, err := New(Options{Fs: fs, Environ: []string{}})
	require.NoError(t, err)

	_, err = invoke(t, sh, Invocation{Body: "emit Id=1 > /out.json"})
	require.NoError(t, err)

	data, err := afero.ReadFile(fs, "/out.json")
	require.NoError(t, err)
	assert.JSONEq(t, `{"Id":1}`, string(data))
}

func TestShell_BusyAndCancellation(t *testing.T) {
	sh := newTestShell(t)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- sh.Invoke(ctx, Invocation{ID: "long", Body: "sleep 30"}, &collector{})
	}()

	require.Eventually(t, func() bool { return sh.busy.Load() }, 2*time.Second, 10*time.Millisecond)

	err := sh.Invoke(context.Background(), Invocation{ID: "second", Body: "true"}, &collector{})
	assert.ErrorIs(t, err, ErrBusy)
	assert.ErrorIs(t, sh.Reset(), ErrBusy)

	cancel()
	select {
	case err := <-done:
		assert.Error(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("invocation did not stop after cancellation")
	}

	_, err = invoke(t, sh, Invocation{Body: "true"})
	assert.NoError(t, err)
}

func TestShell_DefaultDriveToggle(t *testing.T) {
	t.Setenv(LoadDefaultDriveEnv, "0")
	sh, err := New(Options{Environ: []string{}})
	require.NoError(t, err)
	_, isMem := sh.Fs().(*afero.MemMapFs)
	assert.True(t, isMem)

	t.Setenv(LoadDefaultDriveEnv, "1")
	sh, err = New(Options{DriveRoot: t.TempDir(), Environ: []string{}})
	require.NoError(t, err)
	_, isOverlay := sh.Fs().(*afero.CopyOnWriteFs)
	assert.True(t, isOverlay)
}
