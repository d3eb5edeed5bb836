package integration

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"sitterd/internal/core/app"
	"sitterd/internal/core/config"
	"sitterd/internal/engine/query"
	"sitterd/internal/server/protocol"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

type daemon struct {
	app     *app.App
	cfgPath string
	socket  string
	cancel  context.CancelFunc
	done    chan error
}

func startDaemon(t *testing.T, cfgBody string, queriesDir string) *daemon {
	t.Helper()
	dir := t.TempDir()
	cfgPath := filepath.Join(dir, config.DefaultFileName)
	require.NoError(t, os.WriteFile(cfgPath, []byte(cfgBody), 0o600))

	cfg, err := config.Load(cfgPath)
	require.NoError(t, err)
	cfg.Server.SocketPath = filepath.Join(dir, "sitterd.sock")
	cfg.QueriesPath = queriesDir

	a, err := app.New(cfg, nil)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	d := &daemon{app: a, cfgPath: cfgPath, socket: cfg.Server.SocketPath, cancel: cancel, done: make(chan error, 1)}
	go func() { d.done <- a.Run(ctx, cfgPath) }()
	return d
}

func (d *daemon) stop(t *testing.T) {
	d.cancel()
	select {
	case err := <-d.done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("daemon did not stop")
	}
}

type editor struct {
	t      *testing.T
	nc     net.Conn
	r      *protocol.Reader
	nextID uint64
}

func (d *daemon) connect(t *testing.T) *editor {
	t.Helper()
	var nc net.Conn
	require.Eventually(t, func() bool {
		var err error
		nc, err = net.Dial("unix", d.socket)
		return err == nil
	}, 5*time.Second, 10*time.Millisecond)
	e := &editor{t: t, nc: nc, r: protocol.NewReader(nc, 0)}
	resp := e.call(protocol.KindHello, "", 0, protocol.HelloPayload{Name: t.Name()})
	require.Equal(t, protocol.StatusOK, resp.Status)
	return e
}

// call sends one request and reads frames until its response arrives.
// Pushes are skipped.
func (e *editor) call(kind, buffer string, seq uint64, payload interface{}) protocol.Response {
	e.t.Helper()
	e.nextID++
	req := protocol.Request{ID: e.nextID, Kind: kind, Buffer: buffer, Seq: seq}
	if payload != nil {
		raw, err := json.Marshal(payload)
		require.NoError(e.t, err)
		req.Payload = raw
	}
	body, err := json.Marshal(req)
	require.NoError(e.t, err)
	require.NoError(e.t, protocol.WriteFrame(e.nc, body))

	require.NoError(e.t, e.nc.SetReadDeadline(time.Now().Add(5*time.Second)))
	for {
		frame, err := e.r.ReadFrame()
		require.NoError(e.t, err)
		var resp protocol.Response
		var raw struct {
			Result json.RawMessage `json:"result"`
		}
		require.NoError(e.t, json.Unmarshal(frame, &resp))
		require.NoError(e.t, json.Unmarshal(frame, &raw))
		if resp.Kind == protocol.KindPush || resp.ID != e.nextID {
			continue
		}
		resp.Result = raw.Result
		return resp
	}
}

func (e *editor) highlights(buffer string) []query.Capture {
	e.t.Helper()
	resp := e.call(protocol.KindQuery, buffer, 0, protocol.QueryPayload{Query: "highlights"})
	require.Equal(e.t, protocol.StatusOK, resp.Status, "%+v", resp.Error)
	var res protocol.QueryResult
	require.NoError(e.t, json.Unmarshal(resp.Result.(json.RawMessage), &res))
	return res.Captures
}

type labelled struct {
	Start, End uint
	Label      string
}

func labels(caps []query.Capture) []labelled {
	out := make([]labelled, len(caps))
	for i, c := range caps {
		out[i] = labelled{Start: c.Range.Start, End: c.Range.End, Label: c.Label}
	}
	return out
}

func TestIncrementalSessionMatchesFreshBuffer(t *testing.T) {
	defer goleak.VerifyNone(t)
	d := startDaemon(t, "version = 1\n[coalesce]\nwindow = \"5s\"\n", "")
	defer d.stop(t)
	e := d.connect(t)
	defer e.nc.Close()

	original := "def f(a):\n    return a\n"
	final := "def f(a, b):\n    return a + b\n"

	resp := e.call(protocol.KindBufferOpen, "main.py", 0, protocol.OpenPayload{Path: "/src/main.py", Text: original})
	require.Equal(t, protocol.StatusOK, resp.Status)

	resp = e.call(protocol.KindBufferEdit, "main.py", 0, protocol.EditPayload{Edits: []protocol.EditOp{
		{Seq: 1, Start: 7, End: 7, Text: ", b"},
	}})
	require.Equal(t, protocol.StatusOK, resp.Status, "%+v", resp.Error)
	resp = e.call(protocol.KindBufferEdit, "main.py", 0, protocol.EditPayload{Edits: []protocol.EditOp{
		{Seq: 2, Start: 25, End: 25, Text: " + b"},
	}})
	require.Equal(t, protocol.StatusOK, resp.Status, "%+v", resp.Error)

	incremental := e.highlights("main.py")

	resp = e.call(protocol.KindBufferOpen, "fresh.py", 0, protocol.OpenPayload{Language: "python", Text: final})
	require.Equal(t, protocol.StatusOK, resp.Status)
	fresh := e.highlights("fresh.py")

	require.NotEmpty(t, fresh)
	assert.Equal(t, labels(fresh), labels(incremental))
	assert.Equal(t, labels(incremental), labels(e.highlights("main.py")), "repeated queries must agree")
}

func TestConcurrentSessionsAreIndependent(t *testing.T) {
	defer goleak.VerifyNone(t)
	d := startDaemon(t, "version = 1\n", "")
	defer d.stop(t)

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			e := d.connect(t)
			defer e.nc.Close()
			name := fmt.Sprintf("lib%d.rs", i)
			resp := e.call(protocol.KindBufferOpen, name, 0, protocol.OpenPayload{Path: name, Text: "fn a(x:i32){}"})
			assert.Equal(t, protocol.StatusOK, resp.Status)
			for seq := uint64(1); seq <= 20; seq++ {
				resp = e.call(protocol.KindBufferEdit, name, 0, protocol.EditPayload{Edits: []protocol.EditOp{
					{Seq: seq, Start: uint(5 + seq), End: uint(5 + seq), Text: "x"},
				}})
				assert.Equal(t, protocol.StatusOK, resp.Status)
			}
			// Every edit extends the parameter name.
			caps := e.highlights(name)
			found := false
			for _, c := range caps {
				if c.Label == "variable.parameter" && c.Range.Start == 5 && c.Range.End == 26 {
					found = true
				}
			}
			assert.True(t, found, "session %d: parameter capture missing in %v", i, labels(caps))

			resp = e.call(protocol.KindSessionExit, "", 0, nil)
			assert.Equal(t, protocol.StatusOK, resp.Status)
		}(i)
	}
	wg.Wait()
	assert.Eventually(t, func() bool { return d.app.Manager.Sessions() == 0 }, 5*time.Second, 10*time.Millisecond)
}

func TestQueryOverlayEnablesLanguageWithoutBuiltinQueries(t *testing.T) {
	defer goleak.VerifyNone(t)
	queries := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(queries, "css"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(queries, "css", "highlights.scm"), []byte("(property_name) @property\n"), 0o644))

	d := startDaemon(t, "version = 1\n", queries)
	defer d.stop(t)
	e := d.connect(t)
	defer e.nc.Close()

	resp := e.call(protocol.KindBufferOpen, "site.css", 0, protocol.OpenPayload{Path: "site.css", Text: "a { color: red; }"})
	require.Equal(t, protocol.StatusOK, resp.Status)
	assert.Equal(t, []labelled{{Start: 4, End: 9, Label: "property"}}, labels(e.highlights("site.css")))

	resp = e.call(protocol.KindQuery, "site.css", 0, protocol.QueryPayload{Query: "locals"})
	require.Equal(t, protocol.StatusOK, resp.Status)
	var res protocol.QueryResult
	require.NoError(t, json.Unmarshal(resp.Result.(json.RawMessage), &res))
	assert.Empty(t, res.Captures)
	assert.NotEmpty(t, res.Unavailable)
}

func TestConfigReloadUpdatesPolicy(t *testing.T) {
	defer goleak.VerifyNone(t)
	d := startDaemon(t, "version = 1\n[coalesce]\nmax_pending = 8\n", "")
	defer d.stop(t)
	e := d.connect(t)
	defer e.nc.Close()

	require.NoError(t, os.WriteFile(d.cfgPath, []byte("version = 1\n[coalesce]\nmax_pending = 3\n"), 0o600))
	require.Eventually(t, func() bool {
		return d.app.Config().Coalesce.MaxPending == 3
	}, 5*time.Second, 20*time.Millisecond)

	resp := e.call(protocol.KindPing, "", 0, nil)
	assert.Equal(t, protocol.StatusOK, resp.Status)
}
