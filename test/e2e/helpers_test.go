package e2e

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"
)

const (
	startupTimeout = 20 * time.Second
	pollInterval   = 100 * time.Millisecond
)

// lockedBuffer is a thread-safe wrapper around bytes.Buffer.
type lockedBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (lb *lockedBuffer) Write(p []byte) (int, error) {
	lb.mu.Lock()
	defer lb.mu.Unlock()
	return lb.buf.Write(p)
}

func (lb *lockedBuffer) String() string {
	lb.mu.Lock()
	defer lb.mu.Unlock()
	return lb.buf.String()
}

// workerProc holds a running kiln subprocess and its output.
type workerProc struct {
	cmd        *exec.Cmd
	output     *lockedBuffer
	url        string
	enginePort string
}

var (
	binDir    string
	buildOnce sync.Once
	buildErr  error
)

// binaries builds kiln and fakeengine once per test run.
func binaries(t *testing.T) (kiln, fakeengine string) {
	t.Helper()
	buildOnce.Do(func() {
		dir, err := os.MkdirTemp("", "kiln-e2e-*")
		if err != nil {
			buildErr = err
			return
		}
		root := findRepoRoot(t)
		for _, name := range []string{"kiln", "fakeengine"} {
			cmd := exec.Command("go", "build", "-o", filepath.Join(dir, name), "./cmd/"+name)
			cmd.Dir = root
			if out, err := cmd.CombinedOutput(); err != nil {
				buildErr = fmt.Errorf("go build %s failed: %w\n%s", name, err, out)
				return
			}
		}
		binDir = dir
	})
	if buildErr != nil {
		t.Fatal(buildErr)
	}
	return filepath.Join(binDir, "kiln"), filepath.Join(binDir, "fakeengine")
}

func findRepoRoot(t *testing.T) string {
	t.Helper()
	dir, err := os.Getwd()
	if err != nil {
		t.Fatalf("getwd: %v", err)
	}
	for {
		if _, err := os.Stat(filepath.Join(dir, "go.mod")); err == nil {
			return dir
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			t.Fatal("could not find repo root")
		}
		dir = parent
	}
}

func freePort(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("find free port: %v", err)
	}
	defer ln.Close()
	_, port, _ := net.SplitHostPort(ln.Addr().String())
	return port
}

// startWorker runs "kiln serve" against the fake engine. extraEnv entries
// override the defaults.
func startWorker(t *testing.T, extraEnv ...string) *workerProc {
	t.Helper()
	kiln, fakeengine := binaries(t)

	addr := "127.0.0.1:" + freePort(t)
	enginePort := freePort(t)
	tmp := t.TempDir()

	env := append(os.Environ(),
		"KILN_LISTEN_ADDR="+addr,
		"KILN_DB_PATH="+filepath.Join(tmp, "kiln.db"),
		"KILN_LOG_LEVEL=info",
		"KILN_LOG_FORMAT=json",
		"KILN_ENGINE_PYTHON="+fakeengine,
		"KILN_ENGINE_ENTRY=-",
		"KILN_ENGINE_PORT="+enginePort,
		"KILN_ENGINE_WORKSPACE="+tmp,
		"KILN_MODEL_DIR="+filepath.Join(tmp, "models"),
		"KILN_ENGINE_OUTPUT_DIR="+filepath.Join(tmp, "out"),
		"KILN_ENGINE_TEMP_DIR="+filepath.Join(tmp, "temp"),
		"KILN_ENGINE_INPUT_DIR="+filepath.Join(tmp, "in"),
		"KILN_STARTUP_TIMEOUT=20",
		"KILN_DEVICE_MODE=cpu",
	)
	env = append(env, extraEnv...)

	output := &lockedBuffer{}
	cmd := exec.Command(kiln, "serve")
	cmd.Dir = tmp
	cmd.Env = env
	cmd.Stdout = output
	cmd.Stderr = output

	if err := cmd.Start(); err != nil {
		t.Fatalf("start worker: %v", err)
	}

	wp := &workerProc{
		cmd:        cmd,
		output:     output,
		url:        "http://" + addr,
		enginePort: enginePort,
	}

	t.Cleanup(func() {
		if cmd.ProcessState == nil {
			cmd.Process.Signal(os.Interrupt)
			done := make(chan struct{})
			go func() { cmd.Wait(); close(done) }()
			select {
			case <-done:
			case <-time.After(20 * time.Second):
				cmd.Process.Kill()
				<-done
			}
		}
		if t.Failed() {
			t.Logf("worker output:\n%s", output.String())
		}
	})

	deadline := time.Now().Add(startupTimeout)
	for time.Now().Before(deadline) {
		resp, err := http.Get(wp.url + "/healthz")
		if err == nil {
			resp.Body.Close()
			if resp.StatusCode == http.StatusOK {
				return wp
			}
		}
		time.Sleep(pollInterval)
	}
	t.Fatalf("worker did not become ready within %v\noutput:\n%s", startupTimeout, output.String())
	return nil
}

func (wp *workerProc) health(t *testing.T) map[string]any {
	t.Helper()
	var body map[string]any
	wp.getJSON(t, "/healthz", &body)
	return body
}

func (wp *workerProc) getJSON(t *testing.T, path string, v any) {
	t.Helper()
	resp, err := http.Get(wp.url + path)
	if err != nil {
		t.Fatalf("GET %s: %v", path, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		t.Fatalf("GET %s: status %d: %s", path, resp.StatusCode, body)
	}
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		t.Fatalf("decode %s: %v", path, err)
	}
}

// run posts body to /run and returns the status code and decoded response.
func (wp *workerProc) run(t *testing.T, body any) (int, map[string]any) {
	t.Helper()
	raw, err := json.Marshal(body)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	resp, err := http.Post(wp.url+"/run", "application/json", bytes.NewReader(raw))
	if err != nil {
		t.Fatalf("POST /run: %v", err)
	}
	defer resp.Body.Close()

	var out map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decode /run: %v", err)
	}
	return resp.StatusCode, out
}

// waitEngineState polls /healthz until engine_state equals want.
func (wp *workerProc) waitEngineState(t *testing.T, want string) {
	t.Helper()
	deadline := time.Now().Add(startupTimeout)
	var last any
	for time.Now().Before(deadline) {
		last = wp.health(t)["engine_state"]
		if last == want {
			return
		}
		time.Sleep(pollInterval)
	}
	t.Fatalf("engine_state = %v, want %s", last, want)
}

func waitFor(t *testing.T, timeout time.Duration, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(50 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func containsAll(s string, subs ...string) bool {
	for _, sub := range subs {
		if !strings.Contains(s, sub) {
			return false
		}
	}
	return true
}
