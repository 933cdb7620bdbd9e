package orchestrator

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/creack/pty"
	"go.uber.org/zap/zaptest"
	"golang.org/x/term"

	"github.com/Guliveer/toptle/internal/classify"
	"github.com/Guliveer/toptle/internal/config"
	"github.com/Guliveer/toptle/internal/models"
	"github.com/Guliveer/toptle/internal/process"
	"github.com/Guliveer/toptle/internal/terminal"
)

const resetSequence = "\x1b]0;Terminal\x07"

func requireShell(t *testing.T) {
	t.Helper()
	if _, err := exec.LookPath("/bin/sh"); err != nil {
		t.Skip("/bin/sh not available")
	}
}

type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func testConfig() *config.Config {
	cfg := config.DefaultConfig()
	cfg.Interval = config.Duration{Duration: 50 * time.Millisecond}
	cfg.GracePeriod = config.Duration{Duration: 2 * time.Second}
	cfg.Metrics = []models.Metric{models.MetricCPU, models.MetricRAM}
	return cfg
}

// pipeTerminal has no terminal on any stream.
func pipeTerminal(t *testing.T) *terminal.Terminal {
	t.Helper()
	in, err := os.Open(os.DevNull)
	if err != nil {
		t.Fatal(err)
	}
	out, err := os.CreateTemp(t.TempDir(), "out")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() {
		in.Close()
		out.Close()
	})
	tm := terminal.New(in, out)
	tm.Err = out
	return tm
}

// ptyTerminal stands in for the user's terminal and drains its output.
func ptyTerminal(t *testing.T) (*terminal.Terminal, *os.File) {
	t.Helper()
	ptmx, tty, err := pty.Open()
	if err != nil {
		t.Skipf("pty unavailable: %v", err)
	}
	go io.Copy(io.Discard, ptmx)
	t.Cleanup(func() {
		tty.Close()
		ptmx.Close()
	})
	tm := terminal.New(tty, tty)
	tm.Err = tty
	return tm, tty
}

func runAsync(o *Orchestrator, argv []string) <-chan [2]interface{} {
	res := make(chan [2]interface{}, 1)
	go func() {
		code, err := o.Run(context.Background(), argv)
		res <- [2]interface{}{code, err}
	}()
	return res
}

func await(t *testing.T, res <-chan [2]interface{}) (int, error) {
	t.Helper()
	select {
	case r := <-res:
		err, _ := r[1].(error)
		return r[0].(int), err
	case <-time.After(20 * time.Second):
		t.Fatal("orchestrator did not return")
		return 0, nil
	}
}

// readPIDs waits until path holds n whitespace-separated pids.
func readPIDs(t *testing.T, path string, n int) []int {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		data, _ := os.ReadFile(path)
		fields := strings.Fields(string(data))
		if len(fields) >= n && strings.HasSuffix(string(data), "\n") {
			var pids []int
			for _, f := range fields[:n] {
				pid, err := strconv.Atoi(f)
				if err != nil {
					t.Fatalf("bad pid %q", f)
				}
				pids = append(pids, pid)
			}
			return pids
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("pids never written to %s", path)
	return nil
}

func goneOrZombie(pid int) bool {
	data, err := os.ReadFile("/proc/" + strconv.Itoa(pid) + "/stat")
	if err != nil {
		return true
	}
	s := string(data)
	i := strings.LastIndexByte(s, ')')
	if i < 0 || i+2 >= len(s) {
		return true
	}
	return s[i+2] == 'Z' || s[i+2] == 'X'
}

func waitGone(t *testing.T, pids []int) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for _, pid := range pids {
		for !goneOrZombie(pid) {
			if time.Now().After(deadline) {
				syscall.Kill(pid, syscall.SIGKILL)
				t.Fatalf("process %d survived the forwarded signal", pid)
			}
			time.Sleep(20 * time.Millisecond)
		}
	}
}

// A child with two background grandchildren; each prints its pid.
func familyScript(pidFile string) []string {
	return []string{"/bin/sh", "-c",
		"sleep 30 & a=$!; sleep 30 & b=$!; echo $$ $a $b > " + pidFile + "; wait"}
}

func TestRun_TerminationReachesWholeTree(t *testing.T) {
	requireShell(t)
	if _, err := os.Stat("/proc/self/stat"); err != nil {
		t.Skip("/proc not available")
	}

	tests := []struct {
		name string
		mode config.Mode
		pty  bool
	}{
		{"direct", config.ModeAuto, false},
		{"pty", config.ModePTY, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var tm *terminal.Terminal
			var tty *os.File
			if tt.pty {
				tm, tty = ptyTerminal(t)
			} else {
				tm = pipeTerminal(t)
			}
			var before *term.State
			if tty != nil {
				var err error
				if before, err = term.GetState(int(tty.Fd())); err != nil {
					t.Fatalf("GetState: %v", err)
				}
			}

			cfg := testConfig()
			cfg.Mode = tt.mode
			sigs := make(chan os.Signal, 1)
			sink := &syncBuffer{}
			o := New(cfg, tm, zaptest.NewLogger(t), WithSignals(sigs), WithTitleSink(sink))

			pidFile := filepath.Join(t.TempDir(), "pids")
			res := runAsync(o, familyScript(pidFile))
			pids := readPIDs(t, pidFile, 3)

			sigs <- syscall.SIGTERM
			code, err := await(t, res)
			if err != nil {
				t.Fatalf("Run: %v", err)
			}
			if code != 128+int(syscall.SIGTERM) {
				t.Errorf("exit code = %d, want %d", code, 128+int(syscall.SIGTERM))
			}
			waitGone(t, pids)

			if !strings.HasSuffix(sink.String(), resetSequence) {
				t.Errorf("title not reset last, sink = %q", sink.String())
			}
			if tty != nil {
				after, _ := term.GetState(int(tty.Fd()))
				if *after != *before {
					t.Error("terminal mode not restored")
				}
			}
		})
	}
}

func TestRun_GracePeriodEscalatesToKill(t *testing.T) {
	requireShell(t)
	cfg := testConfig()
	cfg.GracePeriod = config.Duration{Duration: 200 * time.Millisecond}
	sigs := make(chan os.Signal, 1)
	o := New(cfg, pipeTerminal(t), nil, WithSignals(sigs), WithTitleSink(io.Discard))

	pidFile := filepath.Join(t.TempDir(), "pids")
	res := runAsync(o, []string{"/bin/sh", "-c", "trap '' TERM; echo $$ > " + pidFile + "; while :; do sleep 0.05; done"})
	readPIDs(t, pidFile, 1)

	sigs <- syscall.SIGTERM
	code, err := await(t, res)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if code != 128+int(syscall.SIGKILL) {
		t.Errorf("exit code = %d, want %d", code, 128+int(syscall.SIGKILL))
	}
}

func TestRun_NonInteractiveUsesDirectPath(t *testing.T) {
	requireShell(t)
	tm, _ := ptyTerminal(t)
	sink := &syncBuffer{}
	o := New(testConfig(), tm, zaptest.NewLogger(t), WithTitleSink(sink))

	code, err := o.Run(context.Background(), []string{"sleep", "0.3"})
	if err != nil || code != 0 {
		t.Fatalf("Run = %d, %v", code, err)
	}

	// Only the direct path writes metrics titles to the out-of-band sink.
	got := sink.String()
	title := regexp.MustCompile(`\x1b\]0;[^\x07]+> sleep \| 📊 \d+\.\d% CPU, \d+MB RAM\x07`)
	if !title.MatchString(got) {
		t.Errorf("no direct-mode title in sink %q", got)
	}
	if !strings.HasSuffix(got, resetSequence) {
		t.Errorf("title not reset last, sink = %q", got)
	}
}

func TestRun_SpawnFailure(t *testing.T) {
	sink := &syncBuffer{}
	o := New(testConfig(), pipeTerminal(t), nil, WithTitleSink(sink))

	code, err := o.Run(context.Background(), []string{"/nonexistent/toptle-test-cmd"})
	if !errors.Is(err, process.ErrSpawn) {
		t.Fatalf("Run error = %v, want ErrSpawn", err)
	}
	if code != ExitSpawn {
		t.Errorf("exit code = %d, want %d", code, ExitSpawn)
	}
	if sink.String() != resetSequence {
		t.Errorf("sink = %q, want only the reset title", sink.String())
	}
}

func TestRun_ExitCodePassthrough(t *testing.T) {
	requireShell(t)
	o := New(testConfig(), pipeTerminal(t), nil, WithTitleSink(io.Discard))
	code, err := o.Run(context.Background(), []string{"/bin/sh", "-c", "exit 42"})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if code != 42 {
		t.Errorf("exit code = %d, want 42", code)
	}
}

type fixedSampler struct{}

func (fixedSampler) Sample(_ context.Context, rootPID int32) models.TreeSample {
	return models.TreeSample{RootPID: rootPID, CPUPercent: 12.5, MemoryMB: 45, ProcessCount: 1}
}

type directPolicy struct{}

func (directPolicy) Classify([]string, bool) classify.Mode { return classify.Direct }

func TestRun_CustomPolicyAndSampler(t *testing.T) {
	requireShell(t)
	// sh on a terminal would be interactive under the default policy.
	tm, _ := ptyTerminal(t)
	sink := &syncBuffer{}
	o := New(testConfig(), tm, zaptest.NewLogger(t),
		WithPolicy(directPolicy{}),
		WithSampler(fixedSampler{}),
		WithTitleSink(sink),
	)

	code, err := o.Run(context.Background(), []string{"/bin/sh", "-c", "sleep 0.2"})
	if err != nil || code != 0 {
		t.Fatalf("Run = %d, %v", code, err)
	}
	if got := sink.String(); !strings.Contains(got, "> sh | 📊 12.5% CPU, 45MB RAM\x07") {
		t.Errorf("sink = %q, want the fixed sample rendered", got)
	}
}
