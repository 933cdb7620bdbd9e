package supervisor

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"os/exec"
	"regexp"
	"strings"
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/creack/pty"
	"go.uber.org/zap/zaptest"
	"golang.org/x/term"

	"github.com/Guliveer/toptle/internal/config"
	"github.com/Guliveer/toptle/internal/models"
	"github.com/Guliveer/toptle/internal/process"
	"github.com/Guliveer/toptle/internal/scheduler"
	"github.com/Guliveer/toptle/internal/terminal"
)

func requireShell(t *testing.T) {
	t.Helper()
	if _, err := exec.LookPath("/bin/sh"); err != nil {
		t.Skip("/bin/sh not available")
	}
}

func testConfig(interval time.Duration) *config.Config {
	cfg := config.DefaultConfig()
	cfg.Interval = config.Duration{Duration: interval}
	cfg.Metrics = []models.Metric{models.MetricCPU, models.MetricRAM}
	return cfg
}

// syncBuffer is a bytes.Buffer safe for one writer and one reader.
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

// fileTerminal is a Terminal backed by /dev/null input and temp files.
func fileTerminal(t *testing.T) (*terminal.Terminal, *os.File) {
	t.Helper()
	in, err := os.Open(os.DevNull)
	if err != nil {
		t.Fatal(err)
	}
	out, err := os.CreateTemp(t.TempDir(), "stdout")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() {
		in.Close()
		out.Close()
	})
	tm := terminal.New(in, out)
	tm.Err = out
	return tm, out
}

func runWithTimeout(t *testing.T, s Supervisor, ctx context.Context, child *process.Child) (int, error) {
	t.Helper()
	type result struct {
		code int
		err  error
	}
	res := make(chan result, 1)
	go func() {
		code, err := s.Run(ctx, child)
		res <- result{code, err}
	}()
	select {
	case r := <-res:
		return r.code, r.err
	case <-time.After(20 * time.Second):
		child.KillGroup()
		t.Fatal("supervisor did not return")
		return 0, nil
	}
}

var directTitle = regexp.MustCompile(`\x1b\]0;[^\x07]+> sh \| 📊 \d+\.\d% CPU, \d+MB RAM\x07`)

func TestDirect_ExitCodeAndTitles(t *testing.T) {
	requireShell(t)
	tm, out := fileTerminal(t)
	sink := &syncBuffer{}
	s := NewDirect(Options{
		Config:    testConfig(20 * time.Millisecond),
		Terminal:  tm,
		TitleSink: sink,
		Logger:    zaptest.NewLogger(t),
	})

	child := process.New([]string{"/bin/sh", "-c", "echo hi; sleep 0.3; exit 3"})
	code, err := runWithTimeout(t, s, context.Background(), child)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if code != 3 {
		t.Errorf("exit code = %d, want 3", code)
	}

	data, _ := os.ReadFile(out.Name())
	if string(data) != "hi\n" {
		t.Errorf("child output = %q, want %q", data, "hi\n")
	}

	titles := sink.String()
	if !directTitle.MatchString(titles) {
		t.Fatalf("no composite title written, sink = %q", titles)
	}
	// Every write is a complete title sequence; nothing else reaches the sink.
	if rest := directTitle.ReplaceAllString(titles, ""); rest != "" {
		t.Errorf("unexpected sink content %q", rest)
	}
}

func TestDirect_SpawnFailure(t *testing.T) {
	tm, _ := fileTerminal(t)
	s := NewDirect(Options{Config: testConfig(time.Second), Terminal: tm, TitleSink: io.Discard})

	code, err := s.Run(context.Background(), process.New([]string{"/nonexistent/cmd"}))
	if !errors.Is(err, process.ErrSpawn) {
		t.Fatalf("Run error = %v, want ErrSpawn", err)
	}
	if code != 127 {
		t.Errorf("exit code = %d, want 127", code)
	}
}

func TestDirect_CancelKillsGroup(t *testing.T) {
	requireShell(t)
	tm, _ := fileTerminal(t)
	s := NewDirect(Options{Config: testConfig(time.Second), Terminal: tm, TitleSink: io.Discard})

	ctx, cancel := context.WithCancel(context.Background())
	child := process.New([]string{"/bin/sh", "-c", "sleep 30"})
	time.AfterFunc(200*time.Millisecond, cancel)

	code, err := runWithTimeout(t, s, ctx, child)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if code != 128+9 {
		t.Errorf("exit code = %d, want 137", code)
	}
}

// outerTerminal opens a pty pair standing in for the user's terminal and
// collects everything written to it into out.
func outerTerminal(t *testing.T) (tm *terminal.Terminal, tty *os.File, out *syncBuffer, collect func() string) {
	t.Helper()
	ptmx, tty, err := pty.Open()
	if err != nil {
		t.Skipf("pty unavailable: %v", err)
	}
	if err := pty.Setsize(tty, &pty.Winsize{Rows: 30, Cols: 100}); err != nil {
		t.Fatalf("Setsize: %v", err)
	}

	out = &syncBuffer{}
	readDone := make(chan struct{})
	go func() {
		defer close(readDone)
		io.Copy(out, ptmx)
	}()

	collect = func() string {
		tty.Close()
		select {
		case <-readDone:
		case <-time.After(2 * time.Second):
		}
		return out.String()
	}
	t.Cleanup(func() {
		tty.Close()
		ptmx.Close()
	})

	tm = terminal.New(tty, tty)
	tm.Err = tty
	return tm, tty, out, collect
}

func TestPTY_InterceptsAndMergesTitle(t *testing.T) {
	requireShell(t)
	tm, tty, _, collect := outerTerminal(t)

	before, err := term.GetState(int(tty.Fd()))
	if err != nil {
		t.Fatalf("GetState: %v", err)
	}

	s := NewPTY(Options{
		Config:   testConfig(50 * time.Millisecond),
		Terminal: tm,
		Logger:   zaptest.NewLogger(t),
	})
	child := process.New([]string{"/bin/sh", "-c", `printf 'hel\033]0;Build\007lo'; sleep 0.2; exit 5`})
	code, err := runWithTimeout(t, s, context.Background(), child)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if code != 5 {
		t.Errorf("exit code = %d, want 5", code)
	}

	after, _ := term.GetState(int(tty.Fd()))
	if *after != *before {
		t.Error("terminal mode not restored after Run")
	}

	output := collect()
	// A metrics title may land between any two reads of the child's output.
	text := regexp.MustCompile(`\x1b\]0;[^\x07]*\x07`).ReplaceAllString(output, "")
	if !strings.Contains(text, "hello") {
		t.Errorf("child output not forwarded intact: %q", output)
	}
	if strings.Contains(output, "\x1b]0;Build\x07") {
		t.Errorf("child title sequence forwarded verbatim: %q", output)
	}

	i := strings.LastIndex(output, "\x1b]0;")
	if i < 0 {
		t.Fatalf("no title written: %q", output)
	}
	last := output[i:]
	if !regexp.MustCompile(`^\x1b\]0;Build \| 📊 \d+\.\d% CPU, \d+MB RAM\x07`).MatchString(last) {
		t.Errorf("last title = %q, want Build | 📊 <metrics>", last)
	}
}

func TestPTY_ChildSeesTerminalSize(t *testing.T) {
	requireShell(t)
	if _, err := exec.LookPath("stty"); err != nil {
		t.Skip("stty not available")
	}
	tm, _, _, collect := outerTerminal(t)
	s := NewPTY(Options{Config: testConfig(time.Second), Terminal: tm})

	code, err := runWithTimeout(t, s, context.Background(), process.New([]string{"/bin/sh", "-c", "stty size"}))
	if err != nil || code != 0 {
		t.Fatalf("Run = %d, %v", code, err)
	}
	if output := collect(); !strings.Contains(output, "30 100") {
		t.Errorf("stty size output = %q, want 30 100", output)
	}
}

func TestPTY_SpawnFailureRestoresTerminal(t *testing.T) {
	tm, tty, _, _ := outerTerminal(t)
	before, err := term.GetState(int(tty.Fd()))
	if err != nil {
		t.Fatalf("GetState: %v", err)
	}

	s := NewPTY(Options{Config: testConfig(time.Second), Terminal: tm})
	code, err := s.Run(context.Background(), process.New([]string{"/nonexistent/cmd"}))
	if !errors.Is(err, process.ErrSpawn) || code != 127 {
		t.Fatalf("Run = %d, %v; want 127, ErrSpawn", code, err)
	}
	after, _ := term.GetState(int(tty.Fd()))
	if *after != *before {
		t.Error("terminal mode not restored after spawn failure")
	}
}

func TestPTY_ResizePropagates(t *testing.T) {
	requireShell(t)
	if _, err := exec.LookPath("stty"); err != nil {
		t.Skip("stty not available")
	}
	tm, tty, out, collect := outerTerminal(t)
	s := NewPTY(Options{Config: testConfig(time.Second), Terminal: tm, Logger: zaptest.NewLogger(t)})

	script := `echo ready; i=0
while [ "$(stty size)" != "50 150" ] && [ $i -lt 100 ]; do sleep 0.05; i=$((i+1)); done
stty size`
	child := process.New([]string{"/bin/sh", "-c", script})
	type result struct {
		code int
		err  error
	}
	res := make(chan result, 1)
	go func() {
		code, err := s.Run(context.Background(), child)
		res <- result{code, err}
	}()

	deadline := time.Now().Add(5 * time.Second)
	for !strings.Contains(out.String(), "ready") {
		if time.Now().After(deadline) {
			child.KillGroup()
			t.Fatalf("child never started, output %q", out.String())
		}
		time.Sleep(20 * time.Millisecond)
	}

	if err := pty.Setsize(tty, &pty.Winsize{Rows: 50, Cols: 150}); err != nil {
		t.Fatalf("Setsize: %v", err)
	}
	// The window-change subscription may not be in place yet when the child
	// first prints, so keep signalling until the new size arrives.
	var r result
	tick := time.NewTicker(100 * time.Millisecond)
	defer tick.Stop()
	timeout := time.After(10 * time.Second)
wait:
	for {
		syscall.Kill(os.Getpid(), syscall.SIGWINCH)
		select {
		case r = <-res:
			break wait
		case <-tick.C:
		case <-timeout:
			child.KillGroup()
			t.Fatal("supervisor did not return")
		}
	}
	if r.err != nil || r.code != 0 {
		t.Fatalf("Run = %d, %v", r.code, r.err)
	}

	output := collect()
	text := regexp.MustCompile(`\x1b\]0;[^\x07]*\x07`).ReplaceAllString(output, "")
	if !strings.Contains(text, "50 150") {
		t.Errorf("output = %q, want the child to see 50 150", output)
	}
}

func TestPTYLoop_TitleWaitsForSequenceEnd(t *testing.T) {
	requireShell(t)
	tm, _, _, collect := outerTerminal(t)
	s := NewPTY(Options{Config: testConfig(time.Second), Terminal: tm, Logger: zaptest.NewLogger(t)})

	child := process.New([]string{"/bin/sh", "-c", "sleep 30"})
	child.Cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	if err := child.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() { child.KillGroup() })

	chunks := make(chan []byte)
	latest := scheduler.NewLatest()
	loopDone := make(chan struct{})
	go func() {
		defer close(loopDone)
		s.loop(context.Background(), child, nil, chunks, latest, nil)
	}()

	chunks <- []byte("ab\x1b]0;Par")
	latest.Publish("📊 1.0% CPU")
	deadline := time.Now().Add(5 * time.Second)
	for len(latest.C()) > 0 {
		if time.Now().After(deadline) {
			t.Fatal("loop never took the metrics")
		}
		time.Sleep(10 * time.Millisecond)
	}
	chunks <- []byte("tial\x07cd")
	close(chunks)
	if err := child.KillGroup(); err != nil {
		t.Fatalf("KillGroup: %v", err)
	}
	select {
	case <-loopDone:
	case <-time.After(10 * time.Second):
		t.Fatal("loop did not return")
	}
	child.Wait()

	// The metrics arrived inside the child's title sequence; the composite
	// title is written only after the sequence ends.
	if got, want := collect(), "abcd\x1b]0;Partial | 📊 1.0% CPU\x07"; got != want {
		t.Errorf("output = %q, want %q", got, want)
	}
}
