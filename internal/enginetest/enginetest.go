// Package enginetest turns a test binary into a fake engine. A package's
// TestMain calls Main first; when the binary was re-executed through Command
// it behaves like the engine and never returns.
package enginetest

import (
	"fmt"
	"net"
	"net/http"
	"os"
	"strconv"
	"time"
)

const (
	EnvMode       = "ENGINECTL_FAKE_ENGINE"
	EnvStdout     = "ENGINECTL_FAKE_STDOUT"
	EnvStderr     = "ENGINECTL_FAKE_STDERR"
	EnvReadyAfter = "ENGINECTL_FAKE_READY_AFTER"
	EnvExitCode   = "ENGINECTL_FAKE_EXIT_CODE"
)

// Modes understood by the fake engine.
const (
	// ModeServe listens on --server.name/--server.port and answers 200.
	ModeServe = "serve"
	// ModeFail listens but answers 503 forever.
	ModeFail = "fail"
	// ModeSleep never listens and never exits.
	ModeSleep = "sleep"
	// ModeExit prints its lines and exits with EnvExitCode.
	ModeExit = "exit"
)

// Main runs the fake engine if the environment asks for it.
func Main() {
	mode := os.Getenv(EnvMode)
	if mode == "" {
		return
	}
	os.Exit(run(mode, os.Args[1:]))
}

// Command returns the path and environment that launch this test binary as a
// fake engine in mode. extra holds additional "K=V" entries.
func Command(mode string, extra ...string) (string, []string) {
	exe, err := os.Executable()
	if err != nil {
		exe = os.Args[0]
	}
	env := append(os.Environ(), EnvMode+"="+mode)
	env = append(env, extra...)
	return exe, env
}

// Lines sets how many stdout and stderr lines the fake prints on start.
func Lines(stdout, stderr int) []string {
	return []string{
		EnvStdout + "=" + strconv.Itoa(stdout),
		EnvStderr + "=" + strconv.Itoa(stderr),
	}
}

func run(mode string, args []string) int {
	printLines(os.Stdout, "out", envInt(EnvStdout))
	printLines(os.Stderr, "err", envInt(EnvStderr))

	switch mode {
	case ModeExit:
		return envInt(EnvExitCode)
	case ModeSleep:
		for {
			time.Sleep(time.Hour)
		}
	case ModeServe, ModeFail:
		if d, err := time.ParseDuration(os.Getenv(EnvReadyAfter)); err == nil {
			time.Sleep(d)
		}
		host, port := flagValue(args, "--server.name"), flagValue(args, "--server.port")
		if host == "" {
			host = "127.0.0.1"
		}
		ln, err := net.Listen("tcp", net.JoinHostPort(host, port))
		if err != nil {
			_, _ = fmt.Fprintln(os.Stderr, "listen:", err)
			return 3
		}
		status := http.StatusOK
		if mode == ModeFail {
			status = http.StatusServiceUnavailable
		}
		srv := &http.Server{
			Handler: http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
				w.WriteHeader(status)
			}),
			ReadHeaderTimeout: time.Second,
		}
		_ = srv.Serve(ln)
		return 0
	default:
		_, _ = fmt.Fprintln(os.Stderr, "unknown fake engine mode", mode)
		return 2
	}
}

func printLines(f *os.File, prefix string, n int) {
	for i := 0; i < n; i++ {
		_, _ = fmt.Fprintf(f, "%s %d\n", prefix, i)
	}
}

func envInt(k string) int {
	n, _ := strconv.Atoi(os.Getenv(k))
	return n
}

func flagValue(args []string, name string) string {
	for i := 0; i+1 < len(args); i++ {
		if args[i] == name {
			return args[i+1]
		}
	}
	return ""
}
