// Package classify decides whether a command needs a pseudo-terminal.
package classify

import (
	"path/filepath"
	"strings"

	"github.com/Guliveer/toptle/internal/config"
)

// Mode is the execution mode chosen for a child.
type Mode int

const (
	// Interactive runs the child on a PTY with title interception.
	Interactive Mode = iota
	// Direct runs the child with inherited stdio.
	Direct
)

func (m Mode) String() string {
	if m == Direct {
		return "direct"
	}
	return "interactive"
}

// Policy classifies a command line. Implementations must be free of side
// effects.
type Policy interface {
	Classify(argv []string, hasTTY bool) Mode
}

// Default is the policy used when no other is configured.
var Default Policy = AllowlistPolicy{}

// Classify applies the default policy.
func Classify(argv []string, hasTTY bool) Mode {
	return Default.Classify(argv, hasTTY)
}

// Decide applies an explicit override first and falls back to the policy
// when the override is config.ModeAuto. A nil policy means Default.
func Decide(p Policy, override config.Mode, argv []string, hasTTY bool) Mode {
	switch override {
	case config.ModePTY:
		return Interactive
	case config.ModeDirect:
		return Direct
	}
	if p == nil {
		p = Default
	}
	return p.Classify(argv, hasTTY)
}

// nonInteractive lists commands known to never read from or draw on the
// terminal beyond plain line output.
var nonInteractive = map[string]bool{
	// simple utilities
	"sleep": true, "echo": true, "printf": true, "cat": true, "grep": true,
	"egrep": true, "rg": true, "find": true, "sort": true, "uniq": true,
	"wc": true, "head": true, "tail": true, "cut": true, "tr": true,
	"sed": true, "awk": true, "ls": true, "cp": true, "mv": true, "rm": true,
	"du": true, "df": true, "true": true, "false": true, "yes": true,
	"seq": true, "dd": true, "sha256sum": true, "md5sum": true,
	// build tools
	"make": true, "cmake": true, "ninja": true, "gcc": true, "g++": true,
	"cc": true, "clang": true, "clang++": true, "ld": true, "cargo": true,
	"rustc": true, "go": true, "javac": true, "mvn": true, "gradle": true,
	"npm": true, "yarn": true, "pnpm": true, "pip": true, "pip3": true,
	// archivers
	"tar": true, "gzip": true, "gunzip": true, "bzip2": true, "xz": true,
	"zstd": true, "zip": true, "unzip": true,
	// network fetchers
	"curl": true, "wget": true, "rsync": true, "scp": true, "ping": true,
}

// gitDirect lists git subcommands that neither page nor open an editor.
var gitDirect = map[string]bool{
	"status": true, "push": true, "fetch": true, "clone": true,
	"add": true, "rm": true, "mv": true, "init": true, "checkout": true,
	"switch": true, "restore": true, "gc": true, "fsck": true, "remote": true,
	"submodule": true, "lfs": true,
}

// wrappers run their arguments as the real command.
var wrappers = map[string]bool{
	"env": true, "nice": true, "nohup": true, "time": true, "command": true,
	"exec": true, "stdbuf": true, "ionice": true, "timeout": true,
}

// AllowlistPolicy treats known batch commands as Direct and everything else
// as Interactive.
type AllowlistPolicy struct{}

// Classify implements Policy.
func (AllowlistPolicy) Classify(argv []string, hasTTY bool) Mode {
	if !hasTTY {
		return Direct
	}
	args := unwrap(argv)
	if len(args) == 0 {
		return Interactive
	}

	name := filepath.Base(args[0])
	if name == "git" {
		return classifyGit(args[1:])
	}
	if nonInteractive[name] {
		return Direct
	}
	return Interactive
}

// unwrap strips leading wrapper commands, their options and VAR=value
// assignments.
func unwrap(argv []string) []string {
	for len(argv) > 0 {
		head := argv[0]
		base := filepath.Base(head)
		switch {
		case isAssignment(head):
			argv = argv[1:]
		case wrappers[base]:
			argv = argv[1:]
			// Options and numeric arguments (timeout 10, nice -n 5).
			for len(argv) > 0 && (strings.HasPrefix(argv[0], "-") || isNumeric(argv[0])) {
				argv = argv[1:]
			}
		default:
			return argv
		}
	}
	return argv
}

func classifyGit(args []string) Mode {
	for len(args) > 0 {
		a := args[0]
		switch {
		case a == "-C" || a == "-c":
			if len(args) < 2 {
				return Interactive
			}
			args = args[2:]
		case strings.HasPrefix(a, "-"):
			args = args[1:]
		default:
			if gitDirect[a] {
				return Direct
			}
			return Interactive
		}
	}
	return Interactive
}

func isAssignment(s string) bool {
	i := strings.IndexByte(s, '=')
	if i <= 0 {
		return false
	}
	for _, r := range s[:i] {
		if r != '_' && (r < 'A' || r > 'Z') && (r < 'a' || r > 'z') && (r < '0' || r > '9') {
			return false
		}
	}
	return true
}

// isNumeric matches counts and durations such as "5", "0.5" or "10s".
func isNumeric(s string) bool {
	if s == "" || s[0] < '0' || s[0] > '9' {
		return false
	}
	for _, r := range s {
		if (r < '0' || r > '9') && r != '.' && r != 's' && r != 'm' && r != 'h' {
			return false
		}
	}
	return true
}
