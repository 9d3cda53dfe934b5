package monitor

import (
	"regexp"
	"strings"

	"github.com/rs/zerolog/log"
)

// ScriptAnalyzer flags suspicious constructs in a submitted script before
// it runs. Findings are advisory: they are surfaced to the reviewer
// alongside the captured operations, never used to block a submission on
// their own. The syscall interception is the enforcement layer; this is
// the "why does this script poke at ctypes" annotation next to it.
type ScriptAnalyzer struct {
	patterns []AnalysisPattern
}

// AnalysisPattern defines one suspicious construct to match.
type AnalysisPattern struct {
	Name        string
	Description string
	Regex       *regexp.Regexp
	Severity    Severity
}

// Severity levels for analysis findings.
type Severity int

const (
	SeverityLow Severity = iota
	SeverityMedium
	SeverityHigh
	SeverityCritical
)

func (s Severity) String() string {
	switch s {
	case SeverityLow:
		return "low"
	case SeverityMedium:
		return "medium"
	case SeverityHigh:
		return "high"
	case SeverityCritical:
		return "critical"
	default:
		return "unknown"
	}
}

// Finding is one flagged line in a submitted script.
type Finding struct {
	Pattern  string `json:"pattern"`
	Severity string `json:"severity"`
	Detail   string `json:"detail"`
	Line     int    `json:"line,omitempty"`
}

// NewScriptAnalyzer creates an analyzer with the default pattern set.
func NewScriptAnalyzer() *ScriptAnalyzer {
	return &ScriptAnalyzer{
		patterns: defaultPatterns(),
	}
}

// Analyze scans submitted script source line by line.
func (a *ScriptAnalyzer) Analyze(script string) []Finding {
	var findings []Finding

	lines := strings.Split(script, "\n")
	for i, line := range lines {
		for _, p := range a.patterns {
			if p.Regex.MatchString(line) {
				findings = append(findings, Finding{
					Pattern:  p.Name,
					Severity: p.Severity.String(),
					Detail:   p.Description,
					Line:     i + 1,
				})

				log.Warn().
					Str("pattern", p.Name).
					Str("severity", p.Severity.String()).
					Int("line", i+1).
					Msg("suspicious construct in submitted script")
			}
		}
	}

	return findings
}

func defaultPatterns() []AnalysisPattern {
	return []AnalysisPattern{
		{
			Name:        "native_code_loading",
			Description: "Loading native code that could bypass the interception layer",
			Regex:       regexp.MustCompile(`(?i)(import\s+ctypes|cffi|CDLL|ctypes\.util)`),
			Severity:    SeverityCritical,
		},
		{
			Name:        "raw_syscall",
			Description: "Direct syscall invocation attempt",
			Regex:       regexp.MustCompile(`(?i)(os\.syscall|syscall\s*\(|SYS_[A-Z_]+)`),
			Severity:    SeverityCritical,
		},
		{
			Name:        "fork_exec_bypass",
			Description: "Low-level process creation instead of the subprocess module",
			Regex:       regexp.MustCompile(`os\.(fork|execv|execve|execvp|spawnv|posix_spawn)`),
			Severity:    SeverityHigh,
		},
		{
			Name:        "interpreter_introspection",
			Description: "Probing the interpreter or supervisor internals",
			Regex:       regexp.MustCompile(`/proc/self/(root|fd|ns|maps|mem)|gc\.get_objects|sys\._getframe`),
			Severity:    SeverityHigh,
		},
		{
			Name:        "dynamic_command_construction",
			Description: "Building a shell command from runtime data; the static profile cannot classify it",
			Regex:       regexp.MustCompile(`(?i)(shell\s*=\s*True|os\.system|commands\.getoutput)`),
			Severity:    SeverityMedium,
		},
		{
			Name:        "network_attempt",
			Description: "Socket use; always denied at capture time but worth flagging",
			Regex:       regexp.MustCompile(`(?i)(import\s+socket|urllib\.request|http\.client|requests\.)`),
			Severity:    SeverityMedium,
		},
		{
			Name:        "metadata_service",
			Description: "Cloud metadata endpoint address in script source",
			Regex:       regexp.MustCompile(`169\.254\.169\.254|metadata\.google|metadata\.aws`),
			Severity:    SeverityHigh,
		},
		{
			Name:        "reverse_shell",
			Description: "Reverse shell construction",
			Regex:       regexp.MustCompile(`(?i)(nc|ncat|netcat|socat)\s+.*-[elp]|/dev/tcp/|bash\s+-i\s+>&`),
			Severity:    SeverityCritical,
		},
		{
			Name:        "destructive_command",
			Description: "Overtly destructive host command in script source",
			Regex:       regexp.MustCompile(`rm\s+-rf\s+/|dd\s+if=/dev/zero|mkfs\.`),
			Severity:    SeverityHigh,
		},
		{
			Name:        "crypto_miner",
			Description: "Cryptocurrency mining indicators",
			Regex:       regexp.MustCompile(`(?i)(stratum\+tcp|xmrig|minerd|cryptonight|hashrate)`),
			Severity:    SeverityMedium,
		},
	}
}
