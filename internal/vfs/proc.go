package vfs

import (
	"fmt"
	"os"
	"strings"

	"shannot/internal/errs"
)

// procStat, procRead and procReaddir together implement a small /proc
// subset: /proc/self/{cmdline,environ,status,exe},
// /proc/version, /proc/meminfo, /proc/cpuinfo, and the numeric-PID
// subtree for the sandboxed child itself. Everything else under /proc
// is NotFound, matching typical userspace expectations rather than
// NotPermitted.

func (v *VFS) procNode(rel string) (string, bool) {
	rel = strings.TrimPrefix(rel, "/")
	rel = strings.Replace(rel, fmt.Sprintf("%d", v.procInfo.PID), "self", 1)
	switch rel {
	case "self/cmdline":
		return strings.Join(v.procInfo.Cmdline, "\x00") + "\x00", true
	case "self/environ":
		return strings.Join(v.procInfo.Environ, "\x00") + "\x00", true
	case "self/status":
		return fmt.Sprintf("Name:\tsandboxed\nPid:\t%d\nPPid:\t1\n", v.procInfo.PID), true
	case "self/exe":
		return "", true // served via ReadlinkProc, not as file content
	case "version":
		return hostProcFile("/proc/version"), true
	case "meminfo":
		return hostProcFile("/proc/meminfo"), true
	case "cpuinfo":
		return hostProcFile("/proc/cpuinfo"), true
	default:
		return "", false
	}
}

func hostProcFile(path string) string {
	data, err := os.ReadFile(path)
	if err != nil {
		return ""
	}
	return string(data)
}

func (v *VFS) procStat(rel string) (StatResult, error) {
	body, ok := v.procNode(rel)
	if !ok {
		return StatResult{}, errs.New("stat", errs.KindNotFound, fmt.Errorf("no such /proc node %q", rel))
	}
	return StatResult{Size: int64(len(body))}, nil
}

func (v *VFS) procRead(rel string) ([]byte, error) {
	body, ok := v.procNode(rel)
	if !ok {
		return nil, errs.New("open_read", errs.KindNotFound, fmt.Errorf("no such /proc node %q", rel))
	}
	return []byte(body), nil
}

func (v *VFS) procReaddir(rel string) ([]Entry, error) {
	rel = strings.TrimPrefix(rel, "/")
	switch rel {
	case "":
		return []Entry{
			{Name: "self", Dir: true},
			{Name: "version"},
			{Name: "meminfo"},
			{Name: "cpuinfo"},
			{Name: fmt.Sprintf("%d", v.procInfo.PID), Dir: true},
		}, nil
	case "self", fmt.Sprintf("%d", v.procInfo.PID):
		return []Entry{
			{Name: "cmdline"},
			{Name: "environ"},
			{Name: "status"},
			{Name: "exe"},
		}, nil
	default:
		return nil, errs.New("readdir", errs.KindNotFound, fmt.Errorf("no such /proc directory %q", rel))
	}
}
