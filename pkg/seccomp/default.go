package seccomp

import (
	"fmt"

	specs "github.com/opencontainers/runtime-spec/specs-go"
)

// The restricted interpreter child makes very few real syscalls: it talks
// to the supervisor over two pipes and otherwise only runs its own
// evaluation loop. Everything filesystem- or process-shaped is supposed
// to cross the framed channel instead, so the profile can be much
// narrower than a general-purpose container profile. Network syscalls
// are denied outright: sockets are virtualised to failure and a child
// that honours the channel convention never issues them.

func interpreterSyscalls(b *ProfileBuilder) *ProfileBuilder {
	return b.
		AllowSyscalls(
			"read", "write", "readv", "writev", "pread64", "pwrite64",
			"open", "openat", "close", "lseek",
			"stat", "fstat", "lstat", "newfstatat", "statx",
			"access", "faccessat", "faccessat2",
			"dup", "dup2", "dup3",
			"fcntl",
			"poll", "ppoll", "select", "pselect6",
			"pipe", "pipe2",
			"readlink", "readlinkat",
			"getdents64",
		).
		AllowSyscalls(
			"brk", "mmap", "munmap", "mprotect", "mremap",
			"madvise",
		).
		AllowSyscalls(
			"futex",
			"gettid",
			"tgkill",
			"rt_sigaction", "rt_sigprocmask", "rt_sigreturn",
			"sigaltstack",
		).
		AllowSyscalls(
			"clock_gettime", "clock_getres",
			"gettimeofday",
			"nanosleep", "clock_nanosleep",
		).
		AllowSyscalls(
			"getpid", "getppid",
			"getuid", "geteuid",
			"getgid", "getegid",
			"uname",
			"getcwd",
			"sysinfo",
			"getrlimit", "prlimit64",
			"umask",
		).
		AllowSyscalls(
			"epoll_create1", "epoll_ctl", "epoll_wait", "epoll_pwait",
			"eventfd2",
		).
		AllowSyscalls(
			"getrandom",
			"arch_prctl",
			"ioctl",
		)
}

func processSyscalls(b *ProfileBuilder) *ProfileBuilder {
	// execve for the interpreter's own startup; clone for its threads.
	// Actual subprocess attempts never reach the kernel from inside the
	// child, but the interpreter itself must be able to come up.
	return b.
		AllowSyscalls(
			"execve", "execveat",
			"exit", "exit_group",
			"wait4", "waitid",
			"clone", "clone3",
			"set_tid_address",
			"set_robust_list", "get_robust_list",
		).
		// prctl restricted to PR_SET_NAME (15) and PR_GET_NAME (16) only
		AllowSyscallWithArgs("prctl", []SyscallArg{
			{Index: 0, Value: 15, Op: specs.OpEqualTo}, // PR_SET_NAME
		}).
		AllowSyscallWithArgs("prctl", []SyscallArg{
			{Index: 0, Value: 16, Op: specs.OpEqualTo}, // PR_GET_NAME
		})
}

var networkSyscalls = []string{
	"socket", "socketpair", "connect", "bind", "listen", "accept", "accept4",
	"sendto", "recvfrom", "sendmsg", "recvmsg",
	"getsockopt", "setsockopt",
	"getsockname", "getpeername",
	"shutdown",
}

func dangerousSyscalls(b *ProfileBuilder) *ProfileBuilder {
	return b.
		TrapSyscalls(
			"ptrace",
			"process_vm_readv", "process_vm_writev",
			"keyctl",
			"add_key", "request_key",
			"bpf",
			"perf_event_open",
			"userfaultfd",
			"memfd_create",
			"kexec_load", "kexec_file_load",
			"finit_module", "init_module", "delete_module",
		).
		BlockSyscalls(
			"mount", "umount2", "pivot_root",
			"reboot",
			"swapon", "swapoff",
			"sethostname", "setdomainname",
			"setns", "unshare",
			"acct",
			"settimeofday", "adjtimex", "clock_adjtime",
			"personality",
			"ioperm", "iopl",
		)
}

// DefaultProfile returns the deny-by-default profile for the restricted
// interpreter child: pipes and interpreter housekeeping allowed, network
// and introspection denied.
func DefaultProfile() *specs.LinuxSeccomp {
	b := NewBuilder()
	b = interpreterSyscalls(b)
	b = processSyscalls(b)
	b.BlockSyscalls(networkSyscalls...)
	b = dangerousSyscalls(b)
	return b.Build()
}

// AuditProfile is DefaultProfile with the network family logged instead
// of silently denied, for debugging a child suspected of bypassing the
// channel convention. Not for production use.
func AuditProfile() *specs.LinuxSeccomp {
	b := NewBuilder()
	b = interpreterSyscalls(b)
	b = processSyscalls(b)
	b.LogSyscalls(networkSyscalls...)
	b = dangerousSyscalls(b)
	return b.Build()
}

// ByName resolves a configured profile name.
func ByName(name string) (*specs.LinuxSeccomp, error) {
	switch name {
	case "", "default":
		return DefaultProfile(), nil
	case "audit":
		return AuditProfile(), nil
	default:
		return nil, fmt.Errorf("unknown seccomp profile %q", name)
	}
}
