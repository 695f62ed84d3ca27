// Package binfmt registers QEMU user-mode emulators with the kernel's
// binfmt_misc dispatch table so foreign-architecture Alpine binaries run
// transparently inside the chroot.
package binfmt

import "fmt"

// aliases collapses the architecture names accepted at the boundary
// (Alpine repository names plus Go runtime names) to a canonical
// execution architecture.
var aliases = map[string]string{
	"x86_64":  "x86_64",
	"amd64":   "x86_64",
	"x86":     "x86",
	"i386":    "x86",
	"i486":    "x86",
	"i586":    "x86",
	"i686":    "x86",
	"386":     "x86",
	"aarch64": "aarch64",
	"arm64":   "aarch64",
	"armhf":   "arm",
	"armv7":   "arm",
	"armv6":   "arm",
	"arm":     "arm",
	"ppc64le": "ppc64le",
	"riscv64": "riscv64",
	"s390x":   "s390x",
}

// Normalize maps an architecture name to its canonical execution
// architecture, or fails for names outside the supported set.
func Normalize(arch string) (string, error) {
	c, ok := aliases[arch]
	if !ok {
		return "", fmt.Errorf("unsupported architecture %q", arch)
	}
	return c, nil
}

// Compatible reports whether binaries for target run natively on host.
// Identical canonical architectures are compatible, and an x86_64 host
// executes the 32-bit x86 subset without emulation.
func Compatible(hostArch, targetArch string) (bool, error) {
	host, err := Normalize(hostArch)
	if err != nil {
		return false, fmt.Errorf("host: %w", err)
	}
	target, err := Normalize(targetArch)
	if err != nil {
		return false, fmt.Errorf("target: %w", err)
	}
	if host == target {
		return true, nil
	}
	if host == "x86_64" && target == "x86" {
		return true, nil
	}
	return false, nil
}

// descriptor is the fixed per-architecture registration record: the QEMU
// interpreter name and the ELF header match rule written to the kernel.
type descriptor struct {
	// name is both the binfmt_misc handler name and the QEMU binary /
	// Alpine package suffix (qemu-<name> except x86, which QEMU calls
	// i386).
	name string

	// magic and mask select ELF executables of the target architecture:
	// 20 bytes covering ident, e_type and e_machine. The ident OSABI
	// byte keeps only its high bits so System V and Linux tags both
	// match, and the e_type low byte is masked with \xfe so both
	// ET_EXEC and ET_DYN dispatch to the emulator.
	magic string
	mask  string
}

const (
	maskLE64 = `\xff\xff\xff\xff\xff\xff\xff\xfc\xff\xff\xff\xff\xff\xff\xff\xff\xfe\xff\xff\xff`
	maskBE64 = `\xff\xff\xff\xff\xff\xff\xff\xfc\xff\xff\xff\xff\xff\xff\xff\xff\xff\xfe\xff\xff`
)

// descriptors holds exactly one registration descriptor per supported
// emulation target. Magic/mask values match qemu-binfmt-conf.sh.
var descriptors = map[string]descriptor{
	"x86_64": {
		name:  "x86_64",
		magic: `\x7f\x45\x4c\x46\x02\x01\x01\x00\x00\x00\x00\x00\x00\x00\x00\x00\x02\x00\x3e\x00`,
		mask:  maskLE64,
	},
	"x86": {
		name:  "i386",
		magic: `\x7f\x45\x4c\x46\x01\x01\x01\x00\x00\x00\x00\x00\x00\x00\x00\x00\x02\x00\x03\x00`,
		mask:  maskLE64,
	},
	"aarch64": {
		name:  "aarch64",
		magic: `\x7f\x45\x4c\x46\x02\x01\x01\x00\x00\x00\x00\x00\x00\x00\x00\x00\x02\x00\xb7\x00`,
		mask:  maskLE64,
	},
	"arm": {
		name:  "arm",
		magic: `\x7f\x45\x4c\x46\x01\x01\x01\x00\x00\x00\x00\x00\x00\x00\x00\x00\x02\x00\x28\x00`,
		mask:  maskLE64,
	},
	"ppc64le": {
		name:  "ppc64le",
		magic: `\x7f\x45\x4c\x46\x02\x01\x01\x00\x00\x00\x00\x00\x00\x00\x00\x00\x02\x00\x15\x00`,
		mask:  maskLE64,
	},
	"riscv64": {
		name:  "riscv64",
		magic: `\x7f\x45\x4c\x46\x02\x01\x01\x00\x00\x00\x00\x00\x00\x00\x00\x00\x02\x00\xf3\x00`,
		mask:  maskLE64,
	},
	"s390x": {
		name:  "s390x",
		magic: `\x7f\x45\x4c\x46\x02\x02\x01\x00\x00\x00\x00\x00\x00\x00\x00\x00\x00\x02\x00\x16`,
		mask:  maskBE64,
	},
}

// registerLine formats the binfmt_misc registration string. The P flag
// preserves argv[0]; the F flag makes the kernel open the interpreter
// immediately, so it stays usable for binaries run inside the chroot
// where the host path does not exist.
func (d descriptor) registerLine(interpreter string) string {
	return fmt.Sprintf(":qemu-%s:M::%s:%s:%s:PF", d.name, d.magic, d.mask, interpreter)
}
