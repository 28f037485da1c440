package dlcache

import (
	"bytes"
	"debug/elf"
	"fmt"
	"os"

	log "github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"
)

// Flags classify a cache entry: the low byte carries the ABI type, the
// high byte the architecture requirement. Values come from glibc's
// sysdeps/generic/dl-cache.h and the per-architecture overrides.
type Flags int32

const (
	FlagAny          Flags = -1
	FlagTypeMask     Flags = 0x00ff
	FlagLibc4        Flags = 0x0000
	FlagELF          Flags = 0x0001
	FlagELFLibc5     Flags = 0x0002
	FlagELFLibc6     Flags = 0x0003
	FlagRequiredMask Flags = 0xff00

	FlagSPARCLib64          Flags = 0x0100
	FlagIA64Lib64           Flags = 0x0200
	FlagX8664Lib64          Flags = 0x0300
	FlagS390Lib64           Flags = 0x0400
	FlagPowerPCLib64        Flags = 0x0500
	FlagMIPS64LibN32        Flags = 0x0600
	FlagMIPS64LibN64        Flags = 0x0700
	FlagX8664LibX32         Flags = 0x0800
	FlagARMLibHF            Flags = 0x0900
	FlagAArch64Lib64        Flags = 0x0a00
	FlagARMLibSF            Flags = 0x0b00
	FlagMIPSLib32NaN2008    Flags = 0x0c00
	FlagMIPS64LibN32NaN2008 Flags = 0x0d00
	FlagMIPS64LibN64NaN2008 Flags = 0x0e00
	FlagRISCVFloatABISoft   Flags = 0x0f00
	FlagRISCVFloatABIDouble Flags = 0x1000
)

var flagTypeNames = map[Flags]string{
	FlagLibc4:    "libc4",
	FlagELF:      "ELF",
	FlagELFLibc5: "libc5",
	FlagELFLibc6: "libc6",
}

var flagRequiredNames = map[Flags]string{
	FlagSPARCLib64:          "64bit",
	FlagIA64Lib64:           "IA-64",
	FlagX8664Lib64:          "x86-64",
	FlagS390Lib64:           "64bit",
	FlagPowerPCLib64:        "64bit",
	FlagMIPS64LibN32:        "N32",
	FlagMIPS64LibN64:        "64bit",
	FlagX8664LibX32:         "x32",
	FlagARMLibHF:            "hard-float",
	FlagAArch64Lib64:        "AArch64",
	FlagARMLibSF:            "soft-float",
	FlagMIPSLib32NaN2008:    "nan2008",
	FlagMIPS64LibN32NaN2008: "N32,nan2008",
	FlagMIPS64LibN64NaN2008: "64bit,nan2008",
	FlagRISCVFloatABISoft:   "soft-float",
	FlagRISCVFloatABIDouble: "double-float",
}

// String renders flags the way ldconfig -p does, "<abi>,<arch>", with
// "unknown" and the raw requirement value as fallbacks.
func (f Flags) String() string {
	abi, ok := flagTypeNames[f&FlagTypeMask]
	if !ok {
		abi = "unknown"
	}
	arch, ok := flagRequiredNames[f&FlagRequiredMask]
	if !ok {
		arch = fmt.Sprintf("%d", int32(f&FlagRequiredMask))
	}
	return abi + "," + arch
}

// Is64Bit reports whether the architecture requirement corresponds to
// a 64-bit ABI.
func (f Flags) Is64Bit() bool {
	switch f & FlagRequiredMask {
	case FlagSPARCLib64, FlagIA64Lib64, FlagX8664Lib64, FlagS390Lib64,
		FlagPowerPCLib64, FlagMIPS64LibN64, FlagAArch64Lib64,
		FlagMIPS64LibN64NaN2008:
		return true
	}
	return false
}

// Reference of expected flags from (machine x pointer width), found in
// glibc:/sysdeps/unix/sysv/linux/<ARCH>/dl-cache.h.
var expectedFlags = map[string]map[bool]Flags{
	"x86_64": {
		true:  FlagX8664Lib64 | FlagELFLibc6,
		false: FlagX8664LibX32 | FlagELFLibc6,
	},
	"ppc64le":    {true: FlagPowerPCLib64 | FlagELFLibc6},
	"arm":        {false: FlagARMLibHF | FlagELFLibc6},
	"aarch64":    {true: FlagAArch64Lib64 | FlagELFLibc6},
	"aarch64_be": {true: FlagAArch64Lib64 | FlagELFLibc6},
}

// machineName returns the hardware identifier from uname(2), e.g.
// "x86_64".
func machineName() string {
	var buf unix.Utsname
	if err := unix.Uname(&buf); err != nil {
		log.Errorf("uname: %v", err)
		return ""
	}
	machine := buf.Machine[:]
	if i := bytes.IndexByte(machine, 0); i != -1 {
		machine = machine[:i]
	}
	return string(machine)
}

// executableClass reports whether the ELF object at path uses the
// 64-bit class.
func executableClass(path string) (is64 bool, err error) {
	f, err := elf.Open(path)
	if err != nil {
		return false, err
	}
	defer f.Close()

	return f.Class == elf.ELFCLASS64, nil
}

// ExpectedFlags computes the flag value a cache entry must carry to be
// loadable by the given executable on this host: the architecture is
// taken from the machine name, the pointer width from the executable's
// ELF class. ok is false when no mapping is defined for the
// combination.
func ExpectedFlags(executable string) (flags Flags, ok bool) {
	is64, err := executableClass(executable)
	if err != nil {
		log.Debugf("expected flags: %v", err)
		return 0, false
	}

	widths, ok := expectedFlags[machineName()]
	if !ok {
		return 0, false
	}
	flags, ok = widths[is64]
	return flags, ok
}

// ExpectedHostFlags is ExpectedFlags for the running process.
func ExpectedHostFlags() (Flags, bool) {
	executable, err := os.Executable()
	if err != nil {
		log.Debugf("expected flags: %v", err)
		return 0, false
	}
	return ExpectedFlags(executable)
}
