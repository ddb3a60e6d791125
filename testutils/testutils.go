package testutils

import (
	"debug/elf"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"testing"
)

var (
	// ccPath is the C compiler used to build the test programs. $CC is preferred if set.
	ccPath = "cc"

	// buildErr is the error occurred while building the test programs. The tests which need them are skipped if not nil.
	buildErr error

	ProgramSimple        string
	ProgramSimpleNoDwarf string
	// These addresses are the virtual addresses in the symbol table, not the runtime addresses.
	SimpleAddrMain     uint64
	SimpleAddrPopulate uint64
	// These are the file offsets of the functions above.
	SimpleOffsetMain     uint64
	SimpleOffsetPopulate uint64

	ProgramInfloop    string
	InfloopOffsetMain uint64

	// ProgramGCSections has the unused functions whose sections are discarded by the linker.
	ProgramGCSections string
	// ProgramDuplicate has the static function of the same name in each compile unit.
	ProgramDuplicate string
)

func init() {
	if cc := os.Getenv("CC"); cc != "" {
		ccPath = cc
	}

	if runtime.GOOS != "linux" || runtime.GOARCH != "amd64" {
		buildErr = fmt.Errorf("unsupported platform: %s/%s", runtime.GOOS, runtime.GOARCH)
		return
	}

	_, srcFilename, _, _ := runtime.Caller(0)
	srcDirname := filepath.Dir(srcFilename)

	if err := buildProgramSimple(srcDirname); err != nil {
		buildErr = err
		return
	}
	if err := buildProgramInfloop(srcDirname); err != nil {
		buildErr = err
		return
	}

	ProgramGCSections = filepath.Join(srcDirname, "testdata", "gcsections")
	if err := buildProgram([]string{ProgramGCSections + ".c"}, ProgramGCSections, "-g", "-O0", "-ffunction-sections", "-Wl,--gc-sections"); err != nil {
		buildErr = err
		return
	}

	ProgramDuplicate = filepath.Join(srcDirname, "testdata", "dup")
	if err := buildProgram([]string{ProgramDuplicate + "1.c", ProgramDuplicate + "2.c"}, ProgramDuplicate, "-g", "-O0"); err != nil {
		buildErr = err
		return
	}
}

// RequirePrograms skips the test if the test programs are not available.
func RequirePrograms(t testing.TB) {
	t.Helper()
	if buildErr != nil {
		t.Skipf("test programs are not available: %v", buildErr)
	}
}

func buildProgramSimple(srcDirname string) error {
	ProgramSimple = filepath.Join(srcDirname, "testdata", "simple")
	if err := buildProgram([]string{ProgramSimple + ".c"}, ProgramSimple, "-g", "-O0"); err != nil {
		return err
	}

	ProgramSimpleNoDwarf = ProgramSimple + ".nodwarf"
	if err := buildProgram([]string{ProgramSimple + ".c"}, ProgramSimpleNoDwarf, "-O0"); err != nil {
		return err
	}

	return walkSymbols(ProgramSimple, func(name string, value, offset uint64) {
		switch name {
		case "main":
			SimpleAddrMain, SimpleOffsetMain = value, offset
		case "populate":
			SimpleAddrPopulate, SimpleOffsetPopulate = value, offset
		}
	})
}

func buildProgramInfloop(srcDirname string) error {
	ProgramInfloop = filepath.Join(srcDirname, "testdata", "infloop")
	if err := buildProgram([]string{ProgramInfloop + ".c"}, ProgramInfloop, "-g", "-O0"); err != nil {
		return err
	}

	return walkSymbols(ProgramInfloop, func(name string, value, offset uint64) {
		if name == "main" {
			InfloopOffsetMain = offset
		}
	})
}

// buildProgram builds the program to the temporary file and then renames it, since the test binaries of
// the packages may build the same program at the same time.
func buildProgram(srcs []string, out string, flags ...string) error {
	tmpOut := fmt.Sprintf("%s.%d.tmp", out, os.Getpid())
	args := append(append(flags, "-o", tmpOut), srcs...)
	if output, err := exec.Command(ccPath, args...).CombinedOutput(); err != nil {
		return fmt.Errorf("failed to build %s: %v\n%s", out, err, string(output))
	}
	return os.Rename(tmpOut, out)
}

// walkSymbols calls walkFunc for each function symbol with its virtual address and the file offset it's loaded from.
func walkSymbols(programName string, walkFunc func(name string, value, offset uint64)) error {
	elfFile, err := elf.Open(programName)
	if err != nil {
		return fmt.Errorf("failed to open binary: %v", err)
	}
	defer elfFile.Close()

	syms, err := elfFile.Symbols()
	if err != nil {
		return fmt.Errorf("failed to find symbols: %v", err)
	}
	for _, sym := range syms {
		if elf.ST_TYPE(sym.Info) != elf.STT_FUNC || sym.Value == 0 {
			continue
		}
		walkFunc(sym.Name, sym.Value, fileOffset(elfFile, sym.Value))
	}
	return nil
}

func fileOffset(elfFile *elf.File, addr uint64) uint64 {
	for _, prog := range elfFile.Progs {
		if prog.Type == elf.PT_LOAD && prog.Vaddr <= addr && addr < prog.Vaddr+prog.Filesz {
			return addr - prog.Vaddr + prog.Off
		}
	}
	return addr
}
