package elfsvc

import (
	"debug/elf"
	"testing"
)

func TestClassificationString(t *testing.T) {
	cases := map[Classification]string{
		Executable:   "exe",
		SharedObject: "dso",
		Unknown:      "unknown",
	}
	for c, want := range cases {
		if got := c.String(); got != want {
			t.Fatalf("%v.String() = %q, want %q", c, got, want)
		}
	}
}

func TestSharedObjectNamePattern(t *testing.T) {
	cases := map[string]bool{
		"libfoo.so":      true,
		"libfoo.so.1":    true,
		"libfoo.so.1.2":  true,
		"foo.so":         false,
		"libfoo":         false,
		"libfoo.so.abc":  false,
	}
	for name, want := range cases {
		if got := sharedObjectName.MatchString(name); got != want {
			t.Fatalf("sharedObjectName.MatchString(%q) = %v, want %v", name, got, want)
		}
	}
}

func TestClassifyByHeuristicSharedObjectByName(t *testing.T) {
	f := &elf.File{FileHeader: elf.FileHeader{Type: elf.ET_DYN}}
	if got := classifyByHeuristic("/usr/lib/libfoo.so.1", f); got != SharedObject {
		t.Fatalf("got %v, want SharedObject", got)
	}
}

func TestClassifyByHeuristicPIEExecutableByName(t *testing.T) {
	f := &elf.File{FileHeader: elf.FileHeader{Type: elf.ET_DYN}}
	if got := classifyByHeuristic("/usr/bin/myprog", f); got != Executable {
		t.Fatalf("got %v, want Executable for a PIE binary without a .so name", got)
	}
}

func TestClassifyByHeuristicStaticExecutable(t *testing.T) {
	f := &elf.File{FileHeader: elf.FileHeader{Type: elf.ET_EXEC}}
	if got := classifyByHeuristic("/usr/bin/myprog", f); got != Executable {
		t.Fatalf("got %v, want Executable for ET_EXEC", got)
	}
}

func TestOpenRejectsConflictingClassificationFlags(t *testing.T) {
	if _, err := Open("/nonexistent/path", true, true); err == nil {
		t.Fatal("expected an error when both --executable and --shared are requested")
	}
}
