package checksum

import (
	"os"
	"path/filepath"
	"testing"
)

func TestSumFileMatchesSum(t *testing.T) {
	p := filepath.Join(t.TempDir(), "f.bin")
	data := []byte("snap bytes")
	if err := os.WriteFile(p, data, 0o644); err != nil {
		t.Fatal(err)
	}
	got, err := SumFile(p)
	if err != nil {
		t.Fatalf("SumFile: %v", err)
	}
	if got != Sum(data) {
		t.Errorf("SumFile = %q, want %q", got, Sum(data))
	}
}

func TestFingerprintOrderSensitive(t *testing.T) {
	if Fingerprint("a", "b") == Fingerprint("b", "a") {
		t.Error("fingerprint should depend on order")
	}
	if Fingerprint("ab") == Fingerprint("a", "b") {
		t.Error("fingerprint should separate parts")
	}
}
