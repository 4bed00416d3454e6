package runner

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/MWedl/diskvm/internal/diskvm"
)

func TestResolveMasterKeys_FromFlagAndFile(t *testing.T) {
	dir := t.TempDir()
	keysFile := filepath.Join(dir, "keys.txt")
	if err := os.WriteFile(keysFile, []byte("aabb\n\nccdd\n"), 0o600); err != nil {
		t.Fatalf("write keys file: %v", err)
	}

	opts := &diskvm.CreatorOptions{
		MasterKeysHex:      []string{"1122"},
		MasterKeysFilePath: keysFile,
	}

	keys, err := resolveMasterKeys(opts)
	if err != nil {
		t.Fatalf("resolveMasterKeys failed: %v", err)
	}
	if len(keys) != 3 {
		t.Fatalf("expected 3 keys, got %d: %v", len(keys), keys)
	}
}

func TestResolveMasterKeys_XTSCombineAddsPairs(t *testing.T) {
	opts := &diskvm.CreatorOptions{
		MasterKeysHex:  []string{"aabb", "ccdd"},
		XTSCombineKeys: true,
	}

	keys, err := resolveMasterKeys(opts)
	if err != nil {
		t.Fatalf("resolveMasterKeys failed: %v", err)
	}
	// 2 original keys + 2 ordered same-length concatenations (ab+cd, cd+ab).
	if len(keys) != 4 {
		t.Fatalf("expected 4 keys after combining, got %d: %v", len(keys), keys)
	}
}

func TestResolveMasterKeys_RejectsBadHex(t *testing.T) {
	opts := &diskvm.CreatorOptions{MasterKeysHex: []string{"not-hex"}}
	if _, err := resolveMasterKeys(opts); err == nil {
		t.Fatal("expected an error for invalid hex master key")
	}
}

func TestBuildPluginManager_UnknownPwBypassRejected(t *testing.T) {
	opts := &diskvm.CreatorOptions{PasswordBypassPlugins: []string{"bogus"}}
	if _, err := buildPluginManager(opts); err == nil {
		t.Fatal("expected an error for an unknown --pw-bypass mode")
	}
}

func TestBuildPluginManager_UnknownFDEBypassRejected(t *testing.T) {
	opts := &diskvm.CreatorOptions{FDEBypassPlugins: []string{"bogus"}}
	if _, err := buildPluginManager(opts); err == nil {
		t.Fatal("expected an error for an unknown --fde-bypass mode")
	}
}

func TestBuildPluginManager_AssemblesSelectedAndFallbackTiers(t *testing.T) {
	opts := &diskvm.CreatorOptions{
		PasswordBypassPlugins: []string{"linux"},
		FDEBypassPlugins:      []string{"luks_otf_mount"},
	}

	mgr, err := buildPluginManager(opts)
	if err != nil {
		t.Fatalf("buildPluginManager failed: %v", err)
	}

	all := mgr.AllPlugins()
	// 1 password-bypass + 1 LUKS + 1 osdetect + 2 fallback (generic, lvm).
	if len(all) != 5 {
		t.Fatalf("expected 5 plugins total, got %d", len(all))
	}
}

func TestBuildPluginManager_NoneModesAddNothing(t *testing.T) {
	opts := &diskvm.CreatorOptions{
		PasswordBypassPlugins: []string{"none"},
		FDEBypassPlugins:      []string{"none"},
	}

	mgr, err := buildPluginManager(opts)
	if err != nil {
		t.Fatalf("buildPluginManager failed: %v", err)
	}

	all := mgr.AllPlugins()
	// just osdetect + 2 fallback plugins.
	if len(all) != 3 {
		t.Fatalf("expected 3 plugins total, got %d", len(all))
	}
}
