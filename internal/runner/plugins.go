package runner

import (
	"fmt"
	"os"
	"strings"

	"github.com/MWedl/diskvm/internal/diskvm"
	"github.com/MWedl/diskvm/internal/plugin"
	"github.com/MWedl/diskvm/internal/plugins/bitlocker"
	"github.com/MWedl/diskvm/internal/plugins/generic"
	"github.com/MWedl/diskvm/internal/plugins/luks"
	"github.com/MWedl/diskvm/internal/plugins/osdetect"
	"github.com/MWedl/diskvm/internal/plugins/passwordbypass"
	"github.com/MWedl/diskvm/internal/plugins/veracrypt"
)

// resolveMasterKeys collects every hex master key the operator supplied,
// from repeatable --master-key and --master-keys-file (one hex key per
// line), decodes them, and when --xts-combine-keys is set appends every
// ordered concatenation of two same-length keys as an additional
// candidate, reconstructing a usable XTS key pair from independently
// recovered fragments.
func resolveMasterKeys(opts *diskvm.CreatorOptions) ([][]byte, error) {
	hexValues := append([]string{}, opts.MasterKeysHex...)

	if opts.MasterKeysFilePath != "" {
		data, err := os.ReadFile(opts.MasterKeysFilePath)
		if err != nil {
			return nil, fmt.Errorf("read master keys file: %w", err)
		}
		for _, line := range strings.Split(string(data), "\n") {
			line = strings.TrimSpace(line)
			if line != "" {
				hexValues = append(hexValues, line)
			}
		}
	}

	keys, err := diskvm.DecodeMasterKeys(hexValues)
	if err != nil {
		return nil, err
	}
	if !opts.XTSCombineKeys {
		return keys, nil
	}

	combined := make([][]byte, 0, len(keys))
	combined = append(combined, keys...)
	for i, a := range keys {
		for j, b := range keys {
			if i == j || len(a) != len(b) {
				continue
			}
			pair := make([]byte, 0, len(a)+len(b))
			pair = append(pair, a...)
			pair = append(pair, b...)
			combined = append(combined, pair)
		}
	}
	return combined, nil
}

// buildPluginManager assembles the selected plugins named by
// --pw-bypass/--fde-bypass plus the always-present fallback tier (generic
// filesystem mount, LVM, OS detection), in the order spec.md documents:
// user-selected credential-bypass plugins first so they get first refusal
// on Mount, generic/LVM last as the catch-all.
func buildPluginManager(opts *diskvm.CreatorOptions) (*plugin.Manager, error) {
	masterKeys, err := resolveMasterKeys(opts)
	if err != nil {
		return nil, err
	}

	var selected []plugin.Plugin
	for _, mode := range opts.PasswordBypassPlugins {
		switch mode {
		case "", "none":
		case "windows":
			selected = append(selected, passwordbypass.New())
		case "linux":
			selected = append(selected, passwordbypass.NewEtcShadow())
		case "auto":
			selected = append(selected, passwordbypass.New(), passwordbypass.NewEtcShadow())
		default:
			return nil, fmt.Errorf("unknown --pw-bypass mode %q", mode)
		}
	}

	for _, mode := range opts.FDEBypassPlugins {
		switch mode {
		case "", "none":
		case "luks_otf_mount":
			selected = append(selected, luks.New(masterKeys, false))
		case "luks_add_pw":
			selected = append(selected, luks.New(masterKeys, true))
		case "bitlocker_otf_mount":
			selected = append(selected, bitlocker.New(hexStrings(masterKeys), false))
		case "bitlocker_add_clearkey":
			selected = append(selected, bitlocker.New(hexStrings(masterKeys), true))
		case "veracrypt_otf_mount", "veracrypt_overwrite_pw":
			selected = append(selected, veracrypt.New(masterKeys, nil, opts.XTSCombineKeys))
		case "auto":
			selected = append(selected,
				luks.New(masterKeys, true),
				bitlocker.New(hexStrings(masterKeys), true),
				veracrypt.New(masterKeys, nil, opts.XTSCombineKeys),
			)
		default:
			return nil, fmt.Errorf("unknown --fde-bypass mode %q", mode)
		}
	}

	// "auto" is normalized to the zero value by the CLI layer before it
	// ever reaches CreatorOptions (diskvm.CreatorOptions.Validate rejects
	// any other unrecognized firmware string), so a plain emptiness check
	// is enough here to tell "operator forced a value" from "auto-detect".
	selected = append(selected, osdetect.New(opts.GuestOS, opts.Firmware))

	mgr := plugin.NewManager(selected...)
	mgr.AddFallback(generic.New(opts.ExperimentalNTFSFix))
	mgr.AddFallback(generic.NewLvmMountPlugin())
	return mgr, nil
}

func hexStrings(keys [][]byte) []string {
	out := make([]string, len(keys))
	for i, k := range keys {
		out[i] = fmt.Sprintf("%x", k)
	}
	return out
}
