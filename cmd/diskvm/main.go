package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/MWedl/diskvm/internal/config"
	"github.com/MWedl/diskvm/internal/diskvm"
	"github.com/MWedl/diskvm/internal/diskvm/report"
	"github.com/MWedl/diskvm/internal/runner"
)

var (
	version = "dev"
	commit  = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "diskvm <disk-image>",
	Short: "Convert a disk image into a bootable VM",
	Long: `diskvm turns a raw or partitioned disk image into a running VM,
unlocking full-disk encryption and bypassing local account passwords
along the way when asked to.`,
	Version: fmt.Sprintf("%s (commit: %s)", version, commit),
	Args:    cobra.ExactArgs(1),
	RunE:    runConvert,
}

var cliOpts diskvm.CreatorOptions
var configPath string

func init() {
	flags := rootCmd.Flags()

	flags.StringVar(&configPath, "config", "", "YAML file of option overrides (CLI flags win ties)")
	flags.StringVar(&cliOpts.OutDir, "out-dir", "", "directory to write the virtual disk and machine definition into")
	flags.StringVar(&cliOpts.Name, "name", "", "name for the resulting VM")
	flags.BoolVar(&cliOpts.StartVM, "start", false, "start the VM after defining it")
	flags.StringVar((*string)(&cliOpts.VirtualizationSoftware), "virtualization-software", "",
		fmt.Sprintf("backend to target: %q or %q", diskvm.DiskTypeVMware, diskvm.DiskTypeLibvirtQemu))
	flags.Var(diskvm.NewSizeValue(&cliOpts.VMMemoryBytes), "vm-memory", "VM memory, e.g. 4G")
	flags.IntVar(&cliOpts.VMCPUs, "vm-cpus", 2, "number of VM vCPUs")
	flags.StringVar(&cliOpts.GuestOS, "guest-os", "auto", `guest OS family, or "auto" to detect`)
	flags.StringVar((*string)(&cliOpts.Firmware), "firmware", "auto", `boot firmware: "bios", "efi", or "auto" to detect`)
	flags.Var(diskvm.NewChoiceValue(&cliOpts.PasswordBypassPlugins, "auto", "none", "linux", "windows"),
		"pw-bypass", "local account password bypass mode (repeatable)")
	flags.Var(diskvm.NewChoiceValue(&cliOpts.FDEBypassPlugins, "none", "auto",
		"bitlocker_otf_mount", "bitlocker_add_clearkey",
		"luks_add_pw", "luks_otf_mount",
		"veracrypt_otf_mount", "veracrypt_overwrite_pw"),
		"fde-bypass", "full-disk-encryption bypass mode (repeatable)")
	flags.Var(diskvm.NewHexValue(&cliOpts.MasterKeysHex), "master-key", "hex-encoded master key (repeatable)")
	flags.StringVar(&cliOpts.MasterKeysFilePath, "master-keys-file", "", "file of hex-encoded master keys, one per line")
	flags.BoolVar(&cliOpts.XTSCombineKeys, "xts-combine-keys", false,
		"try every ordered pairing of same-length master keys as a combined XTS key")
	flags.BoolVar(&cliOpts.ExperimentalNTFSFix, "experimental-ntfsfix", false,
		"run ntfsfix --clear-dirty on a hibernated NTFS volume before mounting")
	flags.StringVar(&cliOpts.OutputFormat, "output", "table", "result format: table, json, or yaml")
}

// normalizeAuto maps the CLI's "auto" sentinel defaults back to the zero
// value CreatorOptions expects, so downstream code only ever needs to
// distinguish "operator forced a value" from "let plugins decide" by
// emptiness.
func normalizeAuto(opts *diskvm.CreatorOptions) {
	if opts.GuestOS == "auto" {
		opts.GuestOS = ""
	}
	if string(opts.Firmware) == "auto" {
		opts.Firmware = ""
	}
}

func runConvert(cmd *cobra.Command, args []string) error {
	opts := cliOpts
	opts.DiskImagePath = args[0]
	normalizeAuto(&opts)

	if configPath != "" {
		fileOpts, err := config.LoadFromFile(configPath)
		if err != nil {
			return err
		}
		fileOpts.ApplyTo(&opts)
	}

	if err := report.ValidateFormat(opts.OutputFormat); err != nil {
		return err
	}

	ctx := context.Background()
	result, err := runner.Run(ctx, &opts)
	if err != nil {
		return fmt.Errorf("conversion failed: %w", err)
	}

	formatter, err := report.NewFormatter(report.Format(opts.OutputFormat))
	if err != nil {
		return err
	}
	out, err := formatter.Format(result)
	if err != nil {
		return fmt.Errorf("format result: %w", err)
	}

	fmt.Println(out)
	return nil
}
