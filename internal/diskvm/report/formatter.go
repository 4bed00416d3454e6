package report

import (
	"bytes"
	"encoding/json"
	"fmt"
	"text/tabwriter"

	"gopkg.in/yaml.v3"
)

// Formatter renders a Report for display.
type Formatter interface {
	Format(r *Report) (string, error)
}

// NewFormatter returns the Formatter for the given format name.
func NewFormatter(format Format) (Formatter, error) {
	switch format {
	case FormatTable, "":
		return TableFormatter{}, nil
	case FormatYAML:
		return YAMLFormatter{}, nil
	case FormatJSON:
		return JSONFormatter{}, nil
	default:
		return nil, fmt.Errorf("unsupported output format %q", format)
	}
}

// TableFormatter renders a Report as a human-readable summary table.
type TableFormatter struct{}

func (TableFormatter) Format(r *Report) (string, error) {
	var buf bytes.Buffer
	w := tabwriter.NewWriter(&buf, 0, 0, 2, ' ', 0)

	fmt.Fprintf(w, "NAME\t%s\n", r.Name)
	fmt.Fprintf(w, "SOURCE\t%s\n", r.DiskImagePath)
	fmt.Fprintf(w, "OUTPUT\t%s\n", r.OutputPath)
	fmt.Fprintf(w, "BACKEND\t%s\n", r.VirtualizationSoftware)
	fmt.Fprintf(w, "FIRMWARE\t%s\n", r.Firmware)
	guestOS := r.GuestOS
	if guestOS == "" {
		guestOS = "-"
	}
	fmt.Fprintf(w, "GUEST OS\t%s\n", guestOS)
	fmt.Fprintf(w, "STARTED\t%t\n", r.Started)
	w.Flush()

	buf.WriteString("\nVOLUMES\n")
	vw := tabwriter.NewWriter(&buf, 0, 0, 2, ' ', 0)
	fmt.Fprintln(vw, "NAME\tFILESYSTEM\tMOUNT POINT\tDISCOVERY")
	for _, v := range r.Volumes {
		fs := v.FilesystemType
		if fs == "" {
			fs = "-"
		}
		mp := v.MountPoint
		if mp == "" {
			mp = "-"
		}
		fmt.Fprintf(vw, "%s\t%s\t%s\t%s\n", v.Name, fs, mp, v.Discovery)
	}
	vw.Flush()

	return buf.String(), nil
}

// JSONFormatter renders a Report as indented JSON.
type JSONFormatter struct{}

func (JSONFormatter) Format(r *Report) (string, error) {
	data, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return "", fmt.Errorf("marshal report to json: %w", err)
	}
	return string(data) + "\n", nil
}

// YAMLFormatter renders a Report as YAML.
type YAMLFormatter struct{}

func (YAMLFormatter) Format(r *Report) (string, error) {
	data, err := yaml.Marshal(r)
	if err != nil {
		return "", fmt.Errorf("marshal report to yaml: %w", err)
	}
	return string(data), nil
}
