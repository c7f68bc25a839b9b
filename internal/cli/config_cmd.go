package cli

import (
	"encoding/json"
	"fmt"
	"runtime"
	"strings"

	"imgecho/internal/config"
	"imgecho/internal/export"
	"imgecho/internal/metadata"
	"imgecho/internal/raster/magick"
)

// Version is set at build time with -ldflags "-X imgecho/internal/cli.Version=...".
var Version = "0.1.0-dev"

func (r *Root) configShow() error {
	fmt.Fprintf(r.out, "Config file: %s\n", config.Path())
	data, err := json.MarshalIndent(r.cfg, "", "  ")
	if err != nil {
		return err
	}
	fmt.Fprintln(r.out, string(data))
	return nil
}

func (r *Root) configValidate() error {
	if err := r.cfg.Validate(); err != nil {
		for _, line := range strings.Split(err.Error(), "\n") {
			fmt.Fprintf(r.out, "  - %s\n", line)
		}
		return fmt.Errorf("configuration has problems")
	}
	fmt.Fprintln(r.out, "configuration ok")
	return nil
}

func (r *Root) cmdVersion() error {
	fmt.Fprintf(r.out, "imgecho %s\n", Version)
	fmt.Fprintf(r.out, "Built with Go %s\n", runtime.Version())
	fmt.Fprintf(r.out, "Formats: %s\n", strings.Join(export.Formats(), ", "))
	fmt.Fprintf(r.out, "Languages: %s\n", strings.Join(metadata.Languages(), ", "))
	fmt.Fprintf(r.out, "Backends:\n")
	fmt.Fprintf(r.out, "  raster: available\n")
	fmt.Fprintf(r.out, "  imagick: %s\n", availability(magick.Available))
	fmt.Fprintf(r.out, "  darktable: %s\n", availability(r.darktable != nil))
	return nil
}

func availability(ok bool) string {
	if ok {
		return "available"
	}
	return "unavailable"
}
