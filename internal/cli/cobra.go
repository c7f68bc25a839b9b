package cli

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"imgecho/internal/metadata"
	"imgecho/internal/overlay"
	"imgecho/internal/session"
)

// NewRootCmd creates the root Cobra command.
func NewRootCmd(root *Root) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "imgecho",
		Short: "imgecho burns photo metadata into the image",
		Long: `imgecho reads EXIF and IPTC metadata from a photo, lets you edit the
record, and renders it as a text overlay onto the image before exporting a
JPEG, WebP or HTML report.`,
		SilenceUsage: true,
	}
	rootCmd.SetOut(root.out)

	rootCmd.AddCommand(newAnnotateCmd(root))
	rootCmd.AddCommand(newInfoCmd(root))
	rootCmd.AddCommand(newBatchCmd(root))
	rootCmd.AddCommand(newServeCmd(root))
	rootCmd.AddCommand(newWatchCmd(root))
	rootCmd.AddCommand(newRPCCmd(root))
	rootCmd.AddCommand(newExportsCmd(root))
	rootCmd.AddCommand(newFontsCmd(root))
	rootCmd.AddCommand(newConfigCmd(root))
	rootCmd.AddCommand(newVersionCmd(root))

	return rootCmd
}

// overrideFlags binds the record and style overrides shared by annotate and
// rpc annotate.
type overrideFlags struct {
	rec   metadata.Record
	style overlay.Style
}

func (o *overrideFlags) bind(cmd *cobra.Command) {
	f := cmd.Flags()
	f.StringVar(&o.rec.Camera, "camera", "", "override camera model")
	f.StringVar(&o.rec.Lens, "lens", "", "override lens model")
	f.StringVar(&o.rec.Location, "location", "", "override location line")
	f.StringVar(&o.rec.ISO, "iso", "", "override ISO")
	f.StringVar(&o.rec.Aperture, "aperture", "", "override aperture (e.g. f/2.8)")
	f.StringVar(&o.rec.Shutter, "shutter", "", "override shutter speed (e.g. 1/250s)")
	f.StringVar(&o.rec.Copyright, "copyright", "", "override copyright")
	f.StringVar(&o.rec.Notes, "notes", "", "free text shown below the fields")

	f.StringVar((*string)(&o.style.Anchor), "anchor", "", "text anchor (top-left|top-right|bottom-left|bottom-right|center)")
	f.StringVar((*string)(&o.style.Mode), "mode", "", "display mode (full|values)")
	f.StringVar(&o.style.FontFamily, "font", "", "font family list, CSS style")
	f.StringVar(&o.style.FontWeight, "weight", "", "font weight (normal|bold|100-900)")
	f.Float64Var(&o.style.FontSizePercent, "size", 0, "font size as a percentage of image height")
	f.Float64Var(&o.style.Blur, "blur", 0, "backdrop blur radius")
}

// styleOverride returns the style flags given on the command line, so an
// explicit --blur 0 still replaces a configured blur.
func (o *overrideFlags) styleOverride(cmd *cobra.Command) overlay.StyleOverride {
	f := cmd.Flags()
	var over overlay.StyleOverride
	if f.Changed("anchor") {
		over.Anchor = &o.style.Anchor
	}
	if f.Changed("mode") {
		over.Mode = &o.style.Mode
	}
	if f.Changed("font") {
		over.FontFamily = &o.style.FontFamily
	}
	if f.Changed("weight") {
		over.FontWeight = &o.style.FontWeight
	}
	if f.Changed("size") {
		over.FontSizePercent = &o.style.FontSizePercent
	}
	if f.Changed("blur") {
		over.Blur = &o.style.Blur
	}
	return over
}

func newAnnotateCmd(root *Root) *cobra.Command {
	var (
		over   overrideFlags
		format string
		out    string
		lang   string
		sink   string
	)

	cmd := &cobra.Command{
		Use:   "annotate <image>",
		Short: "Render the metadata overlay and export the result",
		Long: `Extract metadata from the image, apply the sidecar and any flag overrides,
render the overlay and store the artifact.

Examples:
  imgecho annotate photo.jpg
  imgecho annotate photo.jpg --notes "First light" --anchor top-right --format webp
  imgecho annotate photo.jpg --lang zh-CN --format html --out reports/`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return root.cmdAnnotate(cmd.Context(), args[0], annotateOptions{
				record: over.rec,
				style:  over.styleOverride(cmd),
				format: format,
				out:    out,
				lang:   lang,
				sink:   sink,
			})
		},
	}

	over.bind(cmd)
	cmd.Flags().StringVarP(&format, "format", "f", "", "artifact format (jpeg|webp|html), config default if empty")
	cmd.Flags().StringVarP(&out, "out", "o", "", "output directory for local exports")
	cmd.Flags().StringVar(&lang, "lang", "", "label language (en|zh-CN)")
	cmd.Flags().StringVar(&sink, "sink", "", "artifact destination (local|s3)")
	return cmd
}

func newInfoCmd(root *Root) *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "info <image>",
		Short: "Print the metadata record extracted from an image",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return root.cmdInfo(cmd.Context(), args[0], asJSON)
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print JSON")
	return cmd
}

func newBatchCmd(root *Root) *cobra.Command {
	var (
		out       string
		format    string
		recursive bool
	)
	cmd := &cobra.Command{
		Use:   "batch <dir>",
		Short: "Annotate every image in a directory through the worker pool",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return root.cmdBatch(cmd.Context(), args[0], out, format, recursive)
		},
	}
	cmd.Flags().StringVarP(&out, "out", "o", "", "output directory for local exports")
	cmd.Flags().StringVarP(&format, "format", "f", "", "artifact format (jpeg|webp|html)")
	cmd.Flags().BoolVarP(&recursive, "recursive", "r", false, "descend into subdirectories")
	return cmd
}

func newServeCmd(root *Root) *cobra.Command {
	var (
		addr    string
		withRPC bool
	)
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the preview server",
		Long: `Start an HTTP server holding one editing session. Upload an image, edit its
record and style, and watch /ws for debounced render notifications.

Examples:
  imgecho serve --addr 127.0.0.1:8080
  imgecho serve --rpc`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithCancel(cmd.Context())
			defer cancel()

			srv := root.newServer(addr)
			errCh := make(chan error, 1)
			if withRPC {
				go func() {
					errCh <- root.rpcServeFn(ctx, root.cfg.Server.RPCAddr, root.rpcService(), root.log)
				}()
			}
			err := root.serveFn(ctx, srv)
			cancel()
			if withRPC {
				if rpcErr := <-errCh; err == nil {
					err = rpcErr
				}
			}
			return err
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address, config default if empty")
	cmd.Flags().BoolVar(&withRPC, "rpc", false, "also serve the gRPC annotator on server.rpc_addr")
	return cmd
}

func newWatchCmd(root *Root) *cobra.Command {
	var (
		out   string
		delay time.Duration
	)
	cmd := &cobra.Command{
		Use:   "watch <dir>",
		Short: "Re-annotate images when they or their sidecars change",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return root.cmdWatch(cmd.Context(), args[0], out, delay)
		},
	}
	cmd.Flags().StringVarP(&out, "out", "o", "", "output directory, must differ from the watched one")
	cmd.Flags().DurationVar(&delay, "debounce", session.DefaultDebounce, "quiet period before re-rendering")
	return cmd
}

func newRPCCmd(root *Root) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "rpc",
		Short: "Serve or call the gRPC annotator",
	}

	var serveAddr string
	serve := &cobra.Command{
		Use:   "serve",
		Short: "Serve imgecho.Annotator",
		RunE: func(cmd *cobra.Command, args []string) error {
			addr := serveAddr
			if addr == "" {
				addr = root.cfg.Server.RPCAddr
			}
			return root.rpcServeFn(cmd.Context(), addr, root.rpcService(), root.log)
		},
	}
	serve.Flags().StringVar(&serveAddr, "addr", "", "listen address, config default if empty")

	var (
		over   overrideFlags
		addr   string
		format string
		out    string
	)
	annotate := &cobra.Command{
		Use:   "annotate <image>",
		Short: "Annotate an image on a remote server",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if addr == "" {
				addr = root.cfg.Server.RPCAddr
			}
			return root.cmdRPCAnnotate(cmd.Context(), addr, args[0], out, annotateOptions{
				record: over.rec,
				style:  over.styleOverride(cmd),
				format: format,
			})
		},
	}
	over.bind(annotate)
	annotate.Flags().StringVar(&addr, "addr", "", "server address, config default if empty")
	annotate.Flags().StringVarP(&format, "format", "f", "", "artifact format (jpeg|webp|html)")
	annotate.Flags().StringVarP(&out, "out", "o", "", "output file, photo_<millis>.<ext> if empty")

	cmd.AddCommand(serve, annotate)
	return cmd
}

func newExportsCmd(root *Root) *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "exports",
		Short: "List recent exports",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return root.cmdExports(limit)
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "number of records")
	return cmd
}

func newFontsCmd(root *Root) *cobra.Command {
	var weight string
	cmd := &cobra.Command{
		Use:   "fonts <family>",
		Short: "Show which font file a family resolves to",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return root.cmdFonts(args[0], weight)
		},
	}
	cmd.Flags().StringVar(&weight, "weight", "normal", "font weight")
	return cmd
}

func newConfigCmd(root *Root) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Inspect configuration",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Print the effective configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			return root.configShow()
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "validate",
		Short: "Check the configuration for errors",
		RunE: func(cmd *cobra.Command, args []string) error {
			return root.configValidate()
		},
	})
	return cmd
}

func newVersionCmd(root *Root) *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		RunE: func(cmd *cobra.Command, args []string) error {
			return root.cmdVersion()
		},
	}
}

// Execute runs args against a fresh command tree.
func (r *Root) Execute(ctx context.Context, args []string) error {
	cmd := NewRootCmd(r)
	cmd.SetArgs(args)
	cmd.SetErr(r.out)
	if err := cmd.ExecuteContext(ctx); err != nil {
		return fmt.Errorf("imgecho %v: %w", firstArg(args), err)
	}
	return nil
}

func firstArg(args []string) string {
	if len(args) == 0 {
		return ""
	}
	return args[0]
}
