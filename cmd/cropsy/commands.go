package main

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"image"
	"os"
	"path/filepath"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/niopeng/cropsy/animate"
	"github.com/niopeng/cropsy/export"
	"github.com/niopeng/cropsy/geom"
	"github.com/niopeng/cropsy/library"
	"github.com/niopeng/cropsy/scan"
	"github.com/niopeng/cropsy/server"
	"github.com/niopeng/cropsy/suggest"
	"github.com/niopeng/cropsy/watch"
)

var (
	errNoImage    = errors.New("no decodable image to size the rectangle against")
	errOverwrite  = errors.New("output directory is the source folder; set --prefix or --out")
	errRectSource = errors.New("--rect and --auto are mutually exclusive")
)

// rectFlags are the ways a command can be told which rectangle to use.
type rectFlags struct {
	spec      string
	auto      bool
	threshold uint8
	pad       float64
}

func (f *rectFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVar(&f.spec, "rect", "", `Crop rectangle as JSON, {"x","y","width","height"} or {"left","top","right","bottom"}`)
	cmd.Flags().BoolVar(&f.auto, "auto", false, "Fit the rectangle to the opaque pixels of the first image")
	cmd.Flags().Uint8Var(&f.threshold, "alpha-threshold", suggest.DefaultAlphaThreshold, "Minimum alpha counted as opaque with --auto")
	cmd.Flags().Float64Var(&f.pad, "pad", 0, "Pixels added around the --auto rectangle")
}

// resolvedRect is a rectangle together with the image it was sized against.
type resolvedRect struct {
	Image  string     `json:"image,omitempty"`
	Width  int        `json:"width,omitempty"`
	Height int        `json:"height,omitempty"`
	Source string     `json:"source"`
	Rect   *geom.Rect `json:"rect"`
}

// resolve picks the folder rectangle. A --rect value is clamped against the
// first decodable image. Without flags the default for that image is used
// when withDefault is set, otherwise the rectangle stays nil.
func (f *rectFlags) resolve(folder *library.Folder, withDefault bool) (resolvedRect, error) {
	if f.spec != "" && f.auto {
		return resolvedRect{}, errRectSource
	}
	entry, img := firstDecodable(folder)
	res := resolvedRect{}
	if img != nil {
		b := img.Bounds()
		res.Image, res.Width, res.Height = entry.Name, b.Dx(), b.Dy()
	}

	var r geom.Rect
	switch {
	case f.spec != "":
		parsed, err := geom.ParseRect([]byte(f.spec))
		if err != nil {
			return resolvedRect{}, err
		}
		r, res.Source = parsed, "flag"
		if img != nil {
			r = geom.Clamp(r, res.Width, res.Height)
		}
	case f.auto:
		if img == nil {
			return resolvedRect{}, errNoImage
		}
		r, res.Source = suggest.Pad(suggest.Rect(img, f.threshold), f.pad, res.Width, res.Height), "auto"
	case withDefault:
		if img == nil {
			return resolvedRect{}, errNoImage
		}
		r, res.Source = geom.Default(res.Width, res.Height), "default"
	default:
		res.Source = "none"
		return res, nil
	}
	res.Rect = &r
	return res, nil
}

func firstDecodable(folder *library.Folder) (*library.ImageEntry, image.Image) {
	for _, entry := range folder.Images {
		if img, err := export.Decode(entry); err == nil {
			return entry, img
		}
	}
	return nil, nil
}

func newScanCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "scan <dir>",
		Short: "List the images of a folder in crop order",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			folder, err := scan.Dir(args[0])
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			var total uint64
			for _, entry := range folder.Images {
				w, h, err := export.Size(entry)
				if err != nil {
					fmt.Fprintf(out, "❌ %s: %v\n", entry.Name, err)
					continue
				}
				var size uint64
				if fi, err := os.Stat(filepath.Join(folder.Path, entry.Path())); err == nil {
					size = uint64(fi.Size())
				}
				total += size
				fmt.Fprintf(out, "%-32s %5dx%-5d %9s\n", entry.Name, w, h, humanize.Bytes(size))
			}
			fmt.Fprintf(out, "%d images, %s in %s\n", len(folder.Images), humanize.Bytes(total), folder.Path)
			return nil
		},
	}
}

func newRectCmd(a *app) *cobra.Command {
	var rf rectFlags
	cmd := &cobra.Command{
		Use:   "rect <dir>",
		Short: "Print the rectangle a folder would be cropped with",
		Long: `Prints, as JSON, the crop rectangle for a folder sized against its first
decodable image: the clamped --rect, a fit to the opaque pixels with --auto,
or the default centred half-size rectangle.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			folder, err := scan.Dir(args[0])
			if err != nil {
				return err
			}
			res, err := rf.resolve(folder, true)
			if err != nil {
				return err
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(res)
		},
	}
	rf.register(cmd)
	return cmd
}

// exportFlags override the export section of the config when set.
type exportFlags struct {
	out     string
	prefix  string
	format  string
	quality int
}

func (f *exportFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVarP(&f.out, "out", "o", "", "Output directory (default from config)")
	cmd.Flags().StringVar(&f.prefix, "prefix", "", "Prefix for output file names")
	cmd.Flags().StringVar(&f.format, "format", "", "Output format: jpeg, png or gif")
	cmd.Flags().IntVar(&f.quality, "quality", export.DefaultQuality, "JPEG quality 1-100")
}

func (f *exportFlags) apply(cmd *cobra.Command, a *app) (*export.Exporter, string, error) {
	opts := a.cfg.ExportOptions()
	out := a.cfg.Export.OutputDir
	if cmd.Flags().Changed("out") {
		out = f.out
	}
	if cmd.Flags().Changed("prefix") {
		opts.Prefix = f.prefix
	}
	if cmd.Flags().Changed("format") {
		opts.Format = export.Format(f.format)
	}
	if cmd.Flags().Changed("quality") {
		opts.Quality = f.quality
	}
	exp, err := export.New(opts, a.logger)
	if err != nil {
		return nil, "", err
	}
	abs, err := filepath.Abs(out)
	if err != nil {
		return nil, "", err
	}
	return exp, abs, nil
}

func newExportCmd(a *app) *cobra.Command {
	var (
		rf rectFlags
		ef exportFlags
	)
	cmd := &cobra.Command{
		Use:   "export <dir>",
		Short: "Crop every image of a folder and write crops.json",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			folder, err := scan.Dir(args[0])
			if err != nil {
				return err
			}
			exp, out, err := ef.apply(cmd, a)
			if err != nil {
				return err
			}
			if out == folder.Path && exp.Options().Prefix == "" {
				return errOverwrite
			}
			res, err := rf.resolve(folder, false)
			if err != nil {
				return err
			}
			folder.Rect = res.Rect

			w := cmd.OutOrStdout()
			sum, err := exp.Export(cmd.Context(), folder, export.DirSink{Dir: out}, func(p export.Progress) {
				if p.Err != nil {
					fmt.Fprintf(w, "❌ [%d/%d] %s: %v\n", p.Current, p.Total, p.File, p.Err)
					return
				}
				fmt.Fprintf(w, "✅ [%d/%d] %s\n", p.Current, p.Total, p.File)
			})
			if sum != nil {
				fmt.Fprintf(w, "Cropped %d of %d images with %s into %s (%s, %s)\n",
					sum.Exported, sum.Total, sum.Rect, out,
					humanize.Bytes(uint64(sum.Bytes)), sum.Elapsed.Round(time.Millisecond))
				if n := len(sum.Failed); n > 0 {
					fmt.Fprintf(w, "%d failed\n", n)
				}
			}
			return err
		},
	}
	rf.register(cmd)
	ef.register(cmd)
	return cmd
}

func newWatchCmd(a *app) *cobra.Command {
	var (
		rf rectFlags
		ef exportFlags
	)
	cmd := &cobra.Command{
		Use:   "watch <dir>",
		Short: "Crop images as they appear in a folder",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			folder, err := scan.Dir(args[0])
			if err != nil {
				return err
			}
			exp, out, err := ef.apply(cmd, a)
			if err != nil {
				return err
			}
			res, err := rf.resolve(folder, true)
			if err != nil {
				return err
			}

			wt, err := watch.New(folder.Path, out, *res.Rect, exp, a.cfg.Watch.Debounce, a.logger)
			if err != nil {
				return err
			}
			w := cmd.OutOrStdout()
			wt.OnEvent = func(ev watch.Event) {
				if ev.Err != nil {
					fmt.Fprintf(w, "❌ %s: %v\n", ev.File, ev.Err)
					return
				}
				fmt.Fprintf(w, "✅ %s %s\n", ev.File, ev.Rect)
			}
			fmt.Fprintf(w, "Watching %s with %s, writing to %s\n", folder.Path, *res.Rect, out)
			return wt.Run(cmd.Context())
		},
	}
	rf.register(cmd)
	ef.register(cmd)
	return cmd
}

func newServeCmd(a *app) *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "serve [dir...]",
		Short: "Serve the browser interface, importing any folders given",
		RunE: func(cmd *cobra.Command, args []string) error {
			if !cmd.Flags().Changed("addr") {
				addr = a.cfg.Server.Addr
			}
			lib := library.New()
			for _, dir := range args {
				folder, err := scan.Dir(dir)
				if err != nil {
					return err
				}
				lib.Add(folder)
				a.logger.Info("folder imported", zap.String("folder", folder.Name), zap.Int("images", len(folder.Images)))
			}

			srv, err := server.New(lib, server.Options{
				Export:       a.cfg.ExportOptions(),
				PreviewMax:   a.cfg.Server.PreviewMax,
				PreviewCache: a.cfg.Server.PreviewCache,
			}, a.logger)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Serving on http://%s\n", addr)
			return srv.Run(cmd.Context(), addr)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "Listen address (default from config)")
	return cmd
}

func newAnimateCmd(a *app) *cobra.Command {
	var (
		rf   rectFlags
		out  string
		opts = animate.DefaultOptions()
	)
	cmd := &cobra.Command{
		Use:   "animate <dir>",
		Short: "Crop every image of a folder into one animated GIF",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			folder, err := scan.Dir(args[0])
			if err != nil {
				return err
			}
			res, err := rf.resolve(folder, false)
			if err != nil {
				return err
			}
			folder.Rect = res.Rect
			if out == "" {
				out = filepath.Join(a.cfg.Export.OutputDir, folder.Name+".gif")
			}

			an, err := animate.New(opts, a.logger)
			if err != nil {
				return err
			}
			var buf bytes.Buffer
			sum, err := an.Build(cmd.Context(), folder, &buf)
			if err != nil {
				return err
			}
			if err := os.MkdirAll(filepath.Dir(out), 0o755); err != nil {
				return err
			}
			if err := os.WriteFile(out, buf.Bytes(), 0o644); err != nil {
				return err
			}

			w := cmd.OutOrStdout()
			for _, f := range sum.Failed {
				fmt.Fprintf(w, "❌ %s: %v\n", f.Name, f.Err)
			}
			fmt.Fprintf(w, "Animated %d frames (%dx%d) with %s into %s (%s)\n",
				sum.Frames, sum.Size.X, sum.Size.Y, sum.Rect, out, humanize.Bytes(uint64(buf.Len())))
			return nil
		},
	}
	rf.register(cmd)
	cmd.Flags().StringVarP(&out, "out", "o", "", "Output GIF (default <output_dir>/<folder>.gif)")
	cmd.Flags().DurationVar(&opts.Delay, "delay", opts.Delay, "Delay between frames")
	cmd.Flags().IntVar(&opts.Colors, "colors", opts.Colors, "Palette size, 2-256")
	cmd.Flags().IntVar(&opts.SampleEvery, "sample-every", opts.SampleEvery, "Use every Nth frame to build the palette")
	cmd.Flags().IntVar(&opts.Loop, "loop", opts.Loop, "Loop count, 0 loops forever")
	cmd.Flags().BoolVar(&opts.NoDither, "no-dither", false, "Disable Floyd-Steinberg dithering")
	cmd.Flags().BoolVar(&opts.NoDiff, "no-diff", false, "Store whole frames instead of changed regions")
	return cmd
}
