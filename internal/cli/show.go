package cli

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/fatih/color"
	"github.com/kilupskalvis/blobview/internal/core"
	"github.com/kilupskalvis/blobview/internal/models"
	"github.com/kilupskalvis/blobview/internal/remote"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

var (
	showWatch       bool
	showLineNumbers bool
	showReloads     int
)

var showCmd = &cobra.Command{
	Use:   "show <repo> <ref> <path>...",
	Short: "Load blobs and print them with the chosen viewer",
	Long: `Load one or more files at a ref and print each one the way a blob page
would show it: as source, as a rendered document, or as a download link
when the content is binary or too large to display inline.

Paths are loaded concurrently and printed in the order given.

Examples:
  blobview show u-boot HEAD include/configs/smdk5250.h
  blobview show u-boot main README.md Makefile --line-numbers
  blobview show u-boot v2024.01 board/samsung/smdk5250/smdk5250.c --watch`,
	Args: cobra.MinimumNArgs(3),
	Run:  runShow,
}

func init() {
	showCmd.Flags().BoolVarP(&showWatch, "watch", "w", false, "Print load state transitions to stderr")
	showCmd.Flags().BoolVarP(&showLineNumbers, "line-numbers", "n", false, "Prefix source lines with numbers")
	showCmd.Flags().IntVar(&showReloads, "reload", 1, "Reload a failed blob this many times when the failure is retryable")
}

func runShow(cmd *cobra.Command, args []string) {
	c := initContext()
	defer c.Close()
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	repo, ref, paths := args[0], args[1], args[2:]
	states := make([]models.LoadState, len(paths))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(4)
	for i, p := range paths {
		g.Go(func() error {
			state, err := loadOne(gctx, c, repo, ref, p)
			if err != nil {
				return err
			}
			states[i] = state
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		exitError("%v", err)
	}

	failed := false
	for i, state := range states {
		if i > 0 {
			fmt.Println()
		}
		if !printState(c, state) {
			failed = true
		}
	}
	if failed {
		c.Close()
		os.Exit(1)
	}
}

// loadOne runs a single viewer to a terminal state. Load failures are part
// of the returned state; only a cancelled context is an error.
func loadOne(ctx context.Context, c *cmdContext, repo, ref, p string) (models.LoadState, error) {
	opts := []core.ViewerOption{core.WithLogger(c.Logger)}
	if showWatch {
		opts = append(opts, core.WithObserver(watchObserver))
	}
	viewer := core.NewBlobViewer(c.Fetcher, c.Resolver, opts...)
	defer viewer.Close()

	br, err := remote.ResolveReference(ctx, c.Client, repo, ref, p)
	if err != nil {
		// Leave classification to the viewer so the failure shows up like any other.
		br = models.BlobReference{RepositoryID: repo, Ref: ref, Path: p}
	}

	viewer.Load(ctx, br)
	state, err := viewer.Wait(ctx)
	for reloads := 0; err == nil && state.CanRetry() && reloads < showReloads; reloads++ {
		c.Logger.Info("reloading blob", "ref", br.String(), "kind", state.ErrorKind())
		viewer.Reload(ctx)
		state, err = viewer.Wait(ctx)
	}
	return state, err
}

func watchObserver(s models.LoadState) {
	line := fmt.Sprintf("[%d] %s %s", s.Generation, s.Phase, s.Reference)
	if s.Phase == models.PhaseFailed {
		line += " (" + s.ErrorKind().String() + ")"
	}
	color.New(color.FgCyan).Fprintln(os.Stderr, line)
}

// printState writes a terminal state to stdout. Returns false for failures.
func printState(c *cmdContext, state models.LoadState) bool {
	yellow := color.New(color.FgYellow)
	red := color.New(color.FgRed)
	faint := color.New(color.Faint)

	if state.Phase == models.PhaseFailed {
		red.Printf("%s: %s\n", state.Reference, state.ErrorKind())
		if state.Err != nil {
			faint.Printf("    %v\n", state.Err)
		}
		if state.CanRetry() {
			fmt.Println("    The server may be busy. Try again in a moment.")
		}
		return false
	}

	content := state.Content
	yellow.Printf("%s", state.Reference.CleanPath())
	fmt.Printf(" @ %s", state.Reference.Ref)
	if content.CommitID != "" {
		fmt.Printf(" (%s)", shortID(content.CommitID))
	}
	fmt.Println()
	faint.Printf("%s, %s, %s viewer: %s\n",
		content.MimeTypeHint, humanSize(content.SizeBytes), state.Decision.Kind, state.Decision.Reason)

	switch state.Decision.Kind {
	case models.ViewerBinaryOnly:
		fmt.Printf("Download: %s/%s\n", strings.TrimRight(c.Config.ServerURL, "/"), state.Reference)
	case models.ViewerRendered:
		fmt.Println()
		fmt.Print(content.Text())
		ensureNewline(content.Data)
	default:
		fmt.Println()
		printSource(content.Text())
	}

	if content.IsTruncated && state.Decision.Kind != models.ViewerBinaryOnly {
		faint.Printf("... showing %s of %s\n", humanSize(int64(len(content.Data))), humanSize(content.SizeBytes))
	}
	return true
}

func printSource(text string) {
	if !showLineNumbers {
		fmt.Print(text)
		ensureNewline([]byte(text))
		return
	}
	faint := color.New(color.Faint)
	sc := bufio.NewScanner(strings.NewReader(text))
	sc.Buffer(make([]byte, 64*1024), 1<<20)
	for n := 1; sc.Scan(); n++ {
		faint.Printf("%5d ", n)
		fmt.Println(sc.Text())
	}
}

func ensureNewline(data []byte) {
	if len(data) > 0 && data[len(data)-1] != '\n' {
		fmt.Println()
	}
}

func humanSize(n int64) string {
	switch {
	case n >= 1<<20:
		return fmt.Sprintf("%.1f MiB", float64(n)/(1<<20))
	case n >= 1<<10:
		return fmt.Sprintf("%.1f KiB", float64(n)/(1<<10))
	default:
		return fmt.Sprintf("%d bytes", n)
	}
}
