package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/fatih/color"
	"github.com/kilupskalvis/blobview/internal/core"
	"github.com/kilupskalvis/blobview/internal/models"
	"github.com/kilupskalvis/blobview/internal/remote"
	"github.com/spf13/cobra"
)

var uploadMessage string

var uploadCmd = &cobra.Command{
	Use:   "upload <repo> <ref> <path> <file|->",
	Short: "Replace a blob's content on a branch",
	Long: `Upload new content for a file and commit it to a branch.

Only branches can be written. Tags, commit SHAs and HEAD are refused
before anything is sent to the server.

Examples:
  blobview upload u-boot main include/configs/smdk5250.h ./smdk5250.h -m "smdk5250: enable MMC"
  cat README.md | blobview upload u-boot docs README.md -`,
	Args: cobra.ExactArgs(4),
	Run:  runUpload,
}

func init() {
	uploadCmd.Flags().StringVarP(&uploadMessage, "message", "m", "", "Commit message")
}

func runUpload(cmd *cobra.Command, args []string) {
	c := initContext()
	defer c.Close()
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	repo, ref, p, src := args[0], args[1], args[2], args[3]

	var payload []byte
	var err error
	if src == "-" {
		payload, err = io.ReadAll(os.Stdin)
	} else {
		payload, err = os.ReadFile(src)
	}
	if err != nil {
		exitError("read %s: %v", src, err)
	}

	target, err := remote.ResolveReference(ctx, c.Client, repo, ref, p)
	if err != nil {
		exitError("%v", err)
	}

	gate := core.NewUploadGate(remote.NewWriter(c.Client), c.Logger)
	result, err := gate.Attempt(ctx, models.UploadAttempt{
		Target:        target,
		IsRefMutable:  target.IsRefMutable,
		Payload:       payload,
		CommitMessage: uploadMessage,
	})
	if err != nil {
		if errors.Is(err, models.ErrImmutableRef) {
			exitError("'%s' is not a branch; switch to a branch to upload", ref)
		}
		if remote.IsConflict(err) {
			exitError("'%s' moved from %s while uploading; run the upload again", ref, shortID(target.ResolvedCommit))
		}
		exitError("%v", err)
	}

	green := color.New(color.FgGreen)
	green.Printf("Uploaded %s to %s ", target.CleanPath(), ref)
	fmt.Printf("(commit %s, %s)\n", shortID(result.CommitID), humanSize(int64(len(payload))))
}
