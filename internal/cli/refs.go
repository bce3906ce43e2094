package cli

import (
	"context"
	"fmt"
	"sort"

	"github.com/fatih/color"
	"github.com/kilupskalvis/blobview/internal/models"
	"github.com/kilupskalvis/blobview/internal/remote"
	"github.com/spf13/cobra"
)

var refsCmd = &cobra.Command{
	Use:   "refs <repo> [ref]",
	Short: "List refs and whether they accept uploads",
	Long: `List the refs of a repository, or resolve a single ref.

Writable refs are branches. HEAD is shown with the branch it follows
but is itself read-only.

Examples:
  blobview refs u-boot
  blobview refs u-boot HEAD`,
	Args: cobra.RangeArgs(1, 2),
	Run:  runRefs,
}

func runRefs(cmd *cobra.Command, args []string) {
	c := initContext()
	defer c.Close()
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	var refs []*remote.RefInfo
	if len(args) == 2 {
		info, err := c.Client.GetRef(ctx, args[0], args[1])
		if err != nil {
			exitError("%v", remote.Classify("resolve ref", err))
		}
		refs = []*remote.RefInfo{info}
	} else {
		var err error
		refs, err = c.Client.ListRefs(ctx, args[0])
		if err != nil {
			exitError("%v", remote.Classify("list refs", err))
		}
	}

	sort.Slice(refs, func(i, j int) bool {
		if refs[i].Kind != refs[j].Kind {
			return kindOrder(refs[i].Kind) < kindOrder(refs[j].Kind)
		}
		return refs[i].Name < refs[j].Name
	})

	green := color.New(color.FgGreen)
	cyan := color.New(color.FgCyan)
	for _, r := range refs {
		fmt.Printf("%s  ", shortID(r.CommitID))
		if r.Mutable {
			green.Printf("%-24s", r.Name)
		} else {
			fmt.Printf("%-24s", r.Name)
		}
		fmt.Printf(" %-8s", r.Kind)
		if r.Target != "" {
			cyan.Printf(" -> %s", r.Target)
		}
		if !r.Mutable {
			fmt.Print(" (read-only)")
		}
		fmt.Println()
	}
}

func kindOrder(k models.RefKind) int {
	switch k {
	case models.RefSymbolic:
		return 0
	case models.RefBranch:
		return 1
	case models.RefTag:
		return 2
	default:
		return 3
	}
}
