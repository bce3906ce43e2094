package remote

import (
	"context"

	"github.com/kilupskalvis/blobview/internal/models"
)

// ResolveReference builds a BlobReference and decides once whether its ref
// can be written. It also records the commit the ref names, which later
// uploads expect the branch to still point at. Full commit SHAs are
// classified without a request.
func ResolveReference(ctx context.Context, client BlobClient, repo, ref, path string) (models.BlobReference, error) {
	br := models.BlobReference{RepositoryID: repo, Ref: ref, Path: path}
	if err := br.Validate(); err != nil {
		return br, &models.BlobError{Kind: models.KindMalformed, Op: "resolve ref", Err: err}
	}
	if models.LooksImmutable(ref) {
		br.ResolvedCommit = ref
		return br, nil
	}

	info, err := client.GetRef(ctx, repo, ref)
	if err != nil {
		return br, Classify("resolve ref", err)
	}
	br.IsRefMutable = info.Mutable
	br.ResolvedCommit = info.CommitID
	return br, nil
}
