package gateway

import (
	"context"
	"errors"
	"path/filepath"

	"github.com/swarmauri/peagen/internal/apperr"
	"github.com/swarmauri/peagen/internal/caf"
	"github.com/swarmauri/peagen/internal/models"
	"github.com/swarmauri/peagen/internal/store"
	"github.com/swarmauri/peagen/internal/tree"
	"go.opentelemetry.io/otel/attribute"
)

// Resolver turns a ref into a committed revision. *Service and *Client
// both implement it.
type Resolver interface {
	Resolve(ctx context.Context, repo, ref string) (*models.TaskRevision, error)
}

// FetchResult describes a materialized checkout.
type FetchResult struct {
	Workspace string `json:"workspace"`
	Commit    string `json:"commit"`
	TreeOID   string `json:"tree_oid"`
	Updated   bool   `json:"updated"`
}

// Fetch resolves ref in repo and materializes its tree into outDir through
// f. Updated is true iff outDir previously held a different commit.
func Fetch(ctx context.Context, r Resolver, f caf.Filter, repo, ref, outDir string) (*FetchResult, error) {
	rev, err := r.Resolve(ctx, repo, ref)
	if err != nil {
		return nil, err
	}
	updated, err := tree.Checkout(ctx, f, rev.RevHash, rev.TreeOID, outDir)
	if err != nil {
		if errors.Is(err, caf.ErrObjectNotFound) {
			return nil, apperr.Wrap(apperr.CodeObjectNotFound, "materialize "+rev.RevHash, err)
		}
		return nil, err
	}
	return &FetchResult{Workspace: outDir, Commit: rev.RevHash, TreeOID: rev.TreeOID, Updated: updated}, nil
}

// Resolve maps HEAD, a full rev hash or a unique prefix to a revision.
func (s *Service) Resolve(ctx context.Context, repo, ref string) (*models.TaskRevision, error) {
	if ref == "" {
		ref = "HEAD"
	}
	rev, err := s.store.ResolveRef(ctx, repo, ref)
	if errors.Is(err, store.ErrAmbiguousRef) {
		return nil, apperr.Wrap(apperr.CodeInvalidArgument, "ambiguous ref "+ref, err)
	}
	if err != nil {
		return nil, err
	}
	if rev == nil {
		return nil, apperr.WithMetadata(apperr.CodeObjectNotFound, "ref "+ref+" not found in "+repo,
			map[string]string{"repo": repo, "ref": ref})
	}
	return rev, nil
}

// Fetch materializes ref into outDir on the gateway host, not the caller's.
// outDir must be absolute; files a previous checkout there tracked and the
// new tree lacks are removed.
func (s *Service) Fetch(ctx context.Context, repo, ref, outDir string) (*FetchResult, error) {
	ctx, span := s.tracer.Start(ctx, "gateway.Fetch")
	defer span.End()
	span.SetAttributes(attribute.String("repo", repo), attribute.String("ref", ref))

	if outDir == "" || !filepath.IsAbs(outDir) {
		return nil, apperr.WithMetadata(apperr.CodeInvalidArgument, "out_dir must be an absolute path on the gateway host",
			map[string]string{"out_dir": outDir})
	}
	outDir = filepath.Clean(outDir)

	res, err := Fetch(ctx, s, s.caf, repo, ref, outDir)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	span.SetAttributes(attribute.String("rev.hash", res.Commit), attribute.Bool("fetch.updated", res.Updated))
	return res, nil
}
