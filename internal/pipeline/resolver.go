package pipeline

import (
	"context"
	"errors"
	"fmt"
	"path"

	"golang.org/x/sync/errgroup"

	"github.com/promptvideos/api/internal/client"
	"github.com/promptvideos/api/internal/logger"
)

// ErrNoOutput means the provider reported success but nothing exists at any
// known output location.
var ErrNoOutput = errors.New("no output found at any known location")

// Strategy names the storage paths where one provider output convention
// would have placed the video for an operation.
type Strategy interface {
	Name() string
	Candidates(handle string, desc *client.ResultDescriptor) []string
}

// operationID is the last segment of a provider operation name.
func operationID(handle string) string {
	return path.Base(handle)
}

// NestedSampleStrategy: videos/{op}/sample_0.mp4
type NestedSampleStrategy struct{}

func (NestedSampleStrategy) Name() string { return "nested_sample" }

func (NestedSampleStrategy) Candidates(handle string, _ *client.ResultDescriptor) []string {
	return []string{fmt.Sprintf("videos/%s/sample_0.mp4", operationID(handle))}
}

// FlatStrategy: videos/{op}.mp4
type FlatStrategy struct{}

func (FlatStrategy) Name() string { return "flat" }

func (FlatStrategy) Candidates(handle string, _ *client.ResultDescriptor) []string {
	return []string{fmt.Sprintf("videos/%s.mp4", operationID(handle))}
}

// DescriptorStrategy trusts whatever locations the provider put in its
// success payload.
type DescriptorStrategy struct{}

func (DescriptorStrategy) Name() string { return "descriptor" }

func (DescriptorStrategy) Candidates(_ string, desc *client.ResultDescriptor) []string {
	if desc == nil {
		return nil
	}
	out := make([]string, 0, len(desc.OutputURIs))
	for _, uri := range desc.OutputURIs {
		if key := client.ObjectKey(uri); key != "" {
			out = append(out, key)
		}
	}
	return out
}

// DefaultStrategies is the lookup order used in production.
func DefaultStrategies() []Strategy {
	return []Strategy{NestedSampleStrategy{}, FlatStrategy{}, DescriptorStrategy{}}
}

// Resolution is the outcome of probing every candidate location.
type Resolution struct {
	Canonical string
	Strategy  string
	Checked   []string
	// Siblings are other candidates that exist and should not be kept.
	Siblings []string
}

// Resolver picks the canonical video location for a finished operation.
type Resolver struct {
	storage    client.StorageGateway
	strategies []Strategy
	log        *logger.Logger
}

func NewResolver(storage client.StorageGateway, strategies []Strategy, log *logger.Logger) *Resolver {
	if len(strategies) == 0 {
		strategies = DefaultStrategies()
	}
	return &Resolver{storage: storage, strategies: strategies, log: log}
}

type candidate struct {
	path     string
	strategy string
}

func (r *Resolver) candidates(handle string, desc *client.ResultDescriptor) []candidate {
	seen := make(map[string]bool)
	var out []candidate
	for _, s := range r.strategies {
		for _, p := range s.Candidates(handle, desc) {
			if p == "" || seen[p] {
				continue
			}
			seen[p] = true
			out = append(out, candidate{path: p, strategy: s.Name()})
		}
	}
	return out
}

// Resolve checks all candidates concurrently and adopts the first existing
// one in strategy order. It returns ErrNoOutput, together with the checked
// paths, when none exists. Storage errors are returned as-is.
func (r *Resolver) Resolve(ctx context.Context, handle string, desc *client.ResultDescriptor) (*Resolution, error) {
	cands := r.candidates(handle, desc)
	exists := make([]bool, len(cands))

	g, gctx := errgroup.WithContext(ctx)
	for i, c := range cands {
		i, c := i, c
		g.Go(func() error {
			ok, err := r.storage.Exists(gctx, c.path)
			if err != nil {
				return fmt.Errorf("check %s: %w", c.path, err)
			}
			exists[i] = ok
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	res := &Resolution{}
	for i, c := range cands {
		res.Checked = append(res.Checked, c.path)
		if !exists[i] {
			continue
		}
		if res.Canonical == "" {
			res.Canonical = c.path
			res.Strategy = c.strategy
			continue
		}
		res.Siblings = append(res.Siblings, c.path)
	}
	if res.Canonical == "" {
		return res, ErrNoOutput
	}
	return res, nil
}

// RemoveSiblings deletes non-canonical copies. Failures are logged only.
func (r *Resolver) RemoveSiblings(ctx context.Context, res *Resolution) {
	for _, p := range res.Siblings {
		if err := r.storage.Delete(ctx, p); err != nil {
			r.log.Warn("Failed to delete non-canonical output", "path", p, "canonical", res.Canonical, "error", err)
			continue
		}
		r.log.Info("Deleted non-canonical output", "path", p, "canonical", res.Canonical)
	}
}
