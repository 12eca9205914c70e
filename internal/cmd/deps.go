package cmd

import (
	"context"
	"fmt"
	"strings"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/Iron-Ham/wpflow/internal/depgraph"
	"github.com/Iron-Ham/wpflow/internal/errors"
	"github.com/Iron-Ham/wpflow/internal/wp"
)

var depsCmd = &cobra.Command{
	Use:   "deps",
	Short: "Inspect and validate work package dependencies",
}

var depsCheckCmd = &cobra.Command{
	Use:   "check",
	Short: "Check dependency graphs for unknown ids and cycles",
	Args:  cobra.NoArgs,
	RunE:  runDepsCheck,
}

var depsDependentsCmd = &cobra.Command{
	Use:   "dependents <WPxx>",
	Short: "List the work packages that depend directly on a work package",
	Args:  cobra.ExactArgs(1),
	RunE:  runDepsDependents,
}

var depsValidateCmd = &cobra.Command{
	Use:   "validate <WPxx>",
	Short: "Check whether a proposed dependency list would be valid",
	Long: `Validate checks a proposed dependency list for a work package against the
rest of the feature without changing any metadata.

Example:
  wpflow deps validate WP04 --on WP02,WP03`,
	Args: cobra.ExactArgs(1),
	RunE: runDepsValidate,
}

var (
	depsFeature string
	depsAll     bool
	depsOn      []string
)

func init() {
	depsCmd.PersistentFlags().StringVar(&depsFeature, "feature", "", "Feature slug (default: inferred from the current branch)")
	depsCheckCmd.Flags().BoolVar(&depsAll, "all", false, "Check every feature")
	depsValidateCmd.Flags().StringSliceVar(&depsOn, "on", nil, "Proposed dependencies")

	depsCmd.AddCommand(depsCheckCmd)
	depsCmd.AddCommand(depsDependentsCmd)
	depsCmd.AddCommand(depsValidateCmd)
}

// featureCheck is the outcome of checking one feature's graph.
type featureCheck struct {
	feature string
	count   int
	err     error
}

func runDepsCheck(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	a, err := openApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	var features []string
	if depsAll {
		if features, err = a.store.Features(ctx); err != nil {
			return err
		}
	} else {
		feature, err := a.feature(ctx, depsFeature)
		if err != nil {
			return err
		}
		features = []string{feature}
	}

	results, err := checkFeatures(ctx, a.store, features, a.cfg.Forecast.MaxParallel)
	if err != nil {
		return err
	}

	p := newPrinter(cmd.OutOrStdout())
	failed := 0
	for _, r := range results {
		if r.err == nil {
			p.printf("%s %s: %d work package(s), no problems\n", p.ok.Render("✓"), r.feature, r.count)
			continue
		}
		failed++
		p.printf("%s %s: %v\n", p.bad.Render("✗"), r.feature, r.err)
	}
	if failed > 0 {
		return fmt.Errorf("%d of %d feature(s) have invalid dependencies", failed, len(results))
	}
	return nil
}

// checkFeatures validates each feature's graph concurrently. Metadata read
// errors abort; graph problems are reported per feature.
func checkFeatures(ctx context.Context, store wp.Store, features []string, limit int) ([]featureCheck, error) {
	results := make([]featureCheck, len(features))
	g, gctx := errgroup.WithContext(ctx)
	if limit > 0 {
		g.SetLimit(limit)
	}
	for i, feature := range features {
		g.Go(func() error {
			wps, err := store.List(gctx, feature)
			if err != nil {
				return fmt.Errorf("%s: %w", feature, err)
			}
			results[i] = featureCheck{
				feature: feature,
				count:   len(wps),
				err:     depgraph.Check(depgraph.Build(wps)),
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}

func loadGraph(cmd *cobra.Command) (string, depgraph.Graph, error) {
	ctx := cmd.Context()
	a, err := openApp(ctx)
	if err != nil {
		return "", nil, err
	}
	defer a.Close()

	feature, err := a.feature(ctx, depsFeature)
	if err != nil {
		return "", nil, err
	}
	wps, err := a.store.List(ctx, feature)
	if err != nil {
		return "", nil, err
	}
	return feature, depgraph.Build(wps), nil
}

func runDepsDependents(cmd *cobra.Command, args []string) error {
	id := strings.ToUpper(args[0])
	feature, g, err := loadGraph(cmd)
	if err != nil {
		return err
	}
	if _, ok := g[id]; !ok {
		return errors.NewNotFoundError("work package", id).WithCause(errors.ErrMissingMetadata)
	}

	p := newPrinter(cmd.OutOrStdout())
	dependents := depgraph.Dependents(id, g)
	if len(dependents) == 0 {
		p.printf("No work package in %s depends on %s.\n", feature, id)
		return nil
	}
	for _, d := range dependents {
		p.println(d)
	}
	return nil
}

func runDepsValidate(cmd *cobra.Command, args []string) error {
	id := strings.ToUpper(args[0])
	_, g, err := loadGraph(cmd)
	if err != nil {
		return err
	}

	p := newPrinter(cmd.OutOrStdout())
	ok, problems := depgraph.Validate(id, depsOn, g)
	if ok {
		p.printf("%s %s may depend on [%s]\n", p.ok.Render("✓"), id, strings.Join(depsOn, ", "))
		return nil
	}
	for _, msg := range problems {
		p.printf("%s %s\n", p.bad.Render("✗"), msg)
	}
	return errors.NewValidationError(fmt.Sprintf("%d problem(s) with the proposed dependencies of %s", len(problems), id)).
		WithField("dependencies").
		WithValue(depsOn)
}
