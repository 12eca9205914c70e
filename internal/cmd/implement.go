package cmd

import (
	"strings"

	"github.com/spf13/cobra"

	"github.com/Iron-Ham/wpflow/internal/errors"
	"github.com/Iron-Ham/wpflow/internal/workspace"
	"github.com/Iron-Ham/wpflow/internal/wp"
)

var implementCmd = &cobra.Command{
	Use:   "implement <WPxx>",
	Short: "Create the worktree for a work package",
	Long: `Implement creates the branch {feature}-{WPxx} and checks it out in its own
worktree, starting from the right base:

  - no unmerged dependencies: the target branch
  - one unmerged dependency: that dependency's branch
  - several unmerged dependencies: an ephemeral {feature}-{WPxx}-merge-base
    branch that merges them all (plus the target if some are already merged)

If combining the dependencies conflicts, nothing is created and the
conflicting files are reported.`,
	Args: cobra.ExactArgs(1),
	RunE: runImplement,
}

var (
	implementFeature string
	implementTarget  string
)

func init() {
	implementCmd.Flags().StringVar(&implementFeature, "feature", "", "Feature slug (default: inferred from the current branch)")
	implementCmd.Flags().StringVar(&implementTarget, "target", "", "Target branch (default: merge.target_branch, then main/master)")
}

func runImplement(cmd *cobra.Command, args []string) error {
	ctx, cancel := signalContext(cmd.Context())
	defer cancel()

	id := strings.ToUpper(strings.TrimSpace(args[0]))
	if !wp.ValidID(id) {
		return errors.NewValidationError("work package id must look like WP01").
			WithField("wp").
			WithValue(args[0]).
			WithCause(errors.ErrInvalidWPID)
	}

	a, err := openApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	if err := a.excludeOwnDirs(ctx); err != nil {
		return err
	}
	feature, err := a.feature(ctx, implementFeature)
	if err != nil {
		return err
	}
	wps, err := a.store.List(ctx, feature)
	if err != nil {
		return err
	}

	ctx, release, err := a.lock(ctx)
	if err != nil {
		return err
	}
	defer release()

	resolver := workspace.NewResolver(a.git, a.worktreeDir, a.logger)
	ws, err := resolver.Create(ctx, workspace.Request{
		Feature:      feature,
		Target:       a.target(ctx, implementTarget),
		WPID:         id,
		WorkPackages: wps,
	})
	if err != nil {
		var ie *errors.IntegrationError
		if errors.As(err, &ie) {
			p := newPrinter(cmd.ErrOrStderr())
			p.printf("%s combining %s conflicts in:\n", p.bad.Render("Cannot create merge base:"), strings.Join(ie.Branches, " + "))
			for _, f := range ie.Files {
				p.println(p.code.Render(f))
			}
		}
		return err
	}

	p := newPrinter(cmd.OutOrStdout())
	p.printf("%s %s\n", p.ok.Render("Created"), ws.Path)
	p.printf("  Branch: %s\n", ws.Branch)
	p.printf("  Base:   %s", ws.Base.BaseBranch)
	if ws.Base.CreatedEphemeral {
		p.printf(" %s", p.muted.Render("(ephemeral merge base)"))
	}
	p.println("")
	return nil
}
