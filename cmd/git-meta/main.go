// Command git-meta drives the cherry-pick/rebase/push machinery of a
// multi-repo meta-repo: a meta-repo pins, per sub-repo, a path, an
// origin URL and a commit, and this binary keeps that pin set
// consistent across status, open/close, commit, cherry-pick/pull/merge,
// and push.
package main

import (
	"fmt"
	"os"
	"time"

	"github.com/fatih/color"
	"github.com/go-git/go-git/v5/plumbing/object"
	"github.com/spf13/cobra"

	"github.com/twosigma/git-meta/internal/config"
	"github.com/twosigma/git-meta/internal/facade"
	"github.com/twosigma/git-meta/internal/giterrors"
	"github.com/twosigma/git-meta/internal/status"
)

func main() {
	os.Exit(run())
}

func run() int {
	root := rootCommand()
	if err := root.Execute(); err != nil {
		renderError(err)
		return exitCode(err)
	}
	return 0
}

func rootCommand() *cobra.Command {
	var repoPath string

	root := &cobra.Command{
		Use:           "git-meta",
		Short:         "Cross-repo status, cherry-pick and push for pinned multi-repo checkouts",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&repoPath, "repo", ".", "path to the meta-repo")

	open := func() (*facade.Facade, error) {
		return facade.Open(repoPath, config.Global)
	}

	root.AddCommand(statusCmd(open))
	root.AddCommand(branchCmd(open))
	root.AddCommand(checkoutCmd(open))
	root.AddCommand(commitCmd(open))
	root.AddCommand(openCmd(open))
	root.AddCommand(closeCmd(open))
	root.AddCommand(pushCmd(open))
	root.AddCommand(pullCmd(open))
	root.AddCommand(mergeCmd(open))
	root.AddCommand(cherryPickCmd(open))
	root.AddCommand(continueCmd(open))
	root.AddCommand(abortCmd(open))
	root.AddCommand(includeCmd(open))
	root.AddCommand(syncRefsCmd(open))
	root.AddCommand(cloneCmd())
	root.AddCommand(initCmd())
	return root
}

func statusCmd(open func() (*facade.Facade, error)) *cobra.Command {
	var only []string
	var oneLine bool
	var verbose bool
	cmd := &cobra.Command{
		Use:   "status",
		Short: "show the meta-repo and every declared submodule's status",
		RunE: func(cmd *cobra.Command, args []string) error {
			f, err := open()
			if err != nil {
				return err
			}
			rs, err := f.Status()
			if err != nil {
				return err
			}
			if oneLine {
				printStatusOneLine(rs, only, verbose)
				return nil
			}
			printStatus(rs, only, verbose)
			return nil
		},
	}
	cmd.Flags().StringSliceVarP(&only, "submodule", "s", nil, "restrict output to the named submodules (repeatable)")
	cmd.Flags().BoolVarP(&oneLine, "one-line", "l", false, "print one line per open submodule: sha and name")
	cmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "also list closed submodules (prefixed with - in -l output)")
	return cmd
}

func branchCmd(open func() (*facade.Facade, error)) *cobra.Command {
	var force bool
	var all bool
	var del bool
	cmd := &cobra.Command{
		Use:   "branch [NAME]",
		Short: "create, list, or delete branches",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			f, err := open()
			if err != nil {
				return err
			}
			if all {
				names, err := f.ListBranches()
				if err != nil {
					return err
				}
				for _, name := range names {
					fmt.Println(name)
				}
				return nil
			}
			if len(args) != 1 {
				return giterrors.NewUserError(giterrors.Misconfigured, "branch name required")
			}
			if del {
				return f.DeleteBranch(args[0])
			}
			return f.Branch(args[0], force)
		},
	}
	cmd.Flags().BoolVarP(&force, "force", "f", false, "overwrite an existing branch")
	cmd.Flags().BoolVarP(&all, "all", "a", false, "list every branch")
	cmd.Flags().BoolVarP(&del, "delete", "d", false, "delete the named branch")
	return cmd
}

func checkoutCmd(open func() (*facade.Facade, error)) *cobra.Command {
	var subMode string
	cmd := &cobra.Command{
		Use:   "checkout REV",
		Short: "move HEAD to a revision",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			f, err := open()
			if err != nil {
				return err
			}
			mode, err := parseCheckoutMode(subMode)
			if err != nil {
				return err
			}
			return f.Checkout(args[0], mode)
		},
	}
	cmd.Flags().StringVarP(&subMode, "submodules", "c", "none", "which submodules to open at the new HEAD: none|all|some|create")
	return cmd
}

func parseCheckoutMode(s string) (facade.CheckoutSubmoduleMode, error) {
	switch s {
	case "", "none":
		return facade.CheckoutNone, nil
	case "all":
		return facade.CheckoutAll, nil
	case "some":
		return facade.CheckoutSome, nil
	case "create":
		return facade.CheckoutCreate, nil
	default:
		return "", giterrors.NewUserError(giterrors.Misconfigured, "unknown --submodules mode: "+s)
	}
}

func commitCmd(open func() (*facade.Facade, error)) *cobra.Command {
	var message string
	var all bool
	cmd := &cobra.Command{
		Use:   "commit",
		Short: "record staged submodule pin changes as a new meta-commit",
		RunE: func(cmd *cobra.Command, args []string) error {
			f, err := open()
			if err != nil {
				return err
			}
			if message == "" {
				return giterrors.NewUserError(giterrors.Misconfigured, "commit message required (-m)")
			}
			author := object.Signature{Name: "git-meta", Email: "git-meta@localhost", When: time.Now()}
			sha, err := f.Commit(message, author, all)
			if err != nil {
				return err
			}
			fmt.Println(sha.String())
			return nil
		},
	}
	cmd.Flags().StringVarP(&message, "message", "m", "", "commit message")
	cmd.Flags().BoolVarP(&all, "all", "a", false, "auto-stage every open submodule's current HEAD as its pin")
	return cmd
}

func openCmd(open func() (*facade.Facade, error)) *cobra.Command {
	return &cobra.Command{
		Use:   "open PATH...",
		Short: "clone/fetch and check out declared submodules",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			f, err := open()
			if err != nil {
				return err
			}
			return f.Open(cmd.Context(), args)
		},
	}
}

func closeCmd(open func() (*facade.Facade, error)) *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "close PATH...",
		Short: "deinitialize open submodules",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			f, err := open()
			if err != nil {
				return err
			}
			return f.Close(cmd.Context(), args, force)
		},
	}
	cmd.Flags().BoolVarP(&force, "force", "f", false, "close even if the submodule has local state")
	return cmd
}

func pushCmd(open func() (*facade.Facade, error)) *cobra.Command {
	var remote string
	var src string
	var dst string
	var force bool
	cmd := &cobra.Command{
		Use:   "push [REMOTE_BRANCH]",
		Short: "push HEAD's branch, anchoring every referenced submodule commit first",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			f, err := open()
			if err != nil {
				return err
			}
			if len(args) == 1 && dst == "" {
				dst = args[0]
			}
			return f.Push(cmd.Context(), facade.PushOptions{
				Remote:       remote,
				SrcBranch:    src,
				RemoteBranch: dst,
				Force:        force,
			})
		},
	}
	cmd.Flags().StringVarP(&remote, "remote", "r", "", "remote to push to (default: origin)")
	cmd.Flags().StringVarP(&src, "src", "s", "", "local branch to push (default: HEAD's branch)")
	cmd.Flags().StringVarP(&dst, "dst", "t", "", "remote branch to push onto (default: the local branch name)")
	cmd.Flags().BoolVarP(&force, "force", "f", false, "force-update a diverged remote branch")
	return cmd
}

func pullCmd(open func() (*facade.Facade, error)) *cobra.Command {
	var remote string
	var src string
	cmd := &cobra.Command{
		Use:   "pull [REMOTE_BRANCH]",
		Short: "fetch and merge a remote branch",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			f, err := open()
			if err != nil {
				return err
			}
			if len(args) == 1 && src == "" {
				src = args[0]
			}
			if src == "" {
				return giterrors.NewUserError(giterrors.Misconfigured, "remote branch required")
			}
			sha, err := f.Pull(cmd.Context(), facade.PullOptions{Remote: remote, SrcBranch: src})
			if err != nil {
				return err
			}
			fmt.Println(sha.String())
			return nil
		},
	}
	cmd.Flags().StringVarP(&remote, "remote", "r", "", "remote to fetch from (default: origin)")
	cmd.Flags().StringVarP(&src, "src", "s", "", "remote branch to merge (alternative to the positional arg)")
	return cmd
}

func mergeCmd(open func() (*facade.Facade, error)) *cobra.Command {
	return &cobra.Command{
		Use:   "merge REV",
		Short: "cherry-pick every commit reachable from REV not already in HEAD",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			f, err := open()
			if err != nil {
				return err
			}
			sha, err := f.Merge(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			fmt.Println(sha.String())
			return nil
		},
	}
}

func cherryPickCmd(open func() (*facade.Facade, error)) *cobra.Command {
	var message string
	var doContinue bool
	var doAbort bool
	cmd := &cobra.Command{
		Use:   "cherry-pick [REV...|--continue|--abort]",
		Short: "cherry-pick one or more revisions (or ranges) onto HEAD",
		Args: func(cmd *cobra.Command, args []string) error {
			if doContinue || doAbort {
				return cobra.ExactArgs(0)(cmd, args)
			}
			return cobra.MinimumNArgs(1)(cmd, args)
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			f, err := open()
			if err != nil {
				return err
			}
			if doContinue && doAbort {
				return giterrors.NewUserError(giterrors.Misconfigured, "--continue and --abort are mutually exclusive")
			}
			if doAbort {
				return f.AbortSequencer()
			}
			if doContinue {
				sha, err := f.Continue(cmd.Context())
				if err != nil {
					return err
				}
				fmt.Println(sha.String())
				return nil
			}
			sha, err := f.CherryPick(cmd.Context(), args, message)
			if err != nil {
				return err
			}
			fmt.Println(sha.String())
			return nil
		},
	}
	cmd.Flags().StringVarP(&message, "message", "m", "", "override the final commit message")
	cmd.Flags().BoolVar(&doContinue, "continue", false, "resume an in-progress cherry-pick after resolving its conflict")
	cmd.Flags().BoolVar(&doAbort, "abort", false, "discard an in-progress cherry-pick and restore HEAD")
	return cmd
}

func continueCmd(open func() (*facade.Facade, error)) *cobra.Command {
	return &cobra.Command{
		Use:   "continue",
		Short: "resume an in-progress cherry-pick/rebase after resolving its conflict",
		RunE: func(cmd *cobra.Command, args []string) error {
			f, err := open()
			if err != nil {
				return err
			}
			sha, err := f.Continue(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Println(sha.String())
			return nil
		},
	}
}

func abortCmd(open func() (*facade.Facade, error)) *cobra.Command {
	return &cobra.Command{
		Use:   "abort",
		Short: "discard an in-progress cherry-pick/rebase and restore HEAD",
		RunE: func(cmd *cobra.Command, args []string) error {
			f, err := open()
			if err != nil {
				return err
			}
			return f.AbortSequencer()
		},
	}
}

func includeCmd(open func() (*facade.Facade, error)) *cobra.Command {
	return &cobra.Command{
		Use:   "include NAME PATH URL SHA",
		Short: "declare a new submodule, staging its .gitmodules and gitlink entries",
		Args:  cobra.ExactArgs(4),
		RunE: func(cmd *cobra.Command, args []string) error {
			f, err := open()
			if err != nil {
				return err
			}
			return f.Include(args[0], args[1], args[2], args[3])
		},
	}
}

func syncRefsCmd(open func() (*facade.Facade, error)) *cobra.Command {
	return &cobra.Command{
		Use:   "sync-refs",
		Short: "anchor every submodule commit reachable from HEAD onto their own remotes",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			f, err := open()
			if err != nil {
				return err
			}
			return f.SyncRefs(cmd.Context())
		},
	}
}

func cloneCmd() *cobra.Command {
	var dest string
	cmd := &cobra.Command{
		Use:   "clone URL",
		Short: "clone a meta-repo",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if dest == "" {
				dest = "."
			}
			_, err := facade.Clone(dest, args[0], config.Global)
			return err
		},
	}
	cmd.Flags().StringVar(&dest, "dest", "", "destination directory (default: current directory)")
	return cmd
}

func initCmd() *cobra.Command {
	var dest string
	cmd := &cobra.Command{
		Use:   "init",
		Short: "initialize a new meta-repo",
		RunE: func(cmd *cobra.Command, args []string) error {
			if dest == "" {
				dest = "."
			}
			_, err := facade.Init(dest, config.Global)
			return err
		},
	}
	cmd.Flags().StringVar(&dest, "dest", "", "destination directory (default: current directory)")
	return cmd
}

func printStatus(rs *status.RepoStatus, only []string, verbose bool) {
	branch := rs.CurrentBranch
	if branch == "" {
		branch = "(detached)"
	}
	fmt.Printf("On branch %s at %s\n", branch, shortSha(rs.HeadCommit))
	if rs.Sequencer != nil {
		color.New(color.FgYellow).Printf("  %s in progress (run 'continue' or 'abort')\n", rs.Sequencer.Type)
	}
	for _, e := range rs.Staged() {
		color.New(color.FgGreen).Printf("  staged: %-10s %s\n", e.Status.Kind, e.Path)
	}
	for _, e := range rs.WorkdirEntries() {
		color.New(color.FgRed).Printf("  workdir: %-10s %s\n", e.Status.Kind, e.Path)
	}
	wanted := wantedSet(only)
	for _, e := range rs.Submodules() {
		if wanted != nil && !wanted[e.Name] {
			continue
		}
		if e.Status.Workdir == nil && !verbose {
			continue
		}
		printSubmodule(e.Name, e.Status)
	}
}

// printStatusOneLine prints, per open submodule, its sha and name -- the
// compact form scripts can parse a line at a time.
func printStatusOneLine(rs *status.RepoStatus, only []string, verbose bool) {
	wanted := wantedSet(only)
	for _, e := range rs.Submodules() {
		if wanted != nil && !wanted[e.Name] {
			continue
		}
		if e.Status.Workdir == nil {
			if verbose && e.Status.Index != nil {
				fmt.Printf("-%s %s\n", shortSha(e.Status.Index.Sha), e.Name)
			}
			continue
		}
		fmt.Printf("%s %s\n", shortSha(e.Status.Index.Sha), e.Name)
	}
}

func wantedSet(only []string) map[string]bool {
	if len(only) == 0 {
		return nil
	}
	set := make(map[string]bool, len(only))
	for _, name := range only {
		set[name] = true
	}
	return set
}

func printSubmodule(name string, ss *status.SubmoduleStatus) {
	switch {
	case ss.Commit == nil:
		fmt.Printf("  + %s (new, pinned %s)\n", name, shortSha(ss.Index.Sha))
	case ss.Index == nil:
		fmt.Printf("  - %s (removed)\n", name)
	case ss.Commit.Sha != ss.Index.Sha:
		fmt.Printf("  ~ %s %s -> %s\n", name, shortSha(ss.Commit.Sha), shortSha(ss.Index.Sha))
	default:
		fmt.Printf("    %s at %s\n", name, shortSha(ss.Commit.Sha))
	}
	if ss.Workdir != nil && ss.Workdir.Relation != status.Same {
		color.New(color.FgYellow).Printf("      workdir %s pin\n", ss.Workdir.Relation)
	}
}

func shortSha(sha string) string {
	if len(sha) > 10 {
		return sha[:10]
	}
	return sha
}

func renderError(err error) {
	msg := err.Error()
	var ce *giterrors.ConflictError
	if ok := giterrorsAsConflict(err, &ce); ok {
		color.New(color.FgRed, color.Bold).Fprintf(os.Stderr, "%s\n", msg)
		return
	}
	color.New(color.FgRed).Fprintf(os.Stderr, "error: %s\n", msg)
}

func giterrorsAsConflict(err error, target **giterrors.ConflictError) bool {
	for err != nil {
		if ce, ok := err.(*giterrors.ConflictError); ok {
			*target = ce
			return true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}

func exitCode(err error) int {
	return giterrors.ExitCode(err)
}
