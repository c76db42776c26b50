package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"gitea.jw6.us/james/calsync/internal/calsync"
	"gitea.jw6.us/james/calsync/internal/store"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply pending database migrations",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		_, pool, err := openPool(cmd.Context())
		if err != nil {
			return err
		}
		defer pool.Close()
		if err := store.ApplyMigrations(cmd.Context(), pool); err != nil {
			return err
		}
		fmt.Println("migrations applied")
		return nil
	},
}

var syncCmd = &cobra.Command{
	Use:   "sync <userID>",
	Short: "Run one push/pull cycle for a user and print the summary",
	Long: `Run one sync cycle for a user while holding the user's sync lock.

The command fails immediately if another process is syncing the same user.
Use --no-pull to push local changes without fetching remote edits.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		userID, err := parseUserID(args[0])
		if err != nil {
			return err
		}
		noPull, _ := cmd.Flags().GetBool("no-pull")

		e, err := openEnv(cmd.Context())
		if err != nil {
			return err
		}
		defer e.close()

		sum, err := e.engine.RunExclusive(cmd.Context(), userID, calsync.RunOptions{Pull: !noPull})
		if errors.Is(err, calsync.ErrBusy) {
			return fmt.Errorf("user %d is being synced by another process", userID)
		}
		if err != nil {
			return err
		}
		return printJSON(sum)
	},
}

var ensureCalendarCmd = &cobra.Command{
	Use:   "ensure-calendar <userID>",
	Short: "Resolve or create the user's managed calendar",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		userID, err := parseUserID(args[0])
		if err != nil {
			return err
		}
		e, err := openEnv(cmd.Context())
		if err != nil {
			return err
		}
		defer e.close()

		id, created, err := e.engine.EnsureManagedCalendar(cmd.Context(), userID)
		if err != nil {
			return err
		}
		return printJSON(map[string]any{"calendarId": id, "created": created})
	},
}

var shareCmd = &cobra.Command{
	Use:   "share <userID>",
	Short: "Grant accepted collaborators access to the managed calendar",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		userID, err := parseUserID(args[0])
		if err != nil {
			return err
		}
		e, err := openEnv(cmd.Context())
		if err != nil {
			return err
		}
		defer e.close()

		res, err := e.engine.ShareCalendar(cmd.Context(), userID)
		if err != nil {
			return err
		}
		return printJSON(res)
	},
}

var statusCmd = &cobra.Command{
	Use:   "status <userID>",
	Short: "Show a user's credential and link state",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		userID, err := parseUserID(args[0])
		if err != nil {
			return err
		}
		e, err := openEnv(cmd.Context())
		if err != nil {
			return err
		}
		defer e.close()

		st, err := e.engine.Status(cmd.Context(), userID)
		if err != nil {
			return err
		}
		return printJSON(st)
	},
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func init() {
	syncCmd.Flags().Bool("no-pull", false, "push only; skip fetching remote changes")
	rootCmd.AddCommand(migrateCmd, syncCmd, ensureCalendarCmd, shareCmd, statusCmd)
}
