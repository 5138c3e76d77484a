// pvpccheap-db provides command-line access to the agent's local
// database for debugging on the device.
package main

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"

	_ "github.com/mattn/go-sqlite3"
	"github.com/spf13/cobra"

	"github.com/crashbit/pvpccheapd/internal/storage"
)

var (
	dbPath  string
	rootCmd = &cobra.Command{
		Use:   "pvpccheap-db",
		Short: "pvpccheapd database CLI",
		Long:  "Command-line tool for inspecting the pvpccheapd agent database.",
	}

	actionsCmd = &cobra.Command{
		Use:   "actions",
		Short: "List today's cached actions",
		RunE:  showActions,
	}

	pendingCmd = &cobra.Command{
		Use:   "pending",
		Short: "Show status updates waiting for the backend",
		RunE:  showPending,
	}

	metaCmd = &cobra.Command{
		Use:   "meta",
		Short: "Show snapshot metadata and restart state",
		RunE:  showMeta,
	}

	statsCmd = &cobra.Command{
		Use:   "stats",
		Short: "Show database statistics",
		RunE:  showStats,
	}

	queryCmd = &cobra.Command{
		Use:   "query [sql]",
		Short: "Execute a raw SQL query",
		Args:  cobra.ExactArgs(1),
		RunE:  executeQuery,
	}
)

func init() {
	rootCmd.PersistentFlags().StringVarP(&dbPath, "database", "d", "/var/lib/pvpccheap/agent.db", "Database file path")

	rootCmd.AddCommand(actionsCmd)
	rootCmd.AddCommand(pendingCmd)
	rootCmd.AddCommand(metaCmd)
	rootCmd.AddCommand(statsCmd)
	rootCmd.AddCommand(queryCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func openStore() (*storage.DB, error) {
	return storage.OpenReadOnly(dbPath)
}

func showActions(cmd *cobra.Command, args []string) error {
	db, err := openStore()
	if err != nil {
		return err
	}
	defer db.Close()

	actions, err := db.ListActions()
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tDEVICE\tNAME\tSTART\tEND\tSTATUS")
	fmt.Fprintln(w, "--\t------\t----\t-----\t---\t------")

	for _, a := range actions {
		name := a.DeviceName
		if name == "" {
			name = "-"
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n",
			a.ID, a.DeviceID, name, a.StartTime, a.EndTime, a.Status)
	}
	w.Flush()
	return nil
}

func showPending(cmd *cobra.Command, args []string) error {
	db, err := openStore()
	if err != nil {
		return err
	}
	defer db.Close()

	pending, err := db.ListPendingSync()
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ACTION\tSTATUS\tUPDATED")
	fmt.Fprintln(w, "------\t------\t-------")

	for _, p := range pending {
		fmt.Fprintf(w, "%s\t%s\t%s\n",
			p.ActionID, p.Status, p.UpdatedAt.Format("2006-01-02 15:04:05"))
	}
	w.Flush()
	return nil
}

func showMeta(cmd *cobra.Command, args []string) error {
	db, err := openStore()
	if err != nil {
		return err
	}
	defer db.Close()

	date, lastUpdate, err := db.SnapshotMeta()
	switch {
	case errors.Is(err, storage.ErrNoCache):
		fmt.Println("Snapshot: none")
	case err != nil:
		return err
	default:
		fmt.Printf("Snapshot: %s (fetched %s)\n", date, lastUpdate.Format("2006-01-02 15:04:05"))
	}

	count, windowStart, err := db.RestartState()
	if err != nil {
		return err
	}
	if count == 0 {
		fmt.Println("Restarts: none recorded")
	} else {
		fmt.Printf("Restarts: %d since %s\n", count, windowStart.Format("2006-01-02 15:04:05"))
	}
	return nil
}

func showStats(cmd *cobra.Command, args []string) error {
	db, err := sql.Open("sqlite3", dbPath+"?mode=ro")
	if err != nil {
		return err
	}
	defer db.Close()

	fmt.Println("Database Statistics")
	fmt.Println("===================")

	var total int
	db.QueryRow("SELECT COUNT(*) FROM actions").Scan(&total)
	fmt.Printf("Actions: %d\n", total)

	rows, err := db.Query("SELECT status, COUNT(*) FROM actions GROUP BY status ORDER BY status")
	if err != nil {
		return err
	}
	defer rows.Close()
	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return err
		}
		fmt.Printf("  %s: %d\n", status, count)
	}

	var pendingSync int
	db.QueryRow("SELECT COUNT(*) FROM pending_sync").Scan(&pendingSync)
	fmt.Printf("Pending sync: %d\n", pendingSync)

	return rows.Err()
}

func executeQuery(cmd *cobra.Command, args []string) error {
	db, err := sql.Open("sqlite3", dbPath+"?mode=ro")
	if err != nil {
		return err
	}
	defer db.Close()

	query := args[0]

	// Only allow SELECT queries for safety
	if !strings.HasPrefix(strings.ToUpper(strings.TrimSpace(query)), "SELECT") {
		return fmt.Errorf("only SELECT queries are allowed")
	}

	rows, err := db.Query(query)
	if err != nil {
		return err
	}
	defer rows.Close()

	cols, err := rows.Columns()
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, strings.Join(cols, "\t"))
	fmt.Fprintln(w, strings.Repeat("-\t", len(cols)))

	values := make([]interface{}, len(cols))
	valuePtrs := make([]interface{}, len(cols))
	for i := range values {
		valuePtrs[i] = &values[i]
	}

	for rows.Next() {
		if err := rows.Scan(valuePtrs...); err != nil {
			return err
		}

		var row []string
		for _, v := range values {
			switch val := v.(type) {
			case nil:
				row = append(row, "NULL")
			case []byte:
				row = append(row, string(val))
			default:
				row = append(row, fmt.Sprintf("%v", val))
			}
		}
		fmt.Fprintln(w, strings.Join(row, "\t"))
	}
	w.Flush()
	return nil
}
