package main

import (
	"fmt"
	"os"
	"time"

	"github.com/dustin/go-humanize"

	"broker/server/store"
)

// Version is the current server version. Set at build time via -ldflags.
var Version = "0.1.0-dev"

// RunCLI handles subcommand execution against the on-disk store without
// starting the network listener. Returns true if a subcommand was handled.
func RunCLI(args []string, dbPath string) bool {
	if len(args) == 0 {
		return false
	}

	switch args[0] {
	case "version":
		fmt.Printf("broker server %s\n", Version)
		return true
	case "status":
		return cliStatus(dbPath)
	case "users":
		return cliUsers(dbPath)
	case "calls":
		return cliCalls(args[1:], dbPath)
	case "backup":
		return cliBackup(args[1:], dbPath)
	default:
		return false
	}
}

func openCLIStore(dbPath string) *store.Store {
	st, err := store.New(dbPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error opening database: %v\n", err)
		os.Exit(1)
	}
	return st
}

func cliStatus(dbPath string) bool {
	st := openCLIStore(dbPath)
	defer st.Close()

	n, err := st.UserCount()
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("Database: %s\n", dbPath)
	fmt.Printf("Registered accounts: %d\n", n)
	fmt.Printf("Version: %s\n", Version)
	return true
}

func cliUsers(dbPath string) bool {
	st := openCLIStore(dbPath)
	defer st.Close()

	accounts, err := st.ListUsers()
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
	if len(accounts) == 0 {
		fmt.Println("No registered accounts.")
		return true
	}
	for _, a := range accounts {
		email := a.Email
		if email == "" {
			email = "-"
		}
		fmt.Printf("  %-20s %-30s registered %s\n", a.Username, email, humanize.Time(time.Unix(a.CreatedAt, 0)))
	}
	return true
}

func cliCalls(args []string, dbPath string) bool {
	st := openCLIStore(dbPath)
	defer st.Close()

	limit := 20
	records, err := st.RecentCalls(limit)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
	if len(records) == 0 {
		fmt.Println("No call history.")
		return true
	}
	for _, r := range records {
		fmt.Printf("  %s  %s -> %s  [%s]  %s  %s\n",
			r.CallID, r.FromUser, r.ToUser, r.CallType, r.Status,
			humanize.Time(time.Unix(r.StartTime, 0)))
	}
	_ = args
	return true
}

func cliBackup(args []string, dbPath string) bool {
	st := openCLIStore(dbPath)
	defer st.Close()

	outPath := "broker-backup.db"
	if len(args) > 0 {
		outPath = args[0]
	}

	if err := st.Backup(outPath); err != nil {
		fmt.Fprintf(os.Stderr, "backup failed: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("Database backed up to %s\n", outPath)
	return true
}
