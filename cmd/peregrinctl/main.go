package main

import (
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/jorgeolive/peregrinapp-mobile-sub000/internal/conn"
	"github.com/jorgeolive/peregrinapp-mobile-sub000/internal/lock"
	"github.com/jorgeolive/peregrinapp-mobile-sub000/internal/session"
	"github.com/jorgeolive/peregrinapp-mobile-sub000/internal/store"
)

func main() {
	profileFlag := flag.String("profile", "", "profile name (overrides config default)")
	jsonFlag := flag.Bool("json", false, "output in JSON format")
	flag.Parse()

	profile := session.Resolve(*profileFlag)
	if err := session.ValidateName(profile); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	args := flag.Args()
	if len(args) == 0 {
		printUsage()
		os.Exit(1)
	}

	if args[0] == "profiles" {
		if len(args) >= 2 && args[1] == "list" {
			cmdProfilesList(*jsonFlag)
			return
		}
		fmt.Fprintln(os.Stderr, "usage: peregrinctl profiles list")
		os.Exit(1)
	}

	// Every other command touches the profile store directly, so the
	// profile must not be held by a running daemon or UI.
	lk, err := lock.Acquire(session.Dir(profile))
	if err != nil {
		var held *lock.LockHeldError
		if errors.As(err, &held) {
			fmt.Fprintf(os.Stderr, "error: profile %q is in use by PID %d; stop it first\n", profile, held.PID)
			os.Exit(1)
		}
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = lk.Release() }()

	switch args[0] {
	case "login":
		if len(args) < 2 {
			fmt.Fprintln(os.Stderr, "usage: peregrinctl login <token>")
			os.Exit(1)
		}
		cmdLogin(profile, args[1])
	case "logout":
		cmdLogout(profile)
	case "status":
		cmdStatus(profile, *jsonFlag)
	case "search":
		if len(args) < 2 {
			fmt.Fprintln(os.Stderr, "usage: peregrinctl search <query>")
			os.Exit(1)
		}
		cmdSearch(profile, strings.Join(args[1:], " "), *jsonFlag)
	case "reset":
		cmdReset(profile)
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n", args[0])
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Fprintln(os.Stderr, "usage: peregrinctl [--profile <name>] [--json] <command>")
	fmt.Fprintln(os.Stderr, "")
	fmt.Fprintln(os.Stderr, "commands:")
	fmt.Fprintln(os.Stderr, "  login <token>    Cache an access token for the profile")
	fmt.Fprintln(os.Stderr, "  logout           Clear the cached access token")
	fmt.Fprintln(os.Stderr, "  status           Show profile status")
	fmt.Fprintln(os.Stderr, "  search <query>   Search the message history")
	fmt.Fprintln(os.Stderr, "  reset            Wipe the chat history")
	fmt.Fprintln(os.Stderr, "  profiles list    List known profiles")
}

func openStore(profile string) (*store.DB, *store.MigrateResult) {
	db, err := store.Open(session.StoreDBPath(profile))
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: open store: %v\n", err)
		os.Exit(1)
	}
	res, err := db.Migrate()
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: migrate store: %v\n", err)
		os.Exit(1)
	}
	return db, res
}

func cmdLogin(profile, token string) {
	if conn.TokenExpired(token, time.Now()) {
		fmt.Fprintln(os.Stderr, "error: token is already expired; request a fresh one from the server")
		os.Exit(1)
	}
	creds := session.NewCredentials(session.CredentialsPath(profile))
	if err := creds.Save(token); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("Token cached for profile %q.\n", profile)
}

func cmdLogout(profile string) {
	creds := session.NewCredentials(session.CredentialsPath(profile))
	if err := creds.Clear(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("Credentials cleared for profile %q.\n", profile)
}

type statusOutput struct {
	Profile       string `json:"profile"`
	Path          string `json:"path"`
	SchemaVersion uint   `json:"schemaVersion"`
	Messages      int64  `json:"messages"`
	Conversations int64  `json:"conversations"`
	SharePosition bool   `json:"sharePosition"`
	SelfID        string `json:"selfId,omitempty"`
	Credentials   bool   `json:"credentials"`
}

func cmdStatus(profile string, jsonOut bool) {
	db, res := openStore(profile)
	defer func() { _ = db.Close() }()

	msgs, err := db.MessageCount()
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
	convs, err := db.ConversationCount()
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	sharing, _ := db.GetState("share_position")
	selfID, _ := db.GetState("self_id")
	token, _ := session.NewCredentials(session.CredentialsPath(profile)).Token()

	out := statusOutput{
		Profile:       profile,
		Path:          session.Dir(profile),
		SchemaVersion: res.Version,
		Messages:      msgs,
		Conversations: convs,
		SharePosition: sharing == "true",
		SelfID:        selfID,
		Credentials:   token != "",
	}

	if jsonOut {
		outputJSON(out)
		return
	}

	fmt.Printf("Profile:       %s\n", out.Profile)
	fmt.Printf("Path:          %s\n", out.Path)
	fmt.Printf("Schema:        v%d\n", out.SchemaVersion)
	fmt.Printf("Messages:      %d\n", out.Messages)
	fmt.Printf("Conversations: %d\n", out.Conversations)
	sharingText := "disabled"
	if out.SharePosition {
		sharingText = "enabled"
	}
	fmt.Printf("Sharing:       %s\n", sharingText)
	signedIn := "no"
	if out.Credentials {
		signedIn = "yes"
		if out.SelfID != "" {
			signedIn = fmt.Sprintf("yes (user %s)", out.SelfID)
		}
	}
	fmt.Printf("Signed in:     %s\n", signedIn)
}

func cmdSearch(profile, query string, jsonOut bool) {
	db, _ := openStore(profile)
	defer func() { _ = db.Close() }()

	hits, err := db.SearchMessages(query, "", 50)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	if jsonOut {
		outputJSON(hits)
		return
	}

	if len(hits) == 0 {
		fmt.Println("No matches.")
		return
	}
	for _, hit := range hits {
		when := time.UnixMilli(hit.Message.SentAt).Format("2006-01-02 15:04")
		fmt.Printf("%s  %-12s  %s\n", when, hit.Message.SenderID, hit.Snippet)
	}
}

func cmdReset(profile string) {
	db, _ := openStore(profile)
	defer func() { _ = db.Close() }()

	if err := db.Reset(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("Chat history cleared for profile %q.\n", profile)
}

func cmdProfilesList(jsonOut bool) {
	entries, err := os.ReadDir(session.BaseDir())
	if err != nil {
		if os.IsNotExist(err) {
			fmt.Println("No profiles found.")
			return
		}
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	type profileInfo struct {
		Name   string `json:"name"`
		Path   string `json:"path"`
		InUse  bool   `json:"inUse"`
		HeldBy int    `json:"heldBy,omitempty"`
	}

	var profiles []profileInfo
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		info := profileInfo{Name: e.Name(), Path: session.Dir(e.Name())}
		if lk, err := lock.Acquire(info.Path); err != nil {
			var held *lock.LockHeldError
			if errors.As(err, &held) {
				info.InUse = true
				info.HeldBy = held.PID
			}
		} else {
			_ = lk.Release()
		}
		profiles = append(profiles, info)
	}

	if jsonOut {
		outputJSON(profiles)
		return
	}

	if len(profiles) == 0 {
		fmt.Println("No profiles found.")
		return
	}
	for _, p := range profiles {
		state := "idle"
		if p.InUse {
			state = fmt.Sprintf("in use by PID %d", p.HeldBy)
		}
		fmt.Printf("%-20s %s (%s)\n", p.Name, p.Path, state)
	}
}

func outputJSON(v any) {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		fmt.Fprintf(os.Stderr, "json encode error: %v\n", err)
	}
}
