// hearth-userctl manages the hearthd operator user database.
// Usage:
//
//	hearth-userctl -db /var/lib/hearthd/auth.db add alice
//	hearth-userctl -db /var/lib/hearthd/auth.db remove alice
//	echo 'mypassword' | hearth-userctl add alice
package main

import (
	"bufio"
	"flag"
	"fmt"
	"os"
	"strings"

	"golang.org/x/term"

	"github.com/hearthd/hearthd/internal/api"
	"github.com/hearthd/hearthd/internal/config"
)

func main() {
	dbPath := flag.String("db", config.DefaultAuthFile, "path to the auth database")
	flag.Parse()

	if flag.NArg() < 1 {
		usage()
		os.Exit(2)
	}
	command := flag.Arg(0)

	users, err := api.OpenUserStore(*dbPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
	defer users.Close()

	switch command {
	case "add":
		username := requireUsername()
		password, err := readPassword(true)
		if err != nil {
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
			os.Exit(1)
		}
		if err := users.CreateUser(username, password); err != nil {
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("user %s saved\n", username)

	case "remove":
		username := requireUsername()
		if err := users.DeleteUser(username); err != nil {
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("user %s removed\n", username)

	case "verify":
		username := requireUsername()
		password, err := readPassword(false)
		if err != nil {
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
			os.Exit(1)
		}
		if !users.Verify(username, password) {
			fmt.Fprintln(os.Stderr, "verification failed")
			os.Exit(1)
		}
		fmt.Println("ok")

	case "count":
		fmt.Println(users.Count())

	default:
		usage()
		os.Exit(2)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, "usage: hearth-userctl [-db path] add|remove|verify <username> | count")
}

func requireUsername() string {
	if flag.NArg() < 2 {
		usage()
		os.Exit(2)
	}
	return flag.Arg(1)
}

// readPassword takes the password from a pipe when stdin is not a
// terminal, otherwise prompts with hidden input.
func readPassword(confirm bool) (string, error) {
	if !term.IsTerminal(int(os.Stdin.Fd())) {
		scanner := bufio.NewScanner(os.Stdin)
		if !scanner.Scan() {
			return "", fmt.Errorf("empty password from stdin")
		}
		password := strings.TrimSpace(scanner.Text())
		if password == "" {
			return "", fmt.Errorf("empty password from stdin")
		}
		return password, nil
	}

	fmt.Fprint(os.Stderr, "Password: ")
	pw, err := term.ReadPassword(int(os.Stdin.Fd()))
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return "", fmt.Errorf("reading password: %w", err)
	}
	if len(pw) == 0 {
		return "", fmt.Errorf("password must not be empty")
	}
	if confirm {
		fmt.Fprint(os.Stderr, "Confirm:  ")
		pw2, err := term.ReadPassword(int(os.Stdin.Fd()))
		fmt.Fprintln(os.Stderr)
		if err != nil {
			return "", fmt.Errorf("reading confirmation: %w", err)
		}
		if string(pw2) != string(pw) {
			return "", fmt.Errorf("passwords do not match")
		}
	}
	return string(pw), nil
}
