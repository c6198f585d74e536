package main

import (
	"fmt"
	"os"
	"syscall"

	"golang.org/x/term"

	"github.com/EPS-AI-SOLUTIONS/hydra/internal/cache"
	"github.com/EPS-AI-SOLUTIONS/hydra/internal/vault"
)

func cmdKeys(args []string) {
	if len(args) == 0 {
		fmt.Println("Usage: hydra keys <show|set|delete>")
		os.Exit(1)
	}

	v := vault.New()

	switch args[0] {
	case "show":
		if _, err := v.Get(vault.CacheKeyName); err != nil {
			fmt.Println("No cache encryption key stored")
			return
		}
		fmt.Println("cache: ****")

	case "set":
		fmt.Print("Enter cache encryption key (64 hex chars or base64 of 32 bytes): ")
		key, err := term.ReadPassword(int(syscall.Stdin))
		fmt.Println()
		if err != nil {
			fmt.Fprintf(os.Stderr, "error reading key: %v\n", err)
			os.Exit(1)
		}
		if _, err := cache.ParseKey(string(key)); err != nil {
			fmt.Fprintf(os.Stderr, "invalid key: %v\n", err)
			os.Exit(1)
		}
		if err := v.Set(vault.CacheKeyName, string(key)); err != nil {
			fmt.Fprintf(os.Stderr, "error storing key: %v\n", err)
			os.Exit(1)
		}
		fmt.Println("Cache encryption key stored successfully")
		fmt.Println("Set cache.encryption_key = \"keyring://hydra/cache\" to use it")

	case "delete":
		if err := v.Delete(vault.CacheKeyName); err != nil {
			fmt.Fprintf(os.Stderr, "error deleting key: %v\n", err)
			os.Exit(1)
		}
		fmt.Println("Cache encryption key deleted")

	default:
		fmt.Fprintf(os.Stderr, "unknown keys command: %s\n", args[0])
		os.Exit(1)
	}
}
