package main

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/fatih/color"
	"golang.org/x/text/language"
	"golang.org/x/text/message"

	"github.com/TheMichaelB/offsync/internal/models"
)

var (
	successColor = color.New(color.FgGreen, color.Bold)
	errorColor   = color.New(color.FgRed, color.Bold)
	warningColor = color.New(color.FgYellow)
	infoColor    = color.New(color.FgCyan)
	dimColor     = color.New(color.Faint)

	counts = message.NewPrinter(language.English)
)

func printSuccess(format string, args ...interface{}) {
	successColor.Fprintf(os.Stdout, format+"\n", args...)
}

func printError(format string, args ...interface{}) {
	errorColor.Fprintf(os.Stderr, format+"\n", args...)
}

func printWarning(format string, args ...interface{}) {
	warningColor.Fprintf(os.Stderr, format+"\n", args...)
}

func printInfo(format string, args ...interface{}) {
	infoColor.Fprintf(os.Stdout, format+"\n", args...)
}

func printJSON(v interface{}) {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		printError("Failed to encode output: %v", err)
	}
}

// plural renders "1 change" / "1,204 changes".
func plural(n int, word string) string {
	if n == 1 {
		return counts.Sprintf("%d %s", n, word)
	}
	return counts.Sprintf("%d %ss", n, word)
}

func connectivityLabel(s models.ConnectivitySnapshot) string {
	if s.Online {
		return successColor.Sprint("● online")
	}
	return warningColor.Sprint("○ offline")
}

func stateLabel(entry models.CacheEntry) string {
	switch {
	case entry.Deleted:
		return warningColor.Sprint("deleted (pending)")
	case entry.State == models.CacheOptimistic:
		return warningColor.Sprint(entry.State.String())
	case entry.State == models.CacheStale:
		return dimColor.Sprint(entry.State.String())
	default:
		return successColor.Sprint(entry.State.String())
	}
}

func since(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return time.Since(t).Round(time.Second).String() + " ago"
}

func printItems(items []models.QueueItem) {
	for _, item := range items {
		line := fmt.Sprintf("#%-5d %-10s %s", item.ID, item.Status, item.Op)
		if item.Attempts > 0 {
			line += dimColor.Sprintf("  attempts=%d", item.Attempts)
		}
		fmt.Println(line)
		if item.LastError != "" {
			fmt.Printf("       %s %s\n", errorColor.Sprint(item.ErrorCode), item.LastError)
		}
	}
}

func printRecord(raw json.RawMessage) {
	var pretty interface{}
	if err := json.Unmarshal(raw, &pretty); err != nil {
		fmt.Println(string(raw))
		return
	}
	out, _ := json.MarshalIndent(pretty, "", "  ")
	fmt.Println(string(out))
}
