package main

import (
	"bytes"
	"strings"
	"testing"
)

func TestDeriveTokenCommand(t *testing.T) {
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetArgs([]string{"derive-token", "--namespace", "6ba7b810-9dad-11d1-80b4-00c04fd430c8", "user-42", "user-43"})
	if err := rootCmd.Execute(); err != nil {
		t.Fatalf("execute: %v", err)
	}
	got := out.String()
	for _, want := range []string{
		"user-42\t2991bdff-0fee-52e0-90c1-c76c57de7a2f",
		"user-43\tb8343a45-5aaf-5dbb-8796-6ce70c45a210",
	} {
		if !strings.Contains(got, want) {
			t.Fatalf("output %q missing %q", got, want)
		}
	}
}
